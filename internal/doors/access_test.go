package doors_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/levelsim/internal/doors"
	"github.com/cory-johannsen/levelsim/internal/level"
)

func TestAccessStore_PatternsMatchWholeKey(t *testing.T) {
	s := doors.NewAccessStore()
	require.NoError(t, s.Grant("guard", `g1d\d+`))

	assert.True(t, s.Allowed("guard", level.DoorRef{GmID: 1, DoorID: 12}))
	assert.False(t, s.Allowed("guard", level.DoorRef{GmID: 11, DoorID: 1}))
	assert.False(t, s.Allowed("visitor", level.DoorRef{GmID: 1, DoorID: 1}))
}

func TestAccessStore_GrantRejectsBadPattern(t *testing.T) {
	s := doors.NewAccessStore()
	assert.Error(t, s.Grant("guard", "g1d("))
	assert.Empty(t, s.Patterns("guard"))
}

func TestAccessStore_GrantRevoke(t *testing.T) {
	s := doors.NewAccessStore()
	require.NoError(t, s.Grant("guard", "g1d1"))
	require.NoError(t, s.Grant("guard", "g1d1"))
	require.NoError(t, s.Grant("guard", "g2d.*"))
	assert.Equal(t, []string{"g1d1", "g2d.*"}, s.Patterns("guard"))

	assert.True(t, s.Revoke("guard", "g1d1"))
	assert.False(t, s.Revoke("guard", "g1d1"))
	assert.False(t, s.Allowed("guard", level.DoorRef{GmID: 1, DoorID: 1}))
	assert.True(t, s.Revoke("guard", "g2d.*"))
	assert.Empty(t, s.Agents())
}

func TestAccessStore_Replace(t *testing.T) {
	s := doors.NewAccessStore()
	require.NoError(t, s.Grant("old", ".*"))
	require.NoError(t, s.Replace(map[string][]string{"a": {"g1d1"}, "b": {"g2d2"}}))
	assert.Equal(t, []string{"a", "b"}, s.Agents())

	assert.Error(t, s.Replace(map[string][]string{"c": {"("}}))
	assert.Equal(t, []string{"a", "b"}, s.Agents(), "failed replace keeps previous grants")
}

func TestAuthorizerFunc(t *testing.T) {
	var a doors.Authorizer = doors.AuthorizerFunc(func(agent string, d level.DoorRef) bool {
		return agent == "admin"
	})
	assert.True(t, a.Allowed("admin", level.DoorRef{}))
	assert.False(t, a.Allowed("npc", level.DoorRef{}))
}

func TestPropertyWildcardAllowsEveryDoor(t *testing.T) {
	s := doors.NewAccessStore()
	require.NoError(t, s.Grant("admin", "g.*"))
	rapid.Check(t, func(rt *rapid.T) {
		ref := level.DoorRef{
			GmID:   rapid.IntRange(0, 1000).Draw(rt, "gm"),
			DoorID: rapid.IntRange(0, 1000).Draw(rt, "door"),
		}
		if !s.Allowed("admin", ref) {
			rt.Fatalf("wildcard denied %s", ref.Key())
		}
	})
}
