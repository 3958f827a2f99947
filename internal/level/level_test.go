package level_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/levelsim/internal/level"
)

const wingYAML = `
level:
  key: test
  templates:
    - key: wing
      rooms:
        - id: 1
          poly: [[0, 0], [4, 0], [4, 4], [0, 4]]
        - id: 2
          poly: [[4.2, 0], [8, 0], [8, 4], [4.2, 4]]
      doors:
        - id: 1
          poly: [[4, 1.5], [4.2, 1.5], [4.2, 2.5], [4, 2.5]]
          rooms: [1, 2]
          auto: true
        - id: 2
          poly: [[8, 1.5], [8.2, 1.5], [8.2, 2.5], [8, 2.5]]
          rooms: [2]
          hull: true
      points:
        - key: desk
          center: [6, 3]
          radius: 0.4
  instances:
    - gm: 1
      template: wing
    - gm: 2
      template: wing
      translate: [16.4, 0]
      mirror: true
  hull_links:
    - a: g1d2
      b: g2d2
`

func loadWing(t *testing.T) *level.Level {
	t.Helper()
	lvl, err := level.LoadLevelFromBytes([]byte(wingYAML))
	require.NoError(t, err)
	return lvl
}

func TestLoadLevelFromBytes(t *testing.T) {
	lvl := loadWing(t)
	assert.Equal(t, "test", lvl.Key())
	assert.Equal(t, 2, lvl.InstanceCount())
	assert.Equal(t, 4, lvl.DoorCount())

	d, ok := lvl.Door(level.DoorRef{GmID: 1, DoorID: 1})
	require.True(t, ok)
	assert.True(t, d.Auto)
	assert.False(t, d.Hull)
	assert.InDelta(t, 4.1, d.Seg[0][0], 1e-9)
	assert.InDelta(t, 4.1, d.Seg[1][0], 1e-9)
}

func TestLoadLevelFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "level.yaml")
	require.NoError(t, os.WriteFile(path, []byte(wingYAML), 0o644))
	lvl, err := level.LoadLevelFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, lvl.InstanceCount())
}

func TestLoadLevelFromFile_Missing(t *testing.T) {
	_, err := level.LoadLevelFromFile("/nonexistent/level.yaml")
	assert.Error(t, err)
}

func TestLoadDemoContent(t *testing.T) {
	lvl, err := level.LoadLevelFromFile(filepath.Join("..", "..", "content", "levels", "demo.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "demo", lvl.Key())
	assert.Equal(t, 2, lvl.InstanceCount())
}

func TestLoadLevel_Errors(t *testing.T) {
	cases := map[string]string{
		"invalid yaml": "level: [",
		"missing key":  "level:\n  templates: []\n",
		"unknown template": `
level:
  key: x
  instances:
    - gm: 1
      template: nope
`,
		"interior hull link": `
level:
  key: x
  templates:
    - key: t
      rooms:
        - id: 1
          poly: [[0, 0], [1, 0], [1, 1]]
        - id: 2
          poly: [[2, 0], [3, 0], [3, 1]]
      doors:
        - id: 1
          poly: [[1, 0], [2, 0], [2, 1]]
          rooms: [1, 2]
  instances:
    - gm: 1
      template: t
    - gm: 2
      template: t
  hull_links:
    - a: g1d1
      b: g2d1
`,
		"duplicate gm": `
level:
  key: x
  templates:
    - key: t
      rooms:
        - id: 1
          poly: [[0, 0], [1, 0], [1, 1]]
  instances:
    - gm: 1
      template: t
    - gm: 1
      template: t
`,
		"hull door with two rooms": `
level:
  key: x
  templates:
    - key: t
      rooms:
        - id: 1
          poly: [[0, 0], [1, 0], [1, 1]]
      doors:
        - id: 1
          poly: [[1, 0], [2, 0], [2, 1]]
          rooms: [1, 1]
          hull: true
`,
		"malformed hull key": `
level:
  key: x
  hull_links:
    - a: door-one
      b: g1d1
`,
		"singular matrix": `
level:
  key: x
  templates:
    - key: t
      rooms:
        - id: 1
          poly: [[0, 0], [1, 0], [1, 1]]
  instances:
    - gm: 1
      template: t
      matrix: [0, 0, 0, 0, 1, 1]
`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := level.LoadLevelFromBytes([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLevel_RoomAt(t *testing.T) {
	lvl := loadWing(t)

	ref, ok := lvl.RoomAt(mgl64.Vec2{1, 1})
	require.True(t, ok)
	assert.Equal(t, level.RoomRef{GmID: 1, RoomID: 1}, ref)

	// x=15 in the mirrored instance maps back to template x=1.4.
	ref, ok = lvl.RoomAt(mgl64.Vec2{15, 1})
	require.True(t, ok)
	assert.Equal(t, level.RoomRef{GmID: 2, RoomID: 1}, ref)

	_, ok = lvl.RoomAt(mgl64.Vec2{4.1, 2})
	assert.False(t, ok, "door footprint belongs to no room")

	_, ok = lvl.RoomAt(mgl64.Vec2{-5, -5})
	assert.False(t, ok)
}

func TestLevel_OtherRoom(t *testing.T) {
	lvl := loadWing(t)
	r1 := level.RoomRef{GmID: 1, RoomID: 1}
	r2 := level.RoomRef{GmID: 1, RoomID: 2}

	other, ok := lvl.OtherRoom(level.DoorRef{GmID: 1, DoorID: 1}, r1)
	require.True(t, ok)
	assert.Equal(t, r2, other)

	other, ok = lvl.OtherRoom(level.DoorRef{GmID: 1, DoorID: 1}, r2)
	require.True(t, ok)
	assert.Equal(t, r1, other)

	other, ok = lvl.OtherRoom(level.DoorRef{GmID: 1, DoorID: 2}, r2)
	require.True(t, ok, "hull door crosses into the linked instance")
	assert.Equal(t, level.RoomRef{GmID: 2, RoomID: 2}, other)

	_, ok = lvl.OtherRoom(level.DoorRef{GmID: 1, DoorID: 1}, level.RoomRef{GmID: 2, RoomID: 1})
	assert.False(t, ok, "room not adjacent to door")

	_, ok = lvl.OtherRoom(level.DoorRef{GmID: 9, DoorID: 1}, r1)
	assert.False(t, ok)
}

func TestLevel_DoorsOfRoomAndHullPartner(t *testing.T) {
	lvl := loadWing(t)
	doors := lvl.DoorsOfRoom(level.RoomRef{GmID: 1, RoomID: 2})
	assert.ElementsMatch(t, []level.DoorRef{{GmID: 1, DoorID: 1}, {GmID: 1, DoorID: 2}}, doors)

	partner, ok := lvl.HullPartner(level.DoorRef{GmID: 2, DoorID: 2})
	require.True(t, ok)
	assert.Equal(t, level.DoorRef{GmID: 1, DoorID: 2}, partner)
}

func TestInstance_MirroredRoomsAreCCW(t *testing.T) {
	lvl := loadWing(t)
	inst, ok := lvl.Instance(2)
	require.True(t, ok)
	assert.True(t, inst.Transform.Reflects())
	for _, r := range inst.Rooms {
		assert.Greater(t, r.Poly.SignedArea(), 0.0)
	}
}

func TestInstance_Floor(t *testing.T) {
	lvl := loadWing(t)
	inst, _ := lvl.Instance(1)
	verts, tris, doorwayStart, err := inst.Floor()
	require.NoError(t, err)
	assert.Len(t, verts, 16)
	assert.Len(t, tris, 8)
	assert.Equal(t, 4, doorwayStart)
}

func TestInstance_HashDistinguishesPlacement(t *testing.T) {
	lvl := loadWing(t)
	a, _ := lvl.Instance(1)
	b, _ := lvl.Instance(2)
	assert.NotEqual(t, a.Hash(), b.Hash())

	again := loadWing(t)
	a2, _ := again.Instance(1)
	assert.Equal(t, a.Hash(), a2.Hash())
}

func TestParseDoorKey_Invalid(t *testing.T) {
	_, err := level.ParseDoorKey("d1g1")
	assert.Error(t, err)
}

func TestPropertyDoorKeyParses(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ref := level.DoorRef{
			GmID:   rapid.IntRange(0, 1<<20).Draw(t, "gm"),
			DoorID: rapid.IntRange(0, 1<<20).Draw(t, "door"),
		}
		got, err := level.ParseDoorKey(ref.Key())
		if err != nil {
			t.Fatalf("parse %q: %v", ref.Key(), err)
		}
		if got != ref {
			t.Fatalf("got %v want %v", got, ref)
		}
	})
}

func TestDoorSegment_FollowsLongSide(t *testing.T) {
	seg := level.DoorSegment([]mgl64.Vec2{{0, 0}, {2, 0}, {2, 0.2}, {0, 0.2}})
	assert.InDelta(t, 0.0, seg[0][0], 1e-9)
	assert.InDelta(t, 0.1, seg[0][1], 1e-9)
	assert.InDelta(t, 2.0, seg[1][0], 1e-9)
	assert.InDelta(t, 0.1, seg[1][1], 1e-9)
}
