package physics_test

import (
	"context"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/levelsim/internal/level"
	"github.com/cory-johannsen/levelsim/internal/physics"
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
      points:
        - key: desk
          center: [6, 3]
          radius: 0.4
  instances:
    - gm: 1
      template: wing
`

const (
	halfHeight   = 0.5
	agentRadius  = 0.2
	nearbyRadius = 0.9
)

func wingSensors(t *testing.T) []physics.BodySpec {
	t.Helper()
	lvl, err := level.LoadLevelFromBytes([]byte(wingYAML))
	require.NoError(t, err)
	return physics.LevelSensors(lvl, nearbyRadius)
}

func newWorld(t *testing.T) *physics.World {
	t.Helper()
	return physics.NewWorld(halfHeight, agentRadius, zaptest.NewLogger(t))
}

func at(key string, x, z float64) physics.AgentPosition {
	return physics.AgentPosition{Key: key, Pos: mgl64.Vec3{x, 0, z}}
}

func TestLevelSensors_TwoPerDoorPlusPoints(t *testing.T) {
	sensors := wingSensors(t)
	require.Len(t, sensors, 3)
	keys := []string{sensors[0].Key, sensors[1].Key, sensors[2].Key}
	assert.Equal(t, []string{"g1d1~nearby", "g1d1", "g1~desk"}, keys)
	assert.InDelta(t, 4.1, sensors[0].Pos.X(), 1e-9)
	assert.InDelta(t, 2.0, sensors[0].Pos.Y(), 1e-9)
}

func TestParseDoorSensor(t *testing.T) {
	ref := level.DoorRef{GmID: 3, DoorID: 7}

	got, tier, ok := physics.ParseDoorSensor(physics.DoorSensorKey(ref, physics.TierNearby))
	require.True(t, ok)
	assert.Equal(t, ref, got)
	assert.Equal(t, physics.TierNearby, tier)

	got, tier, ok = physics.ParseDoorSensor(physics.DoorSensorKey(ref, physics.TierInside))
	require.True(t, ok)
	assert.Equal(t, ref, got)
	assert.Equal(t, physics.TierInside, tier)

	for _, key := range []string{"g1~desk", "npc-1", "g3d7x", ""} {
		_, _, ok := physics.ParseDoorSensor(key)
		assert.False(t, ok, key)
	}
}

func TestSetup_IsIdempotent(t *testing.T) {
	w := newWorld(t)
	w.Setup(wingSensors(t), nil)
	first := w.SensorCount()
	w.Setup(wingSensors(t), nil)
	assert.Equal(t, first, w.SensorCount())
	assert.Equal(t, first, w.BodyCount())
}

func TestSetup_ClearsAgentsAndContacts(t *testing.T) {
	w := newWorld(t)
	w.Setup(wingSensors(t), []physics.AgentPosition{at("npc-1", 4.1, 2)})
	start, _ := w.Step()
	require.NotEmpty(t, start)
	require.Equal(t, 2, w.ContactCount())

	w.Setup(wingSensors(t), nil)
	assert.Zero(t, w.ContactCount())
	assert.Equal(t, 3, w.BodyCount())
}

func TestSetPositions_PinsHeight(t *testing.T) {
	w := newWorld(t)
	w.Setup(nil, []physics.AgentPosition{at("npc-1", 1, 1)})
	w.SetPositions([]physics.AgentPosition{{Key: "npc-1", Pos: mgl64.Vec3{2, 7, 3}}})
	pos, ok := w.Position("npc-1")
	require.True(t, ok)
	assert.Equal(t, mgl64.Vec3{2, halfHeight, 3}, pos)
}

func TestStep_ReportsNearbyThenInside(t *testing.T) {
	w := newWorld(t)
	w.Setup(wingSensors(t), []physics.AgentPosition{at("npc-1", 1, 2)})

	start, end := w.Step()
	assert.Empty(t, start)
	assert.Empty(t, end)

	w.SetPositions([]physics.AgentPosition{at("npc-1", 3.2, 2)})
	start, _ = w.Step()
	assert.Equal(t, []physics.Collision{{Agent: "npc-1", Other: "g1d1~nearby"}}, start)

	w.SetPositions([]physics.AgentPosition{at("npc-1", 3.9, 2)})
	start, _ = w.Step()
	assert.Equal(t, []physics.Collision{{Agent: "npc-1", Other: "g1d1"}}, start)

	w.SetPositions([]physics.AgentPosition{at("npc-1", 6, 2.8)})
	start, end = w.Step()
	assert.Equal(t, []physics.Collision{{Agent: "npc-1", Other: "g1~desk"}}, start)
	assert.Equal(t, []physics.Collision{
		{Agent: "npc-1", Other: "g1d1"},
		{Agent: "npc-1", Other: "g1d1~nearby"},
	}, end)
}

func TestStep_AgentsDoNotCollideWithEachOther(t *testing.T) {
	w := newWorld(t)
	w.Setup(nil, []physics.AgentPosition{at("a", 1, 1), at("b", 1, 1)})
	start, _ := w.Step()
	assert.Empty(t, start)
}

func TestRemove_MidContactReportsEnd(t *testing.T) {
	w := newWorld(t)
	w.Setup(wingSensors(t), []physics.AgentPosition{at("npc-1", 4.1, 2)})
	start, _ := w.Step()
	require.Len(t, start, 2)

	require.True(t, w.Remove("npc-1"))
	assert.False(t, w.Remove("npc-1"))
	_, end := w.Step()
	assert.Equal(t, []physics.Collision{
		{Agent: "npc-1", Other: "g1d1"},
		{Agent: "npc-1", Other: "g1d1~nearby"},
	}, end)

	_, end = w.Step()
	assert.Empty(t, end)
}

func TestRemove_UnresolvableEndIsDropped(t *testing.T) {
	w := newWorld(t)
	_, err := w.Add(physics.BodySpec{Key: "crate", Kind: physics.Fixed, Shape: physics.Shape{Radius: 0.5}, Pos: mgl64.Vec2{1, 1}})
	require.NoError(t, err)
	_, err = w.Add(w.AgentSpec(at("npc-1", 1, 1)))
	require.NoError(t, err)
	start, _ := w.Step()
	require.Len(t, start, 1)

	require.True(t, w.Remove("crate"))
	// Rebuilding the world forgets the removed crate before its end is reported.
	w.Setup(nil, []physics.AgentPosition{at("npc-1", 1, 1)})
	_, end := w.Step()
	assert.Empty(t, end)
}

func TestAdd_DuplicateKey(t *testing.T) {
	w := newWorld(t)
	_, err := w.Add(w.AgentSpec(at("npc-1", 1, 1)))
	require.NoError(t, err)
	_, err = w.Add(w.AgentSpec(at("npc-1", 2, 2)))
	assert.ErrorIs(t, err, physics.ErrDuplicateBody)
}

func TestPropertyIDsAreStableAndDistinct(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		keys := rapid.SliceOfNDistinct(rapid.StringMatching(`[a-z]{1,8}`), 1, 40, rapid.ID[string]).Draw(rt, "keys")
		w := physics.NewWorld(halfHeight, agentRadius, zaptest.NewLogger(t))
		seen := make(map[uint64]string)
		for _, k := range keys {
			id, err := w.Add(physics.BodySpec{Key: k, Kind: physics.Kinematic, Shape: physics.Shape{Radius: agentRadius}})
			if err != nil {
				rt.Fatalf("add %q: %v", k, err)
			}
			if other, dup := seen[id]; dup {
				rt.Fatalf("id %d shared by %q and %q", id, k, other)
			}
			seen[id] = k
			got, ok := w.ID(k)
			if !ok || got != id {
				rt.Fatalf("id of %q not stable", k)
			}
		}
	})
}

func TestWorker_SetupAndCollisions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wk := physics.NewWorker(newWorld(t), 8, zaptest.NewLogger(t))
	done := make(chan error, 1)
	go func() { done <- wk.Run(ctx) }()

	require.NoError(t, wk.Send(ctx, physics.SetupWorld{Level: "test", Fixed: wingSensors(t)}))
	res := recv(t, wk)
	assert.Equal(t, physics.WorldIsSetup{Level: "test", Bodies: 3, Sensors: 3}, res)

	require.NoError(t, wk.Send(ctx, physics.AddBodies{Bodies: []physics.BodySpec{
		{Key: "npc-1", Kind: physics.Kinematic, Shape: physics.Shape{Radius: agentRadius}, Pos: mgl64.Vec2{1, 1}},
	}}))
	require.NoError(t, wk.Send(ctx, physics.SendAgentPositions{Batch: []physics.AgentPosition{at("npc-1", 3.5, 2)}}))
	res = recv(t, wk)
	coll, ok := res.(physics.NpcCollisions)
	require.True(t, ok)
	assert.Equal(t, []physics.Collision{{Agent: "npc-1", Other: "g1d1~nearby"}}, coll.Start)

	require.NoError(t, wk.Send(ctx, physics.RemoveBodies{Keys: []string{"npc-1"}}))
	require.NoError(t, wk.Send(ctx, physics.SendAgentPositions{}))
	coll = recv(t, wk).(physics.NpcCollisions)
	assert.Equal(t, []physics.Collision{{Agent: "npc-1", Other: "g1d1~nearby"}}, coll.End)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestWorker_FirstStepAfterSetupIsAlwaysReported(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wk := physics.NewWorker(newWorld(t), 8, zaptest.NewLogger(t))
	go func() { _ = wk.Run(ctx) }()

	require.NoError(t, wk.Send(ctx, physics.SetupWorld{Level: "test", Fixed: wingSensors(t)}))
	require.IsType(t, physics.WorldIsSetup{}, recv(t, wk))

	require.NoError(t, wk.Send(ctx, physics.SendAgentPositions{}))
	first, ok := recv(t, wk).(physics.NpcCollisions)
	require.True(t, ok)
	assert.Empty(t, first.Start)
	assert.Empty(t, first.End)

	// A quiet step after the first one is not reported; the next response is the contact.
	require.NoError(t, wk.Send(ctx, physics.SendAgentPositions{}))
	require.NoError(t, wk.Send(ctx, physics.AddBodies{Bodies: []physics.BodySpec{
		{Key: "npc-1", Kind: physics.Kinematic, Shape: physics.Shape{Radius: agentRadius}, Pos: mgl64.Vec2{3.5, 2}},
	}}))
	require.NoError(t, wk.Send(ctx, physics.SendAgentPositions{Batch: []physics.AgentPosition{at("npc-1", 3.5, 2)}}))
	next := recv(t, wk).(physics.NpcCollisions)
	assert.Equal(t, first.Step+2, next.Step)
	assert.Equal(t, []physics.Collision{{Agent: "npc-1", Other: "g1d1~nearby"}}, next.Start)
}

func recv(t *testing.T, wk *physics.Worker) physics.Response {
	t.Helper()
	select {
	case r := <-wk.Results():
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for physics response")
		return nil
	}
}
