package sim

import (
	"sort"

	"github.com/go-gl/mathgl/mgl64"
	"go.uber.org/zap"

	"github.com/cory-johannsen/levelsim/internal/event"
	"github.com/cory-johannsen/levelsim/internal/geom"
	"github.com/cory-johannsen/levelsim/internal/physics"
)

// setupPhysics announces a world rebuild, lets the coordinator clear its proximity sets, then
// sends SetupWorld. A full inbox leaves the setup pending for the next physics step.
func (s *Session) setupPhysics() {
	s.bus.Publish(event.PreSetupPhysics{Level: s.lvl.Key()})
	s.drain()
	s.physDirty = true
	s.flushSetup()
}

func (s *Session) flushSetup() bool {
	if !s.physDirty {
		return true
	}
	req := physics.SetupWorld{
		Level:  s.lvl.Key(),
		Fixed:  physics.LevelSensors(s.lvl, s.cfg.Physics.NearbyRadius),
		Agents: s.agentBatch(),
	}
	if !s.sendPhysics(req) {
		return false
	}
	s.physDirty = false
	s.physPending++
	return true
}

// sendPositions feeds the crowd snapshot to the physics worker, which steps once per batch.
// While the coordinator is settling an empty batch is still sent so the new world reports a step.
func (s *Session) sendPositions() {
	if !s.flushSetup() {
		return
	}
	batch := s.agentBatch()
	if len(batch) == 0 && !s.coord.Settling() {
		return
	}
	if !s.phys.TrySend(physics.SendAgentPositions{Batch: batch}) {
		s.status.PhysicsSkips++
		s.logger.Debug("physics worker busy, step skipped")
	}
}

func (s *Session) sendPhysics(req physics.Request) bool {
	if s.phys.TrySend(req) {
		return true
	}
	s.status.PhysicsSkips++
	s.logger.Warn("physics worker busy, request dropped")
	return false
}

// agentBatch returns every agent position ordered by key.
func (s *Session) agentBatch() []physics.AgentPosition {
	snap := s.crowd.Positions()
	out := make([]physics.AgentPosition, 0, len(snap))
	for key, st := range snap {
		out = append(out, physics.AgentPosition{Key: key, Pos: st.Pos})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (s *Session) agentBody(key string, fallback mgl64.Vec3) physics.BodySpec {
	pos := fallback
	if st, ok := s.crowd.Position(key); ok {
		pos = st.Pos
	}
	return physics.BodySpec{
		Key:   key,
		Kind:  physics.Kinematic,
		Shape: physics.Shape{Radius: s.cfg.Crowd.AgentRadius},
		Pos:   geom.XZ(pos),
	}
}

// onPhysics turns worker responses into collider events. Collisions produced by a world that is
// about to be replaced are dropped.
func (s *Session) onPhysics(res physics.Response) {
	switch r := res.(type) {
	case physics.WorldIsSetup:
		s.physPending--
		s.status.PhysicsSetups++
		s.logger.Debug("physics world ready", zap.Int("bodies", r.Bodies), zap.Int("sensors", r.Sensors))
	case physics.NpcCollisions:
		if s.physPending > 0 || s.physDirty {
			s.logger.Debug("collisions from replaced world dropped", zap.Uint64("step", r.Step))
			return
		}
		s.status.PhysicsSteps++
		for _, c := range r.End {
			s.bus.Publish(event.ExitCollider{Agent: c.Agent, Other: c.Other})
		}
		for _, c := range r.Start {
			s.bus.Publish(event.EnterCollider{Agent: c.Agent, Other: c.Other})
		}
		if s.coord.Settling() {
			s.drain()
			s.coord.Settle()
		}
	}
}
