// Package crowd moves agents along navmesh corridors with local separation.
package crowd

import (
	"errors"
	"math"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/cory-johannsen/levelsim/internal/navmesh"
)

// ErrNoNavmesh is returned when an agent is added before any mesh is loaded.
var ErrNoNavmesh = errors.New("crowd: no navmesh loaded")

// ErrOffMesh is returned when an agent is not on the current mesh.
var ErrOffMesh = errors.New("crowd: agent off mesh")

// AgentHandle identifies an agent inside one Engine.
type AgentHandle uint32

// AgentParams are per-agent steering limits.
type AgentParams struct {
	Radius   float64
	MaxSpeed float64
	// SeparationWeight scales the push away from neighbours; 0 disables it.
	SeparationWeight float64
}

const (
	// cornerReach is the distance at which an intermediate corner counts as passed.
	cornerReach = 0.05
	// stallTicks is how many ticks without progress trigger a replan.
	stallTicks = 30
	stallDist  = 1e-4
)

type agent struct {
	handle    AgentHandle
	params    AgentParams
	maxSpeed  float64
	pos       mgl64.Vec2
	y         float64
	vel       mgl64.Vec2
	ref       navmesh.PolyRef
	hasTarget bool
	target    mgl64.Vec2
	corners   []mgl64.Vec2
	stalled   int
}

// AgentView is a read-only copy of an agent's kinematic state.
type AgentView struct {
	Handle    AgentHandle
	Pos       mgl64.Vec2
	Y         float64
	Vel       mgl64.Vec2
	HasTarget bool
	Target    mgl64.Vec2
	Corners   []mgl64.Vec2
	MaxSpeed  float64
}

// Engine owns the path-following agents of one navmesh. It is not safe for concurrent use.
type Engine struct {
	mesh   *navmesh.Mesh
	agents map[AgentHandle]*agent
	order  []AgentHandle
	next   AgentHandle
}

// NewEngine creates an Engine without a mesh.
func NewEngine() *Engine {
	return &Engine{agents: make(map[AgentHandle]*agent)}
}

// Mesh returns the active mesh, or nil.
func (e *Engine) Mesh() *navmesh.Mesh {
	return e.mesh
}

// SetMesh swaps the active mesh, re-anchoring every agent and replanning active targets.
func (e *Engine) SetMesh(m *navmesh.Mesh) {
	e.mesh = m
	for _, h := range e.order {
		a := e.agents[h]
		e.anchor(a, a.params.Radius*2)
		if a.hasTarget {
			e.plan(a)
		}
	}
}

// Add registers an agent at pos.
//
// Postcondition: Returns ErrNoNavmesh when no mesh is loaded.
func (e *Engine) Add(pos mgl64.Vec2, p AgentParams) (AgentHandle, error) {
	if e.mesh == nil {
		return 0, ErrNoNavmesh
	}
	e.next++
	a := &agent{handle: e.next, params: p, maxSpeed: p.MaxSpeed, pos: pos, ref: navmesh.InvalidRef}
	e.anchor(a, p.Radius*2)
	e.agents[a.handle] = a
	e.order = append(e.order, a.handle)
	return a.handle, nil
}

// Remove deletes an agent; unknown handles are ignored.
func (e *Engine) Remove(h AgentHandle) {
	if _, ok := e.agents[h]; !ok {
		return
	}
	delete(e.agents, h)
	for i, o := range e.order {
		if o == h {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
}

// SetTarget plans a corridor to target, which must already lie on the mesh.
func (e *Engine) SetTarget(h AgentHandle, target mgl64.Vec2) error {
	a, ok := e.agents[h]
	if !ok {
		return ErrUnknownAgent
	}
	if e.mesh == nil {
		return ErrNoNavmesh
	}
	a.target, a.hasTarget = target, true
	a.stalled = 0
	if !e.plan(a) {
		a.hasTarget = false
		return ErrOffMesh
	}
	return nil
}

// ClearTarget stops an agent where it stands.
func (e *Engine) ClearTarget(h AgentHandle) {
	if a, ok := e.agents[h]; ok {
		a.hasTarget = false
		a.corners = nil
		a.vel = mgl64.Vec2{}
	}
}

// SetMaxSpeed overrides the agent's speed cap.
func (e *Engine) SetMaxSpeed(h AgentHandle, v float64) {
	if a, ok := e.agents[h]; ok {
		a.maxSpeed = v
	}
}

// SlowdownScale returns the factor in (0,1] the engine applies to the agent's speed cap on its
// final approach: linear in the remaining distance inside 2×radius of the goal.
func (e *Engine) SlowdownScale(h AgentHandle) float64 {
	a, ok := e.agents[h]
	if !ok || !a.hasTarget || len(a.corners) != 1 {
		return 1
	}
	return slowdown(a, a.corners[0].Sub(a.pos).Len())
}

func slowdown(a *agent, dist float64) float64 {
	r := 2 * a.params.Radius
	if r <= 0 || dist >= r {
		return 1
	}
	return math.Max(dist/r, 0.01)
}

// View returns a copy of the agent's state.
func (e *Engine) View(h AgentHandle) (AgentView, bool) {
	a, ok := e.agents[h]
	if !ok {
		return AgentView{}, false
	}
	return AgentView{
		Handle:    a.handle,
		Pos:       a.pos,
		Y:         a.y,
		Vel:       a.vel,
		HasTarget: a.hasTarget,
		Target:    a.target,
		Corners:   append([]mgl64.Vec2(nil), a.corners...),
		MaxSpeed:  a.maxSpeed,
	}, true
}

// Update advances every agent by dt seconds.
func (e *Engine) Update(dt float64) {
	if e.mesh == nil || dt <= 0 {
		return
	}
	desired := make(map[AgentHandle]mgl64.Vec2, len(e.order))
	for _, h := range e.order {
		a := e.agents[h]
		if !a.hasTarget {
			a.vel = mgl64.Vec2{}
			continue
		}
		if len(a.corners) == 0 && !e.plan(a) {
			a.vel = mgl64.Vec2{}
			continue
		}
		for len(a.corners) > 1 && a.corners[0].Sub(a.pos).Len() < cornerReach {
			a.corners = a.corners[1:]
		}
		to := a.corners[0].Sub(a.pos)
		dist := to.Len()
		if dist < geomEps {
			desired[h] = mgl64.Vec2{}
			continue
		}
		speed := a.maxSpeed
		if len(a.corners) == 1 {
			speed *= slowdown(a, dist)
		}
		desired[h] = to.Mul(speed / dist)
	}

	for _, h := range e.order {
		a := e.agents[h]
		v, moving := desired[h]
		if !moving {
			continue
		}
		v = v.Add(e.separation(a).Mul(a.maxSpeed))
		if l := v.Len(); l > a.maxSpeed && l > 0 {
			v = v.Mul(a.maxSpeed / l)
		}
		a.vel = v
	}

	for _, h := range e.order {
		a := e.agents[h]
		if !a.hasTarget {
			continue
		}
		step := a.vel.Mul(dt)
		if len(a.corners) == 1 {
			if rem := a.corners[0].Sub(a.pos); step.Len() >= rem.Len() {
				step = rem
			}
		}
		before := a.pos
		e.moveTo(a, a.pos.Add(step))
		if a.pos.Sub(before).Len() < stallDist {
			a.stalled++
			if a.stalled >= stallTicks {
				a.stalled = 0
				e.plan(a)
			}
		} else {
			a.stalled = 0
		}
	}
}

const geomEps = 1e-9

// separation returns a push away from overlapping neighbours.
func (e *Engine) separation(a *agent) mgl64.Vec2 {
	if a.params.SeparationWeight <= 0 {
		return mgl64.Vec2{}
	}
	var push mgl64.Vec2
	for _, h := range e.order {
		o := e.agents[h]
		if o == a {
			continue
		}
		reach := a.params.Radius + o.params.Radius + a.params.Radius
		d := a.pos.Sub(o.pos)
		l := d.Len()
		if l >= reach {
			continue
		}
		if l < geomEps {
			// Coincident agents separate along a handle-dependent axis.
			ang := float64(a.handle) * 2.399963
			d, l = mgl64.Vec2{math.Cos(ang), math.Sin(ang)}, 1
		}
		w := (1 - l/reach) * a.params.SeparationWeight
		push = push.Add(d.Mul(w / l))
	}
	return push
}

// moveTo slides the agent toward p while keeping it on the mesh.
func (e *Engine) moveTo(a *agent, p mgl64.Vec2) {
	if ref, ok := e.mesh.PolyAt(p); ok {
		a.pos, a.ref, a.y = p, ref, e.mesh.HeightAt(ref)
		return
	}
	if q, ref, ok := e.mesh.FindNearest(p, a.params.Radius+p.Sub(a.pos).Len()); ok {
		a.pos, a.ref, a.y = q, ref, e.mesh.HeightAt(ref)
		return
	}
	a.vel = mgl64.Vec2{}
}

// anchor snaps the agent onto the mesh within tolerance, leaving it in place otherwise.
func (e *Engine) anchor(a *agent, tolerance float64) {
	if e.mesh == nil {
		return
	}
	if q, ref, ok := e.mesh.FindNearest(a.pos, tolerance); ok {
		a.pos, a.ref, a.y = q, ref, e.mesh.HeightAt(ref)
		return
	}
	a.ref = navmesh.InvalidRef
}

// plan recomputes the corner list toward the agent's target.
func (e *Engine) plan(a *agent) bool {
	path, err := e.mesh.FindPath(a.pos, a.target)
	if err != nil {
		a.corners = nil
		return false
	}
	a.corners = e.mesh.StraightPath(a.pos, a.target, path, a.params.Radius)
	return len(a.corners) > 0
}
