package physics

import (
	"errors"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/go-gl/mathgl/mgl64"
	"go.uber.org/zap"

	"github.com/cory-johannsen/levelsim/internal/geom"
)

// ErrDuplicateBody is returned when a body key is already in the world.
var ErrDuplicateBody = errors.New("physics: duplicate body key")

// BodyKind distinguishes externally driven agent bodies from static sensors.
type BodyKind int

const (
	// Fixed bodies never move.
	Fixed BodyKind = iota
	// Kinematic bodies are translated by position batches.
	Kinematic
)

// Shape is either a vertical cylinder (Footprint empty) or a vertical prism over Footprint.
type Shape struct {
	Radius    float64
	Footprint geom.Poly
}

func (s Shape) bounds(center mgl64.Vec2) geom.Rect {
	if len(s.Footprint) > 0 {
		return s.Footprint.Bounds()
	}
	return geom.Rect{Min: center, Max: center}.Grow(s.Radius)
}

// BodySpec describes a body to create. Pos is the XZ centre.
type BodySpec struct {
	Key   string
	Kind  BodyKind
	Shape Shape
	Pos   mgl64.Vec2
}

// Collision is one contact transition between an agent and another body.
type Collision struct {
	Agent string
	Other string
}

type body struct {
	id     uint64
	key    string
	kind   BodyKind
	shape  Shape
	pos    mgl64.Vec3
	bounds geom.Rect
}

type contact struct {
	agent, other uint64
}

// World is a sensor-only rigid-body world. Kinematic bodies overlap fixed bodies; kinematic pairs
// never generate contacts. Overlap is tested in the XZ plane. It is not safe for concurrent use.
type World struct {
	halfHeight  float64
	agentRadius float64
	logger      *zap.Logger

	bodies     map[uint64]*body
	ids        map[string]uint64
	contacts   map[contact]struct{}
	pendingEnd []contact
	// tombstones keep the keys of bodies removed since the last step.
	tombstones map[uint64]string
	steps      uint64
}

// NewWorld creates an empty World.
//
// Precondition: halfHeight > 0; agentRadius > 0; logger must not be nil.
func NewWorld(halfHeight, agentRadius float64, logger *zap.Logger) *World {
	w := &World{halfHeight: halfHeight, agentRadius: agentRadius, logger: logger}
	w.reset()
	return w
}

func (w *World) reset() {
	w.bodies = make(map[uint64]*body)
	w.ids = make(map[string]uint64)
	w.contacts = make(map[contact]struct{})
	w.tombstones = make(map[uint64]string)
}

// Setup discards every body and contact and rebuilds the world from fixed sensors plus one
// kinematic body per agent. Contact ends queued by earlier removals survive and are resolved
// against the rebuilt world at the next step.
//
// Postcondition: BodyCount() == number of distinct keys in fixed and agents.
func (w *World) Setup(fixed []BodySpec, agents []AgentPosition) {
	w.reset()
	for _, spec := range fixed {
		if _, err := w.Add(spec); err != nil {
			w.logger.Warn("duplicate sensor skipped", zap.String("key", spec.Key))
		}
	}
	for _, a := range agents {
		if _, err := w.Add(w.AgentSpec(a)); err != nil {
			w.logger.Warn("duplicate agent skipped", zap.String("npc", a.Key))
		}
	}
}

// AgentSpec returns the kinematic body for an agent position.
func (w *World) AgentSpec(a AgentPosition) BodySpec {
	return BodySpec{Key: a.Key, Kind: Kinematic, Shape: Shape{Radius: w.agentRadius}, Pos: geom.XZ(a.Pos)}
}

// Add inserts a body and returns its numeric id.
func (w *World) Add(spec BodySpec) (uint64, error) {
	if _, ok := w.ids[spec.Key]; ok {
		return 0, ErrDuplicateBody
	}
	id := w.allocID(spec.Key)
	b := &body{
		id:     id,
		key:    spec.Key,
		kind:   spec.Kind,
		shape:  spec.Shape,
		pos:    geom.FromXZ(spec.Pos, w.halfHeight),
		bounds: spec.Shape.bounds(spec.Pos),
	}
	w.bodies[id] = b
	w.ids[spec.Key] = id
	return id, nil
}

// allocID hashes key and probes linearly past ids already taken by other keys.
func (w *World) allocID(key string) uint64 {
	id := xxhash.Sum64String(key)
	for {
		b, live := w.bodies[id]
		_, dead := w.tombstones[id]
		if (!live || b.key == key) && !dead {
			return id
		}
		id++
	}
}

// Remove deletes the body with key. Its open contacts end at the next step.
//
// Postcondition: Returns false when key is unknown.
func (w *World) Remove(key string) bool {
	id, ok := w.ids[key]
	if !ok {
		return false
	}
	for c := range w.contacts {
		if c.agent == id || c.other == id {
			w.pendingEnd = append(w.pendingEnd, c)
			delete(w.contacts, c)
		}
	}
	delete(w.bodies, id)
	delete(w.ids, key)
	w.tombstones[id] = key
	return true
}

// SetPositions moves kinematic bodies. Y is pinned to the agent half height; unknown keys are ignored.
func (w *World) SetPositions(batch []AgentPosition) {
	for _, p := range batch {
		id, ok := w.ids[p.Key]
		if !ok {
			w.logger.Debug("position for unknown body", zap.String("npc", p.Key))
			continue
		}
		b := w.bodies[id]
		if b.kind != Kinematic {
			continue
		}
		xz := geom.XZ(p.Pos)
		b.pos = geom.FromXZ(xz, w.halfHeight)
		b.bounds = b.shape.bounds(xz)
	}
}

// Step advances one fixed timestep and returns the contacts that started and ended.
//
// Postcondition: Both slices are sorted by (Agent, Other); unresolvable ids are dropped.
func (w *World) Step() (start, end []Collision) {
	w.steps++
	var agents, fixed []*body
	for _, b := range w.bodies {
		if b.kind == Kinematic {
			agents = append(agents, b)
		} else {
			fixed = append(fixed, b)
		}
	}

	now := make(map[contact]struct{}, len(w.contacts))
	for _, a := range agents {
		for _, f := range fixed {
			if a.bounds.Intersects(f.bounds) && overlaps(a, f) {
				now[contact{a.id, f.id}] = struct{}{}
			}
		}
	}
	for c := range now {
		if _, ok := w.contacts[c]; !ok {
			start = w.appendResolved(start, c)
		}
	}
	for c := range w.contacts {
		if _, ok := now[c]; !ok {
			end = w.appendResolved(end, c)
		}
	}
	for _, c := range w.pendingEnd {
		end = w.appendResolved(end, c)
	}
	w.contacts = now
	w.pendingEnd = nil
	w.tombstones = make(map[uint64]string)

	sortCollisions(start)
	sortCollisions(end)
	return start, end
}

func (w *World) appendResolved(out []Collision, c contact) []Collision {
	agent, ok1 := w.keyOf(c.agent)
	other, ok2 := w.keyOf(c.other)
	if !ok1 || !ok2 {
		w.logger.Warn("dropping collision with unresolvable body",
			zap.Uint64("agent_id", c.agent),
			zap.Uint64("other_id", c.other),
		)
		return out
	}
	return append(out, Collision{Agent: agent, Other: other})
}

func (w *World) keyOf(id uint64) (string, bool) {
	if b, ok := w.bodies[id]; ok {
		return b.key, true
	}
	key, ok := w.tombstones[id]
	return key, ok
}

func sortCollisions(cs []Collision) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].Agent != cs[j].Agent {
			return cs[i].Agent < cs[j].Agent
		}
		return cs[i].Other < cs[j].Other
	})
}

// overlaps tests an agent cylinder against a fixed shape.
func overlaps(agent, f *body) bool {
	p := geom.XZ(agent.pos)
	r := agent.shape.Radius
	if len(f.shape.Footprint) > 0 {
		if f.shape.Footprint.Contains(p) {
			return true
		}
		return f.shape.Footprint.ClosestPoint(p).Sub(p).Len() <= r
	}
	return geom.XZ(f.pos).Sub(p).Len() <= r+f.shape.Radius
}

// ID returns the numeric id of key.
func (w *World) ID(key string) (uint64, bool) {
	id, ok := w.ids[key]
	return id, ok
}

// Position returns the body's world position.
func (w *World) Position(key string) (mgl64.Vec3, bool) {
	id, ok := w.ids[key]
	if !ok {
		return mgl64.Vec3{}, false
	}
	return w.bodies[id].pos, true
}

// BodyCount returns the number of live bodies.
func (w *World) BodyCount() int {
	return len(w.bodies)
}

// SensorCount returns the number of fixed bodies.
func (w *World) SensorCount() int {
	n := 0
	for _, b := range w.bodies {
		if b.kind == Fixed {
			n++
		}
	}
	return n
}

// ContactCount returns the number of open contacts.
func (w *World) ContactCount() int {
	return len(w.contacts)
}

// Steps returns the number of steps taken.
func (w *World) Steps() uint64 {
	return w.steps
}
