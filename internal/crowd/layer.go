package crowd

import (
	"errors"
	"math"
	"sort"
	"sync"

	"github.com/go-gl/mathgl/mgl64"
	"go.uber.org/zap"

	"github.com/cory-johannsen/levelsim/internal/config"
	"github.com/cory-johannsen/levelsim/internal/event"
	"github.com/cory-johannsen/levelsim/internal/navmesh"
)

var (
	// ErrUnknownAgent is returned for keys that were never added or were removed.
	ErrUnknownAgent = errors.New("crowd: unknown agent")
	// ErrDuplicateAgent is returned when adding a key that is already present.
	ErrDuplicateAgent = errors.New("crowd: agent already exists")
	// ErrWalkCancelled resolves a walk that was cancelled or superseded.
	ErrWalkCancelled = errors.New("crowd: walk cancelled")
	// ErrWalkStopped resolves a walk whose agent was halted.
	ErrWalkStopped = errors.New("crowd: walk stopped")
	// ErrStaleCancel resolves a cancel overtaken by a newer cancel of the same agent.
	ErrStaleCancel = errors.New("crowd: stale cancel")
	// ErrUnreachable is returned by Walk when the target is not near the mesh.
	ErrUnreachable = errors.New("crowd: target not reachable")
)

// AnimState is the coarse animation an agent should play.
type AnimState int

const (
	AnimIdle AnimState = iota
	AnimWalk
)

// String returns the state name.
func (s AnimState) String() string {
	if s == AnimWalk {
		return "walk"
	}
	return "idle"
}

// AgentState is a snapshot of one agent for cross-component reads.
type AgentState struct {
	Key    string
	Pos    mgl64.Vec3
	Vel    mgl64.Vec2
	Yaw    float64
	Anim   AnimState
	Target *mgl64.Vec2
}

// Speed returns the planar speed.
func (s AgentState) Speed() float64 {
	return s.Vel.Len()
}

// Walk resolves when its agent arrives or the walk is cancelled, superseded or stopped.
type Walk struct {
	key    string
	target mgl64.Vec2
	done   chan struct{}
	err    error
}

// Done is closed when the walk resolves.
func (w *Walk) Done() <-chan struct{} { return w.done }

// Err returns nil on arrival, or why the walk ended. Valid after Done is closed.
func (w *Walk) Err() error { return w.err }

// Target returns the snapped destination.
func (w *Walk) Target() mgl64.Vec2 { return w.target }

func (w *Walk) resolve(err error) {
	w.err = err
	close(w.done)
}

type pendingCancel struct {
	gen uint64
	ch  chan error
}

type member struct {
	key     string
	handle  AgentHandle
	nominal float64
	yaw     float64
	anim    AnimState
	gen     uint64
	walk    *Walk
	cancels []pendingCancel
}

// Layer is the crowd movement layer: agent registry, move requests, walks and per-tick
// way-point reporting. All methods except Positions and Position must be called from the
// goroutine that owns the layer.
type Layer struct {
	engine  *Engine
	cfg     config.CrowdConfig
	snapTol float64
	bus     *event.Bus
	logger  *zap.Logger
	members map[string]*member

	snapMu sync.RWMutex
	snap   map[string]AgentState
}

// NewLayer creates a Layer without a mesh.
//
// Precondition: bus and logger must not be nil.
func NewLayer(cfg config.CrowdConfig, snapTolerance float64, bus *event.Bus, logger *zap.Logger) *Layer {
	return &Layer{
		engine:  NewEngine(),
		cfg:     cfg,
		snapTol: snapTolerance,
		bus:     bus,
		logger:  logger,
		members: make(map[string]*member),
		snap:    make(map[string]AgentState),
	}
}

// Mesh returns the active mesh, or nil.
func (l *Layer) Mesh() *navmesh.Mesh {
	return l.engine.Mesh()
}

// SetMesh activates m unless it is older than or equal to the active version.
//
// Postcondition: Returns false and leaves state untouched for a stale mesh.
func (l *Layer) SetMesh(m *navmesh.Mesh) bool {
	if cur := l.engine.Mesh(); cur != nil && m.Version <= cur.Version {
		l.logger.Debug("stale navmesh discarded",
			zap.Uint64("version", m.Version),
			zap.Uint64("active", cur.Version),
		)
		return false
	}
	l.engine.SetMesh(m)
	l.refreshSnapshot()
	l.bus.Publish(event.NavmeshReady{Version: m.Version, Tiles: len(m.Tiles)})
	return true
}

// DefaultParams returns agent parameters from configuration.
func (l *Layer) DefaultParams() AgentParams {
	return AgentParams{Radius: l.cfg.AgentRadius, MaxSpeed: l.cfg.MaxSpeed, SeparationWeight: 1}
}

// AddAgent registers key at pos and publishes Spawned.
//
// Postcondition: Returns ErrNoNavmesh without a mesh and ErrDuplicateAgent for a known key.
func (l *Layer) AddAgent(key string, pos mgl64.Vec3, params AgentParams) (AgentHandle, error) {
	if _, ok := l.members[key]; ok {
		return 0, ErrDuplicateAgent
	}
	h, err := l.engine.Add(mgl64.Vec2{pos[0], pos[2]}, params)
	if err != nil {
		return 0, err
	}
	l.members[key] = &member{key: key, handle: h, nominal: params.MaxSpeed}
	st := l.state(key)
	l.storeSnapshot(st)
	l.bus.Publish(event.Spawned{Agent: key, Pos: st.Pos})
	return h, nil
}

// RemoveAgent tears the agent down, resolving its walk and pending cancels, and publishes RemovedNPC.
func (l *Layer) RemoveAgent(key string) error {
	m, ok := l.members[key]
	if !ok {
		return ErrUnknownAgent
	}
	l.engine.Remove(m.handle)
	if m.walk != nil {
		m.walk.resolve(ErrWalkCancelled)
	}
	for _, c := range m.cancels {
		c.ch <- ErrUnknownAgent
		close(c.ch)
	}
	delete(l.members, key)
	l.snapMu.Lock()
	delete(l.snap, key)
	l.snapMu.Unlock()
	l.bus.Publish(event.RemovedNPC{Agent: key})
	return nil
}

// Keys returns the registered agent keys in sorted order.
func (l *Layer) Keys() []string {
	out := make([]string, 0, len(l.members))
	for k := range l.members {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// RequestMoveTo snaps target to the mesh within the snap tolerance and starts moving.
// An unreachable target is a silent no-op.
//
// Postcondition: Returns true iff the agent received a new target.
func (l *Layer) RequestMoveTo(key string, target mgl64.Vec3) bool {
	m, ok := l.members[key]
	if !ok || l.engine.Mesh() == nil {
		return false
	}
	snapped, _, ok := l.engine.Mesh().FindNearest(mgl64.Vec2{target[0], target[2]}, l.snapTol)
	if !ok {
		l.logger.Debug("move target not near mesh", zap.String("npc", key), zap.Float64s("target", target[:]))
		return false
	}
	if err := l.engine.SetTarget(m.handle, snapped); err != nil {
		l.logger.Debug("move target not reachable", zap.String("npc", key), zap.Error(err))
		return false
	}
	l.engine.SetMaxSpeed(m.handle, m.nominal)
	m.anim = AnimWalk
	return true
}

// Walk starts a move whose completion can be awaited. A walk already in flight is superseded.
func (l *Layer) Walk(key string, target mgl64.Vec3) (*Walk, error) {
	m, ok := l.members[key]
	if !ok {
		return nil, ErrUnknownAgent
	}
	if !l.RequestMoveTo(key, target) {
		return nil, ErrUnreachable
	}
	if m.walk != nil {
		m.walk.resolve(ErrWalkCancelled)
	}
	v, _ := l.engine.View(m.handle)
	m.walk = &Walk{key: key, target: v.Target, done: make(chan struct{})}
	return m.walk, nil
}

// Cancel rejects the agent's in-flight walk, halts it and publishes WalkCancelled. The returned
// channel resolves on the next Tick: nil for the most recent cancel, ErrStaleCancel for any
// cancel it overtook.
func (l *Layer) Cancel(key string) <-chan error {
	ch := make(chan error, 1)
	m, ok := l.members[key]
	if !ok {
		ch <- ErrUnknownAgent
		close(ch)
		return ch
	}
	m.gen++
	if m.walk != nil {
		m.walk.resolve(ErrWalkCancelled)
		m.walk = nil
	}
	l.halt(m)
	m.cancels = append(m.cancels, pendingCancel{gen: m.gen, ch: ch})
	l.bus.Publish(event.WalkCancelled{Agent: key, Generation: m.gen})
	return ch
}

// Generation returns the agent's cancellation generation.
func (l *Layer) Generation(key string) uint64 {
	if m, ok := l.members[key]; ok {
		return m.gen
	}
	return 0
}

// Stop halts the agent without touching its cancellation generation; an in-flight walk
// resolves with ErrWalkStopped.
func (l *Layer) Stop(key string) error {
	m, ok := l.members[key]
	if !ok {
		return ErrUnknownAgent
	}
	if m.walk != nil {
		m.walk.resolve(ErrWalkStopped)
		m.walk = nil
	}
	l.halt(m)
	l.storeSnapshot(l.state(key))
	return nil
}

func (l *Layer) halt(m *member) {
	l.engine.ClearTarget(m.handle)
	l.engine.SetMaxSpeed(m.handle, m.nominal)
	m.anim = AnimIdle
}

// Tick resolves pending cancels, advances the crowd by dt seconds and publishes one WayPoint per
// agent with a target; arriving agents report Next == nil.
func (l *Layer) Tick(dt float64) {
	keys := l.Keys()
	for _, k := range keys {
		l.resolveCancels(l.members[k])
	}
	if l.engine.Mesh() == nil {
		return
	}

	// The engine slows agents linearly inside 2×radius of the goal; raising the cap by the
	// inverse factor keeps the approach at nominal speed.
	for _, k := range keys {
		m := l.members[k]
		scale := l.engine.SlowdownScale(m.handle)
		boost := math.Min(l.cfg.MaxSpeedBoost, 1/scale)
		l.engine.SetMaxSpeed(m.handle, m.nominal*math.Max(boost, 1))
	}

	l.engine.Update(dt)

	for _, k := range keys {
		m := l.members[k]
		v, _ := l.engine.View(m.handle)
		if v.Vel.Len() > l.cfg.OrientSpeedThreshold {
			m.yaw = math.Atan2(v.Vel[0], v.Vel[1])
		}
		if !v.HasTarget {
			l.storeSnapshot(l.state(k))
			continue
		}
		pos := mgl64.Vec3{v.Pos[0], v.Y, v.Pos[1]}
		if v.Target.Sub(v.Pos).Len() < l.cfg.ArriveTolerance {
			l.engine.ClearTarget(m.handle)
			l.engine.SetMaxSpeed(m.handle, m.nominal)
			m.anim = AnimIdle
			if m.walk != nil {
				m.walk.resolve(nil)
				m.walk = nil
			}
			l.storeSnapshot(l.state(k))
			l.bus.Publish(event.WayPoint{Agent: k, Pos: pos})
			continue
		}
		m.anim = AnimWalk
		next := mgl64.Vec3{v.Target[0], v.Y, v.Target[1]}
		if len(v.Corners) > 0 {
			next = mgl64.Vec3{v.Corners[0][0], v.Y, v.Corners[0][1]}
		}
		l.storeSnapshot(l.state(k))
		l.bus.Publish(event.WayPoint{Agent: k, Pos: pos, Next: &next})
	}
}

func (l *Layer) resolveCancels(m *member) {
	for _, c := range m.cancels {
		if c.gen == m.gen {
			c.ch <- nil
		} else {
			c.ch <- ErrStaleCancel
		}
		close(c.ch)
	}
	m.cancels = nil
}

// Positions returns a snapshot of every agent. Safe from any goroutine.
func (l *Layer) Positions() map[string]AgentState {
	l.snapMu.RLock()
	defer l.snapMu.RUnlock()
	out := make(map[string]AgentState, len(l.snap))
	for k, v := range l.snap {
		out[k] = v
	}
	return out
}

// Position returns one agent's snapshot. Safe from any goroutine.
func (l *Layer) Position(key string) (AgentState, bool) {
	l.snapMu.RLock()
	defer l.snapMu.RUnlock()
	st, ok := l.snap[key]
	return st, ok
}

func (l *Layer) state(key string) AgentState {
	m := l.members[key]
	v, _ := l.engine.View(m.handle)
	st := AgentState{
		Key:  key,
		Pos:  mgl64.Vec3{v.Pos[0], v.Y, v.Pos[1]},
		Vel:  v.Vel,
		Yaw:  m.yaw,
		Anim: m.anim,
	}
	if v.HasTarget {
		t := v.Target
		st.Target = &t
	}
	return st
}

func (l *Layer) storeSnapshot(st AgentState) {
	l.snapMu.Lock()
	l.snap[st.Key] = st
	l.snapMu.Unlock()
}

func (l *Layer) refreshSnapshot() {
	for k := range l.members {
		l.storeSnapshot(l.state(k))
	}
}
