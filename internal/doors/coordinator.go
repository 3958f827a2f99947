// Package doors owns door state, door proximity and agent room containment.
package doors

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"go.uber.org/zap"

	"github.com/cory-johannsen/levelsim/internal/crowd"
	"github.com/cory-johannsen/levelsim/internal/event"
	"github.com/cory-johannsen/levelsim/internal/geom"
	"github.com/cory-johannsen/levelsim/internal/level"
	"github.com/cory-johannsen/levelsim/internal/physics"
)

// ErrUnknownDoor is returned when a door reference is not part of the level.
var ErrUnknownDoor = errors.New("doors: unknown door")

// State is a door's externally visible state.
type State int

const (
	ClosedUnlocked State = iota
	ClosedLocked
	Open
)

func (s State) String() string {
	switch s {
	case ClosedLocked:
		return "closed-locked"
	case Open:
		return "open"
	default:
		return "closed-unlocked"
	}
}

// stationarySpeed is the speed below which a nearby agent does not hold a door open.
const stationarySpeed = 1e-3

// Consumes lists the event kinds the coordinator handles.
var Consumes = []event.Kind{
	event.KindWayPoint,
	event.KindEnterCollider,
	event.KindExitCollider,
	event.KindSpawned,
	event.KindRemovedNPC,
	event.KindPreRequestNav,
	event.KindPreSetupPhysics,
	event.KindTryCloseDoor,
}

// Agents is the coordinator's view of the crowd.
type Agents interface {
	Position(key string) (crowd.AgentState, bool)
	Stop(key string) error
}

type door struct {
	ref    level.DoorRef
	placed *level.PlacedDoor
	open   bool
	locked bool
	// nearby and inside count net sensor starts minus ends per agent; members have a positive count.
	nearby  map[string]int
	inside  map[string]int
	closeAt time.Time
}

func (d *door) state() State {
	switch {
	case d.open:
		return Open
	case d.locked:
		return ClosedLocked
	default:
		return ClosedUnlocked
	}
}

func (d *door) tier(t physics.Tier) map[string]int {
	if t == physics.TierNearby {
		return d.nearby
	}
	return d.inside
}

type doorTier struct {
	ref  level.DoorRef
	tier physics.Tier
}

// Options configure a Coordinator.
type Options struct {
	CloseDelay       time.Duration
	RebuildBatchSize int
}

// Coordinator is the only component that changes door open and lock state. It is driven from the
// session goroutine and is not safe for concurrent use.
type Coordinator struct {
	lvl    *level.Level
	bus    *event.Bus
	access Authorizer
	agents Agents
	opts   Options
	logger *zap.Logger

	now   time.Time
	doors map[level.DoorRef]*door
	// agentDoors is the inverse of the door proximity sets.
	agentDoors map[string]map[doorTier]struct{}
	// owed holds the sensor ends physics still has to report for removed agents.
	owed    map[string]map[doorTier]int
	lastPos map[string]mgl64.Vec2
	// settling is set from PreSetupPhysics until the rebuilt world reports its first step.
	settling bool

	rooms     map[string]level.RoomRef
	occupants map[level.RoomRef]map[string]struct{}
	external  map[string]struct{}
	deferred  []event.Event
	rebuild   []string
}

// NewCoordinator creates a Coordinator for lvl.
//
// Precondition: lvl, bus, access and logger must not be nil; opts.CloseDelay > 0; opts.RebuildBatchSize > 0.
func NewCoordinator(lvl *level.Level, bus *event.Bus, access Authorizer, agents Agents, opts Options, logger *zap.Logger) *Coordinator {
	if opts.CloseDelay <= 0 {
		panic(fmt.Sprintf("doors.NewCoordinator: close delay must be > 0, got %v", opts.CloseDelay))
	}
	if opts.RebuildBatchSize <= 0 {
		panic(fmt.Sprintf("doors.NewCoordinator: rebuild batch size must be > 0, got %d", opts.RebuildBatchSize))
	}
	c := &Coordinator{
		bus:        bus,
		access:     access,
		agents:     agents,
		opts:       opts,
		logger:     logger,
		now:        time.Now(),
		doors:      make(map[level.DoorRef]*door),
		agentDoors: make(map[string]map[doorTier]struct{}),
		owed:       make(map[string]map[doorTier]int),
		lastPos:    make(map[string]mgl64.Vec2),
		rooms:      make(map[string]level.RoomRef),
		occupants:  make(map[level.RoomRef]map[string]struct{}),
		external:   make(map[string]struct{}),
	}
	c.SetLevel(lvl)
	return c
}

// SetLevel swaps the level geometry. Door state and proximity survive for doors present in both levels.
func (c *Coordinator) SetLevel(lvl *level.Level) {
	c.lvl = lvl
	next := make(map[level.DoorRef]*door, lvl.DoorCount())
	for _, pd := range lvl.Doors() {
		d, ok := c.doors[pd.Ref]
		if !ok {
			d = &door{ref: pd.Ref, locked: pd.Locked, nearby: make(map[string]int), inside: make(map[string]int)}
		}
		d.placed = pd
		next[pd.Ref] = d
	}
	c.doors = next
}

// Level returns the current level.
func (c *Coordinator) Level() *level.Level {
	return c.lvl
}

// Handle applies one bus event.
func (c *Coordinator) Handle(e event.Event) {
	switch ev := e.(type) {
	case event.WayPoint:
		c.onWayPoint(ev)
	case event.EnterCollider:
		c.onCollider(ev.Agent, ev.Other, 1)
	case event.ExitCollider:
		c.onCollider(ev.Agent, ev.Other, -1)
	case event.Spawned:
		c.onSpawned(ev)
	case event.RemovedNPC:
		c.onRemoved(ev.Agent)
	case event.PreRequestNav:
		c.onPreRequestNav(ev)
	case event.PreSetupPhysics:
		c.onPreSetupPhysics()
	case event.TryCloseDoor:
		c.tryClose(ev.Door)
	default:
		c.logger.Debug("event ignored by coordinator", zap.Stringer("kind", e.Kind()))
	}
}

// Tick publishes deferred room events, advances one rebuild batch and runs due close timers.
func (c *Coordinator) Tick(now time.Time) {
	c.now = now
	c.flushDeferred()
	c.stepRebuild()
	for _, ref := range c.sortedDoorRefs() {
		d := c.doors[ref]
		if !d.open || d.closeAt.IsZero() || now.Before(d.closeAt) {
			continue
		}
		if !c.settling && c.closable(d) {
			c.close(d)
			continue
		}
		d.closeAt = now.Add(c.opts.CloseDelay)
	}
}

func (c *Coordinator) sortedDoorRefs() []level.DoorRef {
	refs := make([]level.DoorRef, 0, len(c.doors))
	for r := range c.doors {
		refs = append(refs, r)
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].GmID != refs[j].GmID {
			return refs[i].GmID < refs[j].GmID
		}
		return refs[i].DoorID < refs[j].DoorID
	})
	return refs
}

func (c *Coordinator) onWayPoint(ev event.WayPoint) {
	pos := geom.XZ(ev.Pos)
	c.lastPos[ev.Agent] = pos
	if ev.Next == nil {
		return
	}
	next := geom.XZ(*ev.Next)
	for _, ref := range c.sortedDoorRefs() {
		d := c.doors[ref]
		if d.open || !geom.SegmentPolyIntersect(pos, next, d.placed.Poly) {
			continue
		}
		if !d.locked && c.access.Allowed(ev.Agent, ref) {
			c.open(d, ev.Agent)
			continue
		}
		c.logger.Info("halting agent at closed door",
			zap.String("npc", ev.Agent),
			zap.String("door", ref.Key()),
			zap.Bool("locked", d.locked),
		)
		if c.agents != nil {
			if err := c.agents.Stop(ev.Agent); err != nil {
				c.logger.Debug("halt failed", zap.String("npc", ev.Agent), zap.Error(err))
			}
		}
		return
	}
}

func (c *Coordinator) onCollider(agent, other string, delta int) {
	ref, tier, ok := physics.ParseDoorSensor(other)
	if !ok {
		return
	}
	d, ok := c.doors[ref]
	if !ok {
		c.logger.Debug("collision with door not in level", zap.String("npc", agent), zap.String("door", other))
		return
	}
	key := doorTier{ref: ref, tier: tier}
	if delta < 0 && c.payOwed(agent, key) {
		return
	}
	set := d.tier(tier)
	before := set[agent] > 0
	set[agent] += delta
	if set[agent] == 0 {
		delete(set, agent)
	}
	after := set[agent] > 0
	if before == after {
		return
	}
	if after {
		if c.agentDoors[agent] == nil {
			c.agentDoors[agent] = make(map[doorTier]struct{})
		}
		c.agentDoors[agent][key] = struct{}{}
	} else {
		delete(c.agentDoors[agent], key)
		if len(c.agentDoors[agent]) == 0 {
			delete(c.agentDoors, agent)
		}
	}

	if tier == physics.TierInside {
		if after {
			c.bus.Publish(event.EnterDoorway{Agent: agent, Door: ref})
		} else {
			c.bus.Publish(event.ExitDoorway{Agent: agent, Door: ref})
			c.trackCrossing(agent, ref)
		}
	}
	if after && d.placed.Auto && !d.locked && !d.open && c.access.Allowed(agent, ref) {
		c.open(d, agent)
	}
}

// payOwed consumes one end owed by a removed agent's body.
func (c *Coordinator) payOwed(agent string, key doorTier) bool {
	owed := c.owed[agent]
	if owed[key] <= 0 {
		return false
	}
	owed[key]--
	if owed[key] == 0 {
		delete(owed, key)
	}
	if len(owed) == 0 {
		delete(c.owed, agent)
	}
	return true
}

func (c *Coordinator) onRemoved(agent string) {
	// Every open contact of the removed body still ends in physics; those ends are owed.
	for ref, d := range c.doors {
		for _, tier := range []physics.Tier{physics.TierNearby, physics.TierInside} {
			set := d.tier(tier)
			if n := set[agent]; n > 0 {
				if c.owed[agent] == nil {
					c.owed[agent] = make(map[doorTier]int)
				}
				c.owed[agent][doorTier{ref: ref, tier: tier}] += n
			}
			delete(set, agent)
		}
	}
	delete(c.agentDoors, agent)
	delete(c.lastPos, agent)
	c.leaveRoom(agent)
	delete(c.external, agent)
}

// onPreSetupPhysics forgets all proximity; the rebuilt world reports current contacts as new
// starts. Doors stay open until Settle.
func (c *Coordinator) onPreSetupPhysics() {
	for _, d := range c.doors {
		clear(d.nearby)
		clear(d.inside)
	}
	clear(c.agentDoors)
	clear(c.owed)
	c.settling = true
}

// Settle marks the proximity sets as rebuilt. The session calls it once the first step of a new
// physics world has been handled.
func (c *Coordinator) Settle() {
	c.settling = false
}

// Settling reports whether proximity is being rebuilt after PreSetupPhysics.
func (c *Coordinator) Settling() bool {
	return c.settling
}

func (c *Coordinator) open(d *door, by string) {
	d.open = true
	d.closeAt = c.now.Add(c.opts.CloseDelay)
	c.logger.Debug("door opened", zap.String("door", d.ref.Key()), zap.String("by", by))
	c.bus.Publish(event.DoorOpened{Door: d.ref, By: by})
}

func (c *Coordinator) close(d *door) {
	d.open = false
	d.closeAt = time.Time{}
	c.logger.Debug("door closed", zap.String("door", d.ref.Key()))
	c.bus.Publish(event.DoorClosed{Door: d.ref})
}

// closable reports whether an open door may close now.
func (c *Coordinator) closable(d *door) bool {
	if anyPositive(d.inside) {
		return false
	}
	if d.placed.Auto && !d.locked && anyPositive(d.nearby) {
		return false
	}
	for agent, n := range d.nearby {
		if n > 0 && !c.stationary(agent) {
			return false
		}
	}
	return true
}

func anyPositive(set map[string]int) bool {
	for _, n := range set {
		if n > 0 {
			return true
		}
	}
	return false
}

func (c *Coordinator) stationary(agent string) bool {
	if c.agents == nil {
		return true
	}
	st, ok := c.agents.Position(agent)
	return !ok || st.Speed() < stationarySpeed
}

func (c *Coordinator) tryClose(ref level.DoorRef) {
	d, ok := c.doors[ref]
	if !ok || !d.open {
		return
	}
	if !c.settling && c.closable(d) {
		c.close(d)
		return
	}
	if d.closeAt.IsZero() {
		d.closeAt = c.now.Add(c.opts.CloseDelay)
	}
}

// RequestOpen opens a closed, unlocked door for an authorised agent that is nearby.
//
// Postcondition: Returns ErrUnknownDoor for a door outside the level; false when refused.
func (c *Coordinator) RequestOpen(agent string, ref level.DoorRef) (bool, error) {
	d, ok := c.doors[ref]
	if !ok {
		return false, ErrUnknownDoor
	}
	if d.open {
		return true, nil
	}
	if d.locked || d.nearby[agent] <= 0 || !c.access.Allowed(agent, ref) {
		return false, nil
	}
	c.open(d, agent)
	return true, nil
}

// ToggleLock flips a closed door between locked and unlocked on behalf of a nearby, authorised agent.
//
// Postcondition: Returns ErrUnknownDoor for a door outside the level; false when refused.
func (c *Coordinator) ToggleLock(agent string, ref level.DoorRef) (bool, error) {
	d, ok := c.doors[ref]
	if !ok {
		return false, ErrUnknownDoor
	}
	if d.open || d.nearby[agent] <= 0 || !c.access.Allowed(agent, ref) {
		return false, nil
	}
	d.locked = !d.locked
	if d.locked {
		c.bus.Publish(event.DoorLocked{Door: ref, By: agent})
	} else {
		c.bus.Publish(event.DoorUnlocked{Door: ref, By: agent})
	}
	return true, nil
}

// State returns the state of a door.
func (c *Coordinator) State(ref level.DoorRef) (State, error) {
	d, ok := c.doors[ref]
	if !ok {
		return 0, ErrUnknownDoor
	}
	return d.state(), nil
}

// Nearby returns the agents in the door's nearby ring, sorted.
func (c *Coordinator) Nearby(ref level.DoorRef) []string {
	if d, ok := c.doors[ref]; ok {
		return members(d.nearby)
	}
	return nil
}

// Inside returns the agents in the door's footprint, sorted.
func (c *Coordinator) Inside(ref level.DoorRef) []string {
	if d, ok := c.doors[ref]; ok {
		return members(d.inside)
	}
	return nil
}

// DoorsNear returns the doors whose nearby or inside sensor holds agent.
func (c *Coordinator) DoorsNear(agent string) []level.DoorRef {
	seen := make(map[level.DoorRef]struct{})
	var out []level.DoorRef
	for k := range c.agentDoors[agent] {
		if _, dup := seen[k.ref]; !dup {
			seen[k.ref] = struct{}{}
			out = append(out, k.ref)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

func members(set map[string]int) []string {
	var out []string
	for k, n := range set {
		if n > 0 {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
