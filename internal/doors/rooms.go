package doors

import (
	"sort"

	"github.com/go-gl/mathgl/mgl64"
	"go.uber.org/zap"

	"github.com/cory-johannsen/levelsim/internal/event"
	"github.com/cory-johannsen/levelsim/internal/geom"
	"github.com/cory-johannsen/levelsim/internal/level"
)

// position prefers the crowd snapshot over the last reported way-point.
func (c *Coordinator) position(agent string) (mgl64.Vec2, bool) {
	if c.agents != nil {
		if st, ok := c.agents.Position(agent); ok {
			return geom.XZ(st.Pos), true
		}
	}
	p, ok := c.lastPos[agent]
	return p, ok
}

func (c *Coordinator) onSpawned(ev event.Spawned) {
	pos := geom.XZ(ev.Pos)
	c.lastPos[ev.Agent] = pos
	if room, ok := c.lvl.RoomAt(pos); ok {
		c.setRoom(ev.Agent, room)
		return
	}
	c.markExternal(ev.Agent, pos)
}

// setRoom moves agent into room, queueing ExitRoom then EnterRoom for the next tick.
func (c *Coordinator) setRoom(agent string, room level.RoomRef) {
	delete(c.external, agent)
	from, had := c.rooms[agent]
	if had && from == room {
		return
	}
	if had {
		c.removeOccupant(agent, from)
		c.deferred = append(c.deferred, event.ExitRoom{Agent: agent, Room: from})
	}
	c.rooms[agent] = room
	if c.occupants[room] == nil {
		c.occupants[room] = make(map[string]struct{})
	}
	c.occupants[room][agent] = struct{}{}
	c.deferred = append(c.deferred, event.EnterRoom{Agent: agent, Room: room})
}

func (c *Coordinator) removeOccupant(agent string, room level.RoomRef) {
	delete(c.occupants[room], agent)
	if len(c.occupants[room]) == 0 {
		delete(c.occupants, room)
	}
}

// leaveRoom forgets agent's room without events.
func (c *Coordinator) leaveRoom(agent string) {
	if room, ok := c.rooms[agent]; ok {
		c.removeOccupant(agent, room)
		delete(c.rooms, agent)
	}
}

func (c *Coordinator) markExternal(agent string, pos mgl64.Vec2) {
	if room, ok := c.rooms[agent]; ok {
		c.removeOccupant(agent, room)
		delete(c.rooms, agent)
		c.deferred = append(c.deferred, event.ExitRoom{Agent: agent, Room: room})
	}
	if _, already := c.external[agent]; already {
		return
	}
	c.external[agent] = struct{}{}
	c.logger.Warn("agent not contained by any room",
		zap.String("npc", agent),
		zap.Float64("x", pos.X()),
		zap.Float64("z", pos.Y()),
	)
	c.bus.Publish(event.ContainmentLost{Agent: agent, Pos: pos})
}

// trackCrossing runs when agent leaves a door footprint: if it now stands in the room across the
// door from its current room, it has crossed.
func (c *Coordinator) trackCrossing(agent string, ref level.DoorRef) {
	pos, ok := c.position(agent)
	if !ok {
		return
	}
	cur, ok := c.rooms[agent]
	if !ok {
		if room, found := c.lvl.RoomAt(pos); found {
			c.setRoom(agent, room)
		}
		return
	}
	other, ok := c.lvl.OtherRoom(ref, cur)
	if !ok {
		return
	}
	if room, found := c.lvl.RoomAtIn(other.GmID, pos); found && room == other {
		c.setRoom(agent, other)
	}
}

func (c *Coordinator) flushDeferred() {
	pending := c.deferred
	c.deferred = nil
	for _, e := range pending {
		c.bus.Publish(e)
	}
}

func (c *Coordinator) onPreRequestNav(ev event.PreRequestNav) {
	changed := make(map[int]bool, len(ev.Changed))
	for _, gm := range ev.Changed {
		changed[gm] = true
	}
	queued := make(map[string]bool, len(c.rebuild))
	for _, a := range c.rebuild {
		queued[a] = true
	}
	var add []string
	for agent, room := range c.rooms {
		if changed[room.GmID] && !queued[agent] {
			add = append(add, agent)
		}
	}
	for agent := range c.external {
		if !queued[agent] {
			add = append(add, agent)
		}
	}
	sort.Strings(add)
	c.rebuild = append(c.rebuild, add...)
	if len(add) > 0 {
		c.logger.Debug("room reconciliation queued", zap.Int("agents", len(add)), zap.Ints("changed", ev.Changed))
	}
}

// stepRebuild re-places at most one batch of queued agents by direct containment query.
func (c *Coordinator) stepRebuild() {
	n := min(len(c.rebuild), c.opts.RebuildBatchSize)
	batch := c.rebuild[:n]
	c.rebuild = c.rebuild[n:]
	for _, agent := range batch {
		_, inRoom := c.rooms[agent]
		_, outside := c.external[agent]
		if !inRoom && !outside {
			continue
		}
		pos, ok := c.position(agent)
		if !ok {
			continue
		}
		if room, found := c.lvl.RoomAt(pos); found {
			c.setRoom(agent, room)
			continue
		}
		c.markExternal(agent, pos)
	}
}

// RoomOf returns agent's current room.
func (c *Coordinator) RoomOf(agent string) (level.RoomRef, bool) {
	r, ok := c.rooms[agent]
	return r, ok
}

// Occupants returns the agents in room, sorted.
func (c *Coordinator) Occupants(room level.RoomRef) []string {
	out := make([]string, 0, len(c.occupants[room]))
	for a := range c.occupants[room] {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// External returns the agents not contained by any room, sorted.
func (c *Coordinator) External() []string {
	out := make([]string, 0, len(c.external))
	for a := range c.external {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// RebuildPending returns the number of agents still awaiting reconciliation.
func (c *Coordinator) RebuildPending() int {
	return len(c.rebuild)
}
