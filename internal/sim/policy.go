package sim

import (
	"github.com/cory-johannsen/levelsim/internal/doors"
	"github.com/cory-johannsen/levelsim/internal/level"
	"github.com/cory-johannsen/levelsim/internal/scripting"
)

// policyAuthorizer lets the door_access script decide first and falls back to the grants.
type policyAuthorizer struct {
	grants  doors.Authorizer
	scripts *scripting.Manager
}

func (p policyAuthorizer) Allowed(agent string, door level.DoorRef) bool {
	if p.scripts != nil {
		if allow, decided := p.scripts.DoorAccess(agent, door.Key()); decided {
			return allow
		}
	}
	return p.grants.Allowed(agent, door)
}

// bindScripts exposes door and room lookups to Lua. Hooks run on the session goroutine, so the
// lookups read coordinator state directly.
func (s *Session) bindScripts() {
	s.scripts.DoorState = func(key string) string {
		ref, err := level.ParseDoorKey(key)
		if err != nil || ref.Key() != key {
			return ""
		}
		st, err := s.coord.State(ref)
		if err != nil {
			return ""
		}
		return st.String()
	}
	s.scripts.RoomOf = func(agent string) string {
		if room, ok := s.coord.RoomOf(agent); ok {
			return room.String()
		}
		return ""
	}
}
