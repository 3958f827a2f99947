package scripting

import (
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// RegisterModules registers the sim.* Lua table into L.
//
// Precondition: L must be from NewSandboxedState.
// Postcondition: sim global is defined in L.
func (m *Manager) RegisterModules(L *lua.LState) {
	sim := L.NewTable()
	L.SetField(sim, "log", L.NewFunction(func(L *lua.LState) int {
		m.logger.Info("script", zap.String("msg", L.CheckString(1)))
		return 0
	}))
	L.SetField(sim, "door_state", L.NewFunction(func(L *lua.LState) int {
		door := L.CheckString(1)
		if m.DoorState == nil {
			L.Push(lua.LNil)
			return 1
		}
		L.Push(lua.LString(m.DoorState(door)))
		return 1
	}))
	L.SetField(sim, "room_of", L.NewFunction(func(L *lua.LState) int {
		agent := L.CheckString(1)
		if m.RoomOf == nil {
			L.Push(lua.LNil)
			return 1
		}
		if room := m.RoomOf(agent); room != "" {
			L.Push(lua.LString(room))
			return 1
		}
		L.Push(lua.LNil)
		return 1
	}))
	L.SetGlobal("sim", sim)
}
