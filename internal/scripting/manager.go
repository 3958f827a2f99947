package scripting

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// Hook names looked up as Lua globals.
const (
	HookDoorAccess  = "door_access"
	HookOnEnterRoom = "on_enter_room"
)

// Manager owns one sandboxed LState holding the door policy scripts and dispatches hooks to it.
//
// Manager is safe for concurrent use; calls into the VM are serialised.
type Manager struct {
	mu        sync.Mutex
	L         *lua.LState
	instLimit int
	logger    *zap.Logger

	// Injected after construction. nil = the sim.* function returns nil.
	DoorState func(door string) string
	RoomOf    func(agent string) string
}

// NewManager creates a Manager with no scripts loaded.
//
// Precondition: logger must be non-nil.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{logger: logger}
}

// LoadDir replaces the VM with a fresh one, registers the sim.* module, then executes every
// *.lua file in scriptDir in lexicographic order.
//
// Precondition: scriptDir must be a readable directory.
// Postcondition: On error the previous VM stays active.
func (m *Manager) LoadDir(scriptDir string, instLimit int) error {
	entries, err := os.ReadDir(scriptDir)
	if err != nil {
		return fmt.Errorf("scripting: reading script dir %q: %w", scriptDir, err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".lua" {
			files = append(files, filepath.Join(scriptDir, e.Name()))
		}
	}
	sort.Strings(files)
	return m.load(instLimit, func(L *lua.LState) error {
		for _, path := range files {
			if err := L.DoFile(path); err != nil {
				return fmt.Errorf("scripting: loading %q: %w", path, err)
			}
		}
		return nil
	})
}

// LoadString is LoadDir for a single in-memory chunk.
func (m *Manager) LoadString(name, src string, instLimit int) error {
	return m.load(instLimit, func(L *lua.LState) error {
		if err := L.DoString(src); err != nil {
			return fmt.Errorf("scripting: loading %q: %w", name, err)
		}
		return nil
	})
}

func (m *Manager) load(instLimit int, run func(*lua.LState) error) error {
	L := NewSandboxedState(instLimit)
	m.RegisterModules(L)
	if err := run(L); err != nil {
		L.Close()
		return err
	}
	m.mu.Lock()
	old := m.L
	m.L, m.instLimit = L, instLimit
	m.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

// Loaded reports whether a VM is active.
func (m *Manager) Loaded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.L != nil
}

// Close releases the VM.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.L != nil {
		m.L.Close()
		m.L = nil
	}
}

// CallHook calls the named Lua global with a fresh instruction budget. Returns (LNil, nil) if no
// VM is loaded or the hook is not defined. Lua runtime errors are logged at Warn level and never
// propagated.
//
// Postcondition: Returns the first return value of the hook, or LNil.
func (m *Manager) CallHook(hook string, args ...lua.LValue) (lua.LValue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.L == nil {
		return lua.LNil, nil
	}
	fn := m.L.GetGlobal(hook)
	if fn == lua.LNil {
		return lua.LNil, nil
	}
	cancel := Rearm(m.L, m.instLimit)
	defer cancel()
	if err := m.L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, args...); err != nil {
		m.logger.Warn("scripting: Lua runtime error", zap.String("hook", hook), zap.Error(err))
		return lua.LNil, nil
	}
	ret := m.L.Get(-1)
	m.L.Pop(1)
	return ret, nil
}

// DoorAccess asks the door_access hook whether agent may use door.
//
// Postcondition: decided is false when the hook is missing, fails, or returns nil.
func (m *Manager) DoorAccess(agent, door string) (allow, decided bool) {
	ret, _ := m.CallHook(HookDoorAccess, lua.LString(agent), lua.LString(door))
	if b, ok := ret.(lua.LBool); ok {
		return bool(b), true
	}
	return false, false
}

// OnEnterRoom notifies the on_enter_room hook.
func (m *Manager) OnEnterRoom(agent, room string) {
	_, _ = m.CallHook(HookOnEnterRoom, lua.LString(agent), lua.LString(room))
}
