package scripting_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/levelsim/internal/scripting"
)

func newTestManager(t testing.TB) (*scripting.Manager, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	mgr := scripting.NewManager(zap.New(core))
	t.Cleanup(mgr.Close)
	return mgr, logs
}

func writeTempLua(t testing.TB, filename, src string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, filename), []byte(src), 0644))
	return dir
}

func TestManager_LoadDir_CallsHook(t *testing.T) {
	mgr, _ := newTestManager(t)
	dir := writeTempLua(t, "hooks.lua", `
		function test_hook(a, b)
			return a + b
		end
	`)
	require.NoError(t, mgr.LoadDir(dir, 0))
	ret, err := mgr.CallHook("test_hook", lua.LNumber(3), lua.LNumber(4))
	require.NoError(t, err)
	assert.Equal(t, lua.LNumber(7), ret)
}

func TestManager_LoadDir_LexicographicOrder(t *testing.T) {
	mgr, _ := newTestManager(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.lua"), []byte(`
		value = value .. "b"
		function get() return value end
	`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.lua"), []byte(`value = "a"`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte(`not lua`), 0644))
	require.NoError(t, mgr.LoadDir(dir, 0))
	ret, err := mgr.CallHook("get")
	require.NoError(t, err)
	assert.Equal(t, lua.LString("ab"), ret)

	// Reloading replaces the VM and its globals.
	require.NoError(t, mgr.LoadString("empty", `-- nothing`, 0))
	ret, err = mgr.CallHook("get")
	require.NoError(t, err)
	assert.Equal(t, lua.LNil, ret)
}

func TestManager_LoadDir_MissingDir(t *testing.T) {
	mgr, _ := newTestManager(t)
	assert.Error(t, mgr.LoadDir(filepath.Join(t.TempDir(), "missing"), 0))
	assert.False(t, mgr.Loaded())
}

func TestManager_LoadFailureKeepsPreviousVM(t *testing.T) {
	mgr, _ := newTestManager(t)
	require.NoError(t, mgr.LoadString("ok", `function ping() return "pong" end`, 0))
	assert.Error(t, mgr.LoadString("bad", `function (`, 0))
	ret, err := mgr.CallHook("ping")
	require.NoError(t, err)
	assert.Equal(t, lua.LString("pong"), ret)
}

func TestManager_CallHook_NoVM_ReturnsNil(t *testing.T) {
	mgr, _ := newTestManager(t)
	ret, err := mgr.CallHook("some_hook")
	require.NoError(t, err)
	assert.Equal(t, lua.LNil, ret)
}

func TestManager_CallHook_MissingHook_NoOp(t *testing.T) {
	mgr, _ := newTestManager(t)
	require.NoError(t, mgr.LoadString("empty", `-- no functions`, 0))
	ret, err := mgr.CallHook("nonexistent_hook")
	require.NoError(t, err)
	assert.Equal(t, lua.LNil, ret)
}

func TestManager_CallHook_RuntimeError_WarnLogNoPanic(t *testing.T) {
	mgr, logs := newTestManager(t)
	require.NoError(t, mgr.LoadString("bad", `
		function bad_hook()
			error("intentional error")
		end
	`, 0))
	ret, err := mgr.CallHook("bad_hook")
	require.NoError(t, err)
	assert.Equal(t, lua.LNil, ret)
	assert.Equal(t, 1, logs.FilterLevelExact(zap.WarnLevel).Len())
}

func TestManager_InstructionBudgetIsPerCall(t *testing.T) {
	mgr, logs := newTestManager(t)
	require.NoError(t, mgr.LoadString("loops", `
		function spin() while true do end end
		function small() local s = 0 for i = 1, 10 do s = s + i end return s end
	`, 500))
	for i := 0; i < 20; i++ {
		ret, err := mgr.CallHook("small")
		require.NoError(t, err)
		assert.Equal(t, lua.LNumber(55), ret)
	}
	ret, err := mgr.CallHook("spin")
	require.NoError(t, err)
	assert.Equal(t, lua.LNil, ret)
	assert.Equal(t, 1, logs.FilterLevelExact(zap.WarnLevel).Len())

	ret, err = mgr.CallHook("small")
	require.NoError(t, err)
	assert.Equal(t, lua.LNumber(55), ret)
}

func TestManager_DoorAccess(t *testing.T) {
	mgr, _ := newTestManager(t)
	require.NoError(t, mgr.LoadString("policy", `
		function door_access(npc, door)
			if npc == "warden" then return true end
			if door == "g1d9" then return false end
			return nil
		end
	`, 0))

	allow, decided := mgr.DoorAccess("warden", "g1d1")
	assert.True(t, decided)
	assert.True(t, allow)

	allow, decided = mgr.DoorAccess("npc-1", "g1d9")
	assert.True(t, decided)
	assert.False(t, allow)

	_, decided = mgr.DoorAccess("npc-1", "g1d1")
	assert.False(t, decided)
}

func TestManager_SimModule(t *testing.T) {
	mgr, logs := newTestManager(t)
	mgr.DoorState = func(door string) string { return "open" }
	mgr.RoomOf = func(agent string) string {
		if agent == "npc-1" {
			return "g1r2"
		}
		return ""
	}
	require.NoError(t, mgr.LoadString("policy", `
		entered = {}
		function door_access(npc, door)
			return sim.door_state(door) == "open" and sim.room_of(npc) == "g1r2"
		end
		function on_enter_room(npc, room)
			sim.log(npc .. " entered " .. room)
		end
		function nowhere(npc) return sim.room_of(npc) end
	`, 0))

	allow, decided := mgr.DoorAccess("npc-1", "g1d1")
	assert.True(t, decided)
	assert.True(t, allow)
	allow, _ = mgr.DoorAccess("npc-2", "g1d1")
	assert.False(t, allow)

	mgr.OnEnterRoom("npc-1", "g1r2")
	entries := logs.FilterMessage("script").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "npc-1 entered g1r2", entries[0].ContextMap()["msg"])

	ret, err := mgr.CallHook("nowhere", lua.LString("npc-2"))
	require.NoError(t, err)
	assert.Equal(t, lua.LNil, ret)
}

func TestManager_ConcurrentCalls(t *testing.T) {
	mgr, _ := newTestManager(t)
	require.NoError(t, mgr.LoadString("add", `function add(a, b) return a + b end`, 0))
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ret, err := mgr.CallHook("add", lua.LNumber(n), lua.LNumber(1))
			assert.NoError(t, err)
			assert.Equal(t, lua.LNumber(n+1), ret)
		}(i)
	}
	wg.Wait()
}

func TestProperty_DoorAccessEchoesBoolean(t *testing.T) {
	mgr, _ := newTestManager(t)
	require.NoError(t, mgr.LoadString("echo", `
		function door_access(npc, door) return npc == door end
	`, 0))
	rapid.Check(t, func(rt *rapid.T) {
		a := rapid.StringMatching(`[a-z0-9]{1,6}`).Draw(rt, "a")
		b := rapid.StringMatching(`[a-z0-9]{1,6}`).Draw(rt, "b")
		allow, decided := mgr.DoorAccess(a, b)
		if !decided || allow != (a == b) {
			rt.Fatalf("door_access(%q, %q) = %v, %v", a, b, allow, decided)
		}
	})
}
