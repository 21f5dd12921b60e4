package ext

import (
	"context"
	"errors"
	"testing"
)

// newTestHost writes a single-file extension and returns an unloaded
// host for it.
func newTestHost(t *testing.T, script string, opts ...HostOption) *Host {
	t.Helper()
	dir := t.TempDir()
	path := writeFile(t, dir, "testext.lua", script)

	manifest, err := ProbeManifest(path)
	if err != nil {
		t.Fatalf("ProbeManifest: %v", err)
	}
	host, err := NewHost(manifest, opts...)
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}
	t.Cleanup(func() { _ = host.Unload(context.Background()) })
	return host
}

func TestHostLoadAndActivate(t *testing.T) {
	h := newTestHost(t, `
activated = false
function activate(editor)
  activated = true
end
`)
	ctx := context.Background()

	if err := h.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if h.State() != StateLoaded {
		t.Fatalf("state = %v, want %v", h.State(), StateLoaded)
	}
	if err := h.Activate(ctx); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if h.State() != StateActive {
		t.Errorf("state = %v, want %v", h.State(), StateActive)
	}
}

func TestHostEntryPointMissing(t *testing.T) {
	h := newTestHost(t, `x = 1`)

	err := h.Load(context.Background())
	if !errors.Is(err, ErrEntryPointMissing) {
		t.Fatalf("err = %v, want ErrEntryPointMissing", err)
	}
	if h.State() != StateError {
		t.Errorf("state = %v, want %v", h.State(), StateError)
	}
}

func TestHostEntryPointAmbiguous(t *testing.T) {
	h := newTestHost(t, `
function activate() end
extension = { activate = function() end }
`)

	err := h.Load(context.Background())
	if !errors.Is(err, ErrEntryPointAmbiguous) {
		t.Fatalf("err = %v, want ErrEntryPointAmbiguous", err)
	}
}

func TestHostTableEntryPoint(t *testing.T) {
	h := newTestHost(t, `
extension = {
  activate = function(editor) end,
  on_file_open = function(path) seen = path end,
}
`)
	ctx := context.Background()

	if err := h.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !h.HasHook(HookFileOpen) {
		t.Error("table hook should be recorded")
	}
	if err := h.Activate(ctx); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if _, err := h.CallHook(HookFileOpen, "main.cpp"); err != nil {
		t.Fatalf("CallHook: %v", err)
	}
}

func TestHostLoadErrorFromBrokenScript(t *testing.T) {
	h := newTestHost(t, `this is not lua (`)

	err := h.Load(context.Background())
	var loadErr *LoadError
	if !errors.As(err, &loadErr) {
		t.Fatalf("err = %v, want *LoadError", err)
	}
	if loadErr.Name != "testext" {
		t.Errorf("LoadError.Name = %q", loadErr.Name)
	}
}

func TestHostHookSetProbedOnce(t *testing.T) {
	h := newTestHost(t, `
function activate() end
function on_key(key) end
function on_build_start(path) end
`)

	if err := h.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if !h.HasHook(HookKey) || !h.HasHook(HookBuildStart) {
		t.Error("defined hooks should be recorded")
	}
	if h.HasHook(HookFileSave) || h.HasHook(HookShutdown) {
		t.Error("undefined hooks should not be recorded")
	}
}

func TestHostCallHookSkipsUndefined(t *testing.T) {
	h := newTestHost(t, `function activate() end`)

	if err := h.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	results, err := h.CallHook(HookFileSave, "main.cpp")
	if err != nil {
		t.Fatalf("CallHook on undefined hook: %v", err)
	}
	if results != nil {
		t.Errorf("expected nil results, got %v", results)
	}
}

func TestHostActivateFaultRollsBackContributions(t *testing.T) {
	h := newTestHost(t, `
function activate(editor)
  error("activation exploded")
end
`)
	ctx := context.Background()

	if err := h.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}

	// Simulate a contribution made before the fault.
	h.AddMenuItem("bad.item", "Bad")

	if err := h.Activate(ctx); err == nil {
		t.Fatal("expected activation error")
	}
	if h.State() != StateError {
		t.Errorf("state = %v, want %v", h.State(), StateError)
	}
	if items := h.MenuItems(); len(items) != 0 {
		t.Errorf("contributions should be rolled back, got %v", items)
	}
	if h.Err() == nil {
		t.Error("Err should carry the activation failure")
	}
}

func TestHostDeactivateBestEffort(t *testing.T) {
	h := newTestHost(t, `
function activate() end
function deactivate()
  error("deactivate exploded")
end
`)
	ctx := context.Background()

	if err := h.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := h.Activate(ctx); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	h.AddMenuItem("item", "Item")

	if err := h.Deactivate(ctx); err != nil {
		t.Fatalf("Deactivate should not propagate hook errors: %v", err)
	}
	if h.State() != StateLoaded {
		t.Errorf("state = %v, want %v", h.State(), StateLoaded)
	}
	if items := h.MenuItems(); len(items) != 0 {
		t.Errorf("contributions should be unregistered, got %v", items)
	}
}

func TestHostUnloadGivesFreshState(t *testing.T) {
	h := newTestHost(t, `
counter = (counter or 0) + 1
function activate() end
function on_file_open(path)
  return counter
end
`)
	ctx := context.Background()

	if err := h.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := h.Unload(ctx); err != nil {
		t.Fatalf("Unload: %v", err)
	}
	if h.State() != StateUnloaded {
		t.Fatalf("state = %v, want %v", h.State(), StateUnloaded)
	}

	// A second load must not observe the previous instance's globals.
	if err := h.Load(ctx); err != nil {
		t.Fatalf("second Load: %v", err)
	}
	results, err := h.CallHook(HookFileOpen, "main.cpp")
	if err != nil {
		t.Fatalf("CallHook: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %v", results)
	}
	if n, ok := results[0].(int64); !ok || n != 1 {
		t.Errorf("counter = %v, want 1 (fresh namespace)", results[0])
	}
}

func TestHostLoadTwice(t *testing.T) {
	h := newTestHost(t, `function activate() end`)
	ctx := context.Background()

	if err := h.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := h.Load(ctx); !errors.Is(err, ErrAlreadyLoaded) {
		t.Fatalf("second Load err = %v, want ErrAlreadyLoaded", err)
	}
}
