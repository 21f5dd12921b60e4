package ext

import (
	"context"
	"testing"
)

// newTestManager builds a registry+manager over a temp directory
// populated with the given name->script extensions.
func newTestManager(t *testing.T, scripts map[string]string, opts ...ManagerOption) *Manager {
	t.Helper()
	r := newTestRegistry(t)
	for name, script := range scripts {
		writeFile(t, r.Dir(), name, script)
	}
	m := NewManager(r, opts...)
	if err := m.DiscoverAndLoad(context.Background()); err != nil {
		t.Fatalf("DiscoverAndLoad: %v", err)
	}
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	return m
}

func TestDiscoverAndLoadActivatesEnabled(t *testing.T) {
	m := newTestManager(t, map[string]string{
		"alpha.lua": `-- @name: alpha
function activate(editor)
  scc.add_menu_item("alpha.hello", "Hello")
end
`,
	})

	rec, ok := m.Registry().Get("alpha")
	if !ok {
		t.Fatal("record missing")
	}
	if !rec.Enabled || rec.Host == nil || rec.Host.State() != StateActive {
		t.Fatalf("expected live activated host, got enabled=%v host=%v", rec.Enabled, rec.Host)
	}

	items := m.MenuContributions()
	if len(items) != 1 || items[0].Label != "Hello" || items[0].Extension != "alpha" {
		t.Errorf("MenuContributions = %v", items)
	}
}

func TestActivationFaultDisablesRecord(t *testing.T) {
	m := newTestManager(t, map[string]string{
		"bad.lua": `-- @name: bad
function activate(editor)
  scc.add_menu_item("bad.item", "Bad")
  error("activation exploded")
end
`,
	})

	rec, ok := m.Registry().Get("bad")
	if !ok {
		t.Fatal("record missing")
	}
	if rec.Enabled {
		t.Error("activation fault must force Enabled=false")
	}
	if rec.LastErr == nil {
		t.Error("LastErr should carry the activation failure")
	}
	if rec.Host != nil {
		t.Error("no live host should remain after an activation fault")
	}
	if items := m.MenuContributions(); len(items) != 0 {
		t.Errorf("partial contributions must be rolled back, got %v", items)
	}
}

func TestDispatchFaultIsolation(t *testing.T) {
	m := newTestManager(t, map[string]string{
		"aaa.lua": `-- @name: aaa
function activate() end
function on_file_open(path)
  error("aaa cannot handle files")
end
`,
		"bbb.lua": `-- @name: bbb
function activate() end
function on_file_open(path)
  scc.set_setting("last_opened", path)
end
`,
	})

	faults := m.Dispatch(HookFileOpen, "main.cpp")
	if len(faults) != 1 {
		t.Fatalf("expected 1 fault, got %v", faults)
	}
	if faults[0].Extension != "aaa" {
		t.Errorf("fault attributed to %q, want aaa", faults[0].Extension)
	}

	// bbb still received the event despite aaa's fault.
	if got := m.Settings().Get("bbb", "last_opened"); got != "main.cpp" {
		t.Errorf("bbb setting = %v, want main.cpp", got)
	}

	// The faulting extension stays enabled.
	rec, _ := m.Registry().Get("aaa")
	if !rec.Enabled {
		t.Error("a dispatch fault must not disable the extension")
	}
}

func TestDispatchSkipsExtensionsWithoutHook(t *testing.T) {
	m := newTestManager(t, map[string]string{
		"quiet.lua": `-- @name: quiet
function activate() end
`,
	})

	if faults := m.Dispatch(HookBuildStart, "main.cpp"); len(faults) != 0 {
		t.Errorf("no hook means no call and no fault, got %v", faults)
	}
}

func TestDisableRemovesContributions(t *testing.T) {
	m := newTestManager(t, map[string]string{
		"menus.lua": `-- @name: menus
function activate(editor)
  scc.add_menu_item("menus.item", "Item")
  scc.bind_key("ctrl+m", "toggle")
end
`,
	})
	ctx := context.Background()

	if got := len(m.MenuContributions()); got != 1 {
		t.Fatalf("expected 1 menu item, got %d", got)
	}
	if got := len(m.Keybindings()); got != 1 {
		t.Fatalf("expected 1 keybinding, got %d", got)
	}

	if err := m.Disable(ctx, "menus"); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if got := len(m.MenuContributions()); got != 0 {
		t.Errorf("disable should remove menu items, got %d", got)
	}
	if got := len(m.Keybindings()); got != 0 {
		t.Errorf("disable should remove keybindings, got %d", got)
	}

	if err := m.Enable(ctx, "menus"); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if got := len(m.MenuContributions()); got != 1 {
		t.Errorf("re-enable should restore menu items, got %d", got)
	}
}

func TestReloadGivesFreshInstance(t *testing.T) {
	m := newTestManager(t, map[string]string{
		"count.lua": `-- @name: count
opened = 0
function activate() end
function on_file_open(path)
  opened = opened + 1
  scc.set_setting("opened", opened)
end
`,
	})
	ctx := context.Background()

	m.Dispatch(HookFileOpen, "a.cpp")
	m.Dispatch(HookFileOpen, "b.cpp")
	if got := m.Settings().Get("count", "opened"); got != int64(2) {
		t.Fatalf("opened = %v, want 2", got)
	}

	if err := m.Reload(ctx, "count"); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	rec, _ := m.Registry().Get("count")
	if !rec.Enabled || rec.Host == nil || rec.Host.State() != StateActive {
		t.Fatal("reload should preserve enabled with one live instance")
	}

	// Fresh namespace: the counter starts over.
	m.Dispatch(HookFileOpen, "c.cpp")
	if got := m.Settings().Get("count", "opened"); got != int64(1) {
		t.Errorf("opened after reload = %v, want 1", got)
	}
}

func TestReloadFailureEndsDisabled(t *testing.T) {
	m := newTestManager(t, map[string]string{
		"flaky.lua": `-- @name: flaky
function activate() end
`,
	})
	ctx := context.Background()

	// Break the script on disk, then reload.
	rec, _ := m.Registry().Get("flaky")
	writeFile(t, rec.Manifest.Path(), "flaky.lua", `-- @name: flaky
this is not lua (
`)

	if err := m.Reload(ctx, "flaky"); err == nil {
		t.Fatal("expected reload failure")
	}

	rec, _ = m.Registry().Get("flaky")
	if rec.Enabled {
		t.Error("failed reload must leave the record disabled")
	}
	if rec.Host != nil {
		t.Error("no half-initialized host may survive a failed reload")
	}
	if rec.LastErr == nil {
		t.Error("LastErr should be set after a failed reload")
	}
}

func TestDispatchKeyBreakStopsPropagation(t *testing.T) {
	m := newTestManager(t, map[string]string{
		"first.lua": `-- @name: a-first
function activate() end
function on_key(key)
  return "break"
end
`,
		"second.lua": `-- @name: b-second
function activate() end
function on_key(key)
  scc.set_setting("saw_key", key)
end
`,
	})

	if !m.DispatchKey("ctrl+s") {
		t.Fatal("expected key to be consumed")
	}
	if got := m.Settings().Get("b-second", "saw_key"); got != nil {
		t.Errorf("propagation should stop at the consumer, but b-second saw %v", got)
	}
}

func TestDefaultSettingsSeeded(t *testing.T) {
	m := newTestManager(t, map[string]string{
		"conf.lua": `-- @name: conf
function default_settings()
  return { interval = 800, label = "Words" }
end
function activate(editor)
  seen = scc.get_setting("interval")
end
`,
	})

	if got := m.Settings().Get("conf", "interval"); got != int64(800) {
		t.Errorf("interval = %v, want 800", got)
	}
	if got := m.Settings().Get("conf", "label"); got != "Words" {
		t.Errorf("label = %v, want Words", got)
	}
}

func TestShutdownFiresHookAndPersists(t *testing.T) {
	m := newTestManager(t, map[string]string{
		"bye.lua": `-- @name: bye
function activate() end
function on_shutdown()
  scc.set_setting("said_bye", true)
end
`,
	})

	m.Shutdown(context.Background())

	if got := m.Settings().Get("bye", "said_bye"); got != true {
		t.Errorf("on_shutdown did not run, setting = %v", got)
	}

	rec, _ := m.Registry().Get("bye")
	if rec.Host != nil {
		t.Error("hosts should be released at shutdown")
	}
}

func TestManagerInstallFromMarketplace(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	available := t.TempDir()
	writeFile(t, available, "market.lua", `-- @name: market
-- @version: 1.0.0
-- @category: Tools
function activate(editor)
  scc.add_menu_item("market.run", "Run Market")
end
`)

	mp, err := NewMarketplace(available)
	if err != nil {
		t.Fatalf("NewMarketplace: %v", err)
	}
	listing, err := mp.Find(m.Registry(), "market")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if listing.Installed {
		t.Fatal("listing should not be marked installed yet")
	}

	manifest, err := m.Install(ctx, listing.Path)
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if manifest.Name != "market" {
		t.Errorf("installed name = %q", manifest.Name)
	}

	rec, ok := m.Registry().Get("market")
	if !ok || rec.Host == nil || rec.Host.State() != StateActive {
		t.Fatal("installed extension should be active")
	}
	if got := len(m.MenuContributions()); got != 1 {
		t.Errorf("expected installed extension's menu item, got %d", got)
	}

	listing, err = mp.Find(m.Registry(), "market")
	if err != nil {
		t.Fatalf("Find after install: %v", err)
	}
	if !listing.Installed {
		t.Error("listing should be marked installed")
	}
}

func TestManagerUninstallRemovesSettings(t *testing.T) {
	m := newTestManager(t, map[string]string{
		"gone.lua": `-- @name: gone
function activate()
  scc.set_setting("key", "value")
end
`,
	})
	ctx := context.Background()

	if err := m.Uninstall(ctx, "gone"); err != nil {
		t.Fatalf("Uninstall: %v", err)
	}
	if _, ok := m.Registry().Get("gone"); ok {
		t.Error("record should be gone")
	}
	if got := m.Settings().Get("gone", "key"); got != nil {
		t.Errorf("settings should be removed, got %v", got)
	}
}
