package ext

import (
	"context"
	"fmt"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/scclabs/scc/internal/ext/luart"
)

// Hook names an extension may define. The set is probed once at load
// time; dispatch never re-probes.
const (
	HookDeactivate      = "deactivate"
	HookKey             = "on_key"
	HookFileOpen        = "on_file_open"
	HookFileSave        = "on_file_save"
	HookBuildStart      = "on_build_start"
	HookBuildEnd        = "on_build_end"
	HookContributeMenu  = "contribute_menu"
	HookShutdown        = "on_shutdown"
	HookDefaultSettings = "default_settings"
)

// optionalHooks is every hook an extension may define beyond activate.
var optionalHooks = []string{
	HookDeactivate,
	HookKey,
	HookFileOpen,
	HookFileSave,
	HookBuildStart,
	HookBuildEnd,
	HookContributeMenu,
	HookShutdown,
	HookDefaultSettings,
}

// DefaultCallTimeout bounds a single hook invocation.
const DefaultCallTimeout = 5 * time.Second

// MenuItem is one menu contribution registered by an extension.
type MenuItem struct {
	Extension string
	ID        string
	Label     string
}

// Keybinding is one key registration by an extension, removed
// automatically at deactivation.
type Keybinding struct {
	Extension string
	Keys      string
	Function  string
}

// Host owns one extension's Lua state and lifecycle.
//
// The state is created at Load and closed at Unload; a reload therefore
// never sees globals from the previous instance. Contribution tracking
// is host-side and authoritative: whatever the script registered is
// removed when the host deactivates, whether or not the script cleans
// up after itself.
type Host struct {
	mu sync.RWMutex

	name     string
	manifest *Manifest

	state  *luart.State
	bridge *luart.Bridge

	lifecycle LifecycleState
	err       error

	// hooks is the capability set recorded at load time.
	hooks map[string]bool

	callTimeout time.Duration
	installAPI  func(*Host) error

	// cmu guards contributions. A separate lock because Lua code
	// registers contributions while a lifecycle call holds mu.
	cmu         sync.Mutex
	menuItems   []MenuItem
	keybindings []Keybinding
}

// HostOption configures a Host.
type HostOption func(*Host)

// WithCallTimeout bounds each hook invocation.
func WithCallTimeout(d time.Duration) HostOption {
	return func(h *Host) {
		h.callTimeout = d
	}
}

// WithAPIInstaller sets the function that registers the editor API in
// a freshly created state, before the extension's main file runs.
func WithAPIInstaller(install func(*Host) error) HostOption {
	return func(h *Host) {
		h.installAPI = install
	}
}

// NewHost creates an unloaded host for the given manifest.
func NewHost(manifest *Manifest, opts ...HostOption) (*Host, error) {
	if manifest == nil {
		return nil, ErrNilManifest
	}
	h := &Host{
		name:        manifest.Name,
		manifest:    manifest,
		lifecycle:   StateUnloaded,
		callTimeout: DefaultCallTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Name returns the extension name.
func (h *Host) Name() string {
	return h.name
}

// Manifest returns the extension manifest.
func (h *Host) Manifest() *Manifest {
	return h.manifest
}

// State returns the current lifecycle state.
func (h *Host) State() LifecycleState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lifecycle
}

// Err returns the error from the last failed transition.
func (h *Host) Err() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.err
}

// Load creates a fresh Lua state, runs the main file, and verifies the
// entry point. The script must define exactly one entry point: a global
// activate function, or an extension table carrying one. Defining both
// is ErrEntryPointAmbiguous, neither is ErrEntryPointMissing. Optional
// hooks are probed here, once.
func (h *Host) Load(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.lifecycle != StateUnloaded {
		return ErrAlreadyLoaded
	}

	state := luart.NewState(luart.WithCapabilities(h.manifest.Capabilities...))
	h.state = state
	h.bridge = luart.NewBridge(state.L)

	fail := func(err error) error {
		state.Close()
		h.state = nil
		h.bridge = nil
		h.lifecycle = StateError
		h.err = err
		return err
	}

	if h.installAPI != nil {
		if err := h.installAPI(h); err != nil {
			return fail(fmt.Errorf("install editor api: %w", err))
		}
	}

	if err := state.DoFile(h.manifest.MainPath()); err != nil {
		return fail(&LoadError{Name: h.name, Err: err})
	}

	if err := h.resolveEntryPoint(); err != nil {
		return fail(err)
	}

	h.hooks = make(map[string]bool, len(optionalHooks))
	for _, name := range optionalHooks {
		h.hooks[name] = state.HasFunction(name)
	}

	h.lifecycle = StateLoaded
	h.err = nil
	return nil
}

// resolveEntryPoint enforces the single-entry-point rule. When the
// table form is used, its function fields are promoted to globals so
// the rest of the host calls hooks uniformly.
func (h *Host) resolveEntryPoint() error {
	hasActivate := h.state.HasFunction("activate")

	extTable, hasTable := h.state.GetGlobal("extension").(*lua.LTable)
	if hasTable && hasActivate {
		return fmt.Errorf("extension %q: %w", h.name, ErrEntryPointAmbiguous)
	}

	if hasTable {
		promote := append([]string{"activate"}, optionalHooks...)
		for _, name := range promote {
			if fn, ok := extTable.RawGetString(name).(*lua.LFunction); ok {
				h.state.SetGlobal(name, fn)
			}
		}
		hasActivate = h.state.HasFunction("activate")
	}

	if !hasActivate {
		return fmt.Errorf("extension %q: %w", h.name, ErrEntryPointMissing)
	}
	return nil
}

// Activate calls activate(editor) followed by the contribute_menu hook
// if one exists. On any fault the host rolls back every contribution
// the script registered and ends in StateError.
func (h *Host) Activate(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.lifecycle != StateLoaded {
		return ErrNotLoaded
	}

	editor := h.state.GetGlobal("scc")

	if _, err := h.state.CallTimeout(h.callTimeout, "activate", editor); err != nil {
		h.clearContributions()
		h.lifecycle = StateError
		h.err = fmt.Errorf("activate failed: %w", err)
		return h.err
	}

	if h.hooks[HookContributeMenu] {
		if _, err := h.state.CallTimeout(h.callTimeout, HookContributeMenu, editor); err != nil {
			h.clearContributions()
			h.lifecycle = StateError
			h.err = fmt.Errorf("contribute_menu failed: %w", err)
			return h.err
		}
	}

	h.lifecycle = StateActive
	h.err = nil
	return nil
}

// Deactivate calls the extension's deactivate hook best-effort and
// unregisters every contribution regardless of the hook's outcome.
func (h *Host) Deactivate(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.lifecycle != StateActive {
		return nil
	}

	if h.hooks[HookDeactivate] {
		if _, err := h.state.CallTimeout(h.callTimeout, HookDeactivate); err != nil {
			// Cleanup continues; the error is recorded, not returned.
			h.err = fmt.Errorf("deactivate failed: %w", err)
		}
	}

	h.clearContributions()
	h.lifecycle = StateLoaded
	return nil
}

// Unload closes the Lua state. The next Load starts from a completely
// fresh namespace.
func (h *Host) Unload(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.lifecycle == StateUnloaded {
		return nil
	}

	if h.lifecycle == StateActive && h.hooks[HookDeactivate] {
		_, _ = h.state.CallTimeout(h.callTimeout, HookDeactivate)
	}

	if h.state != nil {
		h.state.Close()
		h.state = nil
	}
	h.bridge = nil
	h.hooks = nil
	h.clearContributions()
	h.lifecycle = StateUnloaded
	h.err = nil
	return nil
}

// HasHook reports whether the extension defined the hook at load time.
func (h *Host) HasHook(name string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.hooks[name]
}

// CallHook invokes a recorded hook with Go arguments. Extensions that
// did not define the hook are skipped with no error. The call is
// bounded by the host's call timeout.
func (h *Host) CallHook(name string, args ...any) ([]any, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.state == nil {
		return nil, ErrNotLoaded
	}
	if !h.hooks[name] {
		return nil, nil
	}

	luaArgs := make([]lua.LValue, len(args))
	for i, arg := range args {
		luaArgs[i] = h.bridge.ToLua(arg)
	}

	results, err := h.state.CallTimeout(h.callTimeout, name, luaArgs...)
	if err != nil {
		return nil, err
	}

	goResults := make([]any, len(results))
	for i, r := range results {
		goResults[i] = h.bridge.ToGo(r)
	}
	return goResults, nil
}

// RegisterModule installs a Go module into the extension's state.
func (h *Host) RegisterModule(name string, funcs map[string]lua.LGFunction) {
	if h.state == nil {
		return
	}
	h.state.RegisterModule(name, funcs)
}

// Bridge returns the host's value bridge, nil when unloaded.
func (h *Host) Bridge() *luart.Bridge {
	return h.bridge
}

// AddMenuItem records a menu contribution. Called from the editor API
// while a lifecycle call is in flight, so it takes only the
// contribution lock.
func (h *Host) AddMenuItem(id, label string) {
	h.cmu.Lock()
	defer h.cmu.Unlock()
	h.menuItems = append(h.menuItems, MenuItem{Extension: h.name, ID: id, Label: label})
}

// BindKey records a keybinding contribution.
func (h *Host) BindKey(keys, function string) {
	h.cmu.Lock()
	defer h.cmu.Unlock()
	h.keybindings = append(h.keybindings, Keybinding{Extension: h.name, Keys: keys, Function: function})
}

// MenuItems returns a copy of the host's menu contributions.
func (h *Host) MenuItems() []MenuItem {
	h.cmu.Lock()
	defer h.cmu.Unlock()
	return append([]MenuItem{}, h.menuItems...)
}

// Keybindings returns a copy of the host's keybindings.
func (h *Host) Keybindings() []Keybinding {
	h.cmu.Lock()
	defer h.cmu.Unlock()
	return append([]Keybinding{}, h.keybindings...)
}

func (h *Host) clearContributions() {
	h.cmu.Lock()
	defer h.cmu.Unlock()
	h.menuItems = nil
	h.keybindings = nil
}
