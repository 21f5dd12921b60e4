package ext

import (
	"context"
	"fmt"
	"time"
)

// Manager drives extension lifecycles on top of the Registry and fans
// editor events out to the enabled extensions.
//
// It maintains the registry invariant: a record is Enabled only while
// it has a live, successfully activated Host. Activation failure
// flips the record to disabled with LastErr set and rolls back any
// partial contributions; a dispatch fault is logged and attributed but
// neither disables the extension nor interrupts delivery to the rest.
type Manager struct {
	registry *Registry
	settings *SettingsStore

	logger      Logger
	notify      Notifier
	callTimeout time.Duration
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(l Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithNotifier sets the user-notification sink for scc.notify.
func WithNotifier(n Notifier) ManagerOption {
	return func(m *Manager) {
		m.notify = n
	}
}

// WithHookTimeout bounds each hook invocation.
func WithHookTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.callTimeout = d
	}
}

// NewManager creates a manager over the given registry.
func NewManager(registry *Registry, opts ...ManagerOption) *Manager {
	m := &Manager{
		registry:    registry,
		settings:    NewSettingsStore(registry.SettingsDir()),
		logger:      nopLogger{},
		callTimeout: DefaultCallTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Registry returns the underlying registry.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Settings returns the per-extension settings store.
func (m *Manager) Settings() *SettingsStore {
	return m.settings
}

// DiscoverAndLoad scans the installed directory and activates every
// enabled extension. Per-extension failures disable that extension and
// never abort the startup scan.
func (m *Manager) DiscoverAndLoad(ctx context.Context) error {
	if err := m.registry.Discover(); err != nil {
		return err
	}
	for name, err := range m.registry.DiscoveryErrors() {
		m.logger.Warn("extension discovery failed", "entry", name, "error", err)
	}

	for _, rec := range m.registry.List() {
		if !rec.Enabled {
			continue
		}
		if err := m.activateRecord(ctx, rec); err != nil {
			m.logger.Error("extension activation failed", "extension", rec.Manifest.Name, "error", err)
			_ = m.registry.SetEnabled(rec.Manifest.Name, false)
		}
	}
	return nil
}

// activateRecord builds a host for the record, loads the script, seeds
// settings from default_settings, and activates. On any failure the
// host is fully unloaded and the record carries the error.
func (m *Manager) activateRecord(ctx context.Context, rec *Record) error {
	host, err := NewHost(rec.Manifest,
		WithCallTimeout(m.callTimeout),
		WithAPIInstaller(func(h *Host) error {
			return installEditorAPI(h, m.settings, m.logger, m.notify)
		}),
	)
	if err != nil {
		rec.LastErr = err
		rec.Enabled = false
		return err
	}

	fail := func(err error) error {
		_ = host.Unload(ctx)
		rec.Host = nil
		rec.Enabled = false
		rec.LastErr = err
		return err
	}

	if err := host.Load(ctx); err != nil {
		return fail(err)
	}

	if host.HasHook(HookDefaultSettings) {
		results, err := host.CallHook(HookDefaultSettings)
		if err != nil {
			return fail(fmt.Errorf("default_settings failed: %w", err))
		}
		if len(results) > 0 {
			if defaults, ok := results[0].(map[string]any); ok {
				if err := m.settings.Seed(rec.Manifest.Name, defaults); err != nil {
					return fail(err)
				}
			}
		}
	}

	if err := host.Activate(ctx); err != nil {
		return fail(err)
	}

	rec.Host = host
	rec.LastErr = nil
	return nil
}

// deactivateRecord tears the record's host down best-effort.
func (m *Manager) deactivateRecord(ctx context.Context, rec *Record) {
	if rec.Host == nil {
		return
	}
	if err := rec.Host.Deactivate(ctx); err != nil {
		m.logger.Warn("extension deactivation failed", "extension", rec.Manifest.Name, "error", err)
	}
	_ = rec.Host.Unload(ctx)
	rec.Host = nil
}

// Enable activates an installed extension and persists the flag.
func (m *Manager) Enable(ctx context.Context, name string) error {
	rec, ok := m.registry.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrExtensionNotFound, name)
	}
	if rec.Host != nil && rec.Host.State() == StateActive {
		return nil
	}

	if err := m.activateRecord(ctx, rec); err != nil {
		_ = m.registry.SetEnabled(name, false)
		return err
	}
	return m.registry.SetEnabled(name, true)
}

// Disable deactivates the extension, releases its runtime, and
// persists the flag. Its menu and key contributions disappear with it.
func (m *Manager) Disable(ctx context.Context, name string) error {
	rec, ok := m.registry.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrExtensionNotFound, name)
	}
	m.deactivateRecord(ctx, rec)
	return m.registry.SetEnabled(name, false)
}

// Reload tears the extension down, re-reads its files, and brings it
// back up as one operation. On success the enabled flag is preserved
// and exactly one live instance exists; on failure the record ends
// disabled with LastErr set, never half-initialized.
func (m *Manager) Reload(ctx context.Context, name string) error {
	rec, ok := m.registry.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrExtensionNotFound, name)
	}
	wasEnabled := rec.Enabled

	m.deactivateRecord(ctx, rec)

	manifest, err := m.registry.Refresh(name)
	if err != nil {
		rec.LastErr = err
		_ = m.registry.SetEnabled(name, false)
		return err
	}
	rec.Manifest = manifest

	if !wasEnabled {
		return nil
	}

	if err := m.activateRecord(ctx, rec); err != nil {
		_ = m.registry.SetEnabled(name, false)
		return err
	}
	return m.registry.SetEnabled(name, true)
}

// Install copies an extension into the installed directory and
// activates it. A broken extension stays installed but disabled.
func (m *Manager) Install(ctx context.Context, srcPath string) (*Manifest, error) {
	manifest, err := m.registry.Install(srcPath)
	if err != nil {
		return nil, err
	}

	rec, _ := m.registry.Get(manifest.Name)
	if err := m.activateRecord(ctx, rec); err != nil {
		_ = m.registry.SetEnabled(manifest.Name, false)
		return manifest, err
	}
	return manifest, nil
}

// Uninstall deactivates the extension and removes its files, settings,
// and record.
func (m *Manager) Uninstall(ctx context.Context, name string) error {
	rec, ok := m.registry.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrExtensionNotFound, name)
	}
	m.deactivateRecord(ctx, rec)
	m.settings.Remove(name)
	return m.registry.Uninstall(name)
}

// DispatchError attributes a hook fault to its extension.
type DispatchError struct {
	Extension string
	Err       error
}

// Dispatch delivers an event to every enabled extension's hook in
// registry order. A fault in one extension is logged and collected but
// never stops delivery to the others, and never disables the
// extension.
func (m *Manager) Dispatch(event string, args ...any) []DispatchError {
	var faults []DispatchError
	for _, rec := range m.registry.List() {
		if !rec.Enabled || rec.Host == nil {
			continue
		}
		if _, err := rec.Host.CallHook(event, args...); err != nil {
			m.logger.Warn("extension hook failed",
				"extension", rec.Manifest.Name, "hook", event, "error", err)
			faults = append(faults, DispatchError{Extension: rec.Manifest.Name, Err: err})
		}
	}
	return faults
}

// DispatchKey delivers a key event, stopping propagation when an
// extension's on_key returns "break". Faults are isolated as in
// Dispatch.
func (m *Manager) DispatchKey(key string) bool {
	for _, rec := range m.registry.List() {
		if !rec.Enabled || rec.Host == nil {
			continue
		}
		results, err := rec.Host.CallHook(HookKey, key)
		if err != nil {
			m.logger.Warn("extension hook failed",
				"extension", rec.Manifest.Name, "hook", HookKey, "error", err)
			continue
		}
		if len(results) > 0 {
			if s, ok := results[0].(string); ok && s == "break" {
				return true
			}
		}
	}
	return false
}

// MenuContributions returns the aggregate menu items of all enabled
// extensions in registry order. It is re-derived on every call, so
// enabling, disabling, or reloading an extension is reflected
// immediately.
func (m *Manager) MenuContributions() []MenuItem {
	var items []MenuItem
	for _, rec := range m.registry.List() {
		if !rec.Enabled || rec.Host == nil {
			continue
		}
		items = append(items, rec.Host.MenuItems()...)
	}
	return items
}

// Keybindings returns the aggregate keybindings of enabled extensions.
func (m *Manager) Keybindings() []Keybinding {
	var binds []Keybinding
	for _, rec := range m.registry.List() {
		if !rec.Enabled || rec.Host == nil {
			continue
		}
		binds = append(binds, rec.Host.Keybindings()...)
	}
	return binds
}

// Shutdown fires on_shutdown and deactivates every live extension in
// reverse registry order, then persists the enabled flags.
func (m *Manager) Shutdown(ctx context.Context) {
	records := m.registry.List()
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		if rec.Host == nil {
			continue
		}
		if _, err := rec.Host.CallHook(HookShutdown); err != nil {
			m.logger.Warn("extension shutdown hook failed",
				"extension", rec.Manifest.Name, "error", err)
		}
		m.deactivateRecord(ctx, rec)
	}
	if err := m.registry.Save(); err != nil {
		m.logger.Error("persist extension state failed", "error", err)
	}
}
