package ext

import (
	lua "github.com/yuin/gopher-lua"
)

// Logger is the logging surface the extension system needs. The
// application logger satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// NopLogger returns a logger that discards everything.
func NopLogger() Logger { return nopLogger{} }

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Notifier surfaces extension-originated messages to the user.
type Notifier func(extension, message string)

// installEditorAPI registers the scc module into a host's fresh state.
// The module is the editor handle passed to activate and the only way
// a script can reach outside its sandbox.
func installEditorAPI(h *Host, settings *SettingsStore, logger Logger, notify Notifier) error {
	name := h.Name()
	bridge := h.Bridge()

	h.RegisterModule("scc", map[string]lua.LGFunction{
		"log": func(L *lua.LState) int {
			logger.Info("extension log", "extension", name, "message", L.CheckString(1))
			return 0
		},
		"notify": func(L *lua.LState) int {
			msg := L.CheckString(1)
			if notify != nil {
				notify(name, msg)
			}
			return 0
		},
		"add_menu_item": func(L *lua.LState) int {
			id := L.CheckString(1)
			label := L.CheckString(2)
			h.AddMenuItem(id, label)
			return 0
		},
		"bind_key": func(L *lua.LState) int {
			keys := L.CheckString(1)
			function := L.CheckString(2)
			h.BindKey(keys, function)
			return 0
		},
		"get_setting": func(L *lua.LState) int {
			key := L.CheckString(1)
			L.Push(bridge.ToLua(settings.Get(name, key)))
			return 1
		},
		"set_setting": func(L *lua.LState) int {
			key := L.CheckString(1)
			value := bridge.ToGo(L.Get(2))
			if err := settings.Set(name, key, value); err != nil {
				L.RaiseError("set_setting: %s", err.Error())
			}
			return 0
		},
	})
	return nil
}
