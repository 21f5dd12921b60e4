// Package ext implements the extension system: discovery and
// installation of Lua extensions, per-extension hosting in isolated
// runtimes, lifecycle management with hot reload, and event dispatch
// with fault isolation.
//
// The Registry is the single source of truth for which extensions are
// installed and enabled. Each enabled extension runs inside its own
// Host, which owns one sandboxed Lua state; unloading closes the state
// so a reload always starts from fresh module state. The Manager sits
// on top and fans events out to enabled extensions, keeping one
// faulting extension from affecting the others.
package ext
