package luart

import (
	"context"
	"fmt"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// State wraps a gopher-lua LState for one extension instance.
//
// gopher-lua states are not goroutine-safe, so every entry point takes
// the mutex. Lua execution itself stays single-threaded; the lock only
// guards against concurrent Go-side callers such as the dispatcher and
// a reload racing each other.
type State struct {
	L *lua.LState

	mu      sync.Mutex
	sandbox *Sandbox
	closed  bool
}

// StateOption configures a State.
type StateOption func(*State)

// WithCapabilities grants capabilities before any script runs.
func WithCapabilities(caps ...Capability) StateOption {
	return func(s *State) {
		for _, c := range caps {
			s.sandbox.Grant(c)
		}
	}
}

// NewState creates a fresh sandboxed Lua state. Only the safe standard
// libraries are opened; io, os, debug and package loading from disk are
// withheld unless a capability grants them.
func NewState(opts ...StateOption) *State {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})

	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	s := &State{L: L}
	s.sandbox = NewSandbox(L)
	s.sandbox.Install()

	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DoFile executes a Lua file. The call blocks until the script
// completes or errors.
func (s *State) DoFile(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStateClosed
	}
	return recovered(func() error {
		return s.L.DoFile(path)
	})
}

// DoString executes a Lua chunk.
func (s *State) DoString(code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStateClosed
	}
	return recovered(func() error {
		return s.L.DoString(code)
	})
}

// recovered runs fn, converting a panic raised inside gopher-lua into
// an ordinary error.
func recovered(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
	}()
	return fn()
}

// HasFunction reports whether a global with the given name exists and
// is callable. Used to probe an extension's hook set after load.
func (s *State) HasFunction(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	return s.L.GetGlobal(name).Type() == lua.LTFunction
}

// Call invokes a global Lua function. It returns the function's values
// in order, or an empty slice when it returned nothing. A Lua error or
// panic inside the function is returned as an error, never propagated
// as a panic.
func (s *State) Call(name string, args ...lua.LValue) ([]lua.LValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callLocked(name, args)
}

// CallTimeout is Call with a wall-clock bound. When the budget runs out
// the interpreter is interrupted at its next instruction boundary and
// the call returns a context error.
func (s *State) CallTimeout(timeout time.Duration, name string, args ...lua.LValue) ([]lua.LValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStateClosed
	}
	if timeout <= 0 {
		return s.callLocked(name, args)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.L.SetContext(ctx)
	defer s.L.RemoveContext()

	return s.callLocked(name, args)
}

func (s *State) callLocked(name string, args []lua.LValue) ([]lua.LValue, error) {
	if s.closed {
		return nil, ErrStateClosed
	}

	fn := s.L.GetGlobal(name)
	if fn == lua.LNil {
		return nil, fmt.Errorf("function %q not found", name)
	}
	if fn.Type() != lua.LTFunction {
		return nil, fmt.Errorf("%w: %q is a %s", ErrNotFunction, name, fn.Type())
	}

	top := s.L.GetTop()
	s.L.Push(fn)
	for _, arg := range args {
		s.L.Push(arg)
	}

	err := recovered(func() error {
		return s.L.PCall(len(args), lua.MultRet, nil)
	})
	if err != nil {
		return nil, err
	}

	n := s.L.GetTop() - top
	if n <= 0 {
		return []lua.LValue{}, nil
	}
	results := make([]lua.LValue, n)
	for i := 0; i < n; i++ {
		results[i] = s.L.Get(top + i + 1)
	}
	s.L.Pop(n)
	return results, nil
}

// GetGlobal returns a global value, LNil when the state is closed.
func (s *State) GetGlobal(name string) lua.LValue {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return lua.LNil
	}
	return s.L.GetGlobal(name)
}

// SetGlobal sets a global value.
func (s *State) SetGlobal(name string, value lua.LValue) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.L.SetGlobal(name, value)
}

// RegisterModule installs a table of Go functions as a global module.
func (s *State) RegisterModule(name string, funcs map[string]lua.LGFunction) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	mod := s.L.SetFuncs(s.L.NewTable(), funcs)
	s.L.SetGlobal(name, mod)
}

// Sandbox returns the capability sandbox for this state.
func (s *State) Sandbox() *Sandbox {
	return s.sandbox
}

// IsClosed reports whether Close has been called.
func (s *State) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close releases the Lua state. Further calls on the State return
// ErrStateClosed; Close itself is idempotent.
func (s *State) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.L.Close()
	s.closed = true
}
