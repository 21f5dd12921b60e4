package luart

import (
	"os"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// Capability is a permission an extension can be granted.
type Capability string

// Available capabilities.
const (
	CapFileRead  Capability = "filesystem.read"
	CapFileWrite Capability = "filesystem.write"
	CapShell     Capability = "shell"
	CapUnsafe    Capability = "unsafe" // full Lua stdlib
)

// Sandbox restricts what a Lua state may touch. Extensions get the
// safe libraries by default; io and os surface only behind grants.
type Sandbox struct {
	L *lua.LState

	capabilities map[Capability]bool
}

// NewSandbox creates a sandbox for the given state.
func NewSandbox(L *lua.LState) *Sandbox {
	return &Sandbox{
		L:            L,
		capabilities: make(map[Capability]bool),
	}
}

// Install applies the baseline restrictions: chunk loaders are removed
// and require is replaced with a whitelist version.
func (s *Sandbox) Install() {
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring"} {
		s.L.SetGlobal(name, lua.LNil)
	}
	s.installSafeRequire()
}

// installSafeRequire replaces require so that only built-in safe
// modules, editor-provided scc.* modules, and capability-gated modules
// resolve. package.path is cleared so nothing loads from disk.
func (s *Sandbox) installSafeRequire() {
	if pkg, ok := s.L.GetGlobal("package").(*lua.LTable); ok {
		s.L.SetField(pkg, "path", lua.LString(""))
		s.L.SetField(pkg, "cpath", lua.LString(""))
	}

	safe := map[string]bool{
		"string": true,
		"table":  true,
		"math":   true,
	}

	original := s.L.GetGlobal("require")
	passthrough := func(L *lua.LState, name string) int {
		L.Push(original)
		L.Push(lua.LString(name))
		L.Call(1, 1)
		return 1
	}

	s.L.SetGlobal("require", s.L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)

		if safe[name] || name == "scc" || strings.HasPrefix(name, "scc.") {
			return passthrough(L, name)
		}

		// Gated modules resolve to the injected globals. The original
		// require cannot load them: with SkipOpenLibs they are never in
		// package.loaded and package.path is empty.
		switch name {
		case "io":
			if !s.capabilities[CapFileRead] && !s.capabilities[CapFileWrite] && !s.capabilities[CapUnsafe] {
				L.RaiseError("module 'io' requires a filesystem capability")
			}
			L.Push(L.GetGlobal("io"))
			return 1
		case "os":
			if !s.capabilities[CapShell] && !s.capabilities[CapUnsafe] {
				L.RaiseError("module 'os' requires the shell capability")
			}
			L.Push(L.GetGlobal("os"))
			return 1
		case "debug":
			if !s.capabilities[CapUnsafe] {
				L.RaiseError("module 'debug' requires the unsafe capability")
			}
			L.Push(L.GetGlobal("debug"))
			return 1
		}

		// Unknown modules never load from disk; only preloaded modules
		// resolve.
		L.RaiseError("module %q is not available", name)
		return 0 // unreachable, RaiseError does not return
	}))
}

// Grant enables a capability and injects the API it covers.
func (s *Sandbox) Grant(cap Capability) {
	s.capabilities[cap] = true

	switch cap {
	case CapFileRead:
		s.injectFileAPI(false)
	case CapFileWrite:
		s.injectFileAPI(true)
	case CapShell:
		s.injectShellAPI()
	case CapUnsafe:
		lua.OpenIo(s.L)
		lua.OpenOs(s.L)
		lua.OpenDebug(s.L)
	}
}

// Has reports whether a capability is granted.
func (s *Sandbox) Has(cap Capability) bool {
	return s.capabilities[cap]
}

// Check returns a CapabilityError when the capability is not granted.
func (s *Sandbox) Check(cap Capability) error {
	if !s.capabilities[cap] {
		return &CapabilityError{Capability: cap}
	}
	return nil
}

// Capabilities returns the granted set in no particular order.
func (s *Sandbox) Capabilities() []Capability {
	caps := make([]Capability, 0, len(s.capabilities))
	for c, on := range s.capabilities {
		if on {
			caps = append(caps, c)
		}
	}
	return caps
}

// injectFileAPI installs a limited io module. With writable false only
// read modes are accepted by io.open.
func (s *Sandbox) injectFileAPI(writable bool) {
	ioMod, _ := s.L.GetGlobal("io").(*lua.LTable)
	if ioMod == nil {
		ioMod = s.L.NewTable()
	}

	s.L.SetField(ioMod, "open", s.L.NewFunction(func(L *lua.LState) int {
		filename := L.CheckString(1)
		mode := L.OptString(2, "r")

		var flag int
		switch mode {
		case "r", "rb":
			flag = os.O_RDONLY
		case "w", "wb":
			flag = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
		case "a", "ab":
			flag = os.O_WRONLY | os.O_CREATE | os.O_APPEND
		default:
			L.ArgError(2, "unsupported mode")
			return 0
		}
		if !writable && flag != os.O_RDONLY {
			L.ArgError(2, "only read modes are allowed")
			return 0
		}

		file, err := os.OpenFile(filename, flag, 0o644)
		if err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}

		ud := L.NewUserData()
		ud.Value = file
		L.SetMetatable(ud, s.fileMetatable(writable))
		L.Push(ud)
		return 1
	}))

	s.L.SetField(ioMod, "lines", s.L.NewFunction(func(L *lua.LState) int {
		filename := L.CheckString(1)
		content, err := os.ReadFile(filename)
		if err != nil {
			L.RaiseError("cannot open file: %s", err.Error())
			return 0
		}
		lines := strings.Split(strings.TrimSuffix(string(content), "\n"), "\n")
		idx := 0
		L.Push(L.NewFunction(func(L *lua.LState) int {
			if idx >= len(lines) {
				return 0
			}
			L.Push(lua.LString(strings.TrimSuffix(lines[idx], "\r")))
			idx++
			return 1
		}))
		return 1
	}))

	s.L.SetGlobal("io", ioMod)
}

// fileMetatable builds the method table for file handles returned by
// io.open.
func (s *Sandbox) fileMetatable(writable bool) *lua.LTable {
	mt := s.L.NewTable()
	index := s.L.NewTable()

	checkFile := func(L *lua.LState) *os.File {
		ud := L.CheckUserData(1)
		file, ok := ud.Value.(*os.File)
		if !ok {
			L.ArgError(1, "expected file")
		}
		return file
	}

	s.L.SetField(index, "read", s.L.NewFunction(func(L *lua.LState) int {
		file := checkFile(L)
		format := L.OptString(2, "*a")
		if format != "*a" && format != "*all" {
			L.ArgError(2, "only '*a' is supported")
			return 0
		}
		content, err := os.ReadFile(file.Name())
		if err != nil {
			L.Push(lua.LNil)
			return 1
		}
		L.Push(lua.LString(content))
		return 1
	}))

	s.L.SetField(index, "close", s.L.NewFunction(func(L *lua.LState) int {
		file := checkFile(L)
		if err := file.Close(); err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		L.Push(lua.LTrue)
		return 1
	}))

	if writable {
		s.L.SetField(index, "write", s.L.NewFunction(func(L *lua.LState) int {
			file := checkFile(L)
			for i := 2; i <= L.GetTop(); i++ {
				if _, err := file.WriteString(L.CheckString(i)); err != nil {
					L.Push(lua.LNil)
					L.Push(lua.LString(err.Error()))
					return 2
				}
			}
			L.Push(L.Get(1))
			return 1
		}))
	}

	s.L.SetField(mt, "__index", index)
	return mt
}

// injectShellAPI installs a limited os module. Command execution stays
// unavailable; extensions go through the editor for that.
func (s *Sandbox) injectShellAPI() {
	osMod := s.L.NewTable()

	s.L.SetField(osMod, "getenv", s.L.NewFunction(func(L *lua.LState) int {
		value := os.Getenv(L.CheckString(1))
		if value == "" {
			L.Push(lua.LNil)
		} else {
			L.Push(lua.LString(value))
		}
		return 1
	}))

	s.L.SetField(osMod, "time", s.L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LNumber(time.Now().Unix()))
		return 1
	}))

	s.L.SetField(osMod, "execute", s.L.NewFunction(func(L *lua.LState) int {
		L.RaiseError("os.execute is not available to extensions")
		return 0
	}))

	s.L.SetGlobal("os", osMod)
}
