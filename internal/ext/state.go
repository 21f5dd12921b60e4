package ext

// LifecycleState represents the lifecycle state of an extension host.
type LifecycleState int

// Extension lifecycle states.
const (
	// StateUnloaded - no Lua state exists for the extension.
	StateUnloaded LifecycleState = iota

	// StateLoaded - the main file ran and the entry point was verified,
	// but activate has not been called.
	StateLoaded

	// StateActive - activate completed successfully.
	StateActive

	// StateError - the last lifecycle transition failed.
	StateError
)

// String returns a human-readable state name.
func (s LifecycleState) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoaded:
		return "loaded"
	case StateActive:
		return "active"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}
