package luart

import "errors"

// Errors for runtime state operations.
var (
	// ErrStateClosed is returned when operating on a closed state.
	ErrStateClosed = errors.New("lua state is closed")

	// ErrNotFunction is returned when a named global is not callable.
	ErrNotFunction = errors.New("global is not a function")
)

// CapabilityError is returned when a script uses a facility its
// capability grants do not cover.
type CapabilityError struct {
	Capability Capability
}

func (e *CapabilityError) Error() string {
	return "capability not granted: " + string(e.Capability)
}
