package ext

import (
	"errors"
	"fmt"
)

// Extension system errors.
var (
	// ErrExtensionNotFound is returned when an extension cannot be located.
	ErrExtensionNotFound = errors.New("extension not found")

	// ErrAlreadyLoaded is returned when loading an already loaded extension.
	ErrAlreadyLoaded = errors.New("extension is already loaded")

	// ErrNotLoaded is returned when using an unloaded extension.
	ErrNotLoaded = errors.New("extension is not loaded")

	// ErrAlreadyInstalled is returned when installing over an existing
	// extension.
	ErrAlreadyInstalled = errors.New("extension is already installed")

	// ErrEntryPointMissing is returned when a script defines no
	// activate entry point.
	ErrEntryPointMissing = errors.New("extension has no activate entry point")

	// ErrEntryPointAmbiguous is returned when a script defines both a
	// global activate function and an extension table.
	ErrEntryPointAmbiguous = errors.New("extension defines competing entry points")

	// ErrNilManifest is returned when a nil manifest is provided.
	ErrNilManifest = errors.New("manifest is nil")
)

// LoadError wraps a failure to execute an extension's main file. It is
// distinct from the entry point errors: the script itself failed to
// run.
type LoadError struct {
	Name string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("extension %q failed to load: %v", e.Name, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}
