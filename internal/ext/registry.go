package ext

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// stateFileName holds the persisted enabled/disabled flags inside the
// installed directory.
const stateFileName = "extensions.json"

// Record is the registry's view of one installed extension.
type Record struct {
	Manifest *Manifest

	// Enabled tracks the user's intent, persisted across restarts.
	// The invariant is maintained by the Manager: Enabled implies a
	// live activated Host; an activation fault forces Enabled false.
	Enabled bool

	// Host is the live runtime instance, nil while disabled.
	Host *Host

	// LastErr is the most recent lifecycle failure for this record.
	LastErr error
}

// Registry is the single source of truth for installed extensions.
// Discovery is fail-soft: a malformed extension is recorded as a
// discovery error and the scan continues.
type Registry struct {
	mu sync.RWMutex

	dir         string
	settingsDir string
	stateFile   string

	records       map[string]*Record
	order         []string
	discoveryErrs map[string]error
}

// NewRegistry creates a registry rooted at the installed-extensions
// directory. The directory is created if missing.
func NewRegistry(dir string) (*Registry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create extensions dir: %w", err)
	}
	settingsDir := filepath.Join(dir, "settings")
	if err := os.MkdirAll(settingsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create settings dir: %w", err)
	}
	return &Registry{
		dir:           dir,
		settingsDir:   settingsDir,
		stateFile:     filepath.Join(dir, stateFileName),
		records:       make(map[string]*Record),
		discoveryErrs: make(map[string]error),
	}, nil
}

// Dir returns the installed-extensions directory.
func (r *Registry) Dir() string {
	return r.dir
}

// SettingsDir returns the per-extension settings directory.
func (r *Registry) SettingsDir() string {
	return r.settingsDir
}

// Discover scans the installed directory and rebuilds the record set.
// Single .lua files and directories with an extension.json both count.
// Previously persisted enabled flags are applied; unknown extensions
// default to enabled. Malformed extensions never abort the scan.
func (r *Registry) Discover() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("scan extensions dir: %w", err)
	}

	enabled := r.loadStateLocked()

	r.records = make(map[string]*Record)
	r.order = nil
	r.discoveryErrs = make(map[string]error)

	for _, entry := range entries {
		name := entry.Name()
		if name == stateFileName || name == "settings" || strings.HasPrefix(name, ".") {
			continue
		}

		var (
			manifest *Manifest
			probeErr error
		)
		switch {
		case entry.IsDir():
			manifest, probeErr = LoadManifest(filepath.Join(r.dir, name, "extension.json"))
		case filepath.Ext(name) == ".lua":
			manifest, probeErr = ProbeManifest(filepath.Join(r.dir, name))
		default:
			continue
		}

		if probeErr != nil {
			r.discoveryErrs[name] = probeErr
			continue
		}

		on, known := enabled[manifest.Name]
		if !known {
			on = true
		}
		r.records[manifest.Name] = &Record{Manifest: manifest, Enabled: on}
	}

	r.order = make([]string, 0, len(r.records))
	for name := range r.records {
		r.order = append(r.order, name)
	}
	sort.Strings(r.order)

	return nil
}

// DiscoveryErrors returns the failures from the last Discover, keyed
// by directory entry name.
func (r *Registry) DiscoveryErrors() map[string]error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	errs := make(map[string]error, len(r.discoveryErrs))
	for k, v := range r.discoveryErrs {
		errs[k] = v
	}
	return errs
}

// Get returns the record for an extension.
func (r *Registry) Get(name string) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[name]
	return rec, ok
}

// Names returns installed extension names in registry order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string{}, r.order...)
}

// List returns the records in registry order.
func (r *Registry) List() []*Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Record, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.records[name])
	}
	return out
}

// Install copies an extension from a source path (a .lua file or an
// extension directory) into the installed directory and registers it
// as enabled. Installing over an existing extension fails.
func (r *Registry) Install(srcPath string) (*Manifest, error) {
	var (
		manifest *Manifest
		err      error
	)
	info, err := os.Stat(srcPath)
	if err != nil {
		return nil, fmt.Errorf("install: %w", err)
	}
	if info.IsDir() {
		manifest, err = LoadManifest(filepath.Join(srcPath, "extension.json"))
	} else {
		manifest, err = ProbeManifest(srcPath)
	}
	if err != nil {
		return nil, fmt.Errorf("install: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records[manifest.Name]; exists {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyInstalled, manifest.Name)
	}

	var destDir string
	if info.IsDir() {
		destDir = filepath.Join(r.dir, filepath.Base(srcPath))
		if err := copyTree(srcPath, destDir); err != nil {
			return nil, fmt.Errorf("install: %w", err)
		}
	} else {
		destDir = r.dir
		data, err := os.ReadFile(srcPath)
		if err != nil {
			return nil, fmt.Errorf("install: %w", err)
		}
		if err := os.WriteFile(filepath.Join(r.dir, filepath.Base(srcPath)), data, 0o644); err != nil {
			return nil, fmt.Errorf("install: %w", err)
		}
	}

	installed := *manifest
	installed.path = destDir

	r.records[installed.Name] = &Record{Manifest: &installed, Enabled: true}
	r.order = append(r.order, installed.Name)
	sort.Strings(r.order)

	if err := r.saveStateLocked(); err != nil {
		return nil, err
	}
	return &installed, nil
}

// Uninstall removes the extension's files, settings, and record. The
// caller is responsible for deactivating the host first.
func (r *Registry) Uninstall(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrExtensionNotFound, name)
	}

	target := rec.Manifest.MainPath()
	if rec.Manifest.Path() != r.dir {
		// Directory extension: remove the whole directory.
		target = rec.Manifest.Path()
	}
	if err := os.RemoveAll(target); err != nil {
		return fmt.Errorf("uninstall %s: %w", name, err)
	}
	_ = os.Remove(filepath.Join(r.settingsDir, name+".json"))

	delete(r.records, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}

	return r.saveStateLocked()
}

// Refresh re-reads an extension's manifest from disk, picking up
// metadata edits made since discovery. The record keeps its enabled
// flag.
func (r *Registry) Refresh(name string) (*Manifest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExtensionNotFound, name)
	}

	var (
		manifest *Manifest
		err      error
	)
	if rec.Manifest.Path() != r.dir {
		manifest, err = LoadManifest(filepath.Join(rec.Manifest.Path(), "extension.json"))
	} else {
		manifest, err = ProbeManifest(rec.Manifest.MainPath())
	}
	if err != nil {
		return nil, fmt.Errorf("refresh %s: %w", name, err)
	}

	rec.Manifest = manifest
	return manifest, nil
}

// SetEnabled flips the persisted enabled flag. Host lifecycle is the
// Manager's concern; this only records intent durably.
func (r *Registry) SetEnabled(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrExtensionNotFound, name)
	}
	rec.Enabled = enabled
	return r.saveStateLocked()
}

// Save persists the current enabled flags.
func (r *Registry) Save() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saveStateLocked()
}

// loadStateLocked reads the persisted enabled flags from
// extensions.json. A missing or corrupt file yields an empty map.
func (r *Registry) loadStateLocked() map[string]bool {
	enabled := make(map[string]bool)

	data, err := os.ReadFile(r.stateFile)
	if err != nil {
		return enabled
	}
	parsed := gjson.ParseBytes(data)
	if !parsed.IsObject() {
		return enabled
	}
	parsed.ForEach(func(key, value gjson.Result) bool {
		enabled[key.String()] = value.Bool()
		return true
	})
	return enabled
}

func (r *Registry) saveStateLocked() error {
	doc := []byte("{}")
	for _, name := range r.order {
		var err error
		doc, err = sjson.SetBytes(doc, name, r.records[name].Enabled)
		if err != nil {
			return fmt.Errorf("persist state: %w", err)
		}
	}
	if err := os.WriteFile(r.stateFile, doc, 0o644); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	return nil
}

// copyTree copies a directory recursively.
func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, info.Mode().Perm())
	})
}
