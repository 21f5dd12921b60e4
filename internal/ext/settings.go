package ext

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// SettingsStore persists per-extension settings as JSON files under
// the registry's settings directory, one file per extension.
//
// Values come from the extension's default_settings hook, overlaid
// with whatever was persisted. Writes are flushed immediately.
type SettingsStore struct {
	mu  sync.Mutex
	dir string

	// loaded settings per extension
	cache map[string]map[string]any
}

// NewSettingsStore creates a store rooted at dir.
func NewSettingsStore(dir string) *SettingsStore {
	return &SettingsStore{
		dir:   dir,
		cache: make(map[string]map[string]any),
	}
}

func (s *SettingsStore) path(name string) string {
	return filepath.Join(s.dir, name+".json")
}

// Seed installs defaults for an extension without overwriting values
// already persisted. Called at activation with the result of the
// extension's default_settings hook.
func (s *SettingsStore) Seed(name string, defaults map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.loadLocked(name)
	changed := false
	for k, v := range defaults {
		if _, exists := current[k]; !exists {
			current[k] = v
			changed = true
		}
	}
	s.cache[name] = current
	if !changed {
		return nil
	}
	return s.flushLocked(name)
}

// Get returns one setting value, nil when unset.
func (s *SettingsStore) Get(name, key string) any {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.cache[name]; !ok {
		s.cache[name] = s.loadLocked(name)
	}
	return s.cache[name][key]
}

// Set stores one setting value and persists the file.
func (s *SettingsStore) Set(name, key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.cache[name]; !ok {
		s.cache[name] = s.loadLocked(name)
	}
	s.cache[name][key] = value
	return s.flushLocked(name)
}

// All returns a copy of every setting for an extension.
func (s *SettingsStore) All(name string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.cache[name]; !ok {
		s.cache[name] = s.loadLocked(name)
	}
	out := make(map[string]any, len(s.cache[name]))
	for k, v := range s.cache[name] {
		out[k] = v
	}
	return out
}

// Remove deletes an extension's settings file and cache entry.
func (s *SettingsStore) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.cache, name)
	_ = os.Remove(s.path(name))
}

func (s *SettingsStore) loadLocked(name string) map[string]any {
	settings := make(map[string]any)
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		return settings
	}
	// Corrupt files are treated as empty rather than fatal.
	_ = json.Unmarshal(data, &settings)
	return settings
}

func (s *SettingsStore) flushLocked(name string) error {
	data, err := json.MarshalIndent(s.cache[name], "", "  ")
	if err != nil {
		return fmt.Errorf("encode settings for %s: %w", name, err)
	}
	if err := os.WriteFile(s.path(name), data, 0o644); err != nil {
		return fmt.Errorf("write settings for %s: %w", name, err)
	}
	return nil
}
