package ext

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/scclabs/scc/internal/ext/luart"
)

// Categories an extension may declare, in display order. "All" is the
// marketplace's synthetic filter, not a real category.
var Categories = []string{"All", "Appearance", "Editing", "Tools", "Languages", "Other"}

// Manifest describes an extension's metadata.
//
// Directory extensions carry an extension.json; single-file extensions
// declare metadata in leading "-- @key: value" comment lines, probed
// without executing the script.
type Manifest struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description"`
	Author      string   `json:"author"`
	Icon        string   `json:"icon"`
	Category    string   `json:"category"`
	Tags        []string `json:"tags"`

	// Main is the entry file relative to the extension directory.
	Main string `json:"main"`

	// Capabilities requested from the sandbox.
	Capabilities []luart.Capability `json:"capabilities"`

	// path is the directory holding the extension.
	path string
}

// Manifest validation errors.
var (
	ErrMissingName       = errors.New("manifest: name is required")
	ErrInvalidName       = errors.New("manifest: name must be alphanumeric with hyphens or underscores")
	ErrInvalidVersion    = errors.New("manifest: version must be valid semver")
	ErrInvalidMain       = errors.New("manifest: main must be a .lua file")
	ErrInvalidCategory   = errors.New("manifest: unknown category")
	ErrInvalidCapability = errors.New("manifest: invalid capability")
)

var (
	namePattern   = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)
	semverPattern = regexp.MustCompile(`^\d+\.\d+\.\d+(-[a-zA-Z0-9.-]+)?$`)

	// metaPattern matches one "-- @key: value" metadata line.
	metaPattern = regexp.MustCompile(`^--\s*@(\w+):\s*(.+?)\s*$`)
)

var validCapabilities = map[luart.Capability]bool{
	luart.CapFileRead:  true,
	luart.CapFileWrite: true,
	luart.CapShell:     true,
	luart.CapUnsafe:    true,
}

// LoadManifest reads and validates an extension.json.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	m.path = filepath.Dir(path)
	m.applyDefaults()

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// ProbeManifest builds a manifest for a single-file extension from the
// "-- @key: value" comment header, without executing any Lua. The probe
// stops at the first line that is neither blank nor a comment.
func ProbeManifest(luaPath string) (*Manifest, error) {
	f, err := os.Open(luaPath)
	if err != nil {
		return nil, fmt.Errorf("probe metadata: %w", err)
	}
	defer f.Close()

	base := filepath.Base(luaPath)
	m := &Manifest{
		Name: strings.TrimSuffix(base, filepath.Ext(base)),
		Main: base,
		path: filepath.Dir(luaPath),
	}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "--") {
			break
		}
		match := metaPattern.FindStringSubmatch(line)
		if match == nil {
			continue
		}
		key, value := match[1], match[2]
		switch key {
		case "name":
			m.Name = normalizeName(value)
		case "version":
			m.Version = value
		case "description":
			m.Description = value
		case "author":
			m.Author = value
		case "icon":
			m.Icon = value
		case "category":
			m.Category = value
		case "tags":
			for _, tag := range strings.Split(value, ",") {
				if tag = strings.TrimSpace(tag); tag != "" {
					m.Tags = append(m.Tags, tag)
				}
			}
		case "capabilities":
			for _, c := range strings.Split(value, ",") {
				if c = strings.TrimSpace(c); c != "" {
					m.Capabilities = append(m.Capabilities, luart.Capability(c))
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("probe metadata: %w", err)
	}

	m.applyDefaults()
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// normalizeName turns a display name into an identifier.
func normalizeName(display string) string {
	name := strings.ToLower(strings.TrimSpace(display))
	name = strings.ReplaceAll(name, " ", "-")
	return name
}

func (m *Manifest) applyDefaults() {
	if m.Main == "" {
		m.Main = "init.lua"
	}
	if m.Version == "" {
		m.Version = "0.0.0"
	}
	if m.Category == "" {
		m.Category = "Other"
	}
}

// Validate checks the manifest fields.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return ErrMissingName
	}
	if !namePattern.MatchString(m.Name) {
		return fmt.Errorf("%w: %s", ErrInvalidName, m.Name)
	}
	if !semverPattern.MatchString(m.Version) {
		return fmt.Errorf("%w: %s", ErrInvalidVersion, m.Version)
	}
	if filepath.Ext(m.Main) != ".lua" {
		return fmt.Errorf("%w: %s", ErrInvalidMain, m.Main)
	}
	if m.Category != "" && !validCategory(m.Category) {
		return fmt.Errorf("%w: %s", ErrInvalidCategory, m.Category)
	}
	for _, c := range m.Capabilities {
		if !validCapabilities[c] {
			return fmt.Errorf("%w: %s", ErrInvalidCapability, c)
		}
	}
	return nil
}

func validCategory(category string) bool {
	for _, c := range Categories {
		if c == category && c != "All" {
			return true
		}
	}
	return false
}

// Path returns the extension's directory.
func (m *Manifest) Path() string {
	return m.path
}

// MainPath returns the absolute path to the entry file.
func (m *Manifest) MainPath() string {
	return filepath.Join(m.path, m.Main)
}

// Matches reports whether the manifest matches a free-text search
// query over its name, description, and tags.
func (m *Manifest) Matches(query string) bool {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return true
	}
	if strings.Contains(strings.ToLower(m.Name), q) ||
		strings.Contains(strings.ToLower(m.Description), q) {
		return true
	}
	for _, tag := range m.Tags {
		if strings.Contains(strings.ToLower(tag), q) {
			return true
		}
	}
	return false
}

// String returns "name vX.Y.Z".
func (m *Manifest) String() string {
	return fmt.Sprintf("%s v%s", m.Name, m.Version)
}
