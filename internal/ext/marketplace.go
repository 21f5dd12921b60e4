package ext

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Listing is one extension available for installation.
type Listing struct {
	Manifest  *Manifest
	Path      string
	Installed bool
}

// Marketplace lists extensions from a local available-extensions
// directory. Metadata probes are cached keyed by path and mtime, so
// repeated listings only re-read files that changed.
type Marketplace struct {
	mu        sync.Mutex
	dir       string
	cache     *lru.Cache[string, *Manifest]
	cacheSize int
}

// marketplaceCacheSize bounds the metadata cache.
const marketplaceCacheSize = 256

// NewMarketplace creates a marketplace over the available directory.
func NewMarketplace(dir string) (*Marketplace, error) {
	cache, err := lru.New[string, *Manifest](marketplaceCacheSize)
	if err != nil {
		return nil, err
	}
	return &Marketplace{dir: dir, cache: cache}, nil
}

// Dir returns the available-extensions directory.
func (mp *Marketplace) Dir() string {
	return mp.dir
}

// Categories returns the category filters in display order.
func (mp *Marketplace) Categories() []string {
	return append([]string{}, Categories...)
}

// List returns every available extension sorted by name. The registry
// is consulted to mark listings already installed. Malformed entries
// are skipped.
func (mp *Marketplace) List(registry *Registry) ([]Listing, error) {
	entries, err := os.ReadDir(mp.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan marketplace: %w", err)
	}

	var listings []Listing
	for _, entry := range entries {
		name := entry.Name()

		var path string
		switch {
		case entry.IsDir():
			path = filepath.Join(mp.dir, name)
		case filepath.Ext(name) == ".lua":
			path = filepath.Join(mp.dir, name)
		default:
			continue
		}

		manifest, err := mp.probe(path, entry.IsDir())
		if err != nil {
			continue
		}

		installed := false
		if registry != nil {
			_, installed = registry.Get(manifest.Name)
		}
		listings = append(listings, Listing{Manifest: manifest, Path: path, Installed: installed})
	}

	sort.Slice(listings, func(i, j int) bool {
		return listings[i].Manifest.Name < listings[j].Manifest.Name
	})
	return listings, nil
}

// Search filters listings by free-text query and category. Category
// "All" or "" matches everything.
func (mp *Marketplace) Search(registry *Registry, query, category string) ([]Listing, error) {
	all, err := mp.List(registry)
	if err != nil {
		return nil, err
	}

	var out []Listing
	for _, l := range all {
		if category != "" && category != "All" && !strings.EqualFold(l.Manifest.Category, category) {
			continue
		}
		if !l.Manifest.Matches(query) {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

// Find returns the listing for a named extension.
func (mp *Marketplace) Find(registry *Registry, name string) (*Listing, error) {
	all, err := mp.List(registry)
	if err != nil {
		return nil, err
	}
	for i := range all {
		if all[i].Manifest.Name == name {
			return &all[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrExtensionNotFound, name)
}

// probe loads a manifest through the mtime-keyed cache.
func (mp *Marketplace) probe(path string, isDir bool) (*Manifest, error) {
	statPath := path
	if isDir {
		statPath = filepath.Join(path, "extension.json")
	}
	info, err := os.Stat(statPath)
	if err != nil {
		return nil, err
	}

	key := fmt.Sprintf("%s|%d", statPath, info.ModTime().UnixNano())

	mp.mu.Lock()
	defer mp.mu.Unlock()

	if m, ok := mp.cache.Get(key); ok {
		return m, nil
	}

	var manifest *Manifest
	if isDir {
		manifest, err = LoadManifest(statPath)
	} else {
		manifest, err = ProbeManifest(path)
	}
	if err != nil {
		return nil, err
	}
	mp.cache.Add(key, manifest)
	return manifest, nil
}
