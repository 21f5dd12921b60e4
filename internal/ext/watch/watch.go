// Package watch hot-reloads extensions when their files change on
// disk. It observes the installed-extensions directory with fsnotify,
// coalesces rapid changes per extension, and hands the extension name
// to a Reloader once the burst settles.
package watch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/scclabs/scc/internal/ext"
)

// ErrWatcherClosed is returned when the watcher has been closed.
var ErrWatcherClosed = errors.New("watcher is closed")

// DefaultDebounce is how long a burst of changes may settle before a
// reload fires. Editors typically write a file several times during
// one save.
const DefaultDebounce = 300 * time.Millisecond

// Reloader reloads one extension by name. *ext.Manager satisfies it.
type Reloader interface {
	Reload(ctx context.Context, name string) error
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce sets the settle delay before a reload fires.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.delay = d
		}
	}
}

// WithLogger sets the watcher's logger.
func WithLogger(l ext.Logger) Option {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// Watcher observes an extension registry's directory and triggers
// reloads. Changes to paths that do not belong to any installed
// extension, such as the enabled-state file or the settings
// directory, are ignored.
type Watcher struct {
	registry *ext.Registry
	reloader Reloader
	logger   ext.Logger
	delay    time.Duration

	fsw *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]*time.Timer
	closed  bool

	closeCh chan struct{}
	wg      sync.WaitGroup
}

// New creates a watcher over the registry's installed directory. Call
// Start to begin watching.
func New(registry *ext.Registry, reloader Reloader, opts ...Option) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		registry: registry,
		reloader: reloader,
		logger:   ext.NopLogger(),
		delay:    DefaultDebounce,
		fsw:      fsw,
		pending:  make(map[string]*time.Timer),
		closeCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start adds watches for the extensions directory and every packaged
// extension's subdirectory, then begins processing events.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWatcherClosed
	}

	if err := w.fsw.Add(w.registry.Dir()); err != nil {
		return err
	}
	for _, rec := range w.registry.List() {
		dir := rec.Manifest.Path()
		if dir == w.registry.Dir() {
			continue
		}
		if err := w.addTree(dir); err != nil {
			w.logger.Warn("watch extension directory failed",
				"extension", rec.Manifest.Name, "error", err)
		}
	}

	w.wg.Add(1)
	go w.loop()
	return nil
}

// addTree watches dir and its subdirectories. fsnotify reports file
// changes only for directly watched directories.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		return w.fsw.Add(p)
	})
}

// Close stops watching and cancels pending reloads.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.closeCh)
	for name, timer := range w.pending {
		timer.Stop()
		delete(w.pending, name)
	}
	w.mu.Unlock()

	err := w.fsw.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.closeCh:
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(event)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("extension watch error", "error", err)
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
		return
	}

	// New subdirectory of a packaged extension: watch it too.
	if event.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			_ = w.fsw.Add(event.Name)
		}
	}

	name, ok := w.resolve(event.Name)
	if !ok {
		return
	}
	w.schedule(name)
}

// resolve maps a changed path to the installed extension owning it.
func (w *Watcher) resolve(path string) (string, bool) {
	for _, rec := range w.registry.List() {
		m := rec.Manifest
		if m.Path() == w.registry.Dir() {
			// Single-file extension: only its script counts.
			if path == m.MainPath() {
				return m.Name, true
			}
			continue
		}
		if path == m.Path() || strings.HasPrefix(path, m.Path()+string(filepath.Separator)) {
			return m.Name, true
		}
	}
	return "", false
}

// schedule arms, or re-arms, the debounce timer for one extension.
func (w *Watcher) schedule(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}

	if timer, ok := w.pending[name]; ok {
		timer.Reset(w.delay)
		return
	}
	w.pending[name] = time.AfterFunc(w.delay, func() {
		w.fire(name)
	})
}

func (w *Watcher) fire(name string) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	delete(w.pending, name)
	w.mu.Unlock()

	w.logger.Info("extension changed on disk, reloading", "extension", name)
	if err := w.reloader.Reload(context.Background(), name); err != nil {
		w.logger.Error("extension hot reload failed", "extension", name, "error", err)
	}
}
