// Package app wires the editor core together: the build pipeline, the
// extension system, and the event loop that serializes their
// completions.
package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/scclabs/scc/internal/build"
	"github.com/scclabs/scc/internal/build/process"
	"github.com/scclabs/scc/internal/config"
	"github.com/scclabs/scc/internal/ext"
	"github.com/scclabs/scc/internal/ext/watch"
)

// OutputFunc receives live build or program output.
type OutputFunc func(stream process.Stream, text string)

// BuildDoneFunc receives the terminal result of a build request.
type BuildDoneFunc func(result *build.Result, err error)

// NotifyFunc receives extension-originated user messages.
type NotifyFunc func(extension, message string)

// Option configures an Application.
type Option func(*Application)

// WithLogger replaces the logger built from the configuration.
func WithLogger(l *Logger) Option {
	return func(a *Application) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithOutput sets the sink for live process output.
func WithOutput(fn OutputFunc) Option {
	return func(a *Application) {
		a.onOutput = fn
	}
}

// WithNotify sets the sink for extension notifications.
func WithNotify(fn NotifyFunc) Option {
	return func(a *Application) {
		a.onNotify = fn
	}
}

// Application owns the long-lived components and the event loop.
//
// Build requests run on worker goroutines; their completions, and the
// extension hook dispatches around them, are posted to the loop so
// extension state is only touched from one goroutine.
type Application struct {
	cfg    config.Config
	logger *Logger
	loop   *Loop

	runner      *process.Runner
	pipeline    *build.Pipeline
	manager     *ext.Manager
	marketplace *ext.Marketplace
	watcher     *watch.Watcher

	onOutput OutputFunc
	onNotify NotifyFunc

	logClose io.Closer

	mu       sync.Mutex
	started  bool
	shutdown bool
}

// New builds an application from the configuration. Call Run to start
// the loop and Shutdown to release everything.
func New(cfg config.Config, opts ...Option) (*Application, error) {
	a := &Application{
		cfg:  cfg,
		loop: NewLoop(0),
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.logger == nil {
		logCfg := DefaultLoggerConfig()
		logCfg.Level = ParseLogLevel(cfg.Logging.Level)
		if cfg.Logging.File != "" {
			f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return nil, fmt.Errorf("open log file: %w", err)
			}
			logCfg.Output = f
			a.logClose = f
		}
		a.logger = NewLogger(logCfg)
	}

	a.runner = process.NewRunner()
	a.pipeline = build.NewPipeline(a.runner, build.Config{
		Compiler:      cfg.Build.Compiler,
		CompilerFlags: cfg.Build.CompilerFlags,
		RunTimeout:    cfg.Build.RunTimeout(),
	}, build.WithListener(pipelineListener{a}))

	registry, err := ext.NewRegistry(cfg.Extensions.Dir)
	if err != nil {
		return nil, fmt.Errorf("extension registry: %w", err)
	}
	a.manager = ext.NewManager(registry,
		ext.WithLogger(a.logger.WithComponent("ext")),
		ext.WithHookTimeout(cfg.Extensions.HookTimeout()),
		ext.WithNotifier(func(extension, message string) {
			if a.onNotify != nil {
				a.onNotify(extension, message)
			}
		}),
	)

	a.marketplace, err = ext.NewMarketplace(cfg.Extensions.MarketplaceDir)
	if err != nil {
		return nil, fmt.Errorf("marketplace: %w", err)
	}

	return a, nil
}

// Start loads extensions and, when configured, begins watching their
// files for hot reload. The loop is started on its own goroutine.
func (a *Application) Start(ctx context.Context) error {
	a.mu.Lock()
	a.started = true
	a.mu.Unlock()
	go a.loop.Run(ctx)

	if err := a.manager.DiscoverAndLoad(ctx); err != nil {
		return fmt.Errorf("load extensions: %w", err)
	}

	if a.cfg.Extensions.AutoReload {
		// Reloads must not touch registry records from the watcher's
		// timer goroutine while the loop is dispatching; loopReloader
		// funnels them through the loop.
		w, err := watch.New(a.manager.Registry(), loopReloader{a},
			watch.WithLogger(a.logger.WithComponent("watch")))
		if err != nil {
			return fmt.Errorf("extension watcher: %w", err)
		}
		if err := w.Start(); err != nil {
			return fmt.Errorf("extension watcher: %w", err)
		}
		a.watcher = w
	}

	a.logger.Info("application started",
		"extensions", len(a.manager.Registry().Names()))
	return nil
}

// Extensions returns the extension manager.
func (a *Application) Extensions() *ext.Manager {
	return a.manager
}

// Marketplace returns the available-extensions catalog.
func (a *Application) Marketplace() *ext.Marketplace {
	return a.marketplace
}

// Pipeline returns the build pipeline.
func (a *Application) Pipeline() *build.Pipeline {
	return a.pipeline
}

// Logger returns the application logger.
func (a *Application) Logger() *Logger {
	return a.logger
}

// Post queues fn on the event loop.
func (a *Application) Post(fn func()) bool {
	return a.loop.Post(fn)
}

// OpenFile tells extensions a file was opened.
func (a *Application) OpenFile(path string) {
	a.loop.Post(func() {
		a.manager.Dispatch(ext.HookFileOpen, path)
	})
}

// SaveFile tells extensions a file was saved.
func (a *Application) SaveFile(path string) {
	a.loop.Post(func() {
		a.manager.Dispatch(ext.HookFileSave, path)
	})
}

// HandleKey offers a key press to extensions first. It reports whether
// an extension consumed the key. Unlike the build and file events this
// runs synchronously, since the caller needs the answer.
func (a *Application) HandleKey(key string) bool {
	return a.manager.DispatchKey(key)
}

// Compile compiles sourcePath on a worker goroutine. Extension build
// hooks fire on the loop around the operation; done, when not nil, is
// posted to the loop with the terminal result.
func (a *Application) Compile(ctx context.Context, sourcePath string, done BuildDoneFunc) {
	a.runBuild(sourcePath, done, func() (*build.Result, error) {
		return a.pipeline.Compile(ctx, sourcePath)
	})
}

// Run executes a previously compiled program on a worker goroutine.
func (a *Application) Run(ctx context.Context, exePath string, done BuildDoneFunc) {
	a.runBuild(exePath, done, func() (*build.Result, error) {
		return a.pipeline.Run(ctx, exePath)
	})
}

// CompileAndRun chains compile and run on a worker goroutine.
func (a *Application) CompileAndRun(ctx context.Context, sourcePath string, done BuildDoneFunc) {
	a.runBuild(sourcePath, done, func() (*build.Result, error) {
		return a.pipeline.CompileAndRun(ctx, sourcePath)
	})
}

// StopBuild kills whichever build step is active.
func (a *Application) StopBuild() {
	a.pipeline.Stop()
}

func (a *Application) runBuild(path string, done BuildDoneFunc, op func() (*build.Result, error)) {
	a.loop.Post(func() {
		a.manager.Dispatch(ext.HookBuildStart, path)
	})

	go func() {
		result, err := op()

		success := err == nil && result != nil && result.Success
		a.loop.Post(func() {
			a.manager.Dispatch(ext.HookBuildEnd, path, success)
			if done != nil {
				done(result, err)
			}
		})
	}()
}

// Shutdown releases every component. It is idempotent.
func (a *Application) Shutdown(ctx context.Context) {
	a.mu.Lock()
	if a.shutdown {
		a.mu.Unlock()
		return
	}
	a.shutdown = true
	started := a.started
	a.mu.Unlock()

	if a.watcher != nil {
		_ = a.watcher.Close()
	}

	// Stop the loop and wait for its goroutine before touching
	// extension state, so shutdown cannot interleave with a dispatch or
	// reload still running there.
	a.loop.Stop()
	if started {
		<-a.loop.Done()
	}
	a.manager.Shutdown(ctx)
	a.pipeline.Stop()
	a.runner.Shutdown()

	a.logger.Info("application stopped")
	if a.logClose != nil {
		_ = a.logClose.Close()
	}
}

// loopReloader runs watcher-triggered extension reloads on the event
// loop. Registry records are read by dispatch on the loop goroutine
// without locks, so reloads must mutate them from the same goroutine.
type loopReloader struct {
	a *Application
}

func (r loopReloader) Reload(ctx context.Context, name string) error {
	errCh := make(chan error, 1)
	if !r.a.loop.Post(func() {
		errCh <- r.a.manager.Reload(ctx, name)
	}) {
		// Loop stopped: shutting down, nothing to reload.
		return nil
	}
	select {
	case err := <-errCh:
		return err
	case <-r.a.loop.Done():
		// Loop drained without running the reload; shutting down.
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pipelineListener forwards pipeline callbacks to the application.
// Callbacks arrive on worker goroutines.
type pipelineListener struct {
	a *Application
}

func (l pipelineListener) OnOutput(chunk process.Chunk) {
	if l.a.onOutput != nil {
		l.a.onOutput(chunk.Stream, string(chunk.Data))
	}
}

func (l pipelineListener) OnStateChange(state build.PipelineState) {
	l.a.logger.Debug("build state changed", "state", state)
}
