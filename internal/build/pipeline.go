package build

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/scclabs/scc/internal/build/process"
)

// PipelineState tracks where the pipeline is in the compile/run flow.
type PipelineState string

const (
	// StateIdle means no build activity.
	StateIdle PipelineState = "idle"
	// StateCompiling means the compiler is running.
	StateCompiling PipelineState = "compiling"
	// StateCompileFailed means the last compile produced errors.
	StateCompileFailed PipelineState = "compile-failed"
	// StateCompileSucceeded means the last compile produced an executable.
	StateCompileSucceeded PipelineState = "compile-succeeded"
	// StateRunning means the compiled program is executing.
	StateRunning PipelineState = "running"
	// StateRunSucceeded means the program exited with code 0.
	StateRunSucceeded PipelineState = "run-succeeded"
	// StateRunFailed means the program exited with a nonzero code.
	StateRunFailed PipelineState = "run-failed"
	// StateRunKilled means the program was stopped by request or timeout.
	StateRunKilled PipelineState = "run-killed"
)

// Sentinel errors.
var (
	// ErrToolchainUnavailable means the compiler binary could not be
	// launched at all. It is distinct from a compile failure.
	ErrToolchainUnavailable = errors.New("toolchain unavailable")

	// ErrNoSource is returned when the source path is empty.
	ErrNoSource = errors.New("no source file")
)

// Result is the outcome of one compile or run attempt. It is immutable
// once produced.
type Result struct {
	// Success is true when the step completed with exit code 0.
	Success bool

	// State is the terminal pipeline state of the step.
	State PipelineState

	// Diagnostics are the structured messages parsed from compiler
	// stderr, in output order. Empty on success or for run results.
	Diagnostics []Diagnostic

	// RawStderr preserves the full stderr text, including lines the
	// diagnostic parser did not recognize.
	RawStderr string

	// ExePath is the produced executable, present only after a
	// successful compile.
	ExePath string

	// ExitCode is the process exit code, -1 if never launched.
	ExitCode int

	// Stopped is true when the step ended because Stop was called.
	Stopped bool

	// TimedOut is true when the run step was killed by the run timeout.
	TimedOut bool
}

// Listener receives pipeline progress callbacks. Callbacks are invoked
// from worker goroutines; implementations must hand results off to their
// own thread of control.
type Listener interface {
	// OnOutput is called for each chunk of live process output.
	OnOutput(chunk process.Chunk)

	// OnStateChange is called whenever the pipeline changes state.
	OnStateChange(state PipelineState)
}

// nopListener is used when no listener is configured.
type nopListener struct{}

func (nopListener) OnOutput(process.Chunk)      {}
func (nopListener) OnStateChange(PipelineState) {}

// Config configures the pipeline.
type Config struct {
	// Compiler is the external compiler binary.
	Compiler string

	// CompilerFlags are prepended to every compile invocation.
	CompilerFlags []string

	// RunTimeout bounds program execution. Zero disables the timeout.
	RunTimeout time.Duration
}

// DefaultConfig returns the stock g++ configuration.
func DefaultConfig() Config {
	return Config{
		Compiler:      "g++",
		CompilerFlags: []string{"-std=c++17", "-Wall"},
		RunTimeout:    20 * time.Second,
	}
}

// Pipeline sequences compile-then-run through the process runner.
//
// A new build request while one is active stops the previous one and
// proceeds (stop-and-replace), matching the Stop-button workflow.
type Pipeline struct {
	runner   *process.Runner
	config   Config
	listener Listener

	mu     sync.Mutex
	state  PipelineState
	active *process.Handle
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithListener sets the progress listener.
func WithListener(l Listener) PipelineOption {
	return func(p *Pipeline) {
		if l != nil {
			p.listener = l
		}
	}
}

// NewPipeline creates a build pipeline on top of the given runner.
func NewPipeline(runner *process.Runner, config Config, opts ...PipelineOption) *Pipeline {
	if config.Compiler == "" {
		config.Compiler = DefaultConfig().Compiler
	}
	p := &Pipeline{
		runner:   runner,
		config:   config,
		listener: nopListener{},
		state:    StateIdle,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// State returns the current pipeline state.
func (p *Pipeline) State() PipelineState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pipeline) setState(s PipelineState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
	p.listener.OnStateChange(s)
}

func (p *Pipeline) setActive(h *process.Handle) {
	p.mu.Lock()
	p.active = h
	p.mu.Unlock()
}

// ExePathFor derives the output executable path for a source file: same
// directory, base name without the source extension.
func ExePathFor(sourcePath string) string {
	ext := filepath.Ext(sourcePath)
	return strings.TrimSuffix(sourcePath, ext)
}

// Compile compiles the source file and returns a structured result.
//
// A missing or unlaunchable compiler is reported as
// ErrToolchainUnavailable, never as a compile failure. Diagnostics are
// parsed from stderr; unmatched lines remain available in RawStderr.
func (p *Pipeline) Compile(ctx context.Context, sourcePath string) (*Result, error) {
	if sourcePath == "" {
		return nil, ErrNoSource
	}

	p.stopAndReclaim(process.SlotCompile)
	p.setState(StateCompiling)

	exePath := ExePathFor(sourcePath)
	args := append(append([]string{}, p.config.CompilerFlags...), sourcePath, "-o", exePath)

	h, err := p.runner.Spawn(process.SlotCompile, p.config.Compiler, args, filepath.Dir(sourcePath))
	if err != nil {
		p.setState(StateIdle)
		var spawnErr *process.SpawnError
		if errors.As(err, &spawnErr) {
			if errors.Is(spawnErr.Err, exec.ErrNotFound) || errors.Is(spawnErr.Err, fs.ErrNotExist) || errors.Is(spawnErr.Err, fs.ErrPermission) {
				return nil, fmt.Errorf("%w: %v", ErrToolchainUnavailable, spawnErr)
			}
		}
		return nil, err
	}
	p.setActive(h)
	defer p.setActive(nil)

	exitCode, state := p.drainAndWait(ctx, h, nil)

	stderr := string(h.StderrBytes())
	res := &Result{
		ExitCode:  exitCode,
		RawStderr: stderr,
		Stopped:   state == process.StateKilled,
	}

	if state == process.StateSucceeded {
		res.Success = true
		res.State = StateCompileSucceeded
		res.ExePath = exePath
	} else {
		res.State = StateCompileFailed
		res.Diagnostics = ParseDiagnostics(stderr)
	}

	p.setState(res.State)
	return res, nil
}

// Run executes a previously compiled program, streaming its output to
// the listener. A run killed by Stop or the timeout reports
// StateRunKilled with Stopped or TimedOut set; it is not an error.
func (p *Pipeline) Run(ctx context.Context, exePath string) (*Result, error) {
	if exePath == "" {
		return nil, ErrNoSource
	}

	p.stopAndReclaim(process.SlotRun)
	p.setState(StateRunning)

	h, err := p.runner.Spawn(process.SlotRun, exePath, nil, filepath.Dir(exePath))
	if err != nil {
		p.setState(StateIdle)
		var spawnErr *process.SpawnError
		if errors.As(err, &spawnErr) {
			return nil, fmt.Errorf("%w: %v", ErrToolchainUnavailable, spawnErr)
		}
		return nil, err
	}
	p.setActive(h)
	defer p.setActive(nil)

	var timedOut atomic.Bool
	var timer *time.Timer
	if p.config.RunTimeout > 0 {
		timer = time.AfterFunc(p.config.RunTimeout, func() {
			timedOut.Store(true)
			_ = p.runner.Kill(h)
		})
	}

	exitCode, state := p.drainAndWait(ctx, h, p.listener.OnOutput)
	if timer != nil {
		timer.Stop()
	}

	res := &Result{
		ExitCode:  exitCode,
		RawStderr: string(h.StderrBytes()),
	}
	// The timer can fire in the instant after a normal exit; Kill is
	// then a no-op and the run did not time out.
	if state == process.StateKilled {
		res.TimedOut = timedOut.Load()
	}

	switch state {
	case process.StateSucceeded:
		res.Success = true
		res.State = StateRunSucceeded
	case process.StateKilled:
		res.State = StateRunKilled
		res.Stopped = !res.TimedOut
	default:
		res.State = StateRunFailed
	}

	p.setState(res.State)
	return res, nil
}

// CompileAndRun chains Compile and Run, short-circuiting when the
// compile step did not succeed.
func (p *Pipeline) CompileAndRun(ctx context.Context, sourcePath string) (*Result, error) {
	res, err := p.Compile(ctx, sourcePath)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return res, nil
	}
	return p.Run(ctx, res.ExePath)
}

// Stop kills whichever slot is currently active. It is safe to call at
// any time, including immediately after spawn and concurrently with the
// in-flight drain; a vacant pipeline is a no-op.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	h := p.active
	p.mu.Unlock()

	if h != nil {
		_ = p.runner.Kill(h)
		return
	}
	// Fall back to slot-level kills in case a handle is mid-registration.
	_ = p.runner.KillSlot(process.SlotCompile)
	_ = p.runner.KillSlot(process.SlotRun)
}

// stopAndReclaim enforces the stop-and-replace policy: a busy slot is
// killed and waited on before a new process may claim it.
func (p *Pipeline) stopAndReclaim(slot process.Slot) {
	if h := p.runner.Current(slot); h != nil && !h.State().Terminal() {
		_ = p.runner.Kill(h)
		<-h.Done()
	}
}

// drainAndWait consumes the handle's output, forwarding chunks to the
// callback, and returns the terminal exit code and state. Context
// cancellation kills the process.
func (p *Pipeline) drainAndWait(ctx context.Context, h *process.Handle, onChunk func(process.Chunk)) (int, process.State) {
	stop := context.AfterFunc(ctx, func() {
		_ = p.runner.Kill(h)
	})
	defer stop()

	for chunk := range h.Output() {
		if onChunk != nil {
			onChunk(chunk)
		}
	}
	return p.runner.Wait(h)
}
