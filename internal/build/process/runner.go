package process

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// Slot is a named execution lane. Each slot admits at most one running
// process at a time.
type Slot string

const (
	// SlotCompile is the lane for compiler invocations.
	SlotCompile Slot = "compile"
	// SlotRun is the lane for running the compiled program.
	SlotRun Slot = "run"
)

// Sentinel errors.
var (
	// ErrSlotBusy is returned when a slot already holds a running process.
	ErrSlotBusy = errors.New("slot already holds a running process")

	// ErrRunnerClosed is returned when spawning after Shutdown.
	ErrRunnerClosed = errors.New("process runner is shut down")
)

// SpawnError wraps a failure to launch an executable. It preserves the
// underlying cause so callers can distinguish a missing toolchain from a
// permission problem.
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Path, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// chunkSize is the read buffer size for output draining.
const chunkSize = 4096

// Runner launches and tracks external processes, one per slot.
//
// Runner is safe for concurrent use. Kill may be called at any point
// after Spawn returns, including concurrently with output draining and
// Wait, without racing the process handle's lifetime.
type Runner struct {
	mu     sync.Mutex
	slots  map[Slot]*Handle
	closed bool

	// onExit is called from the wait goroutine after a process reaches a
	// terminal state.
	onExit func(h *Handle)
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithExitCallback sets a callback invoked when a process reaches a
// terminal state. The callback runs on the wait goroutine.
func WithExitCallback(fn func(h *Handle)) RunnerOption {
	return func(r *Runner) {
		r.onExit = fn
	}
}

// NewRunner creates a new process runner.
func NewRunner(opts ...RunnerOption) *Runner {
	r := &Runner{
		slots: make(map[Slot]*Handle),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Spawn launches a process in the given slot.
//
// It fails with ErrSlotBusy if the slot already holds a running process,
// or with a *SpawnError if the executable cannot be launched. The spawned
// process is placed in its own process group so Kill can terminate any
// children it forks.
func (r *Runner) Spawn(slot Slot, path string, args []string, dir string) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRunnerClosed
	}

	if prev, ok := r.slots[slot]; ok && !prev.State().Terminal() {
		return nil, fmt.Errorf("slot %q: %w", slot, ErrSlotBusy)
	}

	cmd := exec.Command(path, args...)
	cmd.Dir = dir
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdout.Close()
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	h := &Handle{
		ID:   uuid.New().String(),
		Slot: slot,
		Path: path,
		Args: args,
		Dir:  dir,
		cmd:  cmd,
		out:  make(chan Chunk, 64),
		done: make(chan struct{}),
	}
	h.exitCode.Store(-1)

	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		return nil, &SpawnError{Path: path, Err: err}
	}

	h.Started = time.Now()
	h.state.Store(int32(StateRunning))
	r.slots[slot] = h

	var drain sync.WaitGroup
	drain.Add(2)
	go r.drain(h, stdout, Stdout, &drain)
	go r.drain(h, stderr, Stderr, &drain)
	go r.wait(h, &drain)

	return h, nil
}

// drain reads a stream to EOF, capturing and forwarding chunks.
func (r *Runner) drain(h *Handle, src io.Reader, stream Stream, wg *sync.WaitGroup) {
	defer wg.Done()

	buf := make([]byte, chunkSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			c := Chunk{Stream: stream, Data: data}
			h.capture(c)
			h.forward(c)
		}
		if err != nil {
			return
		}
	}
}

// forward sends a chunk to the output channel without ever blocking the
// drain goroutine: when the channel is full the oldest chunk is evicted.
// The capture buffers always retain the complete output.
func (h *Handle) forward(c Chunk) {
	for {
		select {
		case h.out <- c:
			return
		default:
		}
		select {
		case <-h.out:
		default:
		}
	}
}

// wait blocks until the process exits, then records the terminal state.
func (r *Runner) wait(h *Handle, drain *sync.WaitGroup) {
	// Pipes must be fully drained before Wait closes them.
	drain.Wait()
	err := h.cmd.Wait()

	exitCode := 0
	state := StateSucceeded

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
			state = StateFailed
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
				state = StateKilled
			}
		} else {
			exitCode = -1
			state = StateFailed
		}
		h.mu.Lock()
		h.waitErr = err
		h.mu.Unlock()
	}

	if h.killRequested.Load() {
		state = StateKilled
	}

	h.exitCode.Store(int32(exitCode))
	h.state.Store(int32(state))
	close(h.out)
	close(h.done)

	if r.onExit != nil {
		func() {
			defer func() {
				recover() // Callback faults must not take down tracking.
			}()
			r.onExit(h)
		}()
	}
}

// Kill requests immediate termination of the process and its process
// group. Killing an already-terminal process is a no-op, not an error.
func (r *Runner) Kill(h *Handle) error {
	if h == nil || h.State().Terminal() {
		return nil
	}

	h.killRequested.Store(true)

	pid := h.PID()
	if pid <= 0 {
		return nil
	}

	// Negative pid targets the process group, taking any children the
	// tool spawned with it. ESRCH means the group is already gone.
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		// Fall back to the single process if the group is unreachable.
		if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, syscall.ESRCH) {
			return fmt.Errorf("kill process %d: %w", pid, err)
		}
	}
	return nil
}

// KillSlot kills whatever process currently occupies the slot.
// A vacant or terminal slot is a no-op.
func (r *Runner) KillSlot(slot Slot) error {
	r.mu.Lock()
	h := r.slots[slot]
	r.mu.Unlock()
	return r.Kill(h)
}

// Wait blocks until the process reaches a terminal state and returns its
// exit code and state.
func (r *Runner) Wait(h *Handle) (int, State) {
	<-h.done
	return h.ExitCode(), h.State()
}

// Current returns the handle currently occupying the slot, or nil.
func (r *Runner) Current(slot Slot) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.slots[slot]
}

// Busy returns true if the slot holds a running process.
func (r *Runner) Busy(slot Slot) bool {
	h := r.Current(slot)
	return h != nil && !h.State().Terminal()
}

// Shutdown kills all running processes and blocks until they reach a
// terminal state, then rejects further spawns.
func (r *Runner) Shutdown() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	handles := make([]*Handle, 0, len(r.slots))
	for _, h := range r.slots {
		handles = append(handles, h)
	}
	r.mu.Unlock()

	for _, h := range handles {
		_ = r.Kill(h)
	}
	for _, h := range handles {
		<-h.Done()
	}
}
