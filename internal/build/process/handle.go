package process

import (
	"bytes"
	"fmt"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

// State represents the lifecycle state of a managed process.
type State int

const (
	// StateIdle indicates the handle has been created but not started.
	StateIdle State = iota
	// StateRunning indicates the process is currently running.
	StateRunning
	// StateSucceeded indicates the process exited with code 0.
	StateSucceeded
	// StateFailed indicates the process exited with a nonzero code.
	StateFailed
	// StateKilled indicates the process was terminated by request or signal.
	StateKilled
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateKilled:
		return "killed"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// Terminal returns true if the state is a terminal state.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateKilled
}

// Stream identifies the source of an output chunk.
type Stream int

const (
	// Stdout is the process standard output stream.
	Stdout Stream = iota
	// Stderr is the process standard error stream.
	Stderr
)

// String returns the stream name.
func (s Stream) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

// Chunk is a piece of process output tagged with its source stream.
type Chunk struct {
	Stream Stream
	Data   []byte
}

// Handle represents one spawned external process.
//
// A Handle is created by Runner.Spawn, mutated by the drain and wait
// goroutines the Runner starts, and becomes immutable once terminal.
// It is safe for concurrent use.
type Handle struct {
	// ID is the unique identifier for this process.
	ID string

	// Slot is the execution lane this process occupies.
	Slot Slot

	// Path and Args form the command line.
	Path string
	Args []string

	// Dir is the working directory.
	Dir string

	// Started is the time the process was started.
	Started time.Time

	cmd *exec.Cmd

	// out carries tagged output chunks; closed at terminal state.
	out chan Chunk

	// done is closed when the process reaches a terminal state.
	done chan struct{}

	state    atomic.Int32
	exitCode atomic.Int32

	// killRequested records that Kill was called, so a signal death is
	// attributed to the request rather than the program.
	killRequested atomic.Bool

	mu      sync.Mutex
	stdout  bytes.Buffer
	stderr  bytes.Buffer
	waitErr error
}

// State returns the current process state.
func (h *Handle) State() State {
	return State(h.state.Load())
}

// ExitCode returns the process exit code, or -1 until terminal.
func (h *Handle) ExitCode() int {
	return int(h.exitCode.Load())
}

// PID returns the OS process ID, or -1 if not started.
func (h *Handle) PID() int {
	if h.cmd == nil || h.cmd.Process == nil {
		return -1
	}
	return h.cmd.Process.Pid
}

// Done returns a channel closed when the process reaches a terminal state.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Output returns the channel of tagged output chunks. The channel is
// closed once both streams are drained, shortly before Done closes.
// The sequence is consumable exactly once.
func (h *Handle) Output() <-chan Chunk {
	return h.out
}

// StdoutBytes returns the captured stdout so far.
func (h *Handle) StdoutBytes() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]byte, h.stdout.Len())
	copy(out, h.stdout.Bytes())
	return out
}

// StderrBytes returns the captured stderr so far.
func (h *Handle) StderrBytes() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]byte, h.stderr.Len())
	copy(out, h.stderr.Bytes())
	return out
}

// WaitError returns the error from waiting on the process, if any.
func (h *Handle) WaitError() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.waitErr
}

// Runtime returns how long the process has been running, or its total
// runtime once terminal.
func (h *Handle) Runtime() time.Duration {
	if h.Started.IsZero() {
		return 0
	}
	return time.Since(h.Started)
}

// capture appends a chunk to the matching capture buffer.
func (h *Handle) capture(c Chunk) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.Stream == Stderr {
		h.stderr.Write(c.Data)
	} else {
		h.stdout.Write(c.Data)
	}
}
