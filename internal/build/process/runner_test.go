package process

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func drainAll(t *testing.T, h *Handle) (stdout, stderr string) {
	t.Helper()
	var out, errOut strings.Builder
	for c := range h.Output() {
		if c.Stream == Stderr {
			errOut.Write(c.Data)
		} else {
			out.Write(c.Data)
		}
	}
	return out.String(), errOut.String()
}

func TestSpawnAndWaitSuccess(t *testing.T) {
	r := NewRunner()
	defer r.Shutdown()

	h, err := r.Spawn(SlotRun, "echo", []string{"hello"}, "")
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}

	stdout, _ := drainAll(t, h)
	code, state := r.Wait(h)

	if code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}
	if state != StateSucceeded {
		t.Errorf("state = %v, want %v", state, StateSucceeded)
	}
	if !strings.Contains(stdout, "hello") {
		t.Errorf("stdout = %q, want it to contain %q", stdout, "hello")
	}
}

func TestSpawnAndWaitFailure(t *testing.T) {
	r := NewRunner()
	defer r.Shutdown()

	h, err := r.Spawn(SlotRun, "sh", []string{"-c", "echo oops >&2; exit 3"}, "")
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}

	_, stderr := drainAll(t, h)
	code, state := r.Wait(h)

	if code != 3 {
		t.Errorf("exit code = %d, want 3", code)
	}
	if state != StateFailed {
		t.Errorf("state = %v, want %v", state, StateFailed)
	}
	if !strings.Contains(stderr, "oops") {
		t.Errorf("stderr = %q, want it to contain %q", stderr, "oops")
	}
	if !strings.Contains(string(h.StderrBytes()), "oops") {
		t.Error("captured stderr missing expected output")
	}
}

func TestSpawnMissingExecutable(t *testing.T) {
	r := NewRunner()
	defer r.Shutdown()

	_, err := r.Spawn(SlotCompile, "definitely-not-a-real-binary-xyz", nil, "")
	if err == nil {
		t.Fatal("Spawn() expected error for missing executable")
	}

	var spawnErr *SpawnError
	if !errors.As(err, &spawnErr) {
		t.Errorf("error = %T, want *SpawnError", err)
	}
}

func TestSlotBusy(t *testing.T) {
	r := NewRunner()
	defer r.Shutdown()

	h, err := r.Spawn(SlotRun, "sleep", []string{"5"}, "")
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}

	_, err = r.Spawn(SlotRun, "echo", []string{"second"}, "")
	if !errors.Is(err, ErrSlotBusy) {
		t.Errorf("second Spawn() error = %v, want ErrSlotBusy", err)
	}

	// The other slot remains available.
	h2, err := r.Spawn(SlotCompile, "echo", []string{"ok"}, "")
	if err != nil {
		t.Errorf("Spawn() in free slot error = %v", err)
	}
	if h2 != nil {
		drainAll(t, h2)
		r.Wait(h2)
	}

	if err := r.Kill(h); err != nil {
		t.Fatalf("Kill() error = %v", err)
	}
	r.Wait(h)
}

func TestSlotReusableAfterTerminal(t *testing.T) {
	r := NewRunner()
	defer r.Shutdown()

	h, err := r.Spawn(SlotRun, "true", nil, "")
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	drainAll(t, h)
	r.Wait(h)

	h2, err := r.Spawn(SlotRun, "true", nil, "")
	if err != nil {
		t.Fatalf("Spawn() after terminal error = %v", err)
	}
	drainAll(t, h2)
	r.Wait(h2)
}

func TestKillTerminatesQuickly(t *testing.T) {
	r := NewRunner()
	defer r.Shutdown()

	h, err := r.Spawn(SlotRun, "sleep", []string{"5"}, "")
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	start := time.Now()
	if err := r.Kill(h); err != nil {
		t.Fatalf("Kill() error = %v", err)
	}

	_, state := r.Wait(h)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("process took %v to die after Kill, want well under 5s", elapsed)
	}
	if state != StateKilled {
		t.Errorf("state = %v, want %v", state, StateKilled)
	}
}

func TestKillIdempotent(t *testing.T) {
	r := NewRunner()
	defer r.Shutdown()

	h, err := r.Spawn(SlotRun, "true", nil, "")
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	drainAll(t, h)
	r.Wait(h)

	// Killing a terminal process is a no-op, repeatedly.
	for i := 0; i < 3; i++ {
		if err := r.Kill(h); err != nil {
			t.Errorf("Kill() #%d on terminal process error = %v", i+1, err)
		}
	}
	if h.State() != StateSucceeded {
		t.Errorf("state after no-op kills = %v, want %v", h.State(), StateSucceeded)
	}
}

func TestKillProcessGroup(t *testing.T) {
	r := NewRunner()
	defer r.Shutdown()

	// The shell forks a child sleep; killing the group must take both.
	h, err := r.Spawn(SlotRun, "sh", []string{"-c", "sleep 30 & wait"}, "")
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if err := r.Kill(h); err != nil {
		t.Fatalf("Kill() error = %v", err)
	}

	done := make(chan struct{})
	go func() {
		r.Wait(h)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("process group did not die within 3s of Kill")
	}
}

func TestKillSlotVacant(t *testing.T) {
	r := NewRunner()
	defer r.Shutdown()

	if err := r.KillSlot(SlotCompile); err != nil {
		t.Errorf("KillSlot() on vacant slot error = %v", err)
	}
}

func TestOutputInterleavesStreams(t *testing.T) {
	r := NewRunner()
	defer r.Shutdown()

	h, err := r.Spawn(SlotRun, "sh", []string{"-c", "echo out; echo err >&2"}, "")
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}

	stdout, stderr := drainAll(t, h)
	r.Wait(h)

	if !strings.Contains(stdout, "out") {
		t.Errorf("stdout = %q, want %q", stdout, "out")
	}
	if !strings.Contains(stderr, "err") {
		t.Errorf("stderr = %q, want %q", stderr, "err")
	}
}

func TestWaitWithoutDrainingOutput(t *testing.T) {
	r := NewRunner()
	defer r.Shutdown()

	// A chatty process must not deadlock Wait when the caller ignores
	// the stream; the capture buffers still hold everything.
	h, err := r.Spawn(SlotRun, "sh", []string{"-c", "yes | head -n 100000"}, "")
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}

	done := make(chan struct{})
	go func() {
		r.Wait(h)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Wait() deadlocked on undrained output")
	}

	if len(h.StdoutBytes()) == 0 {
		t.Error("captured stdout is empty")
	}
}

func TestRunnerShutdown(t *testing.T) {
	r := NewRunner()

	h, err := r.Spawn(SlotRun, "sleep", []string{"30"}, "")
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}

	r.Shutdown()

	if !h.State().Terminal() {
		t.Errorf("state after Shutdown = %v, want terminal", h.State())
	}

	_, err = r.Spawn(SlotRun, "true", nil, "")
	if !errors.Is(err, ErrRunnerClosed) {
		t.Errorf("Spawn() after Shutdown error = %v, want ErrRunnerClosed", err)
	}
}

func TestExitCallback(t *testing.T) {
	exited := make(chan *Handle, 1)
	r := NewRunner(WithExitCallback(func(h *Handle) {
		exited <- h
	}))
	defer r.Shutdown()

	h, err := r.Spawn(SlotRun, "true", nil, "")
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	drainAll(t, h)

	select {
	case got := <-exited:
		if got.ID != h.ID {
			t.Errorf("callback handle = %s, want %s", got.ID, h.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("exit callback not invoked")
	}
}
