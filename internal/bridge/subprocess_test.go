package bridge

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/hyperpolymath/academic-workflow-suite-sub002/internal/engine"
)

// TestEngineChildProcess is not a test: it is the engine child the
// subprocess tests spawn by re-executing this binary. The mode after the
// "--" separator selects how the child behaves on its stdio.
func TestEngineChildProcess(t *testing.T) {
	mode, args := childMode()
	if mode == "" {
		return
	}

	switch mode {
	case "serve":
		runChildEngine()
	case "stall":
		// Accept the frame, never answer. Block on stdin rather than
		// select{}: with no other runnable goroutines an empty select
		// trips the runtime deadlock detector and kills the child.
		if _, err := ReadFrame(os.Stdin); err != nil {
			os.Exit(1)
		}
		_, _ = ReadFrame(os.Stdin)
	case "exit":
		// Die mid-call: the parent has a pending request when stdout closes.
		_, _ = ReadFrame(os.Stdin)
		os.Exit(1)
	case "flaky":
		// Crash on the first launch, serve normally once relaunched. The
		// marker file carries the "already crashed" bit across launches.
		marker := args[0]
		if _, err := os.Stat(marker); err != nil {
			_ = os.WriteFile(marker, []byte("x"), 0o644)
			_, _ = ReadFrame(os.Stdin)
			os.Exit(1)
		}
		runChildEngine()
	}
	os.Exit(0)
}

func childMode() (string, []string) {
	for i, arg := range os.Args {
		if arg == "--" && i+1 < len(os.Args) {
			return os.Args[i+1], os.Args[i+2:]
		}
	}
	return "", nil
}

func runChildEngine() {
	e, err := engine.New(fakeInferrer{})
	if err != nil {
		os.Exit(1)
	}
	if err := Serve(context.Background(), e, os.Stdin, os.Stdout, nil); err != nil {
		os.Exit(1)
	}
	os.Exit(0)
}

func startEngineChild(t *testing.T, timeout time.Duration, maxRestarts int, mode string, extra ...string) *Subprocess {
	t.Helper()
	argv := append([]string{os.Args[0], "-test.run=^TestEngineChildProcess$", "--", mode}, extra...)
	b, err := NewSubprocess(SubprocessSettings{
		Command:     argv,
		CallTimeout: timeout,
		MaxRestarts: maxRestarts,
	})
	if err != nil {
		t.Fatalf("start engine child: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestSubprocessRoundTrip(t *testing.T) {
	b := startEngineChild(t, 10*time.Second, 0, "serve")
	ctx := context.Background()

	anon, err := b.Anonymize(ctx, validSubmission())
	if err != nil {
		t.Fatalf("anonymize over subprocess: %v", err)
	}
	if anon.AnonymizedID == "" || anon.AnonymizedID == validSubmission().StudentID {
		t.Fatalf("identity not anonymized: %q", anon.AnonymizedID)
	}
	if err := b.HealthCheck(ctx); err != nil {
		t.Fatalf("health over subprocess: %v", err)
	}
}

func TestSubprocessCallTimeout(t *testing.T) {
	b := startEngineChild(t, 200*time.Millisecond, 0, "stall")

	err := b.HealthCheck(context.Background())
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout from a stalled child, got %v", err)
	}

	// The timed-out call must not linger in the pending table.
	b.mu.Lock()
	pending := len(b.pending)
	b.mu.Unlock()
	if pending != 0 {
		t.Fatalf("%d calls still pending after timeout", pending)
	}
}

func TestSubprocessChildExitFailsPendingCalls(t *testing.T) {
	b := startEngineChild(t, 10*time.Second, 0, "exit")

	err := b.HealthCheck(context.Background())
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable when the child dies mid-call, got %v", err)
	}

	// The restart budget is zero, so the transport stays down for good.
	deadline := time.Now().Add(2 * time.Second)
	for {
		b.mu.Lock()
		dead := b.dead
		b.mu.Unlock()
		if dead {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("restart budget never marked the transport dead")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := b.HealthCheck(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable after budget spent, got %v", err)
	}
}

func TestSubprocessRestartsCrashedChild(t *testing.T) {
	marker := t.TempDir() + "/crashed"
	b := startEngineChild(t, 10*time.Second, 2, "flaky", marker)

	err := b.HealthCheck(context.Background())
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable from the first crash, got %v", err)
	}

	// The relaunched child serves normally once the backoff elapses.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if err := b.HealthCheck(context.Background()); err == nil {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("child never came back after a crash: %v", err)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestSubprocessCloseStopsRelaunch(t *testing.T) {
	b := startEngineChild(t, 10*time.Second, 5, "serve")

	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// The reader notices the killed child and clears it without relaunching.
	deadline := time.Now().Add(2 * time.Second)
	for {
		b.mu.Lock()
		cleared := b.cmd == nil
		b.mu.Unlock()
		if cleared {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("child never cleared after close")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := b.spawn(); !errors.Is(err, ErrClosed) {
		t.Fatalf("spawn after close must refuse, got %v", err)
	}
	b.mu.Lock()
	installed := b.cmd != nil
	b.mu.Unlock()
	if installed {
		t.Fatalf("spawn after close installed a child")
	}
	if _, err := b.call(context.Background(), CommandHealthCheck, struct{}{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
