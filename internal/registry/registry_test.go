package registry

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	tick := 0
	r := New(WithClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}))
	t.Cleanup(r.Close)
	return r
}

func TestRegisterAndGet(t *testing.T) {
	r := newTestRegistry(t)
	r.Register("job-1", "sub-1")

	job, ok := r.Get("job-1")
	if !ok {
		t.Fatalf("expected job-1 to exist")
	}
	if job.Status != StatusQueued {
		t.Fatalf("expected queued, got %s", job.Status)
	}
	if job.SubmissionID != "sub-1" {
		t.Fatalf("wrong submission id: %s", job.SubmissionID)
	}
	if job.CreatedAt.IsZero() {
		t.Fatalf("expected created timestamp")
	}
	if !job.StartedAt.IsZero() || !job.CompletedAt.IsZero() {
		t.Fatalf("queued job must not carry started/completed timestamps")
	}
}

func TestLifecycleTimestampsSetOnce(t *testing.T) {
	r := newTestRegistry(t)
	r.Register("job-1", "sub-1")

	r.UpdateStatus("job-1", StatusProcessing, "")
	started, _ := r.Get("job-1")
	if started.StartedAt.IsZero() {
		t.Fatalf("expected started timestamp after queued -> processing")
	}

	r.UpdateStatus("job-1", StatusCompleted, "")
	done, _ := r.Get("job-1")
	if done.CompletedAt.IsZero() {
		t.Fatalf("expected completed timestamp")
	}
	if done.StartedAt != started.StartedAt {
		t.Fatalf("started timestamp changed on terminal transition")
	}
}

func TestTerminalJobRejectsLateUpdates(t *testing.T) {
	r := newTestRegistry(t)
	r.Register("job-1", "sub-1")
	r.UpdateStatus("job-1", StatusProcessing, "")
	r.UpdateStatus("job-1", StatusFailed, "bridge timeout")

	// A slow worker reporting success after the timeout already failed the
	// job must not flip the outcome.
	r.UpdateStatus("job-1", StatusCompleted, "")

	job, _ := r.Get("job-1")
	if job.Status != StatusFailed {
		t.Fatalf("terminal status changed: %s", job.Status)
	}
	if job.Error != "bridge timeout" {
		t.Fatalf("error detail changed: %q", job.Error)
	}
}

func TestTerminalStatusIsIdempotentToRead(t *testing.T) {
	r := newTestRegistry(t)
	r.Register("job-1", "sub-1")
	r.UpdateStatus("job-1", StatusProcessing, "")
	r.UpdateStatus("job-1", StatusFailed, "sandbox crashed")

	first, _ := r.Get("job-1")
	for i := 0; i < 10; i++ {
		again, _ := r.Get("job-1")
		if again.Status != first.Status || again.Error != first.Error {
			t.Fatalf("terminal snapshot changed between reads")
		}
	}
}

func TestUpdateUnknownJobIsNoOp(t *testing.T) {
	r := newTestRegistry(t)
	r.UpdateStatus("nope", StatusProcessing, "")
	if _, ok := r.Get("nope"); ok {
		t.Fatalf("update must not create jobs")
	}
}

func TestSkippingQueuedIsRejected(t *testing.T) {
	r := newTestRegistry(t)
	r.Register("job-1", "sub-1")
	// Processing is only reachable from Queued; a second attempt is dropped.
	r.UpdateStatus("job-1", StatusProcessing, "")
	r.UpdateStatus("job-1", StatusProcessing, "")
	job, _ := r.Get("job-1")
	if job.Status != StatusProcessing {
		t.Fatalf("unexpected status %s", job.Status)
	}
}

func TestListFiltersByStatus(t *testing.T) {
	r := newTestRegistry(t)
	for i := 0; i < 4; i++ {
		id := fmt.Sprintf("job-%d", i)
		r.Register(id, fmt.Sprintf("sub-%d", i))
	}
	r.UpdateStatus("job-1", StatusProcessing, "")
	r.UpdateStatus("job-2", StatusProcessing, "")
	r.UpdateStatus("job-2", StatusFailed, "boom")

	if got := len(r.List()); got != 4 {
		t.Fatalf("expected 4 jobs, got %d", got)
	}
	if got := len(r.List(StatusQueued)); got != 2 {
		t.Fatalf("expected 2 queued jobs, got %d", got)
	}
	if got := len(r.List(StatusProcessing)); got != 1 {
		t.Fatalf("expected 1 processing job, got %d", got)
	}
	if got := len(r.List(StatusCompleted, StatusFailed)); got != 1 {
		t.Fatalf("expected 1 terminal job, got %d", got)
	}
}

func TestConcurrentUpdatesNeverLoseTerminalState(t *testing.T) {
	r := New()
	defer r.Close()
	r.Register("job-1", "sub-1")
	r.UpdateStatus("job-1", StatusProcessing, "")

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		status := StatusCompleted
		if i%2 == 0 {
			status = StatusFailed
		}
		go func(s Status) {
			defer wg.Done()
			r.UpdateStatus("job-1", s, "racing update")
		}(status)
	}
	wg.Wait()

	job, _ := r.Get("job-1")
	if !job.Status.Terminal() {
		t.Fatalf("expected terminal status, got %s", job.Status)
	}
	snapshot := job
	for i := 0; i < 8; i++ {
		again, _ := r.Get("job-1")
		if again.Status != snapshot.Status {
			t.Fatalf("terminal outcome flapped: %s vs %s", again.Status, snapshot.Status)
		}
	}
}
