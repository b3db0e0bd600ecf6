package tui

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/hyperpolymath/academic-workflow-suite-sub002/internal/registry"
	"github.com/hyperpolymath/academic-workflow-suite-sub002/internal/sandbox"
)

func newFakeDaemon(t *testing.T) *Client {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/jobs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jobs":[
			{"job_id":"job-old","status":"completed","created_at":"2026-03-01T10:00:00Z"},
			{"job_id":"job-new","status":"processing","created_at":"2026-03-01T11:00:00Z"}
		]}`))
	})
	mux.HandleFunc("/pool/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"queue_depth":1,"queue_limit":4,"sandboxes":[{"id":"sbx-1","state":"ready","failures":0}]}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL)
}

func TestClientJobsNewestFirst(t *testing.T) {
	client := newFakeDaemon(t)
	jobs, err := client.Jobs()
	if err != nil {
		t.Fatalf("jobs: %v", err)
	}
	if len(jobs) != 2 || jobs[0].JobID != "job-new" {
		t.Fatalf("unexpected ordering: %+v", jobs)
	}
	if jobs[1].Status != registry.StatusCompleted {
		t.Fatalf("status lost in decode: %+v", jobs[1])
	}
}

func TestClientPoolHealth(t *testing.T) {
	client := newFakeDaemon(t)
	h, err := client.PoolHealth()
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if h.QueueLimit != 4 || len(h.Sandboxes) != 1 || h.Sandboxes[0].State != sandbox.StateReady {
		t.Fatalf("unexpected health: %+v", h)
	}
}

func TestClientSurfacesDaemonErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)
	if _, err := NewClient(srv.URL).Jobs(); err == nil {
		t.Fatalf("expected error on 500")
	}
}

func TestModelRendersSnapshotAfterRefresh(t *testing.T) {
	m := NewModel(NewClient("http://unused"))

	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	next, _ := m.Update(refreshMsg{
		jobs: []JobView{{JobID: "job-abc", Status: registry.StatusProcessing, CreatedAt: created}},
		health: sandbox.Health{
			QueueDepth: 2,
			QueueLimit: 4,
			Sandboxes:  []sandbox.Status{{ID: "sbx-9", State: sandbox.StateBusy, Failures: 1}},
		},
	})
	m = next.(Model)

	view := m.View()
	for _, want := range []string{"job-abc", "processing", "queue 2/4", "sbx-9:busy", "1 failures"} {
		if !strings.Contains(view, want) {
			t.Fatalf("view missing %q:\n%s", want, view)
		}
	}
}

func TestModelShowsErrorButKeepsLastSnapshot(t *testing.T) {
	m := NewModel(NewClient("http://unused"))
	next, _ := m.Update(refreshMsg{jobs: []JobView{{JobID: "job-1", Status: registry.StatusQueued}}})
	m = next.(Model)

	next, _ = m.Update(refreshMsg{err: errFake})
	m = next.(Model)

	view := m.View()
	if !strings.Contains(view, "daemon unreachable") {
		t.Fatalf("error not shown:\n%s", view)
	}
	if !strings.Contains(view, "job-1") {
		t.Fatalf("last good snapshot dropped:\n%s", view)
	}
}

var errFake = errors.New("connection refused")

func TestModelQuitsOnQ(t *testing.T) {
	m := NewModel(NewClient("http://unused"))
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	if cmd == nil {
		t.Fatalf("expected quit command")
	}
	if msg := cmd(); msg == nil {
		t.Fatalf("expected quit message")
	}
}
