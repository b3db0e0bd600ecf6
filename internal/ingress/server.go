// Package ingress is the HTTP surface of the marking daemon: submission
// intake plus the read-only status and health endpoints the operator
// console polls.
package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hyperpolymath/academic-workflow-suite-sub002/internal/engine"
	"github.com/hyperpolymath/academic-workflow-suite-sub002/internal/logging"
	"github.com/hyperpolymath/academic-workflow-suite-sub002/internal/orchestrator"
	"github.com/hyperpolymath/academic-workflow-suite-sub002/internal/registry"
	"github.com/hyperpolymath/academic-workflow-suite-sub002/internal/workerpool"
)

// maxBodyBytes bounds an intake request body: the content cap plus headroom
// for the rubric and envelope.
const maxBodyBytes = engine.MaxContentLength + 64*1024

// Settings configures the listener.
type Settings struct {
	Enabled      bool
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Address renders host:port.
func (s Settings) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

var errServerDisabled = errors.New("ingress: server disabled by configuration")

// Server serves the ingress API for one orchestrator.
type Server struct {
	settings Settings
	orch     *orchestrator.Orchestrator
	logger   logging.Printer

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
}

// Option customizes the server.
type Option func(*Server)

// WithLogger overrides the default no-op logger.
func WithLogger(l logging.Printer) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer builds the server without binding the listener.
func NewServer(settings Settings, orch *orchestrator.Orchestrator, opts ...Option) (*Server, error) {
	if orch == nil {
		return nil, fmt.Errorf("ingress: orchestrator is required")
	}
	if settings.ReadTimeout <= 0 {
		settings.ReadTimeout = 10 * time.Second
	}
	if settings.WriteTimeout <= 0 {
		settings.WriteTimeout = 30 * time.Second
	}
	s := &Server{settings: settings, orch: orch, logger: logging.Nop{}}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Router builds the route table. Exposed so tests can drive the handlers
// through httptest without a listener.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Post("/tmas", s.handleSubmit)
	r.Get("/jobs", s.handleListJobs)
	r.Get("/jobs/{jobID}", s.handleJobStatus)
	r.Get("/pool/health", s.handlePoolHealth)
	r.Get("/health", s.handleHealth)
	r.Get("/events", s.handleEvents)
	return r
}

// Start binds the TCP listener and begins serving.
func (s *Server) Start(ctx context.Context) error {
	if !s.settings.Enabled {
		return errServerDisabled
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return fmt.Errorf("ingress: server already started")
	}
	addr := s.settings.Address()
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("ingress: listen %s: %w", addr, err)
	}
	server := &http.Server{
		Handler:      s.Router(),
		ReadTimeout:  s.settings.ReadTimeout,
		WriteTimeout: s.settings.WriteTimeout,
	}
	if ctx != nil {
		server.BaseContext = func(net.Listener) context.Context { return ctx }
	}
	s.listener = listener
	s.server = server
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("ingress: serve error: %v", err)
		}
	}()
	s.logger.Printf("ingress: listening on %s", listener.Addr().String())
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return nil
	}
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}
	s.listener = nil
	s.server = nil
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

type submitResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unable to read body"})
		return
	}
	if len(body) > maxBodyBytes {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "payload exceeds limit"})
		return
	}
	var sub engine.Submission
	if err := json.Unmarshal(body, &sub); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}

	jobID, err := s.orch.Submit(sub)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, submitResponse{JobID: jobID, Status: string(registry.StatusQueued)})
	case errors.Is(err, workerpool.ErrPoolExhausted):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "marking queue full", "job_id": jobID})
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
}

type jobResponse struct {
	JobID       string           `json:"job_id"`
	Status      registry.Status  `json:"status"`
	Error       string           `json:"error,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	Feedback    *engine.Feedback `json:"feedback,omitempty"`
}

func (s *Server) jobResponse(job registry.Job) jobResponse {
	resp := jobResponse{
		JobID:     job.ID,
		Status:    job.Status,
		Error:     job.Error,
		CreatedAt: job.CreatedAt,
	}
	if !job.StartedAt.IsZero() {
		started := job.StartedAt
		resp.StartedAt = &started
	}
	if !job.CompletedAt.IsZero() {
		completed := job.CompletedAt
		resp.CompletedAt = &completed
	}
	if job.Status == registry.StatusCompleted {
		if fb, ok := s.orch.Result(job.ID); ok {
			resp.Feedback = &fb
		}
	}
	return resp
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, ok := s.orch.JobStatus(jobID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown job"})
		return
	}
	writeJSON(w, http.StatusOK, s.jobResponse(job))
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	var filter []registry.Status
	if status := r.URL.Query().Get("status"); status != "" {
		filter = append(filter, registry.Status(status))
	}
	jobs := s.orch.Jobs(filter...)
	out := make([]jobResponse, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, s.jobResponse(job))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

func (s *Server) handlePoolHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.PoolHealth())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.HealthCheck(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := engine.EventQuery{
		AggregateID: r.URL.Query().Get("aggregate_id"),
		Type:        engine.EventType(r.URL.Query().Get("type")),
	}
	events, err := s.orch.Events(r.Context(), q)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Headers are already gone if encoding fails; nothing useful left to do.
	_ = json.NewEncoder(w).Encode(payload)
}
