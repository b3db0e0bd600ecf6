// Package orchestrator is the front door of the marking subsystem: it
// accepts submissions, hands them to the worker pool, and answers status
// and health queries for the ingress and the operator console.
package orchestrator

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/hyperpolymath/academic-workflow-suite-sub002/internal/bridge"
	"github.com/hyperpolymath/academic-workflow-suite-sub002/internal/engine"
	"github.com/hyperpolymath/academic-workflow-suite-sub002/internal/logging"
	"github.com/hyperpolymath/academic-workflow-suite-sub002/internal/registry"
	"github.com/hyperpolymath/academic-workflow-suite-sub002/internal/sandbox"
	"github.com/hyperpolymath/academic-workflow-suite-sub002/internal/workerpool"
)

// PoolHealthFunc reports the sandbox pool's health snapshot.
type PoolHealthFunc func() sandbox.Health

// Orchestrator owns no pipeline logic of its own; it sequences registration
// and dispatch so a job is always registered before any worker can touch it.
type Orchestrator struct {
	registry *registry.Registry
	workers  *workerpool.Pool
	bridge   bridge.Engine
	health   PoolHealthFunc
	logger   logging.Printer
}

// Option customizes construction.
type Option func(*Orchestrator)

// WithLogger overrides the default no-op logger.
func WithLogger(l logging.Printer) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithPoolHealth wires the sandbox pool's health snapshot in.
func WithPoolHealth(fn PoolHealthFunc) Option {
	return func(o *Orchestrator) {
		o.health = fn
	}
}

// New assembles the orchestrator from its collaborators.
func New(reg *registry.Registry, workers *workerpool.Pool, b bridge.Engine, opts ...Option) (*Orchestrator, error) {
	if reg == nil || workers == nil || b == nil {
		return nil, fmt.Errorf("orchestrator: registry, workers and bridge are all required")
	}
	o := &Orchestrator{
		registry: reg,
		workers:  workers,
		bridge:   b,
		health:   func() sandbox.Health { return sandbox.Health{} },
		logger:   logging.Nop{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Submit validates and enqueues one submission, returning the job id the
// caller polls. Invalid submissions are rejected before a job exists; a
// saturated pool fails the freshly registered job and surfaces the error.
func (o *Orchestrator) Submit(sub engine.Submission) (string, error) {
	if err := sub.Validate(); err != nil {
		return "", err
	}
	jobID := "job-" + uuid.NewString()
	submissionID := "tma-" + uuid.NewString()

	o.registry.Register(jobID, submissionID)
	if err := o.workers.ProcessTMA(jobID, sub); err != nil {
		o.registry.UpdateStatus(jobID, registry.StatusFailed, err.Error())
		return jobID, err
	}
	o.logger.Printf("orchestrator: job %s queued for submission %s", jobID, submissionID)
	return jobID, nil
}

// JobStatus returns the registry snapshot for one job.
func (o *Orchestrator) JobStatus(jobID string) (registry.Job, bool) {
	return o.registry.Get(jobID)
}

// Jobs lists registry snapshots, optionally filtered by status.
func (o *Orchestrator) Jobs(filter ...registry.Status) []registry.Job {
	return o.registry.List(filter...)
}

// Result returns the feedback produced for a completed job.
func (o *Orchestrator) Result(jobID string) (engine.Feedback, bool) {
	return o.workers.Result(jobID)
}

// Events serves the engine's audit trail.
func (o *Orchestrator) Events(ctx context.Context, q engine.EventQuery) ([]engine.Event, error) {
	return o.bridge.QueryEvents(ctx, q)
}

// PoolHealth reports the sandbox pool snapshot.
func (o *Orchestrator) PoolHealth() sandbox.Health {
	return o.health()
}

// HealthCheck confirms the engine side is reachable.
func (o *Orchestrator) HealthCheck(ctx context.Context) error {
	return o.bridge.HealthCheck(ctx)
}
