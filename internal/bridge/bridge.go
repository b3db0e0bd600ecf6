// Package bridge fronts the marking engine behind a transport-neutral
// interface. The in-process transport calls the engine directly; the
// subprocess transport speaks a length-framed JSON protocol with a
// long-lived child process, so the daemon can survive engine crashes.
package bridge

import (
	"context"
	"errors"

	"github.com/hyperpolymath/academic-workflow-suite-sub002/internal/engine"
)

var (
	// ErrTimeout means one call exceeded its deadline. The bridge itself
	// may still be healthy.
	ErrTimeout = errors.New("bridge: call timed out")
	// ErrUnavailable means the engine process is gone and the call cannot
	// be completed. In-flight calls receive it when the child exits.
	ErrUnavailable = errors.New("bridge: engine unavailable")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("bridge: closed")
)

// Engine is the surface the worker pool drives. Both transports satisfy it.
type Engine interface {
	Anonymize(ctx context.Context, sub engine.Submission) (engine.AnonymizedSubmission, error)
	Parse(ctx context.Context, anon engine.AnonymizedSubmission) (engine.ParsedSubmission, error)
	GenerateFeedback(ctx context.Context, parsed engine.ParsedSubmission) (engine.Feedback, error)
	QueryEvents(ctx context.Context, q engine.EventQuery) ([]engine.Event, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

// InProcess runs the engine inside the daemon. It is the default transport
// and the fallback when no subprocess command is configured.
type InProcess struct {
	engine *engine.Engine
}

// NewInProcess wraps an engine in the bridge interface.
func NewInProcess(e *engine.Engine) *InProcess {
	return &InProcess{engine: e}
}

func (b *InProcess) Anonymize(ctx context.Context, sub engine.Submission) (engine.AnonymizedSubmission, error) {
	if err := ctx.Err(); err != nil {
		return engine.AnonymizedSubmission{}, err
	}
	return b.engine.Anonymize(sub)
}

func (b *InProcess) Parse(ctx context.Context, anon engine.AnonymizedSubmission) (engine.ParsedSubmission, error) {
	if err := ctx.Err(); err != nil {
		return engine.ParsedSubmission{}, err
	}
	return b.engine.Parse(anon)
}

func (b *InProcess) GenerateFeedback(ctx context.Context, parsed engine.ParsedSubmission) (engine.Feedback, error) {
	return b.engine.GenerateFeedback(ctx, parsed)
}

func (b *InProcess) QueryEvents(ctx context.Context, q engine.EventQuery) ([]engine.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return b.engine.QueryEvents(q), nil
}

func (b *InProcess) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.engine.HealthCheck()
}

func (b *InProcess) Close() error { return nil }
