// Package workerpool runs marking jobs on a fixed set of workers. Workers
// pull from one bounded queue, so a job is only ever held by the worker
// that dequeued it and no dispatcher scans worker state.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hyperpolymath/academic-workflow-suite-sub002/internal/bridge"
	"github.com/hyperpolymath/academic-workflow-suite-sub002/internal/engine"
	"github.com/hyperpolymath/academic-workflow-suite-sub002/internal/logging"
	"github.com/hyperpolymath/academic-workflow-suite-sub002/internal/registry"
	"github.com/hyperpolymath/academic-workflow-suite-sub002/internal/sandbox"
)

// ErrPoolExhausted is returned when the dispatch queue is full. The caller
// decides whether to surface backpressure or retry later.
var ErrPoolExhausted = errors.New("workerpool: dispatch queue full")

// Settings sizes the pool.
type Settings struct {
	PoolSize     int
	QueueDepth   int
	MaxRetries   int
	StageTimeout time.Duration
}

type task struct {
	jobID      string
	submission engine.Submission
}

// Pool dispatches jobs through the three-stage marking pipeline and lands
// every job in a terminal registry state, whatever happens in between.
type Pool struct {
	settings Settings
	bridge   bridge.Engine
	registry *registry.Registry
	logger   logging.Printer

	queue chan task
	stop  chan struct{}
	wg    sync.WaitGroup

	mu      sync.Mutex
	results map[string]engine.Feedback
	closed  bool
}

// Option customizes pool construction.
type Option func(*Pool)

// WithLogger overrides the default no-op logger.
func WithLogger(l logging.Printer) Option {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// New starts the workers and returns the pool.
func New(settings Settings, b bridge.Engine, reg *registry.Registry, opts ...Option) (*Pool, error) {
	if settings.PoolSize < 1 {
		return nil, fmt.Errorf("workerpool: pool size must be positive")
	}
	if settings.QueueDepth < 0 {
		return nil, fmt.Errorf("workerpool: queue depth cannot be negative")
	}
	if settings.StageTimeout <= 0 {
		settings.StageTimeout = 2 * time.Minute
	}
	if settings.MaxRetries < 0 {
		settings.MaxRetries = 0
	}
	if b == nil {
		return nil, fmt.Errorf("workerpool: bridge is required")
	}
	if reg == nil {
		return nil, fmt.Errorf("workerpool: registry is required")
	}
	p := &Pool{
		settings: settings,
		bridge:   b,
		registry: reg,
		logger:   logging.Nop{},
		queue:    make(chan task, settings.QueueDepth),
		stop:     make(chan struct{}),
		results:  make(map[string]engine.Feedback),
	}
	for _, opt := range opts {
		opt(p)
	}
	for i := 0; i < settings.PoolSize; i++ {
		p.wg.Add(1)
		go p.runWorker(i)
	}
	return p, nil
}

// ProcessTMA queues one registered job for marking. A full queue returns
// ErrPoolExhausted immediately instead of blocking the submitter.
func (p *Pool) ProcessTMA(jobID string, sub engine.Submission) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return fmt.Errorf("workerpool: closed")
	}
	p.mu.Unlock()

	select {
	case p.queue <- task{jobID: jobID, submission: sub}:
		return nil
	default:
		return ErrPoolExhausted
	}
}

// JobStatus reads the job back from the registry.
func (p *Pool) JobStatus(jobID string) (registry.Job, bool) {
	return p.registry.Get(jobID)
}

// Result returns the feedback for a completed job.
func (p *Pool) Result(jobID string) (engine.Feedback, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fb, ok := p.results[jobID]
	return fb, ok
}

// Close stops accepting work and waits for in-flight jobs to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	close(p.stop)
	p.wg.Wait()
}

// runWorker is one worker's loop. A panic while holding a job fails that
// job and restarts the loop under the same worker id; the pool never
// shrinks below its configured size.
func (p *Pool) runWorker(id int) {
	defer p.wg.Done()
	for {
		restarted := p.serveUntilStopped(id)
		if !restarted {
			return
		}
		p.logger.Printf("workerpool: worker %d restarted after panic", id)
	}
}

// serveUntilStopped returns true when the worker should be restarted after
// a recovered panic, false on orderly shutdown.
func (p *Pool) serveUntilStopped(id int) (restart bool) {
	var held *task
	defer func() {
		if r := recover(); r != nil {
			restart = true
			if held != nil {
				p.logger.Printf("workerpool: worker %d panicked on job %s: %v", id, held.jobID, r)
				p.registry.UpdateStatus(held.jobID, registry.StatusFailed, fmt.Sprintf("worker panic: %v", r))
			} else {
				p.logger.Printf("workerpool: worker %d panicked idle: %v", id, r)
			}
		}
	}()

	for {
		select {
		case <-p.stop:
			return false
		case t := <-p.queue:
			held = &t
			p.runJob(id, t)
			held = nil
		}
	}
}

// runJob moves one job Queued -> Processing -> terminal. The stages run
// strictly in order; the first unrecoverable stage error fails the job.
func (p *Pool) runJob(workerID int, t task) {
	p.registry.UpdateStatus(t.jobID, registry.StatusProcessing, "")

	anon, err := p.runAnonymize(t.submission)
	if err != nil {
		p.fail(t.jobID, "anonymize", err)
		return
	}
	parsed, err := p.runParse(anon)
	if err != nil {
		p.fail(t.jobID, "parse", err)
		return
	}
	fb, err := p.runGenerate(parsed)
	if err != nil {
		p.fail(t.jobID, "generate_feedback", err)
		return
	}

	p.mu.Lock()
	p.results[t.jobID] = fb
	p.mu.Unlock()
	p.registry.UpdateStatus(t.jobID, registry.StatusCompleted, "")
	p.logger.Printf("workerpool: worker %d completed job %s", workerID, t.jobID)
}

func (p *Pool) fail(jobID, stage string, err error) {
	p.registry.UpdateStatus(jobID, registry.StatusFailed, fmt.Sprintf("%s: %v", stage, err))
}

func (p *Pool) runAnonymize(sub engine.Submission) (engine.AnonymizedSubmission, error) {
	var out engine.AnonymizedSubmission
	err := p.withRetry(func(ctx context.Context) error {
		var err error
		out, err = p.bridge.Anonymize(ctx, sub)
		return err
	})
	return out, err
}

func (p *Pool) runParse(anon engine.AnonymizedSubmission) (engine.ParsedSubmission, error) {
	var out engine.ParsedSubmission
	err := p.withRetry(func(ctx context.Context) error {
		var err error
		out, err = p.bridge.Parse(ctx, anon)
		return err
	})
	return out, err
}

func (p *Pool) runGenerate(parsed engine.ParsedSubmission) (engine.Feedback, error) {
	var out engine.Feedback
	err := p.withRetry(func(ctx context.Context) error {
		var err error
		out, err = p.bridge.GenerateFeedback(ctx, parsed)
		return err
	})
	return out, err
}

// withRetry runs one stage under its timeout, retrying transient failures
// up to the configured budget. Validation errors never retry.
func (p *Pool) withRetry(stage func(ctx context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), p.settings.StageTimeout)
		err = stage(ctx)
		cancel()
		if err == nil {
			return nil
		}
		if attempt >= p.settings.MaxRetries || !retryable(err) {
			return err
		}
		select {
		case <-p.stop:
			return err
		case <-time.After(time.Duration(attempt+1) * 50 * time.Millisecond):
		}
	}
}

// retryable distinguishes transient infrastructure failures from errors
// that would fail identically on every attempt.
func retryable(err error) bool {
	switch {
	case errors.Is(err, sandbox.ErrQueueFull),
		errors.Is(err, sandbox.ErrInference),
		errors.Is(err, bridge.ErrTimeout),
		errors.Is(err, bridge.ErrUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return true
	default:
		return false
	}
}
