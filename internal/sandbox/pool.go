package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hyperpolymath/academic-workflow-suite-sub002/internal/logging"
)

// State tracks a sandbox through its lifecycle. A Crashed sandbox is never
// repaired in place: it is removed and replaced by a fresh Starting sandbox
// with a new id.
type State string

const (
	StateStarting State = "starting"
	StateReady    State = "ready"
	StateBusy     State = "busy"
	StateDraining State = "draining"
	StateCrashed  State = "crashed"
)

// Runner is one isolated inference process. The production implementation
// spawns the jail binary; tests substitute in-process fakes.
type Runner interface {
	Start(ctx context.Context) error
	Call(ctx context.Context, req Request) (Result, error)
	Ping(ctx context.Context) error
	Stop() error
}

// RunnerFactory builds the runner for a (possibly replacement) sandbox id.
type RunnerFactory func(id string) Runner

// Status is the observable slice of one sandbox, served by PoolHealth.
type Status struct {
	ID       string `json:"id"`
	State    State  `json:"state"`
	Failures int    `json:"failures"`
}

// Health is the operator view of the pool: queue depth and per-sandbox
// status are the primary saturation and flakiness signals.
type Health struct {
	QueueDepth int      `json:"queue_depth"`
	QueueLimit int      `json:"queue_limit"`
	Sandboxes  []Status `json:"sandboxes"`
}

// PoolSettings sizes the pool. All values must be positive except
// QueueDepth, which may be zero to disable queueing entirely.
type PoolSettings struct {
	Count            int
	QueueDepth       int
	CallTimeout      time.Duration
	FailureThreshold int
	ProbeInterval    time.Duration
}

type job struct {
	ctx   context.Context
	req   Request
	reply chan jobReply
}

type jobReply struct {
	result Result
	err    error
}

// Pool owns N sandbox slots. Requests queue on a bounded channel and slots
// pull from it, so two callers can never claim the same sandbox. Each slot
// supervises its own runner: failures past the threshold evict the runner
// and start a replacement under a fresh id with a zeroed counter.
type Pool struct {
	settings PoolSettings
	factory  RunnerFactory
	logger   logging.Printer

	queue chan job

	mu       sync.Mutex
	statuses map[int]*slotStatus
	closed   bool

	stop chan struct{}
	wg   sync.WaitGroup
}

type slotStatus struct {
	id       string
	state    State
	failures int
}

// PoolOption customizes pool construction.
type PoolOption func(*Pool)

// WithPoolLogger overrides the default no-op logger.
func WithPoolLogger(l logging.Printer) PoolOption {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewPool starts the sandbox slots and returns the manager.
func NewPool(settings PoolSettings, factory RunnerFactory, opts ...PoolOption) (*Pool, error) {
	if settings.Count < 1 {
		return nil, fmt.Errorf("sandbox: pool needs at least one sandbox")
	}
	if settings.QueueDepth < 0 {
		return nil, fmt.Errorf("sandbox: queue depth cannot be negative")
	}
	if settings.FailureThreshold < 1 {
		settings.FailureThreshold = 3
	}
	if settings.CallTimeout <= 0 {
		settings.CallTimeout = 2 * time.Minute
	}
	if settings.ProbeInterval <= 0 {
		settings.ProbeInterval = 30 * time.Second
	}
	if factory == nil {
		return nil, fmt.Errorf("sandbox: runner factory is required")
	}
	p := &Pool{
		settings: settings,
		factory:  factory,
		logger:   logging.Nop{},
		queue:    make(chan job, settings.QueueDepth),
		statuses: make(map[int]*slotStatus, settings.Count),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	for slot := 0; slot < settings.Count; slot++ {
		p.statuses[slot] = &slotStatus{id: newSandboxID(), state: StateStarting}
		p.wg.Add(1)
		go p.runSlot(slot)
	}
	return p, nil
}

// Infer runs one request on any sandbox. Requests are validated before they
// consume queue space; a full queue returns ErrQueueFull immediately so the
// caller can apply backpressure instead of blocking forever.
func (p *Pool) Infer(ctx context.Context, req Request) (Result, error) {
	if err := req.Validate(); err != nil {
		return Result{}, err
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return Result{}, ErrPoolClosed
	}
	p.mu.Unlock()

	j := job{ctx: ctx, req: req, reply: make(chan jobReply, 1)}
	select {
	case p.queue <- j:
	default:
		return Result{}, ErrQueueFull
	}

	select {
	case reply := <-j.reply:
		return reply.result, reply.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-p.stop:
		return Result{}, ErrPoolClosed
	}
}

// PoolHealth snapshots queue depth and every sandbox status.
func (p *Pool) PoolHealth() Health {
	p.mu.Lock()
	defer p.mu.Unlock()
	h := Health{
		QueueDepth: len(p.queue),
		QueueLimit: p.settings.QueueDepth,
		Sandboxes:  make([]Status, 0, len(p.statuses)),
	}
	for slot := 0; slot < p.settings.Count; slot++ {
		st := p.statuses[slot]
		h.Sandboxes = append(h.Sandboxes, Status{ID: st.id, State: st.state, Failures: st.failures})
	}
	return h
}

// Close drains the pool. In-flight calls receive ErrPoolClosed.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, st := range p.statuses {
		st.state = StateDraining
	}
	p.mu.Unlock()
	close(p.stop)
	p.wg.Wait()
}

// runSlot is the supervising loop for one sandbox slot. It owns the
// runner's full lifecycle: start, serve, probe, evict, replace.
func (p *Pool) runSlot(slot int) {
	defer p.wg.Done()

	runner := p.factory(p.slotID(slot))
	if !p.startRunner(slot, runner) {
		runner = p.replaceRunner(slot, runner)
		if runner == nil {
			return
		}
	}
	defer runner.Stop()

	probe := time.NewTicker(p.settings.ProbeInterval)
	defer probe.Stop()

	for {
		select {
		case <-p.stop:
			return

		case <-probe.C:
			if !p.is(slot, StateReady) {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), p.settings.CallTimeout)
			err := runner.Ping(ctx)
			cancel()
			if err != nil {
				p.logger.Printf("sandbox %s: liveness probe failed: %v", p.slotID(slot), err)
				if p.recordFailure(slot) {
					runner = p.replaceRunner(slot, runner)
					if runner == nil {
						return
					}
				}
			}

		case j := <-p.queue:
			p.setState(slot, StateBusy)
			result, err := p.serve(runner, j)
			if err != nil {
				j.reply <- jobReply{err: err}
				// Caller mistakes and abandoned calls are not sandbox
				// failures; a pool-side timeout or crash is.
				if errors.Is(err, ErrInvalidRequest) || j.ctx.Err() != nil {
					p.setState(slot, StateReady)
					continue
				}
				p.logger.Printf("sandbox %s: request failed: %v", p.slotID(slot), err)
				if p.recordFailure(slot) {
					runner = p.replaceRunner(slot, runner)
					if runner == nil {
						return
					}
					continue
				}
				p.setState(slot, StateReady)
				continue
			}
			j.reply <- jobReply{result: result}
			p.clearFailures(slot)
			p.setState(slot, StateReady)
		}
	}
}

func (p *Pool) serve(runner Runner, j job) (Result, error) {
	ctx, cancel := context.WithTimeout(j.ctx, p.settings.CallTimeout)
	defer cancel()
	return runner.Call(ctx, j.req)
}

// startRunner moves a slot Starting -> Ready, or Crashed on spawn failure.
func (p *Pool) startRunner(slot int, runner Runner) bool {
	p.setState(slot, StateStarting)
	ctx, cancel := context.WithTimeout(context.Background(), p.settings.CallTimeout)
	defer cancel()
	if err := runner.Start(ctx); err != nil {
		p.logger.Printf("sandbox %s: start failed: %v", p.slotID(slot), err)
		p.setState(slot, StateCrashed)
		return false
	}
	p.setState(slot, StateReady)
	return true
}

// replaceRunner evicts the current runner and brings up a fresh sandbox
// with a new id and a reset failure counter. Repeated spawn failures back
// off rather than spin. Returns nil only when the pool is shutting down.
func (p *Pool) replaceRunner(slot int, old Runner) Runner {
	if old != nil {
		_ = old.Stop()
	}
	backoff := 100 * time.Millisecond
	for {
		select {
		case <-p.stop:
			return nil
		default:
		}
		id := newSandboxID()
		p.mu.Lock()
		p.statuses[slot] = &slotStatus{id: id, state: StateStarting}
		p.mu.Unlock()
		p.logger.Printf("sandbox %s: starting replacement", id)

		runner := p.factory(id)
		if p.startRunner(slot, runner) {
			return runner
		}
		_ = runner.Stop()
		select {
		case <-p.stop:
			return nil
		case <-time.After(backoff):
		}
		if backoff < 5*time.Second {
			backoff *= 2
		}
	}
}

// recordFailure bumps the consecutive-failure counter and reports whether
// the sandbox crossed the eviction threshold.
func (p *Pool) recordFailure(slot int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.statuses[slot]
	st.failures++
	if st.failures >= p.settings.FailureThreshold {
		st.state = StateCrashed
		return true
	}
	return false
}

func (p *Pool) clearFailures(slot int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statuses[slot].failures = 0
}

func (p *Pool) setState(slot int, state State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.statuses[slot].state = state
}

func (p *Pool) is(slot int, state State) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statuses[slot].state == state
}

func (p *Pool) slotID(slot int) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statuses[slot].id
}

func newSandboxID() string {
	return "sbx-" + uuid.NewString()[:8]
}
