package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hyperpolymath/academic-workflow-suite-sub002/internal/engine"
	"github.com/hyperpolymath/academic-workflow-suite-sub002/internal/logging"
	"github.com/hyperpolymath/academic-workflow-suite-sub002/internal/sandbox"
)

// SubprocessSettings configures the child-process transport.
type SubprocessSettings struct {
	// Command is the argv of the engine child, e.g. ["marksd", "engine"].
	Command []string
	// CallTimeout bounds each individual call.
	CallTimeout time.Duration
	// MaxRestarts caps how many times a crashed child is relaunched before
	// the bridge reports itself permanently unavailable.
	MaxRestarts int
}

// Subprocess drives the engine over the stdio of a long-lived child
// process. Calls are multiplexed: a writer mutex serializes outgoing
// frames and a single reader goroutine matches responses to pending calls
// by request id, so responses may complete in any order.
type Subprocess struct {
	settings SubprocessSettings
	logger   logging.Printer

	mu       sync.Mutex
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	pending  map[string]chan response
	restarts int
	closed   bool
	dead     bool
}

// SubprocessOption customizes the transport.
type SubprocessOption func(*Subprocess)

// WithBridgeLogger overrides the default no-op logger.
func WithBridgeLogger(l logging.Printer) SubprocessOption {
	return func(b *Subprocess) {
		if l != nil {
			b.logger = l
		}
	}
}

// NewSubprocess spawns the engine child and returns the transport.
func NewSubprocess(settings SubprocessSettings, opts ...SubprocessOption) (*Subprocess, error) {
	if len(settings.Command) == 0 {
		return nil, fmt.Errorf("bridge: subprocess command is required")
	}
	if settings.CallTimeout <= 0 {
		settings.CallTimeout = 30 * time.Second
	}
	if settings.MaxRestarts < 0 {
		settings.MaxRestarts = 0
	}
	b := &Subprocess{
		settings: settings,
		logger:   logging.Nop{},
		pending:  make(map[string]chan response),
	}
	for _, opt := range opts {
		opt(b)
	}
	if err := b.spawn(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Subprocess) spawn() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.mu.Unlock()

	cmd := exec.Command(b.settings.Command[0], b.settings.Command[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("bridge: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("bridge: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("bridge: spawn %s: %w", b.settings.Command[0], err)
	}

	b.mu.Lock()
	if b.closed {
		// Close won the race while the child was starting; kill it here
		// since Close will never see it.
		b.mu.Unlock()
		_ = stdin.Close()
		_ = cmd.Process.Kill()
		go func() { _ = cmd.Wait() }()
		return ErrClosed
	}
	b.cmd = cmd
	b.stdin = stdin
	b.mu.Unlock()

	go b.readLoop(cmd, stdout)
	return nil
}

// readLoop owns the child's stdout. It runs until the stream breaks, then
// fails every pending call and decides whether to relaunch.
func (b *Subprocess) readLoop(cmd *exec.Cmd, stdout io.Reader) {
	for {
		payload, err := ReadFrame(stdout)
		if err != nil {
			b.onExit(cmd, err)
			return
		}
		var resp response
		if err := json.Unmarshal(payload, &resp); err != nil {
			b.logger.Printf("bridge: dropping malformed response frame: %v", err)
			continue
		}
		b.mu.Lock()
		ch, ok := b.pending[resp.RequestID]
		if ok {
			delete(b.pending, resp.RequestID)
		}
		b.mu.Unlock()
		if !ok {
			// Timed-out call whose answer arrived late.
			continue
		}
		ch <- resp
	}
}

func (b *Subprocess) onExit(cmd *exec.Cmd, cause error) {
	_ = cmd.Wait()

	b.mu.Lock()
	for id, ch := range b.pending {
		delete(b.pending, id)
		ch <- response{RequestID: id, Error: &wireError{Kind: errKindUnavailable, Message: ErrUnavailable.Error()}}
	}
	closed := b.closed
	b.restarts++
	exhausted := b.restarts > b.settings.MaxRestarts
	if exhausted {
		b.dead = true
	}
	b.cmd = nil
	b.stdin = nil
	b.mu.Unlock()

	if closed {
		return
	}
	if exhausted {
		b.logger.Printf("bridge: engine process gone (%v) and restart budget spent, giving up", cause)
		return
	}
	b.logger.Printf("bridge: engine process gone (%v), restarting", cause)
	backoff := time.Duration(b.restarts) * 250 * time.Millisecond
	time.Sleep(backoff)

	// Close may have landed during the backoff; relaunching now would
	// orphan a child nothing kills.
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	if err := b.spawn(); err != nil {
		if errors.Is(err, ErrClosed) {
			return
		}
		b.logger.Printf("bridge: restart failed: %v", err)
		b.mu.Lock()
		b.dead = true
		b.mu.Unlock()
	}
}

// call performs one framed round trip under the per-call timeout.
func (b *Subprocess) call(ctx context.Context, command string, data any) (json.RawMessage, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("bridge: encode %s: %w", command, err)
	}
	id := uuid.NewString()
	frame, err := json.Marshal(request{RequestID: id, Command: command, Data: payload})
	if err != nil {
		return nil, fmt.Errorf("bridge: encode %s envelope: %w", command, err)
	}

	ch := make(chan response, 1)
	b.mu.Lock()
	switch {
	case b.closed:
		b.mu.Unlock()
		return nil, ErrClosed
	case b.dead, b.stdin == nil:
		b.mu.Unlock()
		return nil, ErrUnavailable
	}
	b.pending[id] = ch
	stdin := b.stdin
	err = WriteFrame(stdin, frame)
	if err != nil {
		delete(b.pending, id)
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	b.mu.Unlock()

	timeout := time.NewTimer(b.settings.CallTimeout)
	defer timeout.Stop()
	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error.asError()
		}
		if !resp.Success {
			return nil, fmt.Errorf("bridge: %s failed without error detail", command)
		}
		return resp.Data, nil
	case <-timeout.C:
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, command, b.settings.CallTimeout)
	case <-ctx.Done():
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (b *Subprocess) Anonymize(ctx context.Context, sub engine.Submission) (engine.AnonymizedSubmission, error) {
	data, err := b.call(ctx, CommandAnonymize, sub)
	if err != nil {
		return engine.AnonymizedSubmission{}, err
	}
	var out engine.AnonymizedSubmission
	if err := json.Unmarshal(data, &out); err != nil {
		return engine.AnonymizedSubmission{}, fmt.Errorf("bridge: decode anonymize result: %w", err)
	}
	return out, nil
}

func (b *Subprocess) Parse(ctx context.Context, anon engine.AnonymizedSubmission) (engine.ParsedSubmission, error) {
	data, err := b.call(ctx, CommandParse, anon)
	if err != nil {
		return engine.ParsedSubmission{}, err
	}
	var out engine.ParsedSubmission
	if err := json.Unmarshal(data, &out); err != nil {
		return engine.ParsedSubmission{}, fmt.Errorf("bridge: decode parse result: %w", err)
	}
	return out, nil
}

func (b *Subprocess) GenerateFeedback(ctx context.Context, parsed engine.ParsedSubmission) (engine.Feedback, error) {
	data, err := b.call(ctx, CommandGenerateFeedback, parsed)
	if err != nil {
		return engine.Feedback{}, err
	}
	var out engine.Feedback
	if err := json.Unmarshal(data, &out); err != nil {
		return engine.Feedback{}, fmt.Errorf("bridge: decode feedback result: %w", err)
	}
	return out, nil
}

func (b *Subprocess) QueryEvents(ctx context.Context, q engine.EventQuery) ([]engine.Event, error) {
	data, err := b.call(ctx, CommandQueryEvents, q)
	if err != nil {
		return nil, err
	}
	var out queryEventsResult
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("bridge: decode events result: %w", err)
	}
	return out.Events, nil
}

func (b *Subprocess) HealthCheck(ctx context.Context) error {
	_, err := b.call(ctx, CommandHealthCheck, struct{}{})
	return err
}

// PoolHealth reads the child's sandbox pool snapshot. Not part of the
// Engine interface; the daemon wires it into the orchestrator directly
// when running on this transport.
func (b *Subprocess) PoolHealth(ctx context.Context) (sandbox.Health, error) {
	data, err := b.call(ctx, CommandPoolHealth, struct{}{})
	if err != nil {
		return sandbox.Health{}, err
	}
	var out sandbox.Health
	if err := json.Unmarshal(data, &out); err != nil {
		return sandbox.Health{}, fmt.Errorf("bridge: decode pool health: %w", err)
	}
	return out, nil
}

// Close stops the child. Pending calls fail with ErrUnavailable.
func (b *Subprocess) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	stdin, cmd := b.stdin, b.cmd
	b.mu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	return nil
}
