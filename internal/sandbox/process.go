package sandbox

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/hyperpolymath/academic-workflow-suite-sub002/internal/config"
)

// JailArgs assembles the jail command line that enforces the isolation
// policy: no network, read-only root, one writable scratch path, a clean
// environment, and death with the parent so an orphaned jail can never
// linger. Memory and CPU ceilings ride along as jail arguments; the host
// mechanism enforces them, we only configure them.
func JailArgs(cfg config.SandboxConfig, scratchDir string) []string {
	args := []string{
		"--die-with-parent",
		"--unshare-all",
		"--clearenv",
		"--ro-bind", "/", "/",
		"--tmpfs", "/tmp",
	}
	if scratchDir != "" {
		args = append(args, "--bind", scratchDir, "/scratch")
	}
	if cfg.MemoryLimitMB > 0 {
		args = append(args, "--setenv", "MARKS_MEMORY_LIMIT_MB", fmt.Sprintf("%d", cfg.MemoryLimitMB))
	}
	if cfg.CPUShares > 0 {
		args = append(args, "--setenv", "MARKS_CPU_SHARES", fmt.Sprintf("%d", cfg.CPUShares))
	}
	args = append(args, "--unshare-user", "--uid", "65534", "--gid", "65534")
	return args
}

// ProcessRunner speaks the newline-delimited JSON protocol with one jailed
// inference process over its stdio. The pool serializes calls per runner,
// so a single pending request at a time is an invariant, not a limitation.
type ProcessRunner struct {
	jailCommand string
	jailArgs    []string
	binary      string

	mu    sync.Mutex
	cmd   *exec.Cmd
	stdin io.WriteCloser
	lines chan []byte
	exit  chan error
}

// NewProcessRunner prepares (but does not start) a jailed process.
func NewProcessRunner(jailCommand string, jailArgs []string, binary string) *ProcessRunner {
	return &ProcessRunner{
		jailCommand: jailCommand,
		jailArgs:    jailArgs,
		binary:      binary,
	}
}

// RunnerFactoryFromConfig builds the production factory used by the daemon.
func RunnerFactoryFromConfig(cfg config.SandboxConfig, scratchDir string) RunnerFactory {
	args := JailArgs(cfg, scratchDir)
	return func(id string) Runner {
		return NewProcessRunner(cfg.JailCommand, args, cfg.JailBinary)
	}
}

// Start spawns the jail and begins pumping its stdout.
func (r *ProcessRunner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cmd != nil {
		return fmt.Errorf("sandbox: runner already started")
	}
	if r.binary == "" {
		return fmt.Errorf("sandbox: jail binary not configured")
	}

	args := append(append([]string{}, r.jailArgs...), r.binary)
	cmd := exec.Command(r.jailCommand, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("sandbox: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("sandbox: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("sandbox: spawn %s: %w", r.jailCommand, err)
	}

	r.cmd = cmd
	r.stdin = stdin
	r.lines = make(chan []byte, 1)
	r.exit = make(chan error, 1)

	lines, exit := r.lines, r.exit
	go func() {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := make([]byte, len(scanner.Bytes()))
			copy(line, scanner.Bytes())
			lines <- line
		}
		exit <- cmd.Wait()
		close(lines)
	}()

	// The first protocol exchange confirms the model loaded.
	return r.ping(ctx)
}

// Call sends one request and waits for its response. It returns early if
// the process exits or the context expires.
func (r *ProcessRunner) Call(ctx context.Context, req Request) (Result, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("%w: encode request: %v", ErrInference, err)
	}
	line, err := r.roundTrip(ctx, append(payload, '\n'))
	if err != nil {
		return Result{}, err
	}
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return Result{}, fmt.Errorf("%w: malformed response: %v", ErrInference, err)
	}
	switch {
	case resp.Result != nil:
		return *resp.Result, nil
	case resp.Err != nil:
		return Result{}, resp.Err.AsError()
	default:
		return Result{}, fmt.Errorf("%w: response carried neither result nor error", ErrInference)
	}
}

// Ping probes liveness over the same protocol channel.
func (r *ProcessRunner) Ping(ctx context.Context) error {
	return r.ping(ctx)
}

func (r *ProcessRunner) ping(ctx context.Context) error {
	line, err := r.roundTrip(ctx, PingLine())
	if err != nil {
		return err
	}
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return fmt.Errorf("%w: malformed pong: %v", ErrInference, err)
	}
	if resp.Status != StatusPong {
		return fmt.Errorf("%w: expected pong, got %q", ErrInference, resp.Status)
	}
	return nil
}

func (r *ProcessRunner) roundTrip(ctx context.Context, line []byte) ([]byte, error) {
	r.mu.Lock()
	stdin, lines, exit := r.stdin, r.lines, r.exit
	r.mu.Unlock()
	if stdin == nil {
		return nil, fmt.Errorf("%w: runner not started", ErrInference)
	}
	if _, err := stdin.Write(line); err != nil {
		return nil, fmt.Errorf("%w: sandbox stdin closed: %v", ErrInference, err)
	}
	select {
	case resp, ok := <-lines:
		if !ok {
			return nil, fmt.Errorf("%w: sandbox exited mid-request", ErrInference)
		}
		return resp, nil
	case err := <-exit:
		return nil, fmt.Errorf("%w: sandbox exited mid-request: %v", ErrInference, err)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop closes stdin (the jail exits on EOF) and reaps the process.
func (r *ProcessRunner) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cmd == nil {
		return nil
	}
	if r.stdin != nil {
		_ = r.stdin.Close()
	}
	if r.cmd.Process != nil {
		_ = r.cmd.Process.Kill()
	}
	r.cmd = nil
	r.stdin = nil
	return nil
}
