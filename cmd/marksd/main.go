// cmd/marksd/main.go
//
// The marking daemon. `marksd` starts the full subsystem (registry, worker
// pool, core bridge, sandbox pool, HTTP ingress) in the current directory's
// .marks project; `marksd engine` runs the engine child the subprocess
// bridge transport spawns, speaking length-framed JSON over stdio.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hyperpolymath/academic-workflow-suite-sub002/internal/bridge"
	"github.com/hyperpolymath/academic-workflow-suite-sub002/internal/config"
	"github.com/hyperpolymath/academic-workflow-suite-sub002/internal/engine"
	"github.com/hyperpolymath/academic-workflow-suite-sub002/internal/ingress"
	"github.com/hyperpolymath/academic-workflow-suite-sub002/internal/logging"
	"github.com/hyperpolymath/academic-workflow-suite-sub002/internal/orchestrator"
	"github.com/hyperpolymath/academic-workflow-suite-sub002/internal/plugins"
	"github.com/hyperpolymath/academic-workflow-suite-sub002/internal/registry"
	"github.com/hyperpolymath/academic-workflow-suite-sub002/internal/sandbox"
	"github.com/hyperpolymath/academic-workflow-suite-sub002/internal/workerpool"
)

const snapshotInterval = 5 * time.Second

func main() {
	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error getting working directory: %v\n", err)
		os.Exit(1)
	}

	if len(os.Args) > 1 && os.Args[1] == "engine" {
		if err := runEngineChild(cwd); err != nil {
			fmt.Fprintf(os.Stderr, "Engine child failed: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := runDaemon(cwd); err != nil {
		fmt.Fprintf(os.Stderr, "Daemon failed: %v\n", err)
		os.Exit(1)
	}
}

func runDaemon(projectDir string) error {
	if err := config.InitMarksDir(projectDir); err != nil {
		return fmt.Errorf("initialize .marks directory: %w", err)
	}
	cfg, err := config.NewConfig(projectDir)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.LogsDir())
	if err != nil {
		return err
	}
	defer logger.Close()
	logger.Printf("marksd: starting in %s", projectDir)

	reg := registry.New(registry.WithLogger(logger))
	defer reg.Close()

	eng, pool, healthFn, err := buildEngine(cfg, logger)
	if err != nil {
		return err
	}
	defer eng.Close()
	if pool != nil {
		defer pool.Close()
	}

	workers, err := workerpool.New(workerpool.Settings{
		PoolSize:     cfg.Project.Workers.PoolSize,
		QueueDepth:   cfg.Project.Workers.QueueDepth,
		MaxRetries:   cfg.Project.Workers.MaxRetries,
		StageTimeout: cfg.Project.Workers.StageTimeout,
	}, eng, reg, workerpool.WithLogger(logger))
	if err != nil {
		return err
	}
	defer workers.Close()

	orch, err := orchestrator.New(reg, workers, eng,
		orchestrator.WithLogger(logger),
		orchestrator.WithPoolHealth(healthFn),
	)
	if err != nil {
		return err
	}

	server, err := ingress.NewServer(ingress.Settings{
		Enabled: cfg.Project.Ingress.Enabled,
		Host:    cfg.Project.Ingress.Host,
		Port:    cfg.Project.Ingress.Port,
	}, orch, ingress.WithLogger(logger))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Project.Ingress.Enabled {
		if err := server.Start(ctx); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return snapshotLoop(gctx, reg, cfg.StateDir(), logger)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Printf("marksd: shutting down")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// buildEngine assembles the bridge for the configured transport. The
// returned pool is non-nil only on the in-process transport, where the
// daemon owns the sandboxes itself.
func buildEngine(cfg *config.Config, logger logging.Printer) (bridge.Engine, *sandbox.Pool, orchestrator.PoolHealthFunc, error) {
	if cfg.Project.Bridge.Transport == "subprocess" {
		sub, err := bridge.NewSubprocess(bridge.SubprocessSettings{
			Command:     strings.Fields(cfg.Project.Bridge.Command),
			CallTimeout: cfg.Project.Bridge.CallTimeout,
			MaxRestarts: cfg.Project.Bridge.MaxRestarts,
		}, bridge.WithBridgeLogger(logger))
		if err != nil {
			return nil, nil, nil, err
		}
		health := func() sandbox.Health {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			h, err := sub.PoolHealth(ctx)
			if err != nil {
				logger.Printf("marksd: pool health query failed: %v", err)
				return sandbox.Health{}
			}
			return h
		}
		return sub, nil, health, nil
	}

	pool, eng, err := buildLocalEngine(cfg, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	return bridge.NewInProcess(eng), pool, pool.PoolHealth, nil
}

// buildLocalEngine wires a sandbox pool and engine inside this process.
// Shared by the in-process transport and the engine child.
func buildLocalEngine(cfg *config.Config, logger logging.Printer) (*sandbox.Pool, *engine.Engine, error) {
	factory := sandbox.RunnerFactoryFromConfig(cfg.Project.Sandbox, cfg.ScratchDir())
	pool, err := sandbox.NewPool(sandbox.PoolSettings{
		Count:            cfg.Project.Sandbox.Count,
		QueueDepth:       cfg.Project.Sandbox.QueueDepth,
		CallTimeout:      cfg.Project.Sandbox.CallTimeout,
		FailureThreshold: cfg.Project.Sandbox.FailureThreshold,
	}, factory, sandbox.WithPoolLogger(logger))
	if err != nil {
		return nil, nil, err
	}

	opts := []engine.Option{engine.WithLogger(logger)}
	if salt := os.Getenv("MARKS_ANON_SALT"); salt != "" {
		opts = append(opts, engine.WithAnonymizerSalt(salt))
	}
	chain, err := plugins.LoadDir(cfg.PluginsDir())
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	if chain != nil {
		logger.Printf("marksd: loaded %d feedback formatter plugins", len(chain.Paths()))
		opts = append(opts, engine.WithFormatter(chain))
	}

	eng, err := engine.New(pool, opts...)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return pool, eng, nil
}

// runEngineChild serves the framed engine protocol over stdio until the
// parent closes the pipe.
func runEngineChild(projectDir string) error {
	cfg, err := config.NewConfig(projectDir)
	if err != nil {
		return err
	}
	logger, err := logging.NewFile(cfg.LogsDir(), "engine.log")
	if err != nil {
		return err
	}
	defer logger.Close()
	logger.Printf("engine: child started")

	pool, eng, err := buildLocalEngine(cfg, logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return bridge.Serve(ctx, eng, os.Stdin, os.Stdout, logger,
		bridge.WithServePoolHealth(pool.PoolHealth))
}

// snapshotLoop periodically writes the registry's job table under the state
// dir so an operator can inspect the last known states after a crash.
func snapshotLoop(ctx context.Context, reg *registry.Registry, stateDir string, logger logging.Printer) error {
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()
	path := filepath.Join(stateDir, "jobs.json")
	for {
		select {
		case <-ctx.Done():
			writeSnapshot(path, reg, logger)
			return ctx.Err()
		case <-ticker.C:
			writeSnapshot(path, reg, logger)
		}
	}
}

func writeSnapshot(path string, reg *registry.Registry, logger logging.Printer) {
	jobs := reg.List()
	data, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		logger.Printf("marksd: encode job snapshot: %v", err)
		return
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		logger.Printf("marksd: write job snapshot: %v", err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		logger.Printf("marksd: publish job snapshot: %v", err)
	}
}
