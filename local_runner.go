package graphflow

import (
	"context"
	"sync"
	"time"

	"github.com/petrandreev/graphflow/internal/engine"
	"github.com/petrandreev/graphflow/internal/persistence"
	"github.com/petrandreev/graphflow/pkg/executor"
)

// LocalRunner bundles an in-memory Engine and an Executor to provide a
// simple single-process runtime for development and testing.
//
// Typical usage:
//
//	runner, _ := graphflow.NewLocalRunner()
//	_ = runner.Engine.Deploy(ctx, def)
//	inst, _ := graphflow.Start(ctx, runner.Engine, def.Name, nil)
//
//	runner.StartWorkers(ctx)
//	// ... timers and async nodes now execute in the background
//	runner.Stop()
type LocalRunner struct {
	// Engine is the in-memory engine used by this runner.
	Engine Engine

	// Executor runs the engine's deferred jobs.
	Executor *executor.Executor

	mu      sync.Mutex
	running bool
}

// LocalRunnerConfig tunes a LocalRunner. Zero values select the executor
// defaults, except PollInterval which defaults to a short 50ms so tests
// observe timer firings promptly.
type LocalRunnerConfig struct {
	Workers      int
	PollInterval time.Duration

	Engine Config
}

// NewLocalRunner constructs a LocalRunner with default configuration.
func NewLocalRunner() (*LocalRunner, error) {
	return NewLocalRunnerWithConfig(LocalRunnerConfig{})
}

// NewLocalRunnerWithConfig constructs a LocalRunner from cfg.
func NewLocalRunnerWithConfig(cfg LocalRunnerConfig) (*LocalRunner, error) {
	p := persistence.NewMemoryPersistence()

	ecfg := cfg.Engine
	ecfg.Persistence = p
	eng, err := engine.New(ecfg)
	if err != nil {
		return nil, err
	}

	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 50 * time.Millisecond
	}
	exec, err := executor.New(executor.Config{
		Runner:       eng,
		Jobs:         p.Jobs,
		Calendar:     ecfg.Calendar,
		Observer:     ecfg.Observer,
		Logger:       ecfg.Logger,
		Workers:      cfg.Workers,
		PollInterval: poll,
	})
	if err != nil {
		return nil, err
	}
	eng.SetJobNotifier(exec)

	return &LocalRunner{Engine: eng, Executor: exec}, nil
}

// StartWorkers starts the executor's worker pool. Calling it again
// before Stop is a no-op.
func (r *LocalRunner) StartWorkers(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.running = true
	r.Executor.Start(ctx)
}

// Stop shuts the worker pool down and waits for in-flight jobs.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	r.running = false
	r.Executor.Stop()
}
