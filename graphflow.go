package graphflow

import (
	"context"
	"database/sql"

	"go.etcd.io/bbolt"

	"github.com/petrandreev/graphflow/internal/engine"
	"github.com/petrandreev/graphflow/internal/persistence"
	"github.com/petrandreev/graphflow/pkg/api"
	"github.com/petrandreev/graphflow/pkg/graph"
	"github.com/petrandreev/graphflow/pkg/runtime"
)

// Re-export key types so users don't need to dig into pkg/api, pkg/graph
// and pkg/runtime.

type (
	Engine              = api.Engine
	InstanceListOptions = api.InstanceListOptions
	TimerRequest        = api.TimerRequest
	Observer            = api.Observer
	LoggingObserver     = api.LoggingObserver
	BasicMetrics        = api.BasicMetrics
	CompositeObserver   = api.CompositeObserver
	NoopObserver        = api.NoopObserver

	Definition = graph.Definition
	Builder    = graph.Builder
	TimerSpec  = graph.TimerSpec
	LockMode   = graph.LockMode

	ProcessInstance  = runtime.ProcessInstance
	Token            = runtime.Token
	TokenID          = runtime.TokenID
	Job              = runtime.Job
	Evaluator        = runtime.Evaluator
	EvaluatorFunc    = runtime.EvaluatorFunc
	BusinessCalendar = runtime.BusinessCalendar
	Calendar         = runtime.Calendar
	CalendarSet      = runtime.CalendarSet

	// Config carries the engine's collaborators for the WithConfig
	// constructors.
	Config = engine.Config
)

// Re-export common helpers.

var (
	NewBuilder           = graph.NewBuilder
	NewCalendar          = runtime.NewCalendar
	NewCalendarSet       = runtime.NewCalendarSet
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
)

// Re-export join lock modes for convenience.

const (
	LockRead    = graph.LockRead
	LockUpgrade = graph.LockUpgrade
	LockForce   = graph.LockForce
)

// Engine constructors. These wrap the internal/engine package so
// external callers never need to import internal packages.

// NewInMemoryEngine returns an Engine backed entirely by in-memory
// stores.
func NewInMemoryEngine() Engine {
	eng, err := engine.New(engine.Config{
		Persistence: persistence.NewMemoryPersistence(),
	})
	if err != nil {
		// The in-memory configuration cannot be invalid.
		panic(err)
	}
	return eng
}

// NewInMemoryEngineWithConfig returns an in-memory Engine with the given
// collaborators; cfg.Persistence is ignored.
func NewInMemoryEngineWithConfig(cfg Config) (Engine, error) {
	cfg.Persistence = persistence.NewMemoryPersistence()
	return engine.New(cfg)
}

// NewSQLiteEngine returns an Engine that persists instances and jobs in
// a SQLite database. Process definitions are kept in-memory.
func NewSQLiteEngine(db *sql.DB) (Engine, error) {
	return NewSQLiteEngineWithConfig(db, Config{})
}

// NewSQLiteEngineWithConfig is NewSQLiteEngine with explicit
// collaborators; cfg.Persistence is ignored.
func NewSQLiteEngineWithConfig(db *sql.DB, cfg Config) (Engine, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	cfg.Persistence = persistence.Persistence{
		Definitions: persistence.NewMemoryDefinitionStore(),
		Instances:   store,
		Jobs:        store,
	}
	return engine.New(cfg)
}

// NewBoltEngine returns an Engine that persists instances and jobs in a
// BoltDB file. Process definitions are kept in-memory.
func NewBoltEngine(db *bbolt.DB) (Engine, error) {
	return NewBoltEngineWithConfig(db, Config{})
}

// NewBoltEngineWithConfig is NewBoltEngine with explicit collaborators;
// cfg.Persistence is ignored.
func NewBoltEngineWithConfig(db *bbolt.DB, cfg Config) (Engine, error) {
	store, err := persistence.NewBoltStore(db)
	if err != nil {
		return nil, err
	}
	cfg.Persistence = persistence.Persistence{
		Definitions: persistence.NewMemoryDefinitionStore(),
		Instances:   store,
		Jobs:        store,
	}
	return engine.New(cfg)
}

// Convenience helpers that just forward to the underlying Engine.

// Deploy stores a definition under the next version of its name.
func Deploy(ctx context.Context, eng Engine, def *Definition) error {
	return eng.Deploy(ctx, def)
}

// Start creates an instance of the named definition and signals its root
// token once, moving the process off the start node.
func Start(ctx context.Context, eng Engine, definitionName string, variables map[string]any) (*ProcessInstance, error) {
	in, err := eng.CreateInstance(ctx, definitionName, variables)
	if err != nil {
		return nil, err
	}
	return eng.SignalRoot(ctx, in.ID, "")
}

// GetInstance fetches an instance by ID.
func GetInstance(ctx context.Context, eng Engine, id string) (*ProcessInstance, error) {
	return eng.GetInstance(ctx, id)
}

// ListInstances lists process instances according to the given options.
func ListInstances(ctx context.Context, eng Engine, opts InstanceListOptions) ([]*ProcessInstance, error) {
	return eng.ListInstances(ctx, opts)
}
