// Package api declares the engine-facing contracts of graphflow: the
// Engine interface applications drive processes through, and the Observer
// callbacks for logging and metrics.
package api

import (
	"context"
	"time"

	"github.com/petrandreev/graphflow/pkg/graph"
	"github.com/petrandreev/graphflow/pkg/runtime"
)

// InstanceListOptions filters ListInstances. Zero values mean "no filter".
type InstanceListOptions struct {
	DefinitionName string
	// Ended selects only ended (true) or only active (false) instances
	// when non-nil.
	Ended *bool
}

// TimerRequest describes a timer created directly through the engine
// rather than declaratively on a node.
type TimerRequest struct {
	InstanceID string
	// TokenID is the owning token; empty means the root token.
	TokenID runtime.TokenID
	Name    string
	DueDate time.Time
	// Repeat is a duration description ("2 business days", "30m"); empty
	// means one-shot.
	Repeat string
	// Calendar names the calendar resource for due-date arithmetic; empty
	// selects the default calendar.
	Calendar string
	// Action is evaluated when the timer fires.
	Action string
	// Transition is signalled on the owning token after the action, if
	// non-empty.
	Transition string
	// Retries is the retry budget; zero selects the engine default.
	Retries int
}

// Engine is the process-execution API. Deploy definitions once, then
// create instances and move their tokens with Signal. All work that an
// engine defers (timers, async continuations) lands in the job store and
// is executed by a worker pool calling ExecuteJob.
type Engine interface {
	// Deploy stores a definition. The version is assigned by the engine:
	// one greater than the latest deployed version of the same name.
	Deploy(ctx context.Context, def *graph.Definition) error

	// GetDefinition returns a deployed definition; version 0 selects the
	// latest.
	GetDefinition(ctx context.Context, name string, version int) (*graph.Definition, error)

	// CreateInstance starts a new instance of the latest version of the
	// named definition, with the given initial variables. The root token
	// rests on the start node; nothing executes until Signal.
	CreateInstance(ctx context.Context, definitionName string, variables map[string]any) (*runtime.ProcessInstance, error)

	// GetInstance looks up an instance by ID.
	GetInstance(ctx context.Context, id string) (*runtime.ProcessInstance, error)

	// ListInstances returns instances matching the given options.
	ListInstances(ctx context.Context, opts InstanceListOptions) ([]*runtime.ProcessInstance, error)

	// Signal moves the identified token along the named transition and
	// runs traversal until every propagated token rests again, then
	// commits the instance and its job effects atomically. An empty
	// transition name selects the node's default transition.
	Signal(ctx context.Context, instanceID string, tokenID runtime.TokenID, transition string) (*runtime.ProcessInstance, error)

	// SignalRoot signals the root token.
	SignalRoot(ctx context.Context, instanceID string, transition string) (*runtime.ProcessInstance, error)

	// SetVariable updates one process variable and commits.
	SetVariable(ctx context.Context, instanceID string, name string, value any) error

	// ReachMilestone marks a milestone reached and wakes every token
	// waiting on it, in arrival order.
	ReachMilestone(ctx context.Context, instanceID string, name string) (*runtime.ProcessInstance, error)

	// EndInstance force-ends an instance: every token ends and the
	// instance's jobs are removed.
	EndInstance(ctx context.Context, instanceID string) error

	// CreateTimer schedules a timer job.
	CreateTimer(ctx context.Context, req TimerRequest) (*runtime.Job, error)

	// DeleteTimer deletes one job by ID.
	DeleteTimer(ctx context.Context, jobID string) error

	// DeleteTimersByName deletes the timers with the given name owned by
	// the given token; an empty token ID matches any token of the
	// instance.
	DeleteTimersByName(ctx context.Context, instanceID string, key runtime.TimerKey) error

	// DeleteTimersByInstance deletes all jobs of an instance.
	DeleteTimersByInstance(ctx context.Context, instanceID string) error

	// ListJobs returns the pending jobs of an instance.
	ListJobs(ctx context.Context, instanceID string) ([]*runtime.Job, error)

	// ExecuteJob runs one claimed job: a timer fires (action, then
	// transition), an async continuation resumes its node. The caller, the
	// worker pool, owns the claim and the retry bookkeeping.
	ExecuteJob(ctx context.Context, job *runtime.Job) error

	// SetJobNotifier wires a worker pool's wake-up; the engine calls it
	// after committing a unit of work that produced jobs.
	SetJobNotifier(n JobNotifier)
}

// JobNotifier is told when new jobs are produced so a worker pool can
// wake before its next poll. Implementations must not block.
type JobNotifier interface {
	NotifyJobProduced()
}
