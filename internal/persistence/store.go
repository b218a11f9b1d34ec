// Package persistence defines the storage contracts the kernel runs
// against and ships three implementations: in-memory, SQLite and BoltDB.
// The kernel itself never touches a backend directly; every mutation of an
// instance goes through CommitUnit, which applies the instance update and
// the signal's job effects together, guarded by the instance version.
package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/petrandreev/graphflow/pkg/graph"
	"github.com/petrandreev/graphflow/pkg/runtime"
)

var (
	// ErrDefinitionNotFound is returned for an unknown definition name or
	// version.
	ErrDefinitionNotFound = errors.New("process definition not found")

	// ErrInstanceNotFound is returned when an instance ID is unknown.
	ErrInstanceNotFound = errors.New("process instance not found")

	// ErrJobNotFound is returned when a job ID is unknown.
	ErrJobNotFound = errors.New("job not found")

	// ErrStaleInstance is the optimistic-concurrency conflict: the
	// instance changed since it was loaded. The losing unit of work is
	// discarded; retrying is the caller's decision, never the kernel's.
	ErrStaleInstance = errors.New("stale process instance version")
)

// DefinitionStore keeps deployed process definitions. Definitions are
// immutable values and live in memory; applications re-deploy them on
// process start.
type DefinitionStore interface {
	SaveDefinition(def *graph.Definition) error
	GetDefinition(name string, version int) (*graph.Definition, error)
	// LatestVersion returns the highest deployed version of name, or 0 if
	// none exists.
	LatestVersion(name string) (int, error)
}

// InstanceFilter selects instances. Zero values mean "no filter".
type InstanceFilter struct {
	DefinitionName string
	Ended          *bool
}

// Unit is one unit of work: the updated instance aggregate plus the job
// effects accumulated while it was being mutated. A store applies all of
// it or none of it.
type Unit struct {
	Instance *runtime.ProcessInstance

	CreateJobs   []*runtime.Job
	DeleteJobIDs []string
	CancelTimers []runtime.TimerKey
}

// InstanceStore persists process instances.
//
// CommitUnit checks that the persisted version still equals the version
// the instance was loaded with; on success it stores the aggregate with
// the version incremented (mirroring the increment onto u.Instance), on
// mismatch it returns ErrStaleInstance and changes nothing.
//
// The token-lock methods are the lease primitive joins use to serialize
// sibling arrivals: a lease held by the same owner is re-entrant, an
// expired lease may be stolen.
type InstanceStore interface {
	SaveInstance(ctx context.Context, in *runtime.ProcessInstance) error
	GetInstance(ctx context.Context, id string) (*runtime.ProcessInstance, error)
	ListInstances(ctx context.Context, f InstanceFilter) ([]*runtime.ProcessInstance, error)
	CommitUnit(ctx context.Context, u Unit) error

	TryAcquireTokenLock(ctx context.Context, instanceID string, tokenID runtime.TokenID, owner string, ttl time.Duration) (bool, error)
	ReleaseTokenLock(ctx context.Context, instanceID string, tokenID runtime.TokenID, owner string) error
}

// JobStore persists jobs and implements the executor's claim protocol.
type JobStore interface {
	SaveJob(ctx context.Context, j *runtime.Job) error
	GetJob(ctx context.Context, id string) (*runtime.Job, error)
	ListJobs(ctx context.Context, instanceID string) ([]*runtime.Job, error)
	UpdateJob(ctx context.Context, j *runtime.Job) error
	DeleteJob(ctx context.Context, id string) error
	DeleteJobsByInstance(ctx context.Context, instanceID string) error
	DeleteTimersByName(ctx context.Context, instanceID string, key runtime.TimerKey) error

	// AcquireJobs atomically claims up to limit due jobs for owner:
	// not terminally failed, due at or before now, and unlocked or
	// overdue. Claimed jobs are stamped with owner and now+lockTTL so a
	// crashed worker's claims expire and are reclaimed.
	AcquireJobs(ctx context.Context, owner string, now time.Time, lockTTL time.Duration, limit int) ([]*runtime.Job, error)
}

// Persistence bundles the stores an engine runs on.
type Persistence struct {
	Definitions DefinitionStore
	Instances   InstanceStore
	Jobs        JobStore
}
