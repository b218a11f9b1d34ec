package runtime

import (
	"context"
	"time"

	"github.com/petrandreev/graphflow/pkg/graph"
)

// ExecContext carries the active execution state into evaluator calls.
// Action and guard code receives everything it needs explicitly; there is
// no ambient "current token" anywhere.
type ExecContext struct {
	Instance *ProcessInstance
	Token    *Token
	Node     *graph.Node
}

// Evaluator evaluates opaque expressions: decision guards, node actions
// and timer actions. The language is the evaluator's business; the kernel
// only interprets guard results for truthiness.
type Evaluator interface {
	Evaluate(ctx context.Context, expr string, ec ExecContext) (any, error)
}

// EvaluatorFunc adapts a function to the Evaluator interface.
type EvaluatorFunc func(ctx context.Context, expr string, ec ExecContext) (any, error)

func (f EvaluatorFunc) Evaluate(ctx context.Context, expr string, ec ExecContext) (any, error) {
	return f(ctx, expr, ec)
}

// JoinLocker is the pessimistic lock a join takes on the parent token to
// serialize the "last arrival" race between sibling tokens committing from
// different workers. Implementations are lease-style and TTL-bounded.
type JoinLocker interface {
	// AcquireJoinLock blocks until the lock on (instance, token) is held
	// by owner, the ttl budget is spent, or ctx is done.
	AcquireJoinLock(ctx context.Context, instanceID string, tokenID TokenID, owner string, ttl time.Duration) error
	// ReleaseJoinLock releases the lock if owner holds it. Idempotent.
	ReleaseJoinLock(ctx context.Context, instanceID string, tokenID TokenID, owner string) error
}

// Hooks receives traversal callbacks. Used by the engine to bridge to its
// observer; nil hooks are skipped.
type Hooks interface {
	NodeEntered(in *ProcessInstance, tok *Token, n *graph.Node)
	NodeLeft(in *ProcessInstance, tok *Token, n *graph.Node, transition string)
}

// Env bundles the services and budgets one signal call runs with, plus the
// buffered side effects the caller must commit together with the instance.
type Env struct {
	Context   context.Context
	Evaluator Evaluator
	Calendar  BusinessCalendar
	Locker    JoinLocker
	Hooks     Hooks

	Now func() time.Time

	// Owner identifies this execution for token locks and join leases.
	Owner string

	// MaxSteps bounds the trampoline; zero selects DefaultMaxSteps.
	MaxSteps int

	// JoinLockTTL bounds join lease acquisition; zero selects
	// DefaultJoinLockTTL.
	JoinLockTTL time.Duration

	// DefaultRetries is the retry budget for jobs created during
	// traversal when the timer spec does not set one.
	DefaultRetries int

	// InJob is set while the executor replays a deferred node behavior,
	// so an async node does not re-defer itself.
	InJob bool

	// CreatedJobs and CancelledTimers accumulate job effects. The engine
	// commits them in the same unit of work as the instance.
	CreatedJobs     []*Job
	CancelledTimers []TimerKey

	// HeldJoinLocks are the leases acquired during this signal. The
	// engine releases them after the commit, so the last-arrival decision
	// and its write are not interleaved with a sibling's.
	HeldJoinLocks []TokenID
}

const (
	DefaultMaxSteps    = 10_000
	DefaultJoinLockTTL = 30 * time.Second
)

func (env *Env) ctx() context.Context {
	if env.Context != nil {
		return env.Context
	}
	return context.Background()
}

func (env *Env) now() time.Time {
	if env.Now != nil {
		return env.Now()
	}
	return time.Now()
}

func (env *Env) maxSteps() int {
	if env.MaxSteps > 0 {
		return env.MaxSteps
	}
	return DefaultMaxSteps
}

func (env *Env) joinLockTTL() time.Duration {
	if env.JoinLockTTL > 0 {
		return env.JoinLockTTL
	}
	return DefaultJoinLockTTL
}

// Truthy interprets an evaluator result as a guard outcome.
func Truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x == "true" || x == "yes"
	case int:
		return x != 0
	case int64:
		return x != 0
	case float64:
		return x != 0
	default:
		return true
	}
}
