package runtime

import (
	"time"

	"github.com/google/uuid"

	"github.com/petrandreev/graphflow/pkg/graph"
)

// JobKind discriminates what firing a job does.
type JobKind string

const (
	// JobTimer fires a timer: run its action, then signal the owning
	// token along the timer's transition, if any.
	JobTimer JobKind = "timer"

	// JobExecuteNode runs the deferred behavior of an async node and
	// continues traversal from there.
	JobExecuteNode JobKind = "execute-node"
)

// Job is a persistable unit of deferred work owned by a token. Lock fields
// implement the executor's claim protocol: a job with a LockOwner and a
// LockTime in the future is claimed; one whose LockTime has passed is
// overdue and eligible for reclaim by any worker.
type Job struct {
	ID   string
	Kind JobKind

	InstanceID string
	TokenID    TokenID

	// Name is the timer name; cancellation is by (token, name).
	Name string

	DueDate time.Time

	// Repeat is a duration description; empty means one-shot.
	Repeat string

	// Calendar is the calendar resource the first due-date computation
	// used. Repeats must reuse it, so it is stored on the job rather than
	// read from configuration at fire time.
	Calendar string

	// Action is evaluated when the job fires.
	Action string

	// Transition is signalled on the owning token after the action, if
	// non-empty.
	Transition string

	// Node is the position an execute-node job resumes at.
	Node graph.NodeID

	// Retries is the remaining retry budget. The job is attempted
	// budget+1 times in total before it is marked Failed.
	Retries int

	LockOwner string
	LockTime  time.Time

	// Exception preserves the last failure for operator inspection.
	Exception string

	// Failed marks a terminally failed job. It is kept, not retried.
	Failed bool

	CreatedAt time.Time
}

// NewJobID returns a fresh job ID.
func NewJobID() string { return uuid.NewString() }

// Claimed reports whether the job is currently claimed by a live lock.
func (j *Job) Claimed(now time.Time) bool {
	return j.LockOwner != "" && j.LockTime.After(now)
}

// Acquirable reports whether an acquisition pass at now may claim the
// job: due, not terminally failed, and either unlocked or overdue.
func (j *Job) Acquirable(now time.Time) bool {
	if j.Failed || j.DueDate.After(now) {
		return false
	}
	return !j.Claimed(now)
}

// ClearLock resets the claim fields.
func (j *Job) ClearLock() {
	j.LockOwner = ""
	j.LockTime = time.Time{}
}

// TimerKey identifies timers for cancellation by owning token and name.
type TimerKey struct {
	TokenID TokenID
	Name    string
}
