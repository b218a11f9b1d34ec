// Package executor runs the jobs the engine defers: timers and async node
// continuations. A pool of workers claims due jobs from the job store
// with a TTL lock, executes them through the engine, and owns the retry
// bookkeeping. A job claimed by a worker that crashes becomes overdue
// when its lock expires and is reclaimed by any other worker.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dogmatiq/linger/backoff"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/petrandreev/graphflow/internal/persistence"
	"github.com/petrandreev/graphflow/pkg/api"
	"github.com/petrandreev/graphflow/pkg/runtime"
)

// Runner executes one claimed job. The engine implements it.
type Runner interface {
	ExecuteJob(ctx context.Context, job *runtime.Job) error
}

const (
	DefaultWorkers      = 4
	DefaultPollInterval = 500 * time.Millisecond
	DefaultLockTTL      = 30 * time.Second
	DefaultBatchSize    = 16
)

// Config carries the executor's collaborators and tuning knobs. Zero
// values select the defaults above.
type Config struct {
	Runner Runner
	Jobs   persistence.JobStore

	// Calendar computes repeat due dates; nil selects the standard
	// calendar set. A repeating job always uses the calendar resource it
	// was created with.
	Calendar runtime.BusinessCalendar

	Observer api.Observer
	Logger   *slog.Logger

	// Owner identifies this executor's claims; empty selects a random
	// identity.
	Owner string

	Workers      int
	PollInterval time.Duration
	LockTTL      time.Duration
	BatchSize    int

	// BackoffStrategy paces polling after a store error.
	BackoffStrategy backoff.Strategy

	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// Executor is the job worker pool.
type Executor struct {
	runner   Runner
	jobs     persistence.JobStore
	calendar runtime.BusinessCalendar
	observer api.Observer
	logger   *slog.Logger
	owner    string
	clock    func() time.Time

	workers      int
	pollInterval time.Duration
	lockTTL      time.Duration
	batch        int
	strategy     backoff.Strategy

	wake chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group
}

var _ api.JobNotifier = (*Executor)(nil)

// New creates an Executor from cfg.
func New(cfg Config) (*Executor, error) {
	if cfg.Runner == nil || cfg.Jobs == nil {
		return nil, fmt.Errorf("executor: Runner and Jobs are required")
	}

	e := &Executor{
		runner:       cfg.Runner,
		jobs:         cfg.Jobs,
		calendar:     cfg.Calendar,
		observer:     cfg.Observer,
		logger:       cfg.Logger,
		owner:        cfg.Owner,
		clock:        cfg.Clock,
		workers:      cfg.Workers,
		pollInterval: cfg.PollInterval,
		lockTTL:      cfg.LockTTL,
		batch:        cfg.BatchSize,
		strategy:     cfg.BackoffStrategy,
		wake:         make(chan struct{}, 1),
	}
	if e.calendar == nil {
		e.calendar = runtime.NewCalendarSet(nil)
	}
	if e.observer == nil {
		e.observer = api.NoopObserver{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.owner == "" {
		e.owner = "executor-" + uuid.NewString()
	}
	if e.clock == nil {
		e.clock = time.Now
	}
	if e.workers <= 0 {
		e.workers = DefaultWorkers
	}
	if e.pollInterval <= 0 {
		e.pollInterval = DefaultPollInterval
	}
	if e.lockTTL <= 0 {
		e.lockTTL = DefaultLockTTL
	}
	if e.batch <= 0 {
		e.batch = DefaultBatchSize
	}
	return e, nil
}

// NotifyJobProduced wakes the poll loop before its next interval. It
// never blocks; a pending wake-up absorbs further notifications.
func (e *Executor) NotifyJobProduced() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Start launches the poll loop and the worker pool. It returns
// immediately; Stop shuts the pool down and waits for in-flight jobs.
func (e *Executor) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	g, ctx := errgroup.WithContext(ctx)
	e.group = g

	claimed := make(chan *runtime.Job)

	g.Go(func() error {
		defer close(claimed)
		return e.poll(ctx, claimed)
	})
	for i := 0; i < e.workers; i++ {
		g.Go(func() error {
			for job := range claimed {
				e.execute(ctx, job)
			}
			return nil
		})
	}
}

// Stop cancels the pool and waits for workers to finish their current
// job.
func (e *Executor) Stop() {
	e.mu.Lock()
	cancel, g := e.cancel, e.group
	e.cancel, e.group = nil, nil
	e.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		e.logger.Warn("executor_stopped_with_error", slog.Any("error", err))
	}
}

func (e *Executor) poll(ctx context.Context, claimed chan<- *runtime.Job) error {
	counter := backoff.Counter{Strategy: e.strategy}

	for {
		jobs, err := e.jobs.AcquireJobs(ctx, e.owner, e.clock(), e.lockTTL, e.batch)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.logger.WarnContext(ctx, "job_acquisition_failed", slog.Any("error", err))
			if err := counter.Sleep(ctx, err); err != nil {
				return err
			}
			continue
		}
		counter.Reset()

		for _, job := range jobs {
			select {
			case claimed <- job:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		// A full batch suggests more work is already due.
		if len(jobs) == e.batch {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.wake:
		case <-time.After(e.pollInterval):
		}
	}
}

func (e *Executor) execute(ctx context.Context, job *runtime.Job) {
	start := e.clock()
	err := e.runner.ExecuteJob(ctx, job)
	e.observer.OnJobExecuted(ctx, job, err, e.clock().Sub(start))

	if err != nil {
		e.recordFailure(ctx, job, err)
		return
	}
	e.complete(ctx, job)
}

// complete retires a finished job: repeating timers are rescheduled with
// the calendar resource stored on the job, everything else is deleted.
func (e *Executor) complete(ctx context.Context, job *runtime.Job) {
	if job.Kind == runtime.JobTimer && job.Repeat != "" {
		if err := e.reschedule(ctx, job); err == nil {
			return
		} else {
			e.logger.ErrorContext(ctx, "timer_reschedule_failed",
				slog.String("job_id", job.ID),
				slog.Any("error", err),
			)
			// Fall through and delete rather than re-fire forever.
		}
	}
	if err := e.jobs.DeleteJob(ctx, job.ID); err != nil {
		// Leave the claim in place; the job becomes overdue and is
		// reclaimed once the lock expires.
		e.logger.WarnContext(ctx, "job_delete_failed",
			slog.String("job_id", job.ID),
			slog.Any("error", err),
		)
	}
}

func (e *Executor) reschedule(ctx context.Context, job *runtime.Job) error {
	now := e.clock()
	next := job.DueDate

	// Catch up past occurrences so a stalled timer fires once, not once
	// per missed interval.
	for !next.After(now) {
		n, err := e.calendar.ComputeDueDate(next, job.Repeat, job.Calendar)
		if err != nil {
			return err
		}
		if !n.After(next) {
			return fmt.Errorf("repeat %q does not advance the due date", job.Repeat)
		}
		next = n
	}

	job.DueDate = next
	job.Exception = ""
	job.ClearLock()
	return e.jobs.UpdateJob(ctx, job)
}

// recordFailure charges one attempt against the job's retry budget. A
// job with budget n is attempted n+1 times in total before it is marked
// Failed and left for operator inspection.
func (e *Executor) recordFailure(ctx context.Context, job *runtime.Job, cause error) {
	fresh, err := e.jobs.GetJob(ctx, job.ID)
	if err != nil {
		if errors.Is(err, persistence.ErrJobNotFound) {
			// Cancelled while executing; nothing to record.
			return
		}
		e.logger.WarnContext(ctx, "job_failure_bookkeeping_failed",
			slog.String("job_id", job.ID),
			slog.Any("error", err),
		)
		return
	}

	fresh.Retries--
	fresh.Exception = cause.Error()
	if fresh.Retries < 0 {
		fresh.Failed = true
		e.logger.ErrorContext(ctx, "job_failed_terminally",
			slog.String("job_id", fresh.ID),
			slog.String("kind", string(fresh.Kind)),
			slog.String("instance_id", fresh.InstanceID),
			slog.String("exception", fresh.Exception),
		)
	}
	fresh.ClearLock()

	if err := e.jobs.UpdateJob(ctx, fresh); err != nil {
		e.logger.WarnContext(ctx, "job_failure_bookkeeping_failed",
			slog.String("job_id", job.ID),
			slog.Any("error", err),
		)
	}
}
