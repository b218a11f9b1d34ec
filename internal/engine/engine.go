// Package engine implements the api.Engine contract on top of the
// persistence stores and the runtime kernel. Every mutating operation
// follows the same shape: load the instance, attach its definition, run
// the kernel in memory, then commit the instance and the accumulated job
// effects as one unit of work guarded by the instance version.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/petrandreev/graphflow/internal/persistence"
	"github.com/petrandreev/graphflow/pkg/api"
	"github.com/petrandreev/graphflow/pkg/graph"
	"github.com/petrandreev/graphflow/pkg/runtime"
)

// Config carries the engine's collaborators. Zero values select
// defaults: a variable-map evaluator, the standard business calendar, a
// no-op observer and the wall clock.
type Config struct {
	Persistence persistence.Persistence

	Evaluator runtime.Evaluator
	Calendar  runtime.BusinessCalendar
	Observer  api.Observer
	Logger    *slog.Logger

	// Locker serializes join arrivals; nil selects a LeaseLocker over the
	// instance store.
	Locker runtime.JoinLocker

	// Owner identifies this engine for token locks and join leases; empty
	// selects a random identity.
	Owner string

	// Clock overrides time.Now, for tests.
	Clock func() time.Time

	MaxTraversalSteps int
	DefaultJobRetries int
	JoinLockTTL       time.Duration
}

// Engine is the concrete api.Engine.
type Engine struct {
	p        persistence.Persistence
	eval     runtime.Evaluator
	calendar runtime.BusinessCalendar
	observer api.Observer
	logger   *slog.Logger
	locker   runtime.JoinLocker
	owner    string
	clock    func() time.Time

	maxSteps    int
	retries     int
	joinLockTTL time.Duration

	notifier api.JobNotifier
}

var _ api.Engine = (*Engine)(nil)

// New creates an Engine from cfg.
func New(cfg Config) (*Engine, error) {
	if cfg.Persistence.Definitions == nil || cfg.Persistence.Instances == nil || cfg.Persistence.Jobs == nil {
		return nil, fmt.Errorf("engine: persistence stores are required")
	}

	e := &Engine{
		p:           cfg.Persistence,
		eval:        cfg.Evaluator,
		calendar:    cfg.Calendar,
		observer:    cfg.Observer,
		logger:      cfg.Logger,
		locker:      cfg.Locker,
		owner:       cfg.Owner,
		clock:       cfg.Clock,
		maxSteps:    cfg.MaxTraversalSteps,
		retries:     cfg.DefaultJobRetries,
		joinLockTTL: cfg.JoinLockTTL,
	}
	if e.eval == nil {
		e.eval = runtime.VarEvaluator{}
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
	if e.locker == nil {
		e.locker = &persistence.LeaseLocker{Store: cfg.Persistence.Instances}
	}
	if e.owner == "" {
		e.owner = "engine-" + uuid.NewString()
	}
	if e.clock == nil {
		e.clock = time.Now
	}
	return e, nil
}

// SetJobNotifier wires a worker pool's wake-up; the engine calls it after
// committing a unit of work that produced jobs.
func (e *Engine) SetJobNotifier(n api.JobNotifier) { e.notifier = n }

func (e *Engine) Deploy(ctx context.Context, def *graph.Definition) error {
	latest, err := e.p.Definitions.LatestVersion(def.Name)
	if err != nil {
		return err
	}
	def.Version = latest + 1
	if err := e.p.Definitions.SaveDefinition(def); err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "definition_deployed",
		slog.String("definition", def.Name),
		slog.Int("version", def.Version),
	)
	return nil
}

func (e *Engine) GetDefinition(ctx context.Context, name string, version int) (*graph.Definition, error) {
	if version == 0 {
		latest, err := e.p.Definitions.LatestVersion(name)
		if err != nil {
			return nil, err
		}
		version = latest
	}
	return e.p.Definitions.GetDefinition(name, version)
}

func (e *Engine) CreateInstance(ctx context.Context, definitionName string, variables map[string]any) (*runtime.ProcessInstance, error) {
	def, err := e.GetDefinition(ctx, definitionName, 0)
	if err != nil {
		return nil, err
	}

	in := runtime.NewInstance(def, e.clock())
	for k, v := range variables {
		in.SetVariable(k, v)
	}
	if err := e.p.Instances.SaveInstance(ctx, in); err != nil {
		return nil, err
	}

	e.observer.OnInstanceStarted(ctx, in)
	return in, nil
}

func (e *Engine) GetInstance(ctx context.Context, id string) (*runtime.ProcessInstance, error) {
	return e.load(ctx, id)
}

func (e *Engine) ListInstances(ctx context.Context, opts api.InstanceListOptions) ([]*runtime.ProcessInstance, error) {
	return e.p.Instances.ListInstances(ctx, persistence.InstanceFilter{
		DefinitionName: opts.DefinitionName,
		Ended:          opts.Ended,
	})
}

func (e *Engine) Signal(ctx context.Context, instanceID string, tokenID runtime.TokenID, transition string) (*runtime.ProcessInstance, error) {
	in, err := e.load(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	env := e.newEnv(ctx)
	defer e.releaseJoinLocks(ctx, instanceID, env)

	if err := runtime.Signal(in, env, tokenID, transition); err != nil {
		return nil, err
	}
	if err := e.commit(ctx, in, env); err != nil {
		return nil, err
	}
	return in, nil
}

func (e *Engine) SignalRoot(ctx context.Context, instanceID string, transition string) (*runtime.ProcessInstance, error) {
	in, err := e.load(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	env := e.newEnv(ctx)
	defer e.releaseJoinLocks(ctx, instanceID, env)

	if err := runtime.Signal(in, env, in.Root, transition); err != nil {
		return nil, err
	}
	if err := e.commit(ctx, in, env); err != nil {
		return nil, err
	}
	return in, nil
}

func (e *Engine) SetVariable(ctx context.Context, instanceID string, name string, value any) error {
	in, err := e.load(ctx, instanceID)
	if err != nil {
		return err
	}
	in.SetVariable(name, value)
	return e.commit(ctx, in, e.newEnv(ctx))
}

// ReachMilestone commits whatever listener movement succeeded, then
// reports the listeners that could not be released. One stuck listener
// must not keep the rest waiting.
func (e *Engine) ReachMilestone(ctx context.Context, instanceID string, name string) (*runtime.ProcessInstance, error) {
	in, err := e.load(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	env := e.newEnv(ctx)
	defer e.releaseJoinLocks(ctx, instanceID, env)

	listenerErr := runtime.ReachMilestone(in, env, name)
	if err := e.commit(ctx, in, env); err != nil {
		return nil, err
	}
	e.observer.OnMilestoneReached(ctx, in, name)
	return in, listenerErr
}

func (e *Engine) EndInstance(ctx context.Context, instanceID string) error {
	in, err := e.load(ctx, instanceID)
	if err != nil {
		return err
	}

	jobs, err := e.p.Jobs.ListJobs(ctx, instanceID)
	if err != nil {
		return err
	}

	in.End(e.clock())

	u := persistence.Unit{Instance: in}
	for _, j := range jobs {
		u.DeleteJobIDs = append(u.DeleteJobIDs, j.ID)
	}
	if err := e.p.Instances.CommitUnit(ctx, u); err != nil {
		return err
	}

	e.observer.OnInstanceEnded(ctx, in)
	return nil
}

func (e *Engine) CreateTimer(ctx context.Context, req api.TimerRequest) (*runtime.Job, error) {
	in, err := e.load(ctx, req.InstanceID)
	if err != nil {
		return nil, err
	}
	if in.Ended {
		return nil, fmt.Errorf("%w: instance %s", runtime.ErrInstanceEnded, in.ID)
	}

	tokenID := req.TokenID
	if tokenID == "" {
		tokenID = in.Root
	}
	if in.Token(tokenID) == nil {
		return nil, fmt.Errorf("%w: %s", runtime.ErrTokenNotFound, tokenID)
	}

	retries := req.Retries
	if retries <= 0 {
		retries = e.retries
	}
	if retries <= 0 {
		retries = runtime.DefaultJobRetries
	}

	job := &runtime.Job{
		ID:         runtime.NewJobID(),
		Kind:       runtime.JobTimer,
		InstanceID: req.InstanceID,
		TokenID:    tokenID,
		Name:       req.Name,
		DueDate:    req.DueDate,
		Repeat:     req.Repeat,
		Calendar:   req.Calendar,
		Action:     req.Action,
		Transition: req.Transition,
		Retries:    retries,
		CreatedAt:  e.clock(),
	}
	if err := e.p.Jobs.SaveJob(ctx, job); err != nil {
		return nil, err
	}

	if e.notifier != nil {
		e.notifier.NotifyJobProduced()
	}
	return job, nil
}

func (e *Engine) DeleteTimer(ctx context.Context, jobID string) error {
	return e.p.Jobs.DeleteJob(ctx, jobID)
}

func (e *Engine) DeleteTimersByName(ctx context.Context, instanceID string, key runtime.TimerKey) error {
	return e.p.Jobs.DeleteTimersByName(ctx, instanceID, key)
}

func (e *Engine) DeleteTimersByInstance(ctx context.Context, instanceID string) error {
	return e.p.Jobs.DeleteJobsByInstance(ctx, instanceID)
}

func (e *Engine) ListJobs(ctx context.Context, instanceID string) ([]*runtime.Job, error) {
	return e.p.Jobs.ListJobs(ctx, instanceID)
}

// ExecuteJob runs one claimed job against a fresh copy of its instance
// and commits the result. The job record itself stays untouched here;
// deletion, repeat scheduling and retry bookkeeping belong to the worker
// pool that owns the claim.
func (e *Engine) ExecuteJob(ctx context.Context, job *runtime.Job) error {
	in, err := e.load(ctx, job.InstanceID)
	if err != nil {
		return err
	}

	env := e.newEnv(ctx)
	defer e.releaseJoinLocks(ctx, job.InstanceID, env)

	switch job.Kind {
	case runtime.JobTimer:
		if err := e.fireTimer(ctx, in, env, job); err != nil {
			return err
		}
	case runtime.JobExecuteNode:
		if err := runtime.ResumeNode(in, env, job.TokenID); err != nil {
			return err
		}
	default:
		return fmt.Errorf("job %s: unknown kind %q", job.ID, job.Kind)
	}

	return e.commit(ctx, in, env)
}

func (e *Engine) fireTimer(ctx context.Context, in *runtime.ProcessInstance, env *runtime.Env, job *runtime.Job) error {
	tok := in.Token(job.TokenID)
	if tok == nil {
		return fmt.Errorf("%w: %s", runtime.ErrTokenNotFound, job.TokenID)
	}

	if job.Action != "" {
		node := in.Definition().Node(tok.Node)
		_, err := e.eval.Evaluate(ctx, job.Action, runtime.ExecContext{
			Instance: in,
			Token:    tok,
			Node:     node,
		})
		if err != nil {
			return fmt.Errorf("timer %q action: %w", job.Name, err)
		}
	}

	if job.Transition != "" {
		return runtime.Signal(in, env, job.TokenID, job.Transition)
	}
	return nil
}

func (e *Engine) load(ctx context.Context, id string) (*runtime.ProcessInstance, error) {
	in, err := e.p.Instances.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	def, err := e.p.Definitions.GetDefinition(in.DefinitionName, in.DefinitionVersion)
	if err != nil {
		return nil, err
	}
	in.AttachDefinition(def)
	return in, nil
}

func (e *Engine) newEnv(ctx context.Context) *runtime.Env {
	return &runtime.Env{
		Context:        ctx,
		Evaluator:      e.eval,
		Calendar:       e.calendar,
		Locker:         e.locker,
		Hooks:          &observerHooks{ctx: ctx, observer: e.observer},
		Now:            e.clock,
		Owner:          e.owner,
		MaxSteps:       e.maxSteps,
		JoinLockTTL:    e.joinLockTTL,
		DefaultRetries: e.retries,
	}
}

// commit writes the instance and env's buffered job effects as one unit,
// then performs the after-commit notifications.
func (e *Engine) commit(ctx context.Context, in *runtime.ProcessInstance, env *runtime.Env) error {
	u := persistence.Unit{
		Instance:     in,
		CreateJobs:   env.CreatedJobs,
		CancelTimers: env.CancelledTimers,
	}
	if err := e.p.Instances.CommitUnit(ctx, u); err != nil {
		return err
	}

	if in.Ended {
		// Ended instances keep no pending work.
		if err := e.p.Jobs.DeleteJobsByInstance(ctx, in.ID); err != nil {
			e.logger.WarnContext(ctx, "job_cleanup_failed",
				slog.String("instance_id", in.ID),
				slog.Any("error", err),
			)
		}
		e.observer.OnInstanceEnded(ctx, in)
		return nil
	}

	if len(env.CreatedJobs) > 0 && e.notifier != nil {
		e.notifier.NotifyJobProduced()
	}
	return nil
}

// releaseJoinLocks drops the leases a traversal acquired. It runs after
// the commit so a sibling cannot observe the parent between the
// last-arrival decision and its write.
func (e *Engine) releaseJoinLocks(ctx context.Context, instanceID string, env *runtime.Env) {
	for _, tid := range env.HeldJoinLocks {
		if err := e.locker.ReleaseJoinLock(ctx, instanceID, tid, e.owner); err != nil {
			e.logger.WarnContext(ctx, "join_lock_release_failed",
				slog.String("instance_id", instanceID),
				slog.String("token_id", string(tid)),
				slog.Any("error", err),
			)
		}
	}
	env.HeldJoinLocks = nil
}

// observerHooks bridges kernel callbacks to the engine's observer.
type observerHooks struct {
	ctx      context.Context
	observer api.Observer
}

func (h *observerHooks) NodeEntered(in *runtime.ProcessInstance, tok *runtime.Token, n *graph.Node) {
	h.observer.OnNodeEntered(h.ctx, in, tok, n)
}

func (h *observerHooks) NodeLeft(in *runtime.ProcessInstance, tok *runtime.Token, n *graph.Node, transition string) {
	h.observer.OnNodeLeft(h.ctx, in, tok, n, transition)
}
