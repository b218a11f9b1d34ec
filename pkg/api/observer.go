package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/petrandreev/graphflow/pkg/graph"
	"github.com/petrandreev/graphflow/pkg/runtime"
)

// Observer receives callbacks from the engine for logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be
// done asynchronously so as not to delay process execution.
type Observer interface {
	// OnInstanceStarted is called once when an instance is created, before
	// any signal is delivered.
	OnInstanceStarted(ctx context.Context, in *runtime.ProcessInstance)

	// OnInstanceEnded is called when the root token ends or the instance
	// is force-ended.
	OnInstanceEnded(ctx context.Context, in *runtime.ProcessInstance)

	// OnNodeEntered is called after a token arrives on a node, before the
	// node's behavior runs.
	OnNodeEntered(ctx context.Context, in *runtime.ProcessInstance, tok *runtime.Token, n *graph.Node)

	// OnNodeLeft is called when a token leaves a node along a transition.
	OnNodeLeft(ctx context.Context, in *runtime.ProcessInstance, tok *runtime.Token, n *graph.Node, transition string)

	// OnMilestoneReached is called when a milestone is marked reached,
	// after its listeners have been woken.
	OnMilestoneReached(ctx context.Context, in *runtime.ProcessInstance, name string)

	// OnJobExecuted is called after a job attempt returns, for both
	// successes and failures (err != nil).
	OnJobExecuted(ctx context.Context, job *runtime.Job, err error, duration time.Duration)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnInstanceStarted(ctx context.Context, in *runtime.ProcessInstance) {}
func (NoopObserver) OnInstanceEnded(ctx context.Context, in *runtime.ProcessInstance)   {}
func (NoopObserver) OnNodeEntered(ctx context.Context, in *runtime.ProcessInstance, tok *runtime.Token, n *graph.Node) {
}
func (NoopObserver) OnNodeLeft(ctx context.Context, in *runtime.ProcessInstance, tok *runtime.Token, n *graph.Node, transition string) {
}
func (NoopObserver) OnMilestoneReached(ctx context.Context, in *runtime.ProcessInstance, name string) {
}
func (NoopObserver) OnJobExecuted(ctx context.Context, job *runtime.Job, err error, d time.Duration) {
}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnInstanceStarted(ctx context.Context, in *runtime.ProcessInstance) {
	for _, o := range c.observers {
		o.OnInstanceStarted(ctx, in)
	}
}

func (c *CompositeObserver) OnInstanceEnded(ctx context.Context, in *runtime.ProcessInstance) {
	for _, o := range c.observers {
		o.OnInstanceEnded(ctx, in)
	}
}

func (c *CompositeObserver) OnNodeEntered(ctx context.Context, in *runtime.ProcessInstance, tok *runtime.Token, n *graph.Node) {
	for _, o := range c.observers {
		o.OnNodeEntered(ctx, in, tok, n)
	}
}

func (c *CompositeObserver) OnNodeLeft(ctx context.Context, in *runtime.ProcessInstance, tok *runtime.Token, n *graph.Node, transition string) {
	for _, o := range c.observers {
		o.OnNodeLeft(ctx, in, tok, n, transition)
	}
}

func (c *CompositeObserver) OnMilestoneReached(ctx context.Context, in *runtime.ProcessInstance, name string) {
	for _, o := range c.observers {
		o.OnMilestoneReached(ctx, in, name)
	}
}

func (c *CompositeObserver) OnJobExecuted(ctx context.Context, job *runtime.Job, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnJobExecuted(ctx, job, err, d)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs instance / traversal
// lifecycle events using the provided slog.Logger. If logger is nil,
// slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnInstanceStarted(ctx context.Context, in *runtime.ProcessInstance) {
	o.Logger.InfoContext(ctx, "instance_started",
		slog.String("definition", in.DefinitionName),
		slog.String("instance_id", in.ID),
	)
}

func (o *LoggingObserver) OnInstanceEnded(ctx context.Context, in *runtime.ProcessInstance) {
	o.Logger.InfoContext(ctx, "instance_ended",
		slog.String("definition", in.DefinitionName),
		slog.String("instance_id", in.ID),
	)
}

func (o *LoggingObserver) OnNodeEntered(ctx context.Context, in *runtime.ProcessInstance, tok *runtime.Token, n *graph.Node) {
	o.Logger.DebugContext(ctx, "node_entered",
		slog.String("definition", in.DefinitionName),
		slog.String("instance_id", in.ID),
		slog.String("token_id", string(tok.ID)),
		slog.String("node", n.Name),
		slog.String("kind", n.Kind.String()),
	)
}

func (o *LoggingObserver) OnNodeLeft(ctx context.Context, in *runtime.ProcessInstance, tok *runtime.Token, n *graph.Node, transition string) {
	o.Logger.DebugContext(ctx, "node_left",
		slog.String("definition", in.DefinitionName),
		slog.String("instance_id", in.ID),
		slog.String("token_id", string(tok.ID)),
		slog.String("node", n.Name),
		slog.String("transition", transition),
	)
}

func (o *LoggingObserver) OnMilestoneReached(ctx context.Context, in *runtime.ProcessInstance, name string) {
	o.Logger.InfoContext(ctx, "milestone_reached",
		slog.String("definition", in.DefinitionName),
		slog.String("instance_id", in.ID),
		slog.String("milestone", name),
	)
}

func (o *LoggingObserver) OnJobExecuted(ctx context.Context, job *runtime.Job, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelError
	}
	o.Logger.Log(context.Background(), level, "job_executed",
		slog.String("job_id", job.ID),
		slog.String("kind", string(job.Kind)),
		slog.String("instance_id", job.InstanceID),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

// BasicMetrics collects simple counters and aggregate job durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	instancesStarted atomic.Int64
	instancesEnded   atomic.Int64
	nodesEntered     atomic.Int64
	jobsExecuted     atomic.Int64
	jobsFailed       atomic.Int64
	totalJobDuration atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	InstancesStarted int64
	InstancesEnded   int64
	ActiveInstances  int64

	NodesEntered int64

	JobsExecuted   int64
	JobsFailed     int64
	AvgJobDuration time.Duration
}

func (m *BasicMetrics) OnInstanceStarted(ctx context.Context, in *runtime.ProcessInstance) {
	m.instancesStarted.Add(1)
}

func (m *BasicMetrics) OnInstanceEnded(ctx context.Context, in *runtime.ProcessInstance) {
	m.instancesEnded.Add(1)
}

func (m *BasicMetrics) OnNodeEntered(ctx context.Context, in *runtime.ProcessInstance, tok *runtime.Token, n *graph.Node) {
	m.nodesEntered.Add(1)
}

func (m *BasicMetrics) OnJobExecuted(ctx context.Context, job *runtime.Job, err error, d time.Duration) {
	if err != nil {
		m.jobsFailed.Add(1)
		return
	}
	m.jobsExecuted.Add(1)
	m.totalJobDuration.Add(d.Nanoseconds())
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.instancesStarted.Load()
	ended := m.instancesEnded.Load()
	jobs := m.jobsExecuted.Load()
	totalNs := m.totalJobDuration.Load()

	var avg time.Duration
	if jobs > 0 {
		avg = time.Duration(totalNs / jobs)
	}

	return BasicMetricsSnapshot{
		InstancesStarted: started,
		InstancesEnded:   ended,
		ActiveInstances:  started - ended,
		NodesEntered:     m.nodesEntered.Load(),
		JobsExecuted:     jobs,
		JobsFailed:       m.jobsFailed.Load(),
		AvgJobDuration:   avg,
	}
}
