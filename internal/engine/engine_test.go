package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrandreev/graphflow/internal/persistence"
	"github.com/petrandreev/graphflow/pkg/api"
	"github.com/petrandreev/graphflow/pkg/graph"
	"github.com/petrandreev/graphflow/pkg/runtime"
)

var fixedClock = time.Date(2026, time.September, 7, 10, 0, 0, 0, time.UTC)

func newEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	if cfg.Persistence.Definitions == nil {
		cfg.Persistence = persistence.NewMemoryPersistence()
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return fixedClock }
	}
	e, err := New(cfg)
	require.NoError(t, err)
	return e
}

func orderDefinition(t *testing.T) *graph.Definition {
	t.Helper()
	b := graph.NewBuilder("order")
	b.Start("start").To("split")
	b.Fork("split").
		Transition("ship", "shipping").
		Transition("bill", "billing")
	b.State("shipping").To("merge")
	b.State("billing").To("merge")
	b.Join("merge").To("done")
	b.End("done")
	def, err := b.Build()
	require.NoError(t, err)
	return def
}

func sequenceDefinition(t *testing.T) *graph.Definition {
	t.Helper()
	b := graph.NewBuilder("ticket")
	b.Start("start").To("open")
	b.State("open").
		Transition("close", "closed").
		Transition("escalate", "escalated")
	b.State("escalated").Transition("close", "closed")
	b.End("closed")
	def, err := b.Build()
	require.NoError(t, err)
	return def
}

func TestEngine_DeployAssignsVersions(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, Config{})

	require.NoError(t, e.Deploy(ctx, sequenceDefinition(t)))
	require.NoError(t, e.Deploy(ctx, sequenceDefinition(t)))

	latest, err := e.GetDefinition(ctx, "ticket", 0)
	require.NoError(t, err)
	require.Equal(t, 2, latest.Version)

	v1, err := e.GetDefinition(ctx, "ticket", 1)
	require.NoError(t, err)
	require.Equal(t, 1, v1.Version)
}

func TestEngine_SignalRootPersistsMovement(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, Config{})
	require.NoError(t, e.Deploy(ctx, sequenceDefinition(t)))

	in, err := e.CreateInstance(ctx, "ticket", map[string]any{"customer": "acme"})
	require.NoError(t, err)

	_, err = e.SignalRoot(ctx, in.ID, "")
	require.NoError(t, err)

	got, err := e.GetInstance(ctx, in.ID)
	require.NoError(t, err)
	require.Equal(t, "open", got.Definition().Node(got.RootToken().Node).Name)
	require.EqualValues(t, 2, got.Version)

	v, ok := got.Variable("customer")
	require.True(t, ok)
	require.Equal(t, "acme", v)

	_, err = e.SignalRoot(ctx, got.ID, "close")
	require.NoError(t, err)

	got, err = e.GetInstance(ctx, in.ID)
	require.NoError(t, err)
	require.True(t, got.Ended)
}

func TestEngine_CreateInstanceUnknownDefinition(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, Config{})

	_, err := e.CreateInstance(ctx, "nope", nil)
	require.ErrorIs(t, err, persistence.ErrDefinitionNotFound)
}

func TestEngine_ForkJoinAcrossCommits(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, Config{})
	require.NoError(t, e.Deploy(ctx, orderDefinition(t)))

	in, err := e.CreateInstance(ctx, "order", nil)
	require.NoError(t, err)

	in, err = e.SignalRoot(ctx, in.ID, "")
	require.NoError(t, err)
	require.Len(t, in.RootToken().Children, 2)

	// Each branch is signalled in its own unit of work, reloading between
	// them the way two workers would.
	shipID := in.RootToken().Children["ship"]
	billID := in.RootToken().Children["bill"]

	in, err = e.Signal(ctx, in.ID, shipID, "")
	require.NoError(t, err)
	require.False(t, in.Ended)

	in, err = e.Signal(ctx, in.ID, billID, "")
	require.NoError(t, err)
	require.True(t, in.Ended)

	got, err := e.GetInstance(ctx, in.ID)
	require.NoError(t, err)
	require.True(t, got.Ended)
}

func TestEngine_ListInstances(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, Config{})
	require.NoError(t, e.Deploy(ctx, sequenceDefinition(t)))

	a, err := e.CreateInstance(ctx, "ticket", nil)
	require.NoError(t, err)
	_, err = e.CreateInstance(ctx, "ticket", nil)
	require.NoError(t, err)

	require.NoError(t, e.EndInstance(ctx, a.ID))

	ended := true
	got, err := e.ListInstances(ctx, api.InstanceListOptions{DefinitionName: "ticket", Ended: &ended})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, a.ID, got[0].ID)
}

func TestEngine_SetVariable(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, Config{})
	require.NoError(t, e.Deploy(ctx, sequenceDefinition(t)))

	in, err := e.CreateInstance(ctx, "ticket", nil)
	require.NoError(t, err)

	require.NoError(t, e.SetVariable(ctx, in.ID, "priority", "high"))

	got, err := e.GetInstance(ctx, in.ID)
	require.NoError(t, err)
	v, ok := got.Variable("priority")
	require.True(t, ok)
	require.Equal(t, "high", v)
}

func timerDefinition(t *testing.T) *graph.Definition {
	t.Helper()
	b := graph.NewBuilder("reminder")
	b.Start("start").To("waiting")
	b.State("waiting").
		Timer(graph.TimerSpec{Name: "nag", DueDate: "1 hour", Transition: "timeout"}).
		Transition("answered", "closed").
		Transition("timeout", "closed")
	b.End("closed")
	def, err := b.Build()
	require.NoError(t, err)
	return def
}

func TestEngine_NodeTimerLifecycle(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, Config{})
	require.NoError(t, e.Deploy(ctx, timerDefinition(t)))

	in, err := e.CreateInstance(ctx, "reminder", nil)
	require.NoError(t, err)

	// Entering the state arms its timer in the same commit.
	_, err = e.SignalRoot(ctx, in.ID, "")
	require.NoError(t, err)

	jobs, err := e.ListJobs(ctx, in.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, runtime.JobTimer, jobs[0].Kind)
	require.Equal(t, "nag", jobs[0].Name)
	require.Equal(t, fixedClock.Add(time.Hour), jobs[0].DueDate.UTC())

	// Leaving cancels it; ending the instance clears everything anyway.
	_, err = e.SignalRoot(ctx, in.ID, "answered")
	require.NoError(t, err)

	jobs, err = e.ListJobs(ctx, in.ID)
	require.NoError(t, err)
	require.Empty(t, jobs)
}

func TestEngine_ExecuteTimerJob(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, Config{})
	require.NoError(t, e.Deploy(ctx, timerDefinition(t)))

	in, err := e.CreateInstance(ctx, "reminder", nil)
	require.NoError(t, err)
	_, err = e.SignalRoot(ctx, in.ID, "")
	require.NoError(t, err)

	jobs, err := e.ListJobs(ctx, in.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	require.NoError(t, e.ExecuteJob(ctx, jobs[0]))

	got, err := e.GetInstance(ctx, in.ID)
	require.NoError(t, err)
	require.True(t, got.Ended, "timeout transition leads to the end node")
}

func TestEngine_ExecuteTimerActionOnly(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, Config{})
	require.NoError(t, e.Deploy(ctx, sequenceDefinition(t)))

	in, err := e.CreateInstance(ctx, "ticket", nil)
	require.NoError(t, err)
	_, err = e.SignalRoot(ctx, in.ID, "")
	require.NoError(t, err)

	job, err := e.CreateTimer(ctx, api.TimerRequest{
		InstanceID: in.ID,
		Name:       "audit",
		DueDate:    fixedClock.Add(time.Minute),
		Action:     "audited = true",
	})
	require.NoError(t, err)

	require.NoError(t, e.ExecuteJob(ctx, job))

	got, err := e.GetInstance(ctx, in.ID)
	require.NoError(t, err)
	v, _ := got.Variable("audited")
	require.Equal(t, true, v)
	// No transition: the token stays put.
	require.Equal(t, "open", got.Definition().Node(got.RootToken().Node).Name)
}

func asyncDefinition(t *testing.T) *graph.Definition {
	t.Helper()
	b := graph.NewBuilder("payment")
	b.Start("start").To("charge")
	b.Task("charge").Async().OnEnter("charged = true").Transition("settle", "closed")
	b.End("closed")
	def, err := b.Build()
	require.NoError(t, err)
	return def
}

func TestEngine_AsyncContinuation(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, Config{})
	require.NoError(t, e.Deploy(ctx, asyncDefinition(t)))

	in, err := e.CreateInstance(ctx, "payment", nil)
	require.NoError(t, err)

	_, err = e.SignalRoot(ctx, in.ID, "")
	require.NoError(t, err)

	jobs, err := e.ListJobs(ctx, in.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, runtime.JobExecuteNode, jobs[0].Kind)

	// Behavior deferred: the enter action has not run yet.
	got, err := e.GetInstance(ctx, in.ID)
	require.NoError(t, err)
	_, ok := got.Variable("charged")
	require.False(t, ok)

	require.NoError(t, e.ExecuteJob(ctx, jobs[0]))

	got, err = e.GetInstance(ctx, in.ID)
	require.NoError(t, err)
	v, _ := got.Variable("charged")
	require.Equal(t, true, v)
}

func milestoneDefinition(t *testing.T) *graph.Definition {
	t.Helper()
	b := graph.NewBuilder("fulfilment")
	b.Start("start").To("split")
	b.Fork("split").
		Transition("pick", "gate").
		Transition("pack", "packing")
	b.Milestone("gate", "stock-confirmed").To("merge")
	b.State("packing").To("merge")
	b.Join("merge").To("done")
	b.End("done")
	def, err := b.Build()
	require.NoError(t, err)
	return def
}

func TestEngine_ReachMilestone(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, Config{})
	require.NoError(t, e.Deploy(ctx, milestoneDefinition(t)))

	in, err := e.CreateInstance(ctx, "fulfilment", nil)
	require.NoError(t, err)
	in, err = e.SignalRoot(ctx, in.ID, "")
	require.NoError(t, err)

	packID := in.RootToken().Children["pack"]
	in, err = e.Signal(ctx, in.ID, packID, "")
	require.NoError(t, err)
	require.False(t, in.Ended, "join waits for the milestone listener")

	in, err = e.ReachMilestone(ctx, in.ID, "stock-confirmed")
	require.NoError(t, err)
	require.True(t, in.Ended)
	require.True(t, in.Milestones["stock-confirmed"].Reached)
}

func TestEngine_EndInstanceRemovesJobs(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, Config{})
	require.NoError(t, e.Deploy(ctx, timerDefinition(t)))

	in, err := e.CreateInstance(ctx, "reminder", nil)
	require.NoError(t, err)
	_, err = e.SignalRoot(ctx, in.ID, "")
	require.NoError(t, err)

	jobs, err := e.ListJobs(ctx, in.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	require.NoError(t, e.EndInstance(ctx, in.ID))

	got, err := e.GetInstance(ctx, in.ID)
	require.NoError(t, err)
	require.True(t, got.Ended)

	jobs, err = e.ListJobs(ctx, in.ID)
	require.NoError(t, err)
	require.Empty(t, jobs)
}

func TestEngine_CreateTimerValidation(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, Config{DefaultJobRetries: 5})
	require.NoError(t, e.Deploy(ctx, sequenceDefinition(t)))

	in, err := e.CreateInstance(ctx, "ticket", nil)
	require.NoError(t, err)

	job, err := e.CreateTimer(ctx, api.TimerRequest{
		InstanceID: in.ID,
		Name:       "sla",
		DueDate:    fixedClock.Add(time.Hour),
	})
	require.NoError(t, err)
	require.Equal(t, in.Root, job.TokenID, "empty token defaults to the root")
	require.Equal(t, 5, job.Retries)

	_, err = e.CreateTimer(ctx, api.TimerRequest{
		InstanceID: in.ID,
		TokenID:    "ghost",
		Name:       "sla",
		DueDate:    fixedClock,
	})
	require.ErrorIs(t, err, runtime.ErrTokenNotFound)

	require.NoError(t, e.EndInstance(ctx, in.ID))
	_, err = e.CreateTimer(ctx, api.TimerRequest{
		InstanceID: in.ID,
		Name:       "sla",
		DueDate:    fixedClock,
	})
	require.ErrorIs(t, err, runtime.ErrInstanceEnded)
}

func TestEngine_DeleteTimersByName(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, Config{})
	require.NoError(t, e.Deploy(ctx, sequenceDefinition(t)))

	in, err := e.CreateInstance(ctx, "ticket", nil)
	require.NoError(t, err)

	_, err = e.CreateTimer(ctx, api.TimerRequest{InstanceID: in.ID, Name: "sla", DueDate: fixedClock})
	require.NoError(t, err)
	_, err = e.CreateTimer(ctx, api.TimerRequest{InstanceID: in.ID, Name: "audit", DueDate: fixedClock})
	require.NoError(t, err)

	require.NoError(t, e.DeleteTimersByName(ctx, in.ID, runtime.TimerKey{Name: "sla"}))

	jobs, err := e.ListJobs(ctx, in.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, "audit", jobs[0].Name)
}

type countingNotifier struct {
	n atomic.Int64
}

func (c *countingNotifier) NotifyJobProduced() { c.n.Add(1) }

func TestEngine_NotifiesOnProducedJobs(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, Config{})
	require.NoError(t, e.Deploy(ctx, timerDefinition(t)))

	var notifier countingNotifier
	e.SetJobNotifier(&notifier)

	in, err := e.CreateInstance(ctx, "reminder", nil)
	require.NoError(t, err)
	_, err = e.SignalRoot(ctx, in.ID, "")
	require.NoError(t, err)
	require.EqualValues(t, 1, notifier.n.Load())

	_, err = e.CreateTimer(ctx, api.TimerRequest{InstanceID: in.ID, Name: "extra", DueDate: fixedClock})
	require.NoError(t, err)
	require.EqualValues(t, 2, notifier.n.Load())
}

func TestEngine_ObserverSeesLifecycle(t *testing.T) {
	ctx := context.Background()
	metrics := &api.BasicMetrics{}
	e := newEngine(t, Config{Observer: metrics})
	require.NoError(t, e.Deploy(ctx, sequenceDefinition(t)))

	in, err := e.CreateInstance(ctx, "ticket", nil)
	require.NoError(t, err)
	_, err = e.SignalRoot(ctx, in.ID, "")
	require.NoError(t, err)
	_, err = e.SignalRoot(ctx, in.ID, "close")
	require.NoError(t, err)

	snap := metrics.Snapshot()
	require.EqualValues(t, 1, snap.InstancesStarted)
	require.EqualValues(t, 1, snap.InstancesEnded)
	require.EqualValues(t, 0, snap.ActiveInstances)
	require.Positive(t, snap.NodesEntered)
}
