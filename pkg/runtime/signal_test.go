package runtime

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/petrandreev/graphflow/pkg/graph"
)

var testClock = time.Date(2026, time.September, 7, 10, 0, 0, 0, time.UTC)

func newTestEnv() *Env {
	return &Env{
		Evaluator: VarEvaluator{},
		Calendar:  NewCalendarSet(nil),
		Now:       func() time.Time { return testClock },
		Owner:     "test",
	}
}

func build(t *testing.T, fn func(b *graph.Builder)) *graph.Definition {
	t.Helper()
	b := graph.NewBuilder("proc")
	fn(b)
	def, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return def
}

func nodeName(in *ProcessInstance, tok *Token) string {
	return in.Definition().Node(tok.Node).Name
}

func TestSignal_SequenceToEnd(t *testing.T) {
	def := build(t, func(b *graph.Builder) {
		b.Start("start").To("review")
		b.State("review").To("done")
		b.End("done")
	})
	in := NewInstance(def, testClock)
	root := in.RootToken()

	if err := Signal(in, newTestEnv(), root.ID, ""); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	if got := nodeName(in, root); got != "review" {
		t.Fatalf("expected token at review, got %q", got)
	}
	if root.Seq != 1 {
		t.Fatalf("expected seq 1, got %d", root.Seq)
	}

	if err := Signal(in, newTestEnv(), root.ID, ""); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	if !root.Ended || !in.Ended {
		t.Fatalf("expected token and instance ended")
	}
	if !in.EndedAt.Equal(testClock) {
		t.Fatalf("expected EndedAt from the env clock")
	}

	if err := Signal(in, newTestEnv(), root.ID, ""); !errors.Is(err, ErrInstanceEnded) {
		t.Fatalf("expected ErrInstanceEnded, got %v", err)
	}
}

func TestSignal_NamedTransitions(t *testing.T) {
	def := build(t, func(b *graph.Builder) {
		b.Start("start").To("review")
		b.State("review").
			Transition("approve", "done").
			Transition("reject", "rework")
		b.State("rework").To("review")
		b.End("done")
	})
	in := NewInstance(def, testClock)
	root := in.RootToken()

	if err := Signal(in, newTestEnv(), root.ID, ""); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	if err := Signal(in, newTestEnv(), root.ID, "reject"); err != nil {
		t.Fatalf("Signal(reject): %v", err)
	}
	if got := nodeName(in, root); got != "rework" {
		t.Fatalf("expected rework, got %q", got)
	}

	if err := Signal(in, newTestEnv(), root.ID, "ship"); !errors.Is(err, ErrNoTransition) {
		t.Fatalf("expected ErrNoTransition, got %v", err)
	}
}

func TestSignal_UnknownToken(t *testing.T) {
	def := build(t, func(b *graph.Builder) {
		b.Start("start").To("done")
		b.End("done")
	})
	in := NewInstance(def, testClock)

	if err := Signal(in, newTestEnv(), "ghost", ""); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("expected ErrTokenNotFound, got %v", err)
	}
}

func TestSignal_LockedTokenRejected(t *testing.T) {
	def := build(t, func(b *graph.Builder) {
		b.Start("start").To("done")
		b.End("done")
	})
	in := NewInstance(def, testClock)
	root := in.RootToken()
	root.Locked = true
	root.LockOwner = "someone-else"

	if err := Signal(in, newTestEnv(), root.ID, ""); !errors.Is(err, ErrTokenLocked) {
		t.Fatalf("expected ErrTokenLocked, got %v", err)
	}
}

func TestSignal_DecisionRoutesByGuardOrder(t *testing.T) {
	def := build(t, func(b *graph.Builder) {
		b.Start("start").To("route")
		b.Decision("route").
			Guarded("high", "urgent", "priority == high").
			Guarded("low", "normal", "priority == low")
		b.State("urgent").To("done")
		b.State("normal").To("done")
		b.End("done")
	})

	in := NewInstance(def, testClock)
	in.SetVariable("priority", "low")
	root := in.RootToken()
	if err := Signal(in, newTestEnv(), root.ID, ""); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	if got := nodeName(in, root); got != "normal" {
		t.Fatalf("expected normal, got %q", got)
	}

	// Both guards true: declaration order decides.
	in2 := NewInstance(def, testClock)
	in2.SetVariable("priority", "high")
	if err := Signal(in2, newTestEnv(), in2.Root, ""); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	if got := nodeName(in2, in2.RootToken()); got != "urgent" {
		t.Fatalf("expected urgent, got %q", got)
	}
}

func TestSignal_DecisionWithoutViableGuard(t *testing.T) {
	def := build(t, func(b *graph.Builder) {
		b.Start("start").To("route")
		b.Decision("route").
			Guarded("only", "done", "approved")
		b.End("done")
	})
	in := NewInstance(def, testClock)

	err := Signal(in, newTestEnv(), in.Root, "")
	if !errors.Is(err, ErrNoTransition) {
		t.Fatalf("expected ErrNoTransition, got %v", err)
	}
}

func forkJoinDef(t *testing.T, quorum int) *graph.Definition {
	return build(t, func(b *graph.Builder) {
		b.Start("start").To("split")
		b.Fork("split").
			Transition("ship", "shipping").
			Transition("bill", "billing")
		b.State("shipping").To("merge")
		b.State("billing").To("merge")
		b.Join("merge").Quorum(quorum).To("done")
		b.End("done")
	})
}

func TestSignal_ForkAndJoin(t *testing.T) {
	def := forkJoinDef(t, 0)
	in := NewInstance(def, testClock)
	root := in.RootToken()

	if err := Signal(in, newTestEnv(), root.ID, ""); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	if len(root.Children) != 2 {
		t.Fatalf("expected 2 children, got %d", len(root.Children))
	}

	ship := in.Token(root.Children["ship"])
	bill := in.Token(root.Children["bill"])
	if nodeName(in, ship) != "shipping" || nodeName(in, bill) != "billing" {
		t.Fatalf("children at %q and %q", nodeName(in, ship), nodeName(in, bill))
	}

	if err := Signal(in, newTestEnv(), ship.ID, ""); err != nil {
		t.Fatalf("Signal(ship): %v", err)
	}
	if !ship.Ended {
		t.Fatalf("expected first arrival to retire its token")
	}
	if root.Ended || len(root.Children) == 0 {
		t.Fatalf("parent must wait for the second child")
	}
	if err := Signal(in, newTestEnv(), ship.ID, ""); !errors.Is(err, ErrTokenEnded) {
		t.Fatalf("expected ErrTokenEnded on the retired child, got %v", err)
	}

	if err := Signal(in, newTestEnv(), bill.ID, ""); err != nil {
		t.Fatalf("Signal(bill): %v", err)
	}
	if !in.Ended {
		t.Fatalf("expected instance to end after the join released the parent")
	}
	if len(root.Children) != 0 {
		t.Fatalf("expected children consumed by the join")
	}
}

func TestSignal_JoinQuorum(t *testing.T) {
	def := build(t, func(b *graph.Builder) {
		b.Start("start").To("split")
		b.Fork("split").
			Transition("a", "wa").
			Transition("b", "wb").
			Transition("c", "wc")
		b.State("wa").To("merge")
		b.State("wb").To("merge")
		b.State("wc").To("merge")
		b.Join("merge").Quorum(2).To("finish")
		b.State("finish").To("done")
		b.End("done")
	})
	in := NewInstance(def, testClock)
	root := in.RootToken()

	if err := Signal(in, newTestEnv(), root.ID, ""); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	a := in.Token(root.Children["a"])
	b := in.Token(root.Children["b"])
	c := in.Token(root.Children["c"])

	if err := Signal(in, newTestEnv(), a.ID, ""); err != nil {
		t.Fatalf("Signal(a): %v", err)
	}
	if got := nodeName(in, root); got != "split" {
		t.Fatalf("quorum of 2 must not fire on the first arrival, parent at %q", got)
	}

	if err := Signal(in, newTestEnv(), b.ID, ""); err != nil {
		t.Fatalf("Signal(b): %v", err)
	}
	if got := nodeName(in, root); got != "finish" {
		t.Fatalf("expected parent at finish after quorum, got %q", got)
	}

	// The straggler retires quietly without re-firing the join.
	if err := Signal(in, newTestEnv(), c.ID, ""); err != nil {
		t.Fatalf("Signal(c): %v", err)
	}
	if !c.Ended {
		t.Fatalf("expected straggler retired")
	}
	if got := nodeName(in, root); got != "finish" {
		t.Fatalf("straggler moved the parent to %q", got)
	}
}

func TestSignal_JoinWithoutFork(t *testing.T) {
	def := build(t, func(b *graph.Builder) {
		b.Start("start").To("merge")
		b.Join("merge").To("done")
		b.End("done")
	})
	in := NewInstance(def, testClock)

	err := Signal(in, newTestEnv(), in.Root, "")
	if !errors.Is(err, ErrJoinNeedsFork) {
		t.Fatalf("expected ErrJoinNeedsFork, got %v", err)
	}
}

func TestSignal_MilestoneParksAndReleases(t *testing.T) {
	def := build(t, func(b *graph.Builder) {
		b.Start("start").To("split")
		b.Fork("split").
			Transition("work", "gate").
			Transition("side", "prep")
		b.Milestone("gate", "credit-checked").To("merge")
		b.State("prep").To("merge")
		b.Join("merge").To("done")
		b.End("done")
	})
	in := NewInstance(def, testClock)
	root := in.RootToken()

	if err := Signal(in, newTestEnv(), root.ID, ""); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	work := in.Token(root.Children["work"])
	if nodeName(in, work) != "gate" {
		t.Fatalf("expected work token parked at gate, got %q", nodeName(in, work))
	}

	ms := in.Milestone("credit-checked")
	if ms.Reached || len(ms.Listeners) != 1 || ms.Listeners[0] != work.ID {
		t.Fatalf("expected work registered as listener")
	}

	if err := ReachMilestone(in, newTestEnv(), "credit-checked"); err != nil {
		t.Fatalf("ReachMilestone: %v", err)
	}
	if !work.Ended {
		t.Fatalf("expected released token to reach the join")
	}

	// Reaching again is a no-op.
	if err := ReachMilestone(in, newTestEnv(), "credit-checked"); err != nil {
		t.Fatalf("ReachMilestone (again): %v", err)
	}

	side := in.Token(root.Children["side"])
	if err := Signal(in, newTestEnv(), side.ID, ""); err != nil {
		t.Fatalf("Signal(side): %v", err)
	}
	if !in.Ended {
		t.Fatalf("expected instance ended after both children joined")
	}
}

func TestSignal_MilestoneAlreadyReachedPassesThrough(t *testing.T) {
	def := build(t, func(b *graph.Builder) {
		b.Start("start").To("gate")
		b.Milestone("gate", "ready").To("done")
		b.End("done")
	})
	in := NewInstance(def, testClock)
	in.Milestone("ready").Reached = true

	if err := Signal(in, newTestEnv(), in.Root, ""); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	if !in.Ended {
		t.Fatalf("expected pass-through to the end node")
	}
}

func TestSignal_SuperStateBoundaryActions(t *testing.T) {
	def := build(t, func(b *graph.Builder) {
		b.Start("start").To("phase")
		b.SuperState("phase", func(b *graph.Builder) {
			b.State("inner").To("done")
		}).
			OnEnter("entered = true").
			OnLeave("left = true").
			Transition("exit", "done")
		b.End("done")
	})
	in := NewInstance(def, testClock)
	root := in.RootToken()

	if err := Signal(in, newTestEnv(), root.ID, ""); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	if got := nodeName(in, root); got != "inner" {
		t.Fatalf("expected descent into inner, got %q", got)
	}
	if v, _ := in.Variable("entered"); v != true {
		t.Fatalf("expected super-state enter action to run")
	}
	if v, _ := in.Variable("left"); v == true {
		t.Fatalf("leave action must not run yet")
	}

	// Leaving through the container's transition runs its leave action.
	if err := Signal(in, newTestEnv(), root.ID, "exit"); err != nil {
		t.Fatalf("Signal(exit): %v", err)
	}
	if v, _ := in.Variable("left"); v != true {
		t.Fatalf("expected super-state leave action to run")
	}
	if !in.Ended {
		t.Fatalf("expected instance ended")
	}
}

func TestSignal_TimersArmAndCancel(t *testing.T) {
	def := build(t, func(b *graph.Builder) {
		b.Start("start").To("waiting")
		b.State("waiting").
			Timer(graph.TimerSpec{
				Name:       "remind",
				DueDate:    "2 business hours",
				Repeat:     "1 business hour",
				Calendar:   "support",
				Transition: "timeout",
				Retries:    2,
			}).
			Transition("answered", "done").
			Transition("timeout", "done")
		b.End("done")
	})
	in := NewInstance(def, testClock)

	env := newTestEnv()
	cal := NewCalendarSet(nil)
	cal.Register("support", NewCalendar())
	env.Calendar = cal

	if err := Signal(in, env, in.Root, ""); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	if len(env.CreatedJobs) != 1 {
		t.Fatalf("expected 1 timer job, got %d", len(env.CreatedJobs))
	}
	job := env.CreatedJobs[0]
	if job.Kind != JobTimer || job.Name != "remind" {
		t.Fatalf("unexpected job %+v", job)
	}
	if want := testClock.Add(2 * time.Hour); !job.DueDate.Equal(want) {
		t.Fatalf("due %v, want %v", job.DueDate, want)
	}
	if job.Calendar != "support" || job.Repeat != "1 business hour" {
		t.Fatalf("expected calendar resource and repeat stored on the job")
	}
	if job.Retries != 2 {
		t.Fatalf("expected spec retries, got %d", job.Retries)
	}

	env2 := newTestEnv()
	if err := Signal(in, env2, in.Root, "answered"); err != nil {
		t.Fatalf("Signal(answered): %v", err)
	}
	if len(env2.CancelledTimers) != 1 || env2.CancelledTimers[0].Name != "remind" {
		t.Fatalf("expected remind cancelled on leave, got %+v", env2.CancelledTimers)
	}
}

func TestSignal_AsyncNodeDefersBehavior(t *testing.T) {
	def := build(t, func(b *graph.Builder) {
		b.Start("start").To("charge")
		b.Task("charge").Async().OnEnter("charged = true").To("done")
		b.End("done")
	})
	in := NewInstance(def, testClock)
	root := in.RootToken()

	env := newTestEnv()
	if err := Signal(in, env, root.ID, ""); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	if got := nodeName(in, root); got != "charge" {
		t.Fatalf("expected token at charge, got %q", got)
	}
	if v, _ := in.Variable("charged"); v == true {
		t.Fatalf("enter action must be deferred to the continuation job")
	}
	if len(env.CreatedJobs) != 1 || env.CreatedJobs[0].Kind != JobExecuteNode {
		t.Fatalf("expected an execute-node job, got %+v", env.CreatedJobs)
	}

	if err := ResumeNode(in, newTestEnv(), root.ID); err != nil {
		t.Fatalf("ResumeNode: %v", err)
	}
	if v, _ := in.Variable("charged"); v != true {
		t.Fatalf("expected enter action after replay")
	}
	// A task is still a wait state; the replay must not move past it.
	if got := nodeName(in, root); got != "charge" {
		t.Fatalf("expected token resting at charge, got %q", got)
	}
}

func TestSignal_EvaluationErrorRoutesToErrorNode(t *testing.T) {
	def := build(t, func(b *graph.Builder) {
		b.Start("start").To("work")
		b.State("work").OnEnter("explode").To("done")
		b.State("failed").To("done")
		b.End("done")
		b.ErrorNode("failed")
	})
	in := NewInstance(def, testClock)
	root := in.RootToken()

	env := newTestEnv()
	env.Evaluator = EvaluatorFunc(func(ctx context.Context, expr string, ec ExecContext) (any, error) {
		if expr == "explode" {
			return nil, fmt.Errorf("boom")
		}
		return VarEvaluator{}.Evaluate(ctx, expr, ec)
	})

	if err := Signal(in, env, root.ID, ""); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	if got := nodeName(in, root); got != "failed" {
		t.Fatalf("expected token routed to failed, got %q", got)
	}
	v, ok := in.Variable(LastErrorVariable)
	if !ok {
		t.Fatalf("expected %s recorded", LastErrorVariable)
	}
	if s, _ := v.(string); s == "" {
		t.Fatalf("expected error text, got %v", v)
	}
}

func TestSignal_EvaluationErrorWithoutErrorNode(t *testing.T) {
	def := build(t, func(b *graph.Builder) {
		b.Start("start").To("work")
		b.State("work").OnEnter("explode").To("done")
		b.End("done")
	})
	in := NewInstance(def, testClock)

	env := newTestEnv()
	env.Evaluator = EvaluatorFunc(func(ctx context.Context, expr string, ec ExecContext) (any, error) {
		return nil, fmt.Errorf("boom")
	})

	err := Signal(in, env, in.Root, "")
	var ev *EvalError
	if !errors.As(err, &ev) {
		t.Fatalf("expected EvalError, got %v", err)
	}
}

func TestSignal_TraversalLimit(t *testing.T) {
	def := build(t, func(b *graph.Builder) {
		b.Start("start").To("spin")
		b.Decision("spin").
			Guarded("again", "spin", "looping")
		b.End("done")
	})
	in := NewInstance(def, testClock)
	in.SetVariable("looping", true)

	env := newTestEnv()
	env.MaxSteps = 25

	err := Signal(in, env, in.Root, "")
	if !errors.Is(err, ErrTraversalLimit) {
		t.Fatalf("expected ErrTraversalLimit, got %v", err)
	}
}
