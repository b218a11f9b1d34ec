package runtime

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"

	"github.com/petrandreev/graphflow/pkg/graph"
)

// LastErrorVariable is the instance variable recording the most recent
// evaluator failure routed to the definition's error node.
const LastErrorVariable = "graphflow:lastError"

// DefaultJobRetries is the retry budget for jobs whose spec does not set
// one and whose Env carries no default.
const DefaultJobRetries = 3

// Signal advances a token: it resolves the leaving transition (explicit
// name, the node's default, or guard evaluation for decision nodes), takes
// it, and keeps going through automatic nodes until every token involved
// is at rest. All state changes happen in memory; the caller commits the
// instance together with env's buffered job effects.
func Signal(in *ProcessInstance, env *Env, id TokenID, transitionName string) error {
	if in.Ended {
		return fmt.Errorf("%w: instance %s", ErrInstanceEnded, in.ID)
	}
	tok := in.Tokens[id]
	if tok == nil {
		return fmt.Errorf("%w: %s", ErrTokenNotFound, id)
	}
	if tok.Ended {
		return fmt.Errorf("%w: %s", ErrTokenEnded, id)
	}
	if !tok.lock(env.Owner) {
		return fmt.Errorf("%w: %s held by %q", ErrTokenLocked, id, tok.LockOwner)
	}
	defer tok.unlock()

	cur := in.def.Node(tok.Node)

	// An unnamed signal on a decision selects by guard, not by default.
	if transitionName == "" && cur.Kind == graph.KindDecision {
		tr, err := decide(in, env, tok, cur)
		if err != nil {
			return err
		}
		return run(in, env, []move{{tok: tok, tr: &tr}})
	}

	_, tr, ok := in.def.ResolveLeaving(tok.Node, transitionName)
	if !ok {
		return fmt.Errorf("%w: transition %q from node %q", ErrNoTransition, transitionName, cur.Name)
	}
	return run(in, env, []move{{tok: tok, tr: &tr}})
}

// ResumeNode replays the deferred behavior of an async node: the node's
// enter effects run now, in the executor's unit of work, and traversal
// continues from there.
func ResumeNode(in *ProcessInstance, env *Env, id TokenID) error {
	if in.Ended {
		return fmt.Errorf("%w: instance %s", ErrInstanceEnded, in.ID)
	}
	tok := in.Tokens[id]
	if tok == nil {
		return fmt.Errorf("%w: %s", ErrTokenNotFound, id)
	}
	if tok.Ended {
		return fmt.Errorf("%w: %s", ErrTokenEnded, id)
	}
	if !tok.lock(env.Owner) {
		return fmt.Errorf("%w: %s held by %q", ErrTokenLocked, id, tok.LockOwner)
	}
	defer tok.unlock()

	env.InJob = true
	return run(in, env, []move{{tok: tok, node: tok.Node, place: true}})
}

// ReachMilestone marks the milestone reached and releases its listeners in
// arrival order. Listener failures are collected, not short-circuited: one
// listener failing must not keep the others waiting.
func ReachMilestone(in *ProcessInstance, env *Env, name string) error {
	if in.Ended {
		return fmt.Errorf("%w: instance %s", ErrInstanceEnded, in.ID)
	}
	ms := in.Milestone(name)
	if ms.Reached {
		return nil
	}
	ms.Reached = true

	listeners := ms.Listeners
	ms.Listeners = nil

	var errs error
	for _, id := range listeners {
		tok := in.Tokens[id]
		if tok == nil || tok.Ended {
			continue
		}
		if err := releaseListener(in, env, tok); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("milestone %q listener %s: %w", name, id, err))
		}
	}
	return errs
}

func releaseListener(in *ProcessInstance, env *Env, tok *Token) error {
	if !tok.lock(env.Owner) {
		return fmt.Errorf("%w: held by %q", ErrTokenLocked, tok.LockOwner)
	}
	defer tok.unlock()

	n := in.def.Node(tok.Node)
	tr, ok := n.DefaultTransition()
	if !ok {
		return fmt.Errorf("%w: node %q has no default transition", ErrNoTransition, n.Name)
	}
	return run(in, env, []move{{tok: tok, tr: &tr}})
}

// move is one unit of trampoline work: either take a transition, or place
// the token directly at a node and run its enter behavior.
type move struct {
	tok   *Token
	tr    *graph.Transition
	node  graph.NodeID
	place bool
}

// run drains the work queue. Auto-continuation (decisions, forks firing
// children, joins releasing the parent, milestones passing through) is a
// loop, not recursion, so stack depth stays independent of graph length.
// The step budget turns a cycle of automatic nodes into an error instead
// of a hang.
func run(in *ProcessInstance, env *Env, queue []move) error {
	steps := 0
	for len(queue) > 0 {
		steps++
		if steps > env.maxSteps() {
			return fmt.Errorf("%w after %d steps", ErrTraversalLimit, steps-1)
		}

		m := queue[0]
		queue = queue[1:]

		var (
			next []move
			err  error
		)
		if m.place {
			next, err = enterNode(in, env, m.tok, in.def.Node(m.node))
		} else {
			next, err = takeTransition(in, env, m.tok, *m.tr)
		}

		if err != nil {
			next, err = routeError(in, env, m.tok, err)
			if err != nil {
				return err
			}
		}
		queue = append(queue, next...)
	}
	return nil
}

// routeError redirects evaluator failures to the definition's error node,
// when one is declared. Everything else propagates and aborts the whole
// unit of work.
func routeError(in *ProcessInstance, env *Env, tok *Token, err error) ([]move, error) {
	var ev *EvalError
	if !errors.As(err, &ev) {
		return nil, err
	}
	errNode := in.def.ErrorNode()
	if errNode == nil {
		return nil, err
	}

	in.SetVariable(LastErrorVariable, ev.Error())
	tok.Node = errNode.ID
	tok.Seq++
	return behave(in, env, tok, errNode)
}

// takeTransition moves tok over tr: leave effects for the source node and
// any super-states being exited (innermost first), enter effects for any
// super-states being entered (outermost first), then the target node's
// behavior.
func takeTransition(in *ProcessInstance, env *Env, tok *Token, tr graph.Transition) ([]move, error) {
	def := in.def
	cur := def.Node(tok.Node)
	to := def.Node(tr.To)

	// The transition must leave the current node or one of its enclosing
	// super-states; anything else is a bare cross-boundary jump.
	if tr.From != cur.ID && !def.Encloses(tr.From, cur.ID) {
		return nil, fmt.Errorf("%w: transition %q leaves %q but token is at %q",
			ErrIllegalLeave, tr.Name, def.Node(tr.From).Name, cur.Name)
	}

	if err := leaveNode(in, env, tok, cur); err != nil {
		return nil, err
	}
	for _, cid := range def.Enclosing(cur.ID) {
		if cid == to.ID || def.Encloses(cid, to.ID) {
			break
		}
		if err := leaveNode(in, env, tok, def.Node(cid)); err != nil {
			return nil, err
		}
	}

	if env.Hooks != nil {
		env.Hooks.NodeLeft(in, tok, cur, tr.Name)
	}

	entered := def.Enclosing(to.ID)
	for i := len(entered) - 1; i >= 0; i-- {
		cid := entered[i]
		if cid == cur.ID || def.Encloses(cid, cur.ID) {
			continue
		}
		if err := enterEffects(in, env, tok, def.Node(cid)); err != nil {
			return nil, err
		}
	}

	tok.Node = to.ID
	tok.Seq++

	return enterNode(in, env, tok, to)
}

// leaveNode cancels the node's timers and runs its leave action.
func leaveNode(in *ProcessInstance, env *Env, tok *Token, n *graph.Node) error {
	for _, spec := range n.Timers {
		env.CancelledTimers = append(env.CancelledTimers, TimerKey{TokenID: tok.ID, Name: spec.Name})
	}
	if n.OnLeave != "" {
		if _, err := evaluate(in, env, tok, n, n.OnLeave); err != nil {
			return err
		}
	}
	return nil
}

// enterEffects runs the node's enter action and arms its timers.
func enterEffects(in *ProcessInstance, env *Env, tok *Token, n *graph.Node) error {
	if n.OnEnter != "" {
		if _, err := evaluate(in, env, tok, n, n.OnEnter); err != nil {
			return err
		}
	}
	for _, spec := range n.Timers {
		job, err := buildTimerJob(in, env, tok, spec)
		if err != nil {
			return err
		}
		env.CreatedJobs = append(env.CreatedJobs, job)
	}
	if env.Hooks != nil {
		env.Hooks.NodeEntered(in, tok, n)
	}
	return nil
}

// enterNode runs a node's enter effects and behavior. Async nodes defer
// both to a persisted continuation job unless this call is already the
// executor replaying one.
func enterNode(in *ProcessInstance, env *Env, tok *Token, n *graph.Node) ([]move, error) {
	if n.Async {
		if !env.InJob {
			env.CreatedJobs = append(env.CreatedJobs, &Job{
				ID:         NewJobID(),
				Kind:       JobExecuteNode,
				InstanceID: in.ID,
				TokenID:    tok.ID,
				Node:       n.ID,
				DueDate:    env.now(),
				Retries:    env.jobRetries(0),
				CreatedAt:  env.now(),
			})
			return nil, nil
		}
		// This replay consumes the continuation; any further async node
		// reached downstream defers again.
		env.InJob = false
	}

	if err := enterEffects(in, env, tok, n); err != nil {
		return nil, err
	}
	return behave(in, env, tok, n)
}

type behavior func(in *ProcessInstance, env *Env, tok *Token, n *graph.Node) ([]move, error)

// behaviors is the per-kind dispatch table. Wait states return no moves;
// automatic kinds feed the trampoline.
var behaviors = map[graph.Kind]behavior{
	graph.KindStart:      behaveWait,
	graph.KindState:      behaveWait,
	graph.KindTask:       behaveWait,
	graph.KindEnd:        behaveEnd,
	graph.KindFork:       behaveFork,
	graph.KindJoin:       behaveJoin,
	graph.KindDecision:   behaveDecision,
	graph.KindSuperState: behaveSuperState,
	graph.KindMilestone:  behaveMilestone,
}

func behave(in *ProcessInstance, env *Env, tok *Token, n *graph.Node) ([]move, error) {
	fn, ok := behaviors[n.Kind]
	if !ok {
		return nil, fmt.Errorf("node %q has unknown kind %v", n.Name, n.Kind)
	}
	return fn(in, env, tok, n)
}

func behaveWait(*ProcessInstance, *Env, *Token, *graph.Node) ([]move, error) {
	return nil, nil
}

func behaveEnd(in *ProcessInstance, env *Env, tok *Token, n *graph.Node) ([]move, error) {
	tok.Ended = true
	if tok.IsRoot() {
		in.End(env.now())
	}
	return nil, nil
}

// behaveFork spawns one child per outgoing transition, each positioned at
// the fork, and schedules each along its transition. The parent stays at
// the fork until the matching join retires the children.
func behaveFork(in *ProcessInstance, env *Env, tok *Token, n *graph.Node) ([]move, error) {
	if tok.Children == nil {
		tok.Children = map[string]TokenID{}
	}
	var moves []move
	for i, tr := range n.Transitions {
		name := tr.Name
		if name == "" {
			name = fmt.Sprintf("%s-%d", n.Name, i+1)
		}
		child := &Token{
			ID:     NewTokenID(),
			Name:   name,
			Node:   n.ID,
			Parent: tok.ID,
		}
		in.Tokens[child.ID] = child
		tok.Children[name] = child.ID

		tr := tr
		moves = append(moves, move{tok: child, tr: &tr})
	}
	return moves, nil
}

// behaveJoin retires the arriving child and, when the required number of
// siblings has arrived, continues the parent from the join. The parent
// lock serializes the last-arrival decision between siblings committing
// from different workers; LockRead skips the lease and leaves conflict
// detection to the optimistic version check.
func behaveJoin(in *ProcessInstance, env *Env, tok *Token, n *graph.Node) ([]move, error) {
	parent := in.Tokens[tok.Parent]
	if parent == nil {
		return nil, fmt.Errorf("%w: join %q", ErrJoinNeedsFork, n.Name)
	}

	if n.JoinLock != graph.LockRead && env.Locker != nil {
		if err := env.Locker.AcquireJoinLock(env.ctx(), in.ID, parent.ID, env.Owner, env.joinLockTTL()); err != nil {
			return nil, fmt.Errorf("join %q: acquiring parent lock: %w", n.Name, err)
		}
		env.HeldJoinLocks = append(env.HeldJoinLocks, parent.ID)
	}

	tok.Ended = true

	if len(parent.Children) == 0 {
		// The join already fired on a quorum; this arrival is a straggler.
		return nil, nil
	}
	if _, ok := parent.Children[tok.Name]; !ok {
		return nil, nil
	}

	required := n.JoinQuorum
	if required <= 0 || required > len(parent.Children) {
		required = len(parent.Children)
	}

	arrived := 0
	for _, cid := range parent.Children {
		if c := in.Tokens[cid]; c != nil && c.Ended {
			arrived++
		}
	}
	if arrived < required {
		return nil, nil
	}

	// Consume the children and continue the parent past the join.
	parent.Children = nil
	parent.Node = n.ID
	parent.Seq++

	tr, ok := n.DefaultTransition()
	if !ok {
		return nil, fmt.Errorf("%w: join %q has no leaving transition", ErrNoTransition, n.Name)
	}
	return []move{{tok: parent, tr: &tr}}, nil
}

func behaveDecision(in *ProcessInstance, env *Env, tok *Token, n *graph.Node) ([]move, error) {
	tr, err := decide(in, env, tok, n)
	if err != nil {
		return nil, err
	}
	return []move{{tok: tok, tr: &tr}}, nil
}

// decide evaluates guards in declaration order and picks the first viable
// transition. Two true guards resolve to the first declared; none is a
// hard failure, not a silent fall-through.
func decide(in *ProcessInstance, env *Env, tok *Token, n *graph.Node) (graph.Transition, error) {
	for _, tr := range n.Transitions {
		if tr.Condition == "" {
			return tr, nil
		}
		v, err := evaluate(in, env, tok, n, tr.Condition)
		if err != nil {
			return graph.Transition{}, err
		}
		if Truthy(v) {
			return tr, nil
		}
	}
	return graph.Transition{}, fmt.Errorf("%w: no guard on decision %q evaluated true", ErrNoTransition, n.Name)
}

// behaveSuperState descends into the composite's first declared child.
func behaveSuperState(in *ProcessInstance, env *Env, tok *Token, n *graph.Node) ([]move, error) {
	if len(n.Children) == 0 {
		return nil, fmt.Errorf("super-state %q has no nested nodes", n.Name)
	}
	tok.Node = n.Children[0]
	tok.Seq++
	return []move{{tok: tok, node: n.Children[0], place: true}}, nil
}

// behaveMilestone passes through if the milestone is already reached,
// otherwise records the token as a listener and waits.
func behaveMilestone(in *ProcessInstance, env *Env, tok *Token, n *graph.Node) ([]move, error) {
	ms := in.Milestone(n.Milestone)
	if ms.Reached {
		tr, ok := n.DefaultTransition()
		if !ok {
			return nil, fmt.Errorf("%w: milestone node %q has no default transition", ErrNoTransition, n.Name)
		}
		return []move{{tok: tok, tr: &tr}}, nil
	}
	ms.Listeners = append(ms.Listeners, tok.ID)
	return nil, nil
}

func evaluate(in *ProcessInstance, env *Env, tok *Token, n *graph.Node, expr string) (any, error) {
	if env.Evaluator == nil {
		return nil, &EvalError{Expr: expr, Err: errors.New("no evaluator configured")}
	}
	v, err := env.Evaluator.Evaluate(env.ctx(), expr, ExecContext{
		Instance: in,
		Token:    tok,
		Node:     n,
	})
	if err != nil {
		return nil, &EvalError{Expr: expr, Err: err}
	}
	return v, nil
}

func buildTimerJob(in *ProcessInstance, env *Env, tok *Token, spec graph.TimerSpec) (*Job, error) {
	if env.Calendar == nil {
		return nil, fmt.Errorf("timer %q: no business calendar configured", spec.Name)
	}
	due, err := env.Calendar.ComputeDueDate(env.now(), spec.DueDate, spec.Calendar)
	if err != nil {
		return nil, fmt.Errorf("timer %q: %w", spec.Name, err)
	}
	return &Job{
		ID:         NewJobID(),
		Kind:       JobTimer,
		InstanceID: in.ID,
		TokenID:    tok.ID,
		Name:       spec.Name,
		DueDate:    due,
		Repeat:     spec.Repeat,
		Calendar:   spec.Calendar,
		Action:     spec.Action,
		Transition: spec.Transition,
		Retries:    env.jobRetries(spec.Retries),
		CreatedAt:  env.now(),
	}, nil
}

func (env *Env) jobRetries(specified int) int {
	if specified > 0 {
		return specified
	}
	if env.DefaultRetries > 0 {
		return env.DefaultRetries
	}
	return DefaultJobRetries
}
