package graph

import (
	"fmt"

	"go.uber.org/multierr"
)

// Builder assembles a Definition:
//
//	b := graph.NewBuilder("order")
//	b.Start("start").To("split")
//	b.Fork("split").Transition("a", "ship").Transition("b", "bill")
//	b.State("ship").To("merge")
//	b.State("bill").To("merge")
//	b.Join("merge").Lock(graph.LockUpgrade).To("done")
//	b.End("done")
//
//	def, err := b.Build()
//
// Node targets are referenced by name and resolved at Build time: first
// among siblings of the source node's scope, then by unique name or
// slash-separated path anywhere in the definition. Graph-consistency
// problems (duplicate sibling names, unresolved targets, unnamed decision
// branches) are reported by Build, never patched silently.
type Builder struct {
	name    string
	nodes   []*Node
	scope   NodeID // enclosing super-state for newly added nodes
	pending []pendingTransition
	errPath string
}

type pendingTransition struct {
	from      NodeID
	name      string
	target    string
	condition string
}

// NewBuilder creates a builder for a definition with the given name.
func NewBuilder(name string) *Builder {
	if name == "" {
		panic("graphflow: definition name must not be empty")
	}
	return &Builder{name: name, scope: NoNode}
}

// NodeBuilder configures the node most recently added to a Builder.
type NodeBuilder struct {
	b *Builder
	n *Node
}

func (b *Builder) add(name string, kind Kind) *NodeBuilder {
	if name == "" {
		panic(fmt.Sprintf("graphflow: %s node name must not be empty", kind))
	}
	n := &Node{
		ID:     NodeID(len(b.nodes)),
		Name:   name,
		Kind:   kind,
		Parent: b.scope,
	}
	b.nodes = append(b.nodes, n)
	if b.scope != NoNode {
		p := b.nodes[b.scope]
		p.Children = append(p.Children, n.ID)
	}
	return &NodeBuilder{b: b, n: n}
}

// Start adds the process start node.
func (b *Builder) Start(name string) *NodeBuilder { return b.add(name, KindStart) }

// End adds an end node. A token entering it ends; the root token ending
// ends the whole instance.
func (b *Builder) End(name string) *NodeBuilder { return b.add(name, KindEnd) }

// State adds a wait-state node: the token stops there until signalled.
func (b *Builder) State(name string) *NodeBuilder { return b.add(name, KindState) }

// Task adds a task node. Like a state it waits for a signal, unless marked
// Async, in which case its behavior runs as a persisted continuation job.
func (b *Builder) Task(name string) *NodeBuilder { return b.add(name, KindTask) }

// Fork adds a fork node spawning one child token per outgoing transition.
func (b *Builder) Fork(name string) *NodeBuilder { return b.add(name, KindFork) }

// Join adds a join node gathering the child tokens of the matching fork.
func (b *Builder) Join(name string) *NodeBuilder { return b.add(name, KindJoin) }

// Decision adds a decision node. Every outgoing transition must be named;
// guards are evaluated in declaration order and the first viable one wins.
func (b *Builder) Decision(name string) *NodeBuilder { return b.add(name, KindDecision) }

// Milestone adds a node gated on the named milestone: tokens arriving
// before the milestone is reached register as listeners and wait.
func (b *Builder) Milestone(name, milestone string) *NodeBuilder {
	if milestone == "" {
		panic("graphflow: milestone name must not be empty")
	}
	nb := b.add(name, KindMilestone)
	nb.n.Milestone = milestone
	return nb
}

// SuperState adds a composite node. Nodes added inside fn are nested in it;
// entering the super-state descends into its first declared child.
func (b *Builder) SuperState(name string, fn func(*Builder)) *NodeBuilder {
	nb := b.add(name, KindSuperState)
	if fn != nil {
		outer := b.scope
		b.scope = nb.n.ID
		fn(b)
		b.scope = outer
	}
	return nb
}

// ErrorNode routes evaluator failures during traversal to the node at the
// given path instead of propagating them to the signal caller.
func (b *Builder) ErrorNode(path string) *Builder {
	b.errPath = path
	return b
}

// To adds the node's default (unnamed) transition to target.
func (nb *NodeBuilder) To(target string) *NodeBuilder {
	return nb.Transition("", target)
}

// Transition adds a named transition to target.
func (nb *NodeBuilder) Transition(name, target string) *NodeBuilder {
	return nb.Guarded(name, target, "")
}

// Guarded adds a named transition guarded by a condition expression.
func (nb *NodeBuilder) Guarded(name, target, condition string) *NodeBuilder {
	if target == "" {
		panic(fmt.Sprintf("graphflow: transition from %q has empty target", nb.n.Name))
	}
	nb.b.pending = append(nb.b.pending, pendingTransition{
		from:      nb.n.ID,
		name:      name,
		target:    target,
		condition: condition,
	})
	return nb
}

// OnEnter sets the expression evaluated when the node is entered.
func (nb *NodeBuilder) OnEnter(expr string) *NodeBuilder {
	nb.n.OnEnter = expr
	return nb
}

// OnLeave sets the expression evaluated when the node is left.
func (nb *NodeBuilder) OnLeave(expr string) *NodeBuilder {
	nb.n.OnLeave = expr
	return nb
}

// Async defers the node's behavior to the job executor.
func (nb *NodeBuilder) Async() *NodeBuilder {
	nb.n.Async = true
	return nb
}

// Timer arms a timer while the token sits in this node.
func (nb *NodeBuilder) Timer(spec TimerSpec) *NodeBuilder {
	if spec.Name == "" {
		panic(fmt.Sprintf("graphflow: timer on %q must be named", nb.n.Name))
	}
	nb.n.Timers = append(nb.n.Timers, spec)
	return nb
}

// Lock sets the pessimistic lock mode a join uses on the parent token.
func (nb *NodeBuilder) Lock(m LockMode) *NodeBuilder {
	nb.n.JoinLock = m
	return nb
}

// Quorum sets how many child tokens must arrive before a join fires.
// Zero (the default) requires all of them.
func (nb *NodeBuilder) Quorum(n int) *NodeBuilder {
	nb.n.JoinQuorum = n
	return nb
}

// Build validates the graph and returns the immutable definition.
func (b *Builder) Build() (*Definition, error) {
	d := &Definition{
		Name:      b.name,
		nodes:     b.nodes,
		start:     NoNode,
		errorNode: NoNode,
	}

	var errs error
	fail := func(format string, args ...any) {
		errs = multierr.Append(errs, fmt.Errorf(format, args...))
	}

	// Sibling name uniqueness and the single root start node.
	seen := map[string]bool{}
	for _, n := range b.nodes {
		key := fmt.Sprintf("%d/%s", n.Parent, n.Name)
		if seen[key] {
			fail("duplicate node name %q in scope %q", n.Name, b.scopeName(n.Parent))
		}
		seen[key] = true

		if n.Kind == KindStart && n.Parent == NoNode {
			if d.start != NoNode {
				fail("definition %q has more than one start node", b.name)
			}
			d.start = n.ID
		}
	}
	if d.start == NoNode {
		fail("definition %q has no start node", b.name)
	}

	// Resolve transition targets.
	for _, pt := range b.pending {
		from := b.nodes[pt.from]
		to, err := b.resolveTarget(d, from, pt.target)
		if err != nil {
			fail("transition %q from %q: %v", pt.name, from.Name, err)
			continue
		}
		from.Transitions = append(from.Transitions, Transition{
			Name:      pt.name,
			From:      from.ID,
			To:        to,
			Condition: pt.condition,
		})
	}

	// Per-node structural rules.
	for _, n := range b.nodes {
		unnamed := 0
		names := map[string]bool{}
		for _, t := range n.Transitions {
			if t.Name == "" {
				unnamed++
				continue
			}
			if names[t.Name] {
				fail("node %q has duplicate transition name %q", n.Name, t.Name)
			}
			names[t.Name] = true
		}
		if unnamed > 1 {
			fail("node %q has %d unnamed transitions, at most one is allowed", n.Name, unnamed)
		}

		switch n.Kind {
		case KindEnd:
			if len(n.Transitions) > 0 {
				fail("end node %q must not have outgoing transitions", n.Name)
			}
		case KindStart, KindState, KindTask, KindMilestone:
			if len(n.Transitions) == 0 {
				fail("%s node %q has no outgoing transition", n.Kind, n.Name)
			}
		case KindFork:
			if len(n.Transitions) == 0 {
				fail("fork %q has no outgoing transitions", n.Name)
			}
		case KindJoin:
			if len(n.Transitions) == 0 {
				fail("join %q has no outgoing transition", n.Name)
			}
			if n.JoinQuorum < 0 {
				fail("join %q has negative quorum", n.Name)
			}
		case KindDecision:
			if len(n.Transitions) == 0 {
				fail("decision %q has no outgoing transitions", n.Name)
			}
			if unnamed > 0 {
				fail("decision %q requires every transition to be named", n.Name)
			}
		case KindSuperState:
			if len(n.Children) == 0 {
				fail("super-state %q has no nested nodes", n.Name)
			}
		}
	}

	if b.errPath != "" {
		en, err := d.FindNode(b.errPath)
		if err != nil {
			fail("error node: %v", err)
		} else {
			d.errorNode = en.ID
		}
	}

	if errs != nil {
		return nil, errs
	}
	return d, nil
}

// resolveTarget finds a transition target: sibling scope first, then a
// unique name or path anywhere in the definition.
func (b *Builder) resolveTarget(d *Definition, from *Node, target string) (NodeID, error) {
	for _, n := range b.nodes {
		if n.Parent == from.Parent && n.Name == target {
			return n.ID, nil
		}
	}
	n, err := d.FindNode(target)
	if err != nil {
		return NoNode, err
	}
	return n.ID, nil
}

func (b *Builder) scopeName(id NodeID) string {
	if id == NoNode {
		return b.name
	}
	return b.nodes[id].Name
}
