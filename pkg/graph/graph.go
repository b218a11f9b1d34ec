// Package graph holds the immutable process-definition model: nodes,
// transitions and the nesting tree of super-states. Definitions are built
// with a Builder, validated once, and never mutated after deployment, so
// they can be shared freely between process instances and worker threads.
package graph

import (
	"errors"
	"fmt"
	"strings"
)

// NodeID indexes a node inside its owning Definition.
type NodeID int

// NoNode marks the absence of a node reference (e.g. the parent of a
// top-level node).
const NoNode NodeID = -1

// Kind discriminates node behavior. All dispatch on node type goes through
// this value; there is no per-kind struct hierarchy.
type Kind int

const (
	KindStart Kind = iota
	KindEnd
	KindState
	KindTask
	KindFork
	KindJoin
	KindDecision
	KindSuperState
	KindMilestone
)

func (k Kind) String() string {
	switch k {
	case KindStart:
		return "start"
	case KindEnd:
		return "end"
	case KindState:
		return "state"
	case KindTask:
		return "task"
	case KindFork:
		return "fork"
	case KindJoin:
		return "join"
	case KindDecision:
		return "decision"
	case KindSuperState:
		return "super-state"
	case KindMilestone:
		return "milestone"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// LockMode is the pessimistic lock strength a join uses when it touches the
// parent token. LockForce always takes the write-intent lease, LockUpgrade
// takes it when the arrival may be the completing one (in this
// implementation both acquire), LockRead skips the lease entirely and
// relies on the optimistic version check at commit.
type LockMode int

const (
	LockRead LockMode = iota
	LockUpgrade
	LockForce
)

func (m LockMode) String() string {
	switch m {
	case LockRead:
		return "read"
	case LockUpgrade:
		return "upgrade"
	case LockForce:
		return "force"
	default:
		return fmt.Sprintf("lockmode(%d)", int(m))
	}
}

// Transition is a directed edge between two nodes of the same definition.
type Transition struct {
	// Name may be empty for the node's default transition.
	Name string
	From NodeID
	To   NodeID
	// Condition guards the transition on decision nodes. It is an opaque
	// expression handed to the configured evaluator; an empty condition is
	// always viable.
	Condition string
}

// TimerSpec declares a timer armed when its node is entered and cancelled
// when the node is left.
type TimerSpec struct {
	Name string
	// DueDate is a duration description understood by the business
	// calendar, e.g. "30 seconds" or "2 business hours".
	DueDate string
	// Repeat, when non-empty, reschedules the timer after each firing
	// using the same calendar resource the first computation used.
	Repeat string
	// Calendar names the calendar resource used for due-date arithmetic.
	// Empty selects the calendar service's default.
	Calendar string
	// Action is an expression evaluated when the timer fires.
	Action string
	// Transition, when non-empty, is signalled on the owning token after
	// the action ran.
	Transition string
	// Retries is the retry budget for the backing job. Zero selects the
	// engine default.
	Retries int
}

// Node is one vertex of the process graph.
type Node struct {
	ID   NodeID
	Name string
	Kind Kind

	// Parent is the enclosing super-state, or NoNode at top level.
	Parent NodeID
	// Children lists the nested nodes of a super-state in declaration
	// order. Empty for every other kind.
	Children []NodeID

	// Transitions are the outgoing edges in declaration order.
	Transitions []Transition

	// OnEnter and OnLeave are action expressions run when the node is
	// entered or left (including synthesized super-state boundary
	// crossings).
	OnEnter string
	OnLeave string

	Timers []TimerSpec

	// Async defers the node's behavior to a persisted continuation job
	// instead of running it in the signalling call stack.
	Async bool

	// Milestone names the milestone gating this node (KindMilestone only).
	Milestone string

	// JoinLock is the lock mode used on the parent token (KindJoin only).
	JoinLock LockMode
	// JoinQuorum is the number of child tokens that must arrive before the
	// parent continues. Zero means all children.
	JoinQuorum int
}

// DefaultTransition returns the node's default leaving transition: the
// first unnamed transition if one exists, otherwise the first transition in
// declaration order.
func (n *Node) DefaultTransition() (Transition, bool) {
	for _, t := range n.Transitions {
		if t.Name == "" {
			return t, true
		}
	}
	if len(n.Transitions) > 0 {
		return n.Transitions[0], true
	}
	return Transition{}, false
}

// TransitionNamed returns the outgoing transition with the given name.
func (n *Node) TransitionNamed(name string) (Transition, bool) {
	for _, t := range n.Transitions {
		if t.Name == name {
			return t, true
		}
	}
	return Transition{}, false
}

// Definition is an immutable, deployed process graph identified by
// (Name, Version). Nodes are owned by the definition and addressed by ID.
type Definition struct {
	Name    string
	Version int

	nodes     []*Node
	start     NodeID
	errorNode NodeID
}

// ErrNodeNotFound is returned by lookups for unknown node names.
var ErrNodeNotFound = errors.New("node not found")

// Node returns the node with the given ID, or nil if the ID is out of
// range.
func (d *Definition) Node(id NodeID) *Node {
	if id < 0 || int(id) >= len(d.nodes) {
		return nil
	}
	return d.nodes[id]
}

// Start returns the definition's start node.
func (d *Definition) Start() *Node {
	return d.Node(d.start)
}

// ErrorNode returns the node evaluation failures are routed to, or nil if
// the definition declares none.
func (d *Definition) ErrorNode() *Node {
	if d.errorNode == NoNode {
		return nil
	}
	return d.Node(d.errorNode)
}

// Len returns the number of nodes in the definition.
func (d *Definition) Len() int {
	return len(d.nodes)
}

// FindNode resolves a node by slash-separated path from the root scope
// ("billing/charge"), or by bare name when the name is unambiguous across
// the whole definition.
func (d *Definition) FindNode(path string) (*Node, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrNodeNotFound)
	}

	if strings.Contains(path, "/") {
		parts := strings.Split(path, "/")
		parent := NoNode
		var found *Node
		for _, part := range parts {
			found = nil
			for _, n := range d.nodes {
				if n.Parent == parent && n.Name == part {
					found = n
					break
				}
			}
			if found == nil {
				return nil, fmt.Errorf("%w: %q", ErrNodeNotFound, path)
			}
			parent = found.ID
		}
		return found, nil
	}

	var found *Node
	for _, n := range d.nodes {
		if n.Name != path {
			continue
		}
		if found != nil {
			return nil, fmt.Errorf("%w: %q is ambiguous, use a path", ErrNodeNotFound, path)
		}
		found = n
	}
	if found == nil {
		return nil, fmt.Errorf("%w: %q", ErrNodeNotFound, path)
	}
	return found, nil
}

// Path returns the slash-separated path of a node from the root scope.
func (d *Definition) Path(id NodeID) string {
	n := d.Node(id)
	if n == nil {
		return ""
	}
	if n.Parent == NoNode {
		return n.Name
	}
	return d.Path(n.Parent) + "/" + n.Name
}

// Encloses reports whether container is a (transitive) enclosing
// super-state of node.
func (d *Definition) Encloses(container, node NodeID) bool {
	for p := d.Node(node).Parent; p != NoNode; p = d.Node(p).Parent {
		if p == container {
			return true
		}
	}
	return false
}

// Enclosing returns the chain of super-states around node, innermost first.
func (d *Definition) Enclosing(node NodeID) []NodeID {
	var chain []NodeID
	for p := d.Node(node).Parent; p != NoNode; p = d.Node(p).Parent {
		chain = append(chain, p)
	}
	return chain
}

// ResolveLeaving finds the transition a token positioned at node would take
// for the given name. The node itself is consulted first; enclosing
// super-states are consulted next, so nested nodes can leave through their
// container's transitions. The returned source is the node the transition
// actually leaves from (the node or one of its containers).
func (d *Definition) ResolveLeaving(node NodeID, name string) (source NodeID, tr Transition, ok bool) {
	scope := node
	for scope != NoNode {
		n := d.Node(scope)
		if name == "" {
			if t, found := n.DefaultTransition(); found {
				return scope, t, true
			}
		} else if t, found := n.TransitionNamed(name); found {
			return scope, t, true
		}
		scope = n.Parent
	}
	return NoNode, Transition{}, false
}
