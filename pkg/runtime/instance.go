package runtime

import (
	"time"

	"github.com/google/uuid"

	"github.com/petrandreev/graphflow/pkg/graph"
)

// Milestone is a named rendezvous point scoped to one process instance.
// It is created on the first reference, either by a token arriving at a
// milestone node or by ReachMilestone.
type Milestone struct {
	Name    string
	Reached bool
	// Listeners are tokens waiting for the milestone, in arrival order.
	// The milestone does not own them; they live in the instance arena.
	Listeners []TokenID
}

// ProcessInstance is the aggregate root of one executing process: the
// token tree, the variable map, milestones, and lifecycle state. The
// Version field backs optimistic concurrency control: stores refuse to
// commit an instance whose persisted version no longer matches the one it
// was loaded with.
type ProcessInstance struct {
	ID string

	DefinitionName    string
	DefinitionVersion int

	Root   TokenID
	Tokens map[TokenID]*Token

	Variables  map[string]any
	Milestones map[string]*Milestone

	Version int64
	Ended   bool

	StartedAt time.Time
	EndedAt   time.Time

	// def is re-attached after loading; it is never serialized.
	def *graph.Definition
}

// NewInstance creates an instance of the given definition with its root
// token positioned at the start node.
func NewInstance(def *graph.Definition, now time.Time) *ProcessInstance {
	root := &Token{
		ID:   NewTokenID(),
		Node: def.Start().ID,
	}
	return &ProcessInstance{
		ID:                uuid.NewString(),
		DefinitionName:    def.Name,
		DefinitionVersion: def.Version,
		Root:              root.ID,
		Tokens:            map[TokenID]*Token{root.ID: root},
		Variables:         map[string]any{},
		Milestones:        map[string]*Milestone{},
		Version:           1,
		StartedAt:         now,
		def:               def,
	}
}

// AttachDefinition re-binds the immutable definition after the instance
// was loaded from a store.
func (in *ProcessInstance) AttachDefinition(def *graph.Definition) {
	in.def = def
}

// Definition returns the attached process definition.
func (in *ProcessInstance) Definition() *graph.Definition { return in.def }

// RootToken returns the instance's root token.
func (in *ProcessInstance) RootToken() *Token { return in.Tokens[in.Root] }

// Token returns the token with the given ID, or nil.
func (in *ProcessInstance) Token(id TokenID) *Token { return in.Tokens[id] }

// ActiveTokens returns the live leaf tokens: not ended and with no live
// children. These are the tokens currently awaiting a signal.
func (in *ProcessInstance) ActiveTokens() []*Token {
	var active []*Token
	for _, t := range in.Tokens {
		if t.Ended || len(t.Children) > 0 {
			continue
		}
		active = append(active, t)
	}
	return active
}

// Milestone returns the named milestone, creating it on first reference.
func (in *ProcessInstance) Milestone(name string) *Milestone {
	if in.Milestones == nil {
		in.Milestones = map[string]*Milestone{}
	}
	ms, ok := in.Milestones[name]
	if !ok {
		ms = &Milestone{Name: name}
		in.Milestones[name] = ms
	}
	return ms
}

// End marks the instance (and every live token) as ended.
func (in *ProcessInstance) End(now time.Time) {
	if in.Ended {
		return
	}
	in.Ended = true
	in.EndedAt = now
	for _, t := range in.Tokens {
		t.Ended = true
	}
}

// SetVariable sets a process variable.
func (in *ProcessInstance) SetVariable(name string, value any) {
	if in.Variables == nil {
		in.Variables = map[string]any{}
	}
	in.Variables[name] = value
}

// Variable reads a process variable.
func (in *ProcessInstance) Variable(name string) (any, bool) {
	v, ok := in.Variables[name]
	return v, ok
}
