package runtime

import (
	"github.com/google/uuid"

	"github.com/petrandreev/graphflow/pkg/graph"
)

// TokenID identifies a token within its instance. IDs are durable: they
// survive persistence round-trips and appear in jobs and locks.
type TokenID string

// NewTokenID returns a fresh token ID.
func NewTokenID() TokenID {
	return TokenID(uuid.NewString())
}

// Token is a single execution pointer through the process graph. Tokens
// form a tree: the root token is created with the instance, forks spawn
// child tokens, and joins retire them. All fields are exported so the
// aggregate can be snapshotted with encoding/gob; references to other
// tokens are by ID only.
type Token struct {
	ID TokenID

	// Name is the token's name within its parent ("a", "b", ...); empty
	// for the root token.
	Name string

	// Node is the token's current position.
	Node graph.NodeID

	// Parent is empty for the root token.
	Parent TokenID

	// Children maps child name to token ID for children spawned by a fork
	// and not yet consumed by the matching join.
	Children map[string]TokenID

	// Seq increases by one for every node transition the token makes.
	Seq int64

	// Ended marks a retired token. Retired tokens stay in the instance's
	// arena for inspection but reject signals.
	Ended bool

	// Locked is set while a signal is in progress on this token.
	// LockOwner records who holds it, for diagnostics.
	Locked    bool
	LockOwner string
}

// IsRoot reports whether the token is the instance's root token.
func (t *Token) IsRoot() bool { return t.Parent == "" }

// lock marks the token as mid-signal. Returns false if already locked.
func (t *Token) lock(owner string) bool {
	if t.Locked {
		return false
	}
	t.Locked = true
	t.LockOwner = owner
	return true
}

func (t *Token) unlock() {
	t.Locked = false
	t.LockOwner = ""
}
