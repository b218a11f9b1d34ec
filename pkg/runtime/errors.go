package runtime

import (
	"errors"
	"fmt"
)

var (
	// ErrInstanceEnded is returned when a signal targets an instance that
	// has already ended.
	ErrInstanceEnded = errors.New("process instance has ended")

	// ErrTokenEnded is returned when a signal targets a token that was
	// retired (end node, or consumed by a join).
	ErrTokenEnded = errors.New("token has ended")

	// ErrTokenLocked is returned when a token is signalled while another
	// signal on it is still in progress.
	ErrTokenLocked = errors.New("token is locked by an in-progress signal")

	// ErrTokenNotFound is returned when a token ID does not exist in the
	// instance.
	ErrTokenNotFound = errors.New("token not found")

	// ErrNoTransition is returned when no leaving transition matches a
	// signal, or no decision guard evaluates true.
	ErrNoTransition = errors.New("no viable transition")

	// ErrIllegalLeave is returned when a transition would leave a node
	// that is neither the token's current node nor one of its enclosing
	// super-states.
	ErrIllegalLeave = errors.New("illegal cross-boundary leave")

	// ErrTraversalLimit is returned when auto-continuation exceeds the
	// configured step budget, which indicates a cycle of automatic nodes.
	ErrTraversalLimit = errors.New("traversal step limit exceeded")

	// ErrJoinNeedsFork is returned when a token that was not spawned by a
	// fork reaches a join node.
	ErrJoinNeedsFork = errors.New("join reached by a token without a parent")
)

// EvalError wraps a failure from the expression evaluator so callers can
// distinguish it from graph-consistency errors and route it to the
// definition's error node.
type EvalError struct {
	Expr string
	Err  error
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("evaluating %q: %v", e.Expr, e.Err)
}

func (e *EvalError) Unwrap() error { return e.Err }
