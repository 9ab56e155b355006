// Package action drives the lifecycle of one transactional agent action and
// keeps its durable audit trail.
package action

import "fmt"

// State is an action lifecycle state. The full set is internal; callers see
// the collapsed view from Collapse.
type State string

const (
	StatePlanned              State = "planned"
	StateAwaitingConfirmation State = "awaiting_confirmation"
	StateExecuting            State = "executing"
	StateSucceeded            State = "succeeded"
	StateFailed               State = "failed"
	StatePartial              State = "partial"
	StateBlocked              State = "blocked"
	StateExpired              State = "expired"
	StatePending              State = "pending"
)

// transitions enumerates every legal edge. Anything absent is invalid.
var transitions = map[State]map[State]bool{
	StatePlanned: {
		StateAwaitingConfirmation: true,
		StateExecuting:            true,
		StateBlocked:              true,
		StateFailed:               true,
	},
	StateAwaitingConfirmation: {
		StateExecuting: true,
		StateExpired:   true,
		StateBlocked:   true,
		StateFailed:    true,
	},
	StateExecuting: {
		StateSucceeded: true,
		StateFailed:    true,
		StatePartial:   true,
		StateBlocked:   true,
		StateExpired:   true,
		StatePending:   true,
	},
	StatePending: {
		StateSucceeded: true,
		StateFailed:    true,
		StatePartial:   true,
		StateBlocked:   true,
		StateExpired:   true,
	},
	StateSucceeded: {},
	StateFailed:    {},
	StatePartial:   {},
	StateBlocked:   {},
	StateExpired:   {},
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether s ends the lifecycle. Pending is reported to
// callers but can still resolve later.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StatePartial, StateBlocked, StateExpired:
		return true
	default:
		return false
	}
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	return transitions[from][to]
}

// Collapse maps the internal state set onto the external
// {executing, succeeded, failed, pending} view.
func Collapse(s State) string {
	switch s {
	case StateSucceeded, StatePartial:
		return "succeeded"
	case StateFailed, StateBlocked, StateExpired:
		return "failed"
	case StatePending, StateAwaitingConfirmation:
		return "pending"
	default:
		return "executing"
	}
}

// InvalidTransitionError is a programming-contract violation, not a
// user-facing outcome.
type InvalidTransitionError struct {
	From, To State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s -> %s", e.From, e.To)
}
