// Package lifecycle implements the canonical order state machine. It is pure:
// no I/O, no clock, no logging. Callers decide what to do with rejected
// transitions.
package lifecycle

import (
	"exec_agent/internal/core"

	apperrors "exec_agent/pkg/errors"
)

// transitions is the canonical table. Absence means InvalidTransition.
// PARTIALLY_FILLED self-loops to absorb repeated partial executions.
var transitions = map[core.LifecycleState][]core.LifecycleState{
	core.StateNew: {
		core.StateAccepted,
		core.StateRejected,
	},
	core.StateAccepted: {
		core.StatePartiallyFilled,
		core.StateFilled,
		core.StateCancelled,
		core.StateExpired,
		core.StateRejected,
	},
	core.StatePartiallyFilled: {
		core.StatePartiallyFilled,
		core.StateFilled,
		core.StateCancelled,
		core.StateExpired,
	},
}

// CanTransition reports whether from -> to is in the canonical table.
func CanTransition(from, to core.LifecycleState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Apply validates from -> to and returns the new state. Rejected transitions
// return a TransitionError and leave the caller's state untouched.
func Apply(from, to core.LifecycleState) (core.LifecycleState, error) {
	if !CanTransition(from, to) {
		return from, &apperrors.TransitionError{From: string(from), To: string(to)}
	}
	return to, nil
}

// IsTerminal reports whether the state admits no further transitions.
func IsTerminal(s core.LifecycleState) bool {
	return s.Terminal()
}

// IsOpen reports whether the order may still change at the broker.
func IsOpen(s core.LifecycleState) bool {
	return !s.Terminal()
}
