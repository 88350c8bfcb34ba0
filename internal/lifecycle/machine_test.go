package lifecycle

import (
	"errors"
	"testing"

	"exec_agent/internal/core"
	apperrors "exec_agent/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allStates = []core.LifecycleState{
	core.StateNew,
	core.StateAccepted,
	core.StatePartiallyFilled,
	core.StateFilled,
	core.StateCancelled,
	core.StateRejected,
	core.StateExpired,
}

// allowed mirrors the canonical transition table.
var allowed = map[core.LifecycleState]map[core.LifecycleState]bool{
	core.StateNew: {
		core.StateAccepted: true,
		core.StateRejected: true,
	},
	core.StateAccepted: {
		core.StatePartiallyFilled: true,
		core.StateFilled:          true,
		core.StateCancelled:       true,
		core.StateExpired:         true,
		core.StateRejected:        true,
	},
	core.StatePartiallyFilled: {
		core.StatePartiallyFilled: true,
		core.StateFilled:          true,
		core.StateCancelled:       true,
		core.StateExpired:         true,
	},
}

func TestTransitionTableExhaustive(t *testing.T) {
	for _, from := range allStates {
		for _, to := range allStates {
			want := allowed[from][to]
			got := CanTransition(from, to)
			assert.Equal(t, want, got, "%s -> %s", from, to)
		}
	}
}

func TestApplyAccepted(t *testing.T) {
	state, err := Apply(core.StateNew, core.StateAccepted)
	require.NoError(t, err)
	assert.Equal(t, core.StateAccepted, state)

	state, err = Apply(state, core.StatePartiallyFilled)
	require.NoError(t, err)
	assert.Equal(t, core.StatePartiallyFilled, state)

	// Repeated partials self-loop.
	state, err = Apply(state, core.StatePartiallyFilled)
	require.NoError(t, err)
	assert.Equal(t, core.StatePartiallyFilled, state)

	state, err = Apply(state, core.StateFilled)
	require.NoError(t, err)
	assert.Equal(t, core.StateFilled, state)
}

func TestApplyRejectedKeepsState(t *testing.T) {
	state, err := Apply(core.StateFilled, core.StateAccepted)
	require.Error(t, err)
	assert.Equal(t, core.StateFilled, state, "rejected transition must not move the state")
	assert.True(t, errors.Is(err, apperrors.ErrInvalidTransition))

	var te *apperrors.TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "FILLED", te.From)
	assert.Equal(t, "ACCEPTED", te.To)
}

func TestTerminalStatesAreStable(t *testing.T) {
	terminals := []core.LifecycleState{
		core.StateFilled, core.StateCancelled, core.StateRejected, core.StateExpired,
	}
	for _, from := range terminals {
		assert.True(t, IsTerminal(from))
		assert.False(t, IsOpen(from))
		for _, to := range allStates {
			assert.False(t, CanTransition(from, to), "%s must admit no transition to %s", from, to)
		}
	}
}

func TestUnknownIsNeverATarget(t *testing.T) {
	for _, from := range allStates {
		assert.False(t, CanTransition(from, core.StateUnknown), "from %s", from)
	}
	// UNKNOWN is open: an unrecognized broker status must keep the record
	// eligible for future polls.
	assert.True(t, IsOpen(core.StateUnknown))
}
