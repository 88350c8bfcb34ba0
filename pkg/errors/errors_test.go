package apperrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGateDeniedError(t *testing.T) {
	err := NewGateDenied("HALTED")
	assert.True(t, errors.Is(err, ErrGateDenied))
	assert.Contains(t, err.Error(), "HALTED")

	var gd *GateDeniedError
	require.True(t, errors.As(err, &gd))
	assert.Equal(t, "HALTED", gd.Reason)
}

func TestTransitionError(t *testing.T) {
	err := &TransitionError{From: "FILLED", To: "ACCEPTED"}
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Contains(t, err.Error(), "FILLED")
	assert.Contains(t, err.Error(), "ACCEPTED")
}

func TestBrokerErrorClassification(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		isUnavailable bool
		isRejected    bool
		retryable     bool
	}{
		{
			name:          "transient transport failure",
			err:           NewBrokerUnavailable("connection refused"),
			isUnavailable: true,
			retryable:     true,
		},
		{
			name:       "terminal rejection",
			err:        NewBrokerRejected("INSUFFICIENT_BUYING_POWER", "rejected by venue"),
			isRejected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.isUnavailable, errors.Is(tt.err, ErrBrokerUnavailable))
			assert.Equal(t, tt.isRejected, errors.Is(tt.err, ErrBrokerRejected))
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
		})
	}
}

func TestBrokerErrorCodeInMessage(t *testing.T) {
	err := NewBrokerRejected("WASH_TRADE", "self cross prevented")
	assert.Contains(t, err.Error(), "WASH_TRADE")
	assert.Contains(t, err.Error(), "self cross prevented")

	var be *BrokerError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, "WASH_TRADE", be.Code)
	assert.False(t, be.Retryable)
}

func TestWrappedClassification(t *testing.T) {
	// Classification survives fmt.Errorf wrapping at call sites.
	inner := NewBrokerUnavailable("timeout")
	outer := fmt.Errorf("place order: %w", inner)
	assert.True(t, errors.Is(outer, ErrBrokerUnavailable))
	assert.True(t, IsRetryable(outer))

	denied := fmt.Errorf("execute: %w", NewGateDenied("TOKEN_MISSING"))
	assert.True(t, errors.Is(denied, ErrGateDenied))
}

func TestNotFoundIsDistinct(t *testing.T) {
	assert.False(t, errors.Is(ErrNotFound, ErrBrokerRejected))
	assert.False(t, IsRetryable(ErrNotFound))
	assert.False(t, IsRetryable(ErrLedgerConflict))
	assert.False(t, IsRetryable(nil))
}
