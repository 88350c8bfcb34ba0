// Package apperrors defines the stable error taxonomy of the execution core.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors. Callers classify with errors.Is; the typed wrappers below
// carry detail and unwrap to these.
var (
	ErrGateDenied        = errors.New("gate denied")
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
	ErrBrokerUnavailable = errors.New("broker unavailable")
	ErrBrokerRejected    = errors.New("broker rejected")
	ErrNotFound          = errors.New("not found")
	ErrLedgerConflict    = errors.New("ledger conflict")
	ErrConfig            = errors.New("configuration error")
)

// GateDeniedError carries the machine-readable denial reason.
type GateDeniedError struct {
	Reason string
}

func (e *GateDeniedError) Error() string {
	return fmt.Sprintf("gate denied: %s", e.Reason)
}

func (e *GateDeniedError) Unwrap() error { return ErrGateDenied }

// NewGateDenied wraps a denial reason code.
func NewGateDenied(reason string) error {
	return &GateDeniedError{Reason: reason}
}

// TransitionError reports a lifecycle transition outside the canonical table.
type TransitionError struct {
	From string
	To   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid lifecycle transition %s -> %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// BrokerError carries a broker-side failure. Retryable failures unwrap to
// ErrBrokerUnavailable, terminal rejections to ErrBrokerRejected.
type BrokerError struct {
	Code      string
	Message   string
	Retryable bool
}

func (e *BrokerError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("broker error [%s]: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("broker error: %s", e.Message)
}

func (e *BrokerError) Unwrap() error {
	if e.Retryable {
		return ErrBrokerUnavailable
	}
	return ErrBrokerRejected
}

// NewBrokerUnavailable marks a transient broker failure (network, 5xx, 429).
func NewBrokerUnavailable(msg string) error {
	return &BrokerError{Message: msg, Retryable: true}
}

// NewBrokerRejected marks a terminal rejection for the submitted intent.
func NewBrokerRejected(code, msg string) error {
	return &BrokerError{Code: code, Message: msg, Retryable: false}
}

// IsRetryable reports whether err may succeed on a later attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrBrokerUnavailable)
}
