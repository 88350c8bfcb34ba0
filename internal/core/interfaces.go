// Package core defines the domain types and interfaces for the execution core
package core

import (
	"context"
)

// IBroker defines the interface for brokerage adapters. All methods honor
// context deadlines. Transient transport failures surface as
// apperrors.ErrBrokerUnavailable, venue rejections as ErrBrokerRejected,
// and lookups of unknown orders as ErrNotFound.
type IBroker interface {
	Name() string
	Place(ctx context.Context, intent *OrderIntent) (*PlaceAck, error)
	Cancel(ctx context.Context, brokerOrderID string) error
	GetOrder(ctx context.Context, brokerOrderID string) (*OrderSnapshot, error)
	GetQuote(ctx context.Context, symbol string) (*Quote, error)
	CheckHealth(ctx context.Context) error
}

// ISafetyGate defines the interface for submission authorization. Authorize
// evaluates the fail-closed check chain for one attempt. CommitSuccess
// consumes the single-use confirm token and re-arms the halt flag; it is
// called only after the broker accepted the order.
type ISafetyGate interface {
	Authorize(ctx context.Context, userID string) GateDecision
	CommitSuccess()
	Lockdown(reason string)
	Snapshot() GateSnapshot
}

// IUserPolicy defines the interface for per-user trading enablement.
// Implementations must read through on every call, never cache.
type IUserPolicy interface {
	TradingEnabled(ctx context.Context, userID string) (bool, error)
}

// ILedger defines the interface for the append-only trade record. Append is
// idempotent on (tenant_id, fill_id); replays return ErrLedgerConflict.
type ILedger interface {
	Append(ctx context.Context, tenantID, userID string, fill *FillEvent) error
	ListFills(ctx context.Context, tenantID string) ([]*FillEvent, error)
	ListFillsByOrder(ctx context.Context, tenantID, brokerOrderID string) ([]*FillEvent, error)
	Close() error
}

// ITrackerStore defines the interface for execution order persistence,
// keyed by (tenant_id, intent_id). Records are never deleted.
type ITrackerStore interface {
	Create(ctx context.Context, rec *ExecutionOrderRecord) error
	Get(ctx context.Context, tenantID, intentID string) (*ExecutionOrderRecord, error)
	Update(ctx context.Context, rec *ExecutionOrderRecord) error
	ListOpen(ctx context.Context) ([]*ExecutionOrderRecord, error)
	ListOpenByTenant(ctx context.Context, tenantID string) ([]*ExecutionOrderRecord, error)
	Close() error
}

// IRecovery defines the interface for the poll/timeout/reconcile loop.
type IRecovery interface {
	Start(ctx context.Context) error
	Stop() error
	RunAll(ctx context.Context) (RecoverySummary, error)
	RunTenant(ctx context.Context, tenantID string) (RecoverySummary, error)
	GetStatus() map[string]interface{}
}

// IExecutionEngine defines the interface for intent execution. Execute
// reports every recoverable outcome as a structured result, never as a
// raw error.
type IExecutionEngine interface {
	Execute(ctx context.Context, intent *OrderIntent) *ExecutionResult
}

// IHealthMonitor defines the interface for health monitoring
type IHealthMonitor interface {
	Register(component string, check func() error)
	GetStatus() map[string]string
	IsHealthy() bool
}

// IEventPublisher defines the interface for fan-out of execution events.
// Publish must not block the caller; implementations drop on backpressure.
type IEventPublisher interface {
	Publish(eventType string, data interface{})
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
