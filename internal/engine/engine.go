// Package engine dispatches order intents: cost gate, safety gate, broker
// submission, tracking record, immediate reconciliation.
package engine

import (
	"context"
	"errors"
	"time"

	"exec_agent/internal/core"
	"exec_agent/internal/tracker"
	"exec_agent/pkg/concurrency"
	apperrors "exec_agent/pkg/errors"
	"exec_agent/pkg/liveserver"
	"exec_agent/pkg/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	placeDeadline = 5 * time.Second
	pollDeadline  = 2 * time.Second
)

// ReasonSpreadExceeded is rendered verbatim by UI consumers.
const ReasonSpreadExceeded = "SPREAD_EXCEEDED"

// Engine implements core.IExecutionEngine. Execute is safe for concurrent
// use; attempts for the same (tenant_id, intent_id) serialize on a striped
// lock so an intent maps to at most one broker order.
type Engine struct {
	broker  core.IBroker
	gate    core.ISafetyGate
	tracker *tracker.Tracker
	router  *Router
	events  core.IEventPublisher
	logger  core.ILogger
	locks   *concurrency.KeyedMutex
	tracer  trace.Tracer

	placedCounter     metric.Int64Counter
	downgradedCounter metric.Int64Counter
	blockedCounter    metric.Int64Counter
	rejectedCounter   metric.Int64Counter
	errorCounter      metric.Int64Counter
}

// NewEngine wires the dispatcher. events may be nil.
func NewEngine(broker core.IBroker, gate core.ISafetyGate, tr *tracker.Tracker, router *Router, events core.IEventPublisher, logger core.ILogger) *Engine {
	meter := telemetry.GetMeter("engine")
	placed, _ := meter.Int64Counter(telemetry.MetricOrdersPlacedTotal,
		metric.WithDescription("Total orders accepted by the broker"))
	downgraded, _ := meter.Int64Counter(telemetry.MetricOrdersDowngradedTotal,
		metric.WithDescription("Total intents downgraded by smart routing"))
	blocked, _ := meter.Int64Counter(telemetry.MetricOrdersBlockedTotal,
		metric.WithDescription("Total intents blocked by the safety gate"))
	rejected, _ := meter.Int64Counter(telemetry.MetricOrdersRejectedTotal,
		metric.WithDescription("Total intents rejected by the broker"))
	execErrors, _ := meter.Int64Counter(telemetry.MetricExecutionErrorsTotal,
		metric.WithDescription("Total execution attempts that errored"))

	return &Engine{
		broker:            broker,
		gate:              gate,
		tracker:           tr,
		router:            router,
		events:            events,
		logger:            logger.WithField("component", "engine"),
		locks:             concurrency.NewKeyedMutex(0),
		tracer:            telemetry.GetTracer("engine"),
		placedCounter:     placed,
		downgradedCounter: downgraded,
		blockedCounter:    blocked,
		rejectedCounter:   rejected,
		errorCounter:      execErrors,
	}
}

// Execute runs one intent through the pipeline. Every recoverable outcome is
// a structured result; the only errors a caller ever sees are panics.
func (e *Engine) Execute(ctx context.Context, intent *core.OrderIntent) *core.ExecutionResult {
	ctx, span := e.tracer.Start(ctx, "engine.Execute")
	defer span.End()

	if err := core.ValidateIntent(intent); err != nil {
		e.errorCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("cause", "invalid_intent")))
		return &core.ExecutionResult{
			IntentID: intentID(intent),
			Status:   core.ResultError,
			Reason:   err.Error(),
		}
	}
	span.SetAttributes(
		attribute.String("intent_id", intent.IntentID),
		attribute.String("tenant_id", intent.TenantID),
		attribute.String("symbol", intent.Symbol),
	)

	// Serialize attempts per intent so the idempotency check and the place
	// are atomic with respect to concurrent duplicates.
	unlock := e.locks.Lock(intent.TenantID + "/" + intent.IntentID)
	defer unlock()

	if result := e.replayExisting(ctx, intent); result != nil {
		return result
	}

	if decision := e.router.Check(ctx, intent); decision.Downgrade {
		return e.downgrade(ctx, intent, decision)
	}

	if verdict := e.gate.Authorize(ctx, intent.UserID); !verdict.Allowed {
		return e.block(ctx, intent, verdict.Reason)
	}

	return e.place(ctx, intent)
}

// replayExisting returns the prior outcome for an intent that already has a
// record: duplicates observe the first attempt instead of re-placing.
func (e *Engine) replayExisting(ctx context.Context, intent *core.OrderIntent) *core.ExecutionResult {
	rec, err := e.tracker.Get(ctx, intent.TenantID, intent.IntentID)
	if err != nil {
		if !errors.Is(err, apperrors.ErrNotFound) {
			e.logger.Error("Idempotency lookup failed",
				"intent_id", intent.IntentID, "error", err.Error())
			e.errorCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("cause", "store")))
			return &core.ExecutionResult{
				IntentID:  intent.IntentID,
				Status:    core.ResultError,
				Reason:    err.Error(),
				Retryable: true,
			}
		}
		return nil
	}

	e.logger.Info("Duplicate intent, replaying prior outcome",
		"intent_id", intent.IntentID, "broker_order_id", rec.BrokerOrderID)

	if rec.Status == core.StateRejected {
		return &core.ExecutionResult{
			IntentID:      intent.IntentID,
			Status:        core.ResultRejected,
			Reason:        rec.StatusRaw,
			BrokerOrderID: rec.BrokerOrderID,
		}
	}
	return &core.ExecutionResult{
		IntentID:      intent.IntentID,
		Status:        core.ResultPlaced,
		BrokerOrderID: rec.BrokerOrderID,
	}
}

func (e *Engine) downgrade(ctx context.Context, intent *core.OrderIntent, decision RouteDecision) *core.ExecutionResult {
	e.downgradedCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tenant_id", intent.TenantID),
		attribute.String("asset_class", string(intent.AssetClass))))
	e.logger.Info("Intent downgraded on spread",
		"intent_id", intent.IntentID,
		"symbol", intent.Symbol,
		"spread_pct", decision.SpreadPct.String(),
		"threshold", decision.Threshold.String())

	result := &core.ExecutionResult{
		IntentID:  intent.IntentID,
		Status:    core.ResultDowngraded,
		Reason:    ReasonSpreadExceeded,
		SpreadPct: decision.SpreadPct,
	}
	e.publish(liveserver.TypeOrderDowngraded, result)
	return result
}

func (e *Engine) block(ctx context.Context, intent *core.OrderIntent, reason string) *core.ExecutionResult {
	e.blockedCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tenant_id", intent.TenantID),
		attribute.String("reason", reason)))
	e.logger.Warn("Intent blocked by safety gate",
		"intent_id", intent.IntentID, "reason", reason)

	result := &core.ExecutionResult{
		IntentID: intent.IntentID,
		Status:   core.ResultBlocked,
		Reason:   reason,
	}
	e.publish(liveserver.TypeOrderBlocked, result)
	return result
}

// place submits to the broker, records the outcome, runs the best-effort
// immediate poll, and arms the auto-lockdown on the success branch only.
func (e *Engine) place(ctx context.Context, intent *core.OrderIntent) *core.ExecutionResult {
	placeCtx, cancel := context.WithTimeout(ctx, placeDeadline)
	ack, err := e.broker.Place(placeCtx, intent)
	cancel()
	if err != nil {
		return e.placeFailed(ctx, intent, err)
	}

	rec, err := e.tracker.Create(ctx, intent, ack)
	if err != nil {
		// The broker holds an order we failed to record. Recovery cannot find
		// it; this is the one path that demands operator attention.
		e.logger.Error("Failed to record placed order",
			"intent_id", intent.IntentID,
			"broker_order_id", ack.BrokerOrderID,
			"error", err.Error())
		e.errorCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("cause", "store")))
		return &core.ExecutionResult{
			IntentID:      intent.IntentID,
			Status:        core.ResultError,
			Reason:        err.Error(),
			BrokerOrderID: ack.BrokerOrderID,
		}
	}

	if rec.Status == core.StateRejected {
		return e.rejected(ctx, intent, ack.BrokerOrderID, ack.StatusRaw)
	}

	// Best-effort capture of instant fills. Unavailability here is the
	// recovery loop's problem, not the caller's.
	e.immediatePoll(ctx, rec)

	e.gate.CommitSuccess()

	e.placedCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tenant_id", intent.TenantID),
		attribute.String("asset_class", string(intent.AssetClass))))
	e.logger.Info("Order placed",
		"intent_id", intent.IntentID,
		"broker_order_id", rec.BrokerOrderID,
		"symbol", intent.Symbol,
		"side", string(intent.Side),
		"qty", intent.Qty.String())

	result := &core.ExecutionResult{
		IntentID:      intent.IntentID,
		Status:        core.ResultPlaced,
		BrokerOrderID: rec.BrokerOrderID,
	}
	e.publish(liveserver.TypeOrderPlaced, result)
	return result
}

// placeFailed maps a broker error to its result class. A rejection still
// writes a terminal record so duplicates replay it and recovery skips it.
func (e *Engine) placeFailed(ctx context.Context, intent *core.OrderIntent, err error) *core.ExecutionResult {
	if errors.Is(err, apperrors.ErrBrokerRejected) {
		reason := "rejected"
		var brokerErr *apperrors.BrokerError
		if errors.As(err, &brokerErr) && brokerErr.Code != "" {
			reason = brokerErr.Code
		}
		if _, createErr := e.tracker.Create(ctx, intent, &core.PlaceAck{
			StatusRaw: reason,
			Status:    core.StateRejected,
		}); createErr != nil {
			e.logger.Error("Failed to record rejection",
				"intent_id", intent.IntentID, "error", createErr.Error())
		}
		return e.rejected(ctx, intent, "", reason)
	}

	e.errorCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("cause", "broker")))
	e.logger.Error("Broker place failed",
		"intent_id", intent.IntentID, "error", err.Error())
	return &core.ExecutionResult{
		IntentID:  intent.IntentID,
		Status:    core.ResultError,
		Reason:    err.Error(),
		Retryable: apperrors.IsRetryable(err),
	}
}

func (e *Engine) rejected(ctx context.Context, intent *core.OrderIntent, brokerOrderID, reason string) *core.ExecutionResult {
	e.rejectedCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tenant_id", intent.TenantID)))
	e.logger.Warn("Order rejected by broker",
		"intent_id", intent.IntentID, "reason", reason)

	result := &core.ExecutionResult{
		IntentID:      intent.IntentID,
		Status:        core.ResultRejected,
		Reason:        reason,
		BrokerOrderID: brokerOrderID,
	}
	e.publish(liveserver.TypeOrderRejected, result)
	return result
}

func (e *Engine) immediatePoll(ctx context.Context, rec *core.ExecutionOrderRecord) {
	pollCtx, cancel := context.WithTimeout(ctx, pollDeadline)
	defer cancel()

	snap, err := e.broker.GetOrder(pollCtx, rec.BrokerOrderID)
	if err != nil {
		e.logger.Debug("Immediate poll failed, deferring to recovery",
			"broker_order_id", rec.BrokerOrderID, "error", err.Error())
		return
	}
	if _, err := e.tracker.ApplySnapshot(ctx, rec, snap); err != nil {
		e.logger.Error("Immediate reconciliation failed",
			"broker_order_id", rec.BrokerOrderID, "error", err.Error())
	}
}

func (e *Engine) publish(eventType string, data interface{}) {
	if e.events != nil {
		e.events.Publish(eventType, data)
	}
}

func intentID(intent *core.OrderIntent) string {
	if intent == nil {
		return ""
	}
	return intent.IntentID
}
