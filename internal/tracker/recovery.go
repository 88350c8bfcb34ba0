package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"exec_agent/internal/config"
	"exec_agent/internal/core"
	"exec_agent/internal/lifecycle"
	"exec_agent/pkg/concurrency"
	apperrors "exec_agent/pkg/errors"
	"exec_agent/pkg/liveserver"
	"exec_agent/pkg/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Recovery is the poll/timeout/reconcile sweep over open orders. One logical
// loop runs per process; horizontally scaled deployments shard tenants by
// hash so no two replicas poll the same orders.
type Recovery struct {
	tracker *Tracker
	broker  core.IBroker
	cfg     config.RecoveryConfig
	events  core.IEventPublisher
	logger  core.ILogger
	pool    *concurrency.WorkerPool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	runMu  sync.Mutex

	statusMu  sync.RWMutex
	lastRunAt time.Time
	lastSum   core.RecoverySummary
	lastErr   string

	runCounter    metric.Int64Counter
	cancelCounter metric.Int64Counter
}

// NewRecovery builds the loop. events may be nil.
func NewRecovery(tr *Tracker, broker core.IBroker, cfg config.RecoveryConfig, events core.IEventPublisher, logger core.ILogger) *Recovery {
	ctx, cancel := context.WithCancel(context.Background())

	componentLogger := logger.WithField("component", "recovery")
	meter := telemetry.GetMeter("recovery")
	runCounter, _ := meter.Int64Counter(telemetry.MetricRecoveryRunsTotal,
		metric.WithDescription("Total recovery passes executed"))
	cancelCounter, _ := meter.Int64Counter(telemetry.MetricOrdersCancelledTotal,
		metric.WithDescription("Total orders cancelled on timeout"))

	return &Recovery{
		tracker: tr,
		broker:  broker,
		cfg:     cfg,
		events:  events,
		logger:  componentLogger,
		pool: concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:       "recovery",
			MaxWorkers: cfg.PoolSize,
		}, componentLogger),
		ctx:           ctx,
		cancel:        cancel,
		runCounter:    runCounter,
		cancelCounter: cancelCounter,
	}
}

// Start launches the periodic loop when an interval is configured. With
// interval 0 the loop only runs on demand via RunAll/RunTenant.
func (r *Recovery) Start(_ context.Context) error {
	if r.cfg.Interval() <= 0 {
		r.logger.Info("Periodic recovery disabled, manual trigger only")
		return nil
	}

	r.logger.Info("Starting recovery loop", "interval", r.cfg.Interval())
	r.wg.Add(1)
	go r.runLoop()
	return nil
}

// Stop halts the periodic loop and waits for an in-flight pass.
func (r *Recovery) Stop() error {
	r.cancel()
	r.wg.Wait()
	r.pool.Stop()
	return nil
}

func (r *Recovery) runLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(r.ctx, r.cfg.PassTimeout())
			if _, err := r.RunAll(ctx); err != nil {
				r.logger.Error("Recovery pass failed", "error", err.Error())
			}
			cancel()
		}
	}
}

// RunAll sweeps every open order in this replica's shard.
func (r *Recovery) RunAll(ctx context.Context) (core.RecoverySummary, error) {
	records, err := r.tracker.Store().ListOpen(ctx)
	if err != nil {
		return core.RecoverySummary{}, fmt.Errorf("failed to list open orders: %w", err)
	}
	return r.run(ctx, r.filterShard(records))
}

// RunTenant sweeps one tenant's open orders regardless of sharding; the
// admin trigger addresses a tenant explicitly.
func (r *Recovery) RunTenant(ctx context.Context, tenantID string) (core.RecoverySummary, error) {
	records, err := r.tracker.Store().ListOpenByTenant(ctx, tenantID)
	if err != nil {
		return core.RecoverySummary{}, fmt.Errorf("failed to list open orders for tenant %s: %w", tenantID, err)
	}
	return r.run(ctx, records)
}

// run processes records on the worker pool. A poisoned record logs and is
// skipped; it never halts the pass.
func (r *Recovery) run(ctx context.Context, records []*core.ExecutionOrderRecord) (core.RecoverySummary, error) {
	// One pass at a time; concurrent triggers would double-poll.
	r.runMu.Lock()
	defer r.runMu.Unlock()

	var (
		mu      sync.Mutex
		summary core.RecoverySummary
		wg      sync.WaitGroup
	)

	openByTenant := make(map[string]int64)
	for _, rec := range records {
		openByTenant[rec.TenantID]++
	}

	for _, rec := range records {
		rec := rec
		wg.Add(1)
		if err := r.pool.Submit(func() {
			defer wg.Done()
			contribution := r.processRecord(ctx, rec)
			mu.Lock()
			summary.Add(contribution)
			mu.Unlock()
		}); err != nil {
			wg.Done()
			r.logger.Error("Failed to schedule record", "intent_id", rec.IntentID, "error", err.Error())
		}
	}
	wg.Wait()

	metrics := telemetry.GetGlobalMetrics()
	for tenant := range openByTenant {
		stillOpen, err := r.tracker.Store().ListOpenByTenant(ctx, tenant)
		if err == nil {
			metrics.SetOpenOrders(tenant, int64(len(stillOpen)))
		}
	}

	r.runCounter.Add(ctx, 1)
	r.statusMu.Lock()
	r.lastRunAt = time.Now()
	r.lastSum = summary
	r.lastErr = ""
	r.statusMu.Unlock()

	if r.events != nil {
		r.events.Publish(liveserver.TypeRecoverySummary, summary)
	}

	r.logger.Info("Recovery pass completed",
		"polled", summary.Polled,
		"cancelled", summary.Cancelled,
		"reconciled", summary.Reconciled,
		"terminal", summary.Terminal)
	return summary, nil
}

// processRecord applies the sweep rules to one open order: poll when stale,
// cancel past the timeout, reconcile fills, re-poll once after a cancel.
func (r *Recovery) processRecord(ctx context.Context, rec *core.ExecutionOrderRecord) (summary core.RecoverySummary) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Panic while processing record",
				"intent_id", rec.IntentID, "panic", fmt.Sprintf("%v", p))
		}
	}()

	now := time.Now()

	if now.Sub(rec.LastBrokerSyncAt) >= r.cfg.StaleAfter() {
		summary.Polled++
		if !r.poll(ctx, rec, &summary) {
			return summary
		}
	}

	if lifecycle.IsTerminal(rec.Status) {
		summary.Terminal++
		return summary
	}

	timeout := r.cfg.TimeoutFor(rec.AssetClass == core.AssetClassOption, !rec.Intent.OrderType.IsLimitLike())
	if now.Sub(rec.CreatedAt) >= timeout {
		r.cancelTimedOut(ctx, rec, &summary)
	}

	if lifecycle.IsTerminal(rec.Status) {
		summary.Terminal++
	}
	return summary
}

// poll fetches the broker snapshot and folds it in. Returns false when the
// record should be left alone for this pass.
func (r *Recovery) poll(ctx context.Context, rec *core.ExecutionOrderRecord, summary *core.RecoverySummary) bool {
	snap, err := r.broker.GetOrder(ctx, rec.BrokerOrderID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			// Unknown at the broker: idempotent success, just refresh the clock.
			rec.LastBrokerSyncAt = time.Now()
			if updateErr := r.tracker.Store().Update(ctx, rec); updateErr != nil {
				r.logger.Error("Failed to touch record", "intent_id", rec.IntentID, "error", updateErr.Error())
			}
			return true
		}
		r.logger.Warn("Poll failed, skipping record this pass",
			"intent_id", rec.IntentID, "error", err.Error())
		return false
	}

	appended, err := r.tracker.ApplySnapshot(ctx, rec, snap)
	summary.Reconciled += appended
	if err != nil {
		r.logger.Error("Failed to apply snapshot", "intent_id", rec.IntentID, "error", err.Error())
		return false
	}
	return true
}

// cancelTimedOut cancels an overdue order and immediately re-polls once to
// capture any trailing partial fill.
func (r *Recovery) cancelTimedOut(ctx context.Context, rec *core.ExecutionOrderRecord, summary *core.RecoverySummary) {
	err := r.broker.Cancel(ctx, rec.BrokerOrderID)
	if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		r.logger.Warn("Timeout cancel failed, will retry next pass",
			"intent_id", rec.IntentID, "error", err.Error())
		return
	}

	summary.Cancelled++
	r.cancelCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("tenant_id", rec.TenantID)))
	r.logger.Info("Cancelled timed-out order",
		"intent_id", rec.IntentID,
		"broker_order_id", rec.BrokerOrderID,
		"age", time.Since(rec.CreatedAt).String())

	// Post-cancel sweep, best effort.
	summary.Polled++
	r.poll(ctx, rec, summary)

	if !lifecycle.IsTerminal(rec.Status) {
		// The broker acked the cancel but the poll has not caught up.
		if err := r.tracker.MarkCancelled(ctx, rec); err != nil {
			r.logger.Error("Failed to mark record cancelled", "intent_id", rec.IntentID, "error", err.Error())
		}
	}
}

// filterShard keeps the records owned by this replica.
func (r *Recovery) filterShard(records []*core.ExecutionOrderRecord) []*core.ExecutionOrderRecord {
	if r.cfg.ShardCount <= 1 {
		return records
	}
	owned := records[:0]
	for _, rec := range records {
		if concurrency.ShardFor(rec.TenantID, r.cfg.ShardCount) == r.cfg.ShardIndex {
			owned = append(owned, rec)
		}
	}
	return owned
}

// GetStatus reports the last pass for the admin surface.
func (r *Recovery) GetStatus() map[string]interface{} {
	r.statusMu.RLock()
	defer r.statusMu.RUnlock()

	status := map[string]interface{}{
		"interval_s":  r.cfg.IntervalS,
		"shard_count": r.cfg.ShardCount,
		"shard_index": r.cfg.ShardIndex,
	}
	if !r.lastRunAt.IsZero() {
		status["last_run_at"] = r.lastRunAt
		status["last_summary"] = r.lastSum
	}
	if r.lastErr != "" {
		status["last_error"] = r.lastErr
	}
	return status
}
