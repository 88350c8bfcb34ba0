package tracker

import (
	"context"
	"errors"
	"time"

	"exec_agent/internal/core"
	"exec_agent/internal/lifecycle"
	apperrors "exec_agent/pkg/errors"
	"exec_agent/pkg/liveserver"
)

// Tracker owns ExecutionOrderRecord mutations. The engine creates records on
// submission; the recovery loop and the engine's immediate poll both funnel
// broker snapshots through ApplySnapshot, which is where cumulative fill
// quantities become incremental ledger events.
type Tracker struct {
	store  core.ITrackerStore
	ledger core.ILedger
	events core.IEventPublisher
	logger core.ILogger
}

// NewTracker wires the tracker. events may be nil.
func NewTracker(store core.ITrackerStore, ledger core.ILedger, events core.IEventPublisher, logger core.ILogger) *Tracker {
	return &Tracker{
		store:  store,
		ledger: ledger,
		events: events,
		logger: logger.WithField("component", "tracker"),
	}
}

// Store exposes the underlying store for reads.
func (t *Tracker) Store() core.ITrackerStore { return t.store }

// Create persists the record for a freshly placed order. Per the lifecycle
// contract a successful submission lands in ACCEPTED; a rejection in
// REJECTED. Fill progress reported on the ack is picked up by the first poll.
func (t *Tracker) Create(ctx context.Context, intent *core.OrderIntent, ack *core.PlaceAck) (*core.ExecutionOrderRecord, error) {
	status := core.StateAccepted
	if ack.Status == core.StateRejected {
		status = core.StateRejected
	}

	now := time.Now()
	rec := &core.ExecutionOrderRecord{
		TenantID:      intent.TenantID,
		IntentID:      intent.IntentID,
		BrokerOrderID: ack.BrokerOrderID,
		StatusRaw:     ack.StatusRaw,
		Status:        status,
		AssetClass:    intent.AssetClass,
		CreatedAt:     now,
		Intent:        intent.Snapshot(),
	}
	// The ack itself counts as a sync.
	rec.LastBrokerSyncAt = now

	if err := t.store.Create(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Get loads one record.
func (t *Tracker) Get(ctx context.Context, tenantID, intentID string) (*core.ExecutionOrderRecord, error) {
	return t.store.Get(ctx, tenantID, intentID)
}

// ApplySnapshot folds a broker snapshot into the record: lifecycle advance,
// fill delta to the ledger, sync timestamp. It returns the number of fill
// events appended. Ledger failures are logged, never propagated; the fill
// delta stays unconsumed so a later poll retries it.
func (t *Tracker) ApplySnapshot(ctx context.Context, rec *core.ExecutionOrderRecord, snap *core.OrderSnapshot) (int, error) {
	rec.LastBrokerSyncAt = time.Now()
	if snap.StatusRaw != "" {
		rec.StatusRaw = snap.StatusRaw
	}

	appended := 0
	// Rejected orders never produce ledger writes.
	if snap.Status != core.StateRejected {
		appended = t.reconcileFills(ctx, rec, snap)
	}

	t.advanceState(rec, snap.Status)

	if err := t.store.Update(ctx, rec); err != nil {
		return appended, err
	}
	return appended, nil
}

// MarkCancelled forces the record terminal after a broker-acknowledged
// cancel that a subsequent poll has not yet reflected.
func (t *Tracker) MarkCancelled(ctx context.Context, rec *core.ExecutionOrderRecord) error {
	t.advanceState(rec, core.StateCancelled)
	rec.StatusRaw = "canceled"
	return t.store.Update(ctx, rec)
}

// advanceState applies the lifecycle machine. Invalid transitions are
// dropped with the state untouched.
func (t *Tracker) advanceState(rec *core.ExecutionOrderRecord, target core.LifecycleState) {
	if target == core.StateUnknown || target == rec.Status {
		return
	}
	next, err := lifecycle.Apply(rec.Status, target)
	if err != nil {
		var transitionErr *apperrors.TransitionError
		if errors.As(err, &transitionErr) && lifecycle.IsTerminal(rec.Status) {
			// Terminal states are stable; late broker updates are expected noise.
			t.logger.Debug("Ignoring update to terminal order",
				"intent_id", rec.IntentID, "from", transitionErr.From, "to", transitionErr.To)
			return
		}
		// Brokers replay earlier statuses out of order; dropping is routine.
		t.logger.Debug("Dropping out-of-order status update",
			"intent_id", rec.IntentID, "from", string(rec.Status), "to", string(target))
		return
	}
	rec.Status = next
}

// reconcileFills derives the incremental delta from the broker's cumulative
// filled quantity and appends at most one fill event per call.
func (t *Tracker) reconcileFills(ctx context.Context, rec *core.ExecutionOrderRecord, snap *core.OrderSnapshot) int {
	reported := snap.FilledQty
	if reported.GreaterThan(rec.Intent.Qty) {
		t.logger.Warn("Broker reports more filled than submitted, capping",
			"intent_id", rec.IntentID, "reported", reported.String(), "submitted", rec.Intent.Qty.String())
		reported = rec.Intent.Qty
	}

	delta := reported.Sub(rec.FilledQtySeen)
	if !delta.IsPositive() {
		return 0
	}

	price := snap.AvgFillPrice
	ts := time.Now()
	if n := len(snap.Fills); n > 0 {
		last := snap.Fills[n-1]
		if !last.Timestamp.IsZero() {
			ts = last.Timestamp
		}
		if !price.IsPositive() {
			price = last.Price
		}
	}

	fill := &core.FillEvent{
		FillID:        core.NewFillID(rec.BrokerOrderID, rec.NextFillSeq),
		BrokerOrderID: rec.BrokerOrderID,
		IntentID:      rec.IntentID,
		Symbol:        rec.Intent.Symbol,
		Side:          rec.Intent.Side,
		Qty:           delta,
		Price:         price,
		AssetClass:    rec.AssetClass,
		FillSeq:       rec.NextFillSeq,
		Timestamp:     ts,
	}

	err := t.ledger.Append(ctx, rec.TenantID, rec.Intent.UserID, fill)
	switch {
	case err == nil:
	case errors.Is(err, apperrors.ErrLedgerConflict):
		// Replayed delta after a restart; the seen counter still advances.
		t.logger.Debug("Fill already in ledger", "fill_id", fill.FillID)
	default:
		// Leave the counters alone so the next poll retries this delta.
		t.logger.Error("Ledger append failed, will retry on next poll",
			"fill_id", fill.FillID, "error", err.Error())
		return 0
	}

	rec.FilledQtySeen = reported
	rec.NextFillSeq++

	if t.events != nil {
		t.events.Publish(liveserver.TypeFillRecorded, fill)
	}

	t.logger.Info("Fill reconciled",
		"intent_id", rec.IntentID,
		"broker_order_id", rec.BrokerOrderID,
		"qty", delta.String(),
		"price", price.String(),
		"fill_seq", fill.FillSeq)
	return 1
}
