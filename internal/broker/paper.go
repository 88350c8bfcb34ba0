package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"exec_agent/internal/core"
	apperrors "exec_agent/pkg/errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// paperOrder is the simulator's internal order book entry.
type paperOrder struct {
	intent    core.OrderIntent
	id        string
	statusRaw string
	filledQty decimal.Decimal
	avgPrice  decimal.Decimal
	fills     []core.BrokerFill
	updatedAt time.Time
}

// PaperBroker is an in-process broker simulator. It honors the idempotency
// contract on the client-supplied intent id, fills MARKET orders instantly at
// the quote mid, and rests LIMIT orders until a test or operator advances
// them. It backs paper/shadow deployments and the whole test suite.
type PaperBroker struct {
	logger core.ILogger

	mu         sync.Mutex
	orders     map[string]*paperOrder
	byClientID map[string]string
	quotes     map[string]core.Quote

	instantFillMarket bool
	rejectNext        error
	failPlace         error
	failGetOrder      error
	failCancel        error
	failGetQuote      error
	placeCalls        int
	cancelCalls       int
}

// NewPaperBroker creates the simulator. Market orders fill instantly by
// default; SetInstantFill(false) makes them rest like limit orders.
func NewPaperBroker(logger core.ILogger) *PaperBroker {
	return &PaperBroker{
		logger:            logger.WithField("component", "paper_broker"),
		orders:            make(map[string]*paperOrder),
		byClientID:        make(map[string]string),
		quotes:            make(map[string]core.Quote),
		instantFillMarket: true,
	}
}

func (b *PaperBroker) Name() string { return "paper" }

// Place submits an order. Replays of a known intent id return the original
// acknowledgement without creating a second order.
func (b *PaperBroker) Place(ctx context.Context, intent *core.OrderIntent) (*core.PlaceAck, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.NewBrokerUnavailable(err.Error())
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.placeCalls++
	if err := b.failPlace; err != nil {
		b.failPlace = nil
		return nil, err
	}

	if id, ok := b.byClientID[intent.IntentID]; ok {
		order := b.orders[id]
		return &core.PlaceAck{
			BrokerOrderID: order.id,
			StatusRaw:     order.statusRaw,
			Status:        NormalizeStatus(order.statusRaw),
		}, nil
	}

	if err := b.rejectNext; err != nil {
		b.rejectNext = nil
		return nil, err
	}

	order := &paperOrder{
		intent:    *intent,
		id:        "paper-" + uuid.NewString(),
		statusRaw: "accepted",
		updatedAt: time.Now(),
	}

	if b.instantFillMarket && !intent.OrderType.IsLimitLike() {
		price := b.fillPriceLocked(intent)
		order.statusRaw = "filled"
		order.filledQty = intent.Qty
		order.avgPrice = price
		order.fills = append(order.fills, core.BrokerFill{
			Qty:       intent.Qty,
			Price:     price,
			Timestamp: order.updatedAt,
		})
	}

	b.orders[order.id] = order
	b.byClientID[intent.IntentID] = order.id

	b.logger.Debug("Paper order placed",
		"broker_order_id", order.id,
		"intent_id", intent.IntentID,
		"status", order.statusRaw)

	return &core.PlaceAck{
		BrokerOrderID: order.id,
		StatusRaw:     order.statusRaw,
		Status:        NormalizeStatus(order.statusRaw),
	}, nil
}

// Cancel cancels an open order. Unknown ids fail with ErrNotFound; cancelling
// a terminal order is a no-op success.
func (b *PaperBroker) Cancel(ctx context.Context, brokerOrderID string) error {
	if err := ctx.Err(); err != nil {
		return apperrors.NewBrokerUnavailable(err.Error())
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.cancelCalls++
	if err := b.failCancel; err != nil {
		b.failCancel = nil
		return err
	}

	order, ok := b.orders[brokerOrderID]
	if !ok {
		return apperrors.ErrNotFound
	}
	if NormalizeStatus(order.statusRaw).Terminal() {
		return nil
	}

	order.statusRaw = "canceled"
	order.updatedAt = time.Now()
	return nil
}

// GetOrder reports the broker-side view of an order.
func (b *PaperBroker) GetOrder(ctx context.Context, brokerOrderID string) (*core.OrderSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.NewBrokerUnavailable(err.Error())
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.failGetOrder; err != nil {
		b.failGetOrder = nil
		return nil, err
	}

	order, ok := b.orders[brokerOrderID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}

	fills := make([]core.BrokerFill, len(order.fills))
	copy(fills, order.fills)

	return &core.OrderSnapshot{
		BrokerOrderID: order.id,
		StatusRaw:     order.statusRaw,
		Status:        NormalizeStatus(order.statusRaw),
		FilledQty:     order.filledQty,
		AvgFillPrice:  order.avgPrice,
		Fills:         fills,
		UpdatedAt:     order.updatedAt,
	}, nil
}

// GetQuote returns the configured quote for symbol, or a flat synthetic one
// so paper runs never stall on missing market data.
func (b *PaperBroker) GetQuote(ctx context.Context, symbol string) (*core.Quote, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.NewBrokerUnavailable(err.Error())
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.failGetQuote; err != nil {
		b.failGetQuote = nil
		return nil, err
	}

	if q, ok := b.quotes[symbol]; ok {
		q.Ts = time.Now()
		return &q, nil
	}

	bid := decimal.NewFromInt(100)
	ask := decimal.NewFromFloat(100.02)
	return &core.Quote{
		Symbol: symbol,
		Bid:    bid,
		Ask:    ask,
		Mid:    bid.Add(ask).Div(decimal.NewFromInt(2)),
		Ts:     time.Now(),
	}, nil
}

func (b *PaperBroker) CheckHealth(ctx context.Context) error {
	return ctx.Err()
}

// fillPriceLocked picks the execution price for an instant fill: quote mid
// when available, otherwise the limit price, otherwise a flat default.
func (b *PaperBroker) fillPriceLocked(intent *core.OrderIntent) decimal.Decimal {
	if q, ok := b.quotes[intent.Symbol]; ok {
		return q.Mid
	}
	if intent.LimitPrice.IsPositive() {
		return intent.LimitPrice
	}
	return decimal.NewFromInt(100)
}

// Simulation controls. Used by paper deployments and tests to script broker
// behavior; no production path calls these.

// SetQuote pins the quote returned for symbol.
func (b *PaperBroker) SetQuote(symbol string, bid, ask decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.quotes[symbol] = core.Quote{
		Symbol: symbol,
		Bid:    bid,
		Ask:    ask,
		Mid:    bid.Add(ask).Div(decimal.NewFromInt(2)),
	}
}

// SetInstantFill toggles instant execution of market orders.
func (b *PaperBroker) SetInstantFill(enabled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.instantFillMarket = enabled
}

// ApplyFill advances an order by an incremental execution. The cumulative
// quantity never exceeds the submitted quantity; status moves to
// partially_filled or filled accordingly.
func (b *PaperBroker) ApplyFill(brokerOrderID string, qty, price decimal.Decimal) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	order, ok := b.orders[brokerOrderID]
	if !ok {
		return apperrors.ErrNotFound
	}
	if NormalizeStatus(order.statusRaw).Terminal() {
		return fmt.Errorf("order %s is terminal (%s)", brokerOrderID, order.statusRaw)
	}

	newFilled := order.filledQty.Add(qty)
	if newFilled.GreaterThan(order.intent.Qty) {
		return fmt.Errorf("fill of %s would exceed submitted qty %s", qty, order.intent.Qty)
	}

	notional := order.avgPrice.Mul(order.filledQty).Add(price.Mul(qty))
	order.filledQty = newFilled
	order.avgPrice = notional.Div(newFilled)
	order.updatedAt = time.Now()
	order.fills = append(order.fills, core.BrokerFill{Qty: qty, Price: price, Timestamp: order.updatedAt})

	if order.filledQty.Equal(order.intent.Qty) {
		order.statusRaw = "filled"
	} else {
		order.statusRaw = "partially_filled"
	}
	return nil
}

// SetStatus forces a raw status, e.g. "expired" or a vendor-specific string.
func (b *PaperBroker) SetStatus(brokerOrderID, statusRaw string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	order, ok := b.orders[brokerOrderID]
	if !ok {
		return apperrors.ErrNotFound
	}
	order.statusRaw = statusRaw
	order.updatedAt = time.Now()
	return nil
}

// RejectNext makes the next new placement fail with a terminal rejection.
func (b *PaperBroker) RejectNext(code, msg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rejectNext = apperrors.NewBrokerRejected(code, msg)
}

// FailNextPlace scripts a transient failure on the next Place call.
func (b *PaperBroker) FailNextPlace(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failPlace = err
}

// FailNextGetOrder scripts a transient failure on the next GetOrder call.
func (b *PaperBroker) FailNextGetOrder(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failGetOrder = err
}

// FailNextCancel scripts a transient failure on the next Cancel call.
func (b *PaperBroker) FailNextCancel(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failCancel = err
}

// FailNextGetQuote scripts a transient failure on the next GetQuote call.
func (b *PaperBroker) FailNextGetQuote(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failGetQuote = err
}

// PlaceCalls reports how many Place calls the simulator has seen.
func (b *PaperBroker) PlaceCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.placeCalls
}

// CancelCalls reports how many Cancel calls the simulator has seen.
func (b *PaperBroker) CancelCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cancelCalls
}
