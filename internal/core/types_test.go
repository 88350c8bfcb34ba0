package core

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestLifecycleStateTerminal(t *testing.T) {
	terminal := []LifecycleState{StateFilled, StateCancelled, StateRejected, StateExpired}
	open := []LifecycleState{StateNew, StateAccepted, StatePartiallyFilled, StateUnknown}

	for _, s := range terminal {
		assert.True(t, s.Terminal(), "%s should be terminal", s)
	}
	for _, s := range open {
		assert.False(t, s.Terminal(), "%s should not be terminal", s)
	}
}

func TestOrderTypeIsLimitLike(t *testing.T) {
	assert.True(t, OrderTypeLimit.IsLimitLike())
	assert.True(t, OrderTypeStopLimit.IsLimitLike())
	assert.False(t, OrderTypeMarket.IsLimitLike())
	assert.False(t, OrderTypeStop.IsLimitLike())
}

func TestQuoteSpreadPct(t *testing.T) {
	q := Quote{
		Symbol: "AAPL",
		Bid:    decimal.NewFromFloat(99.95),
		Ask:    decimal.NewFromFloat(100.05),
		Mid:    decimal.NewFromFloat(100.00),
		Ts:     time.Now(),
	}
	// (100.05 - 99.95) / 100.00 = 0.001
	assert.True(t, q.SpreadPct().Equal(decimal.NewFromFloat(0.001)),
		"got %s", q.SpreadPct())

	degenerate := Quote{Symbol: "AAPL"}
	assert.True(t, degenerate.SpreadPct().IsZero())
}

func TestIntentSnapshot(t *testing.T) {
	intent := validIntent()
	intent.OrderType = OrderTypeLimit
	intent.LimitPrice = decimal.NewFromFloat(182.50)

	snap := intent.Snapshot()
	assert.Equal(t, intent.Symbol, snap.Symbol)
	assert.Equal(t, intent.Side, snap.Side)
	assert.True(t, intent.Qty.Equal(snap.Qty))
	assert.Equal(t, intent.OrderType, snap.OrderType)
	assert.Equal(t, intent.TimeInForce, snap.TimeInForce)
	assert.True(t, intent.LimitPrice.Equal(snap.LimitPrice))
	assert.Equal(t, intent.UserID, snap.UserID)
	assert.Equal(t, intent.StrategyID, snap.StrategyID)
}

func TestRecoverySummaryAdd(t *testing.T) {
	total := RecoverySummary{}
	total.Add(RecoverySummary{Polled: 3, Cancelled: 1, Reconciled: 2, Terminal: 1})
	total.Add(RecoverySummary{Polled: 2, Reconciled: 1})

	assert.Equal(t, 5, total.Polled)
	assert.Equal(t, 1, total.Cancelled)
	assert.Equal(t, 3, total.Reconciled)
	assert.Equal(t, 1, total.Terminal)
}
