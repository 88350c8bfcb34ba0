package engine

import (
	"context"
	"io"
	"path/filepath"
	"sync"
	"testing"

	"exec_agent/internal/broker"
	"exec_agent/internal/config"
	"exec_agent/internal/core"
	"exec_agent/internal/ledger"
	"exec_agent/internal/logging"
	"exec_agent/internal/mock"
	"exec_agent/internal/tracker"
	apperrors "exec_agent/pkg/errors"
	"exec_agent/pkg/liveserver"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubGate allows everything unless a denial reason is set, and counts
// CommitSuccess calls.
type stubGate struct {
	mu      sync.Mutex
	deny    string
	commits int
}

func (g *stubGate) Authorize(_ context.Context, _ string) core.GateDecision {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.deny != "" {
		return core.GateDecision{Allowed: false, Reason: g.deny}
	}
	return core.GateDecision{Allowed: true}
}

func (g *stubGate) CommitSuccess() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.commits++
}

func (g *stubGate) Lockdown(string)             {}
func (g *stubGate) Snapshot() core.GateSnapshot { return core.GateSnapshot{} }

func (g *stubGate) commitCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.commits
}

type engineFixture struct {
	engine  *Engine
	broker  *broker.PaperBroker
	gate    *stubGate
	tracker *tracker.Tracker
	ledger  *ledger.SQLiteLedger
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	logger := logging.NewLogger(logging.ErrorLevel, io.Discard)
	dir := t.TempDir()

	store, err := tracker.NewSQLiteStore(filepath.Join(dir, "tracker.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	led, err := ledger.NewSQLiteLedger(filepath.Join(dir, "ledger.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = led.Close() })

	pb := broker.NewPaperBroker(logger)
	gate := &stubGate{}
	tr := tracker.NewTracker(store, led, nil, logger)
	router := NewRouter(config.RoutingConfig{Enabled: true}, pb, logger)

	return &engineFixture{
		engine:  NewEngine(pb, gate, tr, router, nil, logger),
		broker:  pb,
		gate:    gate,
		tracker: tr,
		ledger:  led,
	}
}

func marketIntent(intentID, symbol string, class core.AssetClass) *core.OrderIntent {
	return &core.OrderIntent{
		IntentID:    intentID,
		TenantID:    "t1",
		UserID:      "u1",
		Symbol:      symbol,
		Side:        core.SideBuy,
		Qty:         decimal.NewFromInt(10),
		OrderType:   core.OrderTypeMarket,
		TimeInForce: core.TimeInForceDay,
		AssetClass:  class,
	}
}

func TestExecuteHappyPath(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	f.broker.SetQuote("AAPL", decimal.NewFromFloat(150.00), decimal.NewFromFloat(150.05))

	result := f.engine.Execute(ctx, marketIntent("i1", "AAPL", core.AssetClassEquity))
	require.Equal(t, core.ResultPlaced, result.Status)
	require.NotEmpty(t, result.BrokerOrderID)

	// Instant market fill was captured by the immediate poll.
	rec, err := f.tracker.Get(ctx, "t1", "i1")
	require.NoError(t, err)
	assert.Equal(t, core.StateFilled, rec.Status)
	assert.True(t, rec.FilledQtySeen.Equal(decimal.NewFromInt(10)))

	fills, err := f.ledger.ListFillsByOrder(ctx, "t1", result.BrokerOrderID)
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.True(t, fills[0].Qty.Equal(decimal.NewFromInt(10)))
	assert.True(t, fills[0].Price.Equal(decimal.NewFromFloat(150.025)))

	assert.Equal(t, 1, f.gate.commitCount(), "auto-lockdown armed on the success branch")
}

func TestExecuteDowngradedOnSpread(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	// 150 wide on a 50075 mid: 0.299% > the 0.2% crypto ceiling.
	f.broker.SetQuote("BTC/USD", decimal.NewFromInt(50000), decimal.NewFromInt(50150))

	intent := marketIntent("i1", "BTC/USD", core.AssetClassCrypto)
	intent.Qty = decimal.NewFromFloat(0.5)

	result := f.engine.Execute(ctx, intent)
	assert.Equal(t, core.ResultDowngraded, result.Status)
	assert.Equal(t, ReasonSpreadExceeded, result.Reason)
	assert.True(t, result.SpreadPct.GreaterThan(decimal.NewFromFloat(0.002)))

	// A downgrade is a pure no-op: no broker call, no record.
	assert.Equal(t, 0, f.broker.PlaceCalls())
	_, err := f.tracker.Get(ctx, "t1", "i1")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.Equal(t, 0, f.gate.commitCount())
}

func TestExecuteSpreadAtThresholdPasses(t *testing.T) {
	f := newEngineFixture(t)
	// Spread 0.10 on mid 100.00 is exactly the 0.1% equity ceiling.
	f.broker.SetQuote("AAPL", decimal.NewFromFloat(99.95), decimal.NewFromFloat(100.05))

	result := f.engine.Execute(context.Background(), marketIntent("i1", "AAPL", core.AssetClassEquity))
	assert.Equal(t, core.ResultPlaced, result.Status, "equal to threshold is allowed, strict > downgrades")
}

func TestExecuteBlockedByGate(t *testing.T) {
	f := newEngineFixture(t)
	f.gate.deny = core.DenyHalted
	f.broker.SetQuote("AAPL", decimal.NewFromFloat(150.00), decimal.NewFromFloat(150.05))

	result := f.engine.Execute(context.Background(), marketIntent("i1", "AAPL", core.AssetClassEquity))
	assert.Equal(t, core.ResultBlocked, result.Status)
	assert.Equal(t, core.DenyHalted, result.Reason)
	assert.Equal(t, 0, f.broker.PlaceCalls())

	_, err := f.tracker.Get(context.Background(), "t1", "i1")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestExecuteDuplicateIntent(t *testing.T) {
	f := newEngineFixture(t)
	f.broker.SetQuote("AAPL", decimal.NewFromFloat(150.00), decimal.NewFromFloat(150.05))

	const workers = 4
	results := make([]*core.ExecutionResult, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = f.engine.Execute(context.Background(), marketIntent("i-42", "AAPL", core.AssetClassEquity))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, f.broker.PlaceCalls(), "exactly one broker place per intent id")
	first := results[0]
	require.NotEmpty(t, first.BrokerOrderID)
	for _, result := range results {
		assert.Equal(t, core.ResultPlaced, result.Status)
		assert.Equal(t, first.BrokerOrderID, result.BrokerOrderID)
	}
}

func TestExecuteRejectedByBroker(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	f.broker.SetQuote("AAPL", decimal.NewFromFloat(150.00), decimal.NewFromFloat(150.05))
	f.broker.RejectNext("insufficient_funds", "buying power exceeded")

	result := f.engine.Execute(ctx, marketIntent("i1", "AAPL", core.AssetClassEquity))
	assert.Equal(t, core.ResultRejected, result.Status)
	assert.Equal(t, "insufficient_funds", result.Reason)

	rec, err := f.tracker.Get(ctx, "t1", "i1")
	require.NoError(t, err)
	assert.Equal(t, core.StateRejected, rec.Status)

	fills, err := f.ledger.ListFills(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, fills, "rejections never touch the ledger")
	assert.Equal(t, 0, f.gate.commitCount(), "rejection is not the success branch")

	// Replays observe the recorded rejection without another place.
	replay := f.engine.Execute(ctx, marketIntent("i1", "AAPL", core.AssetClassEquity))
	assert.Equal(t, core.ResultRejected, replay.Status)
	assert.Equal(t, 1, f.broker.PlaceCalls())
}

func TestExecuteBrokerUnavailable(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	f.broker.SetQuote("AAPL", decimal.NewFromFloat(150.00), decimal.NewFromFloat(150.05))
	f.broker.FailNextPlace(apperrors.NewBrokerUnavailable("connection reset"))

	result := f.engine.Execute(ctx, marketIntent("i1", "AAPL", core.AssetClassEquity))
	assert.Equal(t, core.ResultError, result.Status)
	assert.True(t, result.Retryable)
	assert.Equal(t, 0, f.gate.commitCount())

	// No record was written, so the caller's retry goes back to the broker.
	_, err := f.tracker.Get(ctx, "t1", "i1")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	retry := f.engine.Execute(ctx, marketIntent("i1", "AAPL", core.AssetClassEquity))
	assert.Equal(t, core.ResultPlaced, retry.Status)
}

func TestExecutePollFailureStillPlaced(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	f.broker.SetQuote("AAPL", decimal.NewFromFloat(150.00), decimal.NewFromFloat(150.05))
	f.broker.FailNextGetOrder(apperrors.NewBrokerUnavailable("timeout"))

	result := f.engine.Execute(ctx, marketIntent("i1", "AAPL", core.AssetClassEquity))
	assert.Equal(t, core.ResultPlaced, result.Status, "poll unavailability is swallowed")

	// Recovery owns catching the fill up later; the record is still open.
	rec, err := f.tracker.Get(ctx, "t1", "i1")
	require.NoError(t, err)
	assert.Equal(t, core.StateAccepted, rec.Status)
	assert.Equal(t, 1, f.gate.commitCount())
}

func TestExecuteInvalidIntent(t *testing.T) {
	f := newEngineFixture(t)

	intent := marketIntent("i1", "AAPL", core.AssetClassEquity)
	intent.Qty = decimal.Zero

	result := f.engine.Execute(context.Background(), intent)
	assert.Equal(t, core.ResultError, result.Status)
	assert.False(t, result.Retryable)
	assert.Equal(t, 0, f.broker.PlaceCalls())
}

func TestExecutePublishesTypedEvents(t *testing.T) {
	logger := logging.NewLogger(logging.ErrorLevel, io.Discard)
	f := newEngineFixture(t)
	events := mock.NewPublisher()
	router := NewRouter(config.RoutingConfig{Enabled: true}, f.broker, logger)
	eng := NewEngine(f.broker, f.gate, f.tracker, router, events, logger)

	f.broker.SetQuote("AAPL", decimal.NewFromFloat(150.00), decimal.NewFromFloat(150.05))
	result := eng.Execute(context.Background(), marketIntent("i1", "AAPL", core.AssetClassEquity))
	require.Equal(t, core.ResultPlaced, result.Status)
	assert.Len(t, events.EventsOfType(liveserver.TypeOrderPlaced), 1)

	f.broker.SetQuote("BTC/USD", decimal.NewFromInt(50000), decimal.NewFromInt(50150))
	result = eng.Execute(context.Background(), marketIntent("i2", "BTC/USD", core.AssetClassCrypto))
	require.Equal(t, core.ResultDowngraded, result.Status)
	assert.Len(t, events.EventsOfType(liveserver.TypeOrderDowngraded), 1)

	f.gate.deny = core.DenyHalted
	result = eng.Execute(context.Background(), marketIntent("i3", "AAPL", core.AssetClassEquity))
	require.Equal(t, core.ResultBlocked, result.Status)
	assert.Len(t, events.EventsOfType(liveserver.TypeOrderBlocked), 1)

	f.gate.deny = ""
	f.broker.RejectNext("insufficient_funds", "buying power exceeded")
	result = eng.Execute(context.Background(), marketIntent("i4", "AAPL", core.AssetClassEquity))
	require.Equal(t, core.ResultRejected, result.Status)
	assert.Len(t, events.EventsOfType(liveserver.TypeOrderRejected), 1)
}
