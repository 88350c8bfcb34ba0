package engine

import (
	"context"
	"time"

	"exec_agent/internal/config"
	"exec_agent/internal/core"
	"exec_agent/pkg/telemetry"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"
)

const quoteDeadline = 2 * time.Second

// Per-class spread ceilings. FUTURE is absent: futures books are deep enough
// that the check only adds quote latency.
var defaultSpreadThresholds = map[core.AssetClass]decimal.Decimal{
	core.AssetClassEquity: decimal.NewFromFloat(0.001),
	core.AssetClassForex:  decimal.NewFromFloat(0.0005),
	core.AssetClassCrypto: decimal.NewFromFloat(0.002),
	core.AssetClassOption: decimal.NewFromFloat(0.005),
}

// RouteDecision is the outcome of the pre-submission cost gate.
type RouteDecision struct {
	Checked   bool
	Downgrade bool
	SpreadPct decimal.Decimal
	Threshold decimal.Decimal
}

// Router implements the smart-routing spread gate: fetch a quote, compare
// (ask-bid)/mid against the effective threshold, and downgrade the intent
// when the spread is strictly above it. Equal-to-threshold passes.
type Router struct {
	cfg    config.RoutingConfig
	broker core.IBroker
	logger core.ILogger

	// Concurrent intents for the same symbol share one quote fetch.
	group      singleflight.Group
	spreadHist metric.Float64Histogram
}

// NewRouter wires the cost gate in front of the given broker's quote feed.
func NewRouter(cfg config.RoutingConfig, broker core.IBroker, logger core.ILogger) *Router {
	meter := telemetry.GetMeter("routing")
	spreadHist, _ := meter.Float64Histogram(telemetry.MetricSpreadPct,
		metric.WithDescription("Observed quote spread at routing time"))

	return &Router{
		cfg:        cfg,
		broker:     broker,
		logger:     logger.WithField("component", "routing"),
		spreadHist: spreadHist,
	}
}

// Check evaluates the cost gate for one intent. A failed quote fetch skips
// the check rather than blocking the intent: the gate is a cost optimization,
// not a safety control, and the Safety Gate still stands between the intent
// and the broker.
func (r *Router) Check(ctx context.Context, intent *core.OrderIntent) RouteDecision {
	threshold, ok := r.thresholdFor(intent)
	if !ok {
		return RouteDecision{}
	}

	quote, err := r.fetchQuote(ctx, intent.Symbol)
	if err != nil {
		r.logger.Warn("Quote fetch failed, skipping spread check",
			"symbol", intent.Symbol, "error", err.Error())
		return RouteDecision{}
	}

	spread := quote.SpreadPct()
	sf, _ := spread.Float64()
	r.spreadHist.Record(ctx, sf, metric.WithAttributes(
		attribute.String("asset_class", string(intent.AssetClass))))

	return RouteDecision{
		Checked:   true,
		Downgrade: spread.GreaterThan(threshold),
		SpreadPct: spread,
		Threshold: threshold,
	}
}

// thresholdFor resolves the effective spread ceiling: per-intent override,
// then the configured global, then the per-class default. ok is false when
// the intent is outside the gate's scope.
func (r *Router) thresholdFor(intent *core.OrderIntent) (decimal.Decimal, bool) {
	if !r.cfg.Enabled {
		return decimal.Zero, false
	}
	classDefault, checked := defaultSpreadThresholds[intent.AssetClass]
	if !checked {
		return decimal.Zero, false
	}

	if override, ok := intent.MaxSlippageOverride(); ok {
		return override, true
	}
	if r.cfg.MaxSpreadPct > 0 {
		return decimal.NewFromFloat(r.cfg.MaxSpreadPct), true
	}
	return classDefault, true
}

func (r *Router) fetchQuote(ctx context.Context, symbol string) (*core.Quote, error) {
	v, err, _ := r.group.Do(symbol, func() (interface{}, error) {
		quoteCtx, cancel := context.WithTimeout(ctx, quoteDeadline)
		defer cancel()
		return r.broker.GetQuote(quoteCtx, symbol)
	})
	if err != nil {
		return nil, err
	}
	return v.(*core.Quote), nil
}
