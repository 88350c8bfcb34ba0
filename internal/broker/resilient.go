package broker

import (
	"context"
	"errors"
	"time"

	"exec_agent/internal/config"
	"exec_agent/internal/core"
	apperrors "exec_agent/pkg/errors"
	"exec_agent/pkg/telemetry"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// Call deadlines. Writes get more room than reads; the recovery loop catches
// anything a short poll misses.
const (
	writeDeadline = 5 * time.Second
	readDeadline  = 2 * time.Second
)

// Resilient decorates an IBroker with per-call deadlines, outbound rate
// limiting, a circuit breaker, and bounded retries on idempotent reads.
// Place is never retried here: duplicate submissions are the one failure the
// pipeline must not manufacture.
type Resilient struct {
	inner   core.IBroker
	logger  core.ILogger
	limiter *rate.Limiter

	orderPipeline failsafe.Executor[*core.OrderSnapshot]
	quotePipeline failsafe.Executor[*core.Quote]

	tracer      trace.Tracer
	latencyHist metric.Float64Histogram
	errCounter  metric.Int64Counter
}

// NewResilient wraps inner with the resilience stack configured by cfg.
func NewResilient(inner core.IBroker, cfg config.BrokerConfig, logger core.ILogger) *Resilient {
	retryOrder := retrypolicy.NewBuilder[*core.OrderSnapshot]().
		HandleIf(func(_ *core.OrderSnapshot, err error) bool {
			return apperrors.IsRetryable(err)
		}).
		WithBackoff(100*time.Millisecond, 1*time.Second).
		WithMaxRetries(cfg.MaxRetries).
		Build()
	breakerOrder := circuitbreaker.NewBuilder[*core.OrderSnapshot]().
		HandleIf(func(_ *core.OrderSnapshot, err error) bool {
			return apperrors.IsRetryable(err)
		}).
		WithFailureThresholdRatio(5, 10).
		WithDelay(cfg.BreakerDelay()).
		Build()

	retryQuote := retrypolicy.NewBuilder[*core.Quote]().
		HandleIf(func(_ *core.Quote, err error) bool {
			return apperrors.IsRetryable(err)
		}).
		WithBackoff(100*time.Millisecond, 1*time.Second).
		WithMaxRetries(cfg.MaxRetries).
		Build()

	meter := telemetry.GetMeter("broker")
	latencyHist, _ := meter.Float64Histogram(telemetry.MetricBrokerLatency,
		metric.WithDescription("Latency of broker API calls"), metric.WithUnit("ms"))
	errCounter, _ := meter.Int64Counter("exec_agent_broker_errors_total",
		metric.WithDescription("Total broker calls that returned an error"))

	return &Resilient{
		inner:         inner,
		logger:        logger.WithField("component", "resilient_broker"),
		limiter:       rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		orderPipeline: failsafe.With[*core.OrderSnapshot](retryOrder, breakerOrder),
		quotePipeline: failsafe.With[*core.Quote](retryQuote),
		tracer:        telemetry.GetTracer("broker"),
		latencyHist:   latencyHist,
		errCounter:    errCounter,
	}
}

func (r *Resilient) Name() string { return r.inner.Name() }

func (r *Resilient) Place(ctx context.Context, intent *core.OrderIntent) (*core.PlaceAck, error) {
	ctx, cancel := context.WithTimeout(ctx, writeDeadline)
	defer cancel()

	ctx, span := r.tracer.Start(ctx, "broker.place",
		trace.WithAttributes(attribute.String("symbol", intent.Symbol)))
	defer span.End()

	if err := r.limiter.Wait(ctx); err != nil {
		return nil, apperrors.NewBrokerUnavailable("rate limiter: " + err.Error())
	}

	start := time.Now()
	ack, err := r.inner.Place(ctx, intent)
	r.observe(ctx, "place", start, err)
	if err != nil {
		span.RecordError(err)
	}
	return ack, err
}

func (r *Resilient) Cancel(ctx context.Context, brokerOrderID string) error {
	ctx, cancel := context.WithTimeout(ctx, writeDeadline)
	defer cancel()

	ctx, span := r.tracer.Start(ctx, "broker.cancel")
	defer span.End()

	if err := r.limiter.Wait(ctx); err != nil {
		return apperrors.NewBrokerUnavailable("rate limiter: " + err.Error())
	}

	start := time.Now()
	err := r.inner.Cancel(ctx, brokerOrderID)
	r.observe(ctx, "cancel", start, err)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (r *Resilient) GetOrder(ctx context.Context, brokerOrderID string) (*core.OrderSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, readDeadline)
	defer cancel()

	ctx, span := r.tracer.Start(ctx, "broker.get_order")
	defer span.End()

	if err := r.limiter.Wait(ctx); err != nil {
		return nil, apperrors.NewBrokerUnavailable("rate limiter: " + err.Error())
	}

	start := time.Now()
	snapshot, err := r.orderPipeline.GetWithExecution(func(_ failsafe.Execution[*core.OrderSnapshot]) (*core.OrderSnapshot, error) {
		return r.inner.GetOrder(ctx, brokerOrderID)
	})
	r.observe(ctx, "get_order", start, err)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return nil, apperrors.NewBrokerUnavailable("circuit breaker open")
		}
	}
	return snapshot, err
}

func (r *Resilient) GetQuote(ctx context.Context, symbol string) (*core.Quote, error) {
	ctx, cancel := context.WithTimeout(ctx, readDeadline)
	defer cancel()

	ctx, span := r.tracer.Start(ctx, "broker.get_quote",
		trace.WithAttributes(attribute.String("symbol", symbol)))
	defer span.End()

	if err := r.limiter.Wait(ctx); err != nil {
		return nil, apperrors.NewBrokerUnavailable("rate limiter: " + err.Error())
	}

	start := time.Now()
	quote, err := r.quotePipeline.GetWithExecution(func(_ failsafe.Execution[*core.Quote]) (*core.Quote, error) {
		return r.inner.GetQuote(ctx, symbol)
	})
	r.observe(ctx, "get_quote", start, err)
	if err != nil {
		span.RecordError(err)
	}
	return quote, err
}

func (r *Resilient) CheckHealth(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, readDeadline)
	defer cancel()
	return r.inner.CheckHealth(ctx)
}

func (r *Resilient) observe(ctx context.Context, op string, start time.Time, err error) {
	elapsed := float64(time.Since(start).Milliseconds())
	r.latencyHist.Record(ctx, elapsed, metric.WithAttributes(attribute.String("op", op)))
	if err != nil {
		r.errCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("op", op),
			attribute.Bool("retryable", apperrors.IsRetryable(err)),
		))
	}
}
