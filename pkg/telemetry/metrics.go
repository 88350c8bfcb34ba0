package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricOrdersPlacedTotal     = "exec_agent_orders_placed_total"
	MetricOrdersDowngradedTotal = "exec_agent_orders_downgraded_total"
	MetricOrdersBlockedTotal    = "exec_agent_orders_blocked_total"
	MetricOrdersRejectedTotal   = "exec_agent_orders_rejected_total"
	MetricExecutionErrorsTotal  = "exec_agent_execution_errors_total"
	MetricFillsRecordedTotal    = "exec_agent_fills_recorded_total"
	MetricFillVolumeTotal       = "exec_agent_fill_volume_total"
	MetricOrdersCancelledTotal  = "exec_agent_orders_cancelled_total"
	MetricRecoveryRunsTotal     = "exec_agent_recovery_runs_total"
	MetricBrokerLatency         = "exec_agent_broker_latency_ms"
	MetricSpreadPct             = "exec_agent_spread_pct"
	MetricOrdersOpen            = "exec_agent_orders_open"
	MetricGateHalted            = "exec_agent_gate_halted"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	OrdersPlacedTotal     metric.Int64Counter
	OrdersDowngradedTotal metric.Int64Counter
	OrdersBlockedTotal    metric.Int64Counter
	OrdersRejectedTotal   metric.Int64Counter
	ExecutionErrorsTotal  metric.Int64Counter
	FillsRecordedTotal    metric.Int64Counter
	FillVolumeTotal       metric.Float64Counter
	OrdersCancelledTotal  metric.Int64Counter
	RecoveryRunsTotal     metric.Int64Counter
	BrokerLatency         metric.Float64Histogram
	SpreadPct             metric.Float64Histogram
	OrdersOpen            metric.Int64ObservableGauge
	GateHalted            metric.Int64ObservableGauge

	// State for observable gauges
	mu            sync.RWMutex
	openOrdersMap map[string]int64
	gateHalted    int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			openOrdersMap: make(map[string]int64),
			gateHalted:    1,
		}
		// Initialization of instruments happens in InitMetrics
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.OrdersPlacedTotal, err = meter.Int64Counter(MetricOrdersPlacedTotal, metric.WithDescription("Total orders accepted by the broker"))
	if err != nil {
		return err
	}

	m.OrdersDowngradedTotal, err = meter.Int64Counter(MetricOrdersDowngradedTotal, metric.WithDescription("Total intents downgraded by smart routing"))
	if err != nil {
		return err
	}

	m.OrdersBlockedTotal, err = meter.Int64Counter(MetricOrdersBlockedTotal, metric.WithDescription("Total intents blocked by the safety gate"))
	if err != nil {
		return err
	}

	m.OrdersRejectedTotal, err = meter.Int64Counter(MetricOrdersRejectedTotal, metric.WithDescription("Total intents rejected by the broker"))
	if err != nil {
		return err
	}

	m.ExecutionErrorsTotal, err = meter.Int64Counter(MetricExecutionErrorsTotal, metric.WithDescription("Total execution attempts that errored"))
	if err != nil {
		return err
	}

	m.FillsRecordedTotal, err = meter.Int64Counter(MetricFillsRecordedTotal, metric.WithDescription("Total fill events appended to the ledger"))
	if err != nil {
		return err
	}

	m.FillVolumeTotal, err = meter.Float64Counter(MetricFillVolumeTotal, metric.WithDescription("Total filled quantity"))
	if err != nil {
		return err
	}

	m.OrdersCancelledTotal, err = meter.Int64Counter(MetricOrdersCancelledTotal, metric.WithDescription("Total orders cancelled on timeout"))
	if err != nil {
		return err
	}

	m.RecoveryRunsTotal, err = meter.Int64Counter(MetricRecoveryRunsTotal, metric.WithDescription("Total recovery passes executed"))
	if err != nil {
		return err
	}

	m.BrokerLatency, err = meter.Float64Histogram(MetricBrokerLatency, metric.WithDescription("Latency of broker API calls"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.SpreadPct, err = meter.Float64Histogram(MetricSpreadPct, metric.WithDescription("Observed quote spread at routing time"))
	if err != nil {
		return err
	}

	// Observables
	m.OrdersOpen, err = meter.Int64ObservableGauge(MetricOrdersOpen, metric.WithDescription("Number of currently open execution orders"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for tenant, val := range m.openOrdersMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("tenant_id", tenant)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.GateHalted, err = meter.Int64ObservableGauge(MetricGateHalted, metric.WithDescription("Gate halt state (1=halted, 0=armed)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.gateHalted)
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// Helpers to update observable state

func (m *MetricsHolder) SetOpenOrders(tenantID string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openOrdersMap[tenantID] = count
}

func (m *MetricsHolder) SetGateHalted(halted bool) {
	val := int64(0)
	if halted {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gateHalted = val
}

func (m *MetricsHolder) GetOpenOrders() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]int64)
	for k, v := range m.openOrdersMap {
		res[k] = v
	}
	return res
}

func (m *MetricsHolder) GetGateHalted() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.gateHalted == 1
}
