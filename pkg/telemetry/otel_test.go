package telemetry

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
)

func TestTelemetrySetup(t *testing.T) {
	tel, err := Setup("test-service")
	if err != nil {
		t.Fatalf("Failed to setup telemetry: %v", err)
	}

	// Verify providers are set
	if otel.GetTracerProvider() == nil {
		t.Error("Tracer provider not set")
	}
	if otel.GetMeterProvider() == nil {
		t.Error("Meter provider not set")
	}

	// Test GetTracer/GetMeter
	tracer := GetTracer("test-tracer")
	if tracer == nil {
		t.Error("Failed to get tracer")
	}

	meter := GetMeter("test-meter")
	if meter == nil {
		t.Error("Failed to get meter")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := tel.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}

func TestMetricsHolderInstruments(t *testing.T) {
	tel, err := Setup("test-metrics")
	if err != nil {
		t.Fatalf("Failed to setup telemetry: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = tel.Shutdown(ctx)
	}()

	holder := GetGlobalMetrics()
	if holder.OrdersPlacedTotal == nil {
		t.Fatal("OrdersPlacedTotal not initialized")
	}
	if holder.BrokerLatency == nil {
		t.Fatal("BrokerLatency not initialized")
	}

	// Counters accept recordings without panicking.
	holder.OrdersPlacedTotal.Add(context.Background(), 1)
	holder.BrokerLatency.Record(context.Background(), 12.5)

	// Observable gauge state round-trips.
	holder.SetOpenOrders("tenant-a", 3)
	if got := holder.GetOpenOrders()["tenant-a"]; got != 3 {
		t.Errorf("open orders = %d, want 3", got)
	}

	holder.SetGateHalted(false)
	if holder.GetGateHalted() {
		t.Error("gate should not be halted")
	}
	holder.SetGateHalted(true)
	if !holder.GetGateHalted() {
		t.Error("gate should be halted")
	}
}
