package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/metric"
)

func TestMetricInstruments_CountersAreCachedPerName(t *testing.T) {
	m := NewMetricInstruments("scheduler_test")
	ctx := context.Background()

	if err := m.RecordCounter(ctx, MetricRunsStarted, 1); err != nil {
		t.Fatalf("RecordCounter: %v", err)
	}
	if err := m.RecordCounter(ctx, MetricRunsStarted, 1); err != nil {
		t.Fatalf("RecordCounter (second call): %v", err)
	}

	m.mu.RLock()
	n := len(m.counters)
	m.mu.RUnlock()
	if n != 1 {
		t.Fatalf("expected 1 cached counter for repeated name, got %d", n)
	}
}

func TestMetricInstruments_RecordHelpers(t *testing.T) {
	m := NewMetricInstruments("scheduler_test")
	ctx := context.Background()

	if err := m.RecordDuration(ctx, MetricRunDuration, 12.5); err != nil {
		t.Fatalf("RecordDuration: %v", err)
	}
	if err := m.RecordError(ctx, MetricRunsFailed, "timeout"); err != nil {
		t.Fatalf("RecordError: %v", err)
	}
	if err := m.RecordSuccess(ctx, MetricRunsSucceeded); err != nil {
		t.Fatalf("RecordSuccess: %v", err)
	}
	if err := m.RecordUpDownCounter(ctx, MetricQueueDepth, 3); err != nil {
		t.Fatalf("RecordUpDownCounter: %v", err)
	}
}

func TestMetricInstruments_GaugeLifecycle(t *testing.T) {
	m := NewMetricInstruments("scheduler_test")
	noop := func(ctx context.Context, o metric.Observer) error { return nil }

	if err := m.RegisterGauge(MetricQueueDepth+".gauge", noop); err != nil {
		t.Fatalf("RegisterGauge: %v", err)
	}

	if err := m.RegisterGauge(MetricQueueDepth+".gauge", noop); err == nil {
		t.Fatal("expected error registering the same gauge name twice")
	}

	if err := m.UnregisterGauge(MetricQueueDepth + ".gauge"); err != nil {
		t.Fatalf("UnregisterGauge: %v", err)
	}

	if err := m.UnregisterGauge(MetricQueueDepth + ".gauge"); err == nil {
		t.Fatal("expected error unregistering an already-removed gauge")
	}
}
