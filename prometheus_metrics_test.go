package binstore

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewPrometheusMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewPrometheusMetrics(registry)

	if metrics.Registry() != registry {
		t.Error("registry not set correctly")
	}
	if len(metrics.counters) == 0 || len(metrics.histograms) == 0 || len(metrics.gauges) == 0 {
		t.Error("expected default metrics to be registered")
	}
}

func TestNewPrometheusMetricsWithNilRegistry(t *testing.T) {
	metrics := NewPrometheusMetrics(nil)
	if metrics.Registry() == nil {
		t.Fatal("expected a fresh registry")
	}
}

func TestPrometheusMetricsIncrement(t *testing.T) {
	metrics := NewPrometheusMetrics(prometheus.NewRegistry())

	metrics.Increment(MetricWriteSuccess, "kind", "insert")
	metrics.Increment(MetricWriteSuccess, "kind", "insert")
	metrics.Increment(MetricWriteSuccess, "kind", "delete")

	if got := testutil.ToFloat64(metrics.counters[MetricWriteSuccess].WithLabelValues("insert")); got != 2 {
		t.Errorf("insert successes = %f, want 2", got)
	}
	if got := testutil.ToFloat64(metrics.counters[MetricWriteSuccess].WithLabelValues("delete")); got != 1 {
		t.Errorf("delete successes = %f, want 1", got)
	}
}

func TestPrometheusMetricsWrongLabelsDoNotPanic(t *testing.T) {
	metrics := NewPrometheusMetrics(prometheus.NewRegistry())

	metrics.Increment(MetricWriteSuccess, "unexpected", "label")
	metrics.Histogram(MetricQueryResults, 3)
	metrics.Timing(MetricQueryDuration, time.Millisecond, "set", "users")
}

func TestPrometheusMetricsDynamic(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewPrometheusMetrics(registry)

	metrics.Increment("binstore.custom.events", "source", "test")
	metrics.Gauge("binstore.custom.level", 4)

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	found := map[string]bool{}
	for _, f := range families {
		found[f.GetName()] = true
	}
	if !found["binstore_custom_events"] || !found["binstore_custom_level"] {
		t.Errorf("dynamic metrics not registered: %v", found)
	}
}

func TestPrometheusMetricsFromStore(t *testing.T) {
	metrics := NewPrometheusMetrics(prometheus.NewRegistry())
	store := NewStoreWithObservability(NewMemoryBackend(), &NoOpLogger{}, metrics)
	ctx := context.Background()

	key := NewKey("app", "users", "u1")
	if _, err := store.Insert(ctx, key, map[string]any{"age": 30}); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if _, err := store.Insert(ctx, key, map[string]any{"age": 30}); err == nil {
		t.Fatal("expected duplicate key error")
	}

	if got := testutil.ToFloat64(metrics.counters[MetricWriteSuccess].WithLabelValues("insert")); got != 1 {
		t.Errorf("insert successes = %f, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.counters[MetricWriteError].WithLabelValues("insert")); got != 1 {
		t.Errorf("insert errors = %f, want 1", got)
	}
}
