package binstore

import (
	"strings"
	"testing"
	"time"
)

func TestInMemoryMetrics(t *testing.T) {
	metrics := NewInMemoryMetrics()

	metrics.Increment(MetricWriteSuccess, "kind", "insert")
	metrics.Increment(MetricWriteSuccess, "kind", "update")
	metrics.Gauge(MetricCatalogIndexes, 3)
	metrics.Histogram(MetricQueryResults, 10, "set", "users")
	metrics.Timing(MetricQueryDuration, 5*time.Millisecond)

	if got := metrics.Count(MetricWriteSuccess); got != 2 {
		t.Errorf("write success = %d, want 2", got)
	}
	if metrics.Gauges[MetricCatalogIndexes] != 3 {
		t.Errorf("catalog gauge = %f, want 3", metrics.Gauges[MetricCatalogIndexes])
	}
	if len(metrics.Histograms[MetricQueryResults]) != 1 {
		t.Errorf("expected 1 histogram observation")
	}
	if metrics.Timings[MetricQueryDuration][0] != 5*time.Millisecond {
		t.Errorf("timing = %v, want 5ms", metrics.Timings[MetricQueryDuration][0])
	}
}

func TestMetricsInterface(t *testing.T) {
	var _ Metrics = &NoOpMetrics{}
	var _ Metrics = &InMemoryMetrics{}
	var _ Metrics = &PrometheusMetrics{}
}

func TestMetricConstants(t *testing.T) {
	constants := []string{
		MetricQuerySuccess, MetricQueryError, MetricQueryDuration, MetricQueryResults,
		MetricQueryPlan, MetricScanRejected,
		MetricWriteSuccess, MetricWriteConflict, MetricWriteError, MetricWriteDuration,
		MetricBatchSize, MetricBatchPartial, MetricBatchRejected, MetricBatchDuration,
		MetricCatalogRefresh, MetricCatalogRefreshError, MetricCatalogRefreshDuration, MetricCatalogIndexes,
	}
	seen := make(map[string]bool)
	for _, name := range constants {
		if !strings.HasPrefix(name, "binstore.") {
			t.Errorf("metric %q should start with 'binstore.'", name)
		}
		if seen[name] {
			t.Errorf("metric %q defined twice", name)
		}
		seen[name] = true
	}
}
