package binstore

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics implements the Metrics interface using Prometheus.
// Known binstore metrics are registered up front with fixed labels; any
// other name is registered on first use with the label names of that call.
type PrometheusMetrics struct {
	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	registry   *prometheus.Registry
	factory    promauto.Factory
}

// NewPrometheusMetrics creates a new Prometheus metrics instance.
// If registry is nil, a fresh registry is created.
func NewPrometheusMetrics(registry *prometheus.Registry) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	pm := &PrometheusMetrics{
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		registry:   registry,
		factory:    promauto.With(registry),
	}
	pm.registerDefaultMetrics()
	return pm
}

func (p *PrometheusMetrics) counter(name, subsystem, metric, help string, labels ...string) {
	p.counters[name] = p.factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "binstore", Subsystem: subsystem, Name: metric, Help: help,
	}, labels)
}

func (p *PrometheusMetrics) histogram(name, subsystem, metric, help string, buckets []float64, labels ...string) {
	p.histograms[name] = p.factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "binstore", Subsystem: subsystem, Name: metric, Help: help, Buckets: buckets,
	}, labels)
}

// registerDefaultMetrics registers all standard binstore metrics
func (p *PrometheusMetrics) registerDefaultMetrics() {
	latency := []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5}
	counts := []float64{0, 1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000, 10000}

	p.counter(MetricQuerySuccess, "query", "success_total", "Queries that completed", "set", "strategy")
	p.counter(MetricQueryError, "query", "errors_total", "Queries that failed", "set")
	p.counter(MetricQueryPlan, "query", "plans_total", "Compiled plans by strategy", "strategy")
	p.counter(MetricScanRejected, "query", "scans_rejected_total", "Queries rejected because full scans are disabled", "set")
	p.histogram(MetricQueryDuration, "query", "duration_seconds", "Query execution duration in seconds", latency, "set", "strategy")
	p.histogram(MetricQueryResults, "query", "results", "Number of records returned by queries", counts, "set")

	p.counter(MetricWriteSuccess, "write", "success_total", "Writes applied", "kind")
	p.counter(MetricWriteConflict, "write", "conflicts_total", "Writes rejected by a version check", "kind")
	p.counter(MetricWriteError, "write", "errors_total", "Writes that failed for other reasons", "kind")
	p.histogram(MetricWriteDuration, "write", "duration_seconds", "Write duration in seconds", latency, "kind")

	p.histogram(MetricBatchSize, "batch", "size", "Number of intents per batch", counts)
	p.counter(MetricBatchPartial, "batch", "partial_total", "Batches with at least one failed intent")
	p.counter(MetricBatchRejected, "batch", "rejected_total", "Batches rejected before dispatch")
	p.histogram(MetricBatchDuration, "batch", "duration_seconds", "Batch duration in seconds", latency)

	p.counter(MetricCatalogRefresh, "catalog", "refreshes_total", "Index catalog refreshes")
	p.counter(MetricCatalogRefreshError, "catalog", "refresh_errors_total", "Failed index catalog refreshes")
	p.histogram(MetricCatalogRefreshDuration, "catalog", "refresh_duration_seconds", "Index catalog refresh duration", latency)
	p.gauges[MetricCatalogIndexes] = p.factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "binstore", Subsystem: "catalog", Name: "indexes", Help: "Indexes in the published catalog snapshot",
	}, nil)
}

// Increment increments a Prometheus counter
func (p *PrometheusMetrics) Increment(name string, tags ...string) {
	p.mu.Lock()
	counter, ok := p.counters[name]
	if !ok {
		counter = p.factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "binstore",
			Name:      metricName(name),
			Help:      "Dynamic counter: " + name,
		}, labelNames(tags))
		p.counters[name] = counter
	}
	p.mu.Unlock()

	if c, err := counter.GetMetricWith(labelValues(tags)); err == nil {
		c.Inc()
	}
}

// Gauge sets a Prometheus gauge value
func (p *PrometheusMetrics) Gauge(name string, value float64, tags ...string) {
	p.mu.Lock()
	gauge, ok := p.gauges[name]
	if !ok {
		gauge = p.factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "binstore",
			Name:      metricName(name),
			Help:      "Dynamic gauge: " + name,
		}, labelNames(tags))
		p.gauges[name] = gauge
	}
	p.mu.Unlock()

	if g, err := gauge.GetMetricWith(labelValues(tags)); err == nil {
		g.Set(value)
	}
}

// Histogram records a value in a Prometheus histogram
func (p *PrometheusMetrics) Histogram(name string, value float64, tags ...string) {
	p.mu.Lock()
	histogram, ok := p.histograms[name]
	if !ok {
		histogram = p.factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "binstore",
			Name:      metricName(name),
			Help:      "Dynamic histogram: " + name,
			Buckets:   prometheus.DefBuckets,
		}, labelNames(tags))
		p.histograms[name] = histogram
	}
	p.mu.Unlock()

	if h, err := histogram.GetMetricWith(labelValues(tags)); err == nil {
		h.Observe(value)
	}
}

// Timing records a duration in a Prometheus histogram
func (p *PrometheusMetrics) Timing(name string, duration time.Duration, tags ...string) {
	p.Histogram(name, duration.Seconds(), tags...)
}

// Registry returns the underlying Prometheus registry
func (p *PrometheusMetrics) Registry() *prometheus.Registry {
	return p.registry
}

// metricName turns "binstore.a.b" into "a_b".
func metricName(name string) string {
	name = strings.TrimPrefix(name, "binstore.")
	return strings.NewReplacer(".", "_", "-", "_").Replace(name)
}

func labelNames(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	labels := make([]string, 0, len(tags)/2)
	for i := 0; i+1 < len(tags); i += 2 {
		labels = append(labels, tags[i])
	}
	return labels
}

func labelValues(tags []string) prometheus.Labels {
	labels := make(prometheus.Labels, len(tags)/2)
	for i := 0; i+1 < len(tags); i += 2 {
		labels[tags[i]] = tags[i+1]
	}
	return labels
}
