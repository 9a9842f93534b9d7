package binstore

import (
	"sync"
	"time"
)

// Metrics provides observability for binstore operations. Tags are
// alternating label names and values.
type Metrics interface {
	// Increment increases a counter by 1
	Increment(name string, tags ...string)

	// Gauge sets an absolute value
	Gauge(name string, value float64, tags ...string)

	// Histogram records a value distribution (result counts, batch sizes)
	Histogram(name string, value float64, tags ...string)

	// Timing records a duration
	Timing(name string, duration time.Duration, tags ...string)
}

// NoOpMetrics is a metrics collector that does nothing
type NoOpMetrics struct{}

func (m *NoOpMetrics) Increment(name string, tags ...string)                        {}
func (m *NoOpMetrics) Gauge(name string, value float64, tags ...string)             {}
func (m *NoOpMetrics) Histogram(name string, value float64, tags ...string)         {}
func (m *NoOpMetrics) Timing(name string, duration time.Duration, tags ...string) {}

// InMemoryMetrics stores metrics in memory for testing. Counters are keyed
// by name; tags are ignored.
type InMemoryMetrics struct {
	mu         sync.Mutex
	Counters   map[string]int
	Gauges     map[string]float64
	Histograms map[string][]float64
	Timings    map[string][]time.Duration
}

func NewInMemoryMetrics() *InMemoryMetrics {
	return &InMemoryMetrics{
		Counters:   make(map[string]int),
		Gauges:     make(map[string]float64),
		Histograms: make(map[string][]float64),
		Timings:    make(map[string][]time.Duration),
	}
}

func (m *InMemoryMetrics) Increment(name string, tags ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Counters[name]++
}

func (m *InMemoryMetrics) Gauge(name string, value float64, tags ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Gauges[name] = value
}

func (m *InMemoryMetrics) Histogram(name string, value float64, tags ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Histograms[name] = append(m.Histograms[name], value)
}

func (m *InMemoryMetrics) Timing(name string, duration time.Duration, tags ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Timings[name] = append(m.Timings[name], duration)
}

// Count returns the value of a counter.
func (m *InMemoryMetrics) Count(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Counters[name]
}

// Common metric names
const (
	MetricQuerySuccess  = "binstore.query.success"
	MetricQueryError    = "binstore.query.error"
	MetricQueryDuration = "binstore.query.duration"
	MetricQueryResults  = "binstore.query.results"
	MetricQueryPlan     = "binstore.query.plan" // tagged with strategy
	MetricScanRejected  = "binstore.query.scan_rejected"

	MetricWriteSuccess  = "binstore.write.success" // tagged with kind
	MetricWriteConflict = "binstore.write.conflict"
	MetricWriteError    = "binstore.write.error"
	MetricWriteDuration = "binstore.write.duration"

	MetricBatchSize     = "binstore.batch.size"
	MetricBatchPartial  = "binstore.batch.partial"
	MetricBatchRejected = "binstore.batch.rejected"
	MetricBatchDuration = "binstore.batch.duration"

	MetricCatalogRefresh         = "binstore.catalog.refresh"
	MetricCatalogRefreshError    = "binstore.catalog.refresh_error"
	MetricCatalogRefreshDuration = "binstore.catalog.refresh_duration"
	MetricCatalogIndexes         = "binstore.catalog.indexes"
)
