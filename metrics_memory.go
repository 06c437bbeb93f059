package mqlight

import (
	"math"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryMetrics keeps every metric in memory. It is meant for tests and for
// exposing client counters through a debug endpoint.
type MemoryMetrics struct {
	mu         sync.RWMutex
	counters   map[string]*memoryCounter
	gauges     map[string]*memoryGauge
	histograms map[string]*memoryHistogram
}

// NewMemoryMetrics creates an empty MemoryMetrics.
func NewMemoryMetrics() *MemoryMetrics {
	return &MemoryMetrics{
		counters:   make(map[string]*memoryCounter),
		gauges:     make(map[string]*memoryGauge),
		histograms: make(map[string]*memoryHistogram),
	}
}

// metricKey renders name{k=v,...} with the labels sorted, so the same label
// set always maps to the same metric.
func metricKey(name string, labels MetricLabels) string {
	if len(labels) == 0 {
		return name
	}

	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	b.WriteByte('}')
	return b.String()
}

// Counter implements Metrics.
func (m *MemoryMetrics) Counter(name string, labels MetricLabels) Counter {
	return getOrCreate(m, m.counters, metricKey(name, labels), func() *memoryCounter { return &memoryCounter{} })
}

// Gauge implements Metrics.
func (m *MemoryMetrics) Gauge(name string, labels MetricLabels) Gauge {
	return getOrCreate(m, m.gauges, metricKey(name, labels), func() *memoryGauge { return &memoryGauge{} })
}

// Histogram implements Metrics.
func (m *MemoryMetrics) Histogram(name string, labels MetricLabels) Histogram {
	return getOrCreate(m, m.histograms, metricKey(name, labels), func() *memoryHistogram { return &memoryHistogram{} })
}

func getOrCreate[T any](m *MemoryMetrics, metrics map[string]*T, key string, create func() *T) *T {
	m.mu.RLock()
	v, ok := metrics[key]
	m.mu.RUnlock()
	if ok {
		return v
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if v, ok := metrics[key]; ok {
		return v
	}
	v = create()
	metrics[key] = v
	return v
}

// CounterValue returns the value of a counter, or 0 if it was never reported.
func (m *MemoryMetrics) CounterValue(name string, labels MetricLabels) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if c, ok := m.counters[metricKey(name, labels)]; ok {
		return c.Value()
	}
	return 0
}

// GaugeValue returns the value of a gauge, or 0 if it was never reported.
func (m *MemoryMetrics) GaugeValue(name string, labels MetricLabels) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if g, ok := m.gauges[metricKey(name, labels)]; ok {
		return g.Value()
	}
	return 0
}

// HistogramCount returns the number of observations of a histogram.
func (m *MemoryMetrics) HistogramCount(name string, labels MetricLabels) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if h, ok := m.histograms[metricKey(name, labels)]; ok {
		return h.Count()
	}
	return 0
}

// Snapshot returns every counter and gauge keyed by name{labels}.
func (m *MemoryMetrics) Snapshot() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]float64, len(m.counters)+len(m.gauges))
	for k, c := range m.counters {
		out[k] = c.Value()
	}
	for k, g := range m.gauges {
		out[k] = g.Value()
	}
	return out
}

// atomicFloat is a float64 updated with compare-and-swap.
type atomicFloat struct {
	bits atomic.Uint64
}

func (f *atomicFloat) load() float64 {
	return math.Float64frombits(f.bits.Load())
}

func (f *atomicFloat) store(v float64) {
	f.bits.Store(math.Float64bits(v))
}

func (f *atomicFloat) add(delta float64) {
	for {
		old := f.bits.Load()
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if f.bits.CompareAndSwap(old, next) {
			return
		}
	}
}

type memoryCounter struct {
	value atomicFloat
}

func (c *memoryCounter) Inc() { c.value.add(1) }

// Add ignores negative deltas; counters only go up.
func (c *memoryCounter) Add(delta float64) {
	if delta > 0 {
		c.value.add(delta)
	}
}

func (c *memoryCounter) Value() float64 { return c.value.load() }

type memoryGauge struct {
	value atomicFloat
}

func (g *memoryGauge) Set(value float64) { g.value.store(value) }
func (g *memoryGauge) Inc()              { g.value.add(1) }
func (g *memoryGauge) Dec()              { g.value.add(-1) }
func (g *memoryGauge) Add(delta float64) { g.value.add(delta) }
func (g *memoryGauge) Sub(delta float64) { g.value.add(-delta) }
func (g *memoryGauge) Value() float64    { return g.value.load() }

type memoryHistogram struct {
	count atomic.Uint64
	sum   atomicFloat
}

func (h *memoryHistogram) Observe(value float64) {
	h.count.Add(1)
	h.sum.add(value)
}

func (h *memoryHistogram) ObserveDuration(d time.Duration) {
	h.Observe(d.Seconds())
}

func (h *memoryHistogram) Count() uint64 { return h.count.Load() }
func (h *memoryHistogram) Sum() float64  { return h.sum.load() }
