package mqlight

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMemoryMetrics(t *testing.T) {
	t.Run("counter operations", func(t *testing.T) {
		metrics := NewMemoryMetrics()
		counter := metrics.Counter("test_counter", nil)

		counter.Inc()
		assert.Equal(t, float64(1), counter.Value())

		counter.Add(5)
		assert.Equal(t, float64(6), counter.Value())

		counter.Add(-3)
		assert.Equal(t, float64(6), counter.Value())
	})

	t.Run("gauge operations", func(t *testing.T) {
		metrics := NewMemoryMetrics()
		gauge := metrics.Gauge("test_gauge", nil)

		gauge.Set(100)
		gauge.Inc()
		assert.Equal(t, float64(101), gauge.Value())

		gauge.Dec()
		gauge.Add(50)
		gauge.Sub(30)
		assert.Equal(t, float64(120), gauge.Value())
	})

	t.Run("histogram duration", func(t *testing.T) {
		metrics := NewMemoryMetrics()
		histogram := metrics.Histogram("latency", nil)

		histogram.ObserveDuration(500 * time.Millisecond)
		histogram.Observe(1.5)

		assert.Equal(t, uint64(2), histogram.Count())
		assert.InDelta(t, 2.0, histogram.Sum(), 1e-9)
		assert.Equal(t, uint64(2), metrics.HistogramCount("latency", nil))
	})

	t.Run("label order does not matter", func(t *testing.T) {
		metrics := NewMemoryMetrics()
		metrics.Counter("c", MetricLabels{"a": "1", "b": "2"}).Inc()
		metrics.Counter("c", MetricLabels{"b": "2", "a": "1"}).Inc()

		assert.Equal(t, float64(2), metrics.CounterValue("c", MetricLabels{"a": "1", "b": "2"}))
		assert.Equal(t, "c{a=1,b=2}", metricKey("c", MetricLabels{"b": "2", "a": "1"}))
	})

	t.Run("different labels are different metrics", func(t *testing.T) {
		metrics := NewMemoryMetrics()
		metrics.Counter("c", MetricLabels{LabelQoS: "0"}).Inc()
		metrics.Counter("c", MetricLabels{LabelQoS: "1"}).Add(3)

		assert.Equal(t, float64(1), metrics.CounterValue("c", MetricLabels{LabelQoS: "0"}))
		assert.Equal(t, float64(3), metrics.CounterValue("c", MetricLabels{LabelQoS: "1"}))
	})

	t.Run("unknown metrics read as zero", func(t *testing.T) {
		metrics := NewMemoryMetrics()
		assert.Zero(t, metrics.CounterValue("missing", nil))
		assert.Zero(t, metrics.GaugeValue("missing", nil))
		assert.Zero(t, metrics.HistogramCount("missing", nil))
	})

	t.Run("snapshot", func(t *testing.T) {
		metrics := NewMemoryMetrics()
		metrics.Counter("sent", nil).Add(2)
		metrics.Gauge("subs", MetricLabels{"k": "v"}).Set(4)

		assert.Equal(t, map[string]float64{"sent": 2, "subs{k=v}": 4}, metrics.Snapshot())
	})

	t.Run("concurrent updates", func(t *testing.T) {
		metrics := NewMemoryMetrics()

		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 100; j++ {
					metrics.Counter("concurrent", nil).Inc()
					metrics.Gauge("gauge", nil).Inc()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, float64(5000), metrics.CounterValue("concurrent", nil))
		assert.Equal(t, float64(5000), metrics.GaugeValue("gauge", nil))
	})
}
