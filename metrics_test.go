package mqlight

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNoOpMetrics(t *testing.T) {
	metrics := &NoOpMetrics{}

	t.Run("all operations are no-ops", func(t *testing.T) {
		metrics.Counter("c", nil).Add(5)
		metrics.Gauge("g", nil).Set(5)
		metrics.Histogram("h", nil).ObserveDuration(time.Second)

		assert.Zero(t, metrics.Counter("c", nil).Value())
		assert.Zero(t, metrics.Gauge("g", nil).Value())
		assert.Zero(t, metrics.Histogram("h", nil).Count())
	})
}

func TestClientMetrics(t *testing.T) {
	t.Run("state gauge marks only the current state", func(t *testing.T) {
		m := NewMemoryMetrics()
		cm := newClientMetrics(m)

		cm.stateChanged(StateStarted)
		cm.stateChanged(StateRetrying)

		assert.Equal(t, float64(1), m.GaugeValue(MetricState, MetricLabels{LabelState: "retrying"}))
		assert.Equal(t, float64(0), m.GaugeValue(MetricState, MetricLabels{LabelState: "started"}))
	})

	t.Run("connect attempts by result", func(t *testing.T) {
		m := NewMemoryMetrics()
		cm := newClientMetrics(m)

		cm.connectAttempt(nil)
		cm.connectAttempt(newNetworkError("dial", "refused", nil))
		cm.connectAttempt(newSecurityError("connect", "", nil))

		assert.Equal(t, float64(1), m.CounterValue(MetricConnectAttempts, MetricLabels{LabelResult: "success"}))
		assert.Equal(t, float64(1), m.CounterValue(MetricConnectAttempts, MetricLabels{LabelResult: "network"}))
		assert.Equal(t, float64(1), m.CounterValue(MetricConnectAttempts, MetricLabels{LabelResult: "security"}))
	})

	t.Run("messages and failures", func(t *testing.T) {
		m := NewMemoryMetrics()
		cm := newClientMetrics(m)

		cm.messageSent(QoSAtLeastOnce, 10*time.Millisecond)
		cm.messageReceived(QoSAtMostOnce)
		cm.sendFailed(NewRejectedError("t", ""))
		cm.confirmed()

		assert.Equal(t, float64(1), m.CounterValue(MetricMessagesSent, MetricLabels{LabelQoS: "1"}))
		assert.Equal(t, float64(1), m.CounterValue(MetricMessagesReceived, MetricLabels{LabelQoS: "0"}))
		assert.Equal(t, float64(1), m.CounterValue(MetricSendFailures, MetricLabels{LabelKind: "rejected"}))
		assert.Equal(t, float64(1), m.CounterValue(MetricConfirms, nil))
		assert.Equal(t, uint64(1), m.HistogramCount(MetricSendLatency, nil))
	})

	t.Run("command queue gauge", func(t *testing.T) {
		m := NewMemoryMetrics()
		cm := newClientMetrics(m)

		cm.commandQueued()
		cm.commandQueued()
		cm.commandDone()

		assert.Equal(t, float64(1), m.GaugeValue(MetricCommandQueue, nil))
	})

	t.Run("nil collector falls back to no-op", func(t *testing.T) {
		cm := newClientMetrics(nil)
		cm.subscriptions(3)
		cm.bytesSent(10)
	})
}
