package mqlight

import (
	"strconv"
	"time"
)

// MetricLabels represents key-value pairs for metric labels.
type MetricLabels map[string]string

// Metrics is the collector the client reports to.
type Metrics interface {
	// Counter returns a counter metric.
	Counter(name string, labels MetricLabels) Counter

	// Gauge returns a gauge metric.
	Gauge(name string, labels MetricLabels) Gauge

	// Histogram returns a histogram metric.
	Histogram(name string, labels MetricLabels) Histogram
}

// Counter is a monotonically increasing counter.
type Counter interface {
	Inc()
	Add(delta float64)
	Value() float64
}

// Gauge is a metric that can go up and down.
type Gauge interface {
	Set(value float64)
	Inc()
	Dec()
	Add(delta float64)
	Sub(delta float64)
	Value() float64
}

// Histogram tracks the distribution of values.
type Histogram interface {
	Observe(value float64)

	// ObserveDuration records a duration in seconds.
	ObserveDuration(d time.Duration)

	Count() uint64
	Sum() float64
}

// NoOpMetrics discards everything.
type NoOpMetrics struct{}

func (n *NoOpMetrics) Counter(_ string, _ MetricLabels) Counter     { return noOpMetric{} }
func (n *NoOpMetrics) Gauge(_ string, _ MetricLabels) Gauge         { return noOpMetric{} }
func (n *NoOpMetrics) Histogram(_ string, _ MetricLabels) Histogram { return noOpMetric{} }

type noOpMetric struct{}

func (noOpMetric) Inc()                            {}
func (noOpMetric) Dec()                            {}
func (noOpMetric) Set(_ float64)                   {}
func (noOpMetric) Add(_ float64)                   {}
func (noOpMetric) Sub(_ float64)                   {}
func (noOpMetric) Value() float64                  { return 0 }
func (noOpMetric) Observe(_ float64)               {}
func (noOpMetric) ObserveDuration(_ time.Duration) {}
func (noOpMetric) Count() uint64                   { return 0 }
func (noOpMetric) Sum() float64                    { return 0 }

// Metric names reported by the client.
const (
	// MetricState is 1 for the current client state and 0 for the others, labelled by state.
	MetricState = "mqlight_client_state"

	// MetricConnectAttempts counts connection attempts, labelled by result.
	MetricConnectAttempts = "mqlight_connect_attempts_total"

	// MetricReconnects counts successful connections after the first.
	MetricReconnects = "mqlight_reconnects_total"

	// MetricMessagesSent counts messages handed to the service, labelled by qos.
	MetricMessagesSent = "mqlight_messages_sent_total"

	// MetricSendFailures counts sends that did not complete, labelled by kind.
	MetricSendFailures = "mqlight_send_failures_total"

	// MetricMessagesReceived counts deliveries returned by Receive, labelled by qos.
	MetricMessagesReceived = "mqlight_messages_received_total"

	// MetricConfirms counts confirmed deliveries.
	MetricConfirms = "mqlight_confirms_total"

	// MetricSubscriptions is the number of registered destinations.
	MetricSubscriptions = "mqlight_subscriptions"

	// MetricBytesReceived counts bytes read from the transport.
	MetricBytesReceived = "mqlight_bytes_received_total"

	// MetricBytesSent counts bytes written to the transport.
	MetricBytesSent = "mqlight_bytes_sent_total"

	// MetricSendLatency is the time from Send to its reply.
	MetricSendLatency = "mqlight_send_latency_seconds"

	// MetricCommandQueue is the number of queued or running commands.
	MetricCommandQueue = "mqlight_command_queue"
)

// Metric labels.
const (
	LabelQoS    = "qos"
	LabelState  = "state"
	LabelResult = "result"
	LabelKind   = "kind"
)

// clientMetrics wraps a Metrics with the client's measurements.
type clientMetrics struct {
	metrics Metrics
}

func newClientMetrics(m Metrics) *clientMetrics {
	if m == nil {
		m = &NoOpMetrics{}
	}
	return &clientMetrics{metrics: m}
}

func (c *clientMetrics) stateChanged(state ClientState) {
	for _, s := range []ClientState{StateStopped, StateStarting, StateStarted, StateRetrying, StateStopping} {
		value := 0.0
		if s == state {
			value = 1
		}
		c.metrics.Gauge(MetricState, MetricLabels{LabelState: s.String()}).Set(value)
	}
}

func (c *clientMetrics) connectAttempt(err error) {
	result := "success"
	if err != nil {
		result = errorKindName(err)
	}
	c.metrics.Counter(MetricConnectAttempts, MetricLabels{LabelResult: result}).Inc()
}

func (c *clientMetrics) reconnected() {
	c.metrics.Counter(MetricReconnects, nil).Inc()
}

func (c *clientMetrics) messageSent(qos QoS, d time.Duration) {
	c.metrics.Counter(MetricMessagesSent, qosLabels(qos)).Inc()
	c.metrics.Histogram(MetricSendLatency, nil).ObserveDuration(d)
}

func (c *clientMetrics) sendFailed(err error) {
	c.metrics.Counter(MetricSendFailures, MetricLabels{LabelKind: errorKindName(err)}).Inc()
}

func (c *clientMetrics) messageReceived(qos QoS) {
	c.metrics.Counter(MetricMessagesReceived, qosLabels(qos)).Inc()
}

func (c *clientMetrics) confirmed() {
	c.metrics.Counter(MetricConfirms, nil).Inc()
}

func (c *clientMetrics) subscriptions(n int) {
	c.metrics.Gauge(MetricSubscriptions, nil).Set(float64(n))
}

func (c *clientMetrics) bytesReceived(n int) {
	c.metrics.Counter(MetricBytesReceived, nil).Add(float64(n))
}

func (c *clientMetrics) bytesSent(n int) {
	c.metrics.Counter(MetricBytesSent, nil).Add(float64(n))
}

func (c *clientMetrics) commandQueued() {
	c.metrics.Gauge(MetricCommandQueue, nil).Inc()
}

func (c *clientMetrics) commandDone() {
	c.metrics.Gauge(MetricCommandQueue, nil).Dec()
}

func qosLabels(qos QoS) MetricLabels {
	return MetricLabels{LabelQoS: strconv.Itoa(int(qos))}
}
