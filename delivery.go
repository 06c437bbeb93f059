package mqlight

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// Delivery is a message returned by Receive.
type Delivery struct {
	Data         []byte
	Topic        string
	TopicPattern string
	Share        string
	QoS          QoS
	// TTL is the remaining time to live reported by the service, or zero.
	TTL time.Duration
	// Annotations holds vendor-specific delivery metadata, when the service sends any.
	Annotations map[string]any

	client    *Client
	tracker   Tracker
	epoch     uint64
	manual    bool
	confirmed atomic.Bool
}

func newDelivery(c *Client, sub subscription, msg *RawMessage, epoch uint64) *Delivery {
	return &Delivery{
		Data:         msg.Body,
		Topic:        topicFromAddress(msg.Address),
		TopicPattern: sub.dest.TopicPattern,
		Share:        sub.dest.Share,
		QoS:          sub.dest.QoS,
		TTL:          msg.TTL,
		Annotations:  msg.Annotations,
		client:       c,
		tracker:      msg.Tracker,
		epoch:        epoch,
		manual:       sub.dest.QoS == QoSAtLeastOnce && !sub.dest.AutoConfirm,
	}
}

// NeedsConfirm reports whether the delivery waits for Confirm.
func (d *Delivery) NeedsConfirm() bool {
	return d.manual && !d.confirmed.Load()
}

// Confirm tells the service the delivery was processed. It does nothing for
// QoS 0 and auto-confirmed deliveries, or when called again. A delivery
// received before the client reconnected can no longer be confirmed and
// returns ErrStaleDelivery; the service will deliver it again.
func (d *Delivery) Confirm(ctx context.Context) error {
	if !d.manual || d.confirmed.Load() {
		return nil
	}
	if d.epoch != d.client.state.currentEpoch() {
		return NewError(ErrStaleDelivery, "confirm", "the connection the delivery arrived on was replaced", nil)
	}

	if _, err := d.client.submit(ctx, &confirmCommand{delivery: d}); err != nil {
		return err
	}
	d.confirmed.Store(true)
	return nil
}

// String formats the delivery without its payload.
func (d *Delivery) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Delivery{topic=%q pattern=%q", d.Topic, d.TopicPattern)
	if d.Share != "" {
		fmt.Fprintf(&b, " share=%q", d.Share)
	}
	fmt.Fprintf(&b, " qos=%d bytes=%d", d.QoS, len(d.Data))
	if d.TTL > 0 {
		fmt.Fprintf(&b, " ttl=%s", d.TTL)
	}
	b.WriteString("}")
	return b.String()
}
