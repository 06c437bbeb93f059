package mqlight

import (
	"strings"
	"time"
)

// SendOptions are the resolved options of one Send.
type SendOptions struct {
	QoS QoS
	// TTL is how long the service keeps the message. Zero means no expiry.
	TTL time.Duration
	// Timeout bounds the whole send, including waiting for a connection and,
	// for QoS 1, the acknowledgement. Zero means the caller's context only.
	Timeout time.Duration
}

// SendOption configures a Send.
type SendOption func(*SendOptions)

// SendQoS sets the quality of service. The default is at most once.
func SendQoS(qos QoS) SendOption {
	return func(o *SendOptions) { o.QoS = qos }
}

// SendTTL sets the message time to live.
func SendTTL(ttl time.Duration) SendOption {
	return func(o *SendOptions) { o.TTL = ttl }
}

// SendTimeout bounds the send. A QoS 1 message that times out may still have
// reached the service.
func SendTimeout(d time.Duration) SendOption {
	return func(o *SendOptions) { o.Timeout = d }
}

func newSendOptions(topic string, opts []SendOption) (SendOptions, error) {
	o := SendOptions{QoS: QoSAtMostOnce}
	for _, opt := range opts {
		opt(&o)
	}

	if topic == "" {
		return o, newArgumentError("send", "topic must not be empty")
	}
	if !o.QoS.Valid() {
		return o, newArgumentError("send", "invalid qos %d", o.QoS)
	}
	if o.TTL < 0 {
		return o, newArgumentError("send", "ttl must not be negative")
	}
	if o.Timeout < 0 {
		return o, newArgumentError("send", "timeout must not be negative")
	}
	return o, nil
}

// SubscribeOptions are the resolved options of one Subscribe.
type SubscribeOptions struct {
	Share string
	QoS   QoS
	// TTL is how long the destination outlives the subscription. It is
	// rounded down to whole seconds.
	TTL time.Duration
	// AutoConfirm confirms QoS 1 deliveries as they are received.
	AutoConfirm bool
	// Credit is the most unconfirmed deliveries the destination may hold.
	Credit uint32
	// Timeout bounds waiting for the command to run.
	Timeout time.Duration
}

// SubscribeOption configures a Subscribe.
type SubscribeOption func(*SubscribeOptions)

// SubscribeShare joins the named share instead of a private destination.
func SubscribeShare(share string) SubscribeOption {
	return func(o *SubscribeOptions) { o.Share = share }
}

// SubscribeQoS sets the quality of service of deliveries.
func SubscribeQoS(qos QoS) SubscribeOption {
	return func(o *SubscribeOptions) { o.QoS = qos }
}

// SubscribeTTL keeps the destination for ttl after the subscription ends.
func SubscribeTTL(ttl time.Duration) SubscribeOption {
	return func(o *SubscribeOptions) { o.TTL = ttl }
}

// SubscribeAutoConfirm sets whether QoS 1 deliveries are confirmed on receipt.
func SubscribeAutoConfirm(auto bool) SubscribeOption {
	return func(o *SubscribeOptions) { o.AutoConfirm = auto }
}

// SubscribeCredit sets the credit window of the destination.
func SubscribeCredit(credit uint32) SubscribeOption {
	return func(o *SubscribeOptions) { o.Credit = credit }
}

// SubscribeTimeout bounds the subscribe.
func SubscribeTimeout(d time.Duration) SubscribeOption {
	return func(o *SubscribeOptions) { o.Timeout = d }
}

func newSubscribeOptions(pattern string, opts []SubscribeOption) (SubscribeOptions, error) {
	o := SubscribeOptions{
		QoS:         QoSAtMostOnce,
		AutoConfirm: true,
		Credit:      DefaultCredit,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if err := validatePattern("subscribe", pattern); err != nil {
		return o, err
	}
	if err := validateShare("subscribe", o.Share); err != nil {
		return o, err
	}
	if !o.QoS.Valid() {
		return o, newArgumentError("subscribe", "invalid qos %d", o.QoS)
	}
	if o.TTL < 0 {
		return o, newArgumentError("subscribe", "ttl must not be negative")
	}
	if o.Credit == 0 {
		return o, newArgumentError("subscribe", "credit must be positive")
	}
	if o.Timeout < 0 {
		return o, newArgumentError("subscribe", "timeout must not be negative")
	}
	return o, nil
}

// destination builds the registry record for the subscription.
func (o SubscribeOptions) destination(pattern string) Destination {
	return Destination{
		TopicPattern: pattern,
		Share:        o.Share,
		QoS:          o.QoS,
		TTL:          ttlSeconds(o.TTL),
		AutoConfirm:  o.AutoConfirm,
		Credit:       o.Credit,
	}
}

// ReceiveOptions are the resolved options of one Receive.
type ReceiveOptions struct {
	// Share selects the destination when the pattern is subscribed in more
	// than one share. Without it the single subscription for the pattern is used.
	Share    string
	HasShare bool
	// Timeout is how long to wait for a message. Zero waits for the caller's context.
	Timeout time.Duration
}

// ReceiveOption configures a Receive.
type ReceiveOption func(*ReceiveOptions)

// ReceiveShare selects the subscription in share. An empty share selects the private one.
func ReceiveShare(share string) ReceiveOption {
	return func(o *ReceiveOptions) {
		o.Share = share
		o.HasShare = true
	}
}

// ReceiveTimeout bounds the wait for a message.
func ReceiveTimeout(d time.Duration) ReceiveOption {
	return func(o *ReceiveOptions) { o.Timeout = d }
}

func newReceiveOptions(pattern string, opts []ReceiveOption) (ReceiveOptions, error) {
	var o ReceiveOptions
	for _, opt := range opts {
		opt(&o)
	}

	if err := validatePattern("receive", pattern); err != nil {
		return o, err
	}
	if err := validateShare("receive", o.Share); err != nil {
		return o, err
	}
	if o.Timeout < 0 {
		return o, newArgumentError("receive", "timeout must not be negative")
	}
	return o, nil
}

// UnsubscribeOptions are the resolved options of one Unsubscribe.
type UnsubscribeOptions struct {
	Share string
	// TTL, when set, replaces the destination expiry. Only zero is
	// supported: the destination is discarded with the link.
	TTL    time.Duration
	HasTTL bool
	// Timeout bounds the unsubscribe.
	Timeout time.Duration
}

// UnsubscribeOption configures an Unsubscribe.
type UnsubscribeOption func(*UnsubscribeOptions)

// UnsubscribeShare leaves the named share.
func UnsubscribeShare(share string) UnsubscribeOption {
	return func(o *UnsubscribeOptions) { o.Share = share }
}

// UnsubscribeTTL discards the destination after ttl. Only zero is supported.
func UnsubscribeTTL(ttl time.Duration) UnsubscribeOption {
	return func(o *UnsubscribeOptions) {
		o.TTL = ttl
		o.HasTTL = true
	}
}

// UnsubscribeTimeout bounds the unsubscribe.
func UnsubscribeTimeout(d time.Duration) UnsubscribeOption {
	return func(o *UnsubscribeOptions) { o.Timeout = d }
}

func newUnsubscribeOptions(pattern string, opts []UnsubscribeOption) (UnsubscribeOptions, error) {
	var o UnsubscribeOptions
	for _, opt := range opts {
		opt(&o)
	}

	if err := validatePattern("unsubscribe", pattern); err != nil {
		return o, err
	}
	if err := validateShare("unsubscribe", o.Share); err != nil {
		return o, err
	}
	if o.HasTTL && o.TTL != 0 {
		return o, NewError(ErrUnsupported, "unsubscribe", "only a ttl of 0 is supported", nil)
	}
	if o.Timeout < 0 {
		return o, newArgumentError("unsubscribe", "timeout must not be negative")
	}
	return o, nil
}

func validatePattern(op, pattern string) error {
	if pattern == "" {
		return newArgumentError(op, "topic pattern must not be empty")
	}
	return nil
}

func validateShare(op, share string) error {
	if strings.Contains(share, ":") {
		return newArgumentError(op, "share %q must not contain a colon", share)
	}
	return nil
}
