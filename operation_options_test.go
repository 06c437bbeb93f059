package mqlight

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendOptions(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		o, err := newSendOptions("t", nil)
		require.NoError(t, err)
		assert.Equal(t, QoSAtMostOnce, o.QoS)
		assert.Zero(t, o.TTL)
	})

	t.Run("invalid", func(t *testing.T) {
		for name, opts := range map[string][]SendOption{
			"qos":     {SendQoS(2)},
			"ttl":     {SendTTL(-time.Second)},
			"timeout": {SendTimeout(-time.Second)},
		} {
			_, err := newSendOptions("t", opts)
			assert.ErrorIs(t, err, ErrInvalidArgument, name)
		}
		_, err := newSendOptions("", nil)
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})
}

func TestSubscribeOptions(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		o, err := newSubscribeOptions("p", nil)
		require.NoError(t, err)
		assert.Equal(t, QoSAtMostOnce, o.QoS)
		assert.True(t, o.AutoConfirm)
		assert.Equal(t, uint32(DefaultCredit), o.Credit)
	})

	t.Run("destination", func(t *testing.T) {
		o, err := newSubscribeOptions("p", []SubscribeOption{
			SubscribeShare("s"),
			SubscribeQoS(QoSAtLeastOnce),
			SubscribeTTL(2500 * time.Millisecond),
			SubscribeAutoConfirm(false),
			SubscribeCredit(10),
		})
		require.NoError(t, err)

		d := o.destination("p")
		assert.Equal(t, Destination{
			TopicPattern: "p",
			Share:        "s",
			QoS:          QoSAtLeastOnce,
			TTL:          2 * time.Second,
			AutoConfirm:  false,
			Credit:       10,
		}, d)
	})

	t.Run("invalid", func(t *testing.T) {
		for name, opts := range map[string][]SubscribeOption{
			"share":  {SubscribeShare("a:b")},
			"qos":    {SubscribeQoS(7)},
			"ttl":    {SubscribeTTL(-1)},
			"credit": {SubscribeCredit(0)},
		} {
			_, err := newSubscribeOptions("p", opts)
			assert.ErrorIs(t, err, ErrInvalidArgument, name)
		}
		_, err := newSubscribeOptions("", nil)
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})
}

func TestReceiveOptions(t *testing.T) {
	o, err := newReceiveOptions("p", nil)
	require.NoError(t, err)
	assert.False(t, o.HasShare)

	o, err = newReceiveOptions("p", []ReceiveOption{ReceiveShare(""), ReceiveTimeout(time.Second)})
	require.NoError(t, err)
	assert.True(t, o.HasShare)
	assert.Equal(t, time.Second, o.Timeout)

	_, err = newReceiveOptions("p", []ReceiveOption{ReceiveTimeout(-1)})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestUnsubscribeOptions(t *testing.T) {
	o, err := newUnsubscribeOptions("p", []UnsubscribeOption{UnsubscribeShare("s"), UnsubscribeTTL(0)})
	require.NoError(t, err)
	assert.Equal(t, "s", o.Share)
	assert.True(t, o.HasTTL)

	_, err = newUnsubscribeOptions("p", []UnsubscribeOption{UnsubscribeTTL(time.Minute)})
	assert.ErrorIs(t, err, ErrUnsupported)

	_, err = newUnsubscribeOptions("", nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}
