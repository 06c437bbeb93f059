package mqlight

import (
	"context"
	"crypto/tls"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noEngine(EngineConfig) (ProtocolEngine, error) { return nil, nil }

func TestDefaultOptions(t *testing.T) {
	opts := defaultOptions()

	assert.True(t, opts.verifyName)
	assert.Equal(t, 10*time.Second, opts.connectTimeout)
	assert.Equal(t, 8*time.Second, opts.startTimeout)
	assert.Equal(t, 10*time.Second, opts.reinstateTimeout)
	assert.Equal(t, 10*time.Second, opts.unsubscribeTimeout)
	assert.Equal(t, 5*time.Second, opts.stopFlushTimeout)
	assert.Equal(t, time.Second, opts.receiveSlice)
	assert.Equal(t, 256, opts.commandQueueSize)
	assert.Equal(t, DefaultBackoffTable, opts.backoffTable)
	assert.IsType(t, &NoOpLogger{}, opts.logger)
	assert.IsType(t, &NoOpMetrics{}, opts.metrics)
}

func TestOptions(t *testing.T) {
	t.Run("credentials and services", func(t *testing.T) {
		opts := applyOptions(
			WithCredentials("user", "pass"),
			WithServices("amqp://b"),
			WithServices("amqp://c"),
		)
		assert.Equal(t, "user", opts.user)
		assert.Equal(t, "pass", opts.password)
		assert.Equal(t, []string{"amqp://b", "amqp://c"}, opts.services)
	})

	t.Run("transport", func(t *testing.T) {
		config := &tls.Config{MinVersion: tls.VersionTLS13}
		opts := applyOptions(
			WithTLS(config),
			WithTrustCertificate("/etc/ca.pem"),
			WithVerifyName(false),
			WithConnectTimeout(time.Second),
			WithProxy(ProxyConfig{URL: "socks5://proxy:1080"}),
		)
		assert.Same(t, config, opts.tlsConfig)
		assert.Equal(t, "/etc/ca.pem", opts.trustCertificate)
		assert.False(t, opts.verifyName)
		assert.Equal(t, time.Second, opts.connectTimeout)
		require.NotNil(t, opts.proxy)
		assert.Equal(t, "socks5://proxy:1080", opts.proxy.URL)
	})

	t.Run("nil logger and metrics keep the defaults", func(t *testing.T) {
		opts := applyOptions(WithLogger(nil), WithMetrics(nil))
		assert.NotNil(t, opts.logger)
		assert.NotNil(t, opts.metrics)
	})

	t.Run("send rate", func(t *testing.T) {
		opts := applyOptions(WithSendRateLimit(100, 10))
		assert.InDelta(t, 100, float64(opts.sendRate), 0)
		assert.Equal(t, 10, opts.sendBurst)
	})

	t.Run("resolver", func(t *testing.T) {
		r := ResolverFunc(func(context.Context, string) ([]string, error) { return nil, nil })
		opts := applyOptions(WithResolver(r))
		assert.NotNil(t, opts.resolver)
	})
}

func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
		kind error
	}{
		{"valid", nil, nil},
		{"client id too long", []Option{WithClientID("abcdefghijklmnopqrstuvwxyzabcdefghijklmnopqrstuvw")}, ErrInvalidArgument},
		{"client id character", []Option{WithClientID("a-b")}, ErrInvalidArgument},
		{"client id allowed characters", []Option{WithClientID("a%b/c.d_E9")}, nil},
		{"password without user", []Option{WithCredentials("", "pass")}, ErrInvalidArgument},
		{"sasl mechanism", []Option{WithSASLMechanism("GSSAPI")}, ErrUnsupported},
		{"scram mechanism", []Option{WithSASLMechanism(SCRAMHashSHA256.String())}, nil},
		{"backoff", []Option{WithBackoffTable(time.Second, 0)}, ErrInvalidArgument},
		{"start timeout", []Option{WithStartTimeout(0)}, ErrInvalidArgument},
		{"stop flush timeout", []Option{WithStopFlushTimeout(-time.Second)}, ErrInvalidArgument},
		{"queue size", []Option{WithCommandQueueSize(0)}, ErrInvalidArgument},
		{"rate without burst", []Option{WithSendRateLimit(10, 0)}, ErrInvalidArgument},
		{"proxy scheme", []Option{WithProxy(ProxyConfig{URL: "ftp://proxy"})}, ErrInvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := applyOptions(append([]Option{WithEngine(noEngine)}, tt.opts...)...)
			err := opts.validate()
			if tt.kind == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.kind)
		})
	}

	t.Run("engine is required", func(t *testing.T) {
		assert.ErrorIs(t, applyOptions().validate(), ErrInvalidArgument)
	})
}

func TestGenerateClientID(t *testing.T) {
	id := generateClientID()
	assert.Len(t, id, 12)
	assert.NoError(t, validateClientID(id))
	assert.NotEqual(t, id, generateClientID())
}
