package mqlight

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"time"

	"golang.org/x/time/rate"
)

// maxClientIDLength is the longest client id a service accepts.
const maxClientIDLength = 48

// clientOptions holds configuration for a Client.
type clientOptions struct {
	clientID string
	user     string
	password string
	services []string

	// Transport
	tlsConfig        *tls.Config
	trustCertificate string
	verifyName       bool
	connectTimeout   time.Duration
	proxy            *ProxyConfig
	proxyFromEnv     bool
	dialer           Dialer

	// Collaborators
	engineFactory EngineFactory
	resolver      Resolver
	saslMechanism string

	logger        Logger
	metrics       Metrics
	stateCallback StateCallback

	// Timing
	backoffTable       []time.Duration
	startTimeout       time.Duration
	reinstateTimeout   time.Duration
	unsubscribeTimeout time.Duration
	stopFlushTimeout   time.Duration
	receiveSlice       time.Duration

	commandQueueSize int
	sendRate         rate.Limit
	sendBurst        int

	// sleep is used by the connection manager for every wait. Tests replace it.
	sleep func(ctx context.Context, s *sleeper, d time.Duration) bool
}

// defaultOptions returns options with sensible defaults.
func defaultOptions() *clientOptions {
	return &clientOptions{
		verifyName:         true,
		connectTimeout:     10 * time.Second,
		logger:             &NoOpLogger{},
		metrics:            &NoOpMetrics{},
		backoffTable:       DefaultBackoffTable,
		startTimeout:       8 * time.Second,
		reinstateTimeout:   10 * time.Second,
		unsubscribeTimeout: 10 * time.Second,
		stopFlushTimeout:   5 * time.Second,
		receiveSlice:       time.Second,
		commandQueueSize:   256,
		sleep: func(ctx context.Context, s *sleeper, d time.Duration) bool {
			return s.sleep(ctx, d)
		},
	}
}

// Option configures a Client.
type Option func(*clientOptions)

// WithClientID sets the client identifier. It must be at most 48 characters
// from A-Z, a-z, 0-9, '%', '/', '.' and '_'. The default is AUTO_ followed by
// seven random hex digits.
func WithClientID(id string) Option {
	return func(o *clientOptions) {
		o.clientID = id
	}
}

// WithCredentials sets the user and password presented to the service.
// Credentials embedded in a service URL must match them.
func WithCredentials(user, password string) Option {
	return func(o *clientOptions) {
		o.user = user
		o.password = password
	}
}

// WithServices adds failover services tried, in order, after the service passed to New.
// Multiple calls append to the existing list.
func WithServices(services ...string) Option {
	return func(o *clientOptions) {
		o.services = append(o.services, services...)
	}
}

// WithTLS sets the TLS configuration for amqps, wss and quic services.
func WithTLS(config *tls.Config) Option {
	return func(o *clientOptions) {
		o.tlsConfig = config
	}
}

// WithTrustCertificate sets a PEM file with the certificates used to verify services.
func WithTrustCertificate(path string) Option {
	return func(o *clientOptions) {
		o.trustCertificate = path
	}
}

// WithVerifyName sets whether the service certificate must match the service host name.
// The certificate chain is verified either way.
func WithVerifyName(verify bool) Option {
	return func(o *clientOptions) {
		o.verifyName = verify
	}
}

// WithConnectTimeout sets the timeout for opening a transport.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		o.connectTimeout = d
	}
}

// WithProxy routes connections through an HTTP CONNECT or SOCKS5 proxy.
func WithProxy(config ProxyConfig) Option {
	return func(o *clientOptions) {
		o.proxy = &config
	}
}

// WithProxyFromEnvironment routes connections through the proxy named by
// HTTP_PROXY, HTTPS_PROXY and NO_PROXY.
func WithProxyFromEnvironment() Option {
	return func(o *clientOptions) {
		o.proxyFromEnv = true
	}
}

// WithDialer replaces the transport dialer. It takes precedence over the TLS
// and proxy options.
func WithDialer(d Dialer) Option {
	return func(o *clientOptions) {
		o.dialer = d
	}
}

// WithEngine sets the factory that creates a protocol engine per connection attempt.
func WithEngine(factory EngineFactory) Option {
	return func(o *clientOptions) {
		o.engineFactory = factory
	}
}

// WithResolver sets the resolver used for http and https lookup URLs.
func WithResolver(r Resolver) Option {
	return func(o *clientOptions) {
		o.resolver = r
	}
}

// WithSASLMechanism selects the SASL mechanism: PLAIN, ANONYMOUS,
// SCRAM-SHA-1, SCRAM-SHA-256 or SCRAM-SHA-512. The default is PLAIN with
// credentials and ANONYMOUS without.
func WithSASLMechanism(name string) Option {
	return func(o *clientOptions) {
		o.saslMechanism = name
	}
}

// WithLogger sets the logger.
func WithLogger(logger Logger) Option {
	return func(o *clientOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m Metrics) Option {
	return func(o *clientOptions) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithStateCallback sets the function called on every state transition.
// Callbacks run on a dedicated goroutine in transition order.
func WithStateCallback(cb StateCallback) Option {
	return func(o *clientOptions) {
		o.stateCallback = cb
	}
}

// WithBackoffTable replaces the reconnect delays. The last entry repeats.
func WithBackoffTable(table ...time.Duration) Option {
	return func(o *clientOptions) {
		o.backoffTable = table
	}
}

// WithStartTimeout bounds the wait for the service to open a connection.
func WithStartTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		o.startTimeout = d
	}
}

// WithReinstateTimeout bounds the wait for each subscription to reactivate after reconnecting.
func WithReinstateTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		o.reinstateTimeout = d
	}
}

// WithUnsubscribeTimeout bounds the wait for a link to close.
func WithUnsubscribeTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		o.unsubscribeTimeout = d
	}
}

// WithStopFlushTimeout bounds how long Stop waits for queued commands.
func WithStopFlushTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		o.stopFlushTimeout = d
	}
}

// WithCommandQueueSize sets how many commands may wait for the processor.
func WithCommandQueueSize(n int) Option {
	return func(o *clientOptions) {
		o.commandQueueSize = n
	}
}

// WithSendRateLimit limits Send to perSecond messages with the given burst.
// Send waits for the limiter within its context.
func WithSendRateLimit(perSecond float64, burst int) Option {
	return func(o *clientOptions) {
		o.sendRate = rate.Limit(perSecond)
		o.sendBurst = burst
	}
}

// applyOptions applies all options to the default options.
func applyOptions(opts ...Option) *clientOptions {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}
	return options
}

// validate checks the options that do not depend on the service list.
func (o *clientOptions) validate() error {
	if err := validateClientID(o.clientID); err != nil {
		return err
	}
	if (o.user == "") != (o.password == "") {
		return newArgumentError("new", "user and password must be supplied together")
	}
	if o.engineFactory == nil {
		return newArgumentError("new", "a protocol engine is required (WithEngine)")
	}
	if !validSASLMechanism(o.saslMechanism) {
		return NewError(ErrUnsupported, "new", "unknown SASL mechanism "+o.saslMechanism, nil)
	}
	for _, d := range o.backoffTable {
		if d <= 0 {
			return newArgumentError("new", "backoff delays must be positive")
		}
	}
	if o.startTimeout <= 0 || o.reinstateTimeout <= 0 || o.unsubscribeTimeout <= 0 {
		return newArgumentError("new", "timeouts must be positive")
	}
	if o.stopFlushTimeout < 0 {
		return newArgumentError("new", "stop flush timeout must not be negative")
	}
	if o.commandQueueSize <= 0 {
		return newArgumentError("new", "command queue size must be positive")
	}
	if o.sendRate < 0 || (o.sendRate > 0 && o.sendBurst <= 0) {
		return newArgumentError("new", "send rate limit needs a positive rate and burst")
	}
	if o.proxy != nil {
		if _, err := NewProxyDialer(o.proxy.URL, o.proxy.Username, o.proxy.Password); err != nil {
			return err
		}
	}
	return nil
}

func validateClientID(id string) error {
	if len(id) > maxClientIDLength {
		return newArgumentError("new", "client id %q is longer than %d characters", id, maxClientIDLength)
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '%', r == '/', r == '.', r == '_':
		default:
			return newArgumentError("new", "client id %q contains invalid character %q", id, r)
		}
	}
	return nil
}

// generateClientID returns AUTO_ followed by seven hex digits.
func generateClientID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return "AUTO_" + hex.EncodeToString(b)[:7]
}
