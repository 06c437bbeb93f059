// Package mqlight provides a blocking client for MQ Light style
// publish/subscribe messaging services.
//
// The client keeps a self-healing connection to one of a list of services,
// runs every operation that affects the protocol through a single FIFO
// command stream, and restores its subscriptions after each reconnect.
// Application goroutines call blocking methods; the client does the rest in
// background goroutines that Stop joins.
//
// # Features
//
//   - Send with at-most-once or at-least-once delivery and an optional time to live
//   - Private and shared destinations with wildcard topic patterns (+, #)
//   - Receive with credit-based flow control and manual or automatic confirmation
//   - Failover across services, with a lookup URL resolved on every connection pass
//   - Reconnect with a backoff table and subscription reinstatement
//   - Transports: amqp (TCP), amqps (TLS), ws, wss and quic, through an optional proxy
//   - SASL ANONYMOUS, PLAIN and SCRAM-SHA-1/256/512
//   - Pluggable protocol engine, dialer, resolver, logger and metrics
//
// # Client
//
// Create a client with New and connect it with Start:
//
//	client, err := mqlight.New("amqp://localhost",
//	    mqlight.WithClientID("orders_worker"),
//	    mqlight.WithEngine(engineFactory),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := client.Start(ctx); err != nil {
//	    return err
//	}
//	defer client.Stop(ctx)
//
// The wire protocol is supplied by a ProtocolEngine created for every
// connection attempt by the EngineFactory given to WithEngine. Package
// mqlighttest provides an in-memory engine and broker for tests.
//
// Start returns once the client is started, or once it is retrying in the
// background after a network failure. It returns an error when the client
// stops instead, for example after a security failure.
//
// TLS connections verify the service certificate against a trust file:
//
//	client, err := mqlight.New("amqps://mq.example.com",
//	    mqlight.WithTrustCertificate("/etc/mqlight/ca.pem"),
//	    mqlight.WithCredentials("user", "password"),
//	)
//
// Several services are tried in order on every connection pass:
//
//	client, err := mqlight.New("amqp://mq1.example.com",
//	    mqlight.WithServices("amqp://mq2.example.com", "amqp://mq3.example.com"),
//	)
//
// A lookup URL (http or https) returns the list of services as JSON of the
// form {"service": ["amqp://...", ...]}:
//
//	client, err := mqlight.New("https://lookup.example.com/services")
//
// # Sending
//
//	err := client.Send(ctx, "sports/football", []byte("goal"),
//	    mqlight.SendQoS(mqlight.QoSAtLeastOnce),
//	    mqlight.SendTTL(time.Minute),
//	)
//
// An at-least-once send returns once the service accepted the message. A
// message the service refuses returns a *RejectedError.
//
// # Subscribing and receiving
//
// A subscription creates a destination on the service. A private
// destination belongs to the client id; a shared destination, named with
// SubscribeShare, spreads its messages over every client subscribed to it.
//
//	err := client.Subscribe(ctx, "sports/#",
//	    mqlight.SubscribeQoS(mqlight.QoSAtLeastOnce),
//	    mqlight.SubscribeAutoConfirm(false),
//	    mqlight.SubscribeTTL(time.Hour),
//	)
//
//	d, err := client.Receive(ctx, "sports/#", mqlight.ReceiveTimeout(5*time.Second))
//	if err == nil && d != nil {
//	    process(d.Topic, d.Data)
//	    err = d.Confirm(ctx)
//	}
//
// Receive returns nil and no error when nothing arrives in time. A
// destination with a time to live outlives the subscription and keeps
// collecting messages while the client is away.
//
// Deliveries that need confirmation hold a credit each. Once the credit
// window of a destination is full, Receive waits until a delivery is
// confirmed. A delivery received before a reconnect cannot be confirmed
// any more (ErrStaleDelivery); the service delivers it again.
//
// # States
//
// A client is Stopped, Starting, Started, Retrying or Stopping. Every
// transition is reported in order to the callback given to
// WithStateCallback:
//
//	mqlight.WithStateCallback(func(state mqlight.ClientState, reason error) {
//	    log.Printf("client %s: %v", state, reason)
//	})
//
// Another client connecting with the same id replaces this one; the client
// then stops with ErrReplaced.
//
// # Errors
//
// Errors wrap one of the sentinel errors and are checked with errors.Is:
//
//	if errors.Is(err, mqlight.ErrSecurity) {
//	    // bad credentials or an untrusted certificate
//	}
//
// ErrNetwork, ErrSecurity, ErrReplaced, ErrStopped, ErrTimeout,
// ErrSubscribed, ErrUnsubscribed, ErrUnsupported, ErrInvalidArgument,
// ErrInternal, ErrRejected and ErrStaleDelivery cover every failure.
// *Error carries the operation and cause.
//
// # Configuration
//
// LoadConfig reads a YAML file, applies MQLIGHT_* environment variables and
// validates the result; Config.Options converts it into options:
//
//	cfg, err := mqlight.LoadConfig("/etc/mqlight/client.yaml")
//	if err != nil {
//	    return err
//	}
//	client, err := mqlight.New(cfg.Service, cfg.Options()...)
//
// # Logging and metrics
//
// WithLogger accepts any Logger; NewSlogLogger adapts log/slog. WithMetrics
// accepts any Metrics; MemoryMetrics keeps the client counters in memory.
//
// # Topics
//
// Topic patterns use '/' separated levels. '+' matches exactly one level and
// '#' matches any number of trailing levels. TopicMatch matches one pattern
// and TopicMatcher indexes many:
//
//	m := mqlight.NewTopicMatcher[string]()
//	_ = m.Add("sports/#", "all sports")
//	m.Match("sports/football") // ["all sports"]
package mqlight
