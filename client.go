package mqlight

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Client is a publish/subscribe client. Its methods are safe for concurrent
// use; protocol work is serialized onto one command queue in call order.
type Client struct {
	opts      *clientOptions
	id        string
	services  []*Service
	lookupURL string
	resolver  Resolver
	logger    Logger
	metrics   *clientMetrics
	limiter   *rate.Limiter

	state     *sharedState
	registry  *subscriptionRegistry
	container *container

	// connected is true while an engine connection is open, including while stopping.
	connected atomic.Bool
	service   atomic.Pointer[Service]

	lifecycle sync.Mutex
	run       atomic.Pointer[runtime]
}

// runtime holds the goroutines of one Start to Stop cycle.
type runtime struct {
	ctx      context.Context
	cancel   context.CancelFunc
	commands chan command
	pending  atomic.Int64
	wake     *sleeper

	workers       sync.WaitGroup
	done          chan struct{}
	stopCallbacks chan struct{}
	callbacksDone chan struct{}
	stopOnce      sync.Once

	// inCallback is set while the state callback runs on this run's callback goroutine.
	inCallback atomic.Bool

	// owned by the connection manager
	pump        *pump
	connections int
}

// New creates a stopped client. service is an amqp, amqps, ws, wss or quic
// URL, or an http or https lookup URL that returns the service list on every
// connection attempt. Call Start to connect.
func New(service string, opts ...Option) (*Client, error) {
	options := applyOptions(opts...)
	if err := options.validate(); err != nil {
		return nil, err
	}
	if options.clientID == "" {
		options.clientID = generateClientID()
	}

	c := &Client{
		opts:      options,
		id:        options.clientID,
		logger:    options.logger,
		metrics:   newClientMetrics(options.metrics),
		state:     newSharedState(),
		registry:  newSubscriptionRegistry(),
		container: &container{},
	}

	if isLookupURL(service) {
		if len(options.services) > 0 {
			return nil, newArgumentError("new", "a lookup URL cannot be combined with other services")
		}
		c.lookupURL = service
		c.resolver = options.resolver
		if c.resolver == nil {
			c.resolver = NewHTTPResolver()
		}
	} else {
		raws := options.services
		if service != "" {
			raws = append([]string{service}, raws...)
		}
		services, err := parseServices(raws, options.user, options.password)
		if err != nil {
			return nil, err
		}
		c.services = services
	}

	if options.sendRate > 0 {
		c.limiter = rate.NewLimiter(options.sendRate, options.sendBurst)
	}

	c.logger = c.logger.WithFields(LogFields{LogFieldClientID: c.id})
	c.metrics.stateChanged(StateStopped)
	return c, nil
}

// ID returns the client id.
func (c *Client) ID() string {
	return c.id
}

// State returns the current state.
func (c *Client) State() ClientState {
	return c.state.current()
}

// Service returns the address of the connected service, or "" when not started.
func (c *Client) Service() string {
	if svc := c.state.currentService(); svc != nil {
		return svc.String()
	}
	return ""
}

// LastError returns the reason of the most recent failed transition, or nil.
func (c *Client) LastError() error {
	return c.state.lastError()
}

// Start connects the client. It returns nil once the client is started or
// retrying; a retrying client keeps reconnecting in the background. It
// returns the reason when the client stops instead, for example after a
// security failure. Start on a client that is not stopped does nothing.
func (c *Client) Start(ctx context.Context) error {
	reentered, ok := c.lockLifecycle()
	if !ok {
		return newStoppedError("start")
	}
	if r := c.run.Load(); r != nil {
		if c.state.current() != StateStopped {
			c.lifecycle.Unlock()
			return nil
		}
		// The previous run stopped itself; reap it first.
		c.shutdown(r, !reentered)
	}

	r := c.newRuntime()
	c.run.Store(r)
	c.state.restart()

	r.workers.Add(2)
	go c.manageConnection(r)
	go c.processCommands(r)
	go c.deliverCallbacks(r)
	go func() {
		r.workers.Wait()
		close(r.done)
	}()
	c.lifecycle.Unlock()

	c.logger.Info("client starting", nil)

	for {
		state, changed := c.state.watch()
		switch state {
		case StateStarted, StateRetrying:
			return nil
		case StateStopped, StateStopping:
			if err := c.state.lastError(); err != nil {
				return err
			}
			return newStoppedError("start")
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return newTimeoutError("start", ctx.Err())
		}
	}
}

func (c *Client) newRuntime() *runtime {
	ctx, cancel := context.WithCancel(context.Background())
	return &runtime{
		ctx:           ctx,
		cancel:        cancel,
		commands:      make(chan command, c.opts.commandQueueSize),
		wake:          newSleeper(),
		done:          make(chan struct{}),
		stopCallbacks: make(chan struct{}),
		callbacksDone: make(chan struct{}),
	}
}

// Stop disconnects the client. Queued commands get until ctx ends, or the
// stop flush timeout, to complete; the rest fail with ErrStopped. Stop
// returns once every goroutine of the client has exited. It is idempotent
// and never fails.
//
// Stop may be called from the state callback. It then returns without
// waiting for the callback goroutine, which exits once the callback returns.
// A client that stopped itself, after a takeover or a security failure, has
// already released its connection; Stop or Start reaps the rest.
func (c *Client) Stop(ctx context.Context) error {
	reentered, ok := c.lockLifecycle()
	if !ok {
		return nil
	}
	defer c.lifecycle.Unlock()

	r := c.run.Load()
	if r == nil {
		return nil
	}

	if c.state.current() != StateStopped {
		c.state.force(StateStopping, nil)
		r.wake.wake()
		c.flush(ctx, r)
	}
	c.shutdown(r, !reentered)
	c.logger.Info("client stopped", nil)
	return nil
}

// flush waits for queued and running commands to finish.
func (c *Client) flush(ctx context.Context, r *runtime) {
	timer := time.NewTimer(c.opts.stopFlushTimeout)
	defer timer.Stop()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for r.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			return
		case <-r.done:
			return
		case <-ticker.C:
		}
	}
}

// lockLifecycle takes the lifecycle lock. From inside the state callback
// the holder may be waiting for that very callback to return, so the lock
// is only tried there; ok is false when it is held.
func (c *Client) lockLifecycle() (reentered, ok bool) {
	if r := c.run.Load(); r != nil && r.inCallback.Load() {
		return true, c.lifecycle.TryLock()
	}
	c.lifecycle.Lock()
	return false, true
}

// shutdown cancels the run, joins its goroutines and leaves the client
// stopped. The callback goroutine is joined only when joinCallbacks is set.
func (c *Client) shutdown(r *runtime, joinCallbacks bool) {
	r.cancel()
	r.wake.wake()
	<-r.done

	c.registry.clear()
	c.metrics.subscriptions(0)
	c.state.force(StateStopped, nil)

	r.endCallbacks()
	if joinCallbacks {
		<-r.callbacksDone
	}
	c.run.Store(nil)
}

// endCallbacks lets the callback loop deliver what is queued and exit.
func (r *runtime) endCallbacks() {
	r.stopOnce.Do(func() { close(r.stopCallbacks) })
}

// deliverCallbacks runs the state callback outside every lock, in transition order.
func (c *Client) deliverCallbacks(r *runtime) {
	defer close(r.callbacksDone)

	for {
		select {
		case <-r.stopCallbacks:
			c.finishCallbacks(r)
			return
		default:
		}

		select {
		case <-c.state.eventSignal:
			c.dispatch(r, c.state.takeEvents())
		case <-r.stopCallbacks:
			c.finishCallbacks(r)
			return
		}
	}
}

// finishCallbacks delivers the events left by the run. After a Start from
// inside the callback the queue belongs to the new run and is left alone.
func (c *Client) finishCallbacks(r *runtime) {
	if cur := c.run.Load(); cur == nil || cur == r {
		c.dispatch(r, c.state.takeEvents())
	}
}

func (c *Client) dispatch(r *runtime, events []stateEvent) {
	for _, ev := range events {
		c.metrics.stateChanged(ev.state)

		fields := LogFields{LogFieldState: ev.state.String()}
		if ev.reason != nil {
			fields[LogFieldError] = ev.reason.Error()
		}
		c.logger.Debug("state changed", fields)

		if c.opts.stateCallback != nil {
			r.inCallback.Store(true)
			c.opts.stateCallback(ev.state, ev.reason)
			r.inCallback.Store(false)
		}
	}
}

// submit enqueues cmd and waits for its reply.
func (c *Client) submit(ctx context.Context, cmd command) (*Delivery, error) {
	r := c.run.Load()
	if r == nil {
		return nil, newStoppedError(cmd.op())
	}
	switch c.state.current() {
	case StateStopping, StateStopped:
		return nil, newStoppedError(cmd.op())
	}

	b := cmd.base()
	b.ctx = ctx
	b.reply = make(chan result, 1)

	r.pending.Add(1)
	c.metrics.commandQueued()
	select {
	case r.commands <- cmd:
	case <-r.ctx.Done():
		r.pending.Add(-1)
		c.metrics.commandDone()
		return nil, newStoppedError(cmd.op())
	case <-ctx.Done():
		r.pending.Add(-1)
		c.metrics.commandDone()
		return nil, newTimeoutError(cmd.op(), ctx.Err())
	}
	r.wake.wake()

	select {
	case res := <-b.reply:
		return res.delivery, res.err
	case <-ctx.Done():
		return nil, newTimeoutError(cmd.op(), ctx.Err())
	case <-r.done:
		select {
		case res := <-b.reply:
			return res.delivery, res.err
		default:
			return nil, newStoppedError(cmd.op())
		}
	}
}

// withTimeout bounds ctx by d when d is positive.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}

// Send publishes data on topic. With QoS 0 it returns once the message is
// handed to the connection. With QoS 1 it returns once the service accepts
// the message; a rejected message returns an error wrapping ErrRejected.
// A QoS 1 send that times out may still have reached the service.
func (c *Client) Send(ctx context.Context, topic string, data []byte, opts ...SendOption) error {
	options, err := newSendOptions(topic, opts)
	if err != nil {
		return err
	}

	ctx, cancel := withTimeout(ctx, options.Timeout)
	defer cancel()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return newTimeoutError("send", err)
		}
	}

	_, err = c.submit(ctx, &sendCommand{topic: topic, data: data, opts: options})
	return err
}

// Subscribe creates a destination for pattern. Subscribing again to the
// same pattern and share returns an error wrapping ErrSubscribed.
func (c *Client) Subscribe(ctx context.Context, pattern string, opts ...SubscribeOption) error {
	options, err := newSubscribeOptions(pattern, opts)
	if err != nil {
		return err
	}

	dest := options.destination(pattern)
	if c.registry.contains(dest.TopicPattern, dest.Share) {
		return subscribedError(dest)
	}

	ctx, cancel := withTimeout(ctx, options.Timeout)
	defer cancel()

	_, err = c.submit(ctx, &subscribeCommand{dest: dest})
	return err
}

// Receive waits for the next message on a subscribed pattern. It returns
// nil and no error when the timeout or ctx ends first.
func (c *Client) Receive(ctx context.Context, pattern string, opts ...ReceiveOption) (*Delivery, error) {
	options, err := newReceiveOptions(pattern, opts)
	if err != nil {
		return nil, err
	}
	if _, err := c.lookupSubscription(pattern, options); err != nil {
		return nil, err
	}

	ctx, cancel := withTimeout(ctx, options.Timeout)
	defer cancel()

	// Each command waits for at most one slice so other commands are not starved.
	for {
		d, err := c.submit(ctx, &receiveCommand{pattern: pattern, opts: options})
		switch {
		case err != nil && errors.Is(err, ErrTimeout) && ctx.Err() != nil:
			return nil, nil
		case err != nil:
			return nil, err
		case d != nil:
			return d, nil
		case ctx.Err() != nil:
			return nil, nil
		}
	}
}

// Unsubscribe removes the destination for pattern. The client stops
// claiming the subscription even when closing the link fails.
func (c *Client) Unsubscribe(ctx context.Context, pattern string, opts ...UnsubscribeOption) error {
	options, err := newUnsubscribeOptions(pattern, opts)
	if err != nil {
		return err
	}
	if !c.registry.contains(pattern, options.Share) {
		return unsubscribedError("unsubscribe", pattern, options.Share)
	}

	ctx, cancel := withTimeout(ctx, options.Timeout)
	defer cancel()

	_, err = c.submit(ctx, &unsubscribeCommand{pattern: pattern, opts: options})
	return err
}
