package mqlight

import (
	"context"
	"errors"
	"time"
)

// activationPollInterval is how often reinstatement checks that a link came back.
const activationPollInterval = 50 * time.Millisecond

// manageConnection is the reconnection loop. It connects while starting, or
// while retrying with subscriptions to restore or a command waiting, and
// watches the connection while started.
func (c *Client) manageConnection(r *runtime) {
	defer r.workers.Done()
	defer c.closeEndpoint(r)

	b := newBackoff(c.opts.backoffTable)
	for r.ctx.Err() == nil {
		delay := b.current()

		switch state := c.state.current(); {
		case state == StateStarting, state == StateRetrying && c.wantConnection():
			if c.connectPass(r) {
				b.reset()
				delay = b.current()
				break
			}
			if r.ctx.Err() != nil || c.state.current() == StateStopped {
				return
			}
			delay = b.fail()
			c.logger.Info("connection attempt failed, retrying", LogFields{LogFieldDelay: delay.String()})
		case state == StateStarted:
			c.checkConnection(r)
			c.checkActivations()
		case state == StateStopped:
			return
		case state == StateRetrying && r.pump != nil:
			c.closeEndpoint(r)
		}

		if !c.opts.sleep(r.ctx, r.wake, delay) {
			return
		}
	}
}

func (c *Client) wantConnection() bool {
	return c.registry.len() > 0 || c.state.commandInFlight()
}

// connectPass tries every candidate service once. Network failures are
// reported as a single Retrying transition carrying the last reason; it is
// reported before Started when a later candidate succeeds.
func (c *Client) connectPass(r *runtime) bool {
	c.state.transition(StateStarting, nil)

	services, err := c.candidates(r.ctx)
	if err != nil {
		if r.ctx.Err() != nil {
			return false
		}
		if errors.Is(err, ErrNetwork) {
			c.state.transition(StateRetrying, err)
			return false
		}
		c.stopWith(r, err)
		return false
	}

	var lastErr error
	for _, svc := range services {
		err := c.connectTo(r, svc)
		c.metrics.connectAttempt(err)
		if r.ctx.Err() != nil {
			return false
		}
		if err == nil {
			if lastErr != nil {
				c.state.transition(StateRetrying, lastErr)
			}
			return c.established(r, svc)
		}

		c.logger.Debug("connecting to service failed", LogFields{
			LogFieldService: svc.String(),
			LogFieldError:   err.Error(),
		})

		switch errorKind(err) {
		case ErrSecurity, ErrReplaced, ErrInvalidArgument, ErrUnsupported:
			c.stopWith(r, err)
			return false
		}
		lastErr = err
	}

	c.state.transition(StateRetrying, lastErr)
	return false
}

// candidates returns the services to try in this pass.
func (c *Client) candidates(ctx context.Context) ([]*Service, error) {
	if c.lookupURL == "" {
		return c.services, nil
	}

	raws, err := c.resolver.Resolve(ctx, c.lookupURL)
	if err != nil {
		if errorKind(err) == nil {
			err = newNetworkError("resolve", "lookup failed", err)
		}
		return nil, err
	}
	return parseServices(raws, c.opts.user, c.opts.password)
}

// connectTo opens a transport and an engine for svc and waits for the
// service to accept the connection.
func (c *Client) connectTo(r *runtime, svc *Service) error {
	c.closeEndpoint(r)

	dialer, err := c.dialerFor(svc)
	if err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(r.ctx, c.opts.connectTimeout)
	transport, err := dialer.Dial(dialCtx, svc)
	cancel()
	if err != nil {
		if errorKind(err) == nil {
			err = newNetworkError("dial", svc.String(), err)
		}
		return err
	}

	mechanism, err := newSASLMechanism(c.opts.saslMechanism, svc)
	if err != nil {
		_ = transport.Close()
		return err
	}
	engine, err := c.opts.engineFactory(EngineConfig{
		ClientID: c.id,
		SASL:     mechanism,
		Logger:   c.logger.WithFields(LogFields{LogFieldService: svc.String()}),
	})
	if err != nil {
		_ = transport.Close()
		return ClassifyEngineError("connect", err)
	}

	c.container.attach(engine)
	c.container.transportOpen.Store(true)
	if err := c.container.connect(svc); err != nil {
		c.container.detach()
		_ = transport.Close()
		return ClassifyEngineError("connect", err)
	}

	r.pump = startPump(r.ctx, transport, c.container, c.logger, c.metrics, func(err error) {
		c.connectionLost(r, err)
	})

	startCtx, cancel := context.WithTimeout(r.ctx, c.opts.startTimeout)
	defer cancel()
	if err := c.container.waitStarted(startCtx); err != nil {
		c.closeEndpoint(r)
		return err
	}
	return nil
}

// dialerFor returns the dialer for svc from the transport options.
func (c *Client) dialerFor(svc *Service) (Dialer, error) {
	if c.opts.dialer != nil {
		return c.opts.dialer, nil
	}

	var forward NetDialer
	switch {
	case c.opts.proxy != nil:
		d, err := NewProxyDialer(c.opts.proxy.URL, c.opts.proxy.Username, c.opts.proxy.Password)
		if err != nil {
			return nil, err
		}
		forward = d
	case c.opts.proxyFromEnv:
		u, err := ProxyFromEnvironment(svc)
		if err != nil {
			return nil, newArgumentError("proxy", "invalid proxy in environment: %v", err)
		}
		if u != nil {
			d, err := NewProxyDialer(u.String(), "", "")
			if err != nil {
				return nil, err
			}
			forward = d
		}
	}

	return NewSchemeDialer(c.opts.tlsConfig, c.opts.trustCertificate, c.opts.verifyName, c.opts.connectTimeout, forward), nil
}

// established finishes a successful connection: a new epoch, the registered
// subscriptions restored, then Started.
func (c *Client) established(r *runtime, svc *Service) bool {
	c.state.reconnected()
	c.service.Store(svc)
	c.connected.Store(true)

	if err := c.reinstate(r, svc); err != nil {
		c.stopWith(r, err)
		return false
	}
	if !c.state.started(svc) {
		return false
	}

	r.connections++
	if r.connections > 1 {
		c.metrics.reconnected()
	}
	c.logger.Info("connected", LogFields{
		LogFieldService: svc.String(),
		LogFieldEpoch:   c.state.currentEpoch(),
	})
	return true
}

// reinstate recreates the link of every registered destination, in
// subscription order, and waits for each to become active. The first
// failure aborts: the client cannot tell the application which
// subscriptions would be missing.
func (c *Client) reinstate(r *runtime, svc *Service) error {
	for _, sub := range c.registry.snapshot() {
		dest := sub.dest
		link, err := c.container.createLink(dest.Address(svc), LinkOptions{
			TTL:    dest.TTL,
			QoS:    dest.QoS,
			Credit: dest.Credit,
		})
		if err != nil {
			return NewError(ErrSubscribed, "reinstate", describeDestination(dest.TopicPattern, dest.Share), ClassifyEngineError("reinstate", err))
		}

		key := dest.key()
		c.registry.relink(key, link)
		if err := c.awaitActive(r, link); err != nil {
			return NewError(ErrSubscribed, "reinstate", describeDestination(dest.TopicPattern, dest.Share), err)
		}
		c.registry.markActive(key)
	}
	return nil
}

func (c *Client) awaitActive(r *runtime, link Link) error {
	ctx, cancel := context.WithTimeout(r.ctx, c.opts.reinstateTimeout)
	defer cancel()

	ticker := time.NewTicker(activationPollInterval)
	defer ticker.Stop()

	for {
		active, err := c.container.linkActive(link)
		if err != nil {
			return ClassifyEngineError("reinstate", err)
		}
		if active {
			return nil
		}
		if !c.container.transportOpen.Load() {
			return newNetworkError("reinstate", "connection closed", nil)
		}

		select {
		case <-ctx.Done():
			return newTimeoutError("reinstate", ctx.Err())
		case <-ticker.C:
		}
	}
}

// checkConnection polls the engine for conditions reported out of sequence,
// such as another client taking over the client id.
func (c *Client) checkConnection(r *runtime) {
	err := c.container.err()
	if err == nil {
		return
	}

	err = ClassifyEngineError("connection", err)
	switch errorKind(err) {
	case ErrReplaced, ErrSecurity:
		c.stopWith(r, err)
	default:
		c.connectionLost(r, err)
		c.closeEndpoint(r)
	}
}

// checkActivations marks links the service has attached since subscribe.
// A link the service refused is dropped from the registry.
func (c *Client) checkActivations() {
	for _, sub := range c.registry.pending() {
		active, err := c.container.linkActive(sub.link)
		if err != nil {
			c.registry.remove(sub.dest.TopicPattern, sub.dest.Share)
			c.metrics.subscriptions(c.registry.len())
			c.logger.Warn("subscription was not activated", LogFields{
				LogFieldTopicPattern: sub.dest.TopicPattern,
				LogFieldShare:        sub.dest.Share,
				LogFieldError:        err.Error(),
			})
			continue
		}
		if active {
			c.registry.markActive(sub.dest.key())
		}
	}
}

// connectionLost moves a started client to Retrying. It may be called from
// the pump and the command processor; the manager closes the endpoint.
func (c *Client) connectionLost(r *runtime, err error) {
	c.connected.Store(false)
	if c.state.transitionFrom(StateStarted, StateRetrying, err) {
		c.logger.Warn("connection lost", LogFields{LogFieldError: err.Error()})
	}
	r.wake.wake()
}

// stopWith ends the run after an unrecoverable error. The connection
// manager and command processor exit, queued commands fail with
// ErrStopped, and the callback loop exits after reporting Stopped.
func (c *Client) stopWith(r *runtime, err error) {
	c.closeEndpoint(r)
	c.registry.clear()
	c.metrics.subscriptions(0)
	c.state.transition(StateStopped, err)
	c.logger.Error("client stopped", LogFields{LogFieldError: err.Error()})

	r.cancel()
	r.endCallbacks()
}

// closeEndpoint stops the engine and the pump of the current connection.
// Only the connection manager calls it while the run is active.
func (c *Client) closeEndpoint(r *runtime) {
	c.connected.Store(false)
	c.service.Store(nil)
	c.container.transportOpen.Store(false)
	c.container.detach()

	if r.pump != nil {
		r.pump.stop()
		r.pump = nil
	}
}
