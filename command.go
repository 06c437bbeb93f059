package mqlight

import (
	"context"
	"time"
)

const (
	// trackerPollInterval is how often a QoS 1 send checks its outcome.
	trackerPollInterval = 10 * time.Millisecond
	// incomingPollInterval is how often a receive checks its link.
	incomingPollInterval = 10 * time.Millisecond
	// linkClosePollInterval is how often an unsubscribe checks the link state.
	linkClosePollInterval = 10 * time.Millisecond
)

// result is the single reply of a command.
type result struct {
	delivery *Delivery
	err      error
}

// command is an entry of the command queue.
type command interface {
	base() *commandBase
	op() string
}

// commandBase carries the caller's context and the reply channel.
type commandBase struct {
	ctx   context.Context
	reply chan result
}

func (b *commandBase) base() *commandBase { return b }

type sendCommand struct {
	commandBase
	topic string
	data  []byte
	opts  SendOptions
}

func (*sendCommand) op() string { return "send" }

type subscribeCommand struct {
	commandBase
	dest Destination
}

func (*subscribeCommand) op() string { return "subscribe" }

type unsubscribeCommand struct {
	commandBase
	pattern string
	opts    UnsubscribeOptions
}

func (*unsubscribeCommand) op() string { return "unsubscribe" }

type receiveCommand struct {
	commandBase
	pattern string
	opts    ReceiveOptions
}

func (*receiveCommand) op() string { return "receive" }

type confirmCommand struct {
	commandBase
	delivery *Delivery
}

func (*confirmCommand) op() string { return "confirm" }

// processCommands is the only consumer of the command queue. When the run
// ends, queued commands are failed with ErrStopped.
func (c *Client) processCommands(r *runtime) {
	defer r.workers.Done()

	for {
		select {
		case <-r.ctx.Done():
			for {
				select {
				case cmd := <-r.commands:
					c.finish(r, cmd, result{err: newStoppedError(cmd.op())})
				default:
					return
				}
			}
		case cmd := <-r.commands:
			c.finish(r, cmd, c.execute(r, cmd))
		}
	}
}

// finish releases the command before replying, so a caller that got its
// reply never sees the command counted as pending.
func (c *Client) finish(r *runtime, cmd command, res result) {
	r.pending.Add(-1)
	c.metrics.commandDone()
	cmd.base().reply <- res
}

func (c *Client) execute(r *runtime, cmd command) result {
	b := cmd.base()
	if err := b.ctx.Err(); err != nil {
		return result{err: newTimeoutError(cmd.op(), err)}
	}

	// A command in flight makes a retrying client reconnect.
	c.state.beginCommand()
	defer c.state.endCommand()
	r.wake.wake()

	if err := c.awaitReady(r, b.ctx, cmd.op()); err != nil {
		return result{err: err}
	}

	switch cmd := cmd.(type) {
	case *sendCommand:
		return c.doSend(r, cmd)
	case *subscribeCommand:
		return c.doSubscribe(cmd)
	case *unsubscribeCommand:
		return c.doUnsubscribe(r, cmd)
	case *receiveCommand:
		return c.doReceive(r, cmd)
	case *confirmCommand:
		return c.doConfirm(cmd)
	default:
		return result{err: NewError(ErrInternal, cmd.op(), "unknown command", nil)}
	}
}

// awaitReady waits until the client is connected. While stopping, commands
// still run on the open connection so that queued sends are flushed.
func (c *Client) awaitReady(r *runtime, ctx context.Context, op string) error {
	for {
		state, changed := c.state.watch()
		switch state {
		case StateStarted:
			return nil
		case StateStopping:
			if c.connected.Load() {
				return nil
			}
			return newStoppedError(op)
		case StateStopped:
			return newStoppedError(op)
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return newTimeoutError(op, ctx.Err())
		case <-r.ctx.Done():
			return newStoppedError(op)
		}
	}
}

// ready reports whether commands can use the connection right now.
func (c *Client) ready() bool {
	switch c.state.current() {
	case StateStarted:
		return true
	case StateStopping:
		return c.connected.Load()
	default:
		return false
	}
}

func (c *Client) doSend(r *runtime, cmd *sendCommand) result {
	svc := c.service.Load()
	if svc == nil {
		return result{err: newNetworkError("send", "not connected", nil)}
	}

	start := time.Now()
	msg := &RawMessage{
		Address: topicAddress(svc, cmd.topic),
		Body:    cmd.data,
		TTL:     cmd.opts.TTL,
	}
	tracker, err := c.container.putMessage(msg, cmd.opts.QoS)
	if err != nil {
		err = ClassifyEngineError("send", err)
		c.metrics.sendFailed(err)
		return result{err: err}
	}

	if cmd.opts.QoS == QoSAtMostOnce {
		if err := c.container.settle(tracker); err != nil {
			c.logger.Debug("settling message failed", LogFields{LogFieldTopic: cmd.topic, LogFieldError: err.Error()})
		}
		c.metrics.messageSent(cmd.opts.QoS, time.Since(start))
		return result{}
	}

	if err := c.awaitOutcome(r, cmd, tracker); err != nil {
		c.metrics.sendFailed(err)
		return result{err: err}
	}
	c.metrics.messageSent(cmd.opts.QoS, time.Since(start))
	return result{}
}

// awaitOutcome polls the tracker of a QoS 1 message until the service
// settles it. A message still pending when the context ends is a timeout.
func (c *Client) awaitOutcome(r *runtime, cmd *sendCommand, tracker Tracker) error {
	ticker := time.NewTicker(trackerPollInterval)
	defer ticker.Stop()

	for {
		status, outbound := c.container.trackerStatus(tracker)
		switch status {
		case TrackerAccepted, TrackerSettled:
			_ = c.container.settle(tracker)
			return nil
		case TrackerRejected:
			_ = c.container.settle(tracker)
			return NewRejectedError(cmd.topic, "")
		case TrackerReleased, TrackerModified:
			_ = c.container.settle(tracker)
			return NewError(ErrInternal, "send", "indeterminate outcome "+status.String(), nil)
		case TrackerAborted:
			err := newNetworkError("send", "connection lost before the message was acknowledged", nil)
			c.connectionLost(r, err)
			return err
		}

		if !c.ready() {
			return newNetworkError("send", "connection lost before the message was acknowledged", nil)
		}

		select {
		case <-cmd.ctx.Done():
			message := "message not acknowledged, it may have reached the service"
			if outbound {
				message = "message not yet written to the service"
			}
			return NewError(ErrTimeout, "send", message, cmd.ctx.Err())
		case <-r.ctx.Done():
			return newStoppedError("send")
		case <-ticker.C:
		}
	}
}

func (c *Client) doSubscribe(cmd *subscribeCommand) result {
	dest := cmd.dest
	if c.registry.contains(dest.TopicPattern, dest.Share) {
		return result{err: subscribedError(dest)}
	}

	svc := c.service.Load()
	if svc == nil {
		return result{err: newNetworkError("subscribe", "not connected", nil)}
	}

	link, err := c.container.createLink(dest.Address(svc), LinkOptions{
		TTL:    dest.TTL,
		QoS:    dest.QoS,
		Credit: dest.Credit,
	})
	if err != nil {
		return result{err: ClassifyEngineError("subscribe", err)}
	}

	c.registry.add(dest, link)
	c.metrics.subscriptions(c.registry.len())
	c.logger.Info("subscribed", LogFields{
		LogFieldTopicPattern: dest.TopicPattern,
		LogFieldShare:        dest.Share,
		LogFieldQoS:          dest.QoS.String(),
	})
	return result{}
}

func subscribedError(dest Destination) error {
	return NewError(ErrSubscribed, "subscribe", describeDestination(dest.TopicPattern, dest.Share), nil)
}

func unsubscribedError(op, pattern, share string) error {
	return NewError(ErrUnsubscribed, op, describeDestination(pattern, share), nil)
}

func describeDestination(pattern, share string) string {
	if share == "" {
		return "topic pattern " + pattern
	}
	return "topic pattern " + pattern + " in share " + share
}

// doUnsubscribe closes the link and removes the registry entry whatever the
// outcome. A link whose destination outlives it is detached, because the
// service never acknowledges closing such a link.
func (c *Client) doUnsubscribe(r *runtime, cmd *unsubscribeCommand) result {
	pattern, share := cmd.pattern, cmd.opts.Share
	sub, ok := c.registry.get(pattern, share)
	if !ok {
		return result{err: unsubscribedError("unsubscribe", pattern, share)}
	}
	defer func() {
		c.registry.remove(pattern, share)
		c.metrics.subscriptions(c.registry.len())
		c.logger.Info("unsubscribed", LogFields{LogFieldTopicPattern: pattern, LogFieldShare: share})
	}()

	if cmd.opts.HasTTL {
		if err := c.container.setLinkExpiry(sub.link, ExpireWithLink, 0); err != nil {
			return result{err: ClassifyEngineError("unsubscribe", err)}
		}
	}

	policy, timeout := c.container.linkExpiry(sub.link)
	var err error
	if timeout > 0 || policy == ExpireNever {
		err = c.container.detachLink(sub.link)
	} else {
		err = c.container.closeLink(sub.link)
	}
	if err != nil {
		return result{err: ClassifyEngineError("unsubscribe", err)}
	}

	ctx, cancel := context.WithTimeout(cmd.ctx, c.opts.unsubscribeTimeout)
	defer cancel()
	return result{err: c.waitLinkClosed(ctx, r, sub.link)}
}

func (c *Client) waitLinkClosed(ctx context.Context, r *runtime, link Link) error {
	ticker := time.NewTicker(linkClosePollInterval)
	defer ticker.Stop()

	for !c.container.linkClosed(link) {
		select {
		case <-ctx.Done():
			return NewError(ErrTimeout, "unsubscribe", "link did not close", ctx.Err())
		case <-r.ctx.Done():
			return newStoppedError("unsubscribe")
		case <-ticker.C:
		}
	}
	return nil
}

// doReceive runs one slice of a receive: it makes sure the link has credit,
// waits for a message until the slice ends, and drains the link if none came.
// An empty result means the facade should try again.
func (c *Client) doReceive(r *runtime, cmd *receiveCommand) result {
	sub, err := c.lookupSubscription(cmd.pattern, cmd.opts)
	if err != nil {
		return result{err: err}
	}

	manual := sub.dest.QoS == QoSAtLeastOnce && !sub.dest.AutoConfirm
	deadline := time.Now().Add(c.receiveSlice(cmd.ctx))

	if manual && sub.window.Available() == 0 {
		// Every credit is held by an unconfirmed delivery.
		wait, cancel := context.WithDeadline(cmd.ctx, deadline)
		defer cancel()
		if !sleepContext(wait, time.Until(deadline)) && r.ctx.Err() != nil {
			return result{err: newStoppedError("receive")}
		}
		return result{}
	}

	if c.container.credit(sub.link) == 0 {
		if err := c.container.setFlow(sub.link, 1); err != nil {
			return result{err: ClassifyEngineError("receive", err)}
		}
	}

	ticker := time.NewTicker(incomingPollInterval)
	defer ticker.Stop()

	for !c.container.hasIncoming(sub.link) {
		if !c.ready() {
			return result{}
		}
		if !time.Now().Before(deadline) {
			arrived, err := c.container.drain(sub.link)
			if err != nil {
				return result{err: ClassifyEngineError("receive", err)}
			}
			if !arrived {
				return result{}
			}
			break
		}

		select {
		case <-cmd.ctx.Done():
			return result{}
		case <-r.ctx.Done():
			return result{err: newStoppedError("receive")}
		case <-ticker.C:
		}
	}

	msg, err := c.container.getMessage(sub.link)
	if err != nil {
		return result{err: ClassifyEngineError("receive", err)}
	}

	d := newDelivery(c, sub, msg, c.state.currentEpoch())
	if manual {
		sub.window.TryAcquire()
	} else if err := c.container.acceptAndSettle(msg.Tracker); err != nil {
		c.logger.Debug("settling delivery failed", LogFields{LogFieldTopic: d.Topic, LogFieldError: err.Error()})
	}
	c.metrics.messageReceived(sub.dest.QoS)
	return result{delivery: d}
}

// lookupSubscription finds the destination a receive reads from. Without an
// explicit share the pattern must be subscribed exactly once.
func (c *Client) lookupSubscription(pattern string, opts ReceiveOptions) (subscription, error) {
	if opts.HasShare {
		sub, ok := c.registry.get(pattern, opts.Share)
		if !ok {
			return subscription{}, unsubscribedError("receive", pattern, opts.Share)
		}
		return sub, nil
	}

	sub, n := c.registry.find(pattern)
	switch n {
	case 0:
		return subscription{}, unsubscribedError("receive", pattern, "")
	case 1:
		return sub, nil
	default:
		return subscription{}, newArgumentError("receive", "topic pattern %s is subscribed in %d shares, select one with ReceiveShare", pattern, n)
	}
}

// receiveSlice is the longest a single receive command holds the processor.
func (c *Client) receiveSlice(ctx context.Context) time.Duration {
	slice := c.opts.receiveSlice
	if idle := c.container.remoteIdleTimeout(); idle > 0 && idle < slice {
		slice = idle
	}
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < slice {
			slice = remaining
		}
	}
	return slice
}

func (c *Client) doConfirm(cmd *confirmCommand) result {
	d := cmd.delivery
	if d.epoch != c.state.currentEpoch() {
		return result{err: NewError(ErrStaleDelivery, "confirm", "the connection the delivery arrived on was replaced", nil)}
	}

	if err := c.container.acceptAndSettle(d.tracker); err != nil {
		return result{err: ClassifyEngineError("confirm", err)}
	}
	if sub, ok := c.registry.get(d.TopicPattern, d.Share); ok {
		sub.window.Release()
	}
	c.metrics.confirmed()
	return result{}
}
