package mqlighttest

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/vitalvas/mqlight"
)

var errNotOpen = errors.New("amqp:connection:not-open: connection is not open")

// Engine is the client side of a connection to a Broker. It implements
// mqlight.ProtocolEngine; use Broker.Engine as the client's engine factory.
type Engine struct {
	broker *Broker
	cfg    mqlight.EngineConfig

	service *mqlight.Service
	in      []byte
	out     [][]byte

	session *session
	started bool
	stopped bool
	connErr error
	err     error
}

// Engine creates an engine for one connection attempt. It has the
// signature of mqlight.EngineFactory.
func (b *Broker) Engine(cfg mqlight.EngineConfig) (mqlight.ProtocolEngine, error) {
	if cfg.SASL == nil {
		return nil, errors.New("mqlighttest: no sasl mechanism")
	}
	if cfg.Logger == nil {
		cfg.Logger = mqlight.NewNoOpLogger()
	}
	return &Engine{broker: b, cfg: cfg}, nil
}

// Connect queues the SASL init frame for svc.
func (e *Engine) Connect(svc *mqlight.Service) error {
	initial, err := e.cfg.SASL.Start()
	if err != nil {
		return fmt.Errorf("sasl %s: %w", e.cfg.SASL.Name(), err)
	}

	e.broker.mu.Lock()
	defer e.broker.mu.Unlock()

	e.service = svc
	payload := append([]byte(e.cfg.SASL.Name()+"\x00"), initial...)
	e.queue(frame{kind: frameSASLInit, payload: payload})
	return nil
}

func (e *Engine) queue(f frame) {
	e.out = append(e.out, f.encode())
}

// Started implements mqlight.ProtocolEngine.
func (e *Engine) Started() (bool, error) {
	e.broker.mu.Lock()
	defer e.broker.mu.Unlock()

	if e.connErr != nil {
		return false, e.connErr
	}
	return e.started, nil
}

// PushBytes decodes the frames in b and reacts to each.
func (e *Engine) PushBytes(b []byte) (int, error) {
	e.broker.mu.Lock()
	defer e.broker.mu.Unlock()

	if e.stopped {
		return 0, mqlight.ErrEndOfStream
	}

	e.in = append(e.in, b...)
	for {
		f, n, err := decodeFrame(e.in)
		if err != nil {
			e.fail(fmt.Errorf("amqp:decode-error: %w", err))
			e.in = nil
			return len(b), nil
		}
		if n == 0 {
			return len(b), nil
		}
		e.in = e.in[n:]
		e.handle(f)
	}
}

// fail records err as the reason the connection attempt or the connection ended.
func (e *Engine) fail(err error) {
	if e.started {
		if e.err == nil {
			e.err = err
		}
		return
	}
	if e.connErr == nil {
		e.connErr = err
	}
}

func (e *Engine) handle(f frame) {
	switch f.kind {
	case frameChallenge:
		resp, err := e.cfg.SASL.Next(f.payload)
		if err != nil {
			e.fail(fmt.Errorf("sasl authentication failed: %w", err))
			return
		}
		if resp != nil {
			e.queue(frame{kind: frameSASLResponse, payload: resp})
		}
	case frameOutcome:
		if len(f.payload) > 0 {
			e.fail(fmt.Errorf("sasl authentication failed: %s", f.payload))
			return
		}
		e.queue(frame{kind: frameOpen, payload: []byte(e.cfg.ClientID)})
	case frameOpened:
		id, err := strconv.ParseUint(string(f.payload), 10, 64)
		s, ok := e.broker.sessionsByID[id]
		if err != nil || !ok {
			e.fail(errConnectionClosed)
			return
		}
		e.session = s
		e.started = true
	case frameClose:
		e.fail(errors.New(string(f.payload)))
		e.cfg.Logger.Debug("connection closed by broker", mqlight.LogFields{mqlight.LogFieldError: string(f.payload)})
	default:
		e.fail(fmt.Errorf("amqp:decode-error: unexpected frame %q", f.kind))
	}
}

// PopPendingBytes implements mqlight.ProtocolEngine.
func (e *Engine) PopPendingBytes() []byte {
	e.broker.mu.Lock()
	defer e.broker.mu.Unlock()

	if len(e.out) == 0 {
		return nil
	}
	out := bytes.Join(e.out, nil)
	e.out = nil
	return out
}

// Wake implements mqlight.ProtocolEngine. The broker has no timers.
func (e *Engine) Wake() {}

// live returns the open session, or the reason there is none.
func (e *Engine) live() (*session, error) {
	if e.session == nil {
		return nil, errNotOpen
	}
	if e.session.closed {
		return nil, e.session.err()
	}
	return e.session, nil
}

func asLink(l mqlight.Link) (*link, error) {
	bl, ok := l.(*link)
	if !ok {
		return nil, fmt.Errorf("mqlighttest: foreign link %T", l)
	}
	return bl, nil
}

// CreateLink implements mqlight.ProtocolEngine.
func (e *Engine) CreateLink(address string, opts mqlight.LinkOptions) (mqlight.Link, error) {
	e.broker.mu.Lock()
	defer e.broker.mu.Unlock()

	s, err := e.live()
	if err != nil {
		return nil, err
	}
	l, err := e.broker.createLinkLocked(s, address, opts)
	if err != nil {
		return nil, err
	}
	return l, nil
}

// LinkActive implements mqlight.ProtocolEngine.
func (e *Engine) LinkActive(ml mqlight.Link) (bool, error) {
	e.broker.mu.Lock()
	defer e.broker.mu.Unlock()

	l, err := asLink(ml)
	if err != nil {
		return false, err
	}
	if _, err := e.live(); err != nil {
		return false, err
	}
	return l.active, nil
}

// LinkExpiry implements mqlight.ProtocolEngine.
func (e *Engine) LinkExpiry(ml mqlight.Link) (mqlight.ExpiryPolicy, time.Duration) {
	e.broker.mu.Lock()
	defer e.broker.mu.Unlock()

	l, err := asLink(ml)
	if err != nil {
		return mqlight.ExpireWithLink, 0
	}
	return l.policy, l.timeout
}

// SetLinkExpiry implements mqlight.ProtocolEngine.
func (e *Engine) SetLinkExpiry(ml mqlight.Link, policy mqlight.ExpiryPolicy, timeout time.Duration) error {
	e.broker.mu.Lock()
	defer e.broker.mu.Unlock()

	l, err := asLink(ml)
	if err != nil {
		return err
	}
	l.policy, l.timeout = policy, timeout
	return nil
}

// DetachLink implements mqlight.ProtocolEngine.
func (e *Engine) DetachLink(ml mqlight.Link) error {
	return e.release(ml, false)
}

// CloseLink implements mqlight.ProtocolEngine.
func (e *Engine) CloseLink(ml mqlight.Link) error {
	return e.release(ml, true)
}

func (e *Engine) release(ml mqlight.Link, closing bool) error {
	e.broker.mu.Lock()
	defer e.broker.mu.Unlock()

	l, err := asLink(ml)
	if err != nil {
		return err
	}
	if _, err := e.live(); err != nil {
		return err
	}
	e.broker.releaseLinkLocked(l, closing)
	return nil
}

// LinkClosed implements mqlight.ProtocolEngine.
func (e *Engine) LinkClosed(ml mqlight.Link) bool {
	e.broker.mu.Lock()
	defer e.broker.mu.Unlock()

	l, err := asLink(ml)
	return err != nil || l.closed
}

// Credit implements mqlight.ProtocolEngine.
func (e *Engine) Credit(ml mqlight.Link) uint32 {
	e.broker.mu.Lock()
	defer e.broker.mu.Unlock()

	if l, err := asLink(ml); err == nil {
		return l.credit
	}
	return 0
}

// SetFlow sets the credit of the link and delivers what it allows.
func (e *Engine) SetFlow(ml mqlight.Link, credit uint32) error {
	e.broker.mu.Lock()
	defer e.broker.mu.Unlock()

	l, err := asLink(ml)
	if err != nil {
		return err
	}
	if _, err := e.live(); err != nil {
		return err
	}
	if l.closed {
		return fmt.Errorf("amqp:link:detach-forced: link %s is closed", l.address)
	}
	l.credit = credit
	e.broker.flowLocked(l.dest)
	return nil
}

// HasIncoming implements mqlight.ProtocolEngine.
func (e *Engine) HasIncoming(ml mqlight.Link) bool {
	e.broker.mu.Lock()
	defer e.broker.mu.Unlock()

	l, err := asLink(ml)
	if err != nil || l.closed {
		return false
	}
	e.broker.flowLocked(l.dest)
	return len(l.inbox) > 0
}

// Drain delivers what the credit allows, then takes the rest of the credit back.
func (e *Engine) Drain(ml mqlight.Link) (bool, error) {
	e.broker.mu.Lock()
	defer e.broker.mu.Unlock()

	l, err := asLink(ml)
	if err != nil {
		return false, err
	}
	if _, err := e.live(); err != nil {
		return false, err
	}
	if !l.closed {
		e.broker.flowLocked(l.dest)
	}
	l.credit = 0
	return len(l.inbox) > 0, nil
}

// GetMessage takes the next message off the link. At-least-once
// deliveries stay unsettled until accepted.
func (e *Engine) GetMessage(ml mqlight.Link) (*mqlight.RawMessage, error) {
	e.broker.mu.Lock()
	defer e.broker.mu.Unlock()

	l, err := asLink(ml)
	if err != nil {
		return nil, err
	}
	s, err := e.live()
	if err != nil {
		return nil, err
	}
	if len(l.inbox) == 0 {
		return nil, fmt.Errorf("amqp:not-found: no message on %s", l.address)
	}

	q := l.inbox[0]
	l.inbox = l.inbox[1:]

	count := q.delivered
	q.delivered++

	tracker := s.tracker()
	if l.qos == mqlight.QoSAtLeastOnce {
		s.unsettled[tracker] = &delivery{msg: q, link: l}
	}

	var ttl time.Duration
	if !q.expires.IsZero() {
		ttl = max(q.expires.Sub(e.broker.now()), time.Millisecond)
	}
	return &mqlight.RawMessage{
		Address: messageAddress(e.service, q.msg.Topic),
		Body:    q.msg.Data,
		TTL:     ttl,
		Tracker: tracker,
		Annotations: map[string]any{
			"x-opt-delivery-count": count,
		},
	}, nil
}

// PutMessage implements mqlight.ProtocolEngine.
func (e *Engine) PutMessage(msg *mqlight.RawMessage, qos mqlight.QoS) (mqlight.Tracker, error) {
	e.broker.mu.Lock()
	defer e.broker.mu.Unlock()

	s, err := e.live()
	if err != nil {
		return 0, err
	}
	return e.broker.sendLocked(s, msg, qos)
}

// TrackerStatus implements mqlight.ProtocolEngine.
func (e *Engine) TrackerStatus(t mqlight.Tracker) mqlight.TrackerStatus {
	e.broker.mu.Lock()
	defer e.broker.mu.Unlock()

	if e.session == nil {
		return mqlight.TrackerUnknown
	}
	return e.session.outcomes[t]
}

// OutboundPending implements mqlight.ProtocolEngine.
func (e *Engine) OutboundPending() bool {
	e.broker.mu.Lock()
	defer e.broker.mu.Unlock()
	return len(e.out) > 0
}

// Settle forgets a delivery or an outbound message.
func (e *Engine) Settle(t mqlight.Tracker) error {
	e.broker.mu.Lock()
	defer e.broker.mu.Unlock()

	s, err := e.live()
	if err != nil {
		return err
	}
	delete(s.unsettled, t)
	delete(s.outcomes, t)
	return nil
}

// Accept implements mqlight.ProtocolEngine.
func (e *Engine) Accept(t mqlight.Tracker) error {
	e.broker.mu.Lock()
	defer e.broker.mu.Unlock()

	s, err := e.live()
	if err != nil {
		return err
	}
	delete(s.unsettled, t)
	return nil
}

// RemoteIdleTimeout implements mqlight.ProtocolEngine.
func (e *Engine) RemoteIdleTimeout() time.Duration { return 0 }

// Err implements mqlight.ProtocolEngine.
func (e *Engine) Err() error {
	e.broker.mu.Lock()
	defer e.broker.mu.Unlock()
	return e.err
}

// Stop closes the session. Unsettled deliveries go back to their destinations.
func (e *Engine) Stop() error {
	e.broker.mu.Lock()
	defer e.broker.mu.Unlock()

	if e.stopped {
		return nil
	}
	e.stopped = true
	if e.session != nil {
		e.broker.closeSessionLocked(e.session, errConnectionClosed)
	}
	return nil
}
