package mqlight

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"
)

// fakeBroker is the service side shared by every fakeEngine a test client
// creates. Queues are keyed by link name ("private:pattern" or
// "share:name:pattern") so they survive reconnects.
type fakeBroker struct {
	mu sync.Mutex

	engines  []*fakeEngine
	links    map[string]int // open link name -> count
	queues   map[string][]*RawMessage
	sent     []*RawMessage
	accepted []Tracker
	tracker  Tracker

	// behaviour knobs
	connectErr   map[string]error // by service host
	sendOutcome  TrackerStatus
	linkErr      error
	holdActivate bool
	holdClose    bool
	created      int
	closes       []string
	detaches     []string
	expiries     []ExpiryPolicy
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		links:       make(map[string]int),
		queues:      make(map[string][]*RawMessage),
		connectErr:  make(map[string]error),
		sendOutcome: TrackerAccepted,
	}
}

func (b *fakeBroker) factory(cfg EngineConfig) (ProtocolEngine, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := &fakeEngine{broker: b, clientID: cfg.ClientID, trackers: make(map[Tracker]TrackerStatus)}
	b.engines = append(b.engines, e)
	return e, nil
}

func (b *fakeBroker) setConnectError(host string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connectErr[host] = err
}

func (b *fakeBroker) setSendOutcome(status TrackerStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sendOutcome = status
}

func (b *fakeBroker) setHoldClose(hold bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.holdClose = hold
}

// fail makes the current engine report err out of sequence.
func (b *fakeBroker) fail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n := len(b.engines); n > 0 {
		b.engines[n-1].err = err
	}
}

// publish queues a message for every open link whose pattern matches topic.
func (b *fakeBroker) publish(topic string, body []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.publishLocked(topic, body)
}

func (b *fakeBroker) publishLocked(topic string, body []byte) int {
	n := 0
	for name, open := range b.links {
		if open == 0 || !TopicMatch(linkPattern(name), topic) {
			continue
		}
		b.tracker++
		b.queues[name] = append(b.queues[name], &RawMessage{
			Address: "amqp://broker/" + topic,
			Body:    body,
			Tracker: b.tracker,
		})
		n++
	}
	return n
}

func (b *fakeBroker) engineCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.engines)
}

func (b *fakeBroker) sentMessages() []*RawMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*RawMessage(nil), b.sent...)
}

func (b *fakeBroker) acceptedTrackers() []Tracker {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Tracker(nil), b.accepted...)
}

func (b *fakeBroker) linksCreated() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.created
}

func (b *fakeBroker) openLinks(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.links[name]
}

func linkPattern(name string) string {
	if strings.HasPrefix(name, sharePrefix) {
		rest := strings.TrimPrefix(name, sharePrefix)
		if i := strings.IndexByte(rest, ':'); i >= 0 {
			return rest[i+1:]
		}
	}
	return strings.TrimPrefix(name, privatePrefix)
}


type fakeLink struct {
	name    string
	address string
	opts    LinkOptions
	policy  ExpiryPolicy
	timeout time.Duration
	active  bool
	closed  bool
	credit  uint32
	inbox   []*RawMessage
}

func (l *fakeLink) Address() string { return l.address }

// fakeEngine implements ProtocolEngine on top of a fakeBroker.
type fakeEngine struct {
	broker   *fakeBroker
	clientID string
	service  *Service
	connErr  error
	err      error
	stopped  bool
	links    []*fakeLink
	trackers map[Tracker]TrackerStatus
}

func (e *fakeEngine) Connect(svc *Service) error {
	e.broker.mu.Lock()
	defer e.broker.mu.Unlock()

	e.service = svc
	e.connErr = e.broker.connectErr[svc.Host]
	return nil
}

func (e *fakeEngine) Started() (bool, error) {
	e.broker.mu.Lock()
	defer e.broker.mu.Unlock()

	if e.connErr != nil {
		return false, e.connErr
	}
	return true, nil
}

func (e *fakeEngine) PushBytes(b []byte) (int, error) { return len(b), nil }
func (e *fakeEngine) PopPendingBytes() []byte         { return nil }
func (e *fakeEngine) Wake()                           {}

func (e *fakeEngine) CreateLink(address string, opts LinkOptions) (Link, error) {
	e.broker.mu.Lock()
	defer e.broker.mu.Unlock()

	if e.broker.linkErr != nil {
		return nil, e.broker.linkErr
	}
	name := topicFromAddress(address)
	link := &fakeLink{
		name:    name,
		address: address,
		opts:    opts,
		active:  !e.broker.holdActivate,
	}
	if opts.TTL > 0 {
		link.policy, link.timeout = ExpireNever, opts.TTL
	}
	e.links = append(e.links, link)
	e.broker.links[name]++
	e.broker.created++
	return link, nil
}

func (e *fakeEngine) LinkActive(l Link) (bool, error) {
	e.broker.mu.Lock()
	defer e.broker.mu.Unlock()
	return l.(*fakeLink).active, nil
}

func (e *fakeEngine) LinkExpiry(l Link) (ExpiryPolicy, time.Duration) {
	e.broker.mu.Lock()
	defer e.broker.mu.Unlock()
	link := l.(*fakeLink)
	return link.policy, link.timeout
}

func (e *fakeEngine) SetLinkExpiry(l Link, policy ExpiryPolicy, timeout time.Duration) error {
	e.broker.mu.Lock()
	defer e.broker.mu.Unlock()
	link := l.(*fakeLink)
	link.policy, link.timeout = policy, timeout
	e.broker.expiries = append(e.broker.expiries, policy)
	return nil
}

func (e *fakeEngine) DetachLink(l Link) error {
	e.broker.mu.Lock()
	defer e.broker.mu.Unlock()
	link := l.(*fakeLink)
	e.broker.detaches = append(e.broker.detaches, link.name)
	e.release(link)
	return nil
}

func (e *fakeEngine) CloseLink(l Link) error {
	e.broker.mu.Lock()
	defer e.broker.mu.Unlock()
	link := l.(*fakeLink)
	e.broker.closes = append(e.broker.closes, link.name)
	if e.broker.holdClose {
		return nil
	}
	e.release(link)
	delete(e.broker.queues, link.name)
	return nil
}

func (e *fakeEngine) release(link *fakeLink) {
	if link.closed {
		return
	}
	link.closed = true
	if e.broker.links[link.name] > 0 {
		e.broker.links[link.name]--
	}
}

func (e *fakeEngine) LinkClosed(l Link) bool {
	e.broker.mu.Lock()
	defer e.broker.mu.Unlock()
	return l.(*fakeLink).closed
}

func (e *fakeEngine) Credit(l Link) uint32 {
	e.broker.mu.Lock()
	defer e.broker.mu.Unlock()
	return l.(*fakeLink).credit
}

func (e *fakeEngine) SetFlow(l Link, credit uint32) error {
	e.broker.mu.Lock()
	defer e.broker.mu.Unlock()
	l.(*fakeLink).credit = credit
	return nil
}

// flow moves queued messages onto the link while it has credit.
func (e *fakeEngine) flow(link *fakeLink) {
	queue := e.broker.queues[link.name]
	for link.credit > 0 && len(queue) > 0 {
		link.inbox = append(link.inbox, queue[0])
		queue = queue[1:]
		link.credit--
	}
	e.broker.queues[link.name] = queue
}

func (e *fakeEngine) HasIncoming(l Link) bool {
	e.broker.mu.Lock()
	defer e.broker.mu.Unlock()
	link := l.(*fakeLink)
	e.flow(link)
	return len(link.inbox) > 0
}

func (e *fakeEngine) Drain(l Link) (bool, error) {
	e.broker.mu.Lock()
	defer e.broker.mu.Unlock()
	link := l.(*fakeLink)
	e.flow(link)
	link.credit = 0
	return len(link.inbox) > 0, nil
}

func (e *fakeEngine) GetMessage(l Link) (*RawMessage, error) {
	e.broker.mu.Lock()
	defer e.broker.mu.Unlock()
	link := l.(*fakeLink)
	if len(link.inbox) == 0 {
		return nil, errors.New("no message")
	}
	msg := link.inbox[0]
	link.inbox = link.inbox[1:]
	return msg, nil
}

func (e *fakeEngine) PutMessage(msg *RawMessage, qos QoS) (Tracker, error) {
	e.broker.mu.Lock()
	defer e.broker.mu.Unlock()

	e.broker.sent = append(e.broker.sent, msg)
	e.broker.tracker++
	tracker := e.broker.tracker

	status := TrackerSettled
	if qos == QoSAtLeastOnce {
		status = e.broker.sendOutcome
	}
	e.trackers[tracker] = status
	if status == TrackerAccepted || status == TrackerSettled {
		e.broker.publishLocked(topicFromAddress(msg.Address), msg.Body)
	}
	return tracker, nil
}

func (e *fakeEngine) TrackerStatus(t Tracker) TrackerStatus {
	e.broker.mu.Lock()
	defer e.broker.mu.Unlock()
	return e.trackers[t]
}

func (e *fakeEngine) OutboundPending() bool { return false }
func (e *fakeEngine) Settle(Tracker) error  { return nil }

func (e *fakeEngine) Accept(t Tracker) error {
	e.broker.mu.Lock()
	defer e.broker.mu.Unlock()
	e.broker.accepted = append(e.broker.accepted, t)
	return nil
}

func (e *fakeEngine) RemoteIdleTimeout() time.Duration { return 0 }

func (e *fakeEngine) Err() error {
	e.broker.mu.Lock()
	defer e.broker.mu.Unlock()
	return e.err
}

func (e *fakeEngine) Stop() error {
	e.broker.mu.Lock()
	defer e.broker.mu.Unlock()
	e.stopped = true
	for _, link := range e.links {
		e.release(link)
	}
	return nil
}

// fakeDialer hands out in-memory pipes and records every dial.
type fakeDialer struct {
	mu    sync.Mutex
	dials []string
	fail  map[string]error // by host
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{fail: make(map[string]error)}
}

func (d *fakeDialer) setFailure(host string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.fail, host)
		return
	}
	d.fail[host] = err
}

func (d *fakeDialer) Dial(ctx context.Context, svc *Service) (Transport, error) {
	d.mu.Lock()
	d.dials = append(d.dials, svc.Host)
	err := d.fail[svc.Host]
	d.mu.Unlock()

	if err != nil {
		return nil, err
	}

	client, server := net.Pipe()
	go func() {
		_, _ = io.Copy(io.Discard, server)
		server.Close()
	}()
	return NewConnTransport(client), nil
}

func (d *fakeDialer) dialed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.dials...)
}

// stateRecorder collects state callbacks.
type stateRecorder struct {
	mu     sync.Mutex
	states []ClientState
	errs   []error
}

func (r *stateRecorder) callback(state ClientState, reason error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
	r.errs = append(r.errs, reason)
}

func (r *stateRecorder) snapshot() []ClientState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ClientState(nil), r.states...)
}

func (r *stateRecorder) count(state ClientState) int {
	n := 0
	for _, s := range r.snapshot() {
		if s == state {
			n++
		}
	}
	return n
}

func (b *fakeBroker) setLinkError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.linkErr = err
}

func (b *fakeBroker) linkCalls() (closes, detaches []string, expiries []ExpiryPolicy) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.closes...), append([]string(nil), b.detaches...), append([]ExpiryPolicy(nil), b.expiries...)
}
