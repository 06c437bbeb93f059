// Package mqlighttest provides an in-memory messaging service for tests of
// code built on mqlight.
//
// A Broker routes messages between the clients connected to it. Clients
// reach it through the Dialer, which hands out in-memory pipes, and speak to
// it through the Engine, which implements mqlight.ProtocolEngine. The SASL
// exchange and the connection open travel over the pipe; link and message
// operations are applied to the broker state directly.
//
//	broker := mqlighttest.NewBroker()
//	defer broker.Close()
//
//	client, err := mqlight.New("amqp://localhost", broker.ClientOptions()...)
package mqlighttest

import (
	"crypto/rand"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/vitalvas/mqlight"
)

// scramIterations is the PBKDF2 iteration count of stored SCRAM credentials.
const scramIterations = 4096

// Message is a message published to the broker.
type Message struct {
	Topic string
	Data  []byte
	TTL   time.Duration
	QoS   mqlight.QoS
}

// Broker is an in-memory messaging service. It is safe for concurrent use.
type Broker struct {
	mu sync.Mutex

	anonymous bool
	users     map[string]string
	scram     map[string]map[mqlight.SCRAMHash]*mqlight.SCRAMCredentials
	logger    mqlight.Logger
	now       func() time.Time

	closed      bool
	unreachable map[string]bool
	rejected    map[string]bool
	linkErrors  map[string]string
	dials       []string

	conns        map[*serverConn]struct{}
	sessions     map[string]*session
	sessionSeq   uint64
	sessionsByID map[uint64]*session

	destinations map[string]*destination
	routes       *mqlight.TopicMatcher[*destination]
	published    []Message
}

// Option configures a Broker.
type Option func(*Broker)

// WithUser adds a user that may authenticate with PLAIN or any SCRAM
// mechanism. Anonymous connections are refused once a user is added,
// unless WithAnonymous(true) follows.
func WithUser(user, password string) Option {
	return func(b *Broker) {
		b.anonymous = false
		b.users[user] = password

		salt := make([]byte, 16)
		_, _ = rand.Read(salt)
		creds := make(map[mqlight.SCRAMHash]*mqlight.SCRAMCredentials)
		for _, h := range []mqlight.SCRAMHash{mqlight.SCRAMHashSHA1, mqlight.SCRAMHashSHA256, mqlight.SCRAMHashSHA512} {
			creds[h] = mqlight.ComputeSCRAMCredentials(h, password, salt, scramIterations)
		}
		b.scram[user] = creds
	}
}

// WithAnonymous sets whether ANONYMOUS connections are accepted.
func WithAnonymous(allow bool) Option {
	return func(b *Broker) { b.anonymous = allow }
}

// WithLogger sets the logger for connection events.
func WithLogger(logger mqlight.Logger) Option {
	return func(b *Broker) { b.logger = logger }
}

// WithClock replaces time.Now for destination and message expiry.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

// NewBroker creates a broker that accepts anonymous connections.
func NewBroker(opts ...Option) *Broker {
	b := &Broker{
		anonymous:    true,
		users:        make(map[string]string),
		scram:        make(map[string]map[mqlight.SCRAMHash]*mqlight.SCRAMCredentials),
		logger:       mqlight.NewNoOpLogger(),
		now:          time.Now,
		unreachable:  make(map[string]bool),
		rejected:     make(map[string]bool),
		linkErrors:   make(map[string]string),
		conns:        make(map[*serverConn]struct{}),
		sessions:     make(map[string]*session),
		sessionsByID: make(map[uint64]*session),
		destinations: make(map[string]*destination),
		routes:       mqlight.NewTopicMatcher[*destination](),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ClientOptions returns the options that connect an mqlight client to b.
func (b *Broker) ClientOptions() []mqlight.Option {
	return []mqlight.Option{
		mqlight.WithEngine(b.Engine),
		mqlight.WithDialer(b.Dialer()),
	}
}

// Close disconnects every client and refuses new connections.
func (b *Broker) Close() {
	b.mu.Lock()
	b.closed = true
	conns := make([]*serverConn, 0, len(b.conns))
	for sc := range b.conns {
		conns = append(conns, sc)
	}
	b.mu.Unlock()

	for _, sc := range conns {
		sc.close()
	}
}

// SetUnreachable makes dials to host fail, or succeed again.
func (b *Broker) SetUnreachable(host string, unreachable bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unreachable[host] = unreachable
}

// RejectTopic makes at-least-once sends to topic fail with a rejected outcome.
func (b *Broker) RejectTopic(topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rejected[topic] = true
}

// FailLinks makes links to pattern fail to attach with reason.
// An empty reason clears the failure.
func (b *Broker) FailLinks(pattern, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if reason == "" {
		delete(b.linkErrors, pattern)
		return
	}
	b.linkErrors[pattern] = reason
}

// Dials returns the address of every dial attempt, in order.
func (b *Broker) Dials() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.dials)
}

// Clients returns the ids of the connected clients, sorted.
func (b *Broker) Clients() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	ids := make([]string, 0, len(b.sessions))
	for id := range b.sessions {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Disconnect drops the connection of a client as a network failure would.
// It reports whether the client was connected.
func (b *Broker) Disconnect(clientID string) bool {
	b.mu.Lock()
	s, ok := b.sessions[clientID]
	b.mu.Unlock()

	if !ok {
		return false
	}
	s.conn.close()
	return true
}

// Destinations returns the names of the live destinations, sorted. Private
// destinations are named private:<client id>:<pattern> and shared ones
// share:<share>:<pattern>.
func (b *Broker) Destinations() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.expireLocked()
	names := make([]string, 0, len(b.destinations))
	for name := range b.destinations {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Queued returns how many messages wait in a destination, or -1 when it does not exist.
func (b *Broker) Queued(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.expireLocked()
	d, ok := b.destinations[name]
	if !ok {
		return -1
	}
	return len(d.queue)
}

// Published returns every message sent to the broker, in order.
func (b *Broker) Published() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.published)
}

// Publish sends a message as if another client had sent it, and returns
// how many destinations it was queued on.
func (b *Broker) Publish(topic string, data []byte, ttl time.Duration) (int, error) {
	if err := mqlight.ValidateTopic(topic); err != nil {
		return 0, fmt.Errorf("publish %q: %w", topic, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.publishLocked(Message{Topic: topic, Data: slices.Clone(data), TTL: ttl, QoS: mqlight.QoSAtLeastOnce}), nil
}

func (b *Broker) publishLocked(msg Message) int {
	b.published = append(b.published, msg)
	b.expireLocked()

	now := b.now()
	matched := b.routes.Match(msg.Topic)
	for _, d := range matched {
		q := &queued{msg: msg}
		if msg.TTL > 0 {
			q.expires = now.Add(msg.TTL)
		}
		d.queue = append(d.queue, q)
		b.flowLocked(d)
	}
	return len(matched)
}

// queued is a message waiting in a destination.
type queued struct {
	msg       Message
	expires   time.Time
	delivered int
}

// destination holds the messages for one subscription, private or shared.
type destination struct {
	name    string
	pattern string
	links   []*link
	next    int
	queue   []*queued

	// expires is set while no link is attached and the destination outlives its links.
	expires time.Time
}

// link is the broker side of a receiving link.
type link struct {
	address string
	dest    *destination
	session *session
	qos     mqlight.QoS
	policy  mqlight.ExpiryPolicy
	timeout time.Duration
	credit  uint32
	inbox   []*queued
	active  bool
	closed  bool
}

// Address implements mqlight.Link.
func (l *link) Address() string {
	return l.address
}

// delivery is a message handed to a client and not yet settled.
type delivery struct {
	msg  *queued
	link *link
}

// session is the broker state of one open connection.
type session struct {
	id       uint64
	clientID string
	conn     *serverConn
	links    []*link

	nextTracker mqlight.Tracker
	unsettled   map[mqlight.Tracker]*delivery
	outcomes    map[mqlight.Tracker]mqlight.TrackerStatus

	closed   bool
	closeErr error
}

var errConnectionClosed = errors.New("amqp:connection:forced: connection closed")

func (s *session) err() error {
	if s.closeErr != nil {
		return s.closeErr
	}
	return errConnectionClosed
}

func (s *session) tracker() mqlight.Tracker {
	s.nextTracker++
	return s.nextTracker
}

// openSessionLocked registers a session for clientID. A session already open
// for the same id is taken over: it is told why and then closed.
func (b *Broker) openSessionLocked(sc *serverConn, clientID string) *session {
	if old, ok := b.sessions[clientID]; ok {
		reason := fmt.Errorf("amqp:link:stolen: client id %s connected elsewhere _Takeover", clientID)
		b.closeSessionLocked(old, reason)
		old.conn.send(frame{kind: frameClose, payload: []byte(reason.Error())})
		b.logger.Info("client taken over", mqlight.LogFields{mqlight.LogFieldClientID: clientID})
	}

	b.sessionSeq++
	s := &session{
		id:        b.sessionSeq,
		clientID:  clientID,
		conn:      sc,
		unsettled: make(map[mqlight.Tracker]*delivery),
		outcomes:  make(map[mqlight.Tracker]mqlight.TrackerStatus),
	}
	b.sessions[clientID] = s
	b.sessionsByID[s.id] = s
	return s
}

// closeSessionLocked detaches every link of s and puts its unsettled
// deliveries back on their destinations.
func (b *Broker) closeSessionLocked(s *session, reason error) {
	if s.closed {
		return
	}
	s.closed = true
	s.closeErr = reason

	for _, l := range slices.Clone(s.links) {
		b.releaseLinkLocked(l, false)
	}
	if b.sessions[s.clientID] == s {
		delete(b.sessions, s.clientID)
	}
	delete(b.sessionsByID, s.id)
}

// destinationName returns the broker name of a link address on behalf of clientID.
func destinationName(clientID, address string) (name, pattern string, err error) {
	path := addressPath(address)

	switch {
	case strings.HasPrefix(path, "private:"):
		pattern = strings.TrimPrefix(path, "private:")
		name = "private:" + clientID + ":" + pattern
	case strings.HasPrefix(path, "share:"):
		rest := strings.TrimPrefix(path, "share:")
		share, p, ok := strings.Cut(rest, ":")
		if !ok || share == "" {
			return "", "", fmt.Errorf("amqp:invalid-field: invalid share address %q", address)
		}
		pattern = p
		name = "share:" + share + ":" + pattern
	default:
		return "", "", fmt.Errorf("amqp:invalid-field: address %q is not a destination", address)
	}

	if err := mqlight.ValidateTopicPattern(pattern); err != nil {
		return "", "", fmt.Errorf("amqp:invalid-field: %w %q", err, pattern)
	}
	return name, pattern, nil
}

func (b *Broker) createLinkLocked(s *session, address string, opts mqlight.LinkOptions) (*link, error) {
	if s.closed {
		return nil, s.err()
	}
	name, pattern, err := destinationName(s.clientID, address)
	if err != nil {
		return nil, err
	}
	if reason, ok := b.linkErrors[pattern]; ok {
		return nil, errors.New(reason)
	}

	b.expireLocked()
	d, ok := b.destinations[name]
	if !ok {
		d = &destination{name: name, pattern: pattern}
		b.destinations[name] = d
		_ = b.routes.Add(pattern, d)
	}
	d.expires = time.Time{}

	l := &link{
		address: address,
		dest:    d,
		session: s,
		qos:     opts.QoS,
		policy:  mqlight.ExpireWithLink,
		active:  true,
	}
	if opts.TTL > 0 {
		l.policy, l.timeout = mqlight.ExpireNever, opts.TTL
	}
	d.links = append(d.links, l)
	s.links = append(s.links, l)
	return l, nil
}

// releaseLinkLocked takes l off its destination. Closing a link whose
// destination expires with it deletes the destination; otherwise the
// destination lives on for the link timeout once no link is attached.
func (b *Broker) releaseLinkLocked(l *link, closing bool) {
	if l.closed {
		return
	}
	l.closed = true
	l.active = false

	// Messages held by the link and deliveries not yet settled go back to the front.
	requeue := slices.Clone(l.inbox)
	l.inbox = nil
	for tracker, dl := range l.session.unsettled {
		if dl.link == l {
			requeue = append(requeue, dl.msg)
			delete(l.session.unsettled, tracker)
		}
	}

	d := l.dest
	d.queue = append(requeue, d.queue...)
	d.links = slices.DeleteFunc(d.links, func(other *link) bool { return other == l })
	l.session.links = slices.DeleteFunc(l.session.links, func(other *link) bool { return other == l })

	if len(d.links) > 0 {
		b.flowLocked(d)
		return
	}

	switch {
	case closing && l.policy == mqlight.ExpireWithLink:
		b.deleteDestinationLocked(d)
	case l.timeout > 0:
		d.expires = b.now().Add(l.timeout)
	default:
		b.deleteDestinationLocked(d)
	}
}

func (b *Broker) deleteDestinationLocked(d *destination) {
	delete(b.destinations, d.name)
	b.routes.Remove(d.pattern, d)
}

// expireLocked drops destinations whose timeout elapsed with no link attached.
func (b *Broker) expireLocked() {
	now := b.now()
	for _, d := range b.destinations {
		if len(d.links) == 0 && !d.expires.IsZero() && !now.Before(d.expires) {
			b.deleteDestinationLocked(d)
		}
	}
}

// flowLocked moves queued messages onto attached links with credit, taking
// the links in turn.
func (b *Broker) flowLocked(d *destination) {
	now := b.now()
	for len(d.queue) > 0 {
		q := d.queue[0]
		if !q.expires.IsZero() && !now.Before(q.expires) {
			d.queue = d.queue[1:]
			continue
		}

		l := d.nextLink()
		if l == nil {
			return
		}
		d.queue = d.queue[1:]
		l.inbox = append(l.inbox, q)
		l.credit--
	}
}

// nextLink returns the next attached link with credit, round robin.
func (d *destination) nextLink() *link {
	for i := range d.links {
		l := d.links[(d.next+i)%len(d.links)]
		if l.active && l.credit > 0 {
			d.next = (d.next + i + 1) % len(d.links)
			return l
		}
	}
	return nil
}

// sendLocked publishes a message from a client and returns its tracker.
func (b *Broker) sendLocked(s *session, msg *mqlight.RawMessage, qos mqlight.QoS) (mqlight.Tracker, error) {
	if s.closed {
		return 0, s.err()
	}

	topic := addressPath(msg.Address)
	tracker := s.tracker()

	switch {
	case qos == mqlight.QoSAtLeastOnce && b.rejected[topic]:
		s.outcomes[tracker] = mqlight.TrackerRejected
		return tracker, nil
	case qos == mqlight.QoSAtLeastOnce:
		s.outcomes[tracker] = mqlight.TrackerAccepted
	default:
		s.outcomes[tracker] = mqlight.TrackerSettled
	}

	b.publishLocked(Message{Topic: topic, Data: slices.Clone(msg.Body), TTL: msg.TTL, QoS: qos})
	return tracker, nil
}

// addressPath returns what follows scheme://host:port/ in an address.
// Topics are not escaped on the way in, so '#' and '?' stay part of the path.
func addressPath(address string) string {
	_, rest, ok := strings.Cut(address, "://")
	if !ok {
		return address
	}
	_, path, _ := strings.Cut(rest, "/")
	return path
}

// messageAddress builds the address a delivery reports its topic with.
func messageAddress(svc *mqlight.Service, topic string) string {
	return svc.Address() + "/" + (&url.URL{Path: topic}).EscapedPath()
}
