package mqlight

import (
	"errors"
	"time"
)

// QoS is the quality of service of a message or destination.
type QoS byte

const (
	// QoSAtMostOnce delivers a message zero or one times.
	QoSAtMostOnce QoS = 0
	// QoSAtLeastOnce delivers a message one or more times and requires settlement.
	QoSAtLeastOnce QoS = 1
)

// String returns the string representation of the QoS.
func (q QoS) String() string {
	switch q {
	case QoSAtMostOnce:
		return "at-most-once"
	case QoSAtLeastOnce:
		return "at-least-once"
	default:
		return "invalid"
	}
}

// Valid reports whether q is a supported QoS.
func (q QoS) Valid() bool {
	return q == QoSAtMostOnce || q == QoSAtLeastOnce
}

// TrackerStatus is the settlement state of an outbound message.
type TrackerStatus int

const (
	TrackerUnknown TrackerStatus = iota
	TrackerPending
	TrackerAccepted
	TrackerRejected
	TrackerReleased
	TrackerModified
	TrackerAborted
	TrackerSettled
)

// String returns the string representation of the status.
func (s TrackerStatus) String() string {
	switch s {
	case TrackerPending:
		return "pending"
	case TrackerAccepted:
		return "accepted"
	case TrackerRejected:
		return "rejected"
	case TrackerReleased:
		return "released"
	case TrackerModified:
		return "modified"
	case TrackerAborted:
		return "aborted"
	case TrackerSettled:
		return "settled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status will not change any more.
func (s TrackerStatus) Terminal() bool {
	return s != TrackerUnknown && s != TrackerPending
}

// ExpiryPolicy controls when the service discards a destination after its link closes.
type ExpiryPolicy int

const (
	// ExpireWithLink discards the destination as soon as the link closes.
	ExpireWithLink ExpiryPolicy = iota
	// ExpireWithSession discards the destination with the session.
	ExpireWithSession
	// ExpireWithConnection discards the destination with the connection.
	ExpireWithConnection
	// ExpireNever keeps the destination until its timeout elapses.
	ExpireNever
)

// Tracker identifies one outbound message or one unsettled delivery.
type Tracker uint64

// Link is an engine-owned handle to a receiving link.
type Link interface {
	// Address returns the address the link is attached to.
	Address() string
}

// LinkOptions configures a receiving link.
type LinkOptions struct {
	// TTL is how long the destination outlives the link, in whole seconds.
	TTL time.Duration
	// QoS selects the settlement mode of the link.
	QoS QoS
	// Credit is the largest credit window the client will grant.
	Credit uint32
}

// RawMessage is a message as exchanged with the engine.
type RawMessage struct {
	Address string
	Body    []byte
	TTL     time.Duration
	Tracker Tracker
	// Annotations carries vendor-specific delivery metadata, when present.
	Annotations map[string]any
}

// EngineConfig is passed to an EngineFactory for every connection attempt.
type EngineConfig struct {
	ClientID string
	SASL     SASLMechanism
	Logger   Logger
}

// EngineFactory creates a protocol engine for one connection attempt.
type EngineFactory func(cfg EngineConfig) (ProtocolEngine, error)

// ErrEndOfStream is returned by PushBytes once the engine will accept no more input.
var ErrEndOfStream = errors.New("end of stream")

// ProtocolEngine is the wire-level protocol implementation. The client never
// calls it concurrently: every call goes through one lock.
type ProtocolEngine interface {
	// Connect prepares the engine for a new connection to service.
	Connect(service *Service) error

	// Started reports whether the connection is open. A non-nil error means
	// the connection attempt failed; it is classified with ClassifyEngineError.
	Started() (bool, error)

	// PushBytes hands received bytes to the engine and returns how many it consumed.
	PushBytes(b []byte) (int, error)

	// PopPendingBytes returns bytes ready to be written, or nil.
	PopPendingBytes() []byte

	// Wake lets the engine do timer work such as heartbeats.
	Wake()

	// CreateLink attaches a receiving link to address.
	CreateLink(address string, opts LinkOptions) (Link, error)

	// LinkActive reports whether the peer has attached the link.
	LinkActive(link Link) (bool, error)

	// LinkExpiry returns the expiry policy and timeout of the link.
	LinkExpiry(link Link) (ExpiryPolicy, time.Duration)

	// SetLinkExpiry changes the expiry policy and timeout before the link is closed.
	SetLinkExpiry(link Link, policy ExpiryPolicy, timeout time.Duration) error

	// DetachLink detaches the link without closing the destination.
	DetachLink(link Link) error

	// CloseLink closes the link.
	CloseLink(link Link) error

	// LinkClosed reports whether a detach or close has completed.
	LinkClosed(link Link) bool

	// Credit returns the outstanding credit of the link.
	Credit(link Link) uint32

	// SetFlow grants credit on the link.
	SetFlow(link Link, credit uint32) error

	// HasIncoming reports whether a message is waiting on the link.
	HasIncoming(link Link) bool

	// Drain asks the peer to use up or return the outstanding credit and
	// reports whether a message arrived as a result.
	Drain(link Link) (bool, error)

	// GetMessage takes the next message waiting on the link.
	GetMessage(link Link) (*RawMessage, error)

	// PutMessage queues msg for sending and returns its tracker.
	PutMessage(msg *RawMessage, qos QoS) (Tracker, error)

	// TrackerStatus returns the settlement state of an outbound message.
	TrackerStatus(tracker Tracker) TrackerStatus

	// OutboundPending reports whether queued messages are not yet written.
	OutboundPending() bool

	// Settle settles a delivery or an outbound message.
	Settle(tracker Tracker) error

	// Accept accepts a received delivery.
	Accept(tracker Tracker) error

	// RemoteIdleTimeout returns the idle timeout the peer advertised, or 0.
	RemoteIdleTimeout() time.Duration

	// Err returns an error condition the engine observed out of sequence,
	// such as the connection being closed by the peer.
	Err() error

	// Stop closes the connection and releases the engine.
	Stop() error
}
