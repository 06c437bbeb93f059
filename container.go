package mqlight

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// errNoEngine is returned by container calls made between connections.
var errNoEngine = newNetworkError("engine", "not connected", nil)

// container serializes every call into the protocol engine. The connection
// manager, the command processor and both pump loops share one container,
// and no engine call is made outside its lock.
type container struct {
	mu     sync.Mutex
	engine ProtocolEngine

	transportOpen atomic.Bool
}

// attach installs a new engine and returns the previous one.
func (c *container) attach(engine ProtocolEngine) ProtocolEngine {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.engine
	c.engine = engine
	return prev
}

// detach removes the engine, stops it and returns it.
func (c *container) detach() ProtocolEngine {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.engine
	c.engine = nil
	if prev != nil {
		_ = prev.Stop()
	}
	return prev
}

func (c *container) connect(svc *Service) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.engine == nil {
		return errNoEngine
	}
	return c.engine.Connect(svc)
}

// startPollInterval is how often waitStarted asks the engine for progress.
const startPollInterval = 50 * time.Millisecond

// waitStarted polls the engine until it reports the connection open. The lock
// is released between polls so the pump can feed the engine.
func (c *container) waitStarted(ctx context.Context) error {
	ticker := time.NewTicker(startPollInterval)
	defer ticker.Stop()

	for {
		c.mu.Lock()
		if c.engine == nil {
			c.mu.Unlock()
			return errNoEngine
		}
		c.engine.Wake()
		started, err := c.engine.Started()
		c.mu.Unlock()

		if err != nil {
			return ClassifyEngineError("connect", err)
		}
		if started {
			return nil
		}
		if !c.transportOpen.Load() {
			return newNetworkError("connect", "connection closed before it was established", nil)
		}

		select {
		case <-ctx.Done():
			return newNetworkError("connect", "timed out waiting for the service", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *container) pushBytes(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.engine == nil {
		return 0, ErrEndOfStream
	}
	return c.engine.PushBytes(b)
}

func (c *container) popPendingBytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.engine == nil {
		return nil
	}
	return c.engine.PopPendingBytes()
}

func (c *container) wake() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.engine != nil {
		c.engine.Wake()
	}
}

func (c *container) createLink(address string, opts LinkOptions) (Link, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.engine == nil {
		return nil, errNoEngine
	}
	return c.engine.CreateLink(address, opts)
}

func (c *container) linkActive(link Link) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.engine == nil {
		return false, errNoEngine
	}
	return c.engine.LinkActive(link)
}

func (c *container) linkExpiry(link Link) (ExpiryPolicy, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.engine == nil {
		return ExpireWithLink, 0
	}
	return c.engine.LinkExpiry(link)
}

func (c *container) setLinkExpiry(link Link, policy ExpiryPolicy, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.engine == nil {
		return errNoEngine
	}
	return c.engine.SetLinkExpiry(link, policy, timeout)
}

func (c *container) detachLink(link Link) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.engine == nil {
		return errNoEngine
	}
	return c.engine.DetachLink(link)
}

func (c *container) closeLink(link Link) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.engine == nil {
		return errNoEngine
	}
	return c.engine.CloseLink(link)
}

// linkClosed also wakes the engine so close frames get processed while polling.
func (c *container) linkClosed(link Link) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.engine == nil {
		return true
	}
	c.engine.Wake()
	return c.engine.LinkClosed(link)
}

func (c *container) credit(link Link) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.engine == nil {
		return 0
	}
	return c.engine.Credit(link)
}

func (c *container) setFlow(link Link, credit uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.engine == nil {
		return errNoEngine
	}
	return c.engine.SetFlow(link, credit)
}

// hasIncoming wakes the engine and reports whether a message is waiting.
func (c *container) hasIncoming(link Link) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.engine == nil {
		return false
	}
	c.engine.Wake()
	return c.engine.HasIncoming(link)
}

func (c *container) drain(link Link) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.engine == nil {
		return false, errNoEngine
	}
	return c.engine.Drain(link)
}

func (c *container) getMessage(link Link) (*RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.engine == nil {
		return nil, errNoEngine
	}
	return c.engine.GetMessage(link)
}

func (c *container) putMessage(msg *RawMessage, qos QoS) (Tracker, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.engine == nil {
		return 0, errNoEngine
	}
	return c.engine.PutMessage(msg, qos)
}

// trackerStatus wakes the engine before reading the status so that queued
// outbound frames and inbound dispositions are processed.
func (c *container) trackerStatus(tracker Tracker) (TrackerStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.engine == nil {
		return TrackerAborted, false
	}
	c.engine.Wake()
	return c.engine.TrackerStatus(tracker), c.engine.OutboundPending()
}

func (c *container) settle(tracker Tracker) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.engine == nil {
		return errNoEngine
	}
	return c.engine.Settle(tracker)
}

// acceptAndSettle confirms a received delivery.
func (c *container) acceptAndSettle(tracker Tracker) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.engine == nil {
		return errNoEngine
	}
	if err := c.engine.Accept(tracker); err != nil {
		return err
	}
	return c.engine.Settle(tracker)
}

func (c *container) remoteIdleTimeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.engine == nil {
		return 0
	}
	return c.engine.RemoteIdleTimeout()
}

func (c *container) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.engine == nil {
		return nil
	}
	return c.engine.Err()
}
