package mqlight

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"
)

const (
	// pushRetryDelay is how long the inbound loop waits when the engine takes no bytes.
	pushRetryDelay = 200 * time.Millisecond
	// outboundIdleDelay is how long the outbound loop sleeps when nothing is pending.
	outboundIdleDelay = 10 * time.Millisecond
	// closeGracePeriod lets the engine observe a closed connection before the client reacts.
	closeGracePeriod = 500 * time.Millisecond
)

// pump moves bytes between one transport and the engine. It runs an inbound
// and an outbound goroutine for the lifetime of a connection.
type pump struct {
	transport Transport
	container *container
	logger    Logger
	metrics   *clientMetrics

	// lost is called once, from either loop, when the transport fails while
	// the pump is running.
	lost     func(err error)
	lostOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func startPump(parent context.Context, transport Transport, c *container, logger Logger, metrics *clientMetrics, lost func(error)) *pump {
	ctx, cancel := context.WithCancel(parent)
	p := &pump{
		transport: transport,
		container: c,
		logger:    logger,
		metrics:   metrics,
		lost:      lost,
		ctx:       ctx,
		cancel:    cancel,
	}

	p.wg.Add(2)
	go p.readLoop()
	go p.writeLoop()
	return p
}

// stop shuts the transport down and waits for both loops to exit.
func (p *pump) stop() {
	p.cancel()
	_ = p.transport.CloseWrite()
	_ = p.transport.Close()
	p.wg.Wait()
}

func (p *pump) readLoop() {
	defer p.wg.Done()

	for {
		buf := getChunk()
		n, err := p.transport.Read(*buf)
		if n > 0 {
			p.metrics.bytesReceived(n)
			p.push((*buf)[:n])
		}
		putChunk(buf)

		if err == nil && n > 0 {
			continue
		}

		if err == nil || errors.Is(err, io.EOF) {
			err = io.EOF
		}
		p.closed("connection remotely terminated", err)
		return
	}
}

// push hands data to the engine until it has all been consumed.
func (p *pump) push(data []byte) {
	for len(data) > 0 {
		n, err := p.container.pushBytes(data)
		if err != nil {
			if !errors.Is(err, ErrEndOfStream) {
				p.logger.Debug("engine refused received bytes", LogFields{LogFieldError: err.Error()})
			}
			return
		}
		if n <= 0 {
			if !sleepContext(p.ctx, pushRetryDelay) {
				return
			}
			continue
		}
		data = data[n:]
	}
}

func (p *pump) writeLoop() {
	defer p.wg.Done()

	for p.ctx.Err() == nil {
		pending := p.container.popPendingBytes()
		if len(pending) == 0 {
			p.container.wake()
			if !sleepContext(p.ctx, outboundIdleDelay) {
				return
			}
			continue
		}

		for len(pending) > 0 {
			n, err := p.transport.Write(pending)
			if n > 0 {
				p.metrics.bytesSent(n)
			}
			if err != nil {
				p.closed("connection write failed", err)
				return
			}
			pending = pending[n:]
		}
	}
}

// closed reports a failed transport unless the pump is being stopped.
func (p *pump) closed(message string, err error) {
	p.container.transportOpen.Store(false)
	if p.ctx.Err() != nil {
		return
	}

	if !sleepContext(p.ctx, closeGracePeriod) {
		return
	}

	p.lostOnce.Do(func() {
		p.logger.Debug("transport closed", LogFields{LogFieldError: err.Error()})
		p.lost(newNetworkError("connection", message, err))
	})
}
