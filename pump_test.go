package mqlight

import (
	"bytes"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// byteEngine records pushed bytes and hands out queued outbound bytes.
type byteEngine struct {
	*fakeEngine

	mu       sync.Mutex
	received bytes.Buffer
	outbound [][]byte
	refuse   bool
}

func newByteEngine() *byteEngine {
	return &byteEngine{fakeEngine: &fakeEngine{broker: newFakeBroker()}}
}

func (e *byteEngine) PushBytes(b []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.refuse {
		return 0, ErrEndOfStream
	}
	e.received.Write(b)
	return len(b), nil
}

func (e *byteEngine) PopPendingBytes() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.outbound) == 0 {
		return nil
	}
	out := e.outbound[0]
	e.outbound = e.outbound[1:]
	return out
}

func (e *byteEngine) queue(b []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.outbound = append(e.outbound, b)
}

func (e *byteEngine) receivedString() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.received.String()
}

func startTestPump(t *testing.T, engine ProtocolEngine) (net.Conn, *pump, chan error) {
	t.Helper()

	client, server := net.Pipe()
	t.Cleanup(func() { _ = server.Close() })

	c := &container{}
	c.attach(engine)
	c.transportOpen.Store(true)

	lost := make(chan error, 1)
	p := startPump(t.Context(), NewConnTransport(client), c, NewNoOpLogger(), newClientMetrics(nil), func(err error) {
		lost <- err
	})
	return server, p, lost
}

func TestPump(t *testing.T) {
	t.Run("inbound bytes reach the engine", func(t *testing.T) {
		engine := newByteEngine()
		server, p, _ := startTestPump(t, engine)
		defer p.stop()

		_, err := server.Write([]byte("hello "))
		require.NoError(t, err)
		_, err = server.Write([]byte("world"))
		require.NoError(t, err)

		assert.Eventually(t, func() bool {
			return engine.receivedString() == "hello world"
		}, eventually, 5*time.Millisecond)
	})

	t.Run("outbound bytes reach the transport", func(t *testing.T) {
		engine := newByteEngine()
		engine.queue([]byte("frame-1"))
		engine.queue([]byte("frame-2"))

		server, p, _ := startTestPump(t, engine)
		defer p.stop()

		buf := make([]byte, len("frame-1frame-2"))
		_, err := io.ReadFull(server, buf)
		require.NoError(t, err)
		assert.Equal(t, "frame-1frame-2", string(buf))
	})

	t.Run("remote close is reported as a network error", func(t *testing.T) {
		server, p, lost := startTestPump(t, newByteEngine())
		defer p.stop()

		require.NoError(t, server.Close())

		select {
		case err := <-lost:
			assert.ErrorIs(t, err, ErrNetwork)
			assert.ErrorIs(t, err, io.EOF)
		case <-time.After(eventually):
			t.Fatal("transport loss was not reported")
		}
		assert.False(t, p.container.transportOpen.Load())
	})

	t.Run("stop does not report a loss", func(t *testing.T) {
		_, p, lost := startTestPump(t, newByteEngine())
		p.stop()

		select {
		case err := <-lost:
			t.Fatalf("unexpected loss: %v", err)
		case <-time.After(closeGracePeriod + 100*time.Millisecond):
		}
	})

	t.Run("engine at end of stream drops bytes", func(t *testing.T) {
		engine := newByteEngine()
		engine.refuse = true
		server, p, _ := startTestPump(t, engine)
		defer p.stop()

		_, err := server.Write([]byte("ignored"))
		require.NoError(t, err)
		assert.Empty(t, engine.receivedString())
	})
}
