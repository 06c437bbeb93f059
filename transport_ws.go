package mqlight

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// WebSocketSubprotocol is the subprotocol requested for AMQP over WebSocket.
	WebSocketSubprotocol = "amqp"
)

// errTextFrame is returned when the service sends a text frame.
var errTextFrame = errors.New("websocket: unexpected text frame")

// WSTransport carries a connection over WebSocket binary messages.
type WSTransport struct {
	conn    *websocket.Conn
	reader  *wsReader
	writeMu sync.Mutex
}

// wsReader handles reading from WebSocket with message framing.
type wsReader struct {
	conn    *websocket.Conn
	buf     []byte
	readPos int
}

func (r *wsReader) Read(p []byte) (int, error) {
	// If we have buffered data, return it
	if r.readPos < len(r.buf) {
		n := copy(p, r.buf[r.readPos:])
		r.readPos += n
		return n, nil
	}

	messageType, data, err := r.conn.ReadMessage()
	if err != nil {
		return 0, err
	}

	if messageType != websocket.BinaryMessage {
		return 0, errTextFrame
	}

	r.buf = data
	r.readPos = 0

	n := copy(p, r.buf)
	r.readPos = n
	return n, nil
}

func newWSTransport(conn *websocket.Conn) *WSTransport {
	return &WSTransport{
		conn:   conn,
		reader: &wsReader{conn: conn},
	}
}

// Read reads data from the connection.
func (t *WSTransport) Read(b []byte) (int, error) {
	return t.reader.Read(b)
}

// Write writes data to the connection as a binary message.
func (t *WSTransport) Write(b []byte) (int, error) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := t.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// CloseWrite sends a close frame.
func (t *WSTransport) CloseWrite() error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	return t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

// Close closes the connection.
func (t *WSTransport) Close() error {
	return t.conn.Close()
}

// WSDialer connects to ws:// and wss:// services.
type WSDialer struct {
	// TLS supplies the configuration for wss services. Nil means defaults.
	TLS *TLSDialer

	// Forward dials the underlying connection. Nil means a net.Dialer.
	Forward NetDialer

	// Header is the HTTP header to send with the handshake.
	Header http.Header

	// Timeout bounds the handshake. Zero means no timeout.
	Timeout time.Duration
}

// Dial connects to the service.
func (d *WSDialer) Dial(ctx context.Context, svc *Service) (Transport, error) {
	dialer := &websocket.Dialer{
		Subprotocols:     []string{WebSocketSubprotocol},
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		HandshakeTimeout: d.Timeout,
	}

	if d.Forward != nil {
		forward := d.Forward
		dialer.NetDialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return forward.DialContext(ctx, network, addr)
		}
	}

	if svc.Scheme == SchemeWSS {
		tlsDialer := d.TLS
		if tlsDialer == nil {
			tlsDialer = NewTLSDialer(nil)
		}
		config, err := tlsDialer.tlsConfig(svc)
		if err != nil {
			return nil, newSecurityError("dial", svc.String(), err)
		}
		dialer.TLSClientConfig = config
	}

	header := d.Header
	if header == nil {
		header = http.Header{}
	}

	conn, _, err := dialer.DialContext(ctx, svc.Scheme+"://"+svc.HostPort()+"/", header)
	if err != nil {
		if svc.Scheme == SchemeWSS {
			return nil, classifyTLSError(svc, err)
		}
		return nil, newNetworkError("dial", svc.String(), err)
	}

	return newWSTransport(conn), nil
}
