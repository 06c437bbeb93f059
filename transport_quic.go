package mqlight

import (
	"context"
	"crypto/tls"
	"sync"

	"github.com/quic-go/quic-go"
)

// QUICALPN is the application protocol negotiated for quic:// services.
const QUICALPN = "amqp"

// QUICTransport carries a connection over one bidirectional QUIC stream.
type QUICTransport struct {
	conn   *quic.Conn
	stream *quic.Stream
	mu     sync.Mutex
}

// Read reads data from the QUIC stream.
func (t *QUICTransport) Read(b []byte) (int, error) {
	return t.stream.Read(b)
}

// Write writes data to the QUIC stream.
func (t *QUICTransport) Write(b []byte) (int, error) {
	return t.stream.Write(b)
}

// CloseWrite closes the sending direction of the stream.
func (t *QUICTransport) CloseWrite() error {
	return t.stream.Close()
}

// Close closes the QUIC stream and connection.
func (t *QUICTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stream.CancelRead(0)
	_ = t.stream.Close()
	return t.conn.CloseWithError(0, "")
}

// QUICDialer connects to quic:// services.
type QUICDialer struct {
	// TLS supplies the TLS configuration. QUIC always uses TLS 1.3.
	TLS *TLSDialer

	// QUICConfig is the QUIC configuration.
	QUICConfig *quic.Config
}

// Dial connects to the service.
func (d *QUICDialer) Dial(ctx context.Context, svc *Service) (Transport, error) {
	tlsDialer := d.TLS
	if tlsDialer == nil {
		tlsDialer = NewTLSDialer(nil)
	}
	tlsConfig, err := tlsDialer.tlsConfig(svc)
	if err != nil {
		return nil, newSecurityError("dial", svc.String(), err)
	}

	if tlsConfig.MinVersion < tls.VersionTLS13 {
		tlsConfig.MinVersion = tls.VersionTLS13
	}
	if len(tlsConfig.NextProtos) == 0 {
		tlsConfig.NextProtos = []string{QUICALPN}
	}

	conn, err := quic.DialAddr(ctx, svc.HostPort(), tlsConfig, d.QUICConfig)
	if err != nil {
		return nil, classifyTLSError(svc, err)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "failed to open stream")
		return nil, newNetworkError("dial", svc.String(), err)
	}

	return &QUICTransport{
		conn:   conn,
		stream: stream,
	}, nil
}
