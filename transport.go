package mqlight

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"time"
)

// Transport carries the bytes of one connection.
type Transport interface {
	// Read reads received bytes. io.EOF means the peer closed the connection.
	Read(p []byte) (int, error)

	// Write writes bytes to the peer.
	Write(p []byte) (int, error)

	// CloseWrite shuts down the sending side.
	CloseWrite() error

	// Close closes the transport and unblocks pending reads.
	Close() error
}

// Dialer opens transports to services.
type Dialer interface {
	// Dial connects to svc.
	Dial(ctx context.Context, svc *Service) (Transport, error)
}

// DialerFunc is a function adapter for Dialer.
type DialerFunc func(ctx context.Context, svc *Service) (Transport, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context, svc *Service) (Transport, error) {
	return f(ctx, svc)
}

// NetDialer is the dialing capability shared by net.Dialer and ProxyDialer.
type NetDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// connTransport adapts a net.Conn to Transport.
type connTransport struct {
	net.Conn
}

// NewConnTransport wraps an established connection.
func NewConnTransport(conn net.Conn) Transport {
	return &connTransport{Conn: conn}
}

// CloseWrite shuts down the sending side when the connection supports it.
func (t *connTransport) CloseWrite() error {
	if cw, ok := t.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

// TCPDialer connects to amqp:// services over TCP.
type TCPDialer struct {
	// Timeout is the maximum time to wait for a connection.
	// Zero means no timeout.
	Timeout time.Duration

	// Forward dials the connection. Nil means a net.Dialer.
	Forward NetDialer
}

// Dial connects to the service.
func (d *TCPDialer) Dial(ctx context.Context, svc *Service) (Transport, error) {
	conn, err := dialNet(ctx, d.Forward, d.Timeout, svc.HostPort())
	if err != nil {
		return nil, newNetworkError("dial", svc.String(), err)
	}
	return NewConnTransport(conn), nil
}

// TLSDialer connects to amqps:// services over TLS.
type TLSDialer struct {
	// Config is the TLS configuration. Nil means defaults.
	Config *tls.Config

	// TrustCertificate is a PEM file with the certificates used to verify the
	// service. Empty means the system pool.
	TrustCertificate string

	// VerifyName checks that the service certificate matches the host name.
	VerifyName bool

	// Timeout is the maximum time to wait for a connection.
	// Zero means no timeout.
	Timeout time.Duration

	// Forward dials the underlying connection. Nil means a net.Dialer.
	Forward NetDialer
}

// NewTLSDialer creates a TLS dialer that verifies the service host name.
func NewTLSDialer(config *tls.Config) *TLSDialer {
	return &TLSDialer{Config: config, VerifyName: true}
}

// Dial connects to the service.
func (d *TLSDialer) Dial(ctx context.Context, svc *Service) (Transport, error) {
	config, err := d.tlsConfig(svc)
	if err != nil {
		return nil, newSecurityError("dial", svc.String(), err)
	}

	raw, err := dialNet(ctx, d.Forward, d.Timeout, svc.HostPort())
	if err != nil {
		return nil, newNetworkError("dial", svc.String(), err)
	}

	conn := tls.Client(raw, config)
	if err := conn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, classifyTLSError(svc, err)
	}
	return NewConnTransport(conn), nil
}

// tlsConfig builds the client configuration for svc.
func (d *TLSDialer) tlsConfig(svc *Service) (*tls.Config, error) {
	var config *tls.Config
	if d.Config != nil {
		config = d.Config.Clone()
	} else {
		config = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	if d.TrustCertificate != "" {
		pool, err := loadCertPool(d.TrustCertificate)
		if err != nil {
			return nil, err
		}
		config.RootCAs = pool
	}

	if config.ServerName == "" {
		config.ServerName = svc.Host
	}

	if !d.VerifyName && !config.InsecureSkipVerify {
		// Verify the chain but not the host name.
		roots := config.RootCAs
		config.InsecureSkipVerify = true
		config.VerifyConnection = func(cs tls.ConnectionState) error {
			if len(cs.PeerCertificates) == 0 {
				return errors.New("service presented no certificate")
			}
			opts := x509.VerifyOptions{
				Roots:         roots,
				Intermediates: x509.NewCertPool(),
			}
			for _, cert := range cs.PeerCertificates[1:] {
				opts.Intermediates.AddCert(cert)
			}
			_, err := cs.PeerCertificates[0].Verify(opts)
			return err
		}
	}

	return config, nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading trust certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return pool, nil
}

// classifyTLSError reports certificate and handshake failures as security
// errors and everything else as network errors.
func classifyTLSError(svc *Service, err error) error {
	var (
		verifyErr    *tls.CertificateVerificationError
		unknownErr   x509.UnknownAuthorityError
		hostErr      x509.HostnameError
		invalidErr   x509.CertificateInvalidError
		alertErr     tls.AlertError
		recordHdrErr tls.RecordHeaderError
	)
	switch {
	case errors.As(err, &verifyErr), errors.As(err, &unknownErr), errors.As(err, &hostErr),
		errors.As(err, &invalidErr), errors.As(err, &alertErr), errors.As(err, &recordHdrErr):
		return newSecurityError("dial", svc.String(), err)
	default:
		return newNetworkError("dial", svc.String(), err)
	}
}

func dialNet(ctx context.Context, forward NetDialer, timeout time.Duration, address string) (net.Conn, error) {
	if forward == nil {
		forward = &net.Dialer{Timeout: timeout}
	} else if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return forward.DialContext(ctx, "tcp", address)
}

// SchemeDialer picks a dialer by service scheme.
type SchemeDialer struct {
	TCP  Dialer
	TLS  Dialer
	WS   Dialer
	QUIC Dialer
}

// NewSchemeDialer creates dialers for every scheme from the client options.
func NewSchemeDialer(tlsConfig *tls.Config, trustCertificate string, verifyName bool, timeout time.Duration, forward NetDialer) *SchemeDialer {
	tlsDialer := &TLSDialer{
		Config:           tlsConfig,
		TrustCertificate: trustCertificate,
		VerifyName:       verifyName,
		Timeout:          timeout,
		Forward:          forward,
	}
	return &SchemeDialer{
		TCP:  &TCPDialer{Timeout: timeout, Forward: forward},
		TLS:  tlsDialer,
		WS:   &WSDialer{TLS: tlsDialer, Forward: forward, Timeout: timeout},
		QUIC: &QUICDialer{TLS: tlsDialer},
	}
}

// Dial implements Dialer.
func (d *SchemeDialer) Dial(ctx context.Context, svc *Service) (Transport, error) {
	var dialer Dialer
	switch svc.Scheme {
	case SchemeAMQP:
		dialer = d.TCP
	case SchemeAMQPS:
		dialer = d.TLS
	case SchemeWS, SchemeWSS:
		dialer = d.WS
	case SchemeQUIC:
		dialer = d.QUIC
	}
	if dialer == nil {
		return nil, NewError(ErrUnsupported, "dial", "no transport for scheme "+svc.Scheme, nil)
	}
	return dialer.Dial(ctx, svc)
}
