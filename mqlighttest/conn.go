package mqlighttest

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/vitalvas/mqlight"
)

var errRefused = errors.New("connection refused")

// Dialer returns a dialer that connects clients to b over in-memory pipes.
// Dials to a host marked unreachable fail.
func (b *Broker) Dialer() mqlight.Dialer {
	return mqlight.DialerFunc(func(ctx context.Context, svc *mqlight.Service) (mqlight.Transport, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		b.mu.Lock()
		b.dials = append(b.dials, svc.HostPort())
		refused := b.closed || b.unreachable[svc.Host]
		b.mu.Unlock()

		if refused {
			return nil, &net.OpError{Op: "dial", Net: "pipe", Err: errRefused}
		}

		client, server := net.Pipe()
		sc := newServerConn(b, server)

		b.mu.Lock()
		b.conns[sc] = struct{}{}
		b.mu.Unlock()

		go sc.writeLoop()
		go sc.serve()
		return mqlight.NewConnTransport(client), nil
	})
}

// serverConn is the broker end of one client connection.
type serverConn struct {
	broker *Broker
	conn   net.Conn

	mu      sync.Mutex
	pending [][]byte
	signal  chan struct{}

	done      chan struct{}
	closeOnce sync.Once
}

func newServerConn(b *Broker, conn net.Conn) *serverConn {
	return &serverConn{
		broker: b,
		conn:   conn,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// send queues f for the writer. It never blocks, so it may be called with
// the broker lock held.
func (sc *serverConn) send(f frame) {
	sc.mu.Lock()
	sc.pending = append(sc.pending, f.encode())
	sc.mu.Unlock()

	select {
	case sc.signal <- struct{}{}:
	default:
	}
}

func (sc *serverConn) writeLoop() {
	for {
		select {
		case <-sc.done:
			return
		case <-sc.signal:
		}

		sc.mu.Lock()
		out := bytes.Join(sc.pending, nil)
		sc.pending = nil
		sc.mu.Unlock()

		if _, err := sc.conn.Write(out); err != nil {
			sc.close()
			return
		}
	}
}

func (sc *serverConn) close() {
	sc.closeOnce.Do(func() {
		close(sc.done)
		_ = sc.conn.Close()
	})
}

// serve runs the handshake, then holds the session open until the client
// goes away.
func (sc *serverConn) serve() {
	b := sc.broker
	defer func() {
		b.mu.Lock()
		delete(b.conns, sc)
		b.mu.Unlock()
		sc.close()
	}()

	if err := sc.authenticate(); err != nil {
		b.logger.Warn("authentication failed", mqlight.LogFields{mqlight.LogFieldError: err.Error()})
		sc.send(frame{kind: frameOutcome, payload: []byte(err.Error())})
		sc.drain()
		return
	}

	f, err := readFrame(sc.conn)
	if err != nil || f.kind != frameOpen {
		return
	}
	clientID := string(f.payload)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sc.send(frame{kind: frameClose, payload: []byte("amqp:connection:forced: broker closed")})
		sc.drain()
		return
	}
	s := b.openSessionLocked(sc, clientID)
	b.mu.Unlock()

	b.logger.Debug("client connected", mqlight.LogFields{mqlight.LogFieldClientID: clientID})
	sc.send(frame{kind: frameOpened, payload: []byte(strconv.FormatUint(s.id, 10))})

	sc.drain()

	b.mu.Lock()
	b.closeSessionLocked(s, errConnectionClosed)
	b.mu.Unlock()
	b.logger.Debug("client disconnected", mqlight.LogFields{mqlight.LogFieldClientID: clientID})
}

// drain reads and discards input until the connection ends.
func (sc *serverConn) drain() {
	for {
		if _, err := readFrame(sc.conn); err != nil {
			return
		}
	}
}

// authenticate runs the server side of the SASL exchange.
func (sc *serverConn) authenticate() error {
	f, err := readFrame(sc.conn)
	if err != nil {
		return err
	}
	if f.kind != frameSASLInit {
		return fmt.Errorf("expected sasl init, got %q", f.kind)
	}
	mech, initial, ok := bytes.Cut(f.payload, []byte{0})
	if !ok {
		return errors.New("malformed sasl init")
	}

	b := sc.broker
	switch name := string(mech); name {
	case mqlight.SASLAnonymous:
		b.mu.Lock()
		allowed := b.anonymous
		b.mu.Unlock()
		if !allowed {
			return errors.New("anonymous access refused")
		}
	case mqlight.SASLPlain:
		parts := strings.Split(string(initial), "\x00")
		if len(parts) != 3 {
			return errors.New("malformed PLAIN response")
		}
		b.mu.Lock()
		password, known := b.users[parts[1]]
		b.mu.Unlock()
		if !known || password != parts[2] {
			return fmt.Errorf("invalid credentials for %s", parts[1])
		}
	default:
		h, ok := scramHashByName(name)
		if !ok {
			return fmt.Errorf("unsupported mechanism %s", name)
		}
		if err := sc.scram(h, string(initial)); err != nil {
			return err
		}
	}

	sc.send(frame{kind: frameOutcome})
	return nil
}

func scramHashByName(name string) (mqlight.SCRAMHash, bool) {
	for _, h := range []mqlight.SCRAMHash{mqlight.SCRAMHashSHA1, mqlight.SCRAMHashSHA256, mqlight.SCRAMHashSHA512} {
		if h.String() == name {
			return h, true
		}
	}
	return 0, false
}

// scram verifies a SCRAM client: server-first, then the proof, then server-final.
func (sc *serverConn) scram(h mqlight.SCRAMHash, clientFirst string) error {
	clientFirstBare, ok := strings.CutPrefix(clientFirst, "n,,")
	if !ok {
		return errors.New("channel binding is not supported")
	}

	var user, clientNonce string
	for _, attr := range strings.Split(clientFirstBare, ",") {
		switch {
		case strings.HasPrefix(attr, "n="):
			user = strings.NewReplacer("=2C", ",", "=3D", "=").Replace(attr[2:])
		case strings.HasPrefix(attr, "r="):
			clientNonce = attr[2:]
		}
	}

	b := sc.broker
	b.mu.Lock()
	creds := b.scram[user][h]
	b.mu.Unlock()
	if creds == nil || clientNonce == "" {
		return fmt.Errorf("invalid credentials for %s", user)
	}

	serverNonce := make([]byte, 18)
	if _, err := rand.Read(serverNonce); err != nil {
		return err
	}
	serverFirst := "r=" + clientNonce + base64.RawStdEncoding.EncodeToString(serverNonce) +
		",s=" + base64.StdEncoding.EncodeToString(creds.Salt) +
		",i=" + strconv.Itoa(creds.Iterations)
	sc.send(frame{kind: frameChallenge, payload: []byte(serverFirst)})

	f, err := readFrame(sc.conn)
	if err != nil {
		return err
	}
	if f.kind != frameSASLResponse {
		return fmt.Errorf("expected sasl response, got %q", f.kind)
	}

	serverFinal, err := mqlight.VerifySCRAMProof(creds, clientFirstBare, serverFirst, string(f.payload))
	if err != nil {
		return fmt.Errorf("invalid credentials for %s: %w", user, err)
	}
	sc.send(frame{kind: frameChallenge, payload: []byte(serverFinal)})
	return nil
}
