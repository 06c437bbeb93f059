package mqlight

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wsEchoHandler echoes binary messages and answers "text" with a text frame.
func wsEchoHandler(t testing.TB, subprotocols chan<- string) http.Handler {
	upgrader := websocket.Upgrader{Subprotocols: []string{WebSocketSubprotocol}}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if subprotocols != nil {
			subprotocols <- conn.Subprotocol()
		}

		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if string(data) == "text" {
				mt = websocket.TextMessage
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	})
}

func wsService(t testing.TB, scheme, rawURL string) *Service {
	t.Helper()

	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return &Service{Scheme: scheme, Host: u.Hostname(), Port: port}
}

func TestWSDialer(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		subprotocols := make(chan string, 1)
		srv := httptest.NewServer(wsEchoHandler(t, subprotocols))
		defer srv.Close()

		tr, err := (&WSDialer{Timeout: 5 * time.Second}).Dial(context.Background(), wsService(t, SchemeWS, srv.URL))
		require.NoError(t, err)
		defer tr.Close()

		assert.Equal(t, WebSocketSubprotocol, <-subprotocols)
		requireEcho(t, tr)
		assert.NoError(t, tr.CloseWrite())
	})

	t.Run("reads span messages", func(t *testing.T) {
		srv := httptest.NewServer(wsEchoHandler(t, nil))
		defer srv.Close()

		tr, err := (&WSDialer{}).Dial(context.Background(), wsService(t, SchemeWS, srv.URL))
		require.NoError(t, err)
		defer tr.Close()

		_, err = tr.Write([]byte("abcdef"))
		require.NoError(t, err)

		buf := make([]byte, 4)
		n, err := tr.Read(buf)
		require.NoError(t, err)
		assert.Equal(t, "abcd", string(buf[:n]))

		n, err = tr.Read(buf)
		require.NoError(t, err)
		assert.Equal(t, "ef", string(buf[:n]))
	})

	t.Run("text frames are rejected", func(t *testing.T) {
		srv := httptest.NewServer(wsEchoHandler(t, nil))
		defer srv.Close()

		tr, err := (&WSDialer{}).Dial(context.Background(), wsService(t, SchemeWS, srv.URL))
		require.NoError(t, err)
		defer tr.Close()

		_, err = tr.Write([]byte("text"))
		require.NoError(t, err)

		_, err = tr.Read(make([]byte, 8))
		assert.ErrorIs(t, err, errTextFrame)
	})

	t.Run("wss with trusted certificate", func(t *testing.T) {
		cert, trustFile := generateTestCertificate(t)
		srv := httptest.NewUnstartedServer(wsEchoHandler(t, nil))
		srv.TLS = &tls.Config{Certificates: []tls.Certificate{cert}}
		srv.StartTLS()
		defer srv.Close()

		dialer := &WSDialer{TLS: &TLSDialer{TrustCertificate: trustFile, VerifyName: true}}
		tr, err := dialer.Dial(context.Background(), wsService(t, SchemeWSS, srv.URL))
		require.NoError(t, err)
		defer tr.Close()

		requireEcho(t, tr)
	})

	t.Run("wss with untrusted certificate", func(t *testing.T) {
		srv := httptest.NewTLSServer(wsEchoHandler(t, nil))
		defer srv.Close()

		_, err := (&WSDialer{}).Dial(context.Background(), wsService(t, SchemeWSS, srv.URL))
		assert.ErrorIs(t, err, ErrSecurity)
	})

	t.Run("not a websocket endpoint", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		defer srv.Close()

		_, err := (&WSDialer{}).Dial(context.Background(), wsService(t, SchemeWS, srv.URL))
		assert.ErrorIs(t, err, ErrNetwork)
	})
}
