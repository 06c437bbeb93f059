package mqlight

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPResolver(t *testing.T) {
	serve := func(t *testing.T, status int, body string) string {
		t.Helper()
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "application/json", r.Header.Get("Accept"))
			w.WriteHeader(status)
			_, _ = w.Write([]byte(body))
		}))
		t.Cleanup(srv.Close)
		return srv.URL
	}

	t.Run("service list", func(t *testing.T) {
		url := serve(t, http.StatusOK, `{"service":["amqp://a:5672","amqp://b:5672"]}`)

		services, err := NewHTTPResolver().Resolve(context.Background(), url)
		require.NoError(t, err)
		assert.Equal(t, []string{"amqp://a:5672", "amqp://b:5672"}, services)
	})

	t.Run("failures are network errors", func(t *testing.T) {
		tests := []struct {
			name   string
			status int
			body   string
		}{
			{"status", http.StatusServiceUnavailable, ""},
			{"invalid json", http.StatusOK, "not json"},
			{"empty list", http.StatusOK, `{"service":[]}`},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				url := serve(t, tt.status, tt.body)
				_, err := NewHTTPResolver().Resolve(context.Background(), url)
				assert.ErrorIs(t, err, ErrNetwork)
			})
		}
	})

	t.Run("unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		r := &HTTPResolver{Timeout: time.Second}
		_, err := r.Resolve(context.Background(), url)
		assert.ErrorIs(t, err, ErrNetwork)
	})

	t.Run("custom client", func(t *testing.T) {
		url := serve(t, http.StatusOK, `{"service":["amqp://a"]}`)
		r := &HTTPResolver{Client: &http.Client{Timeout: time.Second}}

		services, err := r.Resolve(context.Background(), url)
		require.NoError(t, err)
		assert.Equal(t, []string{"amqp://a"}, services)
	})
}
