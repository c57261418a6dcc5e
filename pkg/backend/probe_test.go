package backend

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHTTPProberHealthy tests that success status codes count as healthy
// and error codes do not.
func TestHTTPProberHealthy(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		healthy bool
	}{
		{name: "ok", status: http.StatusOK, healthy: true},
		{name: "redirect", status: http.StatusFound, healthy: true},
		{name: "client error", status: http.StatusNotFound, healthy: false},
		{name: "server error", status: http.StatusInternalServerError, healthy: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/healthz", r.URL.Path)
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			host, port := splitHostPort(t, server.URL)
			prober := newHTTPProber()
			assert.Equal(t, tt.healthy, prober.healthy(context.Background(), host, port, "/healthz"))
		})
	}
}

// TestHTTPProberUnreachable tests that a connection failure is reported
// as unhealthy rather than an error.
func TestHTTPProberUnreachable(t *testing.T) {
	prober := newHTTPProber()
	assert.False(t, prober.healthy(context.Background(), "127.0.0.1", 1, "/healthz"))
}

// TestHTTPProberAwait tests that await keeps polling until the endpoint
// turns healthy.
func TestHTTPProberAwait(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	host, port := splitHostPort(t, server.URL)
	prober := newHTTPProber()
	assert.True(t, prober.await(context.Background(), host, port, "/", 10*time.Second))
	assert.GreaterOrEqual(t, calls, 3)
}

// TestHTTPProberAwaitDeadline tests that await gives up when the
// endpoint never turns healthy.
func TestHTTPProberAwaitDeadline(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	host, port := splitHostPort(t, server.URL)
	prober := newHTTPProber()
	assert.False(t, prober.await(context.Background(), host, port, "/", 1200*time.Millisecond))
}

func splitHostPort(t *testing.T, rawURL string) (string, int) {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return u.Hostname(), port
}
