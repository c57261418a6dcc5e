package backend

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// httpProber checks whether an HTTP endpoint answers with a success
// status. A response in the 2xx-3xx range counts as healthy.
type httpProber struct {
	client *http.Client
}

func newHTTPProber() *httpProber {
	return &httpProber{
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

// healthy performs one GET against host:port+path.
func (p *httpProber) healthy(ctx context.Context, host string, port int, path string) bool {
	url := fmt.Sprintf("http://%s:%d%s", host, port, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 400
}

// await polls healthy until it passes or the deadline runs out.
func (p *httpProber) await(ctx context.Context, host string, port int, path string, deadline time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		if p.healthy(ctx, host, port, path) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
