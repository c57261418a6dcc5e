package stream

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/canopyhq/canopy/pkg/apierror"
)

// Client dials the control plane's runner stream endpoint.
type Client struct {
	serverURL   string
	workspaceID string
	runnerID    string
	token       string
	dialer      *websocket.Dialer
}

// NewClient creates a stream client for one runner.
func NewClient(serverURL, workspaceID, runnerID, token string) *Client {
	return &Client{
		serverURL:   strings.TrimRight(serverURL, "/"),
		workspaceID: workspaceID,
		runnerID:    runnerID,
		token:       token,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 15 * time.Second,
		},
	}
}

// Dial opens the stream. The returned connection is safe for one reader
// and any number of Ping callers.
func (c *Client) Dial(ctx context.Context) (*Conn, error) {
	u, err := url.Parse(c.serverURL)
	if err != nil {
		return nil, apierror.Wrap(apierror.TypeWrongParameters, "invalid server url", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = fmt.Sprintf("/workspace/%s/runner/%s/stream", c.workspaceID, c.runnerID)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)

	ws, resp, err := c.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, apierror.NotAuthenticated("stream handshake rejected")
		}
		return nil, apierror.Transient("stream dial failed", err)
	}
	return &Conn{ws: ws}, nil
}

// Conn is an open runner stream.
type Conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

// Read blocks for the next server message.
func (c *Conn) Read() (*Message, error) {
	var msg Message
	if err := c.ws.ReadJSON(&msg); err != nil {
		return nil, apierror.Transient("stream read failed", err)
	}
	return &msg, nil
}

// Ping sends a liveness ping. The server answers with a pong and records
// the runner as seen.
func (c *Conn) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ws.WriteJSON(&Message{Type: MessagePing}); err != nil {
		return apierror.Transient("stream ping failed", err)
	}
	return nil
}

// Close closes the socket.
func (c *Conn) Close() error {
	return c.ws.Close()
}
