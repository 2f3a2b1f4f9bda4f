// Package backendclient dials the engine's per-session WebSocket endpoint,
// retrying with a fixed linear backoff on failure. This mirrors the
// engine's own connection bring-up (fast, bounded-attempt) as distinct from
// the long-lived reconnect loops elsewhere in the gateway, which use
// exponential backoff instead.
package backendclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Client dials the engine's WebSocket endpoint for a given session id.
type Client struct {
	baseURL    string // e.g. ws://127.0.0.1:8000/comfy-api/ws
	retryBase  time.Duration
	retryCount int
	reachable  atomic.Bool
}

// Healthy reports whether the most recent Connect attempt reached the
// engine, for GET /api/admin/diagnostics. It starts false until the first
// attempt completes.
func (c *Client) Healthy() bool {
	return c.reachable.Load()
}

// Conn wraps a connection to the engine for a single session.
type Conn struct {
	ws     *websocket.Conn
	SID    string // sid extracted from the handshake, which may differ from the requested one when sid was empty
	closed atomic.Bool
}

// handshakeFrame is the first text frame the engine sends on a freshly
// dialed session socket, per §6: {"event":"status","data":{"sid":"..."}}.
type handshakeFrame struct {
	Event string `json:"event"`
	Data  struct {
		SID string `json:"sid"`
	} `json:"data"`
}

// New returns a Client targeting baseURL, retrying up to retryCount times
// with a delay of retryBase*attempt between attempts.
func New(baseURL string, retryBase time.Duration, retryCount int) *Client {
	return &Client{baseURL: baseURL, retryBase: retryBase, retryCount: retryCount}
}

// Connect dials the engine for session id sid (omitting the clientId query
// parameter entirely when sid is empty) and reads the initial handshake
// frame. A malformed handshake, or one whose sid doesn't match a
// non-empty requested sid, closes the socket and retries — per §4.B, this
// is how the gateway detects a backend that attached the wrong session.
// Returns the established connection or the last error once attempts are
// exhausted.
func (c *Client) Connect(ctx context.Context, sid string) (*Conn, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("backendclient: parse base url: %w", err)
	}
	if sid != "" {
		q := u.Query()
		q.Set("clientId", sid)
		u.RawQuery = q.Encode()
	}

	var lastErr error
	for attempt := 1; attempt <= c.retryCount; attempt++ {
		conn, err := c.dialAndHandshake(ctx, u.String(), sid)
		if err == nil {
			c.reachable.Store(true)
			return conn, nil
		}
		lastErr = err

		if attempt == c.retryCount {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.retryBase * time.Duration(attempt)):
		}
	}
	c.reachable.Store(false)
	return nil, fmt.Errorf("backendclient: connect to %s after %d attempts: %w", c.baseURL, c.retryCount, lastErr)
}

func (c *Client) dialAndHandshake(ctx context.Context, target, wantSID string) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, err
	}

	mt, raw, err := ws.ReadMessage()
	if err != nil {
		ws.Close()
		return nil, fmt.Errorf("read handshake: %w", err)
	}
	if mt != websocket.TextMessage {
		ws.Close()
		return nil, fmt.Errorf("handshake frame was not text")
	}

	var hs handshakeFrame
	if err := json.Unmarshal(raw, &hs); err != nil {
		ws.Close()
		return nil, fmt.Errorf("malformed handshake: %w", err)
	}
	if hs.Data.SID == "" {
		ws.Close()
		return nil, fmt.Errorf("handshake missing sid")
	}
	if wantSID != "" && hs.Data.SID != wantSID {
		ws.Close()
		return nil, fmt.Errorf("handshake sid %q does not match requested sid %q", hs.Data.SID, wantSID)
	}

	return &Conn{ws: ws, SID: hs.Data.SID}, nil
}

// Send writes a message to the engine.
func (c *Conn) Send(messageType int, data []byte) error {
	return c.ws.WriteMessage(messageType, data)
}

// Recv reads the next message from the engine.
func (c *Conn) Recv() (messageType int, data []byte, err error) {
	return c.ws.ReadMessage()
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	c.closed.Store(true)
	return c.ws.Close()
}

// Closed reports whether Close has been called on this connection, the Go
// equivalent of checking `backend_ws.state == CLOSED` before reusing a
// connection (original_source/src/comfyui/connection_manager.py's
// accept_client_connection).
func (c *Conn) Closed() bool {
	return c.closed.Load()
}

// SetReadDeadline forwards to the underlying connection.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}
