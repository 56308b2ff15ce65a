// Copyright (c) 2025 HYPR. PTE. LTD.
//
// Business Source License 1.1
// See LICENSE file in the project root for details.

package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ccheshirecat/streamlog/internal/protocol/logstream"
	"github.com/ccheshirecat/streamlog/internal/tail"
)

// Transport names accepted by Dialer.
const (
	TransportSSE       = "sse"
	TransportWebSocket = "ws"
)

// Dialer returns a tail.Dialer for the named transport.
func (c *Client) Dialer(transport string) (tail.Dialer, error) {
	switch transport {
	case "", TransportSSE:
		return tail.DialFunc(c.DialSSE), nil
	case TransportWebSocket:
		return tail.DialFunc(c.DialWebSocket), nil
	default:
		return nil, fmt.Errorf("client: unknown transport %q", transport)
	}
}

// DialSSE opens GET /logs.
func (c *Client) DialSSE(ctx context.Context) (tail.Stream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resolve("/logs", c.streamQuery()).String(), nil)
	if err != nil {
		return nil, fmt.Errorf("client: new request: %w", err)
	}
	req.Header = c.headers()
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("client: open stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}
	body := newIdleCloser(resp.Body, c.idleTimeout)
	return &sseStream{body: body, reader: logstream.NewSSEReader(body)}, nil
}

type sseStream struct {
	body   io.ReadCloser
	reader *logstream.SSEReader
}

func (s *sseStream) Next() (logstream.Event, error) { return s.reader.Next() }

func (s *sseStream) Close() error { return s.body.Close() }

// idleCloser closes the body when no bytes arrive within timeout, which
// unblocks a reader stuck on a dead connection.
type idleCloser struct {
	rc      io.ReadCloser
	timeout time.Duration
	timer   *time.Timer
	once    sync.Once
}

func newIdleCloser(rc io.ReadCloser, timeout time.Duration) *idleCloser {
	ic := &idleCloser{rc: rc, timeout: timeout}
	ic.timer = time.AfterFunc(timeout, func() { ic.Close() })
	return ic
}

func (ic *idleCloser) Read(p []byte) (int, error) {
	n, err := ic.rc.Read(p)
	if n > 0 {
		ic.timer.Reset(ic.timeout)
	}
	return n, err
}

func (ic *idleCloser) Close() error {
	var err error
	ic.once.Do(func() {
		ic.timer.Stop()
		err = ic.rc.Close()
	})
	return err
}

// DialWebSocket opens GET /logs/ws.
func (c *Client) DialWebSocket(ctx context.Context) (tail.Stream, error) {
	u := c.resolve("/logs/ws", c.streamQuery())
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), c.headers())
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			defer resp.Body.Close()
			return nil, statusError(resp)
		}
		return nil, fmt.Errorf("client: dial websocket: %w", err)
	}
	ws := &wsStream{conn: conn, timeout: c.idleTimeout}
	_ = conn.SetReadDeadline(time.Now().Add(c.idleTimeout))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(ws.timeout))
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})
	return ws, nil
}

type wsStream struct {
	conn    *websocket.Conn
	timeout time.Duration
}

func (s *wsStream) Next() (logstream.Event, error) {
	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return logstream.Event{}, io.EOF
			}
			return logstream.Event{}, err
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.timeout))
		if kind != websocket.TextMessage {
			continue
		}
		return logstream.DecodeFrame(data)
	}
}

func (s *wsStream) Close() error { return s.conn.Close() }

// streamQuery carries the last applied filter. The server applies it before
// the opening reset, so a redial into a kept session changes nothing.
func (c *Client) streamQuery() url.Values {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.filter == "" {
		return nil
	}
	return url.Values{"filter": {c.filter}}
}

// LogsURL returns the browser-friendly SSE URL for this session.
func (c *Client) LogsURL() string {
	q := url.Values{"session": {c.session}}
	if c.apiKey != "" {
		q.Set("api_key", c.apiKey)
	}
	return c.resolve("/logs", q).String()
}
