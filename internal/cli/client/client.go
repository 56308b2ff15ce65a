// Copyright (c) 2025 HYPR. PTE. LTD.
//
// Business Source License 1.1
// See LICENSE file in the project root for details.

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ccheshirecat/streamlog/internal/server/httpapi"
	"github.com/ccheshirecat/streamlog/internal/server/stream"
)

const defaultBaseURL = "http://127.0.0.1:7780"

// DefaultIdleTimeout is how long a stream may stay silent before it is
// treated as dead. The server sends a heartbeat every 15s.
const DefaultIdleTimeout = 45 * time.Second

// Options configures a Client.
type Options struct {
	APIKey string
	// Session is the key the server uses to keep this client's filter
	// across reconnects. A random one is generated when empty.
	Session string
	// Filter is the initial filter. Every stream request carries the last
	// filter applied, so it survives a server that forgot the session.
	Filter      string
	IdleTimeout time.Duration
}

// Client wraps access to the streamlogd API.
type Client struct {
	baseURL      *url.URL
	httpClient   *http.Client
	streamClient *http.Client
	apiKey       string
	session      string
	idleTimeout  time.Duration

	mu     sync.Mutex
	filter string
}

// New creates a client with the provided base URL (e.g. http://127.0.0.1:7780).
func New(rawURL string, opts Options) (*Client, error) {
	if rawURL == "" {
		rawURL = defaultBaseURL
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("client: parse url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("client: unsupported scheme %q", parsed.Scheme)
	}
	if opts.Session == "" {
		opts.Session = uuid.NewString()
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	return &Client{
		baseURL: parsed,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		// Streams are long-lived; liveness is enforced by the idle timeout.
		streamClient: &http.Client{},
		apiKey:       opts.APIKey,
		session:      opts.Session,
		idleTimeout:  opts.IdleTimeout,
		filter:       opts.Filter,
	}, nil
}

// Session returns the session key sent with every request.
func (c *Client) Session() string { return c.session }

// SessionInfo describes one server-side session.
type SessionInfo = stream.SessionInfo

// SetFilter replaces this session's filter. The server answers on the
// stream with a reset followed by matching lines.
func (c *Client) SetFilter(ctx context.Context, expr string) error {
	req, err := c.newRequest(ctx, http.MethodPost, "/filter", map[string]string{"filter": expr})
	if err != nil {
		return err
	}
	if err := c.do(req, nil); err != nil {
		return err
	}
	c.mu.Lock()
	c.filter = expr
	c.mu.Unlock()
	return nil
}

// Filter returns this session's current filter.
func (c *Client) Filter(ctx context.Context) (string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/filter", nil)
	if err != nil {
		return "", err
	}
	var resp struct {
		Filter string `json:"filter"`
	}
	if err := c.do(req, &resp); err != nil {
		return "", err
	}
	return resp.Filter, nil
}

// ListSessions returns every session the server knows about.
func (c *Client) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/clients", nil)
	if err != nil {
		return nil, err
	}
	var sessions []SessionInfo
	if err := c.do(req, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// Health checks that the server is up.
func (c *Client) Health(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/healthz", nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

func (c *Client) resolve(path string, query url.Values) *url.URL {
	resolved := c.baseURL.ResolveReference(&url.URL{Path: path})
	if len(query) > 0 {
		resolved.RawQuery = query.Encode()
	}
	return resolved
}

func (c *Client) headers() http.Header {
	h := http.Header{}
	h.Set(httpapi.HeaderSession, c.session)
	if c.apiKey != "" {
		h.Set(httpapi.HeaderAPIKey, c.apiKey)
	}
	return h
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	resolved := c.resolve(path, nil)
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, fmt.Errorf("client: encode body: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, resolved.String(), &buf)
	if err != nil {
		return nil, fmt.Errorf("client: new request: %w", err)
	}
	req.Header = c.headers()
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("client: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return statusError(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("client: decode response: %w", err)
	}
	return nil
}

// StatusError is a non-2xx API response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("client: http %d", e.Code)
	}
	return fmt.Sprintf("client: http %d: %s", e.Code, e.Message)
}

func statusError(resp *http.Response) error {
	var apiErr map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil {
		return &StatusError{Code: resp.StatusCode}
	}
	msg, _ := apiErr["error"].(string)
	return &StatusError{Code: resp.StatusCode, Message: msg}
}
