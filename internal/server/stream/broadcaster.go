// Copyright (c) 2025 HYPR. PTE. LTD.
//
// Business Source License 1.1
// See LICENSE file in the project root for details.

// Package stream fans log lines out to per-client sessions.
//
// The Broadcaster is the single serialization point: appending to the
// backlog, evaluating every session's filter against a new line, registering
// and removing sessions, and applying filter changes all happen under one
// mutex. Enqueueing never blocks, so holding the mutex during fan-out costs
// O(sessions) per line; that per-line cost is what bounds the practical
// number of concurrent sessions.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ccheshirecat/streamlog/internal/logentry"
	"github.com/ccheshirecat/streamlog/internal/protocol/logstream"
	"github.com/ccheshirecat/streamlog/internal/server/backlog"
	"github.com/ccheshirecat/streamlog/internal/server/eventbus"
	"github.com/ccheshirecat/streamlog/internal/server/filter"
)

var (
	// ErrSessionNotFound is returned for operations on an unknown session.
	ErrSessionNotFound = errors.New("stream: session not found")
	// ErrSessionReplaced is returned when activating a session that a newer
	// connection with the same ID has already superseded.
	ErrSessionReplaced = errors.New("stream: session replaced")
	// ErrClosed is returned once the broadcaster has shut down.
	ErrClosed = errors.New("stream: broadcaster closed")
)

const (
	DefaultQueueSize         = 256
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultGracePeriod       = 30 * time.Second
)

// Config tunes sessions created by the Broadcaster.
type Config struct {
	// QueueSize bounds each session's outbound queue.
	QueueSize int
	// BacklogSize is how many matching historical lines follow a reset.
	// Zero sends the reset alone.
	BacklogSize       int
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
	// GracePeriod is how long a disconnected session keeps its filter
	// waiting for the same client to come back.
	GracePeriod time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueSize < 2 {
		c.QueueSize = DefaultQueueSize
	}
	if c.BacklogSize < 0 {
		c.BacklogSize = 0
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.GracePeriod < 0 {
		c.GracePeriod = 0
	}
	return c
}

// Params bundles the Broadcaster's collaborators. Backlog and Bus are optional.
type Params struct {
	Config  Config
	Filters filter.Store
	Backlog backlog.Store
	Bus     eventbus.Bus
	Logger  *slog.Logger
}

// SessionInfo is a point-in-time view of a session.
type SessionInfo struct {
	ID           string    `json:"id"`
	ConnID       string    `json:"conn_id"`
	State        string    `json:"state"`
	Filter       string    `json:"filter"`
	Pending      int       `json:"pending"`
	Dropped      uint64    `json:"dropped"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Stats aggregates counters for metrics.
type Stats struct {
	Lines    uint64
	Resets   uint64
	Dropped  uint64
	Sessions map[State]int
}

// Broadcaster owns the set of active sessions.
type Broadcaster struct {
	cfg     Config
	filters filter.Store
	backlog backlog.Store
	bus     eventbus.Bus
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool

	lines   atomic.Uint64
	resets  atomic.Uint64
	dropped atomic.Uint64
}

// New constructs a Broadcaster.
func New(p Params) (*Broadcaster, error) {
	if p.Filters == nil {
		return nil, fmt.Errorf("stream: filter store must not be nil")
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		cfg:      p.Config.withDefaults(),
		filters:  p.Filters,
		backlog:  p.Backlog,
		bus:      p.Bus,
		logger:   logger,
		sessions: make(map[string]*Session),
	}, nil
}

// Config returns the effective configuration.
func (b *Broadcaster) Config() Config { return b.cfg }

// ServeOptions returns the delivery settings transports pass to Session.Serve.
func (b *Broadcaster) ServeOptions() ServeOptions {
	return ServeOptions{HeartbeatInterval: b.cfg.HeartbeatInterval, WriteTimeout: b.cfg.WriteTimeout}
}

// Run consumes lines until the channel closes or ctx ends.
func (b *Broadcaster) Run(ctx context.Context, lines <-chan logentry.LogEntry) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case entry, ok := <-lines:
			if !ok {
				return nil
			}
			b.Publish(ctx, entry)
		}
	}
}

// Publish records entry in the backlog and enqueues it on every streaming
// session whose filter matches.
func (b *Broadcaster) Publish(ctx context.Context, entry logentry.LogEntry) {
	b.lines.Add(1)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if b.backlog != nil && b.cfg.BacklogSize > 0 {
		if err := b.backlog.Append(ctx, entry); err != nil {
			b.logger.Warn("backlog append", "error", err)
		}
	}
	for _, s := range b.sessions {
		if s.State() != StateStreaming {
			continue
		}
		if filter.Match(b.filters.Get(s.id), entry.Line) {
			s.enqueue(logstream.Data(entry))
		}
	}
}

// Register creates a CONNECTING session for id, generating an ID when empty.
// An existing session with the same ID is closed and replaced; the new one
// inherits its filter.
func (b *Broadcaster) Register(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		id = uuid.NewString()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if old, ok := b.sessions[id]; ok {
		old.close()
		b.emit(ctx, eventbus.TypeSessionClosed, old, "replaced")
	}
	s := newSession(id, uuid.NewString(), b.cfg.QueueSize, &b.dropped)
	b.sessions[id] = s
	b.emit(ctx, eventbus.TypeSessionConnecting, s, "")
	return s, nil
}

// Activate moves a CONNECTING session to STREAMING once the transport
// handshake succeeded, queueing the initial reset and backlog.
func (b *Broadcaster) Activate(ctx context.Context, s *Session) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if b.sessions[s.id] != s {
		return ErrSessionReplaced
	}
	if s.State() != StateConnecting {
		return fmt.Errorf("stream: activate session in state %s", s.State())
	}
	s.setState(StateStreaming)
	b.emit(ctx, eventbus.TypeSessionStreaming, s, "")
	b.resetLocked(ctx, s, "connect")
	return nil
}

// SetFilter replaces the session's filter. For a streaming session the
// reset and fresh backlog are queued before the lock is released, so no
// line matched under the new filter can precede the reset.
func (b *Broadcaster) SetFilter(ctx context.Context, id, expr string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	s, ok := b.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err := b.filters.Set(ctx, id, expr); err != nil {
		return err
	}
	if s.State() == StateStreaming {
		b.resetLocked(ctx, s, "filter")
	}
	return nil
}

// Filter returns the session's current filter.
func (b *Broadcaster) Filter(id string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.sessions[id]; !ok {
		return "", fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return b.filters.Get(id), nil
}

func (b *Broadcaster) resetLocked(ctx context.Context, s *Session, reason string) {
	var history []logentry.LogEntry
	if b.backlog != nil && b.cfg.BacklogSize > 0 {
		recent, err := b.backlog.Recent(ctx, b.filters.Get(s.id), b.cfg.BacklogSize)
		if err != nil {
			b.logger.Warn("backlog recent", "session", s.id, "error", err)
		} else {
			history = recent
		}
	}
	s.resetWith(history)
	b.resets.Add(1)
	b.emit(ctx, eventbus.TypeSessionReset, s, reason)
}

// Disconnect records that the transport of s went away. Unsent events are
// discarded. The session is closed after the grace period unless the same
// client reconnects first.
func (b *Broadcaster) Disconnect(s *Session, cause error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sessions[s.id] != s || s.State() == StateClosed {
		return
	}
	s.setState(StateDisconnected)
	s.discard()
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	b.emit(context.Background(), eventbus.TypeSessionDisconnected, s, reason)

	if b.cfg.GracePeriod == 0 {
		b.removeLocked(s, "disconnected")
		return
	}
	s.grace = time.AfterFunc(b.cfg.GracePeriod, func() { b.expire(s) })
}

func (b *Broadcaster) expire(s *Session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sessions[s.id] != s || s.State() != StateDisconnected {
		return
	}
	b.removeLocked(s, "grace period elapsed")
}

// Close ends a session immediately, as on an explicit unsubscribe.
func (b *Broadcaster) Close(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	b.removeLocked(s, "closed")
	return nil
}

func (b *Broadcaster) removeLocked(s *Session, reason string) {
	delete(b.sessions, s.id)
	b.filters.Delete(s.id)
	s.close()
	b.emit(context.Background(), eventbus.TypeSessionClosed, s, reason)
}

// Shutdown closes every session and rejects further registrations.
func (b *Broadcaster) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, s := range b.sessions {
		b.removeLocked(s, "shutdown")
	}
}

// Sessions returns a snapshot sorted by ID.
func (b *Broadcaster) Sessions() []SessionInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]SessionInfo, 0, len(b.sessions))
	for _, s := range b.sessions {
		out = append(out, SessionInfo{
			ID:           s.id,
			ConnID:       s.connID,
			State:        s.State().String(),
			Filter:       b.filters.Get(s.id),
			Pending:      s.Pending(),
			Dropped:      s.Dropped(),
			ConnectedAt:  s.connectedAt,
			LastActivity: s.LastActivity(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stats returns cumulative counters and the current session count per state.
func (b *Broadcaster) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := Stats{
		Lines:    b.lines.Load(),
		Resets:   b.resets.Load(),
		Dropped:  b.dropped.Load(),
		Sessions: make(map[State]int, 4),
	}
	for _, s := range b.sessions {
		st.Sessions[s.State()]++
	}
	return st
}

func (b *Broadcaster) emit(ctx context.Context, typ string, s *Session, reason string) {
	if b.bus == nil {
		return
	}
	_ = b.bus.Publish(ctx, eventbus.SessionEvent{
		Type:      typ,
		SessionID: s.id,
		ConnID:    s.connID,
		Filter:    b.filters.Get(s.id),
		Dropped:   s.Dropped(),
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	})
}
