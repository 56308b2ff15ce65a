// Copyright (c) 2025 HYPR. PTE. LTD.
//
// Business Source License 1.1
// See LICENSE file in the project root for details.

package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ccheshirecat/streamlog/internal/logentry"
	"github.com/ccheshirecat/streamlog/internal/protocol/logstream"
)

// State is the lifecycle phase of a Session.
type State int32

const (
	StateConnecting State = iota
	StateStreaming
	StateDisconnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateDisconnected:
		return "disconnected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrSessionClosed is returned by Serve when the session was closed from the
// broadcaster side, typically because the same client reconnected.
var ErrSessionClosed = errors.New("stream: session closed")

// EventWriter is the transport end of a session.
type EventWriter interface {
	WriteEvent(ev logstream.Event) error
	WriteHeartbeat() error
}

// DeadlineWriter is implemented by transports that can bound a single write.
type DeadlineWriter interface {
	SetWriteDeadline(t time.Time) error
}

// Session is the server-side state of one client connection. The outbound
// queue is bounded: when it is full the oldest queued data event is dropped,
// so a lagging client loses lines instead of stalling the broadcaster.
type Session struct {
	id          string
	connID      string
	connectedAt time.Time

	state        atomic.Int32
	lastActivity atomic.Int64
	dropped      atomic.Uint64
	droppedTotal *atomic.Uint64

	mu       sync.Mutex
	queue    []logstream.Event
	capacity int

	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	grace     *time.Timer
}

func newSession(id, connID string, capacity int, droppedTotal *atomic.Uint64) *Session {
	now := time.Now().UTC()
	s := &Session{
		id:           id,
		connID:       connID,
		connectedAt:  now,
		droppedTotal: droppedTotal,
		queue:        make([]logstream.Event, 0, capacity),
		capacity:     capacity,
		notify:       make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	s.lastActivity.Store(now.UnixNano())
	s.state.Store(int32(StateConnecting))
	return s
}

// ID is the client session key. It is stable across reconnects.
func (s *Session) ID() string { return s.id }

// ConnID uniquely identifies this connection.
func (s *Session) ConnID() string { return s.connID }

func (s *Session) State() State { return State(s.state.Load()) }

// Dropped counts data events discarded by the overflow policy.
func (s *Session) Dropped() uint64 { return s.dropped.Load() }

func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load()).UTC()
}

// Pending reports how many events are queued and not yet written.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

// enqueue appends ev without ever blocking.
func (s *Session) enqueue(ev logstream.Event) {
	s.mu.Lock()
	s.pushLocked(ev)
	s.mu.Unlock()
	s.signal()
}

func (s *Session) pushLocked(ev logstream.Event) {
	if len(s.queue) >= s.capacity {
		s.dropOldestDataLocked()
	}
	if len(s.queue) >= s.capacity {
		// Only a reset remains queued; the new event cannot fit.
		s.countDrop()
		return
	}
	s.queue = append(s.queue, ev)
}

// dropOldestDataLocked removes the oldest queued data event. A queued reset
// is never dropped: losing it would let stale lines survive on the client.
func (s *Session) dropOldestDataLocked() {
	for i, ev := range s.queue {
		if ev.Kind != logstream.KindData {
			continue
		}
		copy(s.queue[i:], s.queue[i+1:])
		s.queue[len(s.queue)-1] = logstream.Event{}
		s.queue = s.queue[:len(s.queue)-1]
		s.countDrop()
		return
	}
}

func (s *Session) countDrop() {
	s.dropped.Add(1)
	if s.droppedTotal != nil {
		s.droppedTotal.Add(1)
	}
}

// resetWith discards everything queued, then queues a reset followed by
// backlog. Backlog beyond the queue capacity keeps its newest part.
func (s *Session) resetWith(backlog []logentry.LogEntry) {
	s.mu.Lock()
	clear(s.queue)
	s.queue = s.queue[:0]
	s.queue = append(s.queue, logstream.Reset())
	if room := s.capacity - 1; len(backlog) > room {
		backlog = backlog[len(backlog)-room:]
	}
	for _, entry := range backlog {
		s.queue = append(s.queue, logstream.Data(entry))
	}
	s.mu.Unlock()
	s.signal()
}

// discard drops queued-but-unsent events.
func (s *Session) discard() {
	s.mu.Lock()
	clear(s.queue)
	s.queue = s.queue[:0]
	s.mu.Unlock()
}

func (s *Session) pop() (logstream.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return logstream.Event{}, false
	}
	ev := s.queue[0]
	copy(s.queue, s.queue[1:])
	s.queue[len(s.queue)-1] = logstream.Event{}
	s.queue = s.queue[:len(s.queue)-1]
	return ev, true
}

func (s *Session) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// close moves the session to CLOSED and releases its queue. Safe to call
// more than once.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.setState(StateClosed)
		if s.grace != nil {
			s.grace.Stop()
		}
		s.discard()
		close(s.done)
	})
}

// Done is closed once the session reaches CLOSED.
func (s *Session) Done() <-chan struct{} { return s.done }

// ServeOptions tunes the delivery task.
type ServeOptions struct {
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
}

// Serve is the per-session delivery task: it drains the queue into w in
// order and emits heartbeats while idle. It returns when ctx ends, when a
// write fails, or when the session is closed by the broadcaster.
func (s *Session) Serve(ctx context.Context, w EventWriter, opts ServeOptions) error {
	var heartbeat <-chan time.Time
	if opts.HeartbeatInterval > 0 {
		ticker := time.NewTicker(opts.HeartbeatInterval)
		defer ticker.Stop()
		heartbeat = ticker.C
	}
	deadlines, _ := w.(DeadlineWriter)

	write := func(fn func() error) error {
		if deadlines != nil && opts.WriteTimeout > 0 {
			_ = deadlines.SetWriteDeadline(time.Now().Add(opts.WriteTimeout))
		}
		if err := fn(); err != nil {
			return err
		}
		s.lastActivity.Store(time.Now().UnixNano())
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return ErrSessionClosed
		case <-s.notify:
			for {
				select {
				case <-s.done:
					return ErrSessionClosed
				default:
				}
				ev, ok := s.pop()
				if !ok {
					break
				}
				if err := write(func() error { return w.WriteEvent(ev) }); err != nil {
					return err
				}
			}
		case <-heartbeat:
			if err := write(w.WriteHeartbeat); err != nil {
				return err
			}
		}
	}
}
