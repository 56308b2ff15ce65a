// Copyright (c) 2025 HYPR. PTE. LTD.
//
// Business Source License 1.1
// See LICENSE file in the project root for details.

package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ccheshirecat/streamlog/internal/logentry"
	"github.com/ccheshirecat/streamlog/internal/protocol/logstream"
	"github.com/ccheshirecat/streamlog/internal/server/backlog"
	"github.com/ccheshirecat/streamlog/internal/server/eventbus"
	"github.com/ccheshirecat/streamlog/internal/server/eventbus/memory"
	"github.com/ccheshirecat/streamlog/internal/server/filter"
)

type recordingWriter struct {
	mu         sync.Mutex
	events     []logstream.Event
	heartbeats int
	failAfter  int
}

func (w *recordingWriter) WriteEvent(ev logstream.Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failAfter > 0 && len(w.events) >= w.failAfter {
		return errors.New("broken pipe")
	}
	w.events = append(w.events, ev)
	return nil
}

func (w *recordingWriter) WriteHeartbeat() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.heartbeats++
	return nil
}

func (w *recordingWriter) snapshot() []logstream.Event {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]logstream.Event(nil), w.events...)
}

// render flattens events as "reset" or the line text.
func render(events []logstream.Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		if ev.Kind == logstream.KindReset {
			out[i] = "reset"
		} else {
			out[i] = ev.Entry.Line
		}
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestBroadcaster(t *testing.T, cfg Config, store backlog.Store, bus eventbus.Bus) *Broadcaster {
	t.Helper()
	b, err := New(Params{
		Config:  cfg,
		Filters: filter.NewMemoryStore(),
		Backlog: store,
		Bus:     bus,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("new broadcaster: %v", err)
	}
	t.Cleanup(b.Shutdown)
	return b
}

func connect(t *testing.T, ctx context.Context, b *Broadcaster, id string) (*Session, *recordingWriter) {
	t.Helper()
	return connectWithFilter(t, ctx, b, id, "")
}

// connectWithFilter sets the filter while the session is still CONNECTING so
// the only reset is the one queued by Activate.
func connectWithFilter(t *testing.T, ctx context.Context, b *Broadcaster, id, expr string) (*Session, *recordingWriter) {
	t.Helper()
	s, err := b.Register(ctx, id)
	if err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
	if expr != "" {
		if err := b.SetFilter(ctx, id, expr); err != nil {
			t.Fatalf("set filter %s: %v", id, err)
		}
	}
	if err := b.Activate(ctx, s); err != nil {
		t.Fatalf("activate %s: %v", id, err)
	}
	w := &recordingWriter{}
	go func() { _ = s.Serve(ctx, w, b.ServeOptions()) }()
	return s, w
}

func line(text string, sec int) logentry.LogEntry {
	return logentry.LogEntry{Line: text, Timestamp: time.Date(2025, 1, 1, 0, 0, sec, 0, time.UTC)}
}

func TestResetThenLinesInSourceOrderAndFilterChange(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := newTestBroadcaster(t, Config{}, nil, nil)
	_, w := connect(t, ctx, b, "c1")

	b.Publish(ctx, line("A", 1))
	b.Publish(ctx, line("B", 2))
	b.Publish(ctx, line("C", 3))
	waitFor(t, "three lines", func() bool { return len(w.snapshot()) == 4 })
	if got := render(w.snapshot()); !equalStrings(got, []string{"reset", "A", "B", "C"}) {
		t.Fatalf("unexpected events %v", got)
	}

	if err := b.SetFilter(ctx, "c1", "B"); err != nil {
		t.Fatalf("set filter: %v", err)
	}
	b.Publish(ctx, line("xB", 4))
	b.Publish(ctx, line("C2", 5))
	b.Publish(ctx, line("B3", 6))
	waitFor(t, "filtered lines", func() bool { return len(w.snapshot()) == 7 })
	if got := render(w.snapshot()); !equalStrings(got, []string{"reset", "A", "B", "C", "reset", "xB", "B3"}) {
		t.Fatalf("unexpected events after filter change %v", got)
	}
}

func TestFilterIsolationBetweenSessions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := newTestBroadcaster(t, Config{}, nil, nil)

	_, wa := connectWithFilter(t, ctx, b, "a", "alpha")
	_, wb := connectWithFilter(t, ctx, b, "b", "beta")

	for i, text := range []string{"alpha 1", "beta 1", "gamma", "alpha 2", "beta 2"} {
		b.Publish(ctx, line(text, i))
	}
	waitFor(t, "both sessions", func() bool {
		return len(wa.snapshot()) == 3 && len(wb.snapshot()) == 3
	})
	if got := render(wa.snapshot()); !equalStrings(got, []string{"reset", "alpha 1", "alpha 2"}) {
		t.Fatalf("session a saw %v", got)
	}
	if got := render(wb.snapshot()); !equalStrings(got, []string{"reset", "beta 1", "beta 2"}) {
		t.Fatalf("session b saw %v", got)
	}
}

func TestOverflowDropsOldestWithoutBlockingOthers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := newTestBroadcaster(t, Config{QueueSize: 4}, nil, nil)

	// The stalled session has no delivery task, so its queue only fills.
	stalled, err := b.Register(ctx, "stalled")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := b.Activate(ctx, stalled); err != nil {
		t.Fatalf("activate: %v", err)
	}
	_, healthy := connect(t, ctx, b, "healthy")
	waitFor(t, "healthy reset", func() bool { return len(healthy.snapshot()) == 1 })

	// Pace on the healthy session so only the stalled one overflows.
	for i := 0; i < 10; i++ {
		b.Publish(ctx, line(fmt.Sprintf("L%d", i), i))
		want := i + 2
		waitFor(t, "healthy session", func() bool { return len(healthy.snapshot()) == want })
	}

	if stalled.Dropped() != 7 {
		t.Fatalf("expected 7 dropped, got %d", stalled.Dropped())
	}
	var got []logstream.Event
	for {
		ev, ok := stalled.pop()
		if !ok {
			break
		}
		got = append(got, ev)
	}
	if r := render(got); !equalStrings(r, []string{"reset", "L7", "L8", "L9"}) {
		t.Fatalf("expected reset kept and newest lines retained, got %v", r)
	}
	if b.Stats().Dropped != 7 {
		t.Fatalf("stats dropped = %d", b.Stats().Dropped)
	}
}

func TestBacklogFollowsReset(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := newTestBroadcaster(t, Config{BacklogSize: 2}, backlog.NewMemory(16), nil)

	b.Publish(ctx, line("A", 1))
	b.Publish(ctx, line("B", 2))
	b.Publish(ctx, line("C", 3))

	_, w := connect(t, ctx, b, "c1")
	waitFor(t, "backlog", func() bool { return len(w.snapshot()) == 3 })
	if got := render(w.snapshot()); !equalStrings(got, []string{"reset", "B", "C"}) {
		t.Fatalf("unexpected connect backlog %v", got)
	}

	if err := b.SetFilter(ctx, "c1", "A"); err != nil {
		t.Fatalf("set filter: %v", err)
	}
	b.Publish(ctx, line("A2", 4))
	waitFor(t, "filtered backlog", func() bool { return len(w.snapshot()) == 6 })
	if got := render(w.snapshot()); !equalStrings(got, []string{"reset", "B", "C", "reset", "A", "A2"}) {
		t.Fatalf("unexpected events %v", got)
	}
}

func TestReconnectReplacesSessionAndKeepsFilter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := newTestBroadcaster(t, Config{GracePeriod: time.Minute}, nil, nil)

	first, err := b.Register(ctx, "c1")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	_ = b.Activate(ctx, first)
	if err := b.SetFilter(ctx, "c1", "keep"); err != nil {
		t.Fatalf("set filter: %v", err)
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- first.Serve(ctx, &recordingWriter{}, b.ServeOptions()) }()

	second, err := b.Register(ctx, "c1")
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	select {
	case err := <-serveErr:
		if !errors.Is(err, ErrSessionClosed) {
			t.Fatalf("expected ErrSessionClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("replaced session kept serving")
	}
	if first.State() != StateClosed {
		t.Fatalf("old session state %s", first.State())
	}
	if second.ConnID() == first.ConnID() {
		t.Fatalf("connection ids must differ")
	}
	if f, _ := b.Filter("c1"); f != "keep" {
		t.Fatalf("filter not inherited, got %q", f)
	}
	if err := b.Activate(ctx, first); !errors.Is(err, ErrSessionReplaced) {
		t.Fatalf("expected ErrSessionReplaced, got %v", err)
	}

	// Disconnecting the stale session must not touch the new one.
	b.Disconnect(first, nil)
	if second.State() != StateConnecting {
		t.Fatalf("new session disturbed: %s", second.State())
	}
}

func TestDisconnectStopsDeliveryAndExpiresAfterGrace(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := memory.New()
	events := make(chan eventbus.SessionEvent, 32)
	unsub, _ := bus.Subscribe(events)
	defer unsub()
	b := newTestBroadcaster(t, Config{GracePeriod: 20 * time.Millisecond}, nil, bus)

	s, err := b.Register(ctx, "c1")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	_ = b.Activate(ctx, s)
	_ = b.SetFilter(ctx, "c1", "x")
	b.Disconnect(s, io.ErrUnexpectedEOF)
	if s.State() != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", s.State())
	}
	if s.Pending() != 0 {
		t.Fatalf("queued events must be discarded, %d pending", s.Pending())
	}
	b.Publish(ctx, line("x after", 1))
	if s.Pending() != 0 {
		t.Fatalf("disconnected session still receives lines")
	}

	waitFor(t, "grace expiry", func() bool { return len(b.Sessions()) == 0 })
	if s.State() != StateClosed {
		t.Fatalf("expected closed, got %s", s.State())
	}
	if _, err := b.Filter("c1"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}

	var types []string
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	want := []string{
		eventbus.TypeSessionConnecting,
		eventbus.TypeSessionStreaming,
		eventbus.TypeSessionReset,
		eventbus.TypeSessionReset,
		eventbus.TypeSessionDisconnected,
		eventbus.TypeSessionClosed,
	}
	if !equalStrings(types, want) {
		t.Fatalf("unexpected lifecycle %v", types)
	}
}

func TestSetFilterErrors(t *testing.T) {
	ctx := context.Background()
	b := newTestBroadcaster(t, Config{}, nil, nil)

	if err := b.SetFilter(ctx, "ghost", "x"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}

	s, _ := b.Register(ctx, "c1")
	_ = b.Activate(ctx, s)
	before := b.Stats().Resets
	if err := b.SetFilter(ctx, "c1", "bad\nfilter"); !errors.Is(err, filter.ErrInvalidFilter) {
		t.Fatalf("expected ErrInvalidFilter, got %v", err)
	}
	if b.Stats().Resets != before {
		t.Fatalf("failed filter update must not reset the stream")
	}
}

func TestServeReturnsWriteError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := newTestBroadcaster(t, Config{}, nil, nil)
	s, _ := b.Register(ctx, "c1")
	_ = b.Activate(ctx, s)

	w := &recordingWriter{failAfter: 1}
	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(ctx, w, b.ServeOptions()) }()
	b.Publish(ctx, line("boom", 1))

	select {
	case err := <-errCh:
		if err == nil || errors.Is(err, ErrSessionClosed) {
			t.Fatalf("expected write error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("serve did not stop on write failure")
	}
}

func TestServeSendsHeartbeats(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := newTestBroadcaster(t, Config{HeartbeatInterval: 5 * time.Millisecond}, nil, nil)
	_, w := connect(t, ctx, b, "c1")
	waitFor(t, "heartbeats", func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		return w.heartbeats >= 2
	})
}

func TestConcurrentRegistrationDuringFanOut(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := newTestBroadcaster(t, Config{GracePeriod: time.Millisecond}, nil, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			b.Publish(ctx, line(fmt.Sprintf("line %d", i), i%60))
		}
	}()
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				id := fmt.Sprintf("c%d-%d", g, i%3)
				s, err := b.Register(ctx, id)
				if err != nil {
					t.Errorf("register: %v", err)
					return
				}
				_ = b.Activate(ctx, s)
				if i%2 == 0 {
					b.Disconnect(s, nil)
				} else {
					_ = b.Close(id)
				}
			}
		}(g)
	}
	wg.Wait()

	for _, info := range b.Sessions() {
		if info.State == StateClosed.String() {
			t.Fatalf("closed session %s still registered", info.ID)
		}
	}
}
