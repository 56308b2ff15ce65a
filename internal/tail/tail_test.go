// Copyright (c) 2025 HYPR. PTE. LTD.
//
// Business Source License 1.1
// See LICENSE file in the project root for details.

package tail

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ccheshirecat/streamlog/internal/logentry"
	"github.com/ccheshirecat/streamlog/internal/protocol/logstream"
)

type item struct {
	ev  logstream.Event
	err error
}

type fakeStream struct {
	items     chan item
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{items: make(chan item, 64), closed: make(chan struct{})}
}

func (s *fakeStream) Next() (logstream.Event, error) {
	select {
	case it, ok := <-s.items:
		if !ok {
			return logstream.Event{}, io.EOF
		}
		return it.ev, it.err
	case <-s.closed:
		return logstream.Event{}, errors.New("stream closed")
	}
}

func (s *fakeStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeStream) reset()           { s.items <- item{ev: logstream.Reset()} }
func (s *fakeStream) data(line string) { s.items <- item{ev: logstream.Data(logentry.New(line))} }
func (s *fakeStream) fail(err error)   { s.items <- item{err: err} }
func (s *fakeStream) malformed()       { s.fail(fmt.Errorf("%w: bad json", logstream.ErrMalformed)) }

type dialResult struct {
	stream *fakeStream
	err    error
}

type fakeDialer struct {
	results chan dialResult
	dials   atomic.Int32
}

func newFakeDialer() *fakeDialer { return &fakeDialer{results: make(chan dialResult, 8)} }

func (d *fakeDialer) Dial(ctx context.Context) (Stream, error) {
	d.dials.Add(1)
	select {
	case r := <-d.results:
		if r.err != nil {
			return nil, r.err
		}
		return r.stream, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *fakeDialer) connect() *fakeStream {
	s := newFakeStream()
	d.results <- dialResult{stream: s}
	return s
}

type harness struct {
	tail   *Tail
	dialer *fakeDialer
	done   chan error
	cancel context.CancelFunc

	mu     sync.Mutex
	states []State
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{dialer: newFakeDialer(), done: make(chan error, 1)}
	opts.Dialer = h.dialer
	if opts.RetryDelay == 0 {
		opts.RetryDelay = 10 * time.Millisecond
	}
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	opts.OnState = func(s State, _ error) {
		h.mu.Lock()
		h.states = append(h.states, s)
		h.mu.Unlock()
	}
	tl, err := New(opts)
	if err != nil {
		t.Fatalf("new tail: %v", err)
	}
	h.tail = tl
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	t.Cleanup(cancel)
	go func() { h.done <- tl.Run(ctx) }()
	return h
}

func (h *harness) lines() []string {
	snap := h.tail.Buffer().Snapshot()
	out := make([]string, len(snap))
	for i, e := range snap {
		out[i] = e.Raw.Line
	}
	return out
}

func (h *harness) stateLog() []State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]State(nil), h.states...)
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func expectLines(t *testing.T, h *harness, want ...string) {
	t.Helper()
	eventually(t, "buffer "+strings.Join(want, ","), func() bool {
		return strings.Join(h.lines(), ",") == strings.Join(want, ",")
	})
}

func TestNewestFirstAndFilterReset(t *testing.T) {
	h := newHarness(t, Options{})
	s := h.dialer.connect()

	s.reset()
	s.data("A")
	s.data("B")
	s.data("C")
	expectLines(t, h, "C", "B", "A")

	s.reset()
	s.data("B")
	expectLines(t, h, "B")
}

func TestDataBeforeFirstResetIsApplied(t *testing.T) {
	h := newHarness(t, Options{})
	s := h.dialer.connect()
	s.data("early")
	expectLines(t, h, "early")
	s.reset()
	expectLines(t, h)
}

func TestMalformedEventsAreDropped(t *testing.T) {
	h := newHarness(t, Options{})
	s := h.dialer.connect()
	s.reset()
	s.data("one")
	s.malformed()
	s.data("two")
	expectLines(t, h, "two", "one")
	if h.tail.Malformed() != 1 {
		t.Fatalf("malformed = %d", h.tail.Malformed())
	}
	if h.tail.State() != StateConnected {
		t.Fatalf("malformed event must not drop the connection, state %s", h.tail.State())
	}
}

func TestReconnectKeepsLastBufferUntilReset(t *testing.T) {
	h := newHarness(t, Options{RetryDelay: 20 * time.Millisecond})
	first := h.dialer.connect()
	first.reset()
	first.data("old")
	expectLines(t, h, "old")

	first.fail(errors.New("connection reset by peer"))
	eventually(t, "reconnecting", func() bool { return h.tail.State() == StateReconnecting })
	if got := h.lines(); len(got) != 1 || got[0] != "old" {
		t.Fatalf("buffer changed during gap: %v", got)
	}

	second := h.dialer.connect()
	eventually(t, "second epoch", func() bool { return h.tail.Epoch() == 2 })
	second.reset()
	second.data("new")
	expectLines(t, h, "new")

	states := h.stateLog()
	want := []State{StateConnected, StateReconnecting, StateConnected}
	if len(states) < len(want) {
		t.Fatalf("unexpected transitions %v", states)
	}
	for i, s := range want {
		if states[i] != s {
			t.Fatalf("unexpected transitions %v", states)
		}
	}
}

func TestRetriesFailedDialsWithFixedDelay(t *testing.T) {
	h := newHarness(t, Options{RetryDelay: 15 * time.Millisecond})
	start := time.Now()
	h.dialer.results <- dialResult{err: errors.New("refused")}
	h.dialer.results <- dialResult{err: errors.New("refused")}
	s := h.dialer.connect()
	s.reset()
	s.data("up")
	expectLines(t, h, "up")

	if h.dialer.dials.Load() != 3 {
		t.Fatalf("dials = %d", h.dialer.dials.Load())
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Fatalf("retries did not wait, elapsed %s", elapsed)
	}
}

func TestCleanServerCloseReconnects(t *testing.T) {
	h := newHarness(t, Options{})
	s := h.dialer.connect()
	s.reset()
	close(s.items)
	eventually(t, "redial", func() bool { return h.dialer.dials.Load() >= 2 })
}

func TestRenderRunsOncePerDataEntry(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, Options{Render: func(raw string) string {
		calls.Add(1)
		return "<" + raw + ">"
	}})
	s := h.dialer.connect()
	s.reset()
	s.data("x")
	s.data("y")
	expectLines(t, h, "y", "x")

	_ = h.tail.Buffer().Snapshot()
	_ = h.tail.Buffer().Snapshot()
	if calls.Load() != 2 {
		t.Fatalf("render called %d times", calls.Load())
	}
	if got := h.tail.Buffer().Snapshot()[0].Rendered; got != "<y>" {
		t.Fatalf("rendered = %q", got)
	}
}

func TestStopEndsRun(t *testing.T) {
	h := newHarness(t, Options{})
	s := h.dialer.connect()
	s.reset()
	eventually(t, "connected", func() bool { return h.tail.State() == StateConnected })

	h.tail.Stop()
	select {
	case err := <-h.done:
		if err != nil {
			t.Fatalf("expected nil after Stop, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not stop")
	}
	if h.tail.State() != StateStopped {
		t.Fatalf("state = %s", h.tail.State())
	}
}

func TestCancelDuringRetryStops(t *testing.T) {
	h := newHarness(t, Options{RetryDelay: time.Hour})
	h.dialer.results <- dialResult{err: errors.New("refused")}
	eventually(t, "reconnecting", func() bool { return h.tail.State() == StateReconnecting })

	h.cancel()
	select {
	case err := <-h.done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run ignored cancellation during retry wait")
	}
	if h.tail.State() != StateStopped {
		t.Fatalf("state = %s", h.tail.State())
	}
}

func TestResetIsAtomicForReaders(t *testing.T) {
	buf := NewBuffer(0)
	h := newHarness(t, Options{Buffer: buf})
	s := h.dialer.connect()

	stop := make(chan struct{})
	var bad atomic.Int32
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			// Each epoch writes lines tagged with one prefix; a snapshot
			// mixing prefixes means a reset was observed half-applied.
			snap := buf.Snapshot()
			if len(snap) > 0 {
				prefix := snap[0].Raw.Line[:1]
				for _, e := range snap {
					if e.Raw.Line[:1] != prefix {
						bad.Add(1)
					}
				}
			}
		}
	}()

	for round := 0; round < 20; round++ {
		tag := string(rune('a' + round))
		s.reset()
		for i := 0; i < 5; i++ {
			s.data(fmt.Sprintf("%s%d", tag, i))
		}
	}
	eventually(t, "last round", func() bool {
		snap := buf.Snapshot()
		return len(snap) == 5 && snap[0].Raw.Line == "t4"
	})
	close(stop)
	wg.Wait()
	if bad.Load() != 0 {
		t.Fatalf("observed %d mixed snapshots", bad.Load())
	}
}

func TestBufferBoundEvictsOldest(t *testing.T) {
	buf := NewBuffer(3)
	for _, l := range []string{"1", "2", "3", "4", "5"} {
		buf.Prepend(Entry{Raw: logentry.LogEntry{Line: l}})
	}
	snap := buf.Snapshot()
	if len(snap) != 3 || snap[0].Raw.Line != "5" || snap[2].Raw.Line != "3" {
		t.Fatalf("unexpected buffer %+v", snap)
	}
	before := buf.Version()
	buf.Reset()
	if buf.Len() != 0 || buf.Version() == before {
		t.Fatalf("reset did not clear buffer")
	}
}
