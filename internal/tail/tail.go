// Copyright (c) 2025 HYPR. PTE. LTD.
//
// Business Source License 1.1
// See LICENSE file in the project root for details.

// Package tail consumes a log stream into a newest-first buffer and keeps
// reconnecting until it is stopped.
package tail

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ccheshirecat/streamlog/internal/protocol/logstream"
	"github.com/ccheshirecat/streamlog/internal/render"
)

// DefaultRetryDelay is the fixed wait between connection attempts.
const DefaultRetryDelay = time.Second

// ErrStreamEnded reports that the server closed the stream cleanly.
var ErrStreamEnded = errors.New("tail: stream ended")

// ErrAlreadyRunning is returned by a second concurrent Run.
var ErrAlreadyRunning = errors.New("tail: already running")

// State is the consumption state.
type State int32

const (
	StateIdle State = iota
	StateConnected
	StateReconnecting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Stream yields decoded events from one connection. Next returns an error
// wrapping logstream.ErrMalformed for a bad event the caller may skip; any
// other error ends the connection.
type Stream interface {
	Next() (logstream.Event, error)
	Close() error
}

// Dialer opens a fresh connection. Each successful dial is a new epoch.
type Dialer interface {
	Dial(ctx context.Context) (Stream, error)
}

// DialFunc adapts a function to Dialer.
type DialFunc func(ctx context.Context) (Stream, error)

func (f DialFunc) Dial(ctx context.Context) (Stream, error) { return f(ctx) }

// Options configures a Tail.
type Options struct {
	Dialer Dialer
	// Buffer receives entries. A new unbounded buffer is used when nil.
	Buffer *Buffer
	// Render runs once per data entry before it becomes visible.
	// Defaults to render.Terminal.
	Render     render.Func
	RetryDelay time.Duration
	Logger     *slog.Logger
	// OnState is called on every transition with the error that caused it,
	// if any.
	OnState func(State, error)
	// OnUpdate is called after each buffer change.
	OnUpdate func()
}

// Tail is the client-side consumption loop.
type Tail struct {
	opts    Options
	state   atomic.Int32
	epoch   atomic.Uint64
	dropped atomic.Uint64
	running atomic.Bool

	stopOnce sync.Once
	stop     chan struct{}
}

// New validates opts and returns an idle Tail.
func New(opts Options) (*Tail, error) {
	if opts.Dialer == nil {
		return nil, fmt.Errorf("tail: dialer must not be nil")
	}
	if opts.Buffer == nil {
		opts.Buffer = NewBuffer(0)
	}
	if opts.Render == nil {
		opts.Render = render.Terminal
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Tail{opts: opts, stop: make(chan struct{})}, nil
}

func (t *Tail) State() State { return State(t.state.Load()) }

// Epoch counts successful connections.
func (t *Tail) Epoch() uint64 { return t.epoch.Load() }

// Malformed counts events dropped because they could not be decoded.
func (t *Tail) Malformed() uint64 { return t.dropped.Load() }

func (t *Tail) Buffer() *Buffer { return t.opts.Buffer }

// Stop ends Run from any state. It is safe to call more than once.
func (t *Tail) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
	if !t.running.Load() {
		t.setState(StateStopped, nil)
	}
}

// Run connects, consumes, and reconnects after a fixed delay until Stop is
// called (returns nil) or ctx ends (returns ctx.Err()).
func (t *Tail) Run(ctx context.Context) error {
	if !t.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer t.running.Store(false)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	select {
	case <-t.stop:
		cancel()
	default:
	}
	go func() {
		select {
		case <-t.stop:
			cancel()
		case <-runCtx.Done():
		}
	}()

	for {
		if runCtx.Err() != nil {
			return t.finish(ctx)
		}
		stream, err := t.opts.Dialer.Dial(runCtx)
		if err == nil {
			t.epoch.Add(1)
			t.setState(StateConnected, nil)
			err = t.consume(runCtx, stream)
		}
		if runCtx.Err() != nil {
			return t.finish(ctx)
		}
		t.opts.Logger.Warn("log stream interrupted", "error", err, "retry_in", t.opts.RetryDelay)
		t.setState(StateReconnecting, err)

		timer := time.NewTimer(t.opts.RetryDelay)
		select {
		case <-runCtx.Done():
			timer.Stop()
			return t.finish(ctx)
		case <-timer.C:
		}
	}
}

func (t *Tail) finish(ctx context.Context) error {
	t.setState(StateStopped, nil)
	return ctx.Err()
}

func (t *Tail) consume(ctx context.Context, stream Stream) error {
	done := make(chan struct{})
	defer close(done)
	// Closing the stream unblocks a pending Next on cancellation.
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		stream.Close()
	}()

	for {
		ev, err := stream.Next()
		if err != nil {
			if errors.Is(err, logstream.ErrMalformed) {
				t.dropped.Add(1)
				t.opts.Logger.Warn("dropping malformed event", "error", err)
				continue
			}
			if errors.Is(err, io.EOF) {
				return ErrStreamEnded
			}
			return err
		}
		t.apply(ev)
	}
}

func (t *Tail) apply(ev logstream.Event) {
	switch ev.Kind {
	case logstream.KindReset:
		t.opts.Buffer.Reset()
	case logstream.KindData:
		t.opts.Buffer.Prepend(Entry{Raw: ev.Entry, Rendered: t.opts.Render(ev.Entry.Line)})
	default:
		return
	}
	if t.opts.OnUpdate != nil {
		t.opts.OnUpdate()
	}
}

func (t *Tail) setState(s State, cause error) {
	if State(t.state.Swap(int32(s))) == s && cause == nil {
		return
	}
	if t.opts.OnState != nil {
		t.opts.OnState(s, cause)
	}
}
