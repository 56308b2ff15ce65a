// Copyright (c) 2025 HYPR. PTE. LTD.
//
// Business Source License 1.1
// See LICENSE file in the project root for details.

// Package source produces the ordered stream of log lines the broadcaster
// fans out. Every line is stamped with the time it was read.
package source

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"

	"golang.org/x/term"

	"github.com/ccheshirecat/streamlog/internal/logentry"
)

// MaxLineBytes bounds a single line read from a stream source.
const MaxLineBytes = 1 << 20

// ErrAlreadyStarted is returned when a source is run a second time.
var ErrAlreadyStarted = errors.New("source: already started")

// Source emits lines in order onto out. Run returns nil when the source is
// exhausted and ctx.Err() when cancelled. It never closes out. Sources are
// single-use.
type Source interface {
	Run(ctx context.Context, out chan<- logentry.LogEntry) error
}

type once struct{ started atomic.Bool }

func (o *once) start() error {
	if !o.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	return nil
}

// Reader reads newline-delimited lines from an io.Reader.
type Reader struct {
	once
	r    io.Reader
	name string
}

// NewReader wraps r. name is used in errors only.
func NewReader(r io.Reader, name string) *Reader {
	return &Reader{r: r, name: name}
}

// NewStdin reads from the process's standard input.
func NewStdin(logger *slog.Logger) *Reader {
	if term.IsTerminal(int(os.Stdin.Fd())) && logger != nil {
		logger.Warn("reading log lines from an interactive terminal; pipe a log stream into streamlogd")
	}
	return NewReader(os.Stdin, "stdin")
}

func (r *Reader) Run(ctx context.Context, out chan<- logentry.LogEntry) error {
	if err := r.start(); err != nil {
		return err
	}
	lines := make(chan string)
	errCh := make(chan error, 1)
	// A blocked Read cannot be interrupted, so scanning lives in its own
	// goroutine and Run stops waiting for it on cancellation.
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r.r)
		scanner.Buffer(make([]byte, 64*1024), MaxLineBytes)
		for scanner.Scan() {
			select {
			case lines <- strings.TrimSuffix(scanner.Text(), "\r"):
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			errCh <- fmt.Errorf("source %s: %w", r.name, err)
		}
	}()
	return forward(ctx, lines, errCh, out)
}

func forward(ctx context.Context, lines <-chan string, errCh <-chan error, out chan<- logentry.LogEntry) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-errCh:
					return err
				default:
					return nil
				}
			}
			select {
			case out <- logentry.New(line):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
