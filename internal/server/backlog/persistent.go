// Copyright (c) 2025 HYPR. PTE. LTD.
//
// Business Source License 1.1
// See LICENSE file in the project root for details.

package backlog

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ccheshirecat/streamlog/internal/logentry"
	"github.com/ccheshirecat/streamlog/internal/server/db"
)

const (
	// pruneEvery amortises the DELETE over several inserts; the table may
	// hold up to capacity+pruneEvery rows between prunes.
	pruneEvery = 64
	// writeQueue is how far the database may lag behind the live window
	// before Append waits for the writer.
	writeQueue = 4096
	maxBatch   = 256
)

// ErrClosed is returned by Append after Close.
var ErrClosed = errors.New("backlog: closed")

// Persistent keeps the backlog in a database so it survives restarts of the
// daemon. Reads are served from an in-memory window; rows are written by a
// background goroutine so Append never waits on the disk unless the writer
// is a full queue behind. Clients still see a reset after a restart.
type Persistent struct {
	store    db.Store
	capacity int
	window   *Memory

	mu      sync.Mutex
	closed  bool
	pending chan logentry.LogEntry
	done    chan struct{}

	inserts  int
	errMu    sync.Mutex
	writeErr error
}

var _ Store = (*Persistent)(nil)

// OpenPersistent bounds store to the newest capacity lines and loads them
// into the live window.
func OpenPersistent(ctx context.Context, store db.Store, capacity int) (*Persistent, error) {
	if capacity < 1 {
		capacity = 1
	}
	saved, err := store.Queries().Lines().Recent(ctx, "", capacity)
	if err != nil {
		return nil, fmt.Errorf("backlog: load: %w", err)
	}
	p := &Persistent{
		store:    store,
		capacity: capacity,
		window:   NewMemory(capacity),
		pending:  make(chan logentry.LogEntry, writeQueue),
		done:     make(chan struct{}),
	}
	for _, l := range saved {
		_ = p.window.Append(ctx, logentry.LogEntry{Line: l.Line, Timestamp: l.Timestamp})
	}
	go p.writeLoop()
	return p, nil
}

// Append makes entry visible to Recent immediately and queues it for the
// database.
func (p *Persistent) Append(ctx context.Context, entry logentry.LogEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	_ = p.window.Append(ctx, entry)
	select {
	case p.pending <- entry:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("backlog: persist: %w", ctx.Err())
	}
}

func (p *Persistent) Recent(ctx context.Context, expr string, limit int) ([]logentry.LogEntry, error) {
	return p.window.Recent(ctx, expr, limit)
}

// Close flushes queued lines and closes the database. It reports the first
// write error seen since Open.
func (p *Persistent) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.pending)
	}
	p.mu.Unlock()

	select {
	case <-p.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return errors.Join(p.err(), p.store.Close(ctx))
}

func (p *Persistent) writeLoop() {
	defer close(p.done)
	batch := make([]logentry.LogEntry, 0, maxBatch)
	for entry := range p.pending {
		batch = append(batch[:0], entry)
	drain:
		for len(batch) < maxBatch {
			select {
			case next, ok := <-p.pending:
				if !ok {
					break drain
				}
				batch = append(batch, next)
			default:
				break drain
			}
		}
		if err := p.write(batch); err != nil {
			p.errMu.Lock()
			if p.writeErr == nil {
				p.writeErr = err
			}
			p.errMu.Unlock()
		}
	}
}

func (p *Persistent) write(batch []logentry.LogEntry) error {
	ctx := context.Background()
	p.inserts += len(batch)
	prune := p.inserts >= pruneEvery
	if prune {
		p.inserts = 0
	}
	return p.store.WithTx(ctx, func(q db.Queries) error {
		for _, entry := range batch {
			if _, err := q.Lines().Insert(ctx, db.Line{Line: entry.Line, Timestamp: entry.Timestamp}); err != nil {
				return fmt.Errorf("backlog: insert: %w", err)
			}
		}
		if prune {
			if _, err := q.Lines().Prune(ctx, p.capacity); err != nil {
				return fmt.Errorf("backlog: prune: %w", err)
			}
		}
		return nil
	})
}

func (p *Persistent) err() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.writeErr
}
