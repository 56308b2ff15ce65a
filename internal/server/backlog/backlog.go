// Copyright (c) 2025 HYPR. PTE. LTD.
//
// Business Source License 1.1
// See LICENSE file in the project root for details.

// Package backlog retains a bounded window of recent log lines so a session
// can be handed currently-matching history right after a reset.
package backlog

import (
	"context"
	"sync"

	"github.com/ccheshirecat/streamlog/internal/logentry"
	"github.com/ccheshirecat/streamlog/internal/server/filter"
)

// Store retains recent lines. Recent returns at most limit entries that
// match expr, oldest first.
type Store interface {
	Append(ctx context.Context, entry logentry.LogEntry) error
	Recent(ctx context.Context, expr string, limit int) ([]logentry.LogEntry, error)
	Close(ctx context.Context) error
}

// Memory is a fixed-capacity ring buffer.
type Memory struct {
	mu    sync.RWMutex
	ring  []logentry.LogEntry
	next  int
	count int
}

var _ Store = (*Memory)(nil)

// NewMemory returns a ring holding the newest capacity entries.
func NewMemory(capacity int) *Memory {
	if capacity < 1 {
		capacity = 1
	}
	return &Memory{ring: make([]logentry.LogEntry, capacity)}
}

func (m *Memory) Append(_ context.Context, entry logentry.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ring[m.next] = entry
	m.next = (m.next + 1) % len(m.ring)
	if m.count < len(m.ring) {
		m.count++
	}
	return nil
}

func (m *Memory) Recent(_ context.Context, expr string, limit int) ([]logentry.LogEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Walk newest to oldest, then reverse.
	matched := make([]logentry.LogEntry, 0, min(limit, m.count))
	for i := 0; i < m.count && len(matched) < limit; i++ {
		idx := (m.next - 1 - i + len(m.ring)) % len(m.ring)
		if filter.Match(expr, m.ring[idx].Line) {
			matched = append(matched, m.ring[idx])
		}
	}
	for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
		matched[i], matched[j] = matched[j], matched[i]
	}
	return matched, nil
}

func (m *Memory) Close(context.Context) error { return nil }
