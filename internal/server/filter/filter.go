// Copyright (c) 2025 HYPR. PTE. LTD.
//
// Business Source License 1.1
// See LICENSE file in the project root for details.

package filter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// MaxLength bounds a filter expression in bytes.
const MaxLength = 4096

// ErrInvalidFilter is returned for expressions the store refuses to hold.
var ErrInvalidFilter = errors.New("filter: invalid expression")

// Store holds the current filter expression per session. Entries are only
// ever replaced whole; readers never observe a partial update.
type Store interface {
	Set(ctx context.Context, sessionID, expr string) error
	Get(sessionID string) string
	Delete(sessionID string)
}

// Match reports whether line passes expr: case-sensitive substring
// containment against the raw line, with the empty expression matching all.
func Match(expr, line string) bool {
	return expr == "" || strings.Contains(line, expr)
}

// Validate checks an expression before it is stored.
func Validate(expr string) error {
	if len(expr) > MaxLength {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidFilter, MaxLength)
	}
	if strings.ContainsAny(expr, "\n\r") {
		return fmt.Errorf("%w: contains a line break", ErrInvalidFilter)
	}
	return nil
}

// MemoryStore is the in-process Store.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]string
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]string)}
}

// Set replaces the filter for sessionID. Concurrent calls are applied in
// the order they acquire the lock; the last one wins.
func (m *MemoryStore) Set(ctx context.Context, sessionID, expr string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := Validate(expr); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[sessionID] = expr
	return nil
}

// Get returns the current filter, or "" when none was set.
func (m *MemoryStore) Get(sessionID string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.items[sessionID]
}

// Delete forgets the filter for sessionID.
func (m *MemoryStore) Delete(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, sessionID)
}
