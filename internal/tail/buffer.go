// Copyright (c) 2025 HYPR. PTE. LTD.
//
// Business Source License 1.1
// See LICENSE file in the project root for details.

package tail

import (
	"sync"

	"github.com/ccheshirecat/streamlog/internal/logentry"
)

// Entry is a received line together with its rendered form.
type Entry struct {
	Raw      logentry.LogEntry
	Rendered string
}

// Buffer holds received entries newest first. Readers never observe a
// partially applied reset.
type Buffer struct {
	mu sync.RWMutex
	// entries is kept oldest first so prepending is an append.
	entries []Entry
	max     int
	version uint64
}

// NewBuffer returns a buffer keeping at most max entries; max <= 0 means
// unbounded.
func NewBuffer(max int) *Buffer {
	if max < 0 {
		max = 0
	}
	return &Buffer{max: max}
}

// Reset empties the buffer.
func (b *Buffer) Reset() {
	b.mu.Lock()
	clear(b.entries)
	b.entries = b.entries[:0]
	b.version++
	b.mu.Unlock()
}

// Prepend makes e the newest entry, evicting the oldest beyond the bound.
func (b *Buffer) Prepend(e Entry) {
	b.mu.Lock()
	b.entries = append(b.entries, e)
	if b.max > 0 && len(b.entries) > b.max {
		// The dead prefix is dropped the next time append reallocates.
		b.entries[0] = Entry{}
		b.entries = b.entries[1:]
	}
	b.version++
	b.mu.Unlock()
}

// Snapshot copies the entries, newest first.
func (b *Buffer) Snapshot() []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Entry, len(b.entries))
	for i, e := range b.entries {
		out[len(out)-1-i] = e
	}
	return out
}

// Newest returns the most recent entry.
func (b *Buffer) Newest() (Entry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.entries) == 0 {
		return Entry{}, false
	}
	return b.entries[len(b.entries)-1], true
}

// Len reports the number of entries.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// Version increases on every change; callers use it to skip redraws.
func (b *Buffer) Version() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.version
}

// Max returns the configured bound, 0 when unbounded.
func (b *Buffer) Max() int { return b.max }
