// Copyright (c) 2025 HYPR. PTE. LTD.
//
// Business Source License 1.1
// See LICENSE file in the project root for details.

package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/ccheshirecat/streamlog/internal/server/eventbus"
)

// Bus is an in-memory event bus for a single daemon process.
type Bus struct {
	mu      sync.RWMutex
	subs    []chan<- eventbus.SessionEvent
	dropped atomic.Uint64
}

var _ eventbus.Bus = (*Bus)(nil)

// New creates a new Bus instance.
func New() *Bus {
	return &Bus{}
}

// Publish fans the event out to subscribers, skipping any whose channel is full.
func (b *Bus) Publish(ctx context.Context, event eventbus.SessionEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe registers a channel.
func (b *Bus) Subscribe(ch chan<- eventbus.SessionEvent) (func(), error) {
	if ch == nil {
		return nil, errors.New("eventbus: channel must not be nil")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, ch)
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i := range b.subs {
				if b.subs[i] == ch {
					b.subs = append(b.subs[:i], b.subs[i+1:]...)
					break
				}
			}
		})
	}, nil
}

// Dropped reports how many deliveries were skipped because a subscriber
// was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
