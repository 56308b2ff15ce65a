// Copyright (c) 2025 HYPR. PTE. LTD.
//
// Business Source License 1.1
// See LICENSE file in the project root for details.

package db

import (
	"context"
	"time"
)

// Line models a retained log line.
type Line struct {
	ID        int64
	Line      string
	Timestamp time.Time
}

// Store describes the persistence surface consumed by the backlog.
type Store interface {
	Close(ctx context.Context) error
	Queries() Queries
	WithTx(ctx context.Context, fn func(Queries) error) error
}

// Queries exposes repository accessors bound to a specific connection scope
// (either the root connection or a transaction).
type Queries interface {
	Lines() LineRepository
}

// LineRepository stores the bounded history served as backlog.
type LineRepository interface {
	Insert(ctx context.Context, line Line) (int64, error)
	// Recent returns at most limit lines containing substr (all lines when
	// substr is empty), oldest first.
	Recent(ctx context.Context, substr string, limit int) ([]Line, error)
	// Prune deletes everything but the newest keep lines.
	Prune(ctx context.Context, keep int) (int64, error)
	Count(ctx context.Context) (int64, error)
}
