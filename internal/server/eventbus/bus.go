// Copyright (c) 2025 HYPR. PTE. LTD.
//
// Business Source License 1.1
// See LICENSE file in the project root for details.

package eventbus

import (
	"context"
	"time"
)

// SessionEvent describes a lifecycle transition of a streaming session.
type SessionEvent struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	ConnID    string    `json:"conn_id"`
	Filter    string    `json:"filter,omitempty"`
	Dropped   uint64    `json:"dropped,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	TypeSessionConnecting   = "SESSION_CONNECTING"
	TypeSessionStreaming    = "SESSION_STREAMING"
	TypeSessionReset        = "SESSION_RESET"
	TypeSessionDisconnected = "SESSION_DISCONNECTED"
	TypeSessionClosed       = "SESSION_CLOSED"
)

// Bus is a thin abstraction over the lifecycle event distribution mechanism.
// Publishing never blocks on a slow subscriber.
type Bus interface {
	Publish(ctx context.Context, event SessionEvent) error
	Subscribe(ch chan<- SessionEvent) (unsubscribe func(), err error)
}
