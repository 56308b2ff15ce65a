// Copyright (c) 2025 HYPR. PTE. LTD.
//
// Business Source License 1.1
// See LICENSE file in the project root for details.

// Package logstream defines the server-to-client event vocabulary and its
// encodings for Server-Sent Events and WebSocket transports.
//
// There are exactly two events. A reset tells the consumer to discard every
// entry it holds; a data event carries one log entry. Payloads are parsed and
// validated at the boundary and never travel as untyped blobs.
package logstream

import (
	"errors"

	"github.com/ccheshirecat/streamlog/internal/logentry"
)

// Kind discriminates the event variants.
type Kind uint8

const (
	KindData Kind = iota
	KindReset
)

func (k Kind) String() string {
	switch k {
	case KindReset:
		return "reset"
	case KindData:
		return "data"
	default:
		return "unknown"
	}
}

// Event is the tagged variant delivered on a stream.
type Event struct {
	Kind  Kind
	Entry logentry.LogEntry
}

// Reset builds a reset event.
func Reset() Event { return Event{Kind: KindReset} }

// Data builds a data event carrying entry.
func Data(entry logentry.LogEntry) Event { return Event{Kind: KindData, Entry: entry} }

// ErrMalformed marks a single undecodable event. The stream that produced it
// is still healthy; callers drop the event and keep reading.
var ErrMalformed = errors.New("logstream: malformed event")

// EventName is the SSE event field used for resets. Data events are sent as
// unnamed (default) events.
const EventName = "reset"
