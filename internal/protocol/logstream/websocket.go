// Copyright (c) 2025 HYPR. PTE. LTD.
//
// Business Source License 1.1
// See LICENSE file in the project root for details.

package logstream

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ccheshirecat/streamlog/internal/logentry"
)

// Frame is the JSON message exchanged on the WebSocket transport.
type Frame struct {
	Type      string     `json:"type"`
	Line      *string    `json:"line,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// EncodeFrame converts ev to its WebSocket frame.
func EncodeFrame(ev Event) (Frame, error) {
	switch ev.Kind {
	case KindReset:
		return Frame{Type: KindReset.String()}, nil
	case KindData:
		entry := fitEntry(ev.Entry)
		line, ts := entry.Line, entry.Timestamp
		return Frame{Type: KindData.String(), Line: &line, Timestamp: &ts}, nil
	default:
		return Frame{}, fmt.Errorf("logstream: unknown event kind %d", ev.Kind)
	}
}

// DecodeFrame parses a WebSocket text message.
func DecodeFrame(data []byte) (Event, error) {
	var frame struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch frame.Type {
	case KindReset.String():
		return Reset(), nil
	case KindData.String():
		entry, err := logentry.Parse(data)
		if err != nil {
			return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return Data(entry), nil
	default:
		return Event{}, fmt.Errorf("%w: unknown frame type %q", ErrMalformed, frame.Type)
	}
}
