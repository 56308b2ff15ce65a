// Copyright (c) 2025 HYPR. PTE. LTD.
//
// Business Source License 1.1
// See LICENSE file in the project root for details.

package logentry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// LogEntry is a single raw log line as produced by a line source. Values are
// immutable once created and are passed by value through the pipeline.
type LogEntry struct {
	Line      string    `json:"line"`
	Timestamp time.Time `json:"timestamp"`
}

// New stamps line with the current UTC time.
func New(line string) LogEntry {
	return LogEntry{Line: line, Timestamp: time.Now().UTC()}
}

// MarshalCompact encodes the entry as a single-line JSON object without HTML
// escaping, so ANSI sequences and markup-looking text survive verbatim.
func (e LogEntry) MarshalCompact() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(e); err != nil {
		return nil, fmt.Errorf("logentry: encode: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Parse decodes a data payload. Both fields are required; a payload missing
// the timestamp is rejected rather than silently zero-stamped.
func Parse(data []byte) (LogEntry, error) {
	var raw struct {
		Line      *string    `json:"line"`
		Timestamp *time.Time `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return LogEntry{}, fmt.Errorf("logentry: decode: %w", err)
	}
	if raw.Line == nil {
		return LogEntry{}, fmt.Errorf("logentry: missing line")
	}
	if raw.Timestamp == nil {
		return LogEntry{}, fmt.Errorf("logentry: missing timestamp")
	}
	return LogEntry{Line: *raw.Line, Timestamp: *raw.Timestamp}, nil
}
