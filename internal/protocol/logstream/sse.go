// Copyright (c) 2025 HYPR. PTE. LTD.
//
// Business Source License 1.1
// See LICENSE file in the project root for details.

package logstream

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/ccheshirecat/streamlog/internal/logentry"
)

const (
	// MaxDataBytes bounds the encoded payload of one data event. Lines whose
	// encoding would exceed it are truncated before they are sent.
	MaxDataBytes = 4 << 20
	// safeLineBytes always encodes within MaxDataBytes: JSON escaping turns
	// one byte into at most six.
	safeLineBytes = (MaxDataBytes - 256) / 6
	maxFieldBytes = MaxDataBytes + len("data: ")
)

// fitEntry truncates the line, on a rune boundary, when its encoded form
// would not fit in MaxDataBytes.
func fitEntry(e logentry.LogEntry) logentry.LogEntry {
	if len(e.Line) <= safeLineBytes {
		return e
	}
	if payload, err := e.MarshalCompact(); err == nil && len(payload) <= MaxDataBytes {
		return e
	}
	n := safeLineBytes
	for n > 0 && !utf8.RuneStart(e.Line[n]) {
		n--
	}
	e.Line = e.Line[:n]
	return e
}

// SSEWriter frames events as text/event-stream and flushes after each one.
type SSEWriter struct {
	w       io.Writer
	flusher http.Flusher
}

// NewSSEWriter wraps w. When w implements http.Flusher every event is pushed
// to the network immediately.
func NewSSEWriter(w io.Writer) *SSEWriter {
	flusher, _ := w.(http.Flusher)
	return &SSEWriter{w: w, flusher: flusher}
}

// WriteEvent writes one event.
func (s *SSEWriter) WriteEvent(ev Event) error {
	switch ev.Kind {
	case KindReset:
		if _, err := io.WriteString(s.w, "event: "+EventName+"\ndata: "+EventName+"\n\n"); err != nil {
			return err
		}
	case KindData:
		payload, err := fitEntry(ev.Entry).MarshalCompact()
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
			return err
		}
	default:
		return fmt.Errorf("logstream: unknown event kind %d", ev.Kind)
	}
	s.flush()
	return nil
}

// WriteHeartbeat writes an SSE comment so intermediaries and the peer see
// traffic on an otherwise idle stream.
func (s *SSEWriter) WriteHeartbeat() error {
	if _, err := io.WriteString(s.w, ": ping\n\n"); err != nil {
		return err
	}
	s.flush()
	return nil
}

// WriteComment writes an arbitrary SSE comment line.
func (s *SSEWriter) WriteComment(text string) error {
	if _, err := io.WriteString(s.w, ": "+text+"\n\n"); err != nil {
		return err
	}
	s.flush()
	return nil
}

func (s *SSEWriter) flush() {
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

// SSEReader decodes events from a text/event-stream body.
type SSEReader struct {
	r   *bufio.Reader
	max int
}

// NewSSEReader reads frames from r. A field line longer than any frame
// SSEWriter produces makes its event malformed without breaking the stream.
func NewSSEReader(r io.Reader) *SSEReader {
	return &SSEReader{r: bufio.NewReaderSize(r, 64*1024), max: maxFieldBytes}
}

// Next blocks until a complete event arrives. Errors wrapping ErrMalformed
// concern only that event; any other error means the stream is broken, and
// io.EOF means the server closed it.
func (r *SSEReader) Next() (Event, error) {
	var (
		name      string
		data      []string
		hasData   bool
		oversized bool
	)
	for {
		line, tooLong, err := r.readLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return Event{}, io.EOF
			}
			return Event{}, fmt.Errorf("logstream: read sse: %w", err)
		}
		if tooLong {
			oversized = true
			continue
		}
		if line == "" {
			if oversized {
				return Event{}, fmt.Errorf("%w: event larger than %d bytes", ErrMalformed, r.max)
			}
			if !hasData && name == "" {
				continue
			}
			return decodeSSE(name, strings.Join(data, "\n"))
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			name = value
		case "data":
			data = append(data, value)
			hasData = true
		}
	}
}

// readLine returns one line without its terminator. A line beyond r.max is
// consumed and discarded, and reported through tooLong.
func (r *SSEReader) readLine() (line string, tooLong bool, err error) {
	var buf []byte
	for {
		chunk, err := r.r.ReadSlice('\n')
		if !tooLong {
			if len(buf)+len(chunk) > r.max+2 {
				tooLong, buf = true, nil
			} else {
				buf = append(buf, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil {
			// A partial line at EOF never completes an event.
			return "", false, err
		}
		break
	}
	if tooLong {
		return "", true, nil
	}
	buf = bytes.TrimSuffix(buf, []byte("\n"))
	buf = bytes.TrimSuffix(buf, []byte("\r"))
	return string(buf), false, nil
}

func decodeSSE(name, data string) (Event, error) {
	switch name {
	case EventName:
		return Reset(), nil
	case "", "message":
		entry, err := logentry.Parse([]byte(data))
		if err != nil {
			return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return Data(entry), nil
	default:
		return Event{}, fmt.Errorf("%w: unknown event %q", ErrMalformed, name)
	}
}
