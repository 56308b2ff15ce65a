// Copyright (c) 2025 HYPR. PTE. LTD.
//
// Business Source License 1.1
// See LICENSE file in the project root for details.

// Package render turns raw log text into output that is safe to write to a
// terminal. Raw lines may carry arbitrary escape sequences; only SGR color
// and style sequences survive.
package render

import (
	"strings"
	"unicode/utf8"
)

// Func transforms one raw line into display-safe markup. Implementations
// must be pure.
type Func func(raw string) string

const (
	esc    = 0x1b
	bel    = 0x07
	sgrEnd = "\x1b[0m"
)

// Terminal keeps SGR sequences, strips every other escape sequence and
// control character, and closes any open styling at the end of the line.
func Terminal(raw string) string { return sanitize(raw, true) }

// Plain strips all escape sequences, SGR included.
func Plain(raw string) string { return sanitize(raw, false) }

func sanitize(raw string, keepSGR bool) string {
	if !utf8.ValidString(raw) {
		raw = strings.ToValidUTF8(raw, "�")
	}
	var b strings.Builder
	b.Grow(len(raw))
	styled := false

	for i := 0; i < len(raw); {
		c := raw[i]
		switch {
		case c == esc:
			n, seq, isSGR := scanEscape(raw[i:])
			if keepSGR && isSGR {
				b.WriteString(seq)
				styled = seq != sgrEnd && seq != "\x1b[m"
			}
			i += n
		case c == '\t':
			b.WriteByte(c)
			i++
		case c < 0x20 || c == 0x7f:
			i++
		case c < utf8.RuneSelf:
			b.WriteByte(c)
			i++
		default:
			r, size := utf8.DecodeRuneInString(raw[i:])
			// C1 controls, including the single-byte CSI form.
			if r >= 0x80 && r <= 0x9f {
				i += size
				continue
			}
			b.WriteString(raw[i : i+size])
			i += size
		}
	}
	if styled {
		b.WriteString(sgrEnd)
	}
	return b.String()
}

// scanEscape measures the escape sequence at the start of s and reports
// whether it is a well-formed SGR sequence.
func scanEscape(s string) (n int, seq string, isSGR bool) {
	if len(s) < 2 {
		return len(s), s, false
	}
	switch s[1] {
	case '[':
		j := 2
		params := true
		for j < len(s) && s[j] >= 0x30 && s[j] <= 0x3f {
			if (s[j] < '0' || s[j] > '9') && s[j] != ';' && s[j] != ':' {
				params = false
			}
			j++
		}
		intermediates := j
		for j < len(s) && s[j] >= 0x20 && s[j] <= 0x2f {
			j++
		}
		if j >= len(s) || s[j] < 0x40 || s[j] > 0x7e {
			// Unterminated: swallow what was scanned.
			return j, s[:j], false
		}
		sgr := s[j] == 'm' && params && intermediates == j
		return j + 1, s[:j+1], sgr
	case ']', 'P', 'X', '^', '_':
		// String sequences end with BEL or ST (ESC \).
		for j := 2; j < len(s); j++ {
			if s[j] == bel {
				return j + 1, s[:j+1], false
			}
			if s[j] == esc && j+1 < len(s) && s[j+1] == '\\' {
				return j + 2, s[:j+2], false
			}
		}
		return len(s), s, false
	default:
		if s[1] >= 0x20 && s[1] <= 0x7e {
			return 2, s[:2], false
		}
		return 1, s[:1], false
	}
}
