// Copyright (c) 2025 HYPR. PTE. LTD.
//
// Business Source License 1.1
// See LICENSE file in the project root for details.

package render

import "testing"

func TestTerminal(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain text", "hello world", "hello world"},
		{"keeps closed color", "\x1b[31merror\x1b[0m done", "\x1b[31merror\x1b[0m done"},
		{"closes open color", "\x1b[1;32mok", "\x1b[1;32mok\x1b[0m"},
		{"drops cursor movement", "a\x1b[2Jb\x1b[10;5Hc", "abc"},
		{"drops private modes", "\x1b[?25lhidden", "hidden"},
		{"drops osc title", "\x1b]0;pwned\x07text", "text"},
		{"drops osc hyperlink with st", "\x1b]8;;http://x\x1b\\link\x1b]8;;\x1b\\", "link"},
		{"drops controls keeps tab", "a\tb\rc\bd\x00e", "a\tbcde"},
		{"drops c1 csi", "a\u009b31mb", "a31mb"},
		{"unterminated csi", "text\x1b[31", "text"},
		{"lone escape", "text\x1b", "text"},
		{"markup-like text untouched", "<b>&amp;</b>", "<b>&amp;</b>"},
		{"invalid utf8 replaced", "a\xffb", "a�b"},
		{"keeps unicode", "héllo ✓", "héllo ✓"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Terminal(tc.in); got != tc.want {
				t.Fatalf("Terminal(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestPlainStripsColor(t *testing.T) {
	if got := Plain("\x1b[31merror\x1b[0m \x1b]0;t\x07x"); got != "error x" {
		t.Fatalf("Plain = %q", got)
	}
}

func TestTerminalIsIdempotentOnSafeOutput(t *testing.T) {
	once := Terminal("\x1b[33mwarn\x1b[2K")
	if twice := Terminal(once); twice != once {
		t.Fatalf("sanitized output changed on second pass: %q -> %q", once, twice)
	}
}
