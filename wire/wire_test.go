// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package wire_test

import (
	"strings"
	"testing"

	"github.com/creachadair/extmod/wire"
	"github.com/google/go-cmp/cmp"
)

func TestEscape(t *testing.T) {
	tests := []struct {
		input string
		extra byte
		want  string
	}{
		{"", 0, ""},
		{"plain text", 0, "plain text"},
		{"a:b", 0, "a%zb"},
		{"100%", 0, "100%%"},
		{"line\nbreak", 0, "line%Jbreak"},
		{"\x00\x1f", 0, "%@%_"},
		{"k=v", '=', "k%}v"},
		{"k=v", 0, "k=v"},
		{"é:ü", 0, "é%zü"},

		// Extra bytes that would not survive adding 64 are ignored.
		{"a\xe9b", 0xe9, "a\xe9b"},
		{"a\xffb", 0xff, "a\xffb"},
		{"a\xbfb", 0xbf, "a%\xffb"},
	}
	for _, tc := range tests {
		got := wire.Escape(tc.input, tc.extra)
		if got != tc.want {
			t.Errorf("Escape(%q, %q): got %q, want %q", tc.input, tc.extra, got, tc.want)
		}
		if back := wire.Unescape(got); back != tc.input {
			t.Errorf("Unescape(%q): got %q, want %q", got, back, tc.input)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	var all strings.Builder
	for c := 0; c < 256; c++ {
		all.WriteByte(byte(c))
	}
	inputs := []string{
		all.String(),
		"%%%", ":::", "%:%:", "%z", "a%%zb", "trailing %",
		"key=value=more",
	}
	for _, s := range inputs {
		for _, extra := range []byte{0, '=', ',', 0xbf, 0xc0, 0xe9} {
			if got := wire.Unescape(wire.Escape(s, extra)); got != s {
				t.Errorf("Round trip %q (extra %q): got %q", s, extra, got)
			}
		}
	}
}

func TestUnescapeLenient(t *testing.T) {
	tests := []struct {
		input, want string
	}{
		{"abc%", "abc"},   // dangling escape is dropped
		{"%1", "1"},       // not an escape Escape would produce
		{"%%%%", "%%"},    // two literal percents
		{"%%z", "%z"},     // literal percent then a plain z
		{"x%zy%Jz", "x:y\nz"},
	}
	for _, tc := range tests {
		if got := wire.Unescape(tc.input); got != tc.want {
			t.Errorf("Unescape(%q): got %q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestJoinFields(t *testing.T) {
	line := wire.Join("%%>message", "123.1", "1700000000", "my:message", "", wire.Escape("x", 0))
	if want := "%%>message:123.1:1700000000:my%zmessage::x"; line != want {
		t.Errorf("Join: got %q, want %q", line, want)
	}

	tag, fields := wire.Fields(line)
	if tag != "%%>message" {
		t.Errorf("Fields tag: got %q", tag)
	}
	if diff := cmp.Diff([]string{"123.1", "1700000000", "my%zmessage", "", "x"}, fields); diff != "" {
		t.Errorf("Fields (-want, +got):\n%s", diff)
	}
}

func TestPair(t *testing.T) {
	tests := []struct {
		key, value string
		want       string
	}{
		{"myparam", "myvalue", "myparam=myvalue"},
		{"a=b", "c=d", "a%}b=c=d"},
		{"k", "v:w", "k=v%zw"},
		{"empty", "", "empty="},
	}
	for _, tc := range tests {
		got := wire.Pair(tc.key, tc.value)
		if got != tc.want {
			t.Errorf("Pair(%q, %q): got %q, want %q", tc.key, tc.value, got, tc.want)
		}
		k, v, ok := wire.SplitPair(got)
		if !ok || k != tc.key || v != tc.value {
			t.Errorf("SplitPair(%q): got (%q, %q, %v), want (%q, %q, true)", got, k, v, ok, tc.key, tc.value)
		}
	}

	if k, v, ok := wire.SplitPair("bare"); ok {
		t.Errorf("SplitPair(bare): got (%q, %q, true), want false", k, v)
	}
}
