// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package wire implements the line framing and field escaping used by the
// external module protocol.
//
// Each protocol line consists of a verb tag followed by colon-separated
// fields. Within a field, any byte below 32, the colon, and an optional
// caller-chosen extra byte are written as "%" followed by the byte plus 64.
// A literal "%" is written as "%%".
package wire

import "strings"

// Escape returns s with protocol-special bytes escaped. If extra != 0, that
// byte is escaped as well; parameter keys use '=' here. The extra byte must be
// at least 32 and below 0xC0, so that it still fits a byte after adding 64;
// any other value is ignored.
func Escape(s string, extra byte) string {
	if extra < 32 || extra >= 0xC0 {
		extra = 0
	}
	if !needsEscape(s, extra) {
		return s
	}
	var sb strings.Builder
	sb.Grow(len(s) + 8)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '%':
			sb.WriteString("%%")
		case c < 32 || c == ':' || (extra != 0 && c == extra):
			sb.WriteByte('%')
			sb.WriteByte(c + 64)
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}

func needsEscape(s string, extra byte) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < 32 || c == ':' || c == '%' || (extra != 0 && c == extra) {
			return true
		}
	}
	return false
}

// Unescape reverses Escape. A "%" followed by another "%" denotes a literal
// percent; otherwise it introduces an escaped byte. A trailing "%" with
// nothing after it is dropped.
func Unescape(s string) string {
	if strings.IndexByte(s, '%') < 0 {
		return s
	}
	var sb strings.Builder
	sb.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '%' {
			sb.WriteByte(c)
			continue
		}
		i++
		if i >= len(s) {
			break
		}
		switch d := s[i]; {
		case d == '%':
			sb.WriteByte('%')
		case d >= 64:
			sb.WriteByte(d - 64)
		default:
			sb.WriteByte(d) // not produced by Escape; keep it as-is
		}
	}
	return sb.String()
}

// Join renders a protocol line from a verb tag and a sequence of fields.
// Each field is escaped before joining; the tag is written verbatim.
func Join(tag string, fields ...string) string {
	var sb strings.Builder
	sb.WriteString(tag)
	for _, f := range fields {
		sb.WriteByte(':')
		sb.WriteString(Escape(f, 0))
	}
	return sb.String()
}

// Fields splits a protocol line into its tag and raw (still escaped) fields.
// Because Escape never emits a bare colon, splitting before unescaping is
// exact.
func Fields(line string) (tag string, fields []string) {
	parts := strings.Split(line, ":")
	return parts[0], parts[1:]
}

// Pair renders a parameter field "key=value", escaping the key with '=' as
// the extra byte so that the first '=' in the field is the separator.
func Pair(key, value string) string {
	return Escape(key, '=') + "=" + Escape(value, 0)
}

// SplitPair parses a raw parameter field produced by Pair. It reports false
// if the field has no "=" separator.
func SplitPair(raw string) (key, value string, ok bool) {
	k, v, ok := strings.Cut(raw, "=")
	if !ok {
		return "", "", false
	}
	return Unescape(k), Unescape(v), true
}
