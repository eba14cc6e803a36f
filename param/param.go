// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package param defines the structured parameter values carried by protocol
// messages, and the transform between them and the flat dotted-key encoding
// used on the wire.
//
// # Values
//
// A [Value] is one of a string, a Boolean, a binary blob, or a nested
// [Object]. The zero Value is the empty string.
//
// # Decoration
//
// [Nest] converts a flat mapping such as
//
//	{"A.gt.nature": "international", "A.gt": "2002"}
//
// into the nested structure
//
//	{A: {gt: {nature: "international", value: "2002"}}}
//
// and [Flatten] performs the reverse. While nesting, the literal strings
// "true" and "false" become Booleans, and a string longer than four bytes
// consisting of two-digit hex groups separated by single spaces becomes
// binary. These rules are heuristic: a short hex-looking string is left
// alone, and a longer one is always treated as binary.
package param

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Kind identifies the concrete type of a Value.
type Kind byte

const (
	KindString Kind = iota
	KindBool
	KindBinary
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindBool:
		return "bool"
	case KindBinary:
		return "binary"
	case KindObject:
		return "object"
	default:
		return fmt.Sprintf("kind %d", byte(k))
	}
}

// A Value is a single parameter value.
type Value struct {
	kind Kind
	s    string
	b    bool
	bin  []byte
	obj  Object
}

// An Object is a collection of named values.
type Object map[string]Value

// String returns a string value.
func String(s string) Value { return Value{kind: KindString, s: s} }

// Bool returns a Boolean value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Binary returns a binary value. The value retains data.
func Binary(data []byte) Value { return Value{kind: KindBinary, bin: data} }

// Obj returns an object value. The value retains o.
func Obj(o Object) Value { return Value{kind: KindObject, obj: o} }

// Kind reports the kind of v.
func (v Value) Kind() Kind { return v.kind }

// Str returns the string content of v, or "" if v is not a string.
func (v Value) Str() string { return v.s }

// Bool returns the Boolean content of v, or false if v is not a Boolean.
func (v Value) Bool() bool { return v.b }

// Bytes returns the binary content of v, or nil if v is not binary.
func (v Value) Bytes() []byte { return v.bin }

// Object returns the object content of v, or nil if v is not an object.
func (v Value) Object() Object { return v.obj }

// String renders v the way it is written on the wire. Objects are rendered
// as their "value" entry, if any.
func (v Value) String() string {
	switch v.kind {
	case KindBool:
		if v.b {
			return "true"
		}
		return "false"
	case KindBinary:
		return hexPairs(v.bin)
	case KindObject:
		if inner, ok := v.obj[leafKey]; ok && inner.kind != KindObject {
			return inner.String()
		}
		return ""
	default:
		return v.s
	}
}

// Equal reports whether v and w have the same kind and content.
func (v Value) Equal(w Value) bool {
	if v.kind != w.kind {
		return false
	}
	switch v.kind {
	case KindBool:
		return v.b == w.b
	case KindBinary:
		return bytes.Equal(v.bin, w.bin)
	case KindObject:
		return v.obj.Equal(w.obj)
	default:
		return v.s == w.s
	}
}

// Equal reports whether o and p contain the same keys with equal values.
func (o Object) Equal(p Object) bool {
	return maps.EqualFunc(o, p, Value.Equal)
}

// Clone returns a deep copy of o. Binary contents and nested objects are
// copied, so changes to the clone do not affect o.
func (o Object) Clone() Object {
	if o == nil {
		return nil
	}
	c := make(Object, len(o))
	for k, v := range o {
		switch v.kind {
		case KindBinary:
			v.bin = bytes.Clone(v.bin)
		case KindObject:
			v.obj = v.obj.Clone()
		}
		c[k] = v
	}
	return c
}

// Get returns the value at the dotted path, or the zero Value if there is
// none. For example, o.Get("A.gt.nature").
func (o Object) Get(path string) (Value, bool) {
	cur := o
	segs := strings.Split(path, ".")
	for i, seg := range segs {
		v, ok := cur[seg]
		if !ok {
			return Value{}, false
		}
		if i == len(segs)-1 {
			return v, true
		}
		if v.kind != KindObject {
			return Value{}, false
		}
		cur = v.obj
	}
	return Value{}, false
}

// FromStrings returns an object mapping each key of m to a string value.
// Keys are not split on dots.
func FromStrings(m map[string]string) Object {
	o := make(Object, len(m))
	for k, v := range m {
		o[k] = String(v)
	}
	return o
}

// leafKey is the key under which a node's own scalar value is stored when
// the node also has children.
const leafKey = "value"

// Flatten converts o into the flat dotted-key form used on the wire.
//
// Nested objects contribute their keys prefixed by the parent key and a dot.
// Within a nested object, the entry named "value" is stored under the
// parent's key itself. Binary values are rendered as lowercase hex byte pairs
// joined by single spaces.
func Flatten(o Object) map[string]string {
	out := make(map[string]string)
	flattenInto(out, "", o)
	return out
}

func flattenInto(out map[string]string, prefix string, o Object) {
	for key, v := range o {
		if v.kind == KindObject {
			flattenInto(out, joinKey(prefix, key), v.obj)
			continue
		}
		if key == leafKey && prefix != "" {
			out[prefix] = v.String()
		} else {
			out[joinKey(prefix, key)] = v.String()
		}
	}
}

func joinKey(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

// Nest converts a flat dotted-key mapping into structured form, applying the
// Boolean and binary coercions described in the package documentation.
//
// The result does not depend on the iteration order of flat: a key that is
// both a leaf and a parent ("A.gt" and "A.gt.nature") yields an object whose
// "value" entry holds the leaf.
func Nest(flat map[string]string) Object {
	out := make(Object)
	for _, key := range slices.Sorted(maps.Keys(flat)) {
		assign(out, strings.Split(key, "."), Decode(flat[key]))
	}
	return out
}

func assign(o Object, segs []string, v Value) {
	cur := o
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg]
		switch {
		case !ok:
			next = Obj(make(Object))
		case next.kind != KindObject:
			// Promote an existing scalar to the leaf of a new node.
			next = Obj(Object{leafKey: next})
		}
		cur[seg] = next
		cur = next.obj
	}
	last := segs[len(segs)-1]
	if t, ok := cur[last]; ok && t.kind == KindObject {
		t.obj[leafKey] = v
		return
	}
	cur[last] = v
}

// Decode applies the Boolean and binary coercions to a single wire value.
func Decode(s string) Value {
	switch s {
	case "true":
		return Bool(true)
	case "false":
		return Bool(false)
	}
	if len(s) > 4 && isHexPairs(s) {
		data, err := hex.DecodeString(strings.ReplaceAll(s, " ", ""))
		if err == nil {
			return Binary(data)
		}
	}
	return String(s)
}

// isHexPairs reports whether s has the form "hh( hh)*" where each h is a
// hexadecimal digit.
func isHexPairs(s string) bool {
	if (len(s)+1)%3 != 0 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if i%3 == 2 {
			if s[i] != ' ' {
				return false
			}
		} else if !isHexDigit(s[i]) {
			return false
		}
	}
	return true
}

func isHexDigit(c byte) bool {
	return c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F'
}

func hexPairs(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.Grow(3 * len(data))
	for i, b := range data {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(hex.EncodeToString([]byte{b}))
	}
	return sb.String()
}
