// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package handler provides adapters to the extmod.Handler type for functions
// with other signatures.
//
// Parameters may be a string, which receives the return value of the incoming
// message; a param.Object, which receives its parameters; a map[string]string,
// which receives its parameters flattened to dotted keys; or a type whose
// pointer supports the encoding.TextUnmarshaler interface, which is decoded
// from the return value of the message.
//
// Results may be []byte or string, or any type that supports the
// encoding.TextMarshaler interface. The result becomes the return value of
// the message.
package handler

import (
	"context"
	"encoding"
	"fmt"

	"github.com/creachadair/extmod"
	"github.com/creachadair/extmod/param"
)

// msgContextKey is a context key for the message value to a handler.
type msgContextKey struct{}

// ContextMessage returns the original message passed to the handler, or nil
// if ctx has no associated message. The context passed to a handler returned
// by this package will have this value. A handler may modify the parameters
// of the message, and the changes are returned to the engine.
func ContextMessage(ctx context.Context) *extmod.Message {
	if v := ctx.Value(msgContextKey{}); v != nil {
		return v.(*extmod.Message)
	}
	return nil
}

// ParamResultError adapts a function f that accepts parameters of type P and
// returns a result of type R and an error, to an extmod.Handler.
func ParamResultError[P, R any](f func(context.Context, P) (R, error)) extmod.Handler {
	return func(ctx context.Context, m *extmod.Message) (string, error) {
		var p P
		if err := unmarshal(m, &p); err != nil {
			return "", err
		}
		hctx := context.WithValue(ctx, msgContextKey{}, m)
		r, err := f(hctx, p)
		if err != nil {
			return "", err
		}
		return marshal(r)
	}
}

// ParamResult adapts a function f that accepts parameters of type P and
// returns a result of type R without error, to an extmod.Handler.
func ParamResult[P, R any](f func(context.Context, P) R) extmod.Handler {
	return func(ctx context.Context, m *extmod.Message) (string, error) {
		var p P
		if err := unmarshal(m, &p); err != nil {
			return "", err
		}
		hctx := context.WithValue(ctx, msgContextKey{}, m)
		return marshal(f(hctx, p))
	}
}

// ParamError adapts a function f that accepts parameters of type P and returns
// an error with no result, to an extmod.Handler. On success the return value
// of the message is unchanged.
func ParamError[P any](f func(context.Context, P) error) extmod.Handler {
	return func(ctx context.Context, m *extmod.Message) (string, error) {
		var p P
		if err := unmarshal(m, &p); err != nil {
			return "", err
		}
		hctx := context.WithValue(ctx, msgContextKey{}, m)
		return m.Retval, f(hctx, p)
	}
}

// ResultError adapts a function f that accepts no parameters and returns a
// result of type R and an error, to an extmod.Handler.
func ResultError[R any](f func(context.Context) (R, error)) extmod.Handler {
	return func(ctx context.Context, m *extmod.Message) (string, error) {
		hctx := context.WithValue(ctx, msgContextKey{}, m)
		r, err := f(hctx)
		if err != nil {
			return "", err
		}
		return marshal(r)
	}
}

// ResultOnly adapts a function f that accepts no parameters and returns a
// result of type R, to an extmod.Handler.
func ResultOnly[R any](f func(context.Context) R) extmod.Handler {
	return func(ctx context.Context, m *extmod.Message) (string, error) {
		hctx := context.WithValue(ctx, msgContextKey{}, m)
		return marshal(f(hctx))
	}
}

// unmarshal decodes the message into v. The concrete type of v must be a
// pointer to a string, param.Object, or map[string]string, or must implement
// the encoding.TextUnmarshaler interface.
func unmarshal(m *extmod.Message, v any) error {
	switch t := v.(type) {
	case *string:
		*t = m.Retval
	case *param.Object:
		*t = m.Params
	case *map[string]string:
		*t = param.Flatten(m.Params)
	case encoding.TextUnmarshaler:
		return t.UnmarshalText([]byte(m.Retval))
	default:
		return fmt.Errorf("cannot unmarshal into %T", v)
	}
	return nil
}

// marshal encodes v as a return value. The concrete type of v must be a
// []byte or string (or a pointer to these); otherwise it must implement the
// encoding.TextMarshaler interface.
//
// As a special case if v is a nil pointer to a string or []byte, the result is
// empty without error.
func marshal(v any) (string, error) {
	switch t := v.(type) {
	case []byte:
		return string(t), nil
	case *[]byte:
		if t == nil {
			return "", nil
		}
		return string(*t), nil
	case string:
		return t, nil
	case *string:
		if t == nil {
			return "", nil
		}
		return *t, nil
	case encoding.TextMarshaler:
		data, err := t.MarshalText()
		return string(data), err
	default:
		return "", fmt.Errorf("cannot marshal %T", v)
	}
}
