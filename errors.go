// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package extmod

import (
	"errors"
	"fmt"
)

// Validation errors, reported synchronously by the method that detects them.
var (
	ErrInvalidName      = errors.New("invalid message name")
	ErrInvalidPriority  = errors.New("invalid priority")
	ErrDuplicate        = errors.New("already registered")
	ErrUnknownParameter = errors.New("unknown parameter")
	ErrParameterType    = errors.New("wrong parameter type")
)

// Remote outcome and transport errors, delivered to callbacks and events.
var (
	ErrTimeout      = errors.New("timed out waiting for answer")
	ErrNotProcessed = errors.New("message not processed")
	ErrRejected     = errors.New("rejected by engine")
	ErrNotConnected = errors.New("not connected")
	ErrClosed       = errors.New("connection closed")
)

// Decode errors.
var (
	ErrEngineParse = errors.New("engine could not parse line")
	ErrUnknownVerb = errors.New("unrecognized line")
)

// DecodeError reports a line from the engine that could not be decoded.
type DecodeError struct {
	Line string // the raw line as received
	Err  error
}

// Unwrap reports the underlying error of e.
func (e *DecodeError) Unwrap() error { return e.Err }

// Error satisfies the error interface.
func (e *DecodeError) Error() string { return fmt.Sprintf("decode %q: %v", e.Line, e.Err) }

// HandlerError reports a subscription handler that failed or panicked while
// processing an incoming message. The message is still acknowledged, as not
// processed.
type HandlerError struct {
	Name string // the message name
	ID   string // the message ID
	Err  error
}

// Unwrap reports the underlying error of e.
func (e *HandlerError) Unwrap() error { return e.Err }

// Error satisfies the error interface.
func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler for %q (id %s): %v", e.Name, e.ID, e.Err)
}
