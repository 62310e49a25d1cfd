package endpoint

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by this package matches exactly one of
// these with errors.Is.
var (
	// Setup.
	ErrConfigCreation = errors.New("invalid configuration")
	ErrSocketCreation = errors.New("socket creation failed")
	ErrRandomness     = errors.New("randomness source failed")

	// Connection lifecycle.
	ErrConnectionCreation = errors.New("connection creation failed")
	ErrConnectionNotFound = errors.New("connection not found")
	ErrConnectionClose    = errors.New("connection close failed")
	ErrConnectionPing     = errors.New("connection ping failed")
	ErrIsServer           = errors.New("operation not permitted in this endpoint mode")

	// I/O.
	ErrSocketRecv     = errors.New("socket receive failed")
	ErrSocketSend     = errors.New("socket send failed")
	ErrConnectionRecv = errors.New("connection rejected inbound data")
	ErrConnectionSend = errors.New("connection rejected outbound data")

	// Streams.
	ErrStreamCreation = errors.New("stream creation failed")
	ErrStreamSend     = errors.New("stream send failed")
	ErrStreamRecv     = errors.New("stream receive failed")
)

// Error carries the operation and connection an error happened in.
type Error struct {
	Op   string       // operation that failed, e.g. "main_stream_send"
	ID   ConnectionID // zero when not connection specific
	Kind error        // one of the Err* kinds
	Err  error        // underlying cause, may be nil
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("swiftlet %s", e.Op)
	if !e.ID.IsZero() {
		msg += " " + e.ID.String()
	}
	msg += ": " + e.Kind.Error()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(op string, id ConnectionID, kind, err error) *Error {
	return &Error{
		Op:   op,
		ID:   id,
		Kind: kind,
		Err:  err,
	}
}
