package handelsregister

import (
	"errors"
	"fmt"
)

// TransportError is a network level failure (dns, connect, timeout, reset).
// It is only ever retried when opening the start page.
type TransportError struct {
	Url      string
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("transport: %s (after %d attempts): %v", e.Url, e.Attempts, e.Err)
	}
	return fmt.Sprintf("transport: %s: %v", e.Url, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// HttpStatusError is a response outside of the 2xx range.
type HttpStatusError struct {
	Url        string
	StatusCode int
	Status     string
}

func (e *HttpStatusError) Error() string {
	return fmt.Sprintf("http status: %s: %s", e.Url, e.Status)
}

// ProtocolShapeError means the portal returned markup that lacks a token,
// marker, link, form or cell the fixed protocol relies on. Scope names the
// smallest unit that has to be abandoned (a row, a node, a document).
type ProtocolShapeError struct {
	Scope  string
	Detail string
}

func (e *ProtocolShapeError) Error() string {
	return fmt.Sprintf("unexpected markup (%s): %s", e.Scope, e.Detail)
}

func shapeError(scope, format string, args ...any) *ProtocolShapeError {
	return &ProtocolShapeError{Scope: scope, Detail: fmt.Sprintf(format, args...)}
}

// ValidationError is a bad user supplied filter value, always raised before
// the request that would carry it.
type ValidationError struct {
	Field      string
	Value      string
	Reason     string
	Suggestion string
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
	if e.Suggestion != "" {
		msg += fmt.Sprintf(" (did you mean %q?)", e.Suggestion)
	}
	return msg
}

// ErrDocumentNotAvailable is returned when a document request is answered
// with something other than an attachment.
var ErrDocumentNotAvailable = errors.New("document not available")

func isTransportError(err error) bool {
	var transportErr *TransportError
	return errors.As(err, &transportErr)
}
