package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a domain error so the HTTP layer can pick a status
// code and clients can offer the right retry (e.g. force-overbook on
// KindQuotaExceeded). Nothing below the HTTP boundary inspects status codes.
type ErrorKind string

const (
	KindValidation    ErrorKind = "validation"
	KindStateConflict ErrorKind = "state_conflict"
	KindQuotaExceeded ErrorKind = "quota_exceeded"
	KindProvider      ErrorKind = "provider"
	KindIntegrity     ErrorKind = "integrity"
	KindNotFound      ErrorKind = "not_found"
	KindInternal      ErrorKind = "internal"
)

// OrderError is the single error type raised by the state machine, ledger and
// change manager. The message is human readable and safe to return verbatim
// in a `detail` payload.
type OrderError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *OrderError) Error() string {
	return e.Message
}

func (e *OrderError) Unwrap() error {
	return e.Err
}

func NewOrderError(kind ErrorKind, format string, args ...any) *OrderError {
	return &OrderError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func WrapOrderError(kind ErrorKind, err error, message string) *OrderError {
	return &OrderError{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of err, or KindInternal for anything that is not an
// OrderError.
func KindOf(err error) ErrorKind {
	var oe *OrderError
	if errors.As(err, &oe) {
		return oe.Kind
	}
	if errors.Is(err, ErrNotFound) {
		return KindNotFound
	}
	return KindInternal
}

var (
	ErrNotFound = errors.New("not found")
)
