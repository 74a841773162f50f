package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures for callers and HTTP mapping.
type ErrorKind string

const (
	// Submission was rejected; no job was created.
	KindValidation ErrorKind = "validation"
	// Broker unreachable or refused the operation.
	KindQueue ErrorKind = "queue"
	// Engine exceeded its wall-clock budget.
	KindTimeout ErrorKind = "timeout"
	// Engine exited nonzero or produced no artifact.
	KindEngine ErrorKind = "engine"
	// Anything else; details stay in server logs.
	KindInternal ErrorKind = "internal"

	KindRetryExhausted ErrorKind = "retry_exhausted"
	KindCancelled      ErrorKind = "cancelled"
)

// DocumentFault reports whether the kind describes a problem with the submitted
// document rather than with the service.
func (k ErrorKind) DocumentFault() bool {
	return k == KindEngine || k == KindTimeout
}

var (
	ErrNotFound         = errors.New("job not found")
	ErrPending          = errors.New("result not ready")
	ErrAlreadyTerminal  = errors.New("job already finished")
	ErrLeaseLost        = errors.New("lease lost")
	ErrJobCancelled     = errors.New("job cancelled")
	ErrSourceTooLarge   = errors.New("source exceeds maximum size")
	ErrUnsupportedInput = errors.New("unsupported input type")
)

// Error is a categorized error carrying an optional cause.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates an Error without a cause.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WrapError creates an Error wrapping cause.
func WrapError(cause error, kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the kind from err, defaulting to KindInternal.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
