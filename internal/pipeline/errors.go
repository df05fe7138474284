package pipeline

import (
	"errors"
	"net/http"
)

// Kind classifies a pipeline failure by the scope it affects.
type Kind string

const (
	KindInvalidInput   Kind = "invalid_input"
	KindAdmission      Kind = "admission"
	KindSubmission     Kind = "submission"
	KindPollTimeout    Kind = "poll_timeout"
	KindProviderFailed Kind = "provider_failed"
	KindReconcile      Kind = "reconcile"
	KindIngestion      Kind = "ingestion"
)

// Error is a classified pipeline failure. Message is safe to show callers;
// Err keeps the underlying cause for logs.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPStatus maps the kind to the status returned by the submission API.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindAdmission:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func newError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// AsError returns the first *Error in err's chain.
func AsError(err error) (*Error, bool) {
	var pe *Error
	ok := errors.As(err, &pe)
	return pe, ok
}
