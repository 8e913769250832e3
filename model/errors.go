package model

import "fmt"

// Error codes carried by ErrorEnvelope.
const (
	ErrBadRequest         = "BAD_REQUEST"
	ErrUnauthorized       = "UNAUTHORIZED"
	ErrForbidden          = "FORBIDDEN"
	ErrNotFound           = "NOT_FOUND"
	ErrConflict           = "CONFLICT"
	ErrValidationError    = "VALIDATION_ERROR"
	ErrFatalRequest       = "FATAL_REQUEST"
	ErrActionFailed       = "ACTION_FAILED"
	ErrInternalError      = "INTERNAL_ERROR"
	ErrBackendUnavailable = "BACKEND_UNAVAILABLE"
	ErrBackendTimeout     = "BACKEND_TIMEOUT"
)

// Messages for codes whose text is fixed. They are shown to users as is.
var fixedMessages = map[string]string{
	ErrValidationError:    "One or more fields are invalid",
	ErrFatalRequest:       "The request is malformed or has expired. Please reload the page and try again.",
	ErrInternalError:      "An unexpected error occurred",
	ErrBackendUnavailable: "The monitoring server is temporarily unavailable",
	ErrBackendTimeout:     "The monitoring server did not respond in time",
}

// ErrorEnvelope is an error whose Message is safe to show in the console.
// The optional cause stays server side: it is reachable through Unwrap and
// printed by Error, but never serialized.
type ErrorEnvelope struct {
	Code          string       `json:"code"`
	Message       string       `json:"message"`
	Details       []FieldError `json:"details,omitempty"`
	CorrelationID string       `json:"correlation_id,omitempty"`

	cause error
}

// FieldError describes a problem with one submitted field.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorEnvelope) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the cause.
func (e *ErrorEnvelope) Unwrap() error { return e.cause }

// Wrap returns a copy of e recording cause.
func (e *ErrorEnvelope) Wrap(cause error) *ErrorEnvelope {
	c := *e
	c.cause = cause
	return &c
}

// Is matches another envelope with the same code, so callers can test
// errors.Is(err, model.NewInternalError()).
func (e *ErrorEnvelope) Is(target error) bool {
	t, ok := target.(*ErrorEnvelope)
	return ok && t.Code == e.Code
}

func newError(code, msg string) *ErrorEnvelope {
	if msg == "" {
		msg = fixedMessages[code]
	}
	return &ErrorEnvelope{Code: code, Message: msg}
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope { return newError(ErrBadRequest, msg) }

// NewUnauthorizedError returns an UNAUTHORIZED error for a missing or
// unusable session.
func NewUnauthorizedError(msg string) *ErrorEnvelope { return newError(ErrUnauthorized, msg) }

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope { return newError(ErrForbidden, msg) }

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope { return newError(ErrNotFound, msg) }

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope { return newError(ErrConflict, msg) }

// NewValidationError returns a VALIDATION_ERROR listing the offending fields.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	e := newError(ErrValidationError, "")
	e.Details = details
	return e
}

// NewFatalRequestError returns the generic FATAL_REQUEST error. What made
// the request fatal is never included.
func NewFatalRequestError() *ErrorEnvelope { return newError(ErrFatalRequest, "") }

// NewActionFailedError returns an ACTION_FAILED error carrying the reason
// the monitoring server gave for refusing an operation.
func NewActionFailedError(msg string) *ErrorEnvelope { return newError(ErrActionFailed, msg) }

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope { return newError(ErrInternalError, "") }

// NewBackendUnavailableError reports a monitoring server that cannot be
// reached or is failing.
func NewBackendUnavailableError() *ErrorEnvelope { return newError(ErrBackendUnavailable, "") }

// NewBackendTimeoutError reports a monitoring server that did not answer in
// time.
func NewBackendTimeoutError() *ErrorEnvelope { return newError(ErrBackendTimeout, "") }
