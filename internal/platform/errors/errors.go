// Package errors provides structured errors that carry an HTTP mapping and
// key/value context for API responses and logs.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType is the category of an error, used for status mapping and metrics.
type ErrorType string

const (
	TypeValidation      ErrorType = "validation"
	TypeUnauthorized    ErrorType = "unauthorized"
	TypeForbidden       ErrorType = "forbidden"
	TypeNotFound        ErrorType = "not_found"
	TypeConflict        ErrorType = "conflict"
	TypePaymentRequired ErrorType = "payment_required"
	TypeInternal        ErrorType = "internal"
	TypeExternal        ErrorType = "external"
	TypeRateLimited     ErrorType = "rate_limited"
	TypeUnavailable     ErrorType = "unavailable"
)

// Error is a structured error with a type, a client-safe message and context.
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Context map[string]any
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

var statusByType = map[ErrorType]int{
	TypeValidation:      http.StatusBadRequest,
	TypeUnauthorized:    http.StatusUnauthorized,
	TypeForbidden:       http.StatusForbidden,
	TypeNotFound:        http.StatusNotFound,
	TypeConflict:        http.StatusConflict,
	TypePaymentRequired: http.StatusPaymentRequired,
	TypeRateLimited:     http.StatusTooManyRequests,
	TypeExternal:        http.StatusBadGateway,
	TypeUnavailable:     http.StatusServiceUnavailable,
}

// HTTPStatus maps the error type to a response status code. Unknown types
// are server errors.
func (e *Error) HTTPStatus() int {
	if status, ok := statusByType[e.Type]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func newError(t ErrorType, message string, cause error) *Error {
	return &Error{Type: t, Message: message, Cause: cause, Context: make(map[string]any)}
}

func ValidationError(message string) *Error      { return newError(TypeValidation, message, nil) }
func UnauthorizedError(message string) *Error    { return newError(TypeUnauthorized, message, nil) }
func ForbiddenError(message string) *Error       { return newError(TypeForbidden, message, nil) }
func NotFoundError(message string) *Error        { return newError(TypeNotFound, message, nil) }
func ConflictError(message string) *Error        { return newError(TypeConflict, message, nil) }
func PaymentRequiredError(message string) *Error { return newError(TypePaymentRequired, message, nil) }
func RateLimitedError(message string) *Error     { return newError(TypeRateLimited, message, nil) }
func UnavailableError(message string) *Error     { return newError(TypeUnavailable, message, nil) }

func InternalError(message string, cause error) *Error {
	return newError(TypeInternal, message, cause)
}

func ExternalError(message string, cause error) *Error {
	return newError(TypeExternal, message, cause)
}

// WithField adds a context field (chainable).
func (e *Error) WithField(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// ErrorResponse is the JSON body sent to API clients. Ref is the request's
// correlation ID, quoted by clients when reporting a failure.
type ErrorResponse struct {
	Error   string         `json:"error"`
	Type    ErrorType      `json:"type"`
	Ref     string         `json:"ref,omitempty"`
	Context map[string]any `json:"context,omitempty"`
}

// ToResponse renders the client view of e. Context fields of server-side
// errors stay in the logs.
func (e *Error) ToResponse(ref string) ErrorResponse {
	resp := ErrorResponse{Error: e.Message, Type: e.Type, Ref: ref}
	if e.HTTPStatus() < http.StatusInternalServerError && len(e.Context) > 0 {
		resp.Context = e.Context
	}
	return resp
}

// AsStructuredError returns err as an *Error, wrapping unknown errors as internal.
func AsStructuredError(err error) *Error {
	if err == nil {
		return nil
	}

	var structuredErr *Error
	if errors.As(err, &structuredErr) {
		return structuredErr
	}

	return InternalError("internal server error", err)
}
