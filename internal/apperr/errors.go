// Package apperr defines the gateway's error taxonomy and its HTTP mapping.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a machine-readable error code.
type Code string

const (
	CodeInvalidInput       Code = "INVALID_INPUT"
	CodeQueueFull          Code = "QUEUE_FULL"
	CodeTimeout            Code = "TIMEOUT"
	CodeBackendUnavailable Code = "BACKEND_UNAVAILABLE"
	CodeInference          Code = "INFERENCE_ERROR"
	CodeInternal           Code = "INTERNAL_ERROR"
)

// Error is the unified error type returned across component boundaries.
type Error struct {
	Code       Code           `json:"code"`
	Message    string         `json:"message"`
	Retryable  bool           `json:"retryable"`
	HTTPStatus int            `json:"-"`
	Details    map[string]any `json:"details,omitempty"`
	Cause      error          `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// WithCause sets the underlying cause and returns the receiver.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithDetail sets a single detail key and returns the receiver.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// InvalidInput is the client's fault and is never retried by the server.
func InvalidInput(field, reason string) *Error {
	e := &Error{
		Code:       CodeInvalidInput,
		Message:    "Invalid input: " + reason,
		HTTPStatus: http.StatusBadRequest,
	}
	if field != "" {
		e.WithDetail("field", field)
	}
	return e
}

// QueueFull reports that admission would exceed the dispatcher capacity.
func QueueFull(capacity int) *Error {
	return &Error{
		Code:       CodeQueueFull,
		Message:    "The transcription queue is full. Please retry with backoff.",
		Retryable:  true,
		HTTPStatus: http.StatusServiceUnavailable,
		Details:    map[string]any{"capacity": capacity},
	}
}

// Timeout reports that a request aged out before producing a result.
func Timeout(waited fmt.Stringer) *Error {
	return &Error{
		Code:       CodeTimeout,
		Message:    "The request took too long. Please try again.",
		Retryable:  true,
		HTTPStatus: http.StatusGatewayTimeout,
		Details:    map[string]any{"waited": waited.String()},
	}
}

// BackendUnavailable reports that the engine is not ready to serve.
func BackendUnavailable(reason string) *Error {
	return &Error{
		Code:       CodeBackendUnavailable,
		Message:    "The transcription backend is unavailable: " + reason,
		Retryable:  true,
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// Inference reports that the engine processed the audio but failed.
func Inference(reason string) *Error {
	return &Error{
		Code:       CodeInference,
		Message:    "Transcription failed: " + reason,
		Retryable:  true,
		HTTPStatus: http.StatusInternalServerError,
	}
}

// Internal wraps an unexpected error.
func Internal(cause error) *Error {
	return &Error{
		Code:       CodeInternal,
		Message:    "An unexpected error occurred.",
		HTTPStatus: http.StatusInternalServerError,
		Cause:      cause,
	}
}

// As returns the *Error in err's chain, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the code of err, or CodeInternal for foreign errors.
func CodeOf(err error) Code {
	if e, ok := As(err); ok {
		return e.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// Response is the JSON error envelope sent to clients.
type Response struct {
	Error Body `json:"error"`
}

// Body carries the client-visible part of an Error.
type Body struct {
	Code      Code           `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
}

// ToResponse converts e to its JSON envelope.
func (e *Error) ToResponse() Response {
	return Response{Error: Body{
		Code:      e.Code,
		Message:   e.Message,
		Retryable: e.Retryable,
		Details:   e.Details,
	}}
}

// From classifies any error, falling back to Internal.
func From(err error) *Error {
	if e, ok := As(err); ok {
		return e
	}
	return Internal(err)
}
