// ABOUTME: Error taxonomy for request failures returned in response frames
// ABOUTME: Maps arbitrary Go errors onto INVALID_REQUEST, UNAVAILABLE, or FORBIDDEN

package protocol

import (
	"errors"
	"fmt"
)

// ErrorCode classifies a failed request.
type ErrorCode string

const (
	CodeInvalidRequest ErrorCode = "INVALID_REQUEST"
	CodeUnavailable    ErrorCode = "UNAVAILABLE"
	CodeForbidden      ErrorCode = "FORBIDDEN"
)

// ErrorShape is the JSON form of an error inside a response frame.
type ErrorShape struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`
}

// Error is a request failure that knows its wire code.
type Error struct {
	Code    ErrorCode
	Message string
	Details any
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Shape converts the error into its wire form.
func (e *Error) Shape() *ErrorShape {
	return &ErrorShape{Code: e.Code, Message: e.Message, Details: e.Details}
}

// Errorf builds an Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// InvalidRequest is shorthand for an INVALID_REQUEST error.
func InvalidRequest(format string, args ...any) *Error {
	return Errorf(CodeInvalidRequest, format, args...)
}

// Unavailable is shorthand for an UNAVAILABLE error.
func Unavailable(format string, args ...any) *Error {
	return Errorf(CodeUnavailable, format, args...)
}

// Forbidden is shorthand for a FORBIDDEN error.
func Forbidden(format string, args ...any) *Error {
	return Errorf(CodeForbidden, format, args...)
}

// AsError returns err as an *Error. Errors that carry no code are reported
// as UNAVAILABLE since they come from a failing handler or collaborator.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return &Error{Code: CodeUnavailable, Message: err.Error()}
}
