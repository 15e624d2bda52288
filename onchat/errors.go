package onchat

import (
	"errors"
	"fmt"
)

// ErrorCode represents a categorized error type.
type ErrorCode int

const (
	ErrorUnknown ErrorCode = iota

	// Engine-level taxonomy
	ErrorTransport
	ErrorAuthRejected
	ErrorReauthRejected
	ErrorProtocol
	ErrorMalformedFrame

	// Client-side Errors
	ErrorNotConnected
	ErrorNotAuthenticated
	ErrorAuthInFlight
	ErrorRequestInFlight
	ErrorInvalidConfig
	ErrorSerialization
	ErrorStorage
)

// String returns the string representation of an ErrorCode.
func (e ErrorCode) String() string {
	switch e {
	case ErrorUnknown:
		return "unknown"
	case ErrorTransport:
		return "transport_error"
	case ErrorAuthRejected:
		return "auth_rejected"
	case ErrorReauthRejected:
		return "reauth_rejected"
	case ErrorProtocol:
		return "protocol_error"
	case ErrorMalformedFrame:
		return "malformed_frame"
	case ErrorNotConnected:
		return "not_connected"
	case ErrorNotAuthenticated:
		return "not_authenticated"
	case ErrorAuthInFlight:
		return "auth_in_flight"
	case ErrorRequestInFlight:
		return "request_in_flight"
	case ErrorInvalidConfig:
		return "invalid_config"
	case ErrorSerialization:
		return "serialization_error"
	case ErrorStorage:
		return "storage_error"
	default:
		return fmt.Sprintf("unknown_code_%d", e)
	}
}

// Error is a structured error with code and context.
// Event is set when the error relates to a specific protocol command.
type Error struct {
	Code    ErrorCode
	Event   EventName
	Message string
	Wrapped error
}

// Error implements the error interface.
func (e *Error) Error() string {
	prefix := e.Code.String()
	if e.Event != "" {
		prefix += " [" + string(e.Event) + "]"
	}
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s (wrapped: %v)", prefix, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

// Unwrap returns the wrapped error for errors.Unwrap support.
func (e *Error) Unwrap() error {
	return e.Wrapped
}

// Is implements errors.Is interface for error comparison.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Sentinels for errors.Is checks.
var (
	ErrNotConnected     = NewError(ErrorNotConnected, "connection is not open")
	ErrNotAuthenticated = NewError(ErrorNotAuthenticated, "session is not authenticated")
	ErrAuthInFlight     = NewError(ErrorAuthInFlight, "authentication already in progress")
	ErrRequestInFlight  = NewError(ErrorRequestInFlight, "request of the same kind is pending")
	ErrReauthRejected   = NewError(ErrorReauthRejected, "re-authentication rejected")
	ErrAuthRejected     = NewError(ErrorAuthRejected, "authentication rejected")
)

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// WrapError wraps an existing error with an Error.
func WrapError(code ErrorCode, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Wrapped: err,
	}
}

// fromFrame converts a server error response to an Error.
func fromFrame(code ErrorCode, f Frame) *Error {
	msg := f.Mes
	if msg == "" {
		msg = "server returned error"
	}
	return &Error{Code: code, Event: f.Event, Message: msg}
}

// IsProtocolError checks if an error was reported by the server for a domain command.
func IsProtocolError(err error) bool {
	return hasCode(err, ErrorProtocol)
}

// IsConnectionError checks if an error is a connection-related error.
func IsConnectionError(err error) bool {
	return hasCode(err, ErrorTransport) || hasCode(err, ErrorNotConnected)
}

// IsFatal reports whether the error ends the authenticated session.
func IsFatal(err error) bool {
	return hasCode(err, ErrorReauthRejected)
}

func hasCode(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Code == code
}
