package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error classification across the dispatch engine.
type ErrorCode string

// Dispatch error codes
const (
	// ErrConfiguration marks a malformed envelope, an unknown backend or an
	// invalid proxy specification. Never retried; rejected before any attempt.
	ErrConfiguration ErrorCode = "CONFIGURATION"

	// ErrTransport marks connection, TLS and timeout failures. Retryable.
	ErrTransport ErrorCode = "TRANSPORT"

	// ErrDisallowedStatus marks a received response whose status code is
	// outside the caller's acceptance set. Retryable; the observed status
	// code is preserved on the error.
	ErrDisallowedStatus ErrorCode = "DISALLOWED_STATUS"

	// ErrAutomation marks browser-script failures. Retryable unless the
	// adapter flags the failure as fatal (e.g. a crashed browser process).
	ErrAutomation ErrorCode = "AUTOMATION"
)

// Error represents a structured dispatch error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	StatusCode int       `json:"status_code,omitempty"`
	Retryable  bool      `json:"retryable"`
	Fatal      bool      `json:"fatal,omitempty"`
	Backend    string    `json:"backend,omitempty"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewConfigurationError 创建配置错误（不可重试）。
func NewConfigurationError(format string, args ...any) *Error {
	return &Error{Code: ErrConfiguration, Message: fmt.Sprintf(format, args...)}
}

// NewTransportError 创建传输错误（可重试）。
func NewTransportError(format string, args ...any) *Error {
	return &Error{Code: ErrTransport, Message: fmt.Sprintf(format, args...), Retryable: true}
}

// NewDisallowedStatusError 创建状态码不被接受的错误（可重试），
// 并在错误上保留观察到的状态码。
func NewDisallowedStatusError(status int, allowed []int) *Error {
	msg := fmt.Sprintf("status code %d not in allowed set", status)
	if len(allowed) > 0 {
		msg = fmt.Sprintf("status code %d not in allowed set %v", status, allowed)
	}
	return &Error{Code: ErrDisallowedStatus, Message: msg, StatusCode: status, Retryable: true}
}

// NewAutomationError 创建浏览器自动化错误（默认可重试）。
func NewAutomationError(format string, args ...any) *Error {
	return &Error{Code: ErrAutomation, Message: fmt.Sprintf(format, args...), Retryable: true}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithStatusCode sets the observed HTTP status code.
func (e *Error) WithStatusCode(status int) *Error {
	e.StatusCode = status
	return e
}

// WithRetryable overrides the retryable flag.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithBackend sets the backend that produced the error.
func (e *Error) WithBackend(backend string) *Error {
	e.Backend = backend
	return e
}

// AsFatal 标记错误为致命：立即终止任务，不消耗剩余重试预算。
func (e *Error) AsFatal() *Error {
	e.Fatal = true
	e.Retryable = false
	return e
}

// AsError extracts a *Error from err, unwrapping as needed.
func AsError(err error) (*Error, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// IsRetryable checks if an error is retryable. Untyped errors are treated
// as non-retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// IsFatal checks if an error carries the fatal flag.
func IsFatal(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Fatal
	}
	return false
}

// CodeOf extracts the error code from an error.
func CodeOf(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// StatusOf extracts the observed HTTP status code from an error, or 0.
func StatusOf(err error) int {
	if e, ok := AsError(err); ok {
		return e.StatusCode
	}
	return 0
}
