package channels

import (
	"errors"
	"fmt"
)

// ErrorCode classifies adapter failures for logging and retry
// decisions.
type ErrorCode string

const (
	ErrCodeConnection     ErrorCode = "CONNECTION_ERROR"
	ErrCodeAuthentication ErrorCode = "AUTH_ERROR"
	ErrCodeRateLimit      ErrorCode = "RATE_LIMIT_ERROR"
	ErrCodeInvalidInput   ErrorCode = "INVALID_INPUT"
	ErrCodeTimeout        ErrorCode = "TIMEOUT_ERROR"
	ErrCodeUnavailable    ErrorCode = "SERVICE_UNAVAILABLE"
	ErrCodeConfig         ErrorCode = "CONFIG_ERROR"
	ErrCodeInternal       ErrorCode = "INTERNAL_ERROR"
)

// Error is a structured adapter error.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the failure is transient.
func (e *Error) IsRetryable() bool {
	switch e.Code {
	case ErrCodeConnection, ErrCodeRateLimit, ErrCodeTimeout, ErrCodeUnavailable:
		return true
	default:
		return false
	}
}

func newError(code ErrorCode, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

func ErrConnection(message string, err error) *Error {
	return newError(ErrCodeConnection, message, err)
}

func ErrAuthentication(message string, err error) *Error {
	return newError(ErrCodeAuthentication, message, err)
}

func ErrRateLimit(message string, err error) *Error {
	return newError(ErrCodeRateLimit, message, err)
}

func ErrInvalidInput(message string, err error) *Error {
	return newError(ErrCodeInvalidInput, message, err)
}

func ErrTimeout(message string, err error) *Error {
	return newError(ErrCodeTimeout, message, err)
}

func ErrUnavailable(message string, err error) *Error {
	return newError(ErrCodeUnavailable, message, err)
}

func ErrConfig(message string, err error) *Error {
	return newError(ErrCodeConfig, message, err)
}

func ErrInternal(message string, err error) *Error {
	return newError(ErrCodeInternal, message, err)
}

// IsRetryable reports whether err is a transient adapter error.
func IsRetryable(err error) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.IsRetryable()
	}
	return false
}
