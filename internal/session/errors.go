package session

import "fmt"

type ErrorCode string

const (
	ErrorEmptyInput         ErrorCode = "EMPTY_INPUT"
	ErrorRateLimited        ErrorCode = "RATE_LIMITED"
	ErrorServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
)

// Error is returned by every failing Controller operation. Code is the
// category the presentation layer keys its retry messaging on; Reason is a
// stable machine-readable detail.
type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("session: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("session: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// Message returns text suitable for showing to the person in the
// conversation.
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	switch e.Code {
	case ErrorEmptyInput:
		return "Please type a message or attach a photo before sending."
	case ErrorRateLimited:
		return "The assistant is receiving too many requests. Please wait a few seconds and try again."
	default:
		return "The assistant is temporarily unavailable. Please try again shortly."
	}
}
