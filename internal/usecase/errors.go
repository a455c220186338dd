package usecase

import (
	"errors"
	"fmt"

	"wellbeing-agent/internal/session"
)

type ErrorCode string

const (
	ErrorEmptyInput         ErrorCode = "EMPTY_INPUT"
	ErrorInvalidInput       ErrorCode = "INVALID_INPUT"
	ErrorRateLimited        ErrorCode = "RATE_LIMITED"
	ErrorServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrorSessionNotFound    ErrorCode = "SESSION_NOT_FOUND"
	ErrorSessionBusy        ErrorCode = "SESSION_BUSY"
	ErrorInternal           ErrorCode = "INTERNAL_ERROR"
)

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
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Message returns the human-readable notification for the error category.
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	var sessErr *session.Error
	if errors.As(e.Err, &sessErr) {
		return sessErr.Message()
	}
	if e.Reason == reasonTurnLimit {
		return "This check-in has reached its length limit. Please start a new session to keep talking."
	}
	switch e.Code {
	case ErrorEmptyInput:
		return "Please type a message or attach a photo before sending."
	case ErrorInvalidInput:
		return "The request could not be processed. Check the message and photo and try again."
	case ErrorRateLimited:
		return "The assistant is receiving too many requests. Please wait a few seconds and try again."
	case ErrorServiceUnavailable:
		return "The assistant is temporarily unavailable. Please try again shortly."
	case ErrorSessionNotFound:
		return "This check-in session has ended or expired. Please start a new one."
	case ErrorSessionBusy:
		return "Another message for this session is still being processed. Please wait for it to finish."
	default:
		return "Something went wrong on our side. Please try again later."
	}
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// fromSessionError carries a controller failure across unchanged in meaning.
func fromSessionError(err error) *Error {
	var sessErr *session.Error
	if !errors.As(err, &sessErr) {
		return newError(ErrorInternal, "session_error", err)
	}
	switch sessErr.Code {
	case session.ErrorEmptyInput:
		return newError(ErrorEmptyInput, sessErr.Reason, err)
	case session.ErrorRateLimited:
		return newError(ErrorRateLimited, sessErr.Reason, err)
	default:
		return newError(ErrorServiceUnavailable, sessErr.Reason, err)
	}
}
