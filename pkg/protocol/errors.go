package protocol

import (
	"errors"
	"fmt"
)

// ErrorCode is the machine-readable reason carried in an error frame.
type ErrorCode string

const (
	CodeRoomClosed     ErrorCode = "room_closed"
	CodeForbidden      ErrorCode = "forbidden"
	CodeInvalidInput   ErrorCode = "invalid_input"
	CodeSplitInvalid   ErrorCode = "split_invalid"
	CodeNotFound       ErrorCode = "not_found"
	CodeConnectTimeout ErrorCode = "connect_timeout"
	CodeRateLimited    ErrorCode = "rate_limited"
	CodeRoomBusy       ErrorCode = "room_busy"
	CodeInternal       ErrorCode = "internal"
)

// Error is a rejection that is reported back to the originating client.
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errorf builds an *Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf classifies err. Errors that are not *Error map to CodeInternal.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// MessageOf returns the user-facing message for err. Internal failures are
// not described to clients.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}

// IsCode reports whether err carries code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}
