package protocol

import (
	"errors"
	"fmt"

	"github.com/rmacdonaldsmith/livequery/pkg/datastore"
)

// Error codes carried by error frames.
const (
	CodeInvalidPayload = "INVALID_PAYLOAD"
	CodeInvalidQuery   = "INVALID_QUERY"
	CodeForbidden      = "FORBIDDEN"
	CodeTokenExpired   = "TOKEN_EXPIRED"
	CodeInternal       = "INTERNAL_SERVER_ERROR"
)

// Error is the error object of an error frame.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewError creates an Error with a formatted message.
func NewError(code, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ErrorMessage converts any error into an error frame addressed with uid.
func ErrorMessage(err error, uid string) *Outbound {
	return &Outbound{
		Type:  TypeError,
		UID:   uid,
		Error: toError(err),
	}
}

func toError(err error) *Error {
	var perr *Error
	switch {
	case err == nil:
		return NewError(CodeInternal, "unknown error")
	case errors.As(err, &perr):
		return perr
	case errors.Is(err, datastore.ErrForbidden):
		return NewError(CodeForbidden, "%s", err.Error())
	case errors.Is(err, datastore.ErrInvalidQuery):
		return NewError(CodeInvalidQuery, "%s", err.Error())
	case errors.Is(err, datastore.ErrTokenExpired):
		return NewError(CodeTokenExpired, "%s", err.Error())
	default:
		return NewError(CodeInternal, "an unexpected error occurred")
	}
}
