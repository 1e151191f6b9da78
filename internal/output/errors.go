package output

import (
	"errors"
	"fmt"
)

// Error is a classified failure: a kind (Code), a human-readable message,
// an optional hint and the HTTP status it was derived from, if any.
type Error struct {
	Code       string
	Message    string
	Hint       string
	HTTPStatus int
	Retryable  bool
	Cause      error
}

func (e *Error) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Hint)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error by code, so errors.Is(err, &Error{Code: CodeAuth})
// works without comparing messages.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code != "" && t.Code == e.Code
}

// ExitCode returns the appropriate exit code for this error.
func (e *Error) ExitCode() int {
	return ExitCodeFor(e.Code)
}

// Error constructors for common cases.

func ErrUsage(msg string) *Error {
	return &Error{Code: CodeUsage, Message: msg}
}

func ErrUsageHint(msg, hint string) *Error {
	return &Error{Code: CodeUsage, Message: msg, Hint: hint}
}

func ErrNetwork(cause error) *Error {
	e := &Error{
		Code:      CodeNetwork,
		Message:   "Network error",
		Retryable: true,
		Cause:     cause,
	}
	if cause != nil {
		e.Hint = cause.Error()
	}
	return e
}

func ErrValidation(status int, msg string) *Error {
	return &Error{
		Code:       CodeValidation,
		Message:    msg,
		HTTPStatus: status,
	}
}

func ErrAuth(msg string) *Error {
	return &Error{
		Code:       CodeAuth,
		Message:    msg,
		Hint:       "Run: studio auth login",
		HTTPStatus: 401,
	}
}

func ErrForbidden(msg string) *Error {
	return &Error{
		Code:       CodeForbidden,
		Message:    msg,
		HTTPStatus: 403,
	}
}

func ErrNotFound(msg string) *Error {
	return &Error{
		Code:       CodeNotFound,
		Message:    msg,
		HTTPStatus: 404,
	}
}

func ErrRateLimit(msg string, retryAfter int) *Error {
	hint := "Try again later"
	if retryAfter > 0 {
		hint = fmt.Sprintf("Try again in %d seconds", retryAfter)
	}
	return &Error{
		Code:       CodeRateLimit,
		Message:    msg,
		Hint:       hint,
		HTTPStatus: 429,
		Retryable:  true,
	}
}

func ErrServer(status int, msg string) *Error {
	return &Error{
		Code:       CodeServer,
		Message:    msg,
		HTTPStatus: status,
		Retryable:  status == 502 || status == 503 || status == 504,
	}
}

func ErrParse(msg string, cause error) *Error {
	return &Error{
		Code:    CodeParse,
		Message: msg,
		Cause:   cause,
	}
}

// AsError attempts to convert an error to an *Error.
// Unclassified errors become server errors carrying the original as Cause.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{
		Code:    CodeServer,
		Message: err.Error(),
		Cause:   err,
	}
}
