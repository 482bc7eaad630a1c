package taler

import (
	"errors"
	"fmt"
)

// Error is a request-terminating failure with a stable code, the HTTP status
// the handler should answer with, and a human-readable hint. Extra fields are
// merged into the JSON error envelope next to code and hint.
type Error struct {
	Code   ErrorCode
	Status int
	Hint   string
	Extra  map[string]any
}

func (e *Error) Error() string {
	return fmt.Sprintf("taler error %d: %s", e.Code, e.Hint)
}

// NewError builds an error reply value.
func NewError(code ErrorCode, status int, hint string) *Error {
	return &Error{Code: code, Status: status, Hint: hint}
}

// Errorf builds an error reply value with a formatted hint.
func Errorf(code ErrorCode, status int, format string, args ...any) *Error {
	return &Error{Code: code, Status: status, Hint: fmt.Sprintf(format, args...)}
}

// With attaches an extra envelope field and returns the error for chaining.
func (e *Error) With(key string, value any) *Error {
	if e.Extra == nil {
		e.Extra = make(map[string]any)
	}
	e.Extra[key] = value
	return e
}

// AsError unwraps err into an *Error when one is in the chain.
func AsError(err error) (*Error, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}
