// Package wireerr defines the HTTP-style error codes carried on the
// request/response wire envelope (see messaging) and the forge/pocket
// domain errors that map onto them.
package wireerr

import "fmt"

// Code is the numeric error code placed on the wire, mirroring HTTP
// semantics as NWPC method tables describe them.
type Code int

const (
	BadRequest     Code = 400
	Forbidden      Code = 403
	MethodNotFound Code = 404
	AlreadySpent   Code = 409
	Internal       Code = 500
)

// Error is a wire-serializable error: a code plus a human message, and an
// optional structured payload (used by AlreadySpent to carry {spent, issuer}
// for sender-side reconciliation).
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d: %s", e.Code, e.Message)
}

// New builds a plain error with no structured payload.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf builds a plain error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithData attaches a structured payload to an error, used for the
// AlreadySpent {spent, issuer} reconciliation body.
func WithData(code Code, message string, data any) *Error {
	return &Error{Code: code, Message: message, Data: data}
}

// AsWireError unwraps err into a *Error if possible, otherwise wraps it as
// an opaque Internal error — the policy for handler panics/unexpected
// failures in §7 ("Handler-thrown exceptions translate to Internal").
func AsWireError(err error) *Error {
	if err == nil {
		return nil
	}
	if we, ok := err.(*Error); ok {
		return we
	}
	return New(Internal, err.Error())
}

// SpentData is the structured payload of an AlreadySpent error, letting a
// Pocket reconcile the token it believed was still unspent.
type SpentData struct {
	Spent  string `json:"spent"`
	Issuer string `json:"issuer"`
}
