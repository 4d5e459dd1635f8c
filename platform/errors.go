package platform

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies every failure the bridge reports.
type Kind string

const (
	KindAuth        Kind = "AUTH"         // bad credential, needs operator action
	KindTransient   Kind = "TRANSIENT"    // network or timeout, safe to retry
	KindRateLimited Kind = "RATE_LIMITED" // carries RetryAfter
	KindForbidden   Kind = "FORBIDDEN"    // missing permission on the remote side
	KindNotFound    Kind = "NOT_FOUND"    // target no longer exists
	KindInvalid     Kind = "INVALID"      // rejected before reaching the remote side
)

// Error is the single error type surfaced by the platform, state and dispatch packages.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ErrNotConnected is returned by every operation that needs a live session.
var ErrNotConnected = &Error{Kind: KindTransient, Message: "bot is not connected to Discord"}

func NewAuth(msg string, err error) *Error {
	return &Error{Kind: KindAuth, Message: msg, Err: err}
}

func NewTransient(msg string, err error) *Error {
	return &Error{Kind: KindTransient, Message: msg, Err: err}
}

func NewRateLimited(retryAfter time.Duration, err error) *Error {
	return &Error{
		Kind:       KindRateLimited,
		Message:    fmt.Sprintf("rate limited, retry after %s", retryAfter.Round(time.Millisecond)),
		RetryAfter: retryAfter,
		Err:        err,
	}
}

func NewForbidden(msg string, err error) *Error {
	return &Error{Kind: KindForbidden, Message: msg, Err: err}
}

func NewNotFound(what, id string) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s not found: %s", what, id)}
}

func NewInvalid(msg string) *Error {
	return &Error{Kind: KindInvalid, Message: msg}
}

// KindOf returns the kind of err, or KindTransient for errors that never passed
// through classification.
func KindOf(err error) Kind {
	var pErr *Error
	if errors.As(err, &pErr) {
		return pErr.Kind
	}
	return KindTransient
}

// IsKind reports whether err is a platform error of the given kind.
func IsKind(err error, kind Kind) bool {
	var pErr *Error
	if errors.As(err, &pErr) {
		return pErr.Kind == kind
	}
	return false
}

// ErrorText returns the human readable part of err without the kind prefix.
func ErrorText(err error) string {
	var pErr *Error
	if errors.As(err, &pErr) {
		return pErr.Message
	}
	return err.Error()
}
