// Package fault defines the canonical failure taxonomy shared by adapters,
// the retry policy and the request executor.
package fault

import (
	"errors"
	"fmt"
	"time"
)

// Kind is a canonical failure class.
type Kind string

const (
	TransientNetwork Kind = "TRANSIENT_NETWORK" // timeouts, connection resets
	RateLimited      Kind = "RATE_LIMITED"      // HTTP 429 or broker throttle signal
	ServerError      Kind = "SERVER_ERROR"      // 5xx or broker-side fault
	AuthFailed       Kind = "AUTH_FAILED"       // expired or invalid credentials
	BadRequest       Kind = "BAD_REQUEST"       // malformed query, 4xx other than 429
	NotFound         Kind = "NOT_FOUND"         // unknown instrument
	ParseError       Kind = "PARSE_ERROR"       // malformed or truncated payload
	Canceled         Kind = "CANCELED"          // caller deadline or cancellation
	Unknown          Kind = "UNKNOWN"           // unmapped cause
)

// Kinds lists every kind in a stable order.
var Kinds = []Kind{
	TransientNetwork,
	RateLimited,
	ServerError,
	AuthFailed,
	BadRequest,
	NotFound,
	ParseError,
	Canceled,
	Unknown,
}

// Valid reports whether k is one of the declared kinds.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Error is a classified failure.
type Error struct {
	Kind Kind
	// RetryAfter is the broker-supplied wait hint, zero when absent.
	RetryAfter time.Duration
	Message    string
	Cause      error
}

// New creates a classified error without an underlying cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies cause under kind.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// WithRetryAfter returns a copy of e carrying the given wait hint.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	cp := *e
	cp.RetryAfter = d
	return &cp
}

// As extracts the first classified error in err's chain.
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// KindOf returns the kind of the first classified error in err's chain,
// or Unknown if there is none.
func KindOf(err error) Kind {
	if fe, ok := As(err); ok {
		return fe.Kind
	}
	return Unknown
}

// Is reports whether err carries a classified error of the given kind.
func Is(err error, kind Kind) bool {
	fe, ok := As(err)
	return ok && fe.Kind == kind
}
