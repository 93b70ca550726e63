// Package fault classifies recoverable failures so callers can pick the
// documented fallback instead of string-matching errors.
package fault

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the class of a failure.
type Kind int

const (
	// Unknown is returned by KindOf for unclassified errors.
	Unknown Kind = iota
	ProviderUnavailable
	Timeout
	InvalidInput
)

func (k Kind) String() string {
	switch k {
	case ProviderUnavailable:
		return "provider_unavailable"
	case Timeout:
		return "timeout"
	case InvalidInput:
		return "invalid_input"
	default:
		return "unknown"
	}
}

// Error carries a Kind along with the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap classifies err. Deadline errors always become Timeout.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) && fe.Kind != Unknown {
		kind = fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		kind = Timeout
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Invalid builds an InvalidInput error from a message.
func Invalid(op, msg string) error {
	return &Error{Kind: InvalidInput, Op: op, Err: errors.New(msg)}
}

// KindOf extracts the Kind from err, or Unknown.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	return Unknown
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
