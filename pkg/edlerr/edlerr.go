// Package edlerr classifies failures of an EDL session so that callers can
// decide whether to retry, fall back or give up.
package edlerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is the category of a failure.
type Kind string

const (
	// Transport covers disconnects, timeouts and malformed low-level bytes.
	// The session is over and the transport must be closed.
	Transport Kind = "TransportFailure"
	// Denied is a NAK or a refused query. Callers may retry or fall back.
	Denied Kind = "ProtocolDenial"
	// Integrity is a raw-mode refusal, a short read or an unparseable payload.
	Integrity Kind = "DataIntegrityError"
	// UserInput is a missing LUN or partition, or an output path collision.
	UserInput Kind = "UserInputError"
)

// Error carries a Kind and the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// New wraps err with kind. A nil err still produces an error.
func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf is New with a formatted cause.
func Errorf(kind Kind, op, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Err: errors.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}
	return e.Kind
}

// IsKind reports whether err is (or wraps) an *Error with the given Kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
