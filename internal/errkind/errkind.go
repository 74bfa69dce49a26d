// Package errkind classifies errors raised anywhere in the communication
// manager into a small fixed set of kinds, so callers at the cloud and SM
// boundaries can map an error to the right wire status without inspecting
// error strings.
package errkind

import (
	"errors"
	"fmt"
)

// Kind is one of a closed set of error classifications.
type Kind int

const (
	// Internal covers anything that doesn't fit the other kinds; it is
	// the zero value so an un-wrapped error defaults to it.
	Internal Kind = iota
	BadMessage
	NotFound
	AlreadyExists
	NoMemory
	Timeout
	Unavailable
	PermissionDenied
	WrongState
	InvalidArgument
)

func (k Kind) String() string {
	switch k {
	case BadMessage:
		return "bad_message"
	case NotFound:
		return "not_found"
	case AlreadyExists:
		return "already_exists"
	case NoMemory:
		return "no_memory"
	case Timeout:
		return "timeout"
	case Unavailable:
		return "unavailable"
	case PermissionDenied:
		return "permission_denied"
	case WrongState:
		return "wrong_state"
	case InvalidArgument:
		return "invalid_argument"
	default:
		return "internal"
	}
}

// kindError pairs a Kind with an underlying cause. It implements Unwrap so
// errors.Is/errors.As keep working through pkg/errors-style wrapping.
type kindError struct {
	kind  Kind
	cause error
}

func (e *kindError) Error() string {
	return fmt.Sprintf("%s: %s", e.kind, e.cause)
}

func (e *kindError) Unwrap() error { return e.cause }

// New returns an error of the given kind wrapping msg.
func New(kind Kind, msg string) error {
	return &kindError{kind: kind, cause: errors.New(msg)}
}

// Wrap annotates err with a kind, preserving it for errors.Is/As/Unwrap.
// A nil err returns nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}

	return &kindError{kind: kind, cause: err}
}

// Wrapf is Wrap with fmt.Errorf-style formatting of the message prefix.
func Wrapf(kind Kind, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}

	return &kindError{kind: kind, cause: fmt.Errorf(format+": %w", append(args, err)...)}
}

// Of walks err's Unwrap chain for a *kindError and returns its Kind. An
// error with no classification in its chain is reported as Internal.
func Of(err error) Kind {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}

	return Internal
}

// Is reports whether err's chain carries the given Kind.
func Is(err error, kind Kind) bool {
	return Of(err) == kind
}
