// Package errs defines the closed set of error kinds the audit engine
// surfaces across package boundaries.
package errs

import (
	"errors"
	"fmt"
)

// Kind is a closed enumeration of error categories the engine can return.
type Kind int

const (
	// InvalidArgument covers malformed ids, empty audit sets, bad salt length.
	InvalidArgument Kind = iota
	UnknownDataset
	UnknownSample
	DuplicateSample
	UnknownSession
	// AuthFailure covers AEAD tag mismatches and derived-key disagreement.
	AuthFailure
	RootMismatch
	ProofInvalid
	// CacheMiss is internal bookkeeping and must never cross a package boundary.
	CacheMiss
	PersistenceError
	CycleDetected
)

func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "InvalidArgument"
	case UnknownDataset:
		return "UnknownDataset"
	case UnknownSample:
		return "UnknownSample"
	case DuplicateSample:
		return "DuplicateSample"
	case UnknownSession:
		return "UnknownSession"
	case AuthFailure:
		return "AuthFailure"
	case RootMismatch:
		return "RootMismatch"
	case ProofInvalid:
		return "ProofInvalid"
	case CacheMiss:
		return "CacheMiss"
	case PersistenceError:
		return "PersistenceError"
	case CycleDetected:
		return "CycleDetected"
	default:
		return "Unknown"
	}
}

// Error wraps a Kind with a message and an optional underlying cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same Kind.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Kind == e.Kind
	}
	return false
}

// New constructs an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// OfKind is a sentinel helper for errors.Is comparisons, e.g.
// errors.Is(err, errs.OfKind(errs.UnknownDataset)).
func OfKind(kind Kind) error {
	return &Error{Kind: kind}
}
