// Package faults attaches an explicit kind to errors so callers can decide
// whether to retry, skip or abort by looking at a value instead of a type.
package faults

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind uint8

const (
	// Unknown is the kind of any error that was never classified.
	Unknown Kind = iota
	// Malformed marks bad input data (a single catalog record, a corrupt state value).
	Malformed
	// Transient marks failures that may succeed on a later attempt (network, lost connection).
	Transient
	// Fatal marks failures the process cannot operate through.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Malformed:
		return "malformed"
	case Transient:
		return "transient"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is an error tagged with a Kind and the operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap tags err with kind. A nil err stays nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf reports the outermost Kind attached to err.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}

// IsTransient is shorthand for KindOf(err) == Transient.
func IsTransient(err error) bool {
	return KindOf(err) == Transient
}
