package errors

import (
	"errors"
	"fmt"
)

// Kind classifies a failure of the security layer so callers can decide how to degrade.
type Kind string

const (
	// KindValidation is malformed input to a config or evaluation call.
	KindValidation Kind = "validation"
	// KindStore is an unavailable or failing state backend.
	KindStore Kind = "store"
	// KindRule is a failure while evaluating a single alert or escalation rule.
	KindRule Kind = "rule"
	// KindAction is a failure of one escalation or playbook action.
	KindAction Kind = "action"
	// KindAudit is a failure inside an audit sink.
	KindAudit Kind = "audit"
)

// Sentinel errors, one per kind, for errors.Is matching.
var (
	ErrValidation = errors.New("security: validation failed")
	ErrStore      = errors.New("security: store unavailable")
	ErrRule       = errors.New("security: rule evaluation failed")
	ErrAction     = errors.New("security: action failed")
	ErrAudit      = errors.New("security: audit sink failed")
)

// Error wraps a failure with its kind and the operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// Error returns the error message.
func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s.%s: %v", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for this error's kind.
func (e *Error) Is(target error) bool {
	return sentinel(e.Kind) == target
}

func sentinel(k Kind) error {
	switch k {
	case KindValidation:
		return ErrValidation
	case KindStore:
		return ErrStore
	case KindRule:
		return ErrRule
	case KindAction:
		return ErrAction
	case KindAudit:
		return ErrAudit
	}
	return nil
}

// New creates an Error of the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Validation creates a validation error from a format string.
func Validation(op, format string, args ...interface{}) error {
	return &Error{Kind: KindValidation, Op: op, Err: fmt.Errorf(format, args...)}
}

// Store wraps a backend failure.
func Store(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindStore, Op: op, Err: err}
}

// KindOf returns the kind of err, or "" when err is not a classified error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsValidation checks if the error is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsStore checks if the error is a store error.
func IsStore(err error) bool {
	return errors.Is(err, ErrStore)
}
