// Package apperr defines the error kinds surfaced by the claim subsystem.
// Callers match kinds with errors.Is against the exported sentinels.
package apperr

import (
	"errors"
	"fmt"
	"time"
)

type Kind string

const (
	KindNotFound            Kind = "not_found"
	KindOutOfStock          Kind = "out_of_stock"
	KindInvalidInput        Kind = "invalid_input"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindAlreadyRedeemed     Kind = "already_redeemed"
	KindCoolingDown         Kind = "cooling_down"
)

// Error is a classified failure. Op names the operation that failed and Err
// carries the underlying cause, if any.
type Error struct {
	Kind       Kind
	Op         string
	Err        error
	RetryAfter time.Duration
}

var (
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrOutOfStock          = &Error{Kind: KindOutOfStock}
	ErrInvalidInput        = &Error{Kind: KindInvalidInput}
	ErrUpstreamUnavailable = &Error{Kind: KindUpstreamUnavailable}
	ErrAlreadyRedeemed     = &Error{Kind: KindAlreadyRedeemed}
	ErrCoolingDown         = &Error{Kind: KindCoolingDown}
)

// E builds a classified error for op, wrapping err (which may be nil).
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Invalid is shorthand for an InvalidInput error with a plain reason.
func Invalid(op, reason string) *Error {
	return E(KindInvalidInput, op, errors.New(reason))
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the bare sentinel for e's kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// RetryAfterOf returns the retry hint carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// Message is the user-facing text for a kind. Each kind maps to its own
// message so the UI never conflates them.
func Message(kind Kind) string {
	switch kind {
	case KindNotFound:
		return "we couldn't find that reward"
	case KindOutOfStock:
		return "this offer is no longer available"
	case KindInvalidInput:
		return "please check your details and try again"
	case KindAlreadyRedeemed:
		return "this reward has already been used and cannot be used again"
	case KindCoolingDown:
		return "please wait before trying again"
	default:
		return "could not process your request, please try again"
	}
}

// NoOffersMessage is shown when selection finds nothing eligible. It is not
// an error kind: an empty selection is a normal result.
const NoOffersMessage = "no offers available"
