// Package errs implements the closed error taxonomy that every TSIC
// component reports through. Kinds are branched on; strings are for logs.
package errs

import (
	"errors"
	"fmt"
)

// Kind is one of the error taxonomy entries from the error handling design.
type Kind string

const (
	CredentialMissing        Kind = "credential_missing"
	CredentialRefreshFailed  Kind = "credential_refresh_failed"
	CredentialInvalidated    Kind = "credential_invalidated"
	ProviderTransient        Kind = "provider_transient"
	ProviderPermission       Kind = "provider_permission"
	ProviderNotFound         Kind = "provider_not_found"
	ParseFailure             Kind = "parse_failure"
	StoreUnavailable         Kind = "store_unavailable"
	InternalInvariantViolated Kind = "internal_invariant_violated"
)

// Error wraps a Kind with context. Callers branch on Kind via errors.As,
// never on the message text.
type Error struct {
	Kind    Kind
	Op      string // component/operation that produced the error
	Err     error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target carries the same Kind. This lets callers write
// errors.Is(err, errs.New(errs.ProviderNotFound, "", nil)) or, more simply,
// compare via KindOf below.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// New constructs an *Error. op identifies the component/operation, e.g.
// "credentials.GetAccessToken".
func New(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// KindOf extracts the Kind from err, if any, and reports whether one was
// found.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Transient reports whether a step encountering err should be retried at
// the next cycle rather than treated as permanent.
func Transient(err error) bool {
	k, ok := KindOf(err)
	if !ok {
		return false
	}
	switch k {
	case ProviderTransient, CredentialRefreshFailed, StoreUnavailable:
		return true
	default:
		return false
	}
}
