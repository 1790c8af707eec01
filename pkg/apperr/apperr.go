// Package apperr defines the closed error-kind taxonomy used across vpnforge
// and the mapping from a returned error to a CLI exit code.
package apperr

import (
	"context"
	"errors"
	"fmt"
)

// Kind is one of the error kinds enumerated in the system's error taxonomy.
// It is a closed set: new kinds are added here, not invented ad hoc at call
// sites.
type Kind string

const (
	KindInvalidInput       Kind = "invalid_input"
	KindValidationFailed   Kind = "validation_failed"
	KindNotFound           Kind = "not_found"
	KindAlreadyExists      Kind = "already_exists"
	KindPortInUse          Kind = "port_in_use"
	KindImageMissing       Kind = "image_missing"
	KindDiskFull           Kind = "disk_full"
	KindPermissionDenied   Kind = "permission_denied"
	KindRuntimeUnavailable Kind = "runtime_unavailable"
	KindTimeout            Kind = "timeout"
	KindCancelled          Kind = "cancelled"
	KindUnsupportedCipher  Kind = "unsupported_cipher"
	KindRngFailure         Kind = "rng_failure"
	KindUnsupportedProto   Kind = "unsupported_protocol"
	KindConfigInvalid      Kind = "config_invalid"
	KindAuthRequired       Kind = "auth_required"
	KindAuthFailed         Kind = "auth_failed"
	KindRateLimited        Kind = "rate_limited"
)

// Error carries a Kind plus the entity/field it concerns, without ever
// including secret material in its message.
type Error struct {
	Kind   Kind
	Entity string
	Field  string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Field != "":
		return fmt.Sprintf("%s: %s.%s: %v", e.Kind, e.Entity, e.Field, e.Err)
	case e.Entity != "":
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Entity, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error for the given kind and entity, wrapping a plain
// message as the underlying error.
func New(kind Kind, entity, format string, args ...any) *Error {
	return &Error{Kind: kind, Entity: entity, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches a Kind and entity to an existing error.
func Wrap(kind Kind, entity string, err error) *Error {
	return &Error{Kind: kind, Entity: entity, Err: err}
}

// WithField attaches a field name, used by ValidationFailed(field) kinds.
func (e *Error) WithField(field string) *Error {
	e.Field = field
	return e
}

// As extracts the *Error from err's chain, if present.
func As(err error) (*Error, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// KindOf returns the Kind carried by err, or "" if err does not wrap an
// *Error.
func KindOf(err error) Kind {
	if ae, ok := As(err); ok {
		return ae.Kind
	}
	return ""
}

// ExitCode maps an error to the fixed CLI exit-code enumeration from
// spec.md §6/§7. Codes not covered by a specific command's table fall back
// to a generic code per kind; 0 is reserved for success and is never
// returned here.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if errors.Is(err, context.Canceled) {
		return 130
	}
	switch KindOf(err) {
	case KindAlreadyExists:
		return 99
	case KindInvalidInput, KindValidationFailed:
		return 161
	case KindNotFound:
		return 98
	case KindPortInUse:
		return 115
	case KindConfigInvalid:
		return 33
	case KindCancelled:
		return 130
	case KindRuntimeUnavailable, KindTimeout:
		return 193
	case KindAuthRequired, KindAuthFailed:
		return 401 % 256
	case KindRateLimited:
		return 429 % 256
	default:
		return 1
	}
}
