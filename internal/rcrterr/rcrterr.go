// Package rcrterr defines the sentinel error taxonomy shared by every
// component. Handlers map these to the stable HTTP codes via Code.
package rcrterr

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("not found")
	ErrForbidden = errors.New("forbidden")
	ErrBadRequest = errors.New("bad request")
	ErrVersionConflict = errors.New("version conflict")
	ErrIdempotencyConflict = errors.New("idempotency conflict")
	ErrPreconditionMissing = errors.New("if-match header required")
	ErrUpstream = errors.New("upstream failure")
)

// NotFound and Forbidden map to the same 404: RLS/ACL denial must not leak
// existence across tenants.
func NotFound(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
}

func Forbidden(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrForbidden)...)
}

func BadRequest(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrBadRequest)...)
}

func VersionConflict(record string, want, got int64) error {
	return fmt.Errorf("record %s at version %d, If-Match wanted %d: %w", record, got, want, ErrVersionConflict)
}

func IdempotencyConflict(key string) error {
	return fmt.Errorf("idempotency key %q reused with a different payload: %w", key, ErrIdempotencyConflict)
}

func Upstream(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrUpstream)...)
}

// Code maps an error produced in this package (or wrapping one of the
// sentinels above) to its assigned HTTP status. Unrecognised errors map
// to 500.
func Code(err error) int {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrForbidden):
		return 404
	case errors.Is(err, ErrBadRequest):
		return 400
	case errors.Is(err, ErrPreconditionMissing):
		return 428
	case errors.Is(err, ErrVersionConflict):
		return 412
	case errors.Is(err, ErrIdempotencyConflict):
		return 409
	case errors.Is(err, ErrUpstream):
		return 502
	default:
		return 500
	}
}

// MachineCode returns a stable short string for client-side error handling,
// independent of the human message.
func MachineCode(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrBadRequest):
		return "bad_request"
	case errors.Is(err, ErrPreconditionMissing):
		return "precondition_required"
	case errors.Is(err, ErrVersionConflict):
		return "version_conflict"
	case errors.Is(err, ErrIdempotencyConflict):
		return "idempotency_conflict"
	case errors.Is(err, ErrUpstream):
		return "upstream_failure"
	default:
		return "internal"
	}
}
