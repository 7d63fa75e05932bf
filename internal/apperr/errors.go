// Package apperr defines the abstract error kinds of SPEC_FULL.md §7.
// Callers never see a raw pgx or sql error past a storage-package
// boundary: every storage method wraps driver errors into one of the
// sentinels below before returning, matching the one-sentinel-per-kind
// style of the teacher's internal/storage/errors.go.
package apperr

import "errors"

// Sentinel errors for the abstract kinds named in SPEC_FULL.md §7.
// Use errors.Is against these, never string matching.
var (
	ErrNotFound          = errors.New("apperr: not found")
	ErrConflict          = errors.New("apperr: optimistic concurrency conflict")
	ErrBusy              = errors.New("apperr: backpressure, try again")
	ErrExtract           = errors.New("apperr: extraction failed on malformed input")
	ErrNormalize         = errors.New("apperr: normalization failed")
	ErrUnauthorized      = errors.New("apperr: unauthorized resolution operation")
	ErrDeadlineExceeded  = errors.New("apperr: deadline exceeded")
	ErrInvariantViolation = errors.New("apperr: invariant violation (bug trap, must never leak)")
)

// Kind classifies err against the sentinels above. Returns "" if err
// does not match any known kind (e.g. it is a genuine unexpected
// internal error, which callers should treat as a storage failure).
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	case errors.Is(err, ErrConflict):
		return "Conflict"
	case errors.Is(err, ErrBusy):
		return "Busy"
	case errors.Is(err, ErrExtract):
		return "ExtractError"
	case errors.Is(err, ErrNormalize):
		return "NormalizeError"
	case errors.Is(err, ErrUnauthorized):
		return "Unauthorized"
	case errors.Is(err, ErrDeadlineExceeded):
		return "DeadlineExceeded"
	case errors.Is(err, ErrInvariantViolation):
		return "InvariantViolation"
	default:
		return ""
	}
}

// UnknownSlot is returned by the slot catalog when a slot name has no
// descriptor and the caller has not registered one dynamically.
type UnknownSlot struct {
	Slot string
}

func (e *UnknownSlot) Error() string {
	return "apperr: unknown slot " + e.Slot
}
