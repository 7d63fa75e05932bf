package storage

import (
	"errors"

	"github.com/anamnesis-ai/anamnesis/internal/apperr"
)

// ErrNotFound is returned when a requested memory or contradiction
// does not exist. It satisfies errors.Is against apperr.ErrNotFound so
// callers above the storage boundary can classify it via apperr.Kind
// without importing this package's internals.
var ErrNotFound = errors.New("storage: not found")

// wrapNotFound joins the package-local ErrNotFound with
// apperr.ErrNotFound so both errors.Is(err, storage.ErrNotFound) and
// errors.Is(err, apperr.ErrNotFound) succeed.
func wrapNotFound() error {
	return errors.Join(ErrNotFound, apperr.ErrNotFound)
}
