package storage

import (
	"errors"
	"fmt"

	"github.com/yairfalse/warden/types"
)

var domainErrors = []error{
	types.ErrNotFound,
	types.ErrConflict,
	types.ErrIntegrityViolation,
	types.ErrValidation,
	types.ErrStorageUnavailable,
}

// wrapErr annotates err with op. Errors outside the domain taxonomy come
// from the database itself and are reported as ErrStorageUnavailable.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, target := range domainErrors {
		if errors.Is(err, target) {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	return fmt.Errorf("%s: %w: %w", op, types.ErrStorageUnavailable, err)
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %q: %w", kind, id, types.ErrNotFound)
}
