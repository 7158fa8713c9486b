package persistence

import (
	"database/sql"
	"errors"
	"fmt"

	"mailsync/core/port/out"
	"mailsync/pkg/apperr"
)

// Common persistence errors
var (
	ErrNotFound = out.ErrNotFound
	ErrConflict = out.ErrConflict
)

// wrapErr maps driver errors: no rows becomes ErrNotFound, everything else a
// retryable DATABASE_ERROR.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return apperr.DatabaseError(op, err)
}
