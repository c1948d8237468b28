package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound indicates that the addressed row does not exist.
	ErrNotFound = errors.New("postgres: not found")
	// ErrConflict indicates a unique constraint violation.
	ErrConflict = errors.New("postgres: conflict")
	// ErrConstraint indicates a check constraint violation.
	ErrConstraint = errors.New("postgres: constraint violated")
)

// mapError converts pgx errors into package errors.
// Context cancellation and deadline errors pass through unchanged.
func mapError(err error, entity, key string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s %s: %w", entity, key, err)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", entity, key, ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%s %s: %w", entity, key, ErrConflict)
		case "23514": // check_violation
			return fmt.Errorf("%s %s: %w", entity, key, ErrConstraint)
		}
	}
	return fmt.Errorf("%s %s: %w", entity, key, err)
}
