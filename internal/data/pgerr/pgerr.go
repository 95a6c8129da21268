package pgerr

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/isoforge/isoforge-backend/internal/platform/errs"
)

// IsUniqueViolation reports a 23505 anywhere in the chain. Submit uses it to
// resolve idempotency-key races against the ai_tasks unique index.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.TrimSpace(pgErr.Code) == "23505"
	}
	return false
}

// IsRetryable reports serialization failures, deadlocks, and lock timeouts.
func IsRetryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch strings.TrimSpace(pgErr.Code) {
		case "40001", "40P01", "55P03":
			return true
		}
	}
	return false
}

// Map folds a gorm/postgres failure into the shared sentinels so callers can
// classify with errors.Is without importing pgconn.
func Map(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%s: %w", op, errs.ErrNotFound)
	case IsUniqueViolation(err):
		return fmt.Errorf("%s: %w: %v", op, errs.ErrStateConflict, err)
	default:
		return fmt.Errorf("%s: %w: %v", op, errs.ErrStoreUnavailable, err)
	}
}
