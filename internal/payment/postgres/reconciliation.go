package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	paymentpkg "github.com/frahmantamala/tramite-payments/internal/payment"
)

const staleQuery = `
SELECT reference, state, tramite, payer_user_id, created_at
FROM payment_attempts
WHERE state IN (?, ?)
  AND reconciliation_flagged_at IS NULL
  AND created_at < ?
ORDER BY created_at ASC
LIMIT ?`

// StaleFinder reads the ledger through sqlx so the sweep does not hold gorm sessions open.
type StaleFinder struct {
	db *sqlx.DB
}

func NewStaleFinder(db *sqlx.DB) *StaleFinder {
	return &StaleFinder{db: db}
}

var _ paymentpkg.StaleFinder = (*StaleFinder)(nil)

func (f *StaleFinder) FindStale(ctx context.Context, olderThan time.Time, limit int) ([]paymentpkg.StaleAttempt, error) {
	if limit <= 0 {
		limit = 100
	}

	var rows []paymentpkg.StaleAttempt
	query := f.db.Rebind(staleQuery)
	err := f.db.SelectContext(ctx, &rows, query, openStates[0], openStates[1], olderThan.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("find stale payment attempts: %w", err)
	}
	return rows, nil
}
