package persistence

import (
	"context"
	"fmt"
	"time"

	"WalletLedger/internal/ledger"
)

// warmTimeout bounds the startup read that seeds the idempotency LRU
const warmTimeout = 5 * time.Second

// RecentEntries returns the most recently committed entries across all
// wallets, used to seed the in-memory idempotency tier at startup.
func (s *PostgresStore) RecentEntries(ctx context.Context, limit int) ([]*ledger.Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, warmTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM wallet.ledger_entries
		WHERE status = 'COMPLETED'
		ORDER BY created_at DESC
		LIMIT $1`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent entries: %w", err)
	}
	defer rows.Close()

	var out []*ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// EnsureReferenceIndex verifies the unique index backing the store-tier
// idempotency lookup exists. A missing index means duplicates could commit.
func (s *PostgresStore) EnsureReferenceIndex(ctx context.Context) error {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pg_constraint
			WHERE conname = 'ledger_entries_reference_unique'
		)`).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check reference index: %w", err)
	}
	if !exists {
		return fmt.Errorf("ledger_entries_reference_unique constraint is missing; run migrations")
	}
	return nil
}
