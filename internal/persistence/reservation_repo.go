package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"WalletLedger/internal/ledger"
	"WalletLedger/internal/reservation"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// ReservationRepository implements reservation.Repository on Postgres
type ReservationRepository struct {
	db *sql.DB
}

func NewReservationRepository(db *sql.DB) *ReservationRepository {
	return &ReservationRepository{db: db}
}

const requestColumns = `request_id, kind, owner_scope, owner_id, amount, status, reserve_ref,
	release_ref, clear_ref, destination, reason, auto, created_at, updated_at`

func scanRequest(r rowScanner) (*reservation.Request, error) {
	var req reservation.Request
	var kind, scope, status string
	if err := r.Scan(
		&req.RequestID, &kind, &scope, &req.Wallet.OwnerID, &req.Amount, &status, &req.ReserveRef,
		&req.ReleaseRef, &req.ClearRef, &req.Destination, &req.Reason, &req.Auto, &req.CreatedAt, &req.UpdatedAt,
	); err != nil {
		return nil, err
	}
	req.Kind = reservation.Kind(kind)
	req.Wallet.Scope, _ = ledger.ParseOwnerScope(scope)
	req.Status = reservation.Status(status)
	return &req, nil
}

func (r *ReservationRepository) Create(ctx context.Context, req *reservation.Request) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO wallet.reservation_requests (`+requestColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		req.RequestID, string(req.Kind), req.Wallet.Scope.String(), req.Wallet.OwnerID, req.Amount,
		string(req.Status), req.ReserveRef, req.ReleaseRef, req.ClearRef, req.Destination, req.Reason,
		req.Auto, req.CreatedAt, req.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert reservation request %s: %w", req.RequestID, err)
	}
	return nil
}

func (r *ReservationRepository) Get(ctx context.Context, id uuid.UUID) (*reservation.Request, error) {
	req, err := scanRequest(r.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM wallet.reservation_requests WHERE request_id = $1`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, reservation.ErrRequestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get reservation request %s: %w", id, err)
	}
	return req, nil
}

// Transition is a compare-and-set on status
func (r *ReservationRepository) Transition(ctx context.Context, id uuid.UUID, from []reservation.Status, to reservation.Status, ref, reason string) (*reservation.Request, bool, error) {
	fromNames := make([]string, 0, len(from))
	for _, s := range from {
		fromNames = append(fromNames, string(s))
	}

	req, err := scanRequest(r.db.QueryRowContext(ctx, `
		UPDATE wallet.reservation_requests
		SET status = $2::text,
			release_ref = CASE WHEN $2::text = 'REJECTED' THEN $4::text ELSE release_ref END,
			clear_ref   = CASE WHEN $2::text = 'PAID' THEN $4::text
			                   WHEN $2::text = 'APPROVED' THEN '' ELSE clear_ref END,
			reason      = CASE WHEN $5::text <> '' THEN $5::text ELSE reason END,
			updated_at  = NOW()
		WHERE request_id = $1 AND status = ANY($3)
		RETURNING `+requestColumns,
		id, string(to), pq.Array(fromNames), ref, reason,
	))
	if err == nil {
		return req, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("transition reservation request %s: %w", id, err)
	}

	// No row moved: either missing, already in the target state, or illegal
	current, err := r.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if current.Status == to {
		return current, false, nil
	}
	return nil, false, fmt.Errorf("%w: %s -> %s", reservation.ErrInvalidTransition, current.Status, to)
}

func (r *ReservationRepository) ListByOwner(ctx context.Context, key ledger.WalletKey) ([]*reservation.Request, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+requestColumns+`
		FROM wallet.reservation_requests
		WHERE owner_scope = $1 AND owner_id = $2
		ORDER BY created_at`,
		key.Scope.String(), key.OwnerID,
	)
	if err != nil {
		return nil, fmt.Errorf("list reservation requests %s: %w", key, err)
	}
	defer rows.Close()

	var out []*reservation.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func (r *ReservationRepository) OpenAmounts(ctx context.Context) (map[ledger.WalletKey]int64, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT owner_scope, owner_id, SUM(amount)
		FROM wallet.reservation_requests
		WHERE status IN ('PENDING', 'APPROVED')
		GROUP BY owner_scope, owner_id`)
	if err != nil {
		return nil, fmt.Errorf("open reservation amounts: %w", err)
	}
	defer rows.Close()

	out := make(map[ledger.WalletKey]int64)
	for rows.Next() {
		var scope string
		var key ledger.WalletKey
		var sum int64
		if err := rows.Scan(&scope, &key.OwnerID, &sum); err != nil {
			return nil, err
		}
		key.Scope, _ = ledger.ParseOwnerScope(scope)
		out[key] = sum
	}
	return out, rows.Err()
}
