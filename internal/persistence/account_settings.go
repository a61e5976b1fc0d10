package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// AccountSettings implements reservation.AccountChecker. Unknown owners are
// treated as unverified with auto-withdraw off.
type AccountSettings struct {
	db *sql.DB
}

func NewAccountSettings(db *sql.DB) *AccountSettings {
	return &AccountSettings{db: db}
}

func (a *AccountSettings) flag(ctx context.Context, column string, ownerID uuid.UUID) (bool, error) {
	var v bool
	err := a.db.QueryRowContext(ctx,
		`SELECT `+column+` FROM wallet.account_settings WHERE owner_id = $1`, ownerID,
	).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s for %s: %w", column, ownerID, err)
	}
	return v, nil
}

func (a *AccountSettings) IsKYCVerified(ctx context.Context, ownerID uuid.UUID) (bool, error) {
	return a.flag(ctx, "kyc_verified", ownerID)
}

func (a *AccountSettings) AutoWithdrawEnabled(ctx context.Context, ownerID uuid.UUID) (bool, error) {
	return a.flag(ctx, "auto_withdraw", ownerID)
}

// Upsert records the flags owned by the KYC and settings services
func (a *AccountSettings) Upsert(ctx context.Context, ownerID uuid.UUID, kycVerified, autoWithdraw bool) error {
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO wallet.account_settings (owner_id, kyc_verified, auto_withdraw)
		VALUES ($1, $2, $3)
		ON CONFLICT (owner_id) DO UPDATE
		SET kyc_verified = EXCLUDED.kyc_verified,
			auto_withdraw = EXCLUDED.auto_withdraw,
			updated_at = NOW()`,
		ownerID, kycVerified, autoWithdraw,
	)
	if err != nil {
		return fmt.Errorf("upsert account settings %s: %w", ownerID, err)
	}
	return nil
}
