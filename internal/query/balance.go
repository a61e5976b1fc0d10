package query

import (
	"time"

	"WalletLedger/internal/ledger"
	"WalletLedger/internal/money"

	"github.com/google/uuid"
)

// BalanceResponse represents wallet balance state for API queries
type BalanceResponse struct {
	Scope    string    `json:"scope"`
	OwnerID  uuid.UUID `json:"owner_id"`
	Currency string    `json:"currency"`

	// Minor units
	Balance           int64 `json:"balance"`
	LockedBalance     int64 `json:"locked_balance"`
	BonusBalance      int64 `json:"bonus_balance"`
	RolloverRemaining int64 `json:"rollover_remaining"`
	RolloverTotal     int64 `json:"rollover_total"`

	// Decimal renderings for display only
	BalanceDisplay       string `json:"balance_display"`
	LockedBalanceDisplay string `json:"locked_balance_display"`
	BonusBalanceDisplay  string `json:"bonus_balance_display"`

	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewBalanceResponse renders a wallet snapshot
func NewBalanceResponse(w *ledger.Wallet) *BalanceResponse {
	return &BalanceResponse{
		Scope:                w.Key.Scope.String(),
		OwnerID:              w.Key.OwnerID,
		Currency:             w.Currency,
		Balance:              w.Balance,
		LockedBalance:        w.LockedBalance,
		BonusBalance:         w.BonusBalance,
		RolloverRemaining:    w.RolloverRemaining,
		RolloverTotal:        w.RolloverTotal,
		BalanceDisplay:       money.Format(w.Balance, money.CentsConfig),
		LockedBalanceDisplay: money.Format(w.LockedBalance, money.CentsConfig),
		BonusBalanceDisplay:  money.Format(w.BonusBalance, money.CentsConfig),
		Version:              w.Version,
		UpdatedAt:            w.UpdatedAt,
	}
}

func newEntryResponse(e *ledger.Entry) EntryResponse {
	r := EntryResponse{
		EntryID:       e.EntryID,
		Type:          string(e.Type),
		Amount:        e.Amount,
		AmountDisplay: money.Format(e.Amount, money.CentsConfig),
		BalanceBefore: e.BalanceBefore,
		BalanceAfter:  e.BalanceAfter,
		Status:        string(e.Status),
		ReferenceID:   e.ReferenceID,
		Description:   e.Description,
		CreatedAt:     e.CreatedAt,
	}
	if e.Metadata != nil {
		r.MetadataKind = e.Metadata.Kind()
	}
	return r
}
