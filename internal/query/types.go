package query

import (
	"time"

	"github.com/google/uuid"
)

// EntryResponse represents a ledger entry for API queries.
type EntryResponse struct {
	EntryID       uuid.UUID `json:"entry_id"`
	Type          string    `json:"type"`
	Amount        int64     `json:"amount"`
	AmountDisplay string    `json:"amount_display"`
	BalanceBefore int64     `json:"balance_before"`
	BalanceAfter  int64     `json:"balance_after"`
	Status        string    `json:"status"`
	ReferenceID   string    `json:"reference_id"`
	Description   string    `json:"description,omitempty"`
	MetadataKind  string    `json:"metadata_kind,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// IntegrityReport is the result of an invariant check over all wallets.
type IntegrityReport struct {
	IsHealthy  bool        `json:"is_healthy"`
	Checked    int         `json:"checked"`
	Violations []Violation `json:"violations,omitempty"`
	CheckedAt  time.Time   `json:"checked_at"`
}

// Violation names one wallet breaking the balance invariant.
type Violation struct {
	Owner  string `json:"owner"`
	Reason string `json:"reason"`
}

// EligibilityResponse answers whether a wallet may withdraw.
type EligibilityResponse struct {
	Owner             string `json:"owner"`
	CanWithdraw       bool   `json:"can_withdraw"`
	RolloverRemaining int64  `json:"rollover_remaining"`
}
