package reservation

import (
	"errors"
	"time"

	"WalletLedger/internal/ledger"

	"github.com/google/uuid"
)

var (
	ErrRequestNotFound     = errors.New("reservation request not found")
	ErrInvalidTransition   = errors.New("invalid reservation state transition")
	ErrRolloverOutstanding = errors.New("withdrawal blocked by outstanding rollover")
	ErrRequestCompensated  = errors.New("request id was compensated; submit a new request")
)

// Kind selects which owner scope a request draws from
type Kind string

const (
	KindWithdrawal      Kind = "withdrawal"
	KindAffiliatePayout Kind = "affiliate_payout"
)

// Scope returns the wallet scope the kind operates on
func (k Kind) Scope() ledger.OwnerScope {
	if k == KindAffiliatePayout {
		return ledger.OwnerScopeAffiliate
	}
	return ledger.OwnerScopeUser
}

// Status is the request state: PENDING -> APPROVED -> PAID, or PENDING|APPROVED -> REJECTED
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusPaid     Status = "PAID"
	StatusRejected Status = "REJECTED"
)

// Open reports whether the request still holds locked funds
func (s Status) Open() bool {
	return s == StatusPending || s == StatusApproved
}

// Request is a withdrawal or affiliate payout awaiting a decision
type Request struct {
	RequestID   uuid.UUID
	Kind        Kind
	Wallet      ledger.WalletKey
	Amount      int64
	Status      Status
	ReserveRef  string // WITHDRAW_RESERVE entry
	ReleaseRef  string // WITHDRAW_RELEASE entry, set on rejection
	ClearRef    string // WITHDRAW_CLEAR entry, set on payment
	Destination string // Payout account at the gateway
	Reason      string
	Auto        bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
