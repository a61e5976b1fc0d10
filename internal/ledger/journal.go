package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TransactionType represents the purpose of a ledger entry
type TransactionType string

const (
	TypeDeposit             TransactionType = "DEPOSIT"
	TypeWithdraw            TransactionType = "WITHDRAW"
	TypeWithdrawReserve     TransactionType = "WITHDRAW_RESERVE"
	TypeWithdrawRelease     TransactionType = "WITHDRAW_RELEASE"
	TypeWithdrawClear       TransactionType = "WITHDRAW_CLEAR"
	TypeBet                 TransactionType = "BET"
	TypeWin                 TransactionType = "WIN"
	TypeRollback            TransactionType = "ROLLBACK"
	TypeBonusCredit         TransactionType = "BONUS_CREDIT"
	TypeBonusConvert        TransactionType = "BONUS_CONVERT"
	TypeBonusForfeit        TransactionType = "BONUS_FORFEIT"
	TypeRolloverConsume     TransactionType = "ROLLOVER_CONSUME"
	TypeMissionReward       TransactionType = "MISSION_REWARD"
	TypeRakeback            TransactionType = "RAKEBACK"
	TypeAffiliateCommission TransactionType = "AFFILIATE_COMMISSION"
)

var knownTypes = map[TransactionType]bool{
	TypeDeposit:             true,
	TypeWithdraw:            true,
	TypeWithdrawReserve:     true,
	TypeWithdrawRelease:     true,
	TypeWithdrawClear:       true,
	TypeBet:                 true,
	TypeWin:                 true,
	TypeRollback:            true,
	TypeBonusCredit:         true,
	TypeBonusConvert:        true,
	TypeBonusForfeit:        true,
	TypeRolloverConsume:     true,
	TypeMissionReward:       true,
	TypeRakeback:            true,
	TypeAffiliateCommission: true,
}

// Valid reports whether the type has a transition defined
func (t TransactionType) Valid() bool {
	return knownTypes[t]
}

// EntryStatus is the lifecycle state of a ledger entry
type EntryStatus string

const (
	StatusCompleted EntryStatus = "COMPLETED"
	StatusPending   EntryStatus = "PENDING" // Not settled; a replay reports an in-flight duplicate
)

// Wallet holds the balances of one owner. Mutated only by the balance processor.
type Wallet struct {
	WalletID          uuid.UUID
	Key               WalletKey
	Currency          string
	Balance           int64 // Available funds (minor units)
	LockedBalance     int64 // Reserved pending a withdrawal/payout decision
	BonusBalance      int64 // Promotional funds
	RolloverTotal     int64 // Wager volume required in the current bonus cycle
	RolloverRemaining int64 // Wager volume still outstanding
	Version           int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Entry is an immutable ledger row, uniquely keyed by ReferenceID
type Entry struct {
	EntryID       uuid.UUID
	WalletID      uuid.UUID
	Wallet        WalletKey
	Type          TransactionType
	Amount        int64 // ALWAYS positive
	BalanceBefore int64
	BalanceAfter  int64
	Status        EntryStatus
	ReferenceID   string
	Description   string
	Metadata      Metadata
	CreatedAt     time.Time
}

// Validate ensures the entry is well-formed before it is written
func (e *Entry) Validate() error {
	if e.Amount <= 0 {
		return fmt.Errorf("entry %s has non-positive amount: %d", e.ReferenceID, e.Amount)
	}
	if e.ReferenceID == "" {
		return fmt.Errorf("entry %s has empty reference id", e.EntryID)
	}
	if !e.Type.Valid() {
		return fmt.Errorf("entry %s has unknown type %q", e.ReferenceID, e.Type)
	}
	if e.Metadata != nil {
		if err := ValidateMetadata(e.Type, e.Metadata); err != nil {
			return err
		}
	}
	return nil
}

// GrantStatus is the lifecycle of a bonus grant
type GrantStatus string

const (
	GrantActive    GrantStatus = "ACTIVE"
	GrantCompleted GrantStatus = "COMPLETED"
	GrantCancelled GrantStatus = "CANCELLED"
	GrantExpired   GrantStatus = "EXPIRED"
)

// BonusGrant is one bonus activation and its own rollover progress
type BonusGrant struct {
	GrantID           uuid.UUID
	Wallet            WalletKey
	BonusAmount       int64
	RolloverTotal     int64
	RolloverRemaining int64
	MaxWithdrawal     int64 // Conversion cap; 0 means uncapped
	Status            GrantStatus
	ReferenceID       string // Ledger entry that credited the bonus
	ConversionRef     string // Set once the grant's cycle has been converted or forfeited
	ExpiresAt         *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Open reports whether the grant still counts toward the current rollover cycle
func (g *BonusGrant) Open() bool {
	return g.ConversionRef == "" && (g.Status == GrantActive || g.Status == GrantCompleted)
}
