package event

import (
	"time"

	"WalletLedger/internal/ledger"

	"github.com/google/uuid"
)

// Wager identifies the game round a bet belongs to
type Wager struct {
	BetID     string
	UserID    uuid.UUID
	Game      string
	RoundID   string
	Timestamp time.Time
}

func (w *Wager) Owner() ledger.WalletKey {
	return ledger.UserWallet(w.UserID)
}

func (w *Wager) OccurredAt() time.Time {
	return w.Timestamp
}

// BetPlaced debits the stake
type BetPlaced struct {
	Wager
	Amount int64
}

func (b *BetPlaced) IdempotencyKey() string { return "bet:" + b.BetID }
func (b *BetPlaced) EventType() EventType   { return EventTypeBetPlaced }

// BetSettled credits the payout. A losing bet settles with Payout 0.
type BetSettled struct {
	Wager
	Payout int64
}

func (b *BetSettled) IdempotencyKey() string { return "win:" + b.BetID }
func (b *BetSettled) EventType() EventType   { return EventTypeBetSettled }

// BetRolledBack refunds a voided bet
type BetRolledBack struct {
	Wager
	Amount int64
	Reason string
}

func (b *BetRolledBack) IdempotencyKey() string { return "rollback:" + b.BetID }
func (b *BetRolledBack) EventType() EventType   { return EventTypeBetRolledBack }
