package event

import (
	"time"

	"WalletLedger/internal/ledger"
)

// EventType discriminator for inbound payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeDepositConfirmed
	EventTypeBetPlaced
	EventTypeBetSettled
	EventTypeBetRolledBack
	EventTypeRewardEarned
	EventTypeCommissionEarned
	EventTypeBonusGranted
	EventTypeWithdrawalRequested
)

// Event is the interface all inbound payloads implement
type Event interface {
	// IdempotencyKey returns the producer's stable dedup key. Redeliveries
	// of the same business event carry the same key.
	IdempotencyKey() string

	EventType() EventType

	// Owner is the wallet the event mutates
	Owner() ledger.WalletKey

	// OccurredAt is the producer timestamp (informational only)
	OccurredAt() time.Time
}

func (et EventType) String() string {
	switch et {
	case EventTypeDepositConfirmed:
		return "DepositConfirmed"
	case EventTypeBetPlaced:
		return "BetPlaced"
	case EventTypeBetSettled:
		return "BetSettled"
	case EventTypeBetRolledBack:
		return "BetRolledBack"
	case EventTypeRewardEarned:
		return "RewardEarned"
	case EventTypeCommissionEarned:
		return "CommissionEarned"
	case EventTypeBonusGranted:
		return "BonusGranted"
	case EventTypeWithdrawalRequested:
		return "WithdrawalRequested"
	default:
		return "Unknown"
	}
}
