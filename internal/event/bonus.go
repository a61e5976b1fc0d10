package event

import (
	"time"

	"WalletLedger/internal/ledger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BonusGranted is emitted by the promo service (deposit promos, referral
// rewards). Reference is the promo service's uniqueness key for the grant.
type BonusGranted struct {
	Reference     string
	UserID        uuid.UUID
	Source        string
	FixedAmount   int64           // Used when non-zero
	DepositAmount int64           // Base for Percent
	Percent       decimal.Decimal // e.g. 100 for a 100% match
	Ceiling       int64           // Cap on a percentage bonus, 0 = none
	Multiplier    decimal.Decimal // Rollover multiple of the bonus
	MaxWithdrawal int64           // Conversion cap, 0 = uncapped
	ExpiresAt     *time.Time
	Timestamp     time.Time
}

func (b *BonusGranted) IdempotencyKey() string {
	return b.Reference
}

func (b *BonusGranted) EventType() EventType {
	return EventTypeBonusGranted
}

func (b *BonusGranted) Owner() ledger.WalletKey {
	return ledger.UserWallet(b.UserID)
}

func (b *BonusGranted) OccurredAt() time.Time {
	return b.Timestamp
}
