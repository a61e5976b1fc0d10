// internal/event/deposit.go
package event

import (
	"time"

	"WalletLedger/internal/ledger"

	"github.com/google/uuid"
)

// DepositConfirmed is emitted by the payment webhook handler once the
// gateway has settled the deposit
type DepositConfirmed struct {
	Gateway    string
	ExternalID string // Gateway transaction id
	UserID     uuid.UUID
	Currency   string
	Amount     int64 // Minor units
	Timestamp  time.Time
}

func (d *DepositConfirmed) IdempotencyKey() string {
	return d.Gateway + ":" + d.ExternalID
}

func (d *DepositConfirmed) EventType() EventType {
	return EventTypeDepositConfirmed
}

func (d *DepositConfirmed) Owner() ledger.WalletKey {
	return ledger.UserWallet(d.UserID)
}

func (d *DepositConfirmed) OccurredAt() time.Time {
	return d.Timestamp
}
