package event

import (
	"time"

	"WalletLedger/internal/ledger"

	"github.com/google/uuid"
)

// WithdrawalRequested asks for a withdrawal (user scope) or an affiliate
// payout (affiliate scope). RequestID is supplied by the caller so that
// redelivery maps onto the same request.
type WithdrawalRequested struct {
	RequestID   uuid.UUID
	Affiliate   bool
	OwnerID     uuid.UUID
	Amount      int64
	Destination string
	Timestamp   time.Time
}

func (w *WithdrawalRequested) IdempotencyKey() string {
	return w.RequestID.String()
}

func (w *WithdrawalRequested) EventType() EventType {
	return EventTypeWithdrawalRequested
}

func (w *WithdrawalRequested) Owner() ledger.WalletKey {
	if w.Affiliate {
		return ledger.AffiliateWallet(w.OwnerID)
	}
	return ledger.UserWallet(w.OwnerID)
}

func (w *WithdrawalRequested) OccurredAt() time.Time {
	return w.Timestamp
}
