package ingestion

import (
	"context"
	"time"

	"WalletLedger/internal/event"
	"WalletLedger/internal/ledger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AdminIngestService injects events by hand (support credits, missed
// webhooks). It is for admin operations, not throughput: events go
// through the same dispatcher as NATS traffic, synchronously.
type AdminIngestService struct {
	dispatcher *Dispatcher
	now        func() time.Time
}

func NewAdminIngestService(d *Dispatcher) *AdminIngestService {
	return &AdminIngestService{dispatcher: d, now: time.Now}
}

// InjectDeposit credits a deposit the webhook handler missed. The gateway
// transaction id keeps it idempotent against a late webhook.
func (s *AdminIngestService) InjectDeposit(ctx context.Context, userID uuid.UUID, gateway, externalID string, amount int64) (Outcome, error) {
	if gateway == "" || externalID == "" {
		return OutcomeRejected, ledger.Validationf("inject deposit", "gateway and external id are required")
	}
	return s.dispatcher.Handle(ctx, &event.DepositConfirmed{
		Gateway:    gateway,
		ExternalID: externalID,
		UserID:     userID,
		Amount:     amount,
		Timestamp:  s.now(),
	})
}

// InjectBonus grants a fixed support bonus with the given rollover multiple
func (s *AdminIngestService) InjectBonus(ctx context.Context, userID uuid.UUID, reference string, amount int64, multiplier decimal.Decimal, maxWithdrawal int64) (Outcome, error) {
	return s.dispatcher.Handle(ctx, &event.BonusGranted{
		Reference:     reference,
		UserID:        userID,
		Source:        "admin",
		FixedAmount:   amount,
		Multiplier:    multiplier,
		MaxWithdrawal: maxWithdrawal,
		Timestamp:     s.now(),
	})
}
