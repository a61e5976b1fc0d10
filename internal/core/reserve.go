package core

import (
	"context"

	"WalletLedger/internal/ledger"

	"github.com/google/uuid"
)

// Reservation steps; each maps to one deterministic reference per request
const (
	StepReserve    = "reserve"
	StepRelease    = "release"
	StepClear      = "clear"
	StepCompensate = "compensate"
)

// ReservationContext ties a reservation movement to its request
type ReservationContext struct {
	RequestID uuid.UUID
	Kind      string // "withdrawal" or "affiliate_payout"
	Reason    string

	// Guard, when set, is checked against the wallet under the lock
	Guard func(w ledger.Wallet) error
}

// Reserve moves amount from available to locked (WITHDRAW_RESERVE)
func (p *Processor) Reserve(ctx context.Context, key ledger.WalletKey, amount int64, rc ReservationContext) (*Result, error) {
	return p.reservationStep(ctx, key, amount, rc, ledger.TypeWithdrawReserve, StepReserve)
}

// Release returns locked funds to available (WITHDRAW_RELEASE)
func (p *Processor) Release(ctx context.Context, key ledger.WalletKey, amount int64, rc ReservationContext) (*Result, error) {
	return p.reservationStep(ctx, key, amount, rc, ledger.TypeWithdrawRelease, StepRelease)
}

// Compensate undoes a reservation whose request could not be recorded.
// Same transition as Release under its own reference.
func (p *Processor) Compensate(ctx context.Context, key ledger.WalletKey, amount int64, rc ReservationContext) (*Result, error) {
	return p.reservationStep(ctx, key, amount, rc, ledger.TypeWithdrawRelease, StepCompensate)
}

// Clear removes locked funds that left to the payment rail (WITHDRAW_CLEAR)
func (p *Processor) Clear(ctx context.Context, key ledger.WalletKey, amount int64, rc ReservationContext) (*Result, error) {
	return p.reservationStep(ctx, key, amount, rc, ledger.TypeWithdrawClear, StepClear)
}

func (p *Processor) reservationStep(
	ctx context.Context,
	key ledger.WalletKey,
	amount int64,
	rc ReservationContext,
	t ledger.TransactionType,
	step string,
) (*Result, error) {
	meta := ledger.ReservationMeta{
		RequestID:   rc.RequestID,
		RequestKind: rc.Kind,
		Reason:      rc.Reason,
	}
	req := ChangeRequest{
		Wallet:      key,
		Amount:      amount,
		Type:        t,
		ReferenceID: ReservationRef(rc.RequestID, step),
		Description: rc.Kind + " " + step,
		Metadata:    meta,
	}
	if rc.Guard != nil {
		req.Plan = func(ctx context.Context, tx ledger.WalletTx) (*Plan, error) {
			if err := rc.Guard(tx.Wallet()); err != nil {
				return nil, err
			}
			return &Plan{Amount: amount, Metadata: meta}, nil
		}
	}
	return p.ApplyBalanceChange(ctx, req)
}
