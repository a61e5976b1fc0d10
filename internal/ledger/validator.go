package ledger

import (
	"context"
	"fmt"
)

// InvariantViolation describes one wallet breaking the balance invariant
type InvariantViolation struct {
	Wallet WalletKey
	Reason string
}

// CheckInvariant verifies balance >= 0, locked >= 0, bonus >= 0 and
// 0 <= rolloverRemaining <= rolloverTotal
func CheckInvariant(w *Wallet) error {
	switch {
	case w.Balance < 0:
		return fmt.Errorf("%w: wallet %s has negative balance: %d", ErrInsufficientFunds, w.Key, w.Balance)
	case w.LockedBalance < 0:
		return fmt.Errorf("%w: wallet %s has negative locked balance: %d", ErrInsufficientLockedFunds, w.Key, w.LockedBalance)
	case w.BonusBalance < 0:
		return fmt.Errorf("%w: wallet %s has negative bonus balance: %d", ErrInsufficientBonus, w.Key, w.BonusBalance)
	case w.RolloverRemaining < 0:
		return fmt.Errorf("%w: wallet %s has negative rollover remaining: %d", ErrInsufficientRollover, w.Key, w.RolloverRemaining)
	case w.RolloverRemaining > w.RolloverTotal:
		return fmt.Errorf("%w: wallet %s rollover remaining %d exceeds total %d", ErrValidation, w.Key, w.RolloverRemaining, w.RolloverTotal)
	}
	return nil
}

// InvariantValidator scans stored wallets for invariant violations
type InvariantValidator struct {
	store Store
}

func NewInvariantValidator(store Store) *InvariantValidator {
	return &InvariantValidator{
		store: store,
	}
}

// ValidateAll checks every wallet and returns the violations found
func (v *InvariantValidator) ValidateAll(ctx context.Context) ([]InvariantViolation, error) {
	var violations []InvariantViolation

	err := v.store.ForEachWallet(ctx, func(w *Wallet) error {
		if err := CheckInvariant(w); err != nil {
			violations = append(violations, InvariantViolation{Wallet: w.Key, Reason: err.Error()})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan wallets: %w", err)
	}

	return violations, nil
}
