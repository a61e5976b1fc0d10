package ledger

import (
	"fmt"
	"math"
)

// Apply performs the type-specific transition on w in place.
// On error w is left untouched; callers must not persist it.
func Apply(w *Wallet, t TransactionType, amount int64, meta Metadata) error {
	if amount <= 0 {
		return fmt.Errorf("%w: amount must be positive, got %d", ErrValidation, amount)
	}

	next := *w

	switch t {
	case TypeDeposit, TypeWin, TypeRollback, TypeMissionReward, TypeRakeback, TypeAffiliateCommission:
		if err := credit(&next.Balance, amount, "balance"); err != nil {
			return err
		}

	case TypeWithdraw, TypeBet:
		if next.Balance < amount {
			return fmt.Errorf("%w: have=%d, need=%d", ErrInsufficientFunds, next.Balance, amount)
		}
		next.Balance -= amount

	case TypeWithdrawReserve:
		if next.Balance < amount {
			return fmt.Errorf("%w: have=%d, need=%d", ErrInsufficientFunds, next.Balance, amount)
		}
		next.Balance -= amount
		if err := credit(&next.LockedBalance, amount, "locked balance"); err != nil {
			return err
		}

	case TypeWithdrawRelease:
		if next.LockedBalance < amount {
			return fmt.Errorf("%w: locked=%d, need=%d", ErrInsufficientLockedFunds, next.LockedBalance, amount)
		}
		next.LockedBalance -= amount
		if err := credit(&next.Balance, amount, "balance"); err != nil {
			return err
		}

	case TypeWithdrawClear:
		// Funds leave the system to the payment rail: balance is not credited
		if next.LockedBalance < amount {
			return fmt.Errorf("%w: locked=%d, need=%d", ErrInsufficientLockedFunds, next.LockedBalance, amount)
		}
		next.LockedBalance -= amount

	case TypeBonusCredit:
		m, ok := meta.(BonusCreditMeta)
		if !ok {
			return fmt.Errorf("%w: %s requires bonus credit metadata", ErrValidation, t)
		}
		if err := credit(&next.BonusBalance, amount, "bonus balance"); err != nil {
			return err
		}
		if err := credit(&next.RolloverTotal, m.Rollover, "rollover total"); err != nil {
			return err
		}
		next.RolloverRemaining += m.Rollover // Bounded by RolloverTotal

	case TypeRolloverConsume:
		if next.RolloverRemaining < amount {
			return fmt.Errorf("%w: remaining=%d, need=%d", ErrInsufficientRollover, next.RolloverRemaining, amount)
		}
		next.RolloverRemaining -= amount

	case TypeBonusConvert:
		var forfeited int64
		if m, ok := meta.(ConversionMeta); ok {
			forfeited = m.Forfeited
		}
		if next.RolloverRemaining != 0 {
			return fmt.Errorf("%w: conversion requires zero rollover, remaining=%d", ErrInsufficientRollover, next.RolloverRemaining)
		}
		if next.BonusBalance < amount+forfeited {
			return fmt.Errorf("%w: bonus=%d, need=%d", ErrInsufficientBonus, next.BonusBalance, amount+forfeited)
		}
		next.BonusBalance -= amount + forfeited
		if err := credit(&next.Balance, amount, "balance"); err != nil {
			return err
		}
		next.RolloverTotal = 0

	case TypeBonusForfeit:
		if next.BonusBalance < amount {
			return fmt.Errorf("%w: bonus=%d, need=%d", ErrInsufficientBonus, next.BonusBalance, amount)
		}
		next.BonusBalance -= amount
		if m, ok := meta.(ForfeitMeta); ok && m.RolloverReleased > 0 {
			if next.RolloverRemaining < m.RolloverReleased {
				return fmt.Errorf("%w: remaining=%d, release=%d", ErrInsufficientRollover, next.RolloverRemaining, m.RolloverReleased)
			}
			next.RolloverRemaining -= m.RolloverReleased
			next.RolloverTotal -= m.RolloverReleased
		}

	default:
		return fmt.Errorf("%w: unknown transaction type %q", ErrValidation, t)
	}

	if err := CheckInvariant(&next); err != nil {
		return err
	}

	*w = next
	return nil
}

// credit adds amount to *field, refusing a sum that would overflow int64
func credit(field *int64, amount int64, name string) error {
	if amount > 0 && *field > math.MaxInt64-amount {
		return fmt.Errorf("%w: %s would overflow: have=%d, add=%d", ErrValidation, name, *field, amount)
	}
	*field += amount
	return nil
}
