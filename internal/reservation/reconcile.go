package reservation

import (
	"context"
	"fmt"

	"WalletLedger/internal/ledger"
)

// Mismatch is a wallet whose locked balance differs from its open requests
type Mismatch struct {
	Wallet ledger.WalletKey
	Locked int64
	Open   int64
}

// Reconcile compares every wallet's locked balance with the sum of its
// PENDING and APPROVED requests. Mismatches need operator action.
func (p *Protocol) Reconcile(ctx context.Context) ([]Mismatch, error) {
	open, err := p.repo.OpenAmounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("open request amounts: %w", err)
	}

	var mismatches []Mismatch
	seen := make(map[ledger.WalletKey]bool, len(open))

	err = p.processor.Store().ForEachWallet(ctx, func(w *ledger.Wallet) error {
		seen[w.Key] = true
		if w.LockedBalance != open[w.Key] {
			mismatches = append(mismatches, Mismatch{Wallet: w.Key, Locked: w.LockedBalance, Open: open[w.Key]})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan wallets: %w", err)
	}

	// Requests pointing at wallets that do not exist
	for key, amount := range open {
		if !seen[key] {
			mismatches = append(mismatches, Mismatch{Wallet: key, Open: amount})
		}
	}

	for _, m := range mismatches {
		p.logger.Error().
			Str("owner", m.Wallet.Path()).
			Int64("locked", m.Locked).
			Int64("open_requests", m.Open).
			Msg("locked balance does not match open requests")
	}
	if p.metrics != nil {
		p.metrics.ReconcileMismatches.Set(float64(len(mismatches)))
	}
	return mismatches, nil
}
