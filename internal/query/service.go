package query

import (
	"context"
	"fmt"
	"time"

	"WalletLedger/internal/ledger"
	"WalletLedger/internal/observability"

	"github.com/rs/zerolog"
)

// SnapshotCache is a read-through cache of wallet snapshots.
// A nil wallet with a nil error is a miss. Set must not replace a snapshot
// with a higher version, since a read-through write can race a commit.
type SnapshotCache interface {
	Get(ctx context.Context, key ledger.WalletKey) (*ledger.Wallet, error)
	Set(ctx context.Context, w *ledger.Wallet) error
}

// QueryService provides read-only access to wallets and the ledger.
// Reads never take the wallet lock.
type QueryService struct {
	store     ledger.Store
	validator *ledger.InvariantValidator
	cache     SnapshotCache
	metrics   *observability.Metrics
	logger    zerolog.Logger
	now       func() time.Time
}

type Option func(*QueryService)

func WithCache(c SnapshotCache) Option {
	return func(qs *QueryService) { qs.cache = c }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(qs *QueryService) { qs.metrics = m }
}

func WithLogger(l zerolog.Logger) Option {
	return func(qs *QueryService) { qs.logger = l }
}

func NewQueryService(store ledger.Store, opts ...Option) *QueryService {
	qs := &QueryService{
		store:     store,
		validator: ledger.NewInvariantValidator(store),
		logger:    zerolog.Nop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(qs)
	}
	return qs
}

// GetBalanceSnapshot returns the wallet's balances, from the cache when warm.
// Cache failures degrade to a store read.
func (qs *QueryService) GetBalanceSnapshot(ctx context.Context, key ledger.WalletKey) (*BalanceResponse, error) {
	if qs.cache != nil {
		w, err := qs.cache.Get(ctx, key)
		switch {
		case err != nil:
			qs.cacheLookup("error")
			qs.logger.Warn().Err(err).Str("owner", key.Path()).Msg("snapshot cache read failed")
		case w != nil:
			qs.cacheLookup("hit")
			return NewBalanceResponse(w), nil
		default:
			qs.cacheLookup("miss")
		}
	}

	w, err := qs.store.GetWallet(ctx, key)
	if err != nil {
		return nil, err
	}

	if qs.cache != nil {
		if err := qs.cache.Set(ctx, w); err != nil {
			qs.logger.Warn().Err(err).Str("owner", key.Path()).Msg("snapshot cache write failed")
		}
	}
	return NewBalanceResponse(w), nil
}

// ListEntries returns a wallet's ledger history, newest first
func (qs *QueryService) ListEntries(ctx context.Context, key ledger.WalletKey, filter ledger.EntryFilter) ([]EntryResponse, error) {
	for _, t := range filter.Types {
		if !t.Valid() {
			return nil, ledger.Validationf("list entries", "unknown transaction type %q", t)
		}
	}
	if _, err := qs.store.GetWallet(ctx, key); err != nil {
		return nil, err
	}

	entries, err := qs.store.ListEntries(ctx, key, filter)
	if err != nil {
		return nil, fmt.Errorf("list entries %s: %w", key, err)
	}

	out := make([]EntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, newEntryResponse(e))
	}
	return out, nil
}

// CheckInvariants verifies the balance invariant over every wallet.
func (qs *QueryService) CheckInvariants(ctx context.Context) (*IntegrityReport, error) {
	checked := 0
	err := qs.store.ForEachWallet(ctx, func(*ledger.Wallet) error {
		checked++
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("count wallets: %w", err)
	}

	violations, err := qs.validator.ValidateAll(ctx)
	if err != nil {
		return nil, err
	}

	report := &IntegrityReport{
		IsHealthy: len(violations) == 0,
		Checked:   checked,
		CheckedAt: qs.now(),
	}
	for _, v := range violations {
		report.Violations = append(report.Violations, Violation{Owner: v.Wallet.Path(), Reason: v.Reason})
		qs.logger.Error().Str("owner", v.Wallet.Path()).Str("reason", v.Reason).Msg("wallet invariant violated")
	}
	if qs.metrics != nil {
		qs.metrics.InvariantFailures.Set(float64(len(violations)))
	}
	return report, nil
}

func (qs *QueryService) cacheLookup(result string) {
	if qs.metrics != nil {
		qs.metrics.CacheLookups.WithLabelValues(result).Inc()
	}
}
