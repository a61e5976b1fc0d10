package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"WalletLedger/internal/ledger"
	"WalletLedger/internal/observability"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Planner derives the amount of a change from the wallet as read under the
// lock. Returning ledger.ErrNothingToApply aborts the change without writes.
type Planner func(ctx context.Context, tx ledger.WalletTx) (*Plan, error)

// Plan is the outcome of a Planner
type Plan struct {
	Amount      int64
	Metadata    ledger.Metadata
	Description string
	Grants      []*ledger.BonusGrant // Grant rows committed with the entry
}

// ChangeRequest is one call into the balance change processor
type ChangeRequest struct {
	Wallet      ledger.WalletKey
	Amount      int64
	Type        ledger.TransactionType
	ReferenceID string
	Description string
	Metadata    ledger.Metadata
	Grants      []*ledger.BonusGrant
	Plan        Planner // Optional; overrides Amount and Metadata
}

// Result is the committed (or replayed) entry and the wallet after it
type Result struct {
	Entry    *ledger.Entry
	Wallet   *ledger.Wallet
	Replayed bool
}

// Listener is notified after a change commits. Replays are not delivered.
type Listener interface {
	OnApplied(ctx context.Context, res *Result)
}

// ListenerFunc adapts a function to Listener
type ListenerFunc func(ctx context.Context, res *Result)

func (f ListenerFunc) OnApplied(ctx context.Context, res *Result) { f(ctx, res) }

// Processor is the single choke point for every balance mutation
type Processor struct {
	store       ledger.Store
	idempotency *IdempotencyChecker
	metrics     *observability.Metrics
	logger      zerolog.Logger
	listeners   []Listener
	now         func() time.Time
	lruCapacity int
}

// Option configures a Processor
type Option func(*Processor)

func WithMetrics(m *observability.Metrics) Option {
	return func(p *Processor) { p.metrics = m }
}

func WithLogger(l zerolog.Logger) Option {
	return func(p *Processor) { p.logger = l }
}

func WithListener(l Listener) Option {
	return func(p *Processor) { p.listeners = append(p.listeners, l) }
}

func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// WithLRUCapacity sizes the in-memory idempotency tier
func WithLRUCapacity(n int) Option {
	return func(p *Processor) { p.lruCapacity = n }
}

const defaultLRUCapacity = 100_000

func NewProcessor(store ledger.Store, opts ...Option) *Processor {
	p := &Processor{
		store:       store,
		logger:      zerolog.Nop(),
		now:         time.Now,
		lruCapacity: defaultLRUCapacity,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.idempotency = NewIdempotencyChecker(p.lruCapacity, store, p.metrics)
	return p
}

// AddListener registers a post-commit listener
func (p *Processor) AddListener(l Listener) {
	p.listeners = append(p.listeners, l)
}

// WarmIdempotency seeds the in-memory idempotency tier with committed entries
func (p *Processor) WarmIdempotency(entries []*ledger.Entry) {
	p.idempotency.Warm(entries)
}

// Store returns the underlying store for read paths
func (p *Processor) Store() ledger.Store {
	return p.store
}

// OpenWallet creates the wallet for key, or returns the existing one
func (p *Processor) OpenWallet(ctx context.Context, key ledger.WalletKey, currency string) (*ledger.Wallet, error) {
	if key.OwnerID == uuid.Nil {
		return nil, ledger.Validationf("open wallet", "owner id is required")
	}
	if currency == "" {
		return nil, ledger.Validationf("open wallet", "currency is required")
	}

	w, err := p.store.CreateWallet(ctx, &ledger.Wallet{
		WalletID:  uuid.New(),
		Key:       key,
		Currency:  strings.ToUpper(currency),
		CreatedAt: p.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("open wallet %s: %w", key, err)
	}
	return w, nil
}

// ApplyBalanceChange validates, locks the wallet, re-reads it, applies the
// type-specific transition and records wallet + entry in one atomic unit.
func (p *Processor) ApplyBalanceChange(ctx context.Context, req ChangeRequest) (*Result, error) {
	start := p.now()
	op := "apply " + string(req.Type)

	// Step 1: Reject malformed requests before touching the store
	if err := validateRequest(op, req); err != nil {
		p.recordReject(req.Type, err)
		return nil, err
	}

	// Step 2: Optimistic idempotency lookup (LRU, then store)
	prior, tier, err := p.idempotency.Lookup(ctx, req.ReferenceID)
	if err != nil {
		return nil, p.fail(op, req, err)
	}
	if prior != nil {
		w, err := p.store.GetWallet(ctx, req.Wallet)
		if err != nil {
			return nil, p.fail(op, req, err)
		}
		res, err := p.replay(op, req, prior, w, tier)
		if err != nil {
			return nil, p.fail(op, req, err)
		}
		return res, nil
	}

	// Step 3: Exclusive wallet lock
	var result *Result
	lockStart := p.now()
	err = p.store.WithWalletLock(ctx, req.Wallet, func(tx ledger.WalletTx) error {
		if p.metrics != nil {
			p.metrics.LockWait.Observe(p.now().Sub(lockStart).Seconds())
		}

		// Step 4: Repeat the lookup under the lock
		prior, err := tx.FindEntry(ctx, req.ReferenceID)
		if err == nil {
			w := tx.Wallet()
			result, err = p.replay(op, req, prior, &w, "store")
			return err
		}
		if !errors.Is(err, ledger.ErrEntryNotFound) {
			return err
		}

		// Step 5: Re-read the wallet under the lock
		w := tx.Wallet()
		before := w

		amount, meta, desc := req.Amount, req.Metadata, req.Description
		grants := req.Grants
		if req.Plan != nil {
			plan, err := req.Plan(ctx, tx)
			if err != nil {
				return err
			}
			amount, meta = plan.Amount, plan.Metadata
			if plan.Description != "" {
				desc = plan.Description
			}
			grants = append(append([]*ledger.BonusGrant(nil), grants...), plan.Grants...)
			if err := validateAmount(op, req.ReferenceID, req.Type, amount, meta); err != nil {
				return err
			}
		}

		// Step 6: Transition + invariant check, no writes on failure
		if err := ledger.Apply(&w, req.Type, amount, meta); err != nil {
			return ledger.NewError(kindOr(err, ledger.ErrValidation), op, req.ReferenceID, err)
		}
		w.Version++

		entry := &ledger.Entry{
			EntryID:       uuid.New(),
			WalletID:      w.WalletID,
			Wallet:        w.Key,
			Type:          req.Type,
			Amount:        amount,
			BalanceBefore: before.Balance,
			BalanceAfter:  w.Balance,
			Status:        ledger.StatusCompleted,
			ReferenceID:   req.ReferenceID,
			Description:   desc,
			Metadata:      meta,
			CreatedAt:     p.now(),
		}
		if err := entry.Validate(); err != nil {
			return ledger.NewError(ledger.ErrValidation, op, req.ReferenceID, err)
		}

		// Step 7: Wallet, entry and grants in one atomic unit
		if err := tx.Commit(ctx, ledger.Change{Wallet: w, Entry: entry, Grants: grants}); err != nil {
			return err
		}

		result = &Result{Entry: entry, Wallet: &w}
		return nil
	})
	if err != nil {
		return nil, p.fail(op, req, err)
	}

	if result.Replayed {
		return result, nil
	}

	// Step 8: Post-commit bookkeeping
	p.idempotency.MarkProcessed(result.Entry)
	if p.metrics != nil {
		p.metrics.ChangesApplied.WithLabelValues(string(req.Type)).Inc()
		p.metrics.ApplyDuration.WithLabelValues(string(req.Type)).Observe(p.now().Sub(start).Seconds())
	}
	p.logger.Debug().
		Str("owner", req.Wallet.Path()).
		Str("type", string(req.Type)).
		Str("reference_id", req.ReferenceID).
		Int64("amount", result.Entry.Amount).
		Int64("balance_after", result.Wallet.Balance).
		Msg("balance change applied")

	for _, l := range p.listeners {
		l.OnApplied(ctx, result)
	}
	return result, nil
}

// replay answers a repeated reference with the prior entry unchanged
func (p *Processor) replay(op string, req ChangeRequest, prior *ledger.Entry, w *ledger.Wallet, tier string) (*Result, error) {
	if prior.Status != ledger.StatusCompleted {
		err := ledger.NewError(ledger.ErrDuplicateTransaction, op, req.ReferenceID,
			fmt.Errorf("prior entry is %s", prior.Status))
		return nil, err
	}
	if prior.Wallet != req.Wallet || prior.Type != req.Type {
		err := ledger.NewError(ledger.ErrDuplicateTransaction, op, req.ReferenceID,
			fmt.Errorf("reference already used for %s on %s", prior.Type, prior.Wallet))
		return nil, err
	}

	if p.metrics != nil {
		p.metrics.IdempotentReplays.WithLabelValues(string(req.Type), tier).Inc()
	}
	return &Result{Entry: prior, Wallet: w, Replayed: true}, nil
}

// fail normalizes an error from the locked section and records it
func (p *Processor) fail(op string, req ChangeRequest, err error) error {
	var lerr *ledger.Error
	if !errors.As(err, &lerr) {
		if kind := ledger.KindOf(err); kind != nil {
			err = ledger.NewError(kind, op, req.ReferenceID, err)
		}
	}

	if ledger.KindOf(err) == nil {
		// Unexpected store failure: propagate with full operation context
		p.logger.Error().Err(err).
			Str("owner", req.Wallet.Path()).
			Str("type", string(req.Type)).
			Str("reference_id", req.ReferenceID).
			Int64("amount", req.Amount).
			Msg("balance change failed")
		p.recordReject(req.Type, err)
		return fmt.Errorf("%s (ref=%s): %w", op, req.ReferenceID, err)
	}

	p.recordReject(req.Type, err)
	return err
}

func (p *Processor) recordReject(t ledger.TransactionType, err error) {
	if p.metrics == nil {
		return
	}
	reason := "store_error"
	if kind := ledger.KindOf(err); kind != nil {
		reason = strings.ReplaceAll(kind.Error(), " ", "_")
	}
	p.metrics.ChangesRejected.WithLabelValues(string(t), reason).Inc()
}

func validateRequest(op string, req ChangeRequest) error {
	if req.Wallet.OwnerID == uuid.Nil {
		return ledger.Validationf(op, "wallet owner is required")
	}
	if !req.Type.Valid() {
		return ledger.Validationf(op, "unknown transaction type %q", req.Type)
	}
	if req.ReferenceID == "" {
		return ledger.Validationf(op, "reference id is required")
	}
	if req.Plan != nil {
		if req.Amount < 0 {
			return ledger.Validationf(op, "amount must not be negative, got %d", req.Amount)
		}
		return nil
	}
	return validateAmount(op, req.ReferenceID, req.Type, req.Amount, req.Metadata)
}

func validateAmount(op, ref string, t ledger.TransactionType, amount int64, meta ledger.Metadata) error {
	if amount <= 0 {
		return ledger.NewError(ledger.ErrValidation, op, ref, fmt.Errorf("amount must be positive, got %d", amount))
	}
	if meta != nil {
		if err := ledger.ValidateMetadata(t, meta); err != nil {
			return ledger.NewError(ledger.ErrValidation, op, ref, err)
		}
	}
	return nil
}

func kindOr(err, fallback error) error {
	if kind := ledger.KindOf(err); kind != nil {
		return kind
	}
	return fallback
}
