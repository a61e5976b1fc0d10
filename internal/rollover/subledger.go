package rollover

import (
	"context"
	"errors"
	"fmt"
	"time"

	"WalletLedger/internal/core"
	"WalletLedger/internal/ledger"
	"WalletLedger/internal/money"
	"WalletLedger/internal/observability"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// grantNamespace derives grant ids from grant references, so a redelivered
// grant request resolves to the same grant row
var grantNamespace = uuid.MustParse("6f1d4a8e-2b7c-4e39-9a51-0c8d7e3f2a10")

type Config struct {
	Metrics *observability.Metrics
	Logger  zerolog.Logger
	Clock   func() time.Time
}

// Subledger tracks bonus grants and their rollover obligation. Every
// balance movement goes through the processor.
type Subledger struct {
	processor *core.Processor
	metrics   *observability.Metrics
	logger    zerolog.Logger
	now       func() time.Time
}

func NewSubledger(processor *core.Processor, cfg Config) *Subledger {
	s := &Subledger{
		processor: processor,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		now:       cfg.Clock,
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// GrantInput describes one bonus activation. Either Fixed is set, or the
// bonus is Percent of DepositAmount capped at Ceiling.
type GrantInput struct {
	Wallet        ledger.WalletKey
	ReferenceID   string // Uniqueness key of the grant, e.g. "bonus:welcome:<deposit ref>"
	Fixed         int64
	DepositAmount int64
	Percent       decimal.Decimal
	Ceiling       int64 // 0 means no ceiling
	Multiplier    decimal.Decimal
	MaxWithdrawal int64 // Conversion cap; 0 means uncapped
	ExpiresAt     *time.Time
	Source        string
}

// BonusAmount resolves the bonus the input grants
func (in GrantInput) BonusAmount() (int64, error) {
	if in.Fixed > 0 {
		return in.Fixed, nil
	}
	amount, err := money.PercentOf(in.DepositAmount, in.Percent)
	if err != nil {
		return 0, err
	}
	if in.Ceiling > 0 {
		amount = money.Min(amount, in.Ceiling)
	}
	return amount, nil
}

type GrantResult struct {
	Grant    *ledger.BonusGrant
	Entry    *ledger.Entry
	Replayed bool
}

// Grant credits the bonus and records its grant row in the same atomic unit.
// The reference id is the uniqueness guard for every grant path.
func (s *Subledger) Grant(ctx context.Context, in GrantInput) (*GrantResult, error) {
	const op = "grant bonus"
	if in.ReferenceID == "" {
		return nil, ledger.Validationf(op, "reference id is required")
	}
	if in.Fixed < 0 || in.DepositAmount < 0 || in.Percent.IsNegative() {
		return nil, ledger.Validationf(op, "bonus inputs must not be negative")
	}
	if in.Multiplier.IsNegative() {
		return nil, ledger.Validationf(op, "rollover multiplier must not be negative, got %s", in.Multiplier)
	}
	if in.MaxWithdrawal < 0 {
		return nil, ledger.Validationf(op, "max withdrawal must not be negative, got %d", in.MaxWithdrawal)
	}

	bonus, err := in.BonusAmount()
	if err != nil {
		return nil, ledger.Validationf(op, "bonus amount: %v", err)
	}
	if bonus <= 0 {
		return nil, ledger.Validationf(op, "bonus amount must be positive, got %d", bonus)
	}
	required, err := money.ApplyRate(bonus, in.Multiplier, money.RoundUp)
	if err != nil {
		return nil, ledger.Validationf(op, "rollover requirement: %v", err)
	}

	now := s.now()
	grant := &ledger.BonusGrant{
		GrantID:           uuid.NewSHA1(grantNamespace, []byte(in.ReferenceID)),
		Wallet:            in.Wallet,
		BonusAmount:       bonus,
		RolloverTotal:     required,
		RolloverRemaining: required,
		MaxWithdrawal:     in.MaxWithdrawal,
		Status:            ledger.GrantActive,
		ReferenceID:       in.ReferenceID,
		ExpiresAt:         in.ExpiresAt,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if required == 0 {
		grant.Status = ledger.GrantCompleted
	}

	res, err := s.processor.ApplyBalanceChange(ctx, core.ChangeRequest{
		Wallet:      in.Wallet,
		Amount:      bonus,
		Type:        ledger.TypeBonusCredit,
		ReferenceID: in.ReferenceID,
		Description: fmt.Sprintf("bonus %s, rollover %s", money.Format(bonus, money.CentsConfig), in.Multiplier.String()),
		Metadata:    ledger.BonusCreditMeta{GrantID: grant.GrantID, Rollover: required, Source: in.Source},
		Grants:      []*ledger.BonusGrant{grant},
	})
	if err != nil {
		return nil, err
	}

	out := &GrantResult{Grant: grant, Entry: res.Entry, Replayed: res.Replayed}
	if res.Replayed {
		stored, err := s.processor.Store().GetGrant(ctx, grant.GrantID)
		if err != nil {
			return nil, fmt.Errorf("%s (ref=%s): load granted bonus: %w", op, in.ReferenceID, err)
		}
		out.Grant = stored
	} else {
		s.logger.Info().
			Str("owner", in.Wallet.Path()).
			Str("grant_id", grant.GrantID.String()).
			Int64("amount", bonus).
			Int64("rollover", required).
			Msg("bonus granted")
	}

	// A grant without rollover is immediately convertible. Checked on
	// replay too so a redelivery finishes a conversion that failed.
	if _, err := s.convertIfDue(ctx, in.Wallet); err != nil {
		return out, err
	}
	return out, nil
}

// ConsumeResult reports one wager's effect on the rollover obligation
type ConsumeResult struct {
	Consumed   int64
	Remaining  int64
	Conversion *ConversionResult // Set when this wager completed the cycle
}

// Consume charges a wager against the outstanding rollover, oldest grant
// first, and converts the bonus once nothing remains.
func (s *Subledger) Consume(ctx context.Context, key ledger.WalletKey, wagerRef string, wagerAmount int64) (*ConsumeResult, error) {
	const op = "consume rollover"
	if wagerRef == "" {
		return nil, ledger.Validationf(op, "wager reference is required")
	}
	if wagerAmount <= 0 {
		return nil, ledger.Validationf(op, "wager amount must be positive, got %d", wagerAmount)
	}

	res, err := s.processor.ApplyBalanceChange(ctx, core.ChangeRequest{
		Wallet:      key,
		Type:        ledger.TypeRolloverConsume,
		ReferenceID: core.RolloverRef(wagerRef),
		Plan:        s.planConsume(wagerRef, wagerAmount),
	})
	if errors.Is(err, ledger.ErrNothingToApply) {
		conv, err := s.convertIfDue(ctx, key)
		if err != nil {
			return nil, err
		}
		return &ConsumeResult{Conversion: conv}, nil
	}
	if err != nil {
		return nil, err
	}

	out := &ConsumeResult{Consumed: res.Entry.Amount, Remaining: res.Wallet.RolloverRemaining}
	if !res.Replayed && s.metrics != nil {
		s.metrics.RolloverConsumed.Add(float64(out.Consumed))
	}

	if res.Wallet.RolloverRemaining == 0 {
		conv, err := s.convertIfDue(ctx, key)
		if err != nil {
			return out, err
		}
		out.Conversion = conv
	}
	return out, nil
}

// convertIfDue converts when the rollover is met and bonus funds remain.
// Returns nil when there is nothing to convert.
func (s *Subledger) convertIfDue(ctx context.Context, key ledger.WalletKey) (*ConversionResult, error) {
	w, err := s.processor.Store().GetWallet(ctx, key)
	if err != nil {
		return nil, err
	}
	if w.RolloverRemaining > 0 || w.BonusBalance <= 0 {
		return nil, nil
	}
	conv, err := s.Convert(ctx, key)
	if errors.Is(err, ledger.ErrNothingToApply) {
		return nil, nil
	}
	return conv, err
}

// planConsume runs under the wallet lock: consumed = min(wager, remaining),
// distributed FIFO across the open ACTIVE grants
func (s *Subledger) planConsume(wagerRef string, wagerAmount int64) core.Planner {
	return func(ctx context.Context, tx ledger.WalletTx) (*core.Plan, error) {
		w := tx.Wallet()
		consumed := money.Min(wagerAmount, w.RolloverRemaining)
		if consumed <= 0 {
			return nil, ledger.ErrNothingToApply
		}

		grants, err := tx.Grants(ctx)
		if err != nil {
			return nil, fmt.Errorf("load grants: %w", err)
		}
		ledger.SortGrantsByCreation(grants)

		now := s.now()
		meta := ledger.RolloverMeta{WagerRef: wagerRef}
		var updated []*ledger.BonusGrant
		left := consumed
		for _, g := range grants {
			if left == 0 {
				break
			}
			if g.Status != ledger.GrantActive || !g.Open() || g.RolloverRemaining == 0 {
				continue
			}
			take := money.Min(left, g.RolloverRemaining)
			g.RolloverRemaining -= take
			if g.RolloverRemaining == 0 {
				g.Status = ledger.GrantCompleted
			}
			g.UpdatedAt = now
			left -= take
			meta.Allocations = append(meta.Allocations, ledger.GrantAllocation{GrantID: g.GrantID, Amount: take})
			updated = append(updated, g)
		}
		if left > 0 {
			// Wallet counter carries rollover no grant accounts for
			s.logger.Warn().
				Str("owner", w.Key.Path()).
				Int64("unallocated", left).
				Msg("rollover consumed without matching grant")
		}

		return &core.Plan{
			Amount:      consumed,
			Metadata:    meta,
			Description: "rollover " + wagerRef,
			Grants:      updated,
		}, nil
	}
}

// ConversionResult describes one bonus-to-real conversion
type ConversionResult struct {
	Entry     *ledger.Entry
	Converted int64
	Forfeited int64 // Excess over the cap, discarded
	Replayed  bool
}

// Convert moves the bonus balance to the available balance once the
// rollover is fully met, capped by the latest grant of the cycle.
func (s *Subledger) Convert(ctx context.Context, key ledger.WalletKey) (*ConversionResult, error) {
	grants, err := s.processor.Store().ListGrants(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("list grants %s: %w", key, err)
	}
	latest := latestOpen(grants)

	ref := core.InternalRef(ledger.TypeBonusConvert)
	var latestID uuid.UUID
	if latest != nil {
		latestID = latest.GrantID
		ref = core.ConversionRef(latestID)
	}

	res, err := s.processor.ApplyBalanceChange(ctx, core.ChangeRequest{
		Wallet:      key,
		Type:        ledger.TypeBonusConvert,
		ReferenceID: ref,
		Plan:        s.planConvert(ref, latestID),
	})
	if err != nil {
		return nil, err
	}

	out := &ConversionResult{Entry: res.Entry, Converted: res.Entry.Amount, Replayed: res.Replayed}
	if m, ok := res.Entry.Metadata.(ledger.ConversionMeta); ok {
		out.Forfeited = m.Forfeited
	}
	if res.Replayed {
		return out, nil
	}

	if s.metrics != nil {
		s.metrics.BonusConversions.WithLabelValues(fmt.Sprint(out.Forfeited > 0)).Inc()
		if out.Forfeited > 0 {
			s.metrics.BonusForfeited.WithLabelValues("cap").Add(float64(out.Forfeited))
		}
	}
	s.logger.Info().
		Str("owner", key.Path()).
		Str("grant_id", latestID.String()).
		Int64("amount", out.Converted).
		Int64("forfeited", out.Forfeited).
		Msg("bonus converted")
	return out, nil
}

func (s *Subledger) planConvert(ref string, latestID uuid.UUID) core.Planner {
	return func(ctx context.Context, tx ledger.WalletTx) (*core.Plan, error) {
		w := tx.Wallet()
		if w.RolloverRemaining > 0 {
			return nil, fmt.Errorf("%w: %d still to wager", ledger.ErrInsufficientRollover, w.RolloverRemaining)
		}
		if w.BonusBalance == 0 {
			return nil, ledger.ErrNothingToApply
		}

		grants, err := tx.Grants(ctx)
		if err != nil {
			return nil, fmt.Errorf("load grants: %w", err)
		}
		latest := latestOpen(grants)
		if latest != nil && latest.GrantID != latestID {
			// A grant landed between the read and the lock; retry decides
			return nil, fmt.Errorf("%w: cycle changed during conversion", ledger.ErrDuplicateTransaction)
		}

		amount := w.BonusBalance
		meta := ledger.ConversionMeta{GrantID: latestID}
		if latest != nil && latest.MaxWithdrawal > 0 {
			meta.Cap = latest.MaxWithdrawal
			if amount > latest.MaxWithdrawal {
				meta.Forfeited = amount - latest.MaxWithdrawal
				amount = latest.MaxWithdrawal
			}
		}

		now := s.now()
		var closed []*ledger.BonusGrant
		for _, g := range grants {
			if !g.Open() {
				continue
			}
			g.Status = ledger.GrantCompleted
			g.RolloverRemaining = 0
			g.ConversionRef = ref
			g.UpdatedAt = now
			closed = append(closed, g)
		}

		return &core.Plan{
			Amount:      amount,
			Metadata:    meta,
			Description: "bonus conversion",
			Grants:      closed,
		}, nil
	}
}

// Eligibility answers whether the wallet may withdraw now
type Eligibility struct {
	CanWithdraw       bool
	RolloverRemaining int64
}

// CheckWithdrawalEligibility refuses withdrawals while rollover is outstanding
func (s *Subledger) CheckWithdrawalEligibility(ctx context.Context, key ledger.WalletKey) (*Eligibility, error) {
	w, err := s.processor.Store().GetWallet(ctx, key)
	if err != nil {
		return nil, err
	}
	return &Eligibility{
		CanWithdraw:       w.RolloverRemaining == 0,
		RolloverRemaining: w.RolloverRemaining,
	}, nil
}

// CancelGrant forfeits a grant's bonus share and releases its outstanding rollover
func (s *Subledger) CancelGrant(ctx context.Context, grantID uuid.UUID, reason string) (*ledger.Entry, error) {
	g, err := s.processor.Store().GetGrant(ctx, grantID)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "cancelled"
	}
	return s.forfeit(ctx, g, ledger.GrantCancelled, reason)
}

// ExpireDue forfeits every ACTIVE grant whose expiry has passed. Failures are
// logged and the sweep continues; the count of expired grants is returned.
func (s *Subledger) ExpireDue(ctx context.Context, now time.Time, limit int) (int, error) {
	due, err := s.processor.Store().DueGrants(ctx, now, limit)
	if err != nil {
		return 0, fmt.Errorf("due grants: %w", err)
	}

	expired := 0
	for _, g := range due {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		if _, err := s.forfeit(ctx, g, ledger.GrantExpired, "expired"); err != nil {
			if errors.Is(err, ledger.ErrNothingToApply) {
				continue
			}
			s.logger.Error().Err(err).
				Str("owner", g.Wallet.Path()).
				Str("grant_id", g.GrantID.String()).
				Msg("grant expiry failed")
			continue
		}
		expired++
	}
	return expired, nil
}

func (s *Subledger) forfeit(ctx context.Context, g *ledger.BonusGrant, status ledger.GrantStatus, reason string) (*ledger.Entry, error) {
	res, err := s.processor.ApplyBalanceChange(ctx, core.ChangeRequest{
		Wallet:      g.Wallet,
		Type:        ledger.TypeBonusForfeit,
		ReferenceID: core.ForfeitRef(g.GrantID),
		Plan:        s.planForfeit(g.GrantID, status, reason),
	})
	if err != nil {
		return nil, err
	}
	if res.Replayed {
		return res.Entry, nil
	}

	if s.metrics != nil {
		s.metrics.BonusForfeited.WithLabelValues(reason).Add(float64(res.Entry.Amount))
	}
	s.logger.Info().
		Str("owner", g.Wallet.Path()).
		Str("grant_id", g.GrantID.String()).
		Str("status", string(status)).
		Int64("amount", res.Entry.Amount).
		Msg("bonus forfeited")

	// Releasing the last outstanding rollover completes the cycle for the rest
	if res.Wallet.RolloverRemaining == 0 && res.Wallet.BonusBalance > 0 {
		if _, err := s.Convert(ctx, g.Wallet); err != nil && !errors.Is(err, ledger.ErrNothingToApply) {
			return res.Entry, err
		}
	}
	return res.Entry, nil
}

func (s *Subledger) planForfeit(grantID uuid.UUID, status ledger.GrantStatus, reason string) core.Planner {
	return func(ctx context.Context, tx ledger.WalletTx) (*core.Plan, error) {
		grants, err := tx.Grants(ctx)
		if err != nil {
			return nil, fmt.Errorf("load grants: %w", err)
		}
		var g *ledger.BonusGrant
		for _, c := range grants {
			if c.GrantID == grantID {
				g = c
				break
			}
		}
		if g == nil {
			return nil, ledger.ErrGrantNotFound
		}
		if !g.Open() {
			return nil, ledger.ErrNothingToApply
		}

		w := tx.Wallet()
		amount := money.Min(g.BonusAmount, w.BonusBalance)
		if amount <= 0 {
			return nil, ledger.ErrNothingToApply
		}
		released := money.Min(g.RolloverRemaining, w.RolloverRemaining)

		g.Status = status
		g.RolloverRemaining = 0
		g.ConversionRef = core.ForfeitRef(grantID)
		g.UpdatedAt = s.now()

		return &core.Plan{
			Amount:      amount,
			Metadata:    ledger.ForfeitMeta{GrantID: grantID, RolloverReleased: released, Reason: reason},
			Description: "bonus " + reason,
			Grants:      []*ledger.BonusGrant{g},
		}, nil
	}
}

// latestOpen returns the most recently created grant of the current cycle
func latestOpen(grants []*ledger.BonusGrant) *ledger.BonusGrant {
	sorted := append([]*ledger.BonusGrant(nil), grants...)
	ledger.SortGrantsByCreation(sorted)
	for i := len(sorted) - 1; i >= 0; i-- {
		if sorted[i].Open() {
			return sorted[i]
		}
	}
	return nil
}
