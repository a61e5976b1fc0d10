package reservation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"WalletLedger/internal/core"
	"WalletLedger/internal/ledger"
	"WalletLedger/internal/observability"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

//go:generate mockgen -source=protocol.go -destination=mocks/mock_protocol.go -package=mocks

// AccountChecker answers account questions owned by the KYC and settings services
type AccountChecker interface {
	IsKYCVerified(ctx context.Context, ownerID uuid.UUID) (bool, error)
	AutoWithdrawEnabled(ctx context.Context, ownerID uuid.UUID) (bool, error)
}

// Disburser sends paid funds over the external payment rail.
// Must be idempotent on the request id.
type Disburser interface {
	Disburse(ctx context.Context, r *Request) error
}

// AutoConfig controls automatic PENDING -> APPROVED -> PAID processing
type AutoConfig struct {
	Enabled bool  // Global switch; accounts may also opt in individually
	Ceiling int64 // Inclusive maximum amount; 0 disables auto-processing
}

type Config struct {
	Auto      AutoConfig
	Disburser Disburser
	Metrics   *observability.Metrics
	Logger    zerolog.Logger
}

// Protocol runs the reservation saga for withdrawals and affiliate payouts.
// Both kinds share the same states, ledger movements and compensation rule.
type Protocol struct {
	processor *core.Processor
	repo      Repository
	accounts  AccountChecker
	disburser Disburser
	auto      AutoConfig
	metrics   *observability.Metrics
	logger    zerolog.Logger
	now       func() time.Time
}

func NewProtocol(processor *core.Processor, repo Repository, accounts AccountChecker, cfg Config) *Protocol {
	return &Protocol{
		processor: processor,
		repo:      repo,
		accounts:  accounts,
		disburser: cfg.Disburser,
		auto:      cfg.Auto,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		now:       time.Now,
	}
}

// CreateInput describes a new withdrawal or payout request
type CreateInput struct {
	RequestID   uuid.UUID // Optional; supply it to make client retries idempotent
	Kind        Kind
	OwnerID     uuid.UUID
	Amount      int64
	Destination string
}

// Create reserves the funds, then records the request. If recording fails
// the reservation is compensated with a release.
func (p *Protocol) Create(ctx context.Context, in CreateInput) (*Request, error) {
	op := fmt.Sprintf("create %s", in.Kind)
	if in.Kind != KindWithdrawal && in.Kind != KindAffiliatePayout {
		return nil, ledger.Validationf(op, "unknown request kind %q", in.Kind)
	}
	if in.Amount <= 0 {
		return nil, ledger.Validationf(op, "amount must be positive, got %d", in.Amount)
	}

	if in.RequestID == uuid.Nil {
		in.RequestID = uuid.New()
	} else if existing, err := p.repo.Get(ctx, in.RequestID); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrRequestNotFound) {
		return nil, fmt.Errorf("%s: %w", op, err)
	} else if err := p.checkNotCompensated(ctx, op, in.RequestID); err != nil {
		return nil, err
	}

	key := ledger.WalletKey{Scope: in.Kind.Scope(), OwnerID: in.OwnerID}
	rc := p.reservationContext(in.RequestID, in.Kind, "")
	if in.Kind == KindWithdrawal {
		rc.Guard = withdrawalGate
	}

	// Step 1: Reserve
	res, err := p.processor.Reserve(ctx, key, in.Amount, rc)
	if err != nil {
		return nil, err
	}

	now := p.now()
	req := &Request{
		RequestID:   in.RequestID,
		Kind:        in.Kind,
		Wallet:      key,
		Amount:      in.Amount,
		Status:      StatusPending,
		ReserveRef:  res.Entry.ReferenceID,
		Destination: in.Destination,
		Auto:        p.autoEligible(ctx, key, in.Amount, res.Wallet),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	// Step 2: Record the request, compensating on failure
	if err := p.repo.Create(ctx, req); err != nil {
		return nil, p.compensate(ctx, req, err)
	}
	p.recordTransition(req.Kind, StatusPending)

	p.logger.Info().
		Str("request_id", req.RequestID.String()).
		Str("owner", key.Path()).
		Str("kind", string(req.Kind)).
		Int64("amount", req.Amount).
		Bool("auto", req.Auto).
		Msg("reservation request created")

	if !req.Auto {
		return req, nil
	}

	// Step 3: Auto-processing cascades through the same transitions as the manual path
	if _, err := p.Approve(ctx, req.RequestID); err != nil {
		p.logger.Warn().Err(err).Str("request_id", req.RequestID.String()).Msg("auto-approve halted; left for manual review")
		return p.repo.Get(ctx, req.RequestID)
	}
	paid, err := p.Pay(ctx, req.RequestID)
	if err != nil {
		p.logger.Warn().Err(err).Str("request_id", req.RequestID.String()).Msg("auto-pay halted; left for manual review")
		return p.repo.Get(ctx, req.RequestID)
	}
	return paid, nil
}

// Approve moves a PENDING request to APPROVED. No funds move.
func (p *Protocol) Approve(ctx context.Context, id uuid.UUID) (*Request, error) {
	req, changed, err := p.repo.Transition(ctx, id, []Status{StatusPending}, StatusApproved, "", "")
	if err != nil {
		return nil, fmt.Errorf("approve %s: %w", id, err)
	}
	if changed {
		p.recordTransition(req.Kind, StatusApproved)
	}
	return req, nil
}

// Reject returns the locked funds to available balance. Allowed from
// PENDING or APPROVED; repeating it on a REJECTED request retries the release.
func (p *Protocol) Reject(ctx context.Context, id uuid.UUID, reason string) (*Request, error) {
	releaseRef := core.ReservationRef(id, core.StepRelease)

	req, changed, err := p.repo.Transition(ctx, id, []Status{StatusPending, StatusApproved}, StatusRejected, releaseRef, reason)
	if err != nil {
		return nil, fmt.Errorf("reject %s: %w", id, err)
	}
	if changed {
		p.recordTransition(req.Kind, StatusRejected)
	}

	if _, err := p.processor.Release(ctx, req.Wallet, req.Amount, p.reservationContext(id, req.Kind, reason)); err != nil {
		p.logger.Error().Err(err).
			Str("request_id", id.String()).
			Str("owner", req.Wallet.Path()).
			Int64("amount", req.Amount).
			Msg("release after rejection failed; retry reject or reconcile")
		return req, err
	}
	return req, nil
}

// Pay claims an APPROVED request, hands it to the payment rail and then
// clears the locked funds without crediting balance. A failed disbursement
// returns the request to APPROVED with the funds still locked. Repeating Pay
// on a PAID request retries the disbursement and the clear.
func (p *Protocol) Pay(ctx context.Context, id uuid.UUID) (*Request, error) {
	clearRef := core.ReservationRef(id, core.StepClear)

	req, changed, err := p.repo.Transition(ctx, id, []Status{StatusApproved}, StatusPaid, clearRef, "")
	if err != nil {
		return nil, fmt.Errorf("pay %s: %w", id, err)
	}

	if p.disburser != nil {
		if err := p.disburser.Disburse(ctx, req); err != nil {
			return p.abortPay(ctx, req, changed, err)
		}
	}
	if changed {
		p.recordTransition(req.Kind, StatusPaid)
	}

	if _, err := p.processor.Clear(ctx, req.Wallet, req.Amount, p.reservationContext(id, req.Kind, "")); err != nil {
		p.logger.Error().Err(err).
			Str("request_id", id.String()).
			Str("owner", req.Wallet.Path()).
			Int64("amount", req.Amount).
			Msg("clear after payment failed; retry pay or reconcile")
		return req, err
	}
	return req, nil
}

// abortPay moves a request claimed by this call back to APPROVED. A request
// that was already PAID may have been disbursed earlier and stays PAID.
func (p *Protocol) abortPay(ctx context.Context, req *Request, claimed bool, disburseErr error) (*Request, error) {
	err := fmt.Errorf("disburse %s: %w", req.RequestID, disburseErr)
	if !claimed {
		p.logger.Error().Err(disburseErr).
			Str("request_id", req.RequestID.String()).
			Msg("disbursement retry failed; request stays PAID with funds locked")
		return req, err
	}

	back, _, revertErr := p.repo.Transition(context.WithoutCancel(ctx), req.RequestID, []Status{StatusPaid}, StatusApproved, "", "")
	if revertErr != nil {
		p.logger.Error().Err(revertErr).
			AnErr("disburse_error", disburseErr).
			Str("request_id", req.RequestID.String()).
			Msg("could not return request to APPROVED after failed disbursement; retry pay")
		return req, errors.Join(err, revertErr)
	}
	p.logger.Warn().Err(disburseErr).
		Str("request_id", req.RequestID.String()).
		Msg("disbursement failed; request back to APPROVED")
	return back, err
}

// Get returns one request
func (p *Protocol) Get(ctx context.Context, id uuid.UUID) (*Request, error) {
	return p.repo.Get(ctx, id)
}

// List returns an owner's requests, oldest first
func (p *Protocol) List(ctx context.Context, key ledger.WalletKey) ([]*Request, error) {
	return p.repo.ListByOwner(ctx, key)
}

// checkNotCompensated refuses a request id whose reservation was already
// undone. Its reserve entry would replay without locking anything.
func (p *Protocol) checkNotCompensated(ctx context.Context, op string, id uuid.UUID) error {
	ref := core.ReservationRef(id, core.StepCompensate)
	_, err := p.processor.Store().FindEntry(ctx, ref)
	switch {
	case err == nil:
		return ledger.NewError(ledger.ErrValidation, op, ref, ErrRequestCompensated)
	case errors.Is(err, ledger.ErrEntryNotFound):
		return nil
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

func (p *Protocol) compensate(ctx context.Context, req *Request, createErr error) error {
	op := fmt.Sprintf("create %s", req.Kind)

	_, relErr := p.processor.Compensate(ctx, req.Wallet, req.Amount, p.reservationContext(req.RequestID, req.Kind, "request not recorded"))
	if relErr == nil {
		p.logger.Warn().Err(createErr).
			Str("request_id", req.RequestID.String()).
			Str("owner", req.Wallet.Path()).
			Int64("amount", req.Amount).
			Msg("request not recorded; reservation compensated")
		return fmt.Errorf("%s: record request: %w", op, createErr)
	}

	// Double failure: funds stay locked with no request row
	p.logger.WithLevel(zerolog.FatalLevel).
		AnErr("create_error", createErr).
		AnErr("release_error", relErr).
		Str("request_id", req.RequestID.String()).
		Str("owner", req.Wallet.Path()).
		Str("reference_id", req.ReserveRef).
		Int64("amount", req.Amount).
		Msg("compensation failed; manual reconciliation required")
	if p.metrics != nil {
		p.metrics.CompensationFailures.WithLabelValues(string(req.Kind)).Inc()
	}
	return ledger.NewError(ledger.ErrCompensationFailure, op, req.ReserveRef, errors.Join(createErr, relErr))
}

func (p *Protocol) autoEligible(ctx context.Context, key ledger.WalletKey, amount int64, w *ledger.Wallet) bool {
	if p.auto.Ceiling <= 0 || amount > p.auto.Ceiling {
		return false
	}
	if w.RolloverRemaining > 0 {
		return false
	}
	if p.accounts == nil {
		return false
	}

	enabled := p.auto.Enabled
	if !enabled {
		perAccount, err := p.accounts.AutoWithdrawEnabled(ctx, key.OwnerID)
		if err != nil {
			p.logger.Warn().Err(err).Str("owner", key.Path()).Msg("auto-withdraw setting lookup failed")
			return false
		}
		enabled = perAccount
	}
	if !enabled {
		return false
	}

	verified, err := p.accounts.IsKYCVerified(ctx, key.OwnerID)
	if err != nil {
		p.logger.Warn().Err(err).Str("owner", key.Path()).Msg("kyc lookup failed")
		return false
	}
	return verified
}

func (p *Protocol) reservationContext(id uuid.UUID, kind Kind, reason string) core.ReservationContext {
	return core.ReservationContext{RequestID: id, Kind: string(kind), Reason: reason}
}

func (p *Protocol) recordTransition(kind Kind, to Status) {
	if p.metrics != nil {
		p.metrics.ReservationTransitions.WithLabelValues(string(kind), string(to)).Inc()
	}
}

// withdrawalGate refuses withdrawals while rollover is outstanding.
// Evaluated under the wallet lock so a concurrent bonus grant cannot slip in.
func withdrawalGate(w ledger.Wallet) error {
	if w.RolloverRemaining > 0 {
		return fmt.Errorf("%w: %w: remaining=%d", ledger.ErrValidation, ErrRolloverOutstanding, w.RolloverRemaining)
	}
	return nil
}
