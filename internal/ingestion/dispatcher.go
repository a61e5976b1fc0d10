package ingestion

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"WalletLedger/internal/core"
	"WalletLedger/internal/event"
	"WalletLedger/internal/ledger"
	"WalletLedger/internal/observability"
	"WalletLedger/internal/reservation"
	"WalletLedger/internal/rollover"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Outcome of one inbound message
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeReplayed  Outcome = "replayed"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeRejected  Outcome = "rejected"
	OutcomeMalformed Outcome = "malformed"
	OutcomeRetry     Outcome = "retry"
)

// Dispatcher turns inbound events into processor calls. Producers deliver
// at least once; every event maps onto a deterministic reference key so
// redelivery is absorbed by the processor's idempotency check.
type Dispatcher struct {
	processor       *core.Processor
	rollover        *rollover.Subledger
	reservations    *reservation.Protocol
	defaultCurrency string
	metrics         *observability.Metrics
	logger          zerolog.Logger
}

type DispatcherConfig struct {
	DefaultCurrency string
	Metrics         *observability.Metrics
	Logger          zerolog.Logger
}

func NewDispatcher(p *core.Processor, r *rollover.Subledger, res *reservation.Protocol, cfg DispatcherConfig) *Dispatcher {
	if cfg.DefaultCurrency == "" {
		cfg.DefaultCurrency = "USD"
	}
	return &Dispatcher{
		processor:       p,
		rollover:        r,
		reservations:    res,
		defaultCurrency: cfg.DefaultCurrency,
		metrics:         cfg.Metrics,
		logger:          cfg.Logger,
	}
}

// Run drains rawChan with the given number of workers until ctx is done or
// the channel closes. Messages are acked after the change commits.
func (d *Dispatcher) Run(ctx context.Context, rawChan <-chan RawEvent, workers int) error {
	if workers < 1 {
		workers = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case raw, ok := <-rawChan:
					if !ok {
						return nil
					}
					d.HandleRaw(ctx, raw)
				}
			}
		})
	}
	return g.Wait()
}

// HandleRaw parses, applies and acknowledges one message.
// Malformed and rejected messages are acked: redelivery cannot fix them.
func (d *Dispatcher) HandleRaw(ctx context.Context, raw RawEvent) Outcome {
	eventType := raw.EventType
	if eventType == "" {
		eventType = ResolveEventType(raw.Subject)
	}

	var outcome Outcome
	evt, err := ParseRawEvent(raw, eventType)
	if err != nil {
		d.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping malformed event")
		outcome = OutcomeMalformed
	} else {
		outcome, err = d.Handle(ctx, evt)
		d.logOutcome(evt, outcome, err)
	}

	if outcome == OutcomeRetry {
		ack(raw.NakFunc)
	} else {
		ack(raw.AckFunc)
	}
	if d.metrics != nil {
		d.metrics.IngestMessages.WithLabelValues(eventType, string(outcome)).Inc()
	}
	return outcome
}

func ack(f func()) {
	if f != nil {
		f()
	}
}

// Handle applies a typed event
func (d *Dispatcher) Handle(ctx context.Context, evt event.Event) (Outcome, error) {
	var (
		replayed bool
		err      error
	)
	switch e := evt.(type) {
	case *event.DepositConfirmed:
		replayed, err = d.deposit(ctx, e)
	case *event.BetPlaced:
		replayed, err = d.betPlaced(ctx, e)
	case *event.BetSettled:
		if e.Payout == 0 {
			// Losing bet: nothing to credit
			return OutcomeIgnored, nil
		}
		replayed, err = d.apply(ctx, core.ChangeRequest{
			Wallet:      e.Owner(),
			Amount:      e.Payout,
			Type:        ledger.TypeWin,
			ReferenceID: core.WagerRef(ledger.TypeWin, e.BetID),
			Metadata:    ledger.WagerMeta{Game: e.Game, RoundID: e.RoundID, BetID: e.BetID},
		})
	case *event.BetRolledBack:
		replayed, err = d.apply(ctx, core.ChangeRequest{
			Wallet:      e.Owner(),
			Amount:      e.Amount,
			Type:        ledger.TypeRollback,
			ReferenceID: core.WagerRef(ledger.TypeRollback, e.BetID),
			Description: e.Reason,
			Metadata:    ledger.WagerMeta{Game: e.Game, RoundID: e.RoundID, BetID: e.BetID},
		})
	case *event.RewardEarned:
		t, _ := e.TransactionType()
		replayed, err = d.apply(ctx, core.ChangeRequest{
			Wallet:      e.Owner(),
			Amount:      e.Amount,
			Type:        t,
			ReferenceID: core.RewardRef(e.Program, e.Period, e.Owner()),
			Metadata:    ledger.RewardMeta{Program: e.Program, Period: e.Period},
		})
	case *event.CommissionEarned:
		replayed, err = d.commission(ctx, e)
	case *event.BonusGranted:
		replayed, err = d.bonus(ctx, e)
	case *event.WithdrawalRequested:
		err = d.withdrawal(ctx, e)
	default:
		return OutcomeMalformed, fmt.Errorf("no handler for %T", evt)
	}

	switch {
	case err == nil && replayed:
		return OutcomeReplayed, nil
	case err == nil:
		return OutcomeApplied, nil
	case permanent(err):
		return OutcomeRejected, err
	default:
		return OutcomeRetry, err
	}
}

// permanent reports whether redelivery would fail the same way. An
// in-flight duplicate may still commit and is retried.
func permanent(err error) bool {
	if errors.Is(err, reservation.ErrInvalidTransition) {
		return true
	}
	kind := ledger.KindOf(err)
	return kind != nil && kind != ledger.ErrDuplicateTransaction && kind != ledger.ErrCompensationFailure
}

func (d *Dispatcher) apply(ctx context.Context, req core.ChangeRequest) (bool, error) {
	res, err := d.processor.ApplyBalanceChange(ctx, req)
	if err != nil {
		return false, err
	}
	return res.Replayed, nil
}

func (d *Dispatcher) deposit(ctx context.Context, e *event.DepositConfirmed) (bool, error) {
	if _, err := d.processor.OpenWallet(ctx, e.Owner(), d.currency(e.Currency)); err != nil {
		return false, err
	}
	return d.apply(ctx, core.ChangeRequest{
		Wallet:      e.Owner(),
		Amount:      e.Amount,
		Type:        ledger.TypeDeposit,
		ReferenceID: core.DepositRef(e.Gateway, e.ExternalID),
		Metadata:    ledger.DepositMeta{Gateway: e.Gateway, ExternalID: e.ExternalID},
	})
}

// betPlaced debits the stake, then charges it against the rollover. The
// rollover step runs on replays too so a crash between the two is repaired
// by redelivery.
func (d *Dispatcher) betPlaced(ctx context.Context, e *event.BetPlaced) (bool, error) {
	ref := core.WagerRef(ledger.TypeBet, e.BetID)
	replayed, err := d.apply(ctx, core.ChangeRequest{
		Wallet:      e.Owner(),
		Amount:      e.Amount,
		Type:        ledger.TypeBet,
		ReferenceID: ref,
		Metadata:    ledger.WagerMeta{Game: e.Game, RoundID: e.RoundID, BetID: e.BetID},
	})
	if err != nil {
		return false, err
	}
	if _, err := d.rollover.Consume(ctx, e.Owner(), ref, e.Amount); err != nil {
		return replayed, fmt.Errorf("rollover for %s: %w", ref, err)
	}
	return replayed, nil
}

func (d *Dispatcher) commission(ctx context.Context, e *event.CommissionEarned) (bool, error) {
	if _, err := d.processor.OpenWallet(ctx, e.Owner(), d.currency(e.Currency)); err != nil {
		return false, err
	}
	return d.apply(ctx, core.ChangeRequest{
		Wallet:      e.Owner(),
		Amount:      e.Amount,
		Type:        ledger.TypeAffiliateCommission,
		ReferenceID: core.CommissionRef(e.CommissionID),
		Metadata:    ledger.CommissionMeta{ReferredUserID: e.ReferredUserID, Period: e.Period},
	})
}

func (d *Dispatcher) bonus(ctx context.Context, e *event.BonusGranted) (bool, error) {
	res, err := d.rollover.Grant(ctx, rollover.GrantInput{
		Wallet:        e.Owner(),
		ReferenceID:   e.Reference,
		Fixed:         e.FixedAmount,
		DepositAmount: e.DepositAmount,
		Percent:       e.Percent,
		Ceiling:       e.Ceiling,
		Multiplier:    e.Multiplier,
		MaxWithdrawal: e.MaxWithdrawal,
		ExpiresAt:     e.ExpiresAt,
		Source:        e.Source,
	})
	if err != nil {
		return false, err
	}
	return res.Replayed, nil
}

func (d *Dispatcher) withdrawal(ctx context.Context, e *event.WithdrawalRequested) error {
	kind := reservation.KindWithdrawal
	if e.Affiliate {
		kind = reservation.KindAffiliatePayout
	}
	_, err := d.reservations.Create(ctx, reservation.CreateInput{
		RequestID:   e.RequestID,
		Kind:        kind,
		OwnerID:     e.OwnerID,
		Amount:      e.Amount,
		Destination: e.Destination,
	})
	return err
}

func (d *Dispatcher) currency(c string) string {
	if c == "" {
		return d.defaultCurrency
	}
	return c
}

func (d *Dispatcher) logOutcome(evt event.Event, outcome Outcome, err error) {
	var ev *zerolog.Event
	switch outcome {
	case OutcomeRetry:
		ev = d.logger.Error()
	case OutcomeRejected:
		ev = d.logger.Warn()
	default:
		ev = d.logger.Debug()
	}
	ev.Err(err).
		Str("event_type", evt.EventType().String()).
		Str("idempotency_key", evt.IdempotencyKey()).
		Str("owner", evt.Owner().Path()).
		Str("outcome", string(outcome)).
		Msg("inbound event handled")
}

// ResolveEventType finds the event type for a subject by matching the
// longest configured prefix
func ResolveEventType(subject string) string {
	bestMatch := ""
	bestType := ""
	for _, cfg := range DefaultSubjects() {
		prefix := strings.TrimSuffix(cfg.Subject, ".>")
		if strings.HasPrefix(subject, prefix) && len(prefix) > len(bestMatch) {
			bestMatch = prefix
			bestType = cfg.EventType
		}
	}
	return bestType
}
