package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"WalletLedger/internal/core"
	"WalletLedger/internal/ledger"
	"WalletLedger/internal/observability"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	OutboundStream        = "WALLET_LEDGER_EVENTS"
	outboundSubjectPrefix = "wallet.ledger.events"
)

// Publisher is the outbound subset of jetstream.JetStream
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes committed ledger entries to NATS for
// downstream consumers (notifications, analytics). Publishing happens
// after the commit and never blocks the processor: when the buffer is
// full the event is dropped and counted; the ledger remains the source
// of truth.
type OutboundPublisher struct {
	js      Publisher
	events  chan LedgerEvent
	metrics *observability.Metrics
	logger  zerolog.Logger
}

// LedgerEvent is the outbound payload for one committed entry
type LedgerEvent struct {
	EntryID       string          `json:"entry_id"`
	Owner         string          `json:"owner"`
	Type          string          `json:"type"`
	Amount        int64           `json:"amount"`
	BalanceBefore int64           `json:"balance_before"`
	BalanceAfter  int64           `json:"balance_after"`
	ReferenceID   string          `json:"reference_id"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	Version       int64           `json:"version"`
	CreatedAt     time.Time       `json:"created_at"`
}

func NewOutboundPublisher(js Publisher, buffer int, metrics *observability.Metrics, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:      js,
		events:  make(chan LedgerEvent, buffer),
		metrics: metrics,
		logger:  logger,
	}
}

// NewLedgerEvent builds the outbound payload of a committed change
func NewLedgerEvent(res *core.Result) (LedgerEvent, error) {
	e := res.Entry
	evt := LedgerEvent{
		EntryID:       e.EntryID.String(),
		Owner:         e.Wallet.Path(),
		Type:          string(e.Type),
		Amount:        e.Amount,
		BalanceBefore: e.BalanceBefore,
		BalanceAfter:  e.BalanceAfter,
		ReferenceID:   e.ReferenceID,
		Version:       res.Wallet.Version,
		CreatedAt:     e.CreatedAt.UTC(),
	}
	if e.Metadata != nil {
		raw, err := ledger.EncodeMetadata(e.Metadata)
		if err != nil {
			return LedgerEvent{}, err
		}
		evt.Metadata = raw
	}
	return evt, nil
}

// OnApplied implements core.Listener
func (op *OutboundPublisher) OnApplied(_ context.Context, res *core.Result) {
	evt, err := NewLedgerEvent(res)
	if err != nil {
		op.logger.Warn().Err(err).Str("reference_id", res.Entry.ReferenceID).Msg("outbound event encode failed")
		return
	}
	select {
	case op.events <- evt:
	default:
		if op.metrics != nil {
			op.metrics.PublishDrops.Inc()
		}
		op.logger.Warn().Str("reference_id", evt.ReferenceID).Msg("outbound buffer full, event dropped")
	}
}

// Run starts the outbound publisher loop
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt := <-op.events:
			if err := op.publish(ctx, evt); err != nil {
				// Non-fatal: downstream consumers can query the ledger directly
				op.logger.Warn().Err(err).Str("reference_id", evt.ReferenceID).Msg("outbound publish failed")
			}
		}
	}
}

// Subject builds wallet.ledger.events.{type}, e.g. wallet.ledger.events.bonus_convert
func Subject(evt LedgerEvent) string {
	return fmt.Sprintf("%s.%s", outboundSubjectPrefix, strings.ToLower(evt.Type))
}

func (op *OutboundPublisher) publish(ctx context.Context, evt LedgerEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	// Entry id doubles as the JetStream dedup id
	_, err = op.js.Publish(ctx, Subject(evt), data, jetstream.WithMsgID(evt.EntryID))
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	if _, err := js.CreateOrUpdateStream(ctx, streamConfig(OutboundStream, outboundSubjectPrefix+".>")); err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	logger.Info().Str("stream", OutboundStream).Msg("ensured outbound stream")
	return nil
}
