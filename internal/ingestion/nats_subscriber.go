package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// NATSSubscriber consumes the at-least-once producer subjects (payment
// webhooks, the bet engine, reward sweeps, the affiliate and promo
// services) and feeds raw messages to the dispatcher.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	consumers []jetstream.ConsumeContext
	logger    zerolog.Logger
}

// RawEvent is an undecoded message plus its ack handles. The dispatcher
// acks after the change commits (or is rejected for good) and naks on
// transient failures so JetStream redelivers.
type RawEvent struct {
	Subject   string
	EventType string
	Data      []byte
	Timestamp time.Time
	AckFunc   func()
	NakFunc   func()
}

// SubjectConfig maps a subject filter to the event type it carries
type SubjectConfig struct {
	Subject      string
	EventType    string
	ConsumerName string
	StreamName   string
}

const (
	StreamDeposits  = "WALLET_DEPOSITS"
	StreamWagers    = "WALLET_WAGERS"
	StreamRewards   = "WALLET_REWARDS"
	StreamAffiliate = "WALLET_AFFILIATE"
	StreamPromo     = "WALLET_PROMO"
	StreamPayouts   = "WALLET_PAYOUTS"
)

func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "wallet.deposits.confirmed.>", EventType: "DepositConfirmed", ConsumerName: "ledger-deposits", StreamName: StreamDeposits},
		{Subject: "wallet.bets.placed.>", EventType: "BetPlaced", ConsumerName: "ledger-bets-placed", StreamName: StreamWagers},
		{Subject: "wallet.bets.settled.>", EventType: "BetSettled", ConsumerName: "ledger-bets-settled", StreamName: StreamWagers},
		{Subject: "wallet.bets.rolledback.>", EventType: "BetRolledBack", ConsumerName: "ledger-bets-rollback", StreamName: StreamWagers},
		{Subject: "wallet.rewards.>", EventType: "RewardEarned", ConsumerName: "ledger-rewards", StreamName: StreamRewards},
		{Subject: "wallet.affiliate.commissions.>", EventType: "CommissionEarned", ConsumerName: "ledger-commissions", StreamName: StreamAffiliate},
		{Subject: "wallet.promo.grants.>", EventType: "BonusGranted", ConsumerName: "ledger-bonus-grants", StreamName: StreamPromo},
		{Subject: "wallet.withdrawals.requested.>", EventType: "WithdrawalRequested", ConsumerName: "ledger-withdrawals", StreamName: StreamPayouts},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		eventChan: eventChan,
		logger:    logger,
	}
}

// Subscribe creates a durable consumer per subject.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		eventType := cfg.EventType
		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawEvent{
				Subject:   msg.Subject(),
				EventType: eventType,
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc:   func() { msg.Ack() },
				NakFunc:   func() { msg.Nak() },
			}

			select {
			case ns.eventChan <- raw:
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.logger.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

func streamConfig(name string, subjects ...string) jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:      name,
		Subjects:  subjects,
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	}
}

// EnsureStreams creates the inbound streams if they don't exist.
// FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		streamConfig(StreamDeposits, "wallet.deposits.>"),
		streamConfig(StreamWagers, "wallet.bets.>"),
		streamConfig(StreamRewards, "wallet.rewards.>"),
		streamConfig(StreamAffiliate, "wallet.affiliate.>"),
		streamConfig(StreamPromo, "wallet.promo.>"),
		streamConfig(StreamPayouts, "wallet.withdrawals.>"),
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}

	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("walletledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
