package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"WalletLedger/internal/event"
	"WalletLedger/internal/money"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrMalformed marks payloads that can never be processed. They are acked
// and dropped instead of being redelivered.
var ErrMalformed = errors.New("malformed event")

// ParseRawEvent converts a RawEvent (JSON bytes + event type string) into a typed event.Event.
// Amounts arrive as decimal strings and are converted to minor units here.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	var (
		evt event.Event
		err error
	)
	switch eventType {
	case "DepositConfirmed":
		evt, err = parseDepositConfirmed(raw.Data)
	case "BetPlaced":
		evt, err = parseBetPlaced(raw.Data)
	case "BetSettled":
		evt, err = parseBetSettled(raw.Data)
	case "BetRolledBack":
		evt, err = parseBetRolledBack(raw.Data)
	case "RewardEarned":
		evt, err = parseRewardEarned(raw.Data)
	case "CommissionEarned":
		evt, err = parseCommissionEarned(raw.Data)
	case "BonusGranted":
		evt, err = parseBonusGranted(raw.Data)
	case "WithdrawalRequested":
		evt, err = parseWithdrawalRequested(raw.Data)
	default:
		return nil, fmt.Errorf("%w: unknown event type %q", ErrMalformed, eventType)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return evt, nil
}

func parseUUID(field, s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse %s: %w", field, err)
	}
	return id, nil
}

// parseAmount accepts "" as zero for optional fields
func parseAmount(field, s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	v, err := money.ParseAmount(s, money.CentsConfig)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", field, err)
	}
	return v, nil
}

func parseTimestamp(us int64) time.Time {
	if us == 0 {
		return time.Time{}
	}
	return time.UnixMicro(us).UTC()
}

type depositJSON struct {
	Gateway     string `json:"gateway"`
	ExternalID  string `json:"external_id"`
	UserID      string `json:"user_id"`
	Currency    string `json:"currency"`
	Amount      string `json:"amount"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseDepositConfirmed(data []byte) (*event.DepositConfirmed, error) {
	var j depositJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse DepositConfirmed: %w", err)
	}
	if j.Gateway == "" || j.ExternalID == "" {
		return nil, fmt.Errorf("parse DepositConfirmed: gateway and external_id are required")
	}
	userID, err := parseUUID("user_id", j.UserID)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", j.Amount)
	if err != nil {
		return nil, err
	}
	return &event.DepositConfirmed{
		Gateway:    j.Gateway,
		ExternalID: j.ExternalID,
		UserID:     userID,
		Currency:   j.Currency,
		Amount:     amount,
		Timestamp:  parseTimestamp(j.TimestampUs),
	}, nil
}

type wagerJSON struct {
	BetID       string `json:"bet_id"`
	UserID      string `json:"user_id"`
	Game        string `json:"game"`
	RoundID     string `json:"round_id"`
	Amount      string `json:"amount"`
	Payout      string `json:"payout"`
	Reason      string `json:"reason"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseWager(name string, data []byte) (wagerJSON, event.Wager, error) {
	var j wagerJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return j, event.Wager{}, fmt.Errorf("parse %s: %w", name, err)
	}
	if j.BetID == "" {
		return j, event.Wager{}, fmt.Errorf("parse %s: bet_id is required", name)
	}
	userID, err := parseUUID("user_id", j.UserID)
	if err != nil {
		return j, event.Wager{}, err
	}
	return j, event.Wager{
		BetID:     j.BetID,
		UserID:    userID,
		Game:      j.Game,
		RoundID:   j.RoundID,
		Timestamp: parseTimestamp(j.TimestampUs),
	}, nil
}

func parseBetPlaced(data []byte) (*event.BetPlaced, error) {
	j, w, err := parseWager("BetPlaced", data)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", j.Amount)
	if err != nil {
		return nil, err
	}
	return &event.BetPlaced{Wager: w, Amount: amount}, nil
}

func parseBetSettled(data []byte) (*event.BetSettled, error) {
	j, w, err := parseWager("BetSettled", data)
	if err != nil {
		return nil, err
	}
	payout, err := parseAmount("payout", j.Payout)
	if err != nil {
		return nil, err
	}
	return &event.BetSettled{Wager: w, Payout: payout}, nil
}

func parseBetRolledBack(data []byte) (*event.BetRolledBack, error) {
	j, w, err := parseWager("BetRolledBack", data)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", j.Amount)
	if err != nil {
		return nil, err
	}
	return &event.BetRolledBack{Wager: w, Amount: amount, Reason: j.Reason}, nil
}

type rewardJSON struct {
	Program     string `json:"program"`
	Period      string `json:"period"`
	UserID      string `json:"user_id"`
	Amount      string `json:"amount"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseRewardEarned(data []byte) (*event.RewardEarned, error) {
	var j rewardJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse RewardEarned: %w", err)
	}
	r := &event.RewardEarned{Program: j.Program, Period: j.Period, Timestamp: parseTimestamp(j.TimestampUs)}
	if _, ok := r.TransactionType(); !ok {
		return nil, fmt.Errorf("parse RewardEarned: unknown program %q", j.Program)
	}
	if j.Period == "" {
		return nil, fmt.Errorf("parse RewardEarned: period is required")
	}
	var err error
	if r.UserID, err = parseUUID("user_id", j.UserID); err != nil {
		return nil, err
	}
	if r.Amount, err = parseAmount("amount", j.Amount); err != nil {
		return nil, err
	}
	return r, nil
}

type commissionJSON struct {
	CommissionID   string `json:"commission_id"`
	AffiliateID    string `json:"affiliate_id"`
	ReferredUserID string `json:"referred_user_id"`
	Period         string `json:"period"`
	Currency       string `json:"currency"`
	Amount         string `json:"amount"`
	TimestampUs    int64  `json:"timestamp_us"`
}

func parseCommissionEarned(data []byte) (*event.CommissionEarned, error) {
	var j commissionJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse CommissionEarned: %w", err)
	}
	if j.CommissionID == "" {
		return nil, fmt.Errorf("parse CommissionEarned: commission_id is required")
	}
	affiliateID, err := parseUUID("affiliate_id", j.AffiliateID)
	if err != nil {
		return nil, err
	}
	referred, err := parseUUID("referred_user_id", j.ReferredUserID)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", j.Amount)
	if err != nil {
		return nil, err
	}
	return &event.CommissionEarned{
		CommissionID:   j.CommissionID,
		AffiliateID:    affiliateID,
		ReferredUserID: referred,
		Period:         j.Period,
		Currency:       j.Currency,
		Amount:         amount,
		Timestamp:      parseTimestamp(j.TimestampUs),
	}, nil
}

type bonusJSON struct {
	Reference     string `json:"reference"`
	UserID        string `json:"user_id"`
	Source        string `json:"source"`
	FixedAmount   string `json:"fixed_amount"`
	DepositAmount string `json:"deposit_amount"`
	Percent       string `json:"percent"`
	Ceiling       string `json:"ceiling"`
	Multiplier    string `json:"multiplier"`
	MaxWithdrawal string `json:"max_withdrawal"`
	ExpiresAtUs   int64  `json:"expires_at_us"`
	TimestampUs   int64  `json:"timestamp_us"`
}

func parseDecimal(field, s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse %s: %w", field, err)
	}
	return d, nil
}

func parseBonusGranted(data []byte) (*event.BonusGranted, error) {
	var j bonusJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse BonusGranted: %w", err)
	}
	if j.Reference == "" {
		return nil, fmt.Errorf("parse BonusGranted: reference is required")
	}
	b := &event.BonusGranted{Reference: j.Reference, Source: j.Source, Timestamp: parseTimestamp(j.TimestampUs)}

	var err error
	if b.UserID, err = parseUUID("user_id", j.UserID); err != nil {
		return nil, err
	}
	amounts := []struct {
		field string
		raw   string
		dst   *int64
	}{
		{"fixed_amount", j.FixedAmount, &b.FixedAmount},
		{"deposit_amount", j.DepositAmount, &b.DepositAmount},
		{"ceiling", j.Ceiling, &b.Ceiling},
		{"max_withdrawal", j.MaxWithdrawal, &b.MaxWithdrawal},
	}
	for _, a := range amounts {
		if *a.dst, err = parseAmount(a.field, a.raw); err != nil {
			return nil, err
		}
	}
	if b.Percent, err = parseDecimal("percent", j.Percent); err != nil {
		return nil, err
	}
	if b.Multiplier, err = parseDecimal("multiplier", j.Multiplier); err != nil {
		return nil, err
	}
	if j.ExpiresAtUs != 0 {
		exp := parseTimestamp(j.ExpiresAtUs)
		b.ExpiresAt = &exp
	}
	return b, nil
}

type withdrawalJSON struct {
	RequestID   string `json:"request_id"`
	Kind        string `json:"kind"`
	OwnerID     string `json:"owner_id"`
	Amount      string `json:"amount"`
	Destination string `json:"destination"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseWithdrawalRequested(data []byte) (*event.WithdrawalRequested, error) {
	var j withdrawalJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse WithdrawalRequested: %w", err)
	}
	w := &event.WithdrawalRequested{Destination: j.Destination, Timestamp: parseTimestamp(j.TimestampUs)}
	switch j.Kind {
	case "", "withdrawal":
	case "affiliate_payout":
		w.Affiliate = true
	default:
		return nil, fmt.Errorf("parse WithdrawalRequested: unknown kind %q", j.Kind)
	}

	var err error
	if w.RequestID, err = parseUUID("request_id", j.RequestID); err != nil {
		return nil, err
	}
	if w.OwnerID, err = parseUUID("owner_id", j.OwnerID); err != nil {
		return nil, err
	}
	if w.Amount, err = parseAmount("amount", j.Amount); err != nil {
		return nil, err
	}
	return w, nil
}
