package ledger

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Metadata is the typed payload attached to a ledger entry. Each variant
// declares which transaction types it may accompany.
type Metadata interface {
	Kind() string
	allowedFor(t TransactionType) bool
	validate() error
}

// DepositMeta links a deposit to the upstream payment gateway transaction
type DepositMeta struct {
	Gateway    string `json:"gateway"`
	ExternalID string `json:"external_id"`
}

// WagerMeta links bets, wins and rollbacks to the game round
type WagerMeta struct {
	Game    string `json:"game"`
	RoundID string `json:"round_id"`
	BetID   string `json:"bet_id,omitempty"`
}

// ReservationMeta links reservation entries to the withdrawal/payout request
type ReservationMeta struct {
	RequestID   uuid.UUID `json:"request_id"`
	RequestKind string    `json:"kind"`
	Reason      string    `json:"reason,omitempty"`
}

// BonusCreditMeta carries the rollover obligation created by a bonus grant
type BonusCreditMeta struct {
	GrantID  uuid.UUID `json:"grant_id"`
	Rollover int64     `json:"rollover"`
	Source   string    `json:"source,omitempty"`
}

// GrantAllocation is the share of a rollover consumption charged to one grant
type GrantAllocation struct {
	GrantID uuid.UUID `json:"grant_id"`
	Amount  int64     `json:"amount"`
}

// RolloverMeta records the FIFO distribution of a consumption across grants
type RolloverMeta struct {
	WagerRef    string            `json:"wager_ref"`
	Allocations []GrantAllocation `json:"allocations"`
}

// ConversionMeta records the cap applied to a bonus conversion
type ConversionMeta struct {
	GrantID   uuid.UUID `json:"grant_id"`
	Cap       int64     `json:"cap"`
	Forfeited int64     `json:"forfeited"`
}

// ForfeitMeta records bonus funds discarded and rollover released
type ForfeitMeta struct {
	GrantID          uuid.UUID `json:"grant_id"`
	RolloverReleased int64     `json:"rollover_released"`
	Reason           string    `json:"reason"`
}

// RewardMeta links rakeback and mission rewards to the producing sweep
type RewardMeta struct {
	Program string `json:"program"`
	Period  string `json:"period,omitempty"`
}

// CommissionMeta links an affiliate commission to the referred activity
type CommissionMeta struct {
	ReferredUserID uuid.UUID `json:"referred_user_id"`
	Period         string    `json:"period,omitempty"`
}

func (DepositMeta) Kind() string     { return "deposit" }
func (WagerMeta) Kind() string       { return "wager" }
func (ReservationMeta) Kind() string { return "reservation" }
func (BonusCreditMeta) Kind() string { return "bonus_credit" }
func (RolloverMeta) Kind() string    { return "rollover" }
func (ConversionMeta) Kind() string  { return "conversion" }
func (ForfeitMeta) Kind() string     { return "forfeit" }
func (RewardMeta) Kind() string      { return "reward" }
func (CommissionMeta) Kind() string  { return "commission" }

func (DepositMeta) allowedFor(t TransactionType) bool { return t == TypeDeposit }

func (WagerMeta) allowedFor(t TransactionType) bool {
	return t == TypeBet || t == TypeWin || t == TypeRollback
}

func (ReservationMeta) allowedFor(t TransactionType) bool {
	switch t {
	case TypeWithdrawReserve, TypeWithdrawRelease, TypeWithdrawClear, TypeWithdraw:
		return true
	}
	return false
}

func (BonusCreditMeta) allowedFor(t TransactionType) bool { return t == TypeBonusCredit }
func (RolloverMeta) allowedFor(t TransactionType) bool    { return t == TypeRolloverConsume }
func (ConversionMeta) allowedFor(t TransactionType) bool  { return t == TypeBonusConvert }

func (ForfeitMeta) allowedFor(t TransactionType) bool {
	return t == TypeBonusForfeit || t == TypeRolloverConsume
}

func (RewardMeta) allowedFor(t TransactionType) bool {
	return t == TypeRakeback || t == TypeMissionReward
}

func (CommissionMeta) allowedFor(t TransactionType) bool { return t == TypeAffiliateCommission }

func (m DepositMeta) validate() error {
	if m.ExternalID == "" {
		return fmt.Errorf("deposit metadata requires external_id")
	}
	return nil
}

func (m WagerMeta) validate() error {
	if m.RoundID == "" {
		return fmt.Errorf("wager metadata requires round_id")
	}
	return nil
}

func (m ReservationMeta) validate() error {
	if m.RequestID == uuid.Nil {
		return fmt.Errorf("reservation metadata requires request_id")
	}
	return nil
}

func (m BonusCreditMeta) validate() error {
	if m.GrantID == uuid.Nil {
		return fmt.Errorf("bonus credit metadata requires grant_id")
	}
	if m.Rollover < 0 {
		return fmt.Errorf("bonus credit rollover must be >= 0, got %d", m.Rollover)
	}
	return nil
}

func (m RolloverMeta) validate() error {
	for _, a := range m.Allocations {
		if a.Amount <= 0 {
			return fmt.Errorf("rollover allocation for grant %s must be positive", a.GrantID)
		}
	}
	return nil
}

func (m ConversionMeta) validate() error {
	if m.Forfeited < 0 || m.Cap < 0 {
		return fmt.Errorf("conversion metadata cannot be negative")
	}
	return nil
}

func (m ForfeitMeta) validate() error {
	if m.RolloverReleased < 0 {
		return fmt.Errorf("forfeit rollover_released must be >= 0")
	}
	return nil
}

func (RewardMeta) validate() error { return nil }

func (m CommissionMeta) validate() error {
	if m.ReferredUserID == uuid.Nil {
		return fmt.Errorf("commission metadata requires referred_user_id")
	}
	return nil
}

// ValidateMetadata checks the variant is permitted for the type and well-formed
func ValidateMetadata(t TransactionType, m Metadata) error {
	if !m.allowedFor(t) {
		return fmt.Errorf("metadata kind %q not allowed for %s", m.Kind(), t)
	}
	return m.validate()
}

type metadataEnvelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// EncodeMetadata serializes metadata with its kind discriminator
func EncodeMetadata(m Metadata) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal %s metadata: %w", m.Kind(), err)
	}
	return json.Marshal(metadataEnvelope{Kind: m.Kind(), Data: data})
}

// DecodeMetadata restores a typed variant from its encoded form
func DecodeMetadata(raw []byte) (Metadata, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var env metadataEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("unmarshal metadata envelope: %w", err)
	}

	var m Metadata
	var err error
	switch env.Kind {
	case "deposit":
		var v DepositMeta
		err = json.Unmarshal(env.Data, &v)
		m = v
	case "wager":
		var v WagerMeta
		err = json.Unmarshal(env.Data, &v)
		m = v
	case "reservation":
		var v ReservationMeta
		err = json.Unmarshal(env.Data, &v)
		m = v
	case "bonus_credit":
		var v BonusCreditMeta
		err = json.Unmarshal(env.Data, &v)
		m = v
	case "rollover":
		var v RolloverMeta
		err = json.Unmarshal(env.Data, &v)
		m = v
	case "conversion":
		var v ConversionMeta
		err = json.Unmarshal(env.Data, &v)
		m = v
	case "forfeit":
		var v ForfeitMeta
		err = json.Unmarshal(env.Data, &v)
		m = v
	case "reward":
		var v RewardMeta
		err = json.Unmarshal(env.Data, &v)
		m = v
	case "commission":
		var v CommissionMeta
		err = json.Unmarshal(env.Data, &v)
		m = v
	default:
		return nil, fmt.Errorf("unknown metadata kind %q", env.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("unmarshal %s metadata: %w", env.Kind, err)
	}
	return m, nil
}
