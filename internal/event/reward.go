package event

import (
	"time"

	"WalletLedger/internal/ledger"

	"github.com/google/uuid"
)

// Reward programs
const (
	ProgramRakeback = "rakeback"
	ProgramMission  = "mission"
)

// RewardEarned is produced by the rakeback and mission sweeps. One reward
// per (program, period, user).
type RewardEarned struct {
	Program   string
	Period    string
	UserID    uuid.UUID
	Amount    int64
	Timestamp time.Time
}

func (r *RewardEarned) IdempotencyKey() string {
	return r.Program + ":" + r.Period + ":" + r.UserID.String()
}

func (r *RewardEarned) EventType() EventType {
	return EventTypeRewardEarned
}

func (r *RewardEarned) Owner() ledger.WalletKey {
	return ledger.UserWallet(r.UserID)
}

func (r *RewardEarned) OccurredAt() time.Time {
	return r.Timestamp
}

// TransactionType maps the program onto its ledger credit
func (r *RewardEarned) TransactionType() (ledger.TransactionType, bool) {
	switch r.Program {
	case ProgramRakeback:
		return ledger.TypeRakeback, true
	case ProgramMission:
		return ledger.TypeMissionReward, true
	}
	return "", false
}

// CommissionEarned credits an affiliate for referred activity
type CommissionEarned struct {
	CommissionID   string
	AffiliateID    uuid.UUID
	ReferredUserID uuid.UUID
	Period         string
	Currency       string
	Amount         int64
	Timestamp      time.Time
}

func (c *CommissionEarned) IdempotencyKey() string {
	return "commission:" + c.CommissionID
}

func (c *CommissionEarned) EventType() EventType {
	return EventTypeCommissionEarned
}

func (c *CommissionEarned) Owner() ledger.WalletKey {
	return ledger.AffiliateWallet(c.AffiliateID)
}

func (c *CommissionEarned) OccurredAt() time.Time {
	return c.Timestamp
}
