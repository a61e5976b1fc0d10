package core

import (
	"crypto/rand"
	"fmt"
	"strings"
	"sync"
	"time"

	"WalletLedger/internal/ledger"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Deterministic reference keys for at-least-once producers. Redelivery of
// the same business event always maps to the same key.

func DepositRef(gateway, externalID string) string {
	return fmt.Sprintf("deposit:%s:%s", strings.ToLower(gateway), externalID)
}

func WagerRef(t ledger.TransactionType, betID string) string {
	return fmt.Sprintf("%s:%s", strings.ToLower(string(t)), betID)
}

// ReservationRef keys one step of a withdrawal/payout request: reserve, release, clear or compensate
func ReservationRef(requestID uuid.UUID, step string) string {
	return fmt.Sprintf("withdrawal:%s:%s", requestID, step)
}

func RolloverRef(wagerRef string) string {
	return "rollover:" + wagerRef
}

func ConversionRef(grantID uuid.UUID) string {
	return fmt.Sprintf("bonus-convert:%s", grantID)
}

func ForfeitRef(grantID uuid.UUID) string {
	return fmt.Sprintf("bonus-forfeit:%s", grantID)
}

func RewardRef(program, period string, owner ledger.WalletKey) string {
	return fmt.Sprintf("reward:%s:%s:%s", program, period, owner.OwnerID)
}

func CommissionRef(commissionID string) string {
	return "commission:" + commissionID
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// InternalRef generates a unique key for internally originated operations
// that have no business key of their own.
func InternalRef(t ledger.TransactionType) string {
	entropyMu.Lock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	entropyMu.Unlock()
	return fmt.Sprintf("internal:%s:%s", strings.ToLower(string(t)), id)
}
