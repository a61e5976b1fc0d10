package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store persists wallets, ledger entries and bonus grants.
// Implementations: MemoryStore (tests, single process) and persistence.PostgresStore.
type Store interface {
	// CreateWallet inserts w, or returns the existing wallet for the same key
	CreateWallet(ctx context.Context, w *Wallet) (*Wallet, error)

	// GetWallet reads a wallet without locking it
	GetWallet(ctx context.Context, key WalletKey) (*Wallet, error)

	// FindEntry looks up an entry by its idempotency reference
	FindEntry(ctx context.Context, referenceID string) (*Entry, error)

	// ListEntries returns a wallet's entries, newest first
	ListEntries(ctx context.Context, key WalletKey, filter EntryFilter) ([]*Entry, error)

	// ListGrants returns a wallet's bonus grants ordered by creation time
	ListGrants(ctx context.Context, key WalletKey) ([]*BonusGrant, error)

	// GetGrant reads one bonus grant
	GetGrant(ctx context.Context, grantID uuid.UUID) (*BonusGrant, error)

	// DueGrants returns ACTIVE grants whose expiry is at or before now
	DueGrants(ctx context.Context, now time.Time, limit int) ([]*BonusGrant, error)

	// ForEachWallet visits every wallet (invariant and reconciliation sweeps)
	ForEachWallet(ctx context.Context, fn func(w *Wallet) error) error

	// WithWalletLock runs fn while holding the exclusive row lock of one wallet.
	// Writes staged through tx.Commit become visible only if fn returns nil.
	WithWalletLock(ctx context.Context, key WalletKey, fn func(tx WalletTx) error) error
}

// WalletTx is the view of one locked wallet inside WithWalletLock
type WalletTx interface {
	// Wallet returns the wallet as re-read under the lock
	Wallet() Wallet

	// FindEntry repeats the idempotency lookup under the lock
	FindEntry(ctx context.Context, referenceID string) (*Entry, error)

	// Grants returns the wallet's bonus grants ordered by creation time
	Grants(ctx context.Context) ([]*BonusGrant, error)

	// Commit writes the new wallet state, the entry and any grant rows as one unit
	Commit(ctx context.Context, change Change) error
}

// Change is the atomic write produced by one balance change
type Change struct {
	Wallet Wallet
	Entry  *Entry
	Grants []*BonusGrant // Inserted or updated
}

// EntryFilter narrows ListEntries
type EntryFilter struct {
	Types []TransactionType
	Limit int
}

// DefaultEntryLimit caps history queries without an explicit limit
const DefaultEntryLimit = 100

func (f EntryFilter) matches(e *Entry) bool {
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if e.Type == t {
			return true
		}
	}
	return false
}

// EffectiveLimit returns the limit with the default applied
func (f EntryFilter) EffectiveLimit() int {
	if f.Limit <= 0 {
		return DefaultEntryLimit
	}
	return f.Limit
}
