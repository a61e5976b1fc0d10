package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore implements Store in process memory.
// Each wallet has its own mutex, so different wallets never block each other.
type MemoryStore struct {
	mu       sync.RWMutex
	wallets  map[WalletKey]*Wallet
	locks    map[WalletKey]*sync.Mutex
	entries  map[string]*Entry
	byWallet map[WalletKey][]*Entry
	grants   map[uuid.UUID]*BonusGrant
	grantIDs map[WalletKey][]uuid.UUID
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets:  make(map[WalletKey]*Wallet),
		locks:    make(map[WalletKey]*sync.Mutex),
		entries:  make(map[string]*Entry),
		byWallet: make(map[WalletKey][]*Entry),
		grants:   make(map[uuid.UUID]*BonusGrant),
		grantIDs: make(map[WalletKey][]uuid.UUID),
		now:      time.Now,
	}
}

// CreateWallet inserts w, or returns the existing wallet for the same key
func (s *MemoryStore) CreateWallet(ctx context.Context, w *Wallet) (*Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.wallets[w.Key]; ok {
		c := *existing
		return &c, nil
	}

	c := *w
	if c.WalletID == uuid.Nil {
		c.WalletID = uuid.New()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	c.UpdatedAt = c.CreatedAt
	s.wallets[w.Key] = &c
	s.locks[w.Key] = &sync.Mutex{}

	out := c
	return &out, nil
}

// GetWallet reads a wallet without locking it
func (s *MemoryStore) GetWallet(ctx context.Context, key WalletKey) (*Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.wallets[key]
	if !ok {
		return nil, ErrWalletNotFound
	}
	c := *w
	return &c, nil
}

// FindEntry looks up an entry by its idempotency reference
func (s *MemoryStore) FindEntry(ctx context.Context, referenceID string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findEntryLocked(referenceID)
}

func (s *MemoryStore) findEntryLocked(referenceID string) (*Entry, error) {
	e, ok := s.entries[referenceID]
	if !ok {
		return nil, ErrEntryNotFound
	}
	c := *e
	return &c, nil
}

// ListEntries returns a wallet's entries, newest first
func (s *MemoryStore) ListEntries(ctx context.Context, key WalletKey, filter EntryFilter) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.byWallet[key]
	limit := filter.EffectiveLimit()
	out := make([]*Entry, 0, min(limit, len(all)))

	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		if filter.matches(all[i]) {
			c := *all[i]
			out = append(out, &c)
		}
	}
	return out, nil
}

// ListGrants returns a wallet's bonus grants ordered by creation time
func (s *MemoryStore) ListGrants(ctx context.Context, key WalletKey) ([]*BonusGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.grantsLocked(key), nil
}

func (s *MemoryStore) grantsLocked(key WalletKey) []*BonusGrant {
	ids := s.grantIDs[key]
	out := make([]*BonusGrant, 0, len(ids))
	for _, id := range ids {
		c := *s.grants[id]
		out = append(out, &c)
	}
	SortGrantsByCreation(out)
	return out
}

// GetGrant reads one bonus grant
func (s *MemoryStore) GetGrant(ctx context.Context, grantID uuid.UUID) (*BonusGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.grants[grantID]
	if !ok {
		return nil, ErrGrantNotFound
	}
	c := *g
	return &c, nil
}

// DueGrants returns ACTIVE grants whose expiry is at or before now
func (s *MemoryStore) DueGrants(ctx context.Context, now time.Time, limit int) ([]*BonusGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*BonusGrant
	for _, g := range s.grants {
		if g.Status == GrantActive && g.ExpiresAt != nil && !g.ExpiresAt.After(now) {
			c := *g
			out = append(out, &c)
		}
	}
	SortGrantsByCreation(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ForEachWallet visits every wallet in a stable order
func (s *MemoryStore) ForEachWallet(ctx context.Context, fn func(w *Wallet) error) error {
	s.mu.RLock()
	wallets := make([]*Wallet, 0, len(s.wallets))
	for _, w := range s.wallets {
		c := *w
		wallets = append(wallets, &c)
	}
	s.mu.RUnlock()

	sort.Slice(wallets, func(i, j int) bool {
		return wallets[i].Key.Path() < wallets[j].Key.Path()
	})

	for _, w := range wallets {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(w); err != nil {
			return err
		}
	}
	return nil
}

// WithWalletLock runs fn while holding the wallet's mutex
func (s *MemoryStore) WithWalletLock(ctx context.Context, key WalletKey, fn func(tx WalletTx) error) error {
	s.mu.RLock()
	lock, ok := s.locks[key]
	s.mu.RUnlock()
	if !ok {
		return ErrWalletNotFound
	}

	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	w := *s.wallets[key]
	s.mu.RUnlock()

	tx := &memoryTx{store: s, wallet: w}
	if err := fn(tx); err != nil {
		return err
	}
	if tx.change == nil {
		return nil
	}
	return s.commit(key, tx.change)
}

func (s *MemoryStore) commit(key WalletKey, change *Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if change.Entry != nil {
		if _, exists := s.entries[change.Entry.ReferenceID]; exists {
			return fmt.Errorf("%w: reference %s already recorded", ErrDuplicateTransaction, change.Entry.ReferenceID)
		}
	}

	w := change.Wallet
	w.UpdatedAt = s.now()
	s.wallets[key] = &w

	if change.Entry != nil {
		e := *change.Entry
		s.entries[e.ReferenceID] = &e
		s.byWallet[key] = append(s.byWallet[key], &e)
	}

	for _, g := range change.Grants {
		c := *g
		if _, exists := s.grants[c.GrantID]; !exists {
			s.grantIDs[key] = append(s.grantIDs[key], c.GrantID)
		}
		s.grants[c.GrantID] = &c
	}
	return nil
}

type memoryTx struct {
	store  *MemoryStore
	wallet Wallet
	change *Change
}

func (tx *memoryTx) Wallet() Wallet {
	return tx.wallet
}

func (tx *memoryTx) FindEntry(ctx context.Context, referenceID string) (*Entry, error) {
	return tx.store.FindEntry(ctx, referenceID)
}

func (tx *memoryTx) Grants(ctx context.Context) ([]*BonusGrant, error) {
	return tx.store.ListGrants(ctx, tx.wallet.Key)
}

func (tx *memoryTx) Commit(ctx context.Context, change Change) error {
	if tx.change != nil {
		return fmt.Errorf("wallet %s: change already committed in this lock", tx.wallet.Key)
	}
	tx.change = &change
	return nil
}

// SortGrantsByCreation orders grants oldest first, tie-broken by id for determinism
func SortGrantsByCreation(grants []*BonusGrant) {
	sort.SliceStable(grants, func(i, j int) bool {
		if !grants[i].CreatedAt.Equal(grants[j].CreatedAt) {
			return grants[i].CreatedAt.Before(grants[j].CreatedAt)
		}
		return grants[i].GrantID.String() < grants[j].GrantID.String()
	})
}
