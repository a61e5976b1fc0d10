package core

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"

	"WalletLedger/internal/ledger"
	"WalletLedger/internal/observability"
)

// IdempotencyChecker implements two-tier reference lookup
type IdempotencyChecker struct {
	// Tier 1: In-memory LRU of completed entries
	lru *IdempotencyLRU

	// Tier 2: the ledger store, unique on reference_id
	store EntryFinder

	metrics *observability.Metrics
}

// EntryFinder is the store lookup used as the cold tier
type EntryFinder interface {
	FindEntry(ctx context.Context, referenceID string) (*ledger.Entry, error)
}

func NewIdempotencyChecker(capacity int, store EntryFinder, metrics *observability.Metrics) *IdempotencyChecker {
	lru := NewIdempotencyLRU(capacity)
	if metrics != nil {
		lru.onEvict = metrics.DedupLRUEvictions.Inc
	}
	return &IdempotencyChecker{
		lru:     lru,
		store:   store,
		metrics: metrics,
	}
}

// Lookup returns the entry previously recorded under referenceID, or nil.
// Store errors other than not-found are returned; unlike event dedup, a
// balance change must not proceed when the lookup is inconclusive.
func (ic *IdempotencyChecker) Lookup(ctx context.Context, referenceID string) (*ledger.Entry, string, error) {
	// Tier 1: LRU check (hot path)
	if e, ok := ic.lru.Get(referenceID); ok {
		return e, "lru", nil
	}

	// Tier 2: store check (cold path)
	e, err := ic.store.FindEntry(ctx, referenceID)
	if errors.Is(err, ledger.ErrEntryNotFound) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("idempotency lookup %s: %w", referenceID, err)
	}

	if e.Status == ledger.StatusCompleted {
		ic.lru.Add(e)
	}
	return e, "store", nil
}

// MarkProcessed adds a committed entry to the LRU
func (ic *IdempotencyChecker) MarkProcessed(e *ledger.Entry) {
	ic.lru.Add(e)
	if ic.metrics != nil {
		ic.metrics.DedupLRUSize.Set(float64(ic.lru.Size()))
	}
}

// Warm preloads recently committed entries, e.g. at startup
func (ic *IdempotencyChecker) Warm(entries []*ledger.Entry) {
	for _, e := range entries {
		ic.lru.Add(e)
	}
}

// --- LRU Implementation ---

// IdempotencyLRU is a thread-safe LRU of committed entries keyed by reference id
type IdempotencyLRU struct {
	mu       sync.Mutex
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	onEvict func() // Wired to the eviction counter
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	if capacity <= 0 {
		capacity = 1
	}
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

// Get returns a copy of the cached entry (promotes to front)
func (lru *IdempotencyLRU) Get(key string) (*ledger.Entry, bool) {
	lru.mu.Lock()
	defer lru.mu.Unlock()

	elem, exists := lru.cache[key]
	if !exists {
		return nil, false
	}
	lru.lruList.MoveToFront(elem)
	c := *elem.Value.(*ledger.Entry)
	return &c, true
}

// Add inserts an entry (or promotes if exists)
func (lru *IdempotencyLRU) Add(e *ledger.Entry) {
	lru.mu.Lock()
	defer lru.mu.Unlock()

	if elem, exists := lru.cache[e.ReferenceID]; exists {
		lru.lruList.MoveToFront(elem)
		return
	}

	c := *e
	elem := lru.lruList.PushFront(&c)
	lru.cache[c.ReferenceID] = elem

	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
	}
}

func (lru *IdempotencyLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		delete(lru.cache, elem.Value.(*ledger.Entry).ReferenceID)
		if lru.onEvict != nil {
			lru.onEvict()
		}
	}
}

// Size returns current number of entries
func (lru *IdempotencyLRU) Size() int {
	lru.mu.Lock()
	defer lru.mu.Unlock()
	return lru.lruList.Len()
}
