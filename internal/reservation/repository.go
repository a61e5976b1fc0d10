package reservation

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"WalletLedger/internal/ledger"

	"github.com/google/uuid"
)

// Repository persists reservation requests. Implementations:
// MemoryRepository and persistence.ReservationRepository.
type Repository interface {
	Create(ctx context.Context, r *Request) error
	Get(ctx context.Context, id uuid.UUID) (*Request, error)

	// Transition moves the request from one of from to to, recording ref.
	// A request already in to is returned unchanged with changed=false.
	// Moving back to APPROVED drops the clear ref.
	Transition(ctx context.Context, id uuid.UUID, from []Status, to Status, ref, reason string) (r *Request, changed bool, err error)

	ListByOwner(ctx context.Context, key ledger.WalletKey) ([]*Request, error)

	// OpenAmounts sums PENDING and APPROVED requests per wallet
	OpenAmounts(ctx context.Context) (map[ledger.WalletKey]int64, error)
}

// MemoryRepository implements Repository in process memory
type MemoryRepository struct {
	mu       sync.Mutex
	requests map[uuid.UUID]*Request
	now      func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		requests: make(map[uuid.UUID]*Request),
		now:      time.Now,
	}
}

func (m *MemoryRepository) Create(ctx context.Context, r *Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.requests[r.RequestID]; exists {
		return fmt.Errorf("request %s already exists", r.RequestID)
	}
	c := *r
	m.requests[r.RequestID] = &c
	return nil
}

func (m *MemoryRepository) Get(ctx context.Context, id uuid.UUID) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	c := *r
	return &c, nil
}

func (m *MemoryRepository) Transition(ctx context.Context, id uuid.UUID, from []Status, to Status, ref, reason string) (*Request, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[id]
	if !ok {
		return nil, false, ErrRequestNotFound
	}
	if r.Status == to {
		c := *r
		return &c, false, nil
	}
	if !slices.Contains(from, r.Status) {
		return nil, false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, to)
	}

	r.Status = to
	r.UpdatedAt = m.now()
	switch to {
	case StatusRejected:
		r.ReleaseRef = ref
	case StatusPaid:
		r.ClearRef = ref
	case StatusApproved:
		r.ClearRef = ""
	}
	if reason != "" {
		r.Reason = reason
	}
	c := *r
	return &c, true, nil
}

func (m *MemoryRepository) ListByOwner(ctx context.Context, key ledger.WalletKey) ([]*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Request
	for _, r := range m.requests {
		if r.Wallet == key {
			c := *r
			out = append(out, &c)
		}
	}
	slices.SortFunc(out, func(a, b *Request) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (m *MemoryRepository) OpenAmounts(ctx context.Context) (map[ledger.WalletKey]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[ledger.WalletKey]int64)
	for _, r := range m.requests {
		if r.Status.Open() {
			out[r.Wallet] += r.Amount
		}
	}
	return out, nil
}
