package order

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory order store for demo/development mode.
type MemoryStore struct {
	orders map[string]*Order
	mu     sync.RWMutex
}

// NewMemoryStore creates a new in-memory order store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders: make(map[string]*Order),
	}
}

func (m *MemoryStore) Create(ctx context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orders[o.ID]; ok {
		return ErrDuplicateOrder
	}
	m.orders[o.ID] = o.Clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return o.Clone(), nil
}

func (m *MemoryStore) ListMaturityCandidates(ctx context.Context, q CandidateQuery) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Order
	for _, o := range m.orders {
		if o.Eligibility != EligibilityPendingMaturity ||
			o.Status != StatusCompleted ||
			o.DeliveryStatus != DeliveryDelivered ||
			o.DeliveredAt == nil ||
			o.IsDisputed {
			continue
		}
		if !q.DeliveredBy.IsZero() && o.DeliveredAt.After(q.DeliveredBy) {
			continue
		}
		if !q.after(*o.DeliveredAt, o.ID) {
			continue
		}
		result = append(result, o.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if a.DeliveredAt.Equal(*b.DeliveredAt) {
			return a.ID < b.ID
		}
		return a.DeliveredAt.Before(*b.DeliveredAt)
	})
	return truncate(result, q.Limit), nil
}

func (m *MemoryStore) ListByEligibility(ctx context.Context, e Eligibility, limit int) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Order
	for _, o := range m.orders {
		if o.Eligibility == e {
			result = append(result, o.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return truncate(result, limit), nil
}

func (m *MemoryStore) CompareAndAdvance(ctx context.Context, o *Order, from Eligibility) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.orders[o.ID]
	if !ok {
		return ErrOrderNotFound
	}
	if cur.Eligibility != from || cur.IsDisputed {
		return ErrTransitionConflict
	}
	cur.Eligibility = o.Eligibility
	cur.EligibleAt = cloneTime(o.EligibleAt)
	cur.EscrowReleasedAt = cloneTime(o.EscrowReleasedAt)
	cur.UpdatedAt = o.UpdatedAt
	return nil
}

func (m *MemoryStore) SetDisputed(ctx context.Context, id string, disputed bool) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cur.IsDisputed = disputed
	cur.UpdatedAt = time.Now()
	return cur.Clone(), nil
}

func (m *MemoryStore) ForceEligibility(ctx context.Context, id string, to Eligibility, at time.Time) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cur.Eligibility = to
	cur.UpdatedAt = at
	return cur.Clone(), nil
}

func truncate(orders []*Order, limit int) []*Order {
	if limit > 0 && len(orders) > limit {
		return orders[:limit]
	}
	return orders
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
