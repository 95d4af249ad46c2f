package ledger

import (
	"context"
	"sort"
	"sync"

	"github.com/mbd888/keymarket/internal/pagination"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
type MemoryStore struct {
	entries     []*Entry
	byID        map[string]*Entry
	byReference map[string]*Entry
	mu          sync.RWMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:        make(map[string]*Entry),
		byReference: make(map[string]*Entry),
	}
}

func (m *MemoryStore) Append(ctx context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byReference[e.Reference]; ok {
		return ErrDuplicateEntry
	}
	cp := *e
	m.entries = append(m.entries, &cp)
	m.byID[cp.ID] = &cp
	m.byReference[cp.Reference] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.byID[id]
	if !ok {
		return nil, ErrEntryNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) GetByReference(ctx context.Context, reference string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.byReference[reference]
	if !ok {
		return nil, ErrEntryNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) Sum(ctx context.Context, userID, currency string) (int64, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total int64
	var count int
	for _, e := range m.entries {
		if e.UserID == userID && e.Currency == currency {
			total += e.Amount
			count++
		}
	}
	return total, count, nil
}

func (m *MemoryStore) History(ctx context.Context, userID string, after *pagination.Cursor, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for i := len(m.entries) - 1; i >= 0; i-- {
		if e := m.entries[i]; e.UserID == userID {
			cp := *e
			result = append(result, &cp)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if after != nil {
		result = entriesAfter(result, after)
	}
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// entriesAfter drops everything up to and including the cursor entry. A
// cursor whose entry is unknown falls back to the timestamp alone.
func entriesAfter(ordered []*Entry, c *pagination.Cursor) []*Entry {
	for i, e := range ordered {
		if e.ID == c.ID {
			return ordered[i+1:]
		}
	}
	for i, e := range ordered {
		if e.CreatedAt.Before(c.CreatedAt) {
			return ordered[i:]
		}
	}
	return nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
