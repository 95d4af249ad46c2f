package admin

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory remediation log.
type MemoryStore struct {
	mu      sync.RWMutex
	actions []*Action
	byKey   map[string]*Action
}

// NewMemoryStore creates an empty in-memory remediation log.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byKey: make(map[string]*Action)}
}

func (m *MemoryStore) Create(ctx context.Context, a *Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byKey[a.IdempotencyKey]; ok {
		return ErrDuplicateKey
	}
	cp := *a
	m.actions = append(m.actions, &cp)
	m.byKey[a.IdempotencyKey] = &cp
	return nil
}

func (m *MemoryStore) GetByKey(ctx context.Context, key string) (*Action, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.byKey[key]
	if !ok {
		return nil, ErrActionNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) List(ctx context.Context, targetID string, limit int) ([]*Action, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Action
	for i := len(m.actions) - 1; i >= 0; i-- {
		a := m.actions[i]
		if targetID != "" && a.TargetID != targetID {
			continue
		}
		cp := *a
		result = append(result, &cp)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
