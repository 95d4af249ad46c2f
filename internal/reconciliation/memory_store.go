package reconciliation

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory anomaly store.
type MemoryStore struct {
	mu        sync.RWMutex
	anomalies map[string]*Anomaly
	open      map[string]string // kind:target -> id
}

// NewMemoryStore creates an empty in-memory anomaly store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		anomalies: make(map[string]*Anomaly),
		open:      make(map[string]string),
	}
}

func openKey(k Kind, target string) string {
	return string(k) + ":" + target
}

func (m *MemoryStore) Record(ctx context.Context, a *Anomaly) (*Anomaly, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := openKey(a.Kind, a.TargetID)
	if id, ok := m.open[key]; ok {
		cp := *m.anomalies[id]
		return &cp, false, nil
	}
	cp := *a
	m.anomalies[a.ID] = &cp
	m.open[key] = a.ID
	out := cp
	return &out, true, nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Anomaly, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.anomalies[id]
	if !ok {
		return nil, ErrAnomalyNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) List(ctx context.Context, status Status, limit int) ([]*Anomaly, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Anomaly
	for _, a := range m.anomalies {
		if status != "" && a.Status != status {
			continue
		}
		cp := *a
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].DetectedAt.Equal(result[j].DetectedAt) {
			return result[i].DetectedAt.After(result[j].DetectedAt)
		}
		return result[i].ID > result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) Resolve(ctx context.Context, id, resolution, resolvedBy string, at time.Time) (*Anomaly, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.anomalies[id]
	if !ok {
		return nil, ErrAnomalyNotFound
	}
	if a.Status != StatusOpen {
		return nil, ErrAlreadyResolved
	}
	a.Status = StatusResolved
	a.Resolution = resolution
	a.ResolvedBy = resolvedBy
	a.ResolvedAt = &at
	delete(m.open, openKey(a.Kind, a.TargetID))
	cp := *a
	return &cp, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
