package payout

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory payout store for demo/development mode.
type MemoryStore struct {
	schedules map[string]*Schedule
	byOrder   map[string]string // orderID -> scheduleID
	mu        sync.RWMutex
}

// NewMemoryStore creates a new in-memory payout store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		schedules: make(map[string]*Schedule),
		byOrder:   make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, s *Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byOrder[s.OrderID]; ok {
		return ErrDuplicateSchedule
	}
	cp := *s
	m.schedules[s.ID] = &cp
	m.byOrder[s.OrderID] = s.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.schedules[id]
	if !ok {
		return nil, ErrScheduleNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) GetByOrder(ctx context.Context, orderID string) (*Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byOrder[orderID]
	if !ok {
		return nil, ErrScheduleNotFound
	}
	cp := *m.schedules[id]
	return &cp, nil
}

func (m *MemoryStore) List(ctx context.Context, f ListFilter) ([]*Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Schedule
	for _, s := range m.schedules {
		if f.Status != "" && s.Status != f.Status {
			continue
		}
		if f.WindowDate != "" && s.WindowDate != f.WindowDate {
			continue
		}
		if f.HasTransfer && s.ExternalTransferID == "" {
			continue
		}
		cp := *s
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

func (m *MemoryStore) UpdateStatus(ctx context.Context, id string, from, to Status, reason string, at time.Time) (*Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.schedules[id]
	if !ok {
		return nil, ErrScheduleNotFound
	}
	if s.Status != from {
		return nil, ErrStatusConflict
	}
	s.Status = to
	if reason != "" {
		s.FailureReason = reason
	}
	s.UpdatedAt = at
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) AttachTransfer(ctx context.Context, id, transferID string, at time.Time) (*Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.schedules[id]
	if !ok {
		return nil, ErrScheduleNotFound
	}
	switch {
	case s.Status == StatusScheduled:
		s.Status = StatusProcessing
		s.ExternalTransferID = transferID
		s.UpdatedAt = at
	case s.Status == StatusProcessing && s.ExternalTransferID == transferID:
	default:
		return nil, ErrStatusConflict
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) Reopen(ctx context.Context, id, windowDate string, at time.Time) (*Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.schedules[id]
	if !ok {
		return nil, ErrScheduleNotFound
	}
	if s.Status != StatusCancelled || s.ExternalTransferID != "" {
		return nil, ErrStatusConflict
	}
	s.Status = StatusScheduled
	s.WindowDate = windowDate
	s.FailureReason = ""
	s.UpdatedAt = at
	cp := *s
	return &cp, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
