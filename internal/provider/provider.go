// Package provider looks up payout transfers at the external payment provider.
package provider

import (
	"context"
	"errors"
	"strings"
	"sync"
)

var ErrTransferNotFound = errors.New("transfer not found at provider")

// Transfer is the provider's view of a payout transfer. Amounts are minor units.
type Transfer struct {
	ID             string `json:"id"`
	AmountMinor    int64  `json:"amountMinor"`
	Currency       string `json:"currency"`
	AmountReversed int64  `json:"amountReversed"`
	Reversed       bool   `json:"reversed"`
}

// Provider returns transfers by id.
type Provider interface {
	GetTransfer(ctx context.Context, id string) (*Transfer, error)
}

// MemoryProvider is an in-process Provider used when no provider key is
// configured and in tests.
type MemoryProvider struct {
	mu        sync.RWMutex
	transfers map[string]*Transfer
}

// NewMemoryProvider creates an empty in-memory provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{transfers: make(map[string]*Transfer)}
}

// Put stores or replaces a transfer.
func (m *MemoryProvider) Put(t *Transfer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	cp.Currency = strings.ToUpper(cp.Currency)
	m.transfers[t.ID] = &cp
}

func (m *MemoryProvider) GetTransfer(ctx context.Context, id string) (*Transfer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.transfers[id]
	if !ok {
		return nil, ErrTransferNotFound
	}
	cp := *t
	return &cp, nil
}

var (
	_ Provider = (*MemoryProvider)(nil)
	_ Provider = (*Stripe)(nil)
)
