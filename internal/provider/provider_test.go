package provider

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryProvider(t *testing.T) {
	p := NewMemoryProvider()
	p.Put(&Transfer{ID: "tr_1", AmountMinor: 1999, Currency: "eur"})

	got, err := p.GetTransfer(context.Background(), "tr_1")
	if err != nil {
		t.Fatalf("GetTransfer: %v", err)
	}
	if got.AmountMinor != 1999 || got.Currency != "EUR" {
		t.Errorf("unexpected transfer %+v", got)
	}

	got.AmountMinor = 1
	again, _ := p.GetTransfer(context.Background(), "tr_1")
	if again.AmountMinor != 1999 {
		t.Error("GetTransfer returned shared state")
	}

	if _, err := p.GetTransfer(context.Background(), "tr_missing"); !errors.Is(err, ErrTransferNotFound) {
		t.Errorf("expected ErrTransferNotFound, got %v", err)
	}
}
