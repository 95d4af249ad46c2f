package order

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func testOrder(id string) *Order {
	delivered := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	return &Order{
		ID:             id,
		ExternalID:     "ext-" + id,
		TotalAmount:    decimal.RequireFromString("49.99"),
		Currency:       "EUR",
		BuyerID:        "buyer_1",
		SellerID:       "seller_1",
		Status:         StatusCompleted,
		DeliveryStatus: DeliveryDelivered,
		DeliveredAt:    &delivered,
		Eligibility:    EligibilityPendingMaturity,
		CreatedAt:      delivered.Add(-time.Hour),
		UpdatedAt:      delivered,
	}
}

func TestParseEligibility(t *testing.T) {
	tests := []struct {
		in      string
		want    Eligibility
		wantErr bool
	}{
		{"PENDING_MATURITY", EligibilityPendingMaturity, false},
		{"eligible", EligibilityEligible, false},
		{"ELIGIBLE_FOR_PAYOUT", EligibilityScheduled, false},
		{"SCHEDULED_FOR_PAYOUT", EligibilityScheduled, false},
		{" scheduled_for_payout ", EligibilityScheduled, false},
		{"PAID", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := ParseEligibility(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrUnknownEligibility) {
				t.Errorf("ParseEligibility(%q): expected ErrUnknownEligibility, got %v", tt.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseEligibility(%q): unexpected error %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseEligibility(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestCanAdvance(t *testing.T) {
	tests := []struct {
		from, to Eligibility
		want     bool
	}{
		{EligibilityPendingMaturity, EligibilityEligible, true},
		{EligibilityEligible, EligibilityScheduled, true},
		{EligibilityPendingMaturity, EligibilityScheduled, false},
		{EligibilityEligible, EligibilityPendingMaturity, false},
		{EligibilityScheduled, EligibilityEligible, false},
		{EligibilityScheduled, EligibilityScheduled, false},
		{Eligibility("BOGUS"), EligibilityEligible, false},
	}
	for _, tt := range tests {
		if got := CanAdvance(tt.from, tt.to); got != tt.want {
			t.Errorf("CanAdvance(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestMatured(t *testing.T) {
	hold := 7 * 24 * time.Hour
	o := testOrder("ord_1")

	if o.Matured(o.DeliveredAt.Add(hold-time.Second), hold) {
		t.Error("expected not matured one second before hold elapses")
	}
	if !o.Matured(o.DeliveredAt.Add(hold), hold) {
		t.Error("expected matured exactly at hold")
	}

	o.DeliveredAt = nil
	if o.Matured(time.Now(), hold) {
		t.Error("expected not matured without delivery timestamp")
	}

	o = testOrder("ord_2")
	o.DeliveryStatus = DeliveryPending
	if o.Matured(o.DeliveredAt.Add(2*hold), hold) {
		t.Error("expected not matured while delivery pending")
	}

	o = testOrder("ord_3")
	o.Status = StatusRefunded
	if o.Matured(o.DeliveredAt.Add(2*hold), hold) {
		t.Error("expected not matured for refunded order")
	}
}

func TestAdvance(t *testing.T) {
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	o := testOrder("ord_1")

	if err := o.Advance(EligibilityEligible, now); err != nil {
		t.Fatalf("Advance to ELIGIBLE: %v", err)
	}
	if o.EligibleAt == nil || !o.EligibleAt.Equal(now) {
		t.Errorf("expected EligibleAt %v, got %v", now, o.EligibleAt)
	}
	if o.EscrowReleasedAt == nil || !o.EscrowReleasedAt.Equal(now) {
		t.Errorf("expected EscrowReleasedAt %v, got %v", now, o.EscrowReleasedAt)
	}

	if err := o.Advance(EligibilityEligible, now); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition on repeat, got %v", err)
	}
	if err := o.Advance(EligibilityScheduled, now.Add(time.Minute)); err != nil {
		t.Fatalf("Advance to scheduled: %v", err)
	}
	if !o.EligibleAt.Equal(now) {
		t.Error("scheduling must not move EligibleAt")
	}
}

func TestAdvanceFrozen(t *testing.T) {
	o := testOrder("ord_1")
	o.Eligibility = EligibilityEligible
	o.IsDisputed = true

	if err := o.Advance(EligibilityScheduled, time.Now()); !errors.Is(err, ErrOrderFrozen) {
		t.Fatalf("expected ErrOrderFrozen, got %v", err)
	}
	if o.Eligibility != EligibilityEligible {
		t.Errorf("frozen order changed state to %s", o.Eligibility)
	}
}

func TestAmountMinor(t *testing.T) {
	o := testOrder("ord_1")
	got, err := o.AmountMinor()
	if err != nil {
		t.Fatalf("AmountMinor: %v", err)
	}
	if got != 4999 {
		t.Errorf("expected 4999, got %d", got)
	}
}

func TestClone(t *testing.T) {
	o := testOrder("ord_1")
	cp := o.Clone()
	*cp.DeliveredAt = cp.DeliveredAt.Add(time.Hour)
	if o.DeliveredAt.Equal(*cp.DeliveredAt) {
		t.Error("clone shares DeliveredAt with original")
	}
}
