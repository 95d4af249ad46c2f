// Package order models the slice of a checkout order that the escrow and
// payout pipeline reads and mutates.
//
// Eligibility only moves forward:
//
//	PENDING_MATURITY -> ELIGIBLE -> ELIGIBLE_FOR_PAYOUT
//
// IsDisputed is a hard gate: while set, no forward transition happens, even
// from ELIGIBLE. Only admin remediation may move eligibility backwards.
package order

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/keymarket/internal/money"
	"github.com/shopspring/decimal"
)

var (
	ErrOrderNotFound      = errors.New("order not found")
	ErrInvalidTransition  = errors.New("invalid eligibility transition")
	ErrOrderFrozen        = errors.New("order is frozen by a dispute")
	ErrTransitionConflict = errors.New("order changed before transition could be applied")
	ErrUnknownEligibility = errors.New("unknown eligibility status")
	ErrDuplicateOrder     = errors.New("order already exists")
)

// Eligibility is the order's position in the escrow -> payout state machine.
type Eligibility string

const (
	EligibilityPendingMaturity Eligibility = "PENDING_MATURITY"
	EligibilityEligible        Eligibility = "ELIGIBLE"
	// EligibilityScheduled is stored under its historical name.
	EligibilityScheduled Eligibility = "ELIGIBLE_FOR_PAYOUT"
)

// scheduledAlias is accepted on input and normalized to EligibilityScheduled.
const scheduledAlias = "SCHEDULED_FOR_PAYOUT"

func (e Eligibility) rank() int {
	switch e {
	case EligibilityPendingMaturity:
		return 0
	case EligibilityEligible:
		return 1
	case EligibilityScheduled:
		return 2
	}
	return -1
}

// Valid reports whether e is a known state.
func (e Eligibility) Valid() bool { return e.rank() >= 0 }

// ParseEligibility normalizes a stored or user-supplied value.
func ParseEligibility(s string) (Eligibility, error) {
	v := strings.ToUpper(strings.TrimSpace(s))
	if v == scheduledAlias {
		return EligibilityScheduled, nil
	}
	e := Eligibility(v)
	if !e.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownEligibility, s)
	}
	return e, nil
}

// CanAdvance reports whether from -> to is a legal automated transition.
func CanAdvance(from, to Eligibility) bool {
	return from.Valid() && to.Valid() && to.rank() == from.rank()+1
}

// Status is the checkout status of an order.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusRefunded  Status = "refunded"
)

// DeliveryStatus tracks whether the activation code reached the buyer.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// Order is a buyer's purchase of one or more activation codes from a seller.
type Order struct {
	ID               string          `json:"id"`
	ExternalID       string          `json:"externalId"`
	TotalAmount      decimal.Decimal `json:"totalAmount"`
	Currency         string          `json:"currency"`
	BuyerID          string          `json:"buyerId"`
	SellerID         string          `json:"sellerId"`
	Status           Status          `json:"status"`
	DeliveryStatus   DeliveryStatus  `json:"deliveryStatus"`
	DeliveredAt      *time.Time      `json:"deliveredAt,omitempty"`
	Eligibility      Eligibility     `json:"eligibilityStatus"`
	EligibleAt       *time.Time      `json:"eligibleAt,omitempty"`
	EscrowReleasedAt *time.Time      `json:"escrowReleasedAt,omitempty"`
	IsDisputed       bool            `json:"isDisputed"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// AmountMinor returns the order total in integer minor units.
func (o *Order) AmountMinor() (int64, error) {
	return money.ToMinor(o.TotalAmount, o.Currency)
}

// Matured reports whether every maturity condition holds at now: completed,
// delivered, a delivery timestamp, and at least hold elapsed since delivery.
func (o *Order) Matured(now time.Time, hold time.Duration) bool {
	if o.Status != StatusCompleted || o.DeliveryStatus != DeliveryDelivered || o.DeliveredAt == nil {
		return false
	}
	return now.Sub(*o.DeliveredAt) >= hold
}

// Advance moves the order one step forward and stamps the transition times.
func (o *Order) Advance(to Eligibility, now time.Time) error {
	if o.IsDisputed {
		return ErrOrderFrozen
	}
	if !CanAdvance(o.Eligibility, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Eligibility, to)
	}
	o.Eligibility = to
	if to == EligibilityEligible {
		t := now
		o.EligibleAt = &t
		o.EscrowReleasedAt = &t
	}
	o.UpdatedAt = now
	return nil
}

// Clone returns a copy that shares no pointers with o.
func (o *Order) Clone() *Order {
	cp := *o
	cp.DeliveredAt = cloneTime(o.DeliveredAt)
	cp.EligibleAt = cloneTime(o.EligibleAt)
	cp.EscrowReleasedAt = cloneTime(o.EscrowReleasedAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
