// Package payout turns ELIGIBLE orders into payout schedules, one schedule
// per order, and tracks each schedule through execution.
package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/keymarket/internal/idgen"
	"github.com/mbd888/keymarket/internal/money"
	"github.com/mbd888/keymarket/internal/order"
	"github.com/mbd888/keymarket/internal/retry"
	"github.com/mbd888/keymarket/internal/traces"
	"go.opentelemetry.io/otel/attribute"
)

var (
	ErrScheduleNotFound  = errors.New("payout schedule not found")
	ErrDuplicateSchedule = errors.New("payout schedule already exists for order")
	ErrInvalidTransition = errors.New("invalid payout status transition")
	ErrStatusConflict    = errors.New("payout status changed concurrently")
	ErrNotForceable      = errors.New("payouts can only be forced to FAILED or CANCELLED")
	ErrTransferRequired  = errors.New("transfer id required")
)

// WindowLayout formats a schedule's window date.
const WindowLayout = "2006-01-02"

// Status is a payout schedule's execution state.
type Status string

const (
	StatusScheduled  Status = "SCHEDULED"
	StatusProcessing Status = "PROCESSING"
	StatusPaid       Status = "PAID"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusPaid || s == StatusFailed || s == StatusCancelled
}

var transitions = map[Status][]Status{
	StatusScheduled:  {StatusProcessing, StatusFailed, StatusCancelled},
	StatusProcessing: {StatusPaid, StatusFailed, StatusCancelled},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Schedule is one order's payout. TotalAmount is in minor units.
type Schedule struct {
	ID                 string    `json:"id"`
	OrderID            string    `json:"orderId"`
	SellerID           string    `json:"sellerId"`
	TotalAmount        int64     `json:"totalAmount"`
	Currency           string    `json:"currency"`
	WindowDate         string    `json:"windowDate"`
	Status             Status    `json:"status"`
	ExternalTransferID string    `json:"externalTransferId,omitempty"`
	FailureReason      string    `json:"failureReason,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// ListFilter narrows List. Zero values match everything.
type ListFilter struct {
	Status      Status
	WindowDate  string
	HasTransfer bool
	Limit       int
}

// Store persists payout schedules. At most one schedule exists per order.
type Store interface {
	// Create returns ErrDuplicateSchedule if the order already has a schedule.
	Create(ctx context.Context, s *Schedule) error
	Get(ctx context.Context, id string) (*Schedule, error)
	GetByOrder(ctx context.Context, orderID string) (*Schedule, error)
	List(ctx context.Context, f ListFilter) ([]*Schedule, error)
	// UpdateStatus applies only while the stored status equals from.
	UpdateStatus(ctx context.Context, id string, from, to Status, reason string, at time.Time) (*Schedule, error)
	// AttachTransfer records the provider transfer and moves SCHEDULED to PROCESSING.
	AttachTransfer(ctx context.Context, id, transferID string, at time.Time) (*Schedule, error)
	// Reopen moves a CANCELLED schedule with no transfer back to SCHEDULED
	// for a new window. Any other state is ErrStatusConflict.
	Reopen(ctx context.Context, id, windowDate string, at time.Time) (*Schedule, error)
}

// OrderStore is the slice of the order store scheduling needs.
type OrderStore interface {
	Get(ctx context.Context, id string) (*order.Order, error)
	ListByEligibility(ctx context.Context, e order.Eligibility, limit int) ([]*order.Order, error)
	CompareAndAdvance(ctx context.Context, o *order.Order, from order.Eligibility) error
}

// Outcome is the per-order result of ProcessOrder.
type Outcome string

const (
	OutcomeScheduled       Outcome = "SCHEDULED"
	OutcomeSkipped         Outcome = "SKIPPED"
	OutcomeSkippedDisputed Outcome = "SKIPPED_DISPUTED"
)

// Stats summarizes a SchedulePayouts run.
type Stats struct {
	Scanned   int `json:"scanned"`
	Scheduled int `json:"scheduled"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}

// Service schedules and tracks payouts.
type Service struct {
	store  Store
	orders OrderStore
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a payout service.
func NewService(store Store, orders OrderStore) *Service {
	return &Service{store: store, orders: orders, logger: slog.Default(), now: time.Now}
}

// WithLogger sets the logger.
func (s *Service) WithLogger(logger *slog.Logger) *Service {
	if logger != nil {
		s.logger = logger
	}
	return s
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// SchedulePayouts processes every ELIGIBLE order. A failing listing query
// aborts the run; per-order failures are logged and counted.
func (s *Service) SchedulePayouts(ctx context.Context) (*Stats, error) {
	ctx, span := traces.StartSpan(ctx, "payout.SchedulePayouts")
	defer span.End()

	eligible, err := s.orders.ListByEligibility(ctx, order.EligibilityEligible, 0)
	if err != nil {
		traces.RecordError(span, err)
		return nil, fmt.Errorf("list eligible orders: %w", err)
	}

	stats := &Stats{Scanned: len(eligible)}
	for _, o := range eligible {
		if ctx.Err() != nil {
			break
		}
		outcome, err := s.ProcessOrder(ctx, o)
		if err != nil {
			stats.Errors++
			scheduleErrors.Inc()
			s.logger.Warn("payout scheduling failed", "orderId", o.ID, "error", err)
			continue
		}
		switch outcome {
		case OutcomeScheduled:
			stats.Scheduled++
		default:
			stats.Skipped++
		}
	}

	span.SetAttributes(
		attribute.Int("payout.scanned", stats.Scanned),
		attribute.Int("payout.scheduled", stats.Scheduled),
		attribute.Int("payout.errors", stats.Errors),
	)
	s.logger.Info("payout scheduling complete",
		"scanned", stats.Scanned, "scheduled", stats.Scheduled,
		"skipped", stats.Skipped, "errors", stats.Errors)
	return stats, nil
}

// ProcessOrder schedules a payout for one order. The order is re-read
// before any decision so a dispute filed after the listing query is seen.
func (s *Service) ProcessOrder(ctx context.Context, o *order.Order) (Outcome, error) {
	fresh, err := s.orders.Get(ctx, o.ID)
	if err != nil {
		return "", fmt.Errorf("reload order: %w", err)
	}

	existing, err := s.store.GetByOrder(ctx, fresh.ID)
	if err == nil {
		if existing.Status == StatusCancelled && existing.ExternalTransferID == "" {
			return s.reopen(ctx, fresh, existing)
		}
		s.healScheduledOrder(ctx, fresh, existing)
		return s.skipped(OutcomeSkipped), nil
	}
	if !errors.Is(err, ErrScheduleNotFound) {
		return "", fmt.Errorf("lookup schedule: %w", err)
	}

	if fresh.IsDisputed {
		return s.skipped(OutcomeSkippedDisputed), nil
	}
	if fresh.Eligibility != order.EligibilityEligible {
		return s.skipped(OutcomeSkipped), nil
	}

	amount, err := fresh.AmountMinor()
	if err != nil {
		return "", fmt.Errorf("convert amount: %w", err)
	}
	now := s.now().UTC()
	sched := &Schedule{
		ID:          idgen.WithPrefix(idgen.PrefixPayout),
		OrderID:     fresh.ID,
		SellerID:    fresh.SellerID,
		TotalAmount: amount,
		Currency:    fresh.Currency,
		WindowDate:  now.Format(WindowLayout),
		Status:      StatusScheduled,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err = s.store.Create(ctx, sched)
	if errors.Is(err, ErrDuplicateSchedule) {
		return s.skipped(OutcomeSkipped), nil
	}
	if err != nil {
		return "", fmt.Errorf("create schedule: %w", err)
	}
	return s.advanceOrder(ctx, fresh, sched, now)
}

// reopen revives a schedule cancelled while its order was frozen, once the
// order is undisputed and ELIGIBLE again. Without it the unique order index
// would keep the order from ever being scheduled.
func (s *Service) reopen(ctx context.Context, o *order.Order, sched *Schedule) (Outcome, error) {
	if o.IsDisputed {
		return s.skipped(OutcomeSkippedDisputed), nil
	}
	if o.Eligibility != order.EligibilityEligible {
		return s.skipped(OutcomeSkipped), nil
	}

	now := s.now().UTC()
	reopened, err := s.store.Reopen(ctx, sched.ID, now.Format(WindowLayout), now)
	if errors.Is(err, ErrStatusConflict) {
		return s.skipped(OutcomeSkipped), nil
	}
	if err != nil {
		return "", fmt.Errorf("reopen schedule: %w", err)
	}
	s.logger.Info("reopened cancelled payout schedule", "orderId", o.ID, "scheduleId", sched.ID)
	return s.advanceOrder(ctx, o, reopened, now)
}

// advanceOrder moves the order to ELIGIBLE_FOR_PAYOUT once its schedule is
// SCHEDULED.
func (s *Service) advanceOrder(ctx context.Context, fresh *order.Order, sched *Schedule, now time.Time) (Outcome, error) {
	if err := fresh.Advance(order.EligibilityScheduled, now); err != nil {
		return "", err
	}
	err := retry.Do(ctx, retry.Persist, func() error {
		err := s.orders.CompareAndAdvance(ctx, fresh, order.EligibilityEligible)
		if errors.Is(err, order.ErrTransitionConflict) || errors.Is(err, order.ErrOrderNotFound) {
			return retry.Permanent(err)
		}
		return err
	})
	if errors.Is(err, order.ErrTransitionConflict) {
		return s.resolveConflict(ctx, sched)
	}
	if err != nil {
		// The schedule exists; the next run heals the order status.
		return "", fmt.Errorf("advance order: %w", err)
	}

	scheduledTotal.Inc()
	s.logger.Info("payout scheduled", "orderId", fresh.ID, "scheduleId", sched.ID,
		"amount", money.Format(sched.TotalAmount, sched.Currency), "currency", sched.Currency, "window", sched.WindowDate)
	return OutcomeScheduled, nil
}

// healScheduledOrder finishes a run that created the schedule but crashed
// before advancing the order.
func (s *Service) healScheduledOrder(ctx context.Context, o *order.Order, sched *Schedule) {
	if o.IsDisputed || o.Eligibility != order.EligibilityEligible || sched.Status == StatusCancelled {
		return
	}
	if err := o.Advance(order.EligibilityScheduled, s.now().UTC()); err != nil {
		return
	}
	if err := s.orders.CompareAndAdvance(ctx, o, order.EligibilityEligible); err != nil {
		s.logger.Warn("failed to heal scheduled order", "orderId", o.ID, "scheduleId", sched.ID, "error", err)
		return
	}
	s.logger.Info("healed order with existing payout schedule", "orderId", o.ID, "scheduleId", sched.ID)
}

// resolveConflict handles a lost compare-and-set after the schedule was
// written. A dispute in between cancels the schedule.
func (s *Service) resolveConflict(ctx context.Context, sched *Schedule) (Outcome, error) {
	cur, err := s.orders.Get(ctx, sched.OrderID)
	if err != nil {
		return "", fmt.Errorf("reload after conflict: %w", err)
	}
	if !cur.IsDisputed {
		// Advanced by a concurrent run; the schedule is the one it found.
		return s.skipped(OutcomeSkipped), nil
	}
	if _, err := s.store.UpdateStatus(ctx, sched.ID, StatusScheduled, StatusCancelled,
		"order disputed during scheduling", s.now().UTC()); err != nil {
		return "", fmt.Errorf("cancel schedule for disputed order: %w", err)
	}
	s.logger.Warn("cancelled payout schedule for order disputed mid-scheduling",
		"orderId", sched.OrderID, "scheduleId", sched.ID)
	return s.skipped(OutcomeSkippedDisputed), nil
}

func (s *Service) skipped(o Outcome) Outcome {
	scheduleSkipped.WithLabelValues(string(o)).Inc()
	return o
}

// Transition moves a schedule along its lifecycle.
func (s *Service) Transition(ctx context.Context, id string, to Status, reason string) (*Schedule, error) {
	ctx, span := traces.StartSpan(ctx, "payout.Transition", traces.ScheduleID(id))
	defer span.End()

	cur, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(cur.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, to)
	}
	updated, err := s.store.UpdateStatus(ctx, id, cur.Status, to, reason, s.now().UTC())
	if err != nil {
		return nil, err
	}
	s.logger.Info("payout status changed", "scheduleId", id, "from", cur.Status, "to", to)
	return updated, nil
}

// ForceStatus moves a stuck schedule to FAILED or CANCELLED. It is the
// admin escape hatch; forcing a schedule already in the target state
// returns it unchanged.
func (s *Service) ForceStatus(ctx context.Context, id string, to Status, reason string) (*Schedule, error) {
	if to != StatusFailed && to != StatusCancelled {
		return nil, ErrNotForceable
	}
	cur, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status == to {
		return cur, nil
	}
	return s.Transition(ctx, id, to, reason)
}

// RecordTransfer attaches the provider's transfer id and marks the
// schedule PROCESSING.
func (s *Service) RecordTransfer(ctx context.Context, id, transferID string) (*Schedule, error) {
	if transferID == "" {
		return nil, ErrTransferRequired
	}
	return s.store.AttachTransfer(ctx, id, transferID, s.now().UTC())
}

// Get returns a schedule by ID.
func (s *Service) Get(ctx context.Context, id string) (*Schedule, error) {
	return s.store.Get(ctx, id)
}

// GetByOrder returns the schedule for an order.
func (s *Service) GetByOrder(ctx context.Context, orderID string) (*Schedule, error) {
	return s.store.GetByOrder(ctx, orderID)
}

// List returns schedules matching f.
func (s *Service) List(ctx context.Context, f ListFilter) ([]*Schedule, error) {
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = 100
	}
	return s.store.List(ctx, f)
}
