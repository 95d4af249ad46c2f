//go:build integration

package payout

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mbd888/keymarket/internal/order"
	"github.com/mbd888/keymarket/internal/testutil"
)

func TestMongoStore_ScheduleFlow(t *testing.T) {
	db, cleanup := testutil.MongoTest(t)
	defer cleanup()

	ctx := context.Background()
	orders := order.NewMongoStore(db)
	store := NewMongoStore(db)
	if err := orders.EnsureIndexes(ctx); err != nil {
		t.Fatalf("orders EnsureIndexes: %v", err)
	}
	if err := store.EnsureIndexes(ctx); err != nil {
		t.Fatalf("schedules EnsureIndexes: %v", err)
	}
	seed(t, orders, eligibleOrder("ord_1"))
	svc := newTestService(t, orders, store)

	stats, err := svc.SchedulePayouts(ctx)
	if err != nil {
		t.Fatalf("SchedulePayouts: %v", err)
	}
	if stats.Scheduled != 1 {
		t.Fatalf("expected 1 scheduled, got %+v", stats)
	}

	s, err := store.GetByOrder(ctx, "ord_1")
	if err != nil {
		t.Fatalf("GetByOrder: %v", err)
	}
	dup := *s
	dup.ID = "pay_dup"
	if err := store.Create(ctx, &dup); !errors.Is(err, ErrDuplicateSchedule) {
		t.Errorf("second schedule for the order: expected ErrDuplicateSchedule, got %v", err)
	}

	now := time.Now().UTC()
	if _, err := store.AttachTransfer(ctx, s.ID, "tr_1", now); err != nil {
		t.Fatalf("AttachTransfer: %v", err)
	}
	if _, err := store.AttachTransfer(ctx, s.ID, "tr_1", now); err != nil {
		t.Errorf("same transfer replay: %v", err)
	}
	if _, err := store.AttachTransfer(ctx, s.ID, "tr_2", now); !errors.Is(err, ErrStatusConflict) {
		t.Errorf("expected ErrStatusConflict, got %v", err)
	}
	if _, err := store.UpdateStatus(ctx, "pay_missing", StatusScheduled, StatusFailed, "", now); !errors.Is(err, ErrScheduleNotFound) {
		t.Errorf("expected ErrScheduleNotFound, got %v", err)
	}
}

func TestMongoStore_Reopen(t *testing.T) {
	db, cleanup := testutil.MongoTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewMongoStore(db)
	now := time.Now().UTC().Truncate(time.Millisecond)
	if err := store.Create(ctx, &Schedule{
		ID: "pay_1", OrderID: "ord_1", SellerID: "seller_1", TotalAmount: 1234, Currency: "EUR",
		WindowDate: "2026-04-15", Status: StatusScheduled, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := store.Reopen(ctx, "pay_1", "2026-04-16", now); !errors.Is(err, ErrStatusConflict) {
		t.Errorf("reopening a live schedule: expected ErrStatusConflict, got %v", err)
	}
	if _, err := store.UpdateStatus(ctx, "pay_1", StatusScheduled, StatusCancelled, "disputed", now); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	s, err := store.Reopen(ctx, "pay_1", "2026-04-16", now)
	if err != nil {
		t.Fatalf("Reopen: %v", err)
	}
	if s.Status != StatusScheduled || s.WindowDate != "2026-04-16" || s.FailureReason != "" {
		t.Errorf("unexpected reopened schedule %+v", s)
	}
}
