//go:build integration

package order

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mbd888/keymarket/internal/testutil"
)

func newMongoStore(t *testing.T) (*MongoStore, func()) {
	t.Helper()
	db, cleanup := testutil.MongoTest(t)
	s := NewMongoStore(db)
	if err := s.EnsureIndexes(context.Background()); err != nil {
		cleanup()
		t.Fatalf("EnsureIndexes: %v", err)
	}
	return s, cleanup
}

func TestMongoStore_Lifecycle(t *testing.T) {
	s, cleanup := newMongoStore(t)
	defer cleanup()

	ctx := context.Background()
	o := testOrder("ord_m1")
	if err := s.Create(ctx, o); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Create(ctx, o); !errors.Is(err, ErrDuplicateOrder) {
		t.Errorf("expected ErrDuplicateOrder, got %v", err)
	}

	got, err := s.Get(ctx, "ord_m1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.TotalAmount.Equal(o.TotalAmount) {
		t.Errorf("expected amount %s, got %s", o.TotalAmount, got.TotalAmount)
	}

	candidates, err := s.ListMaturityCandidates(ctx, CandidateQuery{DeliveredBy: time.Now(), Limit: 10})
	if err != nil {
		t.Fatalf("ListMaturityCandidates: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(candidates))
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	if err := got.Advance(EligibilityEligible, now); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if err := s.CompareAndAdvance(ctx, got, EligibilityPendingMaturity); err != nil {
		t.Fatalf("CompareAndAdvance: %v", err)
	}
	if err := s.CompareAndAdvance(ctx, got, EligibilityPendingMaturity); !errors.Is(err, ErrTransitionConflict) {
		t.Errorf("expected ErrTransitionConflict, got %v", err)
	}

	eligible, _ := s.ListByEligibility(ctx, EligibilityEligible, 0)
	if len(eligible) != 1 || eligible[0].EligibleAt == nil {
		t.Fatalf("expected 1 eligible order with EligibleAt, got %+v", eligible)
	}
}

func TestMongoStore_DisputeBlocksAdvance(t *testing.T) {
	s, cleanup := newMongoStore(t)
	defer cleanup()

	ctx := context.Background()
	if err := s.Create(ctx, testOrder("ord_m2")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	snapshot, _ := s.Get(ctx, "ord_m2")
	frozen, err := s.SetDisputed(ctx, "ord_m2", true)
	if err != nil {
		t.Fatalf("SetDisputed: %v", err)
	}
	if !frozen.IsDisputed {
		t.Fatal("expected returned order to be disputed")
	}

	_ = snapshot.Advance(EligibilityEligible, time.Now())
	if err := s.CompareAndAdvance(ctx, snapshot, EligibilityPendingMaturity); !errors.Is(err, ErrTransitionConflict) {
		t.Fatalf("expected ErrTransitionConflict, got %v", err)
	}
	candidates, _ := s.ListMaturityCandidates(ctx, CandidateQuery{Limit: 10})
	if len(candidates) != 0 {
		t.Errorf("disputed order must not be a candidate, got %d", len(candidates))
	}

	if _, err := s.SetDisputed(ctx, "missing", true); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("expected ErrOrderNotFound, got %v", err)
	}
	if err := s.CompareAndAdvance(ctx, testOrder("missing"), EligibilityPendingMaturity); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestMongoStore_CandidateResume(t *testing.T) {
	s, cleanup := newMongoStore(t)
	defer cleanup()

	ctx := context.Background()
	for _, id := range []string{"ord_a", "ord_b", "ord_c"} {
		if err := s.Create(ctx, testOrder(id)); err != nil {
			t.Fatalf("Create %s: %v", id, err)
		}
	}
	page, _ := s.ListMaturityCandidates(ctx, CandidateQuery{Limit: 2})
	if len(page) != 2 || page[0].ID != "ord_a" || page[1].ID != "ord_b" {
		t.Fatalf("unexpected first page %+v", page)
	}
	rest, _ := s.ListMaturityCandidates(ctx, CandidateQuery{
		AfterDelivered: *page[1].DeliveredAt, AfterID: page[1].ID, Limit: 2,
	})
	if len(rest) != 1 || rest[0].ID != "ord_c" {
		t.Errorf("expected resume to return ord_c, got %+v", rest)
	}
}
