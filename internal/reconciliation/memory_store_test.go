package reconciliation

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStore_RecordResolve(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	a := &Anomaly{ID: "anm_1", Kind: KindStuckMaturity, TargetID: "ord_1", Status: StatusOpen, DetectedAt: testNow}

	stored, created, err := s.Record(ctx, a)
	if err != nil || !created || stored.ID != "anm_1" {
		t.Fatalf("Record: %+v %v %v", stored, created, err)
	}
	dup := *a
	dup.ID = "anm_2"
	stored, created, _ = s.Record(ctx, &dup)
	if created || stored.ID != "anm_1" {
		t.Errorf("expected existing anm_1, got %s created=%v", stored.ID, created)
	}

	resolved, err := s.Resolve(ctx, "anm_1", "fixed", "ops", testNow.Add(time.Minute))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved.Status != StatusResolved || resolved.ResolvedAt == nil {
		t.Errorf("unexpected anomaly %+v", resolved)
	}
	if _, err := s.Resolve(ctx, "anm_1", "again", "ops", testNow); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("expected ErrAlreadyResolved, got %v", err)
	}
	if _, err := s.Resolve(ctx, "anm_x", "x", "ops", testNow); !errors.Is(err, ErrAnomalyNotFound) {
		t.Errorf("expected ErrAnomalyNotFound, got %v", err)
	}

	open, _ := s.List(ctx, StatusOpen, 0)
	if len(open) != 0 {
		t.Errorf("expected no open anomalies, got %d", len(open))
	}
}
