//go:build integration

package admin

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/mbd888/keymarket/internal/auth"
	"github.com/mbd888/keymarket/internal/testutil"
)

func TestPostgresStore_Actions(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	s := NewPostgresStore(db)
	now := time.Now().UTC().Truncate(time.Microsecond)
	a := &Action{
		ID: "rem_1", IdempotencyKey: "key-1", Operation: OpForcePayoutStatus, TargetID: "pay_1",
		Actor: "alice@ops", Role: auth.RoleSuperAdmin, Justification: justification,
		Result: json.RawMessage(`{"id":"pay_1","status":"FAILED"}`), CreatedAt: now,
	}
	if err := s.Create(ctx, a); err != nil {
		t.Fatalf("Create: %v", err)
	}
	dup := *a
	dup.ID = "rem_2"
	if err := s.Create(ctx, &dup); !errors.Is(err, ErrDuplicateKey) {
		t.Errorf("expected ErrDuplicateKey, got %v", err)
	}

	got, err := s.GetByKey(ctx, "key-1")
	if err != nil {
		t.Fatalf("GetByKey: %v", err)
	}
	if got.Operation != OpForcePayoutStatus || got.Role != auth.RoleSuperAdmin {
		t.Errorf("unexpected action %+v", got)
	}
	var result map[string]string
	if err := json.Unmarshal(got.Result, &result); err != nil || result["status"] != "FAILED" {
		t.Errorf("unexpected result %s (%v)", got.Result, err)
	}

	if _, err := s.GetByKey(ctx, "missing"); !errors.Is(err, ErrActionNotFound) {
		t.Errorf("expected ErrActionNotFound, got %v", err)
	}

	list, err := s.List(ctx, "pay_1", 10)
	if err != nil || len(list) != 1 {
		t.Errorf("expected 1 action, got %d (%v)", len(list), err)
	}
}
