package dispute

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/keymarket/internal/order"
	"github.com/shopspring/decimal"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func seedOrder(t *testing.T, store order.Store, id string) {
	t.Helper()
	delivered := time.Now().Add(-time.Hour)
	err := store.Create(context.Background(), &order.Order{
		ID:             id,
		ExternalID:     "ext-" + id,
		TotalAmount:    decimal.RequireFromString("25.50"),
		Currency:       "USD",
		BuyerID:        "buyer_1",
		SellerID:       "seller_1",
		Status:         order.StatusCompleted,
		DeliveryStatus: order.DeliveryDelivered,
		DeliveredAt:    &delivered,
		Eligibility:    order.EligibilityPendingMaturity,
		CreatedAt:      delivered,
		UpdatedAt:      delivered,
	})
	if err != nil {
		t.Fatalf("seed order: %v", err)
	}
}

func newTestService(t *testing.T) (*Service, *MemoryStore, *order.MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	orders := order.NewMemoryStore()
	return NewService(store, orders).WithLogger(quietLogger()), store, orders
}

func TestCreate_FreezesOrder(t *testing.T) {
	ctx := context.Background()
	svc, _, orders := newTestService(t)
	seedOrder(t, orders, "ord_1")

	d, created, err := svc.Create(ctx, CreateRequest{OrderID: "ord_1", Reason: "key already redeemed"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !created {
		t.Error("expected created=true")
	}
	if d.Amount != 2550 || d.Currency != "USD" {
		t.Errorf("expected 2550 USD, got %d %s", d.Amount, d.Currency)
	}
	if d.BuyerID != "buyer_1" || d.SellerID != "seller_1" || d.OrderExternalID != "ext-ord_1" {
		t.Errorf("parties not copied from order: %+v", d)
	}
	if d.Status != StatusOpen || d.ExternalID == "" {
		t.Errorf("unexpected status/external id: %s %q", d.Status, d.ExternalID)
	}

	o, _ := orders.Get(ctx, "ord_1")
	if !o.IsDisputed {
		t.Error("order not frozen")
	}
}

func TestCreate_Idempotent(t *testing.T) {
	ctx := context.Background()
	svc, store, orders := newTestService(t)
	seedOrder(t, orders, "ord_1")

	first, _, err := svc.Create(ctx, CreateRequest{OrderID: "ord_1", Reason: "invalid key"})
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	second, created, err := svc.Create(ctx, CreateRequest{OrderID: "ord_1", Reason: "different wording"})
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if created {
		t.Error("expected created=false on replay")
	}
	if second.ID != first.ID || second.Reason != first.Reason {
		t.Errorf("expected original dispute %s returned, got %s", first.ID, second.ID)
	}

	all, _ := store.List(ctx, "", 0)
	if len(all) != 1 {
		t.Errorf("expected exactly one dispute, got %d", len(all))
	}
}

func TestCreate_ReassertsFreeze(t *testing.T) {
	ctx := context.Background()
	svc, _, orders := newTestService(t)
	seedOrder(t, orders, "ord_1")

	if _, _, err := svc.Create(ctx, CreateRequest{OrderID: "ord_1", Reason: "wrong region"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	// Something cleared the flag without resolving the dispute.
	_, _ = orders.SetDisputed(ctx, "ord_1", false)

	if _, _, err := svc.Create(ctx, CreateRequest{OrderID: "ord_1", Reason: "wrong region"}); err != nil {
		t.Fatalf("replay: %v", err)
	}
	o, _ := orders.Get(ctx, "ord_1")
	if !o.IsDisputed {
		t.Error("expected replay to re-freeze the order")
	}
}

func TestCreate_OrderNotFound(t *testing.T) {
	svc, store, _ := newTestService(t)
	_, _, err := svc.Create(context.Background(), CreateRequest{OrderID: "missing", Reason: "x"})
	if !errors.Is(err, order.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
	if _, err := store.GetByOrder(context.Background(), "missing"); !errors.Is(err, ErrDisputeNotFound) {
		t.Error("dispute record written for missing order")
	}
}

func TestCreate_Validation(t *testing.T) {
	svc, _, _ := newTestService(t)
	if _, _, err := svc.Create(context.Background(), CreateRequest{Reason: "x"}); !errors.Is(err, ErrOrderIDRequired) {
		t.Errorf("expected ErrOrderIDRequired, got %v", err)
	}
	if _, _, err := svc.Create(context.Background(), CreateRequest{OrderID: "o", Reason: "  "}); !errors.Is(err, ErrReasonRequired) {
		t.Errorf("expected ErrReasonRequired, got %v", err)
	}
}

func TestCreate_ExternalIDPreserved(t *testing.T) {
	svc, _, orders := newTestService(t)
	seedOrder(t, orders, "ord_1")
	d, _, err := svc.Create(context.Background(), CreateRequest{
		OrderID: "ord_1", Reason: "chargeback", ExternalDisputeID: "dp_stripe_123",
		Metadata: map[string]string{"source": "stripe"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if d.ProviderDisputeID != "dp_stripe_123" || d.ExternalID == "" || d.Metadata["source"] != "stripe" {
		t.Errorf("unexpected dispute %+v", d)
	}
}

type failingCreateStore struct {
	*MemoryStore
	fail bool
}

func (f *failingCreateStore) Create(ctx context.Context, d *Dispute) error {
	if f.fail {
		return errors.New("write failed")
	}
	return f.MemoryStore.Create(ctx, d)
}

func TestCreate_PersistFailureLeavesOrderFrozen(t *testing.T) {
	ctx := context.Background()
	store := &failingCreateStore{MemoryStore: NewMemoryStore(), fail: true}
	orders := order.NewMemoryStore()
	seedOrder(t, orders, "ord_1")
	svc := NewService(store, orders).WithLogger(quietLogger())

	if _, _, err := svc.Create(ctx, CreateRequest{OrderID: "ord_1", Reason: "x"}); err == nil {
		t.Fatal("expected persist failure")
	}
	o, _ := orders.Get(ctx, "ord_1")
	if !o.IsDisputed {
		t.Error("order must stay frozen after a failed dispute write")
	}

	store.fail = false
	d, created, err := svc.Create(ctx, CreateRequest{OrderID: "ord_1", Reason: "x"})
	if err != nil || !created || d == nil {
		t.Fatalf("retry: created=%v err=%v", created, err)
	}
}

// racingCreateStore simulates another process inserting first.
type racingCreateStore struct {
	*MemoryStore
	winner *Dispute
}

func (r *racingCreateStore) GetByOrder(ctx context.Context, orderID string) (*Dispute, error) {
	if r.winner != nil {
		// First lookup misses; the rival inserts before our write.
		w := r.winner
		r.winner = nil
		_ = r.MemoryStore.Create(ctx, w)
		return nil, ErrDisputeNotFound
	}
	return r.MemoryStore.GetByOrder(ctx, orderID)
}

func TestCreate_DuplicateRaceReturnsWinner(t *testing.T) {
	ctx := context.Background()
	store := &racingCreateStore{
		MemoryStore: NewMemoryStore(),
		winner:      &Dispute{ID: "dsp_rival", OrderID: "ord_1", Status: StatusOpen, CreatedAt: time.Now()},
	}
	orders := order.NewMemoryStore()
	seedOrder(t, orders, "ord_1")
	svc := NewService(store, orders).WithLogger(quietLogger())

	d, created, err := svc.Create(ctx, CreateRequest{OrderID: "ord_1", Reason: "x"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created || d.ID != "dsp_rival" {
		t.Errorf("expected rival dispute returned, got %s (created=%v)", d.ID, created)
	}
}

func TestCreate_ConcurrentSingleDispute(t *testing.T) {
	ctx := context.Background()
	svc, store, orders := newTestService(t)
	seedOrder(t, orders, "ord_1")

	var wg sync.WaitGroup
	ids := make([]string, 20)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, _, err := svc.Create(ctx, CreateRequest{OrderID: "ord_1", Reason: "dup"})
			if err != nil {
				t.Errorf("Create: %v", err)
				return
			}
			ids[i] = d.ID
		}(i)
	}
	wg.Wait()

	for _, id := range ids[1:] {
		if id != ids[0] {
			t.Fatalf("different dispute ids returned: %s vs %s", id, ids[0])
		}
	}
	all, _ := store.List(ctx, "", 0)
	if len(all) != 1 {
		t.Errorf("expected 1 dispute, got %d", len(all))
	}
}

func TestResolve_SellerUnfreezes(t *testing.T) {
	ctx := context.Background()
	svc, _, orders := newTestService(t)
	seedOrder(t, orders, "ord_1")
	d, _, _ := svc.Create(ctx, CreateRequest{OrderID: "ord_1", Reason: "x"})

	resolved, err := svc.Resolve(ctx, d.ID, StatusResolvedSeller, "key verified working")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved.Status != StatusResolvedSeller || resolved.ResolvedAt == nil {
		t.Errorf("unexpected resolved dispute %+v", resolved)
	}
	o, _ := orders.Get(ctx, "ord_1")
	if o.IsDisputed {
		t.Error("expected order unfrozen after seller win")
	}

	// Replaying create after a seller win must not re-freeze.
	_, created, _ := svc.Create(ctx, CreateRequest{OrderID: "ord_1", Reason: "again"})
	o, _ = orders.Get(ctx, "ord_1")
	if created || o.IsDisputed {
		t.Errorf("replay after seller resolution changed state: created=%v disputed=%v", created, o.IsDisputed)
	}
}

func TestResolve_BuyerKeepsFrozen(t *testing.T) {
	ctx := context.Background()
	svc, _, orders := newTestService(t)
	seedOrder(t, orders, "ord_1")
	d, _, _ := svc.Create(ctx, CreateRequest{OrderID: "ord_1", Reason: "x"})

	if _, err := svc.Resolve(ctx, d.ID, StatusResolvedBuyer, "refund issued"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	o, _ := orders.Get(ctx, "ord_1")
	if !o.IsDisputed {
		t.Error("expected order to stay frozen after buyer win")
	}
}

func TestResolve_Errors(t *testing.T) {
	ctx := context.Background()
	svc, _, orders := newTestService(t)
	seedOrder(t, orders, "ord_1")
	d, _, _ := svc.Create(ctx, CreateRequest{OrderID: "ord_1", Reason: "x"})

	if _, err := svc.Resolve(ctx, d.ID, StatusOpen, ""); !errors.Is(err, ErrInvalidOutcome) {
		t.Errorf("expected ErrInvalidOutcome, got %v", err)
	}
	if _, err := svc.Resolve(ctx, "dsp_missing", StatusResolvedBuyer, ""); !errors.Is(err, ErrDisputeNotFound) {
		t.Errorf("expected ErrDisputeNotFound, got %v", err)
	}

	if _, err := svc.Resolve(ctx, d.ID, StatusResolvedBuyer, ""); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, err := svc.Resolve(ctx, d.ID, StatusResolvedBuyer, ""); err != nil {
		t.Errorf("same-outcome replay should succeed, got %v", err)
	}
	if _, err := svc.Resolve(ctx, d.ID, StatusResolvedSeller, ""); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("expected ErrAlreadyResolved, got %v", err)
	}
}
