package escrow

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
	"golang.org/x/sync/errgroup"
)

// mockLedger records releases and is idempotent per order, like the real ledger.
type mockLedger struct {
	mu       sync.Mutex
	released map[string]int64 // orderID -> amount
	calls    map[string]int
}

func newMockLedger() *mockLedger {
	return &mockLedger{released: make(map[string]int64), calls: make(map[string]int)}
}

func (m *mockLedger) ReleaseFunds(ctx context.Context, req ReleaseRequest) (*ReleaseResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[req.OrderID]++
	if _, ok := m.released[req.OrderID]; ok {
		return &ReleaseResult{Success: true, Skipped: true, Reason: "already released"}, nil
	}
	m.released[req.OrderID] = req.AmountMinor
	return &ReleaseResult{Success: true}, nil
}

func (m *mockLedger) callCount(orderID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[orderID]
}

// failingLedger errors or refuses for specific orders.
type failingLedger struct {
	*mockLedger
	errFor    map[string]error
	refuseFor map[string]string
}

func (f *failingLedger) ReleaseFunds(ctx context.Context, req ReleaseRequest) (*ReleaseResult, error) {
	if err, ok := f.errFor[req.OrderID]; ok {
		return nil, err
	}
	if reason, ok := f.refuseFor[req.OrderID]; ok {
		return &ReleaseResult{Reason: reason}, nil
	}
	return f.mockLedger.ReleaseFunds(ctx, req)
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func deliveredOrder(id string, ago time.Duration) *order.Order {
	delivered := testNow.Add(-ago)
	return &order.Order{
		ID:             id,
		ExternalID:     "ext-" + id,
		TotalAmount:    decimal.RequireFromString("19.99"),
		Currency:       "EUR",
		BuyerID:        "buyer_1",
		SellerID:       "seller_1",
		Status:         order.StatusCompleted,
		DeliveryStatus: order.DeliveryDelivered,
		DeliveredAt:    &delivered,
		Eligibility:    order.EligibilityPendingMaturity,
		CreatedAt:      delivered.Add(-time.Minute),
		UpdatedAt:      delivered,
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestService(store order.Store, ledger LedgerService) *MaturityService {
	return NewMaturityService(store, ledger, Config{MaturityHold: 60 * time.Second}).
		WithLogger(quietLogger()).
		WithClock(func() time.Time { return testNow })
}

func seed(t *testing.T, store order.Store, orders ...*order.Order) {
	t.Helper()
	for _, o := range orders {
		if err := store.Create(context.Background(), o); err != nil {
			t.Fatalf("seed %s: %v", o.ID, err)
		}
	}
}

func TestProcessMaturityBatch_MaturedOrder(t *testing.T) {
	ctx := context.Background()
	store := order.NewMemoryStore()
	ledger := newMockLedger()
	seed(t, store, deliveredOrder("ord_a", 70*time.Second))

	stats, err := newTestService(store, ledger).ProcessMaturityBatch(ctx)
	if err != nil {
		t.Fatalf("ProcessMaturityBatch: %v", err)
	}
	if stats.Scanned != 1 || stats.Eligible != 1 || stats.Processed != 1 || stats.Errors != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}

	o, _ := store.Get(ctx, "ord_a")
	if o.Eligibility != order.EligibilityEligible {
		t.Errorf("expected ELIGIBLE, got %s", o.Eligibility)
	}
	if o.EligibleAt == nil || !o.EligibleAt.Equal(testNow) {
		t.Errorf("expected EligibleAt %v, got %v", testNow, o.EligibleAt)
	}
	if o.EscrowReleasedAt == nil {
		t.Error("expected EscrowReleasedAt set")
	}
	if ledger.callCount("ord_a") != 1 {
		t.Errorf("expected 1 ledger call, got %d", ledger.callCount("ord_a"))
	}
	if ledger.released["ord_a"] != 1999 {
		t.Errorf("expected release of 1999 minor units, got %d", ledger.released["ord_a"])
	}
}

func TestProcessMaturityBatch_HoldNotElapsed(t *testing.T) {
	ctx := context.Background()
	store := order.NewMemoryStore()
	ledger := newMockLedger()
	seed(t, store, deliveredOrder("ord_b", 10*time.Second))

	stats, err := newTestService(store, ledger).ProcessMaturityBatch(ctx)
	if err != nil {
		t.Fatalf("ProcessMaturityBatch: %v", err)
	}
	if stats.Scanned != 0 || stats.Eligible != 0 || stats.Processed != 0 {
		t.Errorf("immature order should not be scanned, got %+v", stats)
	}
	o, _ := store.Get(ctx, "ord_b")
	if o.Eligibility != order.EligibilityPendingMaturity {
		t.Errorf("expected PENDING_MATURITY, got %s", o.Eligibility)
	}
	if ledger.callCount("ord_b") != 0 {
		t.Error("ledger must not be called for an immature order")
	}
}

func TestProcessMaturityBatch_ScheduledOrderUntouched(t *testing.T) {
	ctx := context.Background()
	store := order.NewMemoryStore()
	ledger := newMockLedger()
	legacy := deliveredOrder("ord_c", 48*time.Hour)
	legacy.Eligibility = order.EligibilityScheduled
	seed(t, store, legacy)

	stats, _ := newTestService(store, ledger).ProcessMaturityBatch(ctx)
	if stats.Scanned != 0 {
		t.Errorf("expected scheduled order not scanned, got %+v", stats)
	}
	o, _ := store.Get(ctx, "ord_c")
	if o.Eligibility != order.EligibilityScheduled {
		t.Errorf("expected ELIGIBLE_FOR_PAYOUT untouched, got %s", o.Eligibility)
	}
}

func TestProcessMaturityBatch_DisputedExcludedUntilUnfrozen(t *testing.T) {
	ctx := context.Background()
	store := order.NewMemoryStore()
	ledger := newMockLedger()
	seed(t, store, deliveredOrder("ord_d", 70*time.Second))
	svc := newTestService(store, ledger)

	if _, err := store.SetDisputed(ctx, "ord_d", true); err != nil {
		t.Fatalf("SetDisputed: %v", err)
	}
	for i := 0; i < 3; i++ {
		stats, _ := svc.ProcessMaturityBatch(ctx)
		if stats.Processed != 0 {
			t.Fatalf("run %d: disputed order processed", i)
		}
	}
	if ledger.callCount("ord_d") != 0 {
		t.Fatal("ledger called for disputed order")
	}

	_, _ = store.SetDisputed(ctx, "ord_d", false)
	stats, _ := svc.ProcessMaturityBatch(ctx)
	if stats.Processed != 1 {
		t.Errorf("expected order to mature once unfrozen, got %+v", stats)
	}
}

func TestProcessMaturityBatch_Idempotent(t *testing.T) {
	ctx := context.Background()
	store := order.NewMemoryStore()
	ledger := newMockLedger()
	seed(t, store, deliveredOrder("ord_1", time.Hour), deliveredOrder("ord_2", 2*time.Hour))
	svc := newTestService(store, ledger)

	first, _ := svc.ProcessMaturityBatch(ctx)
	if first.Processed != 2 {
		t.Fatalf("expected 2 processed, got %+v", first)
	}
	second, _ := svc.ProcessMaturityBatch(ctx)
	if second.Processed != 0 || second.Scanned != 0 {
		t.Errorf("expected no work on second run, got %+v", second)
	}
	if ledger.callCount("ord_1") != 1 || ledger.callCount("ord_2") != 1 {
		t.Error("expected exactly one release per order")
	}
}

// racingStore freezes an order right after the candidate query returns,
// simulating a dispute landing mid-batch.
type racingStore struct {
	*order.MemoryStore
	freeze string
}

func (r *racingStore) ListMaturityCandidates(ctx context.Context, q order.CandidateQuery) ([]*order.Order, error) {
	list, err := r.MemoryStore.ListMaturityCandidates(ctx, q)
	if err == nil && r.freeze != "" {
		_, _ = r.MemoryStore.SetDisputed(ctx, r.freeze, true)
	}
	return list, err
}

func TestProcessMaturityBatch_DisputeAfterQuery(t *testing.T) {
	ctx := context.Background()
	store := &racingStore{MemoryStore: order.NewMemoryStore(), freeze: "ord_race"}
	ledger := newMockLedger()
	seed(t, store, deliveredOrder("ord_race", time.Hour), deliveredOrder("ord_ok", time.Hour))

	stats, err := newTestService(store, ledger).ProcessMaturityBatch(ctx)
	if err != nil {
		t.Fatalf("ProcessMaturityBatch: %v", err)
	}
	if stats.Scanned != 2 || stats.Processed != 1 || stats.Errors != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}

	o, _ := store.Get(ctx, "ord_race")
	if o.Eligibility != order.EligibilityPendingMaturity {
		t.Errorf("disputed order advanced to %s", o.Eligibility)
	}
	if ledger.callCount("ord_race") != 0 {
		t.Error("ledger release issued for order disputed mid-batch")
	}
}

// disputeOnPersistStore freezes the order at the moment the eligibility
// write is attempted, i.e. after the ledger release.
type disputeOnPersistStore struct {
	*order.MemoryStore
}

func (d *disputeOnPersistStore) CompareAndAdvance(ctx context.Context, o *order.Order, from order.Eligibility) error {
	_, _ = d.MemoryStore.SetDisputed(ctx, o.ID, true)
	return d.MemoryStore.CompareAndAdvance(ctx, o, from)
}

func TestProcessMaturityBatch_DisputeAfterReleaseKeepsFreeze(t *testing.T) {
	ctx := context.Background()
	store := &disputeOnPersistStore{MemoryStore: order.NewMemoryStore()}
	ledger := newMockLedger()
	seed(t, store, deliveredOrder("ord_late", time.Hour))

	stats, _ := newTestService(store, ledger).ProcessMaturityBatch(ctx)
	if stats.Errors != 1 || stats.Processed != 0 {
		t.Errorf("expected 1 error and 0 processed, got %+v", stats)
	}
	o, _ := store.Get(ctx, "ord_late")
	if !o.IsDisputed {
		t.Error("dispute flag was clobbered by maturity write")
	}
	if o.Eligibility != order.EligibilityPendingMaturity {
		t.Errorf("expected PENDING_MATURITY, got %s", o.Eligibility)
	}
}

func TestProcessMaturityBatch_LedgerFailureIsolated(t *testing.T) {
	ctx := context.Background()
	store := order.NewMemoryStore()
	ledger := &failingLedger{
		mockLedger: newMockLedger(),
		errFor:     map[string]error{"ord_err": errors.New("ledger unavailable")},
		refuseFor:  map[string]string{"ord_refused": "insufficient platform balance"},
	}
	seed(t, store,
		deliveredOrder("ord_err", 3*time.Hour),
		deliveredOrder("ord_refused", 2*time.Hour),
		deliveredOrder("ord_ok", time.Hour),
	)

	stats, err := newTestService(store, ledger).ProcessMaturityBatch(ctx)
	if err != nil {
		t.Fatalf("per-order failures must not abort the batch: %v", err)
	}
	if stats.Scanned != 3 || stats.Eligible != 3 || stats.Processed != 1 || stats.Errors != 2 {
		t.Errorf("unexpected stats %+v", stats)
	}

	for _, id := range []string{"ord_err", "ord_refused"} {
		o, _ := store.Get(ctx, id)
		if o.Eligibility != order.EligibilityPendingMaturity || o.EligibleAt != nil {
			t.Errorf("%s partially transitioned: %s", id, o.Eligibility)
		}
	}

	// Ledger recovers; the failed orders mature on the next run.
	ledger.errFor = nil
	ledger.refuseFor = nil
	stats, _ = newTestService(store, ledger).ProcessMaturityBatch(ctx)
	if stats.Processed != 2 {
		t.Errorf("expected retry to process 2, got %+v", stats)
	}
}

func TestProcessMaturityBatch_AlreadyReleasedIsSuccess(t *testing.T) {
	ctx := context.Background()
	store := order.NewMemoryStore()
	ledger := newMockLedger()
	ledger.released["ord_crash"] = 1999 // released by a run that crashed before persisting
	seed(t, store, deliveredOrder("ord_crash", time.Hour))

	stats, _ := newTestService(store, ledger).ProcessMaturityBatch(ctx)
	if stats.Processed != 1 || stats.Errors != 0 {
		t.Errorf("expected skipped release treated as success, got %+v", stats)
	}
	o, _ := store.Get(ctx, "ord_crash")
	if o.Eligibility != order.EligibilityEligible {
		t.Errorf("expected ELIGIBLE, got %s", o.Eligibility)
	}
}

type failingQueryStore struct {
	*order.MemoryStore
}

func (f *failingQueryStore) ListMaturityCandidates(ctx context.Context, q order.CandidateQuery) ([]*order.Order, error) {
	return nil, errors.New("connection reset")
}

func TestProcessMaturityBatch_QueryFailureAborts(t *testing.T) {
	_, err := newTestService(&failingQueryStore{order.NewMemoryStore()}, newMockLedger()).
		ProcessMaturityBatch(context.Background())
	if err == nil {
		t.Fatal("expected query failure to propagate")
	}
}

type flakyPersistStore struct {
	*order.MemoryStore
	mu       sync.Mutex
	failures int
}

func (f *flakyPersistStore) CompareAndAdvance(ctx context.Context, o *order.Order, from order.Eligibility) error {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return errors.New("write timeout")
	}
	f.mu.Unlock()
	return f.MemoryStore.CompareAndAdvance(ctx, o, from)
}

func TestProcessMaturityBatch_RetriesPersistAfterRelease(t *testing.T) {
	ctx := context.Background()
	store := &flakyPersistStore{MemoryStore: order.NewMemoryStore(), failures: 2}
	seed(t, store, deliveredOrder("ord_flaky", time.Hour))

	stats, _ := newTestService(store, newMockLedger()).ProcessMaturityBatch(ctx)
	if stats.Processed != 1 || stats.Errors != 0 {
		t.Errorf("expected transient persist failures retried, got %+v", stats)
	}
}

func TestProcessMaturityBatch_BatchSizeBounded(t *testing.T) {
	ctx := context.Background()
	store := order.NewMemoryStore()
	for _, id := range []string{"o1", "o2", "o3", "o4", "o5"} {
		seed(t, store, deliveredOrder(id, time.Hour))
	}
	svc := NewMaturityService(store, newMockLedger(), Config{MaturityHold: time.Minute, BatchSize: 2}).
		WithLogger(quietLogger()).
		WithClock(func() time.Time { return testNow })

	stats, _ := svc.ProcessMaturityBatch(ctx)
	if stats.Scanned != 2 || stats.Processed != 2 {
		t.Errorf("expected batch capped at 2, got %+v", stats)
	}
}

func TestProcessMaturityBatch_FailingOrdersDoNotStarveNewer(t *testing.T) {
	ctx := context.Background()
	store := order.NewMemoryStore()
	seed(t, store,
		deliveredOrder("ord_stuck_1", 5*time.Hour),
		deliveredOrder("ord_stuck_2", 4*time.Hour),
		deliveredOrder("ord_new", time.Hour),
	)
	ledger := &failingLedger{
		mockLedger: newMockLedger(),
		refuseFor:  map[string]string{"ord_stuck_1": "seller account closed", "ord_stuck_2": "seller account closed"},
	}
	svc := NewMaturityService(store, ledger, Config{MaturityHold: time.Minute, BatchSize: 2}).
		WithLogger(quietLogger()).
		WithClock(func() time.Time { return testNow })

	first, _ := svc.ProcessMaturityBatch(ctx)
	if first.Scanned != 2 || first.Errors != 2 {
		t.Fatalf("expected the two oldest to fail first, got %+v", first)
	}
	second, _ := svc.ProcessMaturityBatch(ctx)
	if second.Processed != 1 {
		t.Fatalf("expected the newer order to get a turn, got %+v", second)
	}
	o, _ := store.Get(ctx, "ord_new")
	if o.Eligibility != order.EligibilityEligible {
		t.Errorf("expected ELIGIBLE, got %s", o.Eligibility)
	}

	third, _ := svc.ProcessMaturityBatch(ctx)
	if third.Scanned != 2 || third.Errors != 2 {
		t.Errorf("expected the scan to wrap back to the failing orders, got %+v", third)
	}
}

func TestProcessMaturityBatch_OverlappingRunsConverge(t *testing.T) {
	ctx := context.Background()
	store := order.NewMemoryStore()
	ledger := newMockLedger()
	ids := []string{"o1", "o2", "o3", "o4", "o5", "o6"}
	for _, id := range ids {
		seed(t, store, deliveredOrder(id, time.Hour))
	}
	svc := newTestService(store, ledger)

	var mu sync.Mutex
	processed := 0
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < 4; i++ {
		g.Go(func() error {
			stats, err := svc.ProcessMaturityBatch(gctx)
			if err != nil {
				return err
			}
			mu.Lock()
			processed += stats.Processed
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("overlapping runs: %v", err)
	}

	if processed != len(ids) {
		t.Errorf("expected %d transitions across runs, got %d", len(ids), processed)
	}
	for _, id := range ids {
		o, _ := store.Get(ctx, id)
		if o.Eligibility != order.EligibilityEligible {
			t.Errorf("%s: expected ELIGIBLE, got %s", id, o.Eligibility)
		}
		if _, ok := ledger.released[id]; !ok {
			t.Errorf("%s: ELIGIBLE without a release", id)
		}
	}
}
