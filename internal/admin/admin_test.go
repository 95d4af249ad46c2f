package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/keymarket/internal/auth"
	"github.com/mbd888/keymarket/internal/ledger"
	"github.com/mbd888/keymarket/internal/money"
	"github.com/mbd888/keymarket/internal/order"
	"github.com/mbd888/keymarket/internal/payout"
	"github.com/mbd888/keymarket/internal/reconciliation"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testNow    = time.Date(2026, 6, 2, 9, 0, 0, 0, time.UTC)
	superAdmin = auth.Principal{Actor: "alice@ops", Role: auth.RoleSuperAdmin}
	operator   = auth.Principal{Actor: "bob@ops", Role: auth.RoleOperator}
)

const justification = "provider permanently rejected the seller's bank account"

type fixture struct {
	svc       *Service
	store     *MemoryStore
	payouts   *payout.MemoryStore
	ledger    *ledger.Ledger
	anomalies *reconciliation.MemoryStore
	orders    *order.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	f := &fixture{
		store:     NewMemoryStore(),
		payouts:   payout.NewMemoryStore(),
		ledger:    ledger.New(ledger.NewMemoryStore()).WithLogger(logger),
		anomalies: reconciliation.NewMemoryStore(),
		orders:    order.NewMemoryStore(),
	}
	payoutSvc := payout.NewService(f.payouts, f.orders).WithLogger(logger).WithClock(func() time.Time { return testNow })
	f.svc = NewService(f.store, payoutSvc, f.ledger, f.anomalies, f.orders).
		WithLogger(logger).WithClock(func() time.Time { return testNow })

	ctx := context.Background()
	require.NoError(t, f.payouts.Create(ctx, &payout.Schedule{
		ID: "pay_1", OrderID: "ord_1", SellerID: "seller_1", TotalAmount: 1999, Currency: "EUR",
		Status: payout.StatusProcessing, ExternalTransferID: "tr_1", CreatedAt: testNow,
	}))
	delivered := testNow.Add(-48 * time.Hour)
	require.NoError(t, f.orders.Create(ctx, &order.Order{
		ID: "ord_1", ExternalID: "ext-1", TotalAmount: decimal.RequireFromString("19.99"), Currency: "EUR",
		BuyerID: "buyer_1", SellerID: "seller_1", Status: order.StatusCompleted,
		DeliveryStatus: order.DeliveryDelivered, DeliveredAt: &delivered,
		Eligibility: order.EligibilityScheduled, CreatedAt: delivered, UpdatedAt: delivered,
	}))
	_, _, err := f.anomalies.Record(ctx, &reconciliation.Anomaly{
		ID: "anm_1", Kind: reconciliation.KindProviderMismatch, TargetID: "pay_1",
		Status: reconciliation.StatusOpen, DetectedAt: testNow,
	})
	require.NoError(t, err)
	return f
}

func meta(key string) Meta {
	return Meta{IdempotencyKey: key, Justification: justification}
}

func TestForcePayoutStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	action, replayed, err := f.svc.ForcePayoutStatus(ctx, superAdmin, ForcePayoutRequest{
		Meta: meta("key-1"), PayoutID: "pay_1", Status: payout.StatusFailed,
	})
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, OpForcePayoutStatus, action.Operation)
	assert.Equal(t, "pay_1", action.TargetID)
	assert.Equal(t, "alice@ops", action.Actor)
	assert.Equal(t, auth.RoleSuperAdmin, action.Role)

	var s payout.Schedule
	require.NoError(t, json.Unmarshal(action.Result, &s))
	assert.Equal(t, payout.StatusFailed, s.Status)
	assert.Equal(t, justification, s.FailureReason)

	stored, _ := f.payouts.Get(ctx, "pay_1")
	assert.Equal(t, payout.StatusFailed, stored.Status)
}

func TestForcePayoutStatus_Replay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := ForcePayoutRequest{Meta: meta("key-1"), PayoutID: "pay_1", Status: payout.StatusCancelled}

	first, _, err := f.svc.ForcePayoutStatus(ctx, superAdmin, req)
	require.NoError(t, err)
	second, replayed, err := f.svc.ForcePayoutStatus(ctx, superAdmin, req)
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, first.ID, second.ID)

	actions, _ := f.svc.List(ctx, "pay_1", 0)
	assert.Len(t, actions, 1)
}

func TestIdempotencyConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.svc.ForcePayoutStatus(ctx, superAdmin, ForcePayoutRequest{
		Meta: meta("key-1"), PayoutID: "pay_1", Status: payout.StatusFailed,
	})
	require.NoError(t, err)

	_, _, err = f.svc.ResolveAnomaly(ctx, superAdmin, ResolveAnomalyRequest{
		Meta: meta("key-1"), AnomalyID: "anm_1",
	})
	assert.ErrorIs(t, err, ErrIdempotencyConflict)

	a, _ := f.anomalies.Get(ctx, "anm_1")
	assert.Equal(t, reconciliation.StatusOpen, a.Status, "conflicting key must not run the operation")
}

func TestValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		p    auth.Principal
		req  ForcePayoutRequest
		want error
	}{
		{"operator", operator, ForcePayoutRequest{Meta: meta("k"), PayoutID: "pay_1", Status: payout.StatusFailed}, ErrForbidden},
		{"no role", auth.Principal{Actor: "x"}, ForcePayoutRequest{Meta: meta("k"), PayoutID: "pay_1", Status: payout.StatusFailed}, ErrForbidden},
		{"short justification", superAdmin, ForcePayoutRequest{Meta: Meta{IdempotencyKey: "k", Justification: "stuck"}, PayoutID: "pay_1", Status: payout.StatusFailed}, ErrJustificationRequired},
		{"blank justification", superAdmin, ForcePayoutRequest{Meta: Meta{IdempotencyKey: "k", Justification: "                         "}, PayoutID: "pay_1", Status: payout.StatusFailed}, ErrJustificationRequired},
		{"no key", superAdmin, ForcePayoutRequest{Meta: Meta{Justification: justification}, PayoutID: "pay_1", Status: payout.StatusFailed}, ErrIdempotencyKeyRequired},
		{"no target", superAdmin, ForcePayoutRequest{Meta: meta("k"), Status: payout.StatusFailed}, ErrTargetRequired},
		{"paid not forceable", superAdmin, ForcePayoutRequest{Meta: meta("k"), PayoutID: "pay_1", Status: payout.StatusPaid}, payout.ErrNotForceable},
		{"missing payout", superAdmin, ForcePayoutRequest{Meta: meta("k"), PayoutID: "pay_x", Status: payout.StatusFailed}, payout.ErrScheduleNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := f.svc.ForcePayoutStatus(ctx, tt.p, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	actions, _ := f.svc.List(ctx, "", 0)
	assert.Empty(t, actions, "rejected and failed operations are not recorded")
}

func TestFailedOperationCanBeRetriedWithSameKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.svc.ForcePayoutStatus(ctx, superAdmin, ForcePayoutRequest{
		Meta: meta("key-retry"), PayoutID: "pay_missing", Status: payout.StatusFailed,
	})
	require.ErrorIs(t, err, payout.ErrScheduleNotFound)

	_, _, err = f.svc.ForcePayoutStatus(ctx, superAdmin, ForcePayoutRequest{
		Meta: meta("key-retry"), PayoutID: "pay_missing", Status: payout.StatusFailed,
	})
	assert.ErrorIs(t, err, payout.ErrScheduleNotFound)
}

func TestApplyLedgerCorrection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := LedgerCorrectionRequest{
		Meta: meta("corr-1"), UserID: "seller_1", Currency: "EUR", AmountMinor: -1999, PayoutID: "pay_1",
	}

	action, replayed, err := f.svc.ApplyLedgerCorrection(ctx, superAdmin, req)
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, "seller_1", action.TargetID)

	var entry ledger.Entry
	require.NoError(t, json.Unmarshal(action.Result, &entry))
	assert.Equal(t, int64(-1999), entry.Amount)
	assert.Equal(t, "pay_1", entry.RelatedID)

	_, replayed, err = f.svc.ApplyLedgerCorrection(ctx, superAdmin, req)
	require.NoError(t, err)
	assert.True(t, replayed)

	bal, err := f.ledger.Balance(ctx, "seller_1", "EUR")
	require.NoError(t, err)
	assert.Equal(t, int64(-1999), bal.Available)
	assert.Equal(t, 1, bal.Entries)
}

func TestApplyLedgerCorrection_MajorUnitAmount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	action, _, err := f.svc.ApplyLedgerCorrection(ctx, superAdmin, LedgerCorrectionRequest{
		Meta: meta("corr-major"), UserID: "seller_1", Currency: "EUR", Amount: "12.50", ExternalRef: "zendesk-4411",
	})
	require.NoError(t, err)
	var entry ledger.Entry
	require.NoError(t, json.Unmarshal(action.Result, &entry))
	assert.Equal(t, int64(1250), entry.Amount)

	_, _, err = f.svc.ApplyLedgerCorrection(ctx, superAdmin, LedgerCorrectionRequest{
		Meta: meta("corr-bad"), UserID: "seller_1", Currency: "EUR", Amount: "twelve", ExternalRef: "zendesk-4412",
	})
	assert.ErrorIs(t, err, money.ErrInvalidAmount)
}

func TestApplyLedgerCorrection_RequiresAnchor(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.svc.ApplyLedgerCorrection(context.Background(), superAdmin, LedgerCorrectionRequest{
		Meta: meta("corr-2"), UserID: "seller_1", Currency: "EUR", AmountMinor: 500,
	})
	assert.ErrorIs(t, err, ledger.ErrAnchorRequired)
}

func TestResolveAnomaly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	action, _, err := f.svc.ResolveAnomaly(ctx, superAdmin, ResolveAnomalyRequest{
		Meta: meta("anm-key"), AnomalyID: "anm_1", Note: "transfer re-sent manually",
	})
	require.NoError(t, err)
	assert.Equal(t, OpResolveAnomaly, action.Operation)

	a, _ := f.anomalies.Get(ctx, "anm_1")
	assert.Equal(t, reconciliation.StatusResolved, a.Status)
	assert.Equal(t, "alice@ops", a.ResolvedBy)
	assert.Equal(t, "transfer re-sent manually", a.Resolution)

	_, _, err = f.svc.ResolveAnomaly(ctx, superAdmin, ResolveAnomalyRequest{
		Meta: meta("anm-key-2"), AnomalyID: "anm_1",
	})
	assert.ErrorIs(t, err, reconciliation.ErrAlreadyResolved)
}

func TestForceEligibility(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.svc.ForceEligibility(ctx, superAdmin, ForceEligibilityRequest{
		Meta: meta("elig-1"), OrderID: "ord_1", Eligibility: "PENDING_MATURITY",
	})
	require.NoError(t, err)
	o, _ := f.orders.Get(ctx, "ord_1")
	assert.Equal(t, order.EligibilityPendingMaturity, o.Eligibility)

	_, _, err = f.svc.ForceEligibility(ctx, superAdmin, ForceEligibilityRequest{
		Meta: meta("elig-2"), OrderID: "ord_1", Eligibility: "SCHEDULED_FOR_PAYOUT",
	})
	require.NoError(t, err)
	o, _ = f.orders.Get(ctx, "ord_1")
	assert.Equal(t, order.EligibilityScheduled, o.Eligibility)

	_, _, err = f.svc.ForceEligibility(ctx, superAdmin, ForceEligibilityRequest{
		Meta: meta("elig-3"), OrderID: "ord_1", Eligibility: "PAID",
	})
	assert.ErrorIs(t, err, order.ErrUnknownEligibility)
}

func TestConcurrentSameKeyRunsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := LedgerCorrectionRequest{
		Meta: meta("corr-race"), UserID: "seller_1", Currency: "EUR", AmountMinor: 100, ExternalRef: "ticket-42",
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	ids := map[string]bool{}
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			action, _, err := f.svc.ApplyLedgerCorrection(ctx, superAdmin, req)
			if err != nil {
				t.Errorf("ApplyLedgerCorrection: %v", err)
				return
			}
			mu.Lock()
			ids[action.ID] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, ids, 1)
	bal, _ := f.ledger.Balance(ctx, "seller_1", "EUR")
	assert.Equal(t, int64(100), bal.Available)
}

type failingStore struct {
	*MemoryStore
}

func (failingStore) Create(ctx context.Context, a *Action) error {
	return errors.New("disk full")
}

func TestRecordFailureIsReported(t *testing.T) {
	f := newFixture(t)
	f.svc.store = failingStore{NewMemoryStore()}

	_, _, err := f.svc.ForcePayoutStatus(context.Background(), superAdmin, ForcePayoutRequest{
		Meta: meta("key-x"), PayoutID: "pay_1", Status: payout.StatusFailed,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "record remediation")
}
