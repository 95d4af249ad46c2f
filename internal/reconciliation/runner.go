package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/keymarket/internal/idgen"
	"github.com/mbd888/keymarket/internal/order"
	"github.com/mbd888/keymarket/internal/payout"
	"github.com/mbd888/keymarket/internal/provider"
	"github.com/mbd888/keymarket/internal/traces"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// DefaultStuckThreshold is how long past its expected transition an order
// may sit before it is reported.
const DefaultStuckThreshold = time.Hour

// OrderLister lists orders by eligibility.
type OrderLister interface {
	ListByEligibility(ctx context.Context, e order.Eligibility, limit int) ([]*order.Order, error)
}

// ReleaseChecker reports whether an order's escrow release is in the ledger.
type ReleaseChecker interface {
	HasRelease(ctx context.Context, orderID string) (bool, error)
}

// ScheduleReader reads payout schedules.
type ScheduleReader interface {
	GetByOrder(ctx context.Context, orderID string) (*payout.Schedule, error)
	List(ctx context.Context, f payout.ListFilter) ([]*payout.Schedule, error)
}

// Alerter is notified after a run that found anomalies.
type Alerter interface {
	Alert(ctx context.Context, r *Report) error
}

// Config tunes the checks.
type Config struct {
	MaturityHold   time.Duration
	StuckThreshold time.Duration
}

// Runner executes every reconciliation check.
type Runner struct {
	store     Store
	orders    OrderLister
	ledger    ReleaseChecker
	schedules ScheduleReader
	provider  provider.Provider
	alerter   Alerter
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

// NewRunner creates a reconciliation runner. Provider and alerter are optional.
func NewRunner(store Store, orders OrderLister, ledger ReleaseChecker, schedules ScheduleReader, cfg Config) *Runner {
	if cfg.StuckThreshold <= 0 {
		cfg.StuckThreshold = DefaultStuckThreshold
	}
	return &Runner{
		store:     store,
		orders:    orders,
		ledger:    ledger,
		schedules: schedules,
		cfg:       cfg,
		logger:    slog.Default(),
		now:       time.Now,
	}
}

// WithProvider enables the provider drift check.
func (r *Runner) WithProvider(p provider.Provider) *Runner {
	r.provider = p
	return r
}

// WithAlerter sets the alert sink.
func (r *Runner) WithAlerter(a Alerter) *Runner {
	r.alerter = a
	return r
}

// WithLogger sets the logger.
func (r *Runner) WithLogger(logger *slog.Logger) *Runner {
	if logger != nil {
		r.logger = logger
	}
	return r
}

// WithClock overrides the time source.
func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.now = now
	return r
}

// Store returns the anomaly store.
func (r *Runner) Store() Store {
	return r.store
}

type finding struct {
	kind     Kind
	targetID string
	detail   string
}

type check struct {
	name string
	run  func(ctx context.Context, now time.Time) (checked int, found []finding, err error)
}

// RunAll runs the checks concurrently and records their findings. A failing
// check is reported in Report.Errors without stopping the others; an error
// is returned only when every check failed.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	ctx, span := traces.StartSpan(ctx, "reconciliation.RunAll")
	defer span.End()

	start := r.now()
	report := &Report{
		StartedAt: start.UTC(),
		Counts:    make(map[Kind]int, len(Kinds)),
		checked:   make(map[string]int),
	}
	for _, k := range Kinds {
		report.Counts[k] = 0
	}

	checks := []check{
		{"release", r.checkReleases},
		{"maturity", r.checkStuckMaturity},
		{"scheduling", r.checkStuckScheduling},
	}
	if r.provider != nil {
		checks = append(checks, check{"provider", r.checkProvider})
	}

	var (
		mu       sync.Mutex
		findings []finding
		failed   int
	)
	var g errgroup.Group
	for _, c := range checks {
		g.Go(func() error {
			checked, found, err := c.run(ctx, start)
			mu.Lock()
			defer mu.Unlock()
			report.checked[c.name] = checked
			if err != nil {
				failed++
				reconcileErrors.Inc()
				report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", c.name, err))
				r.logger.Warn("reconciliation check failed", "check", c.name, "error", err)
				return nil
			}
			findings = append(findings, found...)
			return nil
		})
	}
	_ = g.Wait()
	sort.Slice(findings, func(i, j int) bool {
		if findings[i].kind != findings[j].kind {
			return kindRank(findings[i].kind) < kindRank(findings[j].kind)
		}
		return findings[i].targetID < findings[j].targetID
	})

	for _, f := range findings {
		a := &Anomaly{
			ID:         idgen.WithPrefix(idgen.PrefixAnomaly),
			Kind:       f.kind,
			TargetID:   f.targetID,
			Detail:     f.detail,
			Status:     StatusOpen,
			DetectedAt: start.UTC(),
		}
		stored, created, err := r.store.Record(ctx, a)
		if err != nil {
			reconcileErrors.Inc()
			report.Errors = append(report.Errors, fmt.Sprintf("record %s %s: %v", f.kind, f.targetID, err))
			continue
		}
		if created {
			report.New++
			r.logger.Warn("reconciliation anomaly detected", "kind", f.kind, "targetId", f.targetID, "detail", f.detail)
		}
		report.Counts[f.kind]++
		report.Anomalies = append(report.Anomalies, stored)
	}

	elapsed := r.now().Sub(start)
	report.DurationMs = elapsed.Milliseconds()
	report.Healthy = len(report.Anomalies) == 0 && len(report.Errors) == 0

	for kind, n := range report.Counts {
		anomaliesFound.WithLabelValues(string(kind)).Set(float64(n))
	}
	reconcileDuration.Observe(elapsed.Seconds())
	lastRun.SetToCurrentTime()
	span.SetAttributes(attribute.Int("reconciliation.anomalies", len(report.Anomalies)))

	r.logger.Info("reconciliation complete",
		"anomalies", len(report.Anomalies), "new", report.New,
		"errors", len(report.Errors), "duration_ms", report.DurationMs)

	if report.New > 0 && r.alerter != nil {
		if err := r.alerter.Alert(ctx, report); err != nil {
			r.logger.Warn("reconciliation alert failed", "error", err)
		}
	}

	if failed == len(checks) {
		err := errors.New("all reconciliation checks failed")
		traces.RecordError(span, err)
		return report, err
	}
	return report, nil
}

// checkReleases flags released-state orders with no ledger release.
func (r *Runner) checkReleases(ctx context.Context, _ time.Time) (int, []finding, error) {
	var (
		checked int
		found   []finding
	)
	for _, e := range []order.Eligibility{order.EligibilityEligible, order.EligibilityScheduled} {
		orders, err := r.orders.ListByEligibility(ctx, e, 0)
		if err != nil {
			return checked, nil, fmt.Errorf("list %s orders: %w", e, err)
		}
		for _, o := range orders {
			checked++
			if amount, err := o.AmountMinor(); err == nil && amount == 0 {
				// Zero-total orders mature without a ledger entry.
				continue
			}
			ok, err := r.ledger.HasRelease(ctx, o.ID)
			if err != nil {
				return checked, nil, fmt.Errorf("check release for %s: %w", o.ID, err)
			}
			if !ok {
				found = append(found, finding{KindMissingRelease, o.ID,
					fmt.Sprintf("order is %s but has no escrow release entry", o.Eligibility)})
			}
		}
	}
	return checked, found, nil
}

// checkStuckMaturity flags undisputed orders that matured more than the
// threshold ago but are still pending.
func (r *Runner) checkStuckMaturity(ctx context.Context, now time.Time) (int, []finding, error) {
	orders, err := r.orders.ListByEligibility(ctx, order.EligibilityPendingMaturity, 0)
	if err != nil {
		return 0, nil, fmt.Errorf("list pending orders: %w", err)
	}
	var found []finding
	for _, o := range orders {
		if o.IsDisputed || !o.Matured(now, r.cfg.MaturityHold+r.cfg.StuckThreshold) {
			continue
		}
		found = append(found, finding{KindStuckMaturity, o.ID,
			fmt.Sprintf("delivered %s but still PENDING_MATURITY", o.DeliveredAt.UTC().Format(time.RFC3339))})
	}
	return len(orders), found, nil
}

// checkStuckScheduling flags undisputed ELIGIBLE orders that after the
// threshold have no schedule, or only a cancelled or failed one.
func (r *Runner) checkStuckScheduling(ctx context.Context, now time.Time) (int, []finding, error) {
	orders, err := r.orders.ListByEligibility(ctx, order.EligibilityEligible, 0)
	if err != nil {
		return 0, nil, fmt.Errorf("list eligible orders: %w", err)
	}
	var found []finding
	for _, o := range orders {
		if o.IsDisputed || o.EligibleAt == nil || now.Sub(*o.EligibleAt) < r.cfg.StuckThreshold {
			continue
		}
		sched, err := r.schedules.GetByOrder(ctx, o.ID)
		if err == nil {
			if sched.Status == payout.StatusCancelled || sched.Status == payout.StatusFailed {
				found = append(found, finding{KindStuckScheduling, o.ID,
					fmt.Sprintf("ELIGIBLE since %s but schedule %s is %s",
						o.EligibleAt.UTC().Format(time.RFC3339), sched.ID, sched.Status)})
			}
			continue
		}
		if !errors.Is(err, payout.ErrScheduleNotFound) {
			return len(orders), nil, fmt.Errorf("lookup schedule for %s: %w", o.ID, err)
		}
		found = append(found, finding{KindStuckScheduling, o.ID,
			fmt.Sprintf("ELIGIBLE since %s with no payout schedule", o.EligibleAt.UTC().Format(time.RFC3339))})
	}
	return len(orders), found, nil
}

// checkProvider compares in-flight and paid schedules against the provider.
func (r *Runner) checkProvider(ctx context.Context, _ time.Time) (int, []finding, error) {
	schedules, err := r.schedules.List(ctx, payout.ListFilter{HasTransfer: true})
	if err != nil {
		return 0, nil, fmt.Errorf("list schedules with transfers: %w", err)
	}
	var (
		checked int
		found   []finding
	)
	for _, s := range schedules {
		if s.Status != payout.StatusProcessing && s.Status != payout.StatusPaid {
			continue
		}
		checked++
		tr, err := r.provider.GetTransfer(ctx, s.ExternalTransferID)
		if errors.Is(err, provider.ErrTransferNotFound) {
			found = append(found, finding{KindProviderMismatch, s.ID,
				fmt.Sprintf("transfer %s not found at provider", s.ExternalTransferID)})
			continue
		}
		if err != nil {
			return checked, nil, err
		}
		if detail := compareTransfer(s, tr); detail != "" {
			found = append(found, finding{KindProviderMismatch, s.ID, detail})
		}
	}
	return checked, found, nil
}

func kindRank(k Kind) int {
	for i, kind := range Kinds {
		if kind == k {
			return i
		}
	}
	return len(Kinds)
}

func compareTransfer(s *payout.Schedule, tr *provider.Transfer) string {
	switch {
	case tr.Reversed || tr.AmountReversed > 0:
		return fmt.Sprintf("transfer %s reversed (%d %s)", tr.ID, tr.AmountReversed, tr.Currency)
	case tr.Currency != s.Currency:
		return fmt.Sprintf("currency mismatch: schedule %s, transfer %s", s.Currency, tr.Currency)
	case tr.AmountMinor != s.TotalAmount:
		return fmt.Sprintf("amount mismatch: schedule %d, transfer %d", s.TotalAmount, tr.AmountMinor)
	}
	return ""
}
