// Package escrow matures delivered orders: once an order's hold has
// elapsed and it is not disputed, its funds are released in the ledger and
// it becomes ELIGIBLE for payout.
//
// Per order, the ledger release always completes (or is confirmed already
// done) before the ELIGIBLE transition is persisted.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/keymarket/internal/order"
	"github.com/mbd888/keymarket/internal/retry"
	"github.com/mbd888/keymarket/internal/traces"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultBatchSize caps the number of candidates examined per run.
const DefaultBatchSize = 100

var ErrReleaseRefused = errors.New("ledger refused release")

// Config holds the maturity parameters. It is passed in at construction;
// the service never reads the environment.
type Config struct {
	MaturityHold time.Duration
	BatchSize    int
}

// ReleaseRequest mirrors the ledger's release call so this package does not
// import the ledger.
type ReleaseRequest struct {
	OrderID     string
	SellerID    string
	Currency    string
	AmountMinor int64
}

// ReleaseResult mirrors the ledger's release outcome.
type ReleaseResult struct {
	Success bool
	Skipped bool
	Reason  string
}

// LedgerService releases matured funds. It must be idempotent per order.
type LedgerService interface {
	ReleaseFunds(ctx context.Context, req ReleaseRequest) (*ReleaseResult, error)
}

// MaturityStats summarizes one batch run.
type MaturityStats struct {
	Scanned   int `json:"scanned"`
	Eligible  int `json:"eligible"`
	Processed int `json:"processed"`
	Errors    int `json:"errors"`
}

// MaturityService runs maturity batches.
type MaturityService struct {
	store  order.Store
	ledger LedgerService
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	// Resume point for the next scan. Runs walk the candidate set in
	// (delivered_at, id) order and wrap once it is exhausted, so orders
	// that keep failing cannot occupy every batch.
	mu              sync.Mutex
	resumeDelivered time.Time
	resumeID        string
}

// NewMaturityService creates a maturity service.
func NewMaturityService(store order.Store, ledger LedgerService, cfg Config) *MaturityService {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	return &MaturityService{
		store:  store,
		ledger: ledger,
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
	}
}

// WithLogger sets the logger.
func (s *MaturityService) WithLogger(logger *slog.Logger) *MaturityService {
	if logger != nil {
		s.logger = logger
	}
	return s
}

// WithClock overrides the time source.
func (s *MaturityService) WithClock(now func() time.Time) *MaturityService {
	s.now = now
	return s
}

// ProcessMaturityBatch examines up to BatchSize candidates and matures
// those whose hold has elapsed. A failing candidate query aborts the run;
// per-order failures are logged and counted in Errors.
func (s *MaturityService) ProcessMaturityBatch(ctx context.Context) (*MaturityStats, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ProcessMaturityBatch", traces.BatchSize(s.cfg.BatchSize))
	defer span.End()
	start := time.Now()
	defer func() { batchDuration.Observe(time.Since(start).Seconds()) }()

	now := s.now()
	q := order.CandidateQuery{DeliveredBy: now.Add(-s.cfg.MaturityHold), Limit: s.cfg.BatchSize}
	s.mu.Lock()
	q.AfterDelivered, q.AfterID = s.resumeDelivered, s.resumeID
	s.mu.Unlock()

	candidates, err := s.store.ListMaturityCandidates(ctx, q)
	if err == nil && len(candidates) == 0 && q.AfterID != "" {
		q.AfterDelivered, q.AfterID = time.Time{}, ""
		candidates, err = s.store.ListMaturityCandidates(ctx, q)
	}
	if err != nil {
		traces.RecordError(span, err)
		return nil, fmt.Errorf("list maturity candidates: %w", err)
	}
	s.setResumePoint(candidates)

	stats := &MaturityStats{Scanned: len(candidates)}
	for _, c := range candidates {
		if ctx.Err() != nil {
			break
		}
		eligible, err := s.processOrder(ctx, c.ID, now)
		if eligible {
			stats.Eligible++
		}
		if err != nil {
			stats.Errors++
			batchErrors.Inc()
			s.logger.Warn("maturity processing failed", "orderId", c.ID, "error", err)
			continue
		}
		if eligible {
			stats.Processed++
			maturedTotal.Inc()
		}
	}

	span.SetAttributes(
		attribute.Int("maturity.scanned", stats.Scanned),
		attribute.Int("maturity.processed", stats.Processed),
		attribute.Int("maturity.errors", stats.Errors),
	)
	s.logger.Info("maturity batch complete",
		"scanned", stats.Scanned, "eligible", stats.Eligible,
		"processed", stats.Processed, "errors", stats.Errors)
	return stats, nil
}

// setResumePoint continues the next scan after a full batch and restarts
// from the oldest candidate after a partial one.
func (s *MaturityService) setResumePoint(candidates []*order.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(candidates) < s.cfg.BatchSize {
		s.resumeDelivered, s.resumeID = time.Time{}, ""
		return
	}
	last := candidates[len(candidates)-1]
	s.resumeDelivered, s.resumeID = *last.DeliveredAt, last.ID
}

// processOrder re-reads the order so a dispute filed after the candidate
// query still stops it. eligible reports whether the maturity criterion
// held; a nil error with eligible=true means the order is now ELIGIBLE.
func (s *MaturityService) processOrder(ctx context.Context, orderID string, now time.Time) (eligible bool, err error) {
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return false, fmt.Errorf("reload order: %w", err)
	}
	if o.IsDisputed || o.Eligibility != order.EligibilityPendingMaturity {
		return false, nil
	}
	if !o.Matured(now, s.cfg.MaturityHold) {
		return false, nil
	}

	amount, err := o.AmountMinor()
	if err != nil {
		return true, fmt.Errorf("convert amount: %w", err)
	}

	res, err := s.ledger.ReleaseFunds(ctx, ReleaseRequest{
		OrderID:     o.ID,
		SellerID:    o.SellerID,
		Currency:    o.Currency,
		AmountMinor: amount,
	})
	if err != nil {
		return true, fmt.Errorf("release funds: %w", err)
	}
	if !res.Success {
		return true, fmt.Errorf("%w: %s", ErrReleaseRefused, res.Reason)
	}
	if res.Skipped {
		s.logger.Debug("escrow already released", "orderId", o.ID)
	}

	if err := o.Advance(order.EligibilityEligible, now); err != nil {
		return true, err
	}

	// Funds have moved; the state write gets retried on transient failure.
	err = retry.Do(ctx, retry.Persist, func() error {
		err := s.store.CompareAndAdvance(ctx, o, order.EligibilityPendingMaturity)
		if errors.Is(err, order.ErrTransitionConflict) || errors.Is(err, order.ErrOrderNotFound) {
			return retry.Permanent(err)
		}
		return err
	})
	if errors.Is(err, order.ErrTransitionConflict) {
		return s.resolveConflict(ctx, o.ID)
	}
	if err != nil {
		return true, fmt.Errorf("persist eligibility: %w", err)
	}
	return true, nil
}

// resolveConflict decides what a lost compare-and-set means. Another worker
// having matured the order is fine. A dispute landing between release and
// transition leaves released funds on a frozen order, which needs a human.
func (s *MaturityService) resolveConflict(ctx context.Context, orderID string) (bool, error) {
	cur, err := s.store.Get(ctx, orderID)
	if err != nil {
		return true, fmt.Errorf("reload after conflict: %w", err)
	}
	if cur.IsDisputed {
		s.logger.Error("funds released for order disputed before transition",
			"orderId", orderID, "eligibility", cur.Eligibility)
		return true, fmt.Errorf("order %s disputed after release: %w", orderID, order.ErrOrderFrozen)
	}
	// Matured concurrently; this run did not transition it.
	return false, nil
}
