package order

import (
	"context"
	"time"
)

// CandidateQuery bounds one maturity scan.
type CandidateQuery struct {
	// DeliveredBy excludes orders delivered after it. Zero disables the cutoff.
	DeliveredBy time.Time
	// AfterDelivered and AfterID resume the scan past that position when
	// AfterID is set.
	AfterDelivered time.Time
	AfterID        string
	Limit          int
}

// after reports whether (delivered, id) sorts past the query's resume point.
func (q CandidateQuery) after(delivered time.Time, id string) bool {
	if q.AfterID == "" {
		return true
	}
	if delivered.Equal(q.AfterDelivered) {
		return id > q.AfterID
	}
	return delivered.After(q.AfterDelivered)
}

// Store persists orders.
//
// Every write the pipeline makes is conditional: CompareAndAdvance only lands
// when the stored order is still in the expected state and not disputed, and
// SetDisputed is a single atomic update that returns the updated document.
type Store interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)

	// ListMaturityCandidates returns undisputed PENDING_MATURITY orders that
	// are completed, delivered and have a delivery timestamp, ordered by
	// (delivered_at, id).
	ListMaturityCandidates(ctx context.Context, q CandidateQuery) ([]*Order, error)

	// ListByEligibility returns orders in the given state, oldest first.
	// A limit <= 0 returns every match.
	ListByEligibility(ctx context.Context, e Eligibility, limit int) ([]*Order, error)

	// CompareAndAdvance persists o's eligibility fields only if the stored
	// order is still in state from and not disputed. Returns
	// ErrTransitionConflict when the guard fails.
	CompareAndAdvance(ctx context.Context, o *Order, from Eligibility) error

	// SetDisputed atomically sets the dispute flag and returns the updated order.
	SetDisputed(ctx context.Context, id string, disputed bool) (*Order, error)

	// ForceEligibility unconditionally sets eligibility. Admin remediation only.
	ForceEligibility(ctx context.Context, id string, to Eligibility, at time.Time) (*Order, error)
}
