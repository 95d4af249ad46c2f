// Package reconciliation audits the escrow and payout pipeline for states the
// automated services should never leave behind, and records what it finds as
// anomalies for an operator to resolve.
package reconciliation

import (
	"context"
	"errors"
	"time"
)

var (
	ErrAnomalyNotFound = errors.New("anomaly not found")
	ErrAlreadyResolved = errors.New("anomaly already resolved")
)

// Kind classifies an anomaly.
type Kind string

const (
	// KindMissingRelease: order past maturity with no escrow release entry.
	KindMissingRelease Kind = "missing_release"
	// KindStuckMaturity: undisputed order matured long ago but still pending.
	KindStuckMaturity Kind = "stuck_maturity"
	// KindStuckScheduling: ELIGIBLE order with no payout schedule after the threshold.
	KindStuckScheduling Kind = "stuck_scheduling"
	// KindProviderMismatch: provider transfer disagrees with the payout schedule.
	KindProviderMismatch Kind = "provider_mismatch"
)

// Kinds lists every anomaly kind in report order.
var Kinds = []Kind{KindMissingRelease, KindStuckMaturity, KindStuckScheduling, KindProviderMismatch}

// Status of an anomaly.
type Status string

const (
	StatusOpen     Status = "open"
	StatusResolved Status = "resolved"
)

// Anomaly is one finding. At most one open anomaly exists per kind and target.
type Anomaly struct {
	ID         string     `json:"id"`
	Kind       Kind       `json:"kind"`
	TargetID   string     `json:"targetId"`
	Detail     string     `json:"detail"`
	Status     Status     `json:"status"`
	Resolution string     `json:"resolution,omitempty"`
	ResolvedBy string     `json:"resolvedBy,omitempty"`
	DetectedAt time.Time  `json:"detectedAt"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

// Store persists anomalies.
type Store interface {
	// Record inserts a unless an open anomaly exists for its kind and target,
	// in which case the existing one is returned with created false.
	Record(ctx context.Context, a *Anomaly) (stored *Anomaly, created bool, err error)
	Get(ctx context.Context, id string) (*Anomaly, error)
	// List returns anomalies newest first. An empty status matches all.
	List(ctx context.Context, status Status, limit int) ([]*Anomaly, error)
	// Resolve closes an open anomaly. Returns ErrAlreadyResolved otherwise.
	Resolve(ctx context.Context, id, resolution, resolvedBy string, at time.Time) (*Anomaly, error)
}

// Report summarizes one RunAll.
type Report struct {
	StartedAt  time.Time      `json:"startedAt"`
	DurationMs int64          `json:"durationMs"`
	Counts     map[Kind]int   `json:"counts"`
	Anomalies  []*Anomaly     `json:"anomalies"`
	New        int            `json:"new"`
	Errors     []string       `json:"errors,omitempty"`
	Healthy    bool           `json:"healthy"`
	checked    map[string]int // per check, items examined
}

// Checked returns how many items the named check examined.
func (r *Report) Checked(check string) int {
	return r.checked[check]
}
