package reconciliation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore implements Store with PostgreSQL. A partial unique index on
// (kind, target_id) WHERE status = 'open' deduplicates open anomalies.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed anomaly store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const anomalyColumns = `id, kind, target_id, detail, status, resolution, resolved_by, detected_at, resolved_at`

func (p *PostgresStore) Record(ctx context.Context, a *Anomaly) (*Anomaly, bool, error) {
	// The open row can be resolved between the insert and the lookup; one
	// more insert attempt settles it.
	for attempt := 0; attempt < 2; attempt++ {
		stored, err := scanAnomaly(p.db.QueryRowContext(ctx, `
			INSERT INTO reconciliation_anomalies (id, kind, target_id, detail, status, detected_at)
			VALUES ($1, $2, $3, $4, 'open', $5)
			ON CONFLICT (kind, target_id) WHERE status = 'open' DO NOTHING
			RETURNING `+anomalyColumns,
			a.ID, string(a.Kind), a.TargetID, a.Detail, a.DetectedAt))
		if err == nil {
			return stored, true, nil
		}
		if !errors.Is(err, ErrAnomalyNotFound) {
			return nil, false, err
		}

		existing, err := scanAnomaly(p.db.QueryRowContext(ctx,
			`SELECT `+anomalyColumns+` FROM reconciliation_anomalies
			 WHERE kind = $1 AND target_id = $2 AND status = 'open'`,
			string(a.Kind), a.TargetID))
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, ErrAnomalyNotFound) {
			return nil, false, err
		}
	}
	return nil, false, fmt.Errorf("record anomaly %s/%s: open row changed concurrently", a.Kind, a.TargetID)
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Anomaly, error) {
	return scanAnomaly(p.db.QueryRowContext(ctx,
		`SELECT `+anomalyColumns+` FROM reconciliation_anomalies WHERE id = $1`, id))
}

func (p *PostgresStore) List(ctx context.Context, status Status, limit int) ([]*Anomaly, error) {
	var lim interface{}
	if limit > 0 {
		lim = limit
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+anomalyColumns+`
		FROM reconciliation_anomalies
		WHERE ($1::text = '' OR status = $1::text)
		ORDER BY detected_at DESC, id DESC
		LIMIT $2
	`, string(status), lim)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Anomaly
	for rows.Next() {
		a, err := scanAnomaly(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func (p *PostgresStore) Resolve(ctx context.Context, id, resolution, resolvedBy string, at time.Time) (*Anomaly, error) {
	a, err := scanAnomaly(p.db.QueryRowContext(ctx, `
		UPDATE reconciliation_anomalies
		SET status = 'resolved', resolution = $2, resolved_by = $3, resolved_at = $4
		WHERE id = $1 AND status = 'open'
		RETURNING `+anomalyColumns, id, resolution, resolvedBy, at))
	if !errors.Is(err, ErrAnomalyNotFound) {
		return a, err
	}
	var exists bool
	if err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM reconciliation_anomalies WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrAlreadyResolved
	}
	return nil, ErrAnomalyNotFound
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAnomaly(sc scanner) (*Anomaly, error) {
	a := &Anomaly{}
	var (
		kind, status                   string
		detail, resolution, resolvedBy sql.NullString
		resolvedAt                     sql.NullTime
	)
	err := sc.Scan(&a.ID, &kind, &a.TargetID, &detail, &status, &resolution, &resolvedBy,
		&a.DetectedAt, &resolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAnomalyNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Kind = Kind(kind)
	a.Status = Status(status)
	a.Detail = detail.String
	a.Resolution = resolution.String
	a.ResolvedBy = resolvedBy.String
	if resolvedAt.Valid {
		t := resolvedAt.Time
		a.ResolvedAt = &t
	}
	return a, nil
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
