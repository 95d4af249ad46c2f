package payout

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL. The unique constraint on
// payout_schedules.order_id enforces one schedule per order.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed payout store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const scheduleColumns = `id, order_id, seller_id, total_amount, currency, window_date,
		status, external_transfer_id, failure_reason, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, s *Schedule) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payout_schedules (`+scheduleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6::date, $7, $8, $9, $10, $11)
	`, s.ID, s.OrderID, s.SellerID, s.TotalAmount, s.Currency, s.WindowDate,
		string(s.Status), nullString(s.ExternalTransferID), nullString(s.FailureReason),
		s.CreatedAt, s.UpdatedAt)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicateSchedule
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Schedule, error) {
	return scanSchedule(p.db.QueryRowContext(ctx,
		`SELECT `+scheduleColumns+` FROM payout_schedules WHERE id = $1`, id))
}

func (p *PostgresStore) GetByOrder(ctx context.Context, orderID string) (*Schedule, error) {
	return scanSchedule(p.db.QueryRowContext(ctx,
		`SELECT `+scheduleColumns+` FROM payout_schedules WHERE order_id = $1`, orderID))
}

func (p *PostgresStore) List(ctx context.Context, f ListFilter) ([]*Schedule, error) {
	var limit interface{}
	if f.Limit > 0 {
		limit = f.Limit
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+scheduleColumns+`
		FROM payout_schedules
		WHERE ($1::text = '' OR status = $1::text)
		  AND ($2::text = '' OR to_char(window_date, 'YYYY-MM-DD') = $2::text)
		  AND (NOT $3::boolean OR external_transfer_id IS NOT NULL)
		ORDER BY created_at ASC
		LIMIT $4
	`, string(f.Status), f.WindowDate, f.HasTransfer, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

func (p *PostgresStore) UpdateStatus(ctx context.Context, id string, from, to Status, reason string, at time.Time) (*Schedule, error) {
	s, err := scanSchedule(p.db.QueryRowContext(ctx, `
		UPDATE payout_schedules
		SET status = $3,
		    failure_reason = COALESCE($4, failure_reason),
		    updated_at = $5
		WHERE id = $1 AND status = $2
		RETURNING `+scheduleColumns,
		id, string(from), string(to), nullString(reason), at))
	if errors.Is(err, ErrScheduleNotFound) {
		return nil, p.missingOrConflict(ctx, id)
	}
	return s, err
}

func (p *PostgresStore) AttachTransfer(ctx context.Context, id, transferID string, at time.Time) (*Schedule, error) {
	s, err := scanSchedule(p.db.QueryRowContext(ctx, `
		UPDATE payout_schedules
		SET status = 'PROCESSING',
		    external_transfer_id = $2,
		    updated_at = CASE WHEN status = 'SCHEDULED' THEN $3 ELSE updated_at END
		WHERE id = $1
		  AND (status = 'SCHEDULED' OR (status = 'PROCESSING' AND external_transfer_id = $2))
		RETURNING `+scheduleColumns,
		id, transferID, at))
	if errors.Is(err, ErrScheduleNotFound) {
		return nil, p.missingOrConflict(ctx, id)
	}
	return s, err
}

func (p *PostgresStore) Reopen(ctx context.Context, id, windowDate string, at time.Time) (*Schedule, error) {
	s, err := scanSchedule(p.db.QueryRowContext(ctx, `
		UPDATE payout_schedules
		SET status = 'SCHEDULED',
		    window_date = $2::date,
		    failure_reason = NULL,
		    updated_at = $3
		WHERE id = $1 AND status = 'CANCELLED' AND external_transfer_id IS NULL
		RETURNING `+scheduleColumns,
		id, windowDate, at))
	if errors.Is(err, ErrScheduleNotFound) {
		return nil, p.missingOrConflict(ctx, id)
	}
	return s, err
}

func (p *PostgresStore) missingOrConflict(ctx context.Context, id string) error {
	var exists bool
	if err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM payout_schedules WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return ErrStatusConflict
	}
	return ErrScheduleNotFound
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSchedule(sc scanner) (*Schedule, error) {
	s := &Schedule{}
	var (
		status           string
		window           time.Time
		transfer, reason sql.NullString
	)
	err := sc.Scan(&s.ID, &s.OrderID, &s.SellerID, &s.TotalAmount, &s.Currency, &window,
		&status, &transfer, &reason, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrScheduleNotFound
	}
	if err != nil {
		return nil, err
	}
	s.Status = Status(status)
	s.WindowDate = window.Format(WindowLayout)
	s.ExternalTransferID = transfer.String
	s.FailureReason = reason.String
	return s, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
