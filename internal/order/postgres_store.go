package order

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists orders in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed order store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const orderColumns = `id, external_id, total_amount, currency, buyer_id, seller_id,
		       status, delivery_status, delivered_at, eligibility_status,
		       eligible_at, escrow_released_at, is_disputed, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, o *Order) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		o.ID, o.ExternalID, o.TotalAmount, o.Currency, o.BuyerID, o.SellerID,
		string(o.Status), string(o.DeliveryStatus), nullTime(o.DeliveredAt), string(o.Eligibility),
		nullTime(o.EligibleAt), nullTime(o.EscrowReleasedAt), o.IsDisputed, o.CreatedAt, o.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicateOrder
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	return o, err
}

func (p *PostgresStore) ListMaturityCandidates(ctx context.Context, q CandidateQuery) ([]*Order, error) {
	var limitArg interface{}
	if q.Limit > 0 {
		limitArg = q.Limit
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE eligibility_status = $1
		  AND status = $2
		  AND delivery_status = $3
		  AND delivered_at IS NOT NULL
		  AND is_disputed = FALSE
		  AND ($4::timestamptz IS NULL OR delivered_at <= $4::timestamptz)
		  AND ($6::text = '' OR (delivered_at, id) > ($5::timestamptz, $6::text))
		ORDER BY delivered_at ASC, id ASC
		LIMIT $7`,
		string(EligibilityPendingMaturity), string(StatusCompleted), string(DeliveryDelivered),
		sql.NullTime{Time: q.DeliveredBy, Valid: !q.DeliveredBy.IsZero()},
		q.AfterDelivered, q.AfterID, limitArg)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanOrders(rows)
}

func (p *PostgresStore) ListByEligibility(ctx context.Context, e Eligibility, limit int) ([]*Order, error) {
	var limitArg interface{}
	if limit > 0 {
		limitArg = limit
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE eligibility_status = $1
		ORDER BY created_at ASC
		LIMIT $2`, string(e), limitArg)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanOrders(rows)
}

func (p *PostgresStore) CompareAndAdvance(ctx context.Context, o *Order, from Eligibility) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE orders SET
			eligibility_status = $1,
			eligible_at        = $2,
			escrow_released_at = $3,
			updated_at         = $4
		WHERE id = $5
		  AND eligibility_status = $6
		  AND is_disputed = FALSE`,
		string(o.Eligibility), nullTime(o.EligibleAt), nullTime(o.EscrowReleasedAt), o.UpdatedAt,
		o.ID, string(from),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 1 {
		return nil
	}
	return p.missingOrConflict(ctx, o.ID)
}

// SetDisputed uses UPDATE ... RETURNING so the freeze and the snapshot come
// from the same statement.
func (p *PostgresStore) SetDisputed(ctx context.Context, id string, disputed bool) (*Order, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE orders SET is_disputed = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING `+orderColumns, id, disputed)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	return o, err
}

func (p *PostgresStore) ForceEligibility(ctx context.Context, id string, to Eligibility, at time.Time) (*Order, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE orders SET eligibility_status = $2, updated_at = $3
		WHERE id = $1
		RETURNING `+orderColumns, id, string(to), at)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	return o, err
}

func (p *PostgresStore) missingOrConflict(ctx context.Context, id string) error {
	var exists bool
	err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM orders WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return err
	}
	if !exists {
		return ErrOrderNotFound
	}
	return ErrTransitionConflict
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(s scanner) (*Order, error) {
	o := &Order{}
	var (
		status, delivery, eligibility string
		deliveredAt                   sql.NullTime
		eligibleAt                    sql.NullTime
		releasedAt                    sql.NullTime
	)
	err := s.Scan(
		&o.ID, &o.ExternalID, &o.TotalAmount, &o.Currency, &o.BuyerID, &o.SellerID,
		&status, &delivery, &deliveredAt, &eligibility,
		&eligibleAt, &releasedAt, &o.IsDisputed, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	o.Status = Status(status)
	o.DeliveryStatus = DeliveryStatus(delivery)
	e, err := ParseEligibility(eligibility)
	if err != nil {
		return nil, err
	}
	o.Eligibility = e
	if deliveredAt.Valid {
		o.DeliveredAt = &deliveredAt.Time
	}
	if eligibleAt.Valid {
		o.EligibleAt = &eligibleAt.Time
	}
	if releasedAt.Valid {
		o.EscrowReleasedAt = &releasedAt.Time
	}
	return o, nil
}

func scanOrders(rows *sql.Rows) ([]*Order, error) {
	var result []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
