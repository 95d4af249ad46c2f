package dispute

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL. The unique constraint on
// disputes.order_id enforces one dispute per order.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const disputeColumns = `id, external_id, provider_dispute_id, order_id, order_external_id, buyer_id, seller_id,
		amount, currency, reason, metadata, status, resolution_note, resolved_at,
		created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	var metadata sql.NullString
	if len(d.Metadata) > 0 {
		b, err := json.Marshal(d.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		metadata = sql.NullString{String: string(b), Valid: true}
	}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO disputes (`+disputeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, d.ID, d.ExternalID, nullString(d.ProviderDisputeID), d.OrderID, nullString(d.OrderExternalID), d.BuyerID, d.SellerID,
		d.Amount, d.Currency, d.Reason, metadata, string(d.Status),
		nullString(d.ResolutionNote), d.ResolvedAt, d.CreatedAt, d.UpdatedAt)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicateDispute
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	return scanDispute(p.db.QueryRowContext(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id))
}

func (p *PostgresStore) GetByOrder(ctx context.Context, orderID string) (*Dispute, error) {
	return scanDispute(p.db.QueryRowContext(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE order_id = $1`, orderID))
}

func (p *PostgresStore) List(ctx context.Context, status Status, limit int) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE ($1::text = '' OR status = $1::text)
		ORDER BY created_at DESC
		LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

func (p *PostgresStore) Resolve(ctx context.Context, id string, status Status, note string, at time.Time) (*Dispute, error) {
	d, err := scanDispute(p.db.QueryRowContext(ctx, `
		UPDATE disputes
		SET status = $2, resolution_note = $3, resolved_at = $4, updated_at = $4
		WHERE id = $1 AND status = 'OPEN'
		RETURNING `+disputeColumns,
		id, string(status), nullString(note), at))
	if !errors.Is(err, ErrDisputeNotFound) {
		return d, err
	}

	// Zero rows: either missing or no longer open.
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM disputes WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrAlreadyResolved
	}
	return nil, ErrDisputeNotFound
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDispute(s scanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		status                          string
		orderExternalID, note, provider sql.NullString
		metadata                        []byte
		resolvedAt                      sql.NullTime
	)
	err := s.Scan(&d.ID, &d.ExternalID, &provider, &d.OrderID, &orderExternalID, &d.BuyerID, &d.SellerID,
		&d.Amount, &d.Currency, &d.Reason, &metadata, &status, &note, &resolvedAt,
		&d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	if err != nil {
		return nil, err
	}
	d.Status = Status(status)
	d.OrderExternalID = orderExternalID.String
	d.ProviderDisputeID = provider.String
	d.ResolutionNote = note.String
	if resolvedAt.Valid {
		t := resolvedAt.Time
		d.ResolvedAt = &t
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &d.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return d, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
