package admin

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/lib/pq"
	"github.com/mbd888/keymarket/internal/auth"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed remediation log.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const actionColumns = `id, idempotency_key, operation, target_id, actor, role, justification, result, created_at`

func (p *PostgresStore) Create(ctx context.Context, a *Action) error {
	var result sql.NullString
	if len(a.Result) > 0 {
		result = sql.NullString{String: string(a.Result), Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO remediation_actions (`+actionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9)
	`, a.ID, a.IdempotencyKey, string(a.Operation), a.TargetID, a.Actor, string(a.Role),
		a.Justification, result, a.CreatedAt)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicateKey
	}
	return err
}

func (p *PostgresStore) GetByKey(ctx context.Context, key string) (*Action, error) {
	return scanAction(p.db.QueryRowContext(ctx,
		`SELECT `+actionColumns+` FROM remediation_actions WHERE idempotency_key = $1`, key))
}

func (p *PostgresStore) List(ctx context.Context, targetID string, limit int) ([]*Action, error) {
	var lim interface{}
	if limit > 0 {
		lim = limit
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+actionColumns+`
		FROM remediation_actions
		WHERE ($1::text = '' OR target_id = $1::text)
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, targetID, lim)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAction(sc scanner) (*Action, error) {
	a := &Action{}
	var (
		op, role string
		result   sql.NullString
	)
	err := sc.Scan(&a.ID, &a.IdempotencyKey, &op, &a.TargetID, &a.Actor, &role,
		&a.Justification, &result, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrActionNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Operation = Operation(op)
	a.Role = auth.Role(role)
	if result.Valid {
		a.Result = json.RawMessage(result.String)
	}
	return a, nil
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
