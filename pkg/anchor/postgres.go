package anchor

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type anchorDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type PostgresStore struct {
	DB anchorDB
}

func NewPostgresStore(db anchorDB) *PostgresStore {
	return &PostgresStore{DB: db}
}

const anchorColumns = `correlation_hash, event_id, tx_public, tx_private, public_status, private_status, status, retry_count, last_error, created_at, updated_at`

func scanAnchor(row pgx.Row) (Anchor, error) {
	var a Anchor
	err := row.Scan(&a.CorrelationHash, &a.EventID, &a.TxPublic, &a.TxPrivate, &a.PublicStatus, &a.PrivateStatus,
		&a.Status, &a.RetryCount, &a.LastError, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Anchor{}, ErrNotFound
	}
	return a, err
}

func (s *PostgresStore) Create(ctx context.Context, a Anchor) (Anchor, bool, error) {
	tag, err := s.DB.Exec(ctx, `
		INSERT INTO anchors (`+anchorColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (correlation_hash) DO NOTHING
	`, a.CorrelationHash, a.EventID, a.TxPublic, a.TxPrivate, a.PublicStatus, a.PrivateStatus,
		a.Status, a.RetryCount, a.LastError, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return Anchor{}, false, err
	}
	if tag.RowsAffected() == 0 {
		existing, err := s.Get(ctx, a.CorrelationHash)
		return existing, false, err
	}
	return a, true, nil
}

func (s *PostgresStore) Get(ctx context.Context, hash string) (Anchor, error) {
	return scanAnchor(s.DB.QueryRow(ctx, `SELECT `+anchorColumns+` FROM anchors WHERE correlation_hash=$1`, hash))
}

func (s *PostgresStore) Update(ctx context.Context, a Anchor) error {
	tag, err := s.DB.Exec(ctx, `
		UPDATE anchors SET public_status=$2, private_status=$3, status=$4, retry_count=$5, last_error=$6, updated_at=$7
		WHERE correlation_hash=$1
	`, a.CorrelationHash, a.PublicStatus, a.PrivateStatus, a.Status, a.RetryCount, a.LastError, a.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListByStatus(ctx context.Context, status string, limit int) ([]Anchor, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.Query(ctx, `
		SELECT `+anchorColumns+` FROM anchors
		WHERE ($1 = '' OR status = $1)
		ORDER BY updated_at
		LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Anchor
	for rows.Next() {
		a, err := scanAnchor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
