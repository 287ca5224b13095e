package escalation

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type escalationDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresStore keeps records in the escalations table; version is the
// optimistic lock column.
type PostgresStore struct {
	DB escalationDB
}

func NewPostgresStore(db escalationDB) *PostgresStore {
	return &PostgresStore{DB: db}
}

const escalationColumns = `id, request_id, audit_ref, viewer_id, asset_id, facet, reason, policy_version, status, approvals, denied_by, version, created_at, updated_at, expires_at`

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec       Record
		status    string
		approvals map[string]string
		deniedBy  string
	)
	err := row.Scan(&rec.ID, &rec.RequestID, &rec.AuditRef, &rec.ViewerID, &rec.AssetID, &rec.Facet, &rec.Reason,
		&rec.PolicyVersion, &status, &approvals, &deniedBy, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt, &rec.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	slots := make(map[Role]string, len(approvals))
	for k, v := range approvals {
		slots[Role(k)] = v
	}
	rec.State, err = Unflatten(status, slots, deniedBy)
	return rec, err
}

func flattenForDB(s State) (string, map[string]string, string) {
	status, approvals, deniedBy := Flatten(s)
	out := make(map[string]string, len(approvals))
	for k, v := range approvals {
		out[string(k)] = v
	}
	return status, out, deniedBy
}

func (s *PostgresStore) Create(ctx context.Context, rec Record) (Record, error) {
	status, approvals, deniedBy := flattenForDB(rec.State)
	tag, err := s.DB.Exec(ctx, `
		INSERT INTO escalations (`+escalationColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (request_id) DO NOTHING
	`, rec.ID, rec.RequestID, rec.AuditRef, rec.ViewerID, rec.AssetID, rec.Facet, rec.Reason, rec.PolicyVersion,
		status, approvals, deniedBy, rec.Version, rec.CreatedAt, rec.UpdatedAt, rec.ExpiresAt)
	if err != nil {
		return Record{}, err
	}
	if tag.RowsAffected() == 0 {
		return s.GetByRequest(ctx, rec.RequestID)
	}
	return rec, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Record, error) {
	return scanRecord(s.DB.QueryRow(ctx, `SELECT `+escalationColumns+` FROM escalations WHERE id=$1`, id))
}

func (s *PostgresStore) GetByRequest(ctx context.Context, requestID string) (Record, error) {
	return scanRecord(s.DB.QueryRow(ctx, `SELECT `+escalationColumns+` FROM escalations WHERE request_id=$1`, requestID))
}

func (s *PostgresStore) Update(ctx context.Context, rec Record, expected int) (Record, error) {
	status, approvals, deniedBy := flattenForDB(rec.State)
	tag, err := s.DB.Exec(ctx, `
		UPDATE escalations SET status=$3, approvals=$4, denied_by=$5, updated_at=$6, version=version+1
		WHERE id=$1 AND version=$2
	`, rec.ID, expected, status, approvals, deniedBy, rec.UpdatedAt)
	if err != nil {
		return Record{}, err
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, rec.ID); err != nil {
			return Record{}, err
		}
		return Record{}, ErrVersionConflict
	}
	rec.Version = expected + 1
	return rec, nil
}

func (s *PostgresStore) ListOverdue(ctx context.Context, now time.Time, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = defaultSweepSize
	}
	return s.list(ctx, `SELECT `+escalationColumns+` FROM escalations
		WHERE status='pending' AND expires_at < $1 ORDER BY created_at LIMIT $2`, now, limit)
}

func (s *PostgresStore) List(ctx context.Context, status string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = defaultSweepSize
	}
	if status == "" {
		return s.list(ctx, `SELECT `+escalationColumns+` FROM escalations ORDER BY created_at LIMIT $1`, limit)
	}
	return s.list(ctx, `SELECT `+escalationColumns+` FROM escalations WHERE status=$1 ORDER BY created_at LIMIT $2`, status, limit)
}

func (s *PostgresStore) list(ctx context.Context, sql string, args ...any) ([]Record, error) {
	rows, err := s.DB.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
