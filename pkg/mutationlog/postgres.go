package mutationlog

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type mutationDB interface {
	Acquire(ctx context.Context) (*pgxpool.Conn, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore keeps the log in mutation_log. Lock holds a session
// advisory lock on a dedicated pooled connection, so the critical section
// spans every spine replica sharing the database.
type PostgresStore struct {
	DB mutationDB
}

func NewPostgresStore(db mutationDB) *PostgresStore {
	return &PostgresStore{DB: db}
}

func (s *PostgresStore) Lock(ctx context.Context, fp string) (func(), error) {
	conn, err := s.DB.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtextextended($1, 0))`, fp); err != nil {
		conn.Release()
		return nil, err
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctx, `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, fp); err != nil {
			// Closing the session drops every advisory lock it holds.
			_ = conn.Hijack().Close(ctx)
			return
		}
		conn.Release()
	}, nil
}

func (s *PostgresStore) Lookup(ctx context.Context, fp string, now time.Time) (Entry, error) {
	var (
		e      Entry
		result []byte
	)
	err := s.DB.QueryRow(ctx, `
		SELECT fingerprint, operation, actor, status, result, error_text, reject_code, commit_token, created_at, expires_at
		FROM mutation_log WHERE fingerprint=$1 AND expires_at > $2
	`, fp, now).Scan(&e.Fingerprint, &e.Operation, &e.Actor, &e.Status, &result, &e.Error, &e.Code, &e.CommitToken, &e.CreatedAt, &e.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, err
	}
	e.Result = result
	return e, nil
}

// Record upserts so an expired row for the same fingerprint is replaced;
// the replacement draws a fresh commit token.
func (s *PostgresStore) Record(ctx context.Context, e Entry) (Entry, error) {
	var result any
	if len(e.Result) > 0 {
		result = string(e.Result)
	}
	err := s.DB.QueryRow(ctx, `
		INSERT INTO mutation_log (fingerprint, operation, actor, status, result, error_text, reject_code, created_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (fingerprint) DO UPDATE SET
			operation=EXCLUDED.operation, actor=EXCLUDED.actor, status=EXCLUDED.status,
			result=EXCLUDED.result, error_text=EXCLUDED.error_text, reject_code=EXCLUDED.reject_code,
			created_at=EXCLUDED.created_at, expires_at=EXCLUDED.expires_at,
			commit_token=nextval(pg_get_serial_sequence('mutation_log', 'commit_token'))
		RETURNING commit_token
	`, e.Fingerprint, e.Operation, e.Actor, e.Status, result, e.Error, e.Code, e.CreatedAt, e.ExpiresAt).Scan(&e.CommitToken)
	if err != nil {
		return Entry{}, err
	}
	return e, nil
}

func (s *PostgresStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.DB.Exec(ctx, `DELETE FROM mutation_log WHERE expires_at <= $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
