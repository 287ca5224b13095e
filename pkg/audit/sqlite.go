package audit

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"integrityspine/pkg/store"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

// SQLiteStore is an embedded chain store. Reads go straight to the
// connection; every write goes through the single-writer worker.
type SQLiteStore struct {
	db *sql.DB
	w  *store.Worker
}

func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, fmt.Errorf("audit: sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db, w: store.NewWorker(db)}, nil
}

// Close stops the writer. The caller owns the *sql.DB.
func (s *SQLiteStore) Close() {
	s.w.Close()
}

func (s *SQLiteStore) Tip(ctx context.Context) (Tip, error) {
	var tip Tip
	var ts string
	err := s.db.QueryRowContext(ctx, `
		SELECT seq, tip_hash, last_ts, halted, halt_reason FROM audit_chain_tip WHERE chain='default'
	`).Scan(&tip.Seq, &tip.Hash, &ts, &tip.Halted, &tip.HaltReason)
	if err != nil {
		return Tip{}, err
	}
	if ts != "" {
		if tip.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return Tip{}, fmt.Errorf("audit: parse tip time: %w", err)
		}
	}
	return tip, nil
}

func (s *SQLiteStore) Append(ctx context.Context, expected string, e Entry) error {
	ts := e.Timestamp.UTC().Format(time.RFC3339Nano)
	return s.w.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE audit_chain_tip SET seq=?, tip_hash=?, last_ts=?
			WHERE chain='default' AND tip_hash=? AND seq=? AND halted=0
		`, e.Seq, e.EntryHash, ts, expected, e.Seq-1)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 1 {
			return ErrTipMoved
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO audit_entries (`+entryColumns+`)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		`, e.Seq, e.ID, ts, e.ActorType, e.ActorID, e.Action, e.Decision, e.PolicyVersion,
			e.AssetID, e.IdentityID, e.RequestID, e.ReasonCode, e.PrevHash, e.EntryHash, e.Redacted)
		return err
	})
}

type sqlScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteEntry(row sqlScanner) (Entry, error) {
	var e Entry
	var ts string
	var prev sql.NullString
	err := row.Scan(&e.Seq, &e.ID, &ts, &e.ActorType, &e.ActorID, &e.Action, &e.Decision, &e.PolicyVersion,
		&e.AssetID, &e.IdentityID, &e.RequestID, &e.ReasonCode, &prev, &e.EntryHash, &e.Redacted)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, err
	}
	if prev.Valid {
		e.PrevHash = strPtr(prev.String)
	}
	if e.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
		return Entry{}, fmt.Errorf("audit: parse entry time: %w", err)
	}
	return e, nil
}

func (s *SQLiteStore) Get(ctx context.Context, seq int64) (Entry, error) {
	return scanSQLiteEntry(s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM audit_entries WHERE seq=?`, seq))
}

func (s *SQLiteStore) GetByID(ctx context.Context, id string) (Entry, error) {
	return scanSQLiteEntry(s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM audit_entries WHERE id=?`, id))
}

func (s *SQLiteStore) List(ctx context.Context, after int64, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = verifyPageSize
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+entryColumns+` FROM audit_entries WHERE seq > ? ORDER BY seq LIMIT ?`, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		e, err := scanSQLiteEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SetRedacted(ctx context.Context, id string) error {
	return s.w.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE audit_entries SET redacted=1 WHERE id=?`, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *SQLiteStore) SetHalt(ctx context.Context, halted bool, reason string) error {
	return s.w.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE audit_chain_tip SET halted=?, halt_reason=? WHERE chain='default'`, halted, reason)
		return err
	})
}
