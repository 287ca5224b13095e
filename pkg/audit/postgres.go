package audit

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresStore keeps entries in audit_entries and the head in a single
// audit_chain_tip row. The tip row's hash predicate is the CAS.
type PostgresStore struct {
	DB    auditDB
	Chain string
}

func NewPostgresStore(db auditDB) *PostgresStore {
	return &PostgresStore{DB: db, Chain: "default"}
}

const entryColumns = `seq, id, ts, actor_type, actor_id, action, decision, policy_version, asset_id, identity_id, request_id, reason_code, prev_hash, entry_hash, redacted`

func (s *PostgresStore) Tip(ctx context.Context) (Tip, error) {
	var tip Tip
	var lastTS *time.Time
	err := s.DB.QueryRow(ctx, `
		SELECT seq, tip_hash, last_ts, halted, halt_reason FROM audit_chain_tip WHERE chain=$1
	`, s.Chain).Scan(&tip.Seq, &tip.Hash, &lastTS, &tip.Halted, &tip.HaltReason)
	if errors.Is(err, pgx.ErrNoRows) {
		_, err = s.DB.Exec(ctx, `INSERT INTO audit_chain_tip (chain) VALUES ($1) ON CONFLICT DO NOTHING`, s.Chain)
		return Tip{}, err
	}
	if err != nil {
		return Tip{}, err
	}
	if lastTS != nil {
		tip.Timestamp = lastTS.UTC()
	}
	return tip, nil
}

func (s *PostgresStore) Append(ctx context.Context, expected string, e Entry) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	tag, err := tx.Exec(ctx, `
		UPDATE audit_chain_tip SET seq=$3, tip_hash=$4, last_ts=$5
		WHERE chain=$1 AND tip_hash=$2 AND seq=$3-1 AND NOT halted
	`, s.Chain, expected, e.Seq, e.EntryHash, e.Timestamp)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return ErrTipMoved
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO audit_entries (`+entryColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`, e.Seq, e.ID, e.Timestamp, e.ActorType, e.ActorID, e.Action, e.Decision, e.PolicyVersion,
		e.AssetID, e.IdentityID, e.RequestID, e.ReasonCode, e.PrevHash, e.EntryHash, e.Redacted); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func scanEntry(row pgx.Row) (Entry, error) {
	var e Entry
	err := row.Scan(&e.Seq, &e.ID, &e.Timestamp, &e.ActorType, &e.ActorID, &e.Action, &e.Decision, &e.PolicyVersion,
		&e.AssetID, &e.IdentityID, &e.RequestID, &e.ReasonCode, &e.PrevHash, &e.EntryHash, &e.Redacted)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	e.Timestamp = e.Timestamp.UTC()
	return e, err
}

func (s *PostgresStore) Get(ctx context.Context, seq int64) (Entry, error) {
	return scanEntry(s.DB.QueryRow(ctx, `SELECT `+entryColumns+` FROM audit_entries WHERE seq=$1`, seq))
}

func (s *PostgresStore) GetByID(ctx context.Context, id string) (Entry, error) {
	return scanEntry(s.DB.QueryRow(ctx, `SELECT `+entryColumns+` FROM audit_entries WHERE id=$1`, id))
}

func (s *PostgresStore) List(ctx context.Context, after int64, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = verifyPageSize
	}
	rows, err := s.DB.Query(ctx, `SELECT `+entryColumns+` FROM audit_entries WHERE seq > $1 ORDER BY seq LIMIT $2`, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetRedacted(ctx context.Context, id string) error {
	tag, err := s.DB.Exec(ctx, `UPDATE audit_entries SET redacted=TRUE WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SetHalt(ctx context.Context, halted bool, reason string) error {
	_, err := s.DB.Exec(ctx, `UPDATE audit_chain_tip SET halted=$2, halt_reason=$3 WHERE chain=$1`, s.Chain, halted, reason)
	return err
}
