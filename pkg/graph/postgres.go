package graph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"integrityspine/pkg/models"
)

type pgDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresStore keeps the graph in the tables created by migrations/0001_graph.sql.
type PostgresStore struct {
	DB pgDB
}

func NewPostgresStore(db pgDB) *PostgresStore {
	return &PostgresStore{DB: db}
}

// classify maps driver errors onto the package sentinels. Server-side
// errors pass through; anything that never reached the server means the
// graph is unavailable.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == "23505" {
			return fmt.Errorf("%s: %w", pgErr.Detail, ErrAlreadyExists)
		}
		return err
	}
	return fmt.Errorf("%w: %v", ErrGraphUnavailable, err)
}

func (s *PostgresStore) PutIdentity(ctx context.Context, id models.Identity) error {
	if id.ID == "" {
		return fmt.Errorf("graph: identity id required")
	}
	if id.CreatedAt.IsZero() {
		id.CreatedAt = time.Now().UTC()
	}
	_, err := s.DB.Exec(ctx, `
		INSERT INTO identities (id, handle, region_code, trust_score, active, consent_policy_version, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (id) DO UPDATE SET handle=EXCLUDED.handle, region_code=EXCLUDED.region_code,
			trust_score=EXCLUDED.trust_score, active=EXCLUDED.active
	`, id.ID, id.Handle, id.RegionCode, id.TrustScore, id.Active, id.ConsentPolicyVersion, id.CreatedAt)
	return classify(err)
}

func (s *PostgresStore) GetIdentity(ctx context.Context, id string) (models.Identity, error) {
	var ident models.Identity
	err := s.DB.QueryRow(ctx, `
		SELECT id, handle, region_code, trust_score, active, consent_policy_version, created_at
		FROM identities WHERE id=$1
	`, id).Scan(&ident.ID, &ident.Handle, &ident.RegionCode, &ident.TrustScore, &ident.Active, &ident.ConsentPolicyVersion, &ident.CreatedAt)
	if err != nil {
		return models.Identity{}, fmt.Errorf("identity %s: %w", id, classify(err))
	}
	return ident, nil
}

func (s *PostgresStore) DeactivateIdentity(ctx context.Context, id string) error {
	tag, err := s.DB.Exec(ctx, `UPDATE identities SET active=FALSE WHERE id=$1`, id)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("identity %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) PutAsset(ctx context.Context, a models.Asset) error {
	if a.ID == "" || a.CreatorID == "" {
		return fmt.Errorf("graph: asset id and creator required")
	}
	if a.CurrentOwnerID == "" {
		a.CurrentOwnerID = a.CreatorID
	}
	if a.State == "" {
		a.State = models.AssetActive
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		var active bool
		if err := tx.QueryRow(ctx, `SELECT active FROM identities WHERE id=$1`, a.CurrentOwnerID).Scan(&active); err != nil {
			return fmt.Errorf("identity %s: %w", a.CurrentOwnerID, classify(err))
		}
		if !active {
			return ErrIdentityInactive
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO assets (id, creator_id, current_owner_id, fingerprint, lifecycle_state, created_at)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, a.ID, a.CreatorID, a.CurrentOwnerID, a.Fingerprint, a.State, a.CreatedAt); err != nil {
			return classify(err)
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO ownership_edges (owner_id, asset_id, acquired_at, method, is_current)
			VALUES ($1,$2,$3,$4,TRUE)
		`, a.CurrentOwnerID, a.ID, a.CreatedAt, models.MethodMint)
		return classify(err)
	})
}

func (s *PostgresStore) GetAsset(ctx context.Context, id string) (models.Asset, error) {
	var a models.Asset
	err := s.DB.QueryRow(ctx, `
		SELECT id, creator_id, current_owner_id, fingerprint, lifecycle_state, created_at
		FROM assets WHERE id=$1
	`, id).Scan(&a.ID, &a.CreatorID, &a.CurrentOwnerID, &a.Fingerprint, &a.State, &a.CreatedAt)
	if err != nil {
		return models.Asset{}, fmt.Errorf("asset %s: %w", id, classify(err))
	}
	return a, nil
}

func (s *PostgresStore) CurrentOwnership(ctx context.Context, assetID string) (models.OwnershipEdge, error) {
	var e models.OwnershipEdge
	err := s.DB.QueryRow(ctx, `
		SELECT owner_id, asset_id, acquired_at, method, is_current
		FROM ownership_edges WHERE asset_id=$1 AND is_current
	`, assetID).Scan(&e.OwnerID, &e.AssetID, &e.AcquiredAt, &e.Method, &e.IsCurrent)
	if err != nil {
		return models.OwnershipEdge{}, fmt.Errorf("ownership of %s: %w", assetID, classify(err))
	}
	return e, nil
}

func (s *PostgresStore) OwnershipHistory(ctx context.Context, assetID string) ([]models.OwnershipEdge, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT owner_id, asset_id, acquired_at, method, is_current
		FROM ownership_edges WHERE asset_id=$1 ORDER BY id
	`, assetID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var out []models.OwnershipEdge
	for rows.Next() {
		var e models.OwnershipEdge
		if err := rows.Scan(&e.OwnerID, &e.AssetID, &e.AcquiredAt, &e.Method, &e.IsCurrent); err != nil {
			return nil, classify(err)
		}
		out = append(out, e)
	}
	return out, classify(rows.Err())
}

func (s *PostgresStore) TransferOwnership(ctx context.Context, assetID, expectedOwner, newOwner, method string, at time.Time) (models.OwnershipEdge, error) {
	if method == "" {
		method = models.MethodTransfer
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	if expectedOwner == newOwner {
		return models.OwnershipEdge{}, fmt.Errorf("asset %s already owned by %s: %w", assetID, newOwner, ErrOwnershipConflict)
	}
	edge := models.OwnershipEdge{OwnerID: newOwner, AssetID: assetID, AcquiredAt: at, Method: method, IsCurrent: true}
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var active bool
		if err := tx.QueryRow(ctx, `SELECT active FROM identities WHERE id=$1`, newOwner).Scan(&active); err != nil {
			return fmt.Errorf("identity %s: %w", newOwner, classify(err))
		}
		if !active {
			return ErrIdentityInactive
		}
		// The owner predicate is the compare-and-swap; a concurrent winner
		// leaves zero rows for the loser.
		tag, err := tx.Exec(ctx, `UPDATE assets SET current_owner_id=$3 WHERE id=$1 AND current_owner_id=$2`, assetID, expectedOwner, newOwner)
		if err != nil {
			return classify(err)
		}
		if tag.RowsAffected() != 1 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM assets WHERE id=$1)`, assetID).Scan(&exists); err != nil {
				return classify(err)
			}
			if !exists {
				return fmt.Errorf("asset %s: %w", assetID, ErrNotFound)
			}
			return fmt.Errorf("asset %s not owned by %s: %w", assetID, expectedOwner, ErrOwnershipConflict)
		}
		tag, err = tx.Exec(ctx, `UPDATE ownership_edges SET is_current=FALSE WHERE asset_id=$1 AND owner_id=$2 AND is_current`, assetID, expectedOwner)
		if err != nil {
			return classify(err)
		}
		if tag.RowsAffected() != 1 {
			return fmt.Errorf("asset %s has %d current edges: %w", assetID, tag.RowsAffected(), ErrOwnershipConflict)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO ownership_edges (owner_id, asset_id, acquired_at, method, is_current)
			VALUES ($1,$2,$3,$4,TRUE)
		`, newOwner, assetID, at, method)
		return classify(err)
	})
	if err != nil {
		return models.OwnershipEdge{}, err
	}
	return edge, nil
}

func (s *PostgresStore) PutTrustEdge(ctx context.Context, e models.TrustEdge) error {
	if e.A == "" || e.B == "" || e.A == e.B {
		return fmt.Errorf("graph: trust edge needs two distinct identities")
	}
	e.A, e.B = OrderedPair(e.A, e.B)
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.DB.Exec(ctx, `
		INSERT INTO trust_edges (id_a, id_b, status, created_at) VALUES ($1,$2,$3,$4)
		ON CONFLICT (id_a, id_b) DO UPDATE SET status=EXCLUDED.status
	`, e.A, e.B, e.Status, e.CreatedAt)
	return classify(err)
}

func (s *PostgresStore) TrustEdgeBetween(ctx context.Context, a, b string) (models.TrustEdge, error) {
	a, b = OrderedPair(a, b)
	var e models.TrustEdge
	err := s.DB.QueryRow(ctx, `
		SELECT id_a, id_b, status, created_at FROM trust_edges WHERE id_a=$1 AND id_b=$2
	`, a, b).Scan(&e.A, &e.B, &e.Status, &e.CreatedAt)
	if err != nil {
		return models.TrustEdge{}, classify(err)
	}
	return e, nil
}

func (s *PostgresStore) PutConsentPolicy(ctx context.Context, p models.ConsentPolicy) error {
	if p.SubjectID == "" {
		return fmt.Errorf("graph: consent policy subject required")
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO consent_policies (id, subject_id, asset_id, facet, visibility, revoked, revoked_at, version, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			ON CONFLICT (id) DO UPDATE SET visibility=EXCLUDED.visibility, revoked=EXCLUDED.revoked,
				revoked_at=EXCLUDED.revoked_at, version=EXCLUDED.version
		`, p.ID, p.SubjectID, p.AssetID, p.Facet, p.Visibility, p.Revoked, p.RevokedAt, p.Version, p.CreatedAt); err != nil {
			return classify(err)
		}
		return bumpConsentVersion(ctx, tx, p.SubjectID)
	})
}

func (s *PostgresStore) ConsentPolicies(ctx context.Context, subjectID string) ([]models.ConsentPolicy, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, subject_id, asset_id, facet, visibility, revoked, revoked_at, version, created_at
		FROM consent_policies WHERE subject_id=$1 ORDER BY created_at, id
	`, subjectID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var out []models.ConsentPolicy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, classify(err)
		}
		out = append(out, p)
	}
	return out, classify(rows.Err())
}

func (s *PostgresStore) RevokeConsentPolicy(ctx context.Context, policyID string, at time.Time) (models.ConsentPolicy, error) {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	var out models.ConsentPolicy
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE consent_policies SET revoked=TRUE, revoked_at=$2, version=version+1
			WHERE id=$1 AND NOT revoked
		`, policyID, at)
		if err != nil {
			return classify(err)
		}
		p, err := scanPolicy(tx.QueryRow(ctx, `
			SELECT id, subject_id, asset_id, facet, visibility, revoked, revoked_at, version, created_at
			FROM consent_policies WHERE id=$1
		`, policyID))
		if err != nil {
			return fmt.Errorf("consent policy %s: %w", policyID, classify(err))
		}
		out = p
		if tag.RowsAffected() == 0 {
			return nil
		}
		return bumpConsentVersion(ctx, tx, p.SubjectID)
	})
	return out, err
}

// RevokeGlobalConsent revokes every live global policy of the subject. With
// none on record it stores a revoked private marker so the revocation still
// shows on resolution.
func (s *PostgresStore) RevokeGlobalConsent(ctx context.Context, subjectID string, at time.Time) (models.ConsentPolicy, error) {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	var out models.ConsentPolicy
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE consent_policies SET revoked=TRUE, revoked_at=$2, version=version+1
			WHERE subject_id=$1 AND asset_id='' AND facet='' AND NOT revoked
		`, subjectID, at)
		if err != nil {
			return classify(err)
		}
		p, err := scanPolicy(tx.QueryRow(ctx, `
			SELECT id, subject_id, asset_id, facet, visibility, revoked, revoked_at, version, created_at
			FROM consent_policies WHERE subject_id=$1 AND asset_id='' AND facet=''
			ORDER BY created_at DESC, id DESC LIMIT 1
		`, subjectID))
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			p = models.ConsentPolicy{
				ID:         uuid.NewString(),
				SubjectID:  subjectID,
				Visibility: models.VisibilityPrivate,
				Revoked:    true,
				RevokedAt:  &at,
				Version:    1,
				CreatedAt:  at,
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO consent_policies (id, subject_id, asset_id, facet, visibility, revoked, revoked_at, version, created_at)
				VALUES ($1,$2,'','',$3,TRUE,$4,1,$4)
			`, p.ID, subjectID, p.Visibility, at); err != nil {
				return classify(err)
			}
		case err != nil:
			return classify(err)
		case tag.RowsAffected() == 0:
			out = p
			return nil
		}
		out = p
		return bumpConsentVersion(ctx, tx, subjectID)
	})
	return out, err
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return classify(err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return classify(tx.Commit(ctx))
}

func bumpConsentVersion(ctx context.Context, tx pgx.Tx, subjectID string) error {
	_, err := tx.Exec(ctx, `UPDATE identities SET consent_policy_version=consent_policy_version+1 WHERE id=$1`, subjectID)
	return classify(err)
}

func scanPolicy(row pgx.Row) (models.ConsentPolicy, error) {
	var p models.ConsentPolicy
	err := row.Scan(&p.ID, &p.SubjectID, &p.AssetID, &p.Facet, &p.Visibility, &p.Revoked, &p.RevokedAt, &p.Version, &p.CreatedAt)
	return p, err
}
