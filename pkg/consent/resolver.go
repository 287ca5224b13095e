// Package consent answers whether a viewer may see an asset's facet by a
// bounded walk of the graph: viewer, at most one trust edge, owner, asset.
package consent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"integrityspine/pkg/graph"
	"integrityspine/pkg/models"
)

var ErrUnknownViewer = errors.New("consent: unknown viewer")

// TrustProvider is the identity/trust collaborator.
type TrustProvider interface {
	TrustScore(ctx context.Context, identityID string) (float64, error)
	Relationship(ctx context.Context, a, b string) (string, error)
}

// GraphTrust reads trust scores and relationships straight from the graph.
type GraphTrust struct {
	Store graph.Store
}

func (g GraphTrust) TrustScore(ctx context.Context, identityID string) (float64, error) {
	id, err := g.Store.GetIdentity(ctx, identityID)
	if err != nil {
		return 0, err
	}
	return id.TrustScore, nil
}

func (g GraphTrust) Relationship(ctx context.Context, a, b string) (string, error) {
	if a == b {
		return models.RelationshipSelf, nil
	}
	e, err := g.Store.TrustEdgeBetween(ctx, a, b)
	if errors.Is(err, graph.ErrNotFound) {
		return models.RelationshipStranger, nil
	}
	if err != nil {
		return "", err
	}
	if e.Status == models.TrustAccepted {
		return models.RelationshipConnection, nil
	}
	return models.RelationshipStranger, nil
}

type Resolver struct {
	Store graph.Store
	Trust TrustProvider
}

func NewResolver(store graph.Store, trust TrustProvider) *Resolver {
	if trust == nil {
		trust = GraphTrust{Store: store}
	}
	return &Resolver{Store: store, Trust: trust}
}

// Resolve reads the store on every call. Nothing is cached, so a
// revocation is visible to the very next query.
func (r *Resolver) Resolve(ctx context.Context, viewerID, assetID, facet string) (models.Resolution, error) {
	res := models.Resolution{ViewerID: viewerID, AssetID: assetID, Facet: facet}

	viewer, err := r.Store.GetIdentity(ctx, viewerID)
	if errors.Is(err, graph.ErrNotFound) {
		return res, fmt.Errorf("%w: %s", ErrUnknownViewer, viewerID)
	}
	if err != nil {
		return res, fmt.Errorf("consent: load viewer: %w", err)
	}
	res.ViewerActive = viewer.Active

	owner, err := r.Store.CurrentOwnership(ctx, assetID)
	if err != nil {
		return res, fmt.Errorf("consent: load ownership: %w", err)
	}
	res.OwnerID = owner.OwnerID

	rel, err := r.Trust.Relationship(ctx, viewerID, owner.OwnerID)
	if err != nil {
		return res, fmt.Errorf("consent: relationship: %w", err)
	}
	res.Relationship = rel

	score, err := r.Trust.TrustScore(ctx, viewerID)
	if err != nil {
		return res, fmt.Errorf("consent: trust score: %w", err)
	}
	res.TrustScore = score

	ownerIdent, err := r.Store.GetIdentity(ctx, owner.OwnerID)
	if err != nil {
		return res, fmt.Errorf("consent: load owner: %w", err)
	}
	res.ConsentVersion = ownerIdent.ConsentPolicyVersion

	policies, err := r.Store.ConsentPolicies(ctx, owner.OwnerID)
	if err != nil {
		return res, fmt.Errorf("consent: load policies: %w", err)
	}
	match, revoked := matchPolicy(policies, assetID, facet)
	res.Revoked = revoked
	res.Scope = models.VisibilityPrivate
	if match != nil {
		res.MatchedPolicyID = match.ID
		res.Scope = match.Visibility
		res.ActiveConsent = match.Visibility == models.VisibilityPublic || match.Visibility == models.VisibilityConnectionsOnly
	}
	return res, nil
}

// specificity ranks a policy against the query; -1 means it does not apply.
func specificity(p models.ConsentPolicy, assetID, facet string) int {
	if p.AssetID != "" && p.AssetID != assetID {
		return -1
	}
	if p.Facet != "" && p.Facet != facet {
		return -1
	}
	rank := 0
	if p.AssetID != "" {
		rank += 2
	}
	if p.Facet != "" {
		rank++
	}
	return rank
}

// matchPolicy returns the most specific non-revoked policy and whether the
// subject's global consent stands revoked. A global grant created at or
// after the latest global revocation supersedes it. Ties go to the later
// policy.
func matchPolicy(policies []models.ConsentPolicy, assetID, facet string) (*models.ConsentPolicy, bool) {
	var (
		best       *models.ConsentPolicy
		revokedAt  time.Time
		grantedAt  time.Time
		hasRevoked bool
		hasGranted bool
	)
	bestRank := -1
	for i := range policies {
		p := policies[i]
		if p.IsGlobal() {
			if p.Revoked {
				at := p.CreatedAt
				if p.RevokedAt != nil {
					at = *p.RevokedAt
				}
				if !hasRevoked || at.After(revokedAt) {
					revokedAt = at
				}
				hasRevoked = true
			} else if !hasGranted || p.CreatedAt.After(grantedAt) {
				grantedAt, hasGranted = p.CreatedAt, true
			}
		}
		if p.Revoked {
			continue
		}
		rank := specificity(p, assetID, facet)
		if rank < 0 || rank < bestRank {
			continue
		}
		best = &policies[i]
		bestRank = rank
	}
	revoked := hasRevoked && !(hasGranted && !grantedAt.Before(revokedAt))
	return best, revoked
}
