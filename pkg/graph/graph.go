// Package graph holds identity and asset nodes and the typed edges between
// them: ownership, trust and consent policy.
package graph

import (
	"context"
	"errors"
	"time"

	"integrityspine/pkg/models"
)

var (
	ErrGraphUnavailable  = errors.New("graph: store unavailable")
	ErrNotFound          = errors.New("graph: not found")
	ErrOwnershipConflict = errors.New("graph: ownership conflict")
	ErrIdentityInactive  = errors.New("graph: identity inactive")
	ErrAlreadyExists     = errors.New("graph: already exists")
)

// Store is the typed traversal surface over the consent graph. Every
// lookup is keyed; there is no scan method.
type Store interface {
	PutIdentity(ctx context.Context, id models.Identity) error
	GetIdentity(ctx context.Context, id string) (models.Identity, error)
	DeactivateIdentity(ctx context.Context, id string) error

	// PutAsset mints an asset and its first current ownership edge.
	PutAsset(ctx context.Context, a models.Asset) error
	GetAsset(ctx context.Context, id string) (models.Asset, error)
	CurrentOwnership(ctx context.Context, assetID string) (models.OwnershipEdge, error)
	OwnershipHistory(ctx context.Context, assetID string) ([]models.OwnershipEdge, error)
	// TransferOwnership flips the current edge and inserts the new one in a
	// single atomic step. It fails with ErrOwnershipConflict when the current
	// owner is not expectedOwner.
	TransferOwnership(ctx context.Context, assetID, expectedOwner, newOwner, method string, at time.Time) (models.OwnershipEdge, error)

	PutTrustEdge(ctx context.Context, e models.TrustEdge) error
	TrustEdgeBetween(ctx context.Context, a, b string) (models.TrustEdge, error)

	PutConsentPolicy(ctx context.Context, p models.ConsentPolicy) error
	ConsentPolicies(ctx context.Context, subjectID string) ([]models.ConsentPolicy, error)
	RevokeConsentPolicy(ctx context.Context, policyID string, at time.Time) (models.ConsentPolicy, error)
	// RevokeGlobalConsent records a global revocation for subject, creating
	// the global policy if none exists.
	RevokeGlobalConsent(ctx context.Context, subjectID string, at time.Time) (models.ConsentPolicy, error)
}

// OrderedPair returns a and b sorted so symmetric edges have one key.
func OrderedPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}
