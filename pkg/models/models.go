package models

import (
	"encoding/json"
	"time"
)

// Visibility classes for consent policies and facets.
const (
	VisibilityPublic          = "public"
	VisibilityConnectionsOnly = "connections-only"
	VisibilityPrivate         = "private"
)

// Relationship between a viewer and an asset owner.
const (
	RelationshipSelf       = "self"
	RelationshipConnection = "connection"
	RelationshipStranger   = "stranger"
)

// Decision outcomes.
const (
	DecisionAllow    = "allow"
	DecisionDeny     = "deny"
	DecisionEscalate = "escalate"
)

// Trust edge statuses. Only accepted edges count as a connection.
const (
	TrustPending  = "pending"
	TrustAccepted = "accepted"
	TrustBlocked  = "blocked"
)

// Asset lifecycle states.
const (
	AssetActive  = "active"
	AssetRetired = "retired"
)

// Ownership acquisition methods.
const (
	MethodMint     = "mint"
	MethodTransfer = "transfer"
)

// Identity is a registered person or organisation. Identities are never
// deleted, only deactivated.
type Identity struct {
	ID                   string    `json:"id"`
	Handle               string    `json:"handle"`
	RegionCode           string    `json:"region_code"`
	TrustScore           float64   `json:"trust_score"`
	Active               bool      `json:"active"`
	ConsentPolicyVersion int       `json:"consent_policy_version"`
	CreatedAt            time.Time `json:"created_at"`
}

// Asset is a minted record. CreatorID never changes; CurrentOwnerID only
// changes through an ownership transfer.
type Asset struct {
	ID             string    `json:"id"`
	CreatorID      string    `json:"creator_id"`
	CurrentOwnerID string    `json:"current_owner_id"`
	Fingerprint    string    `json:"authenticity_fingerprint"`
	State          string    `json:"lifecycle_state"`
	CreatedAt      time.Time `json:"created_at"`
}

type OwnershipEdge struct {
	OwnerID    string    `json:"owner_id"`
	AssetID    string    `json:"asset_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	Method     string    `json:"method"`
	IsCurrent  bool      `json:"is_current"`
}

// TrustEdge is symmetric; stores keep A < B.
type TrustEdge struct {
	A         string    `json:"id_a"`
	B         string    `json:"id_b"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// ConsentPolicy grants (or withholds) visibility on a subject's assets.
// Empty AssetID and Facet mean the policy applies to every asset or facet.
type ConsentPolicy struct {
	ID         string     `json:"id"`
	SubjectID  string     `json:"subject_id"`
	AssetID    string     `json:"asset_id,omitempty"`
	Facet      string     `json:"facet,omitempty"`
	Visibility string     `json:"visibility"`
	Revoked    bool       `json:"revoked"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	Version    int        `json:"version"`
	CreatedAt  time.Time  `json:"created_at"`
}

// IsGlobal reports whether the policy covers every asset and facet.
func (p ConsentPolicy) IsGlobal() bool {
	return p.AssetID == "" && p.Facet == ""
}

// Facet is a named subset of an asset's data with its own visibility.
type Facet struct {
	AssetID    string          `json:"asset_id"`
	Name       string          `json:"name"`
	Visibility string          `json:"visibility"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// Resolution is the consent resolver's view of one (viewer, asset, facet) query.
type Resolution struct {
	ViewerID        string  `json:"viewer_id"`
	OwnerID         string  `json:"owner_id"`
	AssetID         string  `json:"asset_id"`
	Facet           string  `json:"facet"`
	Relationship    string  `json:"relationship"`
	ActiveConsent   bool    `json:"active_consent"`
	Revoked         bool    `json:"revoked"`
	Scope           string  `json:"scope"`
	ViewerActive    bool    `json:"viewer_active"`
	TrustScore      float64 `json:"trust_score"`
	MatchedPolicyID string  `json:"matched_policy_id,omitempty"`
	ConsentVersion  int     `json:"consent_version"`
}

// Decision is the output of check_policy.
type Decision struct {
	Decision      string `json:"decision"`
	ResolvedScope string `json:"resolved_scope,omitempty"`
	PolicyVersion string `json:"policy_version"`
	ReasonCode    string `json:"reason_code"`
}

// DecisionContext carries everything needed to audit or escalate a decision.
type DecisionContext struct {
	RequestID  string     `json:"request_id"`
	ViewerID   string     `json:"viewer_id"`
	AssetID    string     `json:"asset_id"`
	Facet      string     `json:"facet"`
	RegionCode string     `json:"region_code"`
	Action     string     `json:"action"`
	ActorType  string     `json:"actor_type,omitempty"`
	ActorID    string     `json:"actor_id,omitempty"`
	Resolution Resolution `json:"resolution"`
	Decision   Decision   `json:"decision"`
	AuditRef   string     `json:"audit_ref,omitempty"`
}
