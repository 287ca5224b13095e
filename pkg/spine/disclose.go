package spine

import (
	"context"
	"fmt"

	"integrityspine/pkg/audit"
	"integrityspine/pkg/models"
)

type Disclosure struct {
	Outcome Outcome        `json:"outcome"`
	Scope   string         `json:"scope"`
	Facets  []models.Facet `json:"facets"`
}

// Disclose decides the request and, only after an allow or an approved
// escalation, asks the facet provider for what the resolved scope permits.
// The decision recorded for the request id is replayed on a retry, so
// policy is evaluated again against the current graph before any facet
// leaves: a revocation since the first call denies. A pending escalation
// returns escalation.ErrEscalationPending; anything denied or expired
// returns an error and no facets.
func (s *Service) Disclose(ctx context.Context, req CheckRequest) (Disclosure, error) {
	if s.Facets == nil {
		return Disclosure{}, ErrNoFacetProvider
	}
	out, err := s.Decide(ctx, req)
	if err != nil {
		return Disclosure{}, err
	}
	d := Disclosure{Outcome: out}
	req.RequestID = out.Context.RequestID
	dc, err := s.check(ctx, req, false)
	if err != nil {
		return d, err
	}
	dc.AuditRef = out.Context.AuditRef
	switch dc.Decision.Decision {
	case models.DecisionAllow:
		d.Scope = dc.Decision.ResolvedScope
	case models.DecisionEscalate:
		// Review only covers requests that escalated when they were decided.
		if out.Context.Decision.Decision != models.DecisionEscalate {
			return d, fmt.Errorf("%w: %s", ErrDisclosureDenied, dc.Decision.ReasonCode)
		}
		if err := s.Escalations.Gate(ctx, escalationSubject(dc.RequestID, dc.ViewerID, dc.AssetID, dc.Facet)); err != nil {
			return d, err
		}
		d.Scope = approvedScope(dc.Resolution)
	default:
		return d, fmt.Errorf("%w: %s", ErrDisclosureDenied, dc.Decision.ReasonCode)
	}

	facets, err := s.Facets.GetSafeFacets(ctx, dc.AssetID, d.Scope)
	if err != nil {
		return d, fmt.Errorf("spine: facet provider: %w", err)
	}
	for _, f := range facets {
		if dc.Facet == "" || f.Name == dc.Facet {
			d.Facets = append(d.Facets, f)
		}
	}
	if _, err := s.audit(ctx, dc.RequestID, audit.Record{
		ActorType:     audit.ActorSystem,
		ActorID:       systemActor,
		Action:        "disclose",
		Decision:      d.Scope,
		PolicyVersion: dc.Decision.PolicyVersion,
		AssetID:       dc.AssetID,
		IdentityID:    dc.ViewerID,
		RequestID:     dc.RequestID,
	}); err != nil {
		return Disclosure{}, err
	}
	return d, nil
}

// approvedScope is what a human-approved escalation unlocks: connections
// see connections-only facets, everyone else only public ones.
func approvedScope(res models.Resolution) string {
	if res.Relationship == models.RelationshipConnection {
		return models.VisibilityConnectionsOnly
	}
	return models.VisibilityPublic
}
