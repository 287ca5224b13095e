// Package policyeval turns a consent resolution into allow, deny or
// escalate. Evaluation is a pure function of its inputs and a Snapshot.
package policyeval

import "integrityspine/pkg/models"

const (
	ReasonViewerInactive    = "VIEWER_INACTIVE"
	ReasonConsentRevoked    = "CONSENT_REVOKED"
	ReasonStrangerPrivate   = "STRANGER_PRIVATE"
	ReasonOwner             = "OWNER"
	ReasonTrustedConnection = "TRUSTED_CONNECTION"
	ReasonLowTrust          = "LOW_TRUST"
	ReasonRegionRestricted  = "REGION_RESTRICTED"
	ReasonRegionConflict    = "REGION_CONFLICT"
	ReasonNoMatchingRule    = "NO_MATCHING_RULE"
	ReasonVersionMismatch   = "POLICY_VERSION_MISMATCH"
	ReasonGraphUnavailable  = "GRAPH_UNAVAILABLE"
)

type Input struct {
	Resolution models.Resolution
	Region     string
	TrustScore float64
	Action     string

	// RequestedScope is what an owner asked for; empty means everything.
	RequestedScope string
}

// regionOutcome folds every region rule matching the request. Rules that
// disagree on effect or on their threshold override make it ambiguous.
type regionOutcome struct {
	matched   bool
	conflict  bool
	restrict  bool
	threshold float64
}

func evalRegion(rs RuleSet, in Input) regionOutcome {
	out := regionOutcome{threshold: rs.TrustThreshold}
	var effect string
	var override *float64
	for _, r := range rs.RegionRules {
		if !r.matches(in.Region, in.Resolution.Facet, in.Action) {
			continue
		}
		if !out.matched {
			out.matched = true
			effect = r.Effect
			override = r.TrustThreshold
			continue
		}
		if r.Effect != effect {
			out.conflict = true
		}
		if r.TrustThreshold != nil {
			if override != nil && *override != *r.TrustThreshold {
				out.conflict = true
			}
			if override == nil {
				override = r.TrustThreshold
			}
		}
	}
	if out.conflict {
		return out
	}
	out.restrict = effect == EffectRestrict
	if override != nil {
		out.threshold = *override
	}
	return out
}

// Evaluate applies the rules in priority order; the first that fires wins.
// Nothing falls through to allow: an unmatched case escalates.
func Evaluate(snap Snapshot, in Input) models.Decision {
	res := in.Resolution
	d := models.Decision{PolicyVersion: snap.Hash}
	self := res.Relationship == models.RelationshipSelf
	region := evalRegion(snap.Rules, in)

	switch {
	case !self && !res.ViewerActive:
		d.Decision, d.ReasonCode = models.DecisionDeny, ReasonViewerInactive
	case !self && res.Revoked:
		d.Decision, d.ReasonCode = models.DecisionDeny, ReasonConsentRevoked
	case res.Relationship == models.RelationshipStranger && res.Scope == models.VisibilityPrivate:
		d.Decision, d.ReasonCode = models.DecisionDeny, ReasonStrangerPrivate
	case self:
		d.Decision, d.ReasonCode = models.DecisionAllow, ReasonOwner
		d.ResolvedScope = in.RequestedScope
		if d.ResolvedScope == "" {
			d.ResolvedScope = models.VisibilityPrivate
		}
	case res.Relationship == models.RelationshipConnection && res.ActiveConsent && !region.conflict:
		switch {
		case in.TrustScore < region.threshold:
			d.Decision, d.ReasonCode = models.DecisionEscalate, ReasonLowTrust
		case region.restrict:
			d.Decision, d.ReasonCode = models.DecisionEscalate, ReasonRegionRestricted
		default:
			d.Decision, d.ReasonCode = models.DecisionAllow, ReasonTrustedConnection
			d.ResolvedScope = models.VisibilityConnectionsOnly
		}
	case region.conflict:
		d.Decision, d.ReasonCode = models.DecisionEscalate, ReasonRegionConflict
	default:
		d.Decision, d.ReasonCode = models.DecisionEscalate, ReasonNoMatchingRule
	}
	return d
}
