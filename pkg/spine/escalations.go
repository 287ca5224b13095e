package spine

import (
	"context"
	"errors"
	"fmt"

	"integrityspine/pkg/audit"
	"integrityspine/pkg/escalation"
	"integrityspine/pkg/models"
	"integrityspine/pkg/mutationlog"
)

// SubmitEscalation opens the review record for an escalated decision.
// Submitting the same request again returns the existing record.
func (s *Service) SubmitEscalation(ctx context.Context, dc models.DecisionContext) (escalation.Record, error) {
	if dc.Decision.Decision != models.DecisionEscalate {
		return escalation.Record{}, ErrNotEscalated
	}
	if dc.RequestID == "" {
		return escalation.Record{}, fmt.Errorf("%w: request_id required", ErrInvalidRequest)
	}
	req := escalationSubject(dc.RequestID, dc.ViewerID, dc.AssetID, dc.Facet)
	req.AuditRef = dc.AuditRef
	req.Reason = dc.Decision.ReasonCode
	req.PolicyVersion = dc.Decision.PolicyVersion
	return s.Escalations.Submit(ctx, req)
}

// escalationSubject is what a review record for requestID must cover
// before its approval unlocks anything.
func escalationSubject(requestID, viewerID, assetID, facet string) escalation.Request {
	return escalation.Request{RequestID: requestID, ViewerID: viewerID, AssetID: assetID, Facet: facet}
}

type resolveParams struct {
	EscalationID string `json:"escalation_id"`
	Role         string `json:"role"`
	ActorID      string `json:"actor_id"`
	Outcome      string `json:"outcome"`
}

// ResolveEscalation records one reviewer's approval or denial and audits
// it. Rule violations such as one actor filling both slots are recorded
// as rejections, so a retried call gets the same answer.
func (s *Service) ResolveEscalation(ctx context.Context, id string, a escalation.Approval) (escalation.Record, error) {
	out, err := s.Mutations.Do(ctx, mutationlog.Mutation{
		Operation: "escalation.resolve",
		Params:    resolveParams{EscalationID: id, Role: string(a.Role), ActorID: a.ActorID, Outcome: a.Outcome},
		Actor:     a.ActorID,
		Key:       id,
	}, func(ctx context.Context) (any, error) {
		rec, err := s.Escalations.Resolve(ctx, id, a)
		switch {
		case errors.Is(err, escalation.ErrEscalationClosed) && alreadyApplied(rec, a):
			// A retry after the transition committed but the audit did not.
		case isReviewRejection(err):
			if errors.Is(err, escalation.ErrEscalationExpired) && rec.Status() == escalation.StatusExpired {
				_, _ = s.auditResolution(ctx, rec, a)
			}
			return nil, mutationlog.Reject(err)
		case err != nil:
			return nil, err
		}
		if _, err := s.auditResolution(ctx, rec, a); err != nil {
			return nil, err
		}
		return rec, nil
	})
	if err != nil {
		return escalation.Record{}, err
	}
	var rec escalation.Record
	if err := out.Decode(&rec); err != nil {
		return escalation.Record{}, err
	}
	return rec, nil
}

func (s *Service) auditResolution(ctx context.Context, rec escalation.Record, a escalation.Approval) (audit.Entry, error) {
	actorType := audit.ActorGovernance
	if a.Role == escalation.RoleCompliance {
		actorType = audit.ActorCompliance
	}
	return s.audit(ctx, rec.ID+":"+string(a.Role)+":"+rec.Status(), audit.Record{
		ActorType:     actorType,
		ActorID:       a.ActorID,
		Action:        "escalation." + a.Outcome,
		Decision:      rec.Status(),
		ReasonCode:    rec.Reason,
		PolicyVersion: rec.PolicyVersion,
		AssetID:       rec.AssetID,
		IdentityID:    rec.ViewerID,
		RequestID:     rec.RequestID,
	})
}

// alreadyApplied reports whether a closed record already carries a.
func alreadyApplied(rec escalation.Record, a escalation.Approval) bool {
	switch st := rec.State.(type) {
	case escalation.Approved:
		if a.Outcome != escalation.OutcomeApprove {
			return false
		}
		return (a.Role == escalation.RoleGovernance && st.Governance == a.ActorID) ||
			(a.Role == escalation.RoleCompliance && st.Compliance == a.ActorID)
	case escalation.Denied:
		return a.Outcome == escalation.OutcomeDeny && st.By == a.ActorID && st.Role == a.Role
	}
	return false
}

func isReviewRejection(err error) bool {
	for _, target := range []error{
		escalation.ErrEscalationConflict,
		escalation.ErrSelfApproval,
		escalation.ErrSlotFilled,
		escalation.ErrEscalationExpired,
		escalation.ErrEscalationClosed,
		escalation.ErrInvalidApproval,
		escalation.ErrNotFound,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func (s *Service) GetEscalation(ctx context.Context, id string) (escalation.Record, error) {
	return s.Escalations.Get(ctx, id)
}
