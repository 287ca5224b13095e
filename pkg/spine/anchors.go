package spine

import (
	"context"
	"encoding/json"
	"fmt"

	"integrityspine/pkg/anchor"
	"integrityspine/pkg/audit"
	"integrityspine/pkg/models"
)

type AnchorRequest struct {
	RequestID string          `json:"request_id"`
	EventID   string          `json:"event_id"`
	Payload   json.RawMessage `json:"payload"`
}

// AnchorEvent writes the event to both ledgers and starts verification.
// The request must have been decided first. Nothing is written for a
// denied request, while its escalation is unresolved, or after the
// escalation was denied.
func (s *Service) AnchorEvent(ctx context.Context, req AnchorRequest) (anchor.Anchor, error) {
	if s.Anchors == nil {
		return anchor.Anchor{}, ErrNoAnchorVerifier
	}
	if req.RequestID == "" || req.EventID == "" {
		return anchor.Anchor{}, fmt.Errorf("%w: request_id and event_id are required", ErrInvalidRequest)
	}
	decided, err := s.recordedDecision(ctx, req.RequestID)
	if err != nil {
		return anchor.Anchor{}, err
	}
	switch decided.Decision {
	case models.DecisionAllow:
	case models.DecisionEscalate:
		if err := s.Escalations.Gate(ctx, escalationSubject(req.RequestID, decided.ViewerID, decided.AssetID, decided.Facet)); err != nil {
			return anchor.Anchor{}, err
		}
	default:
		return anchor.Anchor{}, fmt.Errorf("%w: %s", ErrDisclosureDenied, decided.ReasonCode)
	}
	a, err := s.Anchors.AnchorEvent(ctx, req.EventID, req.Payload)
	if err != nil {
		return anchor.Anchor{}, err
	}
	if _, err := s.audit(ctx, req.RequestID, audit.Record{
		ActorType: audit.ActorSystem,
		ActorID:   systemActor,
		Action:    "anchor.submit:" + a.CorrelationHash,
		Decision:  "submitted",
		RequestID: req.RequestID,
	}); err != nil {
		return a, err
	}
	return a, nil
}

// VerifyAnchor returns the anchor's current status, creating it on first
// sight. Repeat calls never trigger extra ledger polling.
func (s *Service) VerifyAnchor(ctx context.Context, txPublic, txPrivate, eventID string) (anchor.Anchor, error) {
	if s.Anchors == nil {
		return anchor.Anchor{}, ErrNoAnchorVerifier
	}
	return s.Anchors.Verify(ctx, txPublic, txPrivate, eventID)
}

// ReconcileAnchor restarts verification of a failed anchor on an
// operator's request.
func (s *Service) ReconcileAnchor(ctx context.Context, hash, operator string) (anchor.Anchor, error) {
	if s.Anchors == nil {
		return anchor.Anchor{}, ErrNoAnchorVerifier
	}
	if operator == "" {
		return anchor.Anchor{}, fmt.Errorf("%w: operator required", ErrInvalidRequest)
	}
	a, err := s.Anchors.Reconcile(ctx, hash)
	if err != nil {
		return a, err
	}
	if _, err := s.Chain.Append(ctx, audit.Record{
		ActorType: audit.ActorOperator,
		ActorID:   operator,
		Action:    "anchor.reconcile:" + hash,
		Decision:  a.Status,
	}); err != nil {
		return a, err
	}
	return a, nil
}

func (s *Service) GetAnchor(ctx context.Context, hash string) (anchor.Anchor, error) {
	if s.Anchors == nil {
		return anchor.Anchor{}, ErrNoAnchorVerifier
	}
	return s.Anchors.Get(ctx, hash)
}

// ListAnchors returns anchors in status, oldest first as the store orders
// them. Operators use it to find failed anchors to reconcile.
func (s *Service) ListAnchors(ctx context.Context, status string, limit int) ([]anchor.Anchor, error) {
	if s.Anchors == nil {
		return nil, ErrNoAnchorVerifier
	}
	return s.Anchors.ListByStatus(ctx, status, limit)
}
