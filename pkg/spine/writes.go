package spine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"integrityspine/pkg/audit"
	"integrityspine/pkg/graph"
	"integrityspine/pkg/models"
	"integrityspine/pkg/mutationlog"
)

type TransferRequest struct {
	RequestID     string `json:"request_id"`
	AssetID       string `json:"asset_id"`
	ExpectedOwner string `json:"expected_owner"`
	NewOwner      string `json:"new_owner"`
	Method        string `json:"method,omitempty"`
	Actor         string `json:"actor,omitempty"`
}

// TransferOwnership moves an asset between owners once per request id.
// An owner mismatch is a recorded rejection, not a retryable error.
func (s *Service) TransferOwnership(ctx context.Context, req TransferRequest) (models.OwnershipEdge, error) {
	if req.RequestID == "" || req.AssetID == "" || req.ExpectedOwner == "" || req.NewOwner == "" {
		return models.OwnershipEdge{}, fmt.Errorf("%w: request_id, asset_id, expected_owner and new_owner are required", ErrInvalidRequest)
	}
	if req.Actor == "" {
		req.Actor = req.ExpectedOwner
	}
	out, err := s.Mutations.Do(ctx, mutationlog.Mutation{
		Operation: "ownership.transfer",
		Params:    req,
		Actor:     req.Actor,
		Key:       req.RequestID,
	}, func(ctx context.Context) (any, error) {
		edge, err := s.Graph.TransferOwnership(ctx, req.AssetID, req.ExpectedOwner, req.NewOwner, req.Method, time.Time{})
		if errors.Is(err, graph.ErrOwnershipConflict) || errors.Is(err, graph.ErrIdentityInactive) || errors.Is(err, graph.ErrNotFound) {
			return nil, mutationlog.Reject(err)
		}
		if err != nil {
			return nil, err
		}
		if _, err := s.audit(ctx, req.RequestID, audit.Record{
			ActorType:  audit.ActorViewer,
			ActorID:    req.Actor,
			Action:     "ownership.transfer",
			Decision:   mutationlog.StatusApplied,
			AssetID:    req.AssetID,
			IdentityID: req.NewOwner,
			RequestID:  req.RequestID,
		}); err != nil {
			return nil, err
		}
		return edge, nil
	})
	if err != nil {
		return models.OwnershipEdge{}, err
	}
	var edge models.OwnershipEdge
	return edge, out.Decode(&edge)
}

type ConsentRequest struct {
	RequestID  string `json:"request_id"`
	SubjectID  string `json:"subject_id"`
	AssetID    string `json:"asset_id,omitempty"`
	Facet      string `json:"facet,omitempty"`
	Visibility string `json:"visibility"`
}

func validVisibility(v string) bool {
	switch v {
	case models.VisibilityPublic, models.VisibilityConnectionsOnly, models.VisibilityPrivate:
		return true
	}
	return false
}

// PutConsent adds a consent policy for the subject. It bumps the subject's
// consent version, so the next resolution sees it.
func (s *Service) PutConsent(ctx context.Context, req ConsentRequest) (models.ConsentPolicy, error) {
	if req.RequestID == "" || strings.TrimSpace(req.SubjectID) == "" {
		return models.ConsentPolicy{}, fmt.Errorf("%w: request_id and subject_id are required", ErrInvalidRequest)
	}
	if !validVisibility(req.Visibility) {
		return models.ConsentPolicy{}, fmt.Errorf("%w: visibility %q", ErrInvalidRequest, req.Visibility)
	}
	out, err := s.Mutations.Do(ctx, mutationlog.Mutation{
		Operation: "consent.put",
		Params:    req,
		Actor:     req.SubjectID,
		Key:       req.RequestID,
	}, func(ctx context.Context) (any, error) {
		p := models.ConsentPolicy{
			ID:         uuid.NewString(),
			SubjectID:  req.SubjectID,
			AssetID:    req.AssetID,
			Facet:      req.Facet,
			Visibility: req.Visibility,
			Version:    1,
			CreatedAt:  time.Now().UTC(),
		}
		if err := s.Graph.PutConsentPolicy(ctx, p); err != nil {
			if errors.Is(err, graph.ErrNotFound) {
				return nil, mutationlog.Reject(err)
			}
			return nil, err
		}
		if _, err := s.audit(ctx, req.RequestID, audit.Record{
			ActorType:  audit.ActorViewer,
			ActorID:    req.SubjectID,
			Action:     "consent.grant",
			Decision:   req.Visibility,
			AssetID:    req.AssetID,
			IdentityID: req.SubjectID,
			RequestID:  req.RequestID,
		}); err != nil {
			return nil, err
		}
		return p, nil
	})
	if err != nil {
		return models.ConsentPolicy{}, err
	}
	var p models.ConsentPolicy
	return p, out.Decode(&p)
}

type RevokeRequest struct {
	RequestID string `json:"request_id"`
	SubjectID string `json:"subject_id"`
	// PolicyID revokes one policy; empty revokes the subject's global consent.
	PolicyID  string    `json:"policy_id,omitempty"`
	RevokedAt time.Time `json:"revoked_at,omitempty"`
}

// RevokeConsent takes effect on the next resolution; nothing is cached.
func (s *Service) RevokeConsent(ctx context.Context, req RevokeRequest) (models.ConsentPolicy, error) {
	if req.RequestID == "" || strings.TrimSpace(req.SubjectID) == "" {
		return models.ConsentPolicy{}, fmt.Errorf("%w: request_id and subject_id are required", ErrInvalidRequest)
	}
	out, err := s.Mutations.Do(ctx, mutationlog.Mutation{
		Operation: "consent.revoke",
		Params:    req,
		Actor:     req.SubjectID,
		Key:       req.RequestID,
	}, func(ctx context.Context) (any, error) {
		at := req.RevokedAt
		if at.IsZero() {
			at = time.Now().UTC()
		}
		var (
			p   models.ConsentPolicy
			err error
		)
		if req.PolicyID != "" {
			owned, lookupErr := s.subjectHasPolicy(ctx, req.SubjectID, req.PolicyID)
			if lookupErr != nil {
				return nil, lookupErr
			}
			if !owned {
				return nil, mutationlog.Reject(fmt.Errorf("consent policy %s of %s: %w", req.PolicyID, req.SubjectID, graph.ErrNotFound))
			}
			p, err = s.Graph.RevokeConsentPolicy(ctx, req.PolicyID, at)
		} else {
			p, err = s.Graph.RevokeGlobalConsent(ctx, req.SubjectID, at)
		}
		if errors.Is(err, graph.ErrNotFound) {
			return nil, mutationlog.Reject(err)
		}
		if err != nil {
			return nil, err
		}
		if _, err := s.audit(ctx, req.RequestID, audit.Record{
			ActorType:  audit.ActorViewer,
			ActorID:    req.SubjectID,
			Action:     "consent.revoke",
			Decision:   "revoked",
			AssetID:    p.AssetID,
			IdentityID: req.SubjectID,
			RequestID:  req.RequestID,
		}); err != nil {
			return nil, err
		}
		return p, nil
	})
	if err != nil {
		return models.ConsentPolicy{}, err
	}
	var p models.ConsentPolicy
	return p, out.Decode(&p)
}

func (s *Service) subjectHasPolicy(ctx context.Context, subjectID, policyID string) (bool, error) {
	policies, err := s.Graph.ConsentPolicies(ctx, subjectID)
	if err != nil {
		return false, err
	}
	for _, p := range policies {
		if p.ID == policyID {
			return true, nil
		}
	}
	return false, nil
}
