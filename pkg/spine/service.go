// Package spine wires the consent resolver, policy engine, audit chain,
// escalation workflow, mutation log and anchor verifier into the write
// path that collaborators call.
package spine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"integrityspine/pkg/anchor"
	"integrityspine/pkg/audit"
	"integrityspine/pkg/consent"
	"integrityspine/pkg/escalation"
	"integrityspine/pkg/graph"
	"integrityspine/pkg/models"
	"integrityspine/pkg/mutationlog"
	"integrityspine/pkg/policyeval"
	"integrityspine/pkg/telemetry"
)

const (
	DefaultAction = "view"
	systemActor   = "spine"

	// decisionIndexOp records the decision per request id alone, so later
	// steps can find it without the full check parameters.
	decisionIndexOp = "decision.index"
	// requestClaimOp binds a request id to the check it was first decided for.
	requestClaimOp  = "request.claim"
)

var (
	ErrInvalidRequest   = errors.New("spine: invalid request")
	ErrNotEscalated     = errors.New("spine: decision does not require escalation")
	ErrDisclosureDenied = errors.New("spine: disclosure denied")
	ErrNoFacetProvider  = errors.New("spine: no facet provider configured")
	ErrNoAnchorVerifier = errors.New("spine: no anchor verifier configured")
	ErrNoDecision       = errors.New("spine: no recorded decision for request")
	ErrRequestConflict  = errors.New("spine: request id already decided for another check")
)

func init() {
	for _, r := range []struct {
		code string
		err  error
	}{
		{"OWNERSHIP_CONFLICT", graph.ErrOwnershipConflict},
		{"IDENTITY_INACTIVE", graph.ErrIdentityInactive},
		{"GRAPH_NOT_FOUND", graph.ErrNotFound},
		{"ESCALATION_NOT_FOUND", escalation.ErrNotFound},
		{"ESCALATION_CONFLICT", escalation.ErrEscalationConflict},
		{"SELF_APPROVAL", escalation.ErrSelfApproval},
		{"SLOT_FILLED", escalation.ErrSlotFilled},
		{"ESCALATION_EXPIRED", escalation.ErrEscalationExpired},
		{"ESCALATION_CLOSED", escalation.ErrEscalationClosed},
		{"INVALID_APPROVAL", escalation.ErrInvalidApproval},
		{"ANCHOR_NOT_FOUND", anchor.ErrNotFound},
		{"NOT_RECONCILABLE", anchor.ErrNotReconcilable},
	} {
		mutationlog.RegisterRejection(r.code, r.err)
	}
}

// bestEffortRecord are operations whose second application is itself
// rejected by a compare-and-set, so a lost log record cannot repeat them.
// A retry after a lost record runs the operation again instead of
// replaying it. An escalation resolution then finds its approval already
// in place and returns the record as it stands, which matches the first
// answer unless the record moved on in between (the other slot approved,
// say). A repeated transfer is rejected with ErrOwnershipConflict rather
// than returning the first edge.
var bestEffortRecord = map[string]bool{
	"ownership.transfer": true,
	"escalation.resolve": true,
}

// FacetProvider returns the facets of an asset visible at scope. It must
// never return a facet outside scope; the spine does not filter again.
type FacetProvider interface {
	GetSafeFacets(ctx context.Context, assetID, scope string) ([]models.Facet, error)
}

type Service struct {
	Graph       graph.Store
	Resolver    *consent.Resolver
	Policies    *policyeval.Registry
	Chain       *audit.Chain
	Escalations *escalation.Workflow
	Mutations   *mutationlog.Log
	Anchors     *anchor.Verifier
	Facets      FacetProvider
	Logger      *log.Logger

	// OnDecision is called for every evaluated decision.
	OnDecision func(models.DecisionContext)
}

// New builds a service over the given stores. Anchors and Facets are
// optional and may be set afterwards.
func New(g graph.Store, policies *policyeval.Registry, chain *audit.Chain, esc *escalation.Workflow, mlog *mutationlog.Log) *Service {
	if mlog != nil {
		if mlog.BestEffortRecord == nil {
			mlog.BestEffortRecord = map[string]bool{}
		}
		for op := range bestEffortRecord {
			mlog.BestEffortRecord[op] = true
		}
	}
	return &Service{
		Graph:       g,
		Resolver:    consent.NewResolver(g, nil),
		Policies:    policies,
		Chain:       chain,
		Escalations: esc,
		Mutations:   mlog,
		Logger:      log.Default(),
	}
}

type CheckRequest struct {
	RequestID  string `json:"request_id"`
	ViewerID   string `json:"viewer_id"`
	AssetID    string `json:"asset_id"`
	Facet      string `json:"facet"`
	RegionCode string `json:"region_code"`
	Action     string `json:"action,omitempty"`
	// PolicyVersion pins evaluation to an earlier rule set snapshot.
	PolicyVersion  string `json:"policy_version,omitempty"`
	RequestedScope string `json:"requested_scope,omitempty"`
}

func (r CheckRequest) validate() error {
	if strings.TrimSpace(r.ViewerID) == "" || strings.TrimSpace(r.AssetID) == "" {
		return fmt.Errorf("%w: viewer_id and asset_id are required", ErrInvalidRequest)
	}
	return nil
}

// CheckPolicy resolves consent and evaluates the active (or pinned) rule
// set. Resolver failures are returned to the caller and never become an
// allow. A pin that no longer resolves escalates.
func (s *Service) CheckPolicy(ctx context.Context, req CheckRequest) (models.DecisionContext, error) {
	return s.check(ctx, req, true)
}

// check evaluates req; notify controls whether OnDecision sees the result.
func (s *Service) check(ctx context.Context, req CheckRequest, notify bool) (models.DecisionContext, error) {
	ctx, span := telemetry.Tracer("spine").Start(ctx, "spine.check_policy")
	defer span.End()
	if err := req.validate(); err != nil {
		return models.DecisionContext{}, err
	}
	if req.Action == "" {
		req.Action = DefaultAction
	}
	dc := models.DecisionContext{
		RequestID:  req.RequestID,
		ViewerID:   req.ViewerID,
		AssetID:    req.AssetID,
		Facet:      req.Facet,
		RegionCode: req.RegionCode,
		Action:     req.Action,
		ActorType:  audit.ActorViewer,
		ActorID:    req.ViewerID,
	}

	res, err := s.Resolver.Resolve(ctx, req.ViewerID, req.AssetID, req.Facet)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "resolve")
		return dc, err
	}
	dc.Resolution = res

	snap, err := s.Policies.Resolve(req.PolicyVersion)
	if errors.Is(err, policyeval.ErrPolicyVersionMismatch) {
		dc.Decision = models.Decision{
			Decision:      models.DecisionEscalate,
			PolicyVersion: req.PolicyVersion,
			ReasonCode:    policyeval.ReasonVersionMismatch,
		}
		if notify {
			s.decided(dc)
		}
		return dc, nil
	}
	if err != nil {
		return dc, err
	}
	scope := req.RequestedScope
	if scope == "" {
		scope = res.Scope
	}
	dc.Decision = policyeval.Evaluate(snap, policyeval.Input{
		Resolution:     res,
		Region:         req.RegionCode,
		TrustScore:     res.TrustScore,
		Action:         req.Action,
		RequestedScope: scope,
	})
	span.SetAttributes(
		attribute.String("spine.decision", dc.Decision.Decision),
		attribute.String("spine.reason", dc.Decision.ReasonCode),
	)
	if notify {
		s.decided(dc)
	}
	return dc, nil
}

func (s *Service) decided(dc models.DecisionContext) {
	if s.OnDecision != nil {
		s.OnDecision(dc)
	}
}

// Outcome is the durable result of Decide.
type Outcome struct {
	Context    models.DecisionContext `json:"context"`
	AuditEntry audit.Entry            `json:"audit_entry"`
	Escalation *escalation.Record     `json:"escalation,omitempty"`
	Duplicate  bool                   `json:"duplicate"`
}

// Decide checks policy, records the decision on the audit chain and opens
// an escalation when the decision is escalate. The whole sequence runs
// once per request id; a retry returns the first outcome.
func (s *Service) Decide(ctx context.Context, req CheckRequest) (Outcome, error) {
	if err := req.validate(); err != nil {
		return Outcome{}, err
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.Action == "" {
		req.Action = DefaultAction
	}
	if err := s.claimRequest(ctx, req); err != nil {
		return Outcome{}, err
	}
	var out Outcome
	res, err := s.Mutations.Do(ctx, mutationlog.Mutation{
		Operation: "decide",
		Params:    req,
		Actor:     req.ViewerID,
		Key:       req.RequestID,
	}, func(ctx context.Context) (any, error) {
		dc, err := s.CheckPolicy(ctx, req)
		if err != nil {
			return nil, err
		}
		entry, err := s.AppendAudit(ctx, dc)
		if err != nil {
			return nil, err
		}
		dc.AuditRef = entry.ID
		if err := s.indexDecision(ctx, dc); err != nil {
			return nil, err
		}
		o := Outcome{Context: dc, AuditEntry: entry}
		if dc.Decision.Decision == models.DecisionEscalate {
			rec, err := s.SubmitEscalation(ctx, dc)
			if err != nil {
				return nil, err
			}
			o.Escalation = &rec
		}
		return o, nil
	})
	if err != nil {
		return Outcome{}, err
	}
	if err := res.Decode(&out); err != nil {
		return Outcome{}, err
	}
	out.Duplicate = res.Duplicate
	return out, nil
}

// requestClaim is the check a request id was first decided for.
type requestClaim struct {
	ViewerID       string `json:"viewer_id"`
	AssetID        string `json:"asset_id"`
	Facet          string `json:"facet"`
	RegionCode     string `json:"region_code"`
	Action         string `json:"action"`
	PolicyVersion  string `json:"policy_version"`
	RequestedScope string `json:"requested_scope"`
}

// claimRequest records req as the only check its request id may decide.
// Reusing the id for another viewer, asset, facet or region fails with
// ErrRequestConflict, so an approval can never carry over to it.
func (s *Service) claimRequest(ctx context.Context, req CheckRequest) error {
	want := requestClaim{
		ViewerID:       req.ViewerID,
		AssetID:        req.AssetID,
		Facet:          req.Facet,
		RegionCode:     req.RegionCode,
		Action:         req.Action,
		PolicyVersion:  req.PolicyVersion,
		RequestedScope: req.RequestedScope,
	}
	out, err := s.Mutations.Do(ctx, mutationlog.Mutation{
		Operation: requestClaimOp,
		Actor:     req.ViewerID,
		Key:       req.RequestID,
	}, func(context.Context) (any, error) {
		return want, nil
	})
	if err != nil {
		return err
	}
	if !out.Duplicate {
		return nil
	}
	var got requestClaim
	if err := out.Decode(&got); err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%w: %s", ErrRequestConflict, req.RequestID)
	}
	return nil
}

type decisionSummary struct {
	Decision   string `json:"decision"`
	ReasonCode string `json:"reason_code"`
	AuditRef   string `json:"audit_ref"`
	ViewerID   string `json:"viewer_id"`
	AssetID    string `json:"asset_id"`
	Facet      string `json:"facet"`
}

func (s *Service) indexDecision(ctx context.Context, dc models.DecisionContext) error {
	_, err := s.Mutations.Do(ctx, mutationlog.Mutation{
		Operation: decisionIndexOp,
		Actor:     dc.ViewerID,
		Key:       dc.RequestID,
	}, func(context.Context) (any, error) {
		return decisionSummary{
			Decision:   dc.Decision.Decision,
			ReasonCode: dc.Decision.ReasonCode,
			AuditRef:   dc.AuditRef,
			ViewerID:   dc.ViewerID,
			AssetID:    dc.AssetID,
			Facet:      dc.Facet,
		}, nil
	})
	return err
}

// recordedDecision returns the first decision made for requestID, or
// ErrNoDecision when none is on record within the retention window.
func (s *Service) recordedDecision(ctx context.Context, requestID string) (decisionSummary, error) {
	e, err := s.Mutations.Lookup(ctx, mutationlog.Mutation{Operation: decisionIndexOp, Key: requestID})
	if errors.Is(err, mutationlog.ErrNotFound) {
		return decisionSummary{}, fmt.Errorf("%w: %s", ErrNoDecision, requestID)
	}
	if err != nil {
		return decisionSummary{}, err
	}
	var sum decisionSummary
	if err := (mutationlog.Outcome{Entry: e}).Decode(&sum); err != nil {
		return decisionSummary{}, err
	}
	return sum, nil
}

// AppendAudit records a decision context on the chain. It fails closed
// with an error wrapping audit.ErrChainIntegrityViolation when the chain
// is halted or its tip has been tampered with.
func (s *Service) AppendAudit(ctx context.Context, dc models.DecisionContext) (audit.Entry, error) {
	rec := audit.Record{
		ActorType:     dc.ActorType,
		ActorID:       dc.ActorID,
		Action:        "check_policy:" + dc.Action,
		Decision:      dc.Decision.Decision,
		ReasonCode:    dc.Decision.ReasonCode,
		PolicyVersion: dc.Decision.PolicyVersion,
		AssetID:       dc.AssetID,
		IdentityID:    dc.ViewerID,
		RequestID:     dc.RequestID,
	}
	if rec.ActorType == "" {
		rec.ActorType = audit.ActorSystem
	}
	if rec.ActorID == "" {
		rec.ActorID = systemActor
	}
	if dc.Action == "" {
		rec.Action = "check_policy:" + DefaultAction
	}
	if rec.Decision == "" {
		return audit.Entry{}, fmt.Errorf("%w: decision required", ErrInvalidRequest)
	}
	return s.audit(ctx, dc.RequestID, rec)
}

// audit appends rec once per (key, rec). Without a key every call appends.
func (s *Service) audit(ctx context.Context, key string, rec audit.Record) (audit.Entry, error) {
	if key == "" || s.Mutations == nil {
		return s.Chain.Append(ctx, rec)
	}
	out, err := s.Mutations.Do(ctx, mutationlog.Mutation{
		Operation: "audit.append",
		Params:    rec,
		Actor:     rec.ActorType + ":" + rec.ActorID,
		Key:       key,
	}, func(ctx context.Context) (any, error) {
		return s.Chain.Append(ctx, rec)
	})
	if err != nil {
		return audit.Entry{}, err
	}
	var e audit.Entry
	if err := out.Decode(&e); err != nil {
		return audit.Entry{}, err
	}
	return e, nil
}

// VerifyChain walks the whole chain. A violation halts appends until
// ResumeChain succeeds.
func (s *Service) VerifyChain(ctx context.Context) (audit.Report, error) {
	return s.Chain.Verify(ctx)
}

// ResumeChain clears a halt after the chain verifies again and records
// the operator action.
func (s *Service) ResumeChain(ctx context.Context, operator string) (audit.Report, error) {
	if strings.TrimSpace(operator) == "" {
		return audit.Report{}, fmt.Errorf("%w: operator required", ErrInvalidRequest)
	}
	rep, err := s.Chain.Resume(ctx)
	if err != nil {
		return rep, err
	}
	if _, err := s.Chain.Append(ctx, audit.Record{
		ActorType: audit.ActorOperator,
		ActorID:   operator,
		Action:    "chain.resume",
		Decision:  "resumed",
	}); err != nil {
		return rep, err
	}
	return rep, nil
}
