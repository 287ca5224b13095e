package main

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"integrityspine/pkg/anchor"
	"integrityspine/pkg/audit"
	"integrityspine/pkg/auth"
	"integrityspine/pkg/escalation"
	"integrityspine/pkg/graph"
	"integrityspine/pkg/httpx"
	"integrityspine/pkg/models"
	"integrityspine/pkg/mutationlog"
	"integrityspine/pkg/policyeval"
	"integrityspine/pkg/spine"
)

const maxPageSize = 500

func (s *Server) checkPolicy(w http.ResponseWriter, r *http.Request) {
	var req spine.CheckRequest
	if !decode(w, r, &req) {
		return
	}
	if !s.bindViewer(w, r, &req) {
		return
	}
	dc, err := s.Spine.CheckPolicy(r.Context(), req)
	if err != nil {
		writeError(w, "check policy", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, dc)
}

func (s *Server) decide(w http.ResponseWriter, r *http.Request) {
	var req spine.CheckRequest
	if !decode(w, r, &req) {
		return
	}
	req.RequestID = requestID(r, req.RequestID)
	if !s.bindViewer(w, r, &req) {
		return
	}
	out, err := s.Spine.Decide(r.Context(), req)
	if err != nil {
		writeError(w, "decide", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

func (s *Server) disclose(w http.ResponseWriter, r *http.Request) {
	var req spine.CheckRequest
	if !decode(w, r, &req) {
		return
	}
	req.RequestID = requestID(r, req.RequestID)
	if !s.bindViewer(w, r, &req) {
		return
	}
	out, err := s.Spine.Disclose(r.Context(), req)
	if err != nil {
		writeError(w, "disclose", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

func (s *Server) appendAudit(w http.ResponseWriter, r *http.Request) {
	var dc models.DecisionContext
	if !decode(w, r, &dc) {
		return
	}
	dc.RequestID = requestID(r, dc.RequestID)
	entry, err := s.Spine.AppendAudit(r.Context(), dc)
	if err != nil {
		writeError(w, "append audit", err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, audit.Display(entry, s.DisplaySalt))
}

func (s *Server) listAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	after, err := queryInt(q.Get("after"), 0)
	if err != nil || after < 0 {
		httpx.ErrorCode(w, http.StatusBadRequest, "INVALID_REQUEST", "after must be a non-negative integer")
		return
	}
	limit, err := pageLimit(q.Get("limit"))
	if err != nil {
		httpx.ErrorCode(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	entries, err := s.Spine.Chain.List(r.Context(), int64(after), limit)
	if err != nil {
		writeError(w, "list audit", err)
		return
	}
	out := make([]audit.Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, audit.Display(e, s.DisplaySalt))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"entries": out})
}

func (s *Server) verifyAudit(w http.ResponseWriter, r *http.Request) {
	rep, err := s.Spine.VerifyChain(r.Context())
	var v *audit.IntegrityViolation
	switch {
	case errors.As(err, &v):
		httpx.WriteJSON(w, http.StatusConflict, map[string]any{"ok": false, "violation": v})
	case err != nil:
		writeError(w, "verify audit", err)
	default:
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "report": rep})
	}
}

func (s *Server) resumeAudit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Operator string `json:"operator"`
	}
	if !decodeOptional(w, r, &req) {
		return
	}
	rep, err := s.Spine.ResumeChain(r.Context(), s.actor(r, req.Operator))
	var v *audit.IntegrityViolation
	if errors.As(err, &v) {
		httpx.WriteJSON(w, http.StatusConflict, map[string]any{"ok": false, "violation": v})
		return
	}
	if err != nil {
		writeError(w, "resume audit", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "report": rep})
}

func (s *Server) submitEscalation(w http.ResponseWriter, r *http.Request) {
	var dc models.DecisionContext
	if !decode(w, r, &dc) {
		return
	}
	dc.RequestID = requestID(r, dc.RequestID)
	rec, err := s.Spine.SubmitEscalation(r.Context(), dc)
	if err != nil {
		writeError(w, "submit escalation", err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, rec)
}

func (s *Server) listEscalations(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status == "" {
		status = escalation.StatusPending
	}
	limit, err := pageLimit(r.URL.Query().Get("limit"))
	if err != nil {
		httpx.ErrorCode(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	recs, err := s.Spine.Escalations.List(r.Context(), status, limit)
	if err != nil {
		writeError(w, "list escalations", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"escalations": recs})
}

func (s *Server) getEscalation(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Spine.GetEscalation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "get escalation", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, rec)
}

// resolveEscalation takes the reviewer from the token when auth is on;
// the token must carry the role being exercised.
func (s *Server) resolveEscalation(w http.ResponseWriter, r *http.Request) {
	var a escalation.Approval
	if !decode(w, r, &a) {
		return
	}
	if !s.AuthOff {
		p, _ := auth.PrincipalFromContext(r.Context())
		if !auth.HasAnyRole(p, string(a.Role)) {
			httpx.ErrorCode(w, http.StatusForbidden, "FORBIDDEN", "token does not carry role "+string(a.Role))
			return
		}
		a.ActorID = p.Subject
	}
	rec, err := s.Spine.ResolveEscalation(r.Context(), chi.URLParam(r, "id"), a)
	if err != nil {
		writeError(w, "resolve escalation", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, rec)
}

func (s *Server) verifyAnchor(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TxPublic  string `json:"tx_public"`
		TxPrivate string `json:"tx_private"`
		EventID   string `json:"event_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	a, err := s.Spine.VerifyAnchor(r.Context(), req.TxPublic, req.TxPrivate, req.EventID)
	if err != nil {
		writeError(w, "verify anchor", err)
		return
	}
	httpx.WriteJSON(w, anchorStatus(a), a)
}

func (s *Server) anchorEvent(w http.ResponseWriter, r *http.Request) {
	var req spine.AnchorRequest
	if !decode(w, r, &req) {
		return
	}
	req.RequestID = requestID(r, req.RequestID)
	a, err := s.Spine.AnchorEvent(r.Context(), req)
	if err != nil {
		writeError(w, "anchor event", err)
		return
	}
	httpx.WriteJSON(w, anchorStatus(a), a)
}

func (s *Server) getAnchor(w http.ResponseWriter, r *http.Request) {
	a, err := s.Spine.GetAnchor(r.Context(), chi.URLParam(r, "hash"))
	if err != nil {
		writeError(w, "get anchor", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, a)
}

func (s *Server) listAnchors(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status == "" {
		status = anchor.StatusFailed
	}
	limit, err := pageLimit(r.URL.Query().Get("limit"))
	if err != nil {
		httpx.ErrorCode(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	list, err := s.Spine.ListAnchors(r.Context(), status, limit)
	if err != nil {
		writeError(w, "list anchors", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"anchors": list})
}

func (s *Server) reconcileAnchor(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Operator string `json:"operator"`
	}
	if !decodeOptional(w, r, &req) {
		return
	}
	a, err := s.Spine.ReconcileAnchor(r.Context(), chi.URLParam(r, "hash"), s.actor(r, req.Operator))
	if err != nil {
		writeError(w, "reconcile anchor", err)
		return
	}
	httpx.WriteJSON(w, http.StatusAccepted, a)
}

func (s *Server) transferOwnership(w http.ResponseWriter, r *http.Request) {
	var req spine.TransferRequest
	if !decode(w, r, &req) {
		return
	}
	req.RequestID = requestID(r, req.RequestID)
	req.Actor = s.actor(r, req.Actor)
	if !s.actsFor(r, req.ExpectedOwner) {
		httpx.ErrorCode(w, http.StatusForbidden, "FORBIDDEN", "only the current owner may transfer")
		return
	}
	edge, err := s.Spine.TransferOwnership(r.Context(), req)
	if err != nil {
		writeError(w, "transfer ownership", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, edge)
}

func (s *Server) putConsent(w http.ResponseWriter, r *http.Request) {
	var req spine.ConsentRequest
	if !decode(w, r, &req) {
		return
	}
	req.RequestID = requestID(r, req.RequestID)
	if !s.actsFor(r, req.SubjectID) {
		httpx.ErrorCode(w, http.StatusForbidden, "FORBIDDEN", "consent can only be set by its subject")
		return
	}
	p, err := s.Spine.PutConsent(r.Context(), req)
	if err != nil {
		writeError(w, "put consent", err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, p)
}

func (s *Server) revokeConsent(w http.ResponseWriter, r *http.Request) {
	var req spine.RevokeRequest
	if !decode(w, r, &req) {
		return
	}
	req.RequestID = requestID(r, req.RequestID)
	if !s.actsFor(r, req.SubjectID) {
		httpx.ErrorCode(w, http.StatusForbidden, "FORBIDDEN", "consent can only be revoked by its subject")
		return
	}
	p, err := s.Spine.RevokeConsent(r.Context(), req)
	if err != nil {
		writeError(w, "revoke consent", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, p)
}

// actor is the authenticated subject, or the caller's claim when auth is off.
func (s *Server) actor(r *http.Request, claimed string) string {
	if s.AuthOff {
		return strings.TrimSpace(claimed)
	}
	p, _ := auth.PrincipalFromContext(r.Context())
	return p.Subject
}

// actsFor reports whether the caller may write on behalf of subject.
// Operators may act for anyone.
func (s *Server) actsFor(r *http.Request, subject string) bool {
	if s.AuthOff {
		return true
	}
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		return false
	}
	return p.Subject == subject || auth.HasAnyRole(p, roleOperator)
}

// bindViewer ties the viewer to the token subject. Services and operators
// ask on behalf of other viewers; anyone else may only ask as themselves,
// and an omitted viewer is the subject.
func (s *Server) bindViewer(w http.ResponseWriter, r *http.Request, req *spine.CheckRequest) bool {
	if s.AuthOff {
		return true
	}
	p, _ := auth.PrincipalFromContext(r.Context())
	claimed := strings.TrimSpace(req.ViewerID)
	if auth.HasAnyRole(p, roleService, roleOperator) && claimed != "" {
		return true
	}
	if claimed != "" && claimed != p.Subject {
		httpx.ErrorCode(w, http.StatusForbidden, "FORBIDDEN", "viewer_id must match the token subject")
		return false
	}
	req.ViewerID = p.Subject
	return true
}

func anchorStatus(a anchor.Anchor) int {
	if a.Terminal() {
		return http.StatusOK
	}
	return http.StatusAccepted
}

func requestID(r *http.Request, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	return strings.TrimSpace(r.Header.Get("Idempotency-Key"))
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := httpx.DecodeJSON(r, v); err != nil {
		if errors.Is(err, httpx.ErrBodyTooLarge) {
			httpx.ErrorCode(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", err.Error())
			return false
		}
		httpx.ErrorCode(w, http.StatusBadRequest, "INVALID_JSON", err.Error())
		return false
	}
	return true
}

// decodeOptional accepts an empty body.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	return decode(w, r, v)
}

func queryInt(raw string, def int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	return strconv.Atoi(strings.TrimSpace(raw))
}

func pageLimit(raw string) (int, error) {
	n, err := queryInt(raw, 100)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if n > maxPageSize {
		n = maxPageSize
	}
	return n, nil
}

type apiError struct {
	status int
	code   string
}

// errorStatus maps domain errors onto HTTP. Order matters: a replayed
// rejection wraps its registered cause, so it maps like the first call.
func errorStatus(err error) apiError {
	var rejected *mutationlog.RejectedError
	switch {
	case errors.Is(err, spine.ErrInvalidRequest),
		errors.Is(err, mutationlog.ErrInvalidRequest),
		errors.Is(err, anchor.ErrInvalidRequest),
		errors.Is(err, escalation.ErrInvalidApproval):
		return apiError{http.StatusBadRequest, "INVALID_REQUEST"}
	case errors.Is(err, policyeval.ErrPolicyVersionMismatch):
		return apiError{http.StatusBadRequest, "POLICY_VERSION_MISMATCH"}
	case errors.Is(err, graph.ErrNotFound),
		errors.Is(err, audit.ErrNotFound),
		errors.Is(err, escalation.ErrNotFound),
		errors.Is(err, anchor.ErrNotFound):
		return apiError{http.StatusNotFound, "NOT_FOUND"}
	case errors.Is(err, escalation.ErrEscalationConflict):
		return apiError{http.StatusConflict, "ESCALATION_CONFLICT"}
	case errors.Is(err, escalation.ErrSelfApproval):
		return apiError{http.StatusConflict, "SELF_APPROVAL"}
	case errors.Is(err, escalation.ErrSlotFilled):
		return apiError{http.StatusConflict, "SLOT_FILLED"}
	case errors.Is(err, escalation.ErrEscalationExpired):
		return apiError{http.StatusGone, "ESCALATION_EXPIRED"}
	case errors.Is(err, escalation.ErrEscalationClosed):
		return apiError{http.StatusConflict, "ESCALATION_CLOSED"}
	case errors.Is(err, escalation.ErrVersionConflict):
		return apiError{http.StatusConflict, "VERSION_CONFLICT"}
	case errors.Is(err, escalation.ErrEscalationPending):
		return apiError{http.StatusConflict, "ESCALATION_PENDING"}
	case errors.Is(err, escalation.ErrEscalationDenied),
		errors.Is(err, spine.ErrDisclosureDenied):
		return apiError{http.StatusForbidden, "DENIED"}
	case errors.Is(err, spine.ErrNotEscalated):
		return apiError{http.StatusConflict, "NOT_ESCALATED"}
	case errors.Is(err, spine.ErrNoDecision):
		return apiError{http.StatusConflict, "NO_DECISION"}
	case errors.Is(err, spine.ErrRequestConflict), errors.Is(err, escalation.ErrSubjectMismatch):
		return apiError{http.StatusConflict, "REQUEST_CONFLICT"}
	case errors.Is(err, graph.ErrOwnershipConflict):
		return apiError{http.StatusConflict, "OWNERSHIP_CONFLICT"}
	case errors.Is(err, graph.ErrIdentityInactive):
		return apiError{http.StatusUnprocessableEntity, "IDENTITY_INACTIVE"}
	case errors.Is(err, anchor.ErrNotReconcilable):
		return apiError{http.StatusConflict, "NOT_RECONCILABLE"}
	case errors.Is(err, audit.ErrChainIntegrityViolation):
		return apiError{http.StatusServiceUnavailable, "CHAIN_INTEGRITY_VIOLATION"}
	case errors.Is(err, graph.ErrGraphUnavailable):
		return apiError{http.StatusServiceUnavailable, "GRAPH_UNAVAILABLE"}
	case errors.Is(err, audit.ErrAppendContention):
		return apiError{http.StatusServiceUnavailable, "APPEND_CONTENTION"}
	case errors.Is(err, mutationlog.ErrRecordFailed):
		return apiError{http.StatusServiceUnavailable, "MUTATION_NOT_RECORDED"}
	case errors.Is(err, spine.ErrNoFacetProvider), errors.Is(err, spine.ErrNoAnchorVerifier):
		return apiError{http.StatusNotImplemented, "NOT_CONFIGURED"}
	case errors.As(err, &rejected):
		return apiError{http.StatusConflict, "REJECTED"}
	default:
		return apiError{http.StatusInternalServerError, "INTERNAL"}
	}
}

func writeError(w http.ResponseWriter, op string, err error) {
	e := errorStatus(err)
	if e.status >= 500 {
		log.Printf("spine %s: %v", op, err)
	}
	if e.status == http.StatusInternalServerError {
		httpx.ErrorCode(w, e.status, e.code, "internal error")
		return
	}
	httpx.ErrorCode(w, e.status, e.code, err.Error())
}
