package main

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"integrityspine/pkg/anchor"
	"integrityspine/pkg/audit"
	"integrityspine/pkg/escalation"
	"integrityspine/pkg/graph"
	"integrityspine/pkg/metrics"
	"integrityspine/pkg/models"
	"integrityspine/pkg/mutationlog"
	"integrityspine/pkg/spine"
	"integrityspine/pkg/stream"
)

const seedYAML = `
identities:
  - {id: owner, handle: "@owner", region_code: EU, trust_score: 0.9}
  - {id: friend, handle: "@friend", region_code: EU, trust_score: 0.9}
  - {id: shaky, handle: "@shaky", region_code: EU, trust_score: 0.4}
  - {id: heir, handle: "@heir", region_code: EU, trust_score: 0.9}
assets:
  - {id: asset-1, creator: owner}
trust:
  - {a: owner, b: friend}
  - {a: owner, b: shaky}
policies:
  - {id: pol-global, subject: owner, visibility: connections-only}
`

type fakeFacets struct{}

func (fakeFacets) GetSafeFacets(_ context.Context, assetID, scope string) ([]models.Facet, error) {
	return []models.Facet{{AssetID: assetID, Name: "title", Visibility: models.VisibilityPublic}}, nil
}

func testConfig() config {
	return config{
		Store:             "memory",
		AuthMode:          "off",
		EscalationTimeout: time.Hour,
		MutationRetention: time.Hour,
		MaxBodyBytes:      1 << 20,
		RateLimit:         1000,
		RateWindow:        time.Minute,
	}
}

func newTestServer(t *testing.T, cfg config) (*Server, http.Handler) {
	t.Helper()
	ctx := context.Background()
	b, err := openBackends(ctx, cfg)
	if err != nil {
		t.Fatalf("open backends: %v", err)
	}
	t.Cleanup(b.close)
	path := filepath.Join(t.TempDir(), "seed.yaml")
	if err := os.WriteFile(path, []byte(seedYAML), 0o600); err != nil {
		t.Fatalf("write seed: %v", err)
	}
	if err := loadSeed(ctx, b.graph, path); err != nil {
		t.Fatalf("seed: %v", err)
	}
	svc, err := buildService(cfg, b)
	if err != nil {
		t.Fatalf("build service: %v", err)
	}
	svc.Facets = fakeFacets{}
	s := &Server{Spine: svc, Metrics: metrics.NewRegistry(), Hub: stream.NewHub(), AuthOff: cfg.authOff()}
	svc.Instrument(s.Metrics, s.Hub)
	return s, newRouter(s, cfg, b.limiter)
}

func do(t *testing.T, h http.Handler, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
}

func TestHealthzAndMetrics(t *testing.T) {
	_, h := newTestServer(t, testConfig())
	if rr := do(t, h, http.MethodGet, "/healthz", nil); rr.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rr.Code)
	}
	do(t, h, http.MethodPost, "/v1/policy/check", spine.CheckRequest{ViewerID: "friend", AssetID: "asset-1"})
	rr := do(t, h, http.MethodGet, "/metrics", nil)
	if rr.Code != http.StatusOK || !bytes.Contains(rr.Body.Bytes(), []byte("spine_")) {
		t.Fatalf("prometheus metrics: %d %s", rr.Code, rr.Body.String())
	}
	rr = do(t, h, http.MethodGet, "/metrics?format=json", nil)
	var snap metrics.Snapshot
	decodeBody(t, rr, &snap)
	if snap.Decisions["allow|TRUSTED_CONNECTION"] != 1 {
		t.Fatalf("unexpected decisions %+v", snap.Decisions)
	}
}

func TestCheckPolicy(t *testing.T) {
	_, h := newTestServer(t, testConfig())
	rr := do(t, h, http.MethodPost, "/v1/policy/check", spine.CheckRequest{ViewerID: "shaky", AssetID: "asset-1"})
	if rr.Code != http.StatusOK {
		t.Fatalf("check: %d %s", rr.Code, rr.Body.String())
	}
	var dc models.DecisionContext
	decodeBody(t, rr, &dc)
	if dc.Decision.Decision != models.DecisionEscalate || dc.Decision.ReasonCode != "LOW_TRUST" {
		t.Fatalf("unexpected decision %+v", dc.Decision)
	}

	if rr := do(t, h, http.MethodPost, "/v1/policy/check", map[string]any{"viewer_id": "friend"}); rr.Code != http.StatusBadRequest {
		t.Fatalf("missing asset: %d", rr.Code)
	}
	if rr := do(t, h, http.MethodPost, "/v1/policy/check", map[string]any{"viewer_id": "friend", "asset_id": "asset-1", "bogus": 1}); rr.Code != http.StatusBadRequest {
		t.Fatalf("unknown field: %d", rr.Code)
	}
}

func TestEscalationRoundTrip(t *testing.T) {
	_, h := newTestServer(t, testConfig())
	req := spine.CheckRequest{ViewerID: "shaky", AssetID: "asset-1"}

	rr := do(t, h, http.MethodPost, "/v1/decisions", req, "Idempotency-Key", "req-esc")
	if rr.Code != http.StatusOK {
		t.Fatalf("decide: %d %s", rr.Code, rr.Body.String())
	}
	var out spine.Outcome
	decodeBody(t, rr, &out)
	if out.Escalation == nil || out.AuditEntry.Seq != 1 {
		t.Fatalf("expected escalation and first audit entry, got %+v", out)
	}
	id := out.Escalation.ID

	replay := do(t, h, http.MethodPost, "/v1/decisions", req, "Idempotency-Key", "req-esc")
	var again spine.Outcome
	decodeBody(t, replay, &again)
	if !again.Duplicate || again.AuditEntry.ID != out.AuditEntry.ID {
		t.Fatalf("expected duplicate replay, got %+v", again)
	}

	req.RequestID = "req-esc"
	if rr := do(t, h, http.MethodPost, "/v1/disclose", req); rr.Code != http.StatusConflict {
		t.Fatalf("disclose while pending: %d %s", rr.Code, rr.Body.String())
	}

	path := "/v1/escalations/" + id + "/resolve"
	if rr := do(t, h, http.MethodPost, path, escalation.Approval{Role: escalation.RoleGovernance, ActorID: "gov-1", Outcome: "approve"}); rr.Code != http.StatusOK {
		t.Fatalf("governance approve: %d %s", rr.Code, rr.Body.String())
	}
	if rr := do(t, h, http.MethodPost, path, escalation.Approval{Role: escalation.RoleCompliance, ActorID: "gov-1", Outcome: "approve"}); rr.Code != http.StatusConflict {
		t.Fatalf("same actor in both slots: %d %s", rr.Code, rr.Body.String())
	}
	rr = do(t, h, http.MethodPost, path, escalation.Approval{Role: escalation.RoleCompliance, ActorID: "comp-1", Outcome: "approve"})
	var rec escalation.Record
	decodeBody(t, rr, &rec)
	if rec.Status() != escalation.StatusApproved {
		t.Fatalf("expected approved, got %s", rec.Status())
	}

	rr = do(t, h, http.MethodGet, "/v1/escalations/"+id, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get escalation: %d", rr.Code)
	}
	if rr := do(t, h, http.MethodGet, "/v1/escalations/missing", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("missing escalation: %d", rr.Code)
	}

	rr = do(t, h, http.MethodPost, "/v1/disclose", req)
	if rr.Code != http.StatusOK {
		t.Fatalf("disclose after approval: %d %s", rr.Code, rr.Body.String())
	}
	var d spine.Disclosure
	decodeBody(t, rr, &d)
	if len(d.Facets) != 1 {
		t.Fatalf("unexpected disclosure %+v", d)
	}
}

func TestAuditEndpoints(t *testing.T) {
	s, h := newTestServer(t, testConfig())
	for i := 0; i < 3; i++ {
		rr := do(t, h, http.MethodPost, "/v1/decisions", spine.CheckRequest{RequestID: fmt.Sprintf("req-%d", i), ViewerID: "friend", AssetID: "asset-1"})
		if rr.Code != http.StatusOK {
			t.Fatalf("decide: %d", rr.Code)
		}
	}
	rr := do(t, h, http.MethodGet, "/v1/audit/entries?after=1&limit=10", nil)
	var page struct {
		Entries []audit.Entry `json:"entries"`
	}
	decodeBody(t, rr, &page)
	if len(page.Entries) != 2 || page.Entries[0].Seq != 2 {
		t.Fatalf("unexpected page %+v", page.Entries)
	}
	if rr := do(t, h, http.MethodGet, "/v1/audit/entries?limit=-1", nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad limit: %d", rr.Code)
	}
	if rr := do(t, h, http.MethodGet, "/v1/audit/verify", nil); rr.Code != http.StatusOK {
		t.Fatalf("verify: %d %s", rr.Code, rr.Body.String())
	}

	mem := s.Spine.Chain.Store.(*audit.MemoryStore)
	if err := mem.SetHalt(context.Background(), true, "tampered"); err != nil {
		t.Fatalf("halt: %v", err)
	}
	rr = do(t, h, http.MethodPost, "/v1/decisions", spine.CheckRequest{RequestID: "req-h", ViewerID: "friend", AssetID: "asset-1"})
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("halted chain must fail closed, got %d", rr.Code)
	}
	if rr := do(t, h, http.MethodPost, "/v1/audit/resume", map[string]string{"operator": "ops-1"}); rr.Code != http.StatusOK {
		t.Fatalf("resume: %d %s", rr.Code, rr.Body.String())
	}
	if rr := do(t, h, http.MethodPost, "/v1/audit/resume", nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("resume without operator: %d", rr.Code)
	}
}

func TestConsentAndTransfer(t *testing.T) {
	_, h := newTestServer(t, testConfig())
	rr := do(t, h, http.MethodPost, "/v1/consent", spine.ConsentRequest{RequestID: "c-1", SubjectID: "owner", AssetID: "asset-1", Visibility: models.VisibilityPrivate})
	if rr.Code != http.StatusCreated {
		t.Fatalf("put consent: %d %s", rr.Code, rr.Body.String())
	}
	rr = do(t, h, http.MethodPost, "/v1/consent/revoke", spine.RevokeRequest{RequestID: "r-1", SubjectID: "owner"})
	if rr.Code != http.StatusOK {
		t.Fatalf("revoke: %d %s", rr.Code, rr.Body.String())
	}

	bad := spine.TransferRequest{RequestID: "t-1", AssetID: "asset-1", ExpectedOwner: "friend", NewOwner: "heir", Actor: "friend"}
	// The retry replays the recorded rejection with the same status and code.
	for attempt := 0; attempt < 2; attempt++ {
		rr := do(t, h, http.MethodPost, "/v1/ownership/transfer", bad)
		var body map[string]any
		decodeBody(t, rr, &body)
		if rr.Code != http.StatusConflict || body["code"] != "OWNERSHIP_CONFLICT" {
			t.Fatalf("stale owner attempt %d: %d %s", attempt, rr.Code, rr.Body.String())
		}
	}
	good := spine.TransferRequest{RequestID: "t-2", AssetID: "asset-1", ExpectedOwner: "owner", NewOwner: "heir", Actor: "owner"}
	rr = do(t, h, http.MethodPost, "/v1/ownership/transfer", good)
	if rr.Code != http.StatusOK {
		t.Fatalf("transfer: %d %s", rr.Code, rr.Body.String())
	}
	var edge models.OwnershipEdge
	decodeBody(t, rr, &edge)
	if edge.OwnerID != "heir" {
		t.Fatalf("unexpected edge %+v", edge)
	}
}

func TestAnchorsDisabledWithoutLedgers(t *testing.T) {
	_, h := newTestServer(t, testConfig())
	if rr := do(t, h, http.MethodGet, "/v1/anchors?status=failed", nil); rr.Code != http.StatusNotImplemented {
		t.Fatalf("list anchors: %d", rr.Code)
	}
	if rr := do(t, h, http.MethodPost, "/v1/anchors/verify", map[string]string{"tx_public": "a", "tx_private": "b", "event_id": "e"}); rr.Code != http.StatusNotImplemented {
		t.Fatalf("verify anchor: %d", rr.Code)
	}
}

func TestAnchorsWithLedgers(t *testing.T) {
	ledger := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			_, _ = w.Write([]byte(`{"tx_ref":"tx-1"}`))
		default:
			_, _ = w.Write([]byte(`{"status":"confirmed"}`))
		}
	}))
	defer ledger.Close()
	cfg := testConfig()
	cfg.LedgerPublicURL = ledger.URL
	cfg.LedgerPrivateURL = ledger.URL
	cfg.AnchorBackoff = time.Millisecond
	cfg.AnchorTimeout = time.Second
	s, h := newTestServer(t, cfg)

	rr := do(t, h, http.MethodPost, "/v1/anchors/verify", map[string]string{"tx_public": "p1", "tx_private": "q1", "event_id": "evt-1"})
	if rr.Code != http.StatusOK && rr.Code != http.StatusAccepted {
		t.Fatalf("verify: %d %s", rr.Code, rr.Body.String())
	}
	var a anchor.Anchor
	decodeBody(t, rr, &a)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	final, err := s.Spine.Anchors.Wait(ctx, a.CorrelationHash)
	if err != nil || final.Status != anchor.StatusVerified {
		t.Fatalf("anchor never verified: %+v %v", final, err)
	}
	if rr := do(t, h, http.MethodGet, "/v1/anchors/"+a.CorrelationHash, nil); rr.Code != http.StatusOK {
		t.Fatalf("get anchor: %d", rr.Code)
	}
	if rr := do(t, h, http.MethodPost, "/v1/anchors/"+a.CorrelationHash+"/reconcile", map[string]string{"operator": "ops"}); rr.Code != http.StatusConflict {
		t.Fatalf("reconcile verified anchor: %d %s", rr.Code, rr.Body.String())
	}
}

func signToken(t *testing.T, secret, sub string, roles ...string) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	payload, _ := json.Marshal(map[string]any{"sub": sub, "roles": roles, "exp": time.Now().Add(time.Hour).Unix()})
	p := base64.RawURLEncoding.EncodeToString(payload)
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(header + "." + p))
	return "Bearer " + header + "." + p + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func TestAuthenticatedReview(t *testing.T) {
	const secret = "0123456789abcdef0123456789abcdef"
	cfg := testConfig()
	cfg.AuthMode = "oidc_hs256"
	cfg.AuthSecret = secret
	_, h := newTestServer(t, cfg)

	if rr := do(t, h, http.MethodPost, "/v1/decisions", spine.CheckRequest{RequestID: "a-1", ViewerID: "shaky", AssetID: "asset-1"}); rr.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous call: %d", rr.Code)
	}
	caller := signToken(t, secret, "svc-app", "service")
	rr := do(t, h, http.MethodPost, "/v1/decisions", spine.CheckRequest{RequestID: "a-1", ViewerID: "shaky", AssetID: "asset-1"}, "Authorization", caller)
	var out spine.Outcome
	decodeBody(t, rr, &out)
	if out.Escalation == nil {
		t.Fatalf("expected escalation, got %s", rr.Body.String())
	}
	path := "/v1/escalations/" + out.Escalation.ID + "/resolve"

	approval := escalation.Approval{Role: escalation.RoleGovernance, ActorID: "spoofed", Outcome: "approve"}
	if rr := do(t, h, http.MethodPost, path, approval, "Authorization", caller); rr.Code != http.StatusForbidden {
		t.Fatalf("caller without governance role: %d", rr.Code)
	}
	rr = do(t, h, http.MethodPost, path, approval, "Authorization", signToken(t, secret, "gov-7", "governance"))
	var rec escalation.Record
	decodeBody(t, rr, &rec)
	if rec.Status() != escalation.StatusPending {
		t.Fatalf("unexpected status %s", rec.Status())
	}
	pending := rec.State.(escalation.Pending)
	if pending.Approvals[escalation.RoleGovernance] != "gov-7" {
		t.Fatalf("approver must come from the token, got %+v", pending.Approvals)
	}

	if rr := do(t, h, http.MethodPost, "/v1/audit/resume", nil, "Authorization", caller); rr.Code != http.StatusForbidden {
		t.Fatalf("resume without operator role: %d", rr.Code)
	}
	if rr := do(t, h, http.MethodPost, "/v1/consent/revoke", spine.RevokeRequest{RequestID: "r", SubjectID: "owner"}, "Authorization", caller); rr.Code != http.StatusForbidden {
		t.Fatalf("revoke for another subject: %d", rr.Code)
	}
	owner := signToken(t, secret, "owner")
	if rr := do(t, h, http.MethodPost, "/v1/consent/revoke", spine.RevokeRequest{RequestID: "r", SubjectID: "owner"}, "Authorization", owner); rr.Code != http.StatusOK {
		t.Fatalf("owner revoke: %d %s", rr.Code, rr.Body.String())
	}
}

func TestViewerBoundToToken(t *testing.T) {
	const secret = "0123456789abcdef0123456789abcdef"
	cfg := testConfig()
	cfg.AuthMode = "oidc_hs256"
	cfg.AuthSecret = secret
	_, h := newTestServer(t, cfg)
	friend := signToken(t, secret, "friend")

	for _, path := range []string{"/v1/policy/check", "/v1/decisions", "/v1/disclose"} {
		rr := do(t, h, http.MethodPost, path, spine.CheckRequest{RequestID: "spoof-" + path, ViewerID: "owner", AssetID: "asset-1"}, "Authorization", friend)
		if rr.Code != http.StatusForbidden {
			t.Fatalf("%s as another viewer: %d %s", path, rr.Code, rr.Body.String())
		}
	}

	rr := do(t, h, http.MethodPost, "/v1/policy/check", spine.CheckRequest{AssetID: "asset-1"}, "Authorization", friend)
	var dc models.DecisionContext
	decodeBody(t, rr, &dc)
	if rr.Code != http.StatusOK || dc.ViewerID != "friend" || dc.Resolution.Relationship != models.RelationshipConnection {
		t.Fatalf("omitted viewer should be the subject: %d %+v", rr.Code, dc)
	}
	rr = do(t, h, http.MethodPost, "/v1/policy/check", spine.CheckRequest{ViewerID: "friend", AssetID: "asset-1"}, "Authorization", friend)
	if rr.Code != http.StatusOK {
		t.Fatalf("own viewer id: %d", rr.Code)
	}
	ops := signToken(t, secret, "ops-1", "operator")
	rr = do(t, h, http.MethodPost, "/v1/policy/check", spine.CheckRequest{ViewerID: "owner", AssetID: "asset-1"}, "Authorization", ops)
	decodeBody(t, rr, &dc)
	if rr.Code != http.StatusOK || dc.ViewerID != "owner" {
		t.Fatalf("operator on behalf of owner: %d %+v", rr.Code, dc)
	}
}

func TestRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = 1
	_, h := newTestServer(t, cfg)
	req := spine.CheckRequest{ViewerID: "friend", AssetID: "asset-1"}
	if rr := do(t, h, http.MethodPost, "/v1/policy/check", req); rr.Code != http.StatusOK {
		t.Fatalf("first call: %d", rr.Code)
	}
	rr := do(t, h, http.MethodPost, "/v1/policy/check", req)
	if rr.Code != http.StatusTooManyRequests || rr.Header().Get("Retry-After") == "" {
		t.Fatalf("second call: %d %v", rr.Code, rr.Header())
	}
	if rr := do(t, h, http.MethodGet, "/healthz", nil); rr.Code != http.StatusOK {
		t.Fatalf("healthz is not rate limited: %d", rr.Code)
	}
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("x: %w", spine.ErrInvalidRequest), http.StatusBadRequest},
		{graph.ErrNotFound, http.StatusNotFound},
		{escalation.ErrEscalationConflict, http.StatusConflict},
		{escalation.ErrEscalationExpired, http.StatusGone},
		{mutationlog.Reject(escalation.ErrSelfApproval), http.StatusConflict},
		{&mutationlog.RejectedError{Operation: "transfer", Reason: "replayed"}, http.StatusConflict},
		{escalation.ErrEscalationDenied, http.StatusForbidden},
		{&audit.IntegrityViolation{Seq: 3, Reason: "hash"}, http.StatusServiceUnavailable},
		{audit.ErrChainHalted, http.StatusServiceUnavailable},
		{fmt.Errorf("consent: %w", graph.ErrGraphUnavailable), http.StatusServiceUnavailable},
		{spine.ErrNoAnchorVerifier, http.StatusNotImplemented},
		{anchor.ErrNotReconcilable, http.StatusConflict},
		{fmt.Errorf("%w: req-1", spine.ErrNoDecision), http.StatusConflict},
		{fmt.Errorf("%w: req-1", spine.ErrRequestConflict), http.StatusConflict},
		{fmt.Errorf("%w: req-1", escalation.ErrSubjectMismatch), http.StatusConflict},
		{fmt.Errorf("%w: decide", mutationlog.ErrRecordFailed), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := errorStatus(tt.err).status; got != tt.status {
			t.Fatalf("errorStatus(%v) = %d, want %d", tt.err, got, tt.status)
		}
	}
}

func TestLoadSeedErrors(t *testing.T) {
	g := graph.NewMemoryStore()
	if err := loadSeed(context.Background(), g, filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected missing file error")
	}
	path := filepath.Join(t.TempDir(), "bad.yaml")
	_ = os.WriteFile(path, []byte("identities: {"), 0o600)
	if err := loadSeed(context.Background(), g, path); err == nil {
		t.Fatal("expected yaml error")
	}
}

func TestOpenBackendsRejectsUnknownStore(t *testing.T) {
	cfg := testConfig()
	cfg.Store = "cassandra"
	if _, err := openBackends(context.Background(), cfg); err == nil {
		t.Fatal("expected unknown store error")
	}
}
