package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"

	"integrityspine/pkg/anchor"
	"integrityspine/pkg/escalation"
)

// fakeSpine answers the operator endpoints and records what it was sent.
type fakeSpine struct {
	paths    []string
	bodies   []string
	auth     string
	verifyOK bool
}

func (f *fakeSpine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.paths = append(f.paths, r.Method+" "+r.URL.RequestURI())
	var body bytes.Buffer
	_, _ = body.ReadFrom(r.Body)
	f.bodies = append(f.bodies, body.String())
	f.auth = r.Header.Get("Authorization")
	w.Header().Set("Content-Type", "application/json")

	pending := escalation.Record{
		ID: "esc-1", ViewerID: "shaky", AssetID: "asset-1", Reason: "LOW_TRUST",
		State:     escalation.Pending{Approvals: map[escalation.Role]string{escalation.RoleGovernance: "gov-1"}},
		ExpiresAt: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
	}
	failed := anchor.Anchor{CorrelationHash: "abc", EventID: "evt-1", Status: anchor.StatusFailed, LastError: "ledger down"}

	switch {
	case r.URL.Path == "/v1/escalations":
		_ = json.NewEncoder(w).Encode(map[string]any{"escalations": []escalation.Record{pending}})
	case r.URL.Path == "/v1/escalations/esc-1":
		_ = json.NewEncoder(w).Encode(pending)
	case r.URL.Path == "/v1/escalations/esc-1/resolve":
		var a escalation.Approval
		_ = json.Unmarshal(body.Bytes(), &a)
		rec := pending
		if a.Outcome == escalation.OutcomeDeny {
			rec.State = escalation.Denied{By: a.ActorID, Role: a.Role}
		} else {
			rec.State = escalation.Approved{Governance: "gov-1", Compliance: a.ActorID}
		}
		_ = json.NewEncoder(w).Encode(rec)
	case r.URL.Path == "/v1/audit/verify", r.URL.Path == "/v1/audit/resume":
		if f.verifyOK {
			_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "report": map[string]int{"entries": 3}})
			return
		}
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "violation": map[string]any{"seq": 2, "entry_id": "e2", "reason": "entry hash mismatch"}})
	case r.URL.Path == "/v1/anchors":
		_ = json.NewEncoder(w).Encode(map[string]any{"anchors": []anchor.Anchor{failed}})
	case r.URL.Path == "/v1/anchors/abc":
		_ = json.NewEncoder(w).Encode(failed)
	case r.URL.Path == "/v1/anchors/abc/reconcile":
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(anchor.Anchor{CorrelationHash: "abc", Status: anchor.StatusPending})
	default:
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "escalation: not found", "code": "NOT_FOUND"})
	}
}

func setup(t *testing.T) (*fakeSpine, string) {
	t.Helper()
	color.NoColor = true
	f := &fakeSpine{verifyOK: true}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	t.Setenv("SPINE_URL", srv.URL)
	t.Setenv("SPINE_TOKEN", "")
	return f, srv.URL
}

func TestRunRequiresCommand(t *testing.T) {
	var out bytes.Buffer
	if err := run(nil, &out); err == nil || !strings.Contains(out.String(), "spinectl commands") {
		t.Fatalf("expected usage, got %v %q", err, out.String())
	}
	if err := run([]string{"escalation", "frobnicate"}, &out); err == nil {
		t.Fatal("expected unknown command error")
	}
}

func TestEscalationCommands(t *testing.T) {
	f, _ := setup(t)
	var out bytes.Buffer

	if err := run([]string{"escalation", "list"}, &out); err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out.String(), "esc-1  pending") || !strings.Contains(out.String(), "1 pending escalations") {
		t.Fatalf("unexpected list output %q", out.String())
	}
	if f.paths[0] != "GET /v1/escalations?limit=100&status=pending" {
		t.Fatalf("unexpected request %s", f.paths[0])
	}

	out.Reset()
	if err := run([]string{"escalation", "get", "esc-1"}, &out); err != nil {
		t.Fatalf("get: %v", err)
	}
	if !strings.Contains(out.String(), "governance gov-1") || !strings.Contains(out.String(), "compliance -") {
		t.Fatalf("unexpected get output %q", out.String())
	}

	out.Reset()
	if err := run([]string{"escalation", "approve", "esc-1", "--role", "compliance", "--actor", "comp-1", "--token", "t0k"}, &out); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if !strings.Contains(out.String(), "approved") || f.auth != "Bearer t0k" {
		t.Fatalf("unexpected approve output %q auth=%q", out.String(), f.auth)
	}
	var sent escalation.Approval
	if err := json.Unmarshal([]byte(f.bodies[len(f.bodies)-1]), &sent); err != nil || sent.Role != escalation.RoleCompliance || sent.ActorID != "comp-1" {
		t.Fatalf("unexpected approval body %q", f.bodies[len(f.bodies)-1])
	}

	out.Reset()
	if err := run([]string{"escalation", "deny", "esc-1", "--role", "governance", "--actor", "gov-2"}, &out); err != nil {
		t.Fatalf("deny: %v", err)
	}
	if !strings.Contains(out.String(), "denied by  gov-2 (governance)") {
		t.Fatalf("unexpected deny output %q", out.String())
	}
}

func TestEscalationArgumentErrors(t *testing.T) {
	setup(t)
	var out bytes.Buffer
	for _, args := range [][]string{
		{"escalation", "get"},
		{"escalation", "approve", "--role", "governance"},
		{"escalation", "approve", "esc-1", "--role", "auditor"},
		{"escalation", "list", "--bogus"},
	} {
		if err := run(args, &out); err == nil {
			t.Fatalf("expected error for %v", args)
		}
	}
	err := run([]string{"escalation", "get", "missing"}, &out)
	if err == nil || !strings.Contains(err.Error(), "NOT_FOUND (404)") {
		t.Fatalf("expected not found api error, got %v", err)
	}
}

func TestAuditCommands(t *testing.T) {
	f, _ := setup(t)
	var out bytes.Buffer
	if err := run([]string{"audit", "verify"}, &out); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !strings.Contains(out.String(), "chain ok") {
		t.Fatalf("unexpected verify output %q", out.String())
	}

	f.verifyOK = false
	out.Reset()
	if err := run([]string{"audit", "verify"}, &out); err == nil {
		t.Fatal("expected verification failure")
	}
	if !strings.Contains(out.String(), "chain broken at seq 2 (e2)") {
		t.Fatalf("unexpected violation output %q", out.String())
	}

	out.Reset()
	if err := run([]string{"audit", "resume", "--operator", "ops-1"}, &out); err == nil {
		t.Fatal("expected resume failure while chain is broken")
	}
	if !strings.Contains(f.bodies[len(f.bodies)-1], `"operator":"ops-1"`) {
		t.Fatalf("unexpected resume body %q", f.bodies[len(f.bodies)-1])
	}
	f.verifyOK = true
	if err := run([]string{"audit", "resume", "--operator", "ops-1"}, &out); err != nil {
		t.Fatalf("resume: %v", err)
	}
}

func TestAnchorCommands(t *testing.T) {
	f, _ := setup(t)
	var out bytes.Buffer
	if err := run([]string{"anchor", "failed"}, &out); err != nil {
		t.Fatalf("failed: %v", err)
	}
	if !strings.Contains(out.String(), "abc  failed") || !strings.Contains(out.String(), "last error: ledger down") {
		t.Fatalf("unexpected failed output %q", out.String())
	}
	out.Reset()
	if err := run([]string{"anchor", "get", "abc"}, &out); err != nil {
		t.Fatalf("get: %v", err)
	}
	out.Reset()
	if err := run([]string{"anchor", "reconcile", "abc", "--operator", "ops-1"}, &out); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !strings.Contains(out.String(), "abc  pending") {
		t.Fatalf("unexpected reconcile output %q", out.String())
	}
	if last := f.paths[len(f.paths)-1]; last != "POST /v1/anchors/abc/reconcile" {
		t.Fatalf("unexpected request %s", last)
	}
	if err := run([]string{"anchor", "reconcile"}, &out); err == nil {
		t.Fatal("expected missing hash error")
	}
}

func TestMainExitsOnError(t *testing.T) {
	origExit := osExit
	defer func() { osExit = origExit }()
	code := 0
	osExit = func(c int) { code = c }
	setup(t)
	main()
	if code != 1 {
		t.Fatalf("expected exit 1 without a command, got %d", code)
	}
}
