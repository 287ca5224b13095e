package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRegistryCountersAndSnapshot(t *testing.T) {
	r := NewRegistry()
	r.Observe("POST /v1/decisions", 200, 15*time.Millisecond)
	r.Observe("POST /v1/decisions", 503, 35*time.Millisecond)
	r.IncDecision("allow", "TRUSTED_CONNECTION")
	r.IncDecision("allow", "TRUSTED_CONNECTION")
	r.IncDecision("escalate", "")
	r.IncEscalation("approved")
	r.IncAnchor("failed")
	r.IncDuplicate("decide")
	r.IncChainAppend()
	r.IncChainRetry()
	r.IncChainViolation()
	r.IncRevocation()
	r.SetGauge("escalations_pending", 3)

	snap := r.Snapshot()
	ep := snap.Endpoints["POST /v1/decisions"]
	if ep.Count != 2 || ep.ErrorCount != 1 || ep.MaxMillis != 35 {
		t.Fatalf("unexpected endpoint stat %+v", ep)
	}
	if snap.Decisions["allow|TRUSTED_CONNECTION"] != 2 || snap.Decisions["escalate|UNKNOWN"] != 1 {
		t.Fatalf("unexpected decisions %+v", snap.Decisions)
	}
	if snap.Escalations["approved"] != 1 || snap.Anchors["failed"] != 1 || snap.Duplicates["decide"] != 1 {
		t.Fatalf("unexpected labelled counters %+v", snap)
	}
	if snap.ChainAppends != 1 || snap.ChainRetries != 1 || snap.ChainViolations != 1 || snap.Revocations != 1 {
		t.Fatalf("unexpected chain counters %+v", snap)
	}
	if snap.Gauges["escalations_pending"] != 3 {
		t.Fatalf("unexpected gauge %v", snap.Gauges)
	}
}

func TestSortedKeys(t *testing.T) {
	keys := SortedKeys(map[string]int{"b": 2, "a": 1, "c": 3})
	if len(keys) != 3 || keys[0] != "a" || keys[1] != "b" || keys[2] != "c" {
		t.Fatalf("unexpected order: %#v", keys)
	}
}

func TestPrometheusHandler(t *testing.T) {
	r := NewRegistry()
	r.Observe("POST /v1/policy/check", 200, 12*time.Millisecond)
	r.IncDecision("deny", "STRANGER_PRIVATE")
	r.IncAnchor("verified")
	r.IncChainAppend()
	r.SetGauge("escalations_pending", 7)

	rr := httptest.NewRecorder()
	r.PrometheusHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics/prometheus", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := rr.Body.String()
	for _, want := range []string{
		`spine_endpoint_count{endpoint="POST /v1/policy/check"} 1`,
		`spine_decision_total{decision="deny",reason="STRANGER_PRIVATE"} 1`,
		`spine_anchor_status_total{status="verified"} 1`,
		`spine_chain_append_total 1`,
		`spine_gauge{name="escalations_pending"} 7.000`,
		"# TYPE spine_chain_violation_total counter",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in:\n%s", want, body)
		}
	}
}

func TestJSONHandlerSkipsEmptyKeys(t *testing.T) {
	r := NewRegistry()
	r.IncDecision("", "X")
	r.IncEscalation("  ")
	r.SetGauge("", 5)
	rr := httptest.NewRecorder()
	r.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if got := rr.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("expected json content type, got %q", got)
	}
	body := rr.Body.String()
	if !strings.Contains(body, `"generated_at"`) {
		t.Fatalf("expected generated timestamp in body: %s", body)
	}
	if strings.Contains(body, `"": `) {
		t.Fatalf("did not expect empty-key counters in body: %s", body)
	}
}
