// Package metrics keeps in-process counters for the spine and renders them
// as JSON or Prometheus text.
package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

const prefix = "spine_"

type Registry struct {
	mu              sync.RWMutex
	endpoint        map[string]*EndpointStat
	decisions       map[string]int64 // decision|reason
	escalations     map[string]int64
	anchors         map[string]int64
	duplicates      map[string]int64
	gauges          map[string]float64
	chainAppends    int64
	chainRetries    int64
	chainViolations int64
	revocations     int64
	Histograms      *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type Snapshot struct {
	GeneratedAt     string                  `json:"generated_at"`
	Endpoints       map[string]EndpointStat `json:"endpoints"`
	Decisions       map[string]int64        `json:"decisions"`
	Escalations     map[string]int64        `json:"escalation_transitions"`
	Anchors         map[string]int64        `json:"anchor_statuses"`
	Duplicates      map[string]int64        `json:"duplicate_mutations"`
	Gauges          map[string]float64      `json:"gauges"`
	ChainAppends    int64                   `json:"chain_appends_total"`
	ChainRetries    int64                   `json:"chain_cas_retries_total"`
	ChainViolations int64                   `json:"chain_violations_total"`
	Revocations     int64                   `json:"revocations_consumed_total"`
	Histograms      []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:    map[string]*EndpointStat{},
		decisions:   map[string]int64{},
		escalations: map[string]int64{},
		anchors:     map[string]int64{},
		duplicates:  map[string]int64{},
		gauges:      map[string]float64{},
		Histograms:  NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(name string, d time.Duration) {
	r.Histograms.ObserveDuration(name, d)
}

func (r *Registry) ObserveVerification(d time.Duration) {
	r.Histograms.Get("anchor_verification", VerificationBuckets).Observe(d)
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

func (r *Registry) inc(m map[string]int64, key string) {
	key = strings.TrimSpace(key)
	if key == "" {
		return
	}
	r.mu.Lock()
	m[key]++
	r.mu.Unlock()
}

func (r *Registry) IncDecision(decision, reason string) {
	decision = strings.TrimSpace(decision)
	if decision == "" {
		return
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "UNKNOWN"
	}
	r.inc(r.decisions, decision+"|"+reason)
}

func (r *Registry) IncEscalation(status string) { r.inc(r.escalations, status) }
func (r *Registry) IncAnchor(status string)     { r.inc(r.anchors, status) }
func (r *Registry) IncDuplicate(op string)      { r.inc(r.duplicates, op) }

func (r *Registry) IncChainAppend() {
	r.mu.Lock()
	r.chainAppends++
	r.mu.Unlock()
}

func (r *Registry) IncChainRetry() {
	r.mu.Lock()
	r.chainRetries++
	r.mu.Unlock()
}

func (r *Registry) IncChainViolation() {
	r.mu.Lock()
	r.chainViolations++
	r.mu.Unlock()
}

func (r *Registry) IncRevocation() {
	r.mu.Lock()
	r.revocations++
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func copyCounts(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:     time.Now().UTC().Format(time.RFC3339),
		Endpoints:       make(map[string]EndpointStat, len(r.endpoint)),
		Decisions:       copyCounts(r.decisions),
		Escalations:     copyCounts(r.escalations),
		Anchors:         copyCounts(r.anchors),
		Duplicates:      copyCounts(r.duplicates),
		Gauges:          make(map[string]float64, len(r.gauges)),
		ChainAppends:    r.chainAppends,
		ChainRetries:    r.chainRetries,
		ChainViolations: r.chainViolations,
		Revocations:     r.revocations,
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func writeFamily(b *strings.Builder, name, kind, help string) {
	fmt.Fprintf(b, "# HELP %s%s %s\n# TYPE %s%s %s\n", prefix, name, help, prefix, name, kind)
}

func writeLabelled(b *strings.Builder, name, help, label string, m map[string]int64) {
	writeFamily(b, name, "counter", help)
	for _, k := range SortedKeys(m) {
		fmt.Fprintf(b, "%s%s{%s=%q} %d\n", prefix, name, label, k, m[k])
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}

		writeFamily(b, "endpoint_count", "counter", "total requests by endpoint")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "%sendpoint_count{endpoint=%q} %d\n", prefix, ep, snap.Endpoints[ep].Count)
		}
		writeFamily(b, "endpoint_error_count", "counter", "total endpoint errors")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "%sendpoint_error_count{endpoint=%q} %d\n", prefix, ep, snap.Endpoints[ep].ErrorCount)
		}
		writeFamily(b, "endpoint_avg_millis", "gauge", "endpoint average latency in milliseconds")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "%sendpoint_avg_millis{endpoint=%q} %.3f\n", prefix, ep, snap.Endpoints[ep].AverageMillis)
		}

		writeFamily(b, "decision_total", "counter", "policy decisions by outcome and reason")
		for _, key := range SortedKeys(snap.Decisions) {
			decision, reason, _ := strings.Cut(key, "|")
			fmt.Fprintf(b, "%sdecision_total{decision=%q,reason=%q} %d\n", prefix, decision, reason, snap.Decisions[key])
		}
		writeLabelled(b, "escalation_transition_total", "escalation transitions by resulting status", "status", snap.Escalations)
		writeLabelled(b, "anchor_status_total", "anchors reaching a terminal status", "status", snap.Anchors)
		writeLabelled(b, "duplicate_mutation_total", "replayed mutations by operation", "operation", snap.Duplicates)

		writeFamily(b, "chain_append_total", "counter", "audit entries appended")
		fmt.Fprintf(b, "%schain_append_total %d\n", prefix, snap.ChainAppends)
		writeFamily(b, "chain_cas_retry_total", "counter", "audit appends that lost the tip race")
		fmt.Fprintf(b, "%schain_cas_retry_total %d\n", prefix, snap.ChainRetries)
		writeFamily(b, "chain_violation_total", "counter", "detected chain integrity violations")
		fmt.Fprintf(b, "%schain_violation_total %d\n", prefix, snap.ChainViolations)
		writeFamily(b, "revocation_consumed_total", "counter", "consent revocations applied from the feed")
		fmt.Fprintf(b, "%srevocation_consumed_total %d\n", prefix, snap.Revocations)

		writeFamily(b, "gauge", "gauge", "operational gauges")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "%sgauge{name=%q} %.3f\n", prefix, name, snap.Gauges[name])
		}
		for _, h := range snap.Histograms {
			writeFamily(b, "latency_seconds", "histogram", "latency histogram")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "%slatency_seconds_bucket{name=%q,le=\"%.3f\"} %d\n", prefix, h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "%slatency_seconds_bucket{name=%q,le=\"+Inf\"} %d\n", prefix, h.Name, h.Count)
			fmt.Fprintf(b, "%slatency_seconds_sum{name=%q} %.6f\n", prefix, h.Name, h.Sum)
			fmt.Fprintf(b, "%slatency_seconds_count{name=%q} %d\n", prefix, h.Name, h.Count)
		}
		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
