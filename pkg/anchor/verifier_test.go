package anchor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"integrityspine/pkg/mutationlog"
)

// fakeLedger reports scripted statuses per ref; the last status repeats.
type fakeLedger struct {
	mu       sync.Mutex
	name     string
	script   map[string][]string
	polls    map[string]int
	submits  int
	failPoll error
}

func newFakeLedger(name string) *fakeLedger {
	return &fakeLedger{name: name, script: map[string][]string{}, polls: map[string]int{}}
}

func (f *fakeLedger) SubmitTransaction(_ context.Context, payload []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	return fmt.Sprintf("%s-%d", f.name, f.submits), nil
}

func (f *fakeLedger) GetStatus(_ context.Context, ref string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPoll != nil {
		return "", f.failPoll
	}
	n := f.polls[ref]
	f.polls[ref] = n + 1
	s := f.script[ref]
	if len(s) == 0 {
		return LedgerPending, nil
	}
	if n >= len(s) {
		return s[len(s)-1], nil
	}
	return s[n], nil
}

func (f *fakeLedger) pollCount(ref string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls[ref]
}

func newTestVerifier(pub, priv *fakeLedger, cfg Config) *Verifier {
	v := NewVerifier(NewMemoryStore(), pub, priv, mutationlog.New(mutationlog.NewMemoryStore(), time.Hour), cfg)
	v.Logger = nil
	v.sleep = func(context.Context, time.Duration) error { return nil }
	return v
}

func waitTerminal(t *testing.T, v *Verifier, hash string) Anchor {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	a, err := v.Wait(ctx, hash)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	return a
}

func TestCorrelationHashBindsAllParts(t *testing.T) {
	h := CorrelationHash("p", "q", "e")
	for _, other := range []string{
		CorrelationHash("q", "p", "e"),
		CorrelationHash("p", "q", "f"),
		CorrelationHash("p|q", "", "e"),
		CorrelationHash("p", "q|e", ""),
		CorrelationHash("p|", "q", "e"),
	} {
		if other == h {
			t.Fatal("expected distinct correlation hash")
		}
	}
	if len(h) != 64 {
		t.Fatalf("unexpected hash length %d", len(h))
	}
}

func TestVerifyConfirmsBothLedgers(t *testing.T) {
	pub, priv := newFakeLedger("pub"), newFakeLedger("priv")
	pub.script["tx-a"] = []string{LedgerPending, LedgerConfirmed}
	priv.script["tx-b"] = []string{LedgerPending, LedgerPending, LedgerConfirmed}
	var mu sync.Mutex
	var events []Anchor
	v := newTestVerifier(pub, priv, Config{MaxRetries: 5})
	v.OnStatus = func(a Anchor) {
		mu.Lock()
		events = append(events, a)
		mu.Unlock()
	}

	a, err := v.Verify(context.Background(), "tx-a", "tx-b", "evt-1")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if a.CorrelationHash != CorrelationHash("tx-a", "tx-b", "evt-1") {
		t.Fatalf("wrong hash %s", a.CorrelationHash)
	}
	done := waitTerminal(t, v, a.CorrelationHash)
	if done.Status != StatusVerified {
		t.Fatalf("expected verified, got %+v", done)
	}
	if pub.pollCount("tx-a") != 2 {
		t.Fatalf("confirmed ledger polled again: %d", pub.pollCount("tx-a"))
	}
	if priv.pollCount("tx-b") != 3 {
		t.Fatalf("expected 3 private polls, got %d", priv.pollCount("tx-b"))
	}
	mu.Lock()
	defer mu.Unlock()
	if len(events) != 1 || events[0].Status != StatusVerified {
		t.Fatalf("expected one terminal event, got %+v", events)
	}
}

func TestRepeatVerifyDoesNotRepoll(t *testing.T) {
	pub, priv := newFakeLedger("pub"), newFakeLedger("priv")
	pub.script["a"] = []string{LedgerConfirmed}
	priv.script["b"] = []string{LedgerConfirmed}
	v := newTestVerifier(pub, priv, Config{})
	first, err := v.Verify(context.Background(), "a", "b", "e")
	if err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, v, first.CorrelationHash)
	for i := 0; i < 3; i++ {
		again, err := v.Verify(context.Background(), "a", "b", "e")
		if err != nil || again.Status != StatusVerified {
			t.Fatalf("repeat verify: %+v %v", again, err)
		}
	}
	if pub.pollCount("a") != 1 || priv.pollCount("b") != 1 {
		t.Fatalf("repeat calls re-polled: pub=%d priv=%d", pub.pollCount("a"), priv.pollCount("b"))
	}
}

func TestLedgerFailureFailsAnchor(t *testing.T) {
	pub, priv := newFakeLedger("pub"), newFakeLedger("priv")
	pub.script["a"] = []string{LedgerConfirmed}
	priv.script["b"] = []string{LedgerPending, LedgerFailed}
	v := newTestVerifier(pub, priv, Config{MaxRetries: 5})
	a, _ := v.Verify(context.Background(), "a", "b", "e")
	done := waitTerminal(t, v, a.CorrelationHash)
	if done.Status != StatusFailed || done.PrivateStatus != LedgerFailed || done.LastError != ErrLedgerFailed.Error() {
		t.Fatalf("expected ledger failure, got %+v", done)
	}
}

func TestExhaustionRecordsTimeout(t *testing.T) {
	pub, priv := newFakeLedger("pub"), newFakeLedger("priv")
	pub.script["a"] = []string{LedgerConfirmed}
	var slept []time.Duration
	v := newTestVerifier(pub, priv, Config{MaxRetries: 4, BaseBackoff: time.Second, MaxBackoff: 3 * time.Second})
	v.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	a, _ := v.Verify(context.Background(), "a", "b", "e")
	done := waitTerminal(t, v, a.CorrelationHash)
	if done.Status != StatusFailed || done.RetryCount != 4 {
		t.Fatalf("expected failed after 4 rounds, got %+v", done)
	}
	if !strings.HasPrefix(done.LastError, ErrAnchorVerificationTimeout.Error()) {
		t.Fatalf("unexpected last error %q", done.LastError)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}
	if fmt.Sprint(slept) != fmt.Sprint(want) {
		t.Fatalf("backoff %v, want %v", slept, want)
	}
	failed, err := v.ListByStatus(context.Background(), StatusFailed, 10)
	if err != nil || len(failed) != 1 {
		t.Fatalf("failed listing: %v %v", failed, err)
	}
}

func TestTransportErrorsAreRecorded(t *testing.T) {
	pub, priv := newFakeLedger("pub"), newFakeLedger("priv")
	pub.failPoll = errors.New("connection refused")
	v := newTestVerifier(pub, priv, Config{MaxRetries: 2})
	a, _ := v.Verify(context.Background(), "a", "b", "e")
	done := waitTerminal(t, v, a.CorrelationHash)
	if done.Status != StatusFailed || !strings.Contains(done.LastError, "connection refused") {
		t.Fatalf("expected transport error recorded, got %+v", done)
	}
}

func TestVerificationOutlivesCaller(t *testing.T) {
	pub, priv := newFakeLedger("pub"), newFakeLedger("priv")
	pub.script["a"] = []string{LedgerConfirmed}
	priv.script["b"] = []string{LedgerPending, LedgerConfirmed}
	v := newTestVerifier(pub, priv, Config{})
	release := make(chan struct{})
	v.sleep = func(ctx context.Context, _ time.Duration) error {
		<-release
		return ctx.Err()
	}
	ctx, cancel := context.WithCancel(context.Background())
	a, err := v.Verify(ctx, "a", "b", "e")
	if err != nil {
		t.Fatal(err)
	}
	cancel()
	close(release)
	if done := waitTerminal(t, v, a.CorrelationHash); done.Status != StatusVerified {
		t.Fatalf("cancelled caller stopped verification: %+v", done)
	}
}

func TestReconcileRestartsFailedAnchor(t *testing.T) {
	pub, priv := newFakeLedger("pub"), newFakeLedger("priv")
	pub.script["a"] = []string{LedgerConfirmed}
	priv.script["b"] = []string{LedgerFailed, LedgerConfirmed}
	v := newTestVerifier(pub, priv, Config{})
	a, _ := v.Verify(context.Background(), "a", "b", "e")
	if done := waitTerminal(t, v, a.CorrelationHash); done.Status != StatusFailed {
		t.Fatalf("expected failed first, got %+v", done)
	}
	if _, err := v.Reconcile(context.Background(), a.CorrelationHash); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	done := waitTerminal(t, v, a.CorrelationHash)
	if done.Status != StatusVerified || done.RetryCount != 0 {
		t.Fatalf("expected verified after reconcile, got %+v", done)
	}
	if pub.pollCount("a") != 1 {
		t.Fatalf("confirmed ledger re-polled on reconcile: %d", pub.pollCount("a"))
	}
	if _, err := v.Reconcile(context.Background(), a.CorrelationHash); !errors.Is(err, ErrNotReconcilable) {
		t.Fatalf("expected not reconcilable, got %v", err)
	}
}

func TestAnchorEventSubmitsOncePerLedger(t *testing.T) {
	pub, priv := newFakeLedger("pub"), newFakeLedger("priv")
	pub.script["pub-1"] = []string{LedgerConfirmed}
	priv.script["priv-1"] = []string{LedgerConfirmed}
	v := newTestVerifier(pub, priv, Config{})
	first, err := v.AnchorEvent(context.Background(), "evt-9", []byte(`{"seq":1}`))
	if err != nil {
		t.Fatalf("anchor event: %v", err)
	}
	second, err := v.AnchorEvent(context.Background(), "evt-9", []byte(`{"seq":1}`))
	if err != nil {
		t.Fatalf("repeat anchor event: %v", err)
	}
	if first.CorrelationHash != second.CorrelationHash || first.TxPublic != "pub-1" || first.TxPrivate != "priv-1" {
		t.Fatalf("unexpected anchors %+v %+v", first, second)
	}
	if pub.submits != 1 || priv.submits != 1 {
		t.Fatalf("ledgers resubmitted: pub=%d priv=%d", pub.submits, priv.submits)
	}
}

func TestVerifyValidatesInput(t *testing.T) {
	v := newTestVerifier(newFakeLedger("p"), newFakeLedger("q"), Config{})
	if _, err := v.Verify(context.Background(), "", "b", "e"); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
	if _, err := v.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestResumePending(t *testing.T) {
	pub, priv := newFakeLedger("pub"), newFakeLedger("priv")
	pub.script["a"] = []string{LedgerConfirmed}
	priv.script["b"] = []string{LedgerConfirmed}
	v := newTestVerifier(pub, priv, Config{})
	hash := CorrelationHash("a", "b", "e")
	if _, _, err := v.Store.Create(context.Background(), Anchor{CorrelationHash: hash, TxPublic: "a", TxPrivate: "b", EventID: "e",
		Status: StatusPending, PublicStatus: LedgerPending, PrivateStatus: LedgerPending}); err != nil {
		t.Fatal(err)
	}
	n, err := v.ResumePending(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("resume: %d %v", n, err)
	}
	if done := waitTerminal(t, v, hash); done.Status != StatusVerified {
		t.Fatalf("expected verified, got %+v", done)
	}
}

func TestBackoffCaps(t *testing.T) {
	cfg := Config{BaseBackoff: 100 * time.Millisecond, MaxBackoff: time.Second}
	for n, want := range []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, time.Second, time.Second} {
		if got := cfg.Backoff(n); got != want {
			t.Fatalf("backoff(%d) = %s, want %s", n, got, want)
		}
	}
}
