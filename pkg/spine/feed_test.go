package spine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"integrityspine/pkg/audit"
	"integrityspine/pkg/metrics"
	"integrityspine/pkg/models"
	"integrityspine/pkg/policyeval"
	"integrityspine/pkg/statebus"
	"integrityspine/pkg/stream"
)

// fakeBus hands out queued messages, then blocks until ctx is done.
type fakeBus struct {
	mu   sync.Mutex
	msgs []statebus.Message
	errs []error
}

func (b *fakeBus) ReadMessage(ctx context.Context) (statebus.Message, error) {
	b.mu.Lock()
	if len(b.errs) > 0 {
		err := b.errs[0]
		b.errs = b.errs[1:]
		b.mu.Unlock()
		return statebus.Message{}, err
	}
	if len(b.msgs) > 0 {
		m := b.msgs[0]
		b.msgs = b.msgs[1:]
		b.mu.Unlock()
		return m, nil
	}
	b.mu.Unlock()
	<-ctx.Done()
	return statebus.Message{}, ctx.Err()
}

func (b *fakeBus) Close() error { return nil }

func revocationMessage(t *testing.T, evt RevocationEvent) statebus.Message {
	t.Helper()
	raw, err := json.Marshal(evt)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return statebus.Message{Key: []byte(evt.SubjectID), Value: raw}
}

func TestRevocationFeedHandle(t *testing.T) {
	f := newFixture(t)
	feed := NewRevocationFeed(f.svc, &fakeBus{})
	feed.Logger = nil
	var revoked []string
	feed.OnRevoked = func(req RevokeRequest, p models.ConsentPolicy) {
		revoked = append(revoked, req.SubjectID+":"+p.ID)
	}
	ctx := context.Background()

	msg := revocationMessage(t, RevocationEvent{EventID: "evt-1", SubjectID: "owner", RevokedAt: "2026-01-02T03:04:05Z"})
	if err := feed.Handle(ctx, msg); err != nil {
		t.Fatalf("handle: %v", err)
	}
	// Redelivery is a replay, not a second revocation.
	if err := feed.Handle(ctx, msg); err != nil {
		t.Fatalf("handle redelivery: %v", err)
	}
	if feed.Applied() != 2 || len(revoked) != 2 || revoked[0] != revoked[1] {
		t.Fatalf("unexpected applied=%d revoked=%v", feed.Applied(), revoked)
	}
	var revocations int
	for _, e := range f.entries(t) {
		if e.Action == "consent.revoke" {
			revocations++
		}
	}
	if revocations != 1 {
		t.Fatalf("expected one revocation entry, got %d", revocations)
	}

	dc, err := f.svc.CheckPolicy(ctx, CheckRequest{ViewerID: "friend", AssetID: "asset-1"})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if dc.Decision.ReasonCode != policyeval.ReasonConsentRevoked {
		t.Fatalf("revocation not visible to next check: %+v", dc.Decision)
	}
}

func TestRevocationFeedSkipsBadMessages(t *testing.T) {
	f := newFixture(t)
	feed := NewRevocationFeed(f.svc, &fakeBus{})
	feed.Logger = nil
	ctx := context.Background()
	for _, msg := range []statebus.Message{
		{Value: []byte("{not json")},
		revocationMessage(t, RevocationEvent{SubjectID: "owner"}),
		revocationMessage(t, RevocationEvent{EventID: "e", SubjectID: "owner", RevokedAt: "yesterday"}),
		revocationMessage(t, RevocationEvent{EventID: "e2", SubjectID: "friend", PolicyID: "pol-global"}),
	} {
		if err := feed.Handle(ctx, msg); err != nil {
			t.Fatalf("bad message must be skipped, got %v", err)
		}
	}
	if feed.Skipped() != 4 || feed.Applied() != 0 {
		t.Fatalf("skipped=%d applied=%d", feed.Skipped(), feed.Applied())
	}
}

func TestRevocationFeedRetriesHaltedChain(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.audit.SetHalt(ctx, true, "tampered"); err != nil {
		t.Fatalf("halt: %v", err)
	}
	bus := &fakeBus{
		errs: []error{errors.New("broker hiccup")},
		msgs: []statebus.Message{revocationMessage(t, RevocationEvent{EventID: "evt-h", SubjectID: "owner"})},
	}
	feed := NewRevocationFeed(f.svc, bus)
	feed.Logger = nil
	feed.RetryDelay = 5 * time.Millisecond
	done := make(chan struct{})
	feed.OnRevoked = func(RevokeRequest, models.ConsentPolicy) { close(done) }

	runDone := make(chan struct{})
	go func() {
		feed.Run(ctx)
		close(runDone)
	}()

	time.Sleep(30 * time.Millisecond)
	if feed.Applied() != 0 {
		t.Fatal("revocation applied while chain halted")
	}
	if err := f.audit.SetHalt(ctx, false, ""); err != nil {
		t.Fatalf("clear halt: %v", err)
	}
	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("revocation never applied after resume")
	}
	cancel()
	<-runDone
}

func TestInstrumentCountsAndStreams(t *testing.T) {
	f := newFixture(t)
	m := metrics.NewRegistry()
	hub := stream.NewHub()
	sub := hub.Subscribe(16, stream.TypeChainAppended, stream.TypeEscalation, stream.TypeDuplicateMutation)
	defer hub.Unsubscribe(sub)
	f.svc.Instrument(m, hub)
	ctx := context.Background()

	req := CheckRequest{RequestID: "req-i", ViewerID: "shaky", AssetID: "asset-1"}
	if _, err := f.svc.Decide(ctx, req); err != nil {
		t.Fatalf("decide: %v", err)
	}
	if _, err := f.svc.Decide(ctx, req); err != nil {
		t.Fatalf("decide replay: %v", err)
	}
	snap := m.Snapshot()
	if snap.Decisions["escalate|"+policyeval.ReasonLowTrust] != 1 {
		t.Fatalf("unexpected decisions %+v", snap.Decisions)
	}
	if snap.ChainAppends != 1 || snap.Escalations["pending"] != 1 || snap.Duplicates["decide"] != 1 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	var types []string
	for len(sub) > 0 {
		types = append(types, (<-sub).Type)
	}
	want := []string{stream.TypeChainAppended, stream.TypeEscalation, stream.TypeDuplicateMutation}
	if len(types) != len(want) {
		t.Fatalf("events %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("events %v, want %v", types, want)
		}
	}
}

func TestInstrumentKeepsExistingHooks(t *testing.T) {
	f := newFixture(t)
	var seen int
	f.svc.Chain.OnAppend = func(audit.Entry) { seen++ }
	f.svc.Instrument(nil, nil)
	if _, err := f.svc.Decide(context.Background(), CheckRequest{RequestID: "req-k", ViewerID: "friend", AssetID: "asset-1"}); err != nil {
		t.Fatalf("decide: %v", err)
	}
	if seen != 1 {
		t.Fatalf("existing hook ran %d times", seen)
	}
}

func TestInstrumentFeed(t *testing.T) {
	f := newFixture(t)
	m := metrics.NewRegistry()
	hub := stream.NewHub()
	sub := hub.Subscribe(4, stream.TypeConsentRevoked)
	defer hub.Unsubscribe(sub)
	feed := NewRevocationFeed(f.svc, &fakeBus{})
	feed.Logger = nil
	InstrumentFeed(feed, m, hub)
	if err := feed.Handle(context.Background(), revocationMessage(t, RevocationEvent{EventID: "evt-m", SubjectID: "owner"})); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if m.Snapshot().Revocations != 1 {
		t.Fatalf("revocations %d", m.Snapshot().Revocations)
	}
	select {
	case evt := <-sub:
		if evt.Type != stream.TypeConsentRevoked {
			t.Fatalf("unexpected event %s", evt.Type)
		}
	default:
		t.Fatal("no revocation event")
	}
}

type fakePublisher struct {
	mu   sync.Mutex
	keys []string
	vals [][]byte
	err  error
}

func (p *fakePublisher) Publish(_ context.Context, key string, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.keys = append(p.keys, key)
	p.vals = append(p.vals, value)
	return nil
}

func (p *fakePublisher) Close() error { return nil }

func TestAuditForwarder(t *testing.T) {
	f := newFixture(t)
	pub := &fakePublisher{}
	fwd := NewAuditForwarder(pub, 8, nil)
	fwd.Attach(f.svc.Chain)
	fwd.Start(context.Background())

	if _, err := f.svc.Decide(context.Background(), CheckRequest{RequestID: "req-fw", ViewerID: "friend", AssetID: "asset-1"}); err != nil {
		t.Fatalf("decide: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for fwd.Sent() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	fwd.Stop()
	if fwd.Sent() != 1 {
		t.Fatalf("sent %d", fwd.Sent())
	}
	pub.mu.Lock()
	defer pub.mu.Unlock()
	var e audit.Entry
	if err := json.Unmarshal(pub.vals[0], &e); err != nil {
		t.Fatalf("decode published entry: %v", err)
	}
	if pub.keys[0] != auditKey || e.RequestID != "req-fw" || e.Seq != 1 {
		t.Fatalf("unexpected publish %s %+v", pub.keys[0], e)
	}
}

func TestAuditForwarderDropsWhenFull(t *testing.T) {
	fwd := NewAuditForwarder(&fakePublisher{}, 1, nil)
	fwd.Enqueue(audit.Entry{Seq: 1})
	fwd.Enqueue(audit.Entry{Seq: 2})
	if fwd.Dropped() != 1 {
		t.Fatalf("dropped %d", fwd.Dropped())
	}
}
