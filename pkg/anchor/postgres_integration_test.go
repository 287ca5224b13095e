//go:build integration

package anchor

import (
	"context"
	"errors"
	"testing"
	"time"

	"integrityspine/pkg/store/storetest"
)

// Run with: go test -tags=integration -run TestPostgresAnchorStore ./pkg/anchor/...
func TestPostgresAnchorStore(t *testing.T) {
	pool := storetest.Postgres(t)
	s := NewPostgresStore(pool)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	a := Anchor{CorrelationHash: CorrelationHash("p", "q", "e"), EventID: "e", TxPublic: "p", TxPrivate: "q",
		PublicStatus: LedgerPending, PrivateStatus: LedgerPending, Status: StatusPending, CreatedAt: now, UpdatedAt: now}

	if _, created, err := s.Create(ctx, a); err != nil || !created {
		t.Fatalf("create: %v %v", created, err)
	}
	if _, created, err := s.Create(ctx, a); err != nil || created {
		t.Fatalf("duplicate create: %v %v", created, err)
	}
	a.Status, a.RetryCount, a.LastError = StatusFailed, 3, ErrAnchorVerificationTimeout.Error()
	if err := s.Update(ctx, a); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(ctx, a.CorrelationHash)
	if err != nil || got.Status != StatusFailed || got.RetryCount != 3 {
		t.Fatalf("get: %+v %v", got, err)
	}
	failed, err := s.ListByStatus(ctx, StatusFailed, 10)
	if err != nil || len(failed) != 1 {
		t.Fatalf("list: %v %v", failed, err)
	}
	if err := s.Update(ctx, Anchor{CorrelationHash: "missing"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
