//go:build integration

package graph

import (
	"context"
	"testing"

	"integrityspine/pkg/store/storetest"
)

// Run with: go test -tags=integration -run TestPostgresStoreContract ./pkg/graph/...
func TestPostgresStoreContract(t *testing.T) {
	pool := storetest.Postgres(t)
	runStoreContract(t, func(t *testing.T) Store {
		if _, err := pool.Exec(context.Background(), `TRUNCATE ownership_edges, assets, trust_edges, consent_policies, identities CASCADE`); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		return NewPostgresStore(pool)
	})
}
