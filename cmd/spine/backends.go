package main

import (
	"context"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"

	"integrityspine/pkg/anchor"
	"integrityspine/pkg/audit"
	"integrityspine/pkg/escalation"
	"integrityspine/pkg/graph"
	"integrityspine/pkg/mutationlog"
	"integrityspine/pkg/ratelimit"
	"integrityspine/pkg/store"
)

// backends is every store the spine writes to, plus what to close on exit.
type backends struct {
	graph       graph.Store
	audit       audit.Store
	escalations escalation.Store
	mutations   mutationlog.Store
	anchors     anchor.Store
	limiter     ratelimit.Limiter
	closers     []func()
}

func (b *backends) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func openBackends(ctx context.Context, cfg config) (*backends, error) {
	b := &backends{}
	switch cfg.Store {
	case "memory":
		b.graph = graph.NewMemoryStore()
		b.audit = audit.NewMemoryStore()
		b.escalations = escalation.NewMemoryStore()
		b.mutations = mutationlog.NewMemoryStore()
		b.anchors = anchor.NewMemoryStore()
	case "postgres", "":
		pool, err := store.NewPostgresPool(ctx)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, pool.Close)
		b.graph = graph.NewPostgresStore(pool)
		b.audit = audit.NewPostgresStore(pool)
		b.escalations = escalation.NewPostgresStore(pool)
		b.mutations = mutationlog.NewPostgresStore(pool)
		b.anchors = anchor.NewPostgresStore(pool)
	default:
		return nil, fmt.Errorf("unknown SPINE_STORE %q", cfg.Store)
	}

	if cfg.SQLitePath != "" {
		db, err := store.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			b.close()
			return nil, err
		}
		s, err := audit.NewSQLiteStore(ctx, db)
		if err != nil {
			_ = db.Close()
			b.close()
			return nil, err
		}
		b.closers = append(b.closers, func() { _ = db.Close() }, s.Close)
		b.audit = s
		log.Printf("spine: audit chain on sqlite %s", cfg.SQLitePath)
	}

	var client *redis.Client
	if cfg.RedisAddr != "" {
		c, err := store.NewRedis(ctx)
		if err != nil {
			log.Printf("spine: redis unavailable, duplicate cache and rate limits stay local: %v", err)
		} else {
			client = c
			b.closers = append(b.closers, func() { _ = c.Close() })
		}
	}
	// Postgres lookups go through a cache: redis when reachable, else a
	// per-process one.
	if cfg.Store != "memory" {
		b.mutations = mutationlog.NewCachedStore(b.mutations, store.NewCache(ctx, client))
	}
	if client != nil {
		b.limiter = ratelimit.NewRedis(client, cfg.RateWindow)
	} else {
		b.limiter = ratelimit.NewInMemory(cfg.RateWindow)
	}
	return b, nil
}
