package mutationlog

import (
	"context"
	"encoding/json"
	"time"

	"integrityspine/pkg/store"
)

const cachePrefix = "mutation:"

// CachedStore answers duplicate lookups from a shared cache before asking
// the backing store. Only recorded entries are cached; a cache miss or a
// cache error always falls through.
type CachedStore struct {
	Backing Store
	Cache   store.Cache
}

func NewCachedStore(backing Store, cache store.Cache) *CachedStore {
	return &CachedStore{Backing: backing, Cache: cache}
}

func (c *CachedStore) Lock(ctx context.Context, fp string) (func(), error) {
	return c.Backing.Lock(ctx, fp)
}

func (c *CachedStore) Lookup(ctx context.Context, fp string, now time.Time) (Entry, error) {
	raw, err := c.Cache.Get(ctx, cachePrefix+fp)
	if err == nil {
		var e Entry
		if jsonErr := json.Unmarshal([]byte(raw), &e); jsonErr == nil && now.Before(e.ExpiresAt) {
			return e, nil
		}
	}
	e, err := c.Backing.Lookup(ctx, fp, now)
	if err != nil {
		return Entry{}, err
	}
	c.fill(ctx, e, now)
	return e, nil
}

func (c *CachedStore) Record(ctx context.Context, e Entry) (Entry, error) {
	saved, err := c.Backing.Record(ctx, e)
	if err != nil {
		return Entry{}, err
	}
	c.fill(ctx, saved, time.Now())
	return saved, nil
}

func (c *CachedStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	return c.Backing.Prune(ctx, before)
}

func (c *CachedStore) fill(ctx context.Context, e Entry, now time.Time) {
	ttl := e.ExpiresAt.Sub(now)
	if ttl <= 0 {
		return
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return
	}
	_ = c.Cache.Set(ctx, cachePrefix+e.Fingerprint, string(raw), ttl)
}
