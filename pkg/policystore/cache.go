package policystore

import (
	"context"
	"errors"
	"time"

	"geopm/pkg/cache"
)

// CachedStore wraps a PolicyStore with a read-through cache.Cache
// (memory or Redis backend, per the teacher's pkg/cache), keyed by
// "profile|agent". GetBest populates the cache on miss; SetBest/
// SetDefault invalidate the affected keys.
type CachedStore struct {
	store *PolicyStore
	cache cache.Cache
	ttl   time.Duration
}

// NewCached wraps store with c, using ttl for populated entries.
func NewCached(store *PolicyStore, c cache.Cache, ttl time.Duration) *CachedStore {
	return &CachedStore{store: store, cache: c, ttl: ttl}
}

func cacheKey(profile, agent string) string {
	return profile + "|" + agent
}

// GetBest serves from cache when present, otherwise reads through to
// the backing store and populates the cache.
func (c *CachedStore) GetBest(ctx context.Context, profile, agent string, numPolicy int) ([]float64, error) {
	key := cacheKey(profile, agent)
	if raw, err := c.cache.Get(ctx, key); err == nil {
		values, decErr := decodePolicy(raw)
		if decErr == nil {
			return padWithNaN(values, numPolicy), nil
		}
	}

	values, err := c.store.GetBest(ctx, profile, agent, numPolicy)
	if err != nil {
		return nil, err
	}
	_ = c.cache.Set(ctx, key, encodePolicy(values), c.ttl)
	return values, nil
}

// SetBest writes through to the store and invalidates the cache entry.
func (c *CachedStore) SetBest(ctx context.Context, profile, agent string, policy []float64) error {
	if err := c.store.SetBest(ctx, profile, agent, policy); err != nil {
		return err
	}
	return ignoreKeyNotFound(c.cache.Delete(ctx, cacheKey(profile, agent)))
}

// SetDefault writes through to the store. A changed default can affect
// any profile falling back to it, so every profile-scoped cache entry
// for this agent is invalidated via pattern delete.
func (c *CachedStore) SetDefault(ctx context.Context, agent string, policy []float64) error {
	if err := c.store.SetDefault(ctx, agent, policy); err != nil {
		return err
	}
	_, err := c.cache.DeleteByPattern(ctx, "*|"+agent)
	return ignoreKeyNotFound(err)
}

func ignoreKeyNotFound(err error) error {
	if err != nil && errors.Is(err, cache.ErrKeyNotFound) {
		return nil
	}
	return err
}
