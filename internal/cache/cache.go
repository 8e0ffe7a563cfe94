// Package cache provides a two-tier get-or-compute cache for generation
// responses: a bounded in-process tier in front of the shared TTL key-value
// store. The external store is authoritative for TTL; the local tier is a
// fast path that promotes external hits.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"costgate/internal/core"
	"costgate/internal/kvstore"
)

const keyPrefix = "cache:"

// Entry is a cached response with its expiry bookkeeping.
// An entry is never served past CreatedAt+TTL; expired entries are
// deleted on access, not merely ignored.
type Entry struct {
	Key        string                   `json:"key"`
	Value      *core.GenerationResponse `json:"value"`
	TTLSeconds int64                    `json:"ttl_seconds"`
	CreatedAt  time.Time                `json:"created_at"`
	Hits       int64                    `json:"hits"`
	Metadata   map[string]string        `json:"metadata,omitempty"`
}

func (e *Entry) expired(now time.Time) bool {
	if e.TTLSeconds <= 0 {
		return false
	}
	return now.After(e.CreatedAt.Add(time.Duration(e.TTLSeconds) * time.Second))
}

// ComputeFunc produces the value on a cache miss.
type ComputeFunc func(ctx context.Context) (*core.GenerationResponse, error)

// ResponseCache is the two-tier cache. Concurrent GetOrSet calls on a cold
// key may both compute and both write; the last write wins. There is no
// per-key locking.
type ResponseCache struct {
	local *localTier
	store kvstore.Store
}

// New creates a ResponseCache over the given store with a bounded local tier.
func New(store kvstore.Store, localCapacity int) *ResponseCache {
	return &ResponseCache{
		local: newLocalTier(localCapacity),
		store: store,
	}
}

// GetOrSet returns the cached response for key, or computes, stores, and
// returns it. The second return value reports whether the value was a hit.
// A failed cache write is logged and does not fail the computation.
func (c *ResponseCache) GetOrSet(ctx context.Context, key string, ttl time.Duration, compute ComputeFunc) (*core.GenerationResponse, bool, error) {
	if resp, ok := c.Get(ctx, key); ok {
		return resp, true, nil
	}

	resp, err := compute(ctx)
	if err != nil {
		return nil, false, err
	}

	if err := c.Set(ctx, key, resp, ttl); err != nil {
		slog.Warn("cache write failed, serving uncached", "key", key, "error", err)
	}
	return resp, false, nil
}

// Get looks up key: local tier first, then the external store. An external
// hit is promoted into the local tier. Expired entries are deleted.
func (c *ResponseCache) Get(ctx context.Context, key string) (*core.GenerationResponse, bool) {
	now := time.Now()

	if e, ok := c.local.get(key); ok {
		if e.expired(now) {
			c.local.delete(key)
			if err := c.store.Delete(ctx, keyPrefix+key); err != nil {
				slog.Warn("failed to delete expired cache entry", "key", key, "error", err)
			}
			return nil, false
		}
		c.local.recordHit(key)
		return e.Value, true
	}

	data, err := c.store.Get(ctx, keyPrefix+key)
	if err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			slog.Warn("cache store read failed, treating as miss", "key", key, "error", err)
		}
		return nil, false
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		slog.Warn("corrupt cache entry, evicting", "key", key, "error", err)
		_ = c.store.Delete(ctx, keyPrefix+key)
		return nil, false
	}

	if e.expired(now) {
		if err := c.store.Delete(ctx, keyPrefix+key); err != nil {
			slog.Warn("failed to delete expired cache entry", "key", key, "error", err)
		}
		return nil, false
	}

	e.Hits++
	c.local.put(key, &e)
	return e.Value, true
}

// Set writes key to both tiers. The external store is authoritative for TTL.
func (c *ResponseCache) Set(ctx context.Context, key string, resp *core.GenerationResponse, ttl time.Duration) error {
	e := &Entry{
		Key:        key,
		Value:      resp,
		TTLSeconds: int64(ttl / time.Second),
		CreatedAt:  time.Now(),
	}

	c.local.put(key, e)

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	if err := c.store.Set(ctx, keyPrefix+key, data, ttl); err != nil {
		return core.NewStoreUnavailableError("cache write failed", err)
	}
	return nil
}

// Delete removes key from both tiers.
func (c *ResponseCache) Delete(ctx context.Context, key string) error {
	c.local.delete(key)
	return c.store.Delete(ctx, keyPrefix+key)
}

// Exists reports whether an unexpired entry for key is present in either tier.
func (c *ResponseCache) Exists(ctx context.Context, key string) bool {
	_, ok := c.Get(ctx, key)
	return ok
}

// Hits returns the local hit counter for key, 0 if not locally cached.
func (c *ResponseCache) Hits(key string) int64 {
	return c.local.hits(key)
}
