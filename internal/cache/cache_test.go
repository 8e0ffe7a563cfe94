package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"costgate/internal/core"
	"costgate/internal/kvstore"
)

func testResponse(text string) *core.GenerationResponse {
	return &core.GenerationResponse{
		Text:     text,
		Model:    "gpt-4o-mini",
		Provider: "openai",
		Cost:     0.0001,
		Usage:    core.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
}

func TestGetOrSet(t *testing.T) {
	t.Run("ComputesOnceThenHits", func(t *testing.T) {
		ctx := context.Background()
		c := New(kvstore.NewMemoryStore(), 10)

		computes := 0
		compute := func(ctx context.Context) (*core.GenerationResponse, error) {
			computes++
			return testResponse("computed"), nil
		}

		resp, hit, err := c.GetOrSet(ctx, "k1", time.Minute, compute)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if hit {
			t.Error("first call must be a miss")
		}
		if resp.Text != "computed" {
			t.Errorf("unexpected text %q", resp.Text)
		}

		resp2, hit, err := c.GetOrSet(ctx, "k1", time.Minute, compute)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !hit {
			t.Error("second call must be a hit")
		}
		if resp2.Text != resp.Text {
			t.Error("hit must return the identical cached response")
		}
		if computes != 1 {
			t.Errorf("compute ran %d times, want 1", computes)
		}
	})

	t.Run("ComputeErrorNotCached", func(t *testing.T) {
		ctx := context.Background()
		c := New(kvstore.NewMemoryStore(), 10)

		_, _, err := c.GetOrSet(ctx, "k1", time.Minute, func(ctx context.Context) (*core.GenerationResponse, error) {
			return nil, fmt.Errorf("provider down")
		})
		if err == nil {
			t.Fatal("expected error")
		}
		if c.Exists(ctx, "k1") {
			t.Error("failed computation must not be cached")
		}
	})
}

func TestExpiredEntryDeletedOnRead(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemoryStore()
	// Memory store with no TTL at the store level exercises the cache's own
	// CreatedAt+TTL check and delete-on-access behavior.
	c := New(store, 10)

	if err := c.Set(ctx, "k1", testResponse("v"), time.Second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Force the local entry to look expired.
	e, ok := c.local.get("k1")
	if !ok {
		t.Fatal("expected local entry")
	}
	e.CreatedAt = time.Now().Add(-2 * time.Second)

	if _, ok := c.Get(ctx, "k1"); ok {
		t.Fatal("expired entry must not be served")
	}

	// Both tiers must have dropped the entry.
	if _, ok := c.local.get("k1"); ok {
		t.Error("expired entry still in local tier")
	}
	if exists, _ := store.Exists(ctx, "cache:k1"); exists {
		t.Error("expired entry still in external store")
	}
}

func TestExternalHitPromotesToLocal(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemoryStore()

	writer := New(store, 10)
	if err := writer.Set(ctx, "k1", testResponse("shared"), time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Fresh cache over the same store simulates a second process instance.
	reader := New(store, 10)
	if _, ok := reader.local.get("k1"); ok {
		t.Fatal("key unexpectedly in the fresh local tier")
	}

	resp, ok := reader.Get(ctx, "k1")
	if !ok {
		t.Fatal("expected external hit")
	}
	if resp.Text != "shared" {
		t.Errorf("unexpected text %q", resp.Text)
	}
	if _, ok := reader.local.get("k1"); !ok {
		t.Error("external hit was not promoted into the local tier")
	}
}

func TestLocalTierEvictsOldest(t *testing.T) {
	ctx := context.Background()
	c := New(kvstore.NewMemoryStore(), 3)

	base := time.Now()
	for i := 0; i < 3; i++ {
		key := fmt.Sprintf("k%d", i)
		if err := c.Set(ctx, key, testResponse(key), time.Minute); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		// Stagger creation times so eviction order is deterministic.
		if e, ok := c.local.get(key); ok {
			e.CreatedAt = base.Add(time.Duration(i) * time.Millisecond)
		}
	}

	if err := c.Set(ctx, "k3", testResponse("k3"), time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if c.local.len() != 3 {
		t.Fatalf("local tier holds %d entries, want 3", c.local.len())
	}
	if _, ok := c.local.get("k0"); ok {
		t.Error("oldest entry k0 should have been evicted")
	}
	if _, ok := c.local.get("k3"); !ok {
		t.Error("newest entry k3 missing from local tier")
	}

	// Evicted locally but still present in the external store.
	if !c.Exists(ctx, "k0") {
		t.Error("k0 should still be readable through the external tier")
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	c := New(kvstore.NewMemoryStore(), 10)

	if err := c.Set(ctx, "k1", testResponse("v"), time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := c.Delete(ctx, "k1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Exists(ctx, "k1") {
		t.Error("deleted key still readable")
	}
}

func TestHitCounter(t *testing.T) {
	ctx := context.Background()
	c := New(kvstore.NewMemoryStore(), 10)

	if err := c.Set(ctx, "k1", testResponse("v"), time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, ok := c.Get(ctx, "k1"); !ok {
			t.Fatal("expected hit")
		}
	}
	if got := c.Hits("k1"); got != 3 {
		t.Errorf("Hits = %d, want 3", got)
	}
}

func TestConcurrentGetsCountEveryHit(t *testing.T) {
	ctx := context.Background()
	c := New(kvstore.NewMemoryStore(), 10)

	if err := c.Set(ctx, "hot", testResponse("v"), time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	const readers = 16
	var wg sync.WaitGroup
	wg.Add(readers)
	for i := 0; i < readers; i++ {
		go func() {
			defer wg.Done()
			if _, ok := c.Get(ctx, "hot"); !ok {
				t.Error("expected hit")
			}
		}()
	}
	wg.Wait()

	if got := c.Hits("hot"); got != readers {
		t.Errorf("Hits = %d, want %d", got, readers)
	}
}
