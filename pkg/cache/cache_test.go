package cache

import (
	"testing"
	"time"

	"github.com/flowsense/cyclecore/pkg/types"
)

func testKey(user, hash string) Key {
	return Key{
		UserID:         user,
		Type:           types.PredictCycleStart,
		FeatureHash:    hash,
		ModelVersion:   "v1",
		WeightsVersion: 1,
	}
}

func testResult(user string) *types.PredictionResult {
	return &types.PredictionResult{
		ID:         "p1",
		UserID:     user,
		Type:       types.PredictCycleStart,
		Value:      12,
		Confidence: 0.8,
	}
}

func TestHitAndMiss(t *testing.T) {
	c := New(Config{})
	key := testKey("u1", "h1")

	if got := c.Get(key); got != nil {
		t.Fatalf("expected miss on empty cache")
	}
	c.Put(key, testResult("u1"))
	got := c.Get(key)
	if got == nil {
		t.Fatalf("expected hit after put")
	}
	if got.Value != 12 {
		t.Fatalf("wrong cached result: %+v", got)
	}
	hits, misses, size := c.Stats()
	if hits != 1 || misses != 1 || size != 1 {
		t.Fatalf("stats = %d/%d/%d, want 1/1/1", hits, misses, size)
	}
}

func TestKeyComponentsIsolateEntries(t *testing.T) {
	c := New(Config{})
	base := testKey("u1", "h1")
	c.Put(base, testResult("u1"))

	variants := []Key{
		{UserID: "u2", Type: base.Type, FeatureHash: base.FeatureHash, ModelVersion: base.ModelVersion, WeightsVersion: base.WeightsVersion},
		{UserID: base.UserID, Type: types.PredictSymptom, FeatureHash: base.FeatureHash, ModelVersion: base.ModelVersion, WeightsVersion: base.WeightsVersion},
		{UserID: base.UserID, Type: base.Type, FeatureHash: "h2", ModelVersion: base.ModelVersion, WeightsVersion: base.WeightsVersion},
		{UserID: base.UserID, Type: base.Type, FeatureHash: base.FeatureHash, ModelVersion: "v2", WeightsVersion: base.WeightsVersion},
		{UserID: base.UserID, Type: base.Type, FeatureHash: base.FeatureHash, ModelVersion: base.ModelVersion, WeightsVersion: 2},
	}
	for i, k := range variants {
		if got := c.Get(k); got != nil {
			t.Fatalf("variant %d: expected miss for changed key component", i)
		}
	}
}

func TestTTLExpiry(t *testing.T) {
	c := New(Config{TTL: time.Hour})
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	key := testKey("u1", "h1")
	c.Put(key, testResult("u1"))

	now = now.Add(59 * time.Minute)
	if c.Get(key) == nil {
		t.Fatalf("expected hit inside TTL")
	}
	now = now.Add(2 * time.Minute)
	if c.Get(key) != nil {
		t.Fatalf("expected expiry after TTL")
	}
	if _, _, size := c.Stats(); size != 0 {
		t.Fatalf("expired entry not removed, size %d", size)
	}
}

func TestInvalidateUser(t *testing.T) {
	c := New(Config{})
	c.Put(testKey("u1", "h1"), testResult("u1"))
	c.Put(testKey("u1", "h2"), testResult("u1"))
	c.Put(testKey("u2", "h1"), testResult("u2"))

	if n := c.InvalidateUser("u1"); n != 2 {
		t.Fatalf("invalidated %d entries, want 2", n)
	}
	if c.Get(testKey("u1", "h1")) != nil || c.Get(testKey("u1", "h2")) != nil {
		t.Fatalf("u1 entries survived invalidation")
	}
	if c.Get(testKey("u2", "h1")) == nil {
		t.Fatalf("u2 entry lost to u1 invalidation")
	}
}

func TestPrune(t *testing.T) {
	c := New(Config{TTL: time.Hour})
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.Put(testKey("u1", "h1"), testResult("u1"))
	now = now.Add(30 * time.Minute)
	c.Put(testKey("u1", "h2"), testResult("u1"))
	now = now.Add(45 * time.Minute)

	if n := c.Prune(); n != 1 {
		t.Fatalf("pruned %d entries, want 1", n)
	}
	if c.Get(testKey("u1", "h2")) == nil {
		t.Fatalf("live entry pruned")
	}
}

func TestEvictionBound(t *testing.T) {
	c := New(Config{MaxEntries: 3})
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	for i, h := range []string{"h1", "h2", "h3", "h4"} {
		now = now.Add(time.Duration(i) * time.Minute)
		c.Put(testKey("u1", h), testResult("u1"))
	}
	if _, _, size := c.Stats(); size != 3 {
		t.Fatalf("size %d after bounded puts, want 3", size)
	}
	if c.Get(testKey("u1", "h1")) != nil {
		t.Fatalf("oldest entry survived eviction")
	}
	if c.Get(testKey("u1", "h4")) == nil {
		t.Fatalf("newest entry evicted")
	}
}
