package storage

import (
	"testing"
	"time"
)

func TestMemoryCacheGetRespectsTTL(t *testing.T) {
	mc := NewMemoryCache()
	base := time.Now()
	mc.now = func() time.Time { return base }

	mc.Set("k", "v", time.Minute)
	if v, ok := mc.Get("k"); !ok || v != "v" {
		t.Fatalf("expected fresh hit, got %v %v", v, ok)
	}

	mc.now = func() time.Time { return base.Add(2 * time.Minute) }
	if _, ok := mc.Get("k"); ok {
		t.Fatal("expected miss after TTL elapsed")
	}
}

func TestMemoryCacheGetStaleOutlivesTTL(t *testing.T) {
	mc := NewMemoryCache()
	base := time.Now()
	mc.now = func() time.Time { return base }

	mc.Set("k", 42, time.Second)
	mc.now = func() time.Time { return base.Add(time.Hour) }

	if _, ok := mc.Get("k"); ok {
		t.Fatal("Get must not serve an expired entry")
	}
	if v, ok := mc.GetStale("k"); !ok || v != 42 {
		t.Fatalf("GetStale must serve the expired entry, got %v %v", v, ok)
	}
}

func TestMemoryCacheDeleteRemovesStale(t *testing.T) {
	mc := NewMemoryCache()
	mc.Set("k", "v", time.Minute)
	mc.Delete("k")

	if _, ok := mc.Get("k"); ok {
		t.Fatal("expected miss after delete")
	}
	if _, ok := mc.GetStale("k"); ok {
		t.Fatal("deleted entries must not be served stale")
	}
}

func TestMemoryCacheSetOverwrites(t *testing.T) {
	mc := NewMemoryCache()
	base := time.Now()
	mc.now = func() time.Time { return base }

	mc.Set("k", "old", time.Millisecond)
	mc.now = func() time.Time { return base.Add(time.Second) }
	mc.Set("k", "new", time.Minute)

	if v, ok := mc.Get("k"); !ok || v != "new" {
		t.Fatalf("expected overwritten value, got %v %v", v, ok)
	}
}

func TestMemoryCacheMissingKey(t *testing.T) {
	mc := NewMemoryCache()
	if _, ok := mc.Get("absent"); ok {
		t.Fatal("expected miss for unknown key")
	}
	if _, ok := mc.GetStale("absent"); ok {
		t.Fatal("expected stale miss for unknown key")
	}
}
