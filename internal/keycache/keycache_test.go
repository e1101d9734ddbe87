package keycache

import (
	"testing"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
)

func TestCache_SetGet(t *testing.T) {
	cache := New(time.Minute)
	entity := &openpgp.Entity{}

	if _, ok := cache.Get("A1B2C3D4E5F67890"); ok {
		t.Fatal("Get() on empty cache should miss")
	}

	cache.Set("A1B2C3D4E5F67890", entity)

	got, ok := cache.Get("A1B2C3D4E5F67890")
	if !ok {
		t.Fatal("Get() after Set() should hit")
	}
	if got != entity {
		t.Error("Get() returned a different entity than stored")
	}
}

func TestCache_TTLExpiry(t *testing.T) {
	cache := New(time.Minute)

	current := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return current }

	cache.Set("key", &openpgp.Entity{})

	// Just inside the TTL.
	current = current.Add(59 * time.Second)
	if _, ok := cache.Get("key"); !ok {
		t.Fatal("entry expired before its TTL")
	}

	// At the TTL boundary the entry is stale.
	current = current.Add(time.Second)
	if _, ok := cache.Get("key"); ok {
		t.Error("entry survived past its TTL")
	}

	// The stale entry was removed on access.
	if size, _ := cache.Stats(); size != 0 {
		t.Errorf("size after expired Get() = %d, want 0", size)
	}
}

func TestCache_Invalidate(t *testing.T) {
	cache := New(time.Minute)
	cache.Set("key", &openpgp.Entity{})

	cache.Invalidate("key")

	if _, ok := cache.Get("key"); ok {
		t.Error("Get() after Invalidate() should miss")
	}

	// Invalidating a missing key is a no-op.
	cache.Invalidate("absent")
}

func TestCache_Clear(t *testing.T) {
	cache := New(time.Minute)
	cache.Set("one", &openpgp.Entity{})
	cache.Set("two", &openpgp.Entity{})

	cache.Clear()

	if size, _ := cache.Stats(); size != 0 {
		t.Errorf("size after Clear() = %d, want 0", size)
	}
}

func TestCache_StatsSweepsExpired(t *testing.T) {
	cache := New(time.Minute)

	current := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return current }

	cache.Set("stale", &openpgp.Entity{})
	current = current.Add(30 * time.Second)
	cache.Set("fresh", &openpgp.Entity{})
	current = current.Add(45 * time.Second)

	size, ttl := cache.Stats()
	if size != 1 {
		t.Errorf("Stats() size = %d, want 1", size)
	}
	if ttl != time.Minute {
		t.Errorf("Stats() ttl = %v, want %v", ttl, time.Minute)
	}
}

func TestNew_NonPositiveTTLFallsBack(t *testing.T) {
	cache := New(0)
	if cache.ttl != DefaultTTL {
		t.Errorf("ttl = %v, want %v", cache.ttl, DefaultTTL)
	}
}
