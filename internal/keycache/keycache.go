// Package keycache caches parsed and unlocked private-key handles so that
// steady-state signing does not re-parse or re-decrypt key material.
package keycache

import (
	"sync"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
)

// DefaultTTL is the lifetime of a cached unlocked key.
const DefaultTTL = 5 * time.Minute

// entry holds an unlocked key handle and its expiry.
type entry struct {
	entity    *openpgp.Entity
	expiresAt time.Time
}

// Cache is a process-local TTL cache of unlocked keys, safe for
// concurrent use. It is purely a latency optimization: callers must
// tolerate misses and re-parse.
type Cache struct {
	ttl time.Duration

	mu      sync.RWMutex
	entries map[string]entry

	// now is swappable for tests.
	now func() time.Time
}

// New creates a Cache with the given TTL. A non-positive TTL falls back
// to DefaultTTL.
func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		ttl:     ttl,
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// Get returns the unlocked key for keyID if present and unexpired.
// Expired entries are removed on access.
func (c *Cache) Get(keyID string) (*openpgp.Entity, bool) {
	c.mu.RLock()
	e, ok := c.entries[keyID]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}

	if !e.expiresAt.After(c.now()) {
		c.mu.Lock()
		// Re-check under the write lock; another goroutine may have
		// replaced the entry since the read.
		if cur, ok := c.entries[keyID]; ok && !cur.expiresAt.After(c.now()) {
			delete(c.entries, keyID)
		}
		c.mu.Unlock()
		return nil, false
	}

	return e.entity, true
}

// Set stores an unlocked key, replacing any existing entry. Last writer
// wins under concurrent misses for the same key.
func (c *Cache) Set(keyID string, entity *openpgp.Entity) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[keyID] = entry{
		entity:    entity,
		expiresAt: c.now().Add(c.ttl),
	}
}

// Invalidate removes the entry for keyID, if any.
func (c *Cache) Invalidate(keyID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, keyID)
}

// Clear removes all entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]entry)
}

// Stats sweeps expired entries and returns the live entry count and the
// configured TTL.
func (c *Cache) Stats() (size int, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for id, e := range c.entries {
		if !e.expiresAt.After(now) {
			delete(c.entries, id)
		}
	}

	return len(c.entries), c.ttl
}
