// Package seen implements the time-bounded digest set used to suppress
// rebroadcast loops when a relay floods a message to its neighbours.
package seen

import (
	"context"
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

// DefaultTTL is the default lifetime of a seen-cache entry.
const DefaultTTL = 30 * time.Second

// Cache is a concurrency-safe, TTL-expiring set of message digests.
type Cache struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[[32]byte]time.Time
}

// New creates a Cache with the given TTL. A ttl of 0 uses DefaultTTL.
func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		ttl:     ttl,
		entries: make(map[[32]byte]time.Time),
	}
}

// Observe computes the digest of data, looks it up, and returns true if it
// was already present (a duplicate), inserting it with a fresh TTL
// otherwise. The digest is over the exact on-the-wire bytes passed in, not
// a re-serialised form, so two relays observing the same forwarded message
// compute the same digest regardless of how they got it.
//
// Lookup and insert happen under one lock, so among concurrent Observe
// calls on identical bytes exactly one returns false.
func (c *Cache) Observe(data []byte) bool {
	digest := blake3.Sum256(data)
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if expiry, ok := c.entries[digest]; ok && now.Before(expiry) {
		return true
	}
	c.entries[digest] = now.Add(c.ttl)
	return false
}

// StartSweeper launches a goroutine that periodically evicts expired
// entries so long-lived relays don't accumulate unbounded memory between
// TTL windows. It returns when ctx is cancelled.
func (c *Cache) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = c.ttl
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.sweep()
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (c *Cache) sweep() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for digest, expiry := range c.entries {
		if now.After(expiry) {
			delete(c.entries, digest)
		}
	}
}

// Len returns the current number of tracked entries, expired or not.
// Exposed for tests.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
