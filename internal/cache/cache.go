// Package cache holds recently read register values with a TTL, letting the
// API serve poller-warmed data without touching the bus.
package cache

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"modbus-middleware/internal/modbus"
)

// Entry is one cached read result.
type Entry struct {
	DeviceID     string
	RegisterType modbus.RegisterType
	Address      int
	Count        int
	Values       []int
	CachedAt     time.Time
}

// Key returns the canonical cache key for the entry.
func (e Entry) Key() string {
	return Key(e.DeviceID, e.RegisterType, e.Address, e.Count)
}

// Key builds the canonical device:type:address:count cache key.
func Key(deviceID string, rt modbus.RegisterType, address, count int) string {
	return fmt.Sprintf("%s:%s:%d:%d", deviceID, rt, address, count)
}

// Stats is a snapshot of the cache counters.
type Stats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Sets      uint64 `json:"sets"`
	Evictions uint64 `json:"evictions"`
	Entries   int    `json:"entries"`
}

// Cache is a TTL map keyed by device:type:address:count. Expiry is lazy: an
// expired entry is evicted when a lookup touches it or when CleanupExpired
// sweeps.
type Cache struct {
	ttl time.Duration

	mu      sync.RWMutex
	entries map[string]Entry

	hits      atomic.Uint64
	misses    atomic.Uint64
	sets      atomic.Uint64
	evictions atomic.Uint64
}

// New creates a cache with the given TTL.
func New(ttl time.Duration) *Cache {
	return &Cache{ttl: ttl, entries: make(map[string]Entry)}
}

// TTL returns the configured entry lifetime.
func (c *Cache) TTL() time.Duration { return c.ttl }

// Get returns the entry for the key if present and fresh. An expired entry
// is evicted and counts as a miss.
func (c *Cache) Get(deviceID string, rt modbus.RegisterType, address, count int) (Entry, bool) {
	key := Key(deviceID, rt, address, count)

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		c.misses.Add(1)
		return Entry{}, false
	}
	if time.Since(e.CachedAt) >= c.ttl {
		c.mu.Lock()
		// Re-check under the write lock, a Set may have refreshed it.
		if cur, still := c.entries[key]; still && time.Since(cur.CachedAt) >= c.ttl {
			delete(c.entries, key)
			c.evictions.Add(1)
		}
		c.mu.Unlock()
		c.misses.Add(1)
		return Entry{}, false
	}
	c.hits.Add(1)
	return e, true
}

// Set stores one read result, stamping it with the current time.
func (c *Cache) Set(deviceID string, rt modbus.RegisterType, address, count int, values []int) {
	e := Entry{
		DeviceID:     deviceID,
		RegisterType: rt,
		Address:      address,
		Count:        count,
		Values:       append([]int(nil), values...),
		CachedAt:     time.Now(),
	}
	c.mu.Lock()
	c.entries[e.Key()] = e
	c.mu.Unlock()
	c.sets.Add(1)
}

// InvalidateCovering removes every entry of the device and register type
// whose range covers the written address. Used after writes so stale values
// never outlive the registers they shadow.
func (c *Cache) InvalidateCovering(deviceID string, rt modbus.RegisterType, address int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for key, e := range c.entries {
		if e.DeviceID != deviceID || e.RegisterType != rt {
			continue
		}
		if address >= e.Address && address < e.Address+e.Count {
			delete(c.entries, key)
			n++
		}
	}
	return n
}

// InvalidateDevice removes every entry of one device and returns the count.
func (c *Cache) InvalidateDevice(deviceID string) int {
	prefix := deviceID + ":"
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
			n++
		}
	}
	return n
}

// Clear removes every entry and returns the count.
func (c *Cache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.entries)
	c.entries = make(map[string]Entry)
	return n
}

// Entries returns fresh entries sorted by key. Expired entries are skipped
// but not evicted; CleanupExpired owns that.
func (c *Cache) Entries() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		if time.Since(e.CachedAt) < c.ttl {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// DeviceEntries returns the fresh entries of one device sorted by key.
func (c *Cache) DeviceEntries(deviceID string) []Entry {
	all := c.Entries()
	out := all[:0]
	for _, e := range all {
		if e.DeviceID == deviceID {
			out = append(out, e)
		}
	}
	return out
}

// CleanupExpired sweeps expired entries, counting each as an eviction.
func (c *Cache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for key, e := range c.entries {
		if time.Since(e.CachedAt) >= c.ttl {
			delete(c.entries, key)
			n++
		}
	}
	c.evictions.Add(uint64(n))
	return n
}

// Stats snapshots the counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	entries := len(c.entries)
	c.mu.RUnlock()
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Sets:      c.sets.Load(),
		Evictions: c.evictions.Load(),
		Entries:   entries,
	}
}

// ResetStats zeroes the counters without touching the entries.
func (c *Cache) ResetStats() {
	c.hits.Store(0)
	c.misses.Store(0)
	c.sets.Store(0)
	c.evictions.Store(0)
}
