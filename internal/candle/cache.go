// Package candle provides the bounded per-pair bar cache.
//
// The cache holds the rolling tail of one pair's bar history in a
// preallocated circular buffer. Live updates for the currently open period
// replace the newest bar in place; a new period appends and evicts the
// oldest bar once the cache is full.
package candle

import "chartstream/internal/model"

// Capacities used by the pipeline: the live cache keeps a deep tail for
// snapshots, the seed cache only what indicator warm-up needs.
const (
	DefaultLiveCapacity = 2000
	SeedCapacity        = 1000
)

// Cache is a bounded, time-ordered bar sequence for one pair.
// Designed for a single sequential caller — no locks.
type Cache struct {
	buf   []model.Bar
	start int // index of the oldest bar
	n     int
}

// NewCache creates a cache with the given capacity (minimum 1).
func NewCache(capacity int) *Cache {
	if capacity < 1 {
		capacity = 1
	}
	return &Cache{buf: make([]model.Bar, capacity)}
}

// Merge applies one inbound bar and reports whether it was stored. A bar
// sharing the newest stored time replaces it in place (the period is still
// open). A newer bar appends, evicting the oldest once full. A bar older
// than the newest is dropped so the sequence stays time-ascending.
func (c *Cache) Merge(bar model.Bar) bool {
	if c.n > 0 {
		last := &c.buf[c.at(c.n-1)]
		switch {
		case bar.Time == last.Time:
			*last = bar
			return true
		case bar.Time < last.Time:
			return false
		}
	}
	if c.n == len(c.buf) {
		c.buf[c.start] = bar
		c.start = (c.start + 1) % len(c.buf)
		return true
	}
	c.buf[c.at(c.n)] = bar
	c.n++
	return true
}

// Len returns the number of stored bars.
func (c *Cache) Len() int { return c.n }

// Cap returns the configured capacity.
func (c *Cache) Cap() int { return len(c.buf) }

// Last returns the newest bar, if any.
func (c *Cache) Last() (model.Bar, bool) {
	if c.n == 0 {
		return model.Bar{}, false
	}
	return c.buf[c.at(c.n-1)], true
}

// Snapshot returns the most recent limit bars, oldest first. limit <= 0 or
// beyond Len returns the full contents. The returned slice is a copy.
func (c *Cache) Snapshot(limit int) []model.Bar {
	n := c.n
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]model.Bar, n)
	for i := 0; i < n; i++ {
		out[i] = c.buf[c.at(c.n-n+i)]
	}
	return out
}

func (c *Cache) at(i int) int {
	return (c.start + i) % len(c.buf)
}
