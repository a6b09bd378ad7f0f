// Package entitlement answers one question: does a subscriber currently
// hold premium? The gateway asks at subscribe time for indicator streams
// and re-asks lazily on delivery, so answers must stay cheap.
package entitlement

import (
	"context"
	"sync"
	"time"
)

// Checker reports whether a subscriber currently holds premium. A backend
// error means "unknown"; callers on the subscribe path treat that as no.
type Checker interface {
	Premium(ctx context.Context, subscriberID string) (bool, error)
}

// Static grants premium to a fixed set of subscriber ids. The id "*"
// grants everyone; useful in development and the simulator stack.
type Static struct {
	ids map[string]bool
	all bool
}

func NewStatic(ids []string) *Static {
	s := &Static{ids: make(map[string]bool, len(ids))}
	for _, id := range ids {
		if id == "*" {
			s.all = true
			continue
		}
		s.ids[id] = true
	}
	return s
}

func (s *Static) Premium(ctx context.Context, subscriberID string) (bool, error) {
	if s.all {
		return true, nil
	}
	return s.ids[subscriberID], nil
}

// Cached wraps a Checker with a per-subscriber TTL cache so the delivery
// path does not hit the backend on every indicator emission. Errors are
// not cached.
type Cached struct {
	inner Checker
	ttl   time.Duration
	now   func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	premium bool
	expires time.Time
}

// DefaultCacheTTL bounds how long a lapsed premium can keep streaming.
const DefaultCacheTTL = 5 * time.Second

func NewCached(inner Checker, ttl time.Duration) *Cached {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cached{
		inner:   inner,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

func (c *Cached) Premium(ctx context.Context, subscriberID string) (bool, error) {
	now := c.now()
	c.mu.Lock()
	if e, ok := c.entries[subscriberID]; ok && now.Before(e.expires) {
		c.mu.Unlock()
		return e.premium, nil
	}
	c.mu.Unlock()

	premium, err := c.inner.Premium(ctx, subscriberID)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	c.entries[subscriberID] = cacheEntry{premium: premium, expires: now.Add(c.ttl)}
	c.mu.Unlock()
	return premium, nil
}

// Invalidate drops the cached answer for one subscriber. Called after a
// revoke so a re-subscribe consults the backend again.
func (c *Cached) Invalidate(subscriberID string) {
	c.mu.Lock()
	delete(c.entries, subscriberID)
	c.mu.Unlock()
}

// Breaker gates backend calls during an outage. Satisfied by the store
// breaker; the lookup never runs when Do rejects.
type Breaker interface {
	Do(func() error) error
}

// Guarded wraps a Checker so entitlement lookups stop hammering a failing
// backend. A rejected call surfaces as an error and callers take their
// usual deny-or-skip path.
type Guarded struct {
	inner   Checker
	breaker Breaker
}

func NewGuarded(inner Checker, b Breaker) *Guarded {
	return &Guarded{inner: inner, breaker: b}
}

func (g *Guarded) Premium(ctx context.Context, subscriberID string) (bool, error) {
	var premium bool
	err := g.breaker.Do(func() error {
		var err error
		premium, err = g.inner.Premium(ctx, subscriberID)
		return err
	})
	if err != nil {
		return false, err
	}
	return premium, nil
}
