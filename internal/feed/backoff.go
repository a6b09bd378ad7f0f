package feed

import (
	"math/rand"
	"time"
)

const (
	// DefaultBackoffBase is the first reconnect delay.
	DefaultBackoffBase = 1 * time.Second
	// DefaultBackoffMax caps the reconnect delay.
	DefaultBackoffMax = 30 * time.Second

	backoffGrowth = 1.8
	backoffJitter = 0.3
)

// Backoff produces reconnect delays. The undecorated delay grows
// geometrically from Base up to Max; each emitted delay is stretched by a
// random factor in [1.0, 1.3) and clamped back into [Base, Max]. The jitter
// source is injectable so tests can pin the schedule.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
	Rand func() float64

	cur time.Duration
}

// Next returns the delay to wait before the upcoming connection attempt.
func (b *Backoff) Next() time.Duration {
	base, max := b.Base, b.Max
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if max <= 0 {
		max = DefaultBackoffMax
	}
	if b.cur <= 0 {
		b.cur = base
	} else {
		b.cur = time.Duration(float64(b.cur) * backoffGrowth)
		if b.cur > max {
			b.cur = max
		}
	}
	random := b.Rand
	if random == nil {
		random = rand.Float64
	}
	d := time.Duration(float64(b.cur) * (1 + random()*backoffJitter))
	if d < base {
		d = base
	}
	if d > max {
		d = max
	}
	return d
}

// Reset rewinds the schedule so the next delay starts from Base again.
// Called after a connection is successfully established.
func (b *Backoff) Reset() {
	b.cur = 0
}
