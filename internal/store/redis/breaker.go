package redis

import (
	"errors"
	"sync"
	"time"
)

// ErrBreakerOpen is returned by Do while the breaker is open and the
// cooldown has not yet elapsed.
var ErrBreakerOpen = errors.New("redis: breaker open")

// BreakerState enumerates breaker phases. The numeric values are exported
// as-is on the breaker state gauge.
type BreakerState int

const (
	BreakerClosed   BreakerState = 0 // calls pass through
	BreakerOpen     BreakerState = 1 // calls rejected until the cooldown passes
	BreakerHalfOpen BreakerState = 2 // one probe call in flight
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker trips open after threshold consecutive failures and rejects calls
// for cooldown. The first call after the cooldown runs as a probe: success
// closes the breaker, failure reopens it and restarts the cooldown.
type Breaker struct {
	threshold int
	cooldown  time.Duration

	mu       sync.Mutex
	state    BreakerState
	failures int
	lastFail time.Time

	// OnStateChange observes transitions. Invoked with the breaker lock
	// held, so it must not call Do.
	OnStateChange func(from, to BreakerState)
}

// NewBreaker builds a closed breaker. threshold is the consecutive-failure
// count that trips it, cooldown the open period before a probe is allowed.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	return &Breaker{threshold: threshold, cooldown: cooldown}
}

// Do runs fn unless the breaker is open. The error from fn is returned
// unchanged; ErrBreakerOpen means fn never ran.
func (b *Breaker) Do(fn func() error) error {
	b.mu.Lock()
	if b.state == BreakerOpen {
		if time.Since(b.lastFail) < b.cooldown {
			b.mu.Unlock()
			return ErrBreakerOpen
		}
		b.setState(BreakerHalfOpen)
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.failures++
		b.lastFail = time.Now()
		if b.state == BreakerHalfOpen || b.failures >= b.threshold {
			b.setState(BreakerOpen)
		}
		return err
	}
	b.failures = 0
	if b.state == BreakerHalfOpen {
		b.setState(BreakerClosed)
	}
	return nil
}

// State reports the current phase.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) setState(to BreakerState) {
	if to == b.state {
		return
	}
	from := b.state
	b.state = to
	if to == BreakerClosed {
		b.failures = 0
	}
	if b.OnStateChange != nil {
		b.OnStateChange(from, to)
	}
}
