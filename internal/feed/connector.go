package feed

import (
	"context"
	"log"
	"sync"
	"time"

	"chartstream/internal/model"
)

// Session is one live upstream streaming connection for a single pair.
// ReadKline blocks until the next kline arrives or the connection dies.
type Session interface {
	ReadKline() (model.UpstreamKline, error)
	Close() error
}

// Dialer opens streaming sessions against the upstream feed.
type Dialer interface {
	Dial(ctx context.Context, pair model.PairKey) (Session, error)
}

// Sink receives connector events. Implemented by the pipeline service.
type Sink interface {
	// SeedReplay is invoked each time the connector enters Connecting,
	// before the dial, so cached bars can be replayed into the indicator
	// engine. Best effort; errors are the sink's business.
	SeedReplay(pair model.PairKey)
	// HandleKline processes one inbound kline. Called sequentially from
	// the connector's session goroutine.
	HandleKline(pair model.PairKey, k model.UpstreamKline)
}

// Config tunes connector behaviour. Zero values fall back to defaults.
type Config struct {
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// Jitter overrides the backoff's randomness source. Nil uses math/rand.
	Jitter func() float64
	// OnReconnect fires each time a reconnect is scheduled.
	OnReconnect func(pair model.PairKey)
}

// Connector drives the upstream connection for one pair through
// Disconnected -> Connecting -> Connected. At most one session goroutine
// and at most one pending reconnect timer exist at any time; Start and the
// timer callback both funnel through connectLocked under the mutex.
type Connector struct {
	pair   model.PairKey
	dialer Dialer
	sink   Sink
	cfg    Config

	ctx context.Context // lifecycle root, set once at creation

	mu      sync.Mutex
	state   State
	backoff Backoff
	sess    Session
	cancel  context.CancelFunc // cancels the in-flight dial/session
	timer   *time.Timer        // pending reconnect, nil when none
	stopped bool
}

// NewConnector builds a connector for pair. ctx bounds the connector's
// whole lifetime; when it is cancelled no further attempts are scheduled.
func NewConnector(ctx context.Context, pair model.PairKey, dialer Dialer, sink Sink, cfg Config) *Connector {
	return &Connector{
		pair:   pair,
		dialer: dialer,
		sink:   sink,
		cfg:    cfg,
		ctx:    ctx,
		backoff: Backoff{
			Base: cfg.BackoffBase,
			Max:  cfg.BackoffMax,
			Rand: cfg.Jitter,
		},
	}
}

// Start brings the connector up. Idempotent: when already Connecting or
// Connected it does nothing. When Disconnected it cancels any pending
// reconnect timer and dials immediately.
func (c *Connector) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = false
	if c.state != Disconnected {
		return
	}
	c.cancelTimerLocked()
	c.connectLocked()
}

// Stop tears down the live session and cancels any pending reconnect.
// Cached candles and indicator state for the pair are left intact, so a
// later Start resumes warm.
func (c *Connector) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	c.cancelTimerLocked()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.sess != nil {
		c.sess.Close()
		c.sess = nil
	}
	c.state = Disconnected
}

// State reports the current connection state.
func (c *Connector) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// PendingReconnect reports whether a reconnect timer is armed.
func (c *Connector) PendingReconnect() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timer != nil
}

func (c *Connector) cancelTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// connectLocked transitions to Connecting and hands off to a session
// goroutine. Caller holds c.mu and has verified state == Disconnected.
func (c *Connector) connectLocked() {
	c.state = Connecting
	ctx, cancel := context.WithCancel(c.ctx)
	c.cancel = cancel
	go c.runSession(ctx)
}

func (c *Connector) runSession(ctx context.Context) {
	c.sink.SeedReplay(c.pair)

	sess, err := c.dialer.Dial(ctx, c.pair)
	if err != nil {
		c.onDisconnect(ctx, err)
		return
	}

	c.mu.Lock()
	if c.stopped || ctx.Err() != nil {
		c.mu.Unlock()
		sess.Close()
		return
	}
	c.sess = sess
	c.state = Connected
	c.backoff.Reset()
	c.mu.Unlock()
	log.Printf("[feed] %s connected", c.pair.Key())

	for {
		k, err := sess.ReadKline()
		if err != nil {
			sess.Close()
			c.onDisconnect(ctx, err)
			return
		}
		c.sink.HandleKline(c.pair, k)
	}
}

// onDisconnect records the drop and arms a single reconnect timer, unless
// the connector was stopped or its lifecycle context is done.
func (c *Connector) onDisconnect(ctx context.Context, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ctx.Err() != nil {
		// Session was cancelled by Stop; that caller owns the state now.
		return
	}
	c.state = Disconnected
	c.sess = nil
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.stopped || c.ctx.Err() != nil {
		return
	}

	delay := c.backoff.Next()
	log.Printf("[feed] %s disconnected: %v, retrying in %s", c.pair.Key(), cause, delay.Round(time.Millisecond))
	if c.cfg.OnReconnect != nil {
		c.cfg.OnReconnect(c.pair)
	}
	c.cancelTimerLocked()
	c.timer = time.AfterFunc(delay, c.onTimer)
}

func (c *Connector) onTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timer = nil
	if c.stopped || c.state != Disconnected || c.ctx.Err() != nil {
		return
	}
	c.connectLocked()
}
