// Package redis publishes pipeline output to Redis for consumers outside
// the process: trimmed signal streams, latest-value keys and pub/sub
// channels. A circuit breaker keeps a Redis outage from stalling the
// pipeline; signals raised while the breaker is open are held in a bounded
// backlog and replayed when it closes.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"chartstream/internal/metrics"
	"chartstream/internal/pipeline"
)

const (
	latestTTL       = 30 * time.Minute
	signalStreamMax = 1000
	maxBacklog      = 1000
	maxBatch        = 64

	breakerThreshold = 5
	breakerCooldown  = 10 * time.Second
)

// Config configures the publisher connection.
type Config struct {
	Addr     string // e.g. "localhost:6379"
	Password string
	DB       int
}

// deferred is one signal write held back while the breaker is open.
type deferred struct {
	stream  string
	latest  string
	channel string
	payload string
}

// Publisher mirrors candles and signals into Redis.
type Publisher struct {
	client  *goredis.Client
	breaker *Breaker
	metrics *metrics.Metrics

	mu      sync.Mutex
	backlog []deferred
}

// New connects, pings the server and wires the circuit breaker to the
// metrics gauges. m may be nil.
func New(cfg Config, m *metrics.Metrics) (*Publisher, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	p := &Publisher{
		client:  client,
		metrics: m,
		breaker: NewBreaker(breakerThreshold, breakerCooldown),
	}
	p.breaker.OnStateChange = p.onBreakerChange

	log.Printf("[redis] connected to %s", cfg.Addr)
	return p, nil
}

// Client exposes the connection for health checks.
func (p *Publisher) Client() *goredis.Client { return p.client }

// Breaker exposes the publish breaker; the entitlement backend shares the
// same type but runs its own instance.
func (p *Publisher) Breaker() *Breaker { return p.breaker }

// Run consumes pipeline events until ctx is cancelled or events closes.
// Events already queued on the channel are drained into a single Redis
// pipeline per round trip.
func (p *Publisher) Run(ctx context.Context, events <-chan pipeline.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			batch := append(make([]pipeline.Event, 0, 16), ev)
		drain:
			for len(batch) < maxBatch {
				select {
				case more, ok := <-events:
					if !ok {
						break drain
					}
					batch = append(batch, more)
				default:
					break drain
				}
			}
			p.publishBatch(ctx, batch)
		}
	}
}

// publishBatch queues SET/XADD/PUBLISH commands for every event and
// executes them in one pipeline through the breaker.
func (p *Publisher) publishBatch(ctx context.Context, batch []pipeline.Event) {
	pipe := p.client.Pipeline()
	queued := 0
	var signals []deferred

	for i := range batch {
		ev := &batch[i]
		key := ev.Pair.Key()

		switch ev.Type {
		case pipeline.EventBar:
			payload := string(ev.Bar.JSON())
			if ev.Final {
				// Forming bars are pub/sub only; the latest key always
				// holds a closed bar.
				pipe.Set(ctx, "candle:latest:"+key, payload, latestTTL)
			}
			pipe.Publish(ctx, "pub:candle:"+key, payload)
			queued++

		case pipeline.EventSignal:
			if ev.Signal == nil {
				continue
			}
			d := deferred{
				stream:  "signals:" + key,
				latest:  "signal:latest:" + key,
				channel: "pub:signal:" + key,
				payload: string(ev.Signal.JSON()),
			}
			queueSignal(ctx, pipe, d)
			signals = append(signals, d)
			queued++

		default:
			// Indicator snapshots ride the websocket gateway only.
		}
	}
	if queued == 0 {
		return
	}

	start := time.Now()
	err := p.breaker.Do(func() error {
		_, execErr := pipe.Exec(ctx)
		return execErr
	})
	if err == nil {
		if p.metrics != nil {
			p.metrics.RedisPublishDur.Observe(time.Since(start).Seconds())
		}
		return
	}
	if errors.Is(err, ErrBreakerOpen) {
		// Nothing was sent. Candles are ephemeral, signals are not.
		p.deferSignals(signals)
		return
	}
	log.Printf("[redis] publish batch (%d writes): %v", queued, err)
}

func queueSignal(ctx context.Context, pipe goredis.Pipeliner, d deferred) {
	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: d.stream,
		MaxLen: signalStreamMax,
		Approx: true,
		Values: map[string]interface{}{"data": d.payload},
	})
	pipe.Set(ctx, d.latest, d.payload, latestTTL)
	pipe.Publish(ctx, d.channel, d.payload)
}

// deferSignals appends to the backlog, dropping the oldest entries past
// maxBacklog.
func (p *Publisher) deferSignals(signals []deferred) {
	if len(signals) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, d := range signals {
		if len(p.backlog) >= maxBacklog {
			p.backlog = p.backlog[1:]
		}
		p.backlog = append(p.backlog, d)
	}
}

// Backlog reports how many signal writes wait for the breaker to close.
func (p *Publisher) Backlog() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.backlog)
}

func (p *Publisher) onBreakerChange(from, to BreakerState) {
	log.Printf("[redis] breaker %s -> %s", from, to)
	if p.metrics != nil {
		p.metrics.RedisCircuitBreakerState.Set(float64(to))
		if to == BreakerOpen {
			p.metrics.RedisCircuitBreakerTrips.Inc()
		}
	}
	if to == BreakerClosed {
		go p.flushBacklog(context.Background())
	}
}

// flushBacklog replays deferred signals after the breaker closes.
func (p *Publisher) flushBacklog(ctx context.Context) {
	p.mu.Lock()
	if len(p.backlog) == 0 {
		p.mu.Unlock()
		return
	}
	backlog := p.backlog
	p.backlog = nil
	p.mu.Unlock()

	pipe := p.client.Pipeline()
	for _, d := range backlog {
		queueSignal(ctx, pipe, d)
	}
	err := p.breaker.Do(func() error {
		_, execErr := pipe.Exec(ctx)
		return execErr
	})
	if err != nil {
		log.Printf("[redis] backlog flush (%d signals): %v", len(backlog), err)
		return
	}
	log.Printf("[redis] flushed %d deferred signals", len(backlog))
}

// Close closes the connection.
func (p *Publisher) Close() error {
	return p.client.Close()
}
