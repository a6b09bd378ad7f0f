package pipeline

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"chartstream/internal/candle"
	"chartstream/internal/feed"
	"chartstream/internal/indicator"
	"chartstream/internal/metrics"
	"chartstream/internal/model"
	"chartstream/internal/strategy"
)

const historyFetchTimeout = 10 * time.Second

// HistorySource fetches recent closed bars for seeding a pair's cache.
// Implemented by the exchange client.
type HistorySource interface {
	History(ctx context.Context, pair model.PairKey, limit int) ([]model.Bar, error)
}

// pairState is everything the pipeline holds for one pair. Its mutex
// serializes bar processing so each bar is fully merged, computed and
// published before the next one for the same pair.
type pairState struct {
	pair model.PairKey

	mu       sync.Mutex
	cache    *candle.Cache
	engine   *indicator.Engine
	lastSnap *indicator.Snapshot
	seeded   bool
}

// Service owns per-pair state and the processing path from inbound bar to
// published events. Events for one pair are always published in bar order:
// bar, then indicator, then signal.
type Service struct {
	bus      *Bus
	detector *strategy.Detector
	history  HistorySource
	metrics  *metrics.Metrics
	feeds    *feed.Manager

	ctx context.Context // lifecycle root for connectors, set by Start

	mu    sync.RWMutex
	pairs map[string]*pairState
}

// NewService creates the pipeline. history and m may be nil.
func NewService(bus *Bus, history HistorySource, m *metrics.Metrics) *Service {
	return &Service{
		bus:      bus,
		detector: strategy.NewDetector(),
		history:  history,
		metrics:  m,
		pairs:    make(map[string]*pairState),
	}
}

// AttachFeeds hands the service the connector registry. Done after
// construction because the feed manager needs the service as its sink.
func (s *Service) AttachFeeds(mgr *feed.Manager) {
	s.feeds = mgr
}

// Start records ctx as the lifecycle root for feed connectors. Call once
// before the first StartPair.
func (s *Service) Start(ctx context.Context) {
	s.ctx = ctx
}

// StartPair ensures pair state exists, seeds the cache from upstream
// history on first touch (best effort) and starts the pair's connector.
// Idempotent; called from every subscribe and at boot for configured pairs.
func (s *Service) StartPair(ctx context.Context, pair model.PairKey) error {
	if err := pair.Validate(); err != nil {
		return err
	}
	ps := s.ensurePair(pair)

	ps.mu.Lock()
	needSeed := !ps.seeded && ps.cache.Len() == 0 && s.history != nil
	ps.seeded = true
	ps.mu.Unlock()

	if needSeed {
		fetchCtx, cancel := context.WithTimeout(ctx, historyFetchTimeout)
		bars, err := s.history.History(fetchCtx, pair, candle.SeedCapacity)
		cancel()
		if err != nil {
			log.Printf("[pipeline] %s: history seed failed: %v", pair.Key(), err)
		} else {
			n := s.Seed(pair, bars)
			log.Printf("[pipeline] %s: seeded %d bars from history", pair.Key(), n)
		}
	}

	if s.feeds != nil {
		root := s.ctx
		if root == nil {
			root = context.Background()
		}
		s.feeds.Start(root, pair)
	}
	return nil
}

// StopPair stops the pair's connector. Cache and indicator state stay warm.
func (s *Service) StopPair(pair model.PairKey) {
	if s.feeds != nil {
		s.feeds.Stop(pair)
	}
}

// Shutdown stops all connectors and closes the event bus.
func (s *Service) Shutdown() {
	if s.feeds != nil {
		s.feeds.StopAll()
	}
	s.bus.Close()
}

// SeedReplay pushes every cached bar back through the indicator engine.
// Invoked by the connector on each Connecting transition; replaying
// already-seen bars is a no-op because the engine dedupes on bar time.
func (s *Service) SeedReplay(pair model.PairKey) {
	ps := s.ensurePair(pair)
	ps.mu.Lock()
	defer ps.mu.Unlock()

	before := ps.engine.LastTime()
	for _, b := range ps.cache.Snapshot(0) {
		ps.engine.OnBar(b)
	}
	if after := ps.engine.LastTime(); after > before {
		log.Printf("[pipeline] %s: replayed cache into indicators through t=%d", pair.Key(), after)
	}
}

// HandleKline converts one upstream kline and processes it.
func (s *Service) HandleKline(pair model.PairKey, k model.UpstreamKline) {
	s.ProcessBar(pair, k.Bar(), k.Final())
}

// ProcessBar merges one bar into the pair's cache and publishes events.
// Every bar produces a bar event; a final bar additionally advances the
// indicator engine, runs signal detection and publishes the results.
func (s *Service) ProcessBar(pair model.PairKey, bar model.Bar, final bool) {
	ps := s.ensurePair(pair)
	ps.mu.Lock()
	defer ps.mu.Unlock()

	start := time.Now()
	if !ps.cache.Merge(bar) {
		if s.metrics != nil {
			s.metrics.StaleBars.Inc()
		}
		log.Printf("[pipeline] %s: dropped stale bar t=%d", pair.Key(), bar.Time)
		return
	}
	s.bus.Publish(Event{Type: EventBar, Pair: pair, Bar: bar, Final: final})
	if s.metrics != nil {
		s.metrics.BarsTotal.WithLabelValues(pair.Key()).Inc()
	}
	if !final {
		return
	}

	snap, err := ps.engine.OnBar(bar)
	if err != nil {
		if errors.Is(err, indicator.ErrStaleBar) {
			if s.metrics != nil {
				s.metrics.StaleBars.Inc()
			}
			log.Printf("[pipeline] %s: dropped stale bar t=%d", pair.Key(), bar.Time)
		}
		return
	}

	sig := s.detector.Evaluate(ps.engine.Prior(), ps.engine.Current(), bar)
	if sig != nil {
		snap.Signal = sig
	}
	ps.lastSnap = &snap

	s.bus.Publish(Event{Type: EventIndicator, Pair: pair, Snapshot: snap})
	if sig != nil {
		s.bus.Publish(Event{Type: EventSignal, Pair: pair, Snapshot: snap, Signal: sig})
		log.Printf("[pipeline] %s: %s signal (%s) at %g", pair.Key(), sig.Side, sig.Reason, sig.Price)
	}

	if s.metrics != nil {
		s.metrics.FinalBarsTotal.WithLabelValues(pair.Key()).Inc()
		s.metrics.BarProcessDur.Observe(time.Since(start).Seconds())
		if sig != nil {
			s.metrics.SignalsTotal.WithLabelValues(sig.Reason, sig.Side).Inc()
		}
	}
}

// Seed merges historical bars (oldest first) into the cache and replays
// them through the engine. No events are published. Returns the number of
// bars accepted by the engine.
func (s *Service) Seed(pair model.PairKey, bars []model.Bar) int {
	ps := s.ensurePair(pair)
	ps.mu.Lock()
	defer ps.mu.Unlock()

	n := 0
	for _, b := range bars {
		ps.cache.Merge(b)
		if _, err := ps.engine.OnBar(b); err == nil {
			n++
		}
	}
	return n
}

// CachedBars returns the most recent limit bars for pair, oldest first.
func (s *Service) CachedBars(pair model.PairKey, limit int) []model.Bar {
	ps := s.ensurePair(pair)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.cache.Snapshot(limit)
}

// LatestSnapshot returns the snapshot from the pair's newest final bar.
func (s *Service) LatestSnapshot(pair model.PairKey) (indicator.Snapshot, bool) {
	ps := s.ensurePair(pair)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.lastSnap == nil {
		return indicator.Snapshot{}, false
	}
	return *ps.lastSnap, true
}

// Pairs lists every pair the service has state for, sorted by key.
func (s *Service) Pairs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.pairs))
	for k := range s.pairs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// FeedStates reports every connector's state, keyed by pair key.
func (s *Service) FeedStates() map[string]string {
	out := map[string]string{}
	if s.feeds == nil {
		return out
	}
	for key, st := range s.feeds.States() {
		out[key] = st.String()
	}
	return out
}

func (s *Service) ensurePair(pair model.PairKey) *pairState {
	key := pair.Key()
	s.mu.RLock()
	ps, ok := s.pairs[key]
	s.mu.RUnlock()
	if ok {
		return ps
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ps, ok := s.pairs[key]; ok {
		return ps
	}
	ps = &pairState{
		pair:   pair,
		cache:  candle.NewCache(candle.DefaultLiveCapacity),
		engine: indicator.NewEngine(indicator.DefaultParams()),
	}
	s.pairs[key] = ps
	return ps
}
