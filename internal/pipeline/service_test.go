package pipeline

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"chartstream/internal/model"
)

func newTestService(t *testing.T) (*Service, <-chan Event) {
	t.Helper()
	bus := NewBus(1024)
	events := bus.Subscribe("test")
	return NewService(bus, nil, nil), events
}

func testPair(t *testing.T) model.PairKey {
	t.Helper()
	p, err := model.NewPairKey("BTCUSDT", "1m")
	if err != nil {
		t.Fatalf("NewPairKey: %v", err)
	}
	return p
}

// drain reads every event already published. Publishing is synchronous, so
// after ProcessBar returns the channel holds the complete emission.
func drain(events <-chan Event) []Event {
	var out []Event
	for {
		select {
		case ev := <-events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestProcessBar_FormingBarOnlyUpdatesCache(t *testing.T) {
	svc, events := newTestService(t)
	pair := testPair(t)

	svc.ProcessBar(pair, model.Bar{Time: 60, Open: 100, High: 101, Low: 99, Close: 100.5, Volume: 3}, false)

	got := drain(events)
	if len(got) != 1 || got[0].Type != EventBar {
		t.Fatalf("events = %+v, want a single bar event", got)
	}
	if got[0].Pair != pair || got[0].Bar.Close != 100.5 || got[0].Final {
		t.Errorf("bar event = %+v", got[0])
	}
	if bars := svc.CachedBars(pair, 0); len(bars) != 1 {
		t.Errorf("cache holds %d bars, want 1", len(bars))
	}
	if _, ok := svc.LatestSnapshot(pair); ok {
		t.Error("snapshot exists before any final bar")
	}
}

func TestProcessBar_FinalBarPublishesIndicator(t *testing.T) {
	svc, events := newTestService(t)
	pair := testPair(t)

	svc.ProcessBar(pair, model.Bar{Time: 60, Close: 100}, true)

	got := drain(events)
	if len(got) != 2 || got[0].Type != EventBar || got[1].Type != EventIndicator {
		t.Fatalf("events = %+v, want bar then indicator", got)
	}
	if !got[0].Final {
		t.Error("bar event should be marked final")
	}
	snap := got[1].Snapshot
	if snap.Time != 60 || snap.Close != 100 {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.SMAShort != nil || snap.RSI != nil {
		t.Error("warm-up snapshot should carry no indicator values")
	}
	if _, ok := svc.LatestSnapshot(pair); !ok {
		t.Error("latest snapshot missing after final bar")
	}
}

func TestProcessBar_FormingBarReplacedInPlace(t *testing.T) {
	svc, events := newTestService(t)
	pair := testPair(t)

	svc.ProcessBar(pair, model.Bar{Time: 60, Close: 100}, false)
	svc.ProcessBar(pair, model.Bar{Time: 60, Close: 101}, false)
	svc.ProcessBar(pair, model.Bar{Time: 60, Close: 102}, true)

	bars := svc.CachedBars(pair, 0)
	if len(bars) != 1 || bars[0].Close != 102 {
		t.Fatalf("cache = %+v, want one bar closed at 102", bars)
	}
	got := drain(events)
	if len(got) != 4 {
		t.Fatalf("got %d events, want 3 bar + 1 indicator", len(got))
	}
}

func TestProcessBar_StaleFinalBarDropped(t *testing.T) {
	svc, events := newTestService(t)
	pair := testPair(t)

	svc.ProcessBar(pair, model.Bar{Time: 120, Close: 100}, true)
	drain(events)

	svc.ProcessBar(pair, model.Bar{Time: 60, Close: 90}, true)

	if got := drain(events); len(got) != 0 {
		t.Fatalf("stale bar published %d events: %+v", len(got), got)
	}
	snap, ok := svc.LatestSnapshot(pair)
	if !ok || snap.Time != 120 {
		t.Fatalf("latest snapshot = %+v, want time 120", snap)
	}
	if bars := svc.CachedBars(pair, 0); len(bars) != 1 || bars[0].Time != 120 {
		t.Fatalf("cache = %+v, want the single 120s bar", bars)
	}
}

// vCloses ramps 35 closes down from 200 then 30 up by 2. Running it through
// the full pipeline yields one RSI recovery buy and a run of upper-band
// sells while the rally rides the Bollinger band.
func vCloses() []float64 {
	closes := make([]float64, 0, 65)
	for i := 0; i < 35; i++ {
		closes = append(closes, float64(200-i))
	}
	for j := 1; j <= 30; j++ {
		closes = append(closes, float64(166+2*j))
	}
	return closes
}

func TestProcessBar_SignalSequenceAndOrdering(t *testing.T) {
	svc, events := newTestService(t)
	pair := testPair(t)

	closes := vCloses()
	for i, c := range closes {
		svc.ProcessBar(pair, model.Bar{Time: int64(60 * (i + 1)), Close: c}, true)
	}

	got := drain(events)

	type emitted struct {
		time   int64
		side   string
		reason string
	}
	var signals []emitted
	for i, ev := range got {
		if ev.Type != EventSignal {
			continue
		}
		if ev.Signal == nil {
			t.Fatalf("signal event without payload: %+v", ev)
		}
		// A signal is always preceded by the indicator event for the same
		// bar, which carries the signal inline.
		if i == 0 || got[i-1].Type != EventIndicator || got[i-1].Snapshot.Time != ev.Signal.Time {
			t.Fatalf("signal at t=%d not preceded by its indicator event", ev.Signal.Time)
		}
		if got[i-1].Snapshot.Signal == nil || got[i-1].Snapshot.Signal.Reason != ev.Signal.Reason {
			t.Fatalf("indicator snapshot at t=%d does not carry the signal", ev.Signal.Time)
		}
		signals = append(signals, emitted{ev.Signal.Time, ev.Signal.Side, ev.Signal.Reason})
	}

	want := []emitted{
		{2280, model.SideBuy, model.ReasonRSIOversold},
		{2580, model.SideSell, model.ReasonBollUpper},
		{2640, model.SideSell, model.ReasonBollUpper},
		{2700, model.SideSell, model.ReasonBollUpper},
		{2760, model.SideSell, model.ReasonBollUpper},
		{2820, model.SideSell, model.ReasonBollUpper},
	}
	if len(signals) != len(want) {
		t.Fatalf("signals = %+v, want %+v", signals, want)
	}
	for i := range want {
		if signals[i] != want[i] {
			t.Errorf("signal %d = %+v, want %+v", i, signals[i], want[i])
		}
	}
}

func TestSeed_PrimesEngineWithoutEvents(t *testing.T) {
	svc, events := newTestService(t)
	pair := testPair(t)

	bars := make([]model.Bar, 40)
	for i := range bars {
		bars[i] = model.Bar{Time: int64(60 * (i + 1)), Close: float64(100 + i)}
	}
	if n := svc.Seed(pair, bars); n != 40 {
		t.Fatalf("seeded %d bars, want 40", n)
	}
	if got := drain(events); len(got) != 0 {
		t.Fatalf("seeding published %d events", len(got))
	}

	// The next live bar continues the seeded series: closes 131..139 plus
	// 140 average to 135.5.
	svc.ProcessBar(pair, model.Bar{Time: 60 * 41, Close: 140}, true)
	got := drain(events)
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2", len(got))
	}
	snap := got[1].Snapshot
	if snap.SMAShort == nil || math.Abs(*snap.SMAShort-135.5) > 1e-9 {
		t.Fatalf("SMAShort = %v, want 135.5", snap.SMAShort)
	}
	if snap.SMALong == nil || snap.RSI == nil || snap.Bollinger == nil {
		t.Error("long-window indicators missing after 41 bars")
	}
}

func TestSeedReplay_SilentAndIdempotent(t *testing.T) {
	svc, events := newTestService(t)
	pair := testPair(t)

	bars := make([]model.Bar, 35)
	for i := range bars {
		bars[i] = model.Bar{Time: int64(60 * (i + 1)), Close: float64(100 + i)}
	}
	svc.Seed(pair, bars)

	svc.SeedReplay(pair)
	svc.SeedReplay(pair)
	if got := drain(events); len(got) != 0 {
		t.Fatalf("replay published %d events", len(got))
	}

	svc.ProcessBar(pair, model.Bar{Time: 60 * 36, Close: 135}, true)
	got := drain(events)
	snap := got[len(got)-1].Snapshot
	// closes 126..134 plus 135 average to 130.5; a double-counted replay
	// would shift the window.
	if snap.SMAShort == nil || math.Abs(*snap.SMAShort-130.5) > 1e-9 {
		t.Fatalf("SMAShort = %v, want 130.5", snap.SMAShort)
	}
}

type fakeHistory struct {
	mu    sync.Mutex
	calls int
	bars  []model.Bar
	err   error
}

func (f *fakeHistory) History(ctx context.Context, pair model.PairKey, limit int) ([]model.Bar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.bars, f.err
}

func TestStartPair_SeedsFromHistoryOnce(t *testing.T) {
	bars := make([]model.Bar, 20)
	for i := range bars {
		bars[i] = model.Bar{Time: int64(60 * (i + 1)), Close: float64(50 + i)}
	}
	src := &fakeHistory{bars: bars}

	bus := NewBus(256)
	bus.Subscribe("test")
	svc := NewService(bus, src, nil)
	svc.Start(context.Background())
	pair := testPair(t)

	if err := svc.StartPair(context.Background(), pair); err != nil {
		t.Fatalf("StartPair: %v", err)
	}
	if err := svc.StartPair(context.Background(), pair); err != nil {
		t.Fatalf("StartPair again: %v", err)
	}

	if src.calls != 1 {
		t.Fatalf("history fetched %d times, want 1", src.calls)
	}
	if got := len(svc.CachedBars(pair, 0)); got != 20 {
		t.Fatalf("cache holds %d bars, want 20", got)
	}
}

func TestStartPair_SurvivesHistoryFailure(t *testing.T) {
	src := &fakeHistory{err: errors.New("upstream down")}
	bus := NewBus(256)
	svc := NewService(bus, src, nil)
	svc.Start(context.Background())
	pair := testPair(t)

	if err := svc.StartPair(context.Background(), pair); err != nil {
		t.Fatalf("StartPair: %v", err)
	}
	if got := len(svc.CachedBars(pair, 0)); got != 0 {
		t.Fatalf("cache holds %d bars, want 0", got)
	}
}

func TestStartPair_RejectsInvalidPair(t *testing.T) {
	svc, _ := newTestService(t)
	bad := model.PairKey{Symbol: "BTCUSDT", Interval: "7m"}
	if err := svc.StartPair(context.Background(), bad); !errors.Is(err, model.ErrInvalidInterval) {
		t.Fatalf("err = %v, want ErrInvalidInterval", err)
	}
}

func TestHandleKline_ConvertsMillisecondsAndRoutes(t *testing.T) {
	svc, events := newTestService(t)
	pair := testPair(t)

	svc.HandleKline(pair, model.UpstreamKline{T: 60_000, O: 1, H: 2, L: 0.5, C: 1.5, V: 10, X: true})

	got := drain(events)
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2", len(got))
	}
	if got[0].Bar.Time != 60 || got[0].Bar.Close != 1.5 {
		t.Errorf("bar = %+v, want time 60 close 1.5", got[0].Bar)
	}
}
