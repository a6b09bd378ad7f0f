package archive

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"chartstream/internal/model"
	"chartstream/internal/pipeline"
)

func testPair(t *testing.T) model.PairKey {
	t.Helper()
	pair, err := model.NewPairKey("BTCUSDT", "1m")
	if err != nil {
		t.Fatalf("NewPairKey: %v", err)
	}
	return pair
}

func newTestWriter(t *testing.T) (*Writer, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bars.db")
	w, err := NewWriter(path, nil)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return w, path
}

func barAt(ts int64, close float64) model.Bar {
	return model.Bar{Time: ts, Open: close - 1, High: close + 1, Low: close - 2, Close: close, Volume: 10}
}

func TestAppendAndReadBack(t *testing.T) {
	w, path := newTestWriter(t)
	pair := testPair(t)

	bars := []model.Bar{barAt(60, 10), barAt(120, 11), barAt(180, 12)}
	if err := w.Append(pair, bars); err != nil {
		t.Fatalf("Append: %v", err)
	}

	r, err := NewReader(path)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	got, err := r.Bars(pair, 0)
	if err != nil {
		t.Fatalf("Bars: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 bars, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Time <= got[i-1].Time {
			t.Fatalf("bars not ascending at %d: %d <= %d", i, got[i].Time, got[i-1].Time)
		}
	}
	if got[0] != bars[0] || got[2] != bars[2] {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	after, err := r.Bars(pair, 60)
	if err != nil {
		t.Fatalf("Bars after: %v", err)
	}
	if len(after) != 2 || after[0].Time != 120 {
		t.Fatalf("expected bars after 60 to start at 120, got %+v", after)
	}

	pairs, err := r.Pairs()
	if err != nil {
		t.Fatalf("Pairs: %v", err)
	}
	if len(pairs) != 1 || pairs[0] != pair {
		t.Fatalf("expected [%v], got %v", pair, pairs)
	}
}

func TestRecentReturnsNewestAscending(t *testing.T) {
	w, path := newTestWriter(t)
	pair := testPair(t)

	var bars []model.Bar
	for i := int64(1); i <= 5; i++ {
		bars = append(bars, barAt(i*60, float64(i)))
	}
	if err := w.Append(pair, bars); err != nil {
		t.Fatalf("Append: %v", err)
	}

	r, err := NewReader(path)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	got, err := r.Recent(pair, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 bars, got %d", len(got))
	}
	if got[0].Time != 240 || got[1].Time != 300 {
		t.Fatalf("expected newest two in ascending order, got %+v", got)
	}

	all, err := r.Recent(pair, 100)
	if err != nil {
		t.Fatalf("Recent all: %v", err)
	}
	if len(all) != 5 || all[0].Time != 60 {
		t.Fatalf("limit above row count should return everything ascending, got %+v", all)
	}
}

func TestInsertReplacesDuplicateTimestamp(t *testing.T) {
	w, path := newTestWriter(t)
	pair := testPair(t)

	if err := w.Append(pair, []model.Bar{barAt(60, 10)}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w.Append(pair, []model.Bar{barAt(60, 42)}); err != nil {
		t.Fatalf("Append replace: %v", err)
	}

	r, err := NewReader(path)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	got, err := r.Bars(pair, 0)
	if err != nil {
		t.Fatalf("Bars: %v", err)
	}
	if len(got) != 1 || got[0].Close != 42 {
		t.Fatalf("expected single replaced bar with close 42, got %+v", got)
	}
}

func TestRunPersistsOnlyFinalBars(t *testing.T) {
	w, path := newTestWriter(t)
	pair := testPair(t)

	events := make(chan pipeline.Event, 8)
	events <- pipeline.Event{Type: pipeline.EventBar, Pair: pair, Bar: barAt(60, 10), Final: false}
	events <- pipeline.Event{Type: pipeline.EventBar, Pair: pair, Bar: barAt(60, 10.5), Final: true}
	events <- pipeline.Event{Type: pipeline.EventSignal, Pair: pair}
	events <- pipeline.Event{Type: pipeline.EventBar, Pair: pair, Bar: barAt(120, 11), Final: true}
	close(events)

	done := make(chan struct{})
	go func() {
		w.Run(context.Background(), events)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after channel close")
	}

	r, err := NewReader(path)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	got, err := r.Bars(pair, 0)
	if err != nil {
		t.Fatalf("Bars: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 final bars, got %d (%+v)", len(got), got)
	}
	if got[0].Time != 60 || got[0].Close != 10.5 {
		t.Fatalf("forming bar should not survive, got %+v", got[0])
	}
	if got[1].Time != 120 {
		t.Fatalf("expected second bar at 120, got %+v", got[1])
	}
}

func TestRunFlushesOnCancel(t *testing.T) {
	w, path := newTestWriter(t)
	pair := testPair(t)

	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan pipeline.Event, 1)
	events <- pipeline.Event{Type: pipeline.EventBar, Pair: pair, Bar: barAt(60, 10), Final: true}

	done := make(chan struct{})
	go func() {
		w.Run(ctx, events)
		close(done)
	}()

	// Give the loop a moment to drain the buffered event, then cancel.
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit on cancel")
	}

	r, err := NewReader(path)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	got, err := r.Bars(pair, 0)
	if err != nil {
		t.Fatalf("Bars: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected pending batch flushed on cancel, got %d bars", len(got))
	}
}

func TestLastTimestampAndPrune(t *testing.T) {
	w, _ := newTestWriter(t)
	pair := testPair(t)

	ts, err := w.LastTimestamp(pair)
	if err != nil {
		t.Fatalf("LastTimestamp empty: %v", err)
	}
	if ts != 0 {
		t.Fatalf("expected 0 for empty archive, got %d", ts)
	}

	bars := []model.Bar{barAt(60, 10), barAt(120, 11), barAt(180, 12)}
	if err := w.Append(pair, bars); err != nil {
		t.Fatalf("Append: %v", err)
	}

	ts, err = w.LastTimestamp(pair)
	if err != nil {
		t.Fatalf("LastTimestamp: %v", err)
	}
	if ts != 180 {
		t.Fatalf("expected last timestamp 180, got %d", ts)
	}

	n, err := w.PruneBefore(150)
	if err != nil {
		t.Fatalf("PruneBefore: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 rows pruned, got %d", n)
	}

	ts, err = w.LastTimestamp(pair)
	if err != nil {
		t.Fatalf("LastTimestamp after prune: %v", err)
	}
	if ts != 180 {
		t.Fatalf("newest bar should survive prune, got %d", ts)
	}
}
