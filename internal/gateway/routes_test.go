package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"chartstream/internal/backtest"
	"chartstream/internal/entitlement"
	"chartstream/internal/model"
)

var errArchiveDown = errors.New("archive down")

type stubBarSource struct {
	bars []model.Bar
	err  error
}

func (s *stubBarSource) Recent(pair model.PairKey, limit int) ([]model.Bar, error) {
	return s.bars, s.err
}

func newTestServer(t *testing.T, archive BarSource) (*httptest.Server, *Hub) {
	t.Helper()
	hub, _ := newTestHub(entitlement.NewStatic(nil))
	server := httptest.NewServer(NewServer(hub, archive).Routes())
	t.Cleanup(server.Close)
	return server, hub
}

func seedBars(n int, start int64) []model.Bar {
	bars := make([]model.Bar, n)
	price := 100.0
	for i := range bars {
		// Zig-zag walk so SMA windows actually cross.
		if i%8 < 4 {
			price += 2
		} else {
			price -= 2
		}
		bars[i] = finalBar(start+int64(60*(i+1)), price)
	}
	return bars
}

func TestHistoryEndpoint(t *testing.T) {
	server, hub := newTestServer(t, nil)
	pair := mustPair(t, "BTCUSDT", "1m")
	hub.svc.Seed(pair, []model.Bar{finalBar(60, 100), finalBar(120, 101), finalBar(180, 102)})

	resp, err := http.Get(server.URL + "/api/history?symbol=btcusdt&interval=1m&limit=2")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}

	var bars []model.Bar
	if err := json.NewDecoder(resp.Body).Decode(&bars); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(bars) != 2 || bars[0].Time != 120 || bars[1].Time != 180 {
		t.Errorf("bars = %+v, want last two", bars)
	}
}

func TestHistoryEndpointRejectsBadPair(t *testing.T) {
	server, _ := newTestServer(t, nil)

	resp, err := http.Get(server.URL + "/api/history?symbol=BTCUSDT&interval=9z")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	var e apiError
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if e.Error != reasonInvalidMessage {
		t.Errorf("error code = %q", e.Error)
	}
}

func TestHistoryEndpointMethodNotAllowed(t *testing.T) {
	server, _ := newTestServer(t, nil)

	resp, err := http.Post(server.URL+"/api/history", "application/json", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", resp.StatusCode)
	}
}

func TestBacktestEndpoint(t *testing.T) {
	server, hub := newTestServer(t, nil)
	pair := mustPair(t, "BTCUSDT", "1m")
	bars := seedBars(60, 0)
	hub.svc.Seed(pair, bars)

	body, _ := json.Marshal(backtest.Config{Symbol: "BTCUSDT", Interval: "1m", Strategy: "sma", FastPeriod: 3, SlowPeriod: 8})
	resp, err := http.Post(server.URL+"/api/backtest", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var report backtest.Report
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report.Metrics.StartTime != bars[0].Time || report.Metrics.EndTime != bars[len(bars)-1].Time {
		t.Errorf("window = [%d, %d]", report.Metrics.StartTime, report.Metrics.EndTime)
	}
	if report.Metrics.FinalEquity <= 0 {
		t.Errorf("final equity = %v", report.Metrics.FinalEquity)
	}
	if len(report.Equity) != len(bars)-1 {
		t.Errorf("equity points = %d, want %d", len(report.Equity), len(bars)-1)
	}
	if report.Metrics.TradeCount == 0 {
		t.Error("zig-zag series should produce trades")
	}
}

func TestBacktestEndpointPrefersArchive(t *testing.T) {
	archived := seedBars(40, 1_000_000)
	server, hub := newTestServer(t, &stubBarSource{bars: archived})
	pair := mustPair(t, "BTCUSDT", "1m")
	hub.svc.Seed(pair, seedBars(60, 0))

	body, _ := json.Marshal(backtest.Config{Symbol: "BTCUSDT", Interval: "1m"})
	resp, err := http.Post(server.URL+"/api/backtest", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	var report backtest.Report
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report.Metrics.StartTime != archived[0].Time {
		t.Errorf("start = %d, want archived window start %d", report.Metrics.StartTime, archived[0].Time)
	}
}

func TestBacktestEndpointFallsBackToCacheOnArchiveError(t *testing.T) {
	server, hub := newTestServer(t, &stubBarSource{err: errArchiveDown})
	pair := mustPair(t, "BTCUSDT", "1m")
	cached := seedBars(60, 0)
	hub.svc.Seed(pair, cached)

	body, _ := json.Marshal(backtest.Config{Symbol: "BTCUSDT", Interval: "1m"})
	resp, err := http.Post(server.URL+"/api/backtest", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var report backtest.Report
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report.Metrics.StartTime != cached[0].Time {
		t.Errorf("start = %d, want cache window start %d", report.Metrics.StartTime, cached[0].Time)
	}
}

func TestBacktestEndpointInsufficientData(t *testing.T) {
	server, hub := newTestServer(t, nil)
	hub.svc.Seed(mustPair(t, "BTCUSDT", "1m"), seedBars(5, 0))

	body, _ := json.Marshal(backtest.Config{Symbol: "BTCUSDT", Interval: "1m"})
	resp, err := http.Post(server.URL+"/api/backtest", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	var e apiError
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if e.Error != "insufficient_data" {
		t.Errorf("error code = %q", e.Error)
	}
}

func TestBacktestEndpointBadConfig(t *testing.T) {
	server, hub := newTestServer(t, nil)
	hub.svc.Seed(mustPair(t, "BTCUSDT", "1m"), seedBars(60, 0))

	for name, body := range map[string]string{
		"bad json":         `{"symbol":`,
		"unknown strategy": `{"symbol":"BTCUSDT","interval":"1m","strategy":"macd"}`,
		"bad size_pct":     `{"symbol":"BTCUSDT","interval":"1m","size_pct":2}`,
	} {
		resp, err := http.Post(server.URL+"/api/backtest", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("%s: POST: %v", name, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", name, resp.StatusCode)
		}
	}
}

func TestWSEndpointEndToEnd(t *testing.T) {
	server, hub := newTestServer(t, nil)
	pair := mustPair(t, "BTCUSDT", "1m")
	hub.svc.Seed(pair, []model.Bar{finalBar(60, 100), finalBar(120, 101)})

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?subscriber=alice"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(subscribeMsg{Type: msgSubscribe, Symbol: "BTCUSDT", Interval: "1m"}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if f.Type != msgSnapshot || len(f.Data.Bars) != 2 {
		t.Errorf("first frame = %q with %d bars, want snapshot/2", f.Type, len(f.Data.Bars))
	}

	if err := conn.WriteJSON(map[string]string{"type": "bogus"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read error frame: %v", err)
	}
	if f.Type != msgError || f.Reason != reasonUnknownType {
		t.Errorf("error frame = %s/%s", f.Type, f.Reason)
	}
}
