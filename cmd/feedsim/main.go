// cmd/feedsim — synthetic upstream exchange.
// Serves the same login + klines surface as a real provider so the daemon
// runs locally without credentials: random-walk prices bucketed into
// klines per (symbol, interval).
//
// Kline JSON shape is identical to model.UpstreamKline:
//
//	{"t":1700000000000,"o":65000,"h":65103,"l":64985,"c":65090,"v":12.4,"x":false}
//
// Config (env vars):
//
//	FEEDSIM_ADDR     — listen address (default: ":7777")
//	FEEDSIM_SYMBOLS  — comma-separated SYMBOL:BASEPRICE (default: "BTCUSDT:65000,ETHUSDT:3200")
//	FEEDSIM_TICK_MS  — price step interval milliseconds (default: "500")
package main

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log"
	mrand "math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chartstream/internal/logger"
	"chartstream/internal/model"
)

const historyDepth = 1000

// ─── Simulator state ─────────────────────────────────────────────────────────

// pairState simulates one (symbol, interval) kline stream: a rolling
// window of closed bars plus the forming bar, and the fan-out channels of
// connected clients.
type pairState struct {
	pair   model.PairKey
	period int64 // seconds

	mu      sync.Mutex
	bars    []model.UpstreamKline // closed, ascending
	cur     model.UpstreamKline   // forming
	clients map[chan []byte]bool
}

// sim owns every simulated pair and the per-symbol walk prices, so two
// intervals of the same symbol stay on one price path.
type sim struct {
	mu     sync.Mutex
	prices map[string]float64 // current walk price per symbol
	bases  map[string]float64 // configured starting prices
	pairs  map[string]*pairState
}

func newSim(bases map[string]float64) *sim {
	return &sim{
		prices: make(map[string]float64),
		bases:  bases,
		pairs:  make(map[string]*pairState),
	}
}

// walkPrice applies a tiny random walk (±0.1%) to simulate price movement.
func walkPrice(price float64) float64 {
	pct := (mrand.Float64()*0.2 - 0.1) / 100.0
	next := price + price*pct
	if next < 0.01 {
		next = 0.01
	}
	return next
}

func (s *sim) basePrice(symbol string) float64 {
	if p, ok := s.bases[symbol]; ok {
		return p
	}
	return 100
}

// getOrCreate returns the pair's state, seeding historyDepth closed bars
// behind the current period on first touch so history and the live
// stream form one continuous price path.
func (s *sim) getOrCreate(pair model.PairKey) *pairState {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pair.Key()
	if ps, ok := s.pairs[key]; ok {
		return ps
	}

	period := int64(pair.IntervalDuration() / time.Second)
	now := time.Now().Unix()
	curStart := now - now%period

	price, ok := s.prices[pair.Symbol]
	if !ok {
		price = s.basePrice(pair.Symbol)
		s.prices[pair.Symbol] = price
	}

	ps := &pairState{
		pair:    pair,
		period:  period,
		bars:    make([]model.UpstreamKline, 0, historyDepth),
		clients: make(map[chan []byte]bool),
	}

	// Walk backwards from the symbol's live price so the generated history
	// ends exactly where the stream picks up, for every interval.
	closes := make([]float64, historyDepth+1)
	closes[historyDepth] = price
	for i := historyDepth - 1; i >= 0; i-- {
		closes[i] = walkPrice(closes[i+1])
	}
	for i := 0; i < historyDepth; i++ {
		start := curStart - int64(historyDepth-i)*period
		ps.bars = append(ps.bars, closedBar(start, closes[i], closes[i+1]))
	}
	ps.cur = openBar(curStart, price)
	s.pairs[key] = ps

	log.Printf("[feedsim] simulating %s (period %ds, seeded %d bars)", key, period, len(ps.bars))
	return ps
}

// closedBar builds one synthetic closed bar from its open and close.
func closedBar(startSec int64, o, c float64) model.UpstreamKline {
	hi, lo := o, c
	if c > o {
		hi = c
		lo = o
	}
	return model.UpstreamKline{
		T: startSec * 1000,
		O: o,
		H: hi * (1 + mrand.Float64()*0.0005),
		L: lo * (1 - mrand.Float64()*0.0005),
		C: c,
		V: mrand.Float64()*50 + 1,
		X: true,
	}
}

func openBar(startSec int64, price float64) model.UpstreamKline {
	return model.UpstreamKline{T: startSec * 1000, O: price, H: price, L: price, C: price}
}

// step advances every simulated pair by one price tick, closing bars
// whose period has elapsed.
func (s *sim) step() {
	s.mu.Lock()
	for symbol := range s.prices {
		s.prices[symbol] = walkPrice(s.prices[symbol])
	}
	prices := make(map[string]float64, len(s.prices))
	for sym, p := range s.prices {
		prices[sym] = p
	}
	pairs := make([]*pairState, 0, len(s.pairs))
	for _, ps := range s.pairs {
		pairs = append(pairs, ps)
	}
	s.mu.Unlock()

	now := time.Now().Unix()
	for _, ps := range pairs {
		ps.tick(prices[ps.pair.Symbol], now)
	}
}

// tick folds one price sample into the forming bar and broadcasts it;
// when the bar's period has elapsed it goes out once more with x=true
// and a fresh bar opens.
func (ps *pairState) tick(price float64, nowSec int64) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if price > ps.cur.H {
		ps.cur.H = price
	}
	if price < ps.cur.L {
		ps.cur.L = price
	}
	ps.cur.C = price
	ps.cur.V += mrand.Float64() * 2

	curStart := ps.cur.T / 1000
	if nowSec >= curStart+ps.period {
		ps.cur.X = true
		ps.broadcastLocked(ps.cur)
		ps.bars = append(ps.bars, ps.cur)
		if len(ps.bars) > historyDepth {
			ps.bars = ps.bars[len(ps.bars)-historyDepth:]
		}
		ps.cur = openBar(nowSec-nowSec%ps.period, price)
		return
	}
	ps.broadcastLocked(ps.cur)
}

func (ps *pairState) broadcastLocked(k model.UpstreamKline) {
	msg, err := json.Marshal(k)
	if err != nil {
		return
	}
	for ch := range ps.clients {
		select {
		case ch <- msg:
		default: // slow client — drop frame
		}
	}
}

func (ps *pairState) register() chan []byte {
	ch := make(chan []byte, 256)
	ps.mu.Lock()
	ps.clients[ch] = true
	ps.mu.Unlock()
	return ch
}

func (ps *pairState) unregister(ch chan []byte) {
	ps.mu.Lock()
	if ps.clients[ch] {
		delete(ps.clients, ch)
		close(ch)
	}
	ps.mu.Unlock()
}

// history returns up to limit closed bars, oldest first.
func (ps *pairState) history(limit int) []model.UpstreamKline {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if limit > len(ps.bars) {
		limit = len(ps.bars)
	}
	out := make([]model.UpstreamKline, limit)
	copy(out, ps.bars[len(ps.bars)-limit:])
	return out
}

func (s *sim) run(tickMs int) {
	ticker := time.NewTicker(time.Duration(tickMs) * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		s.step()
	}
}

// ─── HTTP handlers ───────────────────────────────────────────────────────────

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// loginHandler accepts any credentials and hands out a throwaway feed
// token, mirroring the provider's login response shape.
func loginHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"status":false,"message":"POST only"}`, http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		ClientCode string `json:"clientcode"`
	}
	json.NewDecoder(r.Body).Decode(&req)

	buf := make([]byte, 8)
	rand.Read(buf)
	token := "sim-" + hex.EncodeToString(buf)
	log.Printf("[feedsim] login %q -> token %s", req.ClientCode, token)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    true,
		"message":   "ok",
		"feedToken": token,
	})
}

func pairFromQuery(r *http.Request) (model.PairKey, error) {
	return model.NewPairKey(r.URL.Query().Get("symbol"), r.URL.Query().Get("interval"))
}

func klinesHandler(s *sim) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pair, err := pairFromQuery(r)
		if err != nil {
			http.Error(w, `{"error":"bad symbol or interval"}`, http.StatusBadRequest)
			return
		}
		limit := 500
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= historyDepth {
				limit = n
			}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(s.getOrCreate(pair).history(limit))
	}
}

func wsHandler(s *sim) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pair, err := pairFromQuery(r)
		if err != nil {
			http.Error(w, "bad symbol or interval", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[feedsim] upgrade error: %v", err)
			return
		}
		log.Printf("[feedsim] client connected: %s -> %s", r.RemoteAddr, pair.Key())

		ps := s.getOrCreate(pair)
		ch := ps.register()
		defer func() {
			ps.unregister(ch)
			conn.Close()
			log.Printf("[feedsim] client disconnected: %s", r.RemoteAddr)
		}()

		// Reader drains control frames and notices the hangup.
		go func() {
			for {
				if _, _, err := conn.NextReader(); err != nil {
					conn.Close()
					return
				}
			}
		}()

		for msg := range ch {
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

// ─── main ────────────────────────────────────────────────────────────────────

func main() {
	logger.Init("feedsim", envOrDefault("LOG_LEVEL", "info"))
	log.Println("[feedsim] starting synthetic exchange...")

	addr := envOrDefault("FEEDSIM_ADDR", ":7777")
	symbolsEnv := envOrDefault("FEEDSIM_SYMBOLS", "BTCUSDT:65000,ETHUSDT:3200")
	tickMs := envIntOrDefault("FEEDSIM_TICK_MS", 500)

	bases := parseSymbols(symbolsEnv)
	if len(bases) == 0 {
		log.Fatalf("[feedsim] no symbols configured via FEEDSIM_SYMBOLS")
	}
	log.Printf("[feedsim] base prices: %v", bases)
	log.Printf("[feedsim] tick interval: %dms", tickMs)

	s := newSim(bases)
	go s.run(tickMs)

	http.HandleFunc("/api/login", loginHandler)
	http.HandleFunc("/api/klines", klinesHandler(s))
	http.HandleFunc("/ws/klines", wsHandler(s))
	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"status":"ok","service":"feedsim"}`))
	})

	log.Printf("[feedsim] listening on %s (WS: ws://localhost%s/ws/klines)", addr, addr)
	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Fatalf("[feedsim] server error: %v", err)
	}
}

// ─── helpers ─────────────────────────────────────────────────────────────────

// parseSymbols parses "SYMBOL:BASEPRICE,..." into starting prices.
func parseSymbols(s string) map[string]float64 {
	out := make(map[string]float64)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		seg := strings.SplitN(part, ":", 2)
		if len(seg) != 2 {
			log.Printf("[feedsim] skipping malformed symbol entry: %q", part)
			continue
		}
		price, err := strconv.ParseFloat(strings.TrimSpace(seg[1]), 64)
		if err != nil || price <= 0 {
			log.Printf("[feedsim] skipping symbol with bad price: %q", part)
			continue
		}
		out[strings.ToUpper(strings.TrimSpace(seg[0]))] = price
	}
	return out
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
