package gateway

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"chartstream/internal/backtest"
	"chartstream/internal/model"
)

const (
	defaultHistoryBars = 500
	maxHistoryBars     = 1000

	// backtestBarWindow bounds how far back an API backtest reads.
	backtestBarWindow = 5000
)

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(r *http.Request) bool { return true },
	EnableCompression: true,
}

// BarSource supplies archived bars for backtest runs. Satisfied by
// archive.Reader.
type BarSource interface {
	Recent(pair model.PairKey, limit int) ([]model.Bar, error)
}

// Server binds the hub's websocket endpoint and the REST surface. archive
// may be nil; backtests then run against the live cache only.
type Server struct {
	hub     *Hub
	archive BarSource
}

func NewServer(hub *Hub, archive BarSource) *Server {
	return &Server{hub: hub, archive: archive}
}

// Routes returns the gateway mux: websocket at /ws, REST under /api.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/history", s.handleHistory)
	mux.HandleFunc("/api/backtest", s.handleBacktest)
	return mux
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[gateway] ws upgrade failed: %v", err)
		return
	}
	s.hub.HandleWS(conn, r.URL.Query().Get("subscriber"))
}

// handleHistory serves GET /api/history?symbol&interval&limit. A
// successful fetch also seeds the cache and starts the pair's connector,
// so a chart can load history and then attach to /ws for live updates.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	setCORS(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
		return
	}

	pair, err := model.NewPairKey(r.URL.Query().Get("symbol"), r.URL.Query().Get("interval"))
	if err != nil {
		writeError(w, http.StatusBadRequest, reasonInvalidMessage, err.Error())
		return
	}
	limit := defaultHistoryBars
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = min(n, maxHistoryBars)
		}
	}

	if err := s.hub.svc.StartPair(r.Context(), pair); err != nil {
		writeError(w, http.StatusBadRequest, reasonInvalidMessage, err.Error())
		return
	}
	bars := s.hub.svc.CachedBars(pair, limit)
	if bars == nil {
		bars = []model.Bar{}
	}
	writeJSON(w, http.StatusOK, bars)
}

// handleBacktest serves POST /api/backtest with a backtest.Config body.
func (s *Server) handleBacktest(w http.ResponseWriter, r *http.Request) {
	setCORS(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
		return
	}

	var cfg backtest.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, reasonInvalidMessage, "body must be a backtest config")
		return
	}
	pair, err := model.NewPairKey(cfg.Symbol, cfg.Interval)
	if err != nil {
		writeError(w, http.StatusBadRequest, reasonInvalidMessage, err.Error())
		return
	}

	start := time.Now()
	report, err := backtest.Run(cfg, s.loadBars(pair))
	if m := s.hub.metrics; m != nil {
		m.BacktestRuns.Inc()
		m.BacktestDur.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		switch {
		case errors.Is(err, backtest.ErrInsufficientData):
			writeError(w, http.StatusBadRequest, "insufficient_data", err.Error())
		case errors.Is(err, backtest.ErrBadConfig),
			errors.Is(err, backtest.ErrUnknownStrategy),
			errors.Is(err, backtest.ErrUnorderedBars):
			writeError(w, http.StatusBadRequest, reasonInvalidMessage, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "backtest_failed", err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// loadBars prefers the archive (final bars only, survives restarts) and
// falls back to the live cache for pairs not archived yet.
func (s *Server) loadBars(pair model.PairKey) []model.Bar {
	if s.archive != nil {
		bars, err := s.archive.Recent(pair, backtestBarWindow)
		if err != nil {
			log.Printf("[gateway] %s: archive read failed: %v", pair.Key(), err)
		} else if len(bars) >= backtest.MinBars {
			return bars
		}
	}
	return s.hub.svc.CachedBars(pair, backtestBarWindow)
}

type apiError struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func setCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, apiError{Error: code, Detail: detail})
}
