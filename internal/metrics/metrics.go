package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sort"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the chart stream service.
type Metrics struct {
	// Ingest
	BarsTotal      *prometheus.CounterVec // labels: pair
	FinalBarsTotal *prometheus.CounterVec // labels: pair
	StaleBars      prometheus.Counter
	BarProcessDur  prometheus.Histogram

	// Signals
	SignalsTotal *prometheus.CounterVec // labels: reason, side

	// Feed connectors
	FeedReconnects *prometheus.CounterVec // labels: pair

	// Gateway
	WSClients         prometheus.Gauge
	Subscriptions     prometheus.Gauge
	WSMessagesOut     prometheus.Counter
	WSClientDrops     prometheus.Counter
	EntitlementDenied prometheus.Counter
	PremiumRevoked    prometheus.Counter

	// Event bus backpressure
	BusDropsTotal        *prometheus.CounterVec // labels: subscriber
	ChannelSaturationPct *prometheus.GaugeVec   // labels: channel_name

	// Redis publisher
	RedisPublishDur          prometheus.Histogram
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter

	// Archive
	ArchiveCommitDur  prometheus.Histogram
	ArchiveRowsPruned prometheus.Counter

	// Backtest API
	BacktestRuns prometheus.Counter
	BacktestDur  prometheus.Histogram
}

// NewMetrics registers and returns all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		BarsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chartstream_bars_total",
			Help: "Total bars received from the upstream feed (by pair)",
		}, []string{"pair"}),
		FinalBarsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chartstream_final_bars_total",
			Help: "Total final bars routed into the indicator path (by pair)",
		}, []string{"pair"}),
		StaleBars: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartstream_stale_bars_total",
			Help: "Bars dropped because they were older than the newest cached bar",
		}),
		BarProcessDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chartstream_bar_process_duration_seconds",
			Help:    "Full merge+indicator+signal processing latency per final bar",
			Buckets: []float64{0.000005, 0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005},
		}),

		SignalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chartstream_signals_total",
			Help: "Total trade signals emitted (by reason and side)",
		}, []string{"reason", "side"}),

		FeedReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chartstream_feed_reconnects_total",
			Help: "Upstream reconnect attempts scheduled (by pair)",
		}, []string{"pair"}),

		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chartstream_ws_clients",
			Help: "Currently connected WebSocket clients",
		}),
		Subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chartstream_subscriptions",
			Help: "Currently active (client, pair) subscriptions",
		}),
		WSMessagesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartstream_ws_messages_out_total",
			Help: "Messages written to WebSocket clients",
		}),
		WSClientDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartstream_ws_client_drops_total",
			Help: "Messages dropped because a client send buffer was full",
		}),
		EntitlementDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartstream_entitlement_denied_total",
			Help: "Indicator subscriptions rejected for missing premium",
		}),
		PremiumRevoked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartstream_premium_revoked_total",
			Help: "Indicator subscriptions revoked after premium lapsed mid-stream",
		}),

		BusDropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chartstream_bus_drops_total",
			Help: "Events dropped by the fan-out bus per subscriber",
		}, []string{"subscriber"}),
		ChannelSaturationPct: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chartstream_channel_saturation_pct",
			Help: "Channel fill percentage (len/cap * 100)",
		}, []string{"channel_name"}),

		RedisPublishDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chartstream_redis_publish_duration_seconds",
			Help:    "Redis signal publish latency",
			Buckets: prometheus.DefBuckets,
		}),
		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chartstream_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartstream_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),

		ArchiveCommitDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chartstream_archive_commit_duration_seconds",
			Help:    "SQLite batch commit latency",
			Buckets: prometheus.DefBuckets,
		}),
		ArchiveRowsPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartstream_archive_rows_pruned_total",
			Help: "Archived bars removed by the retention job",
		}),

		BacktestRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartstream_backtest_runs_total",
			Help: "Backtest requests executed",
		}),
		BacktestDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chartstream_backtest_duration_seconds",
			Help:    "Backtest run latency",
			Buckets: prometheus.DefBuckets,
		}),
	}

	prometheus.MustRegister(
		m.BarsTotal,
		m.FinalBarsTotal,
		m.StaleBars,
		m.BarProcessDur,
		m.SignalsTotal,
		m.FeedReconnects,
		m.WSClients,
		m.Subscriptions,
		m.WSMessagesOut,
		m.WSClientDrops,
		m.EntitlementDenied,
		m.PremiumRevoked,
		m.BusDropsTotal,
		m.ChannelSaturationPct,
		m.RedisPublishDur,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
		m.ArchiveCommitDur,
		m.ArchiveRowsPruned,
		m.BacktestRuns,
		m.BacktestDur,
	)

	return m
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	FeedStates     map[string]string `json:"feed_states"`
	LastBarTime    time.Time         `json:"last_bar_time"`
	RedisConnected bool              `json:"redis_connected"`
	SQLiteOK       bool              `json:"sqlite_ok"`

	// Liveness probe results
	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt:  time.Now(),
		FeedStates: map[string]string{},
	}
}

func (h *HealthStatus) SetFeedStates(states map[string]string) {
	h.mu.Lock()
	h.FeedStates = states
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastBarTime(t time.Time) {
	h.mu.Lock()
	h.LastBarTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetRedisConnected(v bool) {
	h.mu.Lock()
	h.RedisConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetSQLiteOK(v bool) {
	h.mu.Lock()
	h.SQLiteOK = v
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite runs a trivial query and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if sqlDB != nil {
					h.CheckSQLite(probeCtx, sqlDB)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	connected := 0
	pairs := make([]string, 0, len(h.FeedStates))
	for pair, state := range h.FeedStates {
		pairs = append(pairs, pair)
		if state == "connected" {
			connected++
		}
	}
	sort.Strings(pairs)

	overallStatus := "healthy"
	httpCode := http.StatusOK
	if !h.RedisConnected || !h.SQLiteOK {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	if len(h.FeedStates) > 0 && connected == 0 {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	if !h.RedisConnected && !h.SQLiteOK {
		overallStatus = "unhealthy"
	}

	barAge := ""
	if !h.LastBarTime.IsZero() {
		barAge = time.Since(h.LastBarTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status          string            `json:"status"`
		Uptime          string            `json:"uptime"`
		Pairs           []string          `json:"pairs"`
		FeedStates      map[string]string `json:"feed_states"`
		FeedsConnected  int               `json:"feeds_connected"`
		LastBarTime     string            `json:"last_bar_time"`
		BarAge          string            `json:"bar_age"`
		RedisConnected  bool              `json:"redis_connected"`
		RedisLatencyMs  float64           `json:"redis_latency_ms"`
		SQLiteOK        bool              `json:"sqlite_ok"`
		SQLiteLatencyMs float64           `json:"sqlite_latency_ms"`
		LastCheckAt     string            `json:"last_check_at"`
	}{
		Status:          overallStatus,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		Pairs:           pairs,
		FeedStates:      h.FeedStates,
		FeedsConnected:  connected,
		LastBarTime:     h.LastBarTime.Format(time.RFC3339),
		BarAge:          barAge,
		RedisConnected:  h.RedisConnected,
		SQLiteOK:        h.SQLiteOK,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
