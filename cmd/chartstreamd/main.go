package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"chartstream/config"
	"chartstream/internal/archive"
	"chartstream/internal/entitlement"
	"chartstream/internal/exchange"
	"chartstream/internal/feed"
	"chartstream/internal/gateway"
	"chartstream/internal/logger"
	"chartstream/internal/metrics"
	"chartstream/internal/model"
	"chartstream/internal/notification"
	"chartstream/internal/pipeline"
	redisstore "chartstream/internal/store/redis"
)

// busBuffer sizes every bus subscriber channel. Consumers that fall this
// far behind start losing events rather than stalling bar processing.
const busBuffer = 5000

func main() {
	cfg := config.Load()
	logger.Init("chartstreamd", cfg.LogLevel)
	log.Println("[chartstreamd] starting...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// ---- Metrics & health ----
	prom := metrics.NewMetrics()
	health := metrics.NewHealthStatus()
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	// ---- SQLite archive (off hot path) ----
	os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755)
	writer, err := archive.NewWriter(cfg.SQLitePath, prom)
	if err != nil {
		log.Fatalf("[chartstreamd] archive init failed: %v", err)
	}
	defer writer.Close()
	health.SetSQLiteOK(true)

	reader, err := archive.NewReader(cfg.SQLitePath)
	if err != nil {
		log.Fatalf("[chartstreamd] archive reader init failed: %v", err)
	}
	defer reader.Close()

	retention := archive.NewRetention(writer, cfg.RetentionDays)
	if err := retention.Start(); err != nil {
		log.Printf("[chartstreamd] WARNING: %v", err)
	}
	defer retention.Stop()

	// ---- Redis egress ----
	var pub *redisstore.Publisher
	if p, err := redisstore.New(redisstore.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, prom); err != nil {
		log.Printf("[chartstreamd] WARNING: redis init failed: %v (continuing without redis egress)", err)
		health.SetRedisConnected(false)
	} else {
		pub = p
		defer pub.Close()
		health.SetRedisConnected(true)
	}

	// ---- Periodic liveness checks ----
	if pub != nil {
		health.StartLivenessChecker(ctx, pub.Client(), writer.DB(), 10*time.Second)
	} else {
		health.StartLivenessChecker(ctx, nil, writer.DB(), 10*time.Second)
	}

	// ---- Entitlement backend ----
	checker := buildChecker(ctx, cfg, pub)
	log.Printf("[chartstreamd] entitlement backend: %s", cfg.EntitlementBackend)

	// ---- Event bus & pipeline ----
	bus := pipeline.NewBus(busBuffer)
	bus.OnDrop = func(name string) {
		prom.BusDropsTotal.WithLabelValues(name).Inc()
	}

	upstream := exchange.NewClient(exchange.Config{
		BaseURL:    cfg.UpstreamURL,
		APIKey:     cfg.UpstreamAPIKey,
		ClientCode: cfg.UpstreamClientCode,
		Password:   cfg.UpstreamPassword,
		TOTPSecret: cfg.UpstreamTOTPSecret,
	})
	if err := upstream.Login(ctx); err != nil {
		log.Printf("[chartstreamd] WARNING: upstream login failed: %v (will retry on dial)", err)
	}

	svc := pipeline.NewService(bus, upstream, prom)
	svc.Start(ctx)

	feeds := feed.NewManager(upstream, svc, feed.Config{
		BackoffBase: cfg.BackoffBase(),
		BackoffMax:  cfg.BackoffMax(),
		OnReconnect: func(pair model.PairKey) {
			prom.FeedReconnects.WithLabelValues(pair.Key()).Inc()
		},
	})
	svc.AttachFeeds(feeds)

	// ---- Bus consumers ----
	archiveDone := make(chan struct{})
	go func() {
		writer.Run(ctx, bus.Subscribe("archive"))
		close(archiveDone)
	}()
	if pub != nil {
		go pub.Run(ctx, bus.Subscribe("redis"))
	}
	if notifiers := buildNotifiers(cfg); len(notifiers) > 0 {
		dispatcher := notification.NewDispatcher(notifiers...)
		go dispatcher.Run(ctx, bus.Subscribe("notify"))
		log.Printf("[chartstreamd] signal notifications on (%d channels)", len(notifiers))
	}

	// ---- Gateway ----
	pinned := cfg.ParsePairs()
	hub := gateway.NewHub(ctx, svc, checker, prom, pinned)
	go hub.Run(ctx, bus.Subscribe("gateway"))

	gwSrv := &http.Server{Addr: cfg.GatewayAddr, Handler: gateway.NewServer(hub, reader).Routes()}
	go func() {
		log.Printf("[chartstreamd] gateway listening on %s", cfg.GatewayAddr)
		if err := gwSrv.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("[chartstreamd] gateway server error: %v", err)
		}
	}()

	// ---- Health refresher & bus saturation gauges ----
	healthCh := bus.Subscribe("health")
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-healthCh:
				if !ok {
					return
				}
				if ev.Type == pipeline.EventBar {
					health.SetLastBarTime(time.Unix(ev.Bar.Time, 0))
				}
			case <-ticker.C:
				health.SetFeedStates(svc.FeedStates())
			}
		}
	}()
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for name, s := range bus.ChannelStats() {
					if s.Cap > 0 {
						prom.ChannelSaturationPct.WithLabelValues(name).Set(float64(s.Len) / float64(s.Cap) * 100)
					}
				}
			}
		}
	}()

	// ---- Warm caches from the archive, then start pinned pairs ----
	for _, pair := range pinned {
		if bars, err := reader.Recent(pair, 1000); err == nil && len(bars) > 0 {
			n := svc.Seed(pair, bars)
			log.Printf("[chartstreamd] %s: warmed %d bars from archive", pair.Key(), n)
		}
		if err := svc.StartPair(ctx, pair); err != nil {
			log.Printf("[chartstreamd] WARNING: start %s: %v", pair.Key(), err)
		}
	}

	log.Printf("[chartstreamd] upstream=%s pairs=%s entitlement=%s", cfg.UpstreamURL, cfg.Pairs, cfg.EntitlementBackend)
	log.Printf("[chartstreamd] gateway=%s metrics=%s archive=%s", cfg.GatewayAddr, cfg.MetricsAddr, cfg.SQLitePath)
	log.Println("[chartstreamd] pipeline ready")

	// ---- Wait for shutdown signal ----
	<-sigCh
	log.Println("[chartstreamd] shutdown signal received, cleaning up...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	gwSrv.Shutdown(shutdownCtx)

	svc.Shutdown()
	select {
	case <-archiveDone: // final batch flushed
	case <-time.After(2 * time.Second):
		log.Println("[chartstreamd] WARNING: archive flush timed out")
	}

	metricsSrv.Stop(shutdownCtx)
	log.Println("[chartstreamd] shutdown complete.")
}

// buildChecker selects the entitlement backend. Redis and postgres
// lookups are wrapped in a short TTL cache so delivery-time re-checks
// stay off the backend.
func buildChecker(ctx context.Context, cfg *config.Config, pub *redisstore.Publisher) entitlement.Checker {
	switch cfg.EntitlementBackend {
	case "redis":
		if pub == nil {
			log.Fatalf("[chartstreamd] entitlement backend redis needs a reachable redis")
		}
		guarded := entitlement.NewGuarded(entitlement.NewRedis(pub.Client()), redisstore.NewBreaker(5, 10*time.Second))
		return entitlement.NewCached(guarded, 0)
	case "postgres":
		pg, err := entitlement.NewPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("[chartstreamd] entitlement postgres init failed: %v", err)
		}
		return entitlement.NewCached(pg, 0)
	case "static":
		return entitlement.NewStatic(splitList(cfg.PremiumSubscribers))
	default:
		log.Fatalf("[chartstreamd] unknown entitlement backend %q", cfg.EntitlementBackend)
		return nil
	}
}

func buildNotifiers(cfg *config.Config) []notification.Notifier {
	var out []notification.Notifier
	if cfg.WebhookURL != "" {
		out = append(out, notification.NewWebhook(cfg.WebhookURL))
	}
	if cfg.TelegramEnabled() {
		out = append(out, notification.NewTelegram(cfg.TelegramBotToken, cfg.TelegramChatID))
	}
	if len(out) > 0 {
		out = append(out, notification.NewLog())
	}
	return out
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
