package main

import (
	"context"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	nats "github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/dejetem/ddos-protection-service/internal/api"
	"github.com/dejetem/ddos-protection-service/internal/config"
	"github.com/dejetem/ddos-protection-service/internal/counter"
	"github.com/dejetem/ddos-protection-service/internal/decision"
	"github.com/dejetem/ddos-protection-service/internal/ingest"
	"github.com/dejetem/ddos-protection-service/internal/logging"
	"github.com/dejetem/ddos-protection-service/internal/mitigation"
	"github.com/dejetem/ddos-protection-service/internal/reputation"
	"github.com/dejetem/ddos-protection-service/internal/telemetry"
)

const service = "ddos-protection"

func main() {
	logging.Init(service)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := config.Load()
	shutdownMetrics, metrics := telemetry.InitMetrics(ctx, service)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		// not fatal: the fallback store covers outages, including at boot
		slog.Warn("redis unreachable at startup", "addr", cfg.RedisAddr, "error", err)
	}

	local := counter.NewLocalStore(cfg.Window, 6)
	counters := counter.NewFallbackStore(
		counter.NewRedisStore(rdb, cfg.Window, cfg.StoreTimeout),
		local, cfg.DegradedMode, metrics.Degraded,
	)
	ledger := reputation.NewRedisLedger(rdb, cfg.DecayPerSec, cfg.StoreTimeout)

	rules := config.NewRuleSet(cfg.Threshold)
	if cfg.RulesPath != "" {
		if err := rules.LoadFile(cfg.RulesPath, cfg.Threshold); err != nil {
			slog.Warn("initial rules load failed, using default rule", "error", err)
		}
		go func() {
			if err := rules.Watch(ctx.Done(), cfg.RulesPath, cfg.Threshold); err != nil {
				slog.Warn("rules watcher stopped", "error", err)
			}
		}()
	}

	var nc *nats.Conn
	if conn, err := nats.Connect(cfg.NATSURL, nats.Name(service)); err == nil {
		nc = conn
		defer nc.Close()
	} else {
		slog.Warn("nats unavailable, block events will not be published", "url", cfg.NATSURL, "error", err)
	}

	journal, err := mitigation.OpenJournal(cfg.JournalPath)
	if err != nil {
		slog.Error("journal open failed", "path", cfg.JournalPath, "error", err)
		return
	}
	defer journal.Close()

	var edge mitigation.EdgeGateway = mitigation.NoopGateway{}
	if cfg.EdgeAPIToken != "" && cfg.EdgeZoneID != "" {
		cf := mitigation.NewCloudflareGateway(cfg.EdgeAPIBase, cfg.EdgeAPIToken, cfg.EdgeZoneID)
		if err := cf.Reconcile(ctx); err != nil {
			slog.Warn("edge rule reconciliation failed", "error", err)
		}
		edge = cf
	} else {
		slog.Info("no edge credentials configured, block rules stay local")
	}
	syncer := mitigation.NewSyncer(edge, journal, nc, metrics, cfg.QueueSize)
	go syncer.Run(ctx)

	engine := decision.New(counters, ledger, rules, decision.Config{
		Window:              cfg.Window,
		PromoteAfter:        cfg.PromoteAfter,
		DemoteAfter:         cfg.DemoteAfter,
		ExtremeRateMultiple: cfg.ExtremeRateMultiple,
		VerdictTTL:          cfg.VerdictTTL,
		GraceTTL:            cfg.GraceTTL,
		ThrottleTTL:         cfg.ThrottleTTL,
		ChallengeTTL:        cfg.ChallengeTTL,
		BlockTTL:            cfg.BlockTTL,
		Mode:                cfg.DegradedMode,
	}, syncer, metrics)

	pool := ingest.NewPool(engine, cfg.Workers, cfg.QueueSize)
	go pool.Run(ctx)

	sched := cron.New()
	_, _ = sched.AddFunc("@every 1m", func() {
		local.PurgeStale(time.Now())
		if n := engine.PurgeIdle(time.Now()); n > 0 {
			slog.Debug("idle entries purged", "count", n)
		}
	})
	_, _ = sched.AddFunc("@daily", func() {
		if n, err := journal.Prune(time.Now().Add(-7 * 24 * time.Hour)); err == nil && n > 0 {
			slog.Info("journal pruned", "count", n)
		}
	})
	sched.Start()
	defer sched.Stop()

	mux := http.NewServeMux()
	api.NewHandler(pool, engine, ledger, cfg.JWTSecret).Register(mux)

	srv := &http.Server{Addr: cfg.AdminAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()
	slog.Info("service started", "addr", cfg.AdminAddr, "window", cfg.Window.String(), "threshold", cfg.Threshold)

	<-ctx.Done()
	slog.Info("shutdown initiated")
	ctxSd, cancelSd := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelSd()
	_ = srv.Shutdown(ctxSd)
	telemetry.Flush(ctxSd, shutdownMetrics)
	_ = rdb.Close()
	slog.Info("shutdown complete")
}
