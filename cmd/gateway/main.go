package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/vnmchuo/ai-gateway/config"
	"github.com/vnmchuo/ai-gateway/internal/auth"
	"github.com/vnmchuo/ai-gateway/internal/billing"
	"github.com/vnmchuo/ai-gateway/internal/cache"
	"github.com/vnmchuo/ai-gateway/internal/keys"
	"github.com/vnmchuo/ai-gateway/internal/limits"
	"github.com/vnmchuo/ai-gateway/internal/logger"
	"github.com/vnmchuo/ai-gateway/internal/metrics"
	"github.com/vnmchuo/ai-gateway/internal/pricing"
	"github.com/vnmchuo/ai-gateway/internal/provider/builtin"
	"github.com/vnmchuo/ai-gateway/internal/proxy"
	"github.com/vnmchuo/ai-gateway/internal/seeder"
	"github.com/vnmchuo/ai-gateway/internal/status"
	"github.com/vnmchuo/ai-gateway/internal/telemetry"
	"github.com/vnmchuo/ai-gateway/internal/worker"
	"github.com/vnmchuo/ai-gateway/pkg/ratelimit"
)

const serviceName = "ai-gateway"

func fatal(msg string, err error) {
	slog.Error(msg, slog.Any("error", err))
	os.Exit(1)
}

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		fatal("failed to load config", err)
	}
	slog.SetDefault(logger.New(cfg.LogLevel, cfg.LogFormat))

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer(serviceName, cfg)
	if err != nil {
		fatal("failed to init tracer", err)
	}
	defer shutdownTracer()

	// 3. Connect PostgreSQL
	ctx := context.Background()
	db, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		fatal("failed to connect postgres", err)
	}
	defer db.Close()

	if err := db.Ping(ctx); err != nil {
		fatal("failed to ping postgres", err)
	}
	slog.Info("PostgreSQL connected")

	if err := seeder.ApplySchema(ctx, db); err != nil {
		fatal("failed to prepare database", err)
	}

	// 4. Cache and rate limiter, in process unless Redis is configured
	var (
		kv      cache.Adapter     = cache.NewMemoryAdapter()
		limiter ratelimit.Limiter = ratelimit.Noop{}
	)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			fatal("failed to ping redis", err)
		}
		slog.Info("Redis connected")

		kv = cache.NewRedisAdapter(rdb)
		if cfg.RateLimitRPM > 0 {
			limiter = ratelimit.NewLimiter(rdb, cfg.RateLimitRPM, cfg.RateLimitInFlight)
		}
	} else if cfg.RateLimitRPM > 0 {
		slog.Warn("RATE_LIMIT_RPM ignored without REDIS_ADDR")
	}

	// 5. Load the deployment
	deployment, err := config.LoadDeployment(cfg.DeployConfigPath)
	if err != nil {
		if os.Getenv("RUN_SEED") != "true" {
			fatal("failed to load deployment", err)
		}
		slog.Warn("using the test deployment", slog.String("key", seeder.TestAPIKey), slog.Any("error", err))
		deployment = seeder.TestDeployment()
	}

	// 6. Stores
	keyStore := keys.NewConfigStore(deployment, keys.NewPostgresStatusStore(db))
	limitStore := limits.NewPostgresStore(db)
	usageStore := billing.NewPostgresStore(db)

	// 7. Metrics, prices and exporters
	m := metrics.New()
	m.SetBuildInfo(cfg.BuildSHA)

	prices, err := pricing.New(cfg.PricesURL, m)
	if err != nil {
		fatal("failed to load price table", err)
	}
	exporters := telemetry.NewExporters(serviceName, cfg.BuildSHA)
	jobs := worker.NewPool(30*time.Second, slog.Default())

	// 8. Auth and limit sync
	authenticator := auth.NewAuthenticator(keyStore, kv, cfg.KVVersion, cfg.KeyPrefix, jobs)
	if err := seeder.SyncLimits(ctx, deployment, limitStore, authenticator); err != nil {
		fatal("failed to sync limits", err)
	}

	// 9. Gateway
	gw := proxy.New(proxy.Deps{
		Config:    cfg,
		Registry:  builtin.Registry(),
		Auth:      authenticator,
		Limits:    limitStore,
		Limiter:   limiter,
		Prices:    prices,
		Exporters: exporters,
		Pool:      jobs,
		Metrics:   m,
		Usage:     usageStore,
		Cache:     kv,
		Client:    &http.Client{},
	})

	// 10. Init Chi router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.HandleFunc("/", gw.Index)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"` + serviceName + `"}`))
	})
	r.Handle("/metrics", m.Handler())
	r.Handle("/status", status.NewHandler(deployment, limitStore, cfg.StatusAuthAPIKey))
	r.Handle("/*", gw)

	// 11. Graceful shutdown
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("AI Gateway starting", slog.String("port", cfg.Port), slog.String("build", cfg.BuildSHA))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal("server error", err)
		}
	}()

	<-quit
	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("forced shutdown", slog.Any("error", err))
	}
	if err := jobs.Wait(shutdownCtx); err != nil {
		slog.Warn("background jobs did not finish", slog.Any("error", err))
	}
	if err := exporters.Shutdown(shutdownCtx); err != nil {
		slog.Warn("failed to flush exporters", slog.Any("error", err))
	}
	slog.Info("Server stopped")
}
