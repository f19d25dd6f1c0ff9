package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/skillrank/rating-engine/internal/config"
	"github.com/skillrank/rating-engine/internal/metrics"
	"github.com/skillrank/rating-engine/internal/policy"
	"github.com/skillrank/rating-engine/internal/settle"
	"github.com/skillrank/rating-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Optional .env for local development; real deployments set env vars.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid redis_url", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, time.Duration(cfg.CacheTTLSeconds)*time.Second)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("database_url not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Settlement policy ---
	pol, err := policy.New(cfg.Policy, policy.Config{
		Tau:                    cfg.Tau,
		CalibrationRDThreshold: cfg.CalibrationRDThreshold,
		StreakThreshold:        cfg.StreakThreshold,
		StreakBonusPerGame:     cfg.StreakBonusPerGame,
		MaxSwing:               cfg.MaxSwing,
		InitialVolatility:      cfg.InitialVolatility,
	})
	if err != nil {
		slog.Error("invalid settlement policy", "err", err)
		os.Exit(1)
	}
	slog.Info("settlement policy selected", "variant", pol.Name())

	// --- WebSocket hub ---
	wsHub := settle.NewWSHub()
	go wsHub.Run()

	// --- Settlement service ---
	svc := settle.NewService(st, pol, cfg, wsHub)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"rating-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for settlement notifications.
		r.Get("/ws", wsHub.HandleWS)

		// Player lifecycle and queries.
		r.Post("/players", svc.HandleCreatePlayer)
		r.Get("/players/{scope}/{playerID}", svc.HandleGetPlayer)
		r.Get("/players/{scope}/{playerID}/history", svc.HandleGetHistory)
		r.Post("/players/{scope}/{playerID}/recalibrate", svc.HandleRecalibrate)

		// Pending matches (shuffler callback + display + abort).
		r.Post("/matches", svc.HandleCreateMatch)
		r.Get("/matches/{scope}", svc.HandlePeekMatch)
		r.Delete("/matches/{scope}", svc.HandleAbortMatch)

		// Result recording.
		r.Post("/settle", svc.HandleSettle)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("rating-engine listening", "addr", cfg.Addr, "policy", pol.Name())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down rating-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("rating-engine stopped")
}
