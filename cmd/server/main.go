package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/fundbridge/allocation-engine/internal/auction"
	"github.com/fundbridge/allocation-engine/internal/events"
	"github.com/fundbridge/allocation-engine/internal/guarantee"
	"github.com/fundbridge/allocation-engine/internal/httpapi"
	"github.com/fundbridge/allocation-engine/internal/metrics"
	"github.com/fundbridge/allocation-engine/internal/store"
	"github.com/fundbridge/allocation-engine/internal/trust"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, 30*time.Second)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Trust engine ---
	// Collaborator metric sources are in-memory until the profile services
	// are wired up.
	kyc := trust.NewMemoryKYC()
	behavior := trust.NewMemoryBehavior()
	readiness := trust.NewMemoryReadiness()
	activity := trust.NewMemoryActivityLog()
	trustEngine := trust.NewEngine(st, kyc, behavior, readiness, activity)

	// --- WebSocket hub ---
	hub := events.NewHub()
	go hub.Run()

	// --- Auction and guarantee engines ---
	auctionEngine := auction.NewEngine(st, trustEngine, hub)
	guaranteeEngine := guarantee.NewEngine(st, trustEngine, auctionEngine, hub)

	// --- Decay sweep ---
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go runDecaySweep(sweepCtx, trustEngine)

	// --- HTTP router ---
	api := httpapi.New(trustEngine, auctionEngine, guaranteeEngine)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"allocation-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time lifecycle events.
		r.Get("/ws", hub.HandleWS)
		api.Routes(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("allocation-engine listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	stopSweep()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down allocation-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("allocation-engine stopped")
}

// runDecaySweep periodically applies trust decay to inactive entities.
// Interval and batch size come from DECAY_SWEEP_INTERVAL (Go duration) and
// DECAY_BATCH_SIZE.
func runDecaySweep(ctx context.Context, engine *trust.Engine) {
	interval := 6 * time.Hour
	if v := os.Getenv("DECAY_SWEEP_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			slog.Error("invalid DECAY_SWEEP_INTERVAL", "value", v, "err", err)
			os.Exit(1)
		}
		interval = d
	}
	batchSize := 500
	if v := os.Getenv("DECAY_BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			slog.Error("invalid DECAY_BATCH_SIZE", "value", v)
			os.Exit(1)
		}
		batchSize = n
	}

	// Inactivity is bounded so a single sweep never applies more than the
	// worst decay band.
	const maxDays = 365

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("decay sweep scheduled", "interval", interval, "batch_size", batchSize)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := engine.ProcessDecayBatch(ctx, batchSize, maxDays); err != nil {
				slog.Error("decay sweep failed", "err", err)
			}
		}
	}
}
