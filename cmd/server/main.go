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
	"github.com/redis/go-redis/v9"

	"github.com/coinharbor/trading-engine/internal/config"
	"github.com/coinharbor/trading-engine/internal/ledger"
	"github.com/coinharbor/trading-engine/internal/metrics"
	"github.com/coinharbor/trading-engine/internal/price"
	"github.com/coinharbor/trading-engine/internal/scheduler"
	"github.com/coinharbor/trading-engine/internal/store"
	"github.com/coinharbor/trading-engine/internal/trading"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration load failed", "err", err)
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
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL.String())
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

	// --- Price resolver: mirrors, then aggregator, then static backstop ---
	mirrors := cfg.MirrorURLs
	if len(mirrors) == 0 {
		mirrors = price.DefaultMirrorURLs
	}
	aggregatorURL := cfg.AggregatorURL
	if aggregatorURL == "" {
		aggregatorURL = price.DefaultAggregatorURL
	}
	httpClient := &http.Client{Timeout: cfg.PriceTimeout}
	sources := price.NewExchangeMirrors(mirrors, httpClient)
	sources = append(sources,
		price.NewAggregatorSource(aggregatorURL, httpClient),
		price.NewStaticSource(),
	)
	resolver := price.NewResolver(cfg.PriceTimeout, sources...)

	// --- Ledger ---
	lgr := ledger.New(st, logger)

	// --- WebSocket hub ---
	wsHub := trading.NewWSHub()
	go wsHub.Run()

	// --- Trading service ---
	svc := trading.NewService(st, lgr, resolver, wsHub)

	// --- Settlement sweeper ---
	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	defer stopSweeper()
	sweeper := scheduler.NewSweeper(st, lgr, resolver, cfg.SweepInterval)
	go sweeper.Run(sweepCtx)

	// --- HTTP router ---
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
		w.Write([]byte(`{"status":"ok","service":"trading-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time price and settlement updates.
		r.Get("/ws", wsHub.HandleWS)

		// Orders.
		r.Post("/orders", svc.SubmitOrder)
		r.Post("/orders/{orderID}/close", svc.CloseOrder)

		// Per-user queries.
		r.Get("/users/{userID}/orders", svc.GetOrderHistory)
		r.Get("/users/{userID}/orders/active", svc.GetActiveOrders)
		r.Get("/users/{userID}/balances", svc.GetBalances)
		r.Get("/users/{userID}/transactions", svc.GetTransactions)
		r.Get("/users/{userID}/deposits", svc.ListDepositRequests)
		r.Get("/users/{userID}/withdrawals", svc.ListWithdrawRequests)

		// Prices.
		r.Get("/prices/{base}/{quote}", svc.GetPrice)

		// Swap.
		r.Post("/swap", svc.Swap)

		// Funding workflows.
		r.Post("/deposits", svc.CreateDepositRequest)
		r.Post("/withdrawals", svc.CreateWithdrawRequest)

		// Admin overrides.
		r.Route("/admin", func(r chi.Router) {
			r.Post("/orders/{orderID}/settle", svc.AdminSettleOrder)
			r.Post("/users/{userID}/balance", svc.AdminAdjustBalance)
			r.Post("/deposits/{requestID}/status", svc.SetDepositRequestStatus)
			r.Post("/withdrawals/{requestID}/status", svc.SetWithdrawRequestStatus)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("trading-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	stopSweeper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down trading-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("trading-engine stopped")
}
