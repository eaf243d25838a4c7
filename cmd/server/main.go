package main

import (
	"context"
	"errors"
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
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/quantenergx/trading-engine/internal/config"
	"github.com/quantenergx/trading-engine/internal/engine"
	"github.com/quantenergx/trading-engine/internal/events"
	"github.com/quantenergx/trading-engine/internal/instrument"
	"github.com/quantenergx/trading-engine/internal/ledger"
	"github.com/quantenergx/trading-engine/internal/logging"
	"github.com/quantenergx/trading-engine/internal/margin"
	"github.com/quantenergx/trading-engine/internal/metrics"
	"github.com/quantenergx/trading-engine/internal/model"
	"github.com/quantenergx/trading-engine/internal/monitor"
	"github.com/quantenergx/trading-engine/internal/region"
	"github.com/quantenergx/trading-engine/internal/store"
	"github.com/quantenergx/trading-engine/internal/trade"
)

func main() {
	cfg := config.MustLoad()

	logger, flush, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("trading-engine stopped with error", "err", err)
		flush()
		os.Exit(1)
	}
	flush()
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Reference data ---
	ref := instrument.Default()
	if cfg.InstrumentConfigPath != "" {
		r, err := instrument.Load(cfg.InstrumentConfigPath)
		if err != nil {
			return err
		}
		ref = r
	}
	rates := region.DefaultTable()
	if cfg.RegionConfigPath != "" {
		t, err := region.Load(cfg.RegionConfigPath)
		if err != nil {
			return err
		}
		rates = t
	}
	logger.Info("reference data loaded", "instruments", len(ref.Symbols()), "regions", rates.Regions())

	// --- Collateral store ---
	var collateral store.CollateralStore
	var cleanup []func()
	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		collateral = store.NewPostgresCollateral(pool)
		logger.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				return fmt.Errorf("invalid REDIS_URL: %w", err)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			collateral = store.NewCachedCollateral(collateral, rdb, cfg.CollateralCacheTTL)
			logger.Info("Redis collateral cache enabled", "ttl", cfg.CollateralCacheTTL)
		}
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory collateral store (data will not persist)")
		collateral = store.NewMemoryCollateral()
	}

	// --- Event bus and subscribers ---
	bus := events.NewBus(cfg.EventBuffer, logger)
	wsHub := trade.NewWSHub(logger)
	if err := bus.Subscribe("notifier", cfg.EventBuffer, events.NewLogNotifier(logger)); err != nil {
		return err
	}
	if err := bus.Subscribe("websocket", cfg.EventBuffer, wsHub); err != nil {
		return err
	}
	if len(cfg.Kafka.Brokers) > 0 {
		sink := events.NewKafkaSink(events.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic), logger)
		cleanup = append(cleanup, func() {
			if err := sink.Close(); err != nil {
				logger.Error("kafka writer close", "err", err)
			}
		})
		if err := bus.Subscribe("kafka", cfg.EventBuffer, sink); err != nil {
			return err
		}
		logger.Info("kafka event sink enabled", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}

	// --- Trading core ---
	positions := ledger.New(store.NewMemoryRepository[model.Position](), cfg.DefaultRegion)

	var eng *engine.Engine
	prices := margin.PriceFunc(func(symbol string) (decimal.Decimal, bool) { return eng.MarkPrice(symbol) })
	calc := margin.NewCalculator(rates, ref, positions, prices)
	mon := monitor.New(calc, collateral, store.NewMemoryRepository[model.MarginCall](), positions, bus, logger)

	eng, err := engine.New(ref, store.NewMemoryRepository[model.Order](), positions, mon, bus, engine.Options{
		SelfTrade:      engine.SelfTradePolicy(cfg.SelfTradePolicy),
		MarketResidual: engine.MarketResidualPolicy(cfg.MarketResidualPolicy),
	}, logger)
	if err != nil {
		return err
	}

	tradeSvc := trade.NewService(eng, positions, mon, calc, collateral, logger)

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
		// WebSocket endpoint for real-time order, trade and margin events.
		r.Get("/ws", wsHub.HandleWS)
		tradeSvc.Routes(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return bus.Run(gctx) })
	g.Go(func() error { return wsHub.Run(gctx) })
	g.Go(func() error { return mon.Run(gctx, cfg.MonitorInterval) })
	g.Go(func() error {
		logger.Info("trading-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down trading-engine...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("trading-engine stopped")
	return err
}
