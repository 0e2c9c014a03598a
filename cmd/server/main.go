package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/atmx/energy-ledger/internal/api"
	"github.com/atmx/energy-ledger/internal/config"
	"github.com/atmx/energy-ledger/internal/events"
	"github.com/atmx/energy-ledger/internal/ledger"
	"github.com/atmx/energy-ledger/internal/lock"
	"github.com/atmx/energy-ledger/internal/logging"
	"github.com/atmx/energy-ledger/internal/model"
	"github.com/atmx/energy-ledger/internal/payout"
	"github.com/atmx/energy-ledger/internal/store"
)

func main() {
	cfgFile := flag.String("config", "", "optional YAML config file")
	flag.Parse()

	cfg, err := config.Load(*cfgFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.File)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logging:", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Error("energy-ledger exited", zap.Error(err))
		log.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Initialize store ---
	var st store.Store
	switch cfg.Store.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database connection: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		st = pg
		log.Info("connected to PostgreSQL")
	case "pebble":
		pb, err := store.NewPebbleStore(cfg.Store.PebbleDir)
		if err != nil {
			return fmt.Errorf("open pebble: %w", err)
		}
		cleanup = append(cleanup, func() {
			if err := pb.Close(); err != nil {
				log.Warn("pebble close", zap.Error(err))
			}
		})
		st = pb
		log.Info("opened pebble store", zap.String("dir", cfg.Store.PebbleDir))
	default:
		log.Warn("using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	opts := []ledger.Option{ledger.WithLogger(log)}

	// Redis fronts trade reads and coordinates locks across replicas.
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid redis url: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, "ledger:trade:", cfg.Redis.CacheTTL)
		opts = append(opts, ledger.WithLocker(lock.NewRedis(rdb, "ledger:lock:", cfg.Redis.LockTTL, 0)))
		log.Info("Redis cache and locker enabled")
	}

	// --- Event fan-out ---
	hub := api.NewWSHub(log)
	go hub.Run(ctx)
	bus := events.NewBus(log, hub)

	if cfg.NATS.URL != "" {
		sink, err := events.NewNATSSink(cfg.NATS.URL, cfg.NATS.Prefix)
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		cleanup = append(cleanup, func() { sink.Close() })
		bus.Attach(sink)
		log.Info("publishing events to NATS", zap.String("prefix", cfg.NATS.Prefix))
	}
	opts = append(opts, ledger.WithBus(bus))

	// --- Payout gateway ---
	var transferer ledger.Transferer
	if cfg.Payout.URL != "" {
		transferer = payout.NewClient(cfg.Payout.URL, payout.Options{
			Timeout:         cfg.Payout.Timeout,
			BreakerFailures: cfg.Payout.BreakerFailures,
			BreakerTimeout:  cfg.Payout.BreakerTimeout,
		}, log)
	} else {
		log.Warn("payout url not set, transfers are only logged")
		transferer = payout.LogOnly{Log: log}
	}

	lg, err := ledger.New(ctx, st, transferer, model.Platform{
		Owner:   cfg.Platform.Owner,
		FeeRate: cfg.Platform.FeeRate,
	}, opts...)
	if err != nil {
		return fmt.Errorf("ledger bootstrap: %w", err)
	}

	// --- HTTP ---
	var limiter *api.RateLimiter
	if cfg.RateLimit.RPS > 0 {
		limiter = api.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst, 10*time.Minute)
		limiter.StartJanitor(ctx, time.Minute)
	}

	srv := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: api.NewRouter(api.NewService(lg, log), hub, log, api.RouterOptions{
			AllowedOrigins: cfg.HTTP.AllowedOrigins,
			Limiter:        limiter,
		}),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("energy-ledger listening", zap.String("addr", cfg.HTTP.Addr), zap.String("owner", lg.Owner()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down energy-ledger...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", zap.Error(err))
	}
	log.Info("energy-ledger stopped")
	return nil
}
