package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"arbiterdash/auth"
	"arbiterdash/config"
	"arbiterdash/contractsync"
	"arbiterdash/db"
	"arbiterdash/ledger"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := run(*configPath, logger); err != nil {
		logger.Error("arbiterdash stopped", "error", err.Error())
		os.Exit(1)
	}
}

func run(configPath string, logger *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.MaxDBConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	var client ledger.Client = ledger.NewRepository(pool)
	if cfg.RedisURL != "" {
		rdb, err := ledger.ConnectRedis(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer rdb.Close()
		client = ledger.NewCachedClient(client, rdb, cfg.CacheTTL, logger)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := contractsync.NewMetrics(registry)

	hub := contractsync.NewHub(ctx, client, logger, metrics)
	defer hub.Close()

	server := NewServer(ServerConfig{
		Auth:         auth.NewService(auth.NewRepository(pool), cfg.JWTSecret, cfg.ArbitratorAddress),
		Ledger:       client,
		Hub:          hub,
		Arbitrator:   cfg.ArbitratorAddress,
		Logger:       logger,
		Gatherer:     registry,
		RefreshLimit: cfg.RefreshRateLimit,
		RefreshBurst: cfg.RefreshBurst,
	})
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", "operation", "http_listen", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		resyncLoop(gctx, hub, cfg.RefreshInterval, logger)
		return nil
	})
	g.Go(func() error {
		sweepLoop(gctx, server, hub, cfg.SessionIdleTTL, logger)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// resyncLoop refreshes every live session on a fixed interval. A zero
// interval disables background refreshes.
func resyncLoop(ctx context.Context, hub *contractsync.Hub, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			failed := hub.RefreshAll(ctx)
			logger.InfoContext(ctx, "contract resync finished",
				"operation", "resync",
				"accounts", len(hub.Accounts()),
				"failed", failed,
			)
		}
	}
}

// sweepLoop evicts sessions idle for longer than idle and drops refilled
// rate limiters. A zero idle window keeps every session alive.
func sweepLoop(ctx context.Context, server *Server, hub *contractsync.Hub, idle time.Duration, logger *slog.Logger) {
	if idle <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(idle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			evicted := hub.EvictIdle(idle)
			pruned := server.pruneLimiters()
			if evicted > 0 || pruned > 0 {
				logger.InfoContext(ctx, "idle sweep finished",
					"operation", "idle_sweep",
					"evicted_sessions", evicted,
					"pruned_limiters", pruned,
				)
			}
		}
	}
}
