// spotcored is the exchange core daemon: matching lanes, operational store,
// durable synchroniser, market-data fan-out and the HTTP gateway.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/openalpha/spot-core/config"
	"github.com/openalpha/spot-core/db"
	"github.com/openalpha/spot-core/engine"
	"github.com/openalpha/spot-core/gateway"
	"github.com/openalpha/spot-core/health"
	"github.com/openalpha/spot-core/marketdata"
	"github.com/openalpha/spot-core/metrics"
	"github.com/openalpha/spot-core/store"
	"github.com/openalpha/spot-core/syncer"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "spotcored",
		Short:        "Spot exchange core daemon",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	mx := metrics.New(reg)

	st, err := connectStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	rel, err := db.Open(cfg.PostgresDSN, logger)
	if err != nil {
		return fmt.Errorf("connect relational store: %w", err)
	}
	defer rel.Close()

	seeder := syncer.NewSeeder(st, rel, logger)
	if err := seeder.Run(ctx); err != nil {
		return fmt.Errorf("seed operational store: %w", err)
	}

	hub := marketdata.NewHub(mx, logger)
	go hub.Run(ctx.Done())
	pub := marketdata.NewPublisher(hub, mx, logger)
	go pub.Run(ctx.Done())

	eng := engine.New(engine.Config{
		LaneCapacity:  cfg.LaneCapacity,
		EventDeadline: cfg.EventDeadline,
	}, st, pub, mx, logger)
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	sync := syncer.New(syncer.Config{
		Interval:  cfg.SyncInterval,
		BatchSize: cfg.SyncBatchSize,
		Watermark: cfg.SyncWatermark,
	}, st, rel, mx, logger)
	if err := sync.Start(ctx); err != nil {
		return fmt.Errorf("start synchroniser: %w", err)
	}

	checker := health.New(st, rel, eng, seeder, mx, logger)
	go checker.Watch(ctx, 5*time.Second)

	srv := gateway.New(cfg.ListenAddr, eng, st, hub, checker, reg, logger)
	srvErr := make(chan error, 1)
	go func() { srvErr <- srv.Start() }()

	logger.Info("spotcored running", zap.String("addr", cfg.ListenAddr))

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-srvErr:
		if err != nil {
			return fmt.Errorf("gateway: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("gateway shutdown", zap.Error(err))
	}
	eng.Wait()
	sync.Wait()
	logger.Info("spotcored stopped")
	return nil
}

// connectStore checks operational store connectivity, retrying unless the
// configuration says to fail fast.
func connectStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*store.Store, error) {
	st := store.Open(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, logger)

	var lastErr error
	attempts := cfg.HealthChecks.MaxRetries
	if cfg.HealthChecks.FailFast {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-time.After(cfg.HealthChecks.RetryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		latency, err := st.Ping(ctx)
		if err == nil {
			logger.Info("operational store connected",
				zap.String("addr", cfg.RedisAddr), zap.Duration("latency", latency))
			return st, nil
		}
		lastErr = err
		logger.Warn("operational store unreachable",
			zap.Int("attempt", i+1), zap.Error(err))
	}
	_ = st.Close()
	return nil, fmt.Errorf("operational store unreachable: %w", lastErr)
}
