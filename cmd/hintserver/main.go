package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/shardkv/hintedhandoff/internal/client"
	"github.com/shardkv/hintedhandoff/internal/config"
	"github.com/shardkv/hintedhandoff/internal/failuredetector"
	"github.com/shardkv/hintedhandoff/internal/health"
	"github.com/shardkv/hintedhandoff/internal/hints"
	"github.com/shardkv/hintedhandoff/internal/metrics"
	"github.com/shardkv/hintedhandoff/internal/model"
	"github.com/shardkv/hintedhandoff/internal/server"
	"github.com/shardkv/hintedhandoff/internal/topology"
)

func main() {
	logger, err := initLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	logger.Info("configuration loaded",
		zap.String("shard_id", cfg.Server.ShardID),
		zap.String("hints_dir", cfg.Hints.HintsDir))

	if err := os.MkdirAll(cfg.Hints.HintsDir, 0755); err != nil {
		logger.Fatal("failed to create hints directory", zap.Error(err))
	}

	ring := topology.New(0, 3)
	for _, seed := range cfg.Gossip.SeedNodes {
		ring.AddEndpoint(model.EndpointID(seed), "dc1")
	}

	var fd *failuredetector.Detector
	if cfg.Gossip.Enabled {
		fd, err = failuredetector.New(cfg.Gossip, cfg.Server.ShardID, logger)
		if err != nil {
			logger.Fatal("failed to initialize failure detector", zap.Error(err))
		}
		defer fd.Shutdown()
	} else {
		logger.Fatal("gossip must be enabled: the hint shard cannot decide endpoint liveness without it")
	}

	writePath, err := client.NewRPCWritePath(cfg.WritePath.Host, cfg.WritePath.Port, logger)
	if err != nil {
		logger.Fatal("failed to initialize write path client", zap.Error(err))
	}
	defer writePath.Close()

	shardManager := hints.New(cfg.Hints, logger, fd, ring, writePath, ring)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := shardManager.Start(ctx); err != nil {
		logger.Fatal("failed to start hint shard manager", zap.Error(err))
	}

	healthChecker := health.NewHealthChecker(&health.HealthCheckConfig{
		ShardID:        cfg.Server.ShardID,
		DataDir:        cfg.Hints.HintsDir,
		WatchdogPeriod: cfg.Hints.WatchdogPeriod,
	}, shardManager, logger)
	go healthChecker.Start(ctx)

	var metricsServer *server.MetricsServer
	if cfg.Metrics.Enabled {
		m := metrics.NewMetrics(cfg.Server.ShardID)
		go reportShardGauges(ctx, shardManager, m, cfg.Hints.MaxSendInFlightBytes)

		metricsServer = server.NewMetricsServer(&server.MetricsServerConfig{Port: cfg.Metrics.Port}, healthChecker, logger)
		metricsServer.Start()
	}

	logger.Info("hint shard server started",
		zap.String("shard_id", cfg.Server.ShardID),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down gracefully...")
	healthChecker.SetReadiness(false)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer stopCancel()

	if err := shardManager.Stop(stopCtx); err != nil {
		logger.Error("error during hint shard manager shutdown", zap.Error(err))
	}
	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error("error during metrics server shutdown", zap.Error(err))
		}
	}
}

// reportShardGauges periodically refreshes the shard-wide Prometheus
// gauges from the manager's stats snapshot. sendBudgetInUse is left at 0:
// semaphore.Weighted exposes no in-use accessor, so only the configured
// total is reported.
func reportShardGauges(ctx context.Context, sm *hints.ShardManager, m *metrics.Metrics, sendBudgetTotal uint64) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := sm.Stats()
			m.UpdateShardGauges(stats.SizeOfHintsInProgress, 0, sendBudgetTotal, sm.EndpointCount(), sm.ForbiddenCount())
		}
	}
}

func initLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	return cfg.Build()
}
