// Package server exposes the shard's Prometheus metrics and health probes
// over plain HTTP, separate from the in-process hint API the coordinator
// calls directly.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/shardkv/hintedhandoff/internal/health"
)

// MetricsServer serves Prometheus metrics and delegates liveness/readiness
// to the shard's HealthChecker.
type MetricsServer struct {
	httpServer *http.Server
	logger     *zap.Logger
}

// MetricsServerConfig holds configuration for the metrics server.
type MetricsServerConfig struct {
	Port int
}

// NewMetricsServer creates a new metrics server. Prometheus metrics are
// registered globally via promauto at construction time elsewhere; this
// server only exposes the /metrics scrape endpoint and the shard's health
// probes on one admin port.
func NewMetricsServer(cfg *MetricsServerConfig, checker *health.HealthChecker, logger *zap.Logger) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health/live", checker.LivenessHandler)
	mux.HandleFunc("/health/ready", checker.ReadinessHandler)

	return &MetricsServer{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// Start starts the metrics/health HTTP server in the background.
func (s *MetricsServer) Start() {
	s.logger.Info("starting metrics server", zap.String("addr", s.httpServer.Addr))
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("metrics server failed", zap.Error(err))
		}
	}()
}

// Stop gracefully stops the metrics server.
func (s *MetricsServer) Stop() error {
	s.logger.Info("stopping metrics server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("metrics server shutdown failed: %w", err)
	}
	return nil
}
