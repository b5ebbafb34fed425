package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	httpadapter "github.com/couchcryptid/wrf-run-service/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/wrf-run-service/internal/adapter/kafka"
	"github.com/couchcryptid/wrf-run-service/internal/adapter/objectstore"
	"github.com/couchcryptid/wrf-run-service/internal/config"
	"github.com/couchcryptid/wrf-run-service/internal/gfs"
	"github.com/couchcryptid/wrf-run-service/internal/observability"
	"github.com/couchcryptid/wrf-run-service/internal/pipeline"
	"github.com/couchcryptid/wrf-run-service/internal/process"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Output mirroring is enabled by S3_ENDPOINT.
	var mirror pipeline.Mirror
	if cfg.S3Endpoint != "" {
		m, err := objectstore.NewMirror(objectstore.ConfigFromService(cfg), logger)
		if err != nil {
			logger.Error("failed to create object store mirror", "error", err)
			os.Exit(1)
		}
		if err := m.EnsureBucket(ctx); err != nil {
			logger.Error("failed to ensure output bucket", "bucket", cfg.S3Bucket, "error", err)
			os.Exit(1)
		}
		mirror = m
		logger.Info("output mirroring enabled", "endpoint", cfg.S3Endpoint, "bucket", cfg.S3Bucket)
	} else {
		logger.Info("output mirroring disabled")
	}

	// Stage events are published only when KAFKA_BROKERS is set.
	var (
		writer    *kafkaadapter.Writer
		publisher pipeline.EventPublisher
	)
	if len(cfg.KafkaBrokers) > 0 {
		writer = kafkaadapter.NewWriter(cfg, logger)
		publisher = writer
		logger.Info("stage events enabled", "topic", cfg.KafkaEventsTopic)
	} else {
		logger.Info("stage events disabled")
	}

	orch := pipeline.NewOrchestrator(
		pipeline.OptionsFromConfig(cfg),
		gfs.NewFetcher(cfg, logger, metrics),
		process.New(cfg.MPILauncher, cfg.KillGrace, logger),
		pipeline.NewCollector(cfg.OutputDir, mirror, logger, metrics),
		publisher,
		logger,
		metrics,
	)

	srv := httpadapter.NewServer(cfg.HTTPAddr, orch, logger)

	// Start HTTP server.
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	// Start run loop.
	go func() {
		if err := orch.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("orchestrator error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	// Stage processes run in their own process groups, so the signal never
	// reaches them; the orchestrator has to terminate them itself.
	runCtx, cancelRun := context.WithTimeout(context.Background(), cfg.ShutdownTimeout+cfg.KillGrace)
	defer cancelRun()
	select {
	case <-orch.Done():
	case <-runCtx.Done():
		logger.Error("orchestrator did not stop in time; stage processes may still be running")
	}

	if writer != nil {
		if err := writer.Close(); err != nil {
			logger.Error("kafka writer close error", "error", err)
		}
	}

	logger.Info("shutdown complete")
}
