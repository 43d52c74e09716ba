// Package main provides the outbox relay entry point. It ships audit events
// committed with each review change from the outbox table to Kafka.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/drfirst/go-mtr/internal/config"
	"github.com/drfirst/go-mtr/internal/infrastructure/postgres"
	"github.com/drfirst/go-mtr/internal/infrastructure/redpanda"
	"github.com/drfirst/go-mtr/internal/observability/logging"
	"github.com/drfirst/go-mtr/internal/observability/metrics"
	"github.com/drfirst/go-mtr/internal/observability/tracing"
)

const serviceName = "mtr-outbox-relay"

func main() {
	cfg, err := config.Load()
	if err == nil {
		err = cfg.RequireDatabase()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(serviceName, cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx := context.Background()
	tp, err := tracing.Init(ctx, tracing.Config{
		ServiceName:  serviceName,
		Environment:  cfg.Env,
		OTLPEndpoint: cfg.OTLPEndpoint,
		SampleRate:   cfg.TraceSampleRate,
	})
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}
	defer tp.Shutdown(context.Background())

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	// Connect to database
	pool, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()
	logger.Info("connected to database")

	// Create Redpanda producer
	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.KafkaBrokers

	producer, err := redpanda.NewProducer(producerCfg, m.KafkaMessagesProduced.Inc, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()
	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.KafkaBrokers))

	// Create outbox processor
	outbox := postgres.NewOutbox(pool, producer, postgres.DefaultOutboxConfig(), func(stats *postgres.OutboxStats) {
		m.OutboxPending.Set(float64(stats.Pending))
	}, logger)

	metricsServer := metrics.NewServer(":"+cfg.MetricsPort, reg)
	go func() {
		if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	outbox.Start()
	logger.Info("outbox relay started")

	// Wait for shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	outbox.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	metricsServer.Shutdown(shutdownCtx)

	stats := producer.Stats()
	logger.Info("outbox relay stopped",
		zap.Int64("messages_sent", stats.MessagesSent),
		zap.Int64("errors", stats.ErrorCount))
}
