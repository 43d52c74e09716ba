// Package main provides the audit sink entry point. It consumes the audit
// topic and archives every event exactly once.
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

	"github.com/drfirst/go-mtr/internal/auditsink"
	"github.com/drfirst/go-mtr/internal/config"
	"github.com/drfirst/go-mtr/internal/infrastructure/postgres"
	"github.com/drfirst/go-mtr/internal/infrastructure/redpanda"
	"github.com/drfirst/go-mtr/internal/observability/logging"
	"github.com/drfirst/go-mtr/internal/observability/metrics"
	"github.com/drfirst/go-mtr/internal/observability/tracing"
	"github.com/drfirst/go-mtr/pkg/idempotency"
)

const serviceName = "mtr-audit-sink"

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

	pool, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()
	if err := postgres.Migrate(ctx, pool, logger); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	// Topics are created here as well so the sink can start before the relay
	admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
	if err != nil {
		logger.Fatal("admin client creation failed", zap.Error(err))
	}
	if err := admin.EnsureTopics(ctx); err != nil {
		logger.Fatal("topic creation failed", zap.Error(err))
	}
	admin.Close()

	inbox := idempotency.NewInbox(pool, idempotency.DefaultInboxConfig(), logger)
	inbox.StartCleanup()
	defer inbox.Stop()

	sink := auditsink.New(postgres.NewArchive(pool), inbox, m.AuditEventsArchived.Inc, logger)

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.KafkaBrokers
	consumerCfg.GroupID = cfg.ConsumerGroup
	consumerCfg.Topics = []string{cfg.AuditTopic}

	consumer, err := redpanda.NewConsumer(consumerCfg, sink.Handle, m.KafkaMessagesConsumed.Inc, logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}

	metricsServer := metrics.NewServer(":"+cfg.MetricsPort, reg)
	go func() {
		if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	consumer.Start()
	logger.Info("audit sink started",
		zap.String("group", consumerCfg.GroupID),
		zap.Strings("topics", consumerCfg.Topics))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	consumer.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	metricsServer.Shutdown(shutdownCtx)

	stats := consumer.Stats()
	logger.Info("audit sink stopped",
		zap.Int64("messages_read", stats.MessagesRead),
		zap.Int64("errors", stats.ErrorCount))
}
