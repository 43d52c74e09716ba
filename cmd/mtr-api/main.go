// Package main provides the MTR API service entry point.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/drfirst/go-mtr/internal/api"
	"github.com/drfirst/go-mtr/internal/config"
	"github.com/drfirst/go-mtr/internal/drugdb"
	"github.com/drfirst/go-mtr/internal/infrastructure/memory"
	"github.com/drfirst/go-mtr/internal/infrastructure/postgres"
	"github.com/drfirst/go-mtr/internal/infrastructure/redislock"
	"github.com/drfirst/go-mtr/internal/interaction"
	"github.com/drfirst/go-mtr/internal/observability/logging"
	"github.com/drfirst/go-mtr/internal/observability/metrics"
	"github.com/drfirst/go-mtr/internal/observability/tracing"
	"github.com/drfirst/go-mtr/internal/review"
	"github.com/drfirst/go-mtr/pkg/circuitbreaker"
)

const serviceName = "mtr-api"

var version = "dev"

func main() {
	cfg, err := config.Load()
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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tp, err := tracing.Init(ctx, tracing.Config{
		ServiceName:    serviceName,
		ServiceVersion: version,
		Environment:    cfg.Env,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     cfg.TraceSampleRate,
	})
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	var checks []func(context.Context) error

	// Store
	var store review.Store
	switch cfg.Store {
	case config.StorePostgres:
		pool, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
		if err != nil {
			logger.Fatal("database connection failed", zap.Error(err))
		}
		defer pool.Close()
		if err := postgres.Migrate(ctx, pool, logger); err != nil {
			logger.Fatal("migration failed", zap.Error(err))
		}
		store = postgres.NewStore(pool, cfg.AuditTopic, logger)
		checks = append(checks, pool.Ping)
		logger.Info("using postgres store")
	default:
		mem := memory.New()
		for _, pair := range cfg.SeedPatients {
			wp, patient, _ := strings.Cut(pair, ":")
			mem.AddPatient(wp, patient)
		}
		store = mem
		logger.Warn("using in-memory store; data is lost on restart", zap.Int("seed_patients", len(cfg.SeedPatients)))
	}

	opts := []review.Option{review.WithMetrics(m)}

	// Distributed session lock
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal("redis connection failed", zap.Error(err))
		}
		lockCfg := redislock.DefaultConfig()
		lockCfg.TTL = cfg.LockTTL
		lockCfg.Wait = cfg.LockWait
		opts = append(opts, review.WithLocker(redislock.New(rdb, lockCfg, logger)))
		checks = append(checks, func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
		logger.Info("session locks backed by redis", zap.String("addr", cfg.RedisAddr))
	}

	// Drug knowledge base
	breakers := circuitbreaker.NewManager(logger)
	drugdbBreaker, err := breakers.GetOrCreate("drugdb", circuitbreaker.DefaultConfig("drugdb"))
	if err != nil {
		logger.Fatal("circuit breaker creation failed", zap.Error(err))
	}
	source := drugdb.NewSource(drugdb.Default(), drugdb.DefaultSourceConfig(cfg.DrugDBURL), drugdbBreaker, logger)
	observeRefresh := func(updated bool, err error) {
		result := "unchanged"
		switch {
		case err != nil:
			result = "error"
		case updated:
			result = "updated"
		}
		m.KnowledgeBaseRefresh.WithLabelValues(result).Inc()
	}
	if cfg.DrugDBURL != "" {
		updated, err := source.Refresh(ctx)
		observeRefresh(updated, err)
		if err != nil {
			logger.Warn("initial knowledge base refresh failed, serving bundled data", zap.Error(err))
		}
		go source.Run(ctx, cfg.DrugDBRefresh, observeRefresh)
	}
	logger.Info("knowledge base loaded", zap.String("version", source.Current().Version()))

	checker := interaction.NewChecker(source)
	svc := review.NewService(store, checker, logger, opts...)

	router := api.NewRouter(api.Deps{
		ServiceName:   serviceName,
		Version:       version,
		Service:       svc,
		Checker:       checker,
		KnowledgeBase: source,
		Breakers:      breakers,
		Metrics:       m,
		Gatherer:      reg,
		Ready: func(ctx context.Context) error {
			for _, check := range checks {
				if err := check(ctx); err != nil {
					return err
				}
			}
			return nil
		},
		JWTSecret: []byte(cfg.JWTSecret),
		Logger:    logger,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer done()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error("tracer shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting MTR API", zap.String("port", cfg.Port), zap.String("version", version))
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}

	logger.Info("server stopped")
}
