// Package main provides mtrctl, the operator CLI for the MTR services.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-mtr/internal/config"
	"github.com/drfirst/go-mtr/internal/drugdb"
	"github.com/drfirst/go-mtr/internal/infrastructure/postgres"
	"github.com/drfirst/go-mtr/internal/infrastructure/redpanda"
	"github.com/drfirst/go-mtr/internal/observability/logging"
	"github.com/drfirst/go-mtr/pkg/circuitbreaker"
	"github.com/drfirst/go-mtr/pkg/idempotency"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "mtrctl",
		Short:         "Operate the MTR database, topics and queues",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(topicsCmd())
	rootCmd.AddCommand(outboxCmd())
	rootCmd.AddCommand(inboxCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(kbCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type env struct {
	cfg    *config.Config
	logger *zap.Logger
}

func load() (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger, err := logging.New("mtrctl", cfg.Env, cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, logger: logger}, nil
}

// withPool runs fn against the configured database
func withPool(ctx context.Context, fn func(*env, *pgxpool.Pool) error) error {
	e, err := load()
	if err != nil {
		return err
	}
	defer e.logger.Sync()
	if err := e.cfg.RequireDatabase(); err != nil {
		return err
	}
	pool, err := postgres.Connect(ctx, e.cfg.DatabaseURL, 2)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(e, pool)
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(cmd.Context(), func(e *env, pool *pgxpool.Pool) error {
				if err := postgres.Migrate(cmd.Context(), pool, e.logger); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
				return nil
			})
		},
	}
}

func topicsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topics",
		Short: "Manage Kafka topics",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "ensure",
		Short: "Create the audit and dead letter topics if missing",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := load()
			if err != nil {
				return err
			}
			admin, err := redpanda.NewAdmin(e.cfg.KafkaBrokers, e.logger)
			if err != nil {
				return err
			}
			defer admin.Close()
			if err := admin.EnsureTopics(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "topics ready")
			return nil
		},
	})

	lagCmd := &cobra.Command{
		Use:   "lag",
		Short: "Show consumer group lag per topic",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := load()
			if err != nil {
				return err
			}
			group, _ := cmd.Flags().GetString("group")
			if group == "" {
				group = e.cfg.ConsumerGroup
			}
			admin, err := redpanda.NewAdmin(e.cfg.KafkaBrokers, e.logger)
			if err != nil {
				return err
			}
			defer admin.Close()
			lag, err := admin.GroupLag(cmd.Context(), group)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]interface{}{"group": group, "lag": lag})
		},
	}
	lagCmd.Flags().String("group", "", "Consumer group (defaults to CONSUMER_GROUP)")
	cmd.AddCommand(lagCmd)

	return cmd
}

func outboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect the transactional outbox",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show pending, processed and failed entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(cmd.Context(), func(e *env, pool *pgxpool.Pool) error {
				stats, err := postgres.NewOutbox(pool, nil, postgres.DefaultOutboxConfig(), nil, e.logger).GetStats(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd, stats)
			})
		},
	})

	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete processed entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			olderThan, _ := cmd.Flags().GetDuration("older-than")
			return withPool(cmd.Context(), func(e *env, pool *pgxpool.Pool) error {
				deleted, err := postgres.NewOutbox(pool, nil, postgres.DefaultOutboxConfig(), nil, e.logger).CleanupProcessed(cmd.Context(), olderThan)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %d entries\n", deleted)
				return nil
			})
		},
	}
	cleanupCmd.Flags().Duration("older-than", 72*time.Hour, "Minimum age of processed entries")
	cmd.AddCommand(cleanupCmd)

	return cmd
}

func inboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "Inspect the audit sink inbox",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Count inbox entries by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(cmd.Context(), func(e *env, pool *pgxpool.Pool) error {
				stats, err := idempotency.NewInbox(pool, idempotency.DefaultInboxConfig(), e.logger).GetStats(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd, stats)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "recover",
		Short: "Release entries stuck in processing",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(cmd.Context(), func(e *env, pool *pgxpool.Pool) error {
				n, err := idempotency.NewInbox(pool, idempotency.DefaultInboxConfig(), e.logger).RecoverStaleEntries(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "recovered %d entries\n", n)
				return nil
			})
		},
	})

	return cmd
}

func auditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "audit <session-id>",
		Short: "Print the audit trail of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(cmd.Context(), func(e *env, pool *pgxpool.Pool) error {
				trail, err := postgres.NewStore(pool, e.cfg.AuditTopic, e.logger).AuditTrail(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, trail)
			})
		},
	}
}

func kbCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kb",
		Short: "Show the knowledge base version, fetching DRUGDB_URL when set",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := load()
			if err != nil {
				return err
			}
			breaker, err := circuitbreaker.New(circuitbreaker.DefaultConfig("drugdb"), e.logger)
			if err != nil {
				return err
			}
			source := drugdb.NewSource(drugdb.Default(), drugdb.DefaultSourceConfig(e.cfg.DrugDBURL), breaker, e.logger)
			out := map[string]interface{}{"bundled": source.Current().Version()}
			if e.cfg.DrugDBURL != "" {
				updated, err := source.Refresh(cmd.Context())
				if err != nil {
					return fmt.Errorf("fetch %s: %w", e.cfg.DrugDBURL, err)
				}
				out["remote"] = source.Current().Version()
				out["differs"] = updated
			}
			return printJSON(cmd, out)
		},
	}
}
