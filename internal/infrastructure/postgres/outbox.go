// Package postgres holds the PostgreSQL review store, its migrations and the
// transactional outbox that ships audit events to Kafka.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// OutboxEntry is a queued message for the relay
type OutboxEntry struct {
	ID            int64
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       json.RawMessage
	KafkaTopic    string
	KafkaKey      string
	CreatedAt     time.Time
	ProcessedAt   *time.Time
	RetryCount    int
	LastError     *string
}

// OutboxConfig holds relay settings
type OutboxConfig struct {
	BatchSize    int
	PollInterval time.Duration
	// MaxRetries before an entry is parked on DeadLetterTopic
	MaxRetries      int
	DeadLetterTopic string
	// MaintenanceInterval drives dead lettering, stats and cleanup
	MaintenanceInterval time.Duration
	// Retention of processed entries
	Retention time.Duration
}

// DefaultOutboxConfig returns the relay defaults
func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		BatchSize:           100,
		PollInterval:        200 * time.Millisecond,
		MaxRetries:          5,
		DeadLetterTopic:     "mtr.audit.dead-letter",
		MaintenanceInterval: 30 * time.Second,
		Retention:           72 * time.Hour,
	}
}

// OutboxPublisher sends one message to the bus
type OutboxPublisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// relayLockID is held by the single relay allowed to drain the outbox, which
// keeps per-key publish order.
const relayLockID int64 = 727_002

// Outbox drains the outbox table into the publisher
type Outbox struct {
	pool      *pgxpool.Pool
	config    OutboxConfig
	publisher OutboxPublisher
	onStats   func(*OutboxStats)
	logger    *zap.Logger
	tracer    trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewOutbox creates a relay. onStats, when set, receives the queue stats on
// every maintenance tick.
func NewOutbox(pool *pgxpool.Pool, publisher OutboxPublisher, cfg OutboxConfig, onStats func(*OutboxStats), logger *zap.Logger) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Outbox{
		pool:      pool,
		config:    cfg,
		publisher: publisher,
		onStats:   onStats,
		logger:    logger,
		tracer:    otel.Tracer("outbox"),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// WriteEntry queues entry inside the caller's transaction
func WriteEntry(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO outbox (aggregate_id, aggregate_type, event_type, payload, kafka_topic, kafka_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`,
		entry.AggregateID, entry.AggregateType, entry.EventType,
		[]byte(entry.Payload), entry.KafkaTopic, entry.KafkaKey,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to write outbox entry: %w", err)
	}
	return nil
}

// Start runs the relay loop in the background
func (o *Outbox) Start() {
	go o.loop()
	o.logger.Info("outbox relay started",
		zap.Int("batch_size", o.config.BatchSize),
		zap.Duration("poll_interval", o.config.PollInterval))
}

// Stop waits for the in-flight batch and stops the relay
func (o *Outbox) Stop() {
	o.cancel()
	<-o.done
	o.logger.Info("outbox relay stopped")
}

func (o *Outbox) loop() {
	defer close(o.done)

	poll := time.NewTicker(o.config.PollInterval)
	defer poll.Stop()
	maintenance := time.NewTicker(o.config.MaintenanceInterval)
	defer maintenance.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-poll.C:
			if _, err := o.ProcessBatch(o.ctx); err != nil {
				o.logger.Error("outbox batch failed", zap.Error(err))
			}
		case <-maintenance.C:
			o.maintain(o.ctx)
		}
	}
}

func (o *Outbox) maintain(ctx context.Context) {
	if n, err := o.MoveToDeadLetter(ctx); err != nil {
		o.logger.Error("dead letter pass failed", zap.Error(err))
	} else if n > 0 {
		o.logger.Warn("outbox entries moved to dead letter", zap.Int64("count", n))
	}
	if _, err := o.CleanupProcessed(ctx, o.config.Retention); err != nil {
		o.logger.Error("outbox cleanup failed", zap.Error(err))
	}
	if o.onStats == nil {
		return
	}
	stats, err := o.GetStats(ctx)
	if err != nil {
		o.logger.Error("outbox stats failed", zap.Error(err))
		return
	}
	o.onStats(stats)
}

// ProcessBatch publishes up to BatchSize pending entries in insert order
// and returns how many were published. It does nothing while another relay
// holds the relay lock.
func (o *Outbox) ProcessBatch(ctx context.Context) (int, error) {
	ctx, span := o.tracer.Start(ctx, "outbox_process_batch")
	defer span.End()

	conn, err := o.pool.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Release()

	var acquired bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", relayLockID).Scan(&acquired); err != nil {
		return 0, fmt.Errorf("failed to take relay lock: %w", err)
	}
	if !acquired {
		return 0, nil
	}
	defer conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", relayLockID)

	rows, err := conn.Query(ctx, `
		SELECT id, aggregate_id, aggregate_type, event_type, payload,
		       kafka_topic, kafka_key, created_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL AND retry_count < $1
		ORDER BY id
		LIMIT $2`, o.config.MaxRetries, o.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch outbox entries: %w", err)
	}
	entries, err := pgx.CollectRows(rows, scanEntry)
	if err != nil {
		return 0, fmt.Errorf("failed to read outbox entries: %w", err)
	}
	span.SetAttributes(attribute.Int("batch_size", len(entries)))

	published := 0
	blocked := make(map[string]bool)
	for _, entry := range entries {
		// a failed entry holds back later entries with the same key
		if blocked[entry.KafkaKey] {
			continue
		}
		if err := o.publish(ctx, conn, entry); err != nil {
			blocked[entry.KafkaKey] = true
			o.logger.Warn("outbox publish failed",
				zap.Int64("id", entry.ID),
				zap.String("event_type", entry.EventType),
				zap.Int("retry_count", entry.RetryCount+1),
				zap.Error(err))
			continue
		}
		published++
	}
	return published, nil
}

func (o *Outbox) publish(ctx context.Context, conn *pgxpool.Conn, entry *OutboxEntry) error {
	ctx, span := o.tracer.Start(ctx, "outbox_publish",
		trace.WithAttributes(
			attribute.Int64("entry_id", entry.ID),
			attribute.String("event_type", entry.EventType),
			attribute.String("topic", entry.KafkaTopic),
		))
	defer span.End()

	if err := o.publisher.Publish(ctx, entry.KafkaTopic, entry.KafkaKey, entry.Payload); err != nil {
		span.RecordError(err)
		if _, uerr := conn.Exec(ctx, `
			UPDATE outbox SET retry_count = retry_count + 1, last_error = $1, updated_at = NOW()
			WHERE id = $2`, err.Error(), entry.ID); uerr != nil {
			o.logger.Error("failed to record outbox retry", zap.Int64("id", entry.ID), zap.Error(uerr))
		}
		return err
	}

	if _, err := conn.Exec(ctx, "UPDATE outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = $1", entry.ID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to mark entry %d processed: %w", entry.ID, err)
	}
	return nil
}

// MoveToDeadLetter publishes entries that ran out of retries to the dead
// letter topic and closes them.
func (o *Outbox) MoveToDeadLetter(ctx context.Context) (int64, error) {
	rows, err := o.pool.Query(ctx, `
		SELECT id, aggregate_id, aggregate_type, event_type, payload,
		       kafka_topic, kafka_key, created_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL AND retry_count >= $1
		ORDER BY id`, o.config.MaxRetries)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch exhausted entries: %w", err)
	}
	entries, err := pgx.CollectRows(rows, scanEntry)
	if err != nil {
		return 0, fmt.Errorf("failed to read exhausted entries: %w", err)
	}

	var moved int64
	for _, entry := range entries {
		value, err := json.Marshal(DeadLetter{
			OriginalTopic: entry.KafkaTopic,
			EventType:     entry.EventType,
			AggregateID:   entry.AggregateID,
			Payload:       entry.Payload,
			RetryCount:    entry.RetryCount,
			LastError:     entry.LastError,
			CreatedAt:     entry.CreatedAt,
		})
		if err != nil {
			return moved, fmt.Errorf("failed to encode dead letter: %w", err)
		}
		if err := o.publisher.Publish(ctx, o.config.DeadLetterTopic, entry.KafkaKey, value); err != nil {
			o.logger.Error("failed to publish dead letter", zap.Int64("id", entry.ID), zap.Error(err))
			continue
		}
		if _, err := o.pool.Exec(ctx, "UPDATE outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = $1", entry.ID); err != nil {
			o.logger.Error("failed to close dead letter entry", zap.Int64("id", entry.ID), zap.Error(err))
			continue
		}
		moved++
	}
	return moved, nil
}

// DeadLetter is the message published for an undeliverable entry
type DeadLetter struct {
	OriginalTopic string          `json:"original_topic"`
	EventType     string          `json:"event_type"`
	AggregateID   string          `json:"aggregate_id"`
	Payload       json.RawMessage `json:"payload"`
	RetryCount    int             `json:"retry_count"`
	LastError     *string         `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// CleanupProcessed deletes entries processed longer than olderThan ago
func (o *Outbox) CleanupProcessed(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := o.pool.Exec(ctx, `
		DELETE FROM outbox
		WHERE processed_at IS NOT NULL AND processed_at < NOW() - $1::interval`,
		fmt.Sprintf("%d seconds", int64(olderThan.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("cleanup failed: %w", err)
	}
	return tag.RowsAffected(), nil
}

// OutboxStats describes the queue
type OutboxStats struct {
	Pending       int64
	Processed     int64
	Failed        int64
	OldestPending *time.Time
}

// GetStats reads the queue counters in one query
func (o *Outbox) GetStats(ctx context.Context) (*OutboxStats, error) {
	stats := &OutboxStats{}
	err := o.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count < $1),
			COUNT(*) FILTER (WHERE processed_at > NOW() - INTERVAL '24 hours'),
			COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count >= $1),
			MIN(created_at) FILTER (WHERE processed_at IS NULL)
		FROM outbox`, o.config.MaxRetries).Scan(&stats.Pending, &stats.Processed, &stats.Failed, &stats.OldestPending)
	if err != nil {
		return nil, fmt.Errorf("failed to read outbox stats: %w", err)
	}
	return stats, nil
}

func scanEntry(row pgx.CollectableRow) (*OutboxEntry, error) {
	e := &OutboxEntry{}
	var payload []byte
	err := row.Scan(&e.ID, &e.AggregateID, &e.AggregateType, &e.EventType, &payload,
		&e.KafkaTopic, &e.KafkaKey, &e.CreatedAt, &e.RetryCount, &e.LastError)
	e.Payload = payload
	return e, err
}
