package redpanda

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-mtr/pkg/workerpool"
)

// ConsumerConfig holds configuration for the consumer
type ConsumerConfig struct {
	Brokers             []string
	GroupID             string
	Topics              []string
	SessionTimeoutMS    int64
	HeartbeatIntervalMS int64
	MaxPollRecords      int
	// StartOffset is earliest or latest
	StartOffset string
	Pool        workerpool.Config
}

// DefaultConsumerConfig returns defaults for the audit archive
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:             []string{"localhost:9092"},
		GroupID:             "mtr-audit-sink",
		Topics:              []string{TopicAudit},
		SessionTimeoutMS:    30000,
		HeartbeatIntervalMS: 3000,
		MaxPollRecords:      500,
		StartOffset:         "earliest",
		Pool:                workerpool.DefaultConfig(),
	}
}

// MessageHandler is called for each consumed message
type MessageHandler func(ctx context.Context, msg *ConsumedMessage) error

// ConsumedMessage is a record handed to the handler
type ConsumedMessage struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// Consumer reads a consumer group and hands records to a handler. Partitions
// of one poll run concurrently on a worker pool; records within a partition
// run in order. Offsets are committed only up to the last handled record.
type Consumer struct {
	client  *kgo.Client
	config  ConsumerConfig
	logger  *zap.Logger
	tracer  trace.Tracer
	handler MessageHandler
	pool    *workerpool.Pool

	onConsumed func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	messagesRead atomic.Int64
	errorCount   atomic.Int64
}

// partitionBatch is the records of one partition from one poll. next
// survives pool retries, so a retry resumes at the failed record.
type partitionBatch struct {
	topic     string
	partition int32
	records   []*kgo.Record
	next      int
}

// NewConsumer creates a consumer. onConsumed, if set, runs after every
// handled record.
func NewConsumer(cfg ConsumerConfig, handler MessageHandler, onConsumed func(), logger *zap.Logger) (*Consumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if handler == nil {
		return nil, errors.New("message handler is required")
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.SessionTimeout(time.Duration(cfg.SessionTimeoutMS) * time.Millisecond),
		kgo.HeartbeatInterval(time.Duration(cfg.HeartbeatIntervalMS) * time.Millisecond),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info("partitions assigned", zap.Any("partitions", assigned))
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
			logger.Info("partitions revoked", zap.Any("partitions", revoked))
		}),
	}

	switch cfg.StartOffset {
	case "latest":
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	default:
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Consumer{
		client:     client,
		config:     cfg,
		logger:     logger,
		tracer:     otel.Tracer("redpanda-consumer"),
		handler:    handler,
		onConsumed: onConsumed,
		ctx:        ctx,
		cancel:     cancel,
	}

	c.pool, err = workerpool.New(cfg.Pool, c.processPartition, logger)
	if err != nil {
		cancel()
		client.Close()
		return nil, err
	}
	return c, nil
}

// Start begins consuming
func (c *Consumer) Start() {
	c.pool.Start()
	c.wg.Add(1)
	go c.consumeLoop()
}

// Stop waits for the in-flight poll, commits and closes the client
func (c *Consumer) Stop() {
	c.cancel()
	c.wg.Wait()
	c.pool.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.client.CommitUncommittedOffsets(ctx); err != nil {
		c.logger.Warn("error committing offsets on stop", zap.Error(err))
	}
	c.client.Close()
}

func (c *Consumer) consumeLoop() {
	defer c.wg.Done()

	for {
		fetches := c.client.PollRecords(c.ctx, c.config.MaxPollRecords)
		if fetches.IsClientClosed() || c.ctx.Err() != nil {
			return
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Error("fetch error",
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Error(err))
			c.errorCount.Add(1)
		})

		var tasks []*workerpool.Task
		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			if len(p.Records) == 0 {
				return
			}
			tasks = append(tasks, &workerpool.Task{
				ID:      fmt.Sprintf("%s/%d", p.Topic, p.Partition),
				Payload: &partitionBatch{topic: p.Topic, partition: p.Partition, records: p.Records},
				Context: c.ctx,
			})
		})

		if len(tasks) > 0 {
			if _, err := c.pool.Run(c.ctx, tasks); err != nil {
				c.client.AllowRebalance()
				return
			}
			c.settle(tasks)
		}
		c.client.AllowRebalance()
	}
}

// settle commits what each partition handled and rewinds the rest so the
// next poll redelivers it.
func (c *Consumer) settle(tasks []*workerpool.Task) {
	rewind := make(map[string]map[int32]kgo.EpochOffset)
	for _, t := range tasks {
		b := t.Payload.(*partitionBatch)
		if b.next > 0 {
			c.client.MarkCommitRecords(b.records[:b.next]...)
		}
		if b.next < len(b.records) {
			failed := b.records[b.next]
			if rewind[b.topic] == nil {
				rewind[b.topic] = make(map[int32]kgo.EpochOffset)
			}
			rewind[b.topic][b.partition] = kgo.EpochOffset{Epoch: -1, Offset: failed.Offset}
			c.logger.Warn("rewinding partition to failed record",
				zap.String("topic", b.topic),
				zap.Int32("partition", b.partition),
				zap.Int64("offset", failed.Offset))
		}
	}
	if len(rewind) > 0 {
		c.client.SetOffsets(rewind)
	}

	if err := c.client.CommitUncommittedOffsets(c.ctx); err != nil {
		c.logger.Error("failed to commit offsets", zap.Error(err))
	}
}

// processPartition handles the batch in order from b.next
func (c *Consumer) processPartition(ctx context.Context, task *workerpool.Task) *workerpool.Result {
	b := task.Payload.(*partitionBatch)
	for b.next < len(b.records) {
		if err := c.processRecord(ctx, b.records[b.next]); err != nil {
			return &workerpool.Result{TaskID: task.ID, Error: err}
		}
		b.next++
	}
	return &workerpool.Result{TaskID: task.ID, Success: true}
}

func (c *Consumer) processRecord(ctx context.Context, record *kgo.Record) error {
	ctx = extractTraceContext(ctx, record)
	ctx, span := c.tracer.Start(ctx, "process_message",
		trace.WithAttributes(
			attribute.String("topic", record.Topic),
			attribute.Int64("partition", int64(record.Partition)),
			attribute.Int64("offset", record.Offset),
		))
	defer span.End()

	msg := &ConsumedMessage{
		Topic:     record.Topic,
		Partition: record.Partition,
		Offset:    record.Offset,
		Key:       record.Key,
		Value:     record.Value,
		Headers:   make(map[string]string, len(record.Headers)),
		Timestamp: record.Timestamp,
	}
	for _, h := range record.Headers {
		msg.Headers[h.Key] = string(h.Value)
	}

	if err := c.handler(ctx, msg); err != nil {
		c.errorCount.Add(1)
		span.RecordError(err)
		c.logger.Error("message handler failed",
			zap.String("topic", record.Topic),
			zap.Int32("partition", record.Partition),
			zap.Int64("offset", record.Offset),
			zap.Error(err))
		return err
	}

	c.messagesRead.Add(1)
	if c.onConsumed != nil {
		c.onConsumed()
	}
	return nil
}

// ConsumerStats holds consumer counters
type ConsumerStats struct {
	MessagesRead int64
	ErrorCount   int64
	Pool         workerpool.Stats
}

// Stats returns current consumer counters
func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{
		MessagesRead: c.messagesRead.Load(),
		ErrorCount:   c.errorCount.Load(),
		Pool:         c.pool.Stats(),
	}
}
