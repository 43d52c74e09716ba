package redpanda

import (
	"context"
	"errors"
	"testing"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-mtr/pkg/workerpool"
)

func TestTraceHeadersRoundTrip(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())

	ctx, span := tp.Tracer("test").Start(context.Background(), "publish")
	defer span.End()

	record := &kgo.Record{Topic: TopicAudit}
	injectTraceHeaders(ctx, record)
	injectTraceHeaders(ctx, record)
	if len(record.Headers) != 1 || record.Headers[0].Key != "traceparent" {
		t.Fatalf("expected a single traceparent header, got %+v", record.Headers)
	}

	got := trace.SpanContextFromContext(extractTraceContext(context.Background(), record))
	if got.TraceID() != span.SpanContext().TraceID() {
		t.Errorf("trace id lost: %s != %s", got.TraceID(), span.SpanContext().TraceID())
	}
	if !got.IsRemote() {
		t.Error("extracted span context should be remote")
	}
}

func TestProcessPartitionResumesAfterFailure(t *testing.T) {
	var seen []int64
	failAt := int64(2)
	c := &Consumer{
		logger: zap.NewNop(),
		tracer: otel.Tracer("test"),
		handler: func(ctx context.Context, msg *ConsumedMessage) error {
			if msg.Offset == failAt {
				return errors.New("archive unavailable")
			}
			seen = append(seen, msg.Offset)
			return nil
		},
	}

	batch := &partitionBatch{topic: TopicAudit}
	for i := int64(0); i < 4; i++ {
		batch.records = append(batch.records, &kgo.Record{Topic: TopicAudit, Offset: i, Value: []byte("{}")})
	}
	task := &workerpool.Task{ID: "p0", Payload: batch}

	if r := c.processPartition(context.Background(), task); r.Success {
		t.Fatal("expected failure at offset 2")
	}
	if batch.next != 2 {
		t.Fatalf("expected to stop at index 2, got %d", batch.next)
	}

	failAt = -1
	if r := c.processPartition(context.Background(), task); !r.Success {
		t.Fatalf("retry should succeed, got %v", r.Error)
	}
	want := []int64{0, 1, 2, 3}
	if len(seen) != len(want) {
		t.Fatalf("records handled %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("records handled %v, want %v", seen, want)
			break
		}
	}
	if c.messagesRead.Load() != 4 || c.errorCount.Load() != 1 {
		t.Errorf("unexpected counters read=%d errors=%d", c.messagesRead.Load(), c.errorCount.Load())
	}
}

func TestDefaultTopicConfigs(t *testing.T) {
	names := map[string]bool{}
	for _, tc := range DefaultTopicConfigs() {
		names[tc.Name] = true
		if tc.Partitions < 1 {
			t.Errorf("%s needs partitions", tc.Name)
		}
	}
	if !names[TopicAudit] || !names[TopicAuditDeadLetter] {
		t.Errorf("missing audit topics in %v", names)
	}
}
