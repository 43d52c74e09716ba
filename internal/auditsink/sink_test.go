package auditsink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/drfirst/go-mtr/internal/domain/mtr"
	"github.com/drfirst/go-mtr/internal/infrastructure/redpanda"
	"github.com/drfirst/go-mtr/pkg/idempotency"
)

type fakeArchive struct {
	stored map[string]bool
	err    error
}

func (a *fakeArchive) Store(_ context.Context, ev *mtr.Event) (bool, error) {
	if a.err != nil {
		return false, a.err
	}
	if a.stored[ev.ID] {
		return false, nil
	}
	a.stored[ev.ID] = true
	return true, nil
}

// fakeInbox keeps the finished and failed keys in memory
type fakeInbox struct {
	finished map[string]bool
	failed   map[string]bool
}

func (i *fakeInbox) Process(ctx context.Context, key, _ string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error) {
	if i.finished[key] {
		return &idempotency.ProcessResult{}, nil
	}
	if i.failed[key] {
		return nil, fmt.Errorf("%w: %s", idempotency.ErrPreviouslyFailed, key)
	}
	result, err := fn(ctx, payload)
	if err != nil {
		if idempotency.IsPermanent(err) {
			i.failed[key] = true
		}
		return nil, err
	}
	i.finished[key] = true
	return &idempotency.ProcessResult{IsNew: true, Result: result}, nil
}

func newSink() (*Sink, *fakeArchive, *fakeInbox, *int) {
	archive := &fakeArchive{stored: map[string]bool{}}
	inbox := &fakeInbox{finished: map[string]bool{}, failed: map[string]bool{}}
	archived := 0
	return New(archive, inbox, func() { archived++ }, nil), archive, inbox, &archived
}

func message(t *testing.T, offset int64) *redpanda.ConsumedMessage {
	t.Helper()
	ev, err := mtr.NewEvent(mtr.AggregateSession, "s1", mtr.EventSessionCreated, nil)
	if err != nil {
		t.Fatal(err)
	}
	ev.ReviewID = "s1"
	value, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}
	return &redpanda.ConsumedMessage{Topic: "mtr.audit", Partition: 2, Offset: offset, Key: []byte("s1"), Value: value}
}

func TestHandleArchivesOnce(t *testing.T) {
	sink, archive, _, archived := newSink()
	msg := message(t, 10)

	if err := sink.Handle(context.Background(), msg); err != nil {
		t.Fatal(err)
	}
	// the same event republished at a later offset
	replay := *msg
	replay.Offset = 42
	if err := sink.Handle(context.Background(), &replay); err != nil {
		t.Fatal(err)
	}

	if len(archive.stored) != 1 || *archived != 1 {
		t.Errorf("expected one archived event, got %d stored and %d counted", len(archive.stored), *archived)
	}
}

func TestHandleSkipsMalformed(t *testing.T) {
	sink, archive, inbox, _ := newSink()
	msg := &redpanda.ConsumedMessage{Topic: "mtr.audit", Partition: 0, Offset: 7, Value: []byte("{not json")}

	if err := sink.Handle(context.Background(), msg); err != nil {
		t.Fatalf("malformed messages should be skipped, got %v", err)
	}
	if len(inbox.failed) != 1 || len(archive.stored) != 0 {
		t.Errorf("expected the message recorded as failed, got %d failed", len(inbox.failed))
	}
	// redelivery is skipped as previously failed
	if err := sink.Handle(context.Background(), msg); err != nil {
		t.Errorf("redelivered malformed message should be skipped, got %v", err)
	}
}

func TestHandleReturnsTransientErrors(t *testing.T) {
	sink, archive, inbox, _ := newSink()
	archive.err = errors.New("connection refused")

	err := sink.Handle(context.Background(), message(t, 1))
	if err == nil || idempotency.IsPermanent(err) {
		t.Fatalf("expected a retryable error, got %v", err)
	}
	if len(inbox.finished) != 0 || len(inbox.failed) != 0 {
		t.Error("a transient failure must leave the message retryable")
	}
}

func TestMessageKey(t *testing.T) {
	msg := message(t, 1)
	other := *msg
	other.Offset = 99
	if messageKey(msg) != messageKey(&other) {
		t.Error("key should follow the event id, not the offset")
	}

	a := &redpanda.ConsumedMessage{Topic: "mtr.audit", Partition: 1, Offset: 5, Value: []byte("x")}
	b := &redpanda.ConsumedMessage{Topic: "mtr.audit", Partition: 1, Offset: 6, Value: []byte("x")}
	if messageKey(a) == messageKey(b) {
		t.Error("messages without an event id should be keyed by position")
	}
}
