// Package auditsink archives audit events consumed from the bus. Every event
// passes through the idempotency inbox, so redelivery after a rebalance or a
// crash is harmless.
package auditsink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/drfirst/go-mtr/internal/domain/mtr"
	"github.com/drfirst/go-mtr/internal/infrastructure/redpanda"
	"github.com/drfirst/go-mtr/pkg/idempotency"
)

// HandlerName identifies the sink in the inbox
const HandlerName = "audit-archive"

// Archiver persists one event, reporting false for an event already stored
type Archiver interface {
	Store(ctx context.Context, ev *mtr.Event) (bool, error)
}

// Inbox deduplicates message handling
type Inbox interface {
	Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error)
}

// Sink is a redpanda.MessageHandler
type Sink struct {
	archive    Archiver
	inbox      Inbox
	onArchived func()
	logger     *zap.Logger
}

// New creates a sink. onArchived, if set, runs for every newly stored event.
func New(archive Archiver, inbox Inbox, onArchived func(), logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	if onArchived == nil {
		onArchived = func() {}
	}
	return &Sink{archive: archive, inbox: inbox, onArchived: onArchived, logger: logger}
}

// Handle archives one message. Malformed messages are recorded as failed in
// the inbox and skipped; anything else that fails is returned so the
// consumer redelivers it.
func (s *Sink) Handle(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	key := messageKey(msg)

	_, err := s.inbox.Process(ctx, key, HandlerName, msg.Value, func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		ev, err := decodeEvent(payload)
		if err != nil {
			return nil, idempotency.Permanent(err)
		}
		stored, err := s.archive.Store(ctx, ev)
		if err != nil {
			return nil, err
		}
		if stored {
			s.onArchived()
		}
		return json.Marshal(map[string]interface{}{"eventId": ev.ID, "stored": stored})
	})

	switch {
	case err == nil:
		return nil
	case idempotency.IsPermanent(err), errors.Is(err, idempotency.ErrPreviouslyFailed):
		s.logger.Warn("skipping unarchivable audit message",
			zap.String("topic", msg.Topic),
			zap.Int32("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return nil
	default:
		return err
	}
}

// messageKey prefers the event id so a republished event is archived once.
// Messages without one fall back to their log position.
func messageKey(msg *redpanda.ConsumedMessage) string {
	var head struct {
		ID string `json:"id"`
	}
	if json.Unmarshal(msg.Value, &head) == nil && head.ID != "" {
		return idempotency.GenerateKey(HandlerName, head.ID)
	}
	return idempotency.GenerateKey(HandlerName, msg.Topic,
		strconv.Itoa(int(msg.Partition)), strconv.FormatInt(msg.Offset, 10))
}

func decodeEvent(payload []byte) (*mtr.Event, error) {
	ev := &mtr.Event{}
	if err := json.Unmarshal(payload, ev); err != nil {
		return nil, fmt.Errorf("invalid audit event: %w", err)
	}
	if ev.ID == "" || ev.EventType == "" {
		return nil, errors.New("invalid audit event: id and event_type are required")
	}
	return ev, nil
}
