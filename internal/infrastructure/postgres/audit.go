package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/drfirst/go-mtr/internal/domain/mtr"
)

// writeEvents appends events to the audit log and queues each one on the
// outbox inside tx.
func (s *Store) writeEvents(ctx context.Context, tx pgx.Tx, events []*mtr.Event) error {
	for _, ev := range events {
		if ev == nil {
			continue
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO mtr_audit_log
				(id, aggregate_id, aggregate_type, event_type, event_data,
				 user_id, workplace_id, patient_id, review_id, correlation_id, occurred_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			ev.ID, ev.AggregateID, ev.AggregateType, string(ev.EventType), []byte(ev.EventData),
			ev.UserID, ev.WorkplaceID, ev.PatientID, ev.ReviewID, ev.CorrelationID, ev.Timestamp)
		if err != nil {
			return fmt.Errorf("failed to append audit event %s: %w", ev.EventType, err)
		}

		entry, err := AuditEntry(ev, s.auditTopic)
		if err != nil {
			return err
		}
		if err := WriteEntry(ctx, tx, entry); err != nil {
			return err
		}
	}
	return nil
}

// AuditEntry builds the outbox entry publishing ev. Events of one review
// share a partition key so consumers see them in order.
func AuditEntry(ev *mtr.Event, topic string) (*OutboxEntry, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to encode audit event: %w", err)
	}
	key := ev.ReviewID
	if key == "" {
		key = ev.AggregateID
	}
	return &OutboxEntry{
		AggregateID:   ev.AggregateID,
		AggregateType: ev.AggregateType,
		EventType:     string(ev.EventType),
		Payload:       payload,
		KafkaTopic:    topic,
		KafkaKey:      key,
	}, nil
}

// Archive stores audit events consumed from the bus
type Archive struct {
	pool *pgxpool.Pool
}

// NewArchive creates an archive writer
func NewArchive(pool *pgxpool.Pool) *Archive {
	return &Archive{pool: pool}
}

// Store writes ev once. A replayed event is ignored and reported as false.
func (a *Archive) Store(ctx context.Context, ev *mtr.Event) (bool, error) {
	doc, err := json.Marshal(ev)
	if err != nil {
		return false, fmt.Errorf("failed to encode audit event: %w", err)
	}
	tag, err := a.pool.Exec(ctx, `
		INSERT INTO mtr_audit_archive (event_id, review_id, event_type, event, occurred_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (event_id) DO NOTHING`,
		ev.ID, ev.ReviewID, string(ev.EventType), doc, ev.Timestamp)
	if err != nil {
		return false, fmt.Errorf("failed to archive event %s: %w", ev.ID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// AuditTrail returns the audit log of one review in order
func (s *Store) AuditTrail(ctx context.Context, reviewID string) ([]*mtr.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, aggregate_id, aggregate_type, event_type, event_data,
		       COALESCE(user_id, ''), COALESCE(workplace_id, ''), COALESCE(patient_id, ''),
		       COALESCE(review_id, ''), COALESCE(correlation_id, ''), occurred_at
		FROM mtr_audit_log
		WHERE review_id = $1
		ORDER BY seq`, reviewID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*mtr.Event, error) {
		ev := &mtr.Event{}
		var evType string
		var data []byte
		err := row.Scan(&ev.ID, &ev.AggregateID, &ev.AggregateType, &evType, &data,
			&ev.UserID, &ev.WorkplaceID, &ev.PatientID, &ev.ReviewID, &ev.CorrelationID, &ev.Timestamp)
		ev.EventType = mtr.EventType(evType)
		ev.EventData = data
		return ev, err
	})
}
