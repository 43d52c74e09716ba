package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-mtr/internal/apperr"
	"github.com/drfirst/go-mtr/internal/domain/mtr"
)

const (
	uniqueViolation = "23505"

	activeSessionIndex = "mtr_sessions_one_active_key"
)

// querier is satisfied by the pool and by a transaction
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store persists MTR records. Each entity row holds the indexed columns and
// the full document as JSONB. Every write appends its audit events to
// mtr_audit_log and the outbox in the same transaction.
type Store struct {
	pool       *pgxpool.Pool
	auditTopic string
	logger     *zap.Logger
	tracer     trace.Tracer
}

// NewStore creates a store publishing audit events to auditTopic
func NewStore(pool *pgxpool.Pool, auditTopic string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		pool:       pool,
		auditTopic: auditTopic,
		logger:     logger,
		tracer:     otel.Tracer("postgres-store"),
	}
}

func (s *Store) PatientExists(ctx context.Context, workplaceID, patientID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM patients WHERE id = $1 AND workplace_id = $2 AND NOT is_deleted
		)`, patientID, workplaceID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to look up patient: %w", err)
	}
	return exists, nil
}

func (s *Store) CountActiveSessions(ctx context.Context, patientID, excludeSessionID string) (int, error) {
	return s.count(ctx, `
		SELECT COUNT(*) FROM mtr_sessions
		WHERE patient_id = $1 AND id <> $2
		  AND status IN ('in_progress', 'on_hold') AND NOT is_deleted`, patientID, excludeSessionID)
}

func (s *Store) CountProblems(ctx context.Context, reviewID string) (int, error) {
	return s.count(ctx, "SELECT COUNT(*) FROM mtr_problems WHERE review_id = $1 AND NOT is_deleted", reviewID)
}

func (s *Store) CountInterventions(ctx context.Context, reviewID string) (int, error) {
	return s.count(ctx, "SELECT COUNT(*) FROM mtr_interventions WHERE review_id = $1 AND NOT is_deleted", reviewID)
}

func (s *Store) CountFollowUpsRequired(ctx context.Context, reviewID string) (int, error) {
	return s.count(ctx, `
		SELECT COUNT(*) FROM mtr_interventions
		WHERE review_id = $1 AND follow_up_required AND NOT is_deleted`, reviewID)
}

func (s *Store) CountFollowUps(ctx context.Context, reviewID string) (int, error) {
	return s.count(ctx, "SELECT COUNT(*) FROM mtr_followups WHERE review_id = $1 AND NOT is_deleted", reviewID)
}

func (s *Store) count(ctx context.Context, query string, args ...any) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count failed: %w", err)
	}
	return n, nil
}

// NextReviewSequence increments the (workplace, period) counter in one
// statement, so concurrent callers always get distinct values.
func (s *Store) NextReviewSequence(ctx context.Context, workplaceID, period string) (int, error) {
	var seq int
	err := s.pool.QueryRow(ctx, `
		INSERT INTO mtr_review_counters (workplace_id, period, seq)
		VALUES ($1, $2, 1)
		ON CONFLICT (workplace_id, period)
		DO UPDATE SET seq = mtr_review_counters.seq + 1
		RETURNING seq`, workplaceID, period).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate review number: %w", err)
	}
	return seq, nil
}

func (s *Store) CreateSession(ctx context.Context, sess *mtr.Session, events ...*mtr.Event) error {
	ctx, span := s.tracer.Start(ctx, "pg_create_session",
		trace.WithAttributes(attribute.String("session_id", sess.ID)))
	defer span.End()

	sess.Version = 1
	doc, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO mtr_sessions
				(id, workplace_id, patient_id, review_number, status, version, doc, is_deleted, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			sess.ID, sess.WorkplaceID, sess.PatientID, sess.ReviewNumber, string(sess.Status),
			sess.Version, doc, sess.IsDeleted, sess.CreatedAt, sess.UpdatedAt)
		if err != nil {
			return mapWriteError(err, "session", sess)
		}
		return s.writeEvents(ctx, tx, events)
	})
	if err != nil {
		span.RecordError(err)
		sess.Version = 0
	}
	return err
}

func (s *Store) GetSession(ctx context.Context, id string) (*mtr.Session, error) {
	return getDoc[mtr.Session](ctx, s.pool, "mtr_sessions", "session", id)
}

func (s *Store) UpdateSession(ctx context.Context, sess *mtr.Session, events ...*mtr.Event) error {
	ctx, span := s.tracer.Start(ctx, "pg_update_session",
		trace.WithAttributes(
			attribute.String("session_id", sess.ID),
			attribute.Int("version", sess.Version),
		))
	defer span.End()

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := s.putSession(ctx, tx, sess); err != nil {
			return err
		}
		return s.writeEvents(ctx, tx, events)
	})
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// putSession is the version compare-and-swap. On success sess.Version holds
// the new version.
func (s *Store) putSession(ctx context.Context, tx pgx.Tx, sess *mtr.Session) error {
	expected := sess.Version
	sess.Version = expected + 1
	doc, err := json.Marshal(sess)
	if err != nil {
		sess.Version = expected
		return fmt.Errorf("failed to encode session: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE mtr_sessions
		SET status = $1, version = $2, doc = $3, is_deleted = $4, updated_at = $5
		WHERE id = $6 AND version = $7`,
		string(sess.Status), sess.Version, doc, sess.IsDeleted, sess.UpdatedAt, sess.ID, expected)
	if err != nil {
		sess.Version = expected
		return mapWriteError(err, "session", sess)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	sess.Version = expected
	var stored int
	err = tx.QueryRow(ctx, "SELECT version FROM mtr_sessions WHERE id = $1", sess.ID).Scan(&stored)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound("session", sess.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to read session version: %w", err)
	}
	return apperr.Conflict(fmt.Sprintf("session %s was modified concurrently (version %d, stored %d)",
		sess.ID, expected, stored))
}

func (s *Store) FindActiveSession(ctx context.Context, patientID string) (*mtr.Session, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `
		SELECT doc FROM mtr_sessions
		WHERE patient_id = $1 AND status IN ('in_progress', 'on_hold') AND NOT is_deleted
		LIMIT 1`, patientID).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find active session: %w", err)
	}
	sess := &mtr.Session{}
	if err := json.Unmarshal(doc, sess); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	return sess, nil
}

func (s *Store) AddProblems(ctx context.Context, sess *mtr.Session, problems []*mtr.Problem, events ...*mtr.Event) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := s.putSession(ctx, tx, sess); err != nil {
			return err
		}
		for _, p := range problems {
			doc, err := json.Marshal(p)
			if err != nil {
				return fmt.Errorf("failed to encode problem: %w", err)
			}
			_, err = tx.Exec(ctx, `
				INSERT INTO mtr_problems
					(id, review_id, workplace_id, patient_id, status, doc, is_deleted, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				p.ID, p.ReviewID, p.WorkplaceID, p.PatientID, string(p.Status), doc, p.IsDeleted, p.CreatedAt, p.UpdatedAt)
			if err != nil {
				return fmt.Errorf("failed to insert problem %s: %w", p.ID, err)
			}
		}
		return s.writeEvents(ctx, tx, events)
	})
}

func (s *Store) GetProblem(ctx context.Context, id string) (*mtr.Problem, error) {
	return getDoc[mtr.Problem](ctx, s.pool, "mtr_problems", "problem", id)
}

func (s *Store) UpdateProblem(ctx context.Context, p *mtr.Problem, events ...*mtr.Event) error {
	return s.updateDoc(ctx, "problem", p.ID, events, p, `
		UPDATE mtr_problems SET status = $2, doc = $3, is_deleted = $4, updated_at = $5
		WHERE id = $1`, string(p.Status), p.IsDeleted, p.UpdatedAt)
}

func (s *Store) ListProblems(ctx context.Context, reviewID string) ([]*mtr.Problem, error) {
	return listDocs[mtr.Problem](ctx, s.pool, "mtr_problems", reviewID, "created_at, seq")
}

func (s *Store) AddIntervention(ctx context.Context, sess *mtr.Session, i *mtr.Intervention, events ...*mtr.Event) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := s.putSession(ctx, tx, sess); err != nil {
			return err
		}
		doc, err := json.Marshal(i)
		if err != nil {
			return fmt.Errorf("failed to encode intervention: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO mtr_interventions
				(id, review_id, workplace_id, patient_id, follow_up_required, doc, is_deleted, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			i.ID, i.ReviewID, i.WorkplaceID, i.PatientID, i.FollowUpRequired, doc, i.IsDeleted, i.CreatedAt, i.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert intervention %s: %w", i.ID, err)
		}
		return s.writeEvents(ctx, tx, events)
	})
}

func (s *Store) GetIntervention(ctx context.Context, id string) (*mtr.Intervention, error) {
	return getDoc[mtr.Intervention](ctx, s.pool, "mtr_interventions", "intervention", id)
}

func (s *Store) UpdateIntervention(ctx context.Context, i *mtr.Intervention, events ...*mtr.Event) error {
	return s.updateDoc(ctx, "intervention", i.ID, events, i, updateInterventionSQL,
		i.FollowUpRequired, i.IsDeleted, i.UpdatedAt)
}

func (s *Store) ListInterventions(ctx context.Context, reviewID string) ([]*mtr.Intervention, error) {
	return listDocs[mtr.Intervention](ctx, s.pool, "mtr_interventions", reviewID, "created_at, seq")
}

func (s *Store) AddFollowUp(ctx context.Context, sess *mtr.Session, f *mtr.FollowUp, events ...*mtr.Event) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := s.putSession(ctx, tx, sess); err != nil {
			return err
		}
		doc, err := json.Marshal(f)
		if err != nil {
			return fmt.Errorf("failed to encode follow-up: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO mtr_followups
				(id, review_id, workplace_id, patient_id, status, scheduled_date, doc, is_deleted, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			f.ID, f.ReviewID, f.WorkplaceID, f.PatientID, string(f.Status), f.ScheduledDate, doc, f.IsDeleted, f.CreatedAt, f.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert follow-up %s: %w", f.ID, err)
		}
		return s.writeEvents(ctx, tx, events)
	})
}

func (s *Store) GetFollowUp(ctx context.Context, id string) (*mtr.FollowUp, error) {
	return getDoc[mtr.FollowUp](ctx, s.pool, "mtr_followups", "follow-up", id)
}

const updateFollowUpSQL = `
	UPDATE mtr_followups SET status = $2, doc = $3, is_deleted = $4, updated_at = $5, scheduled_date = $6
	WHERE id = $1`

const updateInterventionSQL = `
	UPDATE mtr_interventions SET follow_up_required = $2, doc = $3, is_deleted = $4, updated_at = $5
	WHERE id = $1`

func (s *Store) UpdateFollowUp(ctx context.Context, f *mtr.FollowUp, events ...*mtr.Event) error {
	return s.updateDoc(ctx, "follow-up", f.ID, events, f, updateFollowUpSQL,
		string(f.Status), f.IsDeleted, f.UpdatedAt, f.ScheduledDate)
}

// CompleteFollowUp writes f, the linked intervention i when set, and events
// in one transaction.
func (s *Store) CompleteFollowUp(ctx context.Context, f *mtr.FollowUp, i *mtr.Intervention, events ...*mtr.Event) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		err := execDoc(ctx, tx, "follow-up", f.ID, f, updateFollowUpSQL,
			string(f.Status), f.IsDeleted, f.UpdatedAt, f.ScheduledDate)
		if err != nil {
			return err
		}
		if i != nil {
			err := execDoc(ctx, tx, "intervention", i.ID, i, updateInterventionSQL,
				i.FollowUpRequired, i.IsDeleted, i.UpdatedAt)
			if err != nil {
				return err
			}
		}
		return s.writeEvents(ctx, tx, events)
	})
}

func (s *Store) ListFollowUps(ctx context.Context, reviewID string) ([]*mtr.FollowUp, error) {
	return listDocs[mtr.FollowUp](ctx, s.pool, "mtr_followups", reviewID, "scheduled_date, seq")
}

// updateDoc updates one document and appends events in a transaction
func (s *Store) updateDoc(ctx context.Context, resource, id string, events []*mtr.Event, v any, query string, cols ...any) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := execDoc(ctx, tx, resource, id, v, query, cols...); err != nil {
			return err
		}
		return s.writeEvents(ctx, tx, events)
	})
}

// execDoc runs query with $1 = id, $2 = first of cols, $3 = the encoded
// document and the rest of cols from $4 on.
func execDoc(ctx context.Context, tx pgx.Tx, resource, id string, v any, query string, cols ...any) error {
	doc, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", resource, err)
	}
	args := make([]any, 0, len(cols)+2)
	args = append(args, id, cols[0], doc)
	args = append(args, cols[1:]...)

	tag, err := tx.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update %s %s: %w", resource, id, err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound(resource, id)
	}
	return nil
}

func getDoc[T any](ctx context.Context, q querier, table, resource, id string) (*T, error) {
	var doc []byte
	err := q.QueryRow(ctx, fmt.Sprintf("SELECT doc FROM %s WHERE id = $1 AND NOT is_deleted", table), id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound(resource, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s %s: %w", resource, id, err)
	}
	out := new(T)
	if err := json.Unmarshal(doc, out); err != nil {
		return nil, fmt.Errorf("failed to decode %s %s: %w", resource, id, err)
	}
	return out, nil
}

func listDocs[T any](ctx context.Context, q querier, table, reviewID, orderBy string) ([]*T, error) {
	rows, err := q.Query(ctx, fmt.Sprintf(
		"SELECT doc FROM %s WHERE review_id = $1 AND NOT is_deleted ORDER BY %s", table, orderBy), reviewID)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", table, err)
	}
	docs, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", table, err)
	}
	out := make([]*T, 0, len(docs))
	for _, doc := range docs {
		v := new(T)
		if err := json.Unmarshal(doc, v); err != nil {
			return nil, fmt.Errorf("failed to decode %s row: %w", table, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// mapWriteError turns a session unique violation into the matching
// application error.
func mapWriteError(err error, resource string, sess *mtr.Session) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
		return fmt.Errorf("failed to write %s: %w", resource, err)
	}
	if pgErr.ConstraintName == activeSessionIndex {
		return &apperr.Error{
			Kind:    apperr.KindBusinessRule,
			Message: "Patient already has an active MTR session",
			Err:     err,
		}
	}
	return &apperr.Error{
		Kind:    apperr.KindConflict,
		Message: fmt.Sprintf("%s %s conflicts with an existing record", resource, sess.ID),
		Err:     err,
	}
}
