package postgres

import (
	"encoding/json"
	"errors"
	"io/fs"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/drfirst/go-mtr/internal/apperr"
	"github.com/drfirst/go-mtr/internal/domain/mtr"
)

func TestAuditEntry(t *testing.T) {
	ev, err := mtr.NewEvent(mtr.AggregateProblem, "p1", mtr.EventProblemCreated, map[string]string{"type": "interaction"})
	if err != nil {
		t.Fatal(err)
	}
	ev.WithAuditInfo("u1", "wp-1", "patient-1", "s1")

	entry, err := AuditEntry(ev, "mtr.audit")
	if err != nil {
		t.Fatal(err)
	}
	if entry.KafkaTopic != "mtr.audit" || entry.KafkaKey != "s1" {
		t.Errorf("events should be keyed by review, got %s/%s", entry.KafkaTopic, entry.KafkaKey)
	}
	if entry.EventType != "DTPCreated" || entry.AggregateID != "p1" {
		t.Errorf("unexpected entry %+v", entry)
	}

	var decoded mtr.Event
	if err := json.Unmarshal(entry.Payload, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.ID != ev.ID || decoded.ReviewID != "s1" {
		t.Errorf("payload should carry the full event, got %+v", decoded)
	}

	orphan, _ := mtr.NewEvent(mtr.AggregateSession, "s9", mtr.EventSessionCreated, nil)
	entry, _ = AuditEntry(orphan, "mtr.audit")
	if entry.KafkaKey != "s9" {
		t.Errorf("expected aggregate id as fallback key, got %s", entry.KafkaKey)
	}
}

func TestMapWriteError(t *testing.T) {
	sess := &mtr.Session{ID: "s1"}

	err := mapWriteError(&pgconn.PgError{Code: uniqueViolation, ConstraintName: activeSessionIndex}, "session", sess)
	if !apperr.IsKind(err, apperr.KindBusinessRule) {
		t.Errorf("active session violation should be a business rule error, got %v", err)
	}

	err = mapWriteError(&pgconn.PgError{Code: uniqueViolation, ConstraintName: "mtr_sessions_pkey"}, "session", sess)
	if !apperr.IsKind(err, apperr.KindConflict) {
		t.Errorf("other unique violations should conflict, got %v", err)
	}

	cause := errors.New("connection reset")
	err = mapWriteError(cause, "session", sess)
	if !errors.Is(err, cause) || apperr.IsKind(err, apperr.KindConflict) {
		t.Errorf("unexpected mapping %v", err)
	}
}

func TestMigrationsEmbedded(t *testing.T) {
	files, err := migrationFiles()
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 || files[0] != "0001_mtr.sql" {
		t.Fatalf("unexpected migrations %v", files)
	}

	content, err := fs.ReadFile(migrationsFS, "migrations/"+files[0])
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{activeSessionIndex, "mtr_review_counters", "mtr_audit_log", "outbox", "inbox", "mtr_audit_archive"} {
		if !strings.Contains(string(content), want) {
			t.Errorf("schema is missing %s", want)
		}
	}
}

func TestInsertOrderMigration(t *testing.T) {
	content, err := fs.ReadFile(migrationsFS, "migrations/0002_insert_order.sql")
	if err != nil {
		t.Fatal(err)
	}
	for _, table := range []string{"mtr_problems", "mtr_interventions", "mtr_followups", "mtr_audit_log"} {
		if !strings.Contains(string(content), "ALTER TABLE "+table+" ADD COLUMN IF NOT EXISTS seq") {
			t.Errorf("%s has no insertion sequence", table)
		}
	}
}
