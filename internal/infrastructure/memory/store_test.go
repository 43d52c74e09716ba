package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/drfirst/go-mtr/internal/apperr"
	"github.com/drfirst/go-mtr/internal/domain/mtr"
)

var at = time.Date(2024, 12, 2, 9, 0, 0, 0, time.UTC)

func newSession(id, patientID string) *mtr.Session {
	return mtr.NewSession(id, "wp-1", patientID, "pharm-1", "MTR-202412-0001", mtr.SessionOptions{}, at)
}

func TestVersionConflict(t *testing.T) {
	ctx := context.Background()
	store := New()
	if err := store.CreateSession(ctx, newSession("s1", "p1")); err != nil {
		t.Fatal(err)
	}

	a, _ := store.GetSession(ctx, "s1")
	b, _ := store.GetSession(ctx, "s1")

	a.ReviewReason = "first writer"
	if err := store.UpdateSession(ctx, a); err != nil {
		t.Fatal(err)
	}
	if a.Version != 2 {
		t.Errorf("expected version 2, got %d", a.Version)
	}

	b.ReviewReason = "second writer"
	if err := store.UpdateSession(ctx, b); !apperr.IsKind(err, apperr.KindConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	stored, _ := store.GetSession(ctx, "s1")
	if stored.ReviewReason != "first writer" {
		t.Errorf("losing write must not be applied, got %q", stored.ReviewReason)
	}
}

func TestSingleActiveSessionPerPatient(t *testing.T) {
	ctx := context.Background()
	store := New()
	if err := store.CreateSession(ctx, newSession("s1", "p1")); err != nil {
		t.Fatal(err)
	}
	if err := store.CreateSession(ctx, newSession("s2", "p1")); !apperr.IsKind(err, apperr.KindBusinessRule) {
		t.Fatalf("expected business rule error, got %v", err)
	}
	if err := store.CreateSession(ctx, newSession("s3", "p2")); err != nil {
		t.Errorf("other patients are independent: %v", err)
	}

	s1, _ := store.GetSession(ctx, "s1")
	if err := s1.Cancel("duplicate", at); err != nil {
		t.Fatal(err)
	}
	if err := store.UpdateSession(ctx, s1); err != nil {
		t.Fatal(err)
	}
	if err := store.CreateSession(ctx, newSession("s2", "p1")); err != nil {
		t.Errorf("cancelled session should free the patient: %v", err)
	}

	n, _ := store.CountActiveSessions(ctx, "p1", "")
	if n != 1 {
		t.Errorf("expected 1 active session, got %d", n)
	}
}

func TestCopiesAreIsolated(t *testing.T) {
	ctx := context.Background()
	store := New()
	s := newSession("s1", "p1")
	if err := store.CreateSession(ctx, s); err != nil {
		t.Fatal(err)
	}
	s.Medications = append(s.Medications, mtr.Medication{DrugName: "Warfarin"})

	stored, _ := store.GetSession(ctx, "s1")
	if len(stored.Medications) != 0 {
		t.Error("caller mutation leaked into the store")
	}

	if _, err := store.GetSession(ctx, "missing"); !apperr.IsKind(err, apperr.KindNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestReviewSequencePerWorkplaceAndPeriod(t *testing.T) {
	ctx := context.Background()
	store := New()
	for want := 1; want <= 3; want++ {
		got, _ := store.NextReviewSequence(ctx, "wp-1", "202412")
		if got != want {
			t.Errorf("expected %d, got %d", want, got)
		}
	}
	if got, _ := store.NextReviewSequence(ctx, "wp-1", "202501"); got != 1 {
		t.Errorf("new period should restart at 1, got %d", got)
	}
	if got, _ := store.NextReviewSequence(ctx, "wp-2", "202412"); got != 1 {
		t.Errorf("other workplace should restart at 1, got %d", got)
	}
}

func TestListKeepsInsertOrderOnTies(t *testing.T) {
	ctx := context.Background()
	store := New()
	sess := newSession("s1", "p1")
	if err := store.CreateSession(ctx, sess); err != nil {
		t.Fatal(err)
	}

	var problems []*mtr.Problem
	for i := 0; i < 8; i++ {
		problems = append(problems, &mtr.Problem{ID: fmt.Sprintf("dtp-%d", 8-i), ReviewID: "s1", CreatedAt: at})
	}
	if err := store.AddProblems(ctx, sess, problems); err != nil {
		t.Fatal(err)
	}

	for run := 0; run < 10; run++ {
		listed, err := store.ListProblems(ctx, "s1")
		if err != nil {
			t.Fatal(err)
		}
		for i, p := range listed {
			if p.ID != problems[i].ID {
				t.Fatalf("position %d: expected %s, got %s", i, problems[i].ID, p.ID)
			}
		}
	}
}

func TestCompleteFollowUpWritesNothingOnMissingIntervention(t *testing.T) {
	ctx := context.Background()
	store := New()
	sess := newSession("s1", "p1")
	if err := store.CreateSession(ctx, sess); err != nil {
		t.Fatal(err)
	}
	f := &mtr.FollowUp{ID: "f1", ReviewID: "s1", Status: mtr.FollowUpScheduled, ScheduledDate: at}
	if err := store.AddFollowUp(ctx, sess, f); err != nil {
		t.Fatal(err)
	}

	done := *f
	done.Status = mtr.FollowUpCompleted
	ev, _ := mtr.NewEvent(mtr.AggregateFollowUp, "f1", mtr.EventFollowUpCompleted, nil)
	err := store.CompleteFollowUp(ctx, &done, &mtr.Intervention{ID: "missing"}, ev)
	if !apperr.IsKind(err, apperr.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	stored, _ := store.GetFollowUp(ctx, "f1")
	if stored.Status != mtr.FollowUpScheduled {
		t.Errorf("follow-up must not change, got %s", stored.Status)
	}
	if len(store.Events()) != 0 {
		t.Errorf("no events should be written, got %d", len(store.Events()))
	}
}
