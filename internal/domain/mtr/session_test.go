package mtr

import (
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"
)

var t0 = time.Date(2024, 12, 3, 9, 0, 0, 0, time.UTC)

func TestNewSessionDefaults(t *testing.T) {
	s := NewSession("s1", "wp1", "p1", "u1", "MTR-202412-0001", SessionOptions{}, t0)

	if s.Status != StatusInProgress || s.Priority != PriorityRoutine || s.ReviewType != ReviewTypeInitial {
		t.Errorf("unexpected defaults %s/%s/%s", s.Status, s.Priority, s.ReviewType)
	}
	if s.Medications == nil || s.Problems == nil || s.Interventions == nil || s.FollowUps == nil {
		t.Error("lists should start empty, not nil")
	}
	if s.CompletionPercentage() != 0 {
		t.Errorf("expected 0%%, got %d", s.CompletionPercentage())
	}
	if errs := s.Validate(); len(errs) != 0 {
		t.Errorf("unexpected validation errors %v", errs)
	}
}

func TestSessionValidate(t *testing.T) {
	s := NewSession("s1", "", "", "u1", "", SessionOptions{Priority: "asap", ReviewType: "weekly"}, t0)
	if errs := s.Validate(); len(errs) != 4 {
		t.Errorf("expected 4 errors, got %v", errs)
	}
}

func TestStepMarking(t *testing.T) {
	s := NewSession("s1", "wp1", "p1", "u1", "", SessionOptions{}, t0)
	data := json.RawMessage(`{"patientId":"p1"}`)

	s.MarkStepComplete(StepPatientSelection, data, t0)
	st := s.Steps.PatientSelection
	if !st.Completed || st.CompletedAt == nil || !st.CompletedAt.Equal(t0) || string(st.Data) != string(data) {
		t.Errorf("unexpected step state %+v", st)
	}
	if s.CompletionPercentage() != 17 {
		t.Errorf("expected 17%%, got %d", s.CompletionPercentage())
	}

	s.MarkStepIncomplete(StepPatientSelection, nil, t0)
	st = s.Steps.PatientSelection
	if st.Completed || st.CompletedAt != nil {
		t.Error("unmarking should clear completion")
	}
	if string(st.Data) != string(data) {
		t.Error("unmarking without data should keep stored data")
	}

	for _, step := range AllSteps {
		s.MarkStepComplete(step, nil, t0)
	}
	if s.CompletionPercentage() != 100 {
		t.Errorf("expected 100%%, got %d", s.CompletionPercentage())
	}
}

func TestParseStep(t *testing.T) {
	for _, step := range AllSteps {
		got, ok := ParseStep(step.Key())
		if !ok || got != step {
			t.Errorf("round trip failed for %s", step)
		}
	}
	if _, ok := ParseStep("PatientSelection"); ok {
		t.Error("step names are case-sensitive")
	}
	if Step(42).Valid() {
		t.Error("out of range step reported valid")
	}

	var st Step
	if err := st.UnmarshalText([]byte("followUp")); err != nil || st != StepFollowUp {
		t.Errorf("unmarshal failed: %v", err)
	}
	if err := st.UnmarshalText([]byte("nope")); err == nil {
		t.Error("expected error for unknown step")
	}
}

func TestSessionLifecycle(t *testing.T) {
	s := NewSession("s1", "wp1", "p1", "u1", "", SessionOptions{}, t0)

	if err := s.Resume(t0); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("resume of in-progress session: %v", err)
	}
	if err := s.Hold(t0); err != nil {
		t.Fatal(err)
	}
	if !s.IsActive() {
		t.Error("on-hold session is active")
	}
	if err := s.Complete(t0); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("complete of held session: %v", err)
	}
	if err := s.Resume(t0); err != nil {
		t.Fatal(err)
	}

	end := t0.Add(45 * time.Minute)
	if err := s.Complete(end); err != nil {
		t.Fatal(err)
	}
	if s.IsActive() || s.CompletedAt == nil || s.Duration() != 45*time.Minute {
		t.Errorf("unexpected completed session %+v", s)
	}
	if err := s.Cancel("dup", end); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("cancel of completed session: %v", err)
	}
}

func TestAttachIsIdempotent(t *testing.T) {
	s := NewSession("s1", "wp1", "p1", "u1", "", SessionOptions{}, t0)
	s.AttachProblem("a")
	s.AttachProblem("a")
	s.AttachIntervention("b")
	s.AttachFollowUp("c")
	if len(s.Problems) != 1 || len(s.Interventions) != 1 || len(s.FollowUps) != 1 {
		t.Errorf("unexpected references %v %v %v", s.Problems, s.Interventions, s.FollowUps)
	}
}

func TestReviewNumberFormat(t *testing.T) {
	pattern := regexp.MustCompile(`^MTR-\d{6}-\d{4}$`)
	period := ReviewPeriod(time.Date(2024, 12, 31, 23, 0, 0, 0, time.FixedZone("x", -5*3600)))
	if period != "202501" {
		t.Errorf("period should be computed in UTC, got %s", period)
	}

	got := FormatReviewNumber("202412", 1)
	if got != "MTR-202412-0001" || !pattern.MatchString(got) {
		t.Errorf("unexpected review number %s", got)
	}
	if got := FormatReviewNumber("202412", 15); got != "MTR-202412-0015" {
		t.Errorf("unexpected review number %s", got)
	}
}

func TestStepsJSON(t *testing.T) {
	s := NewSession("s1", "wp1", "p1", "u1", "", SessionOptions{}, t0)
	s.MarkStepComplete(StepMedicationHistory, json.RawMessage(`{"count":2}`), t0)

	raw, err := json.Marshal(s)
	if err != nil {
		t.Fatal(err)
	}
	var back Session
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatal(err)
	}
	if !back.Steps.IsCompleted(StepMedicationHistory) || back.Steps.IsCompleted(StepPatientSelection) {
		t.Errorf("steps not preserved: %+v", back.Steps)
	}
}
