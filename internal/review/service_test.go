package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/drfirst/go-mtr/internal/apperr"
	"github.com/drfirst/go-mtr/internal/domain/mtr"
	"github.com/drfirst/go-mtr/internal/drugdb"
	"github.com/drfirst/go-mtr/internal/infrastructure/memory"
	"github.com/drfirst/go-mtr/internal/infrastructure/redislock"
	"github.com/drfirst/go-mtr/internal/interaction"
)

const (
	workplace  = "wp-1"
	pharmacist = "pharm-1"
)

var now = time.Date(2024, 12, 2, 9, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, opts ...Option) (*Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	for i := 1; i <= 40; i++ {
		store.AddPatient(workplace, fmt.Sprintf("patient-%d", i))
	}
	opts = append([]Option{WithClock(func() time.Time { return now })}, opts...)
	svc := NewService(store, interaction.NewChecker(drugdb.Default()), nil, opts...)
	return svc, store
}

func createSession(t *testing.T, svc *Service, patientID string) *mtr.Session {
	t.Helper()
	s, err := svc.CreateSession(context.Background(), CreateSessionInput{
		PatientID:    patientID,
		PharmacistID: pharmacist,
		WorkplaceID:  workplace,
		Options: mtr.SessionOptions{
			PatientConsent:        true,
			ConfidentialityAgreed: true,
		},
	})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	return s
}

func med(name string) mtr.Medication {
	return mtr.Medication{
		DrugName:     name,
		Strength:     mtr.Strength{Value: 5, Unit: "mg"},
		DosageForm:   "tablet",
		Instructions: mtr.Instructions{Dose: "1 tablet", Frequency: "daily", Route: "oral"},
		Category:     mtr.MedicationPrescribed,
		Indication:   "chronic therapy",
	}
}

func assertKind(t *testing.T, err error, kind apperr.Kind) *apperr.Error {
	t.Helper()
	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		t.Fatalf("expected %s error, got %v", kind, err)
	}
	if appErr.Kind != kind {
		t.Fatalf("expected %s error, got %s: %v", kind, appErr.Kind, appErr)
	}
	return appErr
}

func eventTypes(store *memory.Store) []mtr.EventType {
	var out []mtr.EventType
	for _, ev := range store.Events() {
		out = append(out, ev.EventType)
	}
	return out
}

func countEvents(store *memory.Store, evType mtr.EventType) int {
	n := 0
	for _, t := range eventTypes(store) {
		if t == evType {
			n++
		}
	}
	return n
}

func TestCreateSession(t *testing.T) {
	svc, store := newTestService(t)
	s := createSession(t, svc, "patient-1")

	if s.ReviewNumber != "MTR-202412-0001" {
		t.Errorf("expected MTR-202412-0001, got %s", s.ReviewNumber)
	}
	if s.Status != mtr.StatusInProgress || s.Version != 1 {
		t.Errorf("unexpected status/version %s/%d", s.Status, s.Version)
	}
	if !s.Steps.IsCompleted(mtr.StepPatientSelection) {
		t.Error("patient selection should be completed on creation")
	}
	if s.CompletionPercentage() != 17 {
		t.Errorf("expected 17%%, got %d", s.CompletionPercentage())
	}

	events := store.Events()
	if len(events) != 1 || events[0].EventType != mtr.EventSessionCreated {
		t.Fatalf("expected one SessionCreated event, got %v", eventTypes(store))
	}
	ev := events[0]
	if ev.AggregateID != s.ID || ev.UserID != pharmacist || ev.ReviewID != s.ID || ev.PatientID != "patient-1" {
		t.Errorf("unexpected audit info %+v", ev)
	}
	if !ev.Timestamp.Equal(now) {
		t.Errorf("expected event timestamp %v, got %v", now, ev.Timestamp)
	}
}

func TestCreateSessionUnknownPatient(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.CreateSession(context.Background(), CreateSessionInput{
		PatientID:    "ghost",
		PharmacistID: pharmacist,
		WorkplaceID:  workplace,
	})
	assertKind(t, err, apperr.KindNotFound)

	_, err = svc.CreateSession(context.Background(), CreateSessionInput{
		PatientID:    "patient-1",
		PharmacistID: pharmacist,
		WorkplaceID:  "another-workplace",
	})
	assertKind(t, err, apperr.KindNotFound)
}

func TestCreateSessionInvalidOptions(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.CreateSession(context.Background(), CreateSessionInput{
		PatientID:    "patient-1",
		PharmacistID: pharmacist,
		WorkplaceID:  workplace,
		Options:      mtr.SessionOptions{Priority: "whenever"},
	})
	appErr := assertKind(t, err, apperr.KindValidation)
	if len(appErr.Details) != 1 {
		t.Errorf("expected one detail, got %v", appErr.Details)
	}
}

func TestSingleActiveSession(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	first := createSession(t, svc, "patient-1")

	_, err := svc.CreateSession(ctx, CreateSessionInput{PatientID: "patient-1", PharmacistID: pharmacist, WorkplaceID: workplace})
	appErr := assertKind(t, err, apperr.KindBusinessRule)
	if want := "Patient already has an active MTR session (MTR-202412-0001)"; appErr.Message != want {
		t.Errorf("expected %q, got %q", want, appErr.Message)
	}

	if _, err := svc.HoldSession(ctx, first.ID, pharmacist); err != nil {
		t.Fatal(err)
	}
	_, err = svc.CreateSession(ctx, CreateSessionInput{PatientID: "patient-1", PharmacistID: pharmacist, WorkplaceID: workplace})
	assertKind(t, err, apperr.KindBusinessRule)

	if _, err := svc.CancelSession(ctx, first.ID, "patient withdrew", pharmacist); err != nil {
		t.Fatal(err)
	}
	second := createSession(t, svc, "patient-1")
	if second.ReviewNumber != "MTR-202412-0002" {
		t.Errorf("expected MTR-202412-0002, got %s", second.ReviewNumber)
	}
}

func TestReviewNumbersSequential(t *testing.T) {
	svc, _ := newTestService(t)
	for i := 1; i <= 15; i++ {
		s := createSession(t, svc, fmt.Sprintf("patient-%d", i))
		if want := fmt.Sprintf("MTR-202412-%04d", i); s.ReviewNumber != want {
			t.Errorf("session %d: expected %s, got %s", i, want, s.ReviewNumber)
		}
	}
}

func TestReviewNumbersConcurrent(t *testing.T) {
	svc, _ := newTestService(t)
	const n = 30

	var wg sync.WaitGroup
	numbers := make(chan string, n)
	errs := make(chan error, n)
	for i := 1; i <= n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := svc.CreateSession(context.Background(), CreateSessionInput{
				PatientID:    fmt.Sprintf("patient-%d", i),
				PharmacistID: pharmacist,
				WorkplaceID:  workplace,
			})
			if err != nil {
				errs <- err
				return
			}
			numbers <- s.ReviewNumber
		}(i)
	}
	wg.Wait()
	close(numbers)
	close(errs)

	for err := range errs {
		t.Errorf("create failed: %v", err)
	}
	seen := make(map[string]bool)
	for num := range numbers {
		if seen[num] {
			t.Errorf("duplicate review number %s", num)
		}
		seen[num] = true
	}
	for i := 1; i <= n; i++ {
		if want := fmt.Sprintf("MTR-202412-%04d", i); !seen[want] {
			t.Errorf("missing review number %s", want)
		}
	}
}

func TestInteractionAssessment(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	s := createSession(t, svc, "patient-1")

	if _, err := svc.UpdateMedications(ctx, s.ID, []mtr.Medication{med("Warfarin"), med("Aspirin")}, pharmacist); err != nil {
		t.Fatal(err)
	}
	res, err := svc.RunInteractionAssessment(ctx, s.ID, pharmacist)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Interactions.HasInteractions || res.Interactions.Severity != "major" {
		t.Errorf("unexpected report %+v", res.Interactions)
	}
	if len(res.Problems) != 1 {
		t.Fatalf("expected one problem, got %d", len(res.Problems))
	}
	p := res.Problems[0]
	if p.Type != mtr.ProblemInteraction || p.Severity != mtr.SeverityMajor || p.ReviewID != s.ID {
		t.Errorf("unexpected problem %+v", p)
	}

	stored, err := svc.GetSession(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored.Problems) != 1 || stored.Problems[0] != p.ID {
		t.Errorf("session should reference the problem, got %v", stored.Problems)
	}
	if stored.InteractionsCheckedAt == nil {
		t.Error("interactionsCheckedAt should be set")
	}
	if countEvents(store, mtr.EventProblemCreated) != 1 || countEvents(store, mtr.EventInteractionsChecked) != 1 {
		t.Errorf("unexpected events %v", eventTypes(store))
	}

	// a new medication list invalidates the previous check
	updated, err := svc.UpdateMedications(ctx, s.ID, []mtr.Medication{med("Warfarin")}, pharmacist)
	if err != nil {
		t.Fatal(err)
	}
	if updated.InteractionsCheckedAt != nil {
		t.Error("medication change should reset interactionsCheckedAt")
	}
}

func TestInteractionAssessmentSingleMedication(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	s := createSession(t, svc, "patient-1")

	_, err := svc.RunInteractionAssessment(ctx, s.ID, pharmacist)
	appErr := assertKind(t, err, apperr.KindValidation)
	if appErr.Message != "Session has no medications to check" {
		t.Errorf("unexpected message %q", appErr.Message)
	}

	if _, err := svc.UpdateMedications(ctx, s.ID, []mtr.Medication{med("Metformin")}, pharmacist); err != nil {
		t.Fatal(err)
	}
	res, err := svc.RunInteractionAssessment(ctx, s.ID, pharmacist)
	if err != nil {
		t.Fatal(err)
	}
	if res.Interactions.HasInteractions || res.Interactions.Severity != interaction.SeverityNone || len(res.Problems) != 0 {
		t.Errorf("expected an empty report, got %+v", res.Interactions)
	}
}

func TestCompleteSessionMissingSteps(t *testing.T) {
	svc, _ := newTestService(t)
	s := createSession(t, svc, "patient-1")

	_, err := svc.CompleteSession(context.Background(), s.ID, pharmacist)
	appErr := assertKind(t, err, apperr.KindValidation)
	if len(appErr.Details) != 5 {
		t.Errorf("expected 5 errors, got %v", appErr.Details)
	}
}

func TestCompleteStep(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	s := createSession(t, svc, "patient-1")

	_, err := svc.CompleteStep(ctx, s.ID, "therapyAssessment", true, nil, pharmacist)
	appErr := assertKind(t, err, apperr.KindValidation)
	if appErr.Details[0] != "Dependency not met: medicationHistory must be completed first" {
		t.Errorf("unexpected details %v", appErr.Details)
	}

	_, err = svc.CompleteStep(ctx, s.ID, "billing", true, nil, pharmacist)
	appErr = assertKind(t, err, apperr.KindValidation)
	if appErr.Details[0] != "Invalid step name: billing" {
		t.Errorf("unexpected details %v", appErr.Details)
	}

	data, _ := json.Marshal(map[string]interface{}{
		"medications": []mtr.Medication{med("Lisinopril"), med("lisinopril")},
	})
	res, err := svc.CompleteStep(ctx, s.ID, "medicationHistory", true, data, pharmacist)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Session.Medications) != 2 || !res.Session.Steps.IsCompleted(mtr.StepMedicationHistory) {
		t.Errorf("unexpected session %+v", res.Session)
	}
	if len(res.Validation.Warnings) != 1 {
		t.Errorf("expected the duplicate medication warning, got %v", res.Validation.Warnings)
	}
	if res.Progress.CompletionPercentage != 33 || res.Progress.NextStep == nil || res.Progress.NextStep.Key != "therapyAssessment" {
		t.Errorf("unexpected progress %+v", res.Progress)
	}
	if res.Session.Version != 2 {
		t.Errorf("expected version 2, got %d", res.Session.Version)
	}

	res, err = svc.CompleteStep(ctx, s.ID, "medicationHistory", false, nil, pharmacist)
	if err != nil {
		t.Fatal(err)
	}
	if res.Session.Steps.IsCompleted(mtr.StepMedicationHistory) {
		t.Error("step should be reopened")
	}
	if countEvents(store, mtr.EventStepCompleted) != 1 || countEvents(store, mtr.EventStepReopened) != 1 {
		t.Errorf("unexpected events %v", eventTypes(store))
	}
}

func TestFullReview(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	s := createSession(t, svc, "patient-1")

	meds, _ := json.Marshal(map[string]interface{}{
		"medications": []mtr.Medication{med("Warfarin"), med("Aspirin")},
	})
	if _, err := svc.CompleteStep(ctx, s.ID, "medicationHistory", true, meds, pharmacist); err != nil {
		t.Fatal(err)
	}
	assessment, err := svc.RunInteractionAssessment(ctx, s.ID, pharmacist)
	if err != nil {
		t.Fatal(err)
	}
	problem := assessment.Problems[0]

	res, err := svc.CompleteStep(ctx, s.ID, "therapyAssessment", true, nil, pharmacist)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Validation.Warnings) != 0 {
		t.Errorf("expected no warnings after the check, got %v", res.Validation.Warnings)
	}

	plan, _ := json.Marshal(map[string]interface{}{
		"plan": mtr.TherapyPlan{Recommendations: []mtr.Recommendation{{
			Type:            "discontinue",
			Medication:      "Aspirin",
			Rationale:       "Bleeding risk with warfarin",
			Priority:        "high",
			ExpectedOutcome: "Reduced bleeding risk",
		}}},
	})
	if _, err := svc.CompleteStep(ctx, s.ID, "planDevelopment", true, plan, pharmacist); err != nil {
		t.Fatal(err)
	}

	intervention, err := svc.AddIntervention(ctx, s.ID, &mtr.Intervention{
		ProblemID:           problem.ID,
		Type:                mtr.InterventionRecommendation,
		Category:            mtr.InterventionDiscontinuation,
		Description:         "Recommend stopping aspirin",
		TargetAudience:      mtr.AudiencePrescriber,
		CommunicationMethod: mtr.MethodPhone,
		Urgency:             mtr.UrgencyWithinWeek,
		FollowUpRequired:    true,
	}, pharmacist)
	if err != nil {
		t.Fatal(err)
	}
	if intervention.FollowUpDate == nil || !intervention.FollowUpDate.Equal(now.Add(7*24*time.Hour)) {
		t.Errorf("unexpected follow-up date %v", intervention.FollowUpDate)
	}
	if _, err := svc.CompleteStep(ctx, s.ID, "interventions", true, nil, pharmacist); err != nil {
		t.Fatal(err)
	}

	res, err = svc.CompleteStep(ctx, s.ID, "followUp", true, nil, pharmacist)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Validation.Warnings) != 1 {
		t.Errorf("expected missing follow-up warning, got %v", res.Validation.Warnings)
	}

	if _, err := svc.UpdateProblemStatus(ctx, s.ID, problem.ID, ProblemStatusChange{
		Status:  mtr.ProblemResolved,
		Action:  "Aspirin stopped",
		Outcome: "No bleeding",
	}, pharmacist); err != nil {
		t.Fatal(err)
	}

	done, err := svc.CompleteSession(ctx, s.ID, pharmacist)
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != mtr.StatusCompleted || done.CompletedAt == nil {
		t.Errorf("unexpected session %+v", done)
	}
	if done.ClinicalOutcomes.ProblemsResolved != 1 {
		t.Errorf("expected 1 resolved problem, got %d", done.ClinicalOutcomes.ProblemsResolved)
	}
	if countEvents(store, mtr.EventSessionCompleted) != 1 {
		t.Errorf("unexpected events %v", eventTypes(store))
	}

	_, err = svc.UpdateMedications(ctx, s.ID, nil, pharmacist)
	assertKind(t, err, apperr.KindBusinessRule)
	_, err = svc.CancelSession(ctx, s.ID, "too late", pharmacist)
	assertKind(t, err, apperr.KindBusinessRule)

	// a completed review frees the patient
	createSession(t, svc, "patient-1")
}

func TestChildEntities(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	s := createSession(t, svc, "patient-1")
	other := createSession(t, svc, "patient-2")

	_, err := svc.AddProblem(ctx, s.ID, &mtr.Problem{ReviewID: other.ID}, pharmacist)
	assertKind(t, err, apperr.KindValidation)

	_, err = svc.AddProblem(ctx, s.ID, &mtr.Problem{}, pharmacist)
	assertKind(t, err, apperr.KindValidation)

	p, err := svc.AddProblem(ctx, s.ID, &mtr.Problem{
		Category:             mtr.CategoryAdherence,
		Type:                 mtr.ProblemInappropriateAdherence,
		Severity:             mtr.SeverityModerate,
		Description:          "Patient skips evening doses",
		ClinicalSignificance: "Reduced blood pressure control",
		EvidenceLevel:        mtr.EvidenceProbable,
	}, pharmacist)
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != mtr.ProblemIdentified || p.PatientID != "patient-1" || p.IdentifiedBy != pharmacist {
		t.Errorf("unexpected problem %+v", p)
	}

	_, err = svc.UpdateProblemStatus(ctx, other.ID, p.ID, ProblemStatusChange{Status: mtr.ProblemUnderMonitoring}, pharmacist)
	assertKind(t, err, apperr.KindBusinessRule)
	_, err = svc.UpdateProblemStatus(ctx, s.ID, p.ID, ProblemStatusChange{Status: "gone"}, pharmacist)
	assertKind(t, err, apperr.KindValidation)

	_, err = svc.AddIntervention(ctx, s.ID, &mtr.Intervention{
		ProblemID:           "missing",
		Type:                mtr.InterventionCounseling,
		Category:            mtr.InterventionDiscontinuation,
		Description:         "Counsel on adherence",
		TargetAudience:      mtr.AudiencePrescriber,
		CommunicationMethod: mtr.MethodPhone,
	}, pharmacist)
	assertKind(t, err, apperr.KindValidation)

	i, err := svc.AddIntervention(ctx, s.ID, &mtr.Intervention{
		ProblemID:           p.ID,
		Type:                mtr.InterventionRecommendation,
		Category:            mtr.InterventionDiscontinuation,
		Description:         "Simplify regimen to once daily",
		TargetAudience:      mtr.AudiencePrescriber,
		CommunicationMethod: mtr.MethodPhone,
		FollowUpRequired:    true,
	}, pharmacist)
	if err != nil {
		t.Fatal(err)
	}

	f, err := svc.AddFollowUp(ctx, s.ID, &mtr.FollowUp{
		InterventionID: i.ID,
		Type:           mtr.FollowUpPhoneCall,
		Description:    "Check adherence after regimen change",
		ScheduledDate:  now.Add(72 * time.Hour),
	}, pharmacist)
	if err != nil {
		t.Fatal(err)
	}
	if f.AssignedTo != pharmacist || len(f.Reminders) != 2 || f.Status != mtr.FollowUpScheduled {
		t.Errorf("unexpected follow-up %+v", f)
	}

	_, err = svc.AddFollowUp(ctx, s.ID, &mtr.FollowUp{
		Type:          mtr.FollowUpPhoneCall,
		Description:   "In the past",
		ScheduledDate: now.Add(-time.Hour),
	}, pharmacist)
	assertKind(t, err, apperr.KindValidation)

	f, err = svc.RescheduleFollowUp(ctx, s.ID, f.ID, now.Add(96*time.Hour), "patient travelling", pharmacist)
	if err != nil {
		t.Fatal(err)
	}
	if f.Status != mtr.FollowUpRescheduled {
		t.Errorf("expected rescheduled, got %s", f.Status)
	}
	_, err = svc.RescheduleFollowUp(ctx, s.ID, f.ID, now.Add(120*time.Hour), "again", pharmacist)
	assertKind(t, err, apperr.KindBusinessRule)

	_, err = svc.CompleteFollowUp(ctx, s.ID, f.ID, nil, pharmacist)
	assertKind(t, err, apperr.KindValidation)
	if _, err := svc.CompleteFollowUp(ctx, s.ID, f.ID, &mtr.FollowUpOutcome{Status: "successful", Notes: "Taking all doses"}, pharmacist); err != nil {
		t.Fatal(err)
	}

	interventions, err := svc.ListInterventions(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(interventions) != 1 || !interventions[0].FollowUpCompleted {
		t.Errorf("linked intervention should have its follow-up completed, got %+v", interventions)
	}

	if _, err := svc.RecordInterventionOutcome(ctx, s.ID, i.ID, mtr.OutcomeAccepted, "Prescriber agreed", pharmacist); err != nil {
		t.Fatal(err)
	}
	_, err = svc.RecordInterventionOutcome(ctx, other.ID, i.ID, mtr.OutcomeAccepted, "", pharmacist)
	assertKind(t, err, apperr.KindBusinessRule)

	problems, err := svc.ListProblems(ctx, s.ID)
	if err != nil || len(problems) != 1 {
		t.Errorf("expected 1 problem, got %d (%v)", len(problems), err)
	}
	followUps, err := svc.ListFollowUps(ctx, s.ID)
	if err != nil || len(followUps) != 1 {
		t.Errorf("expected 1 follow-up, got %d (%v)", len(followUps), err)
	}
	_, err = svc.ListProblems(ctx, "missing")
	assertKind(t, err, apperr.KindNotFound)

	stored, _ := svc.GetSession(ctx, s.ID)
	if len(stored.Problems) != 1 || len(stored.Interventions) != 1 || len(stored.FollowUps) != 1 {
		t.Errorf("unexpected references %v %v %v", stored.Problems, stored.Interventions, stored.FollowUps)
	}
}

type failingLocker struct{ err error }

func (l failingLocker) Lock(context.Context, string) (func(), error) {
	return nil, l.err
}

func TestLockContention(t *testing.T) {
	held := fmt.Errorf("%w: mtr:session:x", redislock.ErrNotAcquired)
	svc, store := newTestService(t, WithLocker(failingLocker{err: held}))
	s := createSession(t, svc, "patient-1")

	_, err := svc.UpdateMedications(context.Background(), s.ID, []mtr.Medication{med("Warfarin")}, pharmacist)
	assertKind(t, err, apperr.KindConflict)
	if len(store.Events()) != 1 {
		t.Errorf("failed update should not write audit events, got %v", eventTypes(store))
	}
}

func TestLockBackendDown(t *testing.T) {
	svc, store := newTestService(t, WithLocker(failingLocker{err: errors.New("dial tcp 127.0.0.1:6379: connection refused")}))
	s := createSession(t, svc, "patient-1")

	_, err := svc.UpdateMedications(context.Background(), s.ID, []mtr.Medication{med("Warfarin")}, pharmacist)
	assertKind(t, err, apperr.KindInternal)
	if len(store.Events()) != 1 {
		t.Errorf("failed update should not write audit events, got %v", eventTypes(store))
	}
}

func TestHoldResume(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	s := createSession(t, svc, "patient-1")

	if _, err := svc.HoldSession(ctx, s.ID, pharmacist); err != nil {
		t.Fatal(err)
	}
	_, err := svc.UpdateConsent(ctx, s.ID, true, true, pharmacist)
	assertKind(t, err, apperr.KindBusinessRule)
	_, err = svc.HoldSession(ctx, s.ID, pharmacist)
	assertKind(t, err, apperr.KindBusinessRule)

	resumed, err := svc.ResumeSession(ctx, s.ID, pharmacist)
	if err != nil {
		t.Fatal(err)
	}
	if resumed.Status != mtr.StatusInProgress {
		t.Errorf("expected in_progress, got %s", resumed.Status)
	}
	if countEvents(store, mtr.EventSessionHeld) != 1 || countEvents(store, mtr.EventSessionResumed) != 1 {
		t.Errorf("unexpected events %v", eventTypes(store))
	}

	createSession(t, svc, "patient-2")
	trail, err := svc.AuditTrail(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	want := []mtr.EventType{mtr.EventSessionCreated, mtr.EventSessionHeld, mtr.EventSessionResumed}
	if len(trail) != len(want) {
		t.Fatalf("expected %v, got %d events", want, len(trail))
	}
	for i, ev := range trail {
		if ev.EventType != want[i] || ev.ReviewID != s.ID {
			t.Errorf("event %d: expected %s for %s, got %s for %s", i, want[i], s.ID, ev.EventType, ev.ReviewID)
		}
	}
}

func TestProblemOrderFollowsAssessment(t *testing.T) {
	ctx := context.Background()
	meds := []mtr.Medication{med("Warfarin"), med("Aspirin"), med("Ibuprofen"), med("Simvastatin"), med("Clarithromycin")}

	for run := 0; run < 20; run++ {
		svc, _ := newTestService(t)
		s := createSession(t, svc, "patient-1")
		if _, err := svc.UpdateMedications(ctx, s.ID, meds, pharmacist); err != nil {
			t.Fatal(err)
		}
		res, err := svc.RunInteractionAssessment(ctx, s.ID, pharmacist)
		if err != nil {
			t.Fatal(err)
		}
		if len(res.Problems) < 2 {
			t.Fatalf("expected several problems, got %d", len(res.Problems))
		}

		listed, err := svc.ListProblems(ctx, s.ID)
		if err != nil {
			t.Fatal(err)
		}
		stored, err := svc.GetSession(ctx, s.ID)
		if err != nil {
			t.Fatal(err)
		}
		if len(listed) != len(res.Problems) {
			t.Fatalf("expected %d problems, got %d", len(res.Problems), len(listed))
		}
		for i, p := range res.Problems {
			if listed[i].ID != p.ID || stored.Problems[i] != p.ID {
				t.Fatalf("run %d: problem %d listed as %s, assessed as %s", run, i, listed[i].ID, p.ID)
			}
		}
	}
}

// staleInterventions hands out a copy of the intervention under an id the
// store no longer knows, as if it were removed between read and write.
type staleInterventions struct{ *memory.Store }

func (s staleInterventions) GetIntervention(ctx context.Context, id string) (*mtr.Intervention, error) {
	i, err := s.Store.GetIntervention(ctx, id)
	if err != nil {
		return nil, err
	}
	i.ID = "removed-" + i.ID
	return i, nil
}

func TestCompleteFollowUpIsAtomic(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	s := createSession(t, svc, "patient-1")

	p, err := svc.AddProblem(ctx, s.ID, &mtr.Problem{
		Category:             mtr.CategoryAdherence,
		Type:                 mtr.ProblemInappropriateAdherence,
		Severity:             mtr.SeverityModerate,
		Description:          "Patient skips evening doses",
		ClinicalSignificance: "Reduced blood pressure control",
		EvidenceLevel:        mtr.EvidenceProbable,
	}, pharmacist)
	if err != nil {
		t.Fatal(err)
	}
	i, err := svc.AddIntervention(ctx, s.ID, &mtr.Intervention{
		ProblemID:           p.ID,
		Type:                mtr.InterventionRecommendation,
		Category:            mtr.InterventionDiscontinuation,
		Description:         "Simplify regimen to once daily",
		TargetAudience:      mtr.AudiencePrescriber,
		CommunicationMethod: mtr.MethodPhone,
		FollowUpRequired:    true,
	}, pharmacist)
	if err != nil {
		t.Fatal(err)
	}
	f, err := svc.AddFollowUp(ctx, s.ID, &mtr.FollowUp{
		InterventionID: i.ID,
		Type:           mtr.FollowUpPhoneCall,
		Description:    "Check adherence after regimen change",
		ScheduledDate:  now.Add(72 * time.Hour),
	}, pharmacist)
	if err != nil {
		t.Fatal(err)
	}
	outcome := &mtr.FollowUpOutcome{Status: "successful", Notes: "Taking all doses"}

	stale := NewService(staleInterventions{store}, interaction.NewChecker(drugdb.Default()), nil,
		WithClock(func() time.Time { return now }))
	written := len(store.Events())
	_, err = stale.CompleteFollowUp(ctx, s.ID, f.ID, outcome, pharmacist)
	assertKind(t, err, apperr.KindNotFound)

	kept, err := store.GetFollowUp(ctx, f.ID)
	if err != nil {
		t.Fatal(err)
	}
	if kept.Status != mtr.FollowUpScheduled {
		t.Errorf("follow-up should stay scheduled when the intervention write fails, got %s", kept.Status)
	}
	if len(store.Events()) != written {
		t.Errorf("failed completion should not write audit events, got %v", eventTypes(store)[written:])
	}

	if _, err := svc.CompleteFollowUp(ctx, s.ID, f.ID, outcome, pharmacist); err != nil {
		t.Fatal(err)
	}
	linked, err := store.GetIntervention(ctx, i.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !linked.FollowUpCompleted {
		t.Error("linked intervention should have its follow-up completed")
	}
	if countEvents(store, mtr.EventFollowUpCompleted) != 1 || countEvents(store, mtr.EventInterventionFollowUp) != 1 {
		t.Errorf("expected follow-up and intervention events, got %v", eventTypes(store))
	}
}
