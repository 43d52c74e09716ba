package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/drfirst/go-mtr/internal/api/middleware"
	"github.com/drfirst/go-mtr/internal/domain/mtr"
	"github.com/drfirst/go-mtr/internal/drugdb"
	"github.com/drfirst/go-mtr/internal/infrastructure/memory"
	"github.com/drfirst/go-mtr/internal/interaction"
	"github.com/drfirst/go-mtr/internal/review"
)

type response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *errorBody      `json:"error"`
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	store := memory.New()
	store.AddPatient("wp-1", "patient-1")
	store.AddPatient("wp-1", "patient-2")

	kb := drugdb.Default()
	checker := interaction.NewChecker(kb)
	clock := func() time.Time { return time.Date(2024, 12, 2, 9, 0, 0, 0, time.UTC) }
	svc := review.NewService(store, checker, nil, review.WithClock(clock))

	r := chi.NewRouter()
	r.Use(middleware.Auth(nil))
	r.Mount("/sessions", NewSessionHandler(svc, nil).Routes())
	r.Mount("/", NewReferenceHandler(checker, kb, nil).Routes())

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func call(t *testing.T, srv *httptest.Server, method, path string, body interface{}) (int, response) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "pharm-1")
	req.Header.Set("X-Workplace-ID", "wp-1")

	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("%s %s: invalid response body: %v", method, path, err)
	}
	return resp.StatusCode, out
}

func createSession(t *testing.T, srv *httptest.Server, patientID string) mtr.Session {
	t.Helper()
	status, resp := call(t, srv, http.MethodPost, "/sessions", CreateRequest{
		PatientID:             patientID,
		PatientConsent:        true,
		ConfidentialityAgreed: true,
	})
	if status != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %+v", status, resp.Error)
	}
	var s mtr.Session
	if err := json.Unmarshal(resp.Data, &s); err != nil {
		t.Fatal(err)
	}
	return s
}

func medication(name string) mtr.Medication {
	return mtr.Medication{
		DrugName:     name,
		Strength:     mtr.Strength{Value: 5, Unit: "mg"},
		DosageForm:   "tablet",
		Instructions: mtr.Instructions{Dose: "1 tablet", Frequency: "daily", Route: "oral"},
		Category:     mtr.MedicationPrescribed,
		Indication:   "chronic therapy",
	}
}

func TestCreateSession(t *testing.T) {
	srv := newTestServer(t)

	s := createSession(t, srv, "patient-1")
	if s.ReviewNumber != "MTR-202412-0001" {
		t.Errorf("unexpected review number %s", s.ReviewNumber)
	}
	if s.WorkplaceID != "wp-1" || s.PharmacistID != "pharm-1" {
		t.Errorf("session should belong to the caller, got %s/%s", s.WorkplaceID, s.PharmacistID)
	}

	status, resp := call(t, srv, http.MethodPost, "/sessions", CreateRequest{PatientID: "patient-1"})
	if status != http.StatusConflict {
		t.Fatalf("expected 409 for a second active session, got %d", status)
	}
	if resp.Success || resp.Error == nil || resp.Error.Type != "BusinessRuleViolation" {
		t.Errorf("unexpected error body %+v", resp.Error)
	}

	status, _ = call(t, srv, http.MethodPost, "/sessions", CreateRequest{PatientID: "patient-9"})
	if status != http.StatusNotFound {
		t.Errorf("expected 404 for unknown patient, got %d", status)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	srv := newTestServer(t)

	status, resp := call(t, srv, http.MethodGet, "/sessions/missing", nil)
	if status != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", status)
	}
	if resp.Error.Type != "NotFound" {
		t.Errorf("expected NotFound, got %s", resp.Error.Type)
	}
}

func TestUnknownFieldRejected(t *testing.T) {
	srv := newTestServer(t)

	status, resp := call(t, srv, http.MethodPost, "/sessions", `{"patientId":"patient-1","bogus":true}`)
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", status)
	}
	if !strings.Contains(resp.Error.Message, "bogus") {
		t.Errorf("error should name the field, got %q", resp.Error.Message)
	}
}

func TestStepValidationFailure(t *testing.T) {
	srv := newTestServer(t)
	s := createSession(t, srv, "patient-1")

	status, resp := call(t, srv, http.MethodPut, "/sessions/"+s.ID+"/steps/medicationHistory",
		StepRequest{Data: json.RawMessage(`{"medications":[]}`)})
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", status)
	}
	if resp.Error.Type != "ValidationFailure" || len(resp.Error.Details) == 0 {
		t.Errorf("expected validation details, got %+v", resp.Error)
	}

	status, _ = call(t, srv, http.MethodPut, "/sessions/"+s.ID+"/steps/bogus", StepRequest{})
	if status != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown step, got %d", status)
	}
}

func TestCompleteStep(t *testing.T) {
	srv := newTestServer(t)
	s := createSession(t, srv, "patient-1")

	data, _ := json.Marshal(MedicationsRequest{Medications: []mtr.Medication{medication("metformin")}})
	status, resp := call(t, srv, http.MethodPut, "/sessions/"+s.ID+"/steps/medicationHistory", StepRequest{Data: data})
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d: %+v", status, resp.Error)
	}

	status, resp = call(t, srv, http.MethodGet, "/sessions/"+s.ID+"/progress", nil)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	var progress struct {
		CompletionPercentage int `json:"completionPercentage"`
	}
	if err := json.Unmarshal(resp.Data, &progress); err != nil {
		t.Fatal(err)
	}
	if progress.CompletionPercentage != 33 {
		t.Errorf("two of six steps should be 33%%, got %d", progress.CompletionPercentage)
	}
}

func TestInteractionAssessmentFlow(t *testing.T) {
	srv := newTestServer(t)
	s := createSession(t, srv, "patient-2")
	base := "/sessions/" + s.ID

	status, resp := call(t, srv, http.MethodPut, base+"/medications", MedicationsRequest{
		Medications: []mtr.Medication{medication("warfarin"), medication("aspirin")},
	})
	if status != http.StatusOK {
		t.Fatalf("medications: expected 200, got %d: %+v", status, resp.Error)
	}

	status, resp = call(t, srv, http.MethodPost, base+"/interactions", nil)
	if status != http.StatusOK {
		t.Fatalf("interactions: expected 200, got %d: %+v", status, resp.Error)
	}
	var assessment review.AssessmentResult
	if err := json.Unmarshal(resp.Data, &assessment); err != nil {
		t.Fatal(err)
	}
	if !assessment.Interactions.HasInteractions || len(assessment.Problems) == 0 {
		t.Fatalf("warfarin with aspirin should produce a problem, got %+v", assessment)
	}

	status, resp = call(t, srv, http.MethodGet, base+"/problems", nil)
	if status != http.StatusOK {
		t.Fatalf("problems: expected 200, got %d", status)
	}
	var problems []mtr.Problem
	if err := json.Unmarshal(resp.Data, &problems); err != nil {
		t.Fatal(err)
	}
	if len(problems) != len(assessment.Problems) {
		t.Errorf("expected %d problems, got %d", len(assessment.Problems), len(problems))
	}

	status, resp = call(t, srv, http.MethodGet, base+"/audit", nil)
	if status != http.StatusOK {
		t.Fatalf("audit: expected 200, got %d", status)
	}
	var trail []mtr.Event
	if err := json.Unmarshal(resp.Data, &trail); err != nil {
		t.Fatal(err)
	}
	if len(trail) < 3 || trail[0].EventType != mtr.EventSessionCreated {
		t.Errorf("unexpected audit trail of %d events", len(trail))
	}
}

func TestCancelAndHold(t *testing.T) {
	srv := newTestServer(t)
	s := createSession(t, srv, "patient-1")
	base := "/sessions/" + s.ID

	status, resp := call(t, srv, http.MethodPost, base+"/hold", nil)
	if status != http.StatusOK {
		t.Fatalf("hold: expected 200, got %d: %+v", status, resp.Error)
	}
	status, _ = call(t, srv, http.MethodPut, base+"/medications", MedicationsRequest{
		Medications: []mtr.Medication{medication("metformin")},
	})
	if status != http.StatusConflict {
		t.Errorf("sessions on hold are read only, got %d", status)
	}

	status, resp = call(t, srv, http.MethodPost, base+"/cancel", CancelRequest{Reason: "patient declined"})
	if status != http.StatusOK {
		t.Fatalf("cancel: expected 200, got %d: %+v", status, resp.Error)
	}
	var cancelled mtr.Session
	if err := json.Unmarshal(resp.Data, &cancelled); err != nil {
		t.Fatal(err)
	}
	if cancelled.Status != mtr.StatusCancelled || cancelled.CancelReason != "patient declined" {
		t.Errorf("unexpected session after cancel: %s %q", cancelled.Status, cancelled.CancelReason)
	}

	// a new session can be opened once the old one is closed
	createSession(t, srv, "patient-1")
}

func TestCheckInteractions(t *testing.T) {
	srv := newTestServer(t)

	status, resp := call(t, srv, http.MethodPost, "/interactions/check", MedicationsRequest{
		Medications: []mtr.Medication{medication("warfarin"), medication("aspirin")},
	})
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	var report interaction.Report
	if err := json.Unmarshal(resp.Data, &report); err != nil {
		t.Fatal(err)
	}
	if !report.HasInteractions || report.KnowledgeVersion == "" {
		t.Errorf("unexpected report %+v", report)
	}

	status, _ = call(t, srv, http.MethodPost, "/interactions/check", MedicationsRequest{})
	if status != http.StatusBadRequest {
		t.Errorf("expected 400 without medications, got %d", status)
	}
}

func TestWorkflowSteps(t *testing.T) {
	srv := newTestServer(t)

	status, resp := call(t, srv, http.MethodGet, "/workflow/steps", nil)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	var steps []struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(resp.Data, &steps); err != nil {
		t.Fatal(err)
	}
	if len(steps) != mtr.StepCount || steps[0].Key != "patientSelection" || steps[5].Key != "followUp" {
		t.Errorf("unexpected steps %+v", steps)
	}
}
