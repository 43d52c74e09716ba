package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-mtr/internal/domain/mtr"
	"github.com/drfirst/go-mtr/internal/review"
)

// SessionHandler serves the review session endpoints
type SessionHandler struct {
	svc    *review.Service
	logger *zap.Logger
}

// NewSessionHandler creates a new handler
func NewSessionHandler(svc *review.Service, logger *zap.Logger) *SessionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionHandler{svc: svc, logger: logger}
}

// Routes returns the handler routes
func (h *SessionHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Get("/progress", h.Progress)
		r.Get("/audit", h.Audit)
		r.Put("/steps/{step}", h.CompleteStep)
		r.Put("/medications", h.UpdateMedications)
		r.Put("/plan", h.SetPlan)
		r.Put("/consent", h.UpdateConsent)
		r.Post("/interactions", h.AssessInteractions)
		r.Post("/complete", h.Complete)
		r.Post("/cancel", h.Cancel)
		r.Post("/hold", h.Hold)
		r.Post("/resume", h.Resume)

		r.Get("/problems", h.ListProblems)
		r.Post("/problems", h.AddProblem)
		r.Patch("/problems/{problemId}", h.UpdateProblemStatus)

		r.Get("/interventions", h.ListInterventions)
		r.Post("/interventions", h.AddIntervention)
		r.Patch("/interventions/{interventionId}", h.RecordOutcome)

		r.Get("/followups", h.ListFollowUps)
		r.Post("/followups", h.AddFollowUp)
		r.Post("/followups/{followUpId}/complete", h.CompleteFollowUp)
		r.Post("/followups/{followUpId}/reschedule", h.RescheduleFollowUp)
	})
	return r
}

// CreateRequest is the body of POST /sessions
type CreateRequest struct {
	PatientID             string         `json:"patientId"`
	Priority              mtr.Priority   `json:"priority"`
	ReviewType            mtr.ReviewType `json:"reviewType"`
	ReferralSource        string         `json:"referralSource"`
	ReviewReason          string         `json:"reviewReason"`
	PatientConsent        bool           `json:"patientConsent"`
	ConfidentialityAgreed bool           `json:"confidentialityAgreed"`
}

// Create handles POST /sessions. The caller's workplace owns the session.
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	p, err := caller(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	var req CreateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	session, err := h.svc.CreateSession(r.Context(), review.CreateSessionInput{
		PatientID:    req.PatientID,
		PharmacistID: p.UserID,
		WorkplaceID:  p.WorkplaceID,
		Options: mtr.SessionOptions{
			Priority:              req.Priority,
			ReviewType:            req.ReviewType,
			ReferralSource:        req.ReferralSource,
			ReviewReason:          req.ReviewReason,
			PatientConsent:        req.PatientConsent,
			ConfidentialityAgreed: req.ConfidentialityAgreed,
		},
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

// Get handles GET /sessions/{id}
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	session, err := h.svc.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// Progress handles GET /sessions/{id}/progress
func (h *SessionHandler) Progress(w http.ResponseWriter, r *http.Request) {
	progress, err := h.svc.GetProgress(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

// Audit handles GET /sessions/{id}/audit
func (h *SessionHandler) Audit(w http.ResponseWriter, r *http.Request) {
	events, err := h.svc.AuditTrail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// StepRequest is the body of PUT /sessions/{id}/steps/{step}. Completed
// defaults to true.
type StepRequest struct {
	Completed *bool           `json:"completed,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// CompleteStep handles PUT /sessions/{id}/steps/{step}. A step that fails
// validation is a 400 listing every error; warnings come back with the 200.
func (h *SessionHandler) CompleteStep(w http.ResponseWriter, r *http.Request) {
	p, err := caller(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	var req StepRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	completed := req.Completed == nil || *req.Completed
	if string(req.Data) == "null" {
		req.Data = nil
	}

	result, err := h.svc.CompleteStep(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "step"), completed, req.Data, p.UserID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// MedicationsRequest is the body of PUT /sessions/{id}/medications
type MedicationsRequest struct {
	Medications []mtr.Medication `json:"medications"`
}

// UpdateMedications handles PUT /sessions/{id}/medications
func (h *SessionHandler) UpdateMedications(w http.ResponseWriter, r *http.Request) {
	p, err := caller(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	var req MedicationsRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	session, err := h.svc.UpdateMedications(r.Context(), chi.URLParam(r, "id"), req.Medications, p.UserID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// SetPlan handles PUT /sessions/{id}/plan
func (h *SessionHandler) SetPlan(w http.ResponseWriter, r *http.Request) {
	p, err := caller(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	plan := &mtr.TherapyPlan{}
	if err := decode(r, plan); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	session, err := h.svc.SetPlan(r.Context(), chi.URLParam(r, "id"), plan, p.UserID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// ConsentRequest is the body of PUT /sessions/{id}/consent
type ConsentRequest struct {
	PatientConsent        bool `json:"patientConsent"`
	ConfidentialityAgreed bool `json:"confidentialityAgreed"`
}

// UpdateConsent handles PUT /sessions/{id}/consent
func (h *SessionHandler) UpdateConsent(w http.ResponseWriter, r *http.Request) {
	p, err := caller(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	var req ConsentRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	session, err := h.svc.UpdateConsent(r.Context(), chi.URLParam(r, "id"), req.PatientConsent, req.ConfidentialityAgreed, p.UserID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// AssessInteractions handles POST /sessions/{id}/interactions
func (h *SessionHandler) AssessInteractions(w http.ResponseWriter, r *http.Request) {
	p, err := caller(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	result, err := h.svc.RunInteractionAssessment(r.Context(), chi.URLParam(r, "id"), p.UserID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Complete handles POST /sessions/{id}/complete
func (h *SessionHandler) Complete(w http.ResponseWriter, r *http.Request) {
	h.statusChange(w, r, h.svc.CompleteSession)
}

// Hold handles POST /sessions/{id}/hold
func (h *SessionHandler) Hold(w http.ResponseWriter, r *http.Request) {
	h.statusChange(w, r, h.svc.HoldSession)
}

// Resume handles POST /sessions/{id}/resume
func (h *SessionHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.statusChange(w, r, h.svc.ResumeSession)
}

// CancelRequest is the body of POST /sessions/{id}/cancel
type CancelRequest struct {
	Reason string `json:"reason"`
}

// Cancel handles POST /sessions/{id}/cancel
func (h *SessionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	p, err := caller(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	var req CancelRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	session, err := h.svc.CancelSession(r.Context(), chi.URLParam(r, "id"), req.Reason, p.UserID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

type sessionOp func(ctx context.Context, sessionID, userID string) (*mtr.Session, error)

func (h *SessionHandler) statusChange(w http.ResponseWriter, r *http.Request, op sessionOp) {
	p, err := caller(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	session, err := op(r.Context(), chi.URLParam(r, "id"), p.UserID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}
