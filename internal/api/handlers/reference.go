package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-mtr/internal/apperr"
	"github.com/drfirst/go-mtr/internal/domain/mtr"
	"github.com/drfirst/go-mtr/internal/drugdb"
	"github.com/drfirst/go-mtr/internal/interaction"
	"github.com/drfirst/go-mtr/internal/workflow"
)

// ReferenceHandler serves the stateless endpoints
type ReferenceHandler struct {
	checker *interaction.Checker
	kb      drugdb.Provider
	logger  *zap.Logger
}

// NewReferenceHandler creates a new handler
func NewReferenceHandler(checker *interaction.Checker, kb drugdb.Provider, logger *zap.Logger) *ReferenceHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReferenceHandler{checker: checker, kb: kb, logger: logger}
}

// Routes returns the handler routes
func (h *ReferenceHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/interactions/check", h.CheckInteractions)
	r.Get("/workflow/steps", h.Steps)
	r.Get("/knowledge-base", h.KnowledgeBase)
	return r
}

// CheckInteractions handles POST /interactions/check
func (h *ReferenceHandler) CheckInteractions(w http.ResponseWriter, r *http.Request) {
	var req MedicationsRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if len(req.Medications) == 0 {
		writeError(w, r, h.logger, apperr.Validation("medications are required"))
		return
	}
	writeJSON(w, http.StatusOK, h.checker.Check(req.Medications))
}

// Steps handles GET /workflow/steps
func (h *ReferenceHandler) Steps(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, workflow.Steps())
}

// KnowledgeBase handles GET /knowledge-base
func (h *ReferenceHandler) KnowledgeBase(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"version": h.kb.Current().Version(),
		"steps":   mtr.StepCount,
	})
}
