// Package workflow implements the six-step MTR workflow: step definitions,
// dependency gating, per-step validation and completion checks.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/drfirst/go-mtr/internal/domain/mtr"
)

// Definition describes one workflow step
type Definition struct {
	Step         mtr.Step `json:"-"`
	Key          string   `json:"key"`
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	Required     bool     `json:"required"`
	Dependencies []string `json:"dependencies"`
	Order        int      `json:"order"`
}

// Define returns the static definition of a step
func Define(step mtr.Step) Definition {
	d := Definition{Step: step, Key: step.Key(), Order: int(step) + 1, Dependencies: []string{}}
	switch step {
	case mtr.StepPatientSelection:
		d.Title = "Patient Selection"
		d.Description = "Select the patient and record consent"
		d.Required = true
	case mtr.StepMedicationHistory:
		d.Title = "Medication History"
		d.Description = "Collect the complete medication list"
		d.Required = true
	case mtr.StepTherapyAssessment:
		d.Title = "Therapy Assessment"
		d.Description = "Screen for interactions and identify drug therapy problems"
		d.Required = true
	case mtr.StepPlanDevelopment:
		d.Title = "Plan Development"
		d.Description = "Develop the therapy plan and recommendations"
		d.Required = true
	case mtr.StepInterventions:
		d.Title = "Interventions"
		d.Description = "Document interventions with patient and prescribers"
		d.Required = true
	case mtr.StepFollowUp:
		d.Title = "Follow-Up"
		d.Description = "Schedule follow-up monitoring"
		d.Required = false
	}
	for _, dep := range dependencies(step) {
		d.Dependencies = append(d.Dependencies, dep.Key())
	}
	return d
}

func dependencies(step mtr.Step) []mtr.Step {
	switch step {
	case mtr.StepPatientSelection:
		return nil
	case mtr.StepMedicationHistory:
		return []mtr.Step{mtr.StepPatientSelection}
	case mtr.StepTherapyAssessment:
		return []mtr.Step{mtr.StepMedicationHistory}
	case mtr.StepPlanDevelopment:
		return []mtr.Step{mtr.StepTherapyAssessment}
	case mtr.StepInterventions:
		return []mtr.Step{mtr.StepPlanDevelopment}
	case mtr.StepFollowUp:
		return []mtr.Step{mtr.StepInterventions}
	}
	return nil
}

// Steps returns every step definition in workflow order
func Steps() []Definition {
	defs := make([]Definition, 0, mtr.StepCount)
	for _, s := range mtr.AllSteps {
		defs = append(defs, Define(s))
	}
	return defs
}

// NextStep returns the first step, in workflow order, that is not complete
func NextStep(steps mtr.Steps) (Definition, bool) {
	for _, s := range mtr.AllSteps {
		if !steps.IsCompleted(s) {
			return Define(s), true
		}
	}
	return Definition{}, false
}

// ValidationResult is the outcome of a step or workflow check. Warnings
// never block.
type ValidationResult struct {
	IsValid    bool     `json:"isValid"`
	Errors     []string `json:"errors"`
	Warnings   []string `json:"warnings"`
	CanProceed bool     `json:"canProceed"`
}

func (r *ValidationResult) fail(msg string) { r.Errors = append(r.Errors, msg) }

func (r *ValidationResult) warn(msg string) { r.Warnings = append(r.Warnings, msg) }

func (r *ValidationResult) settle() *ValidationResult {
	r.IsValid = len(r.Errors) == 0
	r.CanProceed = r.IsValid
	return r
}

func newResult() *ValidationResult {
	return &ValidationResult{Errors: []string{}, Warnings: []string{}}
}

// Facts answers the questions step validation cannot answer from the
// session document alone.
type Facts interface {
	PatientExists(ctx context.Context, workplaceID, patientID string) (bool, error)
	CountActiveSessions(ctx context.Context, patientID, excludeSessionID string) (int, error)
	CountProblems(ctx context.Context, reviewID string) (int, error)
	CountInterventions(ctx context.Context, reviewID string) (int, error)
	CountFollowUpsRequired(ctx context.Context, reviewID string) (int, error)
	CountFollowUps(ctx context.Context, reviewID string) (int, error)
}

// Engine validates workflow steps
type Engine struct {
	facts Facts
}

// NewEngine creates an engine that reads facts from f
func NewEngine(f Facts) *Engine {
	return &Engine{facts: f}
}

// assessmentData is the optional payload of the therapy assessment step
type assessmentData struct {
	InteractionsChecked bool `json:"interactionsChecked"`
	NoProblemsConfirmed bool `json:"noProblemsConfirmed"`
}

// ValidateStep checks whether name may be completed on session. Rule
// violations are reported in the result; err is set only when a fact
// lookup fails.
func (e *Engine) ValidateStep(ctx context.Context, name string, session *mtr.Session, data json.RawMessage) (*ValidationResult, error) {
	res := newResult()

	step, ok := mtr.ParseStep(name)
	if !ok {
		res.fail(fmt.Sprintf("Invalid step name: %s", name))
		return res.settle(), nil
	}

	for _, dep := range dependencies(step) {
		if !session.Steps.IsCompleted(dep) {
			res.fail(fmt.Sprintf("Dependency not met: %s must be completed first", dep.Key()))
		}
	}

	if data == nil {
		data = session.Steps.State(step).Data
	}

	var err error
	switch step {
	case mtr.StepPatientSelection:
		err = e.validatePatientSelection(ctx, session, res)
	case mtr.StepMedicationHistory:
		validateMedicationHistory(session, res)
	case mtr.StepTherapyAssessment:
		err = e.validateTherapyAssessment(ctx, session, data, res)
	case mtr.StepPlanDevelopment:
		err = e.validatePlanDevelopment(ctx, session, res)
	case mtr.StepInterventions:
		err = e.validateInterventions(ctx, session, res)
	case mtr.StepFollowUp:
		err = e.validateFollowUp(ctx, session, res)
	}
	if err != nil {
		return nil, err
	}
	return res.settle(), nil
}

func (e *Engine) validatePatientSelection(ctx context.Context, s *mtr.Session, res *ValidationResult) error {
	exists, err := e.facts.PatientExists(ctx, s.WorkplaceID, s.PatientID)
	if err != nil {
		return fmt.Errorf("failed to look up patient: %w", err)
	}
	if !exists {
		res.fail("Patient not found")
	}
	if !s.PatientConsent {
		res.fail("Patient consent is required")
	}
	if !s.ConfidentialityAgreed {
		res.fail("Confidentiality agreement is required")
	}

	others, err := e.facts.CountActiveSessions(ctx, s.PatientID, s.ID)
	if err != nil {
		return fmt.Errorf("failed to count active sessions: %w", err)
	}
	if others > 0 {
		res.warn(fmt.Sprintf("Patient has %d other active MTR session(s)", others))
	}
	return nil
}

func validateMedicationHistory(s *mtr.Session, res *ValidationResult) {
	if len(s.Medications) == 0 {
		res.fail("At least one medication is required")
		return
	}

	seen := make(map[string]bool, len(s.Medications))
	reported := make(map[string]bool)
	for i, m := range s.Medications {
		n := i + 1
		if strings.TrimSpace(m.DrugName) == "" {
			res.fail(fmt.Sprintf("Medication %d: drug name is required", n))
		}
		if strings.TrimSpace(m.Indication) == "" {
			res.fail(fmt.Sprintf("Medication %d: indication is required", n))
		}
		if strings.TrimSpace(m.Instructions.Dose) == "" {
			res.fail(fmt.Sprintf("Medication %d: dose is required", n))
		}
		if strings.TrimSpace(m.Instructions.Frequency) == "" {
			res.fail(fmt.Sprintf("Medication %d: frequency is required", n))
		}

		key := strings.ToLower(strings.TrimSpace(m.DrugName))
		if key == "" {
			continue
		}
		if seen[key] && !reported[key] {
			res.warn(fmt.Sprintf("Duplicate medication detected: %s", m.DrugName))
			reported[key] = true
		}
		seen[key] = true
	}
}

func (e *Engine) validateTherapyAssessment(ctx context.Context, s *mtr.Session, data json.RawMessage, res *ValidationResult) error {
	var payload assessmentData
	if len(data) > 0 {
		// unknown fields leave both flags unset; mistyped flags are rejected
		if err := json.Unmarshal(data, &payload); err != nil {
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &typeErr) {
				res.fail(fmt.Sprintf("Therapy assessment field %s must be a boolean", typeErr.Field))
			} else {
				res.fail("Therapy assessment data is not valid JSON")
			}
			return nil
		}
	}

	if s.InteractionsCheckedAt == nil && !payload.InteractionsChecked {
		res.warn("Drug interactions have not been checked")
	}

	problems, err := e.facts.CountProblems(ctx, s.ID)
	if err != nil {
		return fmt.Errorf("failed to count problems: %w", err)
	}
	if problems == 0 && !payload.NoProblemsConfirmed {
		res.warn("No drug therapy problems identified. Please confirm that no problems exist")
	}
	return nil
}

func (e *Engine) validatePlanDevelopment(ctx context.Context, s *mtr.Session, res *ValidationResult) error {
	if s.Plan == nil {
		res.fail("Therapy plan is required")
		return nil
	}

	problems, err := e.facts.CountProblems(ctx, s.ID)
	if err != nil {
		return fmt.Errorf("failed to count problems: %w", err)
	}
	if problems > 0 && len(s.Plan.Recommendations) == 0 {
		res.fail("At least one recommendation is required when problems are identified")
	}
	for i, rec := range s.Plan.Recommendations {
		if strings.TrimSpace(rec.Rationale) == "" {
			res.fail(fmt.Sprintf("Recommendation %d: rationale is required", i+1))
		}
		if strings.TrimSpace(rec.ExpectedOutcome) == "" {
			res.fail(fmt.Sprintf("Recommendation %d: expected outcome is required", i+1))
		}
	}
	return nil
}

func (e *Engine) validateInterventions(ctx context.Context, s *mtr.Session, res *ValidationResult) error {
	if s.Plan == nil || len(s.Plan.Recommendations) == 0 {
		return nil
	}
	n, err := e.facts.CountInterventions(ctx, s.ID)
	if err != nil {
		return fmt.Errorf("failed to count interventions: %w", err)
	}
	if n == 0 {
		res.warn("Plan has recommendations but no interventions have been recorded")
	}
	return nil
}

func (e *Engine) validateFollowUp(ctx context.Context, s *mtr.Session, res *ValidationResult) error {
	required, err := e.facts.CountFollowUpsRequired(ctx, s.ID)
	if err != nil {
		return fmt.Errorf("failed to count interventions requiring follow-up: %w", err)
	}
	if required == 0 {
		return nil
	}
	n, err := e.facts.CountFollowUps(ctx, s.ID)
	if err != nil {
		return fmt.Errorf("failed to count follow-ups: %w", err)
	}
	if n == 0 {
		res.warn("Interventions require follow-up but no follow-ups have been scheduled")
	}
	return nil
}

// CanCompleteWorkflow checks that every required step is complete and a
// plan exists.
func CanCompleteWorkflow(s *mtr.Session) *ValidationResult {
	res := newResult()
	for _, step := range mtr.AllSteps {
		d := Define(step)
		if d.Required && !s.Steps.IsCompleted(step) {
			res.fail(fmt.Sprintf("Required step not completed: %s", d.Title))
		}
	}
	if s.Plan == nil {
		res.fail("Therapy plan is required")
	}
	return res.settle()
}

// StepProgress is the state of one step for display
type StepProgress struct {
	Key         string     `json:"key"`
	Title       string     `json:"title"`
	Required    bool       `json:"required"`
	Completed   bool       `json:"completed"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Progress summarizes where a session stands in the workflow
type Progress struct {
	CompletionPercentage int            `json:"completionPercentage"`
	NextStep             *Definition    `json:"nextStep"`
	CanComplete          bool           `json:"canComplete"`
	Steps                []StepProgress `json:"steps"`
}

// ProgressOf computes the progress of a session
func ProgressOf(s *mtr.Session) *Progress {
	p := &Progress{
		CompletionPercentage: s.CompletionPercentage(),
		CanComplete:          CanCompleteWorkflow(s).CanProceed,
		Steps:                make([]StepProgress, 0, mtr.StepCount),
	}
	if next, ok := NextStep(s.Steps); ok {
		p.NextStep = &next
	}
	for _, step := range mtr.AllSteps {
		d := Define(step)
		st := s.Steps.State(step)
		p.Steps = append(p.Steps, StepProgress{
			Key:         d.Key,
			Title:       d.Title,
			Required:    d.Required,
			Completed:   st.Completed,
			CompletedAt: st.CompletedAt,
		})
	}
	return p
}
