package mtr

import (
	"encoding/json"
	"fmt"
	"time"
)

// Step is one of the six workflow stages of a review
type Step int

const (
	StepPatientSelection Step = iota
	StepMedicationHistory
	StepTherapyAssessment
	StepPlanDevelopment
	StepInterventions
	StepFollowUp
)

// AllSteps lists the steps in declared order
var AllSteps = [...]Step{
	StepPatientSelection,
	StepMedicationHistory,
	StepTherapyAssessment,
	StepPlanDevelopment,
	StepInterventions,
	StepFollowUp,
}

// StepCount is the number of workflow steps
const StepCount = len(AllSteps)

// Key returns the wire name of the step
func (s Step) Key() string {
	switch s {
	case StepPatientSelection:
		return "patientSelection"
	case StepMedicationHistory:
		return "medicationHistory"
	case StepTherapyAssessment:
		return "therapyAssessment"
	case StepPlanDevelopment:
		return "planDevelopment"
	case StepInterventions:
		return "interventions"
	case StepFollowUp:
		return "followUp"
	}
	return fmt.Sprintf("Step(%d)", int(s))
}

func (s Step) String() string { return s.Key() }

// Valid reports whether s is a declared step
func (s Step) Valid() bool {
	return s >= StepPatientSelection && s <= StepFollowUp
}

// ParseStep resolves a wire name to a step
func ParseStep(name string) (Step, bool) {
	for _, s := range AllSteps {
		if s.Key() == name {
			return s, true
		}
	}
	return 0, false
}

// MarshalText encodes the step as its key
func (s Step) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid step %d", int(s))
	}
	return []byte(s.Key()), nil
}

// UnmarshalText decodes a step key
func (s *Step) UnmarshalText(text []byte) error {
	step, ok := ParseStep(string(text))
	if !ok {
		return fmt.Errorf("invalid step name: %s", text)
	}
	*s = step
	return nil
}

// StepState is the completion state of a single step
type StepState struct {
	Completed   bool            `json:"completed"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// Steps holds the state of every workflow step
type Steps struct {
	PatientSelection  StepState `json:"patientSelection"`
	MedicationHistory StepState `json:"medicationHistory"`
	TherapyAssessment StepState `json:"therapyAssessment"`
	PlanDevelopment   StepState `json:"planDevelopment"`
	Interventions     StepState `json:"interventions"`
	FollowUp          StepState `json:"followUp"`
}

// State returns a pointer to the state of step, or nil for an unknown step
func (s *Steps) State(step Step) *StepState {
	switch step {
	case StepPatientSelection:
		return &s.PatientSelection
	case StepMedicationHistory:
		return &s.MedicationHistory
	case StepTherapyAssessment:
		return &s.TherapyAssessment
	case StepPlanDevelopment:
		return &s.PlanDevelopment
	case StepInterventions:
		return &s.Interventions
	case StepFollowUp:
		return &s.FollowUp
	}
	return nil
}

// IsCompleted reports whether step is marked complete
func (s Steps) IsCompleted(step Step) bool {
	st := s.State(step)
	return st != nil && st.Completed
}

// CompletedCount returns how many steps are complete
func (s Steps) CompletedCount() int {
	n := 0
	for _, step := range AllSteps {
		if s.IsCompleted(step) {
			n++
		}
	}
	return n
}
