// Package mtr implements the clinical records of a medication therapy review:
// sessions, drug therapy problems, interventions and follow-ups.
package mtr

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalidTransition is returned when a lifecycle change is not allowed
// from the current status.
var ErrInvalidTransition = errors.New("invalid status transition")

// Status represents session status
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusOnHold     Status = "on_hold"
)

// ActiveStatuses are the statuses that count toward the one-active-session rule
var ActiveStatuses = []Status{StatusInProgress, StatusOnHold}

// Priority represents session priority
type Priority string

const (
	PriorityRoutine  Priority = "routine"
	PriorityUrgent   Priority = "urgent"
	PriorityHighRisk Priority = "high_risk"
)

// ReviewType represents the kind of review
type ReviewType string

const (
	ReviewTypeInitial  ReviewType = "initial"
	ReviewTypeFollowUp ReviewType = "follow_up"
	ReviewTypeAnnual   ReviewType = "annual"
	ReviewTypeTargeted ReviewType = "targeted"
)

// MedicationCategory classifies a medication entry
type MedicationCategory string

const (
	MedicationPrescribed MedicationCategory = "prescribed"
	MedicationOTC        MedicationCategory = "otc"
	MedicationHerbal     MedicationCategory = "herbal"
	MedicationSupplement MedicationCategory = "supplement"
)

// Strength is a medication strength
type Strength struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
}

// Instructions describes how a medication is taken
type Instructions struct {
	Dose      string `json:"dose"`
	Frequency string `json:"frequency"`
	Route     string `json:"route"`
	Duration  string `json:"duration,omitempty"`
}

// Medication is one entry of the patient's medication list
type Medication struct {
	DrugName       string             `json:"drugName"`
	GenericName    string             `json:"genericName,omitempty"`
	Strength       Strength           `json:"strength"`
	DosageForm     string             `json:"dosageForm"`
	Instructions   Instructions       `json:"instructions"`
	Category       MedicationCategory `json:"category"`
	PrescribedBy   string             `json:"prescribedBy,omitempty"`
	StartDate      *time.Time         `json:"startDate,omitempty"`
	EndDate        *time.Time         `json:"endDate,omitempty"`
	Indication     string             `json:"indication"`
	AdherenceScore *int               `json:"adherenceScore,omitempty"`
	Notes          string             `json:"notes,omitempty"`
}

// Recommendation is a single therapy plan recommendation
type Recommendation struct {
	Type            string `json:"type"`
	Medication      string `json:"medication,omitempty"`
	Rationale       string `json:"rationale"`
	Priority        string `json:"priority"`
	ExpectedOutcome string `json:"expectedOutcome"`
}

// MonitoringParameter is a monitoring plan entry
type MonitoringParameter struct {
	Parameter   string `json:"parameter"`
	Frequency   string `json:"frequency"`
	TargetValue string `json:"targetValue,omitempty"`
	Notes       string `json:"notes,omitempty"`
}

// TherapyGoal is a measurable goal of the plan
type TherapyGoal struct {
	Description string     `json:"description"`
	TargetDate  *time.Time `json:"targetDate,omitempty"`
	Achieved    bool       `json:"achieved"`
}

// TherapyPlan is the pharmacist's plan for the review
type TherapyPlan struct {
	Recommendations  []Recommendation      `json:"recommendations"`
	MonitoringPlan   []MonitoringParameter `json:"monitoringPlan,omitempty"`
	CounselingPoints []string              `json:"counselingPoints,omitempty"`
	Goals            []TherapyGoal         `json:"goals,omitempty"`
	Timeline         string                `json:"timeline,omitempty"`
	PharmacistNotes  string                `json:"pharmacistNotes,omitempty"`
}

// ClinicalOutcomes tracks what the review achieved
type ClinicalOutcomes struct {
	ProblemsResolved     int      `json:"problemsResolved"`
	MedicationsOptimized int      `json:"medicationsOptimized"`
	AdherenceImproved    bool     `json:"adherenceImproved"`
	AdverseEventsReduced bool     `json:"adverseEventsReduced"`
	CostSavings          *float64 `json:"costSavings,omitempty"`
}

// Session is one medication therapy review episode for one patient
type Session struct {
	ID           string `json:"id"`
	WorkplaceID  string `json:"workplaceId"`
	PatientID    string `json:"patientId"`
	PharmacistID string `json:"pharmacistId"`
	ReviewNumber string `json:"reviewNumber"`

	Status         Status     `json:"status"`
	Priority       Priority   `json:"priority"`
	ReviewType     ReviewType `json:"reviewType"`
	ReferralSource string     `json:"referralSource,omitempty"`
	ReviewReason   string     `json:"reviewReason,omitempty"`
	CancelReason   string     `json:"cancelReason,omitempty"`

	Steps       Steps        `json:"steps"`
	Medications []Medication `json:"medications"`
	Plan        *TherapyPlan `json:"plan,omitempty"`

	Problems      []string `json:"problems"`
	Interventions []string `json:"interventions"`
	FollowUps     []string `json:"followUps"`

	ClinicalOutcomes      ClinicalOutcomes `json:"clinicalOutcomes"`
	PatientConsent        bool             `json:"patientConsent"`
	ConfidentialityAgreed bool             `json:"confidentialityAgreed"`
	InteractionsCheckedAt *time.Time       `json:"interactionsCheckedAt,omitempty"`

	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	CreatedBy   string     `json:"createdBy"`
	UpdatedBy   string     `json:"updatedBy,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	IsDeleted   bool       `json:"isDeleted"`

	// Version is bumped by the store on every successful update
	Version int `json:"version"`
}

// SessionOptions carries the optional fields of a new session
type SessionOptions struct {
	Priority              Priority
	ReviewType            ReviewType
	ReferralSource        string
	ReviewReason          string
	PatientConsent        bool
	ConfidentialityAgreed bool
}

// NewSession creates an in-progress session with every step open
func NewSession(id, workplaceID, patientID, pharmacistID, reviewNumber string, opts SessionOptions, at time.Time) *Session {
	if opts.Priority == "" {
		opts.Priority = PriorityRoutine
	}
	if opts.ReviewType == "" {
		opts.ReviewType = ReviewTypeInitial
	}
	return &Session{
		ID:                    id,
		WorkplaceID:           workplaceID,
		PatientID:             patientID,
		PharmacistID:          pharmacistID,
		ReviewNumber:          reviewNumber,
		Status:                StatusInProgress,
		Priority:              opts.Priority,
		ReviewType:            opts.ReviewType,
		ReferralSource:        opts.ReferralSource,
		ReviewReason:          opts.ReviewReason,
		Medications:           []Medication{},
		Problems:              []string{},
		Interventions:         []string{},
		FollowUps:             []string{},
		PatientConsent:        opts.PatientConsent,
		ConfidentialityAgreed: opts.ConfidentialityAgreed,
		StartedAt:             at,
		CreatedBy:             pharmacistID,
		CreatedAt:             at,
		UpdatedAt:             at,
	}
}

// Validate checks field-level rules and returns every violation
func (s *Session) Validate() []string {
	var errs []string
	if s.PatientID == "" {
		errs = append(errs, "patientId is required")
	}
	if s.WorkplaceID == "" {
		errs = append(errs, "workplaceId is required")
	}
	switch s.Priority {
	case PriorityRoutine, PriorityUrgent, PriorityHighRisk:
	default:
		errs = append(errs, fmt.Sprintf("invalid priority: %s", s.Priority))
	}
	switch s.ReviewType {
	case ReviewTypeInitial, ReviewTypeFollowUp, ReviewTypeAnnual, ReviewTypeTargeted:
	default:
		errs = append(errs, fmt.Sprintf("invalid review type: %s", s.ReviewType))
	}
	if len(s.ReviewReason) > 500 {
		errs = append(errs, "reviewReason cannot exceed 500 characters")
	}
	return errs
}

// IsActive reports whether the session counts as the patient's active review
func (s *Session) IsActive() bool {
	return s.Status == StatusInProgress || s.Status == StatusOnHold
}

// MarkStepComplete marks step completed at the given time and stores data
func (s *Session) MarkStepComplete(step Step, data json.RawMessage, at time.Time) {
	st := s.Steps.State(step)
	if st == nil {
		return
	}
	st.Completed = true
	st.CompletedAt = &at
	if data != nil {
		st.Data = data
	}
	s.UpdatedAt = at
}

// MarkStepIncomplete clears completion; data replaces the stored data when non-nil
func (s *Session) MarkStepIncomplete(step Step, data json.RawMessage, at time.Time) {
	st := s.Steps.State(step)
	if st == nil {
		return
	}
	st.Completed = false
	st.CompletedAt = nil
	if data != nil {
		st.Data = data
	}
	s.UpdatedAt = at
}

// CompletionPercentage is completed steps over total steps, rounded
func (s *Session) CompletionPercentage() int {
	return int(math.Round(float64(s.Steps.CompletedCount()) / float64(StepCount) * 100))
}

// SetMedications replaces the medication list
func (s *Session) SetMedications(meds []Medication, at time.Time) {
	if meds == nil {
		meds = []Medication{}
	}
	s.Medications = meds
	s.UpdatedAt = at
}

// SetPlan assigns the therapy plan
func (s *Session) SetPlan(plan *TherapyPlan, at time.Time) {
	s.Plan = plan
	s.UpdatedAt = at
}

// AttachProblem records a problem reference
func (s *Session) AttachProblem(id string) { s.Problems = appendUnique(s.Problems, id) }

// AttachIntervention records an intervention reference
func (s *Session) AttachIntervention(id string) {
	s.Interventions = appendUnique(s.Interventions, id)
}

// AttachFollowUp records a follow-up reference
func (s *Session) AttachFollowUp(id string) { s.FollowUps = appendUnique(s.FollowUps, id) }

// Complete closes the review
func (s *Session) Complete(at time.Time) error {
	if s.Status != StatusInProgress {
		return fmt.Errorf("%w: cannot complete a %s session", ErrInvalidTransition, s.Status)
	}
	s.Status = StatusCompleted
	s.CompletedAt = &at
	s.UpdatedAt = at
	return nil
}

// Cancel terminates the review without completing it
func (s *Session) Cancel(reason string, at time.Time) error {
	if !s.IsActive() {
		return fmt.Errorf("%w: cannot cancel a %s session", ErrInvalidTransition, s.Status)
	}
	s.Status = StatusCancelled
	s.CancelReason = reason
	s.UpdatedAt = at
	return nil
}

// Hold pauses an in-progress review
func (s *Session) Hold(at time.Time) error {
	if s.Status != StatusInProgress {
		return fmt.Errorf("%w: cannot hold a %s session", ErrInvalidTransition, s.Status)
	}
	s.Status = StatusOnHold
	s.UpdatedAt = at
	return nil
}

// Resume continues a held review
func (s *Session) Resume(at time.Time) error {
	if s.Status != StatusOnHold {
		return fmt.Errorf("%w: cannot resume a %s session", ErrInvalidTransition, s.Status)
	}
	s.Status = StatusInProgress
	s.UpdatedAt = at
	return nil
}

// Duration is the elapsed time between start and completion
func (s *Session) Duration() time.Duration {
	if s.CompletedAt == nil {
		return 0
	}
	return s.CompletedAt.Sub(s.StartedAt)
}

// ReviewPeriod returns the YYYYMM period a review number is scoped to
func ReviewPeriod(t time.Time) string {
	return t.UTC().Format("200601")
}

// FormatReviewNumber builds MTR-YYYYMM-NNNN
func FormatReviewNumber(period string, seq int) string {
	return fmt.Sprintf("MTR-%s-%04d", period, seq)
}

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}
