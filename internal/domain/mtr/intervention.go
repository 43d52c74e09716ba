package mtr

import (
	"fmt"
	"time"
)

// InterventionType is the kind of pharmacist action
type InterventionType string

const (
	InterventionRecommendation InterventionType = "recommendation"
	InterventionCounseling     InterventionType = "counseling"
	InterventionMonitoring     InterventionType = "monitoring"
	InterventionCommunication  InterventionType = "communication"
	InterventionEducation      InterventionType = "education"
)

// InterventionCategory narrows the intervention type
type InterventionCategory string

const (
	InterventionMedicationChange InterventionCategory = "medication_change"
	InterventionDoseAdjustment   InterventionCategory = "dose_adjustment"
	InterventionDiscontinuation  InterventionCategory = "discontinuation"
	InterventionAddition         InterventionCategory = "addition"
	InterventionMonitoringPlan   InterventionCategory = "monitoring"
	InterventionCounselingPlan   InterventionCategory = "counseling"
	InterventionReferral         InterventionCategory = "referral"
)

// TargetAudience is who the intervention is addressed to
type TargetAudience string

const (
	AudiencePatient        TargetAudience = "patient"
	AudiencePrescriber     TargetAudience = "prescriber"
	AudienceCaregiver      TargetAudience = "caregiver"
	AudienceHealthcareTeam TargetAudience = "healthcare_team"
)

// CommunicationMethod is how the intervention was delivered
type CommunicationMethod string

const (
	MethodVerbal   CommunicationMethod = "verbal"
	MethodWritten  CommunicationMethod = "written"
	MethodPhone    CommunicationMethod = "phone"
	MethodEmail    CommunicationMethod = "email"
	MethodFax      CommunicationMethod = "fax"
	MethodInPerson CommunicationMethod = "in_person"
)

// InterventionOutcome is the response to the intervention
type InterventionOutcome string

const (
	OutcomeAccepted      InterventionOutcome = "accepted"
	OutcomeRejected      InterventionOutcome = "rejected"
	OutcomeModified      InterventionOutcome = "modified"
	OutcomePending       InterventionOutcome = "pending"
	OutcomeNotApplicable InterventionOutcome = "not_applicable"
)

// Urgency drives the default follow-up date
type Urgency string

const (
	UrgencyImmediate  Urgency = "immediate"
	UrgencyWithin24h  Urgency = "within_24h"
	UrgencyWithinWeek Urgency = "within_week"
	UrgencyRoutine    Urgency = "routine"
)

// WorkPriority is the priority of interventions and follow-ups
type WorkPriority string

const (
	WorkPriorityHigh   WorkPriority = "high"
	WorkPriorityMedium WorkPriority = "medium"
	WorkPriorityLow    WorkPriority = "low"
)

const minHighPriorityDocumentation = 20

// Intervention is one documented pharmacist action tied to a review
type Intervention struct {
	ID          string `json:"id"`
	WorkplaceID string `json:"workplaceId"`
	PatientID   string `json:"patientId"`
	ReviewID    string `json:"reviewId"`
	ProblemID   string `json:"problemId,omitempty"`

	Type                InterventionType     `json:"type"`
	Category            InterventionCategory `json:"category"`
	Description         string               `json:"description"`
	Rationale           string               `json:"rationale,omitempty"`
	TargetAudience      TargetAudience       `json:"targetAudience"`
	CommunicationMethod CommunicationMethod  `json:"communicationMethod"`
	Documentation       string               `json:"documentation"`
	Priority            WorkPriority         `json:"priority"`
	Urgency             Urgency              `json:"urgency"`

	Outcome        InterventionOutcome `json:"outcome"`
	OutcomeDetails string              `json:"outcomeDetails,omitempty"`
	OutcomeAt      *time.Time          `json:"outcomeAt,omitempty"`

	FollowUpRequired  bool       `json:"followUpRequired"`
	FollowUpDate      *time.Time `json:"followUpDate,omitempty"`
	FollowUpCompleted bool       `json:"followUpCompleted"`

	PerformedBy string    `json:"performedBy"`
	PerformedAt time.Time `json:"performedAt"`
	UpdatedBy   string    `json:"updatedBy,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	IsDeleted   bool      `json:"isDeleted"`
}

// FollowUpOffset returns the default delay from an urgency level
func FollowUpOffset(u Urgency) time.Duration {
	switch u {
	case UrgencyImmediate:
		return 24 * time.Hour
	case UrgencyWithin24h:
		return 48 * time.Hour
	case UrgencyWithinWeek:
		return 7 * 24 * time.Hour
	default:
		return 14 * 24 * time.Hour
	}
}

// ApplyDefaults fills outcome, priority, urgency and a missing follow-up date
func (i *Intervention) ApplyDefaults() {
	if i.Outcome == "" {
		i.Outcome = OutcomePending
	}
	if i.Priority == "" {
		i.Priority = WorkPriorityMedium
	}
	if i.Urgency == "" {
		i.Urgency = UrgencyRoutine
	}
	if i.FollowUpRequired && i.FollowUpDate == nil {
		d := i.PerformedAt.Add(FollowUpOffset(i.Urgency))
		i.FollowUpDate = &d
	}
}

// Validate checks every field rule and returns all violations
func (i *Intervention) Validate() []string {
	var errs []string

	if i.ReviewID == "" {
		errs = append(errs, "reviewId is required")
	}
	switch i.Type {
	case InterventionRecommendation, InterventionCounseling, InterventionMonitoring,
		InterventionCommunication, InterventionEducation:
	default:
		errs = append(errs, fmt.Sprintf("invalid intervention type: %s", i.Type))
	}
	switch i.Category {
	case InterventionMedicationChange, InterventionDoseAdjustment, InterventionDiscontinuation,
		InterventionAddition, InterventionMonitoringPlan, InterventionCounselingPlan, InterventionReferral:
	default:
		errs = append(errs, fmt.Sprintf("invalid intervention category: %s", i.Category))
	}
	switch i.TargetAudience {
	case AudiencePatient, AudiencePrescriber, AudienceCaregiver, AudienceHealthcareTeam:
	default:
		errs = append(errs, fmt.Sprintf("invalid target audience: %s", i.TargetAudience))
	}
	switch i.CommunicationMethod {
	case MethodVerbal, MethodWritten, MethodPhone, MethodEmail, MethodFax, MethodInPerson:
	default:
		errs = append(errs, fmt.Sprintf("invalid communication method: %s", i.CommunicationMethod))
	}
	if !validOutcome(i.Outcome) {
		errs = append(errs, fmt.Sprintf("invalid outcome: %s", i.Outcome))
	}
	if !validWorkPriority(i.Priority) {
		errs = append(errs, fmt.Sprintf("invalid priority: %s", i.Priority))
	}
	switch i.Urgency {
	case UrgencyImmediate, UrgencyWithin24h, UrgencyWithinWeek, UrgencyRoutine:
	default:
		errs = append(errs, fmt.Sprintf("invalid urgency: %s", i.Urgency))
	}

	if i.Description == "" {
		errs = append(errs, "description is required")
	}
	if i.Priority == WorkPriorityHigh && len(i.Documentation) < minHighPriorityDocumentation {
		errs = append(errs, fmt.Sprintf("high priority interventions require detailed documentation (at least %d characters)", minHighPriorityDocumentation))
	}
	if i.FollowUpDate != nil && !i.FollowUpDate.After(i.PerformedAt) {
		errs = append(errs, "follow-up date must be after the intervention date")
	}

	return errs
}

// RecordOutcome stores the response to the intervention
func (i *Intervention) RecordOutcome(outcome InterventionOutcome, details, by string, at time.Time) error {
	if !validOutcome(outcome) {
		return fmt.Errorf("invalid outcome: %s", outcome)
	}
	i.Outcome = outcome
	i.OutcomeDetails = details
	i.OutcomeAt = &at
	i.UpdatedBy = by
	i.UpdatedAt = at
	return nil
}

// CompleteFollowUp marks the intervention's follow-up as done
func (i *Intervention) CompleteFollowUp(by string, at time.Time) {
	i.FollowUpCompleted = true
	i.UpdatedBy = by
	i.UpdatedAt = at
}

func validOutcome(o InterventionOutcome) bool {
	switch o {
	case OutcomeAccepted, OutcomeRejected, OutcomeModified, OutcomePending, OutcomeNotApplicable:
		return true
	}
	return false
}

func validWorkPriority(p WorkPriority) bool {
	switch p {
	case WorkPriorityHigh, WorkPriorityMedium, WorkPriorityLow:
		return true
	}
	return false
}
