package mtr

import (
	"fmt"
	"time"
)

// FollowUpType is the kind of follow-up contact
type FollowUpType string

const (
	FollowUpPhoneCall         FollowUpType = "phone_call"
	FollowUpAppointment       FollowUpType = "appointment"
	FollowUpLabReview         FollowUpType = "lab_review"
	FollowUpAdherenceCheck    FollowUpType = "adherence_check"
	FollowUpOutcomeAssessment FollowUpType = "outcome_assessment"
)

// FollowUpStatus is the lifecycle status of a follow-up
type FollowUpStatus string

const (
	FollowUpScheduled   FollowUpStatus = "scheduled"
	FollowUpInProgress  FollowUpStatus = "in_progress"
	FollowUpCompleted   FollowUpStatus = "completed"
	FollowUpMissed      FollowUpStatus = "missed"
	FollowUpRescheduled FollowUpStatus = "rescheduled"
	FollowUpCancelled   FollowUpStatus = "cancelled"
)

// ReminderType is the channel of a reminder
type ReminderType string

const (
	ReminderEmail  ReminderType = "email"
	ReminderSMS    ReminderType = "sms"
	ReminderPush   ReminderType = "push"
	ReminderSystem ReminderType = "system"
)

// defaultReminderOffsets are lead times before the scheduled date
var defaultReminderOffsets = []struct {
	Type   ReminderType
	Before time.Duration
}{
	{ReminderEmail, 24 * time.Hour},
	{ReminderSystem, 2 * time.Hour},
}

// Reminder is a scheduled notification for a follow-up
type Reminder struct {
	Type         ReminderType `json:"type"`
	ScheduledFor time.Time    `json:"scheduledFor"`
	Sent         bool         `json:"sent"`
	SentAt       *time.Time   `json:"sentAt,omitempty"`
}

// FollowUpOutcome records what happened at the follow-up
type FollowUpOutcome struct {
	Status            string   `json:"status"`
	Notes             string   `json:"notes"`
	NextActions       []string `json:"nextActions,omitempty"`
	AdherenceImproved bool     `json:"adherenceImproved"`
}

// Reschedule is a record of a date change
type Reschedule struct {
	From   time.Time `json:"from"`
	To     time.Time `json:"to"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// FollowUp is a scheduled monitoring or contact event tied to a review
type FollowUp struct {
	ID             string `json:"id"`
	WorkplaceID    string `json:"workplaceId"`
	PatientID      string `json:"patientId"`
	ReviewID       string `json:"reviewId"`
	InterventionID string `json:"interventionId,omitempty"`

	Type              FollowUpType   `json:"type"`
	Priority          WorkPriority   `json:"priority"`
	Description       string         `json:"description"`
	Objectives        []string       `json:"objectives"`
	ScheduledDate     time.Time      `json:"scheduledDate"`
	EstimatedDuration int            `json:"estimatedDuration"`
	AssignedTo        string         `json:"assignedTo"`
	Status            FollowUpStatus `json:"status"`

	Reminders   []Reminder       `json:"reminders"`
	Outcome     *FollowUpOutcome `json:"outcome,omitempty"`
	History     []Reschedule     `json:"rescheduleHistory,omitempty"`
	CompletedAt *time.Time       `json:"completedAt,omitempty"`

	CreatedBy string    `json:"createdBy"`
	UpdatedBy string    `json:"updatedBy,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	IsDeleted bool      `json:"isDeleted"`
}

// Prepare defaults the follow-up and schedules reminders. It fails with
// every violated rule when the follow-up is invalid as of now.
func (f *FollowUp) Prepare(now time.Time) []string {
	if f.Status == "" {
		f.Status = FollowUpScheduled
	}
	if f.Priority == "" {
		f.Priority = WorkPriorityMedium
	}
	if f.EstimatedDuration == 0 {
		f.EstimatedDuration = 30
	}

	errs := f.Validate()
	if !f.ScheduledDate.After(now) {
		errs = append(errs, "scheduled date cannot be in the past")
	}
	if len(errs) > 0 {
		return errs
	}

	if len(f.Reminders) == 0 {
		f.Reminders = defaultReminders(f.ScheduledDate, now)
	}
	f.CreatedAt = now
	f.UpdatedAt = now
	return nil
}

// Validate checks field rules that hold for the whole lifecycle
func (f *FollowUp) Validate() []string {
	var errs []string

	if f.ReviewID == "" {
		errs = append(errs, "reviewId is required")
	}
	switch f.Type {
	case FollowUpPhoneCall, FollowUpAppointment, FollowUpLabReview, FollowUpAdherenceCheck, FollowUpOutcomeAssessment:
	default:
		errs = append(errs, fmt.Sprintf("invalid follow-up type: %s", f.Type))
	}
	if !validWorkPriority(f.Priority) {
		errs = append(errs, fmt.Sprintf("invalid priority: %s", f.Priority))
	}
	if !validFollowUpStatus(f.Status) {
		errs = append(errs, fmt.Sprintf("invalid status: %s", f.Status))
	}
	if f.Description == "" {
		errs = append(errs, "description is required")
	}
	if f.ScheduledDate.IsZero() {
		errs = append(errs, "scheduled date is required")
	}
	if f.EstimatedDuration < 5 || f.EstimatedDuration > 480 {
		errs = append(errs, "estimated duration must be between 5 and 480 minutes")
	}
	if f.Priority == WorkPriorityHigh && len(f.Objectives) == 0 {
		errs = append(errs, "high priority follow-ups require at least one objective")
	}
	for i, r := range f.Reminders {
		if !r.ScheduledFor.Before(f.ScheduledDate) {
			errs = append(errs, fmt.Sprintf("reminder %d must be scheduled before the follow-up date", i+1))
		}
	}
	if f.Status == FollowUpCompleted && f.Outcome == nil {
		errs = append(errs, "completed follow-ups require an outcome")
	}

	return errs
}

// Complete records the outcome and closes the follow-up
func (f *FollowUp) Complete(outcome *FollowUpOutcome, by string, at time.Time) error {
	if outcome == nil || outcome.Status == "" {
		return fmt.Errorf("outcome is required to complete a follow-up")
	}
	if f.Status == FollowUpCancelled {
		return fmt.Errorf("%w: cannot complete a cancelled follow-up", ErrInvalidTransition)
	}
	f.Outcome = outcome
	return f.SetStatus(FollowUpCompleted, by, at)
}

// SetStatus moves the follow-up to status, keeping CompletedAt in step
func (f *FollowUp) SetStatus(status FollowUpStatus, by string, at time.Time) error {
	if !validFollowUpStatus(status) {
		return fmt.Errorf("invalid status: %s", status)
	}
	if status == FollowUpCompleted {
		if f.Outcome == nil {
			return fmt.Errorf("outcome is required to complete a follow-up")
		}
		f.CompletedAt = &at
	} else {
		f.CompletedAt = nil
	}
	f.Status = status
	f.UpdatedBy = by
	f.UpdatedAt = at
	return nil
}

// Reschedule moves the follow-up to a new date. Only scheduled or missed
// follow-ups can be rescheduled.
func (f *FollowUp) Reschedule(newDate time.Time, reason, by string, at time.Time) error {
	if f.Status != FollowUpScheduled && f.Status != FollowUpMissed {
		return fmt.Errorf("%w: cannot reschedule a %s follow-up", ErrInvalidTransition, f.Status)
	}
	if !newDate.After(at) {
		return fmt.Errorf("new date cannot be in the past")
	}
	f.History = append(f.History, Reschedule{From: f.ScheduledDate, To: newDate, Reason: reason, At: at})
	f.ScheduledDate = newDate
	f.Reminders = defaultReminders(newDate, at)
	f.Status = FollowUpRescheduled
	f.UpdatedBy = by
	f.UpdatedAt = at
	return nil
}

// ParseFollowUpStatus validates a status string
func ParseFollowUpStatus(s string) (FollowUpStatus, bool) {
	st := FollowUpStatus(s)
	return st, validFollowUpStatus(st)
}

func defaultReminders(scheduled, now time.Time) []Reminder {
	reminders := make([]Reminder, 0, len(defaultReminderOffsets))
	for _, d := range defaultReminderOffsets {
		at := scheduled.Add(-d.Before)
		if !at.After(now) {
			continue
		}
		reminders = append(reminders, Reminder{Type: d.Type, ScheduledFor: at})
	}
	return reminders
}

func validFollowUpStatus(s FollowUpStatus) bool {
	switch s {
	case FollowUpScheduled, FollowUpInProgress, FollowUpCompleted, FollowUpMissed, FollowUpRescheduled, FollowUpCancelled:
		return true
	}
	return false
}
