package mtr

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of audit event
type EventType string

const (
	EventSessionCreated       EventType = "MTRSessionCreated"
	EventStepCompleted        EventType = "MTRStepCompleted"
	EventStepReopened         EventType = "MTRStepReopened"
	EventMedicationsUpdated   EventType = "MTRMedicationsUpdated"
	EventPlanUpdated          EventType = "MTRPlanUpdated"
	EventConsentUpdated       EventType = "MTRConsentUpdated"
	EventInteractionsChecked  EventType = "MTRInteractionsChecked"
	EventSessionHeld          EventType = "MTRSessionHeld"
	EventSessionResumed       EventType = "MTRSessionResumed"
	EventSessionCancelled     EventType = "MTRSessionCancelled"
	EventSessionCompleted     EventType = "MTRSessionCompleted"
	EventProblemCreated       EventType = "DTPCreated"
	EventProblemStatusChanged EventType = "DTPStatusChanged"
	EventInterventionCreated  EventType = "InterventionCreated"
	EventInterventionOutcome  EventType = "InterventionOutcomeRecorded"
	EventInterventionFollowUp EventType = "InterventionFollowUpCompleted"
	EventFollowUpCreated      EventType = "FollowUpCreated"
	EventFollowUpCompleted    EventType = "FollowUpCompleted"
	EventFollowUpRescheduled  EventType = "FollowUpRescheduled"
)

// Aggregate types carried on events
const (
	AggregateSession      = "MTRSession"
	AggregateProblem      = "DrugTherapyProblem"
	AggregateIntervention = "Intervention"
	AggregateFollowUp     = "FollowUp"
)

// Event is an audit record of a change to one MTR entity
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Timestamp     time.Time       `json:"timestamp"`
	UserID        string          `json:"user_id,omitempty"`
	WorkplaceID   string          `json:"workplace_id,omitempty"`
	PatientID     string          `json:"patient_id,omitempty"`
	ReviewID      string          `json:"review_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// NewEvent creates a new event
func NewEvent(aggregateType, aggregateID string, eventType EventType, data interface{}) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		EventData:     eventData,
		Timestamp:     time.Now().UTC(),
	}, nil
}

// WithAuditInfo sets who acted and on which tenant, patient and review
func (e *Event) WithAuditInfo(userID, workplaceID, patientID, reviewID string) *Event {
	e.UserID = userID
	e.WorkplaceID = workplaceID
	e.PatientID = patientID
	e.ReviewID = reviewID
	return e
}

// SessionCreatedData contains session creation details
type SessionCreatedData struct {
	ReviewNumber string     `json:"review_number"`
	PatientID    string     `json:"patient_id"`
	PharmacistID string     `json:"pharmacist_id"`
	Priority     Priority   `json:"priority"`
	ReviewType   ReviewType `json:"review_type"`
}

// StepChangedData contains step completion details
type StepChangedData struct {
	Step                 string   `json:"step"`
	Completed            bool     `json:"completed"`
	CompletionPercentage int      `json:"completion_percentage"`
	Warnings             []string `json:"warnings,omitempty"`
}

// InteractionsCheckedData summarizes an interaction assessment
type InteractionsCheckedData struct {
	Severity           string `json:"severity"`
	Interactions       int    `json:"interactions"`
	DuplicateTherapies int    `json:"duplicate_therapies"`
	Contraindications  int    `json:"contraindications"`
	ProblemsCreated    int    `json:"problems_created"`
	KnowledgeVersion   string `json:"knowledge_version"`
}

// ProblemCreatedData contains problem details
type ProblemCreatedData struct {
	ProblemID           string          `json:"problem_id"`
	Type                ProblemType     `json:"type"`
	Severity            Severity        `json:"severity"`
	Priority            ProblemPriority `json:"priority"`
	AffectedMedications []string        `json:"affected_medications"`
	Generated           bool            `json:"generated"`
}

// StatusChangedData records a status transition
type StatusChangedData struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
}

// SessionCompletedData contains the closing summary of a review
type SessionCompletedData struct {
	ReviewNumber       string  `json:"review_number"`
	ProblemsCount      int     `json:"problems_count"`
	InterventionsCount int     `json:"interventions_count"`
	FollowUpsCount     int     `json:"follow_ups_count"`
	DurationSeconds    float64 `json:"duration_seconds"`
}

// EntityCreatedData identifies a created child entity
type EntityCreatedData struct {
	EntityID string `json:"entity_id"`
	Type     string `json:"type"`
	Priority string `json:"priority,omitempty"`
}
