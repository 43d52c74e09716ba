package mtr

import (
	"fmt"
	"time"
)

// ProblemCategory is the top-level DTP classification
type ProblemCategory string

const (
	CategoryIndication    ProblemCategory = "indication"
	CategoryEffectiveness ProblemCategory = "effectiveness"
	CategorySafety        ProblemCategory = "safety"
	CategoryAdherence     ProblemCategory = "adherence"
)

// ProblemType is the specific kind of DTP
type ProblemType string

const (
	ProblemUnnecessary            ProblemType = "unnecessary"
	ProblemWrongDrug              ProblemType = "wrongDrug"
	ProblemDoseTooLow             ProblemType = "doseTooLow"
	ProblemDoseTooHigh            ProblemType = "doseTooHigh"
	ProblemAdverseReaction        ProblemType = "adverseReaction"
	ProblemInappropriateAdherence ProblemType = "inappropriateAdherence"
	ProblemNeedsAdditional        ProblemType = "needsAdditional"
	ProblemInteraction            ProblemType = "interaction"
	ProblemDuplication            ProblemType = "duplication"
	ProblemContraindication       ProblemType = "contraindication"
	ProblemMonitoring             ProblemType = "monitoring"
)

// Severity of a problem
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityMajor    Severity = "major"
	SeverityModerate Severity = "moderate"
	SeverityMinor    Severity = "minor"
)

// EvidenceLevel grades how certain the problem is
type EvidenceLevel string

const (
	EvidenceDefinite EvidenceLevel = "definite"
	EvidenceProbable EvidenceLevel = "probable"
	EvidencePossible EvidenceLevel = "possible"
	EvidenceUnlikely EvidenceLevel = "unlikely"
)

// ProblemStatus is the lifecycle status of a problem
type ProblemStatus string

const (
	ProblemIdentified      ProblemStatus = "identified"
	ProblemAddressed       ProblemStatus = "addressed"
	ProblemUnderMonitoring ProblemStatus = "monitoring"
	ProblemResolved        ProblemStatus = "resolved"
	ProblemNotApplicable   ProblemStatus = "not_applicable"
)

// ProblemPriority is derived from severity and evidence
type ProblemPriority string

const (
	ProblemPriorityHigh   ProblemPriority = "high"
	ProblemPriorityMedium ProblemPriority = "medium"
	ProblemPriorityLow    ProblemPriority = "low"
)

const (
	maxDescriptionLength    = 1000
	maxSignificanceLength   = 1000
	minCriticalDescription  = 20
	minDefiniteSignificance = 20
	maxListElementLength    = 200
)

// Resolution records how a problem was closed
type Resolution struct {
	Action     string     `json:"action"`
	Outcome    string     `json:"outcome"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
	ResolvedBy string     `json:"resolvedBy,omitempty"`
}

// Problem is a drug therapy problem identified during a review
type Problem struct {
	ID          string `json:"id"`
	WorkplaceID string `json:"workplaceId"`
	PatientID   string `json:"patientId"`
	ReviewID    string `json:"reviewId"`

	Category             ProblemCategory `json:"category"`
	Subcategory          string          `json:"subcategory,omitempty"`
	Type                 ProblemType     `json:"type"`
	Severity             Severity        `json:"severity"`
	Description          string          `json:"description"`
	ClinicalSignificance string          `json:"clinicalSignificance"`
	AffectedMedications  []string        `json:"affectedMedications"`
	RelatedConditions    []string        `json:"relatedConditions"`
	EvidenceLevel        EvidenceLevel   `json:"evidenceLevel"`
	RiskFactors          []string        `json:"riskFactors"`

	Status     ProblemStatus `json:"status"`
	Resolution *Resolution   `json:"resolution,omitempty"`

	IdentifiedBy string    `json:"identifiedBy"`
	IdentifiedAt time.Time `json:"identifiedAt"`
	UpdatedBy    string    `json:"updatedBy,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	IsDeleted    bool      `json:"isDeleted"`
}

// Priority derives the working priority from severity and evidence level
func (p *Problem) Priority() ProblemPriority {
	switch p.Severity {
	case SeverityCritical:
		return ProblemPriorityHigh
	case SeverityMajor:
		if p.EvidenceLevel == EvidenceDefinite || p.EvidenceLevel == EvidenceProbable {
			return ProblemPriorityHigh
		}
		return ProblemPriorityMedium
	case SeverityModerate:
		if p.EvidenceLevel == EvidenceDefinite {
			return ProblemPriorityMedium
		}
	}
	return ProblemPriorityLow
}

// Validate checks every field rule and returns all violations
func (p *Problem) Validate() []string {
	var errs []string

	if p.ReviewID == "" {
		errs = append(errs, "reviewId is required")
	}
	if p.PatientID == "" {
		errs = append(errs, "patientId is required")
	}

	switch p.Category {
	case CategoryIndication, CategoryEffectiveness, CategorySafety, CategoryAdherence:
	default:
		errs = append(errs, fmt.Sprintf("invalid category: %s", p.Category))
	}
	if !validProblemType(p.Type) {
		errs = append(errs, fmt.Sprintf("invalid problem type: %s", p.Type))
	}
	switch p.Severity {
	case SeverityCritical, SeverityMajor, SeverityModerate, SeverityMinor:
	default:
		errs = append(errs, fmt.Sprintf("invalid severity: %s", p.Severity))
	}
	switch p.EvidenceLevel {
	case EvidenceDefinite, EvidenceProbable, EvidencePossible, EvidenceUnlikely:
	default:
		errs = append(errs, fmt.Sprintf("invalid evidence level: %s", p.EvidenceLevel))
	}
	if !validProblemStatus(p.Status) {
		errs = append(errs, fmt.Sprintf("invalid status: %s", p.Status))
	}

	if p.Description == "" {
		errs = append(errs, "description is required")
	} else if len(p.Description) > maxDescriptionLength {
		errs = append(errs, fmt.Sprintf("description cannot exceed %d characters", maxDescriptionLength))
	}
	if p.Severity == SeverityCritical && len(p.Description) < minCriticalDescription {
		errs = append(errs, fmt.Sprintf("critical problems require a detailed description (at least %d characters)", minCriticalDescription))
	}
	if len(p.ClinicalSignificance) > maxSignificanceLength {
		errs = append(errs, fmt.Sprintf("clinicalSignificance cannot exceed %d characters", maxSignificanceLength))
	}
	if p.EvidenceLevel == EvidenceDefinite && len(p.ClinicalSignificance) < minDefiniteSignificance {
		errs = append(errs, fmt.Sprintf("definite evidence requires a clinical significance explanation (at least %d characters)", minDefiniteSignificance))
	}

	errs = append(errs, checkListLengths("affectedMedications", p.AffectedMedications)...)
	errs = append(errs, checkListLengths("relatedConditions", p.RelatedConditions)...)
	errs = append(errs, checkListLengths("riskFactors", p.RiskFactors)...)

	return errs
}

// SetStatus transitions the problem, keeping the resolution in step with it
func (p *Problem) SetStatus(status ProblemStatus, by string, at time.Time) error {
	if !validProblemStatus(status) {
		return fmt.Errorf("invalid status: %s", status)
	}
	if status == ProblemResolved {
		if p.Resolution == nil {
			p.Resolution = &Resolution{}
		}
		p.Resolution.ResolvedAt = &at
		p.Resolution.ResolvedBy = by
	} else if p.Status == ProblemResolved && p.Resolution != nil {
		p.Resolution.ResolvedAt = nil
		p.Resolution.ResolvedBy = ""
	}
	p.Status = status
	p.UpdatedBy = by
	p.UpdatedAt = at
	return nil
}

// Resolve closes the problem with the given action and outcome
func (p *Problem) Resolve(action, outcome, by string, at time.Time) {
	p.Resolution = &Resolution{Action: action, Outcome: outcome}
	_ = p.SetStatus(ProblemResolved, by, at)
}

// Reopen returns a problem to identified
func (p *Problem) Reopen(by string, at time.Time) {
	_ = p.SetStatus(ProblemIdentified, by, at)
}

// ParseProblemStatus validates a status string
func ParseProblemStatus(s string) (ProblemStatus, bool) {
	st := ProblemStatus(s)
	return st, validProblemStatus(st)
}

func validProblemType(t ProblemType) bool {
	switch t {
	case ProblemUnnecessary, ProblemWrongDrug, ProblemDoseTooLow, ProblemDoseTooHigh,
		ProblemAdverseReaction, ProblemInappropriateAdherence, ProblemNeedsAdditional,
		ProblemInteraction, ProblemDuplication, ProblemContraindication, ProblemMonitoring:
		return true
	}
	return false
}

func validProblemStatus(s ProblemStatus) bool {
	switch s {
	case ProblemIdentified, ProblemAddressed, ProblemUnderMonitoring, ProblemResolved, ProblemNotApplicable:
		return true
	}
	return false
}

func checkListLengths(field string, items []string) []string {
	var errs []string
	for i, item := range items {
		if len(item) > maxListElementLength {
			errs = append(errs, fmt.Sprintf("%s[%d] cannot exceed %d characters", field, i, maxListElementLength))
		}
	}
	return errs
}
