// Package synthesizer turns interaction screening findings into drug
// therapy problem records.
package synthesizer

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/drfirst/go-mtr/internal/domain/mtr"
	"github.com/drfirst/go-mtr/internal/interaction"
)

const (
	subcategoryInteraction      = "Drug Interaction"
	subcategoryDuplicate        = "Duplicate Therapy"
	subcategoryContraindication = "Contraindication"
)

// Owner identifies the review the generated problems belong to
type Owner struct {
	ReviewID     string
	PatientID    string
	WorkplaceID  string
	IdentifiedBy string
}

// Generate returns one unsaved problem per finding, in report order.
// Calling it twice on the same report yields equivalent problems with new ids.
func Generate(report *interaction.Report, owner Owner, at time.Time) []*mtr.Problem {
	if report == nil {
		return nil
	}
	problems := make([]*mtr.Problem, 0, report.FindingCount())

	for _, in := range report.Interactions {
		p := newProblem(owner, at)
		p.Category = mtr.CategorySafety
		p.Subcategory = subcategoryInteraction
		p.Type = mtr.ProblemInteraction
		p.Severity = in.Severity
		p.Description = fmt.Sprintf("Drug interaction between %s and %s: %s", in.Drug1, in.Drug2, in.ClinicalEffect)
		p.ClinicalSignificance = fmt.Sprintf("%s. Management: %s", in.Mechanism, in.Management)
		p.AffectedMedications = []string{in.Drug1, in.Drug2}
		problems = append(problems, p)
	}

	for _, dup := range report.DuplicateTherapies {
		p := newProblem(owner, at)
		p.Category = mtr.CategoryIndication
		p.Subcategory = subcategoryDuplicate
		p.Type = mtr.ProblemDuplication
		p.Severity = mtr.SeverityModerate
		p.Description = fmt.Sprintf("Duplicate therapy detected in %s class: %s", dup.Class, strings.Join(dup.Medications, ", "))
		p.ClinicalSignificance = fmt.Sprintf("%s. Recommendation: %s", dup.Risk, dup.Recommendation)
		p.AffectedMedications = append([]string(nil), dup.Medications...)
		problems = append(problems, p)
	}

	for _, ci := range report.Contraindications {
		p := newProblem(owner, at)
		p.Category = mtr.CategorySafety
		p.Subcategory = subcategoryContraindication
		p.Type = mtr.ProblemContraindication
		p.Severity = interaction.ContraindicationSeverity(ci.Severity)
		p.Description = fmt.Sprintf("%s is contraindicated in %s: %s", ci.Medication, ci.Condition, ci.Reason)
		p.ClinicalSignificance = fmt.Sprintf("%s contraindication. %s", ci.Severity, ci.Reason)
		if len(ci.Alternatives) > 0 {
			p.ClinicalSignificance += ". Alternatives: " + strings.Join(ci.Alternatives, ", ")
		}
		p.AffectedMedications = []string{ci.Medication}
		p.RelatedConditions = []string{ci.Condition}
		problems = append(problems, p)
	}

	return problems
}

func newProblem(owner Owner, at time.Time) *mtr.Problem {
	return &mtr.Problem{
		ID:                uuid.New().String(),
		WorkplaceID:       owner.WorkplaceID,
		PatientID:         owner.PatientID,
		ReviewID:          owner.ReviewID,
		EvidenceLevel:     mtr.EvidenceDefinite,
		Status:            mtr.ProblemIdentified,
		RelatedConditions: []string{},
		RiskFactors:       []string{},
		IdentifiedBy:      owner.IdentifiedBy,
		IdentifiedAt:      at,
		CreatedAt:         at,
		UpdatedAt:         at,
	}
}
