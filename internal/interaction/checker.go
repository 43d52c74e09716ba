// Package interaction screens a medication list against the drug knowledge
// base for pairwise interactions, duplicate therapy and contraindications.
package interaction

import (
	"github.com/drfirst/go-mtr/internal/domain/mtr"
	"github.com/drfirst/go-mtr/internal/drugdb"
)

// SeverityNone is the overall severity of a report without findings
const SeverityNone = "none"

// otherClass collects medications without a therapeutic class; it is
// never flagged as duplicate therapy.
const otherClass = "Other"

// Finding is an interaction between two medications of the list
type Finding struct {
	Drug1          string       `json:"drug1"`
	Drug2          string       `json:"drug2"`
	Severity       mtr.Severity `json:"severity"`
	Mechanism      string       `json:"mechanism"`
	ClinicalEffect string       `json:"clinicalEffect"`
	Management     string       `json:"management"`
	References     []string     `json:"references,omitempty"`
}

// DuplicateTherapy is a therapeutic class represented more than once
type DuplicateTherapy struct {
	Class          string   `json:"class"`
	Medications    []string `json:"medications"`
	Risk           string   `json:"risk"`
	Recommendation string   `json:"recommendation"`
}

// Contraindication is a contraindicated medication of the list
type Contraindication struct {
	Medication   string                          `json:"medication"`
	Condition    string                          `json:"condition"`
	Severity     drugdb.ContraindicationSeverity `json:"severity"`
	Reason       string                          `json:"reason"`
	Alternatives []string                        `json:"alternatives,omitempty"`
}

// Report is the result of one screening
type Report struct {
	HasInteractions    bool               `json:"hasInteractions"`
	Interactions       []Finding          `json:"interactions"`
	DuplicateTherapies []DuplicateTherapy `json:"duplicateTherapies"`
	Contraindications  []Contraindication `json:"contraindications"`
	Severity           string             `json:"severity"`
	KnowledgeVersion   string             `json:"knowledgeVersion"`
}

// FindingCount is the number of findings of every kind
func (r *Report) FindingCount() int {
	return len(r.Interactions) + len(r.DuplicateTherapies) + len(r.Contraindications)
}

// Checker screens medication lists. It holds no mutable state.
type Checker struct {
	kb drugdb.Provider
}

// NewChecker creates a checker backed by kb
func NewChecker(kb drugdb.Provider) *Checker {
	return &Checker{kb: kb}
}

// Check screens meds. Output order is deterministic: interactions in (i, j)
// pair order, duplicate classes in order of first appearance and
// contraindications in medication order.
func (c *Checker) Check(meds []mtr.Medication) *Report {
	kb := c.kb.Current()
	report := &Report{
		Interactions:       []Finding{},
		DuplicateTherapies: []DuplicateTherapy{},
		Contraindications:  []Contraindication{},
		Severity:           SeverityNone,
		KnowledgeVersion:   kb.Version(),
	}
	if len(meds) < 2 {
		return report
	}

	for i := 0; i < len(meds); i++ {
		for j := i + 1; j < len(meds); j++ {
			in, ok := kb.Interaction(meds[i].DrugName, meds[j].DrugName)
			if !ok {
				continue
			}
			report.Interactions = append(report.Interactions, Finding{
				Drug1:          meds[i].DrugName,
				Drug2:          meds[j].DrugName,
				Severity:       in.Severity,
				Mechanism:      in.Mechanism,
				ClinicalEffect: in.ClinicalEffect,
				Management:     in.Management,
				References:     in.References,
			})
			report.HasInteractions = true
		}
	}

	var order []string
	groups := make(map[string][]string)
	for _, m := range meds {
		class, ok := kb.TherapeuticClass(m.DrugName)
		if !ok {
			class = otherClass
		}
		if _, seen := groups[class]; !seen {
			order = append(order, class)
		}
		groups[class] = append(groups[class], m.DrugName)
	}
	for _, class := range order {
		members := groups[class]
		if class == otherClass || len(members) < 2 {
			continue
		}
		dup, ok := kb.DuplicateTherapy(class)
		if !ok {
			continue
		}
		report.DuplicateTherapies = append(report.DuplicateTherapies, DuplicateTherapy{
			Class:          class,
			Medications:    members,
			Risk:           dup.Risk,
			Recommendation: dup.Recommendation,
		})
	}

	for _, m := range meds {
		for _, ci := range kb.Contraindications(m.DrugName) {
			report.Contraindications = append(report.Contraindications, Contraindication{
				Medication:   m.DrugName,
				Condition:    ci.Condition,
				Severity:     ci.Severity,
				Reason:       ci.Reason,
				Alternatives: ci.Alternatives,
			})
		}
	}

	report.Severity = overallSeverity(report)
	return report
}

// ContraindicationSeverity maps absolute to critical and relative to major
func ContraindicationSeverity(s drugdb.ContraindicationSeverity) mtr.Severity {
	if s == drugdb.Absolute {
		return mtr.SeverityCritical
	}
	return mtr.SeverityMajor
}

func overallSeverity(r *Report) string {
	best := 0
	for _, in := range r.Interactions {
		if n := Rank(string(in.Severity)); n > best {
			best = n
		}
	}
	for _, ci := range r.Contraindications {
		if n := Rank(string(ContraindicationSeverity(ci.Severity))); n > best {
			best = n
		}
	}
	switch best {
	case 4:
		return string(mtr.SeverityCritical)
	case 3:
		return string(mtr.SeverityMajor)
	case 2:
		return string(mtr.SeverityModerate)
	case 1:
		return string(mtr.SeverityMinor)
	}
	return SeverityNone
}

// Rank orders severities from none (0) to critical (4)
func Rank(severity string) int {
	switch mtr.Severity(severity) {
	case mtr.SeverityCritical:
		return 4
	case mtr.SeverityMajor:
		return 3
	case mtr.SeverityModerate:
		return 2
	case mtr.SeverityMinor:
		return 1
	}
	return 0
}
