// Package drugdb provides the drug knowledge base used by the interaction
// checker: pairwise interactions, therapeutic classes, duplicate therapy
// entries and contraindications.
package drugdb

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/drfirst/go-mtr/internal/domain/mtr"
)

//go:embed data/knowledge.json
var defaultDataset []byte

// ContraindicationSeverity grades a contraindication
type ContraindicationSeverity string

const (
	Absolute ContraindicationSeverity = "absolute"
	Relative ContraindicationSeverity = "relative"
)

// Interaction is a known pairwise drug interaction
type Interaction struct {
	Drugs          [2]string    `json:"drugs"`
	Severity       mtr.Severity `json:"severity"`
	Mechanism      string       `json:"mechanism"`
	ClinicalEffect string       `json:"clinicalEffect"`
	Management     string       `json:"management"`
	References     []string     `json:"references,omitempty"`
}

// DuplicateTherapy describes the risk of combining drugs of one class
type DuplicateTherapy struct {
	Class          string `json:"class"`
	Risk           string `json:"risk"`
	Recommendation string `json:"recommendation"`
}

// Contraindication is a condition under which a drug should not be used
type Contraindication struct {
	Drug         string                   `json:"drug"`
	Condition    string                   `json:"condition"`
	Severity     ContraindicationSeverity `json:"severity"`
	Reason       string                   `json:"reason"`
	Alternatives []string                 `json:"alternatives,omitempty"`
}

// Dataset is the wire form of a knowledge base release
type Dataset struct {
	Version            string              `json:"version"`
	Interactions       []Interaction       `json:"interactions"`
	TherapeuticClasses map[string][]string `json:"therapeuticClasses"`
	DuplicateTherapies []DuplicateTherapy  `json:"duplicateTherapies"`
	Contraindications  []Contraindication  `json:"contraindications"`
}

// Base is a read-only drug knowledge base. Drug and class names are
// matched case-insensitively.
type Base interface {
	Interaction(a, b string) (Interaction, bool)
	TherapeuticClass(drug string) (string, bool)
	DuplicateTherapy(class string) (DuplicateTherapy, bool)
	Contraindications(drug string) []Contraindication
	Version() string
}

// Provider hands out the knowledge base to use for one check
type Provider interface {
	Current() Base
}

type pairKey struct{ a, b string }

func newPairKey(a, b string) pairKey {
	a, b = normalize(a), normalize(b)
	if b < a {
		a, b = b, a
	}
	return pairKey{a, b}
}

// Snapshot is an immutable, indexed knowledge base release. It is safe for
// concurrent use.
type Snapshot struct {
	version           string
	interactions      map[pairKey]Interaction
	classes           map[string]string
	duplicates        map[string]DuplicateTherapy
	contraindications map[string][]Contraindication
}

// New indexes a dataset, rejecting entries that cannot be looked up
func New(ds Dataset) (*Snapshot, error) {
	if ds.Version == "" {
		return nil, fmt.Errorf("dataset version is required")
	}
	s := &Snapshot{
		version:           ds.Version,
		interactions:      make(map[pairKey]Interaction, len(ds.Interactions)),
		classes:           make(map[string]string),
		duplicates:        make(map[string]DuplicateTherapy, len(ds.DuplicateTherapies)),
		contraindications: make(map[string][]Contraindication, len(ds.Contraindications)),
	}

	for i, in := range ds.Interactions {
		if in.Drugs[0] == "" || in.Drugs[1] == "" {
			return nil, fmt.Errorf("interaction %d: both drugs are required", i)
		}
		switch in.Severity {
		case mtr.SeverityCritical, mtr.SeverityMajor, mtr.SeverityModerate, mtr.SeverityMinor:
		default:
			return nil, fmt.Errorf("interaction %d: invalid severity %q", i, in.Severity)
		}
		s.interactions[newPairKey(in.Drugs[0], in.Drugs[1])] = in
	}

	for class, drugs := range ds.TherapeuticClasses {
		for _, d := range drugs {
			key := normalize(d)
			if other, ok := s.classes[key]; ok && other != class {
				return nil, fmt.Errorf("drug %q is mapped to both %q and %q", d, other, class)
			}
			s.classes[key] = class
		}
	}

	for _, dup := range ds.DuplicateTherapies {
		if dup.Class == "" {
			return nil, fmt.Errorf("duplicate therapy entry without class")
		}
		s.duplicates[normalize(dup.Class)] = dup
	}

	for i, c := range ds.Contraindications {
		if c.Drug == "" {
			return nil, fmt.Errorf("contraindication %d: drug is required", i)
		}
		if c.Severity != Absolute && c.Severity != Relative {
			return nil, fmt.Errorf("contraindication %d: invalid severity %q", i, c.Severity)
		}
		key := normalize(c.Drug)
		s.contraindications[key] = append(s.contraindications[key], c)
	}

	return s, nil
}

// Parse decodes and indexes a JSON dataset
func Parse(data []byte) (*Snapshot, error) {
	var ds Dataset
	if err := json.Unmarshal(data, &ds); err != nil {
		return nil, fmt.Errorf("failed to decode dataset: %w", err)
	}
	return New(ds)
}

// Default returns the dataset compiled into the binary
func Default() *Snapshot {
	s, err := Parse(defaultDataset)
	if err != nil {
		panic(fmt.Sprintf("drugdb: embedded dataset is invalid: %v", err))
	}
	return s
}

// Interaction looks up a pair in either order
func (s *Snapshot) Interaction(a, b string) (Interaction, bool) {
	in, ok := s.interactions[newPairKey(a, b)]
	return in, ok
}

// TherapeuticClass returns the class a drug belongs to
func (s *Snapshot) TherapeuticClass(drug string) (string, bool) {
	class, ok := s.classes[normalize(drug)]
	return class, ok
}

// DuplicateTherapy returns the duplicate therapy entry of a class
func (s *Snapshot) DuplicateTherapy(class string) (DuplicateTherapy, bool) {
	dup, ok := s.duplicates[normalize(class)]
	return dup, ok
}

// Contraindications returns the contraindications recorded for a drug
func (s *Snapshot) Contraindications(drug string) []Contraindication {
	return s.contraindications[normalize(drug)]
}

// Version identifies the dataset release
func (s *Snapshot) Version() string { return s.version }

// Current makes a snapshot its own provider
func (s *Snapshot) Current() Base { return s }

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
