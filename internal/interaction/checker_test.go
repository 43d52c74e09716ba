package interaction

import (
	"reflect"
	"testing"

	"github.com/drfirst/go-mtr/internal/domain/mtr"
	"github.com/drfirst/go-mtr/internal/drugdb"
)

func meds(names ...string) []mtr.Medication {
	out := make([]mtr.Medication, len(names))
	for i, n := range names {
		out[i] = mtr.Medication{DrugName: n}
	}
	return out
}

func TestSingleMedication(t *testing.T) {
	c := NewChecker(drugdb.Default())
	r := c.Check(meds("Isotretinoin"))

	if r.HasInteractions {
		t.Error("expected no interactions")
	}
	if r.Severity != SeverityNone {
		t.Errorf("expected none, got %s", r.Severity)
	}
	if len(r.Interactions) != 0 || len(r.DuplicateTherapies) != 0 || len(r.Contraindications) != 0 {
		t.Errorf("expected empty findings, got %+v", r)
	}
	if r.Interactions == nil || r.DuplicateTherapies == nil || r.Contraindications == nil {
		t.Error("findings should be empty slices, not nil")
	}
}

func TestWarfarinAspirin(t *testing.T) {
	c := NewChecker(drugdb.Default())
	r := c.Check(meds("Warfarin", "Aspirin"))

	if !r.HasInteractions {
		t.Fatal("expected interaction")
	}
	if len(r.Interactions) != 1 {
		t.Fatalf("expected 1 interaction, got %d", len(r.Interactions))
	}
	in := r.Interactions[0]
	if in.Drug1 != "Warfarin" || in.Drug2 != "Aspirin" {
		t.Errorf("unexpected drugs %s/%s", in.Drug1, in.Drug2)
	}
	if in.Severity != mtr.SeverityMajor || r.Severity != "major" {
		t.Errorf("expected major, got %s/%s", in.Severity, r.Severity)
	}
	if len(r.DuplicateTherapies) != 0 || len(r.Contraindications) != 0 {
		t.Errorf("expected only the interaction, got %+v", r)
	}
}

func TestSymmetry(t *testing.T) {
	c := NewChecker(drugdb.Default())
	ab := c.Check(meds("Simvastatin", "Clarithromycin"))
	ba := c.Check(meds("Clarithromycin", "Simvastatin"))

	if len(ab.Interactions) != 1 || len(ba.Interactions) != 1 {
		t.Fatalf("expected one interaction each way, got %d and %d", len(ab.Interactions), len(ba.Interactions))
	}
	x, y := ab.Interactions[0], ba.Interactions[0]
	if x.Severity != y.Severity || x.Mechanism != y.Mechanism || x.Management != y.Management {
		t.Error("findings differ by input order")
	}
	if x.Drug1 != y.Drug2 || x.Drug2 != y.Drug1 {
		t.Error("drug names should follow input order")
	}
	if ab.Severity != ba.Severity {
		t.Errorf("overall severity differs: %s vs %s", ab.Severity, ba.Severity)
	}
}

func TestDuplicateTherapy(t *testing.T) {
	c := NewChecker(drugdb.Default())
	r := c.Check(meds("Omeprazole", "Metoprolol", "Pantoprazole", "Atenolol", "Vitamin D", "Fish Oil"))

	if len(r.DuplicateTherapies) != 1 {
		t.Fatalf("expected 1 duplicate class, got %+v", r.DuplicateTherapies)
	}
	dup := r.DuplicateTherapies[0]
	if dup.Class != "Proton Pump Inhibitors" {
		t.Errorf("unexpected class %s", dup.Class)
	}
	if !reflect.DeepEqual(dup.Medications, []string{"Omeprazole", "Pantoprazole"}) {
		t.Errorf("unexpected members %v", dup.Medications)
	}
	if r.Severity != SeverityNone {
		t.Errorf("duplicates alone should not raise severity, got %s", r.Severity)
	}
}

func TestContraindicationSeverity(t *testing.T) {
	c := NewChecker(drugdb.Default())

	r := c.Check(meds("Levothyroxine", "Calcium Carbonate", "Metformin"))
	if r.Severity != "major" {
		t.Errorf("relative contraindication should rate major, got %s", r.Severity)
	}
	if len(r.Contraindications) != 1 || r.Contraindications[0].Medication != "Metformin" {
		t.Errorf("unexpected contraindications %+v", r.Contraindications)
	}

	r = c.Check(meds("Levothyroxine", "Calcium Carbonate", "Isotretinoin"))
	if r.Severity != "critical" {
		t.Errorf("absolute contraindication should override lesser findings, got %s", r.Severity)
	}
	if !r.HasInteractions {
		t.Error("expected the minor interaction to be reported")
	}
}

func TestSeverityMonotonicity(t *testing.T) {
	c := NewChecker(drugdb.Default())
	lists := [][]string{
		{"Warfarin", "Aspirin"},
		{"Lisinopril", "Potassium Chloride"},
		{"Levothyroxine", "Calcium Carbonate"},
		{"Omeprazole", "Esomeprazole"},
		{"Acetaminophen", "Loratadine"},
	}
	for _, names := range lists {
		r := c.Check(meds(append(names, "Methotrexate")...))
		if r.Severity != "critical" {
			t.Errorf("%v + methotrexate: expected critical, got %s", names, r.Severity)
		}
	}
}

func TestDeterministicOrder(t *testing.T) {
	c := NewChecker(drugdb.Default())
	list := meds("Sertraline", "Warfarin", "Tramadol", "Ibuprofen", "Aspirin", "Fluoxetine", "Naproxen", "Propranolol")

	first := c.Check(list)
	for i := 0; i < 20; i++ {
		if next := c.Check(list); !reflect.DeepEqual(first, next) {
			t.Fatal("report differs between runs")
		}
	}

	want := [][2]string{{"Sertraline", "Tramadol"}, {"Warfarin", "Ibuprofen"}, {"Warfarin", "Aspirin"}}
	if len(first.Interactions) != len(want) {
		t.Fatalf("expected %d interactions, got %+v", len(want), first.Interactions)
	}
	for i, w := range want {
		if first.Interactions[i].Drug1 != w[0] || first.Interactions[i].Drug2 != w[1] {
			t.Errorf("interaction %d: expected %v, got %s/%s", i, w, first.Interactions[i].Drug1, first.Interactions[i].Drug2)
		}
	}

	var classes []string
	for _, d := range first.DuplicateTherapies {
		classes = append(classes, d.Class)
	}
	if !reflect.DeepEqual(classes, []string{"SSRIs", "NSAIDs"}) {
		t.Errorf("unexpected class order %v", classes)
	}
}

func TestFixtureKnowledgeBase(t *testing.T) {
	kb, err := drugdb.New(drugdb.Dataset{
		Version: "fixture",
		Interactions: []drugdb.Interaction{
			{Drugs: [2]string{"alpha", "beta"}, Severity: mtr.SeverityModerate},
		},
		TherapeuticClasses: map[string][]string{"Greek": {"alpha", "gamma"}},
	})
	if err != nil {
		t.Fatalf("fixture: %v", err)
	}

	r := NewChecker(kb).Check(meds("Gamma", "Beta", "Alpha"))
	if r.KnowledgeVersion != "fixture" {
		t.Errorf("unexpected version %s", r.KnowledgeVersion)
	}
	if len(r.Interactions) != 1 || r.Severity != "moderate" {
		t.Errorf("unexpected report %+v", r)
	}
	if len(r.DuplicateTherapies) != 0 {
		t.Error("a class without duplicate therapy entry must not be flagged")
	}
}

func TestRank(t *testing.T) {
	if !(Rank("critical") > Rank("major") && Rank("major") > Rank("moderate") &&
		Rank("moderate") > Rank("minor") && Rank("minor") > Rank(SeverityNone)) {
		t.Error("severity ranks are out of order")
	}
}
