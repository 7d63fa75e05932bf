package slots

import (
	"testing"

	"github.com/anamnesis-ai/anamnesis/internal/model"
)

func TestNormalizeStringCollapsesWhitespaceAndPunctuation(t *testing.T) {
	desc := model.SlotDescriptor{Name: "employer", Type: model.SlotString}
	got, err := Normalize(desc, "  Google   LLC.  ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "google llc" {
		t.Fatalf("expected 'google llc', got %q", got)
	}
}

func TestNormalizeNumberStripsUnitsAndCommas(t *testing.T) {
	desc := model.SlotDescriptor{Name: "programming_years", Type: model.SlotNumber}
	got, err := Normalize(desc, "12 years")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "12" {
		t.Fatalf("expected '12', got %q", got)
	}
}

func TestNormalizeNumberRejectsGarbage(t *testing.T) {
	desc := model.SlotDescriptor{Name: "programming_years", Type: model.SlotNumber}
	_, err := Normalize(desc, "a lot")
	if err == nil {
		t.Fatal("expected NormalizeError for unparseable number")
	}
}

func TestNormalizeYearRejectsTwoDigit(t *testing.T) {
	desc := model.SlotDescriptor{Name: "birth_year", Type: model.SlotYear}
	_, err := Normalize(desc, "99")
	if err == nil {
		t.Fatal("expected two-digit year to be rejected")
	}
}

func TestNormalizeYearAcceptsFourDigit(t *testing.T) {
	desc := model.SlotDescriptor{Name: "birth_year", Type: model.SlotYear}
	got, err := Normalize(desc, "1999")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "1999" {
		t.Fatalf("expected '1999', got %q", got)
	}
}

func TestNormalizeBooleanHedgingVocabulary(t *testing.T) {
	desc := model.SlotDescriptor{Name: "has_drivers_license", Type: model.SlotBoolean}
	cases := map[string]string{
		"yes":        "true",
		"Yeah.":      "true",
		"I have":     "true",
		"no":         "false",
		"Nope!":      "false",
		"I don't":    "false",
	}
	for in, want := range cases {
		got, err := Normalize(desc, in)
		if err != nil {
			t.Fatalf("unexpected error normalizing %q: %v", in, err)
		}
		if got != want {
			t.Fatalf("normalizing %q: expected %q, got %q", in, want, got)
		}
	}
}

func TestNormalizeBooleanRejectsUnrecognized(t *testing.T) {
	desc := model.SlotDescriptor{Name: "has_drivers_license", Type: model.SlotBoolean}
	_, err := Normalize(desc, "maybe kinda")
	if err == nil {
		t.Fatal("expected error for value outside the hedging vocabulary")
	}
}

func TestNormalizeEnumClosedSet(t *testing.T) {
	desc := model.SlotDescriptor{
		Name: "remote_preference", Type: model.SlotEnum,
		EnumValues: []string{"remote", "hybrid", "onsite"},
	}
	got, err := Normalize(desc, "Remote")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "remote" {
		t.Fatalf("expected 'remote', got %q", got)
	}
	_, err = Normalize(desc, "partially remote")
	if err == nil {
		t.Fatal("expected value outside the closed set to be rejected")
	}
}
