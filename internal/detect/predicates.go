package detect

import (
	"strconv"
	"strings"
	"time"

	"github.com/anamnesis-ai/anamnesis/internal/model"
)

// isRefinement implements step 6's slot-specific refinement predicates.
// String slots: one value strictly contains the other (case-insensitive)
// and they are not equal — "Seattle metro area, specifically Bellevue"
// refines "Seattle". Numeric/year slots: refinement has no well-defined
// "tightening" for a bare scalar (there is no range type in this data
// model), so only string slots participate; number/year differences are
// handled entirely by NUMERIC_DRIFT and CONFLICT instead.
func isRefinement(desc model.SlotDescriptor, oldValue, newValue string) bool {
	if desc.Type != model.SlotString {
		return false
	}
	o := strings.ToLower(strings.TrimSpace(oldValue))
	n := strings.ToLower(strings.TrimSpace(newValue))
	if o == "" || n == "" || o == n {
		return false
	}
	return strings.Contains(n, o) || strings.Contains(o, n)
}

// domainsOverlap reports whether two domain-tag sets share at least one
// entry. An empty set on either side is treated as "general" per the
// data model's default, so it always overlaps.
func domainsOverlap(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return true
	}
	set := make(map[string]bool, len(a))
	for _, d := range a {
		set[d] = true
	}
	for _, d := range b {
		if set[d] {
			return true
		}
	}
	return false
}

func intersectDomains(a, b []string) []string {
	set := make(map[string]bool, len(a))
	for _, d := range a {
		set[d] = true
	}
	var out []string
	for _, d := range b {
		if set[d] {
			out = append(out, d)
		}
	}
	return out
}

// periodsOverlap reports whether an existing memory's validity window
// is treated as overlapping a freshly asserted fact. A nil ValidUntil
// (still open-ended) always overlaps; a set ValidUntil overlaps unless
// the new fact is past-dated. Neither timestamp is compared with the
// current time.
func periodsOverlap(oldValidFrom time.Time, oldValidUntil *time.Time, newTemporalStatus model.TemporalStatus) bool {
	if oldValidUntil == nil {
		return true
	}
	return newTemporalStatus != model.TemporalPast
}

// parseNumeric parses a normalized slot value (already passed through
// slots.Normalize, so it is a plain integer or decimal string) into a
// float64 for the NUMERIC_DRIFT ratio calculation.
func parseNumeric(s string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
