// Package extract implements the Fact Extractor (C2): a catalog of
// regex pattern matchers per built-in slot, a fallback "FACT: key =
// value" parser, and detectors for temporal markers, validity
// periods, domain tags, and correction intent. The design follows
// timelayer-timelayer/internal/app/fact_triple.go's philosophy:
// prefer no detection over a false positive, and never guess a slot
// that isn't confidently anchored by a pattern.
package extract

import (
	"strings"

	"github.com/anamnesis-ai/anamnesis/internal/model"
	"github.com/anamnesis-ai/anamnesis/internal/slots"
)

// Extractor runs pattern-based extraction against a slot catalog so
// the fallback FACT: parser can dynamically register unseen slots.
type Extractor struct {
	catalog *slots.Catalog
}

// New returns an Extractor backed by catalog. The catalog must
// outlive the Extractor; RegisterDynamic calls it makes are visible
// to every other holder of the same catalog.
func New(catalog *slots.Catalog) *Extractor {
	return &Extractor{catalog: catalog}
}

// Extract parses text into a finite, insertion-ordered list of
// ExtractedFacts. Every fact retains the exact rune offsets of the
// match that produced it (C2's lossless guarantee) — offsets are
// rune, not byte, offsets so downstream [Start:End] slicing on
// []rune(text) is always exact.
func (e *Extractor) Extract(text string) []model.ExtractedFact {
	var facts []model.ExtractedFact
	for _, s := range splitSentences(text) {
		facts = append(facts, e.extractSentence(s)...)
	}
	return facts
}

func (e *Extractor) extractSentence(s sentence) []model.ExtractedFact {
	var out []model.ExtractedFact

	// Correction intent takes priority: it describes a relationship
	// between two values, not a single slot assertion.
	if f, ok := matchCorrection(s); ok {
		out = append(out, f)
		return out
	}

	// Explicit FACT: key = value fallback. Dynamically registers the
	// slot as a string slot if unseen.
	if m := factKeyValueRe.FindStringSubmatchIndex(s.text); m != nil {
		slot := s.text[m[2]:m[3]]
		rawValue := strings.TrimSpace(s.text[m[4]:m[5]])
		if _, ok := e.catalog.Lookup(slot); !ok {
			_ = e.catalog.RegisterDynamic(slot, model.SlotString, model.ArityForSingle, "lowercase_trim_nfkc")
		}
		out = append(out, e.buildFact(s, slot, rawValue, m[0], m[1]))
		return out
	}

	for _, p := range slotPatterns {
		m := p.re.FindStringSubmatchIndex(s.text)
		if m == nil {
			continue
		}
		rawValue := strings.TrimSpace(s.text[m[2]:m[3]])
		out = append(out, e.buildFact(s, p.slot, rawValue, m[0], m[1]))
		// One fact per sentence per pattern family; a sentence rarely
		// carries two distinct slot assertions, and scanning every
		// remaining pattern against the same text risks spurious
		// secondary matches inside the first match's own span.
		break
	}

	return out
}

// buildFact assembles an ExtractedFact from a pattern match within
// sentence s, translating the match's byte-range-inside-the-sentence
// (matchStart/matchEnd as returned by regexp's byte-offset API) into
// rune offsets against the original text.
func (e *Extractor) buildFact(s sentence, slot, rawValue string, matchStartByte, matchEndByte int) model.ExtractedFact {
	runeStart := s.start + len([]rune(s.text[:matchStartByte]))
	runeEnd := s.start + len([]rune(s.text[:matchEndByte]))

	desc, ok := e.catalog.Lookup(slot)
	var normalized string
	var confidence float64 = 0.9
	if ok {
		if n, err := slots.Normalize(desc, rawValue); err == nil {
			normalized = n
		} else {
			normalized = rawValue
			confidence = 0.4
		}
	} else {
		normalized = rawValue
		confidence = 0.4
	}

	fact := model.ExtractedFact{
		Slot:       slot,
		Value:      normalized,
		Normalized: normalized,
		Raw:        rawValue,
		Span:       model.Span{Start: runeStart, End: runeEnd},
		IntentTag:  model.IntentAssert,
		Confidence: confidence,
		Domains:    detectDomains(s.text),
	}
	fact.TemporalStatus, fact.PeriodText = detectTemporal(s.text)
	return fact
}

// matchCorrection checks sentence s against the four correction-intent
// patterns (correct_direct, correct_hedged, deny, retract_denial), in
// that priority order. Correction facts carry no slot: C5 locates the
// memory to correct by matching OldValue against stored values across
// every slot, not by slot name.
func matchCorrection(s sentence) (model.ExtractedFact, bool) {
	if m := correctDirectRe.FindStringSubmatchIndex(s.text); m != nil {
		newVal := strings.TrimSpace(s.text[m[2]:m[3]])
		oldVal := strings.TrimSpace(s.text[m[4]:m[5]])
		return correctionFact(s, m[0], m[1], model.IntentCorrectDirect, oldVal, newVal), true
	}
	if m := correctHedgedRe.FindStringSubmatchIndex(s.text); m != nil {
		oldVal := strings.TrimSpace(s.text[m[2]:m[3]])
		newVal := strings.TrimSpace(s.text[m[4]:m[5]])
		return correctionFact(s, m[0], m[1], model.IntentCorrectHedged, oldVal, newVal), true
	}
	if m := denyRe.FindStringSubmatchIndex(s.text); m != nil {
		deniedVal := strings.TrimSpace(s.text[m[2]:m[3]])
		return correctionFact(s, m[0], m[1], model.IntentDeny, deniedVal, ""), true
	}
	if m := retractDenialRe.FindStringSubmatchIndex(s.text); m != nil {
		val := strings.TrimSpace(s.text[m[2]:m[3]])
		return correctionFact(s, m[0], m[1], model.IntentRetractDenial, "", val), true
	}
	if m := retractDenialTestingRe.FindStringIndex(s.text); m != nil {
		return correctionFact(s, m[0], m[1], model.IntentRetractDenial, "", ""), true
	}
	return model.ExtractedFact{}, false
}

func correctionFact(s sentence, matchStartByte, matchEndByte int, intent model.IntentTag, oldVal, newVal string) model.ExtractedFact {
	runeStart := s.start + len([]rune(s.text[:matchStartByte]))
	runeEnd := s.start + len([]rune(s.text[:matchEndByte]))
	fact := model.ExtractedFact{
		Raw:        s.text,
		Span:       model.Span{Start: runeStart, End: runeEnd},
		IntentTag:  intent,
		Confidence: 0.8,
		Domains:    detectDomains(s.text),
		OldValue:   strings.ToLower(strings.TrimSpace(oldVal)),
		NewValue:   strings.ToLower(strings.TrimSpace(newVal)),
	}
	fact.TemporalStatus, fact.PeriodText = detectTemporal(s.text)
	return fact
}

// detectTemporal classifies the temporal status of a sentence by
// marker keyword, and extracts a period_text span if one of the
// period patterns matches. Past takes priority over active/future/
// potential since a correction often also contains "now" ("I used to
// work there, now I work here").
func detectTemporal(text string) (model.TemporalStatus, string) {
	lower := strings.ToLower(text)
	period := ""
	if m := periodFromToRe.FindString(text); m != "" {
		period = m
	} else if m := periodSinceRe.FindString(text); m != "" {
		period = m
	} else if m := periodUntilRe.FindString(text); m != "" {
		period = strings.TrimSpace(m)
	}

	for _, marker := range temporalPastMarkers {
		if strings.Contains(lower, marker) {
			return model.TemporalPast, period
		}
	}
	for _, marker := range temporalFutureMarkers {
		if strings.Contains(lower, marker) {
			return model.TemporalFuture, period
		}
	}
	for _, marker := range temporalPotentialMarkers {
		if strings.Contains(lower, marker) {
			return model.TemporalPotential, period
		}
	}
	for _, marker := range temporalActiveMarkers {
		if strings.Contains(lower, marker) {
			return model.TemporalActive, period
		}
	}
	return model.TemporalActive, period
}

// DetectDomains exposes detectDomains for callers outside this package
// that need the same keyword classification against non-assertion text
// (C6's retrieval path infers query domains with the identical
// dictionary so a question's domain boost lines up with the domain tags
// an assertion about the same topic would have received).
func DetectDomains(text string) []string {
	return detectDomains(text)
}

// detectDomains matches text against the domain keyword dictionary,
// defaulting to {general} when nothing matches.
func detectDomains(text string) []string {
	lower := strings.ToLower(text)
	var domains []string
	for domain, keywords := range domainKeywords {
		for _, kw := range keywords {
			if strings.Contains(lower, kw) {
				domains = append(domains, domain)
				break
			}
		}
	}
	if len(domains) == 0 {
		return []string{"general"}
	}
	return domains
}
