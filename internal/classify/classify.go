// Package classify implements the Input Classifier (C8): a single
// deterministic function that buckets one utterance into the closed
// set {assertion, question, instruction, control, other}, described in
// spec.md §4.8. Classification never calls a model; like
// internal/extract's slot patterns and timelayer's fact-triple parser,
// it prefers no detection over a false positive — an ambiguous
// utterance falls through to assertion rather than being silently
// dropped, since only control explicitly suppresses a write.
package classify

import (
	"regexp"
	"strings"

	"github.com/anamnesis-ai/anamnesis/internal/model"
)

// controlPatterns catch prompt-injection-style imperatives: instructions
// aimed at the system itself rather than at recording or recalling a
// fact. Checked first — a control utterance must never fall through to
// assertion and be written as a USER memory.
var controlPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bignore\s+(?:all\s+|any\s+)?(?:previous|prior|above|earlier)\s+instructions?\b`),
	regexp.MustCompile(`(?i)\bdisregard\s+(?:all\s+|any\s+)?(?:previous|prior|above|earlier)\s+instructions?\b`),
	regexp.MustCompile(`(?i)\bforget\s+(?:everything|all\s+of\s+this|what\s+you\s+know)\b`),
	regexp.MustCompile(`(?i)\byou\s+are\s+now\s+\w+`),
	regexp.MustCompile(`(?i)\bact\s+as\s+(?:if\s+you\s+are\s+|a\s+)?\w+`),
	regexp.MustCompile(`(?i)\bnew\s+(?:system\s+)?instructions?\s*:`),
	regexp.MustCompile(`(?i)\breveal\s+your\s+(?:system\s+prompt|instructions)\b`),
	regexp.MustCompile(`(?i)\bpretend\s+(?:you\s+are|to\s+be)\b`),
}

// wh-led or auxiliary-led interrogatives, used when the utterance lacks
// a trailing "?" (e.g. transcribed speech).
var questionLeadRe = regexp.MustCompile(`(?i)^(who|what|when|where|why|how|which|do|does|did|is|are|was|were|can|could|would|will|should|has|have)\b`)

// instructionPatterns catch imperative requests that should trigger
// retrieval (and, for the summary form, the deterministic fast-path
// rendering) without themselves being stored as a fact.
var instructionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^(?:please\s+)?(?:summarize|tell\s+me|remind\s+me|list|show\s+me|recall)\b`),
	regexp.MustCompile(`(?i)\bsummarize\s+(?:what\s+you\s+know|everything)\b`),
	regexp.MustCompile(`(?i)^(?:please\s+)?remember\s+that\b`),
}

// Classify buckets text into the closed set of utterance classes.
// Order matters: control is checked first since a prompt-injection
// attempt can otherwise read as a plain assertion or instruction.
func Classify(text string) model.Classification {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return model.ClassOther
	}

	for _, re := range controlPatterns {
		if re.MatchString(trimmed) {
			return model.ClassControl
		}
	}

	if strings.HasSuffix(trimmed, "?") || questionLeadRe.MatchString(trimmed) {
		return model.ClassQuestion
	}

	for _, re := range instructionPatterns {
		if re.MatchString(trimmed) {
			return model.ClassInstruction
		}
	}

	if !hasWordCharacter(trimmed) {
		return model.ClassOther
	}

	return model.ClassAssertion
}

func hasWordCharacter(s string) bool {
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return true
		}
	}
	return false
}
