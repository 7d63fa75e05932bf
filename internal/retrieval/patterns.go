package retrieval

import "regexp"

// questionPattern flags that utterance concerns a given slot. Unlike
// extract's slotPatterns, these never capture a value — C6 only needs
// to know *which* slot a question is about, not read a value out of
// the question itself. Narrow and anchored, following the same
// "prefer no detection over a false positive" philosophy: an
// unmatched question still gets semantic retrieval, it just skips the
// fast path.
type questionPattern struct {
	slot string
	re   *regexp.Regexp
}

var questionPatterns = []questionPattern{
	{"employer", regexp.MustCompile(`(?i)\bwhere\s+do\s+i\s+work\b`)},
	{"employer", regexp.MustCompile(`(?i)\bwho\s+(?:is|do\s+i\s+work\s+for|'s)\s+my\s+employer\b`)},
	{"employer", regexp.MustCompile(`(?i)\bwhat\s+company\s+do\s+i\s+work\s+(?:at|for)\b`)},

	{"location", regexp.MustCompile(`(?i)\bwhere\s+do\s+i\s+live\b`)},
	{"location", regexp.MustCompile(`(?i)\bwhere\s+am\s+i\s+based\b`)},

	{"title", regexp.MustCompile(`(?i)\bwhat(?:'s| is)\s+my\s+(?:job\s+)?title\b`)},
	{"title", regexp.MustCompile(`(?i)\bwhat\s+do\s+i\s+do\s+for\s+(?:work|a\s+living)\b`)},

	{"programming_years", regexp.MustCompile(`(?i)\bhow\s+(?:long|many\s+years)\s+have\s+i\s+been\s+programming\b`)},
	{"programming_years", regexp.MustCompile(`(?i)\bhow\s+much\s+(?:programming\s+)?experience\s+do\s+i\s+have\b`)},

	{"first_language", regexp.MustCompile(`(?i)\bwhat(?:'s| is)\s+my\s+(?:first|native)\s+language\b`)},

	{"remote_preference", regexp.MustCompile(`(?i)\bdo\s+i\s+prefer\s+(?:remote|hybrid|onsite)\b`)},
	{"remote_preference", regexp.MustCompile(`(?i)\bwhat(?:'s| is)\s+my\s+remote\s+preference\b`)},

	{"masters_school", regexp.MustCompile(`(?i)\bwhere\s+did\s+i\s+get\s+my\s+master'?s\b`)},
	{"masters_school", regexp.MustCompile(`(?i)\bwhere\s+did\s+i\s+do\s+my\s+master'?s\b`)},

	{"undergrad_school", regexp.MustCompile(`(?i)\bwhere\s+did\s+i\s+go\s+(?:to\s+school\s+)?for\s+undergrad\b`)},
	{"undergrad_school", regexp.MustCompile(`(?i)\bwhere\s+did\s+i\s+do\s+my\s+undergrad\b`)},

	{"birth_year", regexp.MustCompile(`(?i)\bwhat\s+year\s+was\s+i\s+born\b`)},
	{"birth_year", regexp.MustCompile(`(?i)\bhow\s+old\s+am\s+i\b`)},

	{"has_drivers_license", regexp.MustCompile(`(?i)\bdo\s+i\s+have\s+a\s+driver'?s?\s+licen[cs]e\b`)},

	{"hobby", regexp.MustCompile(`(?i)\bwhat\s+(?:are|is)\s+my\s+hobb(?:y|ies)\b`)},
	{"hobby", regexp.MustCompile(`(?i)\bwhat\s+do\s+i\s+enjoy\b`)},

	{"skill", regexp.MustCompile(`(?i)\bwhat\s+(?:skills?|do\s+i\s+know)\b`)},
}

// summaryInstructionRe matches spec.md §4.6's "summarize what you
// know" style instruction that triggers the k=v; k=v rendering.
var summaryInstructionRe = regexp.MustCompile(`(?i)\bsummarize\s+(?:what\s+you\s+know|everything)\b`)

// IsSummaryInstruction reports whether utterance asks for the
// deterministic per-slot summary rendering.
func IsSummaryInstruction(utterance string) bool {
	return summaryInstructionRe.MatchString(utterance)
}
