package extract

import "regexp"

// slotPattern is one regex matcher for a built-in slot. The regex must
// have exactly one capturing group: the raw value. Patterns are tried
// in order per sentence; the first match wins, matching the "prefer no
// detection over false positives" philosophy of
// timelayer-timelayer/internal/app/fact_triple.go — narrow, anchored
// patterns rather than a greedy general-purpose parser.
type slotPattern struct {
	slot string
	re   *regexp.Regexp
}

var slotPatterns = []slotPattern{
	{"employer", regexp.MustCompile(`(?i)\bi\s+(?:used\s+to\s+|will\s+)?work\s+(?:at|for)\s+([^,.!?]+)`)},
	{"employer", regexp.MustCompile(`(?i)\bmy\s+employer\s+is\s+([^,.!?]+)`)},
	{"employer", regexp.MustCompile(`(?i)\bi(?:'m| am)\s+employed\s+(?:at|by)\s+([^,.!?]+)`)},

	{"location", regexp.MustCompile(`(?i)\bi\s+live\s+in\s+([^,.!?]+)`)},
	{"location", regexp.MustCompile(`(?i)\bi(?:'m| am)\s+based\s+in\s+([^,.!?]+)`)},

	{"title", regexp.MustCompile(`(?i)\bmy\s+title\s+is\s+([^,.!?]+)`)},
	{"title", regexp.MustCompile(`(?i)\bi(?:'m| am)\s+an?\s+([^,.!?]+?)\s+at\s+[^,.!?]+`)},

	{"programming_years", regexp.MustCompile(`(?i)\bi(?:'ve| have)\s+been\s+programming\s+for\s+(\d+)\s+years?`)},
	{"programming_years", regexp.MustCompile(`(?i)\b(\d+)\s+years?\s+of\s+(?:programming\s+)?experience`)},

	{"first_language", regexp.MustCompile(`(?i)\bmy\s+first\s+language\s+is\s+([^,.!?]+)`)},
	{"first_language", regexp.MustCompile(`(?i)\bmy\s+native\s+language\s+is\s+([^,.!?]+)`)},

	{"remote_preference", regexp.MustCompile(`(?i)\bi\s+(?:prefer|want)\s+(?:to\s+work\s+)?(remote|hybrid|onsite)\b`)},

	{"masters_school", regexp.MustCompile(`(?i)\bi\s+got\s+my\s+master'?s(?:\s+degree)?\s+(?:from|at)\s+([^,.!?]+)`)},
	{"masters_school", regexp.MustCompile(`(?i)\bi\s+did\s+my\s+master'?s\s+(?:from|at)\s+([^,.!?]+)`)},

	{"undergrad_school", regexp.MustCompile(`(?i)\bi\s+went\s+to\s+([^,.!?]+?)\s+for\s+undergrad`)},
	{"undergrad_school", regexp.MustCompile(`(?i)\bi\s+did\s+my\s+undergrad\s+(?:at|from)\s+([^,.!?]+)`)},

	{"birth_year", regexp.MustCompile(`(?i)\bi\s+was\s+born\s+in\s+(\d{4})\b`)},

	{"has_drivers_license", regexp.MustCompile(`(?i)\bi\s+(have|don'?t have|do not have)\s+a\s+driver'?s?\s+licen[cs]e\b`)},

	{"hobby", regexp.MustCompile(`(?i)\bmy\s+hobby\s+is\s+([^,.!?]+)`)},
	{"hobby", regexp.MustCompile(`(?i)\bi\s+enjoy\s+([^,.!?]+)`)},

	{"skill", regexp.MustCompile(`(?i)\bi\s+know\s+([^,.!?]+)`)},
}

// factKeyValueRe matches the fallback "FACT: key = value" syntax.
var factKeyValueRe = regexp.MustCompile(`(?i)\bFACT:\s*([A-Za-z0-9_]+)\s*=\s*([^,.!?]+)`)

// correctDirectRe matches "actually X, not Y" / "I meant X, not Y".
var correctDirectRe = regexp.MustCompile(`(?i)\b(?:actually,?\s+|i\s+meant\s+)([^,.!?]+?),?\s+not\s+([^,.!?]+)`)

// correctHedgedRe matches "I said X but it's closer to Y".
var correctHedgedRe = regexp.MustCompile(`(?i)\bi\s+said\s+([^,.!?]+?)\s+but\s+it'?s\s+closer\s+to\s+([^,.!?]+)`)

// denyRe matches "I never said/had X".
var denyRe = regexp.MustCompile(`(?i)\bi\s+never\s+(?:said|had)\s+([^,.!?]+)`)

// retractDenialRe matches "actually, I do have X" and "I was testing you".
var retractDenialRe = regexp.MustCompile(`(?i)\bactually,?\s+i\s+do\s+have\s+([^,.!?]+)`)
var retractDenialTestingRe = regexp.MustCompile(`(?i)\bi\s+was\s+testing\s+you\b`)

var temporalPastMarkers = []string{"used to", "formerly", "no longer", "left", "quit", "stopped"}
var temporalActiveMarkers = []string{"currently", "now"}
var temporalFutureMarkers = []string{"will", "plan to", "planning to"}
var temporalPotentialMarkers = []string{"might", "may"}

// periodFromToRe, periodSinceRe and periodUntilRe match "from 2020 to
// 2024", "since 2019" and "until last year" respectively.
var periodFromToRe = regexp.MustCompile(`(?i)\bfrom\s+(\d{4})\s+to\s+(\d{4}|now|present)\b`)
var periodSinceRe = regexp.MustCompile(`(?i)\bsince\s+(\d{4})\b`)
var periodUntilRe = regexp.MustCompile(`(?i)\buntil\s+([A-Za-z0-9 ]+)\b`)

var domainKeywords = map[string][]string{
	"print_shop":  {"print shop", "printing", "screen print"},
	"photography": {"photography", "photo shoot", "photograph"},
	"programming": {"programming", "coding", "software engineer", "developer"},
	"retail":      {"retail", "storefront", "cashier"},
}
