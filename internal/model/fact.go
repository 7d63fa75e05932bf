package model

// IntentTag is the closed set of correction intents an extracted fact
// may carry (C2 §4.2, C5 input to the DENIAL/RETRACT_DENIAL/REVISION steps).
type IntentTag string

const (
	IntentAssert        IntentTag = "assert"
	IntentCorrectDirect  IntentTag = "correct_direct"
	IntentCorrectHedged  IntentTag = "correct_hedged"
	IntentDeny           IntentTag = "deny"
	IntentRetractDenial  IntentTag = "retract_denial"
	IntentNone           IntentTag = "none"
)

// Span is an exact half-open character offset range [Start, End) into
// the original utterance. Every ExtractedFact retains one so downstream
// code can assume substring lookup against the source text is exact
// (C2's "lossless guarantee").
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// ExtractedFact is the ephemeral result of parsing one utterance (C2).
// It never itself reaches durable storage; C3.put consumes it to build
// a Memory, and C5 consumes it alongside prior Memories to detect
// contradictions.
type ExtractedFact struct {
	Slot       string
	Value      string
	Normalized string
	Raw        string
	Span       Span

	TemporalStatus TemporalStatus
	PeriodText     string
	Domains        []string
	Confidence     float64
	IntentTag      IntentTag

	// OldValue/NewValue are populated only for correction-intent facts:
	// "actually X, not Y" yields OldValue=Y, NewValue=X (both lowercased
	// and trimmed); a deny fact sets only OldValue (the denied value) and
	// "actually, I do have X" sets only NewValue.
	OldValue string
	NewValue string
}

// Classification is the ephemeral result of C8's input classifier.
type Classification string

const (
	ClassAssertion   Classification = "assertion"
	ClassQuestion    Classification = "question"
	ClassInstruction Classification = "instruction"
	ClassControl     Classification = "control"
	ClassOther       Classification = "other"
)
