package model

import (
	"time"

	"github.com/google/uuid"
)

// ResponseType is the closed set of outgoing response modes named in
// SPEC_FULL.md §6.1. The Invariant Enforcer (C7) is the only component
// allowed to downgrade a response to AskUser, Refusal, or Uncertainty.
type ResponseType string

const (
	ResponseBelief      ResponseType = "belief"
	ResponseSpeech      ResponseType = "speech"
	ResponseDisclosure  ResponseType = "disclosure"
	ResponseAskUser     ResponseType = "ask_user"
	ResponseRefusal     ResponseType = "refusal"
	ResponseUncertainty ResponseType = "uncertainty"
	ResponseReflection  ResponseType = "reflection"
)

// IsSafeDowngrade reports whether t is one of the three modes the
// enforcer may downgrade into when it cannot certify an uncaveated
// contradicted claim (SPEC_FULL.md §7, InvariantViolation handling).
func (t ResponseType) IsSafeDowngrade() bool {
	return t == ResponseAskUser || t == ResponseRefusal || t == ResponseUncertainty
}

// MemoryUsage is one entry of xray.memories_used: every memory
// materially used to produce a response, annotated with the
// enforcer's derived reintroduced_claim flag.
type MemoryUsage struct {
	MemoryID          uuid.UUID `json:"memory_id"`
	Text              string    `json:"text"`
	Trust             float64   `json:"trust"`
	Timestamp         time.Time `json:"timestamp"`
	Source            Source    `json:"source"`
	ReintroducedClaim bool      `json:"reintroduced_claim"`
	Slot              string    `json:"slot,omitempty"`
}

// XRay carries the ordered list of memories that materially contributed
// to a response, for downstream audit and the hard rule in §6.1: the
// count of ReintroducedClaim=true entries must equal
// Metadata.ReintroducedClaimsCount.
type XRay struct {
	MemoriesUsed []MemoryUsage `json:"memories_used"`
}

// ReintroducedClaimsUsed counts entries with ReintroducedClaim=true.
func (x XRay) ReintroducedClaimsUsed() int {
	n := 0
	for _, m := range x.MemoriesUsed {
		if m.ReintroducedClaim {
			n++
		}
	}
	return n
}

// ResponseMetadata holds the required metadata fields of §6.1.
type ResponseMetadata struct {
	Confidence                    float64   `json:"confidence"`
	ContradictionDetected         bool      `json:"contradiction_detected"`
	ReintroducedClaimsCount       int       `json:"reintroduced_claims_count"`
	UnresolvedContradictionsTotal int       `json:"unresolved_contradictions_total"`
	InteractionID                 uuid.UUID `json:"interaction_id"`
}

// Response is the stable envelope returned to the outside world for
// every interaction, per SPEC_FULL.md §6.1.
type Response struct {
	Answer       string           `json:"answer"`
	ResponseType ResponseType     `json:"response_type"`
	GatesPassed  bool             `json:"gates_passed"`
	Metadata     ResponseMetadata `json:"metadata"`
	XRay         XRay             `json:"xray"`
}
