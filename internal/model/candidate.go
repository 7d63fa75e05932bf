package model

import "github.com/google/uuid"

// Candidate is one memory surfaced by C6's retrieval path, tagged with
// the score used to rank it (semantic similarity after domain boost
// and recency decay; or, for slot-indexed canonical lookups, the
// memory's own trust score — see internal/retrieval).
type Candidate struct {
	Memory Memory  `json:"memory"`
	Score  float64 `json:"score"`
}

// CandidateSet is C6's output for a question/instruction utterance:
// one canonical memory per inferred slot, plus a ranked pool of other
// semantically relevant candidates. Per spec.md §4.6.
type CandidateSet struct {
	PerSlotCanonical map[string]Candidate `json:"per_slot_canonical"`
	OtherCandidates  []Candidate          `json:"other_candidates"`
}

// MemoryIDs returns every memory_id referenced anywhere in the set,
// de-duplicated — the Invariant Enforcer (C7) uses this to check each
// one against the Contradiction Ledger's has_open_for.
func (cs CandidateSet) MemoryIDs() []uuid.UUID {
	seen := make(map[uuid.UUID]bool)
	var out []uuid.UUID
	add := func(id uuid.UUID) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, c := range cs.PerSlotCanonical {
		add(c.Memory.MemoryID)
	}
	for _, c := range cs.OtherCandidates {
		add(c.Memory.MemoryID)
	}
	return out
}
