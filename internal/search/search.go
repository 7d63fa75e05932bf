// Package search provides semantic search over memories using an
// external vector index (Qdrant). It is entirely optional: the
// Retriever (internal/retrieval) degrades to slot-indexed lookup alone
// when no Searcher is configured or the index is unreachable.
package search

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/anamnesis-ai/anamnesis/internal/model"
)

// Result holds a memory ID and its raw similarity score from the
// search index. The caller hydrates full Memory objects from Postgres
// (source of truth) before applying domain boost; temporal filtering is
// applied by the index itself through Filters.ExcludeTemporal.
type Result struct {
	MemoryID uuid.UUID
	Score    float32
}

// Filters narrows a semantic search to a thread and, optionally, a
// slot. Excluded temporal statuses implement spec.md §4.6's "temporal
// filter (default: active only; configurable to include past)".
type Filters struct {
	Slot            string
	ExcludeTemporal []model.TemporalStatus
}

// Searcher is the interface for the opaque semantic index referenced
// by spec.md §4.6. Implementations must be safe for concurrent use.
type Searcher interface {
	// Search returns memory IDs matching the query vector within a
	// thread, with raw similarity scores, leaving out memories whose
	// temporal status is in filters.ExcludeTemporal; the caller hydrates
	// from Postgres and applies domain boost.
	Search(ctx context.Context, threadID uuid.UUID, embedding []float32, filters Filters, limit int) ([]Result, error)

	// Healthy returns nil if the search index is reachable.
	Healthy(ctx context.Context) error
}

// Rescore adjusts raw similarity scores by domain-match boost and
// recency, sorts descending, and truncates to limit.
//
// relevance = similarity * domain_boost * recency_decay
//
// This is a narrower formula than the teacher's ReScore, which blends
// in decision-specific outcome signals (assessment score, citation
// count, supersession stability, agreement count, conflict win rate)
// that have no counterpart in this domain: a memory is not "assessed"
// or "cited". Domain boost and recency are the only two signals
// spec.md §4.6 names (domain_boost_beta, default 1.5), so those are the
// only two this Rescore applies. See internal/retrieval for how
// domainTags/queryDomains feed the boost and how the temporal filter is
// applied before this function ever sees the candidate.
func Rescore(results []Result, memories map[uuid.UUID]model.Memory, queryDomains []string, beta float64, limit int) []model.Candidate {
	now := time.Now()
	scored := make([]model.Candidate, 0, len(results))

	for _, r := range results {
		m, ok := memories[r.MemoryID]
		if !ok {
			// Memory was superseded or deleted between index search and hydration.
			continue
		}

		boost := domainBoost(m.DomainTags, queryDomains, beta)
		ageDays := math.Max(0, now.Sub(m.ValidFrom).Hours()/24.0)
		recencyDecay := 1.0 / (1.0 + ageDays/90.0)
		relevance := float64(r.Score) * boost * recencyDecay

		scored = append(scored, model.Candidate{
			Memory: m,
			Score:  math.Min(relevance, float64(beta)),
		})
	}

	sort.Slice(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})

	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored
}

// domainBoost multiplies by beta when any domain tag of the memory
// intersects the query's inferred domains, per spec.md §4.6.
func domainBoost(memoryDomains, queryDomains []string, beta float64) float64 {
	set := make(map[string]bool, len(queryDomains))
	for _, d := range queryDomains {
		set[d] = true
	}
	for _, d := range memoryDomains {
		if set[d] {
			return beta
		}
	}
	return 1.0
}
