// Package retrieval implements Retrieval & Augmentation (C6): slot
// inference over a question or instruction, per-slot canonical lookup
// against the memory store, and optional top-k semantic search boosted
// by domain match and recency. Grounded on the teacher's
// internal/service/decisions/service.go Search/hydrateAndReScore
// pattern — try the semantic index first, fall back to slot-indexed
// lookup alone when no Searcher is configured or it is unreachable.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"github.com/anamnesis-ai/anamnesis/internal/extract"
	"github.com/anamnesis-ai/anamnesis/internal/model"
	"github.com/anamnesis-ai/anamnesis/internal/search"
	"github.com/anamnesis-ai/anamnesis/internal/service/embedding"
	"github.com/anamnesis-ai/anamnesis/internal/slots"
)

// Store is the subset of internal/storage.DB that retrieval needs,
// ctx-first to match the concurrent server path (see
// internal/detect.Store for the identical rationale).
type Store interface {
	ListActiveMemoriesBySlot(ctx context.Context, threadID uuid.UUID, slot string) ([]model.Memory, error)
	ListMemoriesBySlot(ctx context.Context, threadID uuid.UUID, slot string) ([]model.Memory, error)
	GetMemoriesByIDs(ctx context.Context, threadID uuid.UUID, ids []uuid.UUID) ([]model.Memory, error)
}

// defaultDomainBoostBeta and defaultTopK are spec.md §4.6's stated
// defaults. The temporal filter's default (active memories only) comes
// from a Retriever's includePast field being false.
const defaultDomainBoostBeta = 1.5
const defaultTopK = 10

// Option configures a Retriever.
type Option func(*Retriever)

// WithSemanticSearch wires an embedding provider and index searcher.
// Both are optional collaborators: if either is nil (or never set),
// Retrieve degrades to slot-indexed lookup alone.
func WithSemanticSearch(embedder embedding.Provider, searcher search.Searcher) Option {
	return func(r *Retriever) {
		r.embedder = embedder
		r.searcher = searcher
	}
}

// WithDomainBoostBeta overrides the default 1.5 domain-match boost.
func WithDomainBoostBeta(beta float64) Option {
	return func(r *Retriever) { r.domainBoostBeta = beta }
}

// WithTopK overrides the default semantic fan-out of 10.
func WithTopK(k int) Option {
	return func(r *Retriever) { r.topK = k }
}

// WithIncludePast makes the temporal filter include past-status
// memories in semantic search results, not just active ones.
func WithIncludePast() Option {
	return func(r *Retriever) { r.includePast = true }
}

// Retriever assembles a CandidateSet for a question or instruction
// utterance per spec.md §4.6.
type Retriever struct {
	store           Store
	catalog         *slots.Catalog
	logger          *slog.Logger
	embedder        embedding.Provider
	searcher        search.Searcher
	domainBoostBeta float64
	topK            int
	includePast     bool
}

// New returns a Retriever backed by store and catalog. catalog is used
// only to validate that an inferred slot name is a real registered
// slot before looking it up — an unrecognized slot pattern match is
// silently dropped rather than surfaced as an error.
func New(store Store, catalog *slots.Catalog, logger *slog.Logger, opts ...Option) *Retriever {
	r := &Retriever{
		store:           store,
		catalog:         catalog,
		logger:          logger,
		domainBoostBeta: defaultDomainBoostBeta,
		topK:            defaultTopK,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Retrieve infers candidate slots from utterance, looks up each
// slot's canonical memory, and — if a semantic index is configured —
// additionally retrieves and re-scores top-k similar memories. The
// returned CandidateSet's OtherCandidates never repeats a memory
// already present in PerSlotCanonical.
func (r *Retriever) Retrieve(ctx context.Context, threadID uuid.UUID, utterance string) (model.CandidateSet, error) {
	cs := model.CandidateSet{
		PerSlotCanonical: make(map[string]model.Candidate),
	}

	for _, slot := range inferSlots(utterance) {
		if _, ok := r.catalog.Lookup(slot); !ok {
			continue
		}
		cand, ok, err := r.canonicalFor(ctx, threadID, slot)
		if err != nil {
			return model.CandidateSet{}, fmt.Errorf("retrieval: canonical lookup for slot %q: %w", slot, err)
		}
		if ok {
			cs.PerSlotCanonical[slot] = cand
		}
	}

	if r.embedder == nil || r.searcher == nil {
		return cs, nil
	}

	other, err := r.semanticCandidates(ctx, threadID, utterance, cs)
	if err != nil {
		// Semantic search is an optional enrichment: spec.md §5 treats
		// the opaque index as hot-swapped infrastructure readers never
		// block on, so a failure here degrades to slot-indexed results
		// rather than failing the whole retrieval.
		r.logger.Warn("retrieval: semantic search unavailable, degrading to slot lookup", "error", err)
		return cs, nil
	}
	cs.OtherCandidates = other
	return cs, nil
}

// canonicalFor resolves spec.md §4.6's "newest active (or newest
// overall if none active) memory value" for one slot.
func (r *Retriever) canonicalFor(ctx context.Context, threadID uuid.UUID, slot string) (model.Candidate, bool, error) {
	active, err := r.store.ListActiveMemoriesBySlot(ctx, threadID, slot)
	if err != nil {
		return model.Candidate{}, false, err
	}
	if len(active) > 0 {
		return model.Candidate{Memory: active[0], Score: active[0].Trust}, true, nil
	}

	all, err := r.store.ListMemoriesBySlot(ctx, threadID, slot)
	if err != nil {
		return model.Candidate{}, false, err
	}
	if len(all) == 0 {
		return model.Candidate{}, false, nil
	}
	return model.Candidate{Memory: all[0], Score: all[0].Trust}, true, nil
}

func (r *Retriever) semanticCandidates(ctx context.Context, threadID uuid.UUID, utterance string, cs model.CandidateSet) ([]model.Candidate, error) {
	if err := r.searcher.Healthy(ctx); err != nil {
		return nil, err
	}

	vec, err := r.embedder.Embed(ctx, utterance)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	filters := search.Filters{}
	if !r.includePast {
		filters.ExcludeTemporal = []model.TemporalStatus{model.TemporalPast}
	}

	results, err := r.searcher.Search(ctx, threadID, vec.Slice(), filters, r.topK)
	if err != nil {
		return nil, fmt.Errorf("search index: %w", err)
	}
	if len(results) == 0 {
		return nil, nil
	}

	ids := make([]uuid.UUID, len(results))
	for i, res := range results {
		ids[i] = res.MemoryID
	}
	hydrated, err := r.store.GetMemoriesByIDs(ctx, threadID, ids)
	if err != nil {
		return nil, fmt.Errorf("hydrate candidates: %w", err)
	}

	byID := make(map[uuid.UUID]model.Memory, len(hydrated))
	for _, m := range hydrated {
		byID[m.MemoryID] = m
	}

	queryDomains := extract.DetectDomains(utterance)
	scored := search.Rescore(results, byID, queryDomains, r.domainBoostBeta, r.topK)

	already := make(map[uuid.UUID]bool, len(cs.PerSlotCanonical))
	for _, c := range cs.PerSlotCanonical {
		already[c.Memory.MemoryID] = true
	}

	out := make([]model.Candidate, 0, len(scored))
	for _, c := range scored {
		if already[c.Memory.MemoryID] {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// inferSlots returns the distinct slots named by question-phrasing
// patterns matching utterance, in first-match order.
func inferSlots(utterance string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, p := range questionPatterns {
		if p.re.MatchString(utterance) && !seen[p.slot] {
			seen[p.slot] = true
			out = append(out, p.slot)
		}
	}
	return out
}

// RenderSummary implements spec.md §4.6's slot fast path for
// summary-style instructions: a deterministic "k=v; k=v" rendering of
// every canonical per-slot value, slots sorted for reproducibility.
func RenderSummary(cs model.CandidateSet) string {
	slotNames := make([]string, 0, len(cs.PerSlotCanonical))
	for slot := range cs.PerSlotCanonical {
		slotNames = append(slotNames, slot)
	}
	sort.Strings(slotNames)

	out := ""
	for i, slot := range slotNames {
		if i > 0 {
			out += "; "
		}
		out += slot + "=" + cs.PerSlotCanonical[slot].Memory.Value
	}
	return out
}
