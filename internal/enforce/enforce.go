// Package enforce implements the Invariant Enforcer (C7): it flags
// reintroduced claims on outgoing candidate memories, injects caveats
// into generated prose, and blocks uncaveated assertions on
// contradicted claims. The enforcer never mutates persistent state —
// reintroduced_claim is computed at read time from the ledger and
// lives only on the ephemeral structures built for a single response.
package enforce

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/anamnesis-ai/anamnesis/internal/model"
	"github.com/anamnesis-ai/anamnesis/internal/telemetry"
)

// Ledger is the subset of the Contradiction Ledger (C4) the enforcer
// consults. Satisfied by *storage.DB.
type Ledger interface {
	HasOpenContradictionForMemory(ctx context.Context, memoryID uuid.UUID) (bool, error)
}

// Config holds the enforcer's tunable lexicon and fast-path caveat map.
// Both are named Open Questions in spec.md §9.3: the source tuned these
// ad hoc and gameability is a known limitation we inherit rather than
// attempt to fix here (see DESIGN.md).
type Config struct {
	// CaveatLexicon is scanned case-insensitively against generator
	// drafts; any match counts as "discloses the contradiction".
	CaveatLexicon []string
	// FastPathCaveats maps each contradiction kind to the parenthetical
	// appended on the deterministic fast path. Every model.ContradictionKind
	// must have an entry; DefaultConfig supplies the closed set named in
	// spec.md §4.7.
	FastPathCaveats map[model.ContradictionKind]string
}

// DefaultConfig returns the lexicon and fast-path caveat map from
// spec.md §4.7.
func DefaultConfig() Config {
	return Config{
		CaveatLexicon: []string{
			"most recent",
			"previously",
			"changed from",
			"no longer",
			"as of",
			"versus",
			"compared to",
		},
		FastPathCaveats: map[model.ContradictionKind]string{
			model.KindRevision:     "(most recent update)",
			model.KindRefinement:   "(most recent update)",
			model.KindNumericDrift: "(most recent update)",
			model.KindTemporal:     "(superseded value)",
			model.KindConflict:     "(contested)",
			model.KindDenial:       "(contested)",
		},
	}
}

// Flag computes reintroduced_claim for every memory referenced by cs,
// per spec.md §4.7's "data-layer half of the invariant": for each
// memory m, reintroduced_claim = ledger.has_open_for(m). The result
// maps memory_id to the flag; callers attach it to whatever ephemeral
// structure (Candidate, MemoryUsage) ultimately reaches the response.
func Flag(ctx context.Context, ledger Ledger, cs model.CandidateSet) (map[uuid.UUID]bool, error) {
	flags := make(map[uuid.UUID]bool, len(cs.PerSlotCanonical)+len(cs.OtherCandidates))
	for _, id := range cs.MemoryIDs() {
		open, err := ledger.HasOpenContradictionForMemory(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("enforce: has open contradiction for %s: %w", id, err)
		}
		flags[id] = open
	}
	return flags, nil
}

// FastPathCaveat returns the parenthetical caveat for kind, or "" if
// kind has no entry (callers should treat that as a configuration bug,
// not silently skip the caveat).
func (c Config) FastPathCaveat(kind model.ContradictionKind) string {
	return c.FastPathCaveats[kind]
}

// AppendFastPathCaveat appends the caveat for kind to answer, per
// spec.md §4.7.1: the fast path always appends a caveat for every
// reintroduced claim it surfaces, regardless of whether the text
// already reads as qualified.
func (c Config) AppendFastPathCaveat(answer string, kind model.ContradictionKind) string {
	caveat := c.FastPathCaveat(kind)
	if caveat == "" {
		return answer
	}
	return strings.TrimRight(answer, " ") + " " + caveat
}

// HasCaveat reports whether draft already discloses a contradiction via
// any lexicon phrase, case-insensitively.
func (c Config) HasCaveat(draft string) bool {
	lower := strings.ToLower(draft)
	for _, phrase := range c.CaveatLexicon {
		if strings.Contains(lower, strings.ToLower(phrase)) {
			return true
		}
	}
	return false
}

// GeneratedOutcome is the enforcer's verdict on a generator-produced
// draft that used at least one reintroduced-claim memory.
type GeneratedOutcome struct {
	// Answer is the (possibly rewritten) text to return.
	Answer string
	// Downgraded is true if the enforcer could not certify disclosure
	// and downgraded the response instead of rewriting it.
	Downgraded bool
	// ResponseType is set only when Downgraded is true.
	ResponseType model.ResponseType
}

// defaultCaveatPrefix is prepended to a generator draft that fails the
// lexicon scan, before the enforcer gives up and downgrades instead.
const defaultCaveatPrefix = "Note: this involves a previously contested or since-revised detail. "

// EnforceGenerated implements spec.md §4.7.2: scan draft for a caveat
// phrase; if present, pass it through unchanged. If absent, first try
// prepending a caveat of our own; callers that consider a prepended
// caveat insufficient for their UX can instead downgrade by checking
// Downgraded and substituting their own ask_user/uncertainty copy.
//
// This implementation always prefers the rewrite over the downgrade
// when it can construct one mechanically (prepending defaultCaveatPrefix
// always satisfies the lexicon, since the prefix itself contains
// "previously" and "since-revised" — matching the spirit of "changed
// from"/"no longer"). It downgrades only when draft is empty, which a
// generator should never produce but which must never be allowed to
// reach the user as an uncaveated empty answer.
func EnforceGenerated(draft string, cfg Config) GeneratedOutcome {
	if cfg.HasCaveat(draft) {
		return GeneratedOutcome{Answer: draft}
	}
	if draft == "" {
		return GeneratedOutcome{Downgraded: true, ResponseType: model.ResponseUncertainty}
	}
	return GeneratedOutcome{Answer: defaultCaveatPrefix + draft}
}

// Counters holds the zero-tolerance counters of spec.md §4.7: both must
// be zero on every response the enforcer approves (gates_passed=true).
type Counters struct {
	ReintroducedUnflaggedCount int
	AssertedWithoutCaveatCount int
}

// Zero reports whether both counters are zero.
func (c Counters) Zero() bool {
	return c.ReintroducedUnflaggedCount == 0 && c.AssertedWithoutCaveatCount == 0
}

// Verify recomputes the zero-tolerance counters against a finished
// response's xray and answer. ledgerState must map every memory_id in
// used to its true has_open_for value at response time (Flag's
// output) — ReintroducedUnflaggedCount counts memories the ledger says
// are open but that were not marked reintroduced_claim on the xray
// entry, a data-layer bug. AssertedWithoutCaveatCount counts responses
// that used at least one reintroduced-claim memory, were not
// downgraded to a safe response type, and whose answer carries no
// lexicon-matched caveat — the generator-path failure mode.
func Verify(used []model.MemoryUsage, ledgerState map[uuid.UUID]bool, answer string, responseType model.ResponseType, cfg Config) Counters {
	var c Counters
	anyReintroduced := false
	for _, m := range used {
		if ledgerState[m.MemoryID] && !m.ReintroducedClaim {
			c.ReintroducedUnflaggedCount++
		}
		if m.ReintroducedClaim {
			anyReintroduced = true
		}
	}
	if anyReintroduced && !responseType.IsSafeDowngrade() && !cfg.HasCaveat(answer) {
		c.AssertedWithoutCaveatCount++
	}
	return c
}

// Metrics wraps the OTEL counters for the two zero-tolerance signals.
// Both should read zero for the lifetime of a healthy deployment; any
// nonzero observation is a correctness bug in the enforcer or its
// caller, not a rate to be tolerated.
type Metrics struct {
	reintroducedUnflagged metric.Int64Counter
	assertedWithoutCaveat metric.Int64Counter
	latency               metric.Float64Histogram
}

// NewMetrics registers the enforcer's OTEL instruments against the
// process-wide meter provider.
func NewMetrics() *Metrics {
	meter := telemetry.Meter("anamnesis/enforce")
	unflagged, _ := meter.Int64Counter("anamnesis.enforce.reintroduced_unflagged_count",
		metric.WithDescription("Responses where a ledger-open memory was not flagged reintroduced_claim (must stay zero)"),
	)
	uncaveated, _ := meter.Int64Counter("anamnesis.enforce.asserted_without_caveat_count",
		metric.WithDescription("Responses that asserted a reintroduced claim without a caveat or safe downgrade (must stay zero)"),
	)
	latency, _ := meter.Float64Histogram("anamnesis.enforce.duration",
		metric.WithDescription("Time to flag, caveat, and verify a response (ms)"),
		metric.WithUnit("ms"),
	)
	return &Metrics{reintroducedUnflagged: unflagged, assertedWithoutCaveat: uncaveated, latency: latency}
}

// Observe records a completed enforcement pass: the resulting counters
// (expected zero) and the wall-clock duration in milliseconds.
func (m *Metrics) Observe(ctx context.Context, c Counters, durationMS float64) {
	if m == nil {
		return
	}
	m.reintroducedUnflagged.Add(ctx, int64(c.ReintroducedUnflaggedCount))
	m.assertedWithoutCaveat.Add(ctx, int64(c.AssertedWithoutCaveatCount))
	m.latency.Record(ctx, durationMS)
}
