// Package engine wires the core components into the single
// straight-line pipeline spec.md §9 mandates for one utterance:
// classify -> extract -> detect -> write -> retrieve -> enforce ->
// respond. It is the shared business logic both the MCP tool surface
// and the CLI REPL delegate to, mirroring how the teacher's
// internal/service/decisions.Service centralizes trace/check/search
// behind one dependency-injected type so every caller gets identical
// embedding, scoring, transactional-write, and notification behavior.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/anamnesis-ai/anamnesis/internal/apperr"
	"github.com/anamnesis-ai/anamnesis/internal/classify"
	"github.com/anamnesis-ai/anamnesis/internal/detect"
	"github.com/anamnesis-ai/anamnesis/internal/enforce"
	"github.com/anamnesis-ai/anamnesis/internal/extract"
	"github.com/anamnesis-ai/anamnesis/internal/model"
	"github.com/anamnesis-ai/anamnesis/internal/retrieval"
	"github.com/anamnesis-ai/anamnesis/internal/service/embedding"
	"github.com/anamnesis-ai/anamnesis/internal/slots"
	"github.com/anamnesis-ai/anamnesis/internal/telemetry"
)

// Store is everything the engine needs from a memory/contradiction
// backend. internal/storage.DB satisfies it against Postgres;
// internal/sqlitestore.Store satisfies it for the offline CLI — both
// also satisfy internal/detect.Store and enforce.Ledger, so one
// collaborator wires the whole pipeline regardless of which store
// backs it.
type Store interface {
	detect.Store
	enforce.Ledger
	PutMemory(ctx context.Context, m model.Memory) (model.Memory, error)
	GetMemory(ctx context.Context, memoryID uuid.UUID) (model.Memory, error)
	RecordContradiction(ctx context.Context, c model.Contradiction) (model.Contradiction, error)
	AppendResolution(ctx context.Context, contradictionID uuid.UUID, event model.ResolutionEvent, newStatus model.ContradictionStatus, action model.ResolutionAction) error
	ListContradictionsByMemory(ctx context.Context, memoryID uuid.UUID) ([]model.Contradiction, error)
	// PutMemoryWithContradiction commits a new memory and the ledger
	// entry for the contradiction it was detected against together.
	// Postgres does this inside a real transaction; the CLI's SQLite
	// store does it sequentially (see sqlitestore's doc comment).
	PutMemoryWithContradiction(ctx context.Context, m model.Memory, c model.Contradiction) (model.Memory, error)
}

// initialTrust is the trust a freshly written USER memory starts at.
// Not named by spec.md (only trust_min/trust_max/trust_floor are); this
// implementation's choice, reinforced or superseded by C9 from there.
// See DESIGN.md.
const initialTrust = 0.6

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithEmbedder wires an optional embedding provider so written memories
// carry a semantic vector for C6's top-k retrieval path. Without one,
// the engine degrades to slot-indexed lookup only, same as
// internal/retrieval.New does when WithSemanticSearch is never called.
func WithEmbedder(p embedding.Provider) Option {
	return func(e *Engine) { e.embedder = p }
}

// WithEnforceConfig overrides the default caveat lexicon and fast-path
// caveat map (see internal/enforce.DefaultConfig).
func WithEnforceConfig(cfg enforce.Config) Option {
	return func(e *Engine) { e.enforceCfg = cfg }
}

// WithEnforceMetrics wires the zero-tolerance counters (§4.7) into the
// process-wide OTEL meter. Nil (the default) disables observation.
func WithEnforceMetrics(m *enforce.Metrics) Option {
	return func(e *Engine) { e.enforceMetrics = m }
}

// Engine is the single entry point for driving one utterance through
// the core. It is safe for concurrent use across threads; per-thread
// serialization (spec.md §5) is enforced by the storage layer's
// single-writer-per-thread discipline, not by this type.
type Engine struct {
	db        Store
	catalog   *slots.Catalog
	extractor *extract.Extractor
	detector  *detect.Detector
	retriever *retrieval.Retriever
	embedder  embedding.Provider

	enforceCfg     enforce.Config
	enforceMetrics *enforce.Metrics
	logger         *slog.Logger

	extractDuration metric.Float64Histogram
	detectDuration  metric.Float64Histogram
}

// New builds an Engine from its already-constructed collaborators.
// catalog, extractor, detector, and retriever are expected to share
// the same slot catalog instance.
func New(db Store, catalog *slots.Catalog, extractor *extract.Extractor, detector *detect.Detector, retriever *retrieval.Retriever, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	meter := telemetry.Meter("anamnesis/engine")
	extractDur, _ := meter.Float64Histogram("anamnesis.engine.extract.duration",
		metric.WithDescription("Time to extract facts from one utterance (ms)"),
		metric.WithUnit("ms"),
	)
	detectDur, _ := meter.Float64Histogram("anamnesis.engine.detect.duration",
		metric.WithDescription("Time to run the contradiction decision procedure for one fact (ms)"),
		metric.WithUnit("ms"),
	)
	e := &Engine{
		db:              db,
		catalog:         catalog,
		extractor:       extractor,
		detector:        detector,
		retriever:       retriever,
		enforceCfg:      enforce.DefaultConfig(),
		logger:          logger,
		extractDuration: extractDur,
		detectDuration:  detectDur,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Interact runs one utterance through the full pipeline and returns
// the stable response envelope of spec.md §6.1.
func (e *Engine) Interact(ctx context.Context, threadID, sessionID uuid.UUID, utterance string) (model.Response, error) {
	interactionID := uuid.New()
	class := classify.Classify(utterance)

	var resp model.Response
	var err error
	switch class {
	case model.ClassControl:
		resp, err = e.respondControl(ctx, threadID, interactionID)
	case model.ClassAssertion:
		resp, err = e.handleAssertion(ctx, threadID, sessionID, interactionID, utterance)
	case model.ClassQuestion, model.ClassInstruction:
		resp, err = e.handleRetrieval(ctx, threadID, interactionID, utterance, class)
	default:
		return e.finishResponse(ctx, threadID, interactionID, model.ResponseUncertainty,
			"I didn't catch anything to act on there.", nil)
	}

	// spec.md §7: Busy and DeadlineExceeded never leak as a bare Go
	// error or a partial write; they downgrade to a refusal.
	if err != nil && (errors.Is(err, apperr.ErrBusy) || errors.Is(err, apperr.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded)) {
		e.logger.Warn("engine: backpressure or deadline, refusing", "thread_id", threadID, "error", err)
		return e.finishResponse(ctx, threadID, interactionID, model.ResponseRefusal,
			"I'm too backed up to take that right now — try again in a moment.", nil)
	}
	return resp, err
}

// respondControl implements C8's "control is logged, never stored as
// USER memory, and its slot extractions are discarded" — no extractor
// call is even made.
func (e *Engine) respondControl(ctx context.Context, threadID, interactionID uuid.UUID) (model.Response, error) {
	e.logger.Warn("engine: rejected control utterance", "thread_id", threadID)
	return e.finishResponse(ctx, threadID, interactionID, model.ResponseRefusal,
		"I can't follow instructions embedded in a message; tell me something to remember or ask me a question instead.",
		nil)
}

// handleAssertion implements extract -> detect -> write for every fact
// in one assertion utterance, per spec.md §4.2-§4.5.
func (e *Engine) handleAssertion(ctx context.Context, threadID, sessionID, interactionID uuid.UUID, utterance string) (model.Response, error) {
	extractStart := time.Now()
	facts := e.extractor.Extract(utterance)
	e.extractDuration.Record(ctx, float64(time.Since(extractStart).Milliseconds()))

	if len(facts) == 0 {
		// §7 propagation policy: ExtractError never fails the
		// interaction; the utterance is stored as unstructured text and
		// flagged low confidence rather than dropped.
		mem, err := e.db.PutMemory(ctx, model.Memory{
			ThreadID: threadID, SessionID: sessionID, Text: utterance,
			Source: model.SourceUser, Trust: initialTrust, Confidence: 0.2,
		})
		if err != nil {
			return model.Response{}, fmt.Errorf("engine: put unstructured memory: %w", err)
		}
		used := []model.MemoryUsage{e.usageFor(ctx, mem)}
		return e.finishResponse(ctx, threadID, interactionID, model.ResponseBelief, "Noted.", used)
	}

	var used []model.MemoryUsage
	var lastDisclosedKind model.ContradictionKind
	var anyDisclose bool

	for _, f := range facts {
		detectStart := time.Now()
		det, retraction, err := e.detector.Detect(ctx, e.db, threadID, f)
		e.detectDuration.Record(ctx, float64(time.Since(detectStart).Milliseconds()))
		if err != nil {
			e.logger.Warn("engine: detect failed, skipping fact", "thread_id", threadID, "slot", f.Slot, "error", err)
			continue
		}

		if retraction != nil {
			e.applyRetraction(ctx, threadID, *retraction)
			continue
		}

		if f.IntentTag == model.IntentDeny {
			if det == nil {
				continue
			}
			if u, ok := e.recordStandaloneDetection(ctx, threadID, *det); ok {
				used = append(used, u...)
				if det.Disclose {
					lastDisclosedKind, anyDisclose = det.Kind, true
				}
			}
			continue
		}

		mem := e.buildMemory(threadID, sessionID, utterance, f, det)
		written, err := e.writeMemory(ctx, threadID, mem, det)
		if err != nil {
			e.logger.Error("engine: write memory failed", "thread_id", threadID, "slot", mem.Slot, "error", err)
			continue
		}
		used = append(used, e.usageFor(ctx, written))
		if det != nil && det.Disclose {
			lastDisclosedKind, anyDisclose = det.Kind, true
		}
	}

	answer := renderAssertionAck(used)
	if anyDisclose {
		answer = e.enforceCfg.AppendFastPathCaveat(answer, lastDisclosedKind)
	}
	return e.finishResponse(ctx, threadID, interactionID, model.ResponseBelief, answer, used)
}

// buildMemory maps one ExtractedFact to the Memory C3 will store.
// Correction facts (f.Slot == "") borrow the slot and domain tags of
// the memory the detector matched, since the correction pattern itself
// never names a slot (see internal/extract's matchCorrection doc).
func (e *Engine) buildMemory(threadID, sessionID uuid.UUID, utterance string, f model.ExtractedFact, det *detect.Detection) model.Memory {
	mem := model.Memory{
		ThreadID: threadID, SessionID: sessionID, Text: utterance,
		Source: model.SourceUser, Trust: initialTrust, Confidence: f.Confidence,
		TemporalStatus: f.TemporalStatus, PeriodText: f.PeriodText, DomainTags: f.Domains,
	}
	switch f.IntentTag {
	case model.IntentCorrectDirect, model.IntentCorrectHedged:
		mem.Value, mem.RawValue = f.NewValue, f.NewValue
		if det != nil {
			mem.Slot = det.Slot
			mem.DomainTags = det.AffectedDomains
		}
	default:
		mem.Slot = f.Slot
		mem.Value = f.Normalized
		mem.RawValue = f.Raw
	}
	if e.embedder != nil {
		if vec, err := e.embedder.Embed(context.Background(), mem.Text); err != nil {
			e.logger.Warn("engine: embed memory failed, continuing without", "error", err)
		} else {
			mem.Embedding = &vec
		}
	}
	return mem
}

// writeMemory commits mem, and — when det is non-nil — the resulting
// ledger entry, together: spec.md §4.9/§7's "operations spanning C3
// and C4 are transactional." How "together" is achieved is the
// backing Store's concern (see Store.PutMemoryWithContradiction).
func (e *Engine) writeMemory(ctx context.Context, threadID uuid.UUID, mem model.Memory, det *detect.Detection) (model.Memory, error) {
	if det == nil {
		return e.db.PutMemory(ctx, mem)
	}
	return e.db.PutMemoryWithContradiction(ctx, mem, model.Contradiction{
		ThreadID: threadID, Kind: det.Kind, InvolvedMemoryIDs: det.InvolvedMemoryIDs,
		Slot: det.Slot, AffectedDomains: det.AffectedDomains,
		Severity: det.Severity, Notes: det.Notes,
	})
}

// recordStandaloneDetection handles DENIAL: the detector matched an
// existing memory by value but no new memory is written (a bare denial
// carries no factual payload of its own, §4.5 step 1).
func (e *Engine) recordStandaloneDetection(ctx context.Context, threadID uuid.UUID, det detect.Detection) ([]model.MemoryUsage, bool) {
	if _, err := e.db.RecordContradiction(ctx, model.Contradiction{
		ThreadID: threadID, Kind: det.Kind, InvolvedMemoryIDs: det.InvolvedMemoryIDs,
		Slot: det.Slot, AffectedDomains: det.AffectedDomains,
		Severity: det.Severity, Notes: det.Notes,
	}); err != nil {
		e.logger.Warn("engine: record denial failed", "thread_id", threadID, "error", err)
		return nil, false
	}
	used := make([]model.MemoryUsage, 0, len(det.InvolvedMemoryIDs))
	for _, id := range det.InvolvedMemoryIDs {
		m, err := e.db.GetMemory(ctx, id)
		if err != nil {
			e.logger.Warn("engine: get denied memory failed", "memory_id", id, "error", err)
			continue
		}
		used = append(used, e.usageFor(ctx, m))
	}
	return used, true
}

// applyRetraction implements §4.5 step 2: RETRACT_DENIAL is not itself
// a contradiction, it flips the most recent open DENIAL to resolved.
func (e *Engine) applyRetraction(ctx context.Context, threadID uuid.UUID, r detect.Retraction) {
	err := e.db.AppendResolution(ctx, r.ContradictionID, model.ResolutionEvent{
		Action: model.ActionUpdateToOlder, Actor: model.ActorSystem, At: time.Now().UTC(),
		Note: "retracted by a later retract_denial utterance",
	}, model.StatusResolved, model.ActionUpdateToOlder)
	if err != nil {
		e.logger.Warn("engine: auto-resolve retract_denial failed", "contradiction_id", r.ContradictionID, "thread_id", threadID, "error", err)
	}
}

// renderAssertionAck deterministically summarizes which slots were
// recorded — the generator is an external collaborator (spec.md §1
// non-goals), so every engine-produced answer is a fast-path rendering.
func renderAssertionAck(used []model.MemoryUsage) string {
	seen := make(map[string]bool, len(used))
	var slotNames []string
	for _, u := range used {
		if u.Slot == "" || seen[u.Slot] {
			continue
		}
		seen[u.Slot] = true
		slotNames = append(slotNames, u.Slot)
	}
	if len(slotNames) == 0 {
		return "Noted."
	}
	sort.Strings(slotNames)
	return "Recorded: " + strings.Join(slotNames, ", ") + "."
}

// handleRetrieval implements C6 retrieval plus C7 enforcement for a
// question or instruction utterance.
func (e *Engine) handleRetrieval(ctx context.Context, threadID, interactionID uuid.UUID, utterance string, class model.Classification) (model.Response, error) {
	cs, err := e.retriever.Retrieve(ctx, threadID, utterance)
	if err != nil {
		e.logger.Error("engine: retrieve failed", "thread_id", threadID, "error", err)
		return e.finishResponse(ctx, threadID, interactionID, model.ResponseRefusal,
			"I couldn't look that up right now, please try again.", nil)
	}

	flags, err := enforce.Flag(ctx, e.db, cs)
	if err != nil {
		e.logger.Error("engine: flag failed", "thread_id", threadID, "error", err)
		return e.finishResponse(ctx, threadID, interactionID, model.ResponseRefusal,
			"I couldn't verify that claim right now, please try again.", nil)
	}

	switch {
	case class == model.ClassInstruction && retrieval.IsSummaryInstruction(utterance):
		return e.respondSummary(ctx, threadID, interactionID, cs, flags)
	case len(cs.PerSlotCanonical) == 1:
		return e.respondSlotFastPath(ctx, threadID, interactionID, cs, flags)
	case len(cs.PerSlotCanonical) > 1:
		return e.respondSummary(ctx, threadID, interactionID, cs, flags)
	default:
		return e.finishResponse(ctx, threadID, interactionID, model.ResponseUncertainty,
			"I don't have anything recorded about that yet.", nil)
	}
}

// respondSlotFastPath implements §4.6's "for a question that resolves
// to exactly one inferred slot, answer directly from per_slot_canonical."
func (e *Engine) respondSlotFastPath(ctx context.Context, threadID, interactionID uuid.UUID, cs model.CandidateSet, flags map[uuid.UUID]bool) (model.Response, error) {
	var cand model.Candidate
	for _, c := range cs.PerSlotCanonical {
		cand = c
	}
	u := e.usageFromCandidate(cand, flags)
	answer := cand.Memory.Value
	if u.ReintroducedClaim {
		if kind, err := e.latestOpenKindFor(ctx, cand.Memory.MemoryID); err == nil {
			answer = e.enforceCfg.AppendFastPathCaveat(answer, kind)
		}
	}
	return e.finishResponse(ctx, threadID, interactionID, model.ResponseSpeech, answer, []model.MemoryUsage{u})
}

// respondSummary implements §4.6's deterministic "k=v; k=v" rendering
// for summary-style instructions and for questions that resolve to
// more than one inferred slot (e.g. S3's multi-role coexistence).
func (e *Engine) respondSummary(ctx context.Context, threadID, interactionID uuid.UUID, cs model.CandidateSet, flags map[uuid.UUID]bool) (model.Response, error) {
	answer := retrieval.RenderSummary(cs)
	if answer == "" {
		return e.finishResponse(ctx, threadID, interactionID, model.ResponseUncertainty,
			"I don't have anything recorded about that yet.", nil)
	}

	used := make([]model.MemoryUsage, 0, len(cs.PerSlotCanonical))
	var flaggedKind model.ContradictionKind
	var anyFlagged bool
	for _, c := range cs.PerSlotCanonical {
		u := e.usageFromCandidate(c, flags)
		used = append(used, u)
		if u.ReintroducedClaim && !anyFlagged {
			if kind, err := e.latestOpenKindFor(ctx, c.Memory.MemoryID); err == nil {
				flaggedKind, anyFlagged = kind, true
			}
		}
	}
	if anyFlagged {
		answer = e.enforceCfg.AppendFastPathCaveat(answer, flaggedKind)
	}
	return e.finishResponse(ctx, threadID, interactionID, model.ResponseDisclosure, answer, used)
}

func (e *Engine) usageFor(ctx context.Context, m model.Memory) model.MemoryUsage {
	open, err := e.db.HasOpenContradictionForMemory(ctx, m.MemoryID)
	if err != nil {
		e.logger.Warn("engine: has open contradiction check failed", "memory_id", m.MemoryID, "error", err)
	}
	return model.MemoryUsage{
		MemoryID: m.MemoryID, Text: m.Text, Trust: m.Trust, Timestamp: m.CreatedAt,
		Source: m.Source, ReintroducedClaim: open, Slot: m.Slot,
	}
}

func (e *Engine) usageFromCandidate(c model.Candidate, flags map[uuid.UUID]bool) model.MemoryUsage {
	return model.MemoryUsage{
		MemoryID: c.Memory.MemoryID, Text: c.Memory.Text, Trust: c.Memory.Trust,
		Timestamp: c.Memory.CreatedAt, Source: c.Memory.Source,
		ReintroducedClaim: flags[c.Memory.MemoryID], Slot: c.Memory.Slot,
	}
}

// latestOpenKindFor returns the kind of memoryID's most recent open
// contradiction, used to pick the fast-path caveat phrase.
func (e *Engine) latestOpenKindFor(ctx context.Context, memoryID uuid.UUID) (model.ContradictionKind, error) {
	cs, err := e.db.ListContradictionsByMemory(ctx, memoryID)
	if err != nil {
		return "", err
	}
	for _, c := range cs {
		if c.Status == model.StatusOpen {
			return c.Kind, nil
		}
	}
	return "", fmt.Errorf("engine: no open contradiction found for memory %s", memoryID)
}

// finishResponse assembles the stable envelope (§6.1) and runs the
// enforcer's zero-tolerance verification pass (§4.7) before returning.
// If Verify finds a violation that was not already caught by the
// caller's own construction of answer/responseType, it fails safe by
// downgrading rather than letting an uncaveated contradicted claim out
// — InvariantViolation "must never leak outside the core" (§7).
func (e *Engine) finishResponse(ctx context.Context, threadID, interactionID uuid.UUID, responseType model.ResponseType, answer string, used []model.MemoryUsage) (model.Response, error) {
	start := time.Now()
	reintroduced := 0
	for _, u := range used {
		if u.ReintroducedClaim {
			reintroduced++
		}
	}

	open, err := e.db.ListOpenContradictions(ctx, threadID)
	if err != nil {
		e.logger.Warn("engine: list open contradictions failed", "thread_id", threadID, "error", err)
	}

	resp := model.Response{
		Answer:       answer,
		ResponseType: responseType,
		GatesPassed:  true,
		Metadata: model.ResponseMetadata{
			Confidence:                    confidenceFor(used),
			ContradictionDetected:         reintroduced > 0,
			ReintroducedClaimsCount:       reintroduced,
			UnresolvedContradictionsTotal: len(open),
			InteractionID:                 interactionID,
		},
		XRay: model.XRay{MemoriesUsed: used},
	}

	ledgerState := make(map[uuid.UUID]bool, len(used))
	for _, u := range used {
		ledgerState[u.MemoryID] = u.ReintroducedClaim
	}
	counters := enforce.Verify(used, ledgerState, resp.Answer, resp.ResponseType, e.enforceCfg)
	e.enforceMetrics.Observe(ctx, counters, float64(time.Since(start).Milliseconds()))

	if !counters.Zero() && !resp.ResponseType.IsSafeDowngrade() {
		resp.ResponseType = model.ResponseUncertainty
		resp.Answer = "I have conflicting information here and want to double-check before answering."
		resp.GatesPassed = false
	}
	return resp, nil
}

func confidenceFor(used []model.MemoryUsage) float64 {
	if len(used) == 0 {
		return 1.0
	}
	sum := 0.0
	for _, u := range used {
		sum += u.Trust
	}
	return sum / float64(len(used))
}
