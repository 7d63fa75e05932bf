// Package detect implements the contradiction detector (C5): the
// ordered, first-hit-wins decision procedure that turns one
// ExtractedFact plus the thread's existing active memories into either
// a Detection (a new ledger entry to record) or a Retraction (an
// existing DENIAL to flip back to resolved).
package detect

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/google/uuid"

	"github.com/anamnesis-ai/anamnesis/internal/model"
	"github.com/anamnesis-ai/anamnesis/internal/slots"
)

// Store is the subset of the Memory Store and Contradiction Ledger the
// detector reads. It is deliberately narrow and ctx-first, matching
// internal/storage.DB's real method signatures directly. The offline
// CLI's internal/sqlitestore.Store takes ctx first as well, so both
// stores satisfy it without an adapter.
type Store interface {
	ListActiveMemoriesBySlot(ctx context.Context, threadID uuid.UUID, slot string) ([]model.Memory, error)
	ListActiveMemoriesByValue(ctx context.Context, threadID uuid.UUID, value string) ([]model.Memory, error)
	ListOpenContradictions(ctx context.Context, threadID uuid.UUID) ([]model.Contradiction, error)
}

// Detection is the detector's verdict for a non-NONE decision step. A
// nil *Detection (with a nil *Retraction too) means the procedure fell
// through to NONE.
type Detection struct {
	Kind              model.ContradictionKind
	InvolvedMemoryIDs []uuid.UUID
	Slot              string
	AffectedDomains   []string
	Severity          model.Severity
	Notes             string

	// Disclose is false only when trust-weighted filtering is enabled
	// and this conflict was judged spurious; the contradiction is still
	// recorded (per spec), just not surfaced by the enforcer.
	Disclose bool
}

// Retraction carries the contradiction_id of an open DENIAL that
// RETRACT_DENIAL resolves. The caller (engine) is responsible for
// calling the ledger's append_resolution with actor=system and
// action=update_to_older; the detector never mutates the ledger itself.
type Retraction struct {
	ContradictionID uuid.UUID
}

// Detector implements the step 1-8 decision procedure of spec.md §4.5.
type Detector struct {
	catalog *slots.Catalog
	logger  *slog.Logger

	// Trust-weighted filtering (§4.5, default off). When enabled, a
	// CONFLICT or NUMERIC_DRIFT between two low-trust memories is still
	// recorded but downgraded to severity=low with Disclose=false.
	trustWeightedFiltering bool
	trustFloor             float64
	spuriousThreshold      float64
}

// Option configures a Detector at construction time.
type Option func(*Detector)

// WithTrustWeightedFiltering turns on the optional low-trust conflict
// filter with the given thresholds (spec.md defaults: trust_floor=0.2;
// spurious_threshold has no spec-mandated default, 0.3 is this
// implementation's choice, see DESIGN.md).
func WithTrustWeightedFiltering(trustFloor, spuriousThreshold float64) Option {
	return func(d *Detector) {
		d.trustWeightedFiltering = true
		d.trustFloor = trustFloor
		d.spuriousThreshold = spuriousThreshold
	}
}

// New builds a Detector against the given slot catalog.
func New(catalog *slots.Catalog, logger *slog.Logger, opts ...Option) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Detector{
		catalog:           catalog,
		logger:            logger,
		trustFloor:        0.2,
		spuriousThreshold: 0.3,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// numericDriftRatio is the threshold ratio from spec.md §4.5 step 4:
// |v_new - v_old| / max(|v_old|, 1) > 0.20.
const numericDriftRatio = 0.20

// Detect runs the ordered decision procedure for fact F against thread
// threadID's current memories. At most one of the two return values is
// non-nil; both nil means NONE.
func (d *Detector) Detect(ctx context.Context, store Store, threadID uuid.UUID, f model.ExtractedFact) (*Detection, *Retraction, error) {
	switch f.IntentTag {
	case model.IntentDeny:
		return d.detectDenial(ctx, store, threadID, f)
	case model.IntentRetractDenial:
		return d.detectRetractDenial(ctx, store, threadID)
	case model.IntentCorrectDirect, model.IntentCorrectHedged:
		return d.detectCorrection(ctx, store, threadID, f)
	}

	if f.Slot == "" {
		return nil, nil, nil
	}

	desc, ok := d.catalog.Lookup(f.Slot)
	if !ok {
		d.logger.Debug("detect: unknown slot, skipping structural checks", "slot", f.Slot)
		return nil, nil, nil
	}

	candidates, err := store.ListActiveMemoriesBySlot(ctx, threadID, f.Slot)
	if err != nil {
		return nil, nil, fmt.Errorf("detect: list active memories by slot: %w", err)
	}
	if len(candidates) == 0 {
		return nil, nil, nil
	}

	// Step 4: NUMERIC_DRIFT — compared against the newest active candidate.
	if desc.Type == model.SlotNumber || desc.Type == model.SlotYear {
		if det := d.detectNumericDrift(desc, f, candidates[0]); det != nil {
			return det, nil, nil
		}
	}

	// Step 5: TEMPORAL.
	if f.TemporalStatus == model.TemporalPast {
		old := candidates[0]
		if normalizedEqual(f.Normalized, old.Value) {
			// Timeline update, not a conflict: caller writes a new memory
			// with temporal_status=past and history is preserved as-is.
			return nil, nil, nil
		}
		if old.TemporalStatus == model.TemporalActive {
			return &Detection{
				Kind:              model.KindTemporal,
				InvolvedMemoryIDs: []uuid.UUID{old.MemoryID},
				Slot:              f.Slot,
				AffectedDomains:   f.Domains,
				Severity:          model.SeverityLow,
				Notes:             "new value stated as past, differs from active belief",
				Disclose:          true,
			}, nil, nil
		}
	}

	// Step 6: REFINEMENT.
	if det := d.detectRefinement(desc, f, candidates[0]); det != nil {
		return det, nil, nil
	}

	// Step 7: CONFLICT.
	if desc.Arity == model.ArityForSingle {
		if det := d.detectConflict(desc, f, candidates); det != nil {
			return det, nil, nil
		}
	}

	return nil, nil, nil
}

// detectDenial implements step 1. Deny facts carry no slot (see
// internal/extract); the matching active memory is found by value,
// same design decision as the correction steps below.
func (d *Detector) detectDenial(ctx context.Context, store Store, threadID uuid.UUID, f model.ExtractedFact) (*Detection, *Retraction, error) {
	if f.OldValue == "" {
		return nil, nil, nil
	}
	matches, err := store.ListActiveMemoriesByValue(ctx, threadID, f.OldValue)
	if err != nil {
		return nil, nil, fmt.Errorf("detect: denial lookup: %w", err)
	}
	if len(matches) == 0 {
		return nil, nil, nil
	}
	m := matches[0]
	return &Detection{
		Kind:              model.KindDenial,
		InvolvedMemoryIDs: []uuid.UUID{m.MemoryID},
		Slot:              m.Slot,
		AffectedDomains:   m.DomainTags,
		Severity:          model.SeverityMedium,
		Notes:             "user denied a previously stated value",
		Disclose:          true,
	}, nil, nil
}

// detectRetractDenial implements step 2. A retract_denial fact carries
// no slot of its own ("I was just testing you" / "I take that back"),
// so the target is the most recent open DENIAL for the thread, not a
// slot-keyed lookup.
func (d *Detector) detectRetractDenial(ctx context.Context, store Store, threadID uuid.UUID) (*Detection, *Retraction, error) {
	open, err := store.ListOpenContradictions(ctx, threadID)
	if err != nil {
		return nil, nil, fmt.Errorf("detect: retract_denial lookup: %w", err)
	}
	for _, c := range open {
		if c.Kind == model.KindDenial {
			return nil, &Retraction{ContradictionID: c.ContradictionID}, nil
		}
	}
	return nil, nil, nil
}

// detectCorrection implements step 3. Like deny, correction facts carry
// no slot directly; the target memory is located by its old value.
func (d *Detector) detectCorrection(ctx context.Context, store Store, threadID uuid.UUID, f model.ExtractedFact) (*Detection, *Retraction, error) {
	if f.OldValue == "" {
		return nil, nil, nil
	}
	matches, err := store.ListActiveMemoriesByValue(ctx, threadID, f.OldValue)
	if err != nil {
		return nil, nil, fmt.Errorf("detect: correction lookup: %w", err)
	}
	if len(matches) == 0 {
		return nil, nil, nil
	}
	m := matches[0]
	return &Detection{
		Kind:              model.KindRevision,
		InvolvedMemoryIDs: []uuid.UUID{m.MemoryID},
		Slot:              m.Slot,
		AffectedDomains:   m.DomainTags,
		Severity:          model.SeverityHigh,
		Notes:             "correction of a previously stated value",
		Disclose:          true,
	}, nil, nil
}

func (d *Detector) detectNumericDrift(desc model.SlotDescriptor, f model.ExtractedFact, old model.Memory) *Detection {
	if old.TemporalStatus != model.TemporalActive || f.TemporalStatus != model.TemporalActive {
		return nil
	}
	vOld, ok1 := parseNumeric(old.Value)
	vNew, ok2 := parseNumeric(f.Normalized)
	if !ok1 || !ok2 {
		return nil
	}
	denom := math.Max(math.Abs(vOld), 1)
	ratio := math.Abs(vNew-vOld) / denom
	if ratio <= numericDriftRatio {
		return nil
	}
	sev := model.SeverityMedium
	disclose := true
	if d.trustWeightedFiltering && d.isSpurious(old.Trust, old.Trust) {
		sev = model.SeverityLow
		disclose = false
	}
	return &Detection{
		Kind:              model.KindNumericDrift,
		InvolvedMemoryIDs: []uuid.UUID{old.MemoryID},
		Slot:              desc.Name,
		AffectedDomains:   f.Domains,
		Severity:          sev,
		Notes:             fmt.Sprintf("numeric drift ratio %.2f exceeds threshold %.2f", ratio, numericDriftRatio),
		Disclose:          disclose,
	}
}

func (d *Detector) detectRefinement(desc model.SlotDescriptor, f model.ExtractedFact, old model.Memory) *Detection {
	if !isRefinement(desc, old.Value, f.Normalized) {
		return nil
	}
	return &Detection{
		Kind:              model.KindRefinement,
		InvolvedMemoryIDs: []uuid.UUID{old.MemoryID},
		Slot:              desc.Name,
		AffectedDomains:   f.Domains,
		Severity:          model.SeverityLow,
		Notes:             "new value specializes or disambiguates the old one",
		Disclose:          true,
	}
}

func (d *Detector) detectConflict(desc model.SlotDescriptor, f model.ExtractedFact, candidates []model.Memory) *Detection {
	for _, old := range candidates {
		if normalizedEqual(f.Normalized, old.Value) {
			continue
		}
		if !domainsOverlap(f.Domains, old.DomainTags) {
			continue
		}
		if !periodsOverlap(old.ValidFrom, old.ValidUntil, f.TemporalStatus) {
			continue
		}
		sev := model.SeverityHigh
		disclose := true
		if d.trustWeightedFiltering && d.isSpurious(old.Trust, old.Trust) {
			sev = model.SeverityLow
			disclose = false
		}
		return &Detection{
			Kind:              model.KindConflict,
			InvolvedMemoryIDs: []uuid.UUID{old.MemoryID},
			Slot:              desc.Name,
			AffectedDomains:   intersectDomains(f.Domains, old.DomainTags),
			Severity:          sev,
			Notes:             "mutually exclusive values for a single-arity slot",
			Disclose:          disclose,
		}
	}
	return nil
}

// isSpurious implements the trust-weighted filter predicate: both
// trust scores below the floor, or their delta at/above the spurious
// threshold.
func (d *Detector) isSpurious(trustA, trustB float64) bool {
	if trustA < d.trustFloor && trustB < d.trustFloor {
		return true
	}
	return math.Abs(trustA-trustB) >= d.spuriousThreshold
}

func normalizedEqual(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
