// Package resolve implements the Resolution Interface (C9): the only
// path allowed to change a Contradiction Ledger entry's status and the
// only path allowed to set status=superseded on a memory
// (SPEC_FULL.md §3 ownership). It never runs a model; suggest derives
// its candidates from timestamps and trust alone, mirroring the
// teacher's deterministic ResolveFactConflictKeep/ResolveFactConflictReplace
// pair from timelayer-timelayer's conflict resolution, adapted here to
// the six-action set of spec.md §4.9 and wrapped in storage.DB.WithTx
// so the ledger update, the memory mutation, and the mutation-audit
// row commit atomically per thread.
package resolve

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/anamnesis-ai/anamnesis/internal/apperr"
	"github.com/anamnesis-ai/anamnesis/internal/model"
	"github.com/anamnesis-ai/anamnesis/internal/storage"
)

// Config holds C9's tunables, named in spec.md §8.
type Config struct {
	// TrustMin/TrustMax bound every trust value the store holds.
	TrustMin float64
	TrustMax float64
	// TrustBump is added to the winning memory's trust on
	// update_to_newer/update_to_older, clamped to TrustMax.
	TrustBump float64
	// RollbackWindow bounds how long after an apply a rollback(rollback_id)
	// call may still invert it.
	RollbackWindow time.Duration
}

// DefaultConfig returns the defaults named in spec.md §8.
func DefaultConfig() Config {
	return Config{
		TrustMin:       0.05,
		TrustMax:       0.98,
		TrustBump:      0.15,
		RollbackWindow: 24 * time.Hour,
	}
}

func (cfg Config) bumpedTrust(current float64) float64 {
	t := current + cfg.TrustBump
	if t > cfg.TrustMax {
		t = cfg.TrustMax
	}
	if t < cfg.TrustMin {
		t = cfg.TrustMin
	}
	return t
}

// Store implements suggest/apply/rollback against the Postgres-backed
// Memory Store and Contradiction Ledger.
type Store struct {
	db  *storage.DB
	cfg Config
}

// New builds a Store. cfg should normally be DefaultConfig(), overridden
// by deployment configuration.
func New(db *storage.DB, cfg Config) *Store {
	return &Store{db: db, cfg: cfg}
}

// Suggestion is one deterministic candidate resolution for a
// contradiction, ranked by Confidence (highest first within the
// returned slice).
type Suggestion struct {
	Action     model.ResolutionAction
	Confidence float64
	Rationale  string
}

func (s *Store) loadInvolved(ctx context.Context, c model.Contradiction) ([]model.Memory, error) {
	mems, err := s.db.GetMemoriesByIDs(ctx, c.ThreadID, c.InvolvedMemoryIDs)
	if err != nil {
		return nil, fmt.Errorf("resolve: load involved memories: %w", err)
	}
	return mems, nil
}

// orderByRecency picks the oldest and newest memory by ValidFrom
// (falling back to CreatedAt on a tie) among mems. ok is false when
// fewer than two memories are present — an action that needs an
// older/newer pair cannot proceed.
func orderByRecency(mems []model.Memory) (older, newer model.Memory, ok bool) {
	if len(mems) < 2 {
		return model.Memory{}, model.Memory{}, false
	}
	older, newer = mems[0], mems[0]
	for _, m := range mems[1:] {
		if recencyKey(m).Before(recencyKey(older)) {
			older = m
		}
		if recencyKey(m).After(recencyKey(newer)) {
			newer = m
		}
	}
	if older.MemoryID == newer.MemoryID {
		return model.Memory{}, model.Memory{}, false
	}
	return older, newer, true
}

func recencyKey(m model.Memory) time.Time {
	if !m.ValidFrom.IsZero() {
		return m.ValidFrom
	}
	return m.CreatedAt
}

// confidenceFromGap scores an update_to_newer suggestion: a larger gap
// between the two memories' valid_from times, or a trust advantage for
// the newer memory, both raise confidence. Never a model call — purely
// a function of the two timestamps and trust values already on record.
func confidenceFromGap(older, newer model.Memory) float64 {
	gap := recencyKey(newer).Sub(recencyKey(older))
	base := 0.6
	switch {
	case gap > 30*24*time.Hour:
		base = 0.9
	case gap > 7*24*time.Hour:
		base = 0.75
	}
	if newer.Trust > older.Trust {
		base += 0.05
	}
	if base > 0.97 {
		base = 0.97
	}
	return base
}

// Suggest returns deterministic candidate resolutions for an open
// contradiction, ranked highest-confidence first. A terminal
// contradiction has nothing left to suggest and returns (nil, nil).
func (s *Store) Suggest(ctx context.Context, contradictionID uuid.UUID) ([]Suggestion, error) {
	c, err := s.db.GetContradiction(ctx, contradictionID)
	if err != nil {
		return nil, fmt.Errorf("resolve: suggest: %w", err)
	}
	if c.IsTerminal() {
		return nil, nil
	}

	switch c.Kind {
	case model.KindTemporal:
		return []Suggestion{
			{Action: model.ActionMarkPast, Confidence: 0.85, Rationale: "a TEMPORAL contradiction names a fact that has lapsed; mark_past records that without discarding it"},
		}, nil

	case model.KindDenial:
		return []Suggestion{
			{Action: model.ActionDismiss, Confidence: 0.4, Rationale: "a DENIAL usually resolves itself via retract_denial; dismiss if the user does not retract"},
			{Action: model.ActionKeepBoth, Confidence: 0.3, Rationale: "keep both claims visible pending further input"},
		}, nil

	case model.KindConflict:
		return []Suggestion{
			{Action: model.ActionSplitByDomain, Confidence: 0.5, Rationale: "CONFLICT often reflects two valid claims scoped to different domains"},
			{Action: model.ActionKeepBoth, Confidence: 0.35, Rationale: "if the claims cannot be disjointly scoped, keep both and let retrieval's domain boost sort it out"},
		}, nil

	default: // REVISION, REFINEMENT, NUMERIC_DRIFT
		mems, err := s.loadInvolved(ctx, c)
		if err != nil {
			return nil, err
		}
		older, newer, ok := orderByRecency(mems)
		if !ok {
			return []Suggestion{
				{Action: model.ActionKeepBoth, Confidence: 0.2, Rationale: "fewer than two involved memories on record; insufficient data to order them"},
			}, nil
		}
		conf := confidenceFromGap(older, newer)
		return []Suggestion{
			{Action: model.ActionUpdateToNewer, Confidence: conf, Rationale: fmt.Sprintf("memory %s postdates %s by %s", newer.MemoryID, older.MemoryID, recencyKey(newer).Sub(recencyKey(older)).Round(time.Hour))},
			{Action: model.ActionUpdateToOlder, Confidence: 1 - conf, Rationale: "inverse: keep the older memory if the newer one was a mistaken correction"},
		}, nil
	}
}

// ApplyParams carries the action and its actor/annotation for an
// apply() call. DomainSplit is required only for split_by_domain: a
// map from memory_id to the disjoint domain tags that memory keeps.
type ApplyParams struct {
	Action      model.ResolutionAction
	Actor       model.ResolutionActor
	Note        string
	DomainSplit map[uuid.UUID][]string
}

// ApplyResult carries the updated ledger entry and the rollback handle
// a caller can later pass to Rollback.
type ApplyResult struct {
	Contradiction model.Contradiction
	RollbackID    uuid.UUID
}

// Apply executes one of the six resolution actions of spec.md §4.9.
// The ledger update, the memory mutation(s), and the mutation-audit
// row commit in a single transaction.
func (s *Store) Apply(ctx context.Context, contradictionID uuid.UUID, p ApplyParams) (ApplyResult, error) {
	c, err := s.db.GetContradiction(ctx, contradictionID)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("resolve: apply: %w", err)
	}
	if c.IsTerminal() {
		return ApplyResult{}, fmt.Errorf("resolve: apply: contradiction %s is already terminal: %w", contradictionID, apperr.ErrConflict)
	}

	mems, err := s.loadInvolved(ctx, c)
	if err != nil {
		return ApplyResult{}, err
	}

	var older, newer model.Memory
	needsOrder := p.Action == model.ActionUpdateToNewer || p.Action == model.ActionUpdateToOlder || p.Action == model.ActionMarkPast
	if needsOrder {
		var ok bool
		older, newer, ok = orderByRecency(mems)
		if !ok {
			return ApplyResult{}, fmt.Errorf("resolve: apply: %s requires at least two involved memories: %w", p.Action, apperr.ErrInvariantViolation)
		}
	}

	rollbackID := uuid.New()
	event := model.ResolutionEvent{
		Action:     p.Action,
		Actor:      p.Actor,
		At:         time.Now().UTC(),
		RollbackID: &rollbackID,
		Note:       p.Note,
	}
	newStatus := model.StatusResolved
	if p.Action == model.ActionDismiss {
		newStatus = model.StatusDismissed
	}

	err = s.db.WithTx(ctx, func(tx pgx.Tx) error {
		switch p.Action {
		case model.ActionUpdateToNewer:
			if err := storage.SupersedeMemoryTx(ctx, tx, older.MemoryID, newer.MemoryID); err != nil {
				return err
			}
			if err := storage.UpdateMemoryTrustTx(ctx, tx, newer.MemoryID, s.cfg.bumpedTrust(newer.Trust)); err != nil {
				return err
			}

		case model.ActionUpdateToOlder:
			if err := storage.SupersedeMemoryTx(ctx, tx, newer.MemoryID, older.MemoryID); err != nil {
				return err
			}
			if err := storage.UpdateMemoryTrustTx(ctx, tx, older.MemoryID, s.cfg.bumpedTrust(older.Trust)); err != nil {
				return err
			}

		case model.ActionKeepBoth, model.ActionDismiss:
			// No memory mutation; the ledger status change below is the
			// entire effect.

		case model.ActionSplitByDomain:
			if len(p.DomainSplit) == 0 {
				return fmt.Errorf("resolve: split_by_domain requires a non-empty domain split: %w", apperr.ErrInvariantViolation)
			}
			for _, m := range mems {
				tags, ok := p.DomainSplit[m.MemoryID]
				if !ok || len(tags) == 0 {
					continue
				}
				if err := storage.UpdateMemoryDomainTagsTx(ctx, tx, m.MemoryID, tags); err != nil {
					return err
				}
			}

		case model.ActionMarkPast:
			if err := storage.MarkMemoryPastTx(ctx, tx, older.MemoryID); err != nil {
				return err
			}

		default:
			return fmt.Errorf("resolve: apply: unknown action %q: %w", p.Action, apperr.ErrInvariantViolation)
		}

		if err := storage.AppendResolutionTx(ctx, tx, contradictionID, event, newStatus, p.Action); err != nil {
			return err
		}

		return storage.InsertMutationAuditTx(ctx, tx, storage.MutationAuditEntry{
			ThreadID:    c.ThreadID,
			Actor:       string(p.Actor),
			Action:      string(p.Action),
			TargetTable: "contradictions",
			TargetID:    contradictionID,
			Detail: map[string]any{
				"rollback_id": rollbackID.String(),
				"note":        p.Note,
			},
		})
	})
	if err != nil {
		return ApplyResult{}, fmt.Errorf("resolve: apply: %w", err)
	}

	updated, err := s.db.GetContradiction(ctx, contradictionID)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("resolve: apply: reload after commit: %w", err)
	}
	return ApplyResult{Contradiction: updated, RollbackID: rollbackID}, nil
}

// Rollback inverts the apply identified by rollbackID, provided it is
// still within the configured rollback window. Idempotent: the first
// rollback appends an event noted "rollback of <rollbackID>", and a
// second Rollback of the same rollbackID finds that note and fails with
// ErrNotFound without changing anything.
func (s *Store) Rollback(ctx context.Context, rollbackID uuid.UUID) error {
	c, err := s.db.GetContradictionByRollbackID(ctx, rollbackID)
	if err != nil {
		return fmt.Errorf("resolve: rollback: %w", err)
	}

	var target *model.ResolutionEvent
	for i := range c.ResolutionHistory {
		if e := &c.ResolutionHistory[i]; e.RollbackID != nil && *e.RollbackID == rollbackID {
			target = e
			break
		}
	}
	if target == nil {
		return fmt.Errorf("resolve: rollback: no event tagged %s: %w", rollbackID, apperr.ErrNotFound)
	}
	inverseNote := fmt.Sprintf("rollback of %s", rollbackID)
	for _, e := range c.ResolutionHistory {
		if e.Note == inverseNote {
			return fmt.Errorf("resolve: rollback: %s already rolled back: %w", rollbackID, apperr.ErrNotFound)
		}
	}
	if time.Since(target.At) > s.cfg.RollbackWindow {
		return fmt.Errorf("resolve: rollback: window of %s elapsed since %s: %w", s.cfg.RollbackWindow, target.At, apperr.ErrConflict)
	}

	mems, err := s.loadInvolved(ctx, c)
	if err != nil {
		return err
	}
	older, newer, hasPair := orderByRecency(mems)

	newRollbackID := uuid.New()
	inverseEvent := model.ResolutionEvent{
		Action:     target.Action,
		Actor:      model.ActorSystem,
		At:         time.Now().UTC(),
		RollbackID: &newRollbackID,
		Note:       inverseNote,
	}

	err = s.db.WithTx(ctx, func(tx pgx.Tx) error {
		switch target.Action {
		case model.ActionUpdateToNewer:
			if !hasPair {
				return fmt.Errorf("resolve: rollback: cannot locate the superseded memory pair: %w", apperr.ErrInvariantViolation)
			}
			if err := storage.RestoreMemoryTx(ctx, tx, older.MemoryID); err != nil {
				return err
			}

		case model.ActionUpdateToOlder:
			if !hasPair {
				return fmt.Errorf("resolve: rollback: cannot locate the superseded memory pair: %w", apperr.ErrInvariantViolation)
			}
			if err := storage.RestoreMemoryTx(ctx, tx, newer.MemoryID); err != nil {
				return err
			}

		case model.ActionMarkPast:
			if !hasPair {
				return fmt.Errorf("resolve: rollback: cannot locate the marked memory: %w", apperr.ErrInvariantViolation)
			}
			if err := storage.SetMemoryTemporalStatusTx(ctx, tx, older.MemoryID, model.TemporalActive); err != nil {
				return err
			}

		case model.ActionSplitByDomain, model.ActionKeepBoth, model.ActionDismiss:
			// Domain-tag and no-op actions reopen the ledger entry only;
			// split_by_domain's exact prior tags are not retained, a
			// known limitation (see DESIGN.md).

		default:
			return fmt.Errorf("resolve: rollback: unknown action %q: %w", target.Action, apperr.ErrInvariantViolation)
		}

		if err := storage.AppendRollbackEventTx(ctx, tx, c.ContradictionID, inverseEvent); err != nil {
			return err
		}

		return storage.InsertMutationAuditTx(ctx, tx, storage.MutationAuditEntry{
			ThreadID:    c.ThreadID,
			Actor:       string(model.ActorSystem),
			Action:      "rollback",
			TargetTable: "contradictions",
			TargetID:    c.ContradictionID,
			Detail: map[string]any{
				"rollback_id":    newRollbackID.String(),
				"inverted_event": rollbackID.String(),
			},
		})
	})
	if err != nil {
		return fmt.Errorf("resolve: rollback: %w", err)
	}
	return nil
}
