package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/anamnesis-ai/anamnesis/internal/apperr"
	"github.com/anamnesis-ai/anamnesis/internal/model"
)

const contradictionSelectBase = `
	SELECT contradiction_id, thread_id, created_at, updated_at, kind,
	       involved_memory_ids, slot, affected_domains, severity,
	       status, resolution, resolution_history, notes
	FROM contradictions`

func scanContradictionRow(row pgx.Row) (model.Contradiction, error) {
	var c model.Contradiction
	var slot, notes, resolution *string
	var historyJSON []byte
	if err := row.Scan(
		&c.ContradictionID, &c.ThreadID, &c.CreatedAt, &c.UpdatedAt, &c.Kind,
		&c.InvolvedMemoryIDs, &slot, &c.AffectedDomains, &c.Severity,
		&c.Status, &resolution, &historyJSON, &notes,
	); err != nil {
		return model.Contradiction{}, err
	}
	if slot != nil {
		c.Slot = *slot
	}
	if notes != nil {
		c.Notes = *notes
	}
	if resolution != nil {
		r := model.ResolutionAction(*resolution)
		c.Resolution = &r
	}
	if len(historyJSON) > 0 {
		if err := json.Unmarshal(historyJSON, &c.ResolutionHistory); err != nil {
			return model.Contradiction{}, fmt.Errorf("unmarshal resolution_history: %w", err)
		}
	}
	return c, nil
}

// RecordContradiction inserts a new ledger entry. The ledger is
// append-only from here on: every subsequent change goes through
// AppendResolution, never a direct UPDATE to Kind/InvolvedMemoryIDs/Slot.
func (db *DB) RecordContradiction(ctx context.Context, c model.Contradiction) (model.Contradiction, error) {
	return recordContradiction(ctx, db.pool, c)
}

// RecordContradictionTx is RecordContradiction run against an existing
// transaction, paired with PutMemoryTx in the engine's write step.
func RecordContradictionTx(ctx context.Context, tx pgx.Tx, c model.Contradiction) (model.Contradiction, error) {
	return recordContradiction(ctx, tx, c)
}

func recordContradiction(ctx context.Context, exec pgxExecer, c model.Contradiction) (model.Contradiction, error) {
	if c.ContradictionID == uuid.Nil {
		c.ContradictionID = uuid.New()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.UpdatedAt = c.CreatedAt
	if c.Status == "" {
		c.Status = model.StatusOpen
	}
	if c.ResolutionHistory == nil {
		c.ResolutionHistory = []model.ResolutionEvent{}
	}
	historyJSON, err := json.Marshal(c.ResolutionHistory)
	if err != nil {
		return model.Contradiction{}, fmt.Errorf("storage: marshal resolution_history: %w", err)
	}

	_, err = exec.Exec(ctx,
		`INSERT INTO contradictions (
		     contradiction_id, thread_id, created_at, updated_at, kind,
		     involved_memory_ids, slot, affected_domains, severity,
		     status, resolution, resolution_history, notes
		 ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12::jsonb,$13)`,
		c.ContradictionID, c.ThreadID, c.CreatedAt, c.UpdatedAt, c.Kind,
		c.InvolvedMemoryIDs, nullIfEmpty(c.Slot), c.AffectedDomains, c.Severity,
		c.Status, resolutionPtr(c.Resolution), historyJSON, nullIfEmpty(c.Notes),
	)
	if err != nil {
		return model.Contradiction{}, fmt.Errorf("storage: record contradiction: %w", err)
	}
	return c, nil
}

// GetContradiction fetches a single ledger entry by ID.
func (db *DB) GetContradiction(ctx context.Context, contradictionID uuid.UUID) (model.Contradiction, error) {
	c, err := scanContradictionRow(db.pool.QueryRow(ctx, contradictionSelectBase+` WHERE contradiction_id = $1`, contradictionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Contradiction{}, wrapNotFound()
		}
		return model.Contradiction{}, fmt.Errorf("storage: get contradiction: %w", err)
	}
	return c, nil
}

// ListOpenContradictions returns every open ledger entry for a thread,
// newest first.
func (db *DB) ListOpenContradictions(ctx context.Context, threadID uuid.UUID) ([]model.Contradiction, error) {
	rows, err := db.pool.Query(ctx,
		contradictionSelectBase+` WHERE thread_id = $1 AND status = 'open' ORDER BY created_at DESC`,
		threadID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list open contradictions: %w", err)
	}
	defer rows.Close()
	return collectContradictions(rows)
}

// ListContradictionsByMemory returns every ledger entry (any status)
// that involves memoryID, used by the Invariant Enforcer (C7) to
// derive reintroduced_claim at read time.
func (db *DB) ListContradictionsByMemory(ctx context.Context, memoryID uuid.UUID) ([]model.Contradiction, error) {
	rows, err := db.pool.Query(ctx,
		contradictionSelectBase+` WHERE $1 = ANY(involved_memory_ids) ORDER BY created_at DESC`,
		memoryID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list contradictions by memory: %w", err)
	}
	defer rows.Close()
	return collectContradictions(rows)
}

// HasOpenContradictionForMemory reports whether memoryID is involved
// in any open ledger entry — the fast-path check C7 uses before
// computing the full reintroduced_claim flag.
func (db *DB) HasOpenContradictionForMemory(ctx context.Context, memoryID uuid.UUID) (bool, error) {
	var exists bool
	err := db.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM contradictions WHERE $1 = ANY(involved_memory_ids) AND status = 'open')`,
		memoryID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("storage: has open contradiction for memory: %w", err)
	}
	return exists, nil
}

// GetContradictionByRollbackID finds the ledger entry whose
// resolution_history carries an event tagged with rollbackID — the
// lookup rollback(rollback_id) needs to locate what to invert, since
// resolution events have no table of their own.
func (db *DB) GetContradictionByRollbackID(ctx context.Context, rollbackID uuid.UUID) (model.Contradiction, error) {
	c, err := scanContradictionRow(db.pool.QueryRow(ctx,
		contradictionSelectBase+`
		 WHERE EXISTS (
		     SELECT 1 FROM jsonb_array_elements(resolution_history) e
		     WHERE e->>'rollback_id' = $1
		 )`,
		rollbackID.String(),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Contradiction{}, wrapNotFound()
		}
		return model.Contradiction{}, fmt.Errorf("storage: get contradiction by rollback id: %w", err)
	}
	return c, nil
}

func collectContradictions(rows pgx.Rows) ([]model.Contradiction, error) {
	var out []model.Contradiction
	for rows.Next() {
		c, err := scanContradictionRow(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan contradiction: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// AppendResolution appends one event to a ledger entry's
// resolution_history and updates status/resolution/updated_at in the
// same statement. It refuses to append to a contradiction whose
// status is already terminal (resolved or dismissed), enforcing
// SPEC_FULL.md §3's "ledger is append-only ... monotonic" invariant
// at the storage boundary rather than trusting callers.
func (db *DB) AppendResolution(ctx context.Context, contradictionID uuid.UUID, event model.ResolutionEvent, newStatus model.ContradictionStatus, action model.ResolutionAction) error {
	return appendResolution(ctx, db.pool, contradictionID, event, newStatus, action, func(ctx context.Context, id uuid.UUID) error {
		_, err := db.GetContradiction(ctx, id)
		return err
	})
}

// AppendResolutionTx is AppendResolution run against an existing
// transaction, for C9's apply/rollback path: the ledger update, the
// memory mutation (SupersedeMemoryTx/MarkMemoryPastTx/UpdateMemoryTrustTx),
// and InsertMutationAuditTx all commit or roll back together.
func AppendResolutionTx(ctx context.Context, tx pgx.Tx, contradictionID uuid.UUID, event model.ResolutionEvent, newStatus model.ContradictionStatus, action model.ResolutionAction) error {
	return appendResolution(ctx, tx, contradictionID, event, newStatus, action, func(ctx context.Context, id uuid.UUID) error {
		_, err := scanContradictionRow(tx.QueryRow(ctx, contradictionSelectBase+` WHERE contradiction_id = $1`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return wrapNotFound()
		}
		return err
	})
}

func appendResolution(
	ctx context.Context,
	exec pgxExecer,
	contradictionID uuid.UUID,
	event model.ResolutionEvent,
	newStatus model.ContradictionStatus,
	action model.ResolutionAction,
	lookupOnConflict func(context.Context, uuid.UUID) error,
) error {
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("storage: marshal resolution event: %w", err)
	}

	tag, err := exec.Exec(ctx,
		`UPDATE contradictions
		 SET resolution_history = resolution_history || $2::jsonb,
		     status = $3,
		     resolution = $4,
		     updated_at = now()
		 WHERE contradiction_id = $1 AND status = 'open'`,
		contradictionID, eventJSON, newStatus, string(action),
	)
	if err != nil {
		return fmt.Errorf("storage: append resolution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if getErr := lookupOnConflict(ctx, contradictionID); getErr != nil {
			return getErr
		}
		return fmt.Errorf("storage: append resolution: %w (contradiction already terminal)", wrapConflict())
	}
	return nil
}

// AppendRollbackEventTx appends a rollback event and reopens a
// terminal contradiction, bypassing the open-only guard
// AppendResolutionTx enforces — rollback is the one operation the
// ledger permits against a resolved/dismissed entry (SPEC_FULL.md
// §4.9's "rollback inverts a prior apply").
func AppendRollbackEventTx(ctx context.Context, tx pgx.Tx, contradictionID uuid.UUID, event model.ResolutionEvent) error {
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("storage: marshal rollback event: %w", err)
	}
	tag, err := tx.Exec(ctx,
		`UPDATE contradictions
		 SET resolution_history = resolution_history || $2::jsonb,
		     status = 'open',
		     resolution = NULL,
		     updated_at = now()
		 WHERE contradiction_id = $1`,
		contradictionID, eventJSON,
	)
	if err != nil {
		return fmt.Errorf("storage: append rollback event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return wrapNotFound()
	}
	return nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func resolutionPtr(r *model.ResolutionAction) *string {
	if r == nil {
		return nil
	}
	s := string(*r)
	return &s
}

func wrapConflict() error {
	return errors.Join(errors.New("storage: conflict"), apperr.ErrConflict)
}
