package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/anamnesis-ai/anamnesis/internal/apperr"
	"github.com/anamnesis-ai/anamnesis/internal/model"
)

const memorySelectBase = `
	SELECT memory_id, thread_id, session_id, text, slot, value, raw_value,
	       source, trust, confidence, created_at, valid_from, valid_until,
	       period_text, temporal_status, domain_tags, status, embedding, superseded_by
	FROM memories`

func scanMemoryRow(row pgx.Row) (model.Memory, error) {
	var m model.Memory
	var slot, periodText *string
	var embedding *pgvector.Vector
	if err := row.Scan(
		&m.MemoryID, &m.ThreadID, &m.SessionID, &m.Text, &slot, &m.Value, &m.RawValue,
		&m.Source, &m.Trust, &m.Confidence, &m.CreatedAt, &m.ValidFrom, &m.ValidUntil,
		&periodText, &m.TemporalStatus, &m.DomainTags, &m.Status, &embedding, &m.SupersededBy,
	); err != nil {
		return model.Memory{}, err
	}
	if slot != nil {
		m.Slot = *slot
	}
	if periodText != nil {
		m.PeriodText = *periodText
	}
	m.Embedding = embedding
	return m, nil
}

// PutMemory inserts a new memory record. Callers needing at-most-once
// semantics under retry should wrap this with BeginMemoryWrite /
// CompleteMemoryWrite (C3's idempotency requirement). Writes for a
// single thread are serialized, and a thread past its configured
// write-log capacity (SetWriteCapacity) gets apperr.ErrBusy rather
// than blocking on the lock indefinitely.
func (db *DB) PutMemory(ctx context.Context, m model.Memory) (model.Memory, error) {
	if !db.writeAdmission.Allow(m.ThreadID.String()) {
		return model.Memory{}, fmt.Errorf("storage: thread %s write log saturated: %w", m.ThreadID, apperr.ErrBusy)
	}
	lock := db.threadLock(m.ThreadID.String())
	lock.Lock()
	defer lock.Unlock()
	return putMemory(ctx, db.pool, m)
}

// PutMemoryTx is PutMemory run against an existing transaction, used by
// the engine's write step to commit a new memory and its detected
// contradiction (RecordContradictionTx) atomically, per spec.md §4.9/
// §7's "operations spanning C3 and C4 are transactional."
func PutMemoryTx(ctx context.Context, tx pgx.Tx, m model.Memory) (model.Memory, error) {
	return putMemory(ctx, tx, m)
}

func putMemory(ctx context.Context, exec pgxExecer, m model.Memory) (model.Memory, error) {
	if m.MemoryID == uuid.Nil {
		m.MemoryID = uuid.New()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.ValidFrom.IsZero() {
		m.ValidFrom = m.CreatedAt
	}
	if len(m.DomainTags) == 0 {
		m.DomainTags = []string{"general"}
	}
	if m.Status == "" {
		m.Status = model.MemoryActive
	}
	if m.TemporalStatus == "" {
		m.TemporalStatus = model.TemporalActive
	}

	_, err := exec.Exec(ctx,
		`INSERT INTO memories (
		     memory_id, thread_id, session_id, text, slot, value, raw_value,
		     source, trust, confidence, created_at, valid_from, valid_until,
		     period_text, temporal_status, domain_tags, status, embedding, superseded_by
		 ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		m.MemoryID, m.ThreadID, m.SessionID, m.Text, m.Slot, m.Value, m.RawValue,
		m.Source, m.Trust, m.Confidence, m.CreatedAt, m.ValidFrom, m.ValidUntil,
		m.PeriodText, m.TemporalStatus, m.DomainTags, m.Status, m.Embedding, m.SupersededBy,
	)
	if err != nil {
		return model.Memory{}, fmt.Errorf("storage: put memory: %w", err)
	}
	return m, nil
}

// GetMemory fetches a single memory by ID.
func (db *DB) GetMemory(ctx context.Context, memoryID uuid.UUID) (model.Memory, error) {
	m, err := scanMemoryRow(db.pool.QueryRow(ctx, memorySelectBase+` WHERE memory_id = $1`, memoryID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Memory{}, wrapNotFound()
		}
		return model.Memory{}, fmt.Errorf("storage: get memory: %w", err)
	}
	return m, nil
}

// ListActiveMemoriesBySlot returns every active memory for a thread
// carrying the given slot, newest first. Used by the detector (C5) to
// find the candidate it must compare a new assertion against, and by
// retrieval (C6) for per-slot canonical lookup.
func (db *DB) ListActiveMemoriesBySlot(ctx context.Context, threadID uuid.UUID, slot string) ([]model.Memory, error) {
	rows, err := db.pool.Query(ctx,
		memorySelectBase+` WHERE thread_id = $1 AND slot = $2 AND status = 'active' ORDER BY created_at DESC`,
		threadID, slot,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list active memories by slot: %w", err)
	}
	defer rows.Close()
	return collectMemories(rows)
}

// ListActiveMemoriesByValue returns every active memory for a thread
// whose normalized value equals value, across any slot. Used by C5's
// CORRECTION/DENIAL/RETRACT_DENIAL steps, which match on value rather
// than slot (a correction's old_value may originate from any slot).
func (db *DB) ListActiveMemoriesByValue(ctx context.Context, threadID uuid.UUID, value string) ([]model.Memory, error) {
	rows, err := db.pool.Query(ctx,
		memorySelectBase+` WHERE thread_id = $1 AND value = $2 AND status = 'active' ORDER BY created_at DESC`,
		threadID, value,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list active memories by value: %w", err)
	}
	defer rows.Close()
	return collectMemories(rows)
}

// ListMemoriesBySlot returns every memory for a thread carrying the
// given slot regardless of status, newest first. Used by retrieval
// (C6)'s per-slot canonical lookup fallback: "newest active, else
// newest overall" when no active memory exists for the slot.
func (db *DB) ListMemoriesBySlot(ctx context.Context, threadID uuid.UUID, slot string) ([]model.Memory, error) {
	rows, err := db.pool.Query(ctx,
		memorySelectBase+` WHERE thread_id = $1 AND slot = $2 ORDER BY created_at DESC`,
		threadID, slot,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list memories by slot: %w", err)
	}
	defer rows.Close()
	return collectMemories(rows)
}

// ListMemoriesForThread returns every memory for a thread regardless
// of status, newest first, bounded by limit.
func (db *DB) ListMemoriesForThread(ctx context.Context, threadID uuid.UUID, limit int) ([]model.Memory, error) {
	rows, err := db.pool.Query(ctx,
		memorySelectBase+` WHERE thread_id = $1 ORDER BY created_at DESC LIMIT $2`,
		threadID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list memories for thread: %w", err)
	}
	defer rows.Close()
	return collectMemories(rows)
}

// GetMemoriesByIDs hydrates a batch of memory IDs in one round trip,
// thread-scoped. Used by retrieval (C6) after a semantic-index search
// returns candidate IDs: Postgres remains the source of truth for the
// fields Rescore needs (domain_tags, valid_from, trust), the index
// only ever returns IDs plus a raw similarity score.
func (db *DB) GetMemoriesByIDs(ctx context.Context, threadID uuid.UUID, ids []uuid.UUID) ([]model.Memory, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		memorySelectBase+` WHERE thread_id = $1 AND memory_id = ANY($2)`,
		threadID, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get memories by ids: %w", err)
	}
	defer rows.Close()
	return collectMemories(rows)
}

func collectMemories(rows pgx.Rows) ([]model.Memory, error) {
	var out []model.Memory
	for rows.Next() {
		m, err := scanMemoryRow(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan memory: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SupersedeMemory marks a memory as superseded by another. In the
// engine only the Resolution Interface (C9), through SupersedeMemoryTx,
// sets status=superseded (§3.3 ownership); C9 also updates trust,
// domain tags and temporal status through the other *Tx helpers.
func (db *DB) SupersedeMemory(ctx context.Context, memoryID, supersededBy uuid.UUID) error {
	return supersedeMemory(ctx, db.pool, memoryID, supersededBy)
}

// SupersedeMemoryTx is SupersedeMemory run against an existing
// transaction, for callers (C9's apply/rollback) that must commit the
// memory update, the ledger's AppendResolutionTx, and the mutation
// audit row atomically.
func SupersedeMemoryTx(ctx context.Context, tx pgx.Tx, memoryID, supersededBy uuid.UUID) error {
	return supersedeMemory(ctx, tx, memoryID, supersededBy)
}

func supersedeMemory(ctx context.Context, exec pgxExecer, memoryID, supersededBy uuid.UUID) error {
	tag, err := exec.Exec(ctx,
		`UPDATE memories SET status = 'superseded', superseded_by = $2 WHERE memory_id = $1`,
		memoryID, supersededBy,
	)
	if err != nil {
		return fmt.Errorf("storage: supersede memory: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return wrapNotFound()
	}
	return nil
}

// MarkMemoryPast flips a memory's temporal_status to past without
// changing its active/superseded/deprecated status — used by the
// mark_past resolution action (a memory can remain "active" in the
// store's bookkeeping sense while being temporally past).
func (db *DB) MarkMemoryPast(ctx context.Context, memoryID uuid.UUID) error {
	return setMemoryTemporalStatus(ctx, db.pool, memoryID, model.TemporalPast)
}

// MarkMemoryPastTx is MarkMemoryPast run against an existing transaction.
func MarkMemoryPastTx(ctx context.Context, tx pgx.Tx, memoryID uuid.UUID) error {
	return setMemoryTemporalStatus(ctx, tx, memoryID, model.TemporalPast)
}

// SetMemoryTemporalStatusTx sets a memory's temporal_status directly,
// used by the Resolution Interface's rollback path to restore a
// memory's temporal status to whatever a mark_past apply overwrote
// (rollback always restores to active — see internal/resolve).
func SetMemoryTemporalStatusTx(ctx context.Context, tx pgx.Tx, memoryID uuid.UUID, status model.TemporalStatus) error {
	return setMemoryTemporalStatus(ctx, tx, memoryID, status)
}

func setMemoryTemporalStatus(ctx context.Context, exec pgxExecer, memoryID uuid.UUID, status model.TemporalStatus) error {
	tag, err := exec.Exec(ctx,
		`UPDATE memories SET temporal_status = $2 WHERE memory_id = $1`,
		memoryID, status,
	)
	if err != nil {
		return fmt.Errorf("storage: set memory temporal status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return wrapNotFound()
	}
	return nil
}

// RestoreMemoryTx reverses SupersedeMemoryTx: it sets a memory's status
// back to active and clears superseded_by, used by the Resolution
// Interface's rollback path to undo an update_to_newer/update_to_older
// apply within the rollback window.
func RestoreMemoryTx(ctx context.Context, tx pgx.Tx, memoryID uuid.UUID) error {
	tag, err := tx.Exec(ctx,
		`UPDATE memories SET status = 'active', superseded_by = NULL WHERE memory_id = $1`,
		memoryID,
	)
	if err != nil {
		return fmt.Errorf("storage: restore memory: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return wrapNotFound()
	}
	return nil
}

// UpdateMemoryTrust adjusts a memory's trust score, clamped by the
// caller to [trust_min, trust_max] before calling — the store does
// not itself know the configured bounds.
func (db *DB) UpdateMemoryTrust(ctx context.Context, memoryID uuid.UUID, trust float64) error {
	return updateMemoryTrust(ctx, db.pool, memoryID, trust)
}

// UpdateMemoryTrustTx is UpdateMemoryTrust run against an existing transaction.
func UpdateMemoryTrustTx(ctx context.Context, tx pgx.Tx, memoryID uuid.UUID, trust float64) error {
	return updateMemoryTrust(ctx, tx, memoryID, trust)
}

func updateMemoryTrust(ctx context.Context, exec pgxExecer, memoryID uuid.UUID, trust float64) error {
	tag, err := exec.Exec(ctx, `UPDATE memories SET trust = $2 WHERE memory_id = $1`, memoryID, trust)
	if err != nil {
		return fmt.Errorf("storage: update memory trust: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return wrapNotFound()
	}
	return nil
}

// UpdateMemoryDomainTags overwrites a memory's domain tags, used by the
// split_by_domain resolution action to attach disjoint domains to each
// side of a CONFLICT.
func (db *DB) UpdateMemoryDomainTags(ctx context.Context, memoryID uuid.UUID, domainTags []string) error {
	return updateMemoryDomainTags(ctx, db.pool, memoryID, domainTags)
}

// UpdateMemoryDomainTagsTx is UpdateMemoryDomainTags run against an existing transaction.
func UpdateMemoryDomainTagsTx(ctx context.Context, tx pgx.Tx, memoryID uuid.UUID, domainTags []string) error {
	return updateMemoryDomainTags(ctx, tx, memoryID, domainTags)
}

func updateMemoryDomainTags(ctx context.Context, exec pgxExecer, memoryID uuid.UUID, domainTags []string) error {
	tag, err := exec.Exec(ctx, `UPDATE memories SET domain_tags = $2 WHERE memory_id = $1`, memoryID, domainTags)
	if err != nil {
		return fmt.Errorf("storage: update memory domain tags: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return wrapNotFound()
	}
	return nil
}

// PutMemoryWithContradiction commits a new memory and the ledger entry
// for the contradiction it was detected against atomically, satisfying
// internal/engine.Store for the Postgres-backed path. spec.md §4.9/§7
// requires C3 and C4 writes spanning one fact to commit or fail
// together; WithTx gives Postgres a real transaction for that, unlike
// internal/sqlitestore's sequential best-effort implementation.
func (db *DB) PutMemoryWithContradiction(ctx context.Context, m model.Memory, c model.Contradiction) (model.Memory, error) {
	if !db.writeAdmission.Allow(m.ThreadID.String()) {
		return model.Memory{}, fmt.Errorf("storage: thread %s write log saturated: %w", m.ThreadID, apperr.ErrBusy)
	}
	lock := db.threadLock(m.ThreadID.String())
	lock.Lock()
	defer lock.Unlock()

	var written model.Memory
	err := db.WithTx(ctx, func(tx pgx.Tx) error {
		var txErr error
		written, txErr = PutMemoryTx(ctx, tx, m)
		if txErr != nil {
			return txErr
		}
		c.InvolvedMemoryIDs = append(append([]uuid.UUID{}, c.InvolvedMemoryIDs...), written.MemoryID)
		_, txErr = RecordContradictionTx(ctx, tx, c)
		return txErr
	})
	if err != nil {
		return model.Memory{}, err
	}
	return written, nil
}
