package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/anamnesis-ai/anamnesis/internal/apperr"
	"github.com/anamnesis-ai/anamnesis/internal/model"
)

// ErrNotFound mirrors internal/storage's sentinel so callers can share
// error-handling code across the two Store implementations.
var ErrNotFound = errors.New("sqlitestore: not found")

func wrapNotFound() error {
	return errors.Join(ErrNotFound, apperr.ErrNotFound)
}

const rfc3339 = time.RFC3339Nano

func encodeEmbedding(v *pgvector.Vector) []byte {
	if v == nil {
		return nil
	}
	vals := v.Slice()
	buf := make([]byte, 4*len(vals))
	for i, f := range vals {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeEmbedding(buf []byte) *pgvector.Vector {
	if len(buf) == 0 {
		return nil
	}
	vals := make([]float32, len(buf)/4)
	for i := range vals {
		vals[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	v := pgvector.NewVector(vals)
	return &v
}

const memorySelectBase = `
	SELECT memory_id, thread_id, session_id, text, slot, value, raw_value,
	       source, trust, confidence, created_at, valid_from, valid_until,
	       period_text, temporal_status, domain_tags, status, embedding, superseded_by
	FROM memories`

func scanMemoryRow(row *sql.Row) (model.Memory, error) {
	var m model.Memory
	var memoryID, threadID, sessionID string
	var slot, periodText, validUntil, supersededBy sql.NullString
	var domainTagsJSON string
	var embedding []byte

	if err := row.Scan(
		&memoryID, &threadID, &sessionID, &m.Text, &slot, &m.Value, &m.RawValue,
		&m.Source, &m.Trust, &m.Confidence, &m.CreatedAt, &m.ValidFrom, &validUntil,
		&periodText, &m.TemporalStatus, &domainTagsJSON, &m.Status, &embedding, &supersededBy,
	); err != nil {
		return model.Memory{}, err
	}
	return finishMemoryScan(m, memoryID, threadID, sessionID, slot, periodText, validUntil, supersededBy, domainTagsJSON, embedding)
}

func scanMemoryRows(rows *sql.Rows) (model.Memory, error) {
	var m model.Memory
	var memoryID, threadID, sessionID string
	var slot, periodText, validUntil, supersededBy sql.NullString
	var domainTagsJSON string
	var embedding []byte

	if err := rows.Scan(
		&memoryID, &threadID, &sessionID, &m.Text, &slot, &m.Value, &m.RawValue,
		&m.Source, &m.Trust, &m.Confidence, &m.CreatedAt, &m.ValidFrom, &validUntil,
		&periodText, &m.TemporalStatus, &domainTagsJSON, &m.Status, &embedding, &supersededBy,
	); err != nil {
		return model.Memory{}, err
	}
	return finishMemoryScan(m, memoryID, threadID, sessionID, slot, periodText, validUntil, supersededBy, domainTagsJSON, embedding)
}

func finishMemoryScan(m model.Memory, memoryID, threadID, sessionID string, slot, periodText, validUntil, supersededBy sql.NullString, domainTagsJSON string, embedding []byte) (model.Memory, error) {
	var err error
	if m.MemoryID, err = uuid.Parse(memoryID); err != nil {
		return model.Memory{}, fmt.Errorf("parse memory_id: %w", err)
	}
	if m.ThreadID, err = uuid.Parse(threadID); err != nil {
		return model.Memory{}, fmt.Errorf("parse thread_id: %w", err)
	}
	if m.SessionID, err = uuid.Parse(sessionID); err != nil {
		return model.Memory{}, fmt.Errorf("parse session_id: %w", err)
	}
	if slot.Valid {
		m.Slot = slot.String
	}
	if periodText.Valid {
		m.PeriodText = periodText.String
	}
	if validUntil.Valid {
		t, err := time.Parse(rfc3339, validUntil.String)
		if err != nil {
			return model.Memory{}, fmt.Errorf("parse valid_until: %w", err)
		}
		m.ValidUntil = &t
	}
	if supersededBy.Valid {
		id, err := uuid.Parse(supersededBy.String)
		if err != nil {
			return model.Memory{}, fmt.Errorf("parse superseded_by: %w", err)
		}
		m.SupersededBy = &id
	}
	if err := json.Unmarshal([]byte(domainTagsJSON), &m.DomainTags); err != nil {
		return model.Memory{}, fmt.Errorf("unmarshal domain_tags: %w", err)
	}
	m.Embedding = decodeEmbedding(embedding)
	return m, nil
}

// PutMemory inserts a new memory record.
func (s *Store) PutMemory(ctx context.Context, m model.Memory) (model.Memory, error) {
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

	domainTagsJSON, err := json.Marshal(m.DomainTags)
	if err != nil {
		return model.Memory{}, fmt.Errorf("sqlitestore: marshal domain_tags: %w", err)
	}

	var validUntil, supersededBy any
	if m.ValidUntil != nil {
		validUntil = m.ValidUntil.Format(rfc3339)
	}
	if m.SupersededBy != nil {
		supersededBy = m.SupersededBy.String()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO memories (
		     memory_id, thread_id, session_id, text, slot, value, raw_value,
		     source, trust, confidence, created_at, valid_from, valid_until,
		     period_text, temporal_status, domain_tags, status, embedding, superseded_by
		 ) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.MemoryID.String(), m.ThreadID.String(), m.SessionID.String(), m.Text, nullableString(m.Slot), m.Value, m.RawValue,
		m.Source, m.Trust, m.Confidence, m.CreatedAt.Format(rfc3339), m.ValidFrom.Format(rfc3339), validUntil,
		nullableString(m.PeriodText), m.TemporalStatus, string(domainTagsJSON), m.Status, encodeEmbedding(m.Embedding), supersededBy,
	)
	if err != nil {
		return model.Memory{}, fmt.Errorf("sqlitestore: put memory: %w", err)
	}
	return m, nil
}

// GetMemory fetches a single memory by ID.
func (s *Store) GetMemory(ctx context.Context, memoryID uuid.UUID) (model.Memory, error) {
	m, err := scanMemoryRow(s.db.QueryRowContext(ctx, memorySelectBase+` WHERE memory_id = ?`, memoryID.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Memory{}, wrapNotFound()
		}
		return model.Memory{}, fmt.Errorf("sqlitestore: get memory: %w", err)
	}
	return m, nil
}

// ListActiveMemoriesBySlot returns every active memory for a thread
// carrying the given slot, newest first.
func (s *Store) ListActiveMemoriesBySlot(ctx context.Context, threadID uuid.UUID, slot string) ([]model.Memory, error) {
	rows, err := s.db.QueryContext(ctx,
		memorySelectBase+` WHERE thread_id = ? AND slot = ? AND status = 'active' ORDER BY created_at DESC`,
		threadID.String(), slot,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list active memories by slot: %w", err)
	}
	defer rows.Close()
	return collectMemories(rows)
}

// ListActiveMemoriesByValue returns every active memory for a thread
// whose normalized value equals value, across any slot. Correction
// facts (correct_direct/correct_hedged/deny/retract_denial) carry no
// slot name, so the detector matches them by value instead.
func (s *Store) ListActiveMemoriesByValue(ctx context.Context, threadID uuid.UUID, value string) ([]model.Memory, error) {
	rows, err := s.db.QueryContext(ctx,
		memorySelectBase+` WHERE thread_id = ? AND value = ? AND status = 'active' ORDER BY created_at DESC`,
		threadID.String(), value,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list active memories by value: %w", err)
	}
	defer rows.Close()
	return collectMemories(rows)
}

// ListMemoriesBySlot returns every memory for a thread carrying the
// given slot regardless of status, newest first. Used by the
// retrieval pipeline's slot-exact-match path (spec.md §4.6), which
// considers superseded memories when the caller asks to include past
// values.
func (s *Store) ListMemoriesBySlot(ctx context.Context, threadID uuid.UUID, slot string) ([]model.Memory, error) {
	rows, err := s.db.QueryContext(ctx,
		memorySelectBase+` WHERE thread_id = ? AND slot = ? ORDER BY created_at DESC`,
		threadID.String(), slot,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list memories by slot: %w", err)
	}
	defer rows.Close()
	return collectMemories(rows)
}

// GetMemoriesByIDs hydrates a batch of memory IDs scoped to a single
// thread, in the order SQLite happens to return them — callers that
// care about order re-sort by the ids they passed in.
func (s *Store) GetMemoriesByIDs(ctx context.Context, threadID uuid.UUID, ids []uuid.UUID) ([]model.Memory, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, 0, len(ids)+1)
	args = append(args, threadID.String())
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id.String())
	}
	query := memorySelectBase + ` WHERE thread_id = ? AND memory_id IN (` + strings.Join(placeholders, ",") + `)`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: get memories by ids: %w", err)
	}
	defer rows.Close()
	return collectMemories(rows)
}

// ListMemoriesForThread returns every memory for a thread regardless
// of status, newest first, bounded by limit.
func (s *Store) ListMemoriesForThread(ctx context.Context, threadID uuid.UUID, limit int) ([]model.Memory, error) {
	rows, err := s.db.QueryContext(ctx,
		memorySelectBase+` WHERE thread_id = ? ORDER BY created_at DESC LIMIT ?`,
		threadID.String(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list memories for thread: %w", err)
	}
	defer rows.Close()
	return collectMemories(rows)
}

func collectMemories(rows *sql.Rows) ([]model.Memory, error) {
	var out []model.Memory
	for rows.Next() {
		m, err := scanMemoryRows(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlitestore: scan memory: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// PutMemoryWithContradiction commits a new memory then the ledger
// entry for the contradiction it was detected against, satisfying
// internal/engine.Store for the CLI's offline path. Unlike
// internal/storage's Postgres implementation this is not atomic —
// database/sql over modernc.org/sqlite with MaxOpenConns(1) already
// serializes every write through one connection, so a crash between
// the two statements is the only way to observe a memory with no
// corresponding ledger entry, an acceptable risk for a single-user
// offline store.
func (s *Store) PutMemoryWithContradiction(ctx context.Context, m model.Memory, c model.Contradiction) (model.Memory, error) {
	written, err := s.PutMemory(ctx, m)
	if err != nil {
		return model.Memory{}, err
	}
	c.InvolvedMemoryIDs = append(append([]uuid.UUID{}, c.InvolvedMemoryIDs...), written.MemoryID)
	if _, err := s.RecordContradiction(ctx, c); err != nil {
		return model.Memory{}, err
	}
	return written, nil
}

// SupersedeMemory marks a memory as superseded by another.
func (s *Store) SupersedeMemory(ctx context.Context, memoryID, supersededBy uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE memories SET status = 'superseded', superseded_by = ? WHERE memory_id = ?`,
		supersededBy.String(), memoryID.String(),
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: supersede memory: %w", err)
	}
	return checkRowsAffected(res)
}

// MarkMemoryPast flips a memory's temporal_status to past.
func (s *Store) MarkMemoryPast(ctx context.Context, memoryID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `UPDATE memories SET temporal_status = 'past' WHERE memory_id = ?`, memoryID.String())
	if err != nil {
		return fmt.Errorf("sqlitestore: mark memory past: %w", err)
	}
	return checkRowsAffected(res)
}

// UpdateMemoryTrust adjusts a memory's trust score.
func (s *Store) UpdateMemoryTrust(ctx context.Context, memoryID uuid.UUID, trust float64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE memories SET trust = ? WHERE memory_id = ?`, trust, memoryID.String())
	if err != nil {
		return fmt.Errorf("sqlitestore: update memory trust: %w", err)
	}
	return checkRowsAffected(res)
}

func checkRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlitestore: rows affected: %w", err)
	}
	if n == 0 {
		return wrapNotFound()
	}
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
