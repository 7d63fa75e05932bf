package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/anamnesis-ai/anamnesis/internal/model"
)

const contradictionSelectBase = `
	SELECT contradiction_id, thread_id, created_at, updated_at, kind,
	       involved_memory_ids, slot, affected_domains, severity,
	       status, resolution, resolution_history, notes
	FROM contradictions`

func scanContradiction(scan func(dest ...any) error) (model.Contradiction, error) {
	var c model.Contradiction
	var contradictionID, threadID, createdAt, updatedAt string
	var slot, resolution, notes sql.NullString
	var involvedJSON, affectedJSON, historyJSON string

	if err := scan(
		&contradictionID, &threadID, &createdAt, &updatedAt, &c.Kind,
		&involvedJSON, &slot, &affectedJSON, &c.Severity,
		&c.Status, &resolution, &historyJSON, &notes,
	); err != nil {
		return model.Contradiction{}, err
	}

	var err error
	if c.ContradictionID, err = uuid.Parse(contradictionID); err != nil {
		return model.Contradiction{}, fmt.Errorf("parse contradiction_id: %w", err)
	}
	if c.ThreadID, err = uuid.Parse(threadID); err != nil {
		return model.Contradiction{}, fmt.Errorf("parse thread_id: %w", err)
	}
	if c.CreatedAt, err = time.Parse(rfc3339, createdAt); err != nil {
		return model.Contradiction{}, fmt.Errorf("parse created_at: %w", err)
	}
	if c.UpdatedAt, err = time.Parse(rfc3339, updatedAt); err != nil {
		return model.Contradiction{}, fmt.Errorf("parse updated_at: %w", err)
	}
	if slot.Valid {
		c.Slot = slot.String
	}
	if notes.Valid {
		c.Notes = notes.String
	}
	if resolution.Valid {
		r := model.ResolutionAction(resolution.String)
		c.Resolution = &r
	}

	var involvedIDs []string
	if err := json.Unmarshal([]byte(involvedJSON), &involvedIDs); err != nil {
		return model.Contradiction{}, fmt.Errorf("unmarshal involved_memory_ids: %w", err)
	}
	c.InvolvedMemoryIDs = make([]uuid.UUID, len(involvedIDs))
	for i, s := range involvedIDs {
		id, err := uuid.Parse(s)
		if err != nil {
			return model.Contradiction{}, fmt.Errorf("parse involved memory id: %w", err)
		}
		c.InvolvedMemoryIDs[i] = id
	}

	if err := json.Unmarshal([]byte(affectedJSON), &c.AffectedDomains); err != nil {
		return model.Contradiction{}, fmt.Errorf("unmarshal affected_domains: %w", err)
	}
	if err := json.Unmarshal([]byte(historyJSON), &c.ResolutionHistory); err != nil {
		return model.Contradiction{}, fmt.Errorf("unmarshal resolution_history: %w", err)
	}
	return c, nil
}

// RecordContradiction inserts a new ledger entry. Requires at least
// two involved memory IDs, mirroring the Postgres store's CHECK
// constraint (SQLite has no portable array-length CHECK, so this is
// enforced in Go instead).
func (s *Store) RecordContradiction(ctx context.Context, c model.Contradiction) (model.Contradiction, error) {
	if len(c.InvolvedMemoryIDs) < 2 {
		return model.Contradiction{}, fmt.Errorf("sqlitestore: record contradiction: involved_memory_ids must have at least 2 entries")
	}
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
	if c.AffectedDomains == nil {
		c.AffectedDomains = []string{}
	}

	involvedIDs := make([]string, len(c.InvolvedMemoryIDs))
	for i, id := range c.InvolvedMemoryIDs {
		involvedIDs[i] = id.String()
	}
	involvedJSON, err := json.Marshal(involvedIDs)
	if err != nil {
		return model.Contradiction{}, fmt.Errorf("sqlitestore: marshal involved_memory_ids: %w", err)
	}
	affectedJSON, err := json.Marshal(c.AffectedDomains)
	if err != nil {
		return model.Contradiction{}, fmt.Errorf("sqlitestore: marshal affected_domains: %w", err)
	}
	historyJSON, err := json.Marshal(c.ResolutionHistory)
	if err != nil {
		return model.Contradiction{}, fmt.Errorf("sqlitestore: marshal resolution_history: %w", err)
	}

	var resolution any
	if c.Resolution != nil {
		resolution = string(*c.Resolution)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO contradictions (
		     contradiction_id, thread_id, created_at, updated_at, kind,
		     involved_memory_ids, slot, affected_domains, severity,
		     status, resolution, resolution_history, notes
		 ) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ContradictionID.String(), c.ThreadID.String(), c.CreatedAt.Format(rfc3339), c.UpdatedAt.Format(rfc3339), c.Kind,
		string(involvedJSON), nullableString(c.Slot), string(affectedJSON), c.Severity,
		c.Status, resolution, string(historyJSON), nullableString(c.Notes),
	)
	if err != nil {
		return model.Contradiction{}, fmt.Errorf("sqlitestore: record contradiction: %w", err)
	}
	return c, nil
}

// GetContradiction fetches a single ledger entry by ID.
func (s *Store) GetContradiction(ctx context.Context, contradictionID uuid.UUID) (model.Contradiction, error) {
	row := s.db.QueryRowContext(ctx, contradictionSelectBase+` WHERE contradiction_id = ?`, contradictionID.String())
	c, err := scanContradiction(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Contradiction{}, wrapNotFound()
		}
		return model.Contradiction{}, fmt.Errorf("sqlitestore: get contradiction: %w", err)
	}
	return c, nil
}

// ListOpenContradictions returns every open ledger entry for a thread, newest first.
func (s *Store) ListOpenContradictions(ctx context.Context, threadID uuid.UUID) ([]model.Contradiction, error) {
	rows, err := s.db.QueryContext(ctx,
		contradictionSelectBase+` WHERE thread_id = ? AND status = 'open' ORDER BY created_at DESC`,
		threadID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list open contradictions: %w", err)
	}
	defer rows.Close()
	return collectContradictions(rows)
}

// ListContradictionsByMemory returns every ledger entry that involves
// memoryID, regardless of status. SQLite has no GIN index, so this
// scans and filters in Go — acceptable for an offline, single-user store.
func (s *Store) ListContradictionsByMemory(ctx context.Context, memoryID uuid.UUID) ([]model.Contradiction, error) {
	rows, err := s.db.QueryContext(ctx, contradictionSelectBase+` ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list contradictions by memory: %w", err)
	}
	defer rows.Close()
	all, err := collectContradictions(rows)
	if err != nil {
		return nil, err
	}
	var out []model.Contradiction
	for _, c := range all {
		if c.Involves(memoryID) {
			out = append(out, c)
		}
	}
	return out, nil
}

// HasOpenContradictionForMemory reports whether memoryID is involved
// in any open ledger entry.
func (s *Store) HasOpenContradictionForMemory(ctx context.Context, memoryID uuid.UUID) (bool, error) {
	matches, err := s.ListContradictionsByMemory(ctx, memoryID)
	if err != nil {
		return false, err
	}
	for _, c := range matches {
		if c.Status == model.StatusOpen {
			return true, nil
		}
	}
	return false, nil
}

func collectContradictions(rows *sql.Rows) ([]model.Contradiction, error) {
	var out []model.Contradiction
	for rows.Next() {
		c, err := scanContradiction(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("sqlitestore: scan contradiction: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// AppendResolution appends one event to a ledger entry's
// resolution_history and updates status/resolution/updated_at. It
// refuses to append once the contradiction's status has left open.
func (s *Store) AppendResolution(ctx context.Context, contradictionID uuid.UUID, event model.ResolutionEvent, newStatus model.ContradictionStatus, action model.ResolutionAction) error {
	current, err := s.GetContradiction(ctx, contradictionID)
	if err != nil {
		return err
	}
	if current.IsTerminal() {
		return fmt.Errorf("sqlitestore: append resolution: contradiction already terminal")
	}

	history := append(current.ResolutionHistory, event)
	historyJSON, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("sqlitestore: marshal resolution_history: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE contradictions
		 SET resolution_history = ?, status = ?, resolution = ?, updated_at = ?
		 WHERE contradiction_id = ? AND status = 'open'`,
		string(historyJSON), newStatus, string(action), time.Now().UTC().Format(rfc3339), contradictionID.String(),
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: append resolution: %w", err)
	}
	return checkRowsAffected(res)
}
