package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// IntegrityProof represents a Merkle tree batch proof over one
// thread's contradiction ledger entries, adapted from the teacher's
// decision-ledger proofs (internal/storage/integrity.go) onto
// SPEC_FULL.md §12's tamper-evident ledger requirement.
type IntegrityProof struct {
	ID          uuid.UUID `json:"id"`
	ThreadID    uuid.UUID `json:"thread_id"`
	BatchStart  time.Time `json:"batch_start"`
	BatchEnd    time.Time `json:"batch_end"`
	EntryCount  int       `json:"entry_count"`
	MerkleRoot  string    `json:"merkle_root"`
	CreatedAt   time.Time `json:"created_at"`
}

// GetLatestIntegrityProof returns the most recent integrity proof for
// a thread. Returns nil if no proofs exist.
func (db *DB) GetLatestIntegrityProof(ctx context.Context, threadID uuid.UUID) (*IntegrityProof, error) {
	var p IntegrityProof
	err := db.pool.QueryRow(ctx,
		`SELECT proof_id, thread_id, batch_start, batch_end, entry_count, merkle_root, created_at
		 FROM integrity_proofs
		 WHERE thread_id = $1
		 ORDER BY created_at DESC
		 LIMIT 1`, threadID,
	).Scan(&p.ID, &p.ThreadID, &p.BatchStart, &p.BatchEnd, &p.EntryCount, &p.MerkleRoot, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: get latest integrity proof: %w", err)
	}
	return &p, nil
}

// CreateIntegrityProof inserts a new integrity proof.
func (db *DB) CreateIntegrityProof(ctx context.Context, p IntegrityProof) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO integrity_proofs (proof_id, thread_id, batch_start, batch_end, entry_count, merkle_root, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.ID, p.ThreadID, p.BatchStart, p.BatchEnd, p.EntryCount, p.MerkleRoot, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: create integrity proof: %w", err)
	}
	return nil
}

// GetContradictionContentForBatch returns a deterministic content
// string per ledger entry (contradiction_id, kind, and the current
// resolution_history serialization) for contradictions in a thread
// created between since (exclusive) and until (inclusive), ordered
// by contradiction_id so the Merkle leaves are built in a stable
// order regardless of write order.
func (db *DB) GetContradictionContentForBatch(ctx context.Context, threadID uuid.UUID, since, until time.Time) ([]string, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT contradiction_id::text || '|' || kind || '|' || resolution_history::text
		 FROM contradictions
		 WHERE thread_id = $1 AND created_at > $2 AND created_at <= $3
		 ORDER BY contradiction_id ASC`,
		threadID, since, until,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get contradiction content for batch: %w", err)
	}
	defer rows.Close()

	var contents []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("storage: scan contradiction content: %w", err)
		}
		contents = append(contents, c)
	}
	return contents, rows.Err()
}

// ListThreadIDs returns every distinct thread_id with at least one
// memory, for the periodic integrity-proof sweep to iterate over.
func (db *DB) ListThreadIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := db.pool.Query(ctx, `SELECT DISTINCT thread_id FROM memories ORDER BY thread_id`)
	if err != nil {
		return nil, fmt.Errorf("storage: list thread IDs: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan thread ID: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
