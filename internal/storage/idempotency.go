package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrIdempotencyPayloadMismatch is returned when the same idempotency key is reused
	// with a different request payload hash for the same thread.
	ErrIdempotencyPayloadMismatch = errors.New("idempotency key reused with different payload")
	// ErrIdempotencyInProgress indicates a matching idempotency key is currently being processed.
	ErrIdempotencyInProgress = errors.New("idempotency key request already in progress")
)

// IdempotencyLookup describes the current state of an idempotency key lookup.
type IdempotencyLookup struct {
	Completed    bool
	MemoryID     uuid.UUID
	ResponseData json.RawMessage
}

// BeginMemoryWrite reserves an idempotency key for a single put() call,
// enforcing C3's at-most-once write per memory_id under network retry.
// If this call returns (lookup, nil) with lookup.Completed=true, the
// caller should return the already-stored memory rather than writing
// again. If it returns ErrIdempotencyInProgress, a concurrent request
// with the same key is currently writing.
//
// Stale in-progress keys are NOT taken over — they block retries until
// the background CleanupIdempotencyKeys job removes them, preventing a
// duplicate memory when the original request committed but crashed
// before calling CompleteMemoryWrite.
func (db *DB) BeginMemoryWrite(
	ctx context.Context,
	threadID uuid.UUID,
	key, requestHash string,
) (IdempotencyLookup, error) {
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO idempotency_keys (thread_id, idempotency_key, request_hash, status)
		 VALUES ($1, $2, $3, 'in_progress')
		 ON CONFLICT DO NOTHING`,
		threadID, key, requestHash,
	)
	if err != nil {
		return IdempotencyLookup{}, fmt.Errorf("storage: begin idempotency: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return IdempotencyLookup{}, nil // caller owns processing
	}

	var (
		storedHash   string
		status       string
		memoryID     *uuid.UUID
		responseData []byte
	)
	if err := db.pool.QueryRow(ctx,
		`SELECT request_hash, status, memory_id, response_data
		 FROM idempotency_keys
		 WHERE thread_id = $1 AND idempotency_key = $2`,
		threadID, key,
	).Scan(&storedHash, &status, &memoryID, &responseData); err != nil {
		return IdempotencyLookup{}, fmt.Errorf("storage: lookup idempotency: %w", err)
	}

	if storedHash != requestHash {
		return IdempotencyLookup{}, ErrIdempotencyPayloadMismatch
	}
	if status == "completed" {
		lookup := IdempotencyLookup{Completed: true, ResponseData: responseData}
		if memoryID != nil {
			lookup.MemoryID = *memoryID
		}
		return lookup, nil
	}
	return IdempotencyLookup{}, ErrIdempotencyInProgress
}

// CompleteMemoryWrite stores the resulting memory_id for a previously
// reserved key.
func (db *DB) CompleteMemoryWrite(
	ctx context.Context,
	threadID uuid.UUID,
	key string,
	memoryID uuid.UUID,
	responseData any,
) error {
	payload, err := json.Marshal(responseData)
	if err != nil {
		return fmt.Errorf("storage: marshal idempotency response: %w", err)
	}

	tag, err := db.pool.Exec(ctx,
		`UPDATE idempotency_keys
		 SET status = 'completed',
		     memory_id = $3,
		     response_data = $4::jsonb,
		     updated_at = now()
		 WHERE thread_id = $1 AND idempotency_key = $2
		   AND status = 'in_progress'`,
		threadID, key, memoryID, payload,
	)
	if err != nil {
		return fmt.Errorf("storage: complete idempotency: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: complete idempotency: key not found or not in_progress")
	}
	return nil
}

// ClearInProgressMemoryWrite removes an in-progress reservation so the client can retry.
func (db *DB) ClearInProgressMemoryWrite(
	ctx context.Context,
	threadID uuid.UUID,
	key string,
) error {
	_, err := db.pool.Exec(ctx,
		`DELETE FROM idempotency_keys
		 WHERE thread_id = $1 AND idempotency_key = $2
		   AND status = 'in_progress'`,
		threadID, key,
	)
	if err != nil {
		return fmt.Errorf("storage: clear idempotency: %w", err)
	}
	return nil
}

// CleanupIdempotencyKeys removes old completed records and abandoned in-progress records.
func (db *DB) CleanupIdempotencyKeys(
	ctx context.Context,
	completedTTL, inProgressTTL time.Duration,
) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM idempotency_keys
		 WHERE (status = 'completed' AND updated_at < now() - ($1 * interval '1 microsecond'))
		    OR (status = 'in_progress' AND updated_at < now() - ($2 * interval '1 microsecond'))`,
		completedTTL.Microseconds(), inProgressTTL.Microseconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: cleanup idempotency keys: %w", err)
	}
	return tag.RowsAffected(), nil
}
