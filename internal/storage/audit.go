package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// MutationAuditEntry is an append-only audit event for a resolution
// mutation — every C9 apply/rollback call, recording who did what to
// which ledger entry or memory.
type MutationAuditEntry struct {
	ThreadID    uuid.UUID
	Actor       string // "user" or "system", or a resolution operator's subject claim
	Action      string // e.g. "apply", "rollback"
	TargetTable string // "contradictions" or "memories"
	TargetID    uuid.UUID
	Detail      map[string]any
}

// pgxExecer is the subset of pgx.Tx / pgxpool.Pool used for INSERT execution.
// Both *pgxpool.Pool and pgx.Tx satisfy this interface.
type pgxExecer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// insertMutationAudit is the shared implementation for both InsertMutationAudit
// and InsertMutationAuditTx. It marshals JSON fields and executes the INSERT
// against the provided executor (pool or transaction).
func insertMutationAudit(ctx context.Context, exec pgxExecer, e MutationAuditEntry) error {
	if e.Detail == nil {
		e.Detail = map[string]any{}
	}
	detailJSON, err := json.Marshal(e.Detail)
	if err != nil {
		return fmt.Errorf("storage: marshal mutation audit detail: %w", err)
	}

	_, err = exec.Exec(ctx,
		`INSERT INTO mutation_audit (thread_id, actor, action, target_table, target_id, detail)
		 VALUES ($1, $2, $3, $4, $5, $6::jsonb)`,
		e.ThreadID, e.Actor, e.Action, e.TargetTable, e.TargetID, detailJSON,
	)
	if err != nil {
		return fmt.Errorf("storage: insert mutation audit: %w", err)
	}
	return nil
}

// InsertMutationAudit appends a mutation audit event using the connection pool.
// Use InsertMutationAuditTx when the audit must be atomic with a mutation.
func (db *DB) InsertMutationAudit(ctx context.Context, e MutationAuditEntry) error {
	return insertMutationAudit(ctx, db.pool, e)
}

// InsertMutationAuditTx appends a mutation audit event within an existing
// transaction. If the transaction rolls back, the audit entry is also rolled
// back, so a mutation never persists without its audit record.
func InsertMutationAuditTx(ctx context.Context, tx pgx.Tx, e MutationAuditEntry) error {
	return insertMutationAudit(ctx, tx, e)
}
