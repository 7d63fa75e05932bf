package storage

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// WithTx runs fn inside a single pgx transaction, committing on a nil
// return and rolling back otherwise. Mirrors the teacher's withTx
// helper for *sql.DB/*sql.Tx, adapted to pgx's explicit Begin/Commit/
// Rollback. Resolution operations (C9) use this to keep a ledger
// update, its memory mutation, and its mutation-audit row atomic.
func (db *DB) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
