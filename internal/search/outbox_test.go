package search

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockRows implements pgx.Rows for unit testing scanOutboxEntries.
type mockRows struct {
	rows    [][]any
	cursor  int
	closed  bool
	scanErr error
}

func (m *mockRows) Close()                                       { m.closed = true }
func (m *mockRows) Err() error                                   { return nil }
func (m *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT") }
func (m *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (m *mockRows) RawValues() [][]byte                          { return nil }
func (m *mockRows) Conn() *pgx.Conn                              { return nil }
func (m *mockRows) Values() ([]any, error)                       { return m.rows[m.cursor-1], nil }

func (m *mockRows) Next() bool {
	if m.cursor >= len(m.rows) {
		return false
	}
	m.cursor++
	return true
}

func (m *mockRows) Scan(dest ...any) error {
	if m.scanErr != nil {
		return m.scanErr
	}
	row := m.rows[m.cursor-1]
	if len(dest) != len(row) {
		return fmt.Errorf("mockRows: scan %d dest into %d columns", len(dest), len(row))
	}
	for i, val := range row {
		switch d := dest[i].(type) {
		case *int64:
			*d = val.(int64)
		case *uuid.UUID:
			*d = val.(uuid.UUID)
		case *string:
			*d = val.(string)
		case *int:
			*d = val.(int)
		default:
			return fmt.Errorf("mockRows: unsupported dest type %T", d)
		}
	}
	return nil
}

func TestMaxOutboxAttempts(t *testing.T) {
	// Verify the dead-letter threshold matches migrations/002_search_outbox.sql's
	// partial index predicate (WHERE attempts < 10).
	assert.Equal(t, 10, maxOutboxAttempts)
}

func TestPartitionUpsertEntries(t *testing.T) {
	idReady1 := uuid.New()
	idMissing := uuid.New()
	idReady2 := uuid.New()

	entries := []outboxEntry{
		{ID: 1, MemoryID: idReady1, Operation: "upsert"},
		{ID: 2, MemoryID: idMissing, Operation: "upsert"},
		{ID: 3, MemoryID: idReady2, Operation: "upsert"},
	}
	memories := []MemoryForIndex{
		{ID: idReady1, ThreadID: uuid.New(), Slot: "employer", ValidFrom: time.Now(), Embedding: []float32{0.1}},
		{ID: idReady2, ThreadID: uuid.New(), Slot: "location", ValidFrom: time.Now(), Embedding: []float32{0.2}},
	}

	readyEntries, readyMemories, pendingEntries := partitionUpsertEntries(entries, memories)

	assert.Len(t, readyEntries, 2)
	assert.Len(t, readyMemories, 2)
	assert.Len(t, pendingEntries, 1)

	assert.Equal(t, idReady1, readyEntries[0].MemoryID)
	assert.Equal(t, idReady2, readyEntries[1].MemoryID)
	assert.Equal(t, idReady1, readyMemories[0].ID)
	assert.Equal(t, idReady2, readyMemories[1].ID)
	assert.Equal(t, idMissing, pendingEntries[0].MemoryID)
}

func TestPartitionUpsertEntries_AllMissing(t *testing.T) {
	idA := uuid.New()
	idB := uuid.New()
	idC := uuid.New()

	entries := []outboxEntry{
		{ID: 1, MemoryID: idA, Operation: "upsert"},
		{ID: 2, MemoryID: idB, Operation: "upsert"},
		{ID: 3, MemoryID: idC, Operation: "upsert"},
	}

	unrelatedID := uuid.New()
	memories := []MemoryForIndex{
		{ID: unrelatedID, ThreadID: uuid.New(), Slot: "hobby", ValidFrom: time.Now(), Embedding: []float32{0.5}},
	}

	readyEntries, readyMemories, pendingEntries := partitionUpsertEntries(entries, memories)

	assert.Empty(t, readyEntries)
	assert.Empty(t, readyMemories)
	require.Len(t, pendingEntries, 3)
	assert.Equal(t, idA, pendingEntries[0].MemoryID)
	assert.Equal(t, idB, pendingEntries[1].MemoryID)
	assert.Equal(t, idC, pendingEntries[2].MemoryID)
}

func TestPartitionUpsertEntries_AllReady(t *testing.T) {
	id1 := uuid.New()
	id2 := uuid.New()
	id3 := uuid.New()

	entries := []outboxEntry{
		{ID: 10, MemoryID: id1, Operation: "upsert"},
		{ID: 20, MemoryID: id2, Operation: "upsert"},
		{ID: 30, MemoryID: id3, Operation: "upsert"},
	}
	memories := []MemoryForIndex{
		{ID: id1, ThreadID: uuid.New(), Slot: "employer", ValidFrom: time.Now(), Embedding: []float32{0.1, 0.2}},
		{ID: id2, ThreadID: uuid.New(), Slot: "title", ValidFrom: time.Now(), Embedding: []float32{0.3, 0.4}},
		{ID: id3, ThreadID: uuid.New(), Slot: "location", ValidFrom: time.Now(), Embedding: []float32{0.5, 0.6}},
	}

	readyEntries, readyMemories, pendingEntries := partitionUpsertEntries(entries, memories)

	assert.Empty(t, pendingEntries)
	require.Len(t, readyEntries, 3)
	require.Len(t, readyMemories, 3)

	// Order is preserved: entries and memories are paired in input order.
	assert.Equal(t, id1, readyEntries[0].MemoryID)
	assert.Equal(t, id2, readyEntries[1].MemoryID)
	assert.Equal(t, id3, readyEntries[2].MemoryID)
	assert.Equal(t, id1, readyMemories[0].ID)
	assert.Equal(t, id2, readyMemories[1].ID)
	assert.Equal(t, id3, readyMemories[2].ID)
}

func TestPartitionUpsertEntries_EmptyInputs(t *testing.T) {
	readyEntries, readyMemories, pendingEntries := partitionUpsertEntries(nil, nil)

	assert.Empty(t, readyEntries)
	assert.Empty(t, readyMemories)
	assert.Empty(t, pendingEntries)
}

func TestNewOutboxWorker(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(nil, nil))
	w := NewOutboxWorker(nil, nil, logger, 5*time.Second, 50)

	require.NotNil(t, w)
	assert.Nil(t, w.pool, "pool should be nil when passed nil")
	assert.Nil(t, w.index, "index should be nil when passed nil")
	assert.NotNil(t, w.logger)
	assert.Equal(t, 5*time.Second, w.pollInterval)
	assert.Equal(t, 50, w.batchSize)
	assert.NotNil(t, w.done, "done channel should be initialized")
	assert.NotNil(t, w.drainCh, "drainCh channel should be initialized")
	assert.False(t, w.started.Load(), "worker should not be started on creation")
}

func TestNewOutboxWorker_Defaults(t *testing.T) {
	w1 := NewOutboxWorker(nil, nil, slog.Default(), time.Second, 10)
	w2 := NewOutboxWorker(nil, nil, slog.Default(), 30*time.Second, 100)

	assert.Equal(t, time.Second, w1.pollInterval)
	assert.Equal(t, 10, w1.batchSize)
	assert.Equal(t, 30*time.Second, w2.pollInterval)
	assert.Equal(t, 100, w2.batchSize)
}

func TestOutboxWorker_StartStop(t *testing.T) {
	// Create a worker with nil pool/index (cannot process batches).
	// Start it, verify it is running, then drain to stop it cleanly.
	w := NewOutboxWorker(nil, nil, slog.Default(), 100*time.Millisecond, 10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w.Start(ctx)
	assert.True(t, w.started.Load(), "worker should be marked as started")

	// Calling Start again should be a no-op (idempotent).
	w.Start(ctx)
	assert.True(t, w.started.Load(), "double-start should still be started")

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer drainCancel()

	w.Drain(drainCtx)

	select {
	case <-w.done:
		// Success: the poll loop exited cleanly.
	default:
		t.Fatal("done channel should be closed after drain")
	}
}

func TestOutboxWorker_DrainWithoutStart(t *testing.T) {
	w := NewOutboxWorker(nil, nil, slog.Default(), time.Second, 10)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	// Since Start was never called, cancelLoop is nil and done is never
	// closed; Drain must still return via the ctx.Done() path rather than
	// hang or panic.
	w.Drain(ctx)
	assert.ErrorIs(t, ctx.Err(), context.DeadlineExceeded)
}

func TestOutboxWorker_DrainIdempotent(t *testing.T) {
	// Verify that calling Drain multiple times does not panic.
	w := NewOutboxWorker(nil, nil, slog.Default(), 100*time.Millisecond, 10)

	ctx := context.Background()
	w.Start(ctx)

	drainCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	w.Drain(drainCtx)

	drainCtx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	w.Drain(drainCtx2)
}

func TestScanOutboxEntries(t *testing.T) {
	id1 := uuid.New()
	id2 := uuid.New()
	threadA := uuid.New()
	threadB := uuid.New()

	rows := &mockRows{
		rows: [][]any{
			{int64(1), id1, threadA, "upsert", int(0)},
			{int64(2), id2, threadB, "delete", int(3)},
		},
	}

	entries, err := scanOutboxEntries(rows)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, int64(1), entries[0].ID)
	assert.Equal(t, id1, entries[0].MemoryID)
	assert.Equal(t, threadA, entries[0].ThreadID)
	assert.Equal(t, "upsert", entries[0].Operation)
	assert.Equal(t, 0, entries[0].Attempts)

	assert.Equal(t, int64(2), entries[1].ID)
	assert.Equal(t, id2, entries[1].MemoryID)
	assert.Equal(t, threadB, entries[1].ThreadID)
	assert.Equal(t, "delete", entries[1].Operation)
	assert.Equal(t, 3, entries[1].Attempts)

	assert.True(t, rows.closed, "rows should be closed after scan")
}

func TestScanOutboxEntries_Empty(t *testing.T) {
	rows := &mockRows{rows: nil}

	entries, err := scanOutboxEntries(rows)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.True(t, rows.closed)
}

func TestScanOutboxEntries_ScanError(t *testing.T) {
	rows := &mockRows{
		rows:    [][]any{{int64(1), uuid.New(), uuid.New(), "upsert", int(0)}},
		scanErr: fmt.Errorf("column decode error"),
	}

	entries, err := scanOutboxEntries(rows)
	assert.Error(t, err)
	assert.Nil(t, entries)
	assert.Contains(t, err.Error(), "scan entry")
	assert.True(t, rows.closed)
}
