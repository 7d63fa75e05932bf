package storage_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anamnesis-ai/anamnesis/internal/model"
)

func seedMemoryPair(t *testing.T, threadID uuid.UUID) (uuid.UUID, uuid.UUID) {
	t.Helper()
	ctx := context.Background()

	a, err := testDB.PutMemory(ctx, model.Memory{
		ThreadID: threadID, SessionID: uuid.New(), Text: "I work at Acme.",
		Slot: "employer", Value: "acme", RawValue: "Acme", Source: model.SourceUser,
	})
	require.NoError(t, err)

	b, err := testDB.PutMemory(ctx, model.Memory{
		ThreadID: threadID, SessionID: uuid.New(), Text: "I work at Globex.",
		Slot: "employer", Value: "globex", RawValue: "Globex", Source: model.SourceUser,
	})
	require.NoError(t, err)

	return a.MemoryID, b.MemoryID
}

func TestRecordAndGetContradiction(t *testing.T) {
	ctx := context.Background()
	threadID := uuid.New()
	memA, memB := seedMemoryPair(t, threadID)

	c, err := testDB.RecordContradiction(ctx, model.Contradiction{
		ThreadID:          threadID,
		Kind:              model.KindRevision,
		InvolvedMemoryIDs: []uuid.UUID{memA, memB},
		Slot:              "employer",
		AffectedDomains:   []string{"general"},
		Severity:          model.SeverityMedium,
	})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, c.ContradictionID)
	assert.Equal(t, model.StatusOpen, c.Status)
	assert.Empty(t, c.ResolutionHistory)

	got, err := testDB.GetContradiction(ctx, c.ContradictionID)
	require.NoError(t, err)
	assert.Equal(t, model.KindRevision, got.Kind)
	assert.ElementsMatch(t, []uuid.UUID{memA, memB}, got.InvolvedMemoryIDs)
}

func TestListOpenContradictions(t *testing.T) {
	ctx := context.Background()
	threadID := uuid.New()
	memA, memB := seedMemoryPair(t, threadID)

	_, err := testDB.RecordContradiction(ctx, model.Contradiction{
		ThreadID:          threadID,
		Kind:              model.KindConflict,
		InvolvedMemoryIDs: []uuid.UUID{memA, memB},
		Severity:          model.SeverityLow,
	})
	require.NoError(t, err)

	open, err := testDB.ListOpenContradictions(ctx, threadID)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, model.KindConflict, open[0].Kind)
}

func TestListContradictionsByMemory(t *testing.T) {
	ctx := context.Background()
	threadID := uuid.New()
	memA, memB := seedMemoryPair(t, threadID)

	_, err := testDB.RecordContradiction(ctx, model.Contradiction{
		ThreadID:          threadID,
		Kind:              model.KindNumericDrift,
		InvolvedMemoryIDs: []uuid.UUID{memA, memB},
		Severity:          model.SeverityLow,
	})
	require.NoError(t, err)

	got, err := testDB.ListContradictionsByMemory(ctx, memA)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Involves(memA))
	assert.True(t, got[0].Involves(memB))
}

func TestHasOpenContradictionForMemory(t *testing.T) {
	ctx := context.Background()
	threadID := uuid.New()
	memA, memB := seedMemoryPair(t, threadID)

	has, err := testDB.HasOpenContradictionForMemory(ctx, memA)
	require.NoError(t, err)
	assert.False(t, has)

	_, err = testDB.RecordContradiction(ctx, model.Contradiction{
		ThreadID:          threadID,
		Kind:              model.KindRefinement,
		InvolvedMemoryIDs: []uuid.UUID{memA, memB},
		Severity:          model.SeverityLow,
	})
	require.NoError(t, err)

	has, err = testDB.HasOpenContradictionForMemory(ctx, memA)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestAppendResolution_ClosesAndRefusesFurtherEvents(t *testing.T) {
	ctx := context.Background()
	threadID := uuid.New()
	memA, memB := seedMemoryPair(t, threadID)

	c, err := testDB.RecordContradiction(ctx, model.Contradiction{
		ThreadID:          threadID,
		Kind:              model.KindRevision,
		InvolvedMemoryIDs: []uuid.UUID{memA, memB},
		Severity:          model.SeverityMedium,
	})
	require.NoError(t, err)

	err = testDB.AppendResolution(ctx, c.ContradictionID, model.ResolutionEvent{
		Action: model.ActionUpdateToNewer,
		Actor:  model.ActorUser,
		At:     c.CreatedAt,
	}, model.StatusResolved, model.ActionUpdateToNewer)
	require.NoError(t, err)

	got, err := testDB.GetContradiction(ctx, c.ContradictionID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusResolved, got.Status)
	require.Len(t, got.ResolutionHistory, 1)
	require.NotNil(t, got.Resolution)
	assert.Equal(t, model.ActionUpdateToNewer, *got.Resolution)
	assert.True(t, got.IsTerminal())

	// A second resolution attempt against a terminal contradiction must fail.
	err = testDB.AppendResolution(ctx, c.ContradictionID, model.ResolutionEvent{
		Action: model.ActionDismiss,
		Actor:  model.ActorUser,
		At:     c.CreatedAt,
	}, model.StatusDismissed, model.ActionDismiss)
	require.Error(t, err)
}

func TestRecordContradiction_RequiresAtLeastTwoMemories(t *testing.T) {
	ctx := context.Background()
	threadID := uuid.New()
	memA, _ := seedMemoryPair(t, threadID)

	_, err := testDB.RecordContradiction(ctx, model.Contradiction{
		ThreadID:          threadID,
		Kind:              model.KindDenial,
		InvolvedMemoryIDs: []uuid.UUID{memA},
		Severity:          model.SeverityHigh,
	})
	require.Error(t, err, "the involved_memory_ids >= 2 CHECK constraint must reject a single-memory contradiction")
}
