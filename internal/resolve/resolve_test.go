package resolve_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anamnesis-ai/anamnesis/internal/model"
	"github.com/anamnesis-ai/anamnesis/internal/resolve"
	"github.com/anamnesis-ai/anamnesis/internal/storage"
	"github.com/anamnesis-ai/anamnesis/internal/testutil"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartTimescaleDB()
	defer tc.Terminate()

	ctx := context.Background()
	logger := testutil.TestLogger()
	db, err := tc.NewTestDB(ctx, logger)
	if err != nil {
		panic(err)
	}
	testDB = db
	defer testDB.Close(ctx)

	m.Run()
}

func seedPair(t *testing.T, threadID uuid.UUID, slot, olderValue, newerValue string, gap time.Duration) (older, newer model.Memory) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	older, err := testDB.PutMemory(ctx, model.Memory{
		ThreadID: threadID, SessionID: uuid.New(), Text: "older claim",
		Slot: slot, Value: olderValue, RawValue: olderValue, Source: model.SourceUser,
		Trust: 0.7, ValidFrom: now.Add(-gap),
	})
	require.NoError(t, err)

	newer, err = testDB.PutMemory(ctx, model.Memory{
		ThreadID: threadID, SessionID: uuid.New(), Text: "newer claim",
		Slot: slot, Value: newerValue, RawValue: newerValue, Source: model.SourceUser,
		Trust: 0.7, ValidFrom: now,
	})
	require.NoError(t, err)
	return older, newer
}

func recordOpenContradiction(t *testing.T, threadID uuid.UUID, kind model.ContradictionKind, ids []uuid.UUID, slot string) model.Contradiction {
	t.Helper()
	c, err := testDB.RecordContradiction(context.Background(), model.Contradiction{
		ThreadID: threadID, Kind: kind, InvolvedMemoryIDs: ids, Slot: slot,
		AffectedDomains: []string{"general"}, Severity: model.SeverityMedium,
	})
	require.NoError(t, err)
	return c
}

func TestSuggest_Revision_PrefersNewer(t *testing.T) {
	threadID := uuid.New()
	older, newer := seedPair(t, threadID, "employer", "acme", "globex", 45*24*time.Hour)
	c := recordOpenContradiction(t, threadID, model.KindRevision, []uuid.UUID{older.MemoryID, newer.MemoryID}, "employer")

	s := resolve.New(testDB, resolve.DefaultConfig())
	suggestions, err := s.Suggest(context.Background(), c.ContradictionID)
	require.NoError(t, err)
	require.Len(t, suggestions, 2)
	assert.Equal(t, model.ActionUpdateToNewer, suggestions[0].Action)
	assert.Greater(t, suggestions[0].Confidence, suggestions[1].Confidence)
}

func TestSuggest_Temporal(t *testing.T) {
	threadID := uuid.New()
	older, newer := seedPair(t, threadID, "relationship_status", "married", "single", time.Hour)
	c := recordOpenContradiction(t, threadID, model.KindTemporal, []uuid.UUID{older.MemoryID, newer.MemoryID}, "relationship_status")

	s := resolve.New(testDB, resolve.DefaultConfig())
	suggestions, err := s.Suggest(context.Background(), c.ContradictionID)
	require.NoError(t, err)
	require.Len(t, suggestions, 1)
	assert.Equal(t, model.ActionMarkPast, suggestions[0].Action)
}

func TestSuggest_TerminalReturnsNil(t *testing.T) {
	threadID := uuid.New()
	older, newer := seedPair(t, threadID, "employer", "acme", "globex", time.Hour)
	c := recordOpenContradiction(t, threadID, model.KindRevision, []uuid.UUID{older.MemoryID, newer.MemoryID}, "employer")

	err := testDB.AppendResolution(context.Background(), c.ContradictionID, model.ResolutionEvent{
		Action: model.ActionDismiss, Actor: model.ActorUser, At: time.Now().UTC(),
	}, model.StatusDismissed, model.ActionDismiss)
	require.NoError(t, err)

	s := resolve.New(testDB, resolve.DefaultConfig())
	suggestions, err := s.Suggest(context.Background(), c.ContradictionID)
	require.NoError(t, err)
	assert.Nil(t, suggestions)
}

func TestApply_UpdateToNewer_SupersedesOlderAndBumpsTrust(t *testing.T) {
	ctx := context.Background()
	threadID := uuid.New()
	older, newer := seedPair(t, threadID, "employer", "acme", "globex", 10*24*time.Hour)
	c := recordOpenContradiction(t, threadID, model.KindRevision, []uuid.UUID{older.MemoryID, newer.MemoryID}, "employer")

	s := resolve.New(testDB, resolve.DefaultConfig())
	result, err := s.Apply(ctx, c.ContradictionID, resolve.ApplyParams{
		Action: model.ActionUpdateToNewer, Actor: model.ActorUser, Note: "confirmed by user",
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusResolved, result.Contradiction.Status)
	assert.NotEqual(t, uuid.Nil, result.RollbackID)

	gotOlder, err := testDB.GetMemory(ctx, older.MemoryID)
	require.NoError(t, err)
	assert.Equal(t, model.MemorySuperseded, gotOlder.Status)
	require.NotNil(t, gotOlder.SupersededBy)
	assert.Equal(t, newer.MemoryID, *gotOlder.SupersededBy)

	gotNewer, err := testDB.GetMemory(ctx, newer.MemoryID)
	require.NoError(t, err)
	assert.Greater(t, gotNewer.Trust, newer.Trust)
}

func TestApply_Dismiss_MarksDismissedWithoutMutatingMemories(t *testing.T) {
	ctx := context.Background()
	threadID := uuid.New()
	older, newer := seedPair(t, threadID, "pet", "cat", "dog", time.Hour)
	c := recordOpenContradiction(t, threadID, model.KindConflict, []uuid.UUID{older.MemoryID, newer.MemoryID}, "pet")

	s := resolve.New(testDB, resolve.DefaultConfig())
	result, err := s.Apply(ctx, c.ContradictionID, resolve.ApplyParams{Action: model.ActionDismiss, Actor: model.ActorUser})
	require.NoError(t, err)
	assert.Equal(t, model.StatusDismissed, result.Contradiction.Status)

	gotOlder, err := testDB.GetMemory(ctx, older.MemoryID)
	require.NoError(t, err)
	assert.Equal(t, model.MemoryActive, gotOlder.Status)
}

func TestApply_SplitByDomain_RequiresDomainSplit(t *testing.T) {
	ctx := context.Background()
	threadID := uuid.New()
	older, newer := seedPair(t, threadID, "diet", "vegetarian", "omnivore", time.Hour)
	c := recordOpenContradiction(t, threadID, model.KindConflict, []uuid.UUID{older.MemoryID, newer.MemoryID}, "diet")

	s := resolve.New(testDB, resolve.DefaultConfig())
	_, err := s.Apply(ctx, c.ContradictionID, resolve.ApplyParams{Action: model.ActionSplitByDomain, Actor: model.ActorUser})
	require.Error(t, err)
}

func TestApply_SplitByDomain_AttachesDisjointTags(t *testing.T) {
	ctx := context.Background()
	threadID := uuid.New()
	older, newer := seedPair(t, threadID, "diet", "vegetarian", "omnivore", time.Hour)
	c := recordOpenContradiction(t, threadID, model.KindConflict, []uuid.UUID{older.MemoryID, newer.MemoryID}, "diet")

	s := resolve.New(testDB, resolve.DefaultConfig())
	_, err := s.Apply(ctx, c.ContradictionID, resolve.ApplyParams{
		Action: model.ActionSplitByDomain, Actor: model.ActorUser,
		DomainSplit: map[uuid.UUID][]string{
			older.MemoryID: {"home"},
			newer.MemoryID: {"work_travel"},
		},
	})
	require.NoError(t, err)

	gotOlder, err := testDB.GetMemory(ctx, older.MemoryID)
	require.NoError(t, err)
	assert.Equal(t, []string{"home"}, gotOlder.DomainTags)
}

func TestApply_OnTerminalContradiction_Fails(t *testing.T) {
	ctx := context.Background()
	threadID := uuid.New()
	older, newer := seedPair(t, threadID, "employer", "acme", "globex", time.Hour)
	c := recordOpenContradiction(t, threadID, model.KindRevision, []uuid.UUID{older.MemoryID, newer.MemoryID}, "employer")

	s := resolve.New(testDB, resolve.DefaultConfig())
	_, err := s.Apply(ctx, c.ContradictionID, resolve.ApplyParams{Action: model.ActionDismiss, Actor: model.ActorUser})
	require.NoError(t, err)

	_, err = s.Apply(ctx, c.ContradictionID, resolve.ApplyParams{Action: model.ActionKeepBoth, Actor: model.ActorUser})
	require.Error(t, err)
}

func TestRollback_UpdateToNewer_RestoresOlderMemory(t *testing.T) {
	ctx := context.Background()
	threadID := uuid.New()
	older, newer := seedPair(t, threadID, "employer", "acme", "globex", time.Hour)
	c := recordOpenContradiction(t, threadID, model.KindRevision, []uuid.UUID{older.MemoryID, newer.MemoryID}, "employer")

	s := resolve.New(testDB, resolve.DefaultConfig())
	applied, err := s.Apply(ctx, c.ContradictionID, resolve.ApplyParams{Action: model.ActionUpdateToNewer, Actor: model.ActorUser})
	require.NoError(t, err)

	err = s.Rollback(ctx, applied.RollbackID)
	require.NoError(t, err)

	gotOlder, err := testDB.GetMemory(ctx, older.MemoryID)
	require.NoError(t, err)
	assert.Equal(t, model.MemoryActive, gotOlder.Status)
	assert.Nil(t, gotOlder.SupersededBy)

	gotContradiction, err := testDB.GetContradiction(ctx, c.ContradictionID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusOpen, gotContradiction.Status)
}

func TestRollback_OutsideWindow_Fails(t *testing.T) {
	ctx := context.Background()
	threadID := uuid.New()
	older, newer := seedPair(t, threadID, "employer", "acme", "globex", time.Hour)
	c := recordOpenContradiction(t, threadID, model.KindRevision, []uuid.UUID{older.MemoryID, newer.MemoryID}, "employer")

	s := resolve.New(testDB, resolve.Config{TrustMin: 0.05, TrustMax: 0.98, TrustBump: 0.15, RollbackWindow: 0})
	applied, err := s.Apply(ctx, c.ContradictionID, resolve.ApplyParams{Action: model.ActionUpdateToNewer, Actor: model.ActorUser})
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	err = s.Rollback(ctx, applied.RollbackID)
	require.Error(t, err)
}

func TestRollback_UnknownID_Fails(t *testing.T) {
	s := resolve.New(testDB, resolve.DefaultConfig())
	err := s.Rollback(context.Background(), uuid.New())
	require.Error(t, err)
}

func TestRollback_Idempotent_SecondCallFails(t *testing.T) {
	ctx := context.Background()
	threadID := uuid.New()
	older, newer := seedPair(t, threadID, "employer", "acme", "globex", time.Hour)
	c := recordOpenContradiction(t, threadID, model.KindRevision, []uuid.UUID{older.MemoryID, newer.MemoryID}, "employer")

	s := resolve.New(testDB, resolve.DefaultConfig())
	applied, err := s.Apply(ctx, c.ContradictionID, resolve.ApplyParams{Action: model.ActionUpdateToNewer, Actor: model.ActorUser})
	require.NoError(t, err)

	require.NoError(t, s.Rollback(ctx, applied.RollbackID))
	err = s.Rollback(ctx, applied.RollbackID)
	require.Error(t, err)
}
