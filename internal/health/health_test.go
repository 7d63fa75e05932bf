package health

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anamnesis-ai/anamnesis/internal/search"
	"github.com/anamnesis-ai/anamnesis/internal/service/embedding"
	"github.com/anamnesis-ai/anamnesis/internal/storage"
	"github.com/anamnesis-ai/anamnesis/internal/testutil"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartTimescaleDB()
	defer tc.Terminate()

	ctx := context.Background()
	db, err := tc.NewTestDB(ctx, testutil.TestLogger())
	if err != nil {
		panic(err)
	}
	testDB = db
	defer testDB.Close(ctx)

	m.Run()
}

type stubSearcher struct{ err error }

func (s stubSearcher) Search(ctx context.Context, threadID uuid.UUID, embedding []float32, filters search.Filters, limit int) ([]search.Result, error) {
	return nil, nil
}

func (s stubSearcher) Healthy(ctx context.Context) error { return s.err }

type stubEmbedder struct{ err error }

func (e stubEmbedder) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	if e.err != nil {
		return pgvector.Vector{}, e.err
	}
	return pgvector.NewVector([]float32{0.1, 0.2}), nil
}

func (e stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	return nil, nil
}

func (e stubEmbedder) Dimensions() int { return 2 }

func TestCompute_NoOptionalCollaborators(t *testing.T) {
	c := New(testDB, nil, nil)
	report := c.Compute(context.Background())

	byName := map[string]ComponentStatus{}
	for _, comp := range report.Components {
		byName[comp.Name] = comp
	}

	assert.True(t, byName["database"].Configured)
	assert.True(t, byName["database"].Healthy)

	assert.False(t, byName["search"].Configured)
	assert.False(t, byName["embedding"].Configured)

	assert.True(t, report.Overall, "unconfigured collaborators must not fail overall health")
}

func TestCompute_UnhealthyEmbeddingFailsOverall(t *testing.T) {
	c := New(testDB, nil, stubEmbedder{err: errors.New("provider down")})
	report := c.Compute(context.Background())

	var embeddingStatus ComponentStatus
	for _, comp := range report.Components {
		if comp.Name == "embedding" {
			embeddingStatus = comp
		}
	}
	require.True(t, embeddingStatus.Configured)
	assert.False(t, embeddingStatus.Healthy)
	assert.False(t, report.Overall)
}

func TestCompute_NoProviderReportsUnconfiguredNotUnhealthy(t *testing.T) {
	c := New(testDB, nil, stubEmbedder{err: embedding.ErrNoProvider})
	report := c.Compute(context.Background())

	for _, comp := range report.Components {
		if comp.Name == "embedding" {
			assert.False(t, comp.Configured)
		}
	}
	assert.True(t, report.Overall)
}

func TestCompute_HealthySearchPasses(t *testing.T) {
	c := New(testDB, stubSearcher{}, nil)
	report := c.Compute(context.Background())

	for _, comp := range report.Components {
		if comp.Name == "search" {
			assert.True(t, comp.Configured)
			assert.True(t, comp.Healthy)
		}
	}
	assert.True(t, report.Overall)
}

func TestCompute_UnhealthySearchFailsOverall(t *testing.T) {
	c := New(testDB, stubSearcher{err: errors.New("index unreachable")}, nil)
	report := c.Compute(context.Background())
	assert.False(t, report.Overall)
}
