package search

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anamnesis-ai/anamnesis/internal/model"
)

func TestParseQdrantURL(t *testing.T) {
	tests := []struct {
		name    string
		rawURL  string
		host    string
		port    int
		tls     bool
		wantErr bool
	}{
		{
			name:   "https cloud URL with REST port",
			rawURL: "https://xyz.cloud.qdrant.io:6333",
			host:   "xyz.cloud.qdrant.io",
			port:   6334, // REST 6333 → gRPC 6334
			tls:    true,
		},
		{
			name:   "https cloud URL with gRPC port",
			rawURL: "https://xyz.cloud.qdrant.io:6334",
			host:   "xyz.cloud.qdrant.io",
			port:   6334,
			tls:    true,
		},
		{
			name:   "http local URL",
			rawURL: "http://localhost:6333",
			host:   "localhost",
			port:   6334,
			tls:    false,
		},
		{
			name:   "http no port defaults to 6334",
			rawURL: "http://qdrant.internal",
			host:   "qdrant.internal",
			port:   6334,
			tls:    false,
		},
		{
			name:   "custom port preserved",
			rawURL: "https://qdrant.example.com:9334",
			host:   "qdrant.example.com",
			port:   9334,
			tls:    true,
		},
		{
			name:    "empty URL",
			rawURL:  "",
			wantErr: true,
		},
		{
			name:    "no scheme no host",
			rawURL:  "not-a-url",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, port, tls, err := parseQdrantURL(tt.rawURL)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.host, host)
			assert.Equal(t, tt.port, port)
			assert.Equal(t, tt.tls, tls)
		})
	}
}

// buildFilterConditions mirrors QdrantIndex.Search's condition-building
// logic so the thread-isolation and temporal-exclusion behavior can be
// asserted without a live Qdrant connection.
func buildFilterConditions(threadID uuid.UUID, filters Filters) (must []string, mustNot []string) {
	must = append(must, "thread_id")
	if filters.Slot != "" {
		must = append(must, "slot")
	}
	for range filters.ExcludeTemporal {
		mustNot = append(mustNot, "temporal_status")
	}
	return must, mustNot
}

func TestBuildFilterConditions_ThreadIDAlwaysPresent(t *testing.T) {
	must, mustNot := buildFilterConditions(uuid.New(), Filters{})
	assert.Equal(t, []string{"thread_id"}, must)
	assert.Empty(t, mustNot)
}

func TestBuildFilterConditions_SlotAddsMustCondition(t *testing.T) {
	must, _ := buildFilterConditions(uuid.New(), Filters{Slot: "employer"})
	assert.Equal(t, []string{"thread_id", "slot"}, must)
}

func TestBuildFilterConditions_ExcludeTemporalAddsMustNotPerStatus(t *testing.T) {
	_, mustNot := buildFilterConditions(uuid.New(), Filters{
		ExcludeTemporal: []model.TemporalStatus{model.TemporalPast},
	})
	assert.Equal(t, []string{"temporal_status"}, mustNot)
}

func TestBuildFilterConditions_SlotAndTemporalCombine(t *testing.T) {
	must, mustNot := buildFilterConditions(uuid.New(), Filters{
		Slot:            "location",
		ExcludeTemporal: []model.TemporalStatus{model.TemporalPast},
	})
	assert.Equal(t, []string{"thread_id", "slot"}, must)
	assert.Equal(t, []string{"temporal_status"}, mustNot)
}
