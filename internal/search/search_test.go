package search

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/anamnesis-ai/anamnesis/internal/model"
)

// TestRescore_DomainMatchBoostsOverNonMatch verifies that a memory
// whose domain tags intersect the query's inferred domains outranks
// an equally-similar memory with no domain overlap.
func TestRescore_DomainMatchBoostsOverNonMatch(t *testing.T) {
	now := time.Now()
	matching := uuid.New()
	nonMatching := uuid.New()

	memories := map[uuid.UUID]model.Memory{
		matching: {
			MemoryID:   matching,
			ValidFrom:  now,
			DomainTags: []string{"programming"},
		},
		nonMatching: {
			MemoryID:   nonMatching,
			ValidFrom:  now,
			DomainTags: []string{"retail"},
		},
	}

	results := []Result{
		{MemoryID: matching, Score: 0.8},
		{MemoryID: nonMatching, Score: 0.8},
	}

	scored := Rescore(results, memories, []string{"programming"}, 1.5, 10)
	assert.Len(t, scored, 2)
	assert.Equal(t, matching, scored[0].Memory.MemoryID,
		"memory with a matching domain tag should rank above one with none, given equal similarity")
}

// TestRescore_RecencyDecaysOlderMemories verifies that, all else
// equal, a more recent memory outranks an older one.
func TestRescore_RecencyDecaysOlderMemories(t *testing.T) {
	now := time.Now()
	fresh := uuid.New()
	stale := uuid.New()

	memories := map[uuid.UUID]model.Memory{
		fresh: {
			MemoryID:  fresh,
			ValidFrom: now,
		},
		stale: {
			MemoryID:  stale,
			ValidFrom: now.Add(-365 * 24 * time.Hour),
		},
	}

	results := []Result{
		{MemoryID: fresh, Score: 0.8},
		{MemoryID: stale, Score: 0.8},
	}

	scored := Rescore(results, memories, nil, 1.5, 10)
	assert.Len(t, scored, 2)
	assert.Equal(t, fresh, scored[0].Memory.MemoryID,
		"a memory from today should outrank one from a year ago at equal similarity")
}

// TestRescore_SkipsMemoriesNotFoundInHydration verifies that a result
// whose memory was superseded or deleted between index search and
// hydration is silently dropped rather than erroring.
func TestRescore_SkipsMemoriesNotFoundInHydration(t *testing.T) {
	present := uuid.New()
	missing := uuid.New()

	memories := map[uuid.UUID]model.Memory{
		present: {MemoryID: present, ValidFrom: time.Now()},
	}

	results := []Result{
		{MemoryID: present, Score: 0.9},
		{MemoryID: missing, Score: 0.99},
	}

	scored := Rescore(results, memories, nil, 1.5, 10)
	assert.Len(t, scored, 1)
	assert.Equal(t, present, scored[0].Memory.MemoryID)
}

// TestRescore_TruncatesToLimit verifies the result set never exceeds
// the requested limit, keeping the highest-scoring entries.
func TestRescore_TruncatesToLimit(t *testing.T) {
	memories := make(map[uuid.UUID]model.Memory, 5)
	results := make([]Result, 0, 5)
	for i := 0; i < 5; i++ {
		id := uuid.New()
		memories[id] = model.Memory{MemoryID: id, ValidFrom: time.Now()}
		results = append(results, Result{MemoryID: id, Score: float32(i) / 10})
	}

	scored := Rescore(results, memories, nil, 1.5, 2)
	assert.Len(t, scored, 2)
}

func TestDomainBoost_EmptyQueryDomainsNeverBoosts(t *testing.T) {
	assert.Equal(t, 1.0, domainBoost([]string{"programming"}, nil, 1.5))
}

func TestDomainBoost_IntersectionBoosts(t *testing.T) {
	assert.Equal(t, 1.5, domainBoost([]string{"general", "programming"}, []string{"programming"}, 1.5))
}
