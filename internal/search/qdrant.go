package search

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/anamnesis-ai/anamnesis/internal/model"
)

// QdrantConfig holds configuration for connecting to Qdrant.
type QdrantConfig struct {
	URL        string // e.g. "https://xyz.cloud.qdrant.io:6333" or "http://localhost:6333"
	APIKey     string
	Collection string
	Dims       uint64
}

// Point is the data needed to upsert a single memory into Qdrant. Only
// fields useful for filtered search are carried in the payload — the
// hydrated Memory itself always comes from Postgres afterward.
type Point struct {
	ID             uuid.UUID
	ThreadID       uuid.UUID
	Slot           string
	TemporalStatus model.TemporalStatus
	Trust          float32
	ValidFrom      time.Time
	Embedding      []float32
}

// QdrantIndex implements Searcher backed by Qdrant Cloud.
type QdrantIndex struct {
	client     *qdrant.Client
	collection string
	dims       uint64
	logger     *slog.Logger

	healthMu  sync.Mutex
	lastCheck time.Time
	lastErr   error
}

// parseQdrantURL extracts host, port, and TLS flag from a Qdrant URL.
// Accepts forms like "https://host:6333" or "http://host:6333"; the scheme
// is required, and a bare "host:6334" is rejected as invalid.
func parseQdrantURL(rawURL string) (host string, port int, useTLS bool, err error) {
	u, parseErr := url.Parse(rawURL)
	if parseErr != nil || u.Host == "" {
		return "", 0, false, fmt.Errorf("search: invalid qdrant URL: %q", rawURL)
	}

	useTLS = u.Scheme == "https"
	host = u.Hostname()

	if portStr := u.Port(); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, false, fmt.Errorf("search: invalid port in qdrant URL: %q", portStr)
		}
		// If the user specified the REST port (6333), use the gRPC port (6334).
		if p == 6333 {
			port = 6334
		} else {
			port = p
		}
	} else {
		port = 6334
	}

	return host, port, useTLS, nil
}

// NewQdrantIndex creates a new QdrantIndex and connects to the Qdrant server via gRPC.
func NewQdrantIndex(cfg QdrantConfig, logger *slog.Logger) (*QdrantIndex, error) {
	host, port, useTLS, err := parseQdrantURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("search: connect to qdrant at %s:%d: %w", host, port, err)
	}

	return &QdrantIndex{
		client:     client,
		collection: cfg.Collection,
		dims:       cfg.Dims,
		logger:     logger,
	}, nil
}

// EnsureCollection creates the collection if it doesn't already exist,
// with HNSW parameters tuned for cosine similarity over memory text
// embeddings.
func (q *QdrantIndex) EnsureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("search: check collection exists: %w", err)
	}
	if exists {
		q.logger.Info("qdrant: collection already exists", "collection", q.collection)
		return nil
	}

	m := uint64(16)
	efConstruct := uint64(128)

	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     q.dims,
			Distance: qdrant.Distance_Cosine,
			HnswConfig: &qdrant.HnswConfigDiff{
				M:           &m,
				EfConstruct: &efConstruct,
			},
		}),
	})
	if err != nil {
		return fmt.Errorf("search: create collection %q: %w", q.collection, err)
	}

	keywordType := qdrant.FieldType_FieldTypeKeyword
	for _, field := range []string{"thread_id", "slot", "temporal_status"} {
		if _, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: q.collection,
			FieldName:      field,
			FieldType:      &keywordType,
		}); err != nil {
			return fmt.Errorf("search: create index on %q: %w", field, err)
		}
	}

	floatType := qdrant.FieldType_FieldTypeFloat
	for _, field := range []string{"trust", "valid_from_unix"} {
		if _, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: q.collection,
			FieldName:      field,
			FieldType:      &floatType,
		}); err != nil {
			return fmt.Errorf("search: create index on %q: %w", field, err)
		}
	}

	q.logger.Info("qdrant: created collection with payload indexes", "collection", q.collection, "dims", q.dims)
	return nil
}

// Search queries Qdrant for memories matching the embedding and
// filters. thread_id is always applied as the first filter (thread
// isolation — one thread's memories must never leak into another's
// retrieval). Over-fetches limit*3 so Rescore has room to re-rank.
func (q *QdrantIndex) Search(ctx context.Context, threadID uuid.UUID, embedding []float32, filters Filters, limit int) ([]Result, error) {
	must := []*qdrant.Condition{
		qdrant.NewMatch("thread_id", threadID.String()),
	}

	if filters.Slot != "" {
		must = append(must, qdrant.NewMatch("slot", filters.Slot))
	}

	var mustNot []*qdrant.Condition
	for _, ts := range filters.ExcludeTemporal {
		mustNot = append(mustNot, qdrant.NewMatch("temporal_status", string(ts)))
	}

	fetchLimit := uint64(limit) * 3 //nolint:gosec // limit is bounded by caller
	scored, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(embedding),
		Filter:         &qdrant.Filter{Must: must, MustNot: mustNot},
		Limit:          &fetchLimit,
		WithPayload:    qdrant.NewWithPayload(false),
	})
	if err != nil {
		return nil, fmt.Errorf("search: qdrant query: %w", err)
	}

	results := make([]Result, 0, len(scored))
	for _, sp := range scored {
		idStr := sp.Id.GetUuid()
		if idStr == "" {
			continue
		}
		memoryID, err := uuid.Parse(idStr)
		if err != nil {
			q.logger.Warn("qdrant: invalid UUID in point ID", "id", idStr)
			continue
		}
		results = append(results, Result{
			MemoryID: memoryID,
			Score:    sp.Score,
		})
	}

	return results, nil
}

// Upsert inserts or updates points in Qdrant.
func (q *QdrantIndex) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	qdrantPoints := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		payload := map[string]any{
			"thread_id":       p.ThreadID.String(),
			"slot":            p.Slot,
			"temporal_status": string(p.TemporalStatus),
			"trust":           float64(p.Trust),
			"valid_from_unix": float64(p.ValidFrom.Unix()),
		}
		qdrantPoints[i] = &qdrant.PointStruct{
			Id:      qdrant.NewID(p.ID.String()),
			Vectors: qdrant.NewVectorsDense(p.Embedding),
			Payload: qdrant.NewValueMap(payload),
		}
	}

	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrantPoints,
	})
	if err != nil {
		return fmt.Errorf("search: qdrant upsert %d points: %w", len(points), err)
	}
	return nil
}

// DeleteByIDs removes specific points from Qdrant by memory ID.
func (q *QdrantIndex) DeleteByIDs(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}

	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = qdrant.NewID(id.String())
	}

	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{
					Ids: pointIDs,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("search: qdrant delete %d points: %w", len(ids), err)
	}
	return nil
}

// DeleteByThread removes every point belonging to a thread (full-thread
// deletion, e.g. when a session's data is purged). Called directly
// (not via outbox) since the thread is being wiped wholesale — there's
// no need for per-memory outbox entries. The caller is responsible for
// also deleting the Postgres rows.
func (q *QdrantIndex) DeleteByThread(ctx context.Context, threadID uuid.UUID) error {
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
				Filter: &qdrant.Filter{
					Must: []*qdrant.Condition{
						qdrant.NewMatch("thread_id", threadID.String()),
					},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("search: qdrant delete by thread %s: %w", threadID, err)
	}
	return nil
}

// Healthy returns nil if Qdrant is reachable. Results are cached for 5 seconds
// to avoid hammering the health endpoint on every search request.
func (q *QdrantIndex) Healthy(ctx context.Context) error {
	q.healthMu.Lock()
	defer q.healthMu.Unlock()

	if time.Since(q.lastCheck) < 5*time.Second {
		return q.lastErr
	}

	_, err := q.client.HealthCheck(ctx)
	q.lastCheck = time.Now()
	if err != nil {
		q.lastErr = fmt.Errorf("search: qdrant unhealthy: %w", err)
	} else {
		q.lastErr = nil
	}
	return q.lastErr
}

// Close shuts down the Qdrant gRPC connection.
func (q *QdrantIndex) Close() error {
	return q.client.Close()
}
