package anamnesis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/pgvector/pgvector-go"

	"github.com/anamnesis-ai/anamnesis/internal/auth"
	"github.com/anamnesis-ai/anamnesis/internal/config"
	"github.com/anamnesis-ai/anamnesis/internal/decay"
	"github.com/anamnesis-ai/anamnesis/internal/detect"
	"github.com/anamnesis-ai/anamnesis/internal/engine"
	"github.com/anamnesis-ai/anamnesis/internal/enforce"
	"github.com/anamnesis-ai/anamnesis/internal/extract"
	"github.com/anamnesis-ai/anamnesis/internal/health"
	"github.com/anamnesis-ai/anamnesis/internal/integrity"
	"github.com/anamnesis-ai/anamnesis/internal/mcp"
	"github.com/anamnesis-ai/anamnesis/internal/resolve"
	"github.com/anamnesis-ai/anamnesis/internal/retrieval"
	"github.com/anamnesis-ai/anamnesis/internal/search"
	"github.com/anamnesis-ai/anamnesis/internal/service/embedding"
	"github.com/anamnesis-ai/anamnesis/internal/slots"
	"github.com/anamnesis-ai/anamnesis/internal/storage"
	"github.com/anamnesis-ai/anamnesis/internal/telemetry"
	"github.com/anamnesis-ai/anamnesis/migrations"
)

// idempotencyCompletedTTL and idempotencyInProgressTTL bound how long
// a finished or abandoned idempotency key survives before cleanup.
// Not exposed as separate config knobs — ANAMNESIS_IDEMPOTENCY_CLEANUP_PERIOD
// controls how often the sweep runs, these constants control what it removes.
const (
	idempotencyCompletedTTL  = 24 * time.Hour
	idempotencyInProgressTTL = time.Hour
)

// App is the anamnesis server lifecycle. Construct with New(), run
// with Run(). App has no public fields — use New() options to
// configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	httpSrv      *http.Server
	decaySweeper *decay.Sweeper
	qdrantIndex  *search.QdrantIndex
	outbox       *search.OutboxWorker
	otelShutdown func(context.Context) error
	logger       *slog.Logger
	version      string
}

// New initializes the anamnesis server. It connects to the database,
// runs migrations, wires every component in the C1-C9 pipeline, and
// returns a ready-to-run App. It does NOT start any goroutines or
// accept connections — call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("anamnesis starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	db, err := storage.New(context.Background(), cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}

	if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("migrations: %w", err)
	}
	for i, extraFS := range o.extraMigrations {
		if err := db.RunMigrations(context.Background(), extraFS); err != nil {
			db.Close(context.Background())
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("extra migrations[%d]: %w", i, err)
		}
	}

	var schemaOK bool
	if err := db.Pool().QueryRow(context.Background(),
		`SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_schema = 'public' AND table_name = 'memories')`,
	).Scan(&schemaOK); err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("schema verification: %w", err)
	}
	if !schemaOK {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("critical table 'memories' does not exist after migration — check that pgvector and timescaledb extensions are created")
	}

	// Refill at the full configured capacity every second: a thread that
	// goes quiet for a second gets its whole burst back, matching the
	// teacher's steady-state rate-limit shape while keeping the single
	// config knob (ANAMNESIS_WRITE_LOG_CAPACITY) spec.md §5 names.
	db.SetWriteCapacity(cfg.WriteLogCapacityPerThread, float64(cfg.WriteLogCapacityPerThread))

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("auth: %w", err)
	}

	var embedder embedding.Provider
	if o.embeddingProvider != nil {
		embedder = &publicEmbeddingAdapter{p: o.embeddingProvider}
	} else {
		embedder = newEmbeddingProvider(cfg, logger)
	}

	var searcher search.Searcher
	var qdrantIndex *search.QdrantIndex
	var outboxWorker *search.OutboxWorker
	if cfg.QdrantURL != "" {
		var idxErr error
		qdrantIndex, idxErr = search.NewQdrantIndex(search.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
		}, logger)
		if idxErr != nil {
			db.Close(context.Background())
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("qdrant: %w", idxErr)
		}
		if err := qdrantIndex.EnsureCollection(context.Background()); err != nil {
			_ = qdrantIndex.Close()
			db.Close(context.Background())
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("qdrant ensure collection: %w", err)
		}
		searcher = qdrantIndex
		outboxWorker = search.NewOutboxWorker(db.Pool(), qdrantIndex, logger, cfg.OutboxPollInterval, cfg.OutboxBatchSize)
		logger.Info("qdrant: enabled", "collection", cfg.QdrantCollection)
	} else {
		logger.Info("qdrant: disabled (no QDRANT_URL)")
	}

	if o.searcher != nil {
		searcher = &searcherAdapter{s: o.searcher}
	}

	catalog := slots.NewCatalog()
	extractor := extract.New(catalog)
	var detectOpts []detect.Option
	if cfg.SpuriousFilterEnabled {
		detectOpts = append(detectOpts, detect.WithTrustWeightedFiltering(cfg.TrustFloor, 0.3))
	}
	detector := detect.New(catalog, logger, detectOpts...)

	retriever := retrieval.New(db, catalog, logger,
		retrieval.WithSemanticSearch(embedder, searcher),
		retrieval.WithDomainBoostBeta(cfg.DomainBoostBeta),
	)

	eng := engine.New(db, catalog, extractor, detector, retriever, logger,
		engine.WithEmbedder(embedder),
		engine.WithEnforceConfig(enforce.DefaultConfig()),
		engine.WithEnforceMetrics(enforce.NewMetrics()),
	)

	resolveCfg := resolve.DefaultConfig()
	resolveCfg.TrustMin = cfg.TrustMin
	resolveCfg.TrustMax = cfg.TrustMax
	resolveCfg.RollbackWindow = cfg.RollbackWindow
	resolver := resolve.New(db, resolveCfg)

	healthChecker := health.New(db, searcher, embedder)

	mcpSrv := mcp.New(eng, resolver, healthChecker, logger, version)

	decaySweeper := decay.New(db, decay.Config{
		TrustMin:     cfg.TrustMin,
		TrustMax:     cfg.TrustMax,
		HalfLife:     cfg.TrustDecayHalfLife,
		SweepWorkers: cfg.DecaySweepWorkers,
	}, logger)

	httpSrv := buildHTTPServer(cfg, jwtMgr, mcpSrv, healthChecker, logger)

	return &App{
		cfg:          cfg,
		db:           db,
		httpSrv:      httpSrv,
		decaySweeper: decaySweeper,
		qdrantIndex:  qdrantIndex,
		outbox:       outboxWorker,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts all background goroutines and the HTTP/MCP transport,
// then blocks until ctx is cancelled or a fatal server error occurs.
// On return, Shutdown is called automatically — callers should not
// call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	if a.outbox != nil {
		a.outbox.Start(ctx)
	}

	go a.decayLoop(ctx)
	go a.integrityProofLoop(ctx)
	go a.idempotencyCleanupLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		_ = a.Shutdown(context.Background())
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown performs a two-phase graceful shutdown: stop accepting
// connections and drain in-flight requests, then drain any remaining
// outbox entries to the search index. It then closes the database
// pool and the OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("anamnesis shutting down")

	httpCtx, httpCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownHTTPTimeout)
	if err := a.httpSrv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	if a.outbox != nil {
		outboxCtx, outboxCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownOutboxTimeout)
		a.outbox.Drain(outboxCtx)
		outboxCancel()
	}

	if a.qdrantIndex != nil {
		_ = a.qdrantIndex.Close()
	}
	_ = a.otelShutdown(context.Background())
	a.db.Close(context.Background())

	a.logger.Info("anamnesis stopped")
	return nil
}

// ── Background loops ────────────────────────────────────────────────

func (a *App) decayLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.DecaySweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.decaySweeper.Run(ctx, a.cfg.DecaySweepInterval)
			if err != nil {
				a.logger.Warn("decay sweep failed", "error", err)
				continue
			}
			if n > 0 {
				a.logger.Info("decay sweep complete", "memories_updated", n)
			}
		}
	}
}

func (a *App) integrityProofLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.IntegrityProofInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
			a.buildIntegrityProofs(opCtx)
			cancel()
		}
	}
}

// buildIntegrityProofs computes one Merkle root per thread over the
// contradiction ledger entries recorded since that thread's last
// proof, and persists it. A thread with no contradictions since its
// last proof is skipped — an empty batch carries no new information.
func (a *App) buildIntegrityProofs(ctx context.Context) {
	threadIDs, err := a.db.ListThreadIDs(ctx)
	if err != nil {
		a.logger.Warn("integrity proof: list threads failed", "error", err)
		return
	}

	built := 0
	for _, threadID := range threadIDs {
		since := time.Unix(0, 0).UTC()
		if prev, err := a.db.GetLatestIntegrityProof(ctx, threadID); err != nil {
			a.logger.Warn("integrity proof: lookup previous failed", "error", err, "thread_id", threadID)
			continue
		} else if prev != nil {
			since = prev.BatchEnd
		}
		until := time.Now().UTC()

		leaves, err := a.db.GetContradictionContentForBatch(ctx, threadID, since, until)
		if err != nil {
			a.logger.Warn("integrity proof: batch content failed", "error", err, "thread_id", threadID)
			continue
		}
		if len(leaves) == 0 {
			continue
		}

		hashed := make([]string, len(leaves))
		for i, leaf := range leaves {
			hashed[i] = integrity.LeafHash(leaf)
		}
		root := integrity.BuildMerkleRoot(hashed)

		if err := a.db.CreateIntegrityProof(ctx, storage.IntegrityProof{
			ThreadID:   threadID,
			BatchStart: since,
			BatchEnd:   until,
			EntryCount: len(leaves),
			MerkleRoot: root,
		}); err != nil {
			a.logger.Warn("integrity proof: persist failed", "error", err, "thread_id", threadID)
			continue
		}
		built++
	}
	if built > 0 {
		a.logger.Info("integrity proofs built", "count", built)
	}
}

func (a *App) idempotencyCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.IdempotencyCleanupPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			deleted, err := a.db.CleanupIdempotencyKeys(opCtx, idempotencyCompletedTTL, idempotencyInProgressTTL)
			cancel()
			if err != nil {
				a.logger.Warn("idempotency cleanup failed", "error", err)
				continue
			}
			if deleted > 0 {
				a.logger.Info("idempotency cleanup deleted rows", "deleted", deleted)
			}
		}
	}
}

// ── Helpers ──────────────────────────────────────────────────────────

func newEmbeddingProvider(cfg config.Config, logger *slog.Logger) embedding.Provider {
	dims := cfg.EmbeddingDimensions

	switch cfg.EmbeddingProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			logger.Error("OPENAI_API_KEY required when ANAMNESIS_EMBEDDING_PROVIDER=openai")
			return embedding.NewNoopProvider(dims)
		}
		logger.Info("embedding provider: openai", "model", cfg.EmbeddingModel, "dimensions", dims)
		p, err := embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims)
		if err != nil {
			logger.Error("openai provider init failed", "error", err)
			return embedding.NewNoopProvider(dims)
		}
		return p
	case "ollama":
		logger.Info("embedding provider: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)
	case "noop":
		logger.Info("embedding provider: noop (semantic search disabled)")
		return embedding.NewNoopProvider(dims)
	case "auto":
		fallthrough
	default:
		if ollamaReachable(cfg.OllamaURL) {
			logger.Info("embedding provider: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
			return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)
		}
		if cfg.OpenAIAPIKey != "" {
			logger.Info("embedding provider: openai (auto-detected)", "model", cfg.EmbeddingModel, "dimensions", dims)
			p, err := embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims)
			if err != nil {
				logger.Error("openai provider init failed", "error", err)
				return embedding.NewNoopProvider(dims)
			}
			return p
		}
		logger.Warn("no embedding provider available, using noop (semantic search disabled)")
		return embedding.NewNoopProvider(dims)
	}
}

func ollamaReachable(baseURL string) bool {
	c, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(c, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func contextWithOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}

// ── Adapters (defined here because this file imports both sides) ────

// publicEmbeddingAdapter wraps a public anamnesis.EmbeddingProvider to
// satisfy internal/service/embedding.Provider.
type publicEmbeddingAdapter struct {
	p EmbeddingProvider
}

func (a *publicEmbeddingAdapter) Dimensions() int { return a.p.Dimensions() }

func (a *publicEmbeddingAdapter) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	raw, err := a.p.Embed(ctx, text)
	if err != nil {
		return pgvector.Vector{}, err
	}
	return pgvector.NewVector(raw), nil
}

func (a *publicEmbeddingAdapter) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	out := make([]pgvector.Vector, 0, len(texts))
	for _, t := range texts {
		v, err := a.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// searcherAdapter wraps a public anamnesis.Searcher to satisfy
// internal/search.Searcher.
type searcherAdapter struct {
	s Searcher
}

func (a *searcherAdapter) Search(ctx context.Context, threadID uuid.UUID, emb []float32, filters search.Filters, limit int) ([]search.Result, error) {
	excluded := make([]string, len(filters.ExcludeTemporal))
	for i, t := range filters.ExcludeTemporal {
		excluded[i] = string(t)
	}
	results, err := a.s.Search(ctx, threadID.String(), emb, SearchFilters{Slot: filters.Slot, ExcludeTemporal: excluded}, limit)
	if err != nil {
		return nil, err
	}
	out := make([]search.Result, len(results))
	for i, r := range results {
		out[i] = search.Result{MemoryID: r.MemoryID, Score: r.Score}
	}
	return out, nil
}

func (a *searcherAdapter) Healthy(ctx context.Context) error {
	return a.s.Healthy(ctx)
}

// buildHTTPServer mounts the minimal transport: the MCP streamable
// HTTP endpoint and a liveness probe. There is no REST API in this
// tree — SPEC_FULL.md §11 names MCP as the sole external surface, and
// per-tool authorization (internal/mcp's resolution-operator check)
// is the actual enforcement point, not a route-level gate.
func buildHTTPServer(cfg config.Config, jwtMgr *auth.JWTManager, mcpSrv *mcp.Server, healthChecker *health.Checker, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()

	streamable := mcpserver.NewStreamableHTTPServer(mcpSrv.MCPServer())
	mux.Handle("/mcp", bearerClaimsMiddleware(jwtMgr, streamable))

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		report := healthChecker.Compute(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if !report.Overall {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(report)
	})

	return &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
}

// bearerClaimsMiddleware injects claims into the request context when
// a valid Bearer token is present. It never rejects a request for
// lacking one: remember/recall/suggest need no claim at all, and
// resolve's apply/rollback actions enforce the resolution-operator
// claim themselves (internal/auth.IsResolutionOperator) inside the
// tool handler, where the domain error message is more actionable than
// a blanket 401 could be.
func bearerClaimsMiddleware(jwtMgr *auth.JWTManager, next http.Handler) http.Handler {
	const prefix = "Bearer "
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h := r.Header.Get("Authorization"); len(h) > len(prefix) && h[:len(prefix)] == prefix {
			if claims, err := jwtMgr.ValidateToken(h[len(prefix):]); err == nil {
				r = r.WithContext(auth.WithClaims(r.Context(), claims))
			}
		}
		next.ServeHTTP(w, r)
	})
}
