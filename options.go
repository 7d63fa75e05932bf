package anamnesis

import (
	"io/fs"
	"log/slog"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	port              int
	databaseURL       string
	notifyURL         string
	logger            *slog.Logger
	version           string
	embeddingProvider EmbeddingProvider
	searcher          Searcher
	extraMigrations   []fs.FS
}

// WithPort overrides the TCP port the MCP HTTP transport listens on
// (ANAMNESIS_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the pooled database connection string from
// config (ANAMNESIS_DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithNotifyURL overrides the direct Postgres URL used for
// LISTEN/NOTIFY (ANAMNESIS_NOTIFY_URL env var). Set this when
// DatabaseURL points at a connection pooler — LISTEN/NOTIFY requires a
// direct, non-pooled connection.
func WithNotifyURL(url string) Option {
	return func(o *resolvedOptions) { o.notifyURL = url }
}

// WithLogger sets the structured logger for the App. If not set, the
// default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported by the health resource
// and in startup logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithEmbeddingProvider replaces the auto-detected embedding provider
// (Ollama/OpenAI/noop).
func WithEmbeddingProvider(p EmbeddingProvider) Option {
	return func(o *resolvedOptions) { o.embeddingProvider = p }
}

// WithSearcher replaces the auto-detected Qdrant vector search index
// used for anamnesis_recall's semantic fallback.
func WithSearcher(s Searcher) Option {
	return func(o *resolvedOptions) { o.searcher = s }
}

// WithExtraMigrations adds an additional SQL migration filesystem to
// run after the built-in migrations. Multiple filesystems may be
// registered; they are applied in registration order.
func WithExtraMigrations(dir fs.FS) Option {
	return func(o *resolvedOptions) { o.extraMigrations = append(o.extraMigrations, dir) }
}
