// Package health reports reachability of this system's external
// collaborators: the database's LISTEN/NOTIFY connection, the
// optional semantic search index, and the optional embedding
// provider. The report is exposed as the MCP resource
// anamnesis://health and is also served as JSON at /healthz by the
// root package's HTTP server.
//
// Structurally grounded on the teacher's internal/service/tracehealth
// (a Service wrapping storage, with one Compute method producing a
// Metrics snapshot); the actual metrics differ, since tracehealth
// reports decision-quality signals and this package reports
// collaborator reachability, per spec.
package health

import (
	"context"
	"time"

	"github.com/anamnesis-ai/anamnesis/internal/search"
	"github.com/anamnesis-ai/anamnesis/internal/service/embedding"
	"github.com/anamnesis-ai/anamnesis/internal/storage"
)

// probeTimeout bounds each collaborator check so a single hung
// dependency never makes Compute itself hang.
const probeTimeout = 3 * time.Second

// ComponentStatus is one collaborator's reachability verdict.
type ComponentStatus struct {
	Name       string `json:"name"`
	Healthy    bool   `json:"healthy"`
	Detail     string `json:"detail,omitempty"`
	Configured bool   `json:"configured"`
}

// Report is the full health snapshot returned by Compute.
type Report struct {
	Overall    bool              `json:"overall"`
	Components []ComponentStatus `json:"components"`
	CheckedAt  time.Time         `json:"checked_at"`
}

// Checker computes a Report from the collaborators it was constructed
// with. Searcher and Embedder are optional: a nil value reports as
// "not configured" rather than unhealthy.
type Checker struct {
	db       *storage.DB
	searcher search.Searcher
	embedder embedding.Provider
}

// New builds a Checker. searcher and embedder may be nil.
func New(db *storage.DB, searcher search.Searcher, embedder embedding.Provider) *Checker {
	return &Checker{db: db, searcher: searcher, embedder: embedder}
}

// Compute probes every configured collaborator and returns a Report.
// Overall is true only if every configured collaborator is healthy;
// the database connection itself is always checked and always counts.
func (c *Checker) Compute(ctx context.Context) Report {
	components := []ComponentStatus{c.checkDatabase(ctx), c.checkNotify(ctx), c.checkSearch(ctx), c.checkEmbedding(ctx)}

	overall := true
	for _, comp := range components {
		if comp.Configured && !comp.Healthy {
			overall = false
		}
	}

	return Report{Overall: overall, Components: components, CheckedAt: time.Now().UTC()}
}

func (c *Checker) checkDatabase(ctx context.Context) ComponentStatus {
	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if err := c.db.Ping(pctx); err != nil {
		return ComponentStatus{Name: "database", Configured: true, Healthy: false, Detail: err.Error()}
	}
	return ComponentStatus{Name: "database", Configured: true, Healthy: true}
}

func (c *Checker) checkNotify(ctx context.Context) ComponentStatus {
	_ = ctx
	if !c.db.HasNotifyConn() {
		return ComponentStatus{Name: "notify", Configured: false, Healthy: false, Detail: "no notify DSN configured"}
	}
	return ComponentStatus{Name: "notify", Configured: true, Healthy: true}
}

func (c *Checker) checkSearch(ctx context.Context) ComponentStatus {
	if c.searcher == nil {
		return ComponentStatus{Name: "search", Configured: false, Healthy: false, Detail: "no search index configured, slot-indexed lookup only"}
	}
	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if err := c.searcher.Healthy(pctx); err != nil {
		return ComponentStatus{Name: "search", Configured: true, Healthy: false, Detail: err.Error()}
	}
	return ComponentStatus{Name: "search", Configured: true, Healthy: true}
}

func (c *Checker) checkEmbedding(ctx context.Context) ComponentStatus {
	if c.embedder == nil {
		return ComponentStatus{Name: "embedding", Configured: false, Healthy: false, Detail: "no embedding provider configured"}
	}
	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if _, err := c.embedder.Embed(pctx, "health check probe"); err != nil {
		if err == embedding.ErrNoProvider {
			return ComponentStatus{Name: "embedding", Configured: false, Healthy: false, Detail: "noop provider, semantic search disabled"}
		}
		return ComponentStatus{Name: "embedding", Configured: true, Healthy: false, Detail: err.Error()}
	}
	return ComponentStatus{Name: "embedding", Configured: true, Healthy: true}
}
