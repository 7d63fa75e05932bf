// Package decay implements C3's apply_decay sweep: trust recomputed on
// a half-life schedule, clamped to [trust_min, trust_max], never
// touching memories outside the active status. Structurally grounded
// on the teacher's internal/conflicts.Scorer.BackfillScoring: an
// errgroup.Group with SetLimit bounds concurrent per-thread work, and
// the sweep is safe to call repeatedly (idempotent clamp, no
// accumulation across retries).
package decay

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/anamnesis-ai/anamnesis/internal/model"
	"github.com/anamnesis-ai/anamnesis/internal/storage"
)

// memoriesPerThread bounds how many rows a single sweep touches per
// thread, matching the teacher's BackfillScoring batch-size pattern.
const memoriesPerThread = 500

// Config holds the trust bounds and half-life used to compute each
// sweep's decay factor.
type Config struct {
	TrustMin     float64
	TrustMax     float64
	HalfLife     time.Duration
	SweepWorkers int
}

// DefaultConfig mirrors config.Load's defaults for the trust knobs.
func DefaultConfig() Config {
	return Config{
		TrustMin:     0.05,
		TrustMax:     0.98,
		HalfLife:     30 * 24 * time.Hour,
		SweepWorkers: 4,
	}
}

// Sweeper applies the decay sweep across every thread's active
// memories.
type Sweeper struct {
	db     *storage.DB
	cfg    Config
	logger *slog.Logger
}

// New constructs a Sweeper.
func New(db *storage.DB, cfg Config, logger *slog.Logger) *Sweeper {
	return &Sweeper{db: db, cfg: cfg, logger: logger}
}

// Run performs one decay sweep: every active memory's trust moves
// toward TrustMin by the fraction elapsed is expected to decay over
// one interval's worth of half-life, i.e. interval is the caller's
// sweep period, not each memory's individual age. Calling Run on a
// fixed ticker interval makes the per-call decay factor constant,
// which is why interval is a parameter rather than derived from
// CreatedAt: a memory reinforced by a fresh assertion resets nothing
// but its own trust value, so elapsed-since-creation would over-decay
// long-lived, frequently-reaffirmed memories.
//
// Returns the number of memories whose trust was updated.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) (int, error) {
	threadIDs, err := s.db.ListThreadIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("decay: list threads: %w", err)
	}
	if len(threadIDs) == 0 {
		return 0, nil
	}

	factor := decayFactor(interval, s.cfg.HalfLife)

	var updated atomic.Int64
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.SweepWorkers)

	for _, threadID := range threadIDs {
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
			}
			n, err := s.sweepThread(gCtx, threadID, factor)
			if err != nil {
				s.logger.Error("decay: sweep thread failed", "error", err, "thread_id", threadID)
				return nil // one bad thread must not abort the whole sweep
			}
			updated.Add(int64(n))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(updated.Load()), err
	}
	return int(updated.Load()), nil
}

func (s *Sweeper) sweepThread(ctx context.Context, threadID uuid.UUID, factor float64) (int, error) {
	memories, err := s.db.ListMemoriesForThread(ctx, threadID, memoriesPerThread)
	if err != nil {
		return 0, fmt.Errorf("decay: list memories for thread %s: %w", threadID, err)
	}

	var updated int
	for _, m := range memories {
		if m.Status != model.MemoryActive {
			continue
		}
		newTrust := s.cfg.applyDecay(m.Trust, factor)
		if newTrust == m.Trust {
			continue
		}
		if err := s.db.UpdateMemoryTrust(ctx, m.MemoryID, newTrust); err != nil {
			return updated, fmt.Errorf("decay: update trust for memory %s: %w", m.MemoryID, err)
		}
		updated++
	}
	return updated, nil
}

// decayFactor returns the multiplicative shrink toward TrustMin for
// one sweep interval, given the configured half-life.
func decayFactor(interval, halfLife time.Duration) float64 {
	if halfLife <= 0 {
		return 1
	}
	return math.Pow(0.5, interval.Seconds()/halfLife.Seconds())
}

// applyDecay recomputes trust for one memory per the C3 apply_decay
// invariant: result always stays within [TrustMin, TrustMax].
func (c Config) applyDecay(trust, factor float64) float64 {
	decayed := c.TrustMin + (trust-c.TrustMin)*factor
	if decayed < c.TrustMin {
		decayed = c.TrustMin
	}
	if decayed > c.TrustMax {
		decayed = c.TrustMax
	}
	return decayed
}
