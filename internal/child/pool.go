package child

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// Pool bounds how many children the supervisor spawns concurrently,
// pairing a concurrency limit with the spawn-pacing gate every spawned
// Child acquires in TryStart.
type Pool struct {
	gate        *SpawnGate
	concurrency int
}

// NewPool builds a Pool whose gate allows at most concurrency
// simultaneous in-flight spawns, each spawn separated by at least
// minGap.
func NewPool(concurrency int, minGap time.Duration) *Pool {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Pool{gate: NewSpawnGate(concurrency, minGap), concurrency: concurrency}
}

// Gate returns the pool's spawn gate, to be wired into Child.SetSpawnGate.
func (p *Pool) Gate() *SpawnGate { return p.gate }

// Concurrency returns the pool's configured spawn concurrency, reused as
// the default bound for lifecycle-hook batches tied to this pool
// (RunPhaseHooks).
func (p *Pool) Concurrency() int { return p.concurrency }

// Close releases any goroutines blocked waiting on the pool's gate.
func (p *Pool) Close() { p.gate.Close() }

// RunBounded runs fn once per item concurrently, bounded to at most
// `limit` in flight at once, stopping early on the first error.
func RunBounded[T any](ctx context.Context, limit int, items []T, fn func(context.Context, T) error) error {
	if limit <= 0 {
		limit = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, item := range items {
		item := item
		g.Go(func() error { return fn(gctx, item) })
	}
	return g.Wait()
}

// RunHooksBounded runs fn once per hook concurrently, bounded to at most
// `limit` in flight at once. It stops launching new work once the context
// is canceled or a prior hook returns an error with FailureModeFail, but
// always waits for in-flight work to finish before returning. A hook with
// no FailureMode set is treated as FailureModeFail, the Hook default. Used
// by RunPhaseHooks to run one lifecycle phase's hooks without spawning an
// unbounded number of goroutines.
func RunHooksBounded(ctx context.Context, limit int, hooks []Hook, fn func(context.Context, Hook) error) error {
	if limit <= 0 {
		limit = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, h := range hooks {
		h := h
		stopOnErr := h.FailureMode == FailureModeFail || h.FailureMode == ""
		g.Go(func() error {
			err := fn(gctx, h)
			if err != nil && !stopOnErr {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}
