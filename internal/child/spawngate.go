package child

import (
	"context"
	"errors"
	"time"
)

// ErrSpawnGateClosed is returned by Acquire when the gate has been closed
// (e.g. the supervisor is shutting down) and will never admit spawns again.
var ErrSpawnGateClosed = errors.New("child: spawn gate closed")

// SpawnGate bounds how many children may be mid-exec at once and, more
// importantly, paces how fast new spawns are admitted. A restart storm
// across a large worker fleet can otherwise exhaust file descriptors and
// PIDs in the same tick the supervisor is trying to recover from.
type SpawnGate struct {
	tokens  chan struct{}
	minGap  time.Duration
	last    time.Time
	closeCh chan struct{}
}

// NewSpawnGate creates a gate admitting at most `concurrent` simultaneous
// spawns, with at least minGap between any two admissions.
func NewSpawnGate(concurrent int, minGap time.Duration) *SpawnGate {
	if concurrent <= 0 {
		concurrent = 1
	}
	g := &SpawnGate{
		tokens:  make(chan struct{}, concurrent),
		minGap:  minGap,
		closeCh: make(chan struct{}),
	}
	for i := 0; i < concurrent; i++ {
		g.tokens <- struct{}{}
	}
	return g
}

// Acquire blocks until a spawn slot is free and the pacing interval has
// elapsed, or the gate is closed.
func (g *SpawnGate) Acquire() error {
	return g.AcquireContext(context.Background())
}

// AcquireContext is Acquire with cancellation support.
func (g *SpawnGate) AcquireContext(ctx context.Context) error {
	select {
	case <-g.closeCh:
		return ErrSpawnGateClosed
	default:
	}
	select {
	case <-g.closeCh:
		return ErrSpawnGateClosed
	case <-ctx.Done():
		return ctx.Err()
	case <-g.tokens:
	}
	if g.minGap > 0 {
		wait := g.minGap - time.Since(g.last)
		if wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				g.tokens <- struct{}{}
				return ctx.Err()
			}
		}
	}
	g.last = time.Now()
	return nil
}

// Release returns a slot to the pool. Callers must call Release exactly
// once per successful Acquire, typically via defer.
func (g *SpawnGate) Release() {
	select {
	case g.tokens <- struct{}{}:
	default:
	}
}

// Close makes all pending and future Acquire calls fail immediately.
func (g *SpawnGate) Close() {
	select {
	case <-g.closeCh:
	default:
		close(g.closeCh)
	}
}
