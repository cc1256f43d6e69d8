// Package brokersync debounces worker state changes into batched
// snapshot pushes to the external broker. Grounded on
// loykin-provisr's internal/cronjob single-flight/non-overlap guard: a
// push is never allowed to run concurrently with another, and names that
// arrive while a push is in flight stay dirty for the next debounce
// window instead of queuing a second concurrent push.
package brokersync

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nef/procman/internal/broker"
	"github.com/nef/procman/internal/timer"
	"github.com/nef/procman/internal/worker"
)

const defaultDebounce = 200 * time.Millisecond

// Lookup resolves a worker name to its current Worker, used to build the
// snapshot batch at push time (internal/depgraph.Collection satisfies this).
type Lookup interface {
	Get(name string) (*worker.Worker, bool)
}

// Adapter marks workers dirty on change and pushes a batched snapshot to
// a broker.Client after a debounce window.
type Adapter struct {
	mu       sync.Mutex
	dirty    map[string]struct{}
	pushing  bool
	rerun    bool // a debounce window fired while a push was in flight
	timer    *timer.Timer
	debounce time.Duration
	lookup   Lookup
	client   broker.Client
	log      *slog.Logger
}

// New builds an Adapter pushing through client, resolving names via lookup.
func New(lookup Lookup, client broker.Client, log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		dirty:    make(map[string]struct{}),
		timer:    &timer.Timer{},
		debounce: defaultDebounce,
		lookup:   lookup,
		client:   client,
		log:      log,
	}
}

// MarkDirty flags name for inclusion in the next snapshot push and
// (re)arms the debounce timer.
func (a *Adapter) MarkDirty(name string) {
	a.mu.Lock()
	a.dirty[name] = struct{}{}
	a.mu.Unlock()
	a.timer.Set(a.runPush, a.debounce)
}

// OnWorkerChanged adapts worker.StatusChanged events into MarkDirty calls;
// wire it as the consumer goroutine of a Worker's status channel.
func (a *Adapter) OnWorkerChanged(ev worker.StatusEvent) {
	a.MarkDirty(ev.Worker)
}

func (a *Adapter) runPush() {
	a.mu.Lock()
	if a.pushing {
		// A push is already in flight; the names already marked dirty
		// stay dirty and will trigger the next debounce window instead
		// of queuing a second concurrent push.
		a.rerun = true
		a.mu.Unlock()
		return
	}
	if len(a.dirty) == 0 {
		a.mu.Unlock()
		return
	}
	names := make([]string, 0, len(a.dirty))
	for n := range a.dirty {
		names = append(names, n)
	}
	a.pushing = true
	a.mu.Unlock()

	snapshot := make([]broker.WorkerSnapshot, 0, len(names))
	for _, n := range names {
		w, ok := a.lookup.Get(n)
		if !ok {
			continue
		}
		s := w.Snapshot()
		snapshot = append(snapshot, broker.WorkerSnapshot{
			Name:              s.Name,
			PID:               s.PID,
			Running:           s.Running,
			Enabled:           s.Enabled,
			Online:            s.Status == worker.StatusOnline,
			HeartbeatDisabled: s.HeartbeatDisabled,
			LivenessCounter:   w.Manifest.LivenessCounter,
		})
	}

	pushID := uuid.New().String()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err := a.client.PushSnapshot(ctx, snapshot)
	cancel()

	a.mu.Lock()
	a.pushing = false
	if err != nil {
		a.log.Warn("broker snapshot push failed, will retry on next change", "push_id", pushID, "error", err, "workers", len(names))
	} else {
		a.log.Debug("broker snapshot push succeeded", "push_id", pushID, "workers", len(names))
		for _, n := range names {
			delete(a.dirty, n)
		}
	}
	rerun := a.rerun
	a.rerun = false
	a.mu.Unlock()
	if rerun {
		a.timer.Set(a.runPush, a.debounce)
	}
}
