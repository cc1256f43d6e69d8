package supervisor

import (
	"strings"
	"testing"
	"time"

	"github.com/nef/procman/internal/child"
	"github.com/nef/procman/internal/depgraph"
	"github.com/nef/procman/internal/worker"
)

// syncTimer runs its callback immediately and synchronously, making
// debounced-tick behavior deterministic in tests.
type syncTimer struct{}

func (syncTimer) Set(cb func(), delay time.Duration) { cb() }

func newTestSupervisor(col *depgraph.Collection) *Supervisor {
	return New(Config{Collection: col, Timer: syncTimer{}})
}

func newManifestWorker(name string, require []string, enabled bool) *worker.Worker {
	m := worker.Manifest{Name: name, ExecutablePath: "/bin/true", Require: require, Enabled: enabled}
	return worker.New(m, child.Spec{Name: name, Command: "/bin/true"})
}

func TestTickQueueEnabledMovesInitToQueued(t *testing.T) {
	col := depgraph.New()
	w := newManifestWorker("solo", nil, true)
	if err := col.Add(w); err != nil {
		t.Fatalf("Add: %v", err)
	}
	s := newTestSupervisor(col)

	s.tickQueueEnabled()
	if w.Status() != worker.StatusQueued {
		t.Fatalf("status = %v, want queued", w.Status())
	}
}

func TestTickDispatchReportsFailedDependency(t *testing.T) {
	col := depgraph.New()
	db := newManifestWorker("db", nil, true)
	db.SetStatus(worker.StatusOffline, "")
	api := newManifestWorker("api", []string{"db"}, true)
	api.SetStatus(worker.StatusQueued, "")
	for _, w := range []*worker.Worker{db, api} {
		if err := col.Add(w); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	s := newTestSupervisor(col)
	s.tickDispatchQueued()

	if api.Status() != worker.StatusOffline {
		t.Fatalf("api status = %v, want offline", api.Status())
	}
	if desc := api.Snapshot().StatusDescription; !strings.Contains(desc, "Failed dependency") {
		t.Fatalf("description = %q, want it to mention the failed dependency", desc)
	}
}

func TestTickDispatchStartsReadyWorker(t *testing.T) {
	col := depgraph.New()
	w := newManifestWorker("solo", nil, true)
	w.SetStatus(worker.StatusQueued, "")
	if err := col.Add(w); err != nil {
		t.Fatalf("Add: %v", err)
	}

	s := newTestSupervisor(col)
	s.tickDispatchQueued()

	if w.Status() != worker.StatusStarting {
		t.Fatalf("status = %v, want starting", w.Status())
	}
}

func TestTickStoppingInvokesShutdownCallbackWhenQuiescent(t *testing.T) {
	col := depgraph.New()
	w := newManifestWorker("solo", nil, false)
	if err := col.Add(w); err != nil {
		t.Fatalf("Add: %v", err)
	}
	s := newTestSupervisor(col)
	s.Shutdown(7)

	done := make(chan int, 1)
	s.OnShutdownComplete(func(retcode int) { done <- retcode })
	s.tickStopping()

	select {
	case rc := <-done:
		if rc != 7 {
			t.Fatalf("retcode = %d, want 7", rc)
		}
	case <-time.After(time.Second):
		t.Fatalf("shutdown callback was not invoked")
	}
}

func TestTickDisableRestDerivesDescriptionFromEnabledCause(t *testing.T) {
	col := depgraph.New()
	w := newManifestWorker("victim", nil, true)
	w.SetStatus(worker.StatusInit, "")
	if err := col.Add(w); err != nil {
		t.Fatalf("Add: %v", err)
	}
	// Disable directly (no cascade needed) to stamp EnabledCause the same
	// way a cascaded disable would.
	worker.Disable(col, w, false, "required dependency db has been disabled")

	s := newTestSupervisor(col)
	s.tickDisableRest()

	if w.Status() != worker.StatusDisabled {
		t.Fatalf("status = %v, want disabled", w.Status())
	}
	if got, want := w.Snapshot().StatusDescription, "required dependency db has been disabled"; got != want {
		t.Fatalf("description = %q, want %q", got, want)
	}
}

func TestTickQueueEnabledNeverQueuesUnkillableWorker(t *testing.T) {
	col := depgraph.New()
	w := newManifestWorker("procmand", nil, false)
	w.Manifest.Unkillable = true
	if err := col.Add(w); err != nil {
		t.Fatalf("Add: %v", err)
	}
	// Simulate the worker being (mistakenly or not) enabled: it must still
	// never be queued for dispatch, since startWorker would then exec it as
	// a real child process.
	worker.Enable(col, w, false, "test")

	s := newTestSupervisor(col)
	s.tickQueueEnabled()

	if w.Status() == worker.StatusQueued {
		t.Fatalf("unkillable worker must never be queued for dispatch, got status %v", w.Status())
	}
}

func TestHandleFailedHeartbeatIgnoresUnkillableWorker(t *testing.T) {
	col := depgraph.New()
	w := newManifestWorker("core", nil, true)
	w.Manifest.Unkillable = true
	w.SetStatus(worker.StatusOnline, "")
	if err := col.Add(w); err != nil {
		t.Fatalf("Add: %v", err)
	}

	s := newTestSupervisor(col)
	s.handleFailedHeartbeat(true, w, "core")

	if w.Status() != worker.StatusOnline {
		t.Fatalf("status = %v, want unkillable worker to stay online", w.Status())
	}
}

func TestRunTickCoalescesConcurrentRequests(t *testing.T) {
	col := depgraph.New()
	s := newTestSupervisor(col)
	// Use a timer that runs every callback on its own goroutine after the
	// delay (no coalescing), so runTick's CompareAndSwap guard is actually
	// exercised under concurrent callers.
	s.debounce = &sleepyTimer{}

	for i := 0; i < 5; i++ {
		s.RequestTick()
	}
	time.Sleep(100 * time.Millisecond)
	if s.ticking.Load() {
		t.Fatalf("expected ticking to settle back to false")
	}
}

type sleepyTimer struct{}

func (sleepyTimer) Set(cb func(), delay time.Duration) {
	go func() {
		time.Sleep(delay)
		cb()
	}()
}
