package worker

import (
	"testing"
	"time"

	"github.com/nef/procman/internal/child"
)

func newTestWorker(name string, requires ...string) *Worker {
	m := Manifest{Name: name, ExecutablePath: "/bin/" + name, Require: requires}
	return New(m, child.Spec{Name: name, Command: "/bin/true"})
}

type fakeGraph struct {
	workers map[string]*Worker
}

func (g *fakeGraph) Get(name string) (*Worker, bool) { w, ok := g.workers[name]; return w, ok }
func (g *fakeGraph) Requires(w *Worker) []string      { return w.Manifest.Require }
func (g *fakeGraph) RequiredBy(w *Worker) []string {
	var out []string
	for name, other := range g.workers {
		for _, r := range other.Manifest.Require {
			if r == w.Name() {
				out = append(out, name)
			}
		}
	}
	return out
}

func TestEnableCascadesIntoRequires(t *testing.T) {
	db := newTestWorker("db")
	api := newTestWorker("api", "db")
	g := &fakeGraph{workers: map[string]*Worker{"db": db, "api": api}}

	Enable(g, api, true, "user request")
	if !api.Enabled() || !db.Enabled() {
		t.Fatalf("expected both api and db enabled, got api=%v db=%v", api.Enabled(), db.Enabled())
	}
}

func TestDisableCascadesToDependents(t *testing.T) {
	db := newTestWorker("db")
	api := newTestWorker("api", "db")
	g := &fakeGraph{workers: map[string]*Worker{"db": db, "api": api}}
	Enable(g, api, true, "setup")

	Disable(g, db, true, "maintenance")
	if db.Enabled() || api.Enabled() {
		t.Fatalf("expected both disabled, got api=%v db=%v", api.Enabled(), db.Enabled())
	}
}

func TestCascadingDisableLabelsTransitiveDependentsWithCause(t *testing.T) {
	a := newTestWorker("a")
	b := newTestWorker("b", "a")
	c := newTestWorker("c", "b")
	g := &fakeGraph{workers: map[string]*Worker{"a": a, "b": b, "c": c}}
	Enable(g, c, true, "setup")

	Disable(g, a, true, "maintenance")

	if a.Enabled() || b.Enabled() || c.Enabled() {
		t.Fatalf("expected a, b, c all disabled, got a=%v b=%v c=%v", a.Enabled(), b.Enabled(), c.Enabled())
	}
	if got, want := b.Snapshot().EnabledCause, "required dependency a has been disabled"; got != want {
		t.Fatalf("b's cause = %q, want %q", got, want)
	}
	if got, want := c.Snapshot().EnabledCause, "required dependency b has been disabled"; got != want {
		t.Fatalf("c's cause = %q, want %q", got, want)
	}
}

func TestEnableCascadeLabelsDependencyWithCause(t *testing.T) {
	db := newTestWorker("db")
	api := newTestWorker("api", "db")
	g := &fakeGraph{workers: map[string]*Worker{"db": db, "api": api}}

	Enable(g, api, true, "user request")

	if got, want := db.Snapshot().EnabledCause, "required dependency for api"; got != want {
		t.Fatalf("db's cause = %q, want %q", got, want)
	}
}

func TestArmRespawnClearResetsAfterDelay(t *testing.T) {
	w := newTestWorker("w1")
	w.IncRespawnID()
	w.IncRespawnID()
	if w.RespawnID() != 2 {
		t.Fatalf("RespawnID() = %d, want 2", w.RespawnID())
	}

	w.ArmRespawnClear(5 * time.Millisecond)
	deadline := time.Now().Add(time.Second)
	for w.RespawnID() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if w.RespawnID() != 0 {
		t.Fatalf("expected respawnID cleared after delay, still %d", w.RespawnID())
	}
}

func TestCancelRespawnClearPreventsReset(t *testing.T) {
	w := newTestWorker("w1")
	w.IncRespawnID()

	w.ArmRespawnClear(5 * time.Millisecond)
	w.CancelRespawnClear()
	time.Sleep(20 * time.Millisecond)

	if w.RespawnID() != 1 {
		t.Fatalf("expected respawnID to survive cancellation, got %d", w.RespawnID())
	}
}

func TestDisableIgnoresUnkillable(t *testing.T) {
	w := newTestWorker("core")
	w.Manifest.Unkillable = true
	g := &fakeGraph{workers: map[string]*Worker{"core": w}}

	Disable(g, w, false, "shutdown")
	if !w.Enabled() {
		t.Fatalf("unkillable worker should ignore disable (I6), got enabled=%v", w.Enabled())
	}
}

func TestSetStatusBroadcasts(t *testing.T) {
	w := newTestWorker("w1")
	w.SetStatus(StatusStarting, "spawning")
	select {
	case ev := <-w.StatusChanged():
		if ev.Status != StatusStarting || ev.Worker != "w1" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	default:
		t.Fatalf("expected a status event to be buffered")
	}
	if w.Status() != StatusStarting {
		t.Fatalf("Status() = %v, want %v", w.Status(), StatusStarting)
	}
}

func TestSetDebugForbiddenInProduction(t *testing.T) {
	w := newTestWorker("w1")
	err := w.SetDebug(nil, nil, true, "production")
	if err == nil {
		t.Fatalf("expected error toggling debug in production")
	}
}

func TestNonCronWorkerIsNeverCronWorker(t *testing.T) {
	w := newTestWorker("w1")
	if w.IsCronWorker() {
		t.Fatal("plain worker should not report as a cron worker")
	}
	if w.CronDue(time.Now()) {
		t.Fatal("plain worker should never be cron-due")
	}
}

func TestCronWorkerDueAfterScheduledTime(t *testing.T) {
	m := Manifest{Name: "nightly", ExecutablePath: "/bin/nightly", Kind: "cron", Schedule: "* * * * *"}
	w := New(m, child.Spec{Name: "nightly", Command: "/bin/true"})
	if !w.IsCronWorker() {
		t.Fatal("expected cron manifest to produce a cron worker")
	}
	if w.CronDue(time.Now()) {
		t.Fatal("worker should not be due immediately after construction")
	}
	future := time.Now().Add(2 * time.Minute)
	if !w.CronDue(future) {
		t.Fatal("worker should be due two minutes later on a minutely schedule")
	}
	w.AdvanceCronSchedule(future)
	if w.CronDue(future) {
		t.Fatal("worker should not be due again immediately after advancing")
	}
}
