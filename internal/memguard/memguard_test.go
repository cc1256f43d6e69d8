package memguard

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/nef/procman/internal/child"
	"github.com/nef/procman/internal/depgraph"
	"github.com/nef/procman/internal/worker"
)

func fakeStartedCmd(pid int) *exec.Cmd {
	return &exec.Cmd{Process: &os.Process{Pid: pid}}
}

func TestSweepRestartsOnThresholdBreach(t *testing.T) {
	col := depgraph.New()
	w := worker.New(worker.Manifest{
		Name:                    "leaky",
		ExecutablePath:          "/bin/leaky",
		MemleakGuardEnabled:     true,
		MemleakGuardTrigger:     100, // MB
		MemleakGuardCollectCore: true,
	}, child.Spec{Name: "leaky"})
	w.SetStatus(worker.StatusOnline, "")
	w.Child.SetStarted(fakeStartedCmd(4242))
	if err := col.Add(w); err != nil {
		t.Fatalf("Add: %v", err)
	}

	g := New(time.Second, "", nil)
	g.sampleRSS = func(pid int) (uint64, error) {
		return 200 * 1024 * 1024, nil // 200MB, over the 100MB trigger
	}

	var gotName, gotCause string
	var gotCollectCore bool
	g.sweep(col, func(name, cause string, collectCore bool) {
		gotName, gotCause, gotCollectCore = name, cause, collectCore
	})

	if gotName != "leaky" || gotCause != "Exceeded memory threshold" || !gotCollectCore {
		t.Fatalf("restart not invoked as expected: name=%q cause=%q collectCore=%v", gotName, gotCause, gotCollectCore)
	}
}

func TestSweepIgnoresWorkersWithoutGuardEnabled(t *testing.T) {
	col := depgraph.New()
	w := worker.New(worker.Manifest{Name: "quiet", ExecutablePath: "/bin/quiet"}, child.Spec{Name: "quiet"})
	w.SetStatus(worker.StatusOnline, "")
	w.Child.SetStarted(fakeStartedCmd(99))
	if err := col.Add(w); err != nil {
		t.Fatalf("Add: %v", err)
	}

	g := New(time.Second, "", nil)
	g.sampleRSS = func(pid int) (uint64, error) { return 999 * 1024 * 1024, nil }

	called := false
	g.sweep(col, func(name, cause string, collectCore bool) { called = true })
	if called {
		t.Fatalf("restart should not be called for a worker without MemleakGuardEnabled")
	}
}

func TestRecordAppendsJSONLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "history.jsonl")
	g := New(time.Second, path, nil)
	g.record("w1", 123, 456)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(data) == 0 {
		t.Fatalf("expected a non-empty history file")
	}
}
