package child

import (
	"path/filepath"
	"testing"
	"time"
)

func TestChildTryStartAndStop(t *testing.T) {
	requireUnix(t)
	c := New(Spec{Name: "c1", Command: "sleep 0.3"})
	cmd := c.ConfigureCmd(nil)
	if err := c.TryStart(cmd); err != nil {
		t.Fatalf("TryStart: %v", err)
	}
	st := c.Snapshot()
	if !st.Running || st.PID <= 0 {
		t.Fatalf("expected running child with pid, got %+v", st)
	}
	alive, via := c.DetectAlive()
	if !alive {
		t.Fatalf("expected alive via %q", via)
	}
	if err := c.Stop(2 * time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	alive, _ = c.DetectAlive()
	if alive {
		t.Fatalf("expected child to be stopped")
	}
}

func TestChildWritePIDFileRecordsPIDAndSpec(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	pidfile := filepath.Join(dir, "c.pid")
	c := New(Spec{Name: "c2", Command: "sleep 0.3", PIDFile: pidfile})
	cmd := c.ConfigureCmd(nil)
	if err := c.TryStart(cmd); err != nil {
		t.Fatalf("TryStart: %v", err)
	}
	defer func() { _ = c.Stop(time.Second) }()

	pid, spec, err := ReadPIDFile(pidfile)
	if err != nil {
		t.Fatalf("ReadPIDFile: %v", err)
	}
	if pid != c.Snapshot().PID {
		t.Fatalf("pid mismatch: got %d want %d", pid, c.Snapshot().PID)
	}
	if spec == nil || spec.Name != "c2" {
		t.Fatalf("expected spec persisted, got %+v", spec)
	}
}

func TestSpawnGateSerializes(t *testing.T) {
	g := NewSpawnGate(1, 0)
	if err := g.Acquire(); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	acquired := make(chan struct{})
	go func() {
		_ = g.Acquire()
		close(acquired)
	}()
	select {
	case <-acquired:
		t.Fatalf("second Acquire should have blocked while gate was held")
	case <-time.After(50 * time.Millisecond):
	}
	g.Release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatalf("second Acquire never unblocked after Release")
	}
}

func TestSpawnGateCloseUnblocks(t *testing.T) {
	g := NewSpawnGate(0, 0)
	g.Close()
	if err := g.Acquire(); err != ErrSpawnGateClosed {
		t.Fatalf("expected ErrSpawnGateClosed, got %v", err)
	}
}

func TestBackoffCapsAtRespawnCount(t *testing.T) {
	cases := []struct {
		respawnID, respawnCount int
		want                    time.Duration
	}{
		{0, 5, 0},
		{1, 5, time.Second},
		{2, 5, 3 * time.Second},
		{3, 5, 7 * time.Second},
		{10, 5, 31 * time.Second}, // capped at respawnCount=5 -> 2^5-1
	}
	for _, c := range cases {
		got := Backoff(c.respawnID, c.respawnCount)
		if got != c.want {
			t.Fatalf("Backoff(%d,%d) = %v, want %v", c.respawnID, c.respawnCount, got, c.want)
		}
	}
}
