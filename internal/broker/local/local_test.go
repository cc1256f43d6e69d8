package local

import (
	"context"
	"testing"
	"time"

	"github.com/nef/procman/internal/broker"
)

func TestPushSnapshotReachesRemote(t *testing.T) {
	client, remote := NewPair()
	defer client.Close()

	snap := []broker.WorkerSnapshot{{Name: "api", PID: 42, Running: true, Enabled: true, Online: true}}
	if err := client.PushSnapshot(context.Background(), snap); err != nil {
		t.Fatalf("PushSnapshot: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		got := remote.ReceivedSnapshots()
		if len(got) == 1 && len(got[0]) == 1 && got[0][0].Name == "api" {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for snapshot, got %+v", got)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestRemoteEmitReachesClientEvents(t *testing.T) {
	client, remote := NewPair()
	defer client.Close()

	if err := remote.Emit(broker.EventConnected, "db"); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	select {
	case ev := <-client.Events():
		if ev.Kind != broker.EventConnected || ev.Name != "db" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
}
