package brokersync

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nef/procman/internal/broker"
	"github.com/nef/procman/internal/child"
	"github.com/nef/procman/internal/worker"
)

type fakeLookup struct {
	workers map[string]*worker.Worker
}

func (f *fakeLookup) Get(name string) (*worker.Worker, bool) { w, ok := f.workers[name]; return w, ok }

type fakeClient struct {
	mu    sync.Mutex
	calls [][]broker.WorkerSnapshot
	err   error
}

func (c *fakeClient) Events() <-chan broker.Event { return nil }
func (c *fakeClient) PushSnapshot(ctx context.Context, ws []broker.WorkerSnapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, ws)
	return c.err
}
func (c *fakeClient) Close() error { return nil }
func (c *fakeClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func TestMarkDirtyDebouncesIntoOnePush(t *testing.T) {
	w := worker.New(worker.Manifest{Name: "api", ExecutablePath: "/bin/api"}, child.Spec{Name: "api"})
	lookup := &fakeLookup{workers: map[string]*worker.Worker{"api": w}}
	client := &fakeClient{}
	a := New(lookup, client, slog.Default())
	a.debounce = 20 * time.Millisecond

	a.MarkDirty("api")
	a.MarkDirty("api")
	a.MarkDirty("api")

	deadline := time.After(2 * time.Second)
	for client.callCount() == 0 {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for push")
		case <-time.After(5 * time.Millisecond):
		}
	}
	time.Sleep(50 * time.Millisecond)
	if got := client.callCount(); got != 1 {
		t.Fatalf("expected exactly one push from three coalesced MarkDirty calls, got %d", got)
	}
}

func TestFailedPushLeavesNameDirtyForRetry(t *testing.T) {
	w := worker.New(worker.Manifest{Name: "api", ExecutablePath: "/bin/api"}, child.Spec{Name: "api"})
	lookup := &fakeLookup{workers: map[string]*worker.Worker{"api": w}}
	client := &fakeClient{err: context.DeadlineExceeded}
	a := New(lookup, client, slog.Default())
	a.debounce = 10 * time.Millisecond

	a.MarkDirty("api")
	time.Sleep(100 * time.Millisecond)

	a.mu.Lock()
	_, stillDirty := a.dirty["api"]
	a.mu.Unlock()
	if !stillDirty {
		t.Fatalf("expected api to remain dirty after a failed push")
	}
}
