package timer

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestSetSynchronousOnNonPositiveDelay(t *testing.T) {
	var rt Timer
	ran := false
	rt.Set(func() { ran = true }, 0)
	if !ran {
		t.Fatalf("expected synchronous callback")
	}
}

func TestSetReplacesPending(t *testing.T) {
	var rt Timer
	var calls atomic.Int32
	rt.Set(func() { calls.Add(1) }, 30*time.Millisecond)
	rt.Set(func() { calls.Add(1) }, 30*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	if calls.Load() != 1 {
		t.Fatalf("expected exactly one callback to fire, got %d", calls.Load())
	}
}

func TestClearCancelsPending(t *testing.T) {
	var rt Timer
	var fired atomic.Bool
	rt.Set(func() { fired.Store(true) }, 30*time.Millisecond)
	rt.Clear()
	time.Sleep(60 * time.Millisecond)
	if fired.Load() {
		t.Fatalf("callback should not have fired after Clear")
	}
}

func TestCallbackCanReentrantlySetAgain(t *testing.T) {
	var rt Timer
	done := make(chan struct{})
	var calls atomic.Int32
	var second func()
	second = func() {
		calls.Add(1)
		close(done)
	}
	var first func()
	first = func() {
		calls.Add(1)
		rt.Set(second, 10*time.Millisecond)
	}
	rt.Set(first, 10*time.Millisecond)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("reentrant Set never fired")
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 calls, got %d", calls.Load())
	}
}
