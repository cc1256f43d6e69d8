package worker

import (
	"context"
	"fmt"
	"syscall"

	"github.com/nef/procman/internal/wstate"
)

// DebuggerActivationSignal is sent to a running worker to toggle debug
// mode on without restarting it. Configurable
// in principle; SIGUSR2 is the convention procman follows since SIGUSR1 is
// already used elsewhere in the pack's signal vocabulary for introspection.
const DebuggerActivationSignal = syscall.SIGUSR2

// SetDebug persists the debug flag and, if on, signals a running worker to
// activate its debugger; if off, stops the worker to force a clean
// restart without debug instrumentation. Forbidden when environment is
// "production".
func (w *Worker) SetDebug(ctx context.Context, store wstate.Store, on bool, environment string) error {
	if environment == "production" {
		return fmt.Errorf("worker: debug toggling is forbidden in production")
	}

	w.mu.Lock()
	w.debug = on
	w.mu.Unlock()

	if store != nil {
		rec := w.StateRecord()
		if err := store.Upsert(ctx, rec); err != nil {
			return fmt.Errorf("worker: persist debug flag: %w", err)
		}
	}

	snap := w.Child.Snapshot()
	if !snap.Running {
		return nil
	}
	if on {
		return w.Child.Signal(DebuggerActivationSignal)
	}
	return w.Child.Stop(w.Manifest.StartupTimeout)
}

// StateRecord builds the persistable subset of the worker's current
// state for writing to a wstate.Store.
func (w *Worker) StateRecord() wstate.Record {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return wstate.Record{
		ID:                w.Manifest.ID(),
		Name:              w.Manifest.Name,
		Path:              w.Manifest.ExecutablePath,
		Enabled:           w.enabled,
		Debug:             w.debug,
		HeartbeatDisabled: w.heartbeatDisabled,
		PauseOnStart:      w.pauseOnStart,
	}
}
