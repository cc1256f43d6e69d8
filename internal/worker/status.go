package worker

import (
	"time"

	"github.com/nef/procman/internal/metrics"
)

// SetStatus transitions the worker to status s with a human-readable
// description, and broadcasts the change on StatusChanged. Callers that
// only care about a single worker reaching `online` (e.g. a
// --wait-for-online CLI flag) can range over StatusChanged and filter,
// without a generic event bus.
func (w *Worker) SetStatus(s Status, description string) {
	w.mu.Lock()
	from := w.status
	w.status = s
	w.statusDescription = description
	w.mu.Unlock()

	if from != s {
		metrics.RecordStateTransition(w.Manifest.Name, string(from), string(s))
		metrics.SetCurrentState(w.Manifest.Name, string(s), true)
		if from != "" {
			metrics.SetCurrentState(w.Manifest.Name, string(from), false)
		}
	}

	select {
	case w.statusChanged <- StatusEvent{Worker: w.Manifest.Name, Status: s, Description: description}:
	default:
		// Buffer full: slow consumer misses this event, but SetStatus must
		// never block the supervisor tick.
	}
}

// Status returns the worker's current status.
func (w *Worker) Status() Status {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.status
}

// MarkSpawned records the moment a new child process started.
func (w *Worker) MarkSpawned() {
	w.mu.Lock()
	w.spawnedAt = time.Now()
	w.exitReason = ""
	w.mu.Unlock()
}

// MarkExited records why a worker's child process stopped.
func (w *Worker) MarkExited(reason string) {
	w.mu.Lock()
	w.exitReason = reason
	w.mu.Unlock()
}
