// Package worker extends internal/child.Child with the fleet-management
// state a supervisor needs: identity, dependency declarations, the status
// machine, enable/disable cascading, debug toggling, and core-dump policy.
// Grounded on loykin-provisr's internal/process as the Child base,
// generalized to a richer worker domain model.
package worker

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nef/procman/internal/child"
	"github.com/nef/procman/internal/timer"
)

// Status is the worker status machine.
type Status string

const (
	StatusInit       Status = "init"
	StatusDisabled   Status = "disabled"
	StatusQueued     Status = "queued"
	StatusStarting   Status = "starting"
	StatusStopping   Status = "stopping"
	StatusRestarting Status = "restarting"
	StatusOffline    Status = "offline"
	StatusOnline     Status = "online"
)

// Manifest is a worker's static declaration, loaded from its meta manifest
// file (manifest.go) and otherwise immutable for the worker's lifetime.
type Manifest struct {
	Name           string   `json:"name" mapstructure:"name"`
	ExecutablePath string   `json:"executable_path" mapstructure:"executable_path"`
	Args           []string `json:"args" mapstructure:"args"`
	Tags           []string `json:"tags" mapstructure:"tags"`

	// Kind selects the worker's dispatch discipline. Empty (or "process")
	// is the default continuously-supervised worker; "cron" gates
	// dispatch on Schedule instead of plain dependency readiness.
	Kind     string `json:"kind" mapstructure:"kind"`
	Schedule string `json:"schedule" mapstructure:"schedule"`

	// Env holds per-worker environment overrides, applied on top of the
	// daemon's global env and supporting ${VAR} expansion against it
	// (internal/env.Env.Merge).
	Env []string `json:"env" mapstructure:"env"`

	Require []string `json:"require" mapstructure:"require"`
	After   []string `json:"after" mapstructure:"after"`
	Before  []string `json:"before" mapstructure:"before"`
	// Depends is a deprecated alias for After (see manifest.go merge logic).
	Depends []string `json:"depends" mapstructure:"depends"`

	StartupTimeout      time.Duration `json:"startup_timeout" mapstructure:"startup_timeout"`
	RespawnClearTimeout  time.Duration `json:"respawn_clear_timeout" mapstructure:"respawn_clear_timeout"`
	RespawnCount         int           `json:"respawn_count" mapstructure:"respawn_count"`
	LivenessCounter      int           `json:"liveness_counter" mapstructure:"liveness_counter"`

	MemleakGuardEnabled     bool `json:"memleak_guard_enabled" mapstructure:"memleak_guard_enabled"`
	MemleakGuardTrigger     int  `json:"memleak_guard_trigger_mb" mapstructure:"memleak_guard_trigger_mb"`
	MemleakGuardCollectCore bool `json:"memleak_guard_collect_core" mapstructure:"memleak_guard_collect_core"`

	Unkillable bool `json:"unkillable" mapstructure:"unkillable"`

	// Initial runtime-state defaults, normally overridden by wstate on load.
	Enabled           bool `json:"enabled" mapstructure:"enabled"`
	Debug             bool `json:"debug" mapstructure:"debug"`
	HeartbeatDisabled bool `json:"heartbeat_disabled" mapstructure:"heartbeat_disabled"`
	PauseOnStart      bool `json:"pause_on_start" mapstructure:"pause_on_start"`

	CoreDumpTool      string   `json:"core_dump_tool" mapstructure:"core_dump_tool"`
	CoreDumpPlatforms []string `json:"core_dump_platforms" mapstructure:"core_dump_platforms"`

	// Hooks are commands run at the four start/stop transition points
	// (internal/child.RunPhaseHooks), wired into the supervisor's
	// startWorker/stopWorker.
	Hooks child.LifecycleHooks `json:"hooks" mapstructure:"hooks"`
}

// ID is the worker's identity unique across disk locations.
func (m Manifest) ID() string { return m.Name + ":" + m.ExecutablePath }

// Worker is a Child Process extended with fleet-management state.
type Worker struct {
	*child.Child

	Manifest Manifest

	mu                sync.RWMutex
	status            Status
	statusDescription string
	enabled           bool
	enabledCause      string
	respawnID         int
	respawnDelayUntil time.Time
	spawnedAt         time.Time
	exitReason        string
	debug             bool
	heartbeatDisabled bool
	pauseOnStart      bool
	collectCore       bool
	startIndex        int

	cronSchedule cron.Schedule
	nextCronRun  time.Time

	respawnClearTimer timer.Timer

	statusChanged chan StatusEvent
}

// StatusEvent is broadcast whenever a worker transitions status.
type StatusEvent struct {
	Worker      string
	Status      Status
	Description string
}

// New constructs a Worker from its manifest and an already-configured
// Child spec (built from the manifest by internal/procman's Discover).
func New(m Manifest, spec child.Spec) *Worker {
	w := &Worker{
		Child:             child.New(spec),
		Manifest:          m,
		status:            StatusInit,
		enabled:           m.Enabled,
		debug:             m.Debug,
		heartbeatDisabled: m.HeartbeatDisabled,
		pauseOnStart:      m.PauseOnStart,
		statusChanged:     make(chan StatusEvent, 16),
	}
	if m.Kind == "cron" && m.Schedule != "" {
		if sched, err := cron.ParseStandard(m.Schedule); err == nil {
			w.cronSchedule = sched
			w.nextCronRun = sched.Next(time.Now())
		}
	}
	return w
}

// IsCronWorker reports whether this worker is dispatched on a schedule
// rather than continuously supervised.
func (w *Worker) IsCronWorker() bool { return w.Manifest.Kind == "cron" && w.cronSchedule != nil }

// CronDue reports whether the worker's next scheduled run is due at t.
// A non-cron worker is never "due" by this check.
func (w *Worker) CronDue(t time.Time) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.cronSchedule == nil {
		return false
	}
	return !w.nextCronRun.IsZero() && !t.Before(w.nextCronRun)
}

// AdvanceCronSchedule computes the next scheduled run after t, called once
// per dispatch so a cron worker is not re-started every tick once due.
func (w *Worker) AdvanceCronSchedule(t time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cronSchedule != nil {
		w.nextCronRun = w.cronSchedule.Next(t)
	}
}

// Name is the worker's unique name within the process.
func (w *Worker) Name() string { return w.Manifest.Name }

// ID is the worker's identity unique across disk locations.
func (w *Worker) ID() string { return w.Manifest.ID() }

// StatusChanged returns the channel that receives one StatusEvent per
// transition. Buffered; a slow consumer only misses events once the
// buffer is full, it never blocks SetStatus.
func (w *Worker) StatusChanged() <-chan StatusEvent { return w.statusChanged }

// StartIndex returns the worker's position in the total dependency order
// assigned by internal/depgraph.Collection.AssignStartIndices.
func (w *Worker) StartIndex() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.startIndex
}

// SetStartIndex is called once by depgraph after a successful topological sort.
func (w *Worker) SetStartIndex(i int) {
	w.mu.Lock()
	w.startIndex = i
	w.mu.Unlock()
}

// Enabled reports the worker's current enabled flag (I4).
func (w *Worker) Enabled() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.enabled
}

// RespawnID returns the current restart-attempt counter.
func (w *Worker) RespawnID() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.respawnID
}

// IncRespawnID increments and returns the restart-attempt counter.
func (w *Worker) IncRespawnID() int {
	w.mu.Lock()
	w.respawnID++
	v := w.respawnID
	w.mu.Unlock()
	return v
}

// ResetRespawnID clears the restart-attempt counter, called after a
// worker has run stably for RespawnClearTimeout.
func (w *Worker) ResetRespawnID() {
	w.mu.Lock()
	w.respawnID = 0
	w.mu.Unlock()
}

// ArmRespawnClear schedules a deferred ResetRespawnID after delay, replacing
// any previously scheduled clear. Called when a worker reaches a stable
// online state; a subsequent spawn failure before delay elapses cancels it
// via CancelRespawnClear, so only sustained health resets the back-off.
func (w *Worker) ArmRespawnClear(delay time.Duration) {
	if delay <= 0 {
		return
	}
	w.respawnClearTimer.Set(w.ResetRespawnID, delay)
}

// CancelRespawnClear cancels a pending ArmRespawnClear, if any.
func (w *Worker) CancelRespawnClear() {
	w.respawnClearTimer.Clear()
}

// Debug reports the current debug flag.
func (w *Worker) Debug() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.debug
}

// HeartbeatDisabled reports whether heartbeat-based liveness is disabled
// for this worker.
func (w *Worker) HeartbeatDisabled() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.heartbeatDisabled
}

// SetRespawnDelayUntil arms the respawn back-off window computed from
// internal/child.Backoff.
func (w *Worker) SetRespawnDelayUntil(t time.Time) {
	w.mu.Lock()
	w.respawnDelayUntil = t
	w.mu.Unlock()
}

// InBackoff reports whether the worker is still within its respawn
// back-off window and must not be re-queued yet.
func (w *Worker) InBackoff() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return time.Now().Before(w.respawnDelayUntil)
}

// SpawnedAt returns the timestamp of the worker's most recent successful
// spawn, used by the dispatch step's StartupTimeout grace window.
func (w *Worker) SpawnedAt() time.Time {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.spawnedAt
}

// CollectCoreRequested reports and clears the one-shot collectCore flag
// set by a restart request").
func (w *Worker) CollectCoreRequested() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	v := w.collectCore
	w.collectCore = false
	return v
}

// SetCollectCoreRequested arms the one-shot collectCore flag.
func (w *Worker) SetCollectCoreRequested(v bool) {
	w.mu.Lock()
	w.collectCore = v
	w.mu.Unlock()
}

// Snapshot is an immutable point-in-time view of a worker's full state,
// suitable for the procman facade's StatusAll and the broker-sync adapter.
type Snapshot struct {
	Name              string
	ID                string
	Status            Status
	StatusDescription string
	PID               int
	Running           bool
	Enabled           bool
	EnabledCause      string
	RespawnID         int
	SpawnedAt         time.Time
	ExitReason        string
	Debug             bool
	HeartbeatDisabled bool
	PauseOnStart      bool
	StartIndex        int
}

// Snapshot returns a copy of the worker's current state.
func (w *Worker) Snapshot() Snapshot {
	w.mu.RLock()
	s := Snapshot{
		Name:              w.Manifest.Name,
		ID:                w.Manifest.ID(),
		Status:            w.status,
		StatusDescription: w.statusDescription,
		Enabled:           w.enabled,
		EnabledCause:      w.enabledCause,
		RespawnID:         w.respawnID,
		SpawnedAt:         w.spawnedAt,
		ExitReason:        w.exitReason,
		Debug:             w.debug,
		HeartbeatDisabled: w.heartbeatDisabled,
		PauseOnStart:      w.pauseOnStart,
		StartIndex:        w.startIndex,
	}
	w.mu.RUnlock()
	cs := w.Child.Snapshot()
	s.PID = cs.PID
	s.Running = cs.Running
	return s
}
