// Package supervisor drives the single-threaded tick loop that owns
// every worker's lifecycle: queueing, dependency-gated dispatch,
// shutdown, and broker-event-triggered restarts. Grounded
// on loykin-provisr's internal/manager ReconcileOnce/StartReconciler
// pair, restructured from a fixed-interval poll into an explicit
// multi-step driver, and on
// other_examples/74daf05c_kornnellio-gosv's supervisor.go reap/signal
// loop for the shutdown escalation shape.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nef/procman/internal/broker"
	"github.com/nef/procman/internal/brokersync"
	"github.com/nef/procman/internal/child"
	"github.com/nef/procman/internal/cpuload"
	"github.com/nef/procman/internal/depgraph"
	"github.com/nef/procman/internal/metrics"
	"github.com/nef/procman/internal/timer"
	"github.com/nef/procman/internal/worker"
	"github.com/nef/procman/internal/wstate"
)

// State is the supervisor's own lifecycle state (distinct from a
// worker's Status),
type State string

const (
	StateInit     State = "init"
	StateStarting State = "starting"
	StateOnline   State = "online"
	StateStopping State = "stopping"
)

const tickDebounce = 50 * time.Millisecond

// Supervisor owns the worker collection and drives it through the
// queue/dispatch/shutdown tick described in
type Supervisor struct {
	mu    sync.Mutex
	state State

	col      *depgraph.Collection
	pool     *child.Pool
	debounce timerSetter
	interval time.Duration

	broker broker.Client
	sink   *brokersync.Adapter
	store  wstate.Store
	cpu    *cpuload.Sensor
	log    *slog.Logger

	ticking atomic.Bool
	pending atomic.Bool

	procmanSpawnWait time.Duration
	onShutdown       func(retcode int)
	shutdownRetcode  int

	pressureWarned map[string]bool
	pressureMu     sync.Mutex
}

// timerSetter is the narrow interface Supervisor needs from
// internal/timer.Timer, declared here so tests can swap in a
// synchronous stand-in.
type timerSetter interface {
	Set(cb func(), delay time.Duration)
}

// Config bundles Supervisor's collaborators.
type Config struct {
	Collection       *depgraph.Collection
	Pool             *child.Pool
	Interval         time.Duration
	Broker           broker.Client
	Sink             *brokersync.Adapter
	Store            wstate.Store
	CPU              *cpuload.Sensor
	Log              *slog.Logger
	ProcmanSpawnWait time.Duration
	Timer            timerSetter
}

// New builds a Supervisor in state init.
func New(cfg Config) *Supervisor {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.ProcmanSpawnWait <= 0 {
		cfg.ProcmanSpawnWait = 10 * time.Second
	}
	if cfg.Timer == nil {
		cfg.Timer = &timer.Timer{}
	}
	return &Supervisor{
		state:            StateInit,
		col:              cfg.Collection,
		pool:             cfg.Pool,
		debounce:         cfg.Timer,
		interval:         cfg.Interval,
		broker:           cfg.Broker,
		sink:             cfg.Sink,
		store:            cfg.Store,
		cpu:              cfg.CPU,
		log:              cfg.Log,
		procmanSpawnWait: cfg.ProcmanSpawnWait,
		pressureWarned:   make(map[string]bool),
	}
}

// State returns the supervisor's current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start transitions the supervisor into "starting" and requests an
// immediate tick.
func (s *Supervisor) Start() {
	s.mu.Lock()
	s.state = StateStarting
	s.mu.Unlock()
	s.RequestTick()
}

// OnShutdownComplete registers the callback tick() invokes once every
// killable worker has stopped and the broker/store have been closed.
func (s *Supervisor) OnShutdownComplete(fn func(retcode int)) {
	s.mu.Lock()
	s.onShutdown = fn
	s.mu.Unlock()
}

// Shutdown requests a graceful stop of every killable worker, exiting
// with retcode once the shutdown callback fires.
func (s *Supervisor) Shutdown(retcode int) {
	s.mu.Lock()
	s.state = StateStopping
	s.shutdownRetcode = retcode
	s.mu.Unlock()
	s.RequestTick()
}

// Run drives the tick loop on a fixed interval, re-arming on broker
// events, until ctx is canceled.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var events <-chan broker.Event
	if s.broker != nil {
		events = s.broker.Events()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RequestTick()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			s.HandleBrokerEvent(ev)
		}
	}
}

// RequestTick debounces a tick request by tickDebounce, coalescing
// bursts of worker-changed triggers into a single run.
func (s *Supervisor) RequestTick() {
	s.debounce.Set(s.runTick, tickDebounce)
}

// runTick is the re-entrancy guard: a tick already in flight sets
// pending instead of recursing; the in-flight tick checks pending on
// exit and, if set, requests another tick through the debounce, so no
// trigger is ever dropped.
func (s *Supervisor) runTick() {
	if !s.ticking.CompareAndSwap(false, true) {
		s.pending.Store(true)
		return
	}
	go func() {
		defer s.ticking.Store(false)
		s.tick()
		if s.pending.CompareAndSwap(true, false) {
			s.RequestTick()
		}
	}()
}

func (s *Supervisor) tick() {
	state := s.State()

	if state == StateStopping {
		s.tickStopping()
		return
	}

	s.tickDisableRest()
	s.tickQueueEnabled()
	s.tickDispatchQueued()

	if state == StateStarting {
		s.tickCheckStarted()
	}
}

// tickStopping implements step 1: stop every running killable worker
// not already stopping; once none remain, close out shutdown.
func (s *Supervisor) tickStopping() {
	var anyKillableRunning bool
	var toStop []*worker.Worker
	for _, w := range s.col.ByStartIndex() {
		snap := w.Snapshot()
		if w.Manifest.Unkillable {
			continue
		}
		if !snap.Running {
			continue
		}
		anyKillableRunning = true
		if snap.Status != worker.StatusStopping {
			w.SetStatus(worker.StatusStopping, "")
			toStop = append(toStop, w)
		}
	}
	if len(toStop) > 0 {
		go func() {
			_ = child.RunBounded(context.Background(), s.poolConcurrency(), toStop, func(_ context.Context, w *worker.Worker) error {
				s.stopWorkerSync(w)
				return nil
			})
		}()
	}
	if anyKillableRunning {
		return
	}

	if s.broker != nil {
		_ = s.broker.Close()
	}
	if s.store != nil {
		_ = s.store.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	s.mu.Lock()
	cb := s.onShutdown
	retcode := s.shutdownRetcode
	s.mu.Unlock()
	if cb != nil {
		cb(retcode)
	}
}

// tickDisableRest implements step 2.
func (s *Supervisor) tickDisableRest() {
	for _, w := range s.col.ByStartIndex() {
		if w.Enabled() {
			continue
		}
		snap := w.Snapshot()
		if snap.Status == worker.StatusDisabled || snap.Status == worker.StatusStopping {
			continue
		}
		if snap.Running {
			s.stopWorker(w)
			continue
		}
		w.SetStatus(worker.StatusDisabled, snap.EnabledCause)
	}
}

// tickQueueEnabled implements step 3.
func (s *Supervisor) tickQueueEnabled() {
	for _, w := range s.col.ByStartIndex() {
		snap := w.Snapshot()
		if snap.Status == worker.StatusRestarting {
			s.stopWorker(w)
			continue
		}
		if w.Manifest.Unkillable || !w.Enabled() {
			continue
		}
		if snap.Running || w.InBackoff() {
			continue
		}
		switch snap.Status {
		case worker.StatusQueued, worker.StatusStarting, worker.StatusStopping:
			continue
		}
		w.SetStatus(worker.StatusQueued, "")
	}
}

// tickDispatchQueued implements step 4.
func (s *Supervisor) tickDispatchQueued() {
	for _, w := range s.col.ByStartIndex() {
		if w.Status() != worker.StatusQueued {
			continue
		}

		var failed, pending []string
		for _, name := range s.col.RequiredWorkers(w) {
			dep, ok := s.col.Get(name)
			if !ok {
				continue
			}
			if dep.Enabled() && dep.Status() == worker.StatusOffline {
				failed = append(failed, name)
			}
		}
		for _, name := range s.col.PrestartedWorkers(w) {
			dep, ok := s.col.Get(name)
			if !ok {
				continue
			}
			switch dep.Status() {
			case worker.StatusQueued:
				pending = append(pending, name)
			case worker.StatusStarting, worker.StatusStopping:
				if time.Since(dep.SpawnedAt()) < dep.Manifest.StartupTimeout {
					pending = append(pending, name)
				}
			}
		}

		switch {
		case len(failed) > 0:
			sort.Strings(failed)
			w.SetStatus(worker.StatusOffline, "Failed dependency: "+strings.Join(failed, ", "))
		case len(pending) > 0:
			sort.Strings(pending)
			w.SetStatus(worker.StatusQueued, "Waiting for: "+strings.Join(pending, ", "))
		case w.IsCronWorker() && !w.CronDue(time.Now()):
			w.SetStatus(worker.StatusQueued, "Waiting for schedule")
		default:
			if w.IsCronWorker() {
				w.AdvanceCronSchedule(time.Now())
			}
			s.startWorker(w)
		}
	}
}

// tickCheckStarted implements step 5.
func (s *Supervisor) tickCheckStarted() {
	var anyWaiting, anyFailed int
	for _, w := range s.col.All() {
		if !w.Enabled() {
			continue
		}
		switch w.Status() {
		case worker.StatusOnline:
		case worker.StatusOffline:
			anyFailed++
		default:
			anyWaiting++
		}
	}
	if anyWaiting == 0 {
		if anyFailed > 0 {
			s.log.Warn("supervisor: entering online with failed workers", "failed", anyFailed)
		}
		s.mu.Lock()
		s.state = StateOnline
		s.mu.Unlock()
	}
}

// startWorker spawns w asynchronously through the bounded pool.
func (s *Supervisor) startWorker(w *worker.Worker) {
	w.SetStatus(worker.StatusStarting, "")
	go func() {
		start := time.Now()
		env := w.Child.Spec().Env
		if err := child.RunPhaseHooks(context.Background(), w.Manifest.Hooks.PreStart, s.poolConcurrency(), env, s.log); err != nil {
			s.onSpawnFailed(w, fmt.Errorf("pre_start hook: %w", err))
			return
		}
		cmd := w.Child.ConfigureCmd(env)
		if err := w.Child.TryStart(cmd); err != nil {
			s.onSpawnFailed(w, err)
			return
		}
		w.MarkSpawned()
		metrics.IncStart(w.Name())
		if err := child.RunPhaseHooks(context.Background(), w.Manifest.Hooks.PostStart, s.poolConcurrency(), env, s.log); err != nil {
			s.log.Warn("post_start hook failed", "worker", w.Name(), "error", err)
		}
		s.notifyChanged(w)
		if w.Manifest.StartupTimeout > 0 {
			if err := w.Child.EnforceStartDuration(w.Manifest.StartupTimeout); err != nil {
				s.onSpawnFailed(w, err)
				return
			}
			metrics.ObserveStartDuration(w.Name(), time.Since(start).Seconds())
		}
	}()
}

func (s *Supervisor) onSpawnFailed(w *worker.Worker, err error) {
	w.CancelRespawnClear()
	id := w.IncRespawnID()
	delay := child.Backoff(id, w.Manifest.RespawnCount)
	attempt := uuid.New().String()
	w.SetRespawnDelayUntil(time.Now().Add(delay))
	w.SetStatus(worker.StatusOffline, fmt.Sprintf("spawn failed: %v", err))
	metrics.IncRestart(w.Name())
	s.log.Warn("spawn attempt failed, backing off", "worker", w.Name(), "attempt_id", attempt, "respawn_id", id, "backoff", delay)
	s.notifyChanged(w)
	s.RequestTick()
}

// stopWorker requests a graceful stop asynchronously, one goroutine per
// worker. Used by the per-worker tick steps, where only one or two workers
// typically need stopping at once.
func (s *Supervisor) stopWorker(w *worker.Worker) {
	if w.Manifest.Unkillable {
		return
	}
	w.SetStatus(worker.StatusStopping, "")
	go s.stopWorkerSync(w)
}

// stopWorkerSync runs a worker's full stop sequence (pre_stop hooks, the
// actual Child.Stop, post_stop hooks) synchronously on the calling
// goroutine. Split out from stopWorker so tickStopping can fan it out
// across the whole fleet bounded by the spawn pool's concurrency
// (child.RunBounded) instead of one unbounded goroutine per worker.
func (s *Supervisor) stopWorkerSync(w *worker.Worker) {
	wait := w.Manifest.StartupTimeout
	if wait <= 0 {
		wait = s.procmanSpawnWait
	}
	env := w.Child.Spec().Env
	if err := child.RunPhaseHooks(context.Background(), w.Manifest.Hooks.PreStop, s.poolConcurrency(), env, s.log); err != nil {
		s.log.Warn("pre_stop hook failed", "worker", w.Name(), "error", err)
	}
	_ = w.Child.Stop(wait)
	w.MarkExited(exitReason(w))
	w.SetStatus(worker.StatusOffline, "")
	metrics.IncStop(w.Name())
	if err := child.RunPhaseHooks(context.Background(), w.Manifest.Hooks.PostStop, s.poolConcurrency(), env, s.log); err != nil {
		s.log.Warn("post_stop hook failed", "worker", w.Name(), "error", err)
	}
	s.notifyChanged(w)
	s.RequestTick()
}

// poolConcurrency is the bound RunPhaseHooks/RunBounded use for hook and
// stop fan-out; a Supervisor built without a Pool (as in tests) falls back
// to sequential execution instead of panicking on a nil pool.
func (s *Supervisor) poolConcurrency() int {
	if s.pool == nil {
		return 1
	}
	return s.pool.Concurrency()
}

func exitReason(w *worker.Worker) string {
	snap := w.Child.Snapshot()
	if snap.ExitErr == nil {
		return "exited normally"
	}
	return snap.ExitErr.Error()
}

func (s *Supervisor) notifyChanged(w *worker.Worker) {
	if s.sink != nil {
		s.sink.MarkDirty(w.Name())
	}
}

// HandleBrokerEvent reacts to the four broker connection-state events.
func (s *Supervisor) HandleBrokerEvent(ev broker.Event) {
	w, ok := s.col.Get(ev.Name)
	switch ev.Kind {
	case broker.EventConnected:
		if ok {
			w.SetStatus(worker.StatusOnline, "")
			w.ArmRespawnClear(w.Manifest.RespawnClearTimeout)
			s.notifyChanged(w)
		}
		s.RequestTick()
	case broker.EventDisconnected:
		s.log.Info("broker disconnected", "worker", ev.Name)
		s.RequestTick()
	case broker.EventFailedHeartbeat:
		s.handleFailedHeartbeat(ok, w, ev.Name)
	case broker.EventRecovered:
		s.clearPressureWarning(ev.Name)
	}
}

func (s *Supervisor) handleFailedHeartbeat(ok bool, w *worker.Worker, name string) {
	if !ok || w.Status() != worker.StatusOnline || w.HeartbeatDisabled() || w.Manifest.Unkillable {
		return
	}
	if s.cpu != nil && s.cpu.Pressure() {
		s.warnOncePressure(name)
		return
	}
	w.SetCollectCoreRequested(true)
	w.SetStatus(worker.StatusRestarting, "Failed HB check")
	s.notifyChanged(w)
	s.RequestTick()
}

func (s *Supervisor) warnOncePressure(name string) {
	s.pressureMu.Lock()
	defer s.pressureMu.Unlock()
	if s.pressureWarned[name] {
		return
	}
	s.pressureWarned[name] = true
	s.log.Warn("failed heartbeat skipped: host under CPU pressure", "worker", name)
}

func (s *Supervisor) clearPressureWarning(name string) {
	s.pressureMu.Lock()
	delete(s.pressureWarned, name)
	s.pressureMu.Unlock()
}
