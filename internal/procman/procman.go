// Package procman wires every other internal package into the running
// daemon: discovery, the dependency graph, the supervisor tick loop, the
// memory guard, the CPU-load sensor, the persistent store, and the
// broker-sync adapter. Grounded on loykin-provisr's provisr.go, which
// plays the same wiring-point role between internal/manager,
// internal/cron, internal/store/factory, and internal/server.
package procman

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nef/procman/internal/broker"
	brokerlocal "github.com/nef/procman/internal/broker/local"
	"github.com/nef/procman/internal/brokersync"
	"github.com/nef/procman/internal/child"
	"github.com/nef/procman/internal/config"
	"github.com/nef/procman/internal/cpuload"
	"github.com/nef/procman/internal/depgraph"
	"github.com/nef/procman/internal/env"
	"github.com/nef/procman/internal/memguard"
	"github.com/nef/procman/internal/metrics"
	"github.com/nef/procman/internal/perr"
	"github.com/nef/procman/internal/supervisor"
	"github.com/nef/procman/internal/worker"
	"github.com/nef/procman/internal/wstate"
	"github.com/nef/procman/internal/wstate/factory"
)

// Procman is the fully wired supervisor process: every package this
// module builds, composed into one running daemon.
type Procman struct {
	cfg         *config.Config
	col         *depgraph.Collection
	sup         *supervisor.Supervisor
	guard       *memguard.Guard
	cpu         *cpuload.Sensor
	store       wstate.Store
	brk         broker.Client
	sink        *brokersync.Adapter
	pool        *child.Pool
	procMetrics *metrics.ProcessMetricsCollector
	log         *slog.Logger

	cancel context.CancelFunc
}

// New wires every component from cfg but does not yet discover workers
// or start the tick loop; call Discover then Start.
func New(cfg *config.Config, log *slog.Logger) (*Procman, error) {
	if log == nil {
		log = slog.Default()
	}

	store, err := factory.NewFromDSN(cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("procman: open store: %w", err)
	}
	if err := store.EnsureSchema(context.Background()); err != nil {
		return nil, fmt.Errorf("procman: ensure store schema: %w", err)
	}

	col := depgraph.New()

	minGap, _ := time.ParseDuration(cfg.Spawn.MinGap)
	pool := child.NewPool(cfg.Spawn.Concurrent, minGap)

	cpuInterval, _ := time.ParseDuration(cfg.CPULoad.Interval)
	cpuSensor := cpuload.New(cpuInterval, cfg.CPULoad.Threshold)

	guard := memguard.New(0, cfg.MemGuard.HistoryFile, log)

	var brk broker.Client
	switch cfg.Broker.Kind {
	case "", "local":
		client, _ := brokerlocal.NewPair()
		brk = client
	default:
		return nil, perr.New(perr.EInval, "procman.New", fmt.Errorf("unknown broker kind %q", cfg.Broker.Kind))
	}

	sink := brokersync.New(col, brk, log)

	procMetrics := metrics.NewProcessMetricsCollector(cfg.ProcessMetrics)
	if err := procMetrics.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
		log.Warn("procman: per-worker process metrics registration failed", "error", err)
	}

	sup := supervisor.New(supervisor.Config{
		Collection: col,
		Pool:       pool,
		Interval:   time.Second,
		Broker:     brk,
		Sink:       sink,
		Store:      store,
		CPU:        cpuSensor,
		Log:        log,
	})

	p := &Procman{
		cfg:         cfg,
		col:         col,
		sup:         sup,
		guard:       guard,
		cpu:         cpuSensor,
		store:       store,
		brk:         brk,
		sink:        sink,
		pool:        pool,
		procMetrics: procMetrics,
		log:         log,
	}
	p.addUnkillableWorkers()
	return p, nil
}

// addUnkillableWorkers registers the two Unkillable workers procman owns
// outside of manifest discovery: the supervisor's own placeholder,
// standing in for the running procmand process itself, and the broker
// sibling, standing in for the in-process broker pair New wired up above.
// Neither is ever enabled by default, so the tick loop never tries to
// dispatch them as ordinary children; they exist so StatusAll and the
// enable/disable/restart guards (I6) see a real *worker.Worker to ignore.
func (p *Procman) addUnkillableWorkers() {
	p.addPlaceholderWorker("procmand", os.Args[0])
	p.addPlaceholderWorker("broker", "(in-process broker pair)")
}

// addPlaceholderWorker registers a single Unkillable, disabled-by-default
// worker standing in for a process procman doesn't spawn through the
// ordinary manifest/pool path, and starts forwarding its status changes.
func (p *Procman) addPlaceholderWorker(name, execPath string) {
	w := worker.New(worker.Manifest{
		Name:           name,
		ExecutablePath: execPath,
		Unkillable:     true,
	}, child.Spec{Name: name, Command: execPath})
	if err := p.col.Add(w); err != nil {
		p.log.Error("procman: register placeholder worker failed", "worker", name, "error", err)
		return
	}
	go p.forwardStatusChanges(w)
}

// Discover scans cfg.WorkersDirectory, builds one Worker per manifest,
// merges its persisted desired state, assigns start indices, and
// subscribes each worker's status channel to the broker-sync adapter.
func (p *Procman) Discover(ctx context.Context) error {
	manifests, err := worker.LoadManifests(p.cfg.WorkersDirectory, worker.Manifest{}, p.log)
	if err != nil {
		return fmt.Errorf("procman: discover: %w", err)
	}

	for _, m := range manifests {
		rec, found, err := p.store.Get(ctx, m.ID())
		if err != nil {
			p.log.Error("procman: read persisted state failed, using manifest defaults", "worker", m.Name, "error", err)
		} else if found {
			m.Enabled = rec.Enabled
			m.Debug = rec.Debug
			m.HeartbeatDisabled = rec.HeartbeatDisabled
			m.PauseOnStart = rec.PauseOnStart
		}

		command := m.ExecutablePath
		if len(m.Args) > 0 {
			command = strings.Join(append([]string{m.ExecutablePath}, m.Args...), " ")
		}

		spec := child.Spec{
			Name:          m.Name,
			Command:       command,
			Env:           p.workerEnv(m),
			StartDuration: m.StartupTimeout,
		}
		w := worker.New(m, spec)
		w.SetSpawnGate(p.pool.Gate())

		if err := p.col.Add(w); err != nil {
			p.log.Error("procman: discover: duplicate worker skipped", "worker", m.Name, "error", err)
			continue
		}
		go p.forwardStatusChanges(w)
	}
	return nil
}

// workerEnv composes a worker's final environment: the daemon's resolved
// global env (already OS/env-file/kv merged by config.Load), a fixed
// NEF_PROCESS_TYPE marker, and the worker's own manifest-level overrides,
// with ${VAR} expansion against the combined globals.
func (p *Procman) workerEnv(m worker.Manifest) []string {
	e := env.NewWithBase(env.Var{})
	for _, kv := range p.cfg.GlobalEnv {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			e = e.WithSet(kv[:i], kv[i+1:])
		}
	}
	e = e.WithSet("NEF_PROCESS_TYPE", "worker")
	return e.Merge(m.Env)
}

func (p *Procman) forwardStatusChanges(w *worker.Worker) {
	for range w.StatusChanged() {
		p.sink.MarkDirty(w.Name())
	}
}

// Start assigns start indices, transitions the supervisor to "starting",
// and launches the tick loop, CPU sensor, and memory guard.
func (p *Procman) Start(ctx context.Context) error {
	if _, err := p.col.AssignStartIndices(); err != nil {
		return fmt.Errorf("procman: start: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	go p.sup.Run(runCtx)
	go p.cpu.Run(runCtx)
	go p.guard.Run(runCtx, p.col, p.restart)
	if err := p.procMetrics.Start(runCtx, p.onlineWorkerPIDs); err != nil {
		p.log.Warn("procman: per-worker process metrics collection failed to start", "error", err)
	}

	p.sup.Start()
	return nil
}

// onlineWorkerPIDs is the getProcesses callback for procMetrics: every
// worker currently reporting a live PID, keyed by worker name.
func (p *Procman) onlineWorkerPIDs() map[string]int32 {
	workers := p.col.All()
	out := make(map[string]int32, len(workers))
	for _, w := range workers {
		snap := w.Snapshot()
		if snap.PID > 0 {
			out[w.Name()] = int32(snap.PID)
		}
	}
	return out
}

func (p *Procman) restart(name, cause string, collectCore bool) {
	w, ok := p.col.Get(name)
	if !ok || w.Manifest.Unkillable {
		return
	}
	if collectCore {
		w.SetCollectCoreRequested(true)
	}
	w.SetStatus(worker.StatusRestarting, cause)
	p.sup.RequestTick()
}

// Shutdown requests a graceful stop of every killable worker and waits
// for the supervisor's shutdown callback or ctx's deadline, whichever
// comes first.
func (p *Procman) Shutdown(ctx context.Context, retcode int) error {
	done := make(chan int, 1)
	p.sup.OnShutdownComplete(func(rc int) { done <- rc })
	p.sup.Shutdown(retcode)

	select {
	case <-done:
	case <-ctx.Done():
		p.log.Warn("procman: shutdown deadline exceeded, some workers may still be stopping")
	}
	if p.cancel != nil {
		p.cancel()
	}
	p.procMetrics.Stop()
	return nil
}

// Enable toggles a worker on, cascading into its require set when cascade
// is true, and persists the change.
func (p *Procman) Enable(name string, cascade bool) error {
	return p.setEnabled(name, true, cascade)
}

// Disable toggles a worker off, cascading into its dependents when
// cascade is true (ignored for Unkillable workers per I6), and persists
// the change.
func (p *Procman) Disable(name string, cascade bool) error {
	return p.setEnabled(name, false, cascade)
}

func (p *Procman) setEnabled(name string, on, cascade bool) error {
	w, ok := p.col.Get(name)
	if !ok {
		return perr.New(perr.ENotFound, "procman.setEnabled", fmt.Errorf("worker %q", name))
	}
	if on {
		worker.Enable(p.col, w, cascade, "api request")
	} else {
		worker.Disable(p.col, w, cascade, "api request")
	}
	if err := p.store.Upsert(context.Background(), w.StateRecord()); err != nil {
		p.log.Error("procman: persist enabled state failed", "worker", name, "error", err)
	}
	p.sup.RequestTick()
	return nil
}

// SetDebug toggles a worker's debug flag, forbidden when the daemon
// environment is "production".
func (p *Procman) SetDebug(ctx context.Context, name string, on bool) error {
	w, ok := p.col.Get(name)
	if !ok {
		return perr.New(perr.ENotFound, "procman.SetDebug", fmt.Errorf("worker %q", name))
	}
	return w.SetDebug(ctx, p.store, on, p.cfg.Environment)
}

// Status returns a point-in-time snapshot of the named worker.
func (p *Procman) Status(name string) (worker.Snapshot, error) {
	w, ok := p.col.Get(name)
	if !ok {
		return worker.Snapshot{}, perr.New(perr.ENotFound, "procman.Status", fmt.Errorf("worker %q", name))
	}
	return w.Snapshot(), nil
}

// StatusAll returns a snapshot of every known worker, ordered by
// StartIndex.
func (p *Procman) StatusAll() []worker.Snapshot {
	workers := p.col.ByStartIndex()
	out := make([]worker.Snapshot, 0, len(workers))
	for _, w := range workers {
		out = append(out, w.Snapshot())
	}
	return out
}

// ProcessMetrics returns the latest sampled CPU/memory reading for a
// single worker instance, if any has been collected yet.
func (p *Procman) ProcessMetrics(name string) (metrics.ProcessMetrics, bool) {
	return p.procMetrics.GetMetrics(name)
}

// AllProcessMetrics returns aggregated CPU/memory metrics across every
// sampled worker, keyed by base worker name.
func (p *Procman) AllProcessMetrics() map[string]metrics.ProcessAggregatedMetrics {
	return p.procMetrics.GetAllProcessMetrics()
}
