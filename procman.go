// Package procman is the stable public facade over internal/procman,
// following loykin-provisr's provisr.go re-export pattern: thin
// type aliases and a Manager wrapping the internal implementation so
// embedders get a small, stable API surface.
package procman

import (
	"context"

	internalconfig "github.com/nef/procman/internal/config"
	"github.com/nef/procman/internal/metrics"
	internalprocman "github.com/nef/procman/internal/procman"
	"github.com/nef/procman/internal/worker"
)

// Config is procman's daemon configuration (workers directory, store
// DSN, guard-rail thresholds, logging defaults).
type Config = internalconfig.Config

// Snapshot is a point-in-time view of a single worker's state.
type Snapshot = worker.Snapshot

// ProcessMetrics is a single CPU/memory sample for one worker instance.
type ProcessMetrics = metrics.ProcessMetrics

// ProcessAggregatedMetrics rolls up ProcessMetrics across every instance
// of a worker that shares a base name.
type ProcessAggregatedMetrics = metrics.ProcessAggregatedMetrics

// Manager is a thin facade over internal/procman.Procman.
type Manager struct{ inner *internalprocman.Procman }

// New loads cfg's components and wires a Manager ready for Discover/Start.
func New(cfg *Config) (*Manager, error) {
	inner, err := internalprocman.New(cfg, nil)
	if err != nil {
		return nil, err
	}
	return &Manager{inner: inner}, nil
}

// Discover scans the configured workers directory and registers one
// worker per manifest found.
func (m *Manager) Discover(ctx context.Context) error { return m.inner.Discover(ctx) }

// Start assigns the dependency-ordered start index to every worker and
// begins the supervisor tick loop.
func (m *Manager) Start(ctx context.Context) error { return m.inner.Start(ctx) }

// Shutdown requests a graceful stop of every killable worker.
func (m *Manager) Shutdown(ctx context.Context, retcode int) error {
	return m.inner.Shutdown(ctx, retcode)
}

// Enable toggles a worker on, optionally cascading into its require set.
func (m *Manager) Enable(name string, cascade bool) error { return m.inner.Enable(name, cascade) }

// Disable toggles a worker off, optionally cascading into its dependents.
func (m *Manager) Disable(name string, cascade bool) error { return m.inner.Disable(name, cascade) }

// SetDebug toggles a worker's debug flag.
func (m *Manager) SetDebug(ctx context.Context, name string, on bool) error {
	return m.inner.SetDebug(ctx, name, on)
}

// Status returns a snapshot of the named worker.
func (m *Manager) Status(name string) (Snapshot, error) { return m.inner.Status(name) }

// StatusAll returns a snapshot of every known worker, in start order.
func (m *Manager) StatusAll() []Snapshot { return m.inner.StatusAll() }

// ProcessMetrics returns the latest sampled CPU/memory reading for a
// single worker instance, if any has been collected yet.
func (m *Manager) ProcessMetrics(name string) (ProcessMetrics, bool) {
	return m.inner.ProcessMetrics(name)
}

// AllProcessMetrics returns aggregated CPU/memory metrics across every
// sampled worker, keyed by base worker name.
func (m *Manager) AllProcessMetrics() map[string]ProcessAggregatedMetrics {
	return m.inner.AllProcessMetrics()
}
