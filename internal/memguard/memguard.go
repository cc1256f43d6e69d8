// Package memguard samples RSS for every online worker with memory-guard
// enabled and restarts any worker that breaches its configured threshold.
// Grounded on loykin-provisr's internal/metrics/process_metrics.go
// RSS-sampling pattern (gopsutil process.Process.MemoryInfo), narrowed to
// the one signal the guard needs, and on internal/logger's
// lumberjack.Logger usage for rotated file output, reused here as the
// JSON-lines history sink rather than hand-rolling file rollover.
package memguard

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	lj "gopkg.in/natefinch/lumberjack.v2"

	"github.com/nef/procman/internal/depgraph"
	"github.com/nef/procman/internal/worker"
)

// Sample is one JSON-line entry appended to the history file.
type Sample struct {
	Worker    string    `json:"worker"`
	PID       int       `json:"pid"`
	RSSBytes  uint64    `json:"rss_bytes"`
	Timestamp time.Time `json:"timestamp"`
}

// Guard periodically samples RSS for every online, memory-guarded
// worker and restarts any that exceed its MemleakGuardTrigger (MB).
type Guard struct {
	interval    time.Duration
	historySink *lj.Logger // optional, nil disables history
	log         *slog.Logger
	sampleRSS   func(pid int) (uint64, error)
}

// New builds a Guard sampling every interval. historyFile may be empty
// to disable JSON-lines history.
func New(interval time.Duration, historyFile string, log *slog.Logger) *Guard {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	g := &Guard{interval: interval, log: log, sampleRSS: sampleGopsutil}
	if historyFile != "" {
		g.historySink = &lj.Logger{Filename: historyFile, MaxSize: 10, MaxBackups: 3, MaxAge: 28}
	}
	return g
}

func sampleGopsutil(pid int) (uint64, error) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0, err
	}
	info, err := proc.MemoryInfo()
	if err != nil {
		return 0, err
	}
	return info.RSS, nil
}

// Run samples col's online, memory-guarded workers every interval until
// ctx is canceled, invoking restart with cause "Exceeded memory
// threshold" and collectCore set from the worker's
// MemleakGuardCollectCore flag on a breach.
func (g *Guard) Run(ctx context.Context, col *depgraph.Collection, restart func(name, cause string, collectCore bool)) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.sweep(col, restart)
		}
	}
}

func (g *Guard) sweep(col *depgraph.Collection, restart func(name, cause string, collectCore bool)) {
	for _, w := range col.All() {
		if !w.Manifest.MemleakGuardEnabled {
			continue
		}
		snap := w.Snapshot()
		if snap.Status != worker.StatusOnline || snap.PID <= 0 {
			continue
		}
		rss, err := g.sampleRSS(snap.PID)
		if err != nil {
			g.log.Debug("memguard: RSS sample failed", "worker", w.Name(), "error", err)
			continue
		}
		g.record(w.Name(), snap.PID, rss)

		thresholdBytes := uint64(w.Manifest.MemleakGuardTrigger) * 1024 * 1024
		if thresholdBytes > 0 && rss > thresholdBytes {
			g.log.Warn("memguard: worker exceeded memory threshold, restarting",
				"worker", w.Name(), "rss_bytes", rss, "threshold_bytes", thresholdBytes)
			restart(w.Name(), "Exceeded memory threshold", w.Manifest.MemleakGuardCollectCore)
		}
	}
}

func (g *Guard) record(workerName string, pid int, rss uint64) {
	if g.historySink == nil {
		return
	}
	line, err := json.Marshal(Sample{Worker: workerName, PID: pid, RSSBytes: rss, Timestamp: time.Now()})
	if err != nil {
		return
	}
	line = append(line, '\n')
	_, _ = g.historySink.Write(line)
}
