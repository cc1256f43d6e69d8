// Package cpuload is the host-wide CPU-load sensor that gates whether a
// heartbeat-failure restart is due to a genuinely stuck worker or to the
// whole host being under load.
// Grounded in loykin-provisr's internal/metrics/process_metrics.go, which
// uses gopsutil/v4 for per-process sampling; generalized here to a single
// host-wide sample via gopsutil's cpu package.
package cpuload

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
)

// Sensor periodically samples host CPU utilization and exposes whether it
// currently exceeds a configured threshold.
type Sensor struct {
	interval  time.Duration
	threshold float64 // percent, e.g. 85.0
	pressure  atomic.Bool

	sample func(interval time.Duration) (float64, error)
}

// New returns a Sensor that samples every interval and considers the host
// under pressure once a sample exceeds thresholdPercent.
func New(interval time.Duration, thresholdPercent float64) *Sensor {
	return &Sensor{
		interval:  interval,
		threshold: thresholdPercent,
		sample:    sampleGopsutil,
	}
}

func sampleGopsutil(interval time.Duration) (float64, error) {
	pcts, err := cpu.Percent(interval, false)
	if err != nil || len(pcts) == 0 {
		return 0, err
	}
	return pcts[0], nil
}

// Run samples in a loop until ctx is canceled. Each sample call blocks
// for `interval` (gopsutil measures over that window); the loop pauses
// 10ms after each measurement before starting the next.
func (s *Sensor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		pct, err := s.sample(s.interval)
		if err == nil {
			s.pressure.Store(pct > s.threshold)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// Pressure reports whether the most recent sample exceeded the threshold.
func (s *Sensor) Pressure() bool { return s.pressure.Load() }
