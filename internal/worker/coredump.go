package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
	"slices"
	"strconv"
)

// defaultCoreDumpPlatforms is used when a manifest leaves CoreDumpPlatforms
// unset. Core-dump platform gating is resolved as explicit configuration
// rather than a hardcoded `sunos` check, since nothing in the retrieved
// pack grounds a specific platform choice; procman instead lets operators
// name the tool and platforms.
var defaultCoreDumpPlatforms = []string{"linux", "darwin"}
var defaultCoreDumpTool = "gcore"

// CollectCore shells out to the configured core-dump tool against the
// worker's running pid, one-shot. On a platform not listed in
// CoreDumpPlatforms it no-ops and logs at debug level rather than
// failing the caller.
func (w *Worker) CollectCore(ctx context.Context, log *slog.Logger) error {
	platforms := w.Manifest.CoreDumpPlatforms
	if len(platforms) == 0 {
		platforms = defaultCoreDumpPlatforms
	}
	if !slices.Contains(platforms, runtime.GOOS) {
		if log != nil {
			log.Debug("core-dump collection skipped: unsupported platform",
				"worker", w.Manifest.Name, "platform", runtime.GOOS)
		}
		return nil
	}

	tool := w.Manifest.CoreDumpTool
	if tool == "" {
		tool = defaultCoreDumpTool
	}

	snap := w.Child.Snapshot()
	if !snap.Running || snap.PID <= 0 {
		return nil
	}

	// #nosec G204 -- tool path and pid are operator-configured/internal, not user input
	cmd := exec.CommandContext(ctx, tool, strconv.Itoa(snap.PID))
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("worker: collect core for %s: %w", w.Manifest.Name, err)
	}
	return nil
}
