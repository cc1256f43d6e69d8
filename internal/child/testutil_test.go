package child

import (
	"runtime"
	"testing"
	"time"
)

// requireUnix skips the test on platforms without POSIX process groups
// and signals, which several Child behaviors (Setpgid, SIGTERM/SIGKILL
// delivery to a process group) depend on.
func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a unix-like OS")
	}
}

// waitUntil polls predicate every interval until it returns true or the
// timeout elapses, returning whether it succeeded.
func waitUntil(timeout, interval time.Duration, predicate func() bool) bool {
	deadline := time.Now().Add(timeout)
	for {
		if predicate() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(interval)
	}
}
