package child

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/nef/procman/internal/detector"
)

// Child is the local handle for one OS child process managed by the
// supervisor. It tracks the underlying *exec.Cmd, liveness status, and the
// bookkeeping a supervisor needs to wait on exit without racing os/exec.
type Child struct {
	spec       Spec
	cmd        *exec.Cmd
	status     Status
	mu         sync.Mutex
	stopping   bool // true when Stop has been requested; suppresses autorestart
	restarts   int
	outCloser  io.WriteCloser
	errCloser  io.WriteCloser
	waitDone   chan struct{} // closed by monitor when cmd.Wait returns
	monitoring bool          // true when a monitor goroutine is running

	gate *SpawnGate
	ipc  *IPCChannel
}

func New(spec Spec) *Child { return &Child{spec: spec} }

// UpdateSpec replaces the internal spec under lock.
func (r *Child) UpdateSpec(s Spec) {
	r.mu.Lock()
	r.spec = s
	r.mu.Unlock()
}

// Spec returns a copy of the child's current spec.
func (r *Child) Spec() Spec {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.spec
}

// ConfigureCmd builds and configures *exec.Cmd for this child using mergedEnv.
// It sets workdir, environment, stdio/logging, and process group attributes.
func (r *Child) ConfigureCmd(mergedEnv []string) *exec.Cmd {
	r.mu.Lock()
	spec := r.spec
	r.mu.Unlock()

	cmd := spec.BuildCommand()
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	if len(mergedEnv) > 0 {
		cmd.Env = mergedEnv
	}
	configureSysProcAttr(cmd, spec)

	if spec.Log.Dir != "" || spec.Log.StdoutPath != "" || spec.Log.StderrPath != "" {
		if spec.Log.Dir != "" {
			_ = os.MkdirAll(spec.Log.Dir, 0o750)
		}
		outW, errW, _ := spec.Log.Writers(spec.Name)
		r.EnsureLogClosers(outW, errW)
		ow, ew := r.OutErrClosers()
		cmd.Stdout = stdioOrDevNull(ow)
		cmd.Stderr = stdioOrDevNull(ew)
	} else {
		null, _ := os.OpenFile(os.DevNull, os.O_RDWR, 0)
		cmd.Stdout = null
		cmd.Stderr = null
	}
	return cmd
}

func stdioOrDevNull(w io.WriteCloser) io.Writer {
	if w != nil {
		return w
	}
	null, _ := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	return null
}

func (r *Child) CopyCmd() *exec.Cmd {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cmd
}

func (r *Child) SetStarted(cmd *exec.Cmd) {
	r.mu.Lock()
	r.cmd = cmd
	r.waitDone = make(chan struct{})
	r.status.Name = r.spec.Name
	r.status.Running = true
	r.status.PID = cmd.Process.Pid
	r.status.StartedAt = time.Now()
	r.status.Restarts = r.restarts
	r.stopping = false
	r.mu.Unlock()
}

// TryStart atomically starts the command, gated by the spawn gate (if any),
// updates internal state and writes the PID file.
func (r *Child) TryStart(cmd *exec.Cmd) error {
	if r.gate != nil {
		if err := r.gate.Acquire(); err != nil {
			return err
		}
		defer r.gate.Release()
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	r.SetStarted(cmd)
	r.WritePIDFile()
	return nil
}

// SetSpawnGate installs the gate that TryStart acquires before exec'ing.
func (r *Child) SetSpawnGate(g *SpawnGate) { r.gate = g }

// SetIPC attaches the IPC channel used to exchange structured messages
// (including "exception" reports) with this child.
func (r *Child) SetIPC(ch *IPCChannel) { r.ipc = ch }

// IPC returns the attached IPC channel, or nil if none was configured.
func (r *Child) IPC() *IPCChannel { return r.ipc }

func (r *Child) CloseWaitDone() {
	r.mu.Lock()
	if r.waitDone != nil {
		close(r.waitDone)
		r.waitDone = nil
	}
	r.mu.Unlock()
}

func (r *Child) WaitDoneChan() chan struct{} {
	r.mu.Lock()
	wd := r.waitDone
	r.mu.Unlock()
	return wd
}

func (r *Child) MarkExited(err error) {
	r.mu.Lock()
	r.status.Running = false
	r.status.StoppedAt = time.Now()
	r.status.ExitErr = err
	r.mu.Unlock()
}

func (r *Child) SetStopRequested(v bool) {
	r.mu.Lock()
	r.stopping = v
	r.mu.Unlock()
}

func (r *Child) StopRequested() bool {
	r.mu.Lock()
	v := r.stopping
	r.mu.Unlock()
	return v
}

func (r *Child) IncRestarts() int {
	r.mu.Lock()
	r.restarts++
	v := r.restarts
	r.mu.Unlock()
	return v
}

// Restarts returns the number of times this child has been respawned.
func (r *Child) Restarts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.restarts
}

func (r *Child) MonitoringStartIfNeeded() bool {
	r.mu.Lock()
	if r.monitoring {
		r.mu.Unlock()
		return false
	}
	r.monitoring = true
	r.mu.Unlock()
	return true
}

func (r *Child) MonitoringStop() {
	r.mu.Lock()
	r.monitoring = false
	r.mu.Unlock()
}

// IsMonitoring reports whether a monitor goroutine (the supervisor tick loop)
// is actively waiting on the underlying process. When true, Stop/Kill must
// not call cmd.Wait themselves to avoid a race; they wait on waitDone instead.
func (r *Child) IsMonitoring() bool {
	r.mu.Lock()
	v := r.monitoring
	r.mu.Unlock()
	return v
}

func (r *Child) OutErrClosers() (io.WriteCloser, io.WriteCloser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outCloser, r.errCloser
}

func (r *Child) EnsureLogClosers(stdout, stderr io.WriteCloser) {
	r.mu.Lock()
	if r.outCloser == nil && stdout != nil {
		r.outCloser = stdout
	}
	if r.errCloser == nil && stderr != nil {
		r.errCloser = stderr
	}
	r.mu.Unlock()
}

func (r *Child) CloseWriters() {
	r.mu.Lock()
	if r.outCloser != nil {
		_ = r.outCloser.Close()
		r.outCloser = nil
	}
	if r.errCloser != nil {
		_ = r.errCloser.Close()
		r.errCloser = nil
	}
	r.mu.Unlock()
}

// WritePIDFile persists pid, spec, and start-time meta so PID-reuse can be
// detected later by PIDFileDetector even across a supervisor restart.
func (r *Child) WritePIDFile() {
	r.mu.Lock()
	pidFile := r.spec.PIDFile
	spec := r.spec
	pid := 0
	if r.cmd != nil && r.cmd.Process != nil {
		pid = r.cmd.Process.Pid
	}
	r.mu.Unlock()

	if pidFile == "" || pid == 0 {
		return
	}
	_ = os.MkdirAll(filepath.Dir(pidFile), 0o750)

	specLine, _ := json.Marshal(spec)
	meta := PIDMeta{StartUnix: getProcStartUnix(pid)}
	metaLine, _ := json.Marshal(meta)

	var buf bytes.Buffer
	buf.WriteString(strconv.Itoa(pid))
	buf.WriteByte('\n')
	buf.Write(specLine)
	buf.WriteByte('\n')
	buf.Write(metaLine)
	_ = os.WriteFile(pidFile, buf.Bytes(), 0o600)
}

// RemovePIDFile best-effort
func (r *Child) RemovePIDFile() {
	r.mu.Lock()
	pidFile := r.spec.PIDFile
	r.mu.Unlock()

	if pidFile == "" {
		return
	}
	_ = os.Remove(pidFile)
}

// Snapshot returns a copy of the current status.
func (r *Child) Snapshot() Status {
	r.mu.Lock()
	s := r.status
	r.mu.Unlock()
	return s
}

// DetectAlive probes liveness avoiding races with os/exec internals.
func (r *Child) DetectAlive() (bool, string) {
	r.mu.Lock()
	cmd := r.cmd
	r.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		pid := cmd.Process.Pid
		if runtime.GOOS == "linux" {
			if isZombieLinux(pid) {
				return false, ""
			}
			if syscall.Kill(pid, 0) == nil {
				return true, "exec:pid"
			}
		} else {
			if syscall.Kill(-pid, 0) == nil {
				return true, "exec:pid"
			}
		}
	}

	for _, d := range r.detectors() {
		ok, _ := d.Alive()
		if ok {
			return true, d.Describe()
		}
	}
	return false, ""
}

func (r *Child) detectors() []detector.Detector {
	r.mu.Lock()
	defer r.mu.Unlock()

	dets := make([]detector.Detector, 0, len(r.spec.Detectors)+1)
	if r.spec.PIDFile != "" {
		dets = append(dets, detector.PIDFileDetector{PIDFile: r.spec.PIDFile})
	}
	dets = append(dets, r.spec.Detectors...)
	return dets
}

// isZombieLinux returns true if /proc/<pid>/status reports a zombie state (Z) on Linux.
func isZombieLinux(pid int) bool {
	path := "/proc/" + strconv.Itoa(pid) + "/status"
	b, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}

// EnforceStartDuration waits until d ensuring the child stays up; returns
// an error if it exits early (the worker is then considered "flapping").
func (r *Child) EnforceStartDuration(d time.Duration) error {
	if d <= 0 {
		return nil
	}
	r.mu.Lock()
	cmd := r.cmd
	r.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return errBeforeStart(d)
	}
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		alive, _ := r.DetectAlive()
		if !alive {
			return errBeforeStart(d)
		}
		time.Sleep(10 * time.Millisecond)
	}
	return nil
}

func (r *Child) Stop(wait time.Duration) error {
	alive, _ := r.DetectAlive()
	if !alive {
		return nil
	}
	r.SetStopRequested(true)
	cmd := r.CopyCmd()
	if cmd != nil && cmd.Process != nil {
		pid := cmd.Process.Pid
		_ = syscall.Kill(-pid, syscall.SIGTERM)
		r.waitForExit(cmd, pid, wait)
	}
	rs := r.Snapshot()
	return rs.ExitErr
}

// Signal delivers sig to the child, if one is running. Used for
// out-of-band controls (e.g. a debugger-activation signal) that don't
// warrant a full stop/restart cycle.
func (r *Child) Signal(sig syscall.Signal) error {
	cmd := r.CopyCmd()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return killProcess(cmd.Process.Pid, sig)
}

// Kill sends SIGKILL to the process group and attempts to reap promptly.
func (r *Child) Kill() error {
	cmd := r.CopyCmd()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	pid := cmd.Process.Pid
	_ = syscall.Kill(-pid, syscall.SIGKILL)
	r.waitForExit(cmd, pid, 200*time.Millisecond)
	rs := r.Snapshot()
	return rs.ExitErr
}

// waitForExit coordinates with a possible monitor goroutine so only one
// caller ever calls cmd.Wait, escalating to SIGKILL once wait elapses.
func (r *Child) waitForExit(cmd *exec.Cmd, pid int, wait time.Duration) {
	if r.IsMonitoring() {
		wd := r.WaitDoneChan()
		if wd == nil {
			time.Sleep(wait)
			return
		}
		select {
		case <-wd:
		case <-time.After(wait):
			_ = syscall.Kill(-pid, syscall.SIGKILL)
			select {
			case <-wd:
			case <-time.After(200 * time.Millisecond):
			}
		}
		return
	}

	if r.MonitoringStartIfNeeded() {
		ch := make(chan error, 1)
		go func() {
			err := cmd.Wait()
			r.CloseWaitDone()
			r.MarkExited(err)
			ch <- err
		}()
		select {
		case <-ch:
		case <-time.After(wait):
			_ = syscall.Kill(-pid, syscall.SIGKILL)
			select {
			case <-ch:
			case <-time.After(200 * time.Millisecond):
			}
		}
		r.CloseWriters()
		r.MonitoringStop()
		return
	}

	wd := r.WaitDoneChan()
	if wd == nil {
		time.Sleep(wait)
		return
	}
	select {
	case <-wd:
	case <-time.After(wait):
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		select {
		case <-wd:
		case <-time.After(200 * time.Millisecond):
		}
	}
}
