package child

import (
	"bufio"
	"io"
	"log/slog"
	"strings"
)

// DebugMarker prefixes a line of child stdout/stderr that carries structured
// debug output rather than ordinary log chatter. LineForwarder strips the
// marker and re-emits the remainder unprefixed so operators grepping a
// worker's debug stream don't have to know the convention.
const DebugMarker = "§DEBUG§"

// LineForwarder tokenizes a child's stdout or stderr into lines, tags each
// with the worker name, and writes it through an slog.Logger. Lines carrying
// DebugMarker are re-emitted without the marker at debug level; everything
// else goes through at info level tagged with the stream name.
type LineForwarder struct {
	worker string
	stream string // "stdout" or "stderr"
	log    *slog.Logger
}

// NewLineForwarder returns a forwarder for one worker/stream pair.
func NewLineForwarder(worker, stream string, log *slog.Logger) *LineForwarder {
	return &LineForwarder{worker: worker, stream: stream, log: log}
}

// Write implements io.Writer so a LineForwarder can be wired directly as
// cmd.Stdout/cmd.Stderr via an io.Pipe in the caller.
func (f *LineForwarder) Write(p []byte) (int, error) {
	n := len(p)
	sc := bufio.NewScanner(strings.NewReader(string(p)))
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		f.handleLine(sc.Text())
	}
	return n, nil
}

func (f *LineForwarder) handleLine(line string) {
	if rest, ok := strings.CutPrefix(line, DebugMarker); ok {
		f.log.Debug(strings.TrimSpace(rest), "worker", f.worker)
		return
	}
	f.log.Info(line, "worker", f.worker, "stream", f.stream)
}

// Pump reads lines from r until EOF or the reader errors, forwarding each
// through handleLine. Intended to run in its own goroutine per stream,
// fed by an io.Pipe whose write side is cmd.Stdout/cmd.Stderr.
func (f *LineForwarder) Pump(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		f.handleLine(sc.Text())
	}
}
