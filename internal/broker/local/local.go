// Package local is a reference broker.Client implementation: it speaks a
// thin msgpack protocol over an io.ReadWriter, the same framing idea
// internal/child/ipc.go uses for child-to-supervisor IPC, grounded on
// aristath-portfolioManager's internal/mcu/protocol.go
// encoder/decoder-over-io.ReadWriter pattern. NewPair wires up an
// in-memory Client/FakeRemote pair; procman uses the Client half of such
// a pair and discards the FakeRemote, so no broker process is spawned and
// nothing emits events on the other end.
package local

import (
	"context"
	"io"
	"net"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/nef/procman/internal/broker"
)

type wireMessage struct {
	Kind    string                  `msgpack:"kind"`
	Name    string                  `msgpack:"name,omitempty"`
	Workers []broker.WorkerSnapshot `msgpack:"workers,omitempty"`
}

// Client is a broker.Client talking the wire protocol over rw.
type Client struct {
	mu     sync.Mutex
	enc    *msgpack.Encoder
	dec    *msgpack.Decoder
	closer io.Closer
	events chan broker.Event
}

// New wraps rw as a broker.Client, starting a background goroutine that
// decodes incoming events until rw is closed or a decode error occurs.
func New(rw io.ReadWriter) *Client {
	c := &Client{
		enc:    msgpack.NewEncoder(rw),
		dec:    msgpack.NewDecoder(rw),
		events: make(chan broker.Event, 32),
	}
	if closer, ok := rw.(io.Closer); ok {
		c.closer = closer
	}
	go c.readLoop()
	return c
}

func (c *Client) readLoop() {
	defer close(c.events)
	for {
		var msg wireMessage
		if err := c.dec.Decode(&msg); err != nil {
			return
		}
		c.events <- broker.Event{Kind: broker.EventKind(msg.Kind), Name: msg.Name}
	}
}

// Events returns the channel of connection-state events decoded from rw.
func (c *Client) Events() <-chan broker.Event { return c.events }

// PushSnapshot encodes workers as a "snapshot" wire message.
func (c *Client) PushSnapshot(ctx context.Context, workers []broker.WorkerSnapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enc.Encode(wireMessage{Kind: "snapshot", Workers: workers})
}

// Close releases the underlying transport, if closeable.
func (c *Client) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}

// FakeRemote is the "other end" of a Client used in tests: it records
// every snapshot pushed to it and lets the test emit synthetic broker
// events back, standing in for the real broker sibling process.
type FakeRemote struct {
	mu       sync.Mutex
	enc      *msgpack.Encoder
	dec      *msgpack.Decoder
	received []wireMessage
}

func newFakeRemote(rw io.ReadWriter) *FakeRemote {
	r := &FakeRemote{enc: msgpack.NewEncoder(rw), dec: msgpack.NewDecoder(rw)}
	go r.readLoop()
	return r
}

func (r *FakeRemote) readLoop() {
	for {
		var msg wireMessage
		if err := r.dec.Decode(&msg); err != nil {
			return
		}
		r.mu.Lock()
		r.received = append(r.received, msg)
		r.mu.Unlock()
	}
}

// Emit sends a synthetic broker event to the paired Client.
func (r *FakeRemote) Emit(kind broker.EventKind, name string) error {
	return r.enc.Encode(wireMessage{Kind: string(kind), Name: name})
}

// ReceivedSnapshots returns every snapshot batch pushed by the paired
// Client so far, most recent last.
func (r *FakeRemote) ReceivedSnapshots() [][]broker.WorkerSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]broker.WorkerSnapshot, 0, len(r.received))
	for _, msg := range r.received {
		if msg.Kind == "snapshot" {
			out = append(out, msg.Workers)
		}
	}
	return out
}

// NewPair wires an in-memory Client/FakeRemote pair over net.Pipe, for
// tests and for procman's own in-process broker sibling.
func NewPair() (*Client, *FakeRemote) {
	a, b := net.Pipe()
	return New(a), newFakeRemote(b)
}
