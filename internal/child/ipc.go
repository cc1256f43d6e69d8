package child

import (
	"fmt"
	"io"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// MessageKind identifies the payload shape of an IPC message exchanged
// between a worker child and the supervisor over a dedicated pipe.
type MessageKind string

const (
	// MessageHeartbeat is sent periodically by a cooperating child to
	// signal liveness beyond mere process existence.
	MessageHeartbeat MessageKind = "heartbeat"
	// MessageException reports an unhandled error the child caught before
	// it would otherwise have crashed silently.
	MessageException MessageKind = "exception"
	// MessageDebugSignal is sent supervisor->child to toggle debug mode
	// on a running child without restarting it.
	MessageDebugSignal MessageKind = "debug_signal"
)

// Message is the wire envelope for IPC traffic: [kind, worker, payload].
type Message struct {
	Kind    MessageKind    `msgpack:"kind"`
	Worker  string         `msgpack:"worker"`
	Payload map[string]any `msgpack:"payload,omitempty"`
}

// ExceptionPayload is the conventional shape of a MessageException's payload.
type ExceptionPayload struct {
	Message string `msgpack:"message"`
	Stack   string `msgpack:"stack,omitempty"`
}

// IPCChannel frames Message values over an arbitrary io.ReadWriter using
// msgpack, one Message per Encode/Decode call (msgpack's own length
// prefixing handles message boundaries on the wire).
type IPCChannel struct {
	mu  sync.Mutex
	enc *msgpack.Encoder
	dec *msgpack.Decoder
}

// NewIPCChannel wraps rw for framed Message exchange.
func NewIPCChannel(rw io.ReadWriter) *IPCChannel {
	return &IPCChannel{
		enc: msgpack.NewEncoder(rw),
		dec: msgpack.NewDecoder(rw),
	}
}

// Send encodes and writes one message. Safe for concurrent use.
func (c *IPCChannel) Send(m Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enc.Encode(&m); err != nil {
		return fmt.Errorf("child: ipc send: %w", err)
	}
	return nil
}

// Recv blocks until one message is decoded from the channel.
func (c *IPCChannel) Recv() (Message, error) {
	var m Message
	if err := c.dec.Decode(&m); err != nil {
		return Message{}, fmt.Errorf("child: ipc recv: %w", err)
	}
	return m, nil
}

// ExceptionOf extracts an ExceptionPayload from a MessageException,
// returning ok=false if m is not that kind or the payload is malformed.
func ExceptionOf(m Message) (ExceptionPayload, bool) {
	if m.Kind != MessageException {
		return ExceptionPayload{}, false
	}
	msg, _ := m.Payload["message"].(string)
	stack, _ := m.Payload["stack"].(string)
	return ExceptionPayload{Message: msg, Stack: stack}, true
}
