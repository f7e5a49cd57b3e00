package core

import "errors"

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

// Frame is a raw payload written to a client as-is.
type Frame []byte

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	// TrySend queues a text frame without blocking.
	TrySend(Frame) error
	// TrySendBinary queues a binary frame without blocking.
	TrySendBinary(Frame) error
	// Close flushes queued frames and then closes the transport.
	Close()
}
