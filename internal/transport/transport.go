// Package transport moves frames between hosts. Every transport is
// one-way: senders emit opaque datagrams and receivers hand them back
// unchanged, with no acknowledgement in either direction.
package transport

import (
	"context"
	"errors"
)

// Tuning status values reported by the buffer and QUIC helpers.
const (
	StatusOK     = "ok"
	StatusNA     = "n/a"
	StatusDenied = "denied"
)

var ErrClosed = errors.New("transport closed")

// Sink delivers frames. Send may block for pacing or flow control.
type Sink interface {
	Send(frame []byte) error
	Close() error
}

// Source yields received frames. The returned slice belongs to the caller.
type Source interface {
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}
