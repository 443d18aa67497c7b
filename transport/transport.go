// Package transport defines the contract the core requires from the wire
// layer: reliable connection setup, one-sided registered-memory writes
// with immediate data, and the blocking/non-blocking receive primitives
// used to drive the engine and batch manager. The wire layer itself
// (reliable ordered datagrams plus one-sided RDMA) is treated as an
// external collaborator; this package only pins down the operations
// the core calls.
package transport

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is returned by Pend when no immediate-data notification
// arrived within the deadline. It is not a failure: it signals the
// caller to run its idle-timeout housekeeping (engine.Expired).
var ErrTimeout = errors.New("transport: timeout")

// ErrDisconnected is returned when the peer closed the connection.
var ErrDisconnected = errors.New("transport: peer disconnected")

// ErrEmpty is returned by Poll when no notification is queued.
var ErrEmpty = errors.New("transport: empty")

// MemoryRegion is a registered, pinned buffer plus the remote key a peer
// needs to target it with a one-sided write.
type MemoryRegion struct {
	Region []byte
	RKey   uint64
}

// RemoteDescriptor is what a poster caches after bootstrap: enough to
// address the pender's registered region.
type RemoteDescriptor struct {
	RKey   uint64
	Addr   uint64
	Extent uint64
}

// Endpoint is one established, reliable, bidirectional connection to a
// peer. It is the unit the link bootstrap (package link) operates on.
type Endpoint interface {
	// RegisterMemory pins region for one-sided access and returns its
	// key.
	RegisterMemory(region []byte) (MemoryRegion, error)

	// WriteData issues a one-sided write of buf into the peer's region
	// at offset (relative to the remote descriptor's Addr), delivering
	// immediate atomically with it.
	WriteData(ctx context.Context, buf []byte, offset uint64, immediate uint64, remote RemoteDescriptor) error

	// Pend blocks for the next immediate-data notification, up to tmo.
	// Returns ErrTimeout or ErrDisconnected as sentinel, non-fatal
	// conditions.
	Pend(ctx context.Context, tmo time.Duration) (immediate uint64, err error)

	// Poll is the non-blocking variant, used for per-link credit return.
	Poll() (immediate uint64, err error)

	// SendSync/RecvSync are two-sided messages used only during
	// bootstrap.
	SendSync(ctx context.Context, buf []byte) error
	RecvSync(ctx context.Context, buf []byte) error

	// Close tears the endpoint down.
	Close() error
}

// Listener accepts inbound connections (the "pender" side of bootstrap:
// it will receive remote writes).
type Listener interface {
	Accept(ctx context.Context) (Endpoint, error)
	Close() error
}

// Dialer establishes outbound connections (the "poster" side).
type Dialer interface {
	Dial(ctx context.Context, addr string) (Endpoint, error)
}
