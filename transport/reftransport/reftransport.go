// Package reftransport is a reference implementation of the transport
// contract (package transport) over ordinary net.Conn connections. No
// library in the retrieval pack wraps libfabric/RDMA verbs, so actual
// one-sided writes are emulated with a small length-prefixed frame: the
// "one-sided" part of the contract is preserved at the API level (a
// WriteData call never blocks its caller on the peer processing the
// write) even though the bytes travel as an ordinary two-sided TCP frame
// underneath. This is the concrete transport exercised by the link
// bootstrap and end-to-end engine/dispatcher tests.
package reftransport

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/slaclab/ebcore/transport"
)

const (
	frameSync uint8 = iota
	frameData
)

var nextRKey uint64

// Endpoint wraps a net.Conn (a real TCP connection, or one half of a
// net.Pipe() for tests) and implements transport.Endpoint.
type Endpoint struct {
	conn net.Conn

	mu     sync.Mutex
	region []byte

	syncCh chan []byte
	immCh  chan uint64
	errCh  chan error

	closeOnce sync.Once
	closed    chan struct{}
}

// NewEndpoint wraps an already-connected net.Conn.
func NewEndpoint(conn net.Conn) *Endpoint {
	e := &Endpoint{
		conn:   conn,
		syncCh: make(chan []byte, 4),
		immCh:  make(chan uint64, 256),
		errCh:  make(chan error, 1),
		closed: make(chan struct{}),
	}
	go e.readLoop()
	return e
}

func (e *Endpoint) readLoop() {
	for {
		var hdr [5]byte
		if _, err := io.ReadFull(e.conn, hdr[:]); err != nil {
			e.fail(err)
			return
		}
		typ := hdr[0]
		n := binary.BigEndian.Uint32(hdr[1:5])
		payload := make([]byte, n)
		if n > 0 {
			if _, err := io.ReadFull(e.conn, payload); err != nil {
				e.fail(err)
				return
			}
		}

		switch typ {
		case frameSync:
			select {
			case e.syncCh <- payload:
			case <-e.closed:
				return
			}
		case frameData:
			if len(payload) < 16 {
				e.fail(fmt.Errorf("reftransport: short data frame"))
				return
			}
			offset := binary.BigEndian.Uint64(payload[0:8])
			imm := binary.BigEndian.Uint64(payload[8:16])
			body := payload[16:]

			e.mu.Lock()
			if int(offset)+len(body) <= len(e.region) {
				copy(e.region[offset:], body)
			}
			e.mu.Unlock()

			select {
			case e.immCh <- imm:
			case <-e.closed:
				return
			}
		}
	}
}

func (e *Endpoint) fail(err error) {
	select {
	case e.errCh <- err:
	default:
	}
	e.closeOnce.Do(func() { close(e.closed) })
}

// RegisterMemory pins region as the target of future one-sided writes
// aimed at this endpoint.
func (e *Endpoint) RegisterMemory(region []byte) (transport.MemoryRegion, error) {
	e.mu.Lock()
	e.region = region
	e.mu.Unlock()
	return transport.MemoryRegion{Region: region, RKey: atomic.AddUint64(&nextRKey, 1)}, nil
}

func writeFrame(conn net.Conn, typ uint8, payload []byte) error {
	hdr := make([]byte, 5+len(payload))
	hdr[0] = typ
	binary.BigEndian.PutUint32(hdr[1:5], uint32(len(payload)))
	copy(hdr[5:], payload)
	_, err := conn.Write(hdr)
	return err
}

// WriteData issues a one-sided write of buf at offset into the peer's
// registered region, delivering immediate with it. remote is accepted
// for interface conformance; this reference transport has already
// bound the peer identity to the connection during bootstrap.
func (e *Endpoint) WriteData(ctx context.Context, buf []byte, offset uint64, immediate uint64, remote transport.RemoteDescriptor) error {
	payload := make([]byte, 16+len(buf))
	binary.BigEndian.PutUint64(payload[0:8], offset)
	binary.BigEndian.PutUint64(payload[8:16], immediate)
	copy(payload[16:], buf)
	return writeFrame(e.conn, frameData, payload)
}

// Pend blocks for the next immediate-data notification, up to tmo.
func (e *Endpoint) Pend(ctx context.Context, tmo time.Duration) (uint64, error) {
	var timeoutCh <-chan time.Time
	if tmo > 0 {
		t := time.NewTimer(tmo)
		defer t.Stop()
		timeoutCh = t.C
	}
	select {
	case imm := <-e.immCh:
		return imm, nil
	case <-timeoutCh:
		return 0, transport.ErrTimeout
	case err := <-e.errCh:
		return 0, fmt.Errorf("%w: %v", transport.ErrDisconnected, err)
	case <-e.closed:
		return 0, transport.ErrDisconnected
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Poll is the non-blocking variant used for per-link credit return.
func (e *Endpoint) Poll() (uint64, error) {
	select {
	case imm := <-e.immCh:
		return imm, nil
	default:
		return 0, transport.ErrEmpty
	}
}

// SendSync sends buf as a two-sided message, used only during bootstrap.
func (e *Endpoint) SendSync(ctx context.Context, buf []byte) error {
	return writeFrame(e.conn, frameSync, buf)
}

// RecvSync receives a two-sided message into buf, used only during
// bootstrap.
func (e *Endpoint) RecvSync(ctx context.Context, buf []byte) error {
	select {
	case payload := <-e.syncCh:
		if len(payload) != len(buf) {
			return fmt.Errorf("reftransport: sync size mismatch: want %d, got %d", len(buf), len(payload))
		}
		copy(buf, payload)
		return nil
	case err := <-e.errCh:
		return fmt.Errorf("%w: %v", transport.ErrDisconnected, err)
	case <-e.closed:
		return transport.ErrDisconnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close tears the endpoint down.
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() { close(e.closed) })
	return e.conn.Close()
}

// Listener accepts inbound TCP connections and wraps each as an Endpoint.
type Listener struct {
	ln net.Listener
}

// Listen starts a TCP listener on addr.
func Listen(addr string) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Listener{ln: ln}, nil
}

// Accept blocks for the next inbound connection.
func (l *Listener) Accept(ctx context.Context) (transport.Endpoint, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return NewEndpoint(conn), nil
}

// Close stops accepting new connections.
func (l *Listener) Close() error { return l.ln.Close() }

// Addr returns the listener's bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Dialer establishes outbound TCP connections.
type Dialer struct{}

// Dial connects to addr and wraps the connection as an Endpoint.
func (Dialer) Dial(ctx context.Context, addr string) (transport.Endpoint, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewEndpoint(conn), nil
}

// NewPipe returns two connected in-memory Endpoints, for unit tests that
// don't want to bind a real socket.
func NewPipe() (a, b *Endpoint) {
	ca, cb := net.Pipe()
	return NewEndpoint(ca), NewEndpoint(cb)
}
