// Package link implements the small bootstrap handshake two peers run
// before steady-state traffic: they exchange integer identifiers, agree
// on a region size, and hand the pender's remote-memory descriptor to
// the poster, so the poster can later write directly into the pender's
// buffer.
package link

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/slaclab/ebcore/transport"
)

// Error is the typed bootstrap failure taxonomy.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("link: %s: %v", e.Kind, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// ErrorKind enumerates LinkError::{TransportFailed, SizeMismatch, PeerClosed}.
type ErrorKind int

const (
	TransportFailed ErrorKind = iota
	SizeMismatch
	PeerClosed
)

func (k ErrorKind) String() string {
	switch k {
	case TransportFailed:
		return "TransportFailed"
	case SizeMismatch:
		return "SizeMismatch"
	case PeerClosed:
		return "PeerClosed"
	default:
		return "Unknown"
	}
}

// Link is one logical peer connection, fully bootstrapped.
type Link struct {
	PeerID uint32
	Ep     transport.Endpoint
	Local  transport.MemoryRegion
	Remote transport.RemoteDescriptor
}

// PreparePender runs the pender side of the handshake: it receives the
// peer's id, sends back localID, receives the peer's announced region
// size, confirms it matches want (0 means "accept whatever size"), then
// sends its own remote-memory descriptor for region.
//
// This mirrors EbLfLink::preparePender in the original implementation.
func PreparePender(ctx context.Context, ep transport.Endpoint, localID uint32, region []byte, want int) (*Link, error) {
	var buf [8]byte

	if err := ep.RecvSync(ctx, buf[:4]); err != nil {
		return nil, &Error{TransportFailed, err}
	}
	peerID := binary.BigEndian.Uint32(buf[:4])

	binary.BigEndian.PutUint32(buf[:4], localID)
	if err := ep.SendSync(ctx, buf[:4]); err != nil {
		return nil, &Error{TransportFailed, err}
	}

	if err := ep.RecvSync(ctx, buf[:4]); err != nil {
		return nil, &Error{TransportFailed, err}
	}
	peerSize := binary.BigEndian.Uint32(buf[:4])
	if want != 0 && int(peerSize) != want {
		return nil, &Error{SizeMismatch, fmt.Errorf("want %d, peer sent %d", want, peerSize)}
	}

	mr, err := ep.RegisterMemory(region)
	if err != nil {
		return nil, &Error{TransportFailed, err}
	}

	desc := transport.RemoteDescriptor{RKey: mr.RKey, Addr: regionAddr(region), Extent: uint64(len(region))}
	if err := sendDescriptor(ctx, ep, desc); err != nil {
		return nil, &Error{TransportFailed, err}
	}

	return &Link{PeerID: peerID, Ep: ep, Local: mr}, nil
}

// PreparePoster runs the poster side: it sends localID, receives the
// peer's id, sends its own announced size, then receives the pender's
// remote-memory descriptor and caches it for later one-sided writes.
//
// Mirrors EbLfLink::preparePoster.
func PreparePoster(ctx context.Context, ep transport.Endpoint, localID uint32, announcedSize int) (*Link, error) {
	var buf [8]byte

	binary.BigEndian.PutUint32(buf[:4], localID)
	if err := ep.SendSync(ctx, buf[:4]); err != nil {
		return nil, &Error{TransportFailed, err}
	}

	if err := ep.RecvSync(ctx, buf[:4]); err != nil {
		return nil, &Error{TransportFailed, err}
	}
	peerID := binary.BigEndian.Uint32(buf[:4])

	binary.BigEndian.PutUint32(buf[:4], uint32(announcedSize))
	if err := ep.SendSync(ctx, buf[:4]); err != nil {
		return nil, &Error{TransportFailed, err}
	}

	desc, err := recvDescriptor(ctx, ep)
	if err != nil {
		return nil, &Error{TransportFailed, err}
	}

	return &Link{PeerID: peerID, Ep: ep, Remote: desc}, nil
}

func sendDescriptor(ctx context.Context, ep transport.Endpoint, d transport.RemoteDescriptor) error {
	var buf [24]byte
	binary.BigEndian.PutUint64(buf[0:8], d.RKey)
	binary.BigEndian.PutUint64(buf[8:16], d.Addr)
	binary.BigEndian.PutUint64(buf[16:24], d.Extent)
	return ep.SendSync(ctx, buf[:])
}

func recvDescriptor(ctx context.Context, ep transport.Endpoint) (transport.RemoteDescriptor, error) {
	var buf [24]byte
	if err := ep.RecvSync(ctx, buf[:]); err != nil {
		return transport.RemoteDescriptor{}, err
	}
	return transport.RemoteDescriptor{
		RKey:   binary.BigEndian.Uint64(buf[0:8]),
		Addr:   binary.BigEndian.Uint64(buf[8:16]),
		Extent: binary.BigEndian.Uint64(buf[16:24]),
	}, nil
}

// regionAddr derives a logical address for a locally registered region:
// its length, so two regions of the same length get the same Addr. Real
// RDMA hardware addresses are physical/virtual memory addresses; the
// reference transport (package transport/reftransport) ignores Addr and
// writes into whatever region the receiving endpoint registered.
func regionAddr(region []byte) uint64 {
	if len(region) == 0 {
		return 0
	}
	return uint64(uintptr(len(region)))
}
