// Package fragment defines the small set of datagram fields the
// event-building core reads off the wire. Bit-exact wire positions belong
// to the detector-side XTC format and are out of scope here; this package
// only models the fields named in the transport contract.
package fragment

import (
	"encoding/binary"
	"fmt"

	"github.com/slaclab/ebcore/pulse"
)

// Service identifies the kind of transition a fragment carries.
type Service uint8

const (
	L1Accept Service = iota
	SlowUpdate
	Configure
	Unconfigure
	BeginRun
	EndRun
	Enable
	Disable
	SlowUpdateTr
	BeginStep
	EndStep
)

// IsL1 reports whether the service is an ordinary triggered event.
func (s Service) IsL1() bool { return s == L1Accept }

// ForcesFlush reports whether this service forces the dispatcher to
// close and post any open batch: anything other than L1Accept or
// SlowUpdate forces a flush.
func (s Service) ForcesFlush() bool { return s != L1Accept && s != SlowUpdate }

func (s Service) String() string {
	switch s {
	case L1Accept:
		return "L1Accept"
	case SlowUpdate:
		return "SlowUpdate"
	case Configure:
		return "Configure"
	case Unconfigure:
		return "Unconfigure"
	case BeginRun:
		return "BeginRun"
	case EndRun:
		return "EndRun"
	case Enable:
		return "Enable"
	case Disable:
		return "Disable"
	case SlowUpdateTr:
		return "SlowUpdateTr"
	case BeginStep:
		return "BeginStep"
	case EndStep:
		return "EndStep"
	default:
		return "Unknown"
	}
}

// Damage is an accumulating error bitmap carried on events and fragments.
type Damage uint16

const (
	DamageNone               Damage = 0
	DroppedContribution      Damage = 1 << 0
	DamageOutOfOrder         Damage = 1 << 1
	DamageUserDefined        Damage = 1 << 2
)

// Fragment is the smallest unit crossing the link: the fields the
// reassembly core reads.
type Fragment struct {
	PulseID       pulse.ID
	Service       Service
	ReadoutGroups uint16 // 16-bit bitmap
	Src           uint8  // contributor identifier 0..63
	Control       uint8
	Env           uint64 // opaque passthrough; low 16 bits mirror ReadoutGroups for L1-class transitions
	EOL           bool   // set on the last fragment of a batch
	Damage        Damage // accumulating error bitmap

	// Payload is the opaque application body. The core never interprets
	// it, only moves it between buffers.
	Payload []byte
}

// Size returns the wire footprint the core accounts for when sizing
// batches (header fields plus payload).
func (f *Fragment) Size() int { return headerSize + len(f.Payload) }

// headerSize mirrors the fixed fields read by the core: pulseId(8) +
// env(8) + readoutGroups(2) + src(1) + control(1) + service(1) +
// flags(1, bit 0 = eol) + damage(2), 4-byte aligned.
const headerSize = 24

const eolBit = 1 << 0

// Marshal encodes f's header and payload into dst, which must be at
// least f.Size() bytes. It returns the number of bytes written.
func (f *Fragment) Marshal(dst []byte) (int, error) {
	n := f.Size()
	if len(dst) < n {
		return 0, fmt.Errorf("fragment: dst too small: have %d, need %d", len(dst), n)
	}
	binary.BigEndian.PutUint64(dst[0:8], uint64(f.PulseID))
	binary.BigEndian.PutUint64(dst[8:16], f.Env)
	binary.BigEndian.PutUint16(dst[16:18], f.ReadoutGroups)
	dst[18] = f.Src
	dst[19] = f.Control
	dst[20] = uint8(f.Service)
	var flags uint8
	if f.EOL {
		flags |= eolBit
	}
	dst[21] = flags
	binary.BigEndian.PutUint16(dst[22:24], uint16(f.Damage))
	copy(dst[headerSize:], f.Payload)
	return n, nil
}

// Unmarshal decodes a Fragment out of src, which must hold at least a
// full header. The returned Fragment's Payload aliases src; callers that
// retain it past the lifetime of src's backing buffer must copy it.
func Unmarshal(src []byte) (Fragment, error) {
	if len(src) < headerSize {
		return Fragment{}, fmt.Errorf("fragment: src too small: have %d, need %d", len(src), headerSize)
	}
	f := Fragment{
		PulseID:       pulse.ID(binary.BigEndian.Uint64(src[0:8])),
		Env:           binary.BigEndian.Uint64(src[8:16]),
		ReadoutGroups: binary.BigEndian.Uint16(src[16:18]),
		Src:           src[18],
		Control:       src[19],
		Service:       Service(src[20]),
		EOL:           src[21]&eolBit != 0,
		Damage:        Damage(binary.BigEndian.Uint16(src[22:24])),
		Payload:       src[headerSize:],
	}
	return f, nil
}
