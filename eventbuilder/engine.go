// Package eventbuilder is the core of the pipeline: it groups fragments
// arriving in arbitrary per-contributor order into epochs and events,
// tracks each event's contract, detects completion, flushes complete
// events in strict pulseId order, and ages out stuck events. The engine
// is single-threaded by design: all calls must come from one goroutine,
// normally the pend loop.
package eventbuilder

import (
	"fmt"
	"io"
	"math/bits"
	"time"

	"github.com/slaclab/ebcore/fragment"
	"github.com/slaclab/ebcore/pulse"
)

// Config configures an Engine.
type Config struct {
	// Epochs is the capacity of the epoch pool/LUT.
	Epochs uint32
	// Entries is the number of event slots per epoch; must be a power
	// of two, matching log2Entries in the source.
	Entries uint32
	// EventTimeout is the age after which the oldest incomplete event is
	// fixed up.
	EventTimeout time.Duration
	// Sink receives completed/fixed-up events and supplies contracts.
	Sink Sink
}

// Engine is the keyed reassembly buffer that groups fragments into
// epochs and events, matches each against its contract, and flushes
// completed or fixed-up events in strict pulseId order.
type Engine struct {
	mask        pulse.Mask
	log2Entries uint
	epochsCap   uint32
	entries     uint32
	eventTmo    time.Duration
	sink        Sink

	epochs    []epoch
	events    []Event
	freeEpoch []uint32 // stack of free epoch slot indices
	freeEvent []uint32 // stack of free event slot indices

	epochLUT []epochLUTEntry
	eventLUT []eventLUTEntry

	pending []uint32 // epoch slot indices, ascending epoch key

	hasRetired bool
	lastRetired pulse.ID
	tLastFlush  time.Time

	counters counters
}

type epochLUTEntry struct {
	valid bool
	key   uint64
	slot  uint32
}

type eventLUTEntry struct {
	valid bool
	key   uint64
	slot  uint32
}

type counters struct {
	epochAllocCnt uint64
	epochFreeCnt  uint64
	eventAllocCnt uint64
	eventFreeCnt  uint64
	timeoutCnt    uint64
	fixupCnt      uint64
	lateArrival   uint64
	missing       uint64
	age           time.Duration
	fixupBySrc    [64]uint64
	arrivalBySrc  [64]uint64
}

// Snapshot is a point-in-time copy of the engine's counters: callers
// read state only through this method, never through mutable fields.
type Snapshot struct {
	EpochAllocCnt uint64
	EpochFreeCnt  uint64
	EventAllocCnt uint64
	EventFreeCnt  uint64
	EventOccCnt   uint64
	EventPoolDepth uint64
	TimeoutCnt    uint64
	FixupCnt      uint64
	LateArrival   uint64
	Missing       uint64
	EventAge      time.Duration
	FixupBySrc    [64]uint64
	ArrivalBySrc  [64]uint64
}

// NewEngine builds an Engine from cfg. Entries must be a power of two.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Entries == 0 || cfg.Entries&(cfg.Entries-1) != 0 {
		return nil, fmt.Errorf("eventbuilder: entries %d must be a power of two", cfg.Entries)
	}
	if cfg.Epochs == 0 {
		return nil, fmt.Errorf("eventbuilder: epochs must be > 0")
	}
	if cfg.Sink == nil {
		return nil, fmt.Errorf("eventbuilder: sink is required")
	}
	log2Entries := uint(bits.Len32(cfg.Entries) - 1)

	e := &Engine{
		mask:        pulse.NewMask(log2Entries),
		log2Entries: log2Entries,
		epochsCap:   cfg.Epochs,
		entries:     cfg.Entries,
		eventTmo:    cfg.EventTimeout,
		sink:        cfg.Sink,

		epochs: make([]epoch, cfg.Epochs),
		events: make([]Event, cfg.Epochs*cfg.Entries),

		epochLUT: make([]epochLUTEntry, cfg.Epochs),
		eventLUT: make([]eventLUTEntry, cfg.Epochs*cfg.Entries),
	}
	e.freeEpoch = make([]uint32, cfg.Epochs)
	for i := range e.freeEpoch {
		e.freeEpoch[i] = uint32(len(e.freeEpoch)) - 1 - uint32(i)
	}
	total := cfg.Epochs * cfg.Entries
	e.freeEvent = make([]uint32, total)
	for i := range e.freeEvent {
		e.freeEvent[i] = total - 1 - uint32(i)
	}
	return e, nil
}

func (e *Engine) epIndex(epochKey uint64) uint32 {
	return uint32((epochKey >> e.log2Entries) % uint64(e.epochsCap))
}

func (e *Engine) evIndex(epochSlot uint32, eventKey uint64) uint32 {
	return epochSlot*e.entries + uint32(eventKey)
}

// Process ingests one fragment, matching or creating its epoch and event,
// and attempts to flush any now-complete events. A non-nil error is
// always one of ErrPoolExhausted/ErrLUTCollision and is fatal: the caller
// should log diagnostics and terminate.
func (e *Engine) Process(frag *fragment.Fragment, now time.Time) error {
	e.counters.arrivalBySrc[frag.Src&63]++

	epochKey := e.mask.EpochKey(frag.PulseID)
	eventKey := e.mask.EventKey(frag.PulseID)

	if e.hasRetired && frag.PulseID <= e.lastRetired {
		e.counters.lateArrival++
		return nil
	}

	epSlot, err := e.matchEpoch(epochKey)
	if err != nil {
		return err
	}

	evSlot, isNew, err := e.matchEvent(epSlot, eventKey)
	if err != nil {
		return err
	}
	ev := &e.events[evSlot]
	if isNew {
		ev.PulseID = frag.PulseID
		ev.eventKey = eventKey
		ev.live = true
		ev.Contract = e.sink.Contract(frag)
		ev.Remaining = ev.Contract.Without(frag.Src)
		ev.Arrival = now
		ev.Creator = frag
		ev.Damage = frag.Damage
		ev.fragments = append(ev.fragments, frag)
		e.epochs[epSlot].insertEvent(e.events, evSlot)
	} else {
		ev.Remaining = ev.Remaining.Without(frag.Src)
		ev.Damage |= frag.Damage
		ev.fragments = append(ev.fragments, frag)
	}

	e.tryFlush(now)
	return nil
}

func (e *Engine) matchEpoch(epochKey uint64) (uint32, error) {
	idx := e.epIndex(epochKey)
	entry := &e.epochLUT[idx]
	if entry.valid && entry.key == epochKey {
		return entry.slot, nil
	}
	if entry.valid {
		return 0, fmt.Errorf("%w: epoch slot %d holds key %#x, got %#x", ErrLUTCollision, idx, entry.key, epochKey)
	}

	if len(e.freeEpoch) == 0 {
		return 0, ErrPoolExhausted
	}
	slot := e.freeEpoch[len(e.freeEpoch)-1]
	e.freeEpoch = e.freeEpoch[:len(e.freeEpoch)-1]
	e.counters.epochAllocCnt++

	ep := &e.epochs[slot]
	ep.key = epochKey
	ep.live = true

	pos := 0
	for pos < len(e.pending) && e.epochs[e.pending[pos]].key < epochKey {
		pos++
	}
	e.pending = append(e.pending, 0)
	copy(e.pending[pos+1:], e.pending[pos:])
	e.pending[pos] = slot

	entry.valid = true
	entry.key = epochKey
	entry.slot = slot
	return slot, nil
}

func (e *Engine) matchEvent(epSlot uint32, eventKey uint64) (slot uint32, isNew bool, err error) {
	idx := e.evIndex(epSlot, eventKey)
	entry := &e.eventLUT[idx]
	if entry.valid && entry.key == eventKey {
		return entry.slot, false, nil
	}
	if entry.valid {
		return 0, false, fmt.Errorf("%w: event slot %d holds key %#x, got %#x", ErrLUTCollision, idx, entry.key, eventKey)
	}

	if len(e.freeEvent) == 0 {
		return 0, false, ErrPoolExhausted
	}
	s := e.freeEvent[len(e.freeEvent)-1]
	e.freeEvent = e.freeEvent[:len(e.freeEvent)-1]
	e.counters.eventAllocCnt++

	entry.valid = true
	entry.key = eventKey
	entry.slot = s
	return s, true, nil
}

// tryFlush walks pending epochs oldest-first, delivering every complete
// event in ascending order and discarding emptied epochs from the head.
// It stops at the first incomplete event encountered, since nothing newer
// may be delivered ahead of it.
func (e *Engine) tryFlush(now time.Time) {
	flushedAny := false
	for len(e.pending) > 0 {
		epSlot := e.pending[0]
		ep := &e.epochs[epSlot]

		for len(ep.events) > 0 {
			evSlot := ep.events[0]
			ev := &e.events[evSlot]
			if ev.Remaining != 0 {
				if flushedAny {
					e.tLastFlush = now
				}
				return
			}
			e.retire(ep, epSlot, evSlot)
			flushedAny = true
		}

		// Epoch emptied: discard it from the head.
		e.discardEpoch(epSlot)
	}
	if flushedAny {
		e.tLastFlush = now
	}
}

func (e *Engine) retire(ep *epoch, epSlot, evSlot uint32) {
	ev := &e.events[evSlot]
	e.sink.OnEvent(ev)

	if ev.PulseID > e.lastRetired || !e.hasRetired {
		e.lastRetired = ev.PulseID
		e.hasRetired = true
	}

	idx := e.evIndex(epSlot, ev.eventKey)
	e.eventLUT[idx] = eventLUTEntry{}

	ep.removeHeadEvent()
	ev.reset()
	e.freeEvent = append(e.freeEvent, evSlot)
	e.counters.eventFreeCnt++
}

func (e *Engine) discardEpoch(epSlot uint32) {
	ep := &e.epochs[epSlot]
	idx := e.epIndex(ep.key)
	e.epochLUT[idx] = epochLUTEntry{}

	ep.reset()
	e.pending = e.pending[1:]
	e.freeEpoch = append(e.freeEpoch, epSlot)
	e.counters.epochFreeCnt++
}

// Expired is called when input is idle. It fixes up the oldest stuck
// event once its age crosses eventTimeout, cascading the fixup to any
// older-pulseId events that are themselves still incomplete (they would
// otherwise block delivery of the timed-out event), then flushes.
func (e *Engine) Expired(now time.Time) {
	if len(e.pending) == 0 {
		return
	}

	type ref struct{ epSlot, evSlot uint32 }
	var candidates []ref
	triggered := false

scan:
	for _, epSlot := range e.pending {
		ep := &e.epochs[epSlot]
		for _, evSlot := range ep.events {
			ev := &e.events[evSlot]
			if ev.Remaining == 0 {
				// Already complete but not yet flushed, blocked behind
				// an older incomplete sibling in this epoch; tryFlush
				// handles it once that sibling clears. Must not stop
				// the scan or a later incomplete, timed-out event
				// would never be examined.
				continue
			}
			candidates = append(candidates, ref{epSlot, evSlot})
			if now.Sub(ev.Arrival) >= e.eventTmo {
				triggered = true
				break scan
			}
		}
	}
	if !triggered {
		return
	}

	for _, c := range candidates {
		ev := &e.events[c.evSlot]
		missing := ev.Remaining
		for _, src := range missing.Members() {
			e.sink.Fixup(ev, src)
			e.counters.fixupBySrc[src&63]++
		}
		ev.Damage |= fragment.DroppedContribution
		ev.Remaining = 0
		e.counters.missing = uint64(missing)
		e.counters.fixupCnt++
		e.counters.timeoutCnt++
	}

	e.tryFlush(now)

	if len(e.pending) > 0 {
		head := &e.epochs[e.pending[0]]
		if len(head.events) > 0 {
			e.counters.age = now.Sub(e.events[head.events[0]].Arrival)
		}
	}
}

// Snapshot returns a point-in-time copy of the engine's counters.
func (e *Engine) Snapshot() Snapshot {
	return Snapshot{
		EpochAllocCnt:  e.counters.epochAllocCnt,
		EpochFreeCnt:   e.counters.epochFreeCnt,
		EventAllocCnt:  e.counters.eventAllocCnt,
		EventFreeCnt:   e.counters.eventFreeCnt,
		EventOccCnt:    e.counters.eventAllocCnt - e.counters.eventFreeCnt,
		EventPoolDepth: uint64(len(e.events)),
		TimeoutCnt:     e.counters.timeoutCnt,
		FixupCnt:       e.counters.fixupCnt,
		LateArrival:    e.counters.lateArrival,
		Missing:        e.counters.missing,
		EventAge:       e.counters.age,
		FixupBySrc:     e.counters.fixupBySrc,
		ArrivalBySrc:   e.counters.arrivalBySrc,
	}
}

// ResetCounters zeroes the engine's counters. Mirrors the original's
// choice to reset at Configure time rather than Unconfigure, so a
// previous run's counters remain inspectable until the next Configure.
func (e *Engine) ResetCounters() {
	e.counters = counters{}
}

// Clear releases all in-flight epochs and events without delivering them,
// for use during unconfigure/teardown.
func (e *Engine) Clear() {
	for _, epSlot := range e.pending {
		ep := &e.epochs[epSlot]
		for _, evSlot := range ep.events {
			e.events[evSlot].reset()
			e.freeEvent = append(e.freeEvent, evSlot)
			e.counters.eventFreeCnt++
		}
		idx := e.epIndex(ep.key)
		e.epochLUT[idx] = epochLUTEntry{}
		ep.reset()
		e.freeEpoch = append(e.freeEpoch, epSlot)
		e.counters.epochFreeCnt++
	}
	e.pending = e.pending[:0]
	for i := range e.eventLUT {
		e.eventLUT[i] = eventLUTEntry{}
	}
}

// Dump writes a human-readable summary of in-flight epochs/events for
// operational debugging, mirroring EventBuilder::dump in the original.
func (e *Engine) Dump(w io.Writer, detail int) {
	fmt.Fprintf(w, "eventbuilder: %d pending epoch(s)\n", len(e.pending))
	for _, epSlot := range e.pending {
		ep := &e.epochs[epSlot]
		fmt.Fprintf(w, "  epoch key=%#x events=%d\n", ep.key, len(ep.events))
		if detail <= 0 {
			continue
		}
		for _, evSlot := range ep.events {
			ev := &e.events[evSlot]
			fmt.Fprintf(w, "    pulseId=%#x contract=%#x remaining=%#x damage=%#x frags=%d\n",
				ev.PulseID, ev.Contract, ev.Remaining, ev.Damage, len(ev.fragments))
		}
	}
}
