package eventbuilder

import (
	"time"

	"github.com/slaclab/ebcore/contract"
	"github.com/slaclab/ebcore/fragment"
	"github.com/slaclab/ebcore/pulse"
)

// Event is the reassembly record for one PulseID. Invariant: Remaining is
// always a subset of Contract, and the set of contributors already seen
// equals Contract minus Remaining.
type Event struct {
	PulseID   pulse.ID
	Contract  contract.Set
	Remaining contract.Set
	Damage    fragment.Damage
	Arrival   time.Time
	Creator   *fragment.Fragment

	fragments []*fragment.Fragment // received, in contributor arrival order
	eventKey  uint64
	live      bool // false when pooled/unused
}

// Fragments returns the fragments received for this event, in the order
// they arrived.
func (e *Event) Fragments() []*fragment.Fragment { return e.fragments }

// reset clears an Event for reuse from the pool.
func (e *Event) reset() {
	e.PulseID = 0
	e.Contract = 0
	e.Remaining = 0
	e.Damage = fragment.DamageNone
	e.Arrival = time.Time{}
	e.Creator = nil
	e.fragments = e.fragments[:0]
	e.eventKey = 0
	e.live = false
}

// epoch groups Events sharing the same epoch key. Events are kept in an
// ascending-eventKey slice rather than an intrusive linked list: pool
// slots are addressed by index, never by pointer, so there is no lifetime
// or aliasing hazard from keeping this as a plain slice.
type epoch struct {
	key    uint64
	events []uint32 // indices into Engine.events, ascending by eventKey
	live   bool
}

func (ep *epoch) reset() {
	ep.key = 0
	ep.events = ep.events[:0]
	ep.live = false
}

// insertEvent inserts slot into ep.events keeping ascending eventKey order.
func (ep *epoch) insertEvent(events []Event, slot uint32) {
	key := events[slot].eventKey
	i := 0
	for i < len(ep.events) && events[ep.events[i]].eventKey < key {
		i++
	}
	ep.events = append(ep.events, 0)
	copy(ep.events[i+1:], ep.events[i:])
	ep.events[i] = slot
}

// removeHeadEvent drops the first (oldest) event from ep's list.
func (ep *epoch) removeHeadEvent() {
	copy(ep.events, ep.events[1:])
	ep.events = ep.events[:len(ep.events)-1]
}
