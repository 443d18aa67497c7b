package eventbuilder

import (
	"github.com/slaclab/ebcore/contract"
	"github.com/slaclab/ebcore/fragment"
)

// Sink is the capability interface the engine calls back into. It replaces
// the virtual process/contract/fixup methods of the original EventBuilder
// base class with composition: the engine owns a Sink, the Sink owns no
// back-pointer to the engine.
type Sink interface {
	// OnEvent is called exactly once per PulseID, when an Event becomes
	// complete (Remaining == 0) or has been fixed up after timing out.
	OnEvent(*Event)

	// Fixup reports that src never contributed to ev, one call per
	// missing contributor still outstanding when the event ages out. The
	// engine itself sets fragment.DroppedContribution on ev after these
	// calls.
	Fixup(ev *Event, src uint8)

	// Contract resolves the contributor set required for a fragment,
	// normally contractTable.Resolve(frag.ReadoutGroups).
	Contract(frag *fragment.Fragment) contract.Set
}
