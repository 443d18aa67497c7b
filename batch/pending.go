package batch

import (
	"errors"
	"sync"

	"github.com/slaclab/ebcore/pulse"
)

// ErrPendingOverflow is returned when Push would exceed MAX_LATENCY
// outstanding entries. Per spec.md 5/7 this is a fatal programmer error:
// it means backpressure (FetchWait blocking on a still-pending slot) was
// not honored upstream.
var ErrPendingOverflow = errors.New("batch: pending queue overflow")

// Posted is one entry in the Pending FIFO: a batch or a lone
// non-batchable fragment that was pushed onto the wire, awaiting a
// matching result from the builder.
type Posted struct {
	StartPulse pulse.ID
	BatchIndex uint32
	IsBatch    bool
	EntryCount int
}

// Pending is the contributor side's single-producer/single-consumer FIFO
// of posted-but-unacknowledged batches (spec.md "PendingBatch"). Its push
// happens-before the corresponding RDMA write issues (spec.md 5).
type Pending struct {
	mu      sync.Mutex
	cond    *sync.Cond
	entries []Posted
	cap     int
	closed  bool
}

// NewPending returns a Pending FIFO bounded by MAX_LATENCY entries.
func NewPending(capacity int) *Pending {
	p := &Pending{cap: capacity}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Push enqueues a posted batch/fragment. It never blocks: exceeding
// capacity is a fatal configuration error, not backpressure to absorb.
func (p *Pending) Push(e Posted) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.entries) >= p.cap {
		return ErrPendingOverflow
	}
	p.entries = append(p.entries, e)
	p.cond.Signal()
	return nil
}

// Pop blocks until an entry is available or the queue is closed, in
// which case it returns false.
func (p *Pending) Pop() (Posted, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.entries) == 0 && !p.closed {
		p.cond.Wait()
	}
	if len(p.entries) == 0 {
		return Posted{}, false
	}
	e := p.entries[0]
	copy(p.entries, p.entries[1:])
	p.entries = p.entries[:len(p.entries)-1]
	return e, true
}

// TryPop pops without blocking; used to drain stale entries at Configure
// time, mirroring TebContributor::configure's `while (_pending.try_pop(dg))`.
func (p *Pending) TryPop() (Posted, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.entries) == 0 {
		return Posted{}, false
	}
	e := p.entries[0]
	copy(p.entries, p.entries[1:])
	p.entries = p.entries[:len(p.entries)-1]
	return e, true
}

// Len returns the current number of queued entries (spec.md calls this
// guess_size()), read under the queue's lock.
func (p *Pending) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Close wakes all blocked poppers; subsequent Pop calls return false once
// drained.
func (p *Pending) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cond.Broadcast()
}

// Reopen clears the closed flag and any residual entries, mirroring
// configure() resetting pending state for a fresh run.
func (p *Pending) Reopen() {
	p.mu.Lock()
	p.closed = false
	p.entries = p.entries[:0]
	p.mu.Unlock()
}
