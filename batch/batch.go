// Package batch implements the contributor-side batching engine: a ring
// of pre-registered batch slots keyed by pulse-identifier windows, plus
// the bounded pending queue used to match builder results back to posted
// batches (spec.md 4.B).
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/slaclab/ebcore/pulse"
)

// ErrTornDown is returned by FetchWait when the manager has been shut
// down while a caller was waiting for a slot.
var ErrTornDown = errors.New("batch: manager torn down")

// ErrBatchFull is returned by Allocate when the batch has no room left
// for another entry; this indicates a dispatcher bug (it must close a
// batch before over-filling it), so callers should treat it as fatal.
var ErrBatchFull = errors.New("batch: slot exhausted, dispatcher should have closed it")

// Batch is a contiguous slice of the pre-registered region covering up to
// MaxEntries fragments, addressed by BatchIndex = (pulseId >>
// log2Entries) mod BatchCount.
type Batch struct {
	Index      uint32
	Region     []byte // the slot's backing bytes, len == MaxEntries*MaxInputSize
	maxInput   int
	fillOffset int
	startPulse pulse.ID
	opened     bool
	entries    int
	pending    bool // posted, awaiting a result from the builder
}

// StartPulse returns the pulseId that opened this batch's window.
func (b *Batch) StartPulse() pulse.ID { return b.startPulse }

// EntryCount returns the number of fragment slots allocated in this batch
// since it was fetched.
func (b *Batch) EntryCount() int { return b.entries }

// Filled returns the portion of Region written so far, the bytes a
// dispatcher should post over the wire.
func (b *Batch) Filled() []byte { return b.Region[:b.fillOffset] }

// Allocate bumps the batch's fill pointer by maxInputSize, returning the
// backing bytes for one fragment slot. Fails with ErrBatchFull if the
// batch is already holding MaxEntries fragments.
func (b *Batch) Allocate() ([]byte, error) {
	if b.entries*b.maxInput >= len(b.Region) {
		return nil, ErrBatchFull
	}
	start := b.fillOffset
	b.fillOffset += b.maxInput
	b.entries++
	return b.Region[start:b.fillOffset], nil
}

// Manager owns a ring of BatchCount pre-registered slots of
// MaxEntries*MaxInputSize bytes each.
type Manager struct {
	log2Entries uint
	maxEntries  uint32
	maxInput    int
	batchCount  uint32

	mu      sync.Mutex
	cond    *sync.Cond
	slots   []Batch
	tokens  map[uint64]any // (batchIndex*maxEntries + entryIndex) -> appPrm
	running bool

	sem *semaphore.Weighted // bounds MAX_BATCHES outstanding batches

	allocCnt uint64
	freeCnt  uint64
}

// Config configures a Manager.
type Config struct {
	Log2Entries uint
	BatchCount  uint32
	MaxInput    int
	// MaxBatches bounds the number of batches held at once, from
	// FetchWait until Release (being filled, or posted and awaiting a
	// result); 0 means BatchCount.
	MaxBatches int
}

// NewManager allocates the ring's backing storage and returns a Manager
// ready to run.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.BatchCount == 0 {
		return nil, fmt.Errorf("batch: batchCount must be > 0")
	}
	maxEntries := uint32(1) << cfg.Log2Entries
	maxBatches := cfg.MaxBatches
	if maxBatches <= 0 {
		maxBatches = int(cfg.BatchCount)
	}
	m := &Manager{
		log2Entries: cfg.Log2Entries,
		maxEntries:  maxEntries,
		maxInput:    cfg.MaxInput,
		batchCount:  cfg.BatchCount,
		slots:       make([]Batch, cfg.BatchCount),
		tokens:      make(map[uint64]any),
		running:     true,
		sem:         semaphore.NewWeighted(int64(maxBatches)),
	}
	m.cond = sync.NewCond(&m.mu)
	for i := range m.slots {
		m.slots[i].Index = uint32(i)
		m.slots[i].maxInput = cfg.MaxInput
		m.slots[i].Region = make([]byte, int(maxEntries)*cfg.MaxInput)
	}
	return m, nil
}

// MaxEntries returns the number of fragment slots per batch (1 <<
// Log2Entries), needed by callers that derive a destination builder from
// a batch index.
func (m *Manager) MaxEntries() uint32 { return m.maxEntries }

func (m *Manager) batchIndex(id pulse.ID) uint32 {
	return uint32((uint64(id) >> m.log2Entries) % uint64(m.batchCount))
}

// FetchWait reserves the batch slot addressed by id, blocking
// cooperatively if that slot is still pending a result from the builder.
// It returns ErrTornDown when the manager is shut down, or ctx's error if
// ctx ends while waiting for one of the MaxBatches units; ctx is not
// observed while waiting on a pending slot.
func (m *Manager) FetchWait(ctx context.Context, id pulse.ID) (*Batch, error) {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.batchIndex(id)
	for m.slots[idx].pending {
		if !m.running {
			m.sem.Release(1)
			return nil, ErrTornDown
		}
		m.cond.Wait()
	}
	if !m.running {
		m.sem.Release(1)
		return nil, ErrTornDown
	}

	b := &m.slots[idx]
	b.startPulse = id
	b.fillOffset = 0
	b.entries = 0
	b.opened = true
	b.pending = false
	m.allocCnt++
	return b, nil
}

// Store records an opaque per-event application token for pulseId, keyed
// by (batchIndex*maxEntries + entryIndex), retrievable via Retrieve when
// the matching result returns.
func (m *Manager) Store(id pulse.ID, appPrm any) {
	idx := m.batchIndex(id)
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := m.slots[idx].entries - 1
	if entry < 0 {
		entry = 0
	}
	key := uint64(idx)*uint64(m.maxEntries) + uint64(entry)
	m.tokens[key] = appPrm
}

// Retrieve looks up the token stored for batchIndex/entryIndex.
func (m *Manager) Retrieve(batchIndex uint32, entryIndex uint32) (any, bool) {
	key := uint64(batchIndex)*uint64(m.maxEntries) + uint64(entryIndex)
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.tokens[key]
	return v, ok
}

// Expired reports whether cur lies outside the batch window opened by
// start: (cur >> log2Entries) != (start >> log2Entries).
func (m *Manager) Expired(cur, start pulse.ID) bool {
	return (uint64(cur) >> m.log2Entries) != (uint64(start) >> m.log2Entries)
}

// MarkPosted transitions a batch from "being filled" to "posted, pending
// a result" — it can't be fetched again until Release is called.
func (m *Manager) MarkPosted(b *Batch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b.pending = true
	b.opened = false
}

// Release is called when the result for pulseId has been consumed; it
// clears the pending bit for that batch and wakes any fetcher blocked on
// its slot.
func (m *Manager) Release(id pulse.ID) {
	idx := m.batchIndex(id)
	m.mu.Lock()
	m.slots[idx].pending = false
	m.freeCnt++
	m.mu.Unlock()
	m.sem.Release(1)
	m.cond.Broadcast()
}

// Shutdown wakes every FetchWait caller waiting on a pending slot, which
// then returns ErrTornDown. A caller still waiting for one of the
// MaxBatches units is not woken; it returns when its ctx ends.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
	m.cond.Broadcast()
}

// Stats is a point-in-time snapshot of allocation counters.
type Stats struct {
	AllocCnt uint64
	FreeCnt  uint64
	Waiting  int
}

// Snapshot returns the manager's current counters.
func (m *Manager) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	waiting := 0
	for i := range m.slots {
		if m.slots[i].pending {
			waiting++
		}
	}
	return Stats{AllocCnt: m.allocCnt, FreeCnt: m.freeCnt, Waiting: waiting}
}
