// Package dispatcher implements the contributor-side pipeline: it
// consumes fragments in pulseId order and folds them into the open
// batch.Manager slot. A transition (anything other than L1Accept or
// SlowUpdate) closes and posts the batch it was added to, and is also
// forwarded to every other builder over a credit-bounded link.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/slaclab/ebcore/batch"
	"github.com/slaclab/ebcore/fragment"
	"github.com/slaclab/ebcore/pulse"
	"github.com/slaclab/ebcore/transport"
)

// ErrNonMonotonicPulseID is returned when a fragment's pulseId does not
// strictly exceed the previous one seen by this dispatcher. This is a
// programmer/data-source error, fatal like the engine's pool-exhaustion
// errors.
var ErrNonMonotonicPulseID = errors.New("dispatcher: pulseId did not strictly increase")

// ErrNoTransitionBuffer is returned when no transition-buffer credit
// became available for a builder within the configured timeout.
var ErrNoTransitionBuffer = errors.New("dispatcher: no transition buffer credit available")

// BuilderLink is one builder's one-sided write target: the transport
// endpoint bootstrapped by package link, plus the credit count bounding
// outstanding transition writes to it.
type BuilderLink struct {
	Ep      transport.Endpoint
	Remote  transport.RemoteDescriptor
	Credits int // outstanding transition-buffer credits, mirrors TEB_TR_BUFS
}

type builderLink struct {
	ep     transport.Endpoint
	remote transport.RemoteDescriptor
	sem    *semaphore.Weighted
}

// Config configures a Dispatcher.
type Config struct {
	LocalID uint8
	// Contractor is this contributor's configured partition-group mask:
	// fragments whose ReadoutGroups does not intersect it are routed
	// around the builders entirely (spec.md 4.D step 3).
	Contractor uint16
	// BatchingEnabled disables batching when false: every batchable
	// fragment becomes its own one-entry batch.
	BatchingEnabled bool
	// TransitionTimeout bounds how long a transition write waits for a
	// free credit before giving up with ErrNoTransitionBuffer.
	TransitionTimeout time.Duration

	Batches  *batch.Manager
	Pending  *batch.Pending
	Builders []BuilderLink // index == builder id

	Logger *zap.Logger
}

// Dispatcher is the single-goroutine contributor pipeline described in
// spec.md 4.D. Like the engine, it is not safe for concurrent Dispatch
// calls: all fragments for one contributor arrive from one pend loop.
type Dispatcher struct {
	localID    uint8
	contractor uint16
	batchingOn bool
	tmo        time.Duration

	batches  *batch.Manager
	pending  *batch.Pending
	builders []builderLink
	log      *zap.Logger

	hasLast   bool
	lastPulse pulse.ID
	open      *batch.Batch
}

// New builds a Dispatcher from cfg.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Batches == nil {
		return nil, fmt.Errorf("dispatcher: batches manager is required")
	}
	if cfg.Pending == nil {
		return nil, fmt.Errorf("dispatcher: pending queue is required")
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	builders := make([]builderLink, len(cfg.Builders))
	for i, b := range cfg.Builders {
		credits := b.Credits
		if credits <= 0 {
			credits = 1
		}
		builders[i] = builderLink{ep: b.Ep, remote: b.Remote, sem: semaphore.NewWeighted(int64(credits))}
	}
	return &Dispatcher{
		localID:    cfg.LocalID,
		contractor: cfg.Contractor,
		batchingOn: cfg.BatchingEnabled,
		tmo:        cfg.TransitionTimeout,
		batches:    cfg.Batches,
		pending:    cfg.Pending,
		builders:   builders,
		log:        log.Named("dispatcher"),
	}, nil
}

// Dispatch processes one fragment. frag.PulseID must strictly exceed the
// pulseId of every fragment previously passed to Dispatch.
func (d *Dispatcher) Dispatch(ctx context.Context, frag *fragment.Fragment) error {
	if d.hasLast && !pulse.Less(d.lastPulse, frag.PulseID) {
		return fmt.Errorf("%w: last=%d got=%d", ErrNonMonotonicPulseID, d.lastPulse, frag.PulseID)
	}
	d.lastPulse = frag.PulseID
	d.hasLast = true

	if frag.ReadoutGroups&d.contractor == 0 {
		return d.dispatchOffPartition(ctx, frag)
	}
	return d.dispatchBatchable(ctx, frag)
}

// dispatchOffPartition handles a fragment whose readout groups fall
// outside this contributor's configured partition: the currently open
// batch is closed (if any), and the fragment is recorded alone in
// Pending without ever reaching a builder, per spec.md 4.D step 3.
func (d *Dispatcher) dispatchOffPartition(ctx context.Context, frag *fragment.Fragment) error {
	if d.open != nil {
		if _, err := d.closeAndPost(ctx); err != nil {
			return err
		}
	}
	return d.pending.Push(batch.Posted{
		StartPulse: frag.PulseID,
		IsBatch:    false,
		EntryCount: 1,
	})
}

// dispatchBatchable handles a fragment whose readout groups fall inside
// this contributor's partition: L1Accept/SlowUpdate fragments accumulate
// in the open batch; anything else (a transition) forces the batch
// containing it to close and post, and is additionally forwarded to
// every builder except the one that received it inside that batch
// (spec.md 4.D steps 2/4, mirroring TebContributor::process/_post).
func (d *Dispatcher) dispatchBatchable(ctx context.Context, frag *fragment.Fragment) error {
	if d.open == nil {
		b, err := d.batches.FetchWait(ctx, frag.PulseID)
		if err != nil {
			return err
		}
		d.open = b
	} else if d.batches.Expired(frag.PulseID, d.open.StartPulse()) {
		if _, err := d.closeAndPost(ctx); err != nil {
			return err
		}
		b, err := d.batches.FetchWait(ctx, frag.PulseID)
		if err != nil {
			return err
		}
		d.open = b
	}

	buf, err := d.open.Allocate()
	if err != nil {
		return err
	}
	if _, err := frag.Marshal(buf); err != nil {
		return err
	}
	d.batches.Store(frag.PulseID, frag)

	forcesFlush := frag.Service.ForcesFlush()
	if !d.batchingOn || frag.EOL || forcesFlush {
		dst, err := d.closeAndPost(ctx)
		if err != nil {
			return err
		}
		if forcesFlush {
			return d.broadcastTransition(ctx, frag, dst)
		}
	}
	return nil
}

// closeAndPost records d.open in Pending and then posts it to its
// destination builder, so a result can never arrive before its Pending
// entry; d.open is cleared first. The destination formula
// is preserved verbatim from the source per spec.md 9's open question:
// dst = (batchIndex / maxEntries) mod numBuilders. It returns the
// destination builder index, or -1 when no builders are configured, so
// callers forwarding a transition know which builder to exclude.
func (d *Dispatcher) closeAndPost(ctx context.Context) (int, error) {
	b := d.open
	d.open = nil
	d.batches.MarkPosted(b)

	if len(d.builders) == 0 {
		return -1, d.pending.Push(batch.Posted{
			StartPulse: b.StartPulse(),
			BatchIndex: b.Index,
			IsBatch:    true,
			EntryCount: b.EntryCount(),
		})
	}

	dst := int(b.Index/d.batches.MaxEntries()) % len(d.builders)
	bl := &d.builders[dst]

	if err := d.pending.Push(batch.Posted{
		StartPulse: b.StartPulse(),
		BatchIndex: b.Index,
		IsBatch:    true,
		EntryCount: b.EntryCount(),
	}); err != nil {
		return dst, err
	}

	imm := transport.Encode(transport.Immediate{Kind: transport.KindBuffer, Response: true, Src: d.localID, Idx: b.Index})
	offset := uint64(b.Index) * uint64(len(b.Region))
	return dst, bl.ep.WriteData(ctx, b.Filled(), offset, uint64(imm), bl.remote)
}

// broadcastTransition forwards frag to every configured builder except
// exclude (the destination that already received it embedded in a
// batch), each gated by its own transition-buffer credit semaphore so a
// slow builder can't let unbounded transitions queue up on the wire.
func (d *Dispatcher) broadcastTransition(ctx context.Context, frag *fragment.Fragment, exclude int) error {
	if len(d.builders) < 2 {
		return nil
	}
	buf := make([]byte, frag.Size())
	if _, err := frag.Marshal(buf); err != nil {
		return err
	}
	for i := range d.builders {
		if i == exclude {
			continue
		}
		bl := &d.builders[i]
		cctx := ctx
		var cancel context.CancelFunc
		if d.tmo > 0 {
			cctx, cancel = context.WithTimeout(ctx, d.tmo)
		}
		err := bl.sem.Acquire(cctx, 1)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			return fmt.Errorf("%w: builder %d: %v", ErrNoTransitionBuffer, i, err)
		}
		imm := transport.Encode(transport.Immediate{Kind: transport.KindTransition, Response: false, Src: d.localID})
		if err := bl.ep.WriteData(ctx, buf, 0, uint64(imm), bl.remote); err != nil {
			bl.sem.Release(1)
			return err
		}
	}
	return nil
}

// ReleaseTransitionCredit returns one transition-buffer credit for
// builder, called by the response-polling loop once it observes the
// builder's acknowledgement immediate for a prior transition write.
func (d *Dispatcher) ReleaseTransitionCredit(builder int) {
	if builder < 0 || builder >= len(d.builders) {
		return
	}
	d.builders[builder].sem.Release(1)
}
