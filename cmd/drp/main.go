// Command drp runs one contributor node: it generates timestamped
// fragments (a synthetic source stands in for the real detector readout,
// which is out of scope for this repository), batches them through
// dispatcher.Dispatcher, and posts them to the configured builders.
package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/slaclab/ebcore/batch"
	"github.com/slaclab/ebcore/config"
	"github.com/slaclab/ebcore/dispatcher"
	"github.com/slaclab/ebcore/fragment"
	"github.com/slaclab/ebcore/link"
	"github.com/slaclab/ebcore/pulse"
	"github.com/slaclab/ebcore/transport"
	"github.com/slaclab/ebcore/transport/reftransport"
)

func main() {
	var (
		cfgPath = flag.String("config", "drp.yaml", "path to the topology/tuning config")
		id      = flag.Uint("id", 0, "this contributor's id, must match a config.Contributors entry")
		rate    = flag.Duration("rate", 10*time.Millisecond, "synthetic fragment generation interval")
	)
	flag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if err := run(log, *cfgPath, uint8(*id), *rate); err != nil {
		log.Fatal("drp exited", zap.Error(err))
	}
}

func run(log *zap.Logger, cfgPath string, localID uint8, rate time.Duration) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	var self *config.Contributor
	for i := range cfg.Contributors {
		if cfg.Contributors[i].ID == localID {
			self = &cfg.Contributors[i]
		}
	}
	if self == nil {
		log.Fatal("no contributor entry for this id", zap.Uint8("id", localID))
	}

	mgr, err := batch.NewManager(batch.Config{
		Log2Entries: cfg.Batch.Log2Entries,
		BatchCount:  cfg.Batch.BatchCount,
		MaxInput:    cfg.Batch.MaxInput,
		MaxBatches:  cfg.Batch.MaxBatches,
	})
	if err != nil {
		return err
	}
	pending := batch.NewPending(cfg.Batch.PendingCap)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	builders := make([]dispatcher.BuilderLink, len(cfg.Builders))
	var dialErr error
	for i, b := range cfg.Builders {
		var d reftransport.Dialer
		ep, err := d.Dial(ctx, b.Addr)
		if err != nil {
			dialErr = multierr.Append(dialErr, err)
			continue
		}
		announced := cfg.Batch.MaxInput * int(1<<cfg.Batch.Log2Entries) * int(cfg.Batch.BatchCount)
		lnk, err := link.PreparePoster(ctx, ep, uint32(localID), announced)
		if err != nil {
			dialErr = multierr.Append(dialErr, err)
			ep.Close()
			continue
		}
		builders[i] = dispatcher.BuilderLink{Ep: ep, Remote: lnk.Remote, Credits: 4}
		log.Info("linked to builder", zap.Uint8("builder", b.ID), zap.String("addr", b.Addr))
	}
	if dialErr != nil {
		return multierr.Append(dialErr, closeBuilders(builders))
	}
	defer func() {
		if err := closeBuilders(builders); err != nil {
			log.Warn("error closing builder links", zap.Error(err))
		}
	}()

	disp, err := dispatcher.New(dispatcher.Config{
		LocalID:           localID,
		Contractor:        self.Contractor,
		BatchingEnabled:   cfg.BatchingEnabled,
		TransitionTimeout: cfg.TransitionTimeout.Duration,
		Batches:           mgr,
		Pending:           pending,
		Builders:          builders,
		Logger:            log,
	})
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return generate(ctx, disp, localID, rate) })
	for i := range cfg.Builders {
		i, ep := i, builders[i].Ep
		g.Go(func() error { return respond(ctx, mgr, pending, disp, i, ep) })
	}

	return g.Wait()
}

// closeBuilders tears down every dialed builder connection, aggregating
// per-link failures instead of stopping at the first one.
func closeBuilders(builders []dispatcher.BuilderLink) error {
	var err error
	for _, b := range builders {
		if b.Ep == nil {
			continue
		}
		err = multierr.Append(err, b.Ep.Close())
	}
	return err
}

// generate is a synthetic fragment source standing in for real detector
// readout: it mints strictly increasing pulse ids at a fixed cadence.
func generate(ctx context.Context, disp *dispatcher.Dispatcher, localID uint8, rate time.Duration) error {
	t := time.NewTicker(rate)
	defer t.Stop()
	var id pulse.ID = 1
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			frag := &fragment.Fragment{
				PulseID:       id,
				Service:       fragment.L1Accept,
				ReadoutGroups: 0x1,
				Src:           localID,
				Payload:       make([]byte, 64),
			}
			if err := disp.Dispatch(ctx, frag); err != nil {
				return err
			}
			id++
		}
	}
}

// respond drains acknowledgements from one builder link, releasing the
// batch slot or transition credit each one corresponds to.
func respond(ctx context.Context, mgr *batch.Manager, pending *batch.Pending, disp *dispatcher.Dispatcher, builder int, ep transport.Endpoint) error {
	for {
		raw, err := ep.Pend(ctx, 500*time.Millisecond)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		imm := transport.Decode(uint32(raw))
		switch imm.Kind {
		case transport.KindTransition:
			disp.ReleaseTransitionCredit(builder)
		case transport.KindBuffer:
			if posted, ok := pending.TryPop(); ok {
				mgr.Release(posted.StartPulse)
			}
		}
	}
}
