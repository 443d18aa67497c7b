// Command teb runs one event-builder node: it accepts a link from every
// configured contributor, feeds arriving fragments to an
// eventbuilder.Engine, and logs completed events. Downstream event
// consumption (writing to storage, forwarding to analysis) is out of
// scope for this repository; loggingSink.OnEvent only logs.
package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/slaclab/ebcore/config"
	"github.com/slaclab/ebcore/contract"
	"github.com/slaclab/ebcore/eventbuilder"
	"github.com/slaclab/ebcore/fragment"
	"github.com/slaclab/ebcore/link"
	"github.com/slaclab/ebcore/transport"
	"github.com/slaclab/ebcore/transport/reftransport"
)

func main() {
	var (
		cfgPath = flag.String("config", "teb.yaml", "path to the topology/tuning config")
		id      = flag.Uint("id", 0, "this builder's id, must match a config.Builders entry")
	)
	flag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if err := run(log, *cfgPath, uint8(*id)); err != nil {
		log.Fatal("teb exited", zap.Error(err))
	}
}

func run(log *zap.Logger, cfgPath string, localID uint8) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	var self *config.Builder
	for i := range cfg.Builders {
		if cfg.Builders[i].ID == localID {
			self = &cfg.Builders[i]
		}
	}
	if self == nil {
		log.Fatal("no builder entry for this id", zap.Uint8("id", localID))
	}

	table := cfg.ContractTable()
	sink := &loggingSink{log: log, table: table}

	engine, err := eventbuilder.NewEngine(eventbuilder.Config{
		Epochs:       cfg.Engine.Epochs,
		Entries:      cfg.Engine.Entries,
		EventTimeout: cfg.Engine.EventTimeout.Duration,
		Sink:         sink,
	})
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	ln, err := reftransport.Listen(self.Addr)
	if err != nil {
		return err
	}
	defer ln.Close()
	log.Info("teb listening", zap.String("addr", self.Addr), zap.Uint8("id", localID))

	g, ctx := errgroup.WithContext(ctx)
	for range cfg.Contributors {
		g.Go(func() error {
			return acceptAndPend(ctx, log, ln, engine, localID)
		})
	}

	g.Go(func() error {
		return expireLoop(ctx, engine, cfg.Engine.EventTimeout.Duration)
	})

	return g.Wait()
}

func acceptAndPend(ctx context.Context, log *zap.Logger, ln *reftransport.Listener, engine *eventbuilder.Engine, localID uint8) error {
	ep, err := ln.Accept(ctx)
	if err != nil {
		return err
	}
	defer ep.Close()

	region := make([]byte, 64<<20)
	lnk, err := link.PreparePender(ctx, ep, uint32(localID), region, 0)
	if err != nil {
		return err
	}
	log.Info("contributor linked", zap.Uint32("peer", lnk.PeerID))

	const slotSize = 1 << 20 // must agree with the contributor's batch.Config.MaxInput*MaxEntries

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		raw, err := ep.Pend(ctx, 100*time.Millisecond)
		if err != nil {
			continue
		}
		imm := transport.Decode(uint32(raw))
		off := int(imm.Idx) * slotSize
		if off < 0 || off+slotSize > len(region) {
			log.Error("immediate idx out of range", zap.Uint32("idx", imm.Idx))
			continue
		}
		now := time.Now()
		for buf := region[off : off+slotSize]; ; {
			frag, err := fragment.Unmarshal(buf)
			if err != nil || frag.PulseID == 0 {
				break
			}
			if err := engine.Process(&frag, now); err != nil {
				return err
			}
			if frag.EOL {
				break
			}
			buf = buf[frag.Size():]
		}
	}
}

func expireLoop(ctx context.Context, engine *eventbuilder.Engine, tmo time.Duration) error {
	if tmo <= 0 {
		tmo = time.Second
	}
	t := time.NewTicker(tmo / 4)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-t.C:
			engine.Expired(now)
		}
	}
}

type loggingSink struct {
	log   *zap.Logger
	table *contract.Table
}

func (s *loggingSink) OnEvent(ev *eventbuilder.Event) {
	s.log.Debug("event complete",
		zap.Uint64("pulseId", uint64(ev.PulseID)),
		zap.Int("fragments", len(ev.Fragments())),
		zap.Uint16("damage", uint16(ev.Damage)),
	)
}

func (s *loggingSink) Fixup(ev *eventbuilder.Event, src uint8) {
	s.log.Warn("fixup",
		zap.Uint64("pulseId", uint64(ev.PulseID)),
		zap.Uint8("missingSrc", src),
	)
}

func (s *loggingSink) Contract(frag *fragment.Fragment) contract.Set {
	return s.table.Resolve(frag.ReadoutGroups)
}
