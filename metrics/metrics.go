// Package metrics exposes the counters named in spec.md 7/9 as
// prometheus collectors, the way ghjramos-aistore, DataDog-datadog-agent,
// and the otel-arrow collector's exporters all report operational
// counters. Registration into an HTTP endpoint is orchestration and
// stays out of scope (spec.md 1); this package only builds the
// collectors and lets the caller register them with whatever registry
// its process already runs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EngineSnapshotter is satisfied by any type whose Snapshot returns an
// EngineSnapshot. *eventbuilder.Engine does not satisfy it (its Snapshot
// returns eventbuilder.Snapshot); it is adapted through the snap function
// passed to NewEngineCollector instead.
type EngineSnapshotter interface {
	Snapshot() EngineSnapshot
}

// EngineSnapshot mirrors eventbuilder.Snapshot without importing the
// eventbuilder package.
type EngineSnapshot struct {
	EpochAllocCnt, EpochFreeCnt   uint64
	EventAllocCnt, EventFreeCnt   uint64
	EventOccCnt, EventPoolDepth   uint64
	TimeoutCnt, FixupCnt          uint64
	LateArrival, Missing          uint64
	EventAge                     time.Duration
	FixupBySrc, ArrivalBySrc     [64]uint64
}

// EngineCollector adapts an engine's Snapshot into prometheus metrics,
// mirroring the EB_* metrics registered by EbAppBase in the original
// (EB_EvAlCt, EB_EvFrCt, EB_EvOcCt, EB_ToEvCt, EB_FxUpCt, EB_CbMsMk,
// EB_EvAge, EB_FxUpSc).
type EngineCollector struct {
	snap func() EngineSnapshot

	epochAlloc, epochFree *prometheus.Desc
	eventAlloc, eventFree *prometheus.Desc
	eventOcc, poolDepth   *prometheus.Desc
	timeoutCnt, fixupCnt  *prometheus.Desc
	lateArrival, missing  *prometheus.Desc
	eventAge              *prometheus.Desc
	fixupBySrc             *prometheus.Desc
}

// NewEngineCollector builds a collector that calls snap() on every scrape.
func NewEngineCollector(labels prometheus.Labels, snap func() EngineSnapshot) *EngineCollector {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("ebcore_"+name, help, nil, labels)
	}
	descVec := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("ebcore_"+name, help, []string{"src"}, labels)
	}
	return &EngineCollector{
		snap:        snap,
		epochAlloc:  desc("eb_epoch_alloc_total", "epochs allocated from the pool"),
		epochFree:   desc("eb_epoch_free_total", "epochs returned to the pool"),
		eventAlloc:  desc("eb_event_alloc_total", "events allocated from the pool"),
		eventFree:   desc("eb_event_free_total", "events returned to the pool"),
		eventOcc:    desc("eb_event_occupancy", "events currently in flight"),
		poolDepth:   desc("eb_event_pool_depth", "configured event pool depth"),
		timeoutCnt:  desc("eb_timeout_total", "events timed out"),
		fixupCnt:    desc("eb_fixup_total", "events fixed up"),
		lateArrival: desc("eb_late_arrival_total", "fragments dropped as late"),
		missing:     desc("eb_missing_bitmap", "contributor bitmap missing from the last fixup"),
		eventAge:    desc("eb_event_age_seconds", "age of the oldest in-flight event"),
		fixupBySrc:  descVec("eb_fixup_by_src_total", "fixups attributed to a given contributor"),
	}
}

func (c *EngineCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.epochAlloc
	ch <- c.epochFree
	ch <- c.eventAlloc
	ch <- c.eventFree
	ch <- c.eventOcc
	ch <- c.poolDepth
	ch <- c.timeoutCnt
	ch <- c.fixupCnt
	ch <- c.lateArrival
	ch <- c.missing
	ch <- c.eventAge
	ch <- c.fixupBySrc
}

func (c *EngineCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.snap()
	ch <- prometheus.MustNewConstMetric(c.epochAlloc, prometheus.CounterValue, float64(s.EpochAllocCnt))
	ch <- prometheus.MustNewConstMetric(c.epochFree, prometheus.CounterValue, float64(s.EpochFreeCnt))
	ch <- prometheus.MustNewConstMetric(c.eventAlloc, prometheus.CounterValue, float64(s.EventAllocCnt))
	ch <- prometheus.MustNewConstMetric(c.eventFree, prometheus.CounterValue, float64(s.EventFreeCnt))
	ch <- prometheus.MustNewConstMetric(c.eventOcc, prometheus.GaugeValue, float64(s.EventOccCnt))
	ch <- prometheus.MustNewConstMetric(c.poolDepth, prometheus.GaugeValue, float64(s.EventPoolDepth))
	ch <- prometheus.MustNewConstMetric(c.timeoutCnt, prometheus.CounterValue, float64(s.TimeoutCnt))
	ch <- prometheus.MustNewConstMetric(c.fixupCnt, prometheus.CounterValue, float64(s.FixupCnt))
	ch <- prometheus.MustNewConstMetric(c.lateArrival, prometheus.CounterValue, float64(s.LateArrival))
	ch <- prometheus.MustNewConstMetric(c.missing, prometheus.GaugeValue, float64(s.Missing))
	ch <- prometheus.MustNewConstMetric(c.eventAge, prometheus.GaugeValue, s.EventAge.Seconds())
	for src, n := range s.FixupBySrc {
		if n == 0 {
			continue
		}
		ch <- prometheus.MustNewConstMetric(c.fixupBySrc, prometheus.CounterValue, float64(n), itoa(src))
	}
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var buf [8]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	return string(buf[pos:])
}
