package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestEngineCollectorReportsSnapshot(t *testing.T) {
	snap := EngineSnapshot{
		EpochAllocCnt: 10,
		EventAllocCnt: 20,
		EventOccCnt:   3,
		TimeoutCnt:    1,
		FixupCnt:      2,
		EventAge:      1500 * time.Millisecond,
	}
	snap.FixupBySrc[5] = 2

	c := NewEngineCollector(prometheus.Labels{"node": "teb0"}, func() EngineSnapshot { return snap })

	const want = `
# HELP ebcore_eb_event_occupancy events currently in flight
# TYPE ebcore_eb_event_occupancy gauge
ebcore_eb_event_occupancy{node="teb0"} 3
`
	err := testutil.CollectAndCompare(c, strings.NewReader(want), "ebcore_eb_event_occupancy")
	require.NoError(t, err)

	const wantAge = `
# HELP ebcore_eb_event_age_seconds age of the oldest in-flight event
# TYPE ebcore_eb_event_age_seconds gauge
ebcore_eb_event_age_seconds{node="teb0"} 1.5
`
	err = testutil.CollectAndCompare(c, strings.NewReader(wantAge), "ebcore_eb_event_age_seconds")
	require.NoError(t, err)

	const wantFixupBySrc = `
# HELP ebcore_eb_fixup_by_src_total fixups attributed to a given contributor
# TYPE ebcore_eb_fixup_by_src_total counter
ebcore_eb_fixup_by_src_total{node="teb0",src="5"} 2
`
	err = testutil.CollectAndCompare(c, strings.NewReader(wantFixupBySrc), "ebcore_eb_fixup_by_src_total")
	require.NoError(t, err)
}

func TestEngineCollectorRegistersCleanly(t *testing.T) {
	c := NewEngineCollector(prometheus.Labels{"node": "teb0"}, func() EngineSnapshot { return EngineSnapshot{} })
	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(c))
}
