package eventbuilder

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slaclab/ebcore/contract"
	"github.com/slaclab/ebcore/fragment"
	"github.com/slaclab/ebcore/pulse"
)

// The literal end-to-end scenarios from spec.md 8 (S1-S3), reproduced with
// their exact pulseIds, contributor sets and contracts rather than the
// smaller synthetic values the unit tests in engine_test.go use.

func TestScenarioS1CleanEvent(t *testing.T) {
	e, sink := newTestEngine(t, 8, 4, time.Second)
	now := time.Now()

	require.NoError(t, e.Process(frag(0x100, 0), now))
	require.NoError(t, e.Process(frag(0x100, 2), now))
	require.NoError(t, e.Process(frag(0x100, 1), now))

	require.Len(t, sink.events, 1)
	assert.Equal(t, pulse.ID(0x100), sink.events[0].PulseID)
	assert.Equal(t, fragment.DamageNone, sink.events[0].Damage)
	assert.Zero(t, sink.events[0].Remaining)
}

func TestScenarioS2Fixup(t *testing.T) {
	e, sink := newTestEngine(t, 8, 4, time.Millisecond)
	t0 := time.Now()

	require.NoError(t, e.Process(frag(0x100, 0), t0))
	require.NoError(t, e.Process(frag(0x100, 2), t0))

	e.Expired(t0.Add(time.Millisecond + time.Millisecond))

	require.Len(t, sink.events, 1)
	assert.NotZero(t, sink.events[0].Damage&fragment.DroppedContribution)
	assert.Zero(t, sink.events[0].Remaining, "Remaining is cleared before OnEvent fires")
	assert.Equal(t, uint64(contract.Set(0).With(1)), e.Snapshot().Missing)
}

func TestScenarioS3OutOfOrder(t *testing.T) {
	table := contract.NewTable([]contract.Set{0: contract.Set(0).With(0).With(1)})
	sink := &recordingSink{table: table}
	// Epochs sized so 0x100 and 0x200 land in distinct LUT buckets while
	// both are still live and incomplete; too small a pool would report a
	// spurious collision between two genuinely different epoch keys.
	e, err := NewEngine(Config{Epochs: 1024, Entries: 16, EventTimeout: time.Second, Sink: sink})
	require.NoError(t, err)
	now := time.Now()

	frags := []*fragment.Fragment{
		frag(0x200, 0), frag(0x100, 0), frag(0x200, 1), frag(0x100, 1),
	}
	for _, f := range frags {
		require.NoError(t, e.Process(f, now))
	}

	require.Len(t, sink.events, 2)
	assert.Equal(t, pulse.ID(0x100), sink.events[0].PulseID)
	assert.Equal(t, pulse.ID(0x200), sink.events[1].PulseID)
	assert.Zero(t, sink.events[0].Remaining)
	assert.Zero(t, sink.events[1].Remaining)
}
