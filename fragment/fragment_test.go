package fragment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slaclab/ebcore/pulse"
)

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	f := &Fragment{
		PulseID:       pulse.ID(1234),
		Service:       Configure,
		ReadoutGroups: 0x00F0,
		Src:           7,
		Control:       3,
		Env:           0xdeadbeef,
		EOL:           true,
		Damage:        DroppedContribution | DamageOutOfOrder,
		Payload:       []byte("hello"),
	}

	buf := make([]byte, f.Size())
	n, err := f.Marshal(buf)
	require.NoError(t, err)
	assert.Equal(t, f.Size(), n)

	got, err := Unmarshal(buf)
	require.NoError(t, err)
	assert.Equal(t, f.PulseID, got.PulseID)
	assert.Equal(t, f.Service, got.Service)
	assert.Equal(t, f.ReadoutGroups, got.ReadoutGroups)
	assert.Equal(t, f.Src, got.Src)
	assert.Equal(t, f.Control, got.Control)
	assert.Equal(t, f.Env, got.Env)
	assert.True(t, got.EOL)
	assert.Equal(t, f.Damage, got.Damage)
	assert.Equal(t, f.Payload, got.Payload[:len(f.Payload)])
}

func TestMarshalRejectsUndersizedBuffer(t *testing.T) {
	f := &Fragment{Payload: make([]byte, 10)}
	_, err := f.Marshal(make([]byte, headerSize))
	assert.Error(t, err)
}

func TestUnmarshalRejectsShortHeader(t *testing.T) {
	_, err := Unmarshal(make([]byte, headerSize-1))
	assert.Error(t, err)
}

func TestServiceForcesFlush(t *testing.T) {
	assert.False(t, L1Accept.ForcesFlush())
	assert.False(t, SlowUpdate.ForcesFlush())
	assert.True(t, Configure.ForcesFlush())
	assert.True(t, EndRun.ForcesFlush())
}

func TestServiceStringKnownAndUnknown(t *testing.T) {
	assert.Equal(t, "L1Accept", L1Accept.String())
	assert.Equal(t, "Unknown", Service(255).String())
}
