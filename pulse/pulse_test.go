package pulse

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskSplitsEpochAndEventKeys(t *testing.T) {
	m := NewMask(2) // 4 entries per epoch
	assert.EqualValues(t, 4, m.Entries)
	assert.EqualValues(t, 3, m.Bits)

	assert.EqualValues(t, 0, m.EpochKey(ID(3)))
	assert.EqualValues(t, 3, m.EventKey(ID(3)))
	assert.EqualValues(t, 4, m.EpochKey(ID(5)))
	assert.EqualValues(t, 1, m.EventKey(ID(5)))
}

func TestLessIsStrictOrdering(t *testing.T) {
	assert.True(t, Less(1, 2))
	assert.False(t, Less(2, 2))
	assert.False(t, Less(3, 2))
}
