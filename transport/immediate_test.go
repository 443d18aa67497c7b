package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Immediate{
		{Kind: KindBuffer, Response: false, Src: 0, Idx: 0},
		{Kind: KindBuffer, Response: true, Src: 17, Idx: 12345},
		{Kind: KindTransition, Response: false, Src: 63, Idx: idxMask},
		{Kind: KindTransition, Response: true, Src: 1, Idx: 1},
	}
	for _, c := range cases {
		got := Decode(Encode(c))
		assert.Equal(t, c, got)
	}
}

func TestEncodeMasksOutOfRangeFields(t *testing.T) {
	// src wider than 6 bits and idx wider than idxBits must not bleed
	// into the kind/response bits.
	got := Decode(Encode(Immediate{Kind: KindBuffer, Src: 0xFF, Idx: 0xFFFFFFFF}))
	assert.Equal(t, KindBuffer, got.Kind)
	assert.False(t, got.Response)
	assert.EqualValues(t, 0xFF&srcMask, got.Src)
	assert.EqualValues(t, idxMask, got.Idx)
}
