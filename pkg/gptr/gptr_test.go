package gptr

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNullIsZeroAndDistinguishable(t *testing.T) {
	assert.True(t, Null.IsNull())

	nonNull := GPtr{UnitID: 0, SegID: 0, TeamID: 0, Offset: 1}
	assert.False(t, nonNull.IsNull())
}

func TestIsLocalSegment(t *testing.T) {
	p := GPtr{SegID: SegmentLocal, Offset: 0x1000}
	assert.True(t, p.IsLocalSegment())

	p.SegID = 3
	assert.False(t, p.IsLocalSegment())
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []GPtr{
		Null,
		{UnitID: 7, Flags: 0x42, SegID: 5, TeamID: 3, Offset: 0xdeadbeef},
		{UnitID: -1, Flags: 0, SegID: -2, TeamID: 0xFFFF, Offset: 0xFFFFFFFFFFFFFFFF},
	}

	for _, p := range tests {
		got := Decode(Encode(p))
		assert.Equal(t, p, got)
	}
}

func TestWithOffsetAndWithUnit(t *testing.T) {
	p := GPtr{UnitID: 1, SegID: 2, TeamID: 0, Offset: 10}

	p2 := p.WithOffset(20)
	assert.Equal(t, uint64(20), p2.Offset)
	assert.Equal(t, int32(1), p2.UnitID)

	p3 := p.WithUnit(9)
	assert.Equal(t, int32(9), p3.UnitID)
	assert.Equal(t, uint64(10), p3.Offset)
}
