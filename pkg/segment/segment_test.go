package segment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocAssignsIncreasingIDs(t *testing.T) {
	tab := NewTable(0)
	id1, err := tab.Alloc(64, 4, make([]byte, 64))
	require.NoError(t, err)
	id2, err := tab.Alloc(64, 4, make([]byte, 64))
	require.NoError(t, err)
	assert.Equal(t, int16(1), id1)
	assert.Equal(t, int16(2), id2)
}

func TestFreeListReuse(t *testing.T) {
	tab := NewTable(0)
	id1, err := tab.Alloc(64, 2, nil)
	require.NoError(t, err)
	_, err = tab.Alloc(64, 2, nil)
	require.NoError(t, err)
	require.NoError(t, tab.Free(id1))

	// The freed id comes back before the high-water counter advances.
	id3, err := tab.Alloc(32, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, id1, id3)
}

func TestNegativeIDs(t *testing.T) {
	tab := NewTable(3)
	id, err := tab.AllocLocal(128, make([]byte, 128))
	require.NoError(t, err)
	assert.Equal(t, int16(-1), id)

	id2, err := tab.AllocRegistered(256, 4, make([]byte, 256))
	require.NoError(t, err)
	assert.Equal(t, int16(-2), id2)

	require.NoError(t, tab.Free(id))
	id3, err := tab.AllocLocal(64, nil)
	require.NoError(t, err)
	assert.Equal(t, id, id3)
}

func TestGetInfo(t *testing.T) {
	tab := NewTable(7)
	id, err := tab.Alloc(1024, 4, make([]byte, 1024))
	require.NoError(t, err)

	info, err := tab.GetInfo(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(1024), info.Size)
	assert.Equal(t, 4, info.NumUnits)
	assert.Equal(t, uint16(7), info.TeamID)

	_, err = tab.GetInfo(99)
	assert.Error(t, err)
}

func TestFreeUnknown(t *testing.T) {
	tab := NewTable(0)
	assert.Error(t, tab.Free(5))
}

func TestDisplacement(t *testing.T) {
	tests := []struct {
		name string
		info *Info
		unit int
		want uint64
	}{
		{"uniform unit 0", &Info{Kind: Uniform, Size: 128}, 0, 0},
		{"uniform unit 3", &Info{Kind: Uniform, Size: 128}, 3, 384},
		{"nonuniform", &Info{Kind: NonUniform, Disp: []uint64{0, 100, 350}}, 2, 350},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.info.Displacement(tt.unit)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := (&Info{Kind: NonUniform, Disp: []uint64{0}}).Displacement(5)
	assert.Error(t, err)
}

func TestLocate(t *testing.T) {
	info := &Info{Kind: NonUniform, Size: 48, Disp: []uint64{0, 8, 24}}

	tests := []struct {
		name      string
		off, span uint64
		unit      int
		local     uint64
		wantErr   bool
	}{
		{"first share start", 0, 8, 0, 0, false},
		{"second share start", 8, 4, 1, 0, false},
		{"second share middle", 16, 8, 1, 8, false},
		{"last share", 24, 24, 2, 0, false},
		{"crosses share boundary", 4, 8, 0, 0, true},
		{"past segment end", 40, 16, 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			unit, local, err := info.Locate(tt.off, tt.span)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.unit, unit)
			assert.Equal(t, tt.local, local)
		})
	}

	_, _, err := (&Info{Kind: Uniform, Size: 64}).Locate(0, 8)
	assert.Error(t, err, "uniform segments carry no displacement vector")
}

func TestClear(t *testing.T) {
	tab := NewTable(0)
	_, err := tab.Alloc(8, 1, nil)
	require.NoError(t, err)
	_, err = tab.AllocLocal(8, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, tab.Clear())
	_, err = tab.GetInfo(1)
	assert.Error(t, err)
}

func TestBucketCollisions(t *testing.T) {
	tab := NewTable(0)
	// Walk well past the bucket count so chains collide.
	var ids []int16
	for i := 0; i < NumBuckets+30; i++ {
		id, err := tab.Alloc(8, 1, nil)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for _, id := range ids {
		info, err := tab.GetInfo(id)
		require.NoError(t, err)
		assert.Equal(t, id, info.SegID)
	}
}
