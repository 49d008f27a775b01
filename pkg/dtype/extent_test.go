package dtype

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtentsContiguous(t *testing.T) {
	r := NewRegistry()
	d := r.Basic("INT")

	exts, err := d.Extents(5)
	require.NoError(t, err)
	require.Len(t, exts, 1)
	assert.Equal(t, Extent{Offset: 0, Len: 20}, exts[0])

	exts, err = d.Extents(0)
	require.NoError(t, err)
	assert.Empty(t, exts)

	_, err = d.Extents(-1)
	assert.Error(t, err)
}

func TestExtentsStrided(t *testing.T) {
	r := NewRegistry()
	base := r.Basic("INT")
	strided, err := r.NewStrided(base, 4, 2)
	require.NoError(t, err)

	// Six elements in blocks of two, stride four: three blocks.
	exts, err := strided.Extents(6)
	require.NoError(t, err)
	require.Len(t, exts, 3)
	assert.Equal(t, Extent{Offset: 0, Len: 8}, exts[0])
	assert.Equal(t, Extent{Offset: 16, Len: 8}, exts[1])
	assert.Equal(t, Extent{Offset: 32, Len: 8}, exts[2])

	// The block count is determined per transfer and must divide.
	_, err = strided.Extents(5)
	assert.Error(t, err)
}

func TestExtentsIndexed(t *testing.T) {
	r := NewRegistry()
	base := r.Basic("SHORT")
	idx, err := r.NewIndexed(base, []int64{2, 0, 3}, []int64{0, 4, 8})
	require.NoError(t, err)

	exts, err := idx.Extents(5)
	require.NoError(t, err)
	// Zero-length blocks are dropped.
	require.Len(t, exts, 2)
	assert.Equal(t, Extent{Offset: 0, Len: 4}, exts[0])
	assert.Equal(t, Extent{Offset: 16, Len: 6}, exts[1])

	// The transfer count must match the type's element total.
	_, err = idx.Extents(4)
	assert.Error(t, err)
}
