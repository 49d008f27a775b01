package dtype

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBasicTypesPreregistered(t *testing.T) {
	r := NewRegistry()

	for _, bt := range basicTypes {
		d := r.Basic(bt.name)
		require.NotNil(t, d, "basic type %s should be pre-registered", bt.name)
		assert.Equal(t, bt.size, d.ElemSize)
		assert.Equal(t, int64(1), d.Elements())
		assert.False(t, d.IsComposite())
	}

	assert.Nil(t, r.Basic("NOSUCHTYPE"))
}

func TestBasicTypesRefuseDestruction(t *testing.T) {
	r := NewRegistry()
	d := r.Basic("INT")
	require.NotNil(t, d)

	err := r.Destroy(d)
	assert.Error(t, err)
}

func TestChunkTypeCachedAndContiguous(t *testing.T) {
	r := NewRegistry()
	d := r.Basic("DOUBLE")
	require.NotNil(t, d)

	c1 := d.ChunkType()
	c2 := d.ChunkType()
	require.NotNil(t, c1)
	assert.Same(t, c1, c2, "chunk descriptor must be memoized")
	assert.Equal(t, Contiguous, c1.Kind)
	assert.Equal(t, int64(MaxChunkElements), c1.Elements())
	assert.Equal(t, d.ElemSize, c1.ElemSize)
}

func TestChunkTypeOnlyForBasic(t *testing.T) {
	r := NewRegistry()
	base := r.Basic("INT")
	require.NotNil(t, base)

	strided, err := r.NewStrided(base, 16, 4)
	require.NoError(t, err)
	assert.Nil(t, strided.ChunkType())
}

func TestNewStridedRequiresBasicBase(t *testing.T) {
	r := NewRegistry()
	base := r.Basic("INT")
	require.NotNil(t, base)

	strided, err := r.NewStrided(base, 8, 2)
	require.NoError(t, err)
	assert.True(t, strided.IsComposite())
	assert.Equal(t, int64(8), strided.Stride)
	assert.Equal(t, int64(2), strided.BlockLen)

	_, err = r.NewStrided(strided, 8, 2)
	assert.Error(t, err, "composite types cannot themselves be a strided base")
}

func TestNewIndexedValidatesLengthsAndSumsElements(t *testing.T) {
	r := NewRegistry()
	base := r.Basic("BYTE")
	require.NotNil(t, base)

	_, err := r.NewIndexed(base, []int64{1, 2}, []int64{0})
	assert.Error(t, err)

	idx, err := r.NewIndexed(base, []int64{4, 8, 2}, []int64{0, 16, 32})
	require.NoError(t, err)
	assert.Equal(t, int64(14), idx.Elements())
	assert.True(t, idx.IsComposite())
}

func TestNewCustomAndDestroy(t *testing.T) {
	r := NewRegistry()
	d := r.NewCustom(256)
	assert.Equal(t, Contiguous, d.Kind)
	assert.Equal(t, int64(256), d.Elements())

	require.NoError(t, r.Destroy(d))
	assert.Nil(t, r.Lookup(d.Handle))

	err := r.Destroy(d)
	assert.Error(t, err, "double-destroy must fail")
}

func TestLookupReturnsRegisteredDescriptor(t *testing.T) {
	r := NewRegistry()
	base := r.Basic("FLOAT")
	require.NotNil(t, base)

	got := r.Lookup(base.Handle)
	require.NotNil(t, got)
	assert.Equal(t, base.Name, got.Name)
}
