package deptable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dash-project/dartrt/pkg/gptr"
)

func key(unit int32, off uint64) gptr.GPtr {
	return gptr.GPtr{UnitID: unit, SegID: 1, TeamID: 0, Offset: off}
}

func predTasks(preds []*Entry) []interface{} {
	out := make([]interface{}, 0, len(preds))
	for _, p := range preds {
		out = append(out, p.Task)
	}
	return out
}

func TestInsertOrdersReadsAndWrites(t *testing.T) {
	tab := New()
	k := key(0, 64)

	_, preds := tab.Insert(k, Out, "writer1", 0)
	assert.Empty(t, preds)

	// A read after a write orders behind it.
	_, preds = tab.Insert(k, In, "reader1", 0)
	assert.Equal(t, []interface{}{"writer1"}, predTasks(preds))

	// A second read needs no edge to the first read, still the writer.
	_, preds = tab.Insert(k, In, "reader2", 0)
	assert.Equal(t, []interface{}{"writer1"}, predTasks(preds))

	// A write after reads orders behind every intervening reader,
	// newest first, and the prior writer that ends the scan.
	_, preds = tab.Insert(k, Out, "writer2", 0)
	assert.Equal(t, []interface{}{"reader2", "reader1", "writer1"}, predTasks(preds))

	// Reads after the second write see only the second write.
	_, preds = tab.Insert(k, In, "reader3", 0)
	assert.Equal(t, []interface{}{"writer2"}, predTasks(preds))
}

func TestInOutSerializes(t *testing.T) {
	tab := New()
	k := key(2, 128)
	_, preds := tab.Insert(k, InOut, "a", 0)
	assert.Empty(t, preds)
	_, preds = tab.Insert(k, InOut, "b", 0)
	assert.Equal(t, []interface{}{"a"}, predTasks(preds))
}

func TestReadsOnlyNoEdges(t *testing.T) {
	tab := New()
	k := key(1, 8)
	for i := 0; i < 5; i++ {
		_, preds := tab.Insert(k, In, i, 0)
		assert.Empty(t, preds)
	}
}

func TestWriteAfterReadsOnly(t *testing.T) {
	tab := New()
	k := key(1, 16)
	tab.Insert(k, In, "r1", 0)
	tab.Insert(k, In, "r2", 0)
	// No prior writer: the write still waits for both readers.
	_, preds := tab.Insert(k, Out, "w", 0)
	assert.Equal(t, []interface{}{"r2", "r1"}, predTasks(preds))
}

func TestDifferentKeysIndependent(t *testing.T) {
	tab := New()
	_, preds := tab.Insert(key(0, 0), Out, "w0", 0)
	assert.Empty(t, preds)
	_, preds = tab.Insert(key(0, 4096), Out, "w1", 0)
	assert.Empty(t, preds)
	_, preds = tab.Insert(key(0, 4096), In, "r1", 0)
	assert.Equal(t, []interface{}{"w1"}, predTasks(preds))
}

// A single colliding key promotes the bucket one level.
func TestPromotionOnDistinctKeyCollision(t *testing.T) {
	tab := New()
	base := key(0, 0)
	tab.Insert(base, Out, "base", 0)
	require.Equal(t, 1, tab.Levels(base))

	// Search for an offset whose hash shares base's root bucket but
	// diverges below, so exactly one promotion happens.
	rootSize := uint64(DefaultRootSize)
	subSz := uint64(subSize(DefaultRootSize))
	hb := hashKey(base)
	var collider gptr.GPtr
	for off := uint64(1); ; off++ {
		k := key(0, off*4)
		h := hashKey(k)
		if h%rootSize == hb%rootSize && h%subSz != hb%subSz {
			collider = k
			break
		}
	}
	tab.Insert(collider, Out, "collider", 0)
	assert.Equal(t, 2, tab.Levels(base))
	assert.Equal(t, 2, tab.Levels(collider))

	// Same-key traffic never promotes.
	tab.Insert(base, In, "reader", 0)
	assert.Equal(t, 2, tab.Levels(base))
}

// Distinct keys with identical hashes (offsets differing only in the
// low two bits) cascade promotions down to the level cap, where the
// bucket chains instead.
func TestPromotionSuppressedAtCap(t *testing.T) {
	tab := New()
	a, b, c := key(0, 0), key(0, 1), key(0, 2)
	tab.Insert(a, Out, "a", 0)
	require.Equal(t, 1, tab.Levels(a))

	tab.Insert(b, Out, "b", 0)
	assert.Equal(t, MaxLevels, tab.Levels(a))
	assert.Equal(t, MaxLevels, tab.Levels(b))

	tab.Insert(c, Out, "c", 0)
	assert.Equal(t, MaxLevels, tab.Levels(c))

	// All three keys stay reachable from the shared terminal chain.
	for _, tc := range []struct {
		k    gptr.GPtr
		task interface{}
	}{{a, "a"}, {b, "b"}, {c, "c"}} {
		ent := tab.LatestWriter(tc.k)
		require.NotNil(t, ent)
		assert.Equal(t, tc.task, ent.Task)
	}
}

func TestRemoveAndRecycle(t *testing.T) {
	tab := New()
	k := key(3, 16)
	ent, _ := tab.Insert(k, Out, "w", 0)
	_, preds := tab.Insert(k, In, "r", 0)
	require.Len(t, preds, 1)

	tab.Remove(ent)
	Release(ent)

	// With the writer gone, a new reader has no predecessor.
	_, preds = tab.Insert(k, In, "r2", 0)
	assert.Empty(t, preds)

	// The free list hands the released entry back.
	reused, _ := tab.Insert(key(3, 999), Out, "again", 0)
	assert.Same(t, ent, reused)
}

func TestLatestWriter(t *testing.T) {
	tab := New()
	k := key(0, 256)
	assert.Nil(t, tab.LatestWriter(k))
	tab.Insert(k, In, "r", 0)
	assert.Nil(t, tab.LatestWriter(k))
	tab.Insert(k, Out, "w1", 0)
	tab.Insert(k, Out, "w2", 0)
	ent := tab.LatestWriter(k)
	require.NotNil(t, ent)
	assert.Equal(t, "w2", ent.Task)
}
