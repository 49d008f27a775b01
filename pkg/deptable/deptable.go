// Package deptable implements the growable multi-level hash table that
// tracks data dependencies between tasks. Keys are global pointers;
// each terminal bucket chains dependency entries newest-first under its
// own mutex, and a bucket whose chain would mix distinct keys is
// promoted into a child table. Entries come from a process-wide
// lock-free free list.
package deptable

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/OneOfOne/xxhash"

	"github.com/dash-project/dartrt/pkg/gptr"
	"github.com/dash-project/dartrt/pkg/metrics"
)

// Kind classifies a dependency.
type Kind int

const (
	In Kind = iota
	Out
	InOut
	// Direct is an explicit edge installed by the remote-dependency
	// protocol rather than derived from key matching.
	Direct
)

func (k Kind) String() string {
	switch k {
	case In:
		return "in"
	case Out:
		return "out"
	case InOut:
		return "inout"
	case Direct:
		return "direct"
	default:
		return "unknown"
	}
}

// IsWrite reports whether the kind serializes later accesses.
func (k Kind) IsWrite() bool { return k == Out || k == InOut }

// MaxLevels caps table nesting: a collision at the deepest level
// chains instead of promoting.
const MaxLevels = 4

// DefaultRootSize is the bucket count of a freshly created root table.
const DefaultRootSize = 127

// Entry is one dependency record. It lives on two intrusive lists at
// once: its terminal bucket's chain and its owning task's list of
// dependencies, and returns to the free list when the owner completes.
type Entry struct {
	Key    gptr.GPtr
	Kind   Kind
	Task   interface{} // opaque task reference, linked by the task layer
	Origin int32

	prev, next *Entry // bucket chain
	bucket     *bucket

	// NextOwned threads the owning task's dependency list.
	NextOwned *Entry

	freeNext *Entry
}

// Table is one level of the hash.
type Table struct {
	level   int
	buckets []bucket
}

type bucket struct {
	mu   sync.Mutex
	head *Entry
	sub  atomic.Pointer[Table]
}

// New creates a root table with the default bucket count. Levels count
// from 1 at the root.
func New() *Table {
	return newTable(DefaultRootSize, 1)
}

func newTable(size, level int) *Table {
	return &Table{level: level, buckets: make([]bucket, size)}
}

// subSize grows each level by the empirical factor of one-and-a-half
// minus one over its parent.
func subSize(parent int) int {
	return ((parent+1)*3)/2 - 1
}

func hashKey(key gptr.GPtr) uint64 {
	mixed := (key.Offset >> 2) ^ (uint64(uint32(key.UnitID)) << 32)
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], mixed)
	return xxhash.Checksum64(b[:])
}

// Insert links a new entry at the front of its terminal bucket and
// scans the older entries, newest first, for the predecessors the new
// task must wait for. A read orders behind the first write (OUT/INOUT)
// on the same key; reads between writers need no ordering among
// themselves. A write additionally orders behind every intervening
// read on the key — skipping them would let the writer overtake
// readers of the previous value — so the scan collects each matching
// read until it reaches the first write, which ends the scan either
// way. Returns the new entry and the predecessor entries, empty when
// the new task has nothing to wait for.
//
// The terminal bucket's mutex covers the chain scan as well as the
// link, so a concurrent inserter cannot slip a write between the scan
// and the publication of the new entry.
func (t *Table) Insert(key gptr.GPtr, kind Kind, task interface{}, origin int32) (*Entry, []*Entry) {
	h := hashKey(key)
	ent := getEntry()
	ent.Key = key
	ent.Kind = kind
	ent.Task = task
	ent.Origin = origin

	tbl := t
	for {
		b := &tbl.buckets[h%uint64(len(tbl.buckets))]
		if sub := b.sub.Load(); sub != nil {
			tbl = sub
			continue
		}
		b.mu.Lock()
		if sub := b.sub.Load(); sub != nil {
			b.mu.Unlock()
			tbl = sub
			continue
		}
		// A chain holding a different key promotes this bucket into a
		// child table, unless nesting is already at the cap.
		if tbl.level < MaxLevels && chainHasOtherKey(b.head, key) {
			sub := newTable(subSize(len(tbl.buckets)), tbl.level+1)
			for e := b.head; e != nil; {
				next := e.next
				sub.relink(e)
				e = next
			}
			b.head = nil
			b.sub.Store(sub)
			b.mu.Unlock()
			metrics.DepTablePromotionsTotal.Inc()
			tbl = sub
			continue
		}

		var preds []*Entry
		for e := b.head; e != nil; e = e.next {
			if e.Key != key {
				continue
			}
			if e.Kind.IsWrite() {
				preds = append(preds, e)
				break
			}
			if kind.IsWrite() {
				preds = append(preds, e)
			}
		}
		ent.bucket = b
		ent.next = b.head
		if b.head != nil {
			b.head.prev = ent
		}
		b.head = ent
		b.mu.Unlock()
		metrics.DepEntriesLive.Inc()
		return ent, preds
	}
}

func chainHasOtherKey(head *Entry, key gptr.GPtr) bool {
	for e := head; e != nil; e = e.next {
		if e.Key != key {
			return true
		}
	}
	return false
}

// relink rehashes an entry into this table during promotion. The
// parent bucket's lock is held and the table is not yet published, so
// no bucket locks are needed here.
func (t *Table) relink(e *Entry) {
	h := hashKey(e.Key)
	b := &t.buckets[h%uint64(len(t.buckets))]
	e.bucket = b
	e.prev = nil
	e.next = b.head
	if b.head != nil {
		b.head.prev = e
	}
	b.head = e
}

// LatestWriter returns the newest OUT/INOUT entry on key, or nil. Used
// by the remote-dependency handler to find the local task a remote
// reader must wait for.
func (t *Table) LatestWriter(key gptr.GPtr) *Entry {
	h := hashKey(key)
	tbl := t
	for {
		b := &tbl.buckets[h%uint64(len(tbl.buckets))]
		if sub := b.sub.Load(); sub != nil {
			tbl = sub
			continue
		}
		b.mu.Lock()
		if sub := b.sub.Load(); sub != nil {
			b.mu.Unlock()
			tbl = sub
			continue
		}
		for e := b.head; e != nil; e = e.next {
			if e.Key == key && e.Kind.IsWrite() {
				b.mu.Unlock()
				return e
			}
		}
		b.mu.Unlock()
		return nil
	}
}

// Remove unlinks an entry from its terminal bucket. The entry is not
// recycled; Release returns it to the free list once the owner is done
// with its fields.
func (t *Table) Remove(e *Entry) {
	// A concurrent promotion can relocate the entry; lock, then verify
	// the bucket is still the one the entry lives in.
	var b *bucket
	for {
		b = e.bucket
		if b == nil {
			return
		}
		b.mu.Lock()
		if e.bucket == b {
			break
		}
		b.mu.Unlock()
	}
	if e.prev != nil {
		e.prev.next = e.next
	} else if b.head == e {
		b.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	}
	b.mu.Unlock()
	e.prev, e.next, e.bucket = nil, nil, nil
	metrics.DepEntriesLive.Dec()
}

// Levels reports the level (1 at the root) of the table whose bucket
// holds key, mostly for tests and diagnostics.
func (t *Table) Levels(key gptr.GPtr) int {
	h := hashKey(key)
	tbl := t
	for {
		b := &tbl.buckets[h%uint64(len(tbl.buckets))]
		if sub := b.sub.Load(); sub != nil {
			tbl = sub
			continue
		}
		return tbl.level
	}
}

// Free list: a Treiber stack of recycled entries. The garbage collector
// makes the classic ABA reclamation hazard moot, so a bare
// compare-and-swap on the head suffices without a generation counter.
var freeHead atomic.Pointer[Entry]

func getEntry() *Entry {
	for {
		head := freeHead.Load()
		if head == nil {
			return new(Entry)
		}
		if freeHead.CompareAndSwap(head, head.freeNext) {
			*head = Entry{}
			return head
		}
	}
}

// Release returns an entry to the free list. The caller must have
// removed it from its bucket first.
func Release(e *Entry) {
	e.Task = nil
	e.NextOwned = nil
	for {
		head := freeHead.Load()
		e.freeNext = head
		if freeHead.CompareAndSwap(head, e) {
			return
		}
	}
}
