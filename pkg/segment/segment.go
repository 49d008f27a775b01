// Package segment implements the per-team segment table: the registry
// mapping a segment id to its local memory description and per-unit
// displacement information.
package segment

import (
	"fmt"
	"sync"

	"github.com/dash-project/dartrt/pkg/metrics"
)

// NumBuckets is the fixed closed-addressing bucket count; segment ids
// hash into one of these buckets, chaining on collision.
const NumBuckets = 256

// Kind distinguishes segments allocated with a uniform per-unit
// displacement (all units hold the same local size, single base
// pointer) from segments with an explicit per-unit displacement array.
type Kind int

const (
	// Uniform segments use Size to compute every unit's offset from a
	// single base pointer.
	Uniform Kind = iota
	// NonUniform segments carry one displacement per unit, e.g. from a
	// collective allocation where units contributed differing sizes.
	NonUniform
)

// Info is a segment table entry: everything the RMA layer needs to
// translate a (unit, segid, offset) triple into a local address or a
// remote-transport descriptor.
type Info struct {
	SegID    int16
	Kind     Kind
	Size     uint64   // Uniform: per-unit byte size
	Disp     []uint64 // NonUniform: per-unit displacement, len == team size
	NumUnits int
	TeamID   uint16
	Local    []byte // this unit's local backing storage, nil for non-participating segments
}

// Table is one team's segment table: a fixed bucket array plus two free
// lists, one for collectively-allocated (positive) segment ids and one
// for unit-local (negative) segment ids. Freed ids are reused before the
// high-water counters advance. Concurrent alloc/free callers serialize
// through the owning team.
type Table struct {
	TeamID  uint16
	buckets [NumBuckets][]*Info
	mu      sync.Mutex

	nextPos int16 // next positive (collective) segment id
	nextNeg int16 // next negative (unit-local) segment id

	freePos []int16
	freeNeg []int16
}

// NewTable creates an empty segment table for a team, with segid 0
// reserved for the implicit local/bootstrap segment.
func NewTable(teamID uint16) *Table {
	t := &Table{TeamID: teamID, nextPos: 1, nextNeg: -1}
	return t
}

func bucketFor(segID int16) int {
	u := uint16(segID)
	return int(u) % NumBuckets
}

// Alloc registers a new uniform segment and returns its segment id.
// local is nil for units that did not contribute local storage to a
// collective allocation with a zero local share.
func (t *Table) Alloc(size uint64, numUnits int, local []byte) (int16, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, err := t.takeID(true)
	if err != nil {
		return 0, err
	}
	info := &Info{SegID: id, Kind: Uniform, Size: size, NumUnits: numUnits, TeamID: t.TeamID, Local: local}
	t.insert(info)
	metrics.SegmentsAllocated.WithLabelValues("positive").Inc()
	metrics.SegmentsLive.WithLabelValues(fmt.Sprint(t.TeamID)).Inc()
	return id, nil
}

// AllocLocal registers a unit-local segment (negative segid), used for
// memory a single unit exposes without a collective call.
func (t *Table) AllocLocal(size uint64, local []byte) (int16, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, err := t.takeID(false)
	if err != nil {
		return 0, err
	}
	info := &Info{SegID: id, Kind: Uniform, Size: size, NumUnits: 1, TeamID: t.TeamID, Local: local}
	t.insert(info)
	metrics.SegmentsAllocated.WithLabelValues("negative").Inc()
	metrics.SegmentsLive.WithLabelValues(fmt.Sprint(t.TeamID)).Inc()
	return id, nil
}

// AllocRegistered records a user-owned segment (negative segid) shared
// by a whole team, the collective counterpart of AllocLocal.
func (t *Table) AllocRegistered(size uint64, numUnits int, local []byte) (int16, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, err := t.takeID(false)
	if err != nil {
		return 0, err
	}
	info := &Info{SegID: id, Kind: Uniform, Size: size, NumUnits: numUnits, TeamID: t.TeamID, Local: local}
	t.insert(info)
	metrics.SegmentsAllocated.WithLabelValues("negative").Inc()
	metrics.SegmentsLive.WithLabelValues(fmt.Sprint(t.TeamID)).Inc()
	return id, nil
}

// AllocNonUniform registers a segment whose units each contributed a
// different local size, recording the resulting per-unit displacement
// array. total is the byte size of the whole segment, the end of the
// last unit's share.
func (t *Table) AllocNonUniform(disp []uint64, total uint64, local []byte) (int16, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, err := t.takeID(true)
	if err != nil {
		return 0, err
	}
	info := &Info{
		SegID:    id,
		Kind:     NonUniform,
		Size:     total,
		Disp:     append([]uint64(nil), disp...),
		NumUnits: len(disp),
		TeamID:   t.TeamID,
		Local:    local,
	}
	t.insert(info)
	metrics.SegmentsAllocated.WithLabelValues("positive").Inc()
	metrics.SegmentsLive.WithLabelValues(fmt.Sprint(t.TeamID)).Inc()
	return id, nil
}

func (t *Table) takeID(positive bool) (int16, error) {
	if positive {
		if n := len(t.freePos); n > 0 {
			id := t.freePos[n-1]
			t.freePos = t.freePos[:n-1]
			return id, nil
		}
		if t.nextPos <= 0 {
			return 0, fmt.Errorf("segment: positive id space exhausted")
		}
		id := t.nextPos
		t.nextPos++
		return id, nil
	}
	if n := len(t.freeNeg); n > 0 {
		id := t.freeNeg[n-1]
		t.freeNeg = t.freeNeg[:n-1]
		return id, nil
	}
	if t.nextNeg >= 0 {
		return 0, fmt.Errorf("segment: negative id space exhausted")
	}
	id := t.nextNeg
	t.nextNeg--
	return id, nil
}

func (t *Table) insert(info *Info) {
	b := bucketFor(info.SegID)
	t.buckets[b] = append(t.buckets[b], info)
}

// GetInfo looks up a segment by id.
func (t *Table) GetInfo(segID int16) (*Info, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b := bucketFor(segID)
	for _, info := range t.buckets[b] {
		if info.SegID == segID {
			return info, nil
		}
	}
	return nil, fmt.Errorf("segment: id %d not found in team %d", segID, t.TeamID)
}

// Free releases a segment id back to its free list and drops its entry
// from the bucket.
func (t *Table) Free(segID int16) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	b := bucketFor(segID)
	bucket := t.buckets[b]
	for i, info := range bucket {
		if info.SegID == segID {
			t.buckets[b] = append(bucket[:i], bucket[i+1:]...)
			if segID > 0 {
				t.freePos = append(t.freePos, segID)
				metrics.SegmentsFreed.WithLabelValues("positive").Inc()
			} else {
				t.freeNeg = append(t.freeNeg, segID)
				metrics.SegmentsFreed.WithLabelValues("negative").Inc()
			}
			metrics.SegmentsLive.WithLabelValues(fmt.Sprint(t.TeamID)).Dec()
			return nil
		}
	}
	return fmt.Errorf("segment: id %d not found in team %d", segID, t.TeamID)
}

// Clear drops every entry, used at team shutdown. Freed ids are not
// returned to the free lists since the table dies with the team.
func (t *Table) Clear() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for b := range t.buckets {
		n += len(t.buckets[b])
		t.buckets[b] = nil
	}
	if n > 0 {
		metrics.SegmentsLive.WithLabelValues(fmt.Sprint(t.TeamID)).Set(0)
	}
	return n
}

// Locate translates a segment-global offset into the owning unit and
// the local offset within that unit's share, via the per-unit
// displacement vector. The whole span must lie within one unit's
// share; one-sided operations do not straddle units.
func (info *Info) Locate(off, span uint64) (int, uint64, error) {
	if info.Kind != NonUniform {
		return 0, 0, fmt.Errorf("segment: segment %d carries no displacement vector", info.SegID)
	}
	unit := -1
	for i := range info.Disp {
		if info.Disp[i] <= off {
			unit = i
		} else {
			break
		}
	}
	if unit < 0 || off+span > info.Size {
		return 0, 0, fmt.Errorf("segment: offset [%d,%d) outside segment %d of size %d",
			off, off+span, info.SegID, info.Size)
	}
	base, err := info.Displacement(unit)
	if err != nil {
		return 0, 0, err
	}
	end := info.Size
	if unit+1 < len(info.Disp) {
		end = info.Disp[unit+1]
	}
	if off+span > end {
		return 0, 0, fmt.Errorf("segment: access [%d,%d) crosses the share boundary of unit %d at %d",
			off, off+span, unit, end)
	}
	return unit, off - base, nil
}

// Displacement returns the byte offset of unit within the segment's base,
// for translating a segment-relative GPtr to a concrete address.
func (info *Info) Displacement(unit int) (uint64, error) {
	switch info.Kind {
	case Uniform:
		return uint64(unit) * info.Size, nil
	case NonUniform:
		if unit < 0 || unit >= len(info.Disp) {
			return 0, fmt.Errorf("segment: unit %d out of range for segment %d", unit, info.SegID)
		}
		return info.Disp[unit], nil
	default:
		return 0, fmt.Errorf("segment: unknown kind %d", info.Kind)
	}
}
