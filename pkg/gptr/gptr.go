// Package gptr implements DART's global pointer: a wire-stable handle
// identifying one byte anywhere in the partitioned global address space.
package gptr

import "fmt"

const (
	SegmentLocal = 0 // the process-local implicit segment
)

// Well-known sentinels.
const (
	UndefinedUnitID int32  = -1
	TeamAll         uint16 = 0
	TeamNull        uint16 = 0xFFFF
)

// GPtr is a value type: it is copied freely. Ownership of the backing
// memory belongs exclusively to the segment table entry it was derived
// from — a GPtr is a handle, not a smart pointer.
//
// Wire layout (little-endian field packing):
//
//	 0        4  5       7   9        16
//	| unit_id | flags | segid | teamid | reserved(56) | offset_or_addr(64) |
type GPtr struct {
	UnitID  int32
	Flags   uint8
	SegID   int16
	TeamID  uint16
	Offset  uint64
}

// Null is the zero-valued global pointer: all fields zero, distinguishable
// from every valid pointer since segid 0 + offset 0 + unit 0 is only ever
// the bootstrap segment's base address on unit 0, never "no pointer" for
// any other field combination the runtime hands out.
var Null GPtr

// IsNull reports whether p has every field zero.
func (p GPtr) IsNull() bool {
	return p == Null
}

// IsLocalSegment reports whether p refers to the process-global bootstrap
// segment installed at initialization (segid == 0).
func (p GPtr) IsLocalSegment() bool {
	return p.SegID == SegmentLocal
}

// WithOffset returns a copy of p with a different byte offset.
func (p GPtr) WithOffset(off uint64) GPtr {
	p.Offset = off
	return p
}

// WithUnit returns a copy of p bound to a different unit within the same
// team and segment, used when translating a segment-relative pointer
// across the per-unit displacement vector.
func (p GPtr) WithUnit(unit int32) GPtr {
	p.UnitID = unit
	return p
}

func (p GPtr) String() string {
	return fmt.Sprintf("gptr{unit:%d team:%d seg:%d off:%#x flags:%#x}",
		p.UnitID, p.TeamID, p.SegID, p.Offset, p.Flags)
}

// WireSize is the on-the-wire byte size: a 16-byte header (32-bit unit,
// 8-bit flags, 16-bit segid, 16-bit teamid and a 56-bit reserved gap)
// followed by the 64-bit offset. 24 bytes total.
const WireSize = 24

// Encode packs p into its wire representation.
func Encode(p GPtr) [WireSize]byte {
	var b [WireSize]byte
	putU32(b[0:4], uint32(p.UnitID))
	b[4] = p.Flags
	putU16(b[5:7], uint16(p.SegID))
	putU16(b[7:9], p.TeamID)
	// bytes 9..15 reserved (56 bits), left zero
	putU64(b[16:24], p.Offset)
	return b
}

// Decode unpacks the wire representation into a GPtr.
func Decode(b [WireSize]byte) GPtr {
	return GPtr{
		UnitID: int32(getU32(b[0:4])),
		Flags:  b[4],
		SegID:  int16(getU16(b[5:7])),
		TeamID: getU16(b[7:9]),
		Offset: getU64(b[16:24]),
	}
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func getU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func putU16(b []byte, v uint16) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
}

func getU16(b []byte) uint16 {
	return uint16(b[0]) | uint16(b[1])<<8
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func getU64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}
