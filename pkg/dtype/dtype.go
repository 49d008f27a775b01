// Package dtype implements DART's data-type descriptor registry: basic
// types pre-registered at init, and composite (strided/indexed/custom)
// types constructed on demand.
package dtype

import (
	"fmt"
	"sync"
)

// Kind tags the descriptor variants. The set is closed, so a tagged
// union (Kind plus fields used only by that kind) is used instead of
// separate interface implementations.
type Kind int

const (
	Basic Kind = iota
	Contiguous
	Strided
	Indexed
)

// MaxChunkElements bounds a single transfer: more than this many elements
// of a type must be split into chunks by the caller.
const MaxChunkElements = 1<<31 - 1 // INT32_MAX

// Handle identifies a registered descriptor. Basic-type handles are
// assigned at Init and stay stable for the process lifetime.
type Handle int32

// Descriptor describes the shape of a transfer: a basic element type, or
// a composite built from one.
type Descriptor struct {
	Handle    Handle
	Kind      Kind
	Name      string
	ElemSize  int  // size in bytes of one base element
	NumElem   int64 // total element count (composite) or 1 (basic)
	destroyed bool

	// Strided
	Stride   int64
	BlockLen int64

	// Indexed
	BlockLens []int64
	Offsets   []int64

	// Custom/contiguous opaque block
	ByteCount int64

	// chunk is the cached "max-chunk" descriptor for basic types: a
	// contiguous block of MaxChunkElements of the base element,
	// constructed lazily and memoized.
	chunk     *Descriptor
	chunkOnce sync.Once
}

// IsComposite reports whether d was built by Strided/Indexed/Custom
// rather than being one of the pre-registered basic types.
func (d *Descriptor) IsComposite() bool {
	return d.Kind != Basic
}

// Elements returns the total element count this descriptor transfers.
func (d *Descriptor) Elements() int64 {
	if d.NumElem != 0 {
		return d.NumElem
	}
	return 1
}

// ChunkType returns the cached max-chunk descriptor used to split
// transfers larger than MaxChunkElements into a multiple of the chunk
// plus a remainder. Only valid for basic types.
func (d *Descriptor) ChunkType() *Descriptor {
	if d.Kind != Basic {
		return nil
	}
	d.chunkOnce.Do(func() {
		d.chunk = &Descriptor{
			Kind:     Contiguous,
			Name:     d.Name + "[chunk]",
			ElemSize: d.ElemSize,
			NumElem:  MaxChunkElements,
		}
	})
	return d.chunk
}

// Registry is the process-wide data-type descriptor table. One instance
// is created during dart.Init and torn down during dart.Exit.
type Registry struct {
	mu   sync.Mutex
	next Handle
	byID map[Handle]*Descriptor
}

// NewRegistry pre-registers the basic types.
func NewRegistry() *Registry {
	r := &Registry{byID: make(map[Handle]*Descriptor)}
	for _, bt := range basicTypes {
		r.register(&Descriptor{Kind: Basic, Name: bt.name, ElemSize: bt.size, NumElem: 1})
	}
	return r
}

type basicTypeSpec struct {
	name string
	size int
}

var basicTypes = []basicTypeSpec{
	{"BYTE", 1},
	{"SHORT", 2},
	{"INT", 4},
	{"UINT", 4},
	{"LONG", 8},
	{"ULONG", 8},
	{"LONGLONG", 8},
	{"ULONGLONG", 8},
	{"FLOAT", 4},
	{"DOUBLE", 8},
	{"LONGDOUBLE", 16},
}

func (r *Registry) register(d *Descriptor) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	d.Handle = r.next
	r.next++
	r.byID[d.Handle] = d
	return d.Handle
}

// Lookup returns the descriptor for h, or nil if unknown.
func (r *Registry) Lookup(h Handle) *Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byID[h]
}

// Basic returns the pre-registered descriptor for a basic type name
// (e.g. "INT", "DOUBLE"), or nil if the name is unknown.
func (r *Registry) Basic(name string) *Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.byID {
		if d.Kind == Basic && d.Name == name {
			return d
		}
	}
	return nil
}

// NewStrided constructs a vector of equally sized blocks separated by a
// fixed stride. The transport-native descriptor is built lazily per
// transfer since the block count depends on the transfer element count;
// this method only records the shape.
func (r *Registry) NewStrided(base *Descriptor, stride, blockLen int64) (*Descriptor, error) {
	if base == nil || base.Kind != Basic {
		return nil, fmt.Errorf("strided base type must be a basic type")
	}
	d := &Descriptor{
		Kind:     Strided,
		Name:     fmt.Sprintf("strided(%s,%d,%d)", base.Name, stride, blockLen),
		ElemSize: base.ElemSize,
		Stride:   stride,
		BlockLen: blockLen,
	}
	r.register(d)
	return d, nil
}

// NewIndexed constructs an irregular gather/scatter type from parallel
// blocklen/offset arrays. Built eagerly and cached.
func (r *Registry) NewIndexed(base *Descriptor, blockLens, offsets []int64) (*Descriptor, error) {
	if base == nil || base.Kind != Basic {
		return nil, fmt.Errorf("indexed base type must be a basic type")
	}
	if len(blockLens) != len(offsets) {
		return nil, fmt.Errorf("indexed: blocklens and offsets length mismatch")
	}
	var total int64
	for _, bl := range blockLens {
		total += bl
	}
	d := &Descriptor{
		Kind:      Indexed,
		Name:      fmt.Sprintf("indexed(%s,n=%d)", base.Name, len(blockLens)),
		ElemSize:  base.ElemSize,
		NumElem:   total,
		BlockLens: append([]int64(nil), blockLens...),
		Offsets:   append([]int64(nil), offsets...),
	}
	r.register(d)
	return d, nil
}

// NewCustom constructs an opaque contiguous block of byteCount bytes,
// built eagerly.
func (r *Registry) NewCustom(byteCount int64) *Descriptor {
	d := &Descriptor{
		Kind:      Contiguous,
		Name:      fmt.Sprintf("custom(%d)", byteCount),
		ElemSize:  1,
		NumElem:   byteCount,
		ByteCount: byteCount,
	}
	r.register(d)
	return d
}

// Destroy releases a composite descriptor. Basic types refuse destruction.
func (r *Registry) Destroy(d *Descriptor) error {
	if d == nil {
		return fmt.Errorf("nil descriptor")
	}
	if d.Kind == Basic {
		return fmt.Errorf("cannot destroy basic type %s", d.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if d.destroyed {
		return fmt.Errorf("descriptor %s already destroyed", d.Name)
	}
	d.destroyed = true
	delete(r.byID, d.Handle)
	return nil
}
