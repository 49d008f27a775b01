package dtype

import "fmt"

// Extent is one contiguous byte range of a materialized transfer
// descriptor, relative to the transfer's base address.
type Extent struct {
	Offset int64
	Len    int64
}

// Extents materializes the descriptor for a transfer of nelem base
// elements. Basic and contiguous types yield a single extent; strided
// types are materialized here, per transfer, because the block count
// depends on nelem; indexed types ignore nelem's shape but verify the
// total matches.
func (d *Descriptor) Extents(nelem int64) ([]Extent, error) {
	if nelem < 0 {
		return nil, fmt.Errorf("dtype: negative element count %d", nelem)
	}
	switch d.Kind {
	case Basic, Contiguous:
		if nelem == 0 {
			return nil, nil
		}
		return []Extent{{Offset: 0, Len: nelem * int64(d.ElemSize)}}, nil
	case Strided:
		if d.BlockLen <= 0 {
			return nil, fmt.Errorf("dtype: strided type %s has no block length", d.Name)
		}
		if nelem%d.BlockLen != 0 {
			return nil, fmt.Errorf("dtype: transfer of %d elements does not divide into blocks of %d", nelem, d.BlockLen)
		}
		nblocks := nelem / d.BlockLen
		exts := make([]Extent, 0, nblocks)
		for i := int64(0); i < nblocks; i++ {
			exts = append(exts, Extent{
				Offset: i * d.Stride * int64(d.ElemSize),
				Len:    d.BlockLen * int64(d.ElemSize),
			})
		}
		return exts, nil
	case Indexed:
		if nelem != d.NumElem {
			return nil, fmt.Errorf("dtype: indexed type %s carries %d elements, transfer asked for %d", d.Name, d.NumElem, nelem)
		}
		exts := make([]Extent, 0, len(d.BlockLens))
		for i, bl := range d.BlockLens {
			if bl == 0 {
				continue
			}
			exts = append(exts, Extent{
				Offset: d.Offsets[i] * int64(d.ElemSize),
				Len:    bl * int64(d.ElemSize),
			})
		}
		return exts, nil
	default:
		return nil, fmt.Errorf("dtype: unknown kind %d", d.Kind)
	}
}

// TotalBytes returns the byte volume of a transfer of nelem base elements.
func (d *Descriptor) TotalBytes(nelem int64) int64 {
	return nelem * int64(d.ElemSize)
}
