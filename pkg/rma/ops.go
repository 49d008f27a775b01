package rma

import (
	"context"
	"fmt"

	"github.com/dash-project/dartrt/pkg/dtype"
	"github.com/dash-project/dartrt/pkg/gptr"
	"github.com/dash-project/dartrt/pkg/metrics"
	"github.com/dash-project/dartrt/pkg/transport"
)

// Put writes nelem base elements from src into the memory behind dst.
// srcT describes the layout of src, dstT the layout at the target; both
// must carry the same byte volume. Transfers of more than
// dtype.MaxChunkElements contiguous elements are split into chunks of
// the type's cached chunk descriptor.
func (e *Engine) Put(ctx context.Context, dst gptr.GPtr, src []byte, nelem int64, srcT, dstT *dtype.Descriptor) error {
	metrics.RMAOpsTotal.WithLabelValues("put").Inc()
	return e.transfer(ctx, dst, src, nelem, srcT, dstT, false)
}

// Get reads nelem base elements from the memory behind src into dst.
func (e *Engine) Get(ctx context.Context, dst []byte, src gptr.GPtr, nelem int64, srcT, dstT *dtype.Descriptor) error {
	metrics.RMAOpsTotal.WithLabelValues("get").Inc()
	return e.transfer(ctx, src, dst, nelem, dstT, srcT, true)
}

// transfer moves bytes between a local buffer and a remote region. The
// local side is described by localT, the remote side by remoteT; isGet
// selects direction. Remote extents are walked one RMA operation each;
// a fully contiguous pair takes the chunked fast path.
func (e *Engine) transfer(ctx context.Context, remote gptr.GPtr, local []byte, nelem int64, localT, remoteT *dtype.Descriptor, isGet bool) error {
	if localT == nil || remoteT == nil {
		return fmt.Errorf("rma: nil type descriptor")
	}
	if nelem == 0 {
		return nil
	}
	if localT.TotalBytes(nelem) != remoteT.TotalBytes(nelem) {
		return fmt.Errorf("rma: source and destination byte volumes differ (%d vs %d)",
			localT.TotalBytes(nelem), remoteT.TotalBytes(nelem))
	}

	if !localT.IsComposite() && !remoteT.IsComposite() {
		we, rank, base, err := e.resolve(remote, uint64(localT.TotalBytes(nelem)))
		if err != nil {
			return err
		}
		return e.contiguous(ctx, we, rank, base, local, nelem, localT, isGet)
	}

	localExts, err := localT.Extents(nelem)
	if err != nil {
		return err
	}
	remoteExts, err := remoteT.Extents(nelem)
	if err != nil {
		return err
	}
	// The remote footprint is the extent envelope, stride gaps included.
	var envelope int64
	for _, ext := range remoteExts {
		if end := ext.Offset + ext.Len; end > envelope {
			envelope = end
		}
	}
	we, rank, base, err := e.resolve(remote, uint64(envelope))
	if err != nil {
		return err
	}
	// Pack through a contiguous staging buffer so mismatched shapes on
	// the two sides still pair up byte for byte.
	total := localT.TotalBytes(nelem)
	if isGet {
		stage := make([]byte, total)
		off := int64(0)
		for _, ext := range remoteExts {
			if err := we.win.Get(ctx, rank, base+uint64(ext.Offset), stage[off:off+ext.Len]); err != nil {
				return err
			}
			off += ext.Len
		}
		off = 0
		for _, ext := range localExts {
			copy(local[ext.Offset:ext.Offset+ext.Len], stage[off:off+ext.Len])
			off += ext.Len
		}
		return nil
	}
	stage := make([]byte, total)
	off := int64(0)
	for _, ext := range localExts {
		copy(stage[off:off+ext.Len], local[ext.Offset:ext.Offset+ext.Len])
		off += ext.Len
	}
	off = 0
	for _, ext := range remoteExts {
		if err := we.win.Put(ctx, rank, base+uint64(ext.Offset), stage[off:off+ext.Len]); err != nil {
			return err
		}
		off += ext.Len
	}
	return nil
}

func (e *Engine) contiguous(ctx context.Context, we *winEntry, rank int32, base uint64, local []byte, nelem int64, t *dtype.Descriptor, isGet bool) error {
	elemSize := int64(t.ElemSize)
	chunkBytes := nelem * elemSize
	if nelem > dtype.MaxChunkElements {
		// The chunk descriptor pins the split size for this basic type.
		chunkBytes = t.ChunkType().Elements() * elemSize
	}
	total := nelem * elemSize
	for off := int64(0); off < total; off += chunkBytes {
		end := off + chunkBytes
		if end > total {
			end = total
		}
		var err error
		if isGet {
			err = we.win.Get(ctx, rank, base+uint64(off), local[off:end])
		} else {
			err = we.win.Put(ctx, rank, base+uint64(off), local[off:end])
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// ElemOf maps a basic descriptor to the transport's element tag.
// Atomic and accumulate entry points reject composite types and the
// 16-byte long double, which no substrate operates on atomically.
func ElemOf(t *dtype.Descriptor) (transport.Elem, error) {
	if t == nil || t.IsComposite() {
		return transport.Elem{}, fmt.Errorf("rma: operation requires a basic type")
	}
	switch t.Name {
	case "BYTE":
		return transport.ElemUint8, nil
	case "SHORT":
		return transport.ElemInt16, nil
	case "INT":
		return transport.ElemInt32, nil
	case "UINT":
		return transport.ElemUint32, nil
	case "LONG", "LONGLONG":
		return transport.ElemInt64, nil
	case "ULONG", "ULONGLONG":
		return transport.ElemUint64, nil
	case "FLOAT":
		return transport.ElemFloat32, nil
	case "DOUBLE":
		return transport.ElemFloat64, nil
	default:
		return transport.Elem{}, fmt.Errorf("rma: no atomic support for type %s", t.Name)
	}
}

// Op re-exports the transport's reduce operators at the RMA surface.
type Op = transport.ReduceOp

const (
	OpSum     = transport.OpSum
	OpProd    = transport.OpProd
	OpMin     = transport.OpMin
	OpMax     = transport.OpMax
	OpBAnd    = transport.OpBAnd
	OpBOr     = transport.OpBOr
	OpBXor    = transport.OpBXor
	OpReplace = transport.OpReplace
	OpNoOp    = transport.OpNoOp
)

// Accumulate applies op elementwise between data and the nelem elements
// behind dst. Both endpoints must be basic types.
func (e *Engine) Accumulate(ctx context.Context, dst gptr.GPtr, data []byte, nelem int64, t *dtype.Descriptor, op Op) error {
	metrics.RMAOpsTotal.WithLabelValues("accumulate").Inc()
	elem, err := ElemOf(t)
	if err != nil {
		return err
	}
	if int64(len(data)) != nelem*int64(elem.Size) {
		return fmt.Errorf("rma: accumulate operand length %d, want %d", len(data), nelem*int64(elem.Size))
	}
	we, rank, base, err := e.resolve(dst, uint64(len(data)))
	if err != nil {
		return err
	}
	return we.win.Accumulate(ctx, rank, base, data, elem, op)
}

// FetchOp atomically reads the element behind dst into result and
// applies op with operand to it. The operand's type must match the
// target element's type.
func (e *Engine) FetchOp(ctx context.Context, dst gptr.GPtr, op Op, operand, result []byte, t *dtype.Descriptor) error {
	metrics.RMAOpsTotal.WithLabelValues("fetchop").Inc()
	elem, err := ElemOf(t)
	if err != nil {
		return err
	}
	if len(operand) != elem.Size || len(result) != elem.Size {
		return fmt.Errorf("rma: fetch-op operand/result must be exactly one %s element", t.Name)
	}
	we, rank, base, err := e.resolve(dst, uint64(elem.Size))
	if err != nil {
		return err
	}
	return we.win.FetchOp(ctx, rank, base, op, operand, result, elem)
}

// CompareSwap atomically replaces the element behind dst with desired
// if it equals expect, returning the prior value in result.
func (e *Engine) CompareSwap(ctx context.Context, dst gptr.GPtr, expect, desired, result []byte, t *dtype.Descriptor) error {
	metrics.RMAOpsTotal.WithLabelValues("cas").Inc()
	elem, err := ElemOf(t)
	if err != nil {
		return err
	}
	if len(expect) != elem.Size || len(desired) != elem.Size || len(result) != elem.Size {
		return fmt.Errorf("rma: compare-swap operands must be exactly one %s element", t.Name)
	}
	we, rank, base, err := e.resolve(dst, uint64(elem.Size))
	if err != nil {
		return err
	}
	return we.win.CompareSwap(ctx, rank, base, expect, desired, result)
}

// Flush completes all operations targeting the unit encoded in p,
// remote side included.
func (e *Engine) Flush(ctx context.Context, p gptr.GPtr) error {
	we, rank, _, err := e.resolve(p, 0)
	if err != nil {
		return err
	}
	we.implicit.Wait()
	if err := we.takeErr(); err != nil {
		return err
	}
	return we.win.Flush(ctx, rank)
}

// FlushLocal completes operations targeting the unit encoded in p at
// the origin only.
func (e *Engine) FlushLocal(ctx context.Context, p gptr.GPtr) error {
	we, rank, _, err := e.resolve(p, 0)
	if err != nil {
		return err
	}
	we.implicit.Wait()
	if err := we.takeErr(); err != nil {
		return err
	}
	return we.win.FlushLocal(ctx, rank)
}

// FlushAll completes all operations on p's segment, every unit.
func (e *Engine) FlushAll(ctx context.Context, p gptr.GPtr) error {
	we, _, _, err := e.resolve(p, 0)
	if err != nil {
		return err
	}
	we.implicit.Wait()
	if err := we.takeErr(); err != nil {
		return err
	}
	return we.win.FlushAll(ctx)
}
