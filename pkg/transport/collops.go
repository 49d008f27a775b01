package transport

import (
	"context"
	"fmt"
)

// ExchangeFunc is the rendezvous primitive the collective algorithms
// are built on: deposit this rank's contribution, block until every
// rank has deposited, return the full contribution vector in rank
// order. Callers must not mutate the returned slices.
type ExchangeFunc func(ctx context.Context, contribution []byte) ([][]byte, error)

// The *Via helpers implement every collective over one ExchangeFunc so
// the local and grpcnet fabrics share a single set of algorithms.

func BcastVia(ctx context.Context, ex ExchangeFunc, rank int32, buf []byte, root int32) error {
	var send []byte
	if rank == root {
		send = buf
	}
	all, err := ex(ctx, send)
	if err != nil {
		return err
	}
	if len(all[root]) != len(buf) {
		return fmt.Errorf("transport: bcast length mismatch (%d vs %d)", len(all[root]), len(buf))
	}
	copy(buf, all[root])
	return nil
}

func AllgatherVia(ctx context.Context, ex ExchangeFunc, send, recv []byte) error {
	all, err := ex(ctx, send)
	if err != nil {
		return err
	}
	if len(recv) != len(send)*len(all) {
		return fmt.Errorf("transport: allgather recv length %d, want %d", len(recv), len(send)*len(all))
	}
	off := 0
	for _, part := range all {
		copy(recv[off:], part)
		off += len(part)
	}
	return nil
}

func AllgathervVia(ctx context.Context, ex ExchangeFunc, send []byte, counts []int, recv []byte) error {
	all, err := ex(ctx, send)
	if err != nil {
		return err
	}
	if len(counts) != len(all) {
		return fmt.Errorf("transport: allgatherv counts length %d, want %d", len(counts), len(all))
	}
	off := 0
	for i, part := range all {
		if len(part) != counts[i] {
			return fmt.Errorf("transport: allgatherv rank %d contributed %d bytes, announced %d", i, len(part), counts[i])
		}
		copy(recv[off:], part)
		off += counts[i]
	}
	return nil
}

func GatherVia(ctx context.Context, ex ExchangeFunc, rank int32, send, recv []byte, root int32) error {
	all, err := ex(ctx, send)
	if err != nil {
		return err
	}
	if rank != root {
		return nil
	}
	off := 0
	for _, part := range all {
		copy(recv[off:], part)
		off += len(part)
	}
	return nil
}

func ScatterVia(ctx context.Context, ex ExchangeFunc, rank int32, send, recv []byte, root int32) error {
	var contribution []byte
	if rank == root {
		contribution = send
	}
	all, err := ex(ctx, contribution)
	if err != nil {
		return err
	}
	blk := len(all[root]) / len(all)
	if len(recv) != blk {
		return fmt.Errorf("transport: scatter recv length %d, want %d", len(recv), blk)
	}
	copy(recv, all[root][int(rank)*blk:])
	return nil
}

func AlltoallVia(ctx context.Context, ex ExchangeFunc, rank int32, send, recv []byte) error {
	all, err := ex(ctx, send)
	if err != nil {
		return err
	}
	if len(recv) != len(send) {
		return fmt.Errorf("transport: alltoall recv length %d, want %d", len(recv), len(send))
	}
	blk := len(send) / len(all)
	for i, part := range all {
		copy(recv[i*blk:(i+1)*blk], part[int(rank)*blk:int(rank)*blk+blk])
	}
	return nil
}

// AllreduceVia folds contributions in rank order so every member
// computes the identical result, float rounding included.
func AllreduceVia(ctx context.Context, ex ExchangeFunc, send, recv []byte, elem Elem, op ReduceOp) error {
	all, err := ex(ctx, send)
	if err != nil {
		return err
	}
	if len(recv) != len(send) {
		return fmt.Errorf("transport: allreduce recv length %d, want %d", len(recv), len(send))
	}
	copy(recv, all[0])
	for _, part := range all[1:] {
		if err := Apply(op, part, recv, elem); err != nil {
			return err
		}
	}
	return nil
}

func ReduceVia(ctx context.Context, ex ExchangeFunc, rank int32, send, recv []byte, elem Elem, op ReduceOp, root int32) error {
	all, err := ex(ctx, send)
	if err != nil {
		return err
	}
	if rank != root {
		return nil
	}
	copy(recv, all[0])
	for _, part := range all[1:] {
		if err := Apply(op, part, recv, elem); err != nil {
			return err
		}
	}
	return nil
}
