package local

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/dash-project/dartrt/pkg/transport"
)

func runUnits(t *testing.T, n int, fn func(ep *Endpoint) error) {
	t.Helper()
	eps, err := New(n)
	require.NoError(t, err)
	var g errgroup.Group
	for _, ep := range eps {
		ep := ep
		g.Go(func() error { return fn(ep) })
	}
	require.NoError(t, g.Wait())
}

func TestAllgatherWorld(t *testing.T) {
	runUnits(t, 4, func(ep *Endpoint) error {
		ctx := context.Background()
		var mine [8]byte
		binary.LittleEndian.PutUint64(mine[:], uint64(ep.Self()))
		recv := make([]byte, 8*4)
		if err := ep.World().Allgather(ctx, mine[:], recv); err != nil {
			return err
		}
		for i := 0; i < 4; i++ {
			assert.Equal(t, uint64(i), binary.LittleEndian.Uint64(recv[i*8:]))
		}
		return nil
	})
}

func TestAllreduceMax(t *testing.T) {
	runUnits(t, 4, func(ep *Endpoint) error {
		ctx := context.Background()
		var send, recv [8]byte
		binary.LittleEndian.PutUint64(send[:], uint64(10+ep.Self()))
		if err := ep.World().Allreduce(ctx, send[:], recv[:], transport.ElemUint64, transport.OpMax); err != nil {
			return err
		}
		assert.Equal(t, uint64(13), binary.LittleEndian.Uint64(recv[:]))
		return nil
	})
}

func TestBcastScatterGather(t *testing.T) {
	runUnits(t, 3, func(ep *Endpoint) error {
		ctx := context.Background()
		w := ep.World()

		buf := []byte{0, 0, 0, 0}
		if w.Rank() == 1 {
			buf = []byte{9, 8, 7, 6}
		}
		if err := w.Bcast(ctx, buf, 1); err != nil {
			return err
		}
		assert.Equal(t, []byte{9, 8, 7, 6}, buf)

		var send []byte
		if w.Rank() == 0 {
			send = []byte{1, 2, 3}
		}
		recv := make([]byte, 1)
		if err := w.Scatter(ctx, send, recv, 0); err != nil {
			return err
		}
		assert.Equal(t, byte(w.Rank()+1), recv[0])

		gathered := make([]byte, 3)
		if err := w.Gather(ctx, recv, gathered, 0); err != nil {
			return err
		}
		if w.Rank() == 0 {
			assert.Equal(t, []byte{1, 2, 3}, gathered)
		}
		return nil
	})
}

func TestAlltoall(t *testing.T) {
	runUnits(t, 4, func(ep *Endpoint) error {
		ctx := context.Background()
		w := ep.World()
		send := make([]byte, 4)
		for i := range send {
			send[i] = byte(10*w.Rank() + int32(i))
		}
		recv := make([]byte, 4)
		if err := w.Alltoall(ctx, send, recv); err != nil {
			return err
		}
		for i := 0; i < 4; i++ {
			assert.Equal(t, byte(10*i+int(w.Rank())), recv[i])
		}
		return nil
	})
}

func TestWindowPutGetAtomics(t *testing.T) {
	runUnits(t, 2, func(ep *Endpoint) error {
		ctx := context.Background()
		win, err := ep.World().CreateWindow(16)
		if err != nil {
			return err
		}

		if ep.Self() == 0 {
			if err := win.Put(ctx, 1, 0, []byte{1, 2, 3, 4}); err != nil {
				return err
			}
			var got [4]byte
			if err := win.Get(ctx, 1, 0, got[:]); err != nil {
				return err
			}
			assert.Equal(t, []byte{1, 2, 3, 4}, got[:])

			var operand, prior [8]byte
			binary.LittleEndian.PutUint64(operand[:], 5)
			if err := win.FetchOp(ctx, 1, 8, transport.OpSum, operand[:], prior[:], transport.ElemUint64); err != nil {
				return err
			}
			assert.Equal(t, uint64(0), binary.LittleEndian.Uint64(prior[:]))
			if err := win.FetchOp(ctx, 1, 8, transport.OpSum, operand[:], prior[:], transport.ElemUint64); err != nil {
				return err
			}
			assert.Equal(t, uint64(5), binary.LittleEndian.Uint64(prior[:]))

			var expect, desired, result [8]byte
			binary.LittleEndian.PutUint64(expect[:], 10)
			binary.LittleEndian.PutUint64(desired[:], 42)
			if err := win.CompareSwap(ctx, 1, 8, expect[:], desired[:], result[:]); err != nil {
				return err
			}
			assert.Equal(t, uint64(10), binary.LittleEndian.Uint64(result[:]))
		}
		if err := ep.World().Barrier(ctx); err != nil {
			return err
		}
		if ep.Self() == 1 {
			assert.Equal(t, uint64(42), binary.LittleEndian.Uint64(win.Local()[8:]))
		}
		return win.Free()
	})
}

func TestWindowBounds(t *testing.T) {
	runUnits(t, 2, func(ep *Endpoint) error {
		win, err := ep.World().CreateWindow(8)
		if err != nil {
			return err
		}
		err = win.Put(context.Background(), 1, 4, []byte{1, 2, 3, 4, 5})
		assert.Error(t, err)
		return win.Free()
	})
}

func TestGroupSubset(t *testing.T) {
	runUnits(t, 4, func(ep *Endpoint) error {
		ctx := context.Background()
		if ep.Self()%2 != 0 {
			return nil
		}
		comm, err := ep.Group([]int32{0, 2})
		if err != nil {
			return err
		}
		assert.Equal(t, int32(2), comm.Size())
		assert.Equal(t, ep.Self()/2, comm.Rank())
		var mine [1]byte
		mine[0] = byte(ep.Self())
		recv := make([]byte, 2)
		if err := comm.Allgather(ctx, mine[:], recv); err != nil {
			return err
		}
		assert.Equal(t, []byte{0, 2}, recv)
		return comm.Free()
	})
}
