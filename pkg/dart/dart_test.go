package dart

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/dash-project/dartrt/pkg/amsgq"
	"github.com/dash-project/dartrt/pkg/collective"
	"github.com/dash-project/dartrt/pkg/dartcode"
	"github.com/dash-project/dartrt/pkg/deptable"
	"github.com/dash-project/dartrt/pkg/locality"
	"github.com/dash-project/dartrt/pkg/task"
	"github.com/dash-project/dartrt/pkg/transport/local"
)

func runCluster(t *testing.T, n int, opts Options, fn func(r *Runtime) error) {
	t.Helper()
	eps, err := local.New(n)
	require.NoError(t, err)
	var g errgroup.Group
	for i, ep := range eps {
		i, ep := i, ep
		g.Go(func() error {
			o := opts
			if o.Hostname == "" {
				o.Hostname = "testnode"
			}
			r, err := NewRuntime(ep, o)
			if err != nil {
				return fmt.Errorf("unit %d init: %w", i, err)
			}
			if err := fn(r); err != nil {
				return fmt.Errorf("unit %d: %w", i, err)
			}
			return r.Exit()
		})
	}
	require.NoError(t, g.Wait())
}

func TestInitExit(t *testing.T) {
	runCluster(t, 2, Options{}, func(r *Runtime) error {
		assert.Equal(t, int32(2), r.NumUnits())
		assert.NotNil(t, r.TeamAll())
		assert.NotNil(t, r.Types().Basic("DOUBLE"))
		assert.Equal(t, locality.ScopeGlobal, r.Locality().Root().Scope)
		return nil
	})
}

func TestEndToEndAllgather(t *testing.T) {
	runCluster(t, 4, Options{}, func(r *Runtime) error {
		var mine [8]byte
		binary.LittleEndian.PutUint64(mine[:], uint64(r.MyUnit()))
		recv := make([]byte, 32)
		if err := collective.Allgather(context.Background(), r.TeamAll(), mine[:], recv); err != nil {
			return err
		}
		for i := 0; i < 4; i++ {
			assert.Equal(t, uint64(i), binary.LittleEndian.Uint64(recv[i*8:]))
		}
		return nil
	})
}

func TestEndToEndTaskGraph(t *testing.T) {
	runCluster(t, 2, Options{}, func(r *Runtime) error {
		ctx := context.Background()
		world := r.TeamAll()
		ptr, err := r.RMA().Allocate(ctx, world, 8)
		if err != nil {
			return err
		}
		mine := ptr.WithUnit(world.MyID())
		cell, err := r.RMA().LocalSlice(mine, 8)
		if err != nil {
			return err
		}

		for i := 0; i < 10; i++ {
			_, err := r.Scheduler().CreateTask(task.Spec{
				Deps: []task.Dep{{Ptr: mine, Kind: deptable.Out}},
				Fn: func(tc *task.Ctx) {
					v := binary.LittleEndian.Uint64(cell)
					binary.LittleEndian.PutUint64(cell, v+1)
				},
			})
			if err != nil {
				return err
			}
		}
		r.Scheduler().Complete()
		assert.Equal(t, uint64(10), binary.LittleEndian.Uint64(cell))

		if err := collective.Barrier(ctx, world); err != nil {
			return err
		}
		return r.RMA().Free(ctx, world, ptr)
	})
}

func TestEndToEndActiveMessages(t *testing.T) {
	var mu sync.Mutex
	var got []uint32
	opts := Options{
		RegisterHandlers: func(reg *amsgq.Registry) {
			reg.Register("test.append", func(origin int32, payload []byte) {
				mu.Lock()
				got = append(got, binary.LittleEndian.Uint32(payload))
				mu.Unlock()
			})
		},
	}
	runCluster(t, 2, opts, func(r *Runtime) error {
		ctx := context.Background()
		fnID, ok := r.AMRegistry().ID("test.append")
		require.True(t, ok)
		if r.MyUnit() == 0 {
			for i := 0; i < 20; i++ {
				var payload [4]byte
				binary.LittleEndian.PutUint32(payload[:], uint32(i))
				for {
					err := r.AMQueue().TrySend(ctx, 1, fnID, payload[:])
					if err == nil {
						break
					}
					if dartcode.CodeOf(err) != dartcode.ErrAgain {
						return err
					}
				}
			}
		}
		return r.AMQueue().ProcessBlocking(ctx)
	})
	require.Len(t, got, 20)
	for i, v := range got {
		assert.Equal(t, uint32(i), v)
	}
}

func TestSubTeamLifecycle(t *testing.T) {
	runCluster(t, 4, Options{}, func(r *Runtime) error {
		ctx := context.Background()
		child, _, err := r.Teams().Create(ctx, r.TeamAll(), []int32{0, 1})
		if err != nil {
			return err
		}
		if r.MyUnit() <= 1 {
			require.NotNil(t, child)
			ptr, err := r.RMA().Allocate(ctx, child, 16)
			if err != nil {
				return err
			}
			if err := collective.Barrier(ctx, child); err != nil {
				return err
			}
			if err := r.RMA().Free(ctx, child, ptr); err != nil {
				return err
			}
			if err := r.Teams().Destroy(ctx, child); err != nil {
				return err
			}
		}
		return collective.Barrier(ctx, r.TeamAll())
	})
}

func TestCodeTranslation(t *testing.T) {
	assert.Equal(t, dartcode.OK, Code(nil))
	assert.Equal(t, dartcode.ErrAgain, Code(dartcode.New(dartcode.ErrAgain, "retry")))
	assert.Equal(t, dartcode.ErrOther, Code(fmt.Errorf("plain")))
}
