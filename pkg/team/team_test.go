package team

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/dash-project/dartrt/pkg/gptr"
	"github.com/dash-project/dartrt/pkg/transport/local"
)

func runUnits(t *testing.T, n int, fn func(r *Registry, ep *local.Endpoint) error) {
	t.Helper()
	eps, err := local.New(n)
	require.NoError(t, err)
	var g errgroup.Group
	for _, ep := range eps {
		ep := ep
		g.Go(func() error {
			r, err := NewRegistry(ep)
			if err != nil {
				return err
			}
			return fn(r, ep)
		})
	}
	require.NoError(t, g.Wait())
}

func TestRootTeam(t *testing.T) {
	runUnits(t, 4, func(r *Registry, ep *local.Endpoint) error {
		root := r.Root()
		assert.Equal(t, gptr.TeamAll, root.ID())
		assert.Equal(t, int32(4), root.Size())
		assert.Equal(t, []int32{0, 1, 2, 3}, root.Units())
		assert.Equal(t, ep.Self(), root.MyID())

		g, err := root.L2G(2)
		require.NoError(t, err)
		assert.Equal(t, int32(2), g)
		assert.Equal(t, int32(3), root.G2L(3))
		assert.Equal(t, NotFound, root.G2L(9))
		return nil
	})
}

func TestCreateSubTeam(t *testing.T) {
	runUnits(t, 4, func(r *Registry, ep *local.Endpoint) error {
		ctx := context.Background()
		child, id, err := r.Create(ctx, r.Root(), []int32{1, 3})
		if err != nil {
			return err
		}
		assert.Equal(t, uint16(1), id)
		if ep.Self() == 1 || ep.Self() == 3 {
			require.NotNil(t, child)
			assert.Equal(t, int32(2), child.Size())
			// Local id 0 maps to the first group member.
			g, err := child.L2G(0)
			require.NoError(t, err)
			assert.Equal(t, int32(1), g)
			assert.Equal(t, int32(1), child.G2L(3))
		} else {
			assert.Nil(t, child)
		}
		return nil
	})
}

func TestTeamIDsMonotonic(t *testing.T) {
	runUnits(t, 2, func(r *Registry, ep *local.Endpoint) error {
		ctx := context.Background()
		child, id1, err := r.Create(ctx, r.Root(), []int32{0, 1})
		if err != nil {
			return err
		}
		if err := r.Destroy(ctx, child); err != nil {
			return err
		}
		_, id2, err := r.Create(ctx, r.Root(), []int32{0, 1})
		if err != nil {
			return err
		}
		// Ids never go backwards, even after a destroy.
		assert.Greater(t, id2, id1)
		return nil
	})
}

func TestSingletonTeam(t *testing.T) {
	runUnits(t, 3, func(r *Registry, ep *local.Endpoint) error {
		ctx := context.Background()
		child, _, err := r.Create(ctx, r.Root(), []int32{2})
		if err != nil {
			return err
		}
		if ep.Self() == 2 {
			require.NotNil(t, child)
			assert.Equal(t, int32(1), child.Size())
			assert.Equal(t, int32(0), child.MyID())
			g, err := child.L2G(0)
			require.NoError(t, err)
			assert.Equal(t, int32(2), g)
		}
		return nil
	})
}

func TestCreateRejectsNonSubset(t *testing.T) {
	runUnits(t, 2, func(r *Registry, ep *local.Endpoint) error {
		_, _, err := r.Create(context.Background(), r.Root(), []int32{0, 7})
		assert.Error(t, err)
		return nil
	})
}

func TestSplitGroups(t *testing.T) {
	runUnits(t, 4, func(r *Registry, ep *local.Endpoint) error {
		groups := SplitGroups(r.Root(), 2)
		require.Len(t, groups, 2)
		assert.Equal(t, []int32{0, 1}, groups[0])
		assert.Equal(t, []int32{2, 3}, groups[1])

		// Concatenating the split reconstructs the parent group.
		var concat []int32
		for _, g := range groups {
			concat = append(concat, g...)
		}
		assert.Equal(t, r.Root().Units(), concat)
		return nil
	})
}

func TestDestroyRemovesFromRegistry(t *testing.T) {
	runUnits(t, 2, func(r *Registry, ep *local.Endpoint) error {
		ctx := context.Background()
		child, id, err := r.Create(ctx, r.Root(), []int32{0, 1})
		if err != nil {
			return err
		}
		got, err := r.Get(id)
		if err != nil {
			return err
		}
		assert.Same(t, child, got)
		if err := r.Destroy(ctx, child); err != nil {
			return err
		}
		_, err = r.Get(id)
		assert.Error(t, err)
		return nil
	})
}

func TestRootDestroyRefused(t *testing.T) {
	runUnits(t, 2, func(r *Registry, ep *local.Endpoint) error {
		assert.Error(t, r.Destroy(context.Background(), r.Root()))
		return nil
	})
}
