// Package collective exposes the team-level collective operations —
// barrier, broadcast, reductions, gathers, scatter, all-to-all — and
// the MCS-style distributed lock. Root arguments are team-local ids.
package collective

import (
	"context"
	"fmt"

	"github.com/dash-project/dartrt/pkg/dtype"
	"github.com/dash-project/dartrt/pkg/rma"
	"github.com/dash-project/dartrt/pkg/team"
	"github.com/dash-project/dartrt/pkg/transport"
)

// Barrier blocks until every unit of t has entered it.
func Barrier(ctx context.Context, t *team.Team) error {
	return t.Comm().Barrier(ctx)
}

// Bcast copies root's buf into every unit's buf.
func Bcast(ctx context.Context, t *team.Team, buf []byte, root int32) error {
	if err := checkRoot(t, root); err != nil {
		return err
	}
	return t.Comm().Bcast(ctx, buf, root)
}

// Allgather concatenates every unit's send block into recv, in
// team-local rank order, on every unit.
func Allgather(ctx context.Context, t *team.Team, send, recv []byte) error {
	return t.Comm().Allgather(ctx, send, recv)
}

// Allgatherv is the varying-count form; counts are per-unit byte sizes.
func Allgatherv(ctx context.Context, t *team.Team, send []byte, counts []int, recv []byte) error {
	return t.Comm().Allgatherv(ctx, send, counts, recv)
}

// Gather collects every unit's send block at root.
func Gather(ctx context.Context, t *team.Team, send, recv []byte, root int32) error {
	if err := checkRoot(t, root); err != nil {
		return err
	}
	return t.Comm().Gather(ctx, send, recv, root)
}

// Scatter distributes root's send buffer in equal blocks.
func Scatter(ctx context.Context, t *team.Team, send, recv []byte, root int32) error {
	if err := checkRoot(t, root); err != nil {
		return err
	}
	return t.Comm().Scatter(ctx, send, recv, root)
}

// Alltoall exchanges equal blocks between all unit pairs.
func Alltoall(ctx context.Context, t *team.Team, send, recv []byte) error {
	return t.Comm().Alltoall(ctx, send, recv)
}

// Reduce combines every unit's send elementwise at root. The type must
// be basic.
func Reduce(ctx context.Context, t *team.Team, send, recv []byte, dt *dtype.Descriptor, op rma.Op, root int32) error {
	if err := checkRoot(t, root); err != nil {
		return err
	}
	elem, err := rma.ElemOf(dt)
	if err != nil {
		return err
	}
	return t.Comm().Reduce(ctx, send, recv, elem, transport.ReduceOp(op), root)
}

// Allreduce combines every unit's send elementwise, result on every
// unit.
func Allreduce(ctx context.Context, t *team.Team, send, recv []byte, dt *dtype.Descriptor, op rma.Op) error {
	elem, err := rma.ElemOf(dt)
	if err != nil {
		return err
	}
	return t.Comm().Allreduce(ctx, send, recv, elem, transport.ReduceOp(op))
}

func checkRoot(t *team.Team, root int32) error {
	if root < 0 || root >= t.Size() {
		return fmt.Errorf("collective: root %d out of range for team %d (size %d)", root, t.ID(), t.Size())
	}
	return nil
}
