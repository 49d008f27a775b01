package collective

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/rs/zerolog"

	"github.com/dash-project/dartrt/pkg/log"
	"github.com/dash-project/dartrt/pkg/team"
	"github.com/dash-project/dartrt/pkg/transport"
)

// Per-unit lock window layout, 8-byte little-endian cells. The tail
// cell is meaningful only on rank 0; next and blocked are per waiter.
// Ranks are stored shifted by one so zero can mean "nobody".
const (
	lockOffTail    = 0
	lockOffNext    = 8
	lockOffBlocked = 16
	lockWinSize    = 24
)

// spinInterval paces the remote polls while a waiter spins on its
// blocked cell or on a successor's enqueue.
const spinInterval = 10 * time.Microsecond

// Lock is a distributed MCS queue lock over a team: acquirers swap
// themselves into a tail cell on rank 0 and spin on a private cell in
// their own window region, so waiters are released strictly in enqueue
// order.
type Lock struct {
	t      *team.Team
	win    transport.Window
	logger zerolog.Logger
	rank   int32
	held   bool
}

// NewLock collectively creates a lock on t. Every unit must call it.
func NewLock(t *team.Team) (*Lock, error) {
	win, err := t.Comm().CreateWindow(lockWinSize)
	if err != nil {
		return nil, err
	}
	return &Lock{
		t:      t,
		win:    win,
		logger: log.WithComponent("lock").With().Uint16("team", t.ID()).Logger(),
		rank:   t.MyID(),
	}, nil
}

// Acquire blocks until the caller holds the lock. Acquiring a lock the
// caller already holds logs a warning and returns without doing
// anything.
func (l *Lock) Acquire(ctx context.Context) error {
	if l.held {
		l.logger.Warn().Int32("unit", l.rank).Msg("lock already held by this unit")
		return nil
	}
	// Arm the private cells before publishing in the tail, so a
	// successor cannot observe stale state.
	var zero, one, mine [8]byte
	binary.LittleEndian.PutUint64(one[:], 1)
	binary.LittleEndian.PutUint64(mine[:], uint64(l.rank)+1)
	if err := l.win.Put(ctx, l.rank, lockOffNext, zero[:]); err != nil {
		return err
	}
	if err := l.win.Put(ctx, l.rank, lockOffBlocked, one[:]); err != nil {
		return err
	}
	if err := l.win.Flush(ctx, l.rank); err != nil {
		return err
	}

	var pred [8]byte
	if err := l.win.FetchOp(ctx, 0, lockOffTail, transport.OpReplace, mine[:], pred[:], transport.ElemUint64); err != nil {
		return err
	}
	predRank := binary.LittleEndian.Uint64(pred[:])
	if predRank != 0 {
		// Queue was non-empty: link behind the predecessor and spin on
		// the private blocked cell until the predecessor releases us.
		if err := l.win.Put(ctx, int32(predRank-1), lockOffNext, mine[:]); err != nil {
			return err
		}
		if err := l.win.Flush(ctx, int32(predRank-1)); err != nil {
			return err
		}
		var blocked [8]byte
		for {
			if err := l.win.Get(ctx, l.rank, lockOffBlocked, blocked[:]); err != nil {
				return err
			}
			if binary.LittleEndian.Uint64(blocked[:]) == 0 {
				break
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(spinInterval):
			}
		}
	}
	l.held = true
	return nil
}

// Release hands the lock to the first enqueued waiter, if any.
func (l *Lock) Release(ctx context.Context) error {
	if !l.held {
		l.logger.Warn().Int32("unit", l.rank).Msg("release of a lock not held by this unit")
		return nil
	}
	var next, mine, zero, prior [8]byte
	binary.LittleEndian.PutUint64(mine[:], uint64(l.rank)+1)
	if err := l.win.Get(ctx, l.rank, lockOffNext, next[:]); err != nil {
		return err
	}
	if binary.LittleEndian.Uint64(next[:]) == 0 {
		// No visible successor: try to swing the tail back to empty. If
		// that fails a successor is mid-enqueue; wait for its link.
		if err := l.win.CompareSwap(ctx, 0, lockOffTail, mine[:], zero[:], prior[:]); err != nil {
			return err
		}
		if binary.LittleEndian.Uint64(prior[:]) == uint64(l.rank)+1 {
			l.held = false
			return nil
		}
		for binary.LittleEndian.Uint64(next[:]) == 0 {
			if err := l.win.Get(ctx, l.rank, lockOffNext, next[:]); err != nil {
				return err
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(spinInterval):
			}
		}
	}
	succ := int32(binary.LittleEndian.Uint64(next[:]) - 1)
	if err := l.win.Put(ctx, succ, lockOffBlocked, zero[:]); err != nil {
		return err
	}
	if err := l.win.Flush(ctx, succ); err != nil {
		return err
	}
	l.held = false
	return nil
}

// Destroy collectively frees the lock's window.
func (l *Lock) Destroy() error {
	return l.win.Free()
}
