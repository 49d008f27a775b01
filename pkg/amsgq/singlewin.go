package amsgq

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dash-project/dartrt/pkg/dartcode"
	"github.com/dash-project/dartrt/pkg/log"
	"github.com/dash-project/dartrt/pkg/metrics"
	"github.com/dash-project/dartrt/pkg/team"
	"github.com/dash-project/dartrt/pkg/transport"
)

// singleWinAtomicTail selects how the tail cell is advanced on the
// send path: a fetch-and-add, or a get/put pair. Both run under the
// window's exclusive lock, so the pair is equally safe on substrates
// where the atomic is slow.
const singleWinAtomicTail = true

// singleWin packs the tail position and the ring into one window; the
// data offset starts past the tail cell. A single exclusive lock
// covers reservation and payload write, trading the dual-window
// variant's concurrency for one less window acquisition per message.
type singleWin struct {
	t       *team.Team
	reg     *Registry
	logger  zerolog.Logger
	msgSize int
	bufSize int

	win transport.Window

	sendMu sync.Mutex
	procMu sync.Mutex

	scratch []byte
}

// singleWinDataOff keeps the ring 8-byte aligned past the tail cell.
const singleWinDataOff = 8

func openSingleWin(t *team.Team, reg *Registry, msgSize, numMsgs int) (Queue, error) {
	bufSize := numMsgs * slotSize(msgSize)
	win, err := t.Comm().CreateWindow(uint64(singleWinDataOff + bufSize))
	if err != nil {
		return nil, err
	}
	return &singleWin{
		t:       t,
		reg:     reg,
		logger:  log.WithComponent("amsgq").With().Str("backend", "singlewin").Uint16("team", t.ID()).Logger(),
		msgSize: msgSize,
		bufSize: bufSize,
		win:     win,
		scratch: make([]byte, bufSize),
	}, nil
}

func (q *singleWin) TrySend(ctx context.Context, target int32, fnID uint64, payload []byte) error {
	if len(payload) > q.msgSize {
		return dartcode.New(dartcode.ErrInval, "amsgq: payload exceeds message size bound")
	}
	msg := packMessage(fnID, q.globalOrigin(), payload)

	q.sendMu.Lock()
	defer q.sendMu.Unlock()

	if err := q.win.LockExclusive(ctx, target); err != nil {
		return err
	}
	offset, err := q.reserve(ctx, target, uint64(len(msg)))
	if err != nil {
		q.win.Unlock(ctx, target)
		return err
	}
	if offset+uint64(len(msg)) > uint64(q.bufSize) {
		if err := q.unreserve(ctx, target, offset); err != nil {
			q.win.Unlock(ctx, target)
			return err
		}
		q.win.Unlock(ctx, target)
		metrics.AMRetriesTotal.WithLabelValues("singlewin").Inc()
		return dartcode.New(dartcode.ErrAgain, "amsgq: target queue full")
	}
	if err := q.win.Put(ctx, target, singleWinDataOff+offset, msg[:HeaderSize]); err != nil {
		q.win.Unlock(ctx, target)
		return err
	}
	if err := q.win.Put(ctx, target, singleWinDataOff+offset+HeaderSize, msg[HeaderSize:]); err != nil {
		q.win.Unlock(ctx, target)
		return err
	}
	if err := q.win.Flush(ctx, target); err != nil {
		q.win.Unlock(ctx, target)
		return err
	}
	if err := q.win.Unlock(ctx, target); err != nil {
		return err
	}
	metrics.AMSendsTotal.WithLabelValues("singlewin").Inc()
	return nil
}

// reserve advances the tail by n and returns the prior value. The
// caller holds the window's exclusive lock.
func (q *singleWin) reserve(ctx context.Context, target int32, n uint64) (uint64, error) {
	var operand, prior [8]byte
	if singleWinAtomicTail {
		binary.LittleEndian.PutUint64(operand[:], n)
		if err := q.win.FetchOp(ctx, target, 0, transport.OpSum, operand[:], prior[:], transport.ElemUint64); err != nil {
			return 0, err
		}
		return binary.LittleEndian.Uint64(prior[:]), nil
	}
	if err := q.win.Get(ctx, target, 0, prior[:]); err != nil {
		return 0, err
	}
	tail := binary.LittleEndian.Uint64(prior[:])
	binary.LittleEndian.PutUint64(operand[:], tail+n)
	if err := q.win.Put(ctx, target, 0, operand[:]); err != nil {
		return 0, err
	}
	return tail, nil
}

// unreserve rolls the tail back to prior after an overflow.
func (q *singleWin) unreserve(ctx context.Context, target int32, prior uint64) error {
	var val, discard [8]byte
	binary.LittleEndian.PutUint64(val[:], prior)
	if singleWinAtomicTail {
		return q.win.FetchOp(ctx, target, 0, transport.OpReplace, val[:], discard[:], transport.ElemUint64)
	}
	return q.win.Put(ctx, target, 0, val[:])
}

func (q *singleWin) globalOrigin() int32 {
	g, _ := q.t.L2G(q.t.MyID())
	return g
}

func (q *singleWin) Process(ctx context.Context) error {
	if !q.procMu.TryLock() {
		return nil
	}
	defer q.procMu.Unlock()
	return q.drain(ctx)
}

func (q *singleWin) drain(ctx context.Context) error {
	me := q.t.MyID()
	if err := q.win.LockExclusive(ctx, me); err != nil {
		return err
	}
	var zero, prior [8]byte
	if err := q.win.FetchOp(ctx, me, 0, transport.OpReplace, zero[:], prior[:], transport.ElemUint64); err != nil {
		q.win.Unlock(ctx, me)
		return err
	}
	tail := binary.LittleEndian.Uint64(prior[:])
	if tail == 0 {
		return q.win.Unlock(ctx, me)
	}
	if err := q.win.Get(ctx, me, singleWinDataOff, q.scratch[:tail]); err != nil {
		q.win.Unlock(ctx, me)
		return err
	}
	if err := q.win.Unlock(ctx, me); err != nil {
		return err
	}

	timer := metrics.NewTimer()
	walkBuffer(q.scratch, int(tail), q.reg, q.logger, "singlewin", func() {
		metrics.AMProcessedTotal.WithLabelValues("singlewin").Inc()
	})
	timer.ObserveDurationVec(metrics.AMDrainDuration, "singlewin")
	return nil
}

func (q *singleWin) ProcessBlocking(ctx context.Context) error {
	return processUntil(ctx, q, q.t)
}

func (q *singleWin) Close(ctx context.Context) error {
	me := q.t.MyID()
	var tail [8]byte
	if err := q.win.Get(ctx, me, 0, tail[:]); err != nil {
		return err
	}
	if v := binary.LittleEndian.Uint64(tail[:]); v != 0 {
		q.logger.Warn().Uint64("tailpos", v).Msg("closing queue with undelivered messages")
	}
	return q.win.Free()
}
