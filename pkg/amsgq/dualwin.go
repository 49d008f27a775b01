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

// dualWin keeps the tail position and the ring in two separate
// windows: the sender takes an exclusive lock only on the tiny tailpos
// window to reserve its offset, then writes the message under a shared
// data-window lock, so offset reservation never serializes behind bulk
// payload transfer.
type dualWin struct {
	t       *team.Team
	reg     *Registry
	logger  zerolog.Logger
	msgSize int
	bufSize int

	tailWin transport.Window
	dataWin transport.Window

	sendMu sync.Mutex // serializes this unit's send-side RMA
	procMu sync.Mutex // serializes processing passes

	scratch []byte
}

func openDualWin(t *team.Team, reg *Registry, msgSize, numMsgs int) (Queue, error) {
	bufSize := numMsgs * slotSize(msgSize)
	tailWin, err := t.Comm().CreateWindow(8)
	if err != nil {
		return nil, err
	}
	dataWin, err := t.Comm().CreateWindow(uint64(bufSize))
	if err != nil {
		tailWin.Free()
		return nil, err
	}
	return &dualWin{
		t:       t,
		reg:     reg,
		logger:  log.WithComponent("amsgq").With().Str("backend", "dualwin").Uint16("team", t.ID()).Logger(),
		msgSize: msgSize,
		bufSize: bufSize,
		tailWin: tailWin,
		dataWin: dataWin,
		scratch: make([]byte, bufSize),
	}, nil
}

func (q *dualWin) TrySend(ctx context.Context, target int32, fnID uint64, payload []byte) error {
	if len(payload) > q.msgSize {
		return dartcode.New(dartcode.ErrInval, "amsgq: payload exceeds message size bound")
	}
	msg := packMessage(fnID, q.globalOrigin(), payload)

	q.sendMu.Lock()
	defer q.sendMu.Unlock()

	// Reserve the write offset under the tailpos window's exclusive
	// lock; overflow rolls the tail back with a replace before anybody
	// else can observe it.
	if err := q.tailWin.LockExclusive(ctx, target); err != nil {
		return err
	}
	var operand, prior [8]byte
	binary.LittleEndian.PutUint64(operand[:], uint64(len(msg)))
	if err := q.tailWin.FetchOp(ctx, target, 0, transport.OpSum, operand[:], prior[:], transport.ElemUint64); err != nil {
		q.tailWin.Unlock(ctx, target)
		return err
	}
	offset := binary.LittleEndian.Uint64(prior[:])
	if offset+uint64(len(msg)) > uint64(q.bufSize) {
		var discard [8]byte
		if err := q.tailWin.FetchOp(ctx, target, 0, transport.OpReplace, prior[:], discard[:], transport.ElemUint64); err != nil {
			q.tailWin.Unlock(ctx, target)
			return err
		}
		q.tailWin.Unlock(ctx, target)
		metrics.AMRetriesTotal.WithLabelValues("dualwin").Inc()
		return dartcode.New(dartcode.ErrAgain, "amsgq: target queue full")
	}
	if err := q.dataWin.LockShared(ctx, target); err != nil {
		q.tailWin.Unlock(ctx, target)
		return err
	}
	if err := q.tailWin.Unlock(ctx, target); err != nil {
		q.dataWin.Unlock(ctx, target)
		return err
	}
	// Header and payload are contiguous in msg; two puts keep the wire
	// pattern of header-then-payload.
	if err := q.dataWin.Put(ctx, target, offset, msg[:HeaderSize]); err != nil {
		q.dataWin.Unlock(ctx, target)
		return err
	}
	if err := q.dataWin.Put(ctx, target, offset+HeaderSize, msg[HeaderSize:]); err != nil {
		q.dataWin.Unlock(ctx, target)
		return err
	}
	if err := q.dataWin.Flush(ctx, target); err != nil {
		q.dataWin.Unlock(ctx, target)
		return err
	}
	if err := q.dataWin.Unlock(ctx, target); err != nil {
		return err
	}
	metrics.AMSendsTotal.WithLabelValues("dualwin").Inc()
	return nil
}

func (q *dualWin) globalOrigin() int32 {
	g, _ := q.t.L2G(q.t.MyID())
	return g
}

func (q *dualWin) Process(ctx context.Context) error {
	if !q.procMu.TryLock() {
		return nil
	}
	defer q.procMu.Unlock()
	return q.drain(ctx)
}

// drain captures and resets the local tail, copies the pending bytes
// into the scratch buffer and invokes the messages in offset order.
func (q *dualWin) drain(ctx context.Context) error {
	me := q.t.MyID()
	if err := q.tailWin.LockExclusive(ctx, me); err != nil {
		return err
	}
	var zero, prior [8]byte
	if err := q.tailWin.FetchOp(ctx, me, 0, transport.OpReplace, zero[:], prior[:], transport.ElemUint64); err != nil {
		q.tailWin.Unlock(ctx, me)
		return err
	}
	tail := binary.LittleEndian.Uint64(prior[:])
	if tail == 0 {
		return q.tailWin.Unlock(ctx, me)
	}
	if err := q.dataWin.LockExclusive(ctx, me); err != nil {
		q.tailWin.Unlock(ctx, me)
		return err
	}
	if err := q.dataWin.Get(ctx, me, 0, q.scratch[:tail]); err != nil {
		q.dataWin.Unlock(ctx, me)
		q.tailWin.Unlock(ctx, me)
		return err
	}
	if err := q.dataWin.Unlock(ctx, me); err != nil {
		q.tailWin.Unlock(ctx, me)
		return err
	}
	if err := q.tailWin.Unlock(ctx, me); err != nil {
		return err
	}

	timer := metrics.NewTimer()
	walkBuffer(q.scratch, int(tail), q.reg, q.logger, "dualwin", func() {
		metrics.AMProcessedTotal.WithLabelValues("dualwin").Inc()
	})
	timer.ObserveDurationVec(metrics.AMDrainDuration, "dualwin")
	return nil
}

func (q *dualWin) ProcessBlocking(ctx context.Context) error {
	return processUntil(ctx, q, q.t)
}

func (q *dualWin) Close(ctx context.Context) error {
	me := q.t.MyID()
	var tail [8]byte
	if err := q.tailWin.Get(ctx, me, 0, tail[:]); err != nil {
		return err
	}
	if v := binary.LittleEndian.Uint64(tail[:]); v != 0 {
		q.logger.Warn().Uint64("tailpos", v).Msg("closing queue with undelivered messages")
	}
	if err := q.dataWin.Free(); err != nil {
		return err
	}
	return q.tailWin.Free()
}
