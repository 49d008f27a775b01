package amsgq

import (
	"context"
	"encoding/binary"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dash-project/dartrt/pkg/dartcode"
	"github.com/dash-project/dartrt/pkg/log"
	"github.com/dash-project/dartrt/pkg/metrics"
	"github.com/dash-project/dartrt/pkg/team"
	"github.com/dash-project/dartrt/pkg/transport"
)

// sopnop window layout, 8-byte little-endian cells: the queue selector,
// one writer count and one tail position per buffer, then the two ring
// buffers back to back.
const (
	snOffCurrent = 0
	snOffWriter0 = 8
	snOffWriter1 = 16
	snOffTail0   = 24
	snOffTail1   = 32
	snOffData    = 40
)

// processingSignal marks a buffer closed for writers: added to the
// writer count when the receiver claims the buffer, removed when the
// buffer reopens. Writers that fetch a negative count retreat.
const processingSignal = int64(math.MinInt32)

// spinBackoff paces writer retreat-retry and the receiver's wait for
// in-flight writers.
const spinBackoff = 5 * time.Microsecond

// sopnop is the double-buffered backend: senders never take a window
// lock. A send atomically picks the open buffer, registers as a writer
// and reserves its offset with fetch-and-adds; the receiver swaps the
// buffers, closes the retired one to new writers, waits for in-flight
// writers to drain and scans it without contention.
type sopnop struct {
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

func openSopnop(t *team.Team, reg *Registry, msgSize, numMsgs int) (Queue, error) {
	bufSize := numMsgs * slotSize(msgSize)
	win, err := t.Comm().CreateWindow(uint64(snOffData + 2*bufSize))
	if err != nil {
		return nil, err
	}
	// Buffer 0 starts open, buffer 1 closed; the receiver's swap keeps
	// exactly one buffer closed from then on.
	local := win.Local()
	initWriter1 := processingSignal
	binary.LittleEndian.PutUint64(local[snOffWriter1:], uint64(initWriter1))
	if err := t.Comm().Barrier(context.Background()); err != nil {
		win.Free()
		return nil, err
	}
	return &sopnop{
		t:       t,
		reg:     reg,
		logger:  log.WithComponent("amsgq").With().Str("backend", "sopnop").Uint16("team", t.ID()).Logger(),
		msgSize: msgSize,
		bufSize: bufSize,
		win:     win,
		scratch: make([]byte, bufSize),
	}, nil
}

func snWriterOff(q uint64) uint64 {
	if q == 0 {
		return snOffWriter0
	}
	return snOffWriter1
}

func snTailOff(q uint64) uint64 {
	if q == 0 {
		return snOffTail0
	}
	return snOffTail1
}

func (q *sopnop) dataOff(buf uint64) uint64 {
	return snOffData + buf*uint64(q.bufSize)
}

func (q *sopnop) fetchAdd(ctx context.Context, target int32, off uint64, delta int64) (int64, error) {
	var operand, prior [8]byte
	binary.LittleEndian.PutUint64(operand[:], uint64(delta))
	if err := q.win.FetchOp(ctx, target, off, transport.OpSum, operand[:], prior[:], transport.ElemInt64); err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(prior[:])), nil
}

func (q *sopnop) TrySend(ctx context.Context, target int32, fnID uint64, payload []byte) error {
	if len(payload) > q.msgSize {
		return dartcode.New(dartcode.ErrInval, "amsgq: payload exceeds message size bound")
	}
	msg := packMessage(fnID, q.globalOrigin(), payload)

	q.sendMu.Lock()
	defer q.sendMu.Unlock()

	var buf uint64
	for {
		// Read the selector, then register as a writer on that buffer.
		// A negative prior count means the receiver closed it between
		// the two operations; retreat and retry against the new
		// selector value.
		var zero, cur [8]byte
		if err := q.win.FetchOp(ctx, target, snOffCurrent, transport.OpNoOp, zero[:], cur[:], transport.ElemInt64); err != nil {
			return err
		}
		buf = binary.LittleEndian.Uint64(cur[:]) % 2
		prior, err := q.fetchAdd(ctx, target, snWriterOff(buf), 1)
		if err != nil {
			return err
		}
		if prior >= 0 {
			break
		}
		if _, err := q.fetchAdd(ctx, target, snWriterOff(buf), -1); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(spinBackoff):
		}
	}

	tail, err := q.fetchAdd(ctx, target, snTailOff(buf), int64(len(msg)))
	if err != nil {
		return err
	}
	if tail+int64(len(msg)) > int64(q.bufSize) {
		if _, err := q.fetchAdd(ctx, target, snTailOff(buf), -int64(len(msg))); err != nil {
			return err
		}
		if _, err := q.fetchAdd(ctx, target, snWriterOff(buf), -1); err != nil {
			return err
		}
		metrics.AMRetriesTotal.WithLabelValues("sopnop").Inc()
		return dartcode.New(dartcode.ErrAgain, "amsgq: target queue full")
	}
	if err := q.win.Put(ctx, target, q.dataOff(buf)+uint64(tail), msg); err != nil {
		return err
	}
	if err := q.win.Flush(ctx, target); err != nil {
		return err
	}
	if _, err := q.fetchAdd(ctx, target, snWriterOff(buf), -1); err != nil {
		return err
	}
	metrics.AMSendsTotal.WithLabelValues("sopnop").Inc()
	return nil
}

func (q *sopnop) globalOrigin() int32 {
	g, _ := q.t.L2G(q.t.MyID())
	return g
}

func (q *sopnop) Process(ctx context.Context) error {
	if !q.procMu.TryLock() {
		return nil
	}
	defer q.procMu.Unlock()
	return q.drain(ctx)
}

func (q *sopnop) drain(ctx context.Context) error {
	me := q.t.MyID()

	var zeroSel, sel, tailPeek [8]byte
	if err := q.win.FetchOp(ctx, me, snOffCurrent, transport.OpNoOp, zeroSel[:], sel[:], transport.ElemInt64); err != nil {
		return err
	}
	cur := binary.LittleEndian.Uint64(sel[:]) % 2
	if err := q.win.Get(ctx, me, snTailOff(cur), tailPeek[:]); err != nil {
		return err
	}
	if binary.LittleEndian.Uint64(tailPeek[:]) == 0 {
		return nil
	}

	// Swap buffers: advance the selector, reopen the standby buffer
	// for new writers, close the retired one.
	var delta int64 = 1
	if cur == 1 {
		delta = -1
	}
	if _, err := q.fetchAdd(ctx, me, snOffCurrent, delta); err != nil {
		return err
	}
	other := 1 - cur
	if _, err := q.fetchAdd(ctx, me, snWriterOff(other), -processingSignal); err != nil {
		return err
	}
	if _, err := q.fetchAdd(ctx, me, snWriterOff(cur), processingSignal); err != nil {
		return err
	}

	// Wait for in-flight writers on the retired buffer to finish their
	// payload puts and deregister.
	for {
		var zero, count [8]byte
		if err := q.win.FetchOp(ctx, me, snWriterOff(cur), transport.OpNoOp, zero[:], count[:], transport.ElemInt64); err != nil {
			return err
		}
		if int64(binary.LittleEndian.Uint64(count[:])) == processingSignal {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(spinBackoff):
		}
	}

	var zero, prior [8]byte
	if err := q.win.FetchOp(ctx, me, snTailOff(cur), transport.OpReplace, zero[:], prior[:], transport.ElemInt64); err != nil {
		return err
	}
	tail := int64(binary.LittleEndian.Uint64(prior[:]))
	if tail == 0 {
		return nil
	}
	if err := q.win.Get(ctx, me, q.dataOff(cur), q.scratch[:tail]); err != nil {
		return err
	}

	timer := metrics.NewTimer()
	walkBuffer(q.scratch, int(tail), q.reg, q.logger, "sopnop", func() {
		metrics.AMProcessedTotal.WithLabelValues("sopnop").Inc()
	})
	timer.ObserveDurationVec(metrics.AMDrainDuration, "sopnop")
	return nil
}

func (q *sopnop) ProcessBlocking(ctx context.Context) error {
	return processUntil(ctx, q, q.t)
}

// Close checks both tail positions for late messages before freeing the
// window. The check reads only the low 32 bits of each 64-bit tail
// cell, so a tail beyond 4 GiB could be misreported; the consequence is
// a possibly misleading warning, nothing more.
func (q *sopnop) Close(ctx context.Context) error {
	me := q.t.MyID()
	var lo0, lo1 [4]byte
	if err := q.win.Get(ctx, me, snOffTail0, lo0[:]); err != nil {
		return err
	}
	if err := q.win.Get(ctx, me, snOffTail1, lo1[:]); err != nil {
		return err
	}
	t0 := binary.LittleEndian.Uint32(lo0[:])
	t1 := binary.LittleEndian.Uint32(lo1[:])
	if t0 != 0 || t1 != 0 {
		q.logger.Warn().Uint32("tail0", t0).Uint32("tail1", t1).
			Msg("closing queue with undelivered messages")
	}
	return q.win.Free()
}
