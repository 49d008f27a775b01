// Package local implements the transport over a single process: every
// unit is a goroutine sharing one Fabric. Windows are plain byte slices
// guarded by per-rank mutexes, collectives rendezvous through a shared
// operation table. This is the fabric the test suite and the dartctl
// simulator run on.
package local

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dash-project/dartrt/pkg/transport"
)

// Fabric is the shared state of an n-unit in-process cluster.
type Fabric struct {
	n int32

	mu       sync.Mutex
	comms    map[string]*commShared
	groupSeq map[string]map[int32]int
}

// New creates a fabric of n units and returns one endpoint per unit.
func New(n int) ([]*Endpoint, error) {
	if n <= 0 {
		return nil, fmt.Errorf("local: fabric size must be positive, got %d", n)
	}
	f := &Fabric{
		n:        int32(n),
		comms:    make(map[string]*commShared),
		groupSeq: make(map[string]map[int32]int),
	}
	units := make([]int32, n)
	for i := range units {
		units[i] = int32(i)
	}
	eps := make([]*Endpoint, n)
	for i := range eps {
		eps[i] = &Endpoint{fabric: f, self: int32(i)}
	}
	// The world communicator exists before any endpoint runs, so it can
	// be built directly instead of through the rendezvous path.
	ws := newCommShared(f, units)
	for i := range eps {
		eps[i].world = &Comm{shared: ws, rank: int32(i)}
	}
	f.mu.Lock()
	f.comms[signature(units)+"#world"] = ws
	f.mu.Unlock()
	return eps, nil
}

// Endpoint is one unit's handle into the fabric.
type Endpoint struct {
	fabric *Fabric
	self   int32
	world  *Comm
}

func (e *Endpoint) Self() int32           { return e.self }
func (e *Endpoint) Size() int32           { return e.fabric.n }
func (e *Endpoint) World() transport.Comm { return e.world }
func (e *Endpoint) Close() error          { return nil }

// Group pairs callers by arrival ordinal per unit list: every member
// issues group creations in the same order, so the i-th call with a
// given unit list on one member matches the i-th call on every other.
func (e *Endpoint) Group(units []int32) (transport.Comm, error) {
	rank := int32(-1)
	for i, u := range units {
		if u == e.self {
			rank = int32(i)
		}
		if u < 0 || u >= e.fabric.n {
			return nil, fmt.Errorf("local: unit %d out of range", u)
		}
	}
	if rank < 0 {
		return nil, fmt.Errorf("local: unit %d not in group", e.self)
	}
	sig := signature(units)

	f := e.fabric
	f.mu.Lock()
	seqs := f.groupSeq[sig]
	if seqs == nil {
		seqs = make(map[int32]int)
		f.groupSeq[sig] = seqs
	}
	inst := seqs[e.self]
	seqs[e.self] = inst + 1
	key := fmt.Sprintf("%s#%d", sig, inst)
	cs := f.comms[key]
	if cs == nil {
		cs = newCommShared(f, append([]int32(nil), units...))
		f.comms[key] = cs
	}
	f.mu.Unlock()
	return &Comm{shared: cs, rank: rank}, nil
}

func signature(units []int32) string {
	s := append([]int32(nil), units...)
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
	return fmt.Sprint(s)
}

// commShared is the rank-independent half of a communicator.
type commShared struct {
	fabric *Fabric
	units  []int32

	mu      sync.Mutex
	colls   map[uint64]*collOp
	windows map[uint64]*winShared
}

func newCommShared(f *Fabric, units []int32) *commShared {
	return &commShared{
		fabric:  f,
		units:   units,
		colls:   make(map[uint64]*collOp),
		windows: make(map[uint64]*winShared),
	}
}

// collOp is one in-flight collective: a slot per rank plus a latch.
type collOp struct {
	contrib [][]byte
	arrived int
	readers int
	done    chan struct{}
}

// Comm is one rank's handle on a communicator.
type Comm struct {
	shared *commShared
	rank   int32

	collSeq uint64
	winSeq  uint64
}

func (c *Comm) Rank() int32    { return c.rank }
func (c *Comm) Size() int32    { return int32(len(c.shared.units)) }
func (c *Comm) Units() []int32 { return append([]int32(nil), c.shared.units...) }

func (c *Comm) Free() error {
	// Nothing owned beyond the shared maps, which die with the fabric.
	return c.Barrier(context.Background())
}

// exchange deposits this rank's contribution under the next collective
// sequence number and blocks until every rank has deposited. All ranks
// observe the same contribution vector; callers must not mutate it.
func (c *Comm) exchange(ctx context.Context, contribution []byte) ([][]byte, error) {
	seq := c.collSeq
	c.collSeq++
	n := len(c.shared.units)

	cs := c.shared
	cs.mu.Lock()
	op := cs.colls[seq]
	if op == nil {
		op = &collOp{contrib: make([][]byte, n), done: make(chan struct{})}
		cs.colls[seq] = op
	}
	op.contrib[c.rank] = append([]byte(nil), contribution...)
	op.arrived++
	if op.arrived == n {
		close(op.done)
	}
	cs.mu.Unlock()

	select {
	case <-op.done:
	case <-ctx.Done():
		return nil, fmt.Errorf("local: collective interrupted: %w", ctx.Err())
	}

	cs.mu.Lock()
	result := op.contrib
	op.readers++
	if op.readers == n {
		delete(cs.colls, seq)
	}
	cs.mu.Unlock()
	return result, nil
}

func (c *Comm) Barrier(ctx context.Context) error {
	_, err := c.exchange(ctx, nil)
	return err
}

func (c *Comm) Bcast(ctx context.Context, buf []byte, root int32) error {
	return transport.BcastVia(ctx, c.exchange, c.rank, buf, root)
}

func (c *Comm) Allgather(ctx context.Context, send, recv []byte) error {
	return transport.AllgatherVia(ctx, c.exchange, send, recv)
}

func (c *Comm) Allgatherv(ctx context.Context, send []byte, counts []int, recv []byte) error {
	return transport.AllgathervVia(ctx, c.exchange, send, counts, recv)
}

func (c *Comm) Gather(ctx context.Context, send, recv []byte, root int32) error {
	return transport.GatherVia(ctx, c.exchange, c.rank, send, recv, root)
}

func (c *Comm) Scatter(ctx context.Context, send, recv []byte, root int32) error {
	return transport.ScatterVia(ctx, c.exchange, c.rank, send, recv, root)
}

func (c *Comm) Alltoall(ctx context.Context, send, recv []byte) error {
	return transport.AlltoallVia(ctx, c.exchange, c.rank, send, recv)
}

func (c *Comm) Allreduce(ctx context.Context, send, recv []byte, elem transport.Elem, op transport.ReduceOp) error {
	return transport.AllreduceVia(ctx, c.exchange, send, recv, elem, op)
}

func (c *Comm) Reduce(ctx context.Context, send, recv []byte, elem transport.Elem, op transport.ReduceOp, root int32) error {
	return transport.ReduceVia(ctx, c.exchange, c.rank, send, recv, elem, op, root)
}

// winShared is the rank-independent half of a window.
type winShared struct {
	regions [][]byte
	memMu   []sync.Mutex   // guards region contents and atomics
	lockMu  []sync.RWMutex // passive-target locks
	set     int
	ready   chan struct{}
	mu      sync.Mutex
}

// CreateWindow allocates this rank's region and rendezvouses with the
// other members so that remote access is valid on return.
func (c *Comm) CreateWindow(localSize uint64) (transport.Window, error) {
	seq := c.winSeq
	c.winSeq++
	n := len(c.shared.units)

	cs := c.shared
	cs.mu.Lock()
	ws := cs.windows[seq]
	if ws == nil {
		ws = &winShared{
			regions: make([][]byte, n),
			memMu:   make([]sync.Mutex, n),
			lockMu:  make([]sync.RWMutex, n),
			ready:   make(chan struct{}),
		}
		cs.windows[seq] = ws
	}
	cs.mu.Unlock()

	ws.mu.Lock()
	ws.regions[c.rank] = make([]byte, localSize)
	ws.set++
	if ws.set == n {
		close(ws.ready)
	}
	ws.mu.Unlock()
	<-ws.ready

	return &Window{comm: c, shared: ws, held: make(map[int32]bool)}, nil
}

// Window is one rank's handle on a window. Operations complete before
// returning, so the flush family is a no-op.
type Window struct {
	comm   *Comm
	shared *winShared
	held   map[int32]bool // rank -> exclusive? for Unlock bookkeeping
	heldMu sync.Mutex
}

func (w *Window) region(rank int32, offset uint64, n int) ([]byte, error) {
	if rank < 0 || int(rank) >= len(w.shared.regions) {
		return nil, fmt.Errorf("local: window rank %d out of range", rank)
	}
	r := w.shared.regions[rank]
	if offset+uint64(n) > uint64(len(r)) {
		return nil, fmt.Errorf("local: window access [%d,%d) beyond region size %d", offset, offset+uint64(n), len(r))
	}
	return r[offset : offset+uint64(n)], nil
}

func (w *Window) Put(ctx context.Context, rank int32, offset uint64, data []byte) error {
	dst, err := w.region(rank, offset, len(data))
	if err != nil {
		return err
	}
	w.shared.memMu[rank].Lock()
	copy(dst, data)
	w.shared.memMu[rank].Unlock()
	return nil
}

func (w *Window) Get(ctx context.Context, rank int32, offset uint64, buf []byte) error {
	src, err := w.region(rank, offset, len(buf))
	if err != nil {
		return err
	}
	w.shared.memMu[rank].Lock()
	copy(buf, src)
	w.shared.memMu[rank].Unlock()
	return nil
}

func (w *Window) Accumulate(ctx context.Context, rank int32, offset uint64, data []byte, elem transport.Elem, op transport.ReduceOp) error {
	dst, err := w.region(rank, offset, len(data))
	if err != nil {
		return err
	}
	w.shared.memMu[rank].Lock()
	defer w.shared.memMu[rank].Unlock()
	return transport.Apply(op, data, dst, elem)
}

func (w *Window) FetchOp(ctx context.Context, rank int32, offset uint64, op transport.ReduceOp, operand, result []byte, elem transport.Elem) error {
	dst, err := w.region(rank, offset, elem.Size)
	if err != nil {
		return err
	}
	w.shared.memMu[rank].Lock()
	defer w.shared.memMu[rank].Unlock()
	copy(result, dst)
	return transport.Apply(op, operand, dst, elem)
}

func (w *Window) CompareSwap(ctx context.Context, rank int32, offset uint64, expect, desired, result []byte) error {
	if len(expect) != len(desired) {
		return fmt.Errorf("local: compare-swap operand length mismatch")
	}
	dst, err := w.region(rank, offset, len(expect))
	if err != nil {
		return err
	}
	w.shared.memMu[rank].Lock()
	defer w.shared.memMu[rank].Unlock()
	copy(result, dst)
	if bytesEqual(dst, expect) {
		copy(dst, desired)
	}
	return nil
}

func bytesEqual(a, b []byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (w *Window) LockExclusive(ctx context.Context, rank int32) error {
	w.shared.lockMu[rank].Lock()
	w.heldMu.Lock()
	w.held[rank] = true
	w.heldMu.Unlock()
	return nil
}

func (w *Window) LockShared(ctx context.Context, rank int32) error {
	w.shared.lockMu[rank].RLock()
	w.heldMu.Lock()
	w.held[rank] = false
	w.heldMu.Unlock()
	return nil
}

func (w *Window) Unlock(ctx context.Context, rank int32) error {
	w.heldMu.Lock()
	exclusive, ok := w.held[rank]
	delete(w.held, rank)
	w.heldMu.Unlock()
	if !ok {
		return fmt.Errorf("local: unlock of rank %d without a held lock", rank)
	}
	if exclusive {
		w.shared.lockMu[rank].Unlock()
	} else {
		w.shared.lockMu[rank].RUnlock()
	}
	return nil
}

func (w *Window) Flush(ctx context.Context, rank int32) error      { return nil }
func (w *Window) FlushLocal(ctx context.Context, rank int32) error { return nil }
func (w *Window) FlushAll(ctx context.Context) error               { return nil }

func (w *Window) Local() []byte {
	return w.shared.regions[w.comm.rank]
}

func (w *Window) Free() error {
	return w.comm.Barrier(context.Background())
}
