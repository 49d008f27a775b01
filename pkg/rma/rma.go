// Package rma implements one-sided remote memory access over the
// transport: typed get/put in blocking, handle and implicit flavors,
// accumulate, fetch-op and compare-and-swap, plus the flush family.
// It also owns global memory allocation: collective team segments, the
// process-local bootstrap segment (segid 0) and registered segments
// (negative segids).
package rma

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dash-project/dartrt/pkg/dtype"
	"github.com/dash-project/dartrt/pkg/gptr"
	"github.com/dash-project/dartrt/pkg/log"
	"github.com/dash-project/dartrt/pkg/segment"
	"github.com/dash-project/dartrt/pkg/team"
	"github.com/dash-project/dartrt/pkg/transport"
)

// DefaultLocalPoolSize is the bootstrap segment's per-unit size when
// the caller does not override it.
const DefaultLocalPoolSize = 4 << 20

// Engine resolves global pointers to transport windows and issues the
// one-sided operations.
type Engine struct {
	tp     transport.Transport
	teams  *team.Registry
	types  *dtype.Registry
	logger zerolog.Logger

	mu   sync.RWMutex
	wins map[winKey]*winEntry

	pool *localPool
}

type winKey struct {
	team uint16
	seg  int16
}

type winEntry struct {
	win transport.Window
	// implicit tracks operations issued without a handle; the flush
	// family waits for them.
	implicit sync.WaitGroup
	errMu    sync.Mutex
	firstErr error
}

func (we *winEntry) recordErr(err error) {
	if err == nil {
		return
	}
	we.errMu.Lock()
	if we.firstErr == nil {
		we.firstErr = err
	}
	we.errMu.Unlock()
}

func (we *winEntry) takeErr() error {
	we.errMu.Lock()
	defer we.errMu.Unlock()
	err := we.firstErr
	we.firstErr = nil
	return err
}

// New creates the engine and installs the bootstrap segment: a window
// of poolSize bytes per unit over the root team, addressed by segid 0
// with absolute offsets.
func New(tp transport.Transport, teams *team.Registry, types *dtype.Registry, poolSize uint64) (*Engine, error) {
	if poolSize == 0 {
		poolSize = DefaultLocalPoolSize
	}
	e := &Engine{
		tp:     tp,
		teams:  teams,
		types:  types,
		logger: log.WithComponent("rma"),
		wins:   make(map[winKey]*winEntry),
	}
	win, err := teams.Root().Comm().CreateWindow(poolSize)
	if err != nil {
		return nil, fmt.Errorf("rma: bootstrap window: %w", err)
	}
	e.wins[winKey{gptr.TeamAll, gptr.SegmentLocal}] = &winEntry{win: win}
	e.pool = newLocalPool(poolSize)
	return e, nil
}

// Shutdown frees the bootstrap window. Team segments are expected to be
// freed by their owners; leftovers are logged and freed with the window
// map.
func (e *Engine) Shutdown() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for k, we := range e.wins {
		if k.seg != gptr.SegmentLocal {
			e.logger.Warn().Uint16("team", k.team).Int16("seg", k.seg).Msg("segment leaked past shutdown")
		}
		we.implicit.Wait()
		if err := we.win.Free(); err != nil {
			return err
		}
		delete(e.wins, k)
	}
	return nil
}

// Allocate collectively creates a team segment of nbytes per unit and
// returns the global pointer to local id 0's base. A zero-byte
// allocation yields a valid pointer that cannot be dereferenced but can
// be freed.
func (e *Engine) Allocate(ctx context.Context, t *team.Team, nbytes uint64) (gptr.GPtr, error) {
	win, err := t.Comm().CreateWindow(nbytes)
	if err != nil {
		return gptr.Null, fmt.Errorf("rma: allocate window: %w", err)
	}
	segID, err := t.Segments().Alloc(nbytes, int(t.Size()), win.Local())
	if err != nil {
		win.Free()
		return gptr.Null, fmt.Errorf("rma: allocate segment id: %w", err)
	}
	e.mu.Lock()
	e.wins[winKey{t.ID(), segID}] = &winEntry{win: win}
	e.mu.Unlock()
	return gptr.GPtr{UnitID: 0, SegID: segID, TeamID: t.ID()}, nil
}

// AllocateNonUniform is the varying-size form: every unit contributes
// its own byte count and the per-unit displacement vector records
// where each share starts. Pointers into the segment address the
// shares as one concatenated space; resolve translates an offset to
// the owning unit through the vector, so the unit field of the
// returned pointer is informational only.
func (e *Engine) AllocateNonUniform(ctx context.Context, t *team.Team, nbytes uint64) (gptr.GPtr, error) {
	win, err := t.Comm().CreateWindow(nbytes)
	if err != nil {
		return gptr.Null, fmt.Errorf("rma: allocate window: %w", err)
	}
	var mine [8]byte
	putLE64(mine[:], nbytes)
	sizes := make([]byte, 8*int(t.Size()))
	if err := t.Comm().Allgather(ctx, mine[:], sizes); err != nil {
		win.Free()
		return gptr.Null, fmt.Errorf("rma: allocate size gather: %w", err)
	}
	disp := make([]uint64, t.Size())
	var acc uint64
	for i := range disp {
		disp[i] = acc
		acc += getLE64(sizes[i*8:])
	}
	segID, err := t.Segments().AllocNonUniform(disp, acc, win.Local())
	if err != nil {
		win.Free()
		return gptr.Null, fmt.Errorf("rma: allocate segment id: %w", err)
	}
	e.mu.Lock()
	e.wins[winKey{t.ID(), segID}] = &winEntry{win: win}
	e.mu.Unlock()
	return gptr.GPtr{UnitID: 0, SegID: segID, TeamID: t.ID()}, nil
}

// Register collectively creates a user-owned segment (negative segid).
// The returned slice is the caller's local region; its lifetime must
// dominate every global pointer derived from the segment.
func (e *Engine) Register(ctx context.Context, t *team.Team, nbytes uint64) (gptr.GPtr, []byte, error) {
	win, err := t.Comm().CreateWindow(nbytes)
	if err != nil {
		return gptr.Null, nil, fmt.Errorf("rma: register window: %w", err)
	}
	segID, err := t.Segments().AllocRegistered(nbytes, int(t.Size()), win.Local())
	if err != nil {
		win.Free()
		return gptr.Null, nil, fmt.Errorf("rma: register segment id: %w", err)
	}
	e.mu.Lock()
	e.wins[winKey{t.ID(), segID}] = &winEntry{win: win}
	e.mu.Unlock()
	return gptr.GPtr{UnitID: 0, SegID: segID, TeamID: t.ID()}, win.Local(), nil
}

// Free collectively destroys a team segment. The segment id returns to
// its free list only after the team synchronizes inside Window.Free,
// so a concurrent allocate on another unit cannot observe the id early.
func (e *Engine) Free(ctx context.Context, t *team.Team, p gptr.GPtr) error {
	if p.IsNull() || p.SegID == gptr.SegmentLocal {
		return fmt.Errorf("rma: free of %v is not a team segment", p)
	}
	k := winKey{t.ID(), p.SegID}
	e.mu.Lock()
	we := e.wins[k]
	delete(e.wins, k)
	e.mu.Unlock()
	if we == nil {
		return fmt.Errorf("rma: segment %d not found in team %d", p.SegID, t.ID())
	}
	we.implicit.Wait()
	if err := we.win.Free(); err != nil {
		return err
	}
	return t.Segments().Free(p.SegID)
}

// AllocateLocal carves nbytes out of the bootstrap segment. The offset
// in the returned pointer is absolute within the pool, and the pointer
// is usable by any unit for RMA against this unit.
func (e *Engine) AllocateLocal(nbytes uint64) (gptr.GPtr, error) {
	off, err := e.pool.alloc(nbytes)
	if err != nil {
		return gptr.Null, err
	}
	return gptr.GPtr{
		UnitID: e.tp.Self(),
		SegID:  gptr.SegmentLocal,
		TeamID: gptr.TeamAll,
		Offset: off,
	}, nil
}

// FreeLocal returns a bootstrap-segment allocation to the pool.
func (e *Engine) FreeLocal(p gptr.GPtr) error {
	if p.SegID != gptr.SegmentLocal {
		return fmt.Errorf("rma: %v is not a local allocation", p)
	}
	if p.UnitID != e.tp.Self() {
		return fmt.Errorf("rma: local free of unit %d's memory on unit %d", p.UnitID, e.tp.Self())
	}
	return e.pool.release(p.Offset)
}

// LocalSlice exposes the caller's local bytes behind p, or nil if p
// does not point into this unit's memory.
func (e *Engine) LocalSlice(p gptr.GPtr, n uint64) ([]byte, error) {
	we, rank, off, err := e.resolve(p, n)
	if err != nil {
		return nil, err
	}
	local := we.win.Local()
	if p.SegID == gptr.SegmentLocal {
		if p.UnitID != e.tp.Self() {
			return nil, nil
		}
	} else {
		t, err := e.teams.Get(p.TeamID)
		if err != nil {
			return nil, err
		}
		if got, want := t.MyID(), rank; got != want {
			return nil, nil
		}
	}
	if off+n > uint64(len(local)) {
		return nil, fmt.Errorf("rma: local slice [%d,%d) beyond segment size %d", off, off+n, len(local))
	}
	return local[off : off+n], nil
}

// resolve translates a global pointer into (window entry, window rank,
// in-region offset) for an access of span bytes (0 for flush-style
// operations that touch no particular range). For segid 0 the offset
// is absolute within the pool. For uniform team segments the offset is
// relative to the segment base on the unit the pointer names, which in
// a per-rank window is the region start. For non-uniform segments the
// offset addresses the members' shares as one concatenated space and
// the per-unit displacement vector translates it to the owning unit's
// base.
func (e *Engine) resolve(p gptr.GPtr, span uint64) (*winEntry, int32, uint64, error) {
	if p.IsNull() {
		return nil, 0, 0, fmt.Errorf("rma: null global pointer")
	}
	if p.SegID == gptr.SegmentLocal {
		e.mu.RLock()
		we := e.wins[winKey{gptr.TeamAll, gptr.SegmentLocal}]
		e.mu.RUnlock()
		if we == nil {
			return nil, 0, 0, fmt.Errorf("rma: runtime not initialized")
		}
		return we, p.UnitID, p.Offset, nil
	}
	t, err := e.teams.Get(p.TeamID)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("rma: %w", err)
	}
	info, err := t.Segments().GetInfo(p.SegID)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("rma: %w", err)
	}
	rank, off := p.UnitID, p.Offset
	switch info.Kind {
	case segment.NonUniform:
		unit, local, err := info.Locate(p.Offset, span)
		if err != nil {
			return nil, 0, 0, fmt.Errorf("rma: %w", err)
		}
		rank, off = int32(unit), local
	default:
		if span > 0 && p.Offset+span > info.Size {
			return nil, 0, 0, fmt.Errorf("rma: access [%d,%d) beyond segment size %d",
				p.Offset, p.Offset+span, info.Size)
		}
	}
	e.mu.RLock()
	we := e.wins[winKey{p.TeamID, p.SegID}]
	e.mu.RUnlock()
	if we == nil {
		return nil, 0, 0, fmt.Errorf("rma: no window for segment %d in team %d", p.SegID, p.TeamID)
	}
	return we, rank, off, nil
}

func putLE64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func getLE64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

// localPool is a first-fit allocator over the bootstrap segment.
type localPool struct {
	mu     sync.Mutex
	size   uint64
	free   []span
	allocs map[uint64]uint64 // offset -> length
}

type span struct {
	off uint64
	len uint64
}

func newLocalPool(size uint64) *localPool {
	return &localPool{
		size:   size,
		free:   []span{{0, size}},
		allocs: make(map[uint64]uint64),
	}
}

func (p *localPool) alloc(n uint64) (uint64, error) {
	if n == 0 {
		n = 1
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.free {
		if p.free[i].len >= n {
			off := p.free[i].off
			p.free[i].off += n
			p.free[i].len -= n
			if p.free[i].len == 0 {
				p.free = append(p.free[:i], p.free[i+1:]...)
			}
			p.allocs[off] = n
			return off, nil
		}
	}
	return 0, fmt.Errorf("rma: local pool exhausted (%d bytes requested)", n)
}

func (p *localPool) release(off uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, ok := p.allocs[off]
	if !ok {
		return fmt.Errorf("rma: local free of unallocated offset %d", off)
	}
	delete(p.allocs, off)
	// Insert sorted and coalesce with neighbors so alloc/free cycles
	// leave the pool exactly as it started.
	i := 0
	for i < len(p.free) && p.free[i].off < off {
		i++
	}
	p.free = append(p.free, span{})
	copy(p.free[i+1:], p.free[i:])
	p.free[i] = span{off, n}
	if i+1 < len(p.free) && p.free[i].off+p.free[i].len == p.free[i+1].off {
		p.free[i].len += p.free[i+1].len
		p.free = append(p.free[:i+1], p.free[i+2:]...)
	}
	if i > 0 && p.free[i-1].off+p.free[i-1].len == p.free[i].off {
		p.free[i-1].len += p.free[i].len
		p.free = append(p.free[:i], p.free[i+1:]...)
	}
	return nil
}
