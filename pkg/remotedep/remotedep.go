// Package remotedep implements the remote-dependency protocol: tasks
// whose dependency keys live on other units exchange dep, direct-dep
// and release messages over an active-message queue.
//
// Only IN dependencies cross units; a write to remote memory must be
// expressed as a local OUT at the owning unit. A remote predecessor is
// represented locally by a dummy task, finished when the owner's
// release message arrives, so local successors link and release
// through the ordinary completion path.
package remotedep

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dash-project/dartrt/pkg/amsgq"
	"github.com/dash-project/dartrt/pkg/dartcode"
	"github.com/dash-project/dartrt/pkg/deptable"
	"github.com/dash-project/dartrt/pkg/gptr"
	"github.com/dash-project/dartrt/pkg/log"
	"github.com/dash-project/dartrt/pkg/task"
)

// Handler names; all units must register the same set before opening
// their queues.
const (
	fnRemoteDep = "dart.remotedep.dep"
	fnDirectDep = "dart.remotedep.direct"
	fnRelease   = "dart.remotedep.release"
)

// sendBackoff paces retries when the target queue is full.
const sendBackoff = 20 * time.Microsecond

// reader records a remote unit's pending IN on a local key; the next
// local writer on that key orders itself behind it.
type reader struct {
	unit int32
	ref  uint64
}

// Protocol wires the scheduler to the active-message queue. Create it
// before opening the queue (handler registration feeds the queue's
// fingerprint check), then Bind the queue.
type Protocol struct {
	sched    *task.Scheduler
	selfUnit int32
	logger   zerolog.Logger

	queueMu sync.RWMutex
	queue   amsgq.Queue

	idRemoteDep uint64
	idDirectDep uint64
	idRelease   uint64

	mu      sync.Mutex
	nextRef uint64
	// awaiting maps exported refs to the local object a release or
	// direct-dep resolves against: a dummy task standing in for a
	// remote predecessor, or a reader task awaiting direct edges.
	awaiting map[uint64]*task.Task
	readers  map[gptr.GPtr][]reader
}

// New registers the protocol's handlers and installs it as the
// scheduler's remote-dependency sink.
func New(sched *task.Scheduler, reg *amsgq.Registry, selfUnit int32) *Protocol {
	p := &Protocol{
		sched:    sched,
		selfUnit: selfUnit,
		logger:   log.WithComponent("remotedep").With().Int32("unit", selfUnit).Logger(),
		awaiting: make(map[uint64]*task.Task),
		readers:  make(map[gptr.GPtr][]reader),
	}
	p.idRemoteDep = reg.Register(fnRemoteDep, p.handleRemoteDep)
	p.idDirectDep = reg.Register(fnDirectDep, p.handleDirectDep)
	p.idRelease = reg.Register(fnRelease, p.handleRelease)
	sched.SetRemoteDeps(p)
	return p
}

// Bind attaches the opened queue; sends before Bind fail.
func (p *Protocol) Bind(q amsgq.Queue) {
	p.queueMu.Lock()
	p.queue = q
	p.queueMu.Unlock()
}

func (p *Protocol) send(unit int32, fnID uint64, payload []byte) error {
	p.queueMu.RLock()
	q := p.queue
	p.queueMu.RUnlock()
	if q == nil {
		return fmt.Errorf("remotedep: no queue bound")
	}
	ctx := context.Background()
	for {
		err := q.TrySend(ctx, unit, fnID, payload)
		if err == nil {
			return nil
		}
		if dartcode.CodeOf(err) != dartcode.ErrAgain {
			return err
		}
		// Target full: drain our own queue while backing off, the
		// target may be blocked sending to us.
		if perr := q.Process(ctx); perr != nil {
			return perr
		}
		time.Sleep(sendBackoff)
	}
}

func (p *Protocol) export(t *task.Task) uint64 {
	p.mu.Lock()
	p.nextRef++
	ref := p.nextRef
	p.awaiting[ref] = t
	p.mu.Unlock()
	return ref
}

func (p *Protocol) lookup(ref uint64) *task.Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.awaiting[ref]
}

func (p *Protocol) drop(ref uint64) {
	p.mu.Lock()
	delete(p.awaiting, ref)
	p.mu.Unlock()
}

// SubmitRemoteDep implements task.RemoteDeps: an IN on remote memory
// becomes a dummy predecessor locally and a REMOTE_DEP message to the
// owner.
func (p *Protocol) SubmitRemoteDep(t *task.Task, dep task.Dep) error {
	dummy := p.sched.NewDummy(fmt.Sprintf("remote:%s", dep.Ptr))
	t.AddUnresolved()
	dummy.AddLocalSuccessor(t)
	ref := p.export(dummy)

	payload := make([]byte, gptr.WireSize+16)
	wire := gptr.Encode(dep.Ptr)
	copy(payload, wire[:])
	payload[gptr.WireSize] = byte(dep.Kind)
	binary.LittleEndian.PutUint64(payload[gptr.WireSize+8:], ref)
	return p.send(dep.Ptr.UnitID, p.idRemoteDep, payload)
}

// NotifyLocalWrite orders a local writer behind every pending remote
// reader of the same key: each reader's unit gets a DIRECT_DEP naming
// our writer, and the writer waits for the matching releases.
func (p *Protocol) NotifyLocalWrite(t *task.Task, dep task.Dep) {
	p.mu.Lock()
	pending := p.readers[dep.Ptr]
	delete(p.readers, dep.Ptr)
	p.mu.Unlock()
	for _, r := range pending {
		t.AddUnresolved()
		ref := p.export(t)
		payload := make([]byte, 16)
		binary.LittleEndian.PutUint64(payload[0:8], r.ref)
		binary.LittleEndian.PutUint64(payload[8:16], ref)
		if err := p.send(r.unit, p.idDirectDep, payload); err != nil {
			p.logger.Error().Err(err).Int32("unit", r.unit).Msg("direct-dep send failed")
			p.drop(ref)
			p.releaseLocal(t)
		}
	}
}

// SendRelease implements task.RemoteDeps for finished predecessors.
func (p *Protocol) SendRelease(succ task.RemoteSucc) error {
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint64(payload, succ.Ref)
	return p.send(succ.Unit, p.idRelease, payload)
}

// handleRemoteDep runs at the owning unit: link the remote reader
// behind the newest unfinished local writer, or release immediately,
// and remember the reader so later local writers wait for it.
func (p *Protocol) handleRemoteDep(origin int32, payload []byte) {
	if len(payload) < gptr.WireSize+16 {
		p.logger.Error().Int("len", len(payload)).Msg("short REMOTE_DEP payload")
		return
	}
	var wire [gptr.WireSize]byte
	copy(wire[:], payload)
	key := gptr.Decode(wire)
	kind := deptable.Kind(payload[gptr.WireSize])
	ref := binary.LittleEndian.Uint64(payload[gptr.WireSize+8:])
	if kind != deptable.In {
		p.logger.Error().Str("kind", kind.String()).Msg("unsupported remote dependency kind")
		return
	}

	released := true
	if ent := p.sched.RootDeps().LatestWriter(key); ent != nil {
		if w, ok := ent.Task.(*task.Task); ok {
			if w.AddRemoteSuccessor(task.RemoteSucc{Unit: origin, Ref: ref, Kind: kind}) {
				released = false
			}
		}
	}
	if released {
		if err := p.send(origin, p.idRelease, payload[gptr.WireSize+8:gptr.WireSize+16]); err != nil {
			p.logger.Error().Err(err).Int32("unit", origin).Msg("immediate release send failed")
		}
	}

	p.mu.Lock()
	p.readers[key] = append(p.readers[key], reader{unit: origin, ref: ref})
	p.mu.Unlock()
}

// handleDirectDep runs at the reader's unit: the owner's writer waits
// for our reader task; hook it in as a remote successor, or release at
// once when the reader already finished.
func (p *Protocol) handleDirectDep(origin int32, payload []byte) {
	if len(payload) < 16 {
		p.logger.Error().Int("len", len(payload)).Msg("short DIRECT_DEP payload")
		return
	}
	readerRef := binary.LittleEndian.Uint64(payload[0:8])
	writerRef := binary.LittleEndian.Uint64(payload[8:16])

	// The reader ref names the dummy we exported for the reader task's
	// remote IN, or — after the dummy's release — the reader task
	// itself; the writer must wait until that whole task finishes.
	t := p.lookup(readerRef)
	if t != nil && t.State() == task.Dummy {
		t = t.LocalSuccessorTask()
	}
	if t == nil || !t.AddRemoteSuccessor(task.RemoteSucc{Unit: origin, Ref: writerRef, Kind: deptable.Direct}) {
		var resp [8]byte
		binary.LittleEndian.PutUint64(resp[:], writerRef)
		if err := p.send(origin, p.idRelease, resp[:]); err != nil {
			p.logger.Error().Err(err).Int32("unit", origin).Msg("direct-dep release send failed")
		}
	}
}

// handleRelease finishes the dummy (or decrements the waiting writer)
// behind ref.
func (p *Protocol) handleRelease(origin int32, payload []byte) {
	if len(payload) < 8 {
		p.logger.Error().Int("len", len(payload)).Msg("short RELEASE payload")
		return
	}
	ref := binary.LittleEndian.Uint64(payload[0:8])
	t := p.lookup(ref)
	if t == nil {
		p.logger.Warn().Uint64("ref", ref).Msg("release for unknown reference")
		return
	}
	if t.State() == task.Dummy {
		// Keep the ref resolvable for direct-dep edges until the reader
		// task behind the dummy has itself finished.
		if succ := t.LocalSuccessorTask(); succ != nil {
			p.mu.Lock()
			p.awaiting[ref] = succ
			p.mu.Unlock()
			go func() {
				<-succ.Done()
				p.drop(ref)
			}()
		} else {
			p.drop(ref)
		}
		p.sched.FinishDummy(t)
		return
	}
	p.drop(ref)
	p.releaseLocal(t)
}

func (p *Protocol) releaseLocal(t *task.Task) {
	p.sched.ReleaseExternal(t)
}
