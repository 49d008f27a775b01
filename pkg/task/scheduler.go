package task

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/dash-project/dartrt/pkg/config"
	"github.com/dash-project/dartrt/pkg/deptable"
	"github.com/dash-project/dartrt/pkg/log"
	"github.com/dash-project/dartrt/pkg/metrics"
)

// RemoteDeps is the hook the remote-dependency protocol installs:
// routing dependencies on other units' memory out and releases back.
type RemoteDeps interface {
	// SubmitRemoteDep announces t's IN dependency on remote memory to
	// the owning unit. The implementation bumps t's unresolved counter
	// and arranges the release.
	SubmitRemoteDep(t *Task, dep Dep) error
	// NotifyLocalWrite reports a write-kind dependency on local memory,
	// so writers can be ordered behind remote readers of the same key.
	NotifyLocalWrite(t *Task, dep Dep)
	// SendRelease notifies a remote successor that its predecessor here
	// has finished.
	SendRelease(succ RemoteSucc) error
}

// Spec describes a task to create.
type Spec struct {
	Fn    Fn
	Arg   interface{}
	Prio  Prio
	Deps  []Dep
	Descr string
	// NumaHint steers the initial worker choice; zero or negative means
	// no preference.
	NumaHint int
	// Parent defaults to the root task.
	Parent *Task
}

// Scheduler owns the worker pool and the root task. One instance per
// process, created during Init.
type Scheduler struct {
	cfg        config.Runtime
	logger     zerolog.Logger
	numWorkers int
	workers    []*worker

	root     *Task
	selfUnit int32

	wg       sync.WaitGroup
	started  atomic.Bool
	stopping atomic.Bool

	mu       sync.Mutex
	deferred []*Task

	rr atomic.Int32

	remote RemoteDeps

	utilStop chan struct{}
	pollMu   sync.Mutex
	pollers  []func()
}

// numUtilityThreads is the fixed count of non-worker service threads;
// they run registered pollers (active-message processing, handle
// completion sweeps).
const numUtilityThreads = 1

// NewScheduler builds the pool. selfUnit is this process's global unit
// id, used to classify dependency keys as local or remote.
func NewScheduler(cfg config.Runtime, selfUnit int32) *Scheduler {
	n := cfg.NumThreads
	if n <= 0 {
		n = runtime.NumCPU()
	}
	s := &Scheduler{
		cfg:        cfg,
		logger:     log.WithComponent("task"),
		numWorkers: n,
		selfUnit:   selfUnit,
		utilStop:   make(chan struct{}),
	}
	s.root = newTask(nil, nil, PrioNormal, nil, "root")
	s.root.setState(Running)
	s.workers = make([]*worker, n)
	for i := range s.workers {
		s.workers[i] = newWorker(int32(i), s)
	}
	return s
}

// Root returns the implicit root task; its dependency table is the
// process-wide one.
func (s *Scheduler) Root() *Task { return s.root }

// RootDeps returns the process-wide dependency table, the one the
// remote-dependency handlers consult.
func (s *Scheduler) RootDeps() *deptable.Table { return s.root.depTable() }

// NumWorkers returns the worker thread count.
func (s *Scheduler) NumWorkers() int { return s.numWorkers }

// SetRemoteDeps installs the remote-dependency protocol; call before
// tasks with remote keys are created.
func (s *Scheduler) SetRemoteDeps(rd RemoteDeps) { s.remote = rd }

// AddPoller registers a function the utility thread calls repeatedly
// while the scheduler runs.
func (s *Scheduler) AddPoller(f func()) {
	s.pollMu.Lock()
	s.pollers = append(s.pollers, f)
	s.pollMu.Unlock()
}

// Start launches the workers and the utility thread, then releases any
// tasks deferred before the pool existed.
func (s *Scheduler) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	s.logger.Info().Int("workers", s.numWorkers).
		Int("stack_hint", s.cfg.TaskStackSize).
		Bool("affinity", s.cfg.ThreadAffinity).
		Msg("starting task scheduler")
	// Deferred tasks land in the queues before any worker starts
	// popping, so priority order holds for work created pre-start.
	s.mu.Lock()
	deferred := s.deferred
	s.deferred = nil
	s.mu.Unlock()
	for _, t := range deferred {
		s.dispatch(t)
	}
	for _, w := range s.workers {
		s.wg.Add(1)
		go w.run()
	}
	for i := 0; i < numUtilityThreads; i++ {
		go s.utility()
	}
}

func (s *Scheduler) utility() {
	for {
		select {
		case <-s.utilStop:
			return
		default:
		}
		s.pollMu.Lock()
		pollers := s.pollers
		s.pollMu.Unlock()
		for _, f := range pollers {
			f()
		}
		time.Sleep(100 * time.Microsecond)
	}
}

// Shutdown stops the workers after the queues drain. Callers complete
// outstanding task graphs first; anything still queued is abandoned.
func (s *Scheduler) Shutdown() {
	if !s.stopping.CompareAndSwap(false, true) {
		return
	}
	close(s.utilStop)
	for _, w := range s.workers {
		w.mu.Lock()
		w.cond.Broadcast()
		w.mu.Unlock()
	}
	s.wg.Wait()
	for _, w := range s.workers {
		w.mu.Lock()
		for _, c := range w.ctxFree {
			close(c.tasks)
		}
		w.ctxFree = nil
		w.mu.Unlock()
	}
	s.logger.Info().Msg("task scheduler stopped")
}

// CreateTask builds a task, links its dependencies and, when they are
// already resolved, queues it — or runs it in place for PrioInline.
func (s *Scheduler) CreateTask(spec Spec) (*Task, error) {
	if spec.Fn == nil {
		return nil, fmt.Errorf("task: nil body")
	}
	parent := spec.Parent
	if parent == nil {
		parent = s.root
	}
	numa := spec.NumaHint
	if numa == 0 {
		numa = -1
	}
	t := newTask(spec.Fn, spec.Arg, spec.Prio, parent, spec.Descr)
	t.numaHint = numa
	parent.children.Add(1)
	t.setState(Created)

	// A creation guard on the counter keeps an early release (a remote
	// predecessor finishing mid-link) from queueing the task before all
	// of its dependencies are in place.
	t.unresolved.Add(1)
	for _, dep := range spec.Deps {
		if err := s.linkDep(t, parent, dep); err != nil {
			parent.children.Add(-1)
			return nil, err
		}
	}
	if t.unresolved.Add(-1) > 0 {
		return t, nil
	}
	if t.prio == PrioInline {
		s.runInline(t)
		return t, nil
	}
	if !s.started.Load() {
		t.setState(Deferred)
		s.mu.Lock()
		s.deferred = append(s.deferred, t)
		s.mu.Unlock()
		return t, nil
	}
	s.dispatch(t)
	return t, nil
}

// linkDep inserts one dependency: remote keys go through the protocol
// hook, local keys into the parent's hash table. A read takes one edge
// from the newest preceding writer on the key; a write takes edges
// from every intervening reader as well, so it cannot overtake readers
// of the value it replaces.
func (s *Scheduler) linkDep(t *Task, parent *Task, dep Dep) error {
	if s.remote != nil && dep.Ptr.UnitID != s.selfUnit {
		if dep.Kind != deptable.In {
			return fmt.Errorf("task: only IN dependencies may reference remote memory (unit %d, kind %s)",
				dep.Ptr.UnitID, dep.Kind)
		}
		return s.remote.SubmitRemoteDep(t, dep)
	}
	tab := parent.depTable()
	ent, preds := tab.Insert(dep.Ptr, dep.Kind, t, s.selfUnit)
	t.ownEntry(ent)
	for _, pred := range preds {
		if p, ok := pred.Task.(*Task); ok && p != t {
			t.unresolved.Add(1)
			if !p.addSuccessor(t) {
				// Predecessor finished between lookup and linking.
				t.unresolved.Add(-1)
			}
		}
	}
	if s.remote != nil && dep.Kind.IsWrite() {
		s.remote.NotifyLocalWrite(t, dep)
	}
	return nil
}

// depTable lazily creates the table tracking this task's children's
// dependencies; the task owns it while executing.
func (t *Task) depTable() *deptable.Table {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.depTab == nil {
		t.depTab = deptable.New()
	}
	return t.depTab
}

// NewDummy creates a stand-in for a remote task so local successors
// can link behind it; it finishes when the remote release arrives.
func (s *Scheduler) NewDummy(descr string) *Task {
	t := newTask(func(*Ctx) {}, nil, PrioNormal, nil, descr)
	t.setState(Dummy)
	return t
}

// FinishDummy transitions a dummy straight to finished, releasing its
// successors.
func (s *Scheduler) FinishDummy(t *Task) {
	s.finish(t)
}

// dispatch queues a released task: back on its bound worker if it has
// one, otherwise by NUMA hint or round robin.
func (s *Scheduler) dispatch(t *Task) {
	if w := t.worker.Load(); w >= 0 {
		s.workers[w].enqueue(t)
		return
	}
	var idx int32
	if t.numaHint >= 0 {
		idx = int32(t.numaHint % s.numWorkers)
	} else {
		idx = s.rr.Add(1) % int32(s.numWorkers)
	}
	s.workers[idx].enqueue(t)
}

// runInline executes the body in the caller's context, no queue and no
// context switch.
func (s *Scheduler) runInline(t *Task) {
	t.setState(Running)
	tc := &Ctx{s: s, task: t}
	t.fn(tc)
	t.mu.Lock()
	t.fnReturned = true
	detached := t.detached && !t.released
	t.mu.Unlock()
	if detached {
		t.setState(Detached)
		return
	}
	s.finish(t)
}

// finish is the completion path for every task: drain owned dependency
// entries, release local and remote successors, credit the parent and
// wake waiters.
func (s *Scheduler) finish(t *Task) {
	state := Finished
	if t.cancelled.Load() {
		state = Cancelled
	}
	t.setState(state)

	t.mu.Lock()
	owned := t.owned
	t.owned = nil
	succs := t.succs
	t.succs = nil
	remoteSuccs := t.remoteSuccs
	t.remoteSuccs = nil
	waiters := t.waiters
	t.waiters = nil
	t.mu.Unlock()

	if owned != nil && t.parent != nil {
		tab := t.parent.depTable()
		for e := owned; e != nil; {
			next := e.NextOwned
			tab.Remove(e)
			deptable.Release(e)
			e = next
		}
	}

	for _, succ := range succs {
		if succ.unresolved.Add(-1) == 0 && succ.State() == Created {
			s.dispatch(succ)
		}
	}
	if s.remote != nil {
		for _, rs := range remoteSuccs {
			if err := s.remote.SendRelease(rs); err != nil {
				s.logger.Error().Err(err).Int32("unit", rs.Unit).Msg("remote release failed")
			}
		}
	}

	if p := t.parent; p != nil {
		if p.children.Add(-1) == 0 {
			p.mu.Lock()
			wake := p.waitingKids
			p.waitingKids = false
			parked := p.ctx != nil
			p.mu.Unlock()
			if wake {
				if parked {
					s.dispatch(p)
				} else {
					select {
					case p.kidsZero <- struct{}{}:
					default:
					}
				}
			}
		}
	}

	for _, waiter := range waiters {
		s.dispatch(waiter)
	}

	close(t.done)
	metrics.TasksCompletedTotal.WithLabelValues(state.String()).Inc()
}

// Complete blocks the calling thread until every descendant of the
// root task has finished. Task bodies use Ctx.Complete instead.
func (s *Scheduler) Complete() {
	s.waitChildren(s.root)
}

func (s *Scheduler) waitChildren(t *Task) {
	for t.children.Load() > 0 {
		t.mu.Lock()
		if t.children.Load() == 0 {
			t.mu.Unlock()
			return
		}
		t.waitingKids = true
		t.mu.Unlock()
		<-t.kidsZero
	}
}

// TaskWait blocks the calling thread until t finishes. Task bodies use
// Ctx.WaitTask, which suspends instead of blocking the worker.
func (s *Scheduler) TaskWait(t *Task) {
	<-t.done
}

// TaskTest reports whether t has finished, without blocking.
func (s *Scheduler) TaskTest(t *Task) bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// ReleaseExternal resolves one externally-held dependency of t, such
// as a remote release that arrived without a dummy, queueing the task
// when it was the last one.
func (s *Scheduler) ReleaseExternal(t *Task) {
	if t.unresolved.Add(-1) == 0 && t.State() == Created {
		s.dispatch(t)
	}
}

// ReleaseDetached completes a task previously marked detached. Safe to
// call from any goroutine, typically a transfer-completion callback.
func (s *Scheduler) ReleaseDetached(t *Task) error {
	t.mu.Lock()
	if !t.detached {
		t.mu.Unlock()
		return fmt.Errorf("task %s is not detached", t.id)
	}
	if t.released {
		t.mu.Unlock()
		return fmt.Errorf("task %s already released", t.id)
	}
	t.released = true
	returned := t.fnReturned
	t.mu.Unlock()
	if returned {
		s.finish(t)
	}
	return nil
}
