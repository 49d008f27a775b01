// Package task implements the asynchronous task runtime: a fixed pool
// of workers with per-priority deques and work stealing, cooperative
// suspension, and data-dependency ordering through the dependency hash
// table. A task body runs on its own goroutine, parked and unparked by
// its owning worker's dispatch loop, which gives the same suspend and
// resume semantics as a user-level stack switch without one: the worker
// thread and the task body alternate, never running together, and a
// task never migrates to another worker once it has started.
package task

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/dash-project/dartrt/pkg/deptable"
	"github.com/dash-project/dartrt/pkg/gptr"
)

// State is a task's lifecycle position.
type State int32

const (
	Nascent State = iota
	Created
	Deferred
	Queued
	// Dummy stands in for a remote task so local successors can link to
	// it; it jumps straight to Finished on the remote release message.
	Dummy
	Running
	Suspended
	Blocked
	Detached
	Finished
	Cancelled
)

func (s State) String() string {
	switch s {
	case Nascent:
		return "nascent"
	case Created:
		return "created"
	case Deferred:
		return "deferred"
	case Queued:
		return "queued"
	case Dummy:
		return "dummy"
	case Running:
		return "running"
	case Suspended:
		return "suspended"
	case Blocked:
		return "blocked"
	case Detached:
		return "detached"
	case Finished:
		return "finished"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Prio is a task's priority class.
type Prio int

const (
	PrioHigh Prio = iota
	PrioNormal
	PrioLow
	// PrioInline runs the body directly in the creator's context, no
	// queue and no context switch, provided its dependencies are
	// already resolved at creation.
	PrioInline
)

// Fn is a task body. It receives the running task's context for
// yielding, waiting and detaching.
type Fn func(tc *Ctx)

// Dep declares a data dependency of a task under creation.
type Dep struct {
	Ptr  gptr.GPtr
	Kind deptable.Kind
}

// RemoteSucc names a successor task living on another unit.
type RemoteSucc struct {
	Unit int32
	Ref  uint64
	Kind deptable.Kind
}

// Task is one unit of work. All cross-goroutine fields are guarded by
// mu or atomics; the body runs on its own goroutine.
type Task struct {
	id    string
	descr string
	prio  Prio
	fn    Fn
	arg   interface{}

	parent *Task

	state      atomic.Int32
	unresolved atomic.Int32 // outstanding dependency releases
	children   atomic.Int64 // outstanding child tasks

	cancelled atomic.Bool

	mu          sync.Mutex
	succs       []*Task
	remoteSuccs []RemoteSucc
	owned       *deptable.Entry // entries this task owns, via NextOwned
	depTab      *deptable.Table // lazily created; tracks children's dependencies
	waiters     []*Task         // tasks parked in WaitTask on this task
	waitingKids bool            // parked in Complete until children == 0
	detached    bool
	released    bool // ReleaseDetached has been called
	fnReturned  bool

	// ctx binds the suspended body's goroutine; worker is fixed at
	// first dispatch so the task never migrates.
	ctx    *execContext
	worker atomic.Int32

	resume chan struct{}
	done   chan struct{}
	// kidsZero wakes a non-worker caller of Complete; parked task
	// callers are re-queued instead.
	kidsZero chan struct{}

	numaHint int
}

func newTask(fn Fn, arg interface{}, prio Prio, parent *Task, descr string) *Task {
	t := &Task{
		id:     uuid.NewString()[:8],
		descr:  descr,
		prio:   prio,
		fn:     fn,
		arg:    arg,
		parent: parent,
		resume:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		kidsZero: make(chan struct{}, 1),
	}
	t.worker.Store(-1)
	t.state.Store(int32(Nascent))
	return t
}

// ID returns the task's diagnostic id.
func (t *Task) ID() string { return t.id }

// Descr returns the descriptive string given at creation.
func (t *Task) Descr() string { return t.descr }

// State returns the current lifecycle state.
func (t *Task) State() State { return State(t.state.Load()) }

func (t *Task) setState(s State) { t.state.Store(int32(s)) }

// Done returns a channel closed when the task reaches a terminal
// state.
func (t *Task) Done() <-chan struct{} { return t.done }

// Cancel marks the task cancelled. Workers abandon it at the next
// scheduling decision; a body already inside a synchronous call is not
// preempted.
func (t *Task) Cancel() { t.cancelled.Store(true) }

// Cancelled reports whether Cancel was called; long-running bodies may
// poll it cooperatively.
func (t *Task) Cancelled() bool { return t.cancelled.Load() }

// AddRemoteSuccessor records a successor on another unit, released via
// the remote-dependency protocol when this task finishes. Returns
// false when the task is already terminal and the successor must be
// released immediately instead.
func (t *Task) AddRemoteSuccessor(s RemoteSucc) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch State(t.state.Load()) {
	case Finished, Cancelled:
		return false
	default:
	}
	t.remoteSuccs = append(t.remoteSuccs, s)
	return true
}

// AddLocalSuccessor links succ behind t; the caller bumps succ's
// unresolved counter first. Returns false when t already finished.
func (t *Task) AddLocalSuccessor(succ *Task) bool {
	return t.addSuccessor(succ)
}

// LocalSuccessorTask returns the first local successor, the task a
// dummy stands in front of. Nil when none is linked.
func (t *Task) LocalSuccessorTask() *Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.succs) == 0 {
		return nil
	}
	return t.succs[0]
}

// AddUnresolved bumps the dependency counter for an edge installed
// outside the hash table, such as a direct remote dependency.
func (t *Task) AddUnresolved() { t.unresolved.Add(1) }

// addSuccessor links succ behind t unless t already finished; reports
// whether the edge was installed.
func (t *Task) addSuccessor(succ *Task) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if State(t.state.Load()) == Finished || State(t.state.Load()) == Cancelled {
		return false
	}
	t.succs = append(t.succs, succ)
	return true
}

// ownEntry pushes a dependency entry onto the task's owned list.
func (t *Task) ownEntry(e *deptable.Entry) {
	t.mu.Lock()
	e.NextOwned = t.owned
	t.owned = e
	t.mu.Unlock()
}
