package task

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/dash-project/dartrt/pkg/metrics"
)

// deque is one priority class's task queue: the owner pushes at the
// back and pops at the front, thieves take from the back.
type deque struct {
	mu    sync.Mutex
	tasks []*Task
}

func (d *deque) push(t *Task) {
	d.mu.Lock()
	d.tasks = append(d.tasks, t)
	d.mu.Unlock()
}

func (d *deque) popFront() *Task {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.tasks) == 0 {
		return nil
	}
	t := d.tasks[0]
	d.tasks = d.tasks[1:]
	return t
}

// popBackStealable skips tasks already bound to a worker: a suspended
// task must resume where it started.
func (d *deque) popBackStealable() *Task {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.tasks) - 1; i >= 0; i-- {
		if d.tasks[i].worker.Load() < 0 {
			t := d.tasks[i]
			d.tasks = append(d.tasks[:i], d.tasks[i+1:]...)
			return t
		}
	}
	return nil
}

func (d *deque) len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tasks)
}

// numQueues is the per-worker priority class count: high, normal, low.
// Inline tasks never reach a queue.
const numQueues = 3

// worker owns three deques and a free list of execution contexts; its
// dispatch loop runs tasks one at a time, blocking while a body runs
// so worker thread and task body never execute together.
type worker struct {
	id int32
	s  *Scheduler

	queues [numQueues]deque

	mu   sync.Mutex
	cond *sync.Cond

	ctxFree []*execContext

	victim int32 // round-robin steal pointer
}

func newWorker(id int32, s *Scheduler) *worker {
	w := &worker{id: id, s: s, victim: (id + 1) % int32(s.numWorkers)}
	w.cond = sync.NewCond(&w.mu)
	return w
}

func (w *worker) enqueue(t *Task) {
	q := int(t.prio)
	if q >= numQueues {
		q = int(PrioNormal)
	}
	t.setState(Queued)
	w.queues[q].push(t)
	metrics.TaskQueueDepth.WithLabelValues(fmt.Sprint(w.id), t.prio.label()).Inc()
	w.mu.Lock()
	w.cond.Signal()
	w.mu.Unlock()
}

func (p Prio) label() string {
	switch p {
	case PrioHigh:
		return "high"
	case PrioNormal:
		return "normal"
	case PrioLow:
		return "low"
	default:
		return "inline"
	}
}

// next returns the next task to run: own queues high to low, then a
// round-robin steal sweep, then sleep until signaled. Returns nil on
// shutdown.
func (w *worker) next() *Task {
	for {
		for q := 0; q < numQueues; q++ {
			if t := w.queues[q].popFront(); t != nil {
				metrics.TaskQueueDepth.WithLabelValues(fmt.Sprint(w.id), Prio(q).label()).Dec()
				return t
			}
		}
		if t := w.steal(); t != nil {
			return t
		}
		w.mu.Lock()
		if w.s.stopping.Load() {
			w.mu.Unlock()
			return nil
		}
		// Re-check under the lock: an enqueue between the empty sweep
		// above and this point must not be slept through.
		if w.hasReady() {
			w.mu.Unlock()
			continue
		}
		w.cond.Wait()
		w.mu.Unlock()
		if w.s.stopping.Load() {
			return nil
		}
	}
}

func (w *worker) steal() *Task {
	n := int32(w.s.numWorkers)
	for i := int32(0); i < n-1; i++ {
		v := (w.victim + i) % n
		if v == w.id {
			continue
		}
		victim := w.s.workers[v]
		for q := 0; q < numQueues; q++ {
			if t := victim.queues[q].popBackStealable(); t != nil {
				w.victim = (v + 1) % n
				metrics.TaskQueueDepth.WithLabelValues(fmt.Sprint(v), Prio(q).label()).Dec()
				metrics.TasksStolenTotal.Inc()
				return t
			}
		}
	}
	return nil
}

// hasReady reports whether any own queue holds a task, the condition
// the yield policy checks before giving the processor away.
func (w *worker) hasReady() bool {
	for q := 0; q < numQueues; q++ {
		if w.queues[q].len() > 0 {
			return true
		}
	}
	return false
}

func (w *worker) run() {
	if w.s.cfg.ThreadAffinity {
		// Pinning a goroutine to its OS thread is the closest analog of
		// CPU affinity available without raw scheduler syscalls.
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}
	defer w.s.wg.Done()
	for {
		t := w.next()
		if t == nil {
			return
		}
		if t.cancelled.Load() && t.ctx == nil {
			// Abandoned at a scheduling decision point before the body
			// ever ran: straight to the completion path, successors
			// release as usual. A suspended body resumes and observes
			// the flag itself.
			t.setState(Cancelled)
			w.s.finish(t)
			continue
		}
		w.execute(t)
	}
}

// execute runs or resumes t, blocking until the body finishes or
// suspends again.
func (w *worker) execute(t *Task) {
	if t.ctx != nil {
		// Resuming a suspended body on its bound context.
		c := t.ctx
		t.setState(Running)
		t.resume <- struct{}{}
		w.handle(<-c.events)
		return
	}
	t.worker.Store(w.id)
	c := w.getContext()
	c.tasks <- t
	w.handle(<-c.events)
}

func (w *worker) handle(ev ctxEvent) {
	switch ev.kind {
	case evFinished, evDetachedReturn:
		w.putContext(ev.c)
	case evSuspended:
		// The context stays bound to the parked task.
	}
}

func (w *worker) getContext() *execContext {
	w.mu.Lock()
	if n := len(w.ctxFree); n > 0 {
		c := w.ctxFree[n-1]
		w.ctxFree = w.ctxFree[:n-1]
		w.mu.Unlock()
		return c
	}
	w.mu.Unlock()
	c := newExecContext(w)
	go c.run()
	return c
}

func (w *worker) putContext(c *execContext) {
	w.mu.Lock()
	w.ctxFree = append(w.ctxFree, c)
	w.mu.Unlock()
}

// Context events reported to the dispatching worker.
const (
	evFinished = iota
	evSuspended
	evDetachedReturn
)

type ctxEvent struct {
	kind int
	c    *execContext
}

// execContext is a reusable body-execution goroutine: the Go analog of
// a free-listed task stack. It runs one body at a time; between tasks
// it sits on its worker's free list.
type execContext struct {
	w      *worker
	tasks  chan *Task
	events chan ctxEvent
}

func newExecContext(w *worker) *execContext {
	return &execContext{
		w:      w,
		tasks:  make(chan *Task),
		events: make(chan ctxEvent),
	}
}

func (c *execContext) run() {
	for t := range c.tasks {
		t.setState(Running)
		timer := metrics.NewTimer()
		tc := &Ctx{s: c.w.s, w: c.w, c: c, task: t}
		t.fn(tc)
		metrics.TaskRunDuration.Observe(timer.Duration().Seconds())

		t.mu.Lock()
		t.fnReturned = true
		detached := t.detached && !t.released
		t.ctx = nil
		t.mu.Unlock()
		if detached {
			// The runtime keeps the task alive past the body's return;
			// ReleaseDetached finishes it.
			t.setState(Detached)
			c.events <- ctxEvent{kind: evDetachedReturn, c: c}
			continue
		}
		c.w.s.finish(t)
		c.events <- ctxEvent{kind: evFinished, c: c}
	}
}
