package task

// Ctx is the running task's view of the runtime, passed to every body.
// For inline tasks the context has no bound worker: yields are no-ops
// and waits block the creator directly.
type Ctx struct {
	s    *Scheduler
	w    *worker
	c    *execContext
	task *Task
}

// Arg returns the argument given at creation.
func (tc *Ctx) Arg() interface{} { return tc.task.arg }

// Task returns the running task, usable as Parent in a nested Spec.
func (tc *Ctx) Task() *Task { return tc.task }

// Scheduler returns the owning scheduler.
func (tc *Ctx) Scheduler() *Scheduler { return tc.s }

// Yield gives the processor to another ready task on the same worker.
// The task is requeued and resumes on this worker later. A negative
// delay or an empty local queue makes it a no-op.
func (tc *Ctx) Yield(delay int) {
	if delay < 0 || tc.c == nil || !tc.w.hasReady() {
		return
	}
	t := tc.task
	t.mu.Lock()
	t.ctx = tc.c
	t.mu.Unlock()
	t.setState(Suspended)
	tc.c.events <- ctxEvent{kind: evSuspended, c: tc.c}
	// Requeue after the worker has been released, before parking, so
	// the resume signal cannot be lost: the channel holds it.
	tc.w.enqueue(t)
	<-t.resume
	t.setState(Running)
}

// WaitTask suspends the running task until other finishes. When other
// is already terminal it returns immediately.
func (tc *Ctx) WaitTask(other *Task) {
	if other == nil || other == tc.task {
		return
	}
	if tc.c == nil {
		<-other.done
		return
	}
	t := tc.task
	other.mu.Lock()
	switch other.State() {
	case Finished, Cancelled:
		other.mu.Unlock()
		return
	default:
	}
	other.waiters = append(other.waiters, t)
	other.mu.Unlock()

	t.mu.Lock()
	t.ctx = tc.c
	t.mu.Unlock()
	t.setState(Blocked)
	tc.c.events <- ctxEvent{kind: evSuspended, c: tc.c}
	<-t.resume
	t.setState(Running)
}

// Complete suspends the running task until all of its descendants have
// finished.
func (tc *Ctx) Complete() {
	t := tc.task
	if tc.c == nil {
		tc.s.waitChildren(t)
		return
	}
	for t.children.Load() > 0 {
		t.mu.Lock()
		if t.children.Load() == 0 {
			t.mu.Unlock()
			return
		}
		t.waitingKids = true
		// Bind the context before releasing the lock so the waking
		// finisher re-queues the task instead of signaling a thread.
		t.ctx = tc.c
		t.mu.Unlock()
		t.setState(Blocked)
		tc.c.events <- ctxEvent{kind: evSuspended, c: tc.c}
		<-t.resume
		t.setState(Running)
	}
}

// Detach keeps the task alive past the body's return; successors do
// not fire until ReleaseDetached.
func (tc *Ctx) Detach() {
	t := tc.task
	t.mu.Lock()
	t.detached = true
	t.mu.Unlock()
}

// Cancelled reports whether the running task was cancelled; bodies in
// long loops check it cooperatively.
func (tc *Ctx) Cancelled() bool { return tc.task.Cancelled() }
