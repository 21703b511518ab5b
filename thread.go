// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package worker

import (
	"runtime"
	"runtime/debug"
	"time"
)

// thread runs the jobs of one queue. In synchronous mode its loop runs on the
// goroutine calling Worker.Run, otherwise on a dedicated goroutine.
type thread struct {
	w      *Worker
	q      *queue
	timer  *time.Timer
	reap   []int32
	ctx    Ctx
	status threadStatus
}

func newThread(w *Worker, q *queue) *thread {
	t := &thread{
		w:    w,
		q:    q,
		reap: make([]int32, 0, 16),
	}
	t.ctx.idx = nilIdx
	t.ctx.decision.dep = nilIdx
	return t
}

// run is the goroutine entry point.
func (t *thread) run() {
	defer t.w.wg.Done()
	if t.w.lockOSThread {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}
	t.loop(false)
}

// loop executes jobs until the thread is killed or, if untilEmpty, the queue
// has nothing left in it.
func (t *thread) loop(untilEmpty bool) {
	for t.status.load() != threadKilled {
		idx, wakeAt, empty, reaped := t.next()
		if idx != nilIdx {
			t.execute(idx)
			continue
		}
		if reaped {
			// finishing may have queued dependents
			continue
		}
		if untilEmpty && empty {
			return
		}
		t.wait(wakeAt)
	}
}

// next dequeues the next runnable job, finishing any killed records found.
func (t *thread) next() (idx int32, wakeAt time.Time, empty, reaped bool) {
	q := t.q
	q.mu.Lock()
	idx, wakeAt, t.reap = q.dequeueNext(t.w.now(), t.reap[:0])
	empty = q.empty()
	q.mu.Unlock()

	for _, r := range t.reap {
		t.w.finish(r, outcomeDone, nil)
	}
	reaped = len(t.reap) != 0
	t.reap = t.reap[:0]
	return
}

// wait blocks until notified, or until wakeAt if it is non-zero.
func (t *thread) wait(wakeAt time.Time) {
	var timeout <-chan time.Time
	if !wakeAt.IsZero() {
		d := wakeAt.Sub(t.w.now())
		if d <= 0 {
			return
		}
		if t.timer == nil {
			t.timer = time.NewTimer(d)
		} else {
			t.timer.Reset(d)
		}
		defer t.timer.Stop()
		timeout = t.timer.C
	}

	if !t.status.tryTransition(threadRunning, threadSleeping) && t.status.load() == threadKilled {
		return
	}

	select {
	case <-t.q.notify:
	case <-timeout:
	}

	t.status.tryTransition(threadSleeping, threadRunning)
}

// execute runs the job at idx, which next marked as running, and then
// applies the outcome.
func (t *thread) execute(idx int32) {
	w, q := t.w, t.q
	rec := w.rec(idx)

	if !rec.sched.reset() {
		t.retire(idx)
		w.finish(idx, outcomeDone, nil)
		return
	}

	t.status.tryTransition(threadSleeping, threadRunning)

	for {
		t.ctx.bind(t, idx, rec)
		again, perr := t.invoke(rec)
		d := t.ctx.unbind()

		if perr != nil {
			rec.sched.tryKill()
			w.stats.panicked.Add(1)
			w.logPanic(rec, perr)
			t.retire(idx)
			w.releaseDecision(d)
			w.finish(idx, outcomeError, perr)
			return
		}

		if !again {
			rec.sched.tryKill()
		} else if d.kind == decisionNone {
			rec.sched.tryAgain()
		}

		if rec.sched.load() == scheduleKill {
			t.retire(idx)
			w.releaseDecision(d)
			w.finish(idx, outcomeDone, nil)
			return
		}

		switch d.kind {
		case decisionAfter:
			t.retire(idx)
			w.blockOn(idx, d.dep, d.inherit)
			w.release(d.dep)
			return

		case decisionPlace:
			t.requeue(idx, d.section, d.at)
			return
		}

		// run again, straight away unless something else is waiting
		q.mu.Lock()
		if q.needsReschedule.Load() || q.hasRunnable(w.now()) || t.status.load() == threadKilled {
			q.mu.Unlock()
			t.requeue(idx, sectionNormal, time.Time{})
			return
		}
		rec.woken.Store(false)
		q.mu.Unlock()

		if !rec.sched.reset() {
			t.retire(idx)
			w.finish(idx, outcomeDone, nil)
			return
		}
	}
}

// invoke calls the job's callable, recovering any panic.
func (t *thread) invoke(rec *record) (again bool, perr *PanicError) {
	defer func() {
		if r := recover(); r != nil {
			perr = &PanicError{Value: r, Job: rec.name, Stack: debug.Stack()}
		}
	}()
	return rec.fn(&t.ctx), nil
}

// requeue moves a running record back into the queue. A wake received while
// it was running promotes a sleeping or scheduled placement to normal.
func (t *thread) requeue(idx int32, sec section, at time.Time) {
	q, rec := t.q, t.w.rec(idx)
	q.mu.Lock()
	rec.running = false
	q.busy = false
	if rec.woken.Swap(false) && !sec.ready() {
		sec, at = sectionNormal, time.Time{}
	}
	ok := q.enqueue(idx, sec, at)
	q.mu.Unlock()
	if !ok {
		t.w.finish(idx, outcomeDone, nil)
	}
}

// retire clears the running flag of a record leaving the queue.
func (t *thread) retire(idx int32) {
	q := t.q
	q.mu.Lock()
	t.w.rec(idx).running = false
	q.busy = false
	q.mu.Unlock()
}
