// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package worker

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"

	"github.com/joeycumines/go-worker/internal/arena"
)

// Worker is a cooperative job scheduler. It must be created with New.
type Worker struct {
	arena        *arena.Arena[record]
	queues       []*queue
	threads      []*thread
	bridge       *bridge
	logger       *logiface.Logger[logiface.Event]
	panicLimiter *catrate.Limiter
	now          func() time.Time

	stats counters

	// postMu is held for reading by post, and for writing by Stop
	postMu sync.RWMutex
	// depMu guards the dependency fields of every record
	depMu sync.Mutex
	// runMu is held by Run, in synchronous mode
	runMu    sync.Mutex
	stopOnce sync.Once
	wg       sync.WaitGroup

	maxPayloadSize int
	maxThreads     atomic.Int32
	nextQueue      atomic.Uint32
	stopped        atomic.Bool
	synchronous    bool
	lockOSThread   bool
}

// New creates and starts a Worker. Unless WithSynchronous is set, jobs begin
// running as soon as they are posted.
func New(opts ...Option) (*Worker, error) {
	cfg, err := resolveWorkerOptions(opts)
	if err != nil {
		return nil, err
	}

	limiter, err := newPanicLimiter(cfg.panicLogRates)
	if err != nil {
		return nil, err
	}

	w := &Worker{
		arena:          arena.New[record](cfg.capacity),
		logger:         cfg.logger,
		panicLimiter:   limiter,
		now:            cfg.now,
		maxPayloadSize: cfg.maxPayloadSize,
		synchronous:    cfg.synchronous,
		lockOSThread:   cfg.lockOSThread,
	}
	w.maxThreads.Store(int32(cfg.threads))

	if cfg.eventThread {
		if w.bridge, err = newBridge(w); err != nil {
			return nil, fmt.Errorf("worker: event bridge: %w", err)
		}
	}

	w.queues = make([]*queue, cfg.threads)
	w.threads = make([]*thread, cfg.threads)
	for i := range w.queues {
		w.queues[i] = newQueue(w, int32(i))
		w.threads[i] = newThread(w, w.queues[i])
	}

	if !w.synchronous {
		for _, t := range w.threads {
			w.wg.Add(1)
			go t.run()
		}
	}
	if w.bridge != nil {
		w.wg.Add(1)
		go w.bridge.run()
	}

	w.logger.Info().
		Int("capacity", cfg.capacity).
		Int("threads", cfg.threads).
		Bool("synchronous", cfg.synchronous).
		Bool("events", cfg.eventThread).
		Log("worker started")

	return w, nil
}

// newPanicLimiter converts the panic of catrate.NewLimiter into an error.
func newPanicLimiter(rates map[time.Duration]int) (l *catrate.Limiter, err error) {
	if len(rates) == 0 {
		return nil, nil
	}
	defer func() {
		if r := recover(); r != nil {
			l, err = nil, fmt.Errorf("worker: invalid panic log rate: %v", r)
		}
	}()
	return catrate.NewLimiter(rates), nil
}

func (w *Worker) rec(idx int32) *record { return w.arena.Get(int(idx)) }

// handle returns the record of j, or nil if j is not a valid handle of w.
func (w *Worker) handle(j *Job) *record {
	if j == nil || j.w != w {
		return nil
	}
	return j.record()
}

// Post posts fn at normal priority, returning nil if it could not be posted.
//
// The returned handle must be released. A dropped handle keeps the job's
// slot occupied until it is garbage collected, so fire-and-forget callers
// should use Go, or PostWith with WithDetached, instead.
func (w *Worker) Post(fn func(*Ctx) bool) *Job {
	j, _ := w.post(fn, jobOptions{section: sectionNormal})
	return j
}

// PostImmediate posts fn to run before any other ready job of its queue,
// including earlier immediate jobs.
func (w *Worker) PostImmediate(fn func(*Ctx) bool) *Job {
	j, _ := w.post(fn, jobOptions{section: sectionImmediate})
	return j
}

// PostNext is an alias of Post.
func (w *Worker) PostNext(fn func(*Ctx) bool) *Job { return w.Post(fn) }

// PostDelayed posts fn to run after d.
func (w *Worker) PostDelayed(fn func(*Ctx) bool, d time.Duration) *Job {
	j, _ := w.post(fn, jobOptions{section: sectionScheduled, delay: d, delayed: true})
	return j
}

// PostAtTime posts fn to run at t.
func (w *Worker) PostAtTime(fn func(*Ctx) bool, t time.Time) *Job {
	j, _ := w.post(fn, jobOptions{section: sectionScheduled, at: t})
	return j
}

// PostRunAfter posts fn to run at normal priority once dep has finished,
// either by returning false or by being killed.
func (w *Worker) PostRunAfter(fn func(*Ctx) bool, dep *Job) *Job {
	j, _ := w.post(fn, jobOptions{section: sectionNormal, after: dep})
	return j
}

// PostSleeping posts fn asleep, it runs only once woken.
func (w *Worker) PostSleeping(fn func(*Ctx) bool) *Job {
	j, _ := w.post(fn, jobOptions{section: sectionSleeping})
	return j
}

// Go posts fn at normal priority without a handle, so its slot is freed as
// soon as it finishes.
func (w *Worker) Go(fn func(*Ctx) bool) error {
	_, err := w.post(fn, jobOptions{section: sectionNormal, detached: true})
	return err
}

// PostWith posts fn configured by opts, reporting why it could not be
// posted.
func (w *Worker) PostWith(fn func(*Ctx) bool, opts ...JobOption) (*Job, error) {
	cfg, err := resolveJobOptions(opts)
	if err != nil {
		return nil, err
	}
	return w.post(fn, cfg)
}

func (w *Worker) post(fn func(*Ctx) bool, cfg jobOptions) (*Job, error) {
	if fn == nil {
		return nil, ErrNilFunc
	}
	if cfg.payloadSize > w.maxPayloadSize {
		return nil, ErrTooLarge
	}

	var dep *record
	if cfg.after != nil {
		if dep = w.handle(cfg.after); dep == nil {
			return nil, ErrInvalidJob
		}
	}

	w.postMu.RLock()
	defer w.postMu.RUnlock()

	if w.stopped.Load() {
		return nil, ErrStopped
	}

	i, err := w.arena.Alloc()
	if err != nil {
		w.stats.exhausted.Add(1)
		return nil, ErrExhausted
	}
	idx := int32(i)
	rec := w.rec(idx)
	q := w.pickQueue()
	var j *Job
	if cfg.detached {
		rec.reset(q.id, fn, cfg.name, cfg.tag, 1)
		rec.gen.Add(1)
	} else {
		// one for the returned handle, one structural
		rec.reset(q.id, fn, cfg.name, cfg.tag, 2)
		j = newJob(w, idx, rec.gen.Add(1))
	}
	w.stats.posted.Add(1)

	switch {
	case dep != nil:
		w.blockOn(idx, cfg.after.idx, cfg.inherit)
		runtime.KeepAlive(cfg.after)
	case cfg.delayed:
		w.place(idx, sectionScheduled, w.now().Add(cfg.delay))
	default:
		w.place(idx, cfg.section, cfg.at)
	}

	return j, nil
}

func (w *Worker) pickQueue() *queue {
	if len(w.queues) == 1 {
		return w.queues[0]
	}
	return w.queues[int(w.nextQueue.Add(1)-1)%len(w.queues)]
}

// place enqueues a record that is not queued, finishing it instead if it has
// been killed.
func (w *Worker) place(idx int32, sec section, at time.Time) {
	q := w.queues[w.rec(idx).q]
	q.mu.Lock()
	ok := q.enqueue(idx, sec, at)
	q.mu.Unlock()
	if ok {
		q.signal()
	} else {
		w.finish(idx, outcomeDone, nil)
	}
}

// blockOn parks idx in the dependency list of dep. If dep has already
// finished, idx is placed as if dep had just finished.
func (w *Worker) blockOn(idx, dep int32, inherit bool) {
	rec, depRec := w.rec(idx), w.rec(dep)

	w.depMu.Lock()
	if rec.sched.load() == scheduleKill {
		w.depMu.Unlock()
		w.finish(idx, outcomeDone, nil)
		return
	}
	if depRec.finished {
		w.depMu.Unlock()
		w.place(idx, unblockedSection(inherit), time.Time{})
		return
	}
	rec.yieldOn = dep
	rec.blocked = true
	rec.inherit = inherit
	rec.nextBlocked = depRec.blockedHead
	depRec.blockedHead = idx
	w.depMu.Unlock()
}

func unblockedSection(inherit bool) section {
	if inherit {
		return sectionImmediate
	}
	return sectionNormal
}

// unblock removes idx from its dependency's list. Callers must hold depMu.
func (w *Worker) unblock(idx int32) {
	rec := w.rec(idx)
	dep := w.rec(rec.yieldOn)
	for p := &dep.blockedHead; *p != nilIdx; p = &w.rec(*p).nextBlocked {
		if *p == idx {
			*p = rec.nextBlocked
			break
		}
	}
	rec.nextBlocked = nilIdx
	rec.yieldOn = nilIdx
	rec.blocked = false
}

// finish moves a record to its terminal state, wakes its dependents, and
// drops the structural reference. It must be called exactly once per
// record, by whichever goroutine removed it from the scheduler.
func (w *Worker) finish(idx int32, result outcome, err error) {
	rec := w.rec(idx)
	rec.sched.tryKill()

	if w.bridge != nil {
		rec.ioScheduled.Store(false)
		w.bridge.remove(idx, rec)
	}

	// detach dependents, reversing them into arrival order
	w.depMu.Lock()
	rec.finished = true
	head := nilIdx
	for d := rec.blockedHead; d != nilIdx; {
		dr := w.rec(d)
		next := dr.nextBlocked
		dr.blocked = false
		dr.yieldOn = nilIdx
		dr.nextBlocked = head
		head = d
		d = next
	}
	rec.blockedHead = nilIdx
	w.depMu.Unlock()

	if rec.complete(result, err) {
		w.stats.completed.Add(1)
	}

	w.wakeBlockedDependents(head)
	w.release(idx)
}

// wakeBlockedDependents places each record of a detached dependency list.
func (w *Worker) wakeBlockedDependents(head int32) {
	for d := head; d != nilIdx; {
		dr := w.rec(d)
		next := dr.nextBlocked
		sec := unblockedSection(dr.inherit)
		dr.nextBlocked = nilIdx
		w.place(d, sec, time.Time{})
		d = next
	}
}

// acquire takes a reference to idx if it is still live at gen.
func (w *Worker) acquire(idx int32, gen uint32) *record {
	rec := w.rec(idx)
	for {
		n := rec.refs.Load()
		if n <= 0 {
			return nil
		}
		if rec.refs.CompareAndSwap(n, n+1) {
			break
		}
	}
	if rec.gen.Load() != gen {
		w.release(idx)
		return nil
	}
	return rec
}

// release drops a reference, freeing the slot at zero.
func (w *Worker) release(idx int32) {
	rec := w.rec(idx)
	switch n := rec.refs.Add(-1); {
	case n == 0:
		rec.gen.Add(1)
		rec.clear()
		w.arena.Free(int(idx))
	case n < 0:
		panic(fmt.Errorf("worker: negative reference count for slot %d", idx))
	}
}

// releaseGen is release for callers that may hold a stale index.
func (w *Worker) releaseGen(idx int32, gen uint32) {
	if w.rec(idx).gen.Load() == gen {
		w.release(idx)
	}
}

func (w *Worker) releaseDecision(d decision) {
	if d.kind == decisionAfter && d.dep != nilIdx {
		w.release(d.dep)
	}
}

// Wake moves a sleeping or scheduled job to normal priority. A running job
// is flagged, so that if it reschedules itself to sleep (or a later time)
// before returning, it is instead queued normally. It returns false if the
// job is not valid, has finished, or is blocked on another job.
func (w *Worker) Wake(j *Job) bool {
	if w.handle(j) == nil {
		return false
	}
	ok := w.wake(j.idx)
	runtime.KeepAlive(j)
	return ok
}

func (w *Worker) wake(idx int32) bool {
	rec := w.rec(idx)
	q := w.queues[rec.q]

	q.mu.Lock()
	var ok bool
	switch {
	case rec.queued:
		ok = rec.section.ready() || q.enqueue(idx, sectionNormal, time.Time{})
	case rec.running:
		rec.woken.Store(true)
		ok = true
	}
	q.mu.Unlock()

	if ok {
		q.signal()
	}
	return ok
}

// Kill finishes the job. A queued or blocked job is removed immediately, a
// running job finishes once its callable returns. It returns true only for
// the call that killed the job.
func (w *Worker) Kill(j *Job) bool {
	if w.handle(j) == nil {
		return false
	}
	ok := w.kill(j.idx)
	runtime.KeepAlive(j)
	return ok
}

func (w *Worker) kill(idx int32) bool {
	rec := w.rec(idx)
	if !rec.sched.tryKill() {
		return false
	}
	w.stats.killed.Add(1)

	q := w.queues[rec.q]
	q.mu.Lock()
	removed := q.remove(idx)
	q.mu.Unlock()
	if removed {
		w.finish(idx, outcomeDone, nil)
		return true
	}

	w.depMu.Lock()
	blocked := rec.blocked
	if blocked {
		w.unblock(idx)
	}
	w.depMu.Unlock()
	if blocked {
		w.finish(idx, outcomeDone, nil)
	}

	return true
}

// Status reports the state of the job.
func (w *Worker) Status(j *Job) Status {
	rec := w.handle(j)
	if rec == nil {
		return StatusDone
	}
	switch outcome(rec.outcome.Load()) {
	case outcomeDone:
		return StatusDone
	case outcomeError:
		return StatusError
	}
	q := w.queues[rec.q]
	q.mu.Lock()
	running := rec.running
	q.mu.Unlock()
	runtime.KeepAlive(j)
	if running {
		return StatusRunning
	}
	return StatusWaiting
}

// GetStatus is an alias of Status.
func (w *Worker) GetStatus(j *Job) Status { return w.Status(j) }

// Err returns the *PanicError of a job with StatusError, otherwise nil.
func (w *Worker) Err(j *Job) error {
	rec := w.handle(j)
	if rec == nil {
		return nil
	}
	err := rec.getErr()
	runtime.KeepAlive(j)
	return err
}

// WaitForJob blocks until the job has finished, returning true, or until
// ctx is done or CancelWaitForJob is called, returning false. It must not be
// called from a job of a synchronous worker.
func (w *Worker) WaitForJob(ctx context.Context, j *Job) bool {
	defer runtime.KeepAlive(j)
	rec := w.handle(j)
	if rec == nil {
		return false
	}
	if outcome(rec.outcome.Load()) != outcomePending {
		return true
	}
	select {
	case <-rec.waitChan():
		return outcome(rec.outcome.Load()) != outcomePending
	case <-ctx.Done():
		return false
	}
}

// CancelWaitForJob releases every current WaitForJob call for the job,
// without affecting the job.
func (w *Worker) CancelWaitForJob(j *Job) {
	if rec := w.handle(j); rec != nil {
		rec.cancelWaiters()
	}
	runtime.KeepAlive(j)
}

// Run executes jobs on the calling goroutine until the queue is empty, or
// Stop is called. It is only valid for synchronous workers.
func (w *Worker) Run() error {
	if !w.synchronous {
		return ErrNotSynchronous
	}
	if !w.runMu.TryLock() {
		return ErrRunning
	}
	defer w.runMu.Unlock()
	if w.stopped.Load() {
		return ErrStopped
	}
	w.threads[0].loop(true)
	return nil
}

// SetMaxConcurrentThreads records an advisory limit, reported by Stats. The
// number of goroutines is fixed by WithThreads.
func (w *Worker) SetMaxConcurrentThreads(n int) {
	if n < 1 {
		n = 1
	}
	w.maxThreads.Store(int32(n))
}

// Stop stops every goroutine, waiting for running jobs to return, then kills
// every job that has not finished. Posting fails afterwards. It must not be
// called from a job.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.postMu.Lock()
		w.stopped.Store(true)
		w.postMu.Unlock()

		for _, t := range w.threads {
			t.status.kill()
			t.q.signal()
		}
		if w.bridge != nil {
			w.bridge.stop()
		}
		w.wg.Wait()
		if w.bridge != nil {
			w.bridge.close()
		}

		// wait for Run to return
		w.runMu.Lock()
		defer w.runMu.Unlock()

		var killed int
		for i := 0; i < w.arena.Cap(); i++ {
			if !w.arena.Allocated(i) {
				continue
			}
			idx := int32(i)
			rec := w.acquire(idx, w.rec(idx).gen.Load())
			if rec == nil {
				continue
			}
			if w.kill(idx) {
				killed++
			}
			w.release(idx)
		}

		w.logger.Info().
			Int("killed", killed).
			Log("worker stopped")
	})
}
