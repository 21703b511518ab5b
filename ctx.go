package worker

import (
	"runtime"
	"time"
)

// EventKind selects the readiness condition for Ctx.RescheduleAfterEvent.
type EventKind uint8

const (
	// EventRead wakes the job once the fd is readable (or hung up).
	EventRead EventKind = 1 << iota
	// EventWrite wakes the job once the fd is writable.
	EventWrite
)

type decisionKind uint8

const (
	decisionNone decisionKind = iota
	decisionPlace
	decisionAfter
)

// decision is an explicit placement requested by a running job.
type decision struct {
	at      time.Time
	dep     int32
	kind    decisionKind
	section section
	inherit bool
}

// Ctx is the execution context passed to a job's callable. It is only valid
// for the duration of that call, and must not be retained or shared with
// other goroutines. Methods called outside the call are no-ops.
//
// Any Reschedule method overrides the default handling of a true return
// (run again). Returning false always finishes the job.
type Ctx struct {
	t        *thread
	rec      *record
	decision decision
	idx      int32
	active   bool
}

func (c *Ctx) bind(t *thread, idx int32, rec *record) {
	c.t = t
	c.rec = rec
	c.idx = idx
	c.decision = decision{dep: nilIdx}
	c.active = true
}

// unbind returns the decision made during the call.
func (c *Ctx) unbind() decision {
	d := c.decision
	c.rec = nil
	c.idx = nilIdx
	c.decision = decision{dep: nilIdx}
	c.active = false
	return d
}

func (c *Ctx) ok() bool { return c != nil && c.active }

// markRescheduled replaces any prior decision.
func (c *Ctx) markRescheduled(d decision) {
	c.dropDep()
	c.decision = d
}

// dropDep releases the reference taken by RescheduleAfterJob, if any.
func (c *Ctx) dropDep() {
	if c.decision.kind == decisionAfter && c.decision.dep != nilIdx {
		c.t.w.release(c.decision.dep)
	}
	c.decision.dep = nilIdx
}

// Worker returns the worker running the job, nil outside the call.
func (c *Ctx) Worker() *Worker {
	if !c.ok() {
		return nil
	}
	return c.t.w
}

// Job returns a new handle to the running job, which the caller must
// release.
func (c *Ctx) Job() *Job {
	if !c.ok() {
		return nil
	}
	c.rec.refs.Add(1)
	return newJob(c.t.w, c.idx, c.rec.gen.Load())
}

// Name returns the running job's name.
func (c *Ctx) Name() string {
	if !c.ok() {
		return ""
	}
	return c.rec.name
}

// Reschedule requeues the job at normal priority.
func (c *Ctx) Reschedule() {
	if c.ok() {
		c.markRescheduled(decision{kind: decisionPlace, section: sectionNormal, dep: nilIdx})
	}
}

// RescheduleDelayed requeues the job to run after d.
func (c *Ctx) RescheduleDelayed(d time.Duration) {
	if c.ok() {
		c.RescheduleAtTime(c.t.w.now().Add(d))
	}
}

// RescheduleAtTime requeues the job to run at t.
func (c *Ctx) RescheduleAtTime(t time.Time) {
	if c.ok() {
		c.markRescheduled(decision{kind: decisionPlace, section: sectionScheduled, at: t, dep: nilIdx})
	}
}

// RescheduleSleeping puts the job to sleep until it is woken.
func (c *Ctx) RescheduleSleeping() {
	if c.ok() {
		c.markRescheduled(decision{kind: decisionPlace, section: sectionSleeping, dep: nilIdx})
	}
}

// RescheduleAfterJob holds the job until j has finished, then requeues it at
// normal priority, or immediate if inherit is true. It returns false if j is
// not a valid handle of the same worker, or is the running job itself.
func (c *Ctx) RescheduleAfterJob(j *Job, inherit bool) bool {
	if !c.ok() {
		return false
	}
	rec := c.t.w.handle(j)
	if rec == nil || j.idx == c.idx {
		return false
	}
	rec.refs.Add(1)
	c.markRescheduled(decision{kind: decisionAfter, dep: j.idx, inherit: inherit})
	runtime.KeepAlive(j)
	return true
}

// RescheduleAfterEvent puts the job to sleep until fd is ready for kind. The
// registration is one-shot: the job is woken once per readiness, and must
// call RescheduleAfterEvent again to wait for the next.
func (c *Ctx) RescheduleAfterEvent(kind EventKind, fd int) error {
	if !c.ok() {
		return ErrInvalidJob
	}
	b := c.t.w.bridge
	if b == nil {
		return ErrEventsDisabled
	}
	if err := b.register(c.idx, c.rec, fd, kind.events()); err != nil {
		return err
	}
	c.markRescheduled(decision{kind: decisionPlace, section: sectionSleeping, dep: nilIdx})
	return nil
}

// IsRescheduled reports whether a Reschedule method was called during this
// call.
func (c *Ctx) IsRescheduled() bool {
	return c.ok() && c.decision.kind != decisionNone
}

// NeedsReschedule reports whether other jobs are waiting on this job's
// queue, a hint for long-running jobs to yield.
func (c *Ctx) NeedsReschedule() bool {
	return c.ok() && c.t.q.needsReschedule.Load()
}

// Kill finishes the job once the call returns, regardless of its return
// value or any reschedule.
func (c *Ctx) Kill() bool {
	if !c.ok() || !c.rec.sched.tryKill() {
		return false
	}
	c.t.w.stats.killed.Add(1)
	return true
}

// SetContext sets the job's context tag.
func (c *Ctx) SetContext(tag uint64) {
	if c.ok() {
		c.rec.tag.Store(tag)
	}
}

// Context returns the job's context tag.
func (c *Ctx) Context() uint64 {
	if !c.ok() {
		return 0
	}
	return c.rec.tag.Load()
}

// Post posts a job at normal priority that inherits this job's context tag.
func (c *Ctx) Post(fn func(*Ctx) bool) *Job {
	j, _ := c.PostWith(fn)
	return j
}

// PostWith is Worker.PostWith, except the new job inherits this job's
// context tag unless WithJobContext is provided.
func (c *Ctx) PostWith(fn func(*Ctx) bool, opts ...JobOption) (*Job, error) {
	if !c.ok() {
		return nil, ErrInvalidJob
	}
	cfg, err := resolveJobOptions(opts)
	if err != nil {
		return nil, err
	}
	if !cfg.hasTag {
		cfg.tag = c.rec.tag.Load()
		cfg.hasTag = true
	}
	return c.t.w.post(fn, cfg)
}
