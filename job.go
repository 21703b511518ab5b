package worker

import (
	"runtime"
	"strconv"
	"sync/atomic"
)

// Status is the externally observable state of a job.
type Status int

const (
	// StatusWaiting means the job is queued, asleep, or blocked.
	StatusWaiting Status = iota
	// StatusRunning means the job's callable is executing.
	StatusRunning
	// StatusDone means the job finished, or was killed. Invalid handles also
	// report StatusDone.
	StatusDone
	// StatusError means the job's callable panicked.
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusWaiting:
		return "Waiting"
	case StatusRunning:
		return "Running"
	case StatusDone:
		return "Done"
	case StatusError:
		return "Error"
	default:
		return "Status(" + strconv.Itoa(int(s)) + ")"
	}
}

// Job is a reference counted handle to a posted job. The nil *Job is the
// invalid handle.
//
// Each handle holds one reference. Clone returns a new handle holding a new
// reference, Release drops it. A job's slot is reused only once it has
// finished and every reference is gone, so handles should be released
// promptly; one that is dropped is only released once garbage collected.
// Jobs posted with WithDetached or Worker.Go have no handle.
type Job struct {
	w        *Worker
	cleanup  runtime.Cleanup
	idx      int32
	gen      uint32
	released atomic.Bool
}

// handleRef is what a Job's cleanup needs, it must not reference the Job.
type handleRef struct {
	w   *Worker
	idx int32
	gen uint32
}

// newJob wraps a reference the caller already holds.
func newJob(w *Worker, idx int32, gen uint32) *Job {
	j := &Job{w: w, idx: idx, gen: gen}
	j.cleanup = runtime.AddCleanup(j, func(h handleRef) {
		h.w.releaseGen(h.idx, h.gen)
	}, handleRef{w: w, idx: idx, gen: gen})
	return j
}

// Valid reports whether the handle refers to a job slot. Finished jobs remain
// valid until the handle is released.
func (j *Job) Valid() bool {
	return j.record() != nil
}

// record returns the handle's record, or nil if the handle is not valid.
func (j *Job) record() *record {
	if j == nil || j.w == nil || j.released.Load() {
		return nil
	}
	rec := j.w.arena.Get(int(j.idx))
	if rec.gen.Load() != j.gen {
		return nil
	}
	return rec
}

// Clone returns a new handle to the same job, or nil if j is not valid.
func (j *Job) Clone() *Job {
	rec := j.record()
	if rec == nil {
		return nil
	}
	rec.refs.Add(1)
	return newJob(j.w, j.idx, j.gen)
}

// Release drops the handle's reference. It is idempotent, and the handle is
// invalid afterwards.
func (j *Job) Release() {
	if j == nil || j.w == nil || !j.released.CompareAndSwap(false, true) {
		return
	}
	j.cleanup.Stop()
	j.w.releaseGen(j.idx, j.gen)
}

// ID returns a stable identifier for the life of the job, unique among live
// jobs of the same Worker.
func (j *Job) ID() uint64 {
	if j == nil {
		return 0
	}
	return uint64(j.gen)<<32 | uint64(uint32(j.idx))
}

// String returns a short label, e.g. "job#3.1".
func (j *Job) String() string {
	if j == nil {
		return "job#nil"
	}
	return "job#" + strconv.Itoa(int(j.idx)) + "." + strconv.FormatUint(uint64(j.gen), 10)
}
