package worker

import (
	"sync"
	"sync/atomic"
	"time"
)

// queue is the schedulable set for one worker goroutine: a single
// doubly-linked sequence of arena indices, split into sections by two cuts.
//
//	head … readyEnd … sleepStart … tail
//	[ immediate | normal ][ scheduled ][ sleeping ]
//
// readyEnd is the first record that is not ready, and sleepStart the first
// sleeping record, either being nilIdx if there is no such record. The
// scheduled section is empty iff readyEnd == sleepStart.
type queue struct {
	w      *Worker
	notify chan struct{}

	mu         sync.Mutex
	head       int32
	tail       int32
	readyEnd   int32
	sleepStart int32
	// busy is true while the owning goroutine executes a job
	busy bool

	needsReschedule atomic.Bool
	id              int32
}

func newQueue(w *Worker, id int32) *queue {
	return &queue{
		w:          w,
		notify:     make(chan struct{}, 1),
		head:       nilIdx,
		tail:       nilIdx,
		readyEnd:   nilIdx,
		sleepStart: nilIdx,
		id:         id,
	}
}

func (q *queue) rec(idx int32) *record { return q.w.arena.Get(int(idx)) }

// signal wakes the owning goroutine, without blocking.
func (q *queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// insertBefore links idx before at, or at the tail if at is nilIdx.
func (q *queue) insertBefore(idx, at int32) {
	rec := q.rec(idx)
	rec.next = at
	if at == nilIdx {
		rec.prev = q.tail
		if q.tail != nilIdx {
			q.rec(q.tail).next = idx
		} else {
			q.head = idx
		}
		q.tail = idx
	} else {
		next := q.rec(at)
		rec.prev = next.prev
		if next.prev != nilIdx {
			q.rec(next.prev).next = idx
		} else {
			q.head = idx
		}
		next.prev = idx
	}
	rec.queued = true
}

// enqueue places idx in the given section. It fails if the record has been
// killed. Callers must hold mu.
func (q *queue) enqueue(idx int32, sec section, at time.Time) bool {
	rec := q.rec(idx)
	if rec.sched.load() == scheduleKill {
		return false
	}
	if rec.queued {
		q.unlink(idx)
	}

	rec.section = sec
	rec.at = at

	switch sec {
	case sectionImmediate:
		q.insertBefore(idx, q.head)

	case sectionNormal:
		q.insertBefore(idx, q.readyEnd)

	case sectionScheduled:
		// walk backward from the sleeping cut, equal times stay FIFO
		p := q.tail
		if q.sleepStart != nilIdx {
			p = q.rec(q.sleepStart).prev
		}
		for p != nilIdx {
			other := q.rec(p)
			if other.section != sectionScheduled || !other.at.After(at) {
				break
			}
			p = other.prev
		}
		next := q.head
		if p != nilIdx {
			next = q.rec(p).next
		}
		q.insertBefore(idx, next)
		if next == q.readyEnd {
			q.readyEnd = idx
		}

	case sectionSleeping:
		q.insertBefore(idx, q.sleepStart)
		if q.readyEnd == q.sleepStart {
			q.readyEnd = idx
		}
		q.sleepStart = idx

	default:
		panic("worker: enqueue with invalid section")
	}

	if sec.ready() && q.busy {
		q.needsReschedule.Store(true)
	}

	return true
}

// unlink removes idx from the sequence, fixing the cuts. Callers must hold
// mu, and the record must be queued.
func (q *queue) unlink(idx int32) {
	rec := q.rec(idx)
	if q.readyEnd == idx {
		q.readyEnd = rec.next
	}
	if q.sleepStart == idx {
		q.sleepStart = rec.next
	}
	if rec.prev != nilIdx {
		q.rec(rec.prev).next = rec.next
	} else {
		q.head = rec.next
	}
	if rec.next != nilIdx {
		q.rec(rec.next).prev = rec.prev
	} else {
		q.tail = rec.prev
	}
	rec.prev, rec.next = nilIdx, nilIdx
	rec.queued = false
	rec.section = sectionNone
}

// remove unlinks idx if it is queued, returning true if it was.
func (q *queue) remove(idx int32) bool {
	if !q.rec(idx).queued {
		return false
	}
	q.unlink(idx)
	return true
}

// dequeueNext unlinks and returns the first runnable record, marking it as
// running. If there is none, it returns nilIdx and the earliest scheduled
// time, zero if nothing is scheduled. Killed records met along the way are
// unlinked and appended to reap, for the caller to finish once mu has been
// released. Callers must hold mu.
func (q *queue) dequeueNext(now time.Time, reap []int32) (idx int32, wakeAt time.Time, _ []int32) {
	for q.head != nilIdx && q.head != q.readyEnd {
		idx = q.head
		q.unlink(idx)
		if q.rec(idx).sched.load() == scheduleKill {
			reap = append(reap, idx)
			continue
		}
		return q.take(idx, now), time.Time{}, reap
	}

	for q.readyEnd != nilIdx && q.readyEnd != q.sleepStart {
		idx = q.readyEnd
		rec := q.rec(idx)
		if rec.sched.load() == scheduleKill {
			q.unlink(idx)
			reap = append(reap, idx)
			continue
		}
		if rec.at.After(now) {
			return nilIdx, rec.at, reap
		}
		q.unlink(idx)
		return q.take(idx, now), time.Time{}, reap
	}

	return nilIdx, time.Time{}, reap
}

func (q *queue) take(idx int32, now time.Time) int32 {
	rec := q.rec(idx)
	rec.running = true
	rec.woken.Store(false)
	q.busy = true
	q.needsReschedule.Store(q.hasRunnable(now))
	return idx
}

// hasRunnable reports whether any record could be dequeued at now.
func (q *queue) hasRunnable(now time.Time) bool {
	if q.head != q.readyEnd {
		return true
	}
	return q.readyEnd != nilIdx && q.readyEnd != q.sleepStart && !q.rec(q.readyEnd).at.After(now)
}

func (q *queue) empty() bool { return q.head == nilIdx }

// sectionLens counts records per section, for Stats. Callers must hold mu.
func (q *queue) sectionLens() (ready, scheduled, sleeping int) {
	for idx := q.head; idx != nilIdx; {
		rec := q.rec(idx)
		switch rec.section {
		case sectionImmediate, sectionNormal:
			ready++
		case sectionScheduled:
			scheduled++
		case sectionSleeping:
			sleeping++
		}
		idx = rec.next
	}
	return
}
