package worker

import (
	"sync/atomic"
)

type counters struct {
	posted     atomic.Uint64
	completed  atomic.Uint64
	killed     atomic.Uint64
	panicked   atomic.Uint64
	eventWakes atomic.Uint64
	exhausted  atomic.Uint64
}

// QueueStats describes one queue.
type QueueStats struct {
	Ready     int
	Scheduled int
	Sleeping  int
	// Running is true if the queue's goroutine is executing a job.
	Running bool
}

// Stats is a point in time snapshot of a Worker. Counters are cumulative.
type Stats struct {
	Queues []QueueStats
	// Capacity is the number of job slots.
	Capacity int
	// Live is the number of occupied job slots, including finished jobs
	// that still have handles.
	Live int
	// Threads is the number of queues, each with one goroutine unless the
	// worker is synchronous.
	Threads int
	// MaxConcurrentThreads is the advisory value from
	// Worker.SetMaxConcurrentThreads.
	MaxConcurrentThreads int

	Posted     uint64
	Completed  uint64
	Killed     uint64
	Panicked   uint64
	EventWakes uint64
	// Exhausted counts posts rejected by ErrExhausted.
	Exhausted uint64
}

// Stats returns a snapshot of the worker.
func (w *Worker) Stats() Stats {
	s := Stats{
		Queues:               make([]QueueStats, len(w.queues)),
		Capacity:             w.arena.Cap(),
		Live:                 w.arena.Len(),
		Threads:              len(w.queues),
		MaxConcurrentThreads: int(w.maxThreads.Load()),
		Posted:               w.stats.posted.Load(),
		Completed:            w.stats.completed.Load(),
		Killed:               w.stats.killed.Load(),
		Panicked:             w.stats.panicked.Load(),
		EventWakes:           w.stats.eventWakes.Load(),
		Exhausted:            w.stats.exhausted.Load(),
	}
	for i, q := range w.queues {
		q.mu.Lock()
		qs := &s.Queues[i]
		qs.Ready, qs.Scheduled, qs.Sleeping = q.sectionLens()
		qs.Running = q.busy
		q.mu.Unlock()
	}
	return s
}
