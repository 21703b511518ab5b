package worker

import (
	"sync/atomic"
)

// scheduleState is the post-execution decision for a job.
//
// State machine:
//
//	scheduleOnce → scheduleAgain   [job returned true, tryAgain]
//	scheduleAgain → scheduleOnce   [job dequeued, reset]
//	any → scheduleKill             [job returned false, or Kill]
//	scheduleKill → (terminal)
//
// Placement (which queue section, which dependency) is tracked separately,
// so a job can change its own state from inside its callable without
// touching queue linkage.
type scheduleState uint32

const (
	scheduleOnce scheduleState = iota
	scheduleAgain
	scheduleKill
)

func (s scheduleState) String() string {
	switch s {
	case scheduleOnce:
		return "Once"
	case scheduleAgain:
		return "Again"
	case scheduleKill:
		return "Kill"
	default:
		return "Unknown"
	}
}

// schedule is the atomic holder for a scheduleState. All transitions are
// named methods, as Kill may race with the owning goroutine.
type schedule struct {
	v atomic.Uint32
}

func (x *schedule) load() scheduleState { return scheduleState(x.v.Load()) }

// init must only be used while the record is unreachable by other
// goroutines.
func (x *schedule) init() { x.v.Store(uint32(scheduleOnce)) }

// tryTransition is the single CAS primitive.
func (x *schedule) tryTransition(from, to scheduleState) bool {
	return x.v.CompareAndSwap(uint32(from), uint32(to))
}

// reset returns the state to Once prior to execution, failing if killed.
func (x *schedule) reset() bool {
	for {
		switch cur := x.load(); cur {
		case scheduleKill:
			return false
		case scheduleOnce:
			return true
		default:
			if x.tryTransition(cur, scheduleOnce) {
				return true
			}
		}
	}
}

// tryAgain marks the job to run again, failing if killed.
func (x *schedule) tryAgain() bool {
	for {
		switch cur := x.load(); cur {
		case scheduleKill:
			return false
		case scheduleAgain:
			return true
		default:
			if x.tryTransition(cur, scheduleAgain) {
				return true
			}
		}
	}
}

// tryKill forces the terminal state, returning true only for the call that
// performed the transition.
func (x *schedule) tryKill() bool {
	for {
		cur := x.load()
		if cur == scheduleKill {
			return false
		}
		if x.tryTransition(cur, scheduleKill) {
			return true
		}
	}
}

// threadState is the lifecycle of a worker goroutine.
//
//	threadSleeping ⇄ threadRunning
//	threadSleeping → threadKilled
//	threadRunning → threadKilled
type threadState uint32

const (
	threadSleeping threadState = iota
	threadRunning
	threadKilled
)

func (s threadState) String() string {
	switch s {
	case threadSleeping:
		return "Sleeping"
	case threadRunning:
		return "Running"
	case threadKilled:
		return "Killed"
	default:
		return "Unknown"
	}
}

type threadStatus struct {
	v atomic.Uint32
}

func (x *threadStatus) load() threadState { return threadState(x.v.Load()) }

func (x *threadStatus) tryTransition(from, to threadState) bool {
	return x.v.CompareAndSwap(uint32(from), uint32(to))
}

// kill is irreversible, so it is a plain store.
func (x *threadStatus) kill() { x.v.Store(uint32(threadKilled)) }
