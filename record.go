package worker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-worker/internal/poller"
)

// nilIdx terminates index-linked lists.
const nilIdx int32 = -1

// section identifies where in a queue a record sits, or is to be placed.
type section uint8

const (
	sectionNone section = iota
	sectionImmediate
	sectionNormal
	sectionScheduled
	sectionSleeping
)

func (s section) ready() bool { return s == sectionImmediate || s == sectionNormal }

// outcome is the terminal result of a record, zero until finished.
type outcome uint32

const (
	outcomePending outcome = iota
	outcomeDone
	outcomeError
)

// record is the arena-resident state of one job. Fields are grouped by what
// guards them.
type record struct {
	// immutable while allocated

	fn   func(*Ctx) bool
	name string
	q    int32

	// guarded by the owning queue's mu

	at      time.Time
	prev    int32
	next    int32
	section section
	queued  bool
	running bool

	// guarded by Worker.depMu

	yieldOn     int32
	blockedHead int32
	nextBlocked int32
	blocked     bool
	inherit     bool
	finished    bool

	// guarded by bridge.mu

	evSeq    uint64
	evFD     int
	evEvents poller.Events

	// guarded by doneMu

	err    error
	done   chan struct{}
	doneMu sync.Mutex

	tag         atomic.Uint64
	refs        atomic.Int32
	gen         atomic.Uint32
	outcome     atomic.Uint32
	sched       schedule
	woken       atomic.Bool
	ioScheduled atomic.Bool
}

// reset prepares a freshly allocated record holding refs references: the
// structural one, plus one if a handle is returned. The record is
// unreachable by other goroutines, except via stale handles, which are
// rejected by gen.
func (x *record) reset(q int32, fn func(*Ctx) bool, name string, tag uint64, refs int32) {
	x.fn = fn
	x.name = name
	x.q = q
	x.at = time.Time{}
	x.prev, x.next = nilIdx, nilIdx
	x.section = sectionNone
	x.queued, x.running = false, false
	x.yieldOn, x.blockedHead, x.nextBlocked = nilIdx, nilIdx, nilIdx
	x.blocked, x.inherit, x.finished = false, false, false
	x.evSeq, x.evFD, x.evEvents = 0, -1, 0
	x.doneMu.Lock()
	x.err = nil
	x.done = nil
	x.doneMu.Unlock()
	x.tag.Store(tag)
	x.outcome.Store(uint32(outcomePending))
	x.sched.init()
	x.woken.Store(false)
	x.ioScheduled.Store(false)
	x.refs.Store(refs)
}

// clear drops references held by a freed record, so they may be collected.
func (x *record) clear() {
	x.fn = nil
	x.name = ""
	x.doneMu.Lock()
	x.err = nil
	x.done = nil
	x.doneMu.Unlock()
}

// waitChan returns the completion channel, creating it on first use.
func (x *record) waitChan() <-chan struct{} {
	x.doneMu.Lock()
	defer x.doneMu.Unlock()
	if x.done == nil {
		x.done = make(chan struct{})
		if outcome(x.outcome.Load()) != outcomePending {
			close(x.done)
		}
	}
	return x.done
}

// complete records the terminal outcome and releases waiters. Only the first
// call has any effect.
func (x *record) complete(result outcome, err error) bool {
	x.doneMu.Lock()
	defer x.doneMu.Unlock()
	if !x.outcome.CompareAndSwap(uint32(outcomePending), uint32(result)) {
		return false
	}
	x.err = err
	if x.done != nil {
		close(x.done)
	}
	return true
}

func (x *record) getErr() error {
	x.doneMu.Lock()
	defer x.doneMu.Unlock()
	return x.err
}

// cancelWaiters releases current waiters without completing the record.
func (x *record) cancelWaiters() {
	x.doneMu.Lock()
	defer x.doneMu.Unlock()
	if x.done != nil && outcome(x.outcome.Load()) == outcomePending {
		close(x.done)
		x.done = nil
	}
}
