package worker

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-worker/internal/poller"
)

func (k EventKind) events() poller.Events {
	var events poller.Events
	if k&EventRead != 0 {
		events |= poller.EventRead
	}
	if k&EventWrite != 0 {
		events |= poller.EventWrite
	}
	return events
}

// bridgeEntry identifies the record waiting on an fd, and which of its
// registrations.
type bridgeEntry struct {
	seq uint64
	idx int32
	gen uint32
}

// bridge wakes jobs on fd readiness. Registrations are one-shot: the fd is
// deregistered as soon as it fires, and the owning job is woken exactly
// once.
type bridge struct {
	w        *Worker
	p        *poller.Poller
	fds      map[int]bridgeEntry
	buf      [64]poller.Event
	mu       sync.Mutex
	seq      uint64
	stopping atomic.Bool
}

func newBridge(w *Worker) (*bridge, error) {
	p, err := poller.New()
	if err != nil {
		return nil, err
	}
	return &bridge{
		w:   w,
		p:   p,
		fds: make(map[int]bridgeEntry),
	}, nil
}

// register arranges for the record at idx to be woken when fd is ready,
// replacing any registration the record already had.
func (b *bridge) register(idx int32, rec *record, fd int, events poller.Events) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if rec.evFD >= 0 {
		b.removeLocked(idx, rec)
	}

	if e, ok := b.fds[fd]; ok && e.idx != idx {
		return poller.ErrFDAlreadyRegistered
	}
	if err := b.p.Add(fd, events); err != nil {
		return err
	}

	b.seq++
	b.fds[fd] = bridgeEntry{seq: b.seq, idx: idx, gen: rec.gen.Load()}
	rec.evSeq = b.seq
	rec.evFD = fd
	rec.evEvents = events
	rec.ioScheduled.Store(true)
	return nil
}

// remove drops the registration of the record at idx, if any.
func (b *bridge) remove(idx int32, rec *record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(idx, rec)
}

func (b *bridge) removeLocked(idx int32, rec *record) {
	fd := rec.evFD
	if fd < 0 {
		return
	}
	rec.evFD, rec.evEvents = -1, 0
	if e, ok := b.fds[fd]; ok && e.idx == idx {
		delete(b.fds, fd)
		if err := b.p.Remove(fd); err != nil && !errors.Is(err, poller.ErrFDNotRegistered) {
			b.w.logBridgeError(err, fd)
		}
	}
}

// run is the bridge goroutine.
func (b *bridge) run() {
	defer b.w.wg.Done()
	for !b.stopping.Load() {
		n, err := b.p.Wait(b.buf[:], -1)
		if err != nil {
			if !errors.Is(err, poller.ErrClosed) {
				b.w.logBridgeError(err, -1)
			}
			return
		}
		for i := 0; i < n; i++ {
			b.dispatch(b.buf[i].FD)
		}
	}
}

func (b *bridge) dispatch(fd int) {
	if e, ok := b.take(fd); ok {
		b.fire(fd, e)
	}
}

// take removes the registration of fd, returning its entry.
func (b *bridge) take(fd int) (bridgeEntry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.fds[fd]
	if !ok {
		return e, false
	}
	delete(b.fds, fd)
	if err := b.p.Remove(fd); err != nil {
		b.w.logBridgeError(err, fd)
	}
	return e, true
}

// fire wakes the record of e, unless it has since been released or has
// registered again, in which case the firing is stale.
func (b *bridge) fire(fd int, e bridgeEntry) {
	w := b.w
	rec := w.acquire(e.idx, e.gen)
	if rec == nil {
		return
	}
	defer w.release(e.idx)

	b.mu.Lock()
	wake := rec.evSeq == e.seq && rec.evFD == fd
	if wake {
		rec.evFD, rec.evEvents = -1, 0
		wake = rec.ioScheduled.Swap(false)
	}
	b.mu.Unlock()

	if wake {
		w.stats.eventWakes.Add(1)
		w.wake(e.idx)
	}
}

// stop unblocks the bridge goroutine, causing it to exit.
func (b *bridge) stop() {
	b.stopping.Store(true)
	if err := b.p.Wakeup(); err != nil {
		b.w.logBridgeError(err, -1)
	}
}

// close releases the poller, once the bridge goroutine has exited.
func (b *bridge) close() {
	if err := b.p.Close(); err != nil {
		b.w.logBridgeError(err, -1)
	}
}
