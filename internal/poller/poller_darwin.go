//go:build darwin

package poller

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// Poller multiplexes file descriptor readiness using kqueue. Registration is
// safe for concurrent use; Wait must only be called from one goroutine at a
// time.
type Poller struct {
	eventBuf [maxBatch]unix.Kevent_t
	fds      map[int]Events
	kq       int
	wakeR    int
	wakeW    int
	mu       sync.Mutex
	closed   atomic.Bool
}

// New creates a kqueue instance with a nonblocking pipe registered for
// Wakeup.
func New() (*Poller, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(kq)

	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		_ = unix.Close(kq)
		return nil, err
	}
	cleanup := func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
		_ = unix.Close(kq)
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			cleanup()
			return nil, err
		}
	}

	if _, err := unix.Kevent(kq, eventsToKevents(fds[0], EventRead, unix.EV_ADD|unix.EV_ENABLE), nil, nil); err != nil {
		cleanup()
		return nil, err
	}

	return &Poller{
		fds:   make(map[int]Events),
		kq:    kq,
		wakeR: fds[0],
		wakeW: fds[1],
	}, nil
}

// Add registers fd for the given events.
func (p *Poller) Add(fd int, events Events) error {
	if err := checkRegistration(fd, events); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed.Load() {
		return ErrClosed
	}
	if _, ok := p.fds[fd]; ok {
		return ErrFDAlreadyRegistered
	}

	if _, err := unix.Kevent(p.kq, eventsToKevents(fd, events, unix.EV_ADD|unix.EV_ENABLE), nil, nil); err != nil {
		return err
	}

	p.fds[fd] = events
	return nil
}

// Remove deregisters fd.
func (p *Poller) Remove(fd int) error {
	if fd < 0 {
		return ErrFDOutOfRange
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	events, ok := p.fds[fd]
	if !ok {
		return ErrFDNotRegistered
	}
	delete(p.fds, fd)

	if !p.closed.Load() {
		// errors ignored, closing the fd already removes its filters
		_, _ = unix.Kevent(p.kq, eventsToKevents(fd, events, unix.EV_DELETE), nil, nil)
	}
	return nil
}

// Wait blocks until at least one registered fd is ready, Wakeup is called,
// or the timeout elapses (negative means no timeout). Ready events are
// written to buf, and the count is returned. A wakeup or timeout returns 0.
func (p *Poller) Wait(buf []Event, timeout time.Duration) (int, error) {
	if p.closed.Load() {
		return 0, ErrClosed
	}

	limit := min(len(buf), maxBatch)
	if limit == 0 {
		return 0, nil
	}

	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(int64(timeout))
		ts = &t
	}

	n, err := unix.Kevent(p.kq, nil, p.eventBuf[:limit], ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}

	// kqueue reports read and write filters separately, merge them per fd
	var count int
	for i := 0; i < n; i++ {
		kev := &p.eventBuf[i]
		fd := int(kev.Ident)
		if fd == p.wakeR {
			p.drainWakeup()
			continue
		}
		events := keventToEvents(kev)
		merged := false
		for j := 0; j < count; j++ {
			if buf[j].FD == fd {
				buf[j].Events |= events
				merged = true
				break
			}
		}
		if !merged {
			buf[count] = Event{FD: fd, Events: events}
			count++
		}
	}

	return count, nil
}

// Wakeup causes a blocked (or the next) Wait to return.
func (p *Poller) Wakeup() error {
	if p.closed.Load() {
		return ErrClosed
	}
	_, err := unix.Write(p.wakeW, []byte{1})
	if err == unix.EAGAIN {
		// pipe full, a wakeup is already pending
		err = nil
	}
	return err
}

func (p *Poller) drainWakeup() {
	var b [64]byte
	for {
		if _, err := unix.Read(p.wakeR, b[:]); err != nil {
			return
		}
	}
}

// Close releases the kqueue instance and wakeup pipe. It must not be called
// concurrently with Wait.
func (p *Poller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	clear(p.fds)
	_ = unix.Close(p.wakeR)
	_ = unix.Close(p.wakeW)
	return unix.Close(p.kq)
}

func eventsToKevents(fd int, events Events, flags uint16) []unix.Kevent_t {
	var kevents []unix.Kevent_t
	if events&EventRead != 0 {
		kevents = append(kevents, unix.Kevent_t{
			Ident:  uint64(fd),
			Filter: unix.EVFILT_READ,
			Flags:  flags,
		})
	}
	if events&EventWrite != 0 {
		kevents = append(kevents, unix.Kevent_t{
			Ident:  uint64(fd),
			Filter: unix.EVFILT_WRITE,
			Flags:  flags,
		})
	}
	return kevents
}

func keventToEvents(kev *unix.Kevent_t) Events {
	var events Events
	switch kev.Filter {
	case unix.EVFILT_READ:
		events |= EventRead
	case unix.EVFILT_WRITE:
		events |= EventWrite
	}
	if kev.Flags&unix.EV_ERROR != 0 {
		events |= EventError
	}
	if kev.Flags&unix.EV_EOF != 0 {
		events |= EventHangup
	}
	return events
}
