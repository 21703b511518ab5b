//go:build linux

package poller

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// Poller multiplexes file descriptor readiness using epoll. Registration is
// safe for concurrent use; Wait must only be called from one goroutine at a
// time.
type Poller struct {
	eventBuf [maxBatch]unix.EpollEvent
	fds      map[int]Events
	epfd     int
	wakeFD   int
	mu       sync.Mutex
	closed   atomic.Bool
}

// New creates an epoll instance with an eventfd registered for Wakeup.
func New() (*Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}

	wakeFD, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, err
	}

	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFD, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(wakeFD),
	}); err != nil {
		_ = unix.Close(wakeFD)
		_ = unix.Close(epfd)
		return nil, err
	}

	return &Poller{
		fds:    make(map[int]Events),
		epfd:   epfd,
		wakeFD: wakeFD,
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

	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: eventsToEpoll(events),
		Fd:     int32(fd),
	}); err != nil {
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

	if _, ok := p.fds[fd]; !ok {
		return ErrFDNotRegistered
	}
	delete(p.fds, fd)

	if p.closed.Load() {
		return nil
	}

	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err == unix.EBADF || err == unix.ENOENT {
		// the fd was closed by its owner, which implicitly deregisters it
		err = nil
	}
	return err
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

	n, err := unix.EpollWait(p.epfd, p.eventBuf[:limit], timeoutMillis(timeout))
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}

	var count int
	for i := 0; i < n; i++ {
		fd := int(p.eventBuf[i].Fd)
		if fd == p.wakeFD {
			p.drainWakeup()
			continue
		}
		buf[count] = Event{FD: fd, Events: epollToEvents(p.eventBuf[i].Events)}
		count++
	}

	return count, nil
}

// Wakeup causes a blocked (or the next) Wait to return.
func (p *Poller) Wakeup() error {
	if p.closed.Load() {
		return ErrClosed
	}
	var b [8]byte
	binary.NativeEndian.PutUint64(b[:], 1)
	_, err := unix.Write(p.wakeFD, b[:])
	if err == unix.EAGAIN {
		// counter saturated, a wakeup is already pending
		err = nil
	}
	return err
}

func (p *Poller) drainWakeup() {
	var b [8]byte
	for {
		if _, err := unix.Read(p.wakeFD, b[:]); err != nil {
			return
		}
	}
}

// Close releases the epoll instance and wakeup fd. It must not be called
// concurrently with Wait.
func (p *Poller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	clear(p.fds)
	err1 := unix.Close(p.wakeFD)
	err2 := unix.Close(p.epfd)
	if err1 != nil {
		return err1
	}
	return err2
}

func eventsToEpoll(events Events) uint32 {
	var v uint32
	if events&EventRead != 0 {
		v |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		v |= unix.EPOLLOUT
	}
	return v
}

func epollToEvents(v uint32) Events {
	var events Events
	if v&unix.EPOLLIN != 0 {
		events |= EventRead
	}
	if v&unix.EPOLLOUT != 0 {
		events |= EventWrite
	}
	if v&unix.EPOLLERR != 0 {
		events |= EventError
	}
	if v&unix.EPOLLHUP != 0 {
		events |= EventHangup
	}
	return events
}
