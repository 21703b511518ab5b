// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package poller wraps the platform readiness notification primitive (epoll on
// Linux, kqueue on Darwin) behind a small, blocking API with a cancellable
// wait.
package poller

import (
	"errors"
	"time"
)

// Events is a set of readiness conditions.
type Events uint32

const (
	// EventRead indicates the file descriptor is ready for reading.
	EventRead Events = 1 << iota
	// EventWrite indicates the file descriptor is ready for writing.
	EventWrite
	// EventError indicates an error condition on the file descriptor.
	EventError
	// EventHangup indicates the peer closed its end of the connection.
	EventHangup
)

// String returns a compact representation, e.g. "rw".
func (x Events) String() string {
	if x == 0 {
		return "-"
	}
	var b [4]byte
	n := 0
	for _, f := range [...]struct {
		e Events
		c byte
	}{{EventRead, 'r'}, {EventWrite, 'w'}, {EventError, 'e'}, {EventHangup, 'h'}} {
		if x&f.e != 0 {
			b[n] = f.c
			n++
		}
	}
	return string(b[:n])
}

// Event is a single readiness notification.
type Event struct {
	FD     int
	Events Events
}

// Standard errors.
var (
	// ErrFDOutOfRange is returned for a negative fd.
	ErrFDOutOfRange = errors.New("poller: fd out of range")
	// ErrFDAlreadyRegistered is returned by Add for an fd that is registered.
	ErrFDAlreadyRegistered = errors.New("poller: fd already registered")
	// ErrFDNotRegistered is returned by Remove for an unknown fd.
	ErrFDNotRegistered = errors.New("poller: fd not registered")
	// ErrNoEvents is returned by Add when events is empty.
	ErrNoEvents = errors.New("poller: no events requested")
	// ErrClosed is returned by every method once Close has been called.
	ErrClosed = errors.New("poller: closed")
	// ErrUnsupported is returned on platforms without epoll or kqueue.
	ErrUnsupported = errors.New("poller: unsupported platform")
)

// maxBatch bounds the number of events returned by a single Wait.
const maxBatch = 128

// timeoutMillis converts a Wait timeout, where negative means forever, to
// the millisecond form the syscalls take. Sub-millisecond positive waits are
// rounded up, so they do not degrade into a busy loop.
func timeoutMillis(d time.Duration) int {
	if d < 0 {
		return -1
	}
	ms := d / time.Millisecond
	if d%time.Millisecond != 0 {
		ms++
	}
	if ms > 1<<31-1 {
		ms = 1<<31 - 1
	}
	return int(ms)
}

func checkRegistration(fd int, events Events) error {
	if fd < 0 {
		return ErrFDOutOfRange
	}
	if events&(EventRead|EventWrite) == 0 {
		return ErrNoEvents
	}
	return nil
}
