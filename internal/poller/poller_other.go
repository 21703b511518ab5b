//go:build !linux && !darwin

package poller

import "time"

// Poller is unavailable on this platform, New always fails.
type Poller struct{}

// New returns ErrUnsupported.
func New() (*Poller, error) { return nil, ErrUnsupported }

// Add returns ErrUnsupported.
func (p *Poller) Add(fd int, events Events) error { return ErrUnsupported }

// Remove returns ErrUnsupported.
func (p *Poller) Remove(fd int) error { return ErrUnsupported }

// Wait returns ErrUnsupported.
func (p *Poller) Wait(buf []Event, timeout time.Duration) (int, error) {
	return 0, ErrUnsupported
}

// Wakeup returns ErrUnsupported.
func (p *Poller) Wakeup() error { return ErrUnsupported }

// Close is a no-op.
func (p *Poller) Close() error { return nil }
