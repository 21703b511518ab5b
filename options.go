// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package worker

import (
	"fmt"
	"runtime"
	"time"

	"github.com/joeycumines/logiface"
)

const (
	// DefaultCapacity is the number of job slots used if WithCapacity is not
	// provided.
	DefaultCapacity = 1024
	// DefaultMaxPayloadSize is the payload budget used if WithMaxPayloadSize
	// is not provided.
	DefaultMaxPayloadSize = 256
)

// workerOptions holds configuration options for Worker creation.
type workerOptions struct {
	logger         *logiface.Logger[logiface.Event]
	panicLogRates  map[time.Duration]int
	now            func() time.Time
	capacity       int
	threads        int
	maxPayloadSize int
	synchronous    bool
	eventThread    bool
	lockOSThread   bool
}

// Option configures a Worker instance.
type Option interface {
	applyWorker(*workerOptions) error
}

// optionImpl implements Option.
type optionImpl struct {
	applyWorkerFunc func(*workerOptions) error
}

func (x *optionImpl) applyWorker(opts *workerOptions) error {
	return x.applyWorkerFunc(opts)
}

// WithSynchronous configures the worker to spawn no goroutines. Jobs run only
// while the caller is inside Worker.Run.
func WithSynchronous(enabled bool) Option {
	return &optionImpl{func(opts *workerOptions) error {
		opts.synchronous = enabled
		return nil
	}}
}

// WithEventThread enables the event bridge, required by
// Ctx.RescheduleAfterEvent.
func WithEventThread(enabled bool) Option {
	return &optionImpl{func(opts *workerOptions) error {
		opts.eventThread = enabled
		return nil
	}}
}

// WithCapacity sets the number of job slots.
func WithCapacity(n int) Option {
	return &optionImpl{func(opts *workerOptions) error {
		if n <= 0 {
			return fmt.Errorf("worker: invalid capacity: %d", n)
		}
		opts.capacity = n
		return nil
	}}
}

// WithThreads sets the number of worker goroutines (and queues). Ignored in
// synchronous mode. Defaults to GOMAXPROCS.
func WithThreads(n int) Option {
	return &optionImpl{func(opts *workerOptions) error {
		if n <= 0 {
			return fmt.Errorf("worker: invalid thread count: %d", n)
		}
		opts.threads = n
		return nil
	}}
}

// WithMaxPayloadSize sets the limit checked against WithPayloadSize.
func WithMaxPayloadSize(n int) Option {
	return &optionImpl{func(opts *workerOptions) error {
		if n < 0 {
			return fmt.Errorf("worker: invalid max payload size: %d", n)
		}
		opts.maxPayloadSize = n
		return nil
	}}
}

// WithLockOSThread pins each worker goroutine to an OS thread.
func WithLockOSThread(enabled bool) Option {
	return &optionImpl{func(opts *workerOptions) error {
		opts.lockOSThread = enabled
		return nil
	}}
}

// WithLogger sets the structured logger. A nil logger disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *workerOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithPanicLogRate sets the per-job-name rate limit applied to logging
// recovered panics, in the form accepted by catrate.NewLimiter. A nil or
// empty map disables the limit.
func WithPanicLogRate(rates map[time.Duration]int) Option {
	return &optionImpl{func(opts *workerOptions) error {
		opts.panicLogRates = rates
		return nil
	}}
}

// withClock replaces time.Now, for tests.
func withClock(now func() time.Time) Option {
	return &optionImpl{func(opts *workerOptions) error {
		opts.now = now
		return nil
	}}
}

// resolveWorkerOptions applies Option instances to workerOptions.
func resolveWorkerOptions(opts []Option) (*workerOptions, error) {
	cfg := &workerOptions{
		panicLogRates: map[time.Duration]int{
			time.Second: 1,
			time.Minute: 10,
		},
		now:            time.Now,
		capacity:       DefaultCapacity,
		threads:        runtime.GOMAXPROCS(0),
		maxPayloadSize: DefaultMaxPayloadSize,
		lockOSThread:   true,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyWorker(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.synchronous {
		cfg.threads = 1
	}
	return cfg, nil
}

// jobOptions holds per-job configuration for Worker.PostWith.
type jobOptions struct {
	at          time.Time
	after       *Job
	name        string
	tag         uint64
	delay       time.Duration
	payloadSize int
	section     section
	inherit     bool
	hasTag      bool
	delayed     bool
	detached    bool
}

// JobOption configures a single posted job.
type JobOption interface {
	applyJob(*jobOptions) error
}

type jobOptionImpl struct {
	applyJobFunc func(*jobOptions) error
}

func (x *jobOptionImpl) applyJob(opts *jobOptions) error {
	return x.applyJobFunc(opts)
}

// WithJobName labels the job, for logging and PanicError.
func WithJobName(name string) JobOption {
	return &jobOptionImpl{func(opts *jobOptions) error {
		opts.name = name
		return nil
	}}
}

// WithJobContext sets the job's context tag, see Ctx.Context.
func WithJobContext(tag uint64) JobOption {
	return &jobOptionImpl{func(opts *jobOptions) error {
		opts.tag = tag
		opts.hasTag = true
		return nil
	}}
}

// WithPayloadSize declares the size of the state captured by the job's
// callable, which must not exceed the worker's WithMaxPayloadSize.
func WithPayloadSize(n int) JobOption {
	return &jobOptionImpl{func(opts *jobOptions) error {
		if n < 0 {
			return fmt.Errorf("worker: invalid payload size: %d", n)
		}
		opts.payloadSize = n
		return nil
	}}
}

// WithImmediate places the job at the front of its queue.
func WithImmediate() JobOption {
	return &jobOptionImpl{func(opts *jobOptions) error {
		opts.section = sectionImmediate
		opts.delayed = false
		return nil
	}}
}

// WithDelay schedules the job to run after d.
func WithDelay(d time.Duration) JobOption {
	return &jobOptionImpl{func(opts *jobOptions) error {
		opts.section = sectionScheduled
		opts.delay = d
		opts.delayed = true
		return nil
	}}
}

// WithStartAt schedules the job to run at t.
func WithStartAt(t time.Time) JobOption {
	return &jobOptionImpl{func(opts *jobOptions) error {
		opts.section = sectionScheduled
		opts.at = t
		opts.delayed = false
		return nil
	}}
}

// WithSleeping posts the job asleep, it will not run until woken.
func WithSleeping() JobOption {
	return &jobOptionImpl{func(opts *jobOptions) error {
		opts.section = sectionSleeping
		opts.delayed = false
		return nil
	}}
}

// WithDetached posts the job without a handle: PostWith returns a nil Job
// and a nil error on success. The job's slot is freed as soon as it
// finishes.
func WithDetached() JobOption {
	return &jobOptionImpl{func(opts *jobOptions) error {
		opts.detached = true
		return nil
	}}
}

// WithRunAfter holds the job until dep has finished. If inherit is true, it
// is then placed as immediate rather than normal.
func WithRunAfter(dep *Job, inherit bool) JobOption {
	return &jobOptionImpl{func(opts *jobOptions) error {
		if !dep.Valid() {
			return ErrInvalidJob
		}
		opts.after = dep
		opts.inherit = inherit
		return nil
	}}
}

func resolveJobOptions(opts []JobOption) (cfg jobOptions, err error) {
	cfg.section = sectionNormal
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err = opt.applyJob(&cfg); err != nil {
			return
		}
	}
	return
}
