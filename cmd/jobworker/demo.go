package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joeycumines/logiface"

	"github.com/joeycumines/go-worker"
)

// demo is the workload posted by the run command: tickers that reschedule
// themselves on a delay, chains of jobs that each run after the previous
// one, and pipe readers woken by file descriptor readiness.
type demo struct {
	w      *worker.Worker
	logger *logiface.Logger[logiface.Event]
	cfg    DemoConfig
	jobs   []*worker.Job
	files  []*os.File
}

func startDemo(w *worker.Worker, cfg DemoConfig, logger *logiface.Logger[logiface.Event]) (*demo, error) {
	d := &demo{w: w, logger: logger, cfg: cfg}
	post := func(f func(int) error, n int) error {
		for i := range n {
			if err := f(i); err != nil {
				return err
			}
		}
		return nil
	}
	err := post(d.postTicker, cfg.Tickers)
	if err == nil {
		err = post(d.postChain, cfg.Chains)
	}
	if err == nil && cfg.Pipes > 0 {
		err = post(d.postPipe, cfg.Pipes)
	}
	if err != nil {
		d.close()
		return nil, err
	}
	return d, nil
}

func (d *demo) postWith(fn func(*worker.Ctx) bool, opts ...worker.JobOption) (*worker.Job, error) {
	j, err := d.w.PostWith(fn, opts...)
	if err != nil {
		return nil, err
	}
	d.jobs = append(d.jobs, j)
	return j, nil
}

func (d *demo) postTicker(n int) error {
	var ticks int
	_, err := d.postWith(func(c *worker.Ctx) bool {
		ticks++
		d.logger.Debug().Str("job", c.Name()).Int("tick", ticks).Log("tick")
		if ticks >= d.cfg.Ticks {
			return false
		}
		c.RescheduleDelayed(d.cfg.Interval)
		return true
	}, worker.WithJobName(fmt.Sprintf("ticker-%d", n)))
	return err
}

func (d *demo) postChain(n int) error {
	var prev *worker.Job
	for i := range d.cfg.ChainLength {
		stage := i
		opts := []worker.JobOption{worker.WithJobName(fmt.Sprintf("chain-%d", n))}
		if prev != nil {
			opts = append(opts, worker.WithRunAfter(prev, false))
		}
		j, err := d.postWith(func(c *worker.Ctx) bool {
			d.logger.Debug().Str("job", c.Name()).Int("stage", stage).Log("chain stage")
			return false
		}, opts...)
		if err != nil {
			return err
		}
		prev = j
	}
	return nil
}

func (d *demo) postPipe(n int) error {
	r, wr, err := os.Pipe()
	if err != nil {
		return err
	}
	d.files = append(d.files, r, wr)
	fd := int(r.Fd())

	var (
		started bool
		total   int
	)
	_, err = d.postWith(func(c *worker.Ctx) bool {
		if started {
			var b [64]byte
			n, err := r.Read(b[:])
			total += n
			if err != nil {
				d.logger.Debug().Str("job", c.Name()).Int("bytes", total).Log("pipe drained")
				return false
			}
		}
		started = true
		if err := c.RescheduleAfterEvent(worker.EventRead, fd); err != nil {
			d.logger.Warning().Str("job", c.Name()).Err(err).Log("event wait failed")
			return false
		}
		return true
	}, worker.WithJobName(fmt.Sprintf("pipe-reader-%d", n)))
	if err != nil {
		return err
	}

	var written int
	_, err = d.postWith(func(c *worker.Ctx) bool {
		if written >= d.cfg.PipeBytes {
			_ = wr.Close()
			return false
		}
		if _, err := wr.Write([]byte{byte(written)}); err != nil {
			d.logger.Warning().Str("job", c.Name()).Err(err).Log("pipe write failed")
			_ = wr.Close()
			return false
		}
		written++
		c.RescheduleDelayed(d.cfg.Interval)
		return true
	}, worker.WithJobName(fmt.Sprintf("pipe-writer-%d", n)), worker.WithDelay(d.cfg.Interval))
	return err
}

// wait blocks until every demo job has finished, returning false if ctx is
// done first.
func (d *demo) wait(ctx context.Context) bool {
	for _, j := range d.jobs {
		if ctx.Err() != nil || !d.w.WaitForJob(ctx, j) {
			return false
		}
	}
	return ctx.Err() == nil
}

func (d *demo) close() {
	for _, j := range d.jobs {
		j.Release()
	}
	d.jobs = nil
	for _, f := range d.files {
		_ = f.Close()
	}
	d.files = nil
}
