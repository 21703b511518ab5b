package worker

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sleeper(*Ctx) bool {
	panic("sleeping job ran")
}

func TestWorker_CapacityExhausted(t *testing.T) {
	const n = 4
	w := newSyncWorker(t, WithCapacity(n))

	jobs := make([]*Job, 0, n)
	for range n {
		j := w.PostSleeping(sleeper)
		require.True(t, j.Valid())
		jobs = append(jobs, j)
	}

	assert.Nil(t, w.Post(func(*Ctx) bool { return false }))
	_, err := w.PostWith(func(*Ctx) bool { return false })
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, uint64(2), w.Stats().Exhausted)

	// killing alone is not enough, the handle still references the slot
	require.True(t, w.Kill(jobs[0]))
	assert.Nil(t, w.Post(func(*Ctx) bool { return false }))

	jobs[0].Release()
	j := w.Post(func(*Ctx) bool { return false })
	require.True(t, j.Valid())
	j.Release()

	for _, j := range jobs[1:] {
		w.Kill(j)
		j.Release()
	}
}

func TestWorker_PriorityOrdering(t *testing.T) {
	w := newSyncWorker(t)
	var tr trace

	w.Post(tr.once("B")).Release()
	w.PostImmediate(tr.once("A")).Release()
	w.Post(tr.once("C")).Release()

	require.NoError(t, w.Run())
	assert.Equal(t, []string{"A", "B", "C"}, tr.get())
}

func TestWorker_ImmediateIsLIFO(t *testing.T) {
	w := newSyncWorker(t)
	var tr trace

	w.Post(tr.once("N")).Release()
	w.PostImmediate(tr.once("I1")).Release()
	w.PostImmediate(tr.once("I2")).Release()
	w.PostNext(tr.once("N2")).Release()

	require.NoError(t, w.Run())
	assert.Equal(t, []string{"I2", "I1", "N", "N2"}, tr.get())
}

func TestWorker_TimeOrdering(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	w := newSyncWorker(t, withClock(func() time.Time { return base.Add(time.Hour) }))
	var tr trace

	w.PostAtTime(tr.once("t3"), base.Add(3*time.Second)).Release()
	w.PostAtTime(tr.once("t1"), base.Add(1*time.Second)).Release()
	w.PostAtTime(tr.once("t2a"), base.Add(2*time.Second)).Release()
	w.PostAtTime(tr.once("t2b"), base.Add(2*time.Second)).Release()
	w.Post(tr.once("normal")).Release()

	require.NoError(t, w.Run())
	assert.Equal(t, []string{"normal", "t1", "t2a", "t2b", "t3"}, tr.get())
}

func TestWorker_PostDelayed(t *testing.T) {
	w := newSyncWorker(t)
	var tr trace

	start := time.Now()
	w.PostDelayed(tr.once("late"), 40*time.Millisecond).Release()
	w.PostDelayed(tr.once("early"), 10*time.Millisecond).Release()

	require.NoError(t, w.Run())
	assert.Equal(t, []string{"early", "late"}, tr.get())
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestWorker_RunAgainYieldsToWaitingJobs(t *testing.T) {
	w := newSyncWorker(t)
	var tr trace

	var count int
	w.Post(func(*Ctx) bool {
		tr.add("A")
		count++
		return count < 3
	}).Release()
	w.Post(tr.once("B")).Release()

	require.NoError(t, w.Run())
	assert.Equal(t, []string{"A", "B", "A", "A"}, tr.get())
}

func TestWorker_DependencyPostedBeforeStart(t *testing.T) {
	w := newSyncWorker(t)
	var tr trace

	var runs int
	y := w.Post(func(*Ctx) bool {
		runs++
		tr.add("Y")
		return runs < 3
	})
	defer y.Release()
	x := w.PostRunAfter(tr.once("X"), y)
	require.True(t, x.Valid())
	defer x.Release()
	w.Post(tr.once("Z")).Release()

	assert.Equal(t, StatusWaiting, w.Status(x))
	require.NoError(t, w.Run())
	assert.Equal(t, []string{"Y", "Z", "Y", "Y", "X"}, tr.get())
	assert.Equal(t, StatusDone, w.Status(x))
}

func TestWorker_DependencyPostedWhileRunning(t *testing.T) {
	w := newTestWorker(t, WithThreads(2))

	var yDone atomic.Bool
	started := make(chan struct{})
	release := make(chan struct{})
	y := w.Post(func(*Ctx) bool {
		close(started)
		<-release
		yDone.Store(true)
		return false
	})
	defer y.Release()
	<-started

	var xSawY atomic.Bool
	x := w.PostRunAfter(func(*Ctx) bool {
		xSawY.Store(yDone.Load())
		return false
	}, y)
	require.True(t, x.Valid())
	defer x.Release()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StatusWaiting, w.Status(x))
	assert.Equal(t, StatusRunning, w.Status(y))

	close(release)
	require.True(t, w.WaitForJob(context.Background(), x))
	assert.True(t, xSawY.Load())
}

func TestWorker_DependencyOnFinishedJob(t *testing.T) {
	w := newSyncWorker(t)
	var tr trace

	y := w.Post(tr.once("Y"))
	defer y.Release()
	require.NoError(t, w.Run())
	require.Equal(t, StatusDone, w.Status(y))

	w.PostRunAfter(tr.once("X"), y).Release()
	require.NoError(t, w.Run())
	assert.Equal(t, []string{"Y", "X"}, tr.get())
}

func TestWorker_DependencyReleasedOnKill(t *testing.T) {
	w := newSyncWorker(t)

	y := w.PostSleeping(sleeper)
	defer y.Release()
	var xRuns atomic.Int32
	x := w.PostRunAfter(func(*Ctx) bool {
		xRuns.Add(1)
		return false
	}, y)
	defer x.Release()

	assert.Equal(t, StatusWaiting, w.Status(x))
	assert.True(t, w.Kill(y))
	assert.False(t, w.Kill(y))
	assert.False(t, w.Kill(y))
	assert.Equal(t, StatusDone, w.Status(y))

	require.NoError(t, w.Run())
	assert.Equal(t, int32(1), xRuns.Load())
	assert.Equal(t, uint64(1), w.Stats().Killed)
	assert.Equal(t, StatusDone, w.Status(x))
}

func TestWorker_InheritPriority(t *testing.T) {
	w := newSyncWorker(t)
	var tr trace

	y := w.Post(func(c *Ctx) bool {
		tr.add("Y")
		c.Post(tr.once("Z")).Release()
		return false
	})
	defer y.Release()
	x, err := w.PostWith(tr.once("X"), WithRunAfter(y, true))
	require.NoError(t, err)
	x.Release()

	require.NoError(t, w.Run())
	assert.Equal(t, []string{"Y", "X", "Z"}, tr.get())
}

func TestWorker_KillBlockedJob(t *testing.T) {
	w := newSyncWorker(t)

	y := w.PostSleeping(sleeper)
	defer y.Release()
	x := w.PostRunAfter(func(*Ctx) bool {
		t.Error("killed job ran")
		return false
	}, y)
	defer x.Release()
	z := w.PostRunAfter(func(*Ctx) bool { return false }, y)
	defer z.Release()

	assert.True(t, w.Kill(x))
	assert.Equal(t, StatusDone, w.Status(x))
	assert.Equal(t, StatusWaiting, w.Status(z))

	w.Kill(y)
	require.NoError(t, w.Run())
	assert.Equal(t, StatusDone, w.Status(z))
	assert.Equal(t, uint64(2), w.Stats().Killed)
}

func TestJob_ReferenceCounting(t *testing.T) {
	const copies = 5
	w := newSyncWorker(t, WithCapacity(1))

	j := w.Post(func(*Ctx) bool { return false })
	require.NoError(t, w.Run())
	require.Equal(t, StatusDone, w.Status(j))

	handles := []*Job{j}
	for range copies {
		c := j.Clone()
		require.True(t, c.Valid())
		handles = append(handles, c)
	}

	for i, h := range handles {
		_, err := w.PostWith(func(*Ctx) bool { return false })
		require.ErrorIs(t, err, ErrExhausted, "handle %d", i)
		h.Release()
		h.Release()
		assert.False(t, h.Valid())
	}

	assert.Equal(t, 0, w.Stats().Live)
	n, err := w.PostWith(func(*Ctx) bool { return false })
	require.NoError(t, err)
	n.Release()
}

func TestJob_Invalid(t *testing.T) {
	w := newSyncWorker(t)
	var nilJob *Job

	assert.False(t, nilJob.Valid())
	assert.Nil(t, nilJob.Clone())
	nilJob.Release()
	assert.False(t, w.Wake(nilJob))
	assert.False(t, w.Kill(nilJob))
	assert.Equal(t, StatusDone, w.Status(nilJob))
	assert.False(t, w.WaitForJob(context.Background(), nilJob))
	assert.NoError(t, w.Err(nilJob))
	assert.Equal(t, "job#nil", nilJob.String())

	other := newSyncWorker(t)
	j := other.PostSleeping(sleeper)
	defer j.Release()
	assert.False(t, w.Kill(j), "handles are bound to their worker")
	assert.Equal(t, StatusWaiting, other.Status(j))

	_, err := w.PostWith(func(*Ctx) bool { return false }, WithRunAfter(nil, false))
	assert.ErrorIs(t, err, ErrInvalidJob)
	_, err = w.PostWith(nil)
	assert.ErrorIs(t, err, ErrNilFunc)
}

func TestWorker_Wake(t *testing.T) {
	w := newTestWorker(t, WithThreads(1))
	bg := context.Background()
	var tr trace

	s := w.PostSleeping(tr.once("S"))
	defer s.Release()
	n := w.Post(tr.once("N"))
	defer n.Release()

	require.True(t, w.WaitForJob(bg, n))
	assert.Equal(t, []string{"N"}, tr.get())
	assert.Equal(t, StatusWaiting, w.Status(s))

	assert.True(t, w.Wake(s))
	require.True(t, w.WaitForJob(bg, s))
	assert.Equal(t, []string{"N", "S"}, tr.get())
	assert.False(t, w.Wake(s), "finished jobs cannot be woken")

	d := w.PostDelayed(tr.once("D"), time.Hour)
	defer d.Release()
	assert.True(t, w.Wake(d))
	require.True(t, w.WaitForJob(bg, d))
	assert.Equal(t, []string{"N", "S", "D"}, tr.get())

	y := w.PostSleeping(sleeper)
	defer y.Release()
	x := w.PostRunAfter(tr.once("X"), y)
	defer x.Release()
	assert.False(t, w.Wake(x), "blocked jobs wait for their dependency")
	w.Kill(y)
	require.True(t, w.WaitForJob(bg, x))
}

func TestWorker_WakeWhileRunning(t *testing.T) {
	w := newSyncWorker(t)
	var runs int
	var j *Job
	j = w.Post(func(c *Ctx) bool {
		runs++
		if runs == 1 {
			assert.True(t, w.Wake(j))
			c.RescheduleSleeping()
		}
		return runs < 2
	})
	defer j.Release()

	require.NoError(t, w.Run())
	assert.Equal(t, 2, runs)
	assert.Equal(t, StatusDone, w.Status(j))
}

func TestWorker_PanicBecomesError(t *testing.T) {
	var buf syncBuffer
	w := newSyncWorker(t, WithLogger(newTestLogger(&buf)))
	var tr trace

	boom := errors.New("boom")
	p, err := w.PostWith(func(*Ctx) bool { panic(boom) }, WithJobName("exploder"))
	require.NoError(t, err)
	defer p.Release()
	w.PostRunAfter(tr.once("after"), p).Release()
	w.Post(tr.once("other")).Release()

	require.NoError(t, w.Run())
	assert.Equal(t, StatusError, w.Status(p))
	assert.Equal(t, []string{"other", "after"}, tr.get())

	var perr *PanicError
	require.ErrorAs(t, w.Err(p), &perr)
	assert.Equal(t, "exploder", perr.Job)
	assert.ErrorIs(t, w.Err(p), boom)
	assert.NotEmpty(t, perr.Stack)
	assert.Equal(t, uint64(1), w.Stats().Panicked)

	out := buf.String()
	assert.Contains(t, out, `"msg":"job panicked"`)
	assert.Contains(t, out, `"job":"exploder"`)
}

func TestWorker_PanicLogRateLimited(t *testing.T) {
	var buf syncBuffer
	w := newSyncWorker(t,
		WithLogger(newTestLogger(&buf)),
		WithPanicLogRate(map[time.Duration]int{time.Hour: 1}),
	)

	for range 3 {
		j, err := w.PostWith(func(*Ctx) bool { panic("again") }, WithJobName("flaky"))
		require.NoError(t, err)
		j.Release()
	}
	require.NoError(t, w.Run())

	assert.Equal(t, uint64(3), w.Stats().Panicked)
	assert.Equal(t, 1, strings.Count(buf.String(), `"msg":"job panicked"`))
}

func TestWorker_WaitForJob(t *testing.T) {
	w := newTestWorker(t, WithThreads(1))

	j := w.Post(func(c *Ctx) bool {
		if !c.IsRescheduled() && c.Context() == 0 {
			c.SetContext(1)
			c.RescheduleDelayed(20 * time.Millisecond)
			return true
		}
		return false
	})
	defer j.Release()
	assert.True(t, w.WaitForJob(context.Background(), j))
	assert.Equal(t, StatusDone, w.Status(j))
	assert.True(t, w.WaitForJob(context.Background(), j), "finished jobs return straight away")

	s := w.PostSleeping(sleeper)
	defer s.Release()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.False(t, w.WaitForJob(ctx, s))

	result := make(chan bool)
	go func() { result <- w.WaitForJob(context.Background(), s) }()
	time.Sleep(10 * time.Millisecond)
	w.CancelWaitForJob(s)
	select {
	case ok := <-result:
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("CancelWaitForJob did not release the waiter")
	}
	assert.Equal(t, StatusWaiting, w.Status(s))
	w.Kill(s)
}

func TestWorker_RunRequiresSynchronous(t *testing.T) {
	w := newTestWorker(t, WithThreads(1))
	assert.ErrorIs(t, w.Run(), ErrNotSynchronous)
}

func TestWorker_StopReleasesWaiters(t *testing.T) {
	w, err := New(WithThreads(2), WithLockOSThread(false))
	require.NoError(t, err)

	s := w.PostSleeping(sleeper)
	defer s.Release()
	d := w.PostDelayed(func(*Ctx) bool { return false }, time.Hour)
	defer d.Release()

	result := make(chan bool)
	go func() { result <- w.WaitForJob(context.Background(), s) }()
	time.Sleep(10 * time.Millisecond)

	w.Stop()
	w.Stop()

	select {
	case ok := <-result:
		assert.True(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not release the waiter")
	}
	assert.Equal(t, StatusDone, w.Status(s))
	assert.Equal(t, StatusDone, w.Status(d))

	_, err = w.PostWith(func(*Ctx) bool { return false })
	assert.ErrorIs(t, err, ErrStopped)
}

func TestWorker_StopSynchronous(t *testing.T) {
	w, err := New(WithSynchronous(true))
	require.NoError(t, err)

	w.PostSleeping(sleeper).Release()
	done := make(chan error)
	go func() { done <- w.Run() }()
	time.Sleep(10 * time.Millisecond)
	w.Stop()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
	assert.ErrorIs(t, w.Run(), ErrStopped)
	assert.Equal(t, 0, w.Stats().Live)
}

func TestWorker_EndToEndCounter(t *testing.T) {
	w := newTestWorker(t, WithThreads(2))

	var counter atomic.Int32
	j1 := w.Post(func(*Ctx) bool {
		return counter.Add(1) < 3
	})
	defer j1.Release()

	var seen atomic.Int32
	j2 := w.PostRunAfter(func(*Ctx) bool {
		seen.Store(counter.Load())
		return false
	}, j1)
	defer j2.Release()

	require.True(t, w.WaitForJob(context.Background(), j2))
	assert.Equal(t, int32(3), seen.Load())
	assert.Equal(t, int32(3), counter.Load())
	assert.Equal(t, StatusDone, w.Status(j1))
}

func TestWorker_ManyJobsAcrossThreads(t *testing.T) {
	const n = 500
	w := newTestWorker(t, WithThreads(4), WithCapacity(n))

	var sum atomic.Int64
	jobs := make([]*Job, 0, n)
	for i := range n {
		j := w.Post(func(*Ctx) bool {
			sum.Add(int64(i))
			return false
		})
		require.NotNil(t, j)
		jobs = append(jobs, j)
	}
	for _, j := range jobs {
		require.True(t, w.WaitForJob(context.Background(), j))
		j.Release()
	}
	assert.Equal(t, int64(n*(n-1)/2), sum.Load())
	waitFor(t, func() bool { return w.Stats().Live == 0 })
}

func TestWorker_PayloadTooLarge(t *testing.T) {
	w := newSyncWorker(t, WithMaxPayloadSize(64))

	_, err := w.PostWith(func(*Ctx) bool { return false }, WithPayloadSize(65))
	assert.ErrorIs(t, err, ErrTooLarge)

	j, err := w.PostWith(func(*Ctx) bool { return false }, WithPayloadSize(64))
	require.NoError(t, err)
	j.Release()
}

func TestWorker_SetMaxConcurrentThreads(t *testing.T) {
	w := newTestWorker(t, WithThreads(2))
	assert.Equal(t, 2, w.Stats().MaxConcurrentThreads)
	w.SetMaxConcurrentThreads(1)
	assert.Equal(t, 1, w.Stats().MaxConcurrentThreads)
	assert.Equal(t, 2, w.Stats().Threads)
}

func TestNew_InvalidOptions(t *testing.T) {
	_, err := New(WithCapacity(0))
	assert.Error(t, err)
	_, err = New(WithThreads(-1))
	assert.Error(t, err)
	_, err = New(WithPanicLogRate(map[time.Duration]int{time.Second: 10, time.Minute: 5}))
	assert.Error(t, err)
}

func TestWorker_DetachedPostsReuseSlots(t *testing.T) {
	w := newSyncWorker(t, WithCapacity(2))

	var runs atomic.Int32
	fn := func(*Ctx) bool {
		runs.Add(1)
		return false
	}
	for i := range 10 {
		require.NoError(t, w.Go(fn), "post %d", i)
		j, err := w.PostWith(fn, WithDetached(), WithJobName("detached"))
		require.NoError(t, err, "post %d", i)
		assert.Nil(t, j)
		require.NoError(t, w.Run())
		require.Equal(t, 0, w.Stats().Live, "post %d", i)
	}
	assert.Equal(t, int32(20), runs.Load())

	require.NoError(t, w.Go(fn))
	require.NoError(t, w.Go(fn))
	assert.ErrorIs(t, w.Go(fn), ErrExhausted)
	require.NoError(t, w.Run())
	assert.NoError(t, w.Go(fn))
}

func TestWorker_DetachedDependent(t *testing.T) {
	w := newSyncWorker(t, WithCapacity(2))
	var tr trace

	y := w.Post(tr.once("Y"))
	_, err := w.PostWith(tr.once("X"), WithRunAfter(y, false), WithDetached())
	require.NoError(t, err)
	y.Release()

	require.NoError(t, w.Run())
	assert.Equal(t, []string{"Y", "X"}, tr.get())
	assert.Equal(t, 0, w.Stats().Live)
}

func TestWorker_KillRunningJob(t *testing.T) {
	w := newTestWorker(t, WithThreads(1))

	started := make(chan struct{})
	unblock := make(chan struct{})
	var runs atomic.Int32
	j := w.Post(func(*Ctx) bool {
		if runs.Add(1) == 1 {
			close(started)
		}
		<-unblock
		return true
	})
	require.NotNil(t, j)
	defer j.Release()

	<-started
	assert.True(t, w.Kill(j))
	assert.False(t, w.Kill(j))
	assert.Equal(t, StatusRunning, w.Status(j))

	close(unblock)
	require.True(t, w.WaitForJob(context.Background(), j))
	assert.Equal(t, int32(1), runs.Load())
	assert.Equal(t, StatusDone, w.Status(j))
	assert.NoError(t, w.Err(j))
	assert.Equal(t, uint64(1), w.Stats().Killed)
}

func TestJob_UnreferencedHandleDuringCalls(t *testing.T) {
	w := newTestWorker(t, WithThreads(1), WithCapacity(1024))

	stop := make(chan struct{})
	gcDone := make(chan struct{})
	go func() {
		defer close(gcDone)
		for {
			select {
			case <-stop:
				return
			default:
				runtime.GC()
			}
		}
	}()

	for range 200 {
		assert.NotEqual(t, StatusError, w.Status(w.Post(func(*Ctx) bool { return false })))
		assert.True(t, w.Wake(w.PostSleeping(func(*Ctx) bool { return false })))
		assert.True(t, w.Kill(w.PostSleeping(sleeper)))
	}
	close(stop)
	<-gcDone

	waitFor(t, func() bool {
		runtime.GC()
		return w.Stats().Live == 0
	})
}
