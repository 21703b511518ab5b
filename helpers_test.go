package worker

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/stretchr/testify/require"
)

func newTestWorker(t *testing.T, opts ...Option) *Worker {
	t.Helper()
	w, err := New(append([]Option{WithLockOSThread(false)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(w.Stop)
	return w
}

func newSyncWorker(t *testing.T, opts ...Option) *Worker {
	t.Helper()
	return newTestWorker(t, append([]Option{WithSynchronous(true)}, opts...)...)
}

// syncBuffer is a bytes.Buffer safe for use as a log writer.
type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (x *syncBuffer) Write(p []byte) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.b.Write(p)
}

func (x *syncBuffer) String() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.b.String()
}

func newTestLogger(buf *syncBuffer) *logiface.Logger[logiface.Event] {
	return stumpy.L.New(
		stumpy.L.WithStumpy(
			stumpy.WithWriter(buf),
			stumpy.WithTimeField(``),
		),
	).Logger()
}

// trace records a sequence of labels, safely across goroutines.
type trace struct {
	mu     sync.Mutex
	labels []string
}

func (x *trace) add(label string) {
	x.mu.Lock()
	x.labels = append(x.labels, label)
	x.mu.Unlock()
}

func (x *trace) get() []string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]string(nil), x.labels...)
}

// once returns a job func that records label and finishes.
func (x *trace) once(label string) func(*Ctx) bool {
	return func(*Ctx) bool {
		x.add(label)
		return false
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for condition")
		}
		time.Sleep(time.Millisecond)
	}
}
