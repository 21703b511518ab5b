package worker

// anonymousJob is the log and rate limit category for unnamed jobs.
const anonymousJob = "<anonymous>"

// logPanic logs a recovered panic, rate limited per job name.
func (w *Worker) logPanic(rec *record, err *PanicError) {
	name := rec.name
	if name == "" {
		name = anonymousJob
	}
	if _, ok := w.panicLimiter.Allow(name); !ok {
		return
	}
	w.logger.Err().
		Str("job", name).
		Err(err).
		Str("stack", string(err.Stack)).
		Log("job panicked")
}

func (w *Worker) logBridgeError(err error, fd int) {
	b := w.logger.Err()
	if !b.Enabled() {
		return
	}
	if fd >= 0 {
		b = b.Int("fd", fd)
	}
	b.Err(err).Log("event bridge error")
}
