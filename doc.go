// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package worker implements a cooperative job scheduler.
//
// A Worker owns a fixed-capacity arena of job records, one queue per worker
// goroutine, and optionally an event bridge that wakes jobs when a file
// descriptor becomes ready. Jobs are plain callables, run to completion on the
// goroutine that owns their queue. A job returns true to run again, or false
// to finish, and may instead (or additionally) request a specific placement
// via the [Ctx] it is passed, e.g. after a delay, after another job has
// finished, or after an fd becomes readable.
//
// Each queue orders its jobs in four sections:
//
//	immediate (LIFO) | normal (FIFO) | scheduled (by time) | sleeping
//
// Sleeping jobs are only run after an explicit [Worker.Wake], or a wake from
// the event bridge.
//
// Handles ([Job]) are reference counted. Every Post method returns a handle
// that holds one reference, which should be released via [Job.Release] once
// the caller is done with it. Unreachable handles are released automatically,
// though not promptly.
package worker
