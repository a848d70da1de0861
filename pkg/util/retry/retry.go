// Copyright (C) 2024 ScyllaDB
//
// SPDX-License-Identifier: Apache-2.0

// Package retry provides the two retry primitives the harness is built on: a
// backoff retryer for open-ended convergence loops, and a fixed-interval
// deadline-bounded executor for "a freshly started node is not ready yet"
// situations.
package retry

import (
	"context"
	"time"
)

// Options configures a backoff Retry.
type Options struct {
	InitialBackoff time.Duration // default 50ms
	MaxBackoff     time.Duration // default 1s
	Multiplier     float64       // default 2
	MaxRetries     int           // 0 for no limit
}

// Retry implements an exponential-backoff retry loop:
//
//	for r := retry.Start(opts); r.Next(); {
//		...
//	}
type Retry struct {
	opts    Options
	ctx     context.Context
	attempt int
	backoff time.Duration
}

// Start returns a Retry ready for iteration.
func Start(opts Options) Retry {
	return StartWithCtx(context.Background(), opts)
}

// StartWithCtx is like Start but stops iterating once ctx is done.
func StartWithCtx(ctx context.Context, opts Options) Retry {
	if opts.InitialBackoff == 0 {
		opts.InitialBackoff = 50 * time.Millisecond
	}
	if opts.MaxBackoff == 0 {
		opts.MaxBackoff = time.Second
	}
	if opts.Multiplier == 0 {
		opts.Multiplier = 2
	}
	return Retry{opts: opts, ctx: ctx, backoff: opts.InitialBackoff}
}

// Next sleeps for the current backoff (except before the first attempt) and
// reports whether another attempt may run.
func (r *Retry) Next() bool {
	if r.attempt == 0 {
		r.attempt++
		return true
	}
	if r.opts.MaxRetries > 0 && r.attempt > r.opts.MaxRetries {
		return false
	}
	select {
	case <-time.After(r.backoff):
	case <-r.ctx.Done():
		return false
	}
	r.backoff = time.Duration(float64(r.backoff) * r.opts.Multiplier)
	if r.backoff > r.opts.MaxBackoff {
		r.backoff = r.opts.MaxBackoff
	}
	r.attempt++
	return true
}

// CurrentAttempt returns the number of attempts started so far.
func (r *Retry) CurrentAttempt() int {
	return r.attempt
}

// interval between TillSuccess attempts. Fixed rather than exponential so
// the total wait stays predictable under test timeouts.
const tillSuccessInterval = 250 * time.Millisecond

// DefaultTimeout is the retry window callers use when no explicit timeout
// was requested. TillSuccess itself does not apply it: a zero timeout is an
// already-expired deadline.
const DefaultTimeout = 60 * time.Second

// TillSuccess calls fn until it stops returning a transient error or the
// timeout elapses. A transient error is one for which isTransient returns
// true; a nil isTransient treats every error as transient. Non-transient
// errors propagate immediately. The deadline is only checked after a
// failure, so fn always runs at least once, even with a zero or negative
// timeout. Once the deadline has passed, the last transient error is
// returned as-is.
func TillSuccess[T any](
	ctx context.Context,
	timeout time.Duration,
	isTransient func(error) bool,
	fn func(ctx context.Context) (T, error),
) (T, error) {
	deadline := time.Now().Add(timeout)
	for {
		res, err := fn(ctx)
		if err == nil {
			return res, nil
		}
		if isTransient != nil && !isTransient(err) {
			return res, err
		}
		if time.Now().After(deadline) {
			return res, err
		}
		select {
		case <-time.After(tillSuccessInterval):
		case <-ctx.Done():
			return res, err
		}
	}
}
