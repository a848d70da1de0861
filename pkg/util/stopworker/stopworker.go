// Copyright (C) 2024 ScyllaDB
//
// SPDX-License-Identifier: Apache-2.0

// Package stopworker runs a callable in a loop on a dedicated goroutine
// until asked to stop. It backs the fire-and-forget stress/load generators;
// core lifecycle operations never use it.
package stopworker

import (
	"context"
	"sync"
)

// Worker repeatedly invokes its target until Stop is called. The zero value
// is not usable; construct with New.
type Worker struct {
	target func(ctx context.Context) error

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	lastErr error
}

// New returns a Worker that will loop over target. A non-nil error from
// target stops the loop early and is reported by Join.
func New(target func(ctx context.Context) error) *Worker {
	return &Worker{target: target}
}

// Start launches the loop. Starting an already running worker is a no-op.
func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		for ctx.Err() == nil {
			if err := w.target(ctx); err != nil {
				// Errors caused by Stop itself are not failures.
				if ctx.Err() == nil {
					w.mu.Lock()
					w.lastErr = err
					w.mu.Unlock()
				}
				return
			}
		}
	}(w.done)
}

// Stop signals the loop to exit. It does not wait; call Join for that.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		w.cancel()
	}
}

// Join waits for the loop to exit and returns the error that terminated it,
// if any. Join after Stop gives the usual stop-then-join teardown.
func (w *Worker) Join() error {
	w.mu.Lock()
	done := w.done
	w.mu.Unlock()
	if done != nil {
		<-done
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}
