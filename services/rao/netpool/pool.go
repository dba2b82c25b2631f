// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package netpool provides a bounded pool of network clones.
//
// Every concurrent evaluation works on its own clone: Acquire blocks until
// fewer than Size clones are alive, clones the master network and hands the
// clone to exactly one caller. Release destroys the clone and wakes the next
// waiter in FIFO order.
package netpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/AleutianAI/gridrao/services/rao/network"
)

var (
	// ErrNilContext is returned when a nil context is passed.
	ErrNilContext = errors.New("context must not be nil")

	// ErrPoolClosed is returned by Acquire after Close.
	ErrPoolClosed = errors.New("network pool closed")

	// ErrGenerationTimeout is returned when a generation does not finish
	// within its timeout. It is fatal for the whole run.
	ErrGenerationTimeout = errors.New("generation did not complete before timeout")
)

// Pool hands out clones of a master network.
//
// Thread Safety: safe for concurrent use. The master network must not be
// mutated while the pool is open.
type Pool struct {
	master network.Network
	size   int64
	sem    *semaphore.Weighted

	mu     sync.Mutex
	live   int
	closed bool

	acquired atomic.Int64
	logger   *slog.Logger
}

// New creates a pool of at most size clones of master.
//
// Outputs:
//   - *Pool: The pool. Never nil when err is nil.
//   - error: Non-nil if master is nil or size < 1.
func New(master network.Network, size int) (*Pool, error) {
	if master == nil {
		return nil, errors.New("master network must not be nil")
	}
	if size < 1 {
		return nil, fmt.Errorf("pool size must be >= 1, got %d", size)
	}
	return &Pool{
		master: master,
		size:   int64(size),
		sem:    semaphore.NewWeighted(int64(size)),
		logger: slog.Default(),
	}, nil
}

// WithLogger sets the logger.
func (p *Pool) WithLogger(logger *slog.Logger) *Pool {
	p.logger = logger
	return p
}

// Size returns the maximum number of live clones.
func (p *Pool) Size() int {
	return int(p.size)
}

// Live returns the number of clones currently handed out.
func (p *Pool) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live
}

// Acquired returns the number of successful acquisitions so far.
func (p *Pool) Acquired() int64 {
	return p.acquired.Load()
}

// Acquire blocks until a slot is free, then returns a fresh clone of the
// master network. The caller owns the clone until Release.
//
// Outputs:
//   - network.Network: The clone.
//   - error: ctx.Err() if ctx ends while waiting, ErrPoolClosed after Close,
//     or the clone error.
func (p *Pool) Acquire(ctx context.Context) (network.Network, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if p.isClosed() {
		return nil, ErrPoolClosed
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire network clone: %w", err)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem.Release(1)
		return nil, ErrPoolClosed
	}
	clone, err := p.master.Clone()
	if err != nil {
		p.mu.Unlock()
		p.sem.Release(1)
		return nil, fmt.Errorf("clone network %s: %w", p.master.ID(), err)
	}
	p.live++
	p.mu.Unlock()

	p.acquired.Add(1)
	return clone, nil
}

// Release destroys a clone obtained from Acquire and frees its slot.
func (p *Pool) Release(clone network.Network) error {
	var err error
	if clone != nil {
		err = clone.Release()
	}
	p.mu.Lock()
	p.live--
	p.mu.Unlock()
	p.sem.Release(1)
	return err
}

// Close rejects further acquisitions and waits for live clones to be
// released, or for ctx to end.
func (p *Pool) Close(ctx context.Context) error {
	if ctx == nil {
		return ErrNilContext
	}
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	if err := p.sem.Acquire(ctx, p.size); err != nil {
		return fmt.Errorf("close network pool: %d clones still in use: %w", p.Live(), err)
	}
	p.sem.Release(p.size)
	return nil
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Task evaluates item i on a network clone it owns.
type Task func(ctx context.Context, i int, net network.Network) error

// RunGeneration evaluates n tasks concurrently, each on its own clone, and
// waits for all of them behind a countdown barrier.
//
// Description:
//
//	Tasks wait for a free clone in the pool, so at most Size of them run at
//	once. Failing tasks do not stop their siblings. If the barrier is not
//	reached within timeout the call returns ErrGenerationTimeout without
//	cancelling the tasks still in flight; their clones are released when
//	they finish.
//
// Outputs:
//   - []error: Per-task errors, indexed like the tasks. Nil entries succeeded.
//   - error: ErrGenerationTimeout, ErrPoolClosed or ErrNilContext.
func (p *Pool) RunGeneration(ctx context.Context, n int, timeout time.Duration, task Task) ([]error, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if p.isClosed() {
		return nil, ErrPoolClosed
	}

	errs := make([]error, n)
	var barrier sync.WaitGroup
	barrier.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer barrier.Done()
			clone, err := p.Acquire(ctx)
			if err != nil {
				errs[i] = err
				return
			}
			defer func() {
				if relErr := p.Release(clone); relErr != nil {
					p.logger.Warn("release network clone", slog.Int("task", i), slog.String("error", relErr.Error()))
				}
			}()
			errs[i] = task(ctx, i, clone)
		}(i)
	}

	done := make(chan struct{})
	go func() {
		barrier.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return errs, nil
	case <-timer.C:
		p.logger.Error("generation timeout",
			slog.Int("tasks", n),
			slog.Duration("timeout", timeout),
			slog.Int("live_clones", p.Live()),
		)
		return nil, fmt.Errorf("%w after %s", ErrGenerationTimeout, timeout)
	}
}
