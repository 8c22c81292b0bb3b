// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package parallel runs the host-side data preparation (JSON parsing, batch building) on a bounded
// number of goroutines.
package parallel

import (
	"runtime"
	"sync"

	"github.com/pkg/errors"
)

// Pool limits the number of tasks running at the same time.
type Pool struct {
	// maxParallelism: 0 runs everything inline, < 0 means unlimited.
	maxParallelism int

	mu         sync.Mutex
	cond       sync.Cond // Signaled whenever numRunning decreases.
	numRunning int
}

// New returns a Pool with maxParallelism set to runtime.NumCPU().
func New() *Pool {
	return NewWithParallelism(runtime.NumCPU())
}

// NewWithParallelism returns a Pool running at most maxParallelism tasks at a time.
// If maxParallelism is 0 tasks are run inline, if it is negative there is no limit.
func NewWithParallelism(maxParallelism int) *Pool {
	p := &Pool{maxParallelism: maxParallelism}
	p.cond = sync.Cond{L: &p.mu}
	return p
}

// MaxParallelism returns the configured limit.
func (p *Pool) MaxParallelism() int { return p.maxParallelism }

// lockedIsFull must be called with p.mu held.
func (p *Pool) lockedIsFull() bool {
	if p.maxParallelism < 0 {
		return false
	}
	return p.numRunning >= p.maxParallelism
}

// Go waits for a free slot and runs task in a new goroutine. With parallelism disabled it runs task
// inline and returns when it is done.
func (p *Pool) Go(task func()) {
	switch {
	case p.maxParallelism < 0:
		go task()
		return
	case p.maxParallelism == 0:
		task()
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.lockedIsFull() {
		p.cond.Wait()
	}
	p.numRunning++
	go func() {
		defer func() {
			p.mu.Lock()
			p.numRunning--
			p.cond.Signal()
			p.mu.Unlock()
		}()
		task()
	}()
}

// Map applies fn to every item using the pool, and returns the results in the same order as items.
//
// If any call fails, Map returns the error of the lowest failing index, after all started calls finish.
// The optional progress function is called once per finished item, from the worker goroutines.
func Map[In, Out any](p *Pool, items []In, fn func(idx int, item In) (Out, error), progress func()) ([]Out, error) {
	results := make([]Out, len(items))
	errs := make([]error, len(items))
	var wg sync.WaitGroup
	for idx, item := range items {
		wg.Add(1)
		p.Go(func() {
			defer wg.Done()
			results[idx], errs[idx] = fn(idx, item)
			if progress != nil {
				progress()
			}
		})
	}
	wg.Wait()
	for idx, err := range errs {
		if err != nil {
			return nil, errors.WithMessagef(err, "item #%d", idx)
		}
	}
	return results, nil
}

// Prefetch produces values with next on a background goroutine, keeping up to depth of them ready.
// It stops when next returns an error (the error is delivered too) or when stop is closed.
func Prefetch[T any](depth int, next func() (T, error), stop <-chan struct{}) <-chan Result[T] {
	ch := make(chan Result[T], max(depth, 0))
	go func() {
		defer close(ch)
		for {
			select {
			case <-stop:
				return
			default:
			}
			value, err := next()
			select {
			case ch <- Result[T]{Value: value, Err: err}:
			case <-stop:
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return ch
}

// Result of a prefetched call.
type Result[T any] struct {
	Value T
	Err   error
}
