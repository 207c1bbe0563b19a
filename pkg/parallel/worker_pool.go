// Package parallel runs independent units of work on goroutines and waits
// for all of them.
package parallel

import (
	"context"
	"runtime"
	"sync"
	"time"
)

// ============================================================================
// Pool Configuration
// ============================================================================

// PoolConfig configures the worker pool behavior.
type PoolConfig struct {
	// MaxWorkers is the maximum number of concurrent workers.
	// Default: runtime.NumCPU()
	MaxWorkers int

	// OnDone, if set, is called from the worker goroutine as each task
	// finishes. It must be safe for concurrent use.
	OnDone func(index int, err error, took time.Duration)
}

// DefaultPoolConfig returns a default pool configuration.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{MaxWorkers: max(runtime.NumCPU(), 1)}
}

// WithWorkers returns a copy of c running n workers.
func (c PoolConfig) WithWorkers(n int) PoolConfig {
	c.MaxWorkers = n
	return c
}

// WithOnDone returns a copy of c that reports every finished task to fn.
func (c PoolConfig) WithOnDone(fn func(index int, err error, took time.Duration)) PoolConfig {
	c.OnDone = fn
	return c
}

// ============================================================================
// Worker Pool
// ============================================================================

// Result is the outcome of one task.
type Result[R any] struct {
	Index    int
	Value    R
	Err      error
	Duration time.Duration
}

// WorkerPool runs a function over a set of inputs with bounded concurrency.
//
// Every input is run to completion: a failing task never cancels its
// siblings, and Map returns only after all tasks have returned. The context
// is handed to each task; cancellation is the task's business.
type WorkerPool[T any, R any] struct {
	config PoolConfig
}

// NewWorkerPool creates a new worker pool with the given configuration.
func NewWorkerPool[T any, R any](config PoolConfig) *WorkerPool[T, R] {
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = DefaultPoolConfig().MaxWorkers
	}
	return &WorkerPool[T, R]{config: config}
}

// Map runs fn once per input and returns the results in input order.
func (p *WorkerPool[T, R]) Map(ctx context.Context, inputs []T, fn func(ctx context.Context, input T) (R, error)) []Result[R] {
	if len(inputs) == 0 {
		return nil
	}

	results := make([]Result[R], len(inputs))
	next := make(chan int)

	var wg sync.WaitGroup
	for w := min(p.config.MaxWorkers, len(inputs)); w > 0; w-- {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range next {
				start := time.Now()
				v, err := fn(ctx, inputs[idx])
				took := time.Since(start)
				results[idx] = Result[R]{Index: idx, Value: v, Err: err, Duration: took}
				if p.config.OnDone != nil {
					p.config.OnDone(idx, err, took)
				}
			}
		}()
	}

	for i := range inputs {
		next <- i
	}
	close(next)
	wg.Wait()
	return results
}

// ============================================================================
// Chunk Processor
// ============================================================================

// ChunkProcessor splits a slice into contiguous chunks and processes each
// chunk on its own goroutine.
type ChunkProcessor[T any, R any] struct {
	config PoolConfig
}

// NewChunkProcessor creates a new chunk processor.
func NewChunkProcessor[T any, R any](config PoolConfig) *ChunkProcessor[T, R] {
	return &ChunkProcessor[T, R]{config: config}
}

// ProcessChunks splits items into at most MaxWorkers chunks, runs processor on
// each, and hands the per-chunk results to reducer in chunk order.
func (p *ChunkProcessor[T, R]) ProcessChunks(
	items []T,
	processor func(chunk []T) R,
	reducer func(results []R) R,
) R {
	if len(items) == 0 {
		return reducer(nil)
	}

	workers := p.config.MaxWorkers
	if workers <= 0 {
		workers = DefaultPoolConfig().MaxWorkers
	}
	workers = min(workers, len(items))

	size := (len(items) + workers - 1) / workers
	results := make([]R, (len(items)+size-1)/size)

	var wg sync.WaitGroup
	for c := range results {
		lo := c * size
		hi := min(lo+size, len(items))
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[c] = processor(items[lo:hi])
		}()
	}
	wg.Wait()

	return reducer(results)
}
