package llm

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// WorkerPoolConfig configures the worker pool.
type WorkerPoolConfig struct {
	MaxConcurrent int // Maximum concurrent provider calls (default: 8)
}

// DefaultWorkerPoolConfig returns sensible defaults.
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		MaxConcurrent: 8,
	}
}

// WorkerPool runs provider calls, such as embedding batches, with bounded parallelism.
type WorkerPool struct {
	config WorkerPoolConfig
	logger *zap.Logger
}

// NewWorkerPool creates a worker pool.
func NewWorkerPool(config WorkerPoolConfig, logger *zap.Logger) *WorkerPool {
	if config.MaxConcurrent < 1 {
		config.MaxConcurrent = DefaultWorkerPoolConfig().MaxConcurrent
	}
	return &WorkerPool{
		config: config,
		logger: logger.Named("worker-pool"),
	}
}

// WorkItem is one call to run. ID only labels the item in logs and results.
type WorkItem[T any] struct {
	ID      string
	Execute func(ctx context.Context) (T, error)
}

// WorkResult is the outcome of the item at Index in the submitted slice.
type WorkResult[T any] struct {
	Index  int
	ID     string
	Result T
	Err    error
}

// Process runs every item and returns their results in submission order. A failing
// item does not stop the others; items still waiting for a slot when ctx is done
// report ctx.Err() without running. onProgress is called once per finished item.
func Process[T any](
	ctx context.Context,
	pool *WorkerPool,
	items []WorkItem[T],
	onProgress func(completed, total int),
) []WorkResult[T] {
	if len(items) == 0 {
		return nil
	}

	results := make([]WorkResult[T], len(items))
	sem := make(chan struct{}, pool.config.MaxConcurrent)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		completed int
	)
	finish := func(i int, res WorkResult[T]) {
		results[i] = res
		if onProgress == nil {
			return
		}
		mu.Lock()
		completed++
		onProgress(completed, len(items))
		mu.Unlock()
	}

	for i, item := range items {
		wg.Add(1)
		go func() {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				pool.logger.Debug("Work item cancelled before start", zap.String("id", item.ID))
				finish(i, WorkResult[T]{Index: i, ID: item.ID, Err: ctx.Err()})
				return
			}

			start := time.Now()
			result, err := item.Execute(ctx)
			if err != nil {
				pool.logger.Debug("Work item failed",
					zap.String("id", item.ID),
					zap.Duration("elapsed", time.Since(start)),
					zap.Error(err))
			}
			finish(i, WorkResult[T]{Index: i, ID: item.ID, Result: result, Err: err})
		}()
	}
	wg.Wait()

	return results
}

// FirstError returns the error of the earliest failed item, or nil.
func FirstError[T any](results []WorkResult[T]) error {
	for _, r := range results {
		if r.Err != nil {
			return r.Err
		}
	}
	return nil
}
