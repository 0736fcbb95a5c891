// Package workerspool implements a soft-bounded pool of workers used to shard
// elementwise kernels across CPUs. Both execution engines share the same
// implementation, each with its own Pool instance.
package workerspool

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Pool of workers with a soft limit on parallel work.
type Pool struct {
	// maxParallelism is a soft target on the limit of parallel work to do.
	// 0 disables parallelism (work runs inline), negative means unlimited.
	maxParallelism int

	mu         sync.Mutex
	cond       sync.Cond // Signaled whenever numRunning decreases.
	numRunning int
}

// New returns a new Pool of workers with the default parallelism
// (runtime.NumCPU()).
func New() *Pool {
	w := &Pool{maxParallelism: runtime.NumCPU()}
	w.cond = sync.Cond{L: &w.mu}
	return w
}

// IsEnabled returns whether parallelism is enabled (maxParallelism != 0).
func (w *Pool) IsEnabled() bool {
	return w.maxParallelism != 0
}

// IsUnlimited returns whether parallelism is unlimited (maxParallelism < 0).
func (w *Pool) IsUnlimited() bool {
	return w.maxParallelism < 0
}

// MaxParallelism is the soft target for parallelism.
// 0 means parallelism is disabled, negative means unlimited.
func (w *Pool) MaxParallelism() int {
	return w.maxParallelism
}

// SetMaxParallelism changes the parallelism target. Only change it before any
// workers are running, the behavior is undefined otherwise.
func (w *Pool) SetMaxParallelism(maxParallelism int) {
	w.maxParallelism = maxParallelism
}

// lockedIsFull returns whether all available workers are in use.
// It must be called with w.mu held.
func (w *Pool) lockedIsFull() bool {
	if w.maxParallelism == 0 {
		return true
	} else if w.maxParallelism < 0 {
		return false
	}
	return w.numRunning >= w.maxParallelism
}

// WaitToStart waits until a worker is available and runs task on it.
//
// If parallelism is disabled it runs the task inline and returns once it
// finishes -- avoid relying on concurrency across tasks in that case.
func (w *Pool) WaitToStart(task func()) {
	if w.IsUnlimited() {
		go task()
		return
	} else if w.maxParallelism == 0 {
		task()
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for w.lockedIsFull() {
		w.cond.Wait()
	}
	w.lockedRunTaskInGoroutine(task)
}

// StartIfAvailable runs the task in a separate goroutine if there are workers
// left, returning whether it did. The caller synchronizes task completion.
func (w *Pool) StartIfAvailable(task func()) bool {
	if w.IsUnlimited() {
		go task()
		return true
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lockedIsFull() {
		return false
	}
	w.lockedRunTaskInGoroutine(task)
	return true
}

// lockedRunTaskInGoroutine keeps tabs on w.numRunning.
// It must be called with w.mu held.
func (w *Pool) lockedRunTaskInGoroutine(task func()) {
	w.numRunning++
	go func() {
		task()
		w.mu.Lock()
		w.numRunning--
		w.cond.Signal()
		w.mu.Unlock()
	}()
}

// Range shards the half-open range [0, n) into chunks of at least minChunkSize
// elements and runs fn on the workers, blocking until every chunk completed.
// Chunks never overlap and cover the range exactly.
//
// If parallelism is disabled, or n is too small to shard, fn runs once inline
// over the whole range.
func (w *Pool) Range(n, minChunkSize int, fn func(start, end int)) {
	if n <= 0 {
		return
	}
	if minChunkSize <= 0 {
		minChunkSize = 1
	}
	parallelism := w.maxParallelism
	if parallelism < 0 {
		parallelism = runtime.NumCPU()
	}
	if parallelism == 0 || n <= 2*minChunkSize {
		fn(0, n)
		return
	}

	chunkSize := max(minChunkSize, (n+2*parallelism-1)/(2*parallelism))
	numChunks := (n + chunkSize - 1) / chunkSize
	numWorkers := min(parallelism, numChunks)

	var wg sync.WaitGroup
	var next atomic.Int64
	worker := func() {
		defer wg.Done()
		for {
			chunk := int(next.Add(1)) - 1
			if chunk >= numChunks {
				return
			}
			start := chunk * chunkSize
			end := min(start+chunkSize, n)
			fn(start, end)
		}
	}
	wg.Add(numWorkers)
	for ii := 0; ii < numWorkers; ii++ {
		if ii == numWorkers-1 {
			// The caller's goroutine works too, instead of just blocking.
			worker()
		} else if !w.StartIfAvailable(worker) {
			worker()
		}
	}
	wg.Wait()
}
