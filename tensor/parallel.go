package tensor

import (
	"runtime"
	"sync"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Row-parallel matrix multiplication for the feed-forward path. Each
// goroutine computes a contiguous range of output rows; inputs are read-only
// and no two workers write the same row, so the only synchronization is the
// WaitGroup at the end.
//
// Attention itself is parallelized one level up (one goroutine per simulated
// device in package ring), so this is only used where a single device does a
// large dense product.
//
// ===========================================================================

// ComputeConfig controls parallelization behavior for dense products.
type ComputeConfig struct {
	// Parallel enables multi-threaded execution.
	Parallel bool

	// NumWorkers specifies the number of worker goroutines to use.
	// If 0, defaults to runtime.NumCPU().
	NumWorkers int

	// MinRowsForParallel is the smallest row count worth splitting.
	MinRowsForParallel int
}

// DefaultComputeConfig returns a sensible default configuration.
func DefaultComputeConfig() ComputeConfig {
	return ComputeConfig{
		Parallel:           true,
		NumWorkers:         0,
		MinRowsForParallel: 64,
	}
}

// Workers returns the actual number of workers to use.
func (c ComputeConfig) Workers() int {
	if !c.Parallel {
		return 1
	}
	if c.NumWorkers > 0 {
		return c.NumWorkers
	}
	return runtime.NumCPU()
}

// MatMulWithConfig dispatches to the sequential or row-parallel kernel.
func MatMulWithConfig(a, b *Tensor, cfg ComputeConfig) *Tensor {
	if !cfg.Parallel || a.Dims() != 2 || a.shape[0] < cfg.MinRowsForParallel {
		return MatMul(a, b)
	}
	return MatMulParallel(a, b, cfg.Workers())
}

// MatMulParallel performs parallel matrix multiplication: C = A × B.
// Divides output rows among numWorkers goroutines (0 = runtime.NumCPU()).
// Falls back to MatMul when there are fewer than two rows per worker.
func MatMulParallel(a, b *Tensor, numWorkers int) *Tensor {
	m, k, n := matmulDims(a, b)

	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	if m < numWorkers*2 {
		return MatMul(a, b)
	}

	out := New(m, n)

	rowsPerWorker := m / numWorkers
	remainder := m % numWorkers

	var wg sync.WaitGroup
	wg.Add(numWorkers)

	for w := 0; w < numWorkers; w++ {
		start := w * rowsPerWorker
		end := start + rowsPerWorker
		// Last worker takes remainder rows
		if w == numWorkers-1 {
			end += remainder
		}

		go func(start, end int) {
			defer wg.Done()
			matmulRows(a, b, out, start, end, k, n)
		}(start, end)
	}

	wg.Wait()

	return out
}
