// Package utils holds small shared helpers for the calibration pipeline.
package utils

import (
	"sync"

	"go.viam.com/utils"
)

// MaxWorkers caps the level of parallelism for all fan-out points in the
// pipeline. Work items write into pre-sized, index-addressed storage so the
// result ordering never depends on scheduling.
const MaxWorkers = 8

// ParallelFor runs work(i) for every i in [0, n) over a bounded pool of
// MaxWorkers goroutines. It blocks until all items are done. work must only
// read shared state and write to storage private to item i.
func ParallelFor(n int, work func(i int)) {
	numWorkers := MaxWorkers
	if n < numWorkers {
		numWorkers = n
	}
	if numWorkers <= 1 {
		for i := 0; i < n; i++ {
			work(i)
		}
		return
	}

	var wait sync.WaitGroup
	wait.Add(numWorkers)
	for w := 0; w < numWorkers; w++ {
		workerNum := w
		utils.PanicCapturingGo(func() {
			defer wait.Done()
			for i := workerNum; i < n; i += numWorkers {
				work(i)
			}
		})
	}
	wait.Wait()
}
