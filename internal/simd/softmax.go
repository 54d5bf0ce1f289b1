// Package simd holds the host-side vector kernels of the attention pipeline.
package simd

import (
	"math"
	"runtime"
	"sync"
)

// parallelRows is the smallest row count worth fanning out.
const parallelRows = 64

var softmaxRow = softmaxRowScalar

// Softmax normalizes x in place.
func Softmax(x []float32) {
	softmaxRow(x, 1)
}

// SoftmaxRows treats x as rows of cols values and normalizes each row of
// x*scale in place. A single-column row becomes 1.
func SoftmaxRows(x []float32, cols int, scale float32) {
	if cols <= 0 || len(x) == 0 {
		return
	}
	rows := len(x) / cols
	workers := runtime.GOMAXPROCS(0)
	if rows < parallelRows || workers <= 1 {
		for r := 0; r < rows; r++ {
			softmaxRow(x[r*cols:(r+1)*cols], scale)
		}
		return
	}

	if workers > rows {
		workers = rows
	}
	chunk := (rows + workers - 1) / workers
	var wg sync.WaitGroup
	for start := 0; start < rows; start += chunk {
		end := min(start+chunk, rows)
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			for r := start; r < end; r++ {
				softmaxRow(x[r*cols:(r+1)*cols], scale)
			}
		}(start, end)
	}
	wg.Wait()
}

func softmaxRowScalar(x []float32, scale float32) {
	if len(x) == 0 {
		return
	}
	max := float32(math.Inf(-1))
	for i, v := range x {
		v *= scale
		x[i] = v
		if v > max {
			max = v
		}
	}

	var sum float64
	for i, v := range x {
		e := math.Exp(float64(v - max))
		x[i] = float32(e)
		sum += e
	}

	inv := float32(1 / sum)
	for i := range x {
		x[i] *= inv
	}
}
