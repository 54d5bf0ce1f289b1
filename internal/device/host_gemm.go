package device

import (
	"sync"

	"github.com/23skdu/longbow-cublas/internal/quant"
)

func (h *Host) ScoresQKT(_ ComputeHandle, rowsA, colsA int, a []float32, rowsB, colsB int, b []float32, c []float32, batch int) Status {
	if rowsA <= 0 || colsA <= 0 || rowsB <= 0 || batch <= 0 || colsA != colsB {
		return StatusShapeMismatch
	}
	lda := batch * colsA
	ldb := batch * colsB
	if len(a) < rowsA*lda || len(b) < rowsB*ldb || len(c) < batch*rowsA*rowsB {
		return StatusInvalidValue
	}

	h.forEachBatch(batch, func(e int) {
		out := c[e*rowsA*rowsB : (e+1)*rowsA*rowsB]
		for i := 0; i < rowsA; i++ {
			qi := a[i*lda+e*colsA : i*lda+e*colsA+colsA]
			for j := 0; j < rowsB; j++ {
				kj := b[j*ldb+e*colsB : j*ldb+e*colsB+colsB]
				var acc float32
				for x := 0; x < colsA; x++ {
					acc += h.operand(qi[x]) * h.operand(kj[x])
				}
				out[i*rowsB+j] = acc
			}
		}
	})
	return StatusOK
}

func (h *Host) WeightedSum(_ ComputeHandle, rowsA, colsA int, a []float32, rowsB, colsB int, b []float32, c []float32, batch int) Status {
	if rowsA <= 0 || colsA <= 0 || colsB <= 0 || batch <= 0 || colsA != rowsB {
		return StatusShapeMismatch
	}
	ldb := batch * colsB
	if len(a) < batch*rowsA*colsA || len(b) < rowsB*ldb || len(c) < rowsA*ldb {
		return StatusInvalidValue
	}

	h.forEachBatch(batch, func(e int) {
		p := a[e*rowsA*colsA : (e+1)*rowsA*colsA]
		for i := 0; i < rowsA; i++ {
			row := c[i*ldb+e*colsB : i*ldb+e*colsB+colsB]
			for j := range row {
				row[j] = 0
			}
			for x := 0; x < colsA; x++ {
				w := h.operand(p[i*colsA+x])
				vx := b[x*ldb+e*colsB : x*ldb+e*colsB+colsB]
				for j := range row {
					row[j] += w * h.operand(vx[j])
				}
			}
		}
	})
	return StatusOK
}

func (h *Host) operand(v float32) float32 {
	if h.HalfInputs {
		return quant.RoundHalf(v)
	}
	return v
}

// forEachBatch fans batch elements out over at most numThreads goroutines.
// Batch elements write disjoint regions of the output.
func (h *Host) forEachBatch(batch int, fn func(e int)) {
	h.mu.Lock()
	workers := h.numThreads
	h.mu.Unlock()
	if workers > batch {
		workers = batch
	}
	if workers <= 1 {
		for e := 0; e < batch; e++ {
			fn(e)
		}
		return
	}

	var wg sync.WaitGroup
	next := make(chan int, batch)
	for e := 0; e < batch; e++ {
		next <- e
	}
	close(next)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for e := range next {
				fn(e)
			}
		}()
	}
	wg.Wait()
}
