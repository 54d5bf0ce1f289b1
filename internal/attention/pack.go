package attention

// Tensor is the minimal view of a per-head tensor the pipeline needs.
type Tensor interface {
	// ExportSlice copies n floats starting at srcOff into dst[dstOff:].
	ExportSlice(dst []float32, dstOff, srcOff, n int)
	SetFloat(i int, v float32)
}

// Slice adapts a plain float slice to Tensor.
type Slice []float32

func (s Slice) ExportSlice(dst []float32, dstOff, srcOff, n int) {
	copy(dst[dstOff:dstOff+n], s[srcOff:srcOff+n])
}

func (s Slice) SetFloat(i int, v float32) { s[i] = v }

// pack interleaves heads into dst with layout [row][head][d], so row r of
// head h occupies dst[r*H*d+h*d : r*H*d+h*d+d].
func pack(heads []Tensor, rows, d, h int, dst []float32) {
	ld := h * d
	for r := 0; r < rows; r++ {
		base := r * ld
		for i, t := range heads {
			t.ExportSlice(dst, base+i*d, r*d, d)
		}
	}
}

// unpack is the inverse of pack.
func unpack(src []float32, rows, d, h int, heads []Tensor) {
	ld := h * d
	for r := 0; r < rows; r++ {
		base := r * ld
		for i, t := range heads {
			for c := 0; c < d; c++ {
				t.SetFloat(r*d+c, src[base+i*d+c])
			}
		}
	}
}

// deinterleave copies an interleaved [row][head][d] buffer into
// [head][row][d] order.
func deinterleave(src []float32, rows, d, h int) []float32 {
	out := make([]float32, len(src))
	ld := h * d
	for r := 0; r < rows; r++ {
		for i := 0; i < h; i++ {
			copy(out[i*rows*d+r*d:i*rows*d+r*d+d], src[r*ld+i*d:r*ld+i*d+d])
		}
	}
	return out
}

// Pack interleaves heads into a new buffer. It is exported for callers that
// stage their own device uploads.
func Pack(heads []Tensor, rows, d int) []float32 {
	dst := make([]float32, rows*len(heads)*d)
	pack(heads, rows, d, len(heads), dst)
	return dst
}

// Unpack writes an interleaved buffer produced by Pack back into heads.
func Unpack(src []float32, rows, d int, heads []Tensor) {
	unpack(src, rows, d, len(heads), heads)
}
