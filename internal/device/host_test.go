package device

import (
	"encoding/binary"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-cublas/internal/quant"
)

func TestHostAllocAccounting(t *testing.T) {
	h := NewHost(1024)

	free, total, err := h.MemGetInfo()
	require.NoError(t, err)
	require.Equal(t, int64(1024), free)
	require.Equal(t, int64(1024), total)

	a := h.Alloc(600)
	require.True(t, a.Valid())
	require.False(t, h.Alloc(600).Valid(), "over capacity")
	require.False(t, h.Alloc(0).Valid())
	require.False(t, h.Alloc(-1).Valid())

	b := h.Alloc(424)
	require.True(t, b.Valid())
	require.NotEqual(t, a, b)
	require.Equal(t, int64(1024), h.Used())
	require.Equal(t, 2, h.Live())

	require.NoError(t, h.Free(a))
	require.Error(t, h.Free(a), "double free")
	require.Error(t, h.Free(Ptr(0xdead)))
	free, _, _ = h.MemGetInfo()
	require.Equal(t, int64(600), free)
	require.Equal(t, 1, h.Live())

	require.NoError(t, h.Close())
	require.Zero(t, h.Used())
	require.Zero(t, h.Live())
}

func TestHostCopy(t *testing.T) {
	h := NewHost(1 << 20)
	p := h.Alloc(4)

	require.Equal(t, StatusOK, h.CopyHostToDevice(p, []byte{1, 2, 3, 4}))
	got := make([]byte, 4)
	require.Equal(t, StatusOK, h.CopyDeviceToHost(got, p))
	require.Equal(t, []byte{1, 2, 3, 4}, got)

	require.Equal(t, StatusInvalidValue, h.CopyHostToDevice(p, make([]byte, 5)))
	require.Equal(t, StatusInvalidValue, h.CopyDeviceToHost(make([]byte, 5), p))
	require.Equal(t, StatusInvalidValue, h.CopyHostToDevice(Ptr(0), got))
}

func TestHostConvert(t *testing.T) {
	h := NewHost(1 << 20)

	raw := make([]byte, 3*4)
	for i, v := range []float32{1.5, -2, 0.25} {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
	}
	s := quant.SpecFor(quant.F32)
	p := h.Convert(raw, s.BlockSize, s.ElemSize, s.HeaderBytes, s.Format)
	require.True(t, p.Valid())
	got, err := h.Floats(p)
	require.NoError(t, err)
	require.Equal(t, []float32{1.5, -2, 0.25}, got)
	require.Equal(t, int64(12), h.Used())

	// a Q8_0 block of 32 values expands to 128 device bytes
	q8 := quant.SpecFor(quant.Q8_0)
	blk := make([]byte, q8.ElemSize)
	binary.LittleEndian.PutUint16(blk, quant.Float32ToFloat16(0.5))
	for i := 0; i < 32; i++ {
		blk[2+i] = byte(int8(i - 16))
	}
	p = h.Convert(blk, q8.BlockSize, q8.ElemSize, q8.HeaderBytes, q8.Format)
	require.True(t, p.Valid())
	got, err = h.Floats(p)
	require.NoError(t, err)
	require.Len(t, got, 32)
	require.Equal(t, float32(-8), got[0])
	require.Equal(t, float32(7.5), got[31])
	require.Equal(t, int64(12+128), h.Used())
}

func TestHostConvertFailures(t *testing.T) {
	h := NewHost(8)
	s := quant.SpecFor(quant.F32)

	require.False(t, h.Convert(nil, s.BlockSize, s.ElemSize, s.HeaderBytes, s.Format).Valid(), "empty input")
	require.False(t, h.Convert(make([]byte, 4), 0, 4, 0, quant.F32).Valid(), "bad geometry")
	require.False(t, h.Convert([]byte{1, 2, 3}, 1, 1, 0, quant.F16).Valid(), "short half element")
	require.False(t, h.Convert([]byte{1, 2, 3}, 32, 1, 0, quant.Q4_0).Valid(), "block smaller than its scale")
	require.False(t, h.Convert(make([]byte, 16), s.BlockSize, s.ElemSize, s.HeaderBytes, s.Format).Valid(), "over capacity")
	require.Zero(t, h.Used())
}

func TestHostScoresQKT(t *testing.T) {
	h := NewHost(0)
	// two batch elements, rowsA=1, rowsB=2, cols=2, interleaved by row
	a := []float32{1, 2, 3, 4}
	b := []float32{
		1, 0, 1, 1,
		0, 1, 2, 0,
	}
	c := make([]float32, 4)
	require.Equal(t, StatusOK, h.ScoresQKT(0, 1, 2, a, 2, 2, b, c, 2))
	require.Equal(t, []float32{1, 2, 7, 6}, c)

	require.Equal(t, StatusShapeMismatch, h.ScoresQKT(0, 1, 2, a, 2, 3, b, c, 2))
	require.Equal(t, StatusInvalidValue, h.ScoresQKT(0, 1, 2, a, 2, 2, b, c[:3], 2))
}

func TestHostWeightedSum(t *testing.T) {
	h := NewHost(0)
	h.SetNumThreads(2)
	// per batch element probs are 1x2, values 2x1 interleaved
	a := []float32{0.5, 0.5, 1, 0}
	b := []float32{
		10, 4,
		20, 8,
	}
	c := []float32{-1, -1}
	require.Equal(t, StatusOK, h.WeightedSum(0, 1, 2, a, 2, 1, b, c, 2))
	require.Equal(t, []float32{15, 4}, c)

	require.Equal(t, StatusShapeMismatch, h.WeightedSum(0, 1, 3, a, 2, 1, b, c, 2))
	require.Equal(t, StatusInvalidValue, h.WeightedSum(0, 1, 2, a[:3], 2, 1, b, c, 2))
}

func TestHostSetNumThreadsDuringGEMM(t *testing.T) {
	h := NewHost(0)
	a := []float32{1, 2, 3, 4}
	b := []float32{
		1, 0, 1, 1,
		0, 1, 2, 0,
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for n := 0; n < 200; n++ {
			h.SetNumThreads(n%4 + 1)
		}
	}()
	for i := 0; i < 200; i++ {
		c := make([]float32, 4)
		require.Equal(t, StatusOK, h.ScoresQKT(0, 1, 2, a, 2, 2, b, c, 2))
		require.Equal(t, []float32{1, 2, 7, 6}, c)
	}
	wg.Wait()
}

func TestHostHalfInputs(t *testing.T) {
	h := NewHost(0)
	h.HalfInputs = true
	a := []float32{1.0001}
	b := []float32{1}
	c := make([]float32, 1)
	require.Equal(t, StatusOK, h.ScoresQKT(0, 1, 1, a, 1, 1, b, c, 1))
	require.Equal(t, float32(1), c[0])
}

func TestHostAttentionContexts(t *testing.T) {
	h := NewHost(0)
	e, err := h.InitAttention(0, 4, 4, 8, 2)
	require.NoError(t, err)
	require.NoError(t, h.FreeAttention(e))
	require.Error(t, h.FreeAttention(e))

	_, err = h.InitAttention(0, 0, 4, 8, 2)
	require.Error(t, err)
}

func TestOpen(t *testing.T) {
	rt, _, err := Open("", 1<<20, 0)
	require.NoError(t, err)
	require.Equal(t, "host", rt.Name())

	_, _, err = Open("tpu", 0, 0)
	require.Error(t, err)
}

func TestPtr(t *testing.T) {
	require.False(t, Ptr(0).Valid())
	require.True(t, Ptr(0x10).Valid())
	require.Equal(t, "0x10", Ptr(0x10).String())
	require.True(t, StatusOK.OK())
	require.False(t, StatusInvalidValue.OK())
}
