package device

import (
	"encoding/binary"
	"fmt"
	"math"
	"runtime"
	"sync"

	"github.com/23skdu/longbow-cublas/internal/metrics"
	"github.com/23skdu/longbow-cublas/internal/quant"
)

// Host status codes mirror the cudart/cuBLAS values callers see from the
// real backend.
const (
	StatusInvalidValue  Status = 1
	StatusShapeMismatch Status = 7
)

const hostAlign = 256

var _ Runtime = (*Host)(nil)

// Host is an in-process device. Memory lives on the Go heap, but it is
// addressed only through Ptr values and accounted against a fixed capacity
// so the admission layer behaves exactly as it would against a GPU.
type Host struct {
	mu         sync.Mutex
	capacity   int64
	used       int64
	next       Ptr
	mem        map[Ptr][]byte
	execs      map[ExecHandle][4]int
	nextExec   ExecHandle
	numThreads int

	// HalfInputs rounds GEMM operands through float16 before the float32
	// accumulation, matching the tensor-core path of the native backend.
	HalfInputs bool
}

func NewHost(capacity int64) *Host {
	return &Host{
		capacity:   capacity,
		next:       Ptr(0x10000),
		mem:        make(map[Ptr][]byte),
		execs:      make(map[ExecHandle][4]int),
		nextExec:   1,
		numThreads: runtime.NumCPU(),
	}
}

func (h *Host) Name() string { return "host" }

func (h *Host) SetNumThreads(n int) {
	if n < 1 {
		n = 1
	}
	h.mu.Lock()
	h.numThreads = n
	h.mu.Unlock()
}

func (h *Host) MemGetInfo() (free, total int64, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.capacity - h.used, h.capacity, nil
}

// Used returns the bytes currently allocated.
func (h *Host) Used() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.used
}

// Live returns the number of outstanding allocations.
func (h *Host) Live() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.mem)
}

func (h *Host) Alloc(bytes int64) Ptr {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.allocLocked(bytes)
}

func (h *Host) allocLocked(bytes int64) Ptr {
	if bytes <= 0 || h.used+bytes > h.capacity {
		return 0
	}
	p := h.next
	h.next += Ptr((bytes + hostAlign - 1) / hostAlign * hostAlign)
	h.mem[p] = make([]byte, bytes)
	h.used += bytes
	metrics.RecordDeviceMemory(h.used)
	return p
}

func (h *Host) Free(p Ptr) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	buf, ok := h.mem[p]
	if !ok {
		return fmt.Errorf("free of unknown device pointer %s", p)
	}
	delete(h.mem, p)
	h.used -= int64(len(buf))
	metrics.RecordDeviceMemory(h.used)
	return nil
}

func (h *Host) CopyHostToDevice(dst Ptr, src []byte) Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	buf, ok := h.mem[dst]
	if !ok || len(src) > len(buf) {
		return StatusInvalidValue
	}
	copy(buf, src)
	return StatusOK
}

func (h *Host) CopyDeviceToHost(dst []byte, src Ptr) Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	buf, ok := h.mem[src]
	if !ok || len(dst) > len(buf) {
		return StatusInvalidValue
	}
	copy(dst, buf)
	return StatusOK
}

// Convert dequantizes host into a new float32 device buffer.
func (h *Host) Convert(host []byte, blockSize, elemSize, headerBytes int, f quant.Format) Ptr {
	spec := quant.BlockSpec{Format: f, BlockSize: blockSize, ElemSize: elemSize, HeaderBytes: headerBytes}
	vals, err := quant.Dequantize(host, spec)
	if err != nil || len(vals) == 0 {
		return 0
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	p := h.allocLocked(int64(len(vals)) * 4)
	if !p.Valid() {
		return 0
	}
	buf := h.mem[p]
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return p
}

// Floats reads a float32 device buffer back to the host.
func (h *Host) Floats(p Ptr) ([]float32, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	buf, ok := h.mem[p]
	if !ok {
		return nil, fmt.Errorf("unknown device pointer %s", p)
	}
	out := make([]float32, len(buf)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return out, nil
}

func (h *Host) InitAttention(_ ComputeHandle, tq, tk, d, heads int) (ExecHandle, error) {
	if tq <= 0 || tk <= 0 || d <= 0 || heads <= 0 {
		return 0, fmt.Errorf("invalid attention shape: tq=%d tk=%d d=%d heads=%d", tq, tk, d, heads)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	e := h.nextExec
	h.nextExec++
	h.execs[e] = [4]int{tq, tk, d, heads}
	return e, nil
}

func (h *Host) FreeAttention(e ExecHandle) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.execs[e]; !ok {
		return fmt.Errorf("unknown attention context %d", e)
	}
	delete(h.execs, e)
	return nil
}

// Close drops every outstanding allocation.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mem = make(map[Ptr][]byte)
	h.execs = make(map[ExecHandle][4]int)
	h.used = 0
	metrics.RecordDeviceMemory(0)
	return nil
}
