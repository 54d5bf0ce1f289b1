//go:build linux && cuda

package device

/*
#cgo LDFLAGS: -L${SRCDIR} -lcuda_kernels -lcublas -lcuda -L/usr/local/cuda/lib64 -lcudart
#cgo CFLAGS: -I/usr/local/cuda/include -I${SRCDIR}
#include <cuda_runtime.h>
#include <cublas_v2.h>
#include <stdlib.h>

// Dequantizes a host block buffer into a freshly cudaMalloc'd float32
// buffer. Returns NULL on allocation or conversion failure.
extern void* cudaConvertBufferToFloat(const void* host, size_t bytes, int blockSize, int typeSize, int headerBytes, int format);
*/
import "C"
import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/23skdu/longbow-cublas/internal/logger"
	"github.com/23skdu/longbow-cublas/internal/quant"
)

var _ Runtime = (*CUDA)(nil)

// CUDA binds the runtime interfaces to cudart and cuBLAS.
type CUDA struct {
	device int
	mu     sync.Mutex
	stream C.cudaStream_t
	handle C.cublasHandle_t
	execs  map[ExecHandle][4]int
	next   ExecHandle
}

func NewCUDA(device int) (*CUDA, error) {
	c := &CUDA{device: device, execs: make(map[ExecHandle][4]int), next: 1}

	if res := C.cudaSetDevice(C.int(device)); res != C.cudaSuccess {
		return nil, fmt.Errorf("cudaSetDevice failed: %d", int(res))
	}
	if res := C.cudaStreamCreate(&c.stream); res != C.cudaSuccess {
		return nil, fmt.Errorf("cudaStreamCreate failed: %d", int(res))
	}
	if status := C.cublasCreate(&c.handle); status != C.CUBLAS_STATUS_SUCCESS {
		C.cudaStreamDestroy(c.stream)
		return nil, fmt.Errorf("cublasCreate failed with status: %d", int(status))
	}
	C.cublasSetStream(c.handle, c.stream)

	var version C.int
	C.cudaRuntimeGetVersion(&version)
	logger.Log.Info("cuda runtime initialized", "device", device, "runtime", fmt.Sprintf("%d.%d", version/1000, (version%100)/10))
	return c, nil
}

func (c *CUDA) Name() string { return "cuda" }

// ComputeHandle exposes the cuBLAS handle created for this device.
func (c *CUDA) ComputeHandle() ComputeHandle {
	return ComputeHandle(uintptr(unsafe.Pointer(c.handle)))
}

func (c *CUDA) MemGetInfo() (free, total int64, err error) {
	var f, t C.size_t
	if res := C.cudaMemGetInfo(&f, &t); res != C.cudaSuccess {
		return 0, 0, fmt.Errorf("cudaMemGetInfo failed: %d", int(res))
	}
	return int64(f), int64(t), nil
}

func (c *CUDA) Alloc(bytes int64) Ptr {
	if bytes <= 0 {
		return 0
	}
	var p unsafe.Pointer
	if res := C.cudaMalloc(&p, C.size_t(bytes)); res != C.cudaSuccess {
		return 0
	}
	return Ptr(uintptr(p))
}

func (c *CUDA) Free(p Ptr) error {
	if !p.Valid() {
		return nil
	}
	if res := C.cudaFree(unsafe.Pointer(uintptr(p))); res != C.cudaSuccess {
		return fmt.Errorf("cudaFree(%s) failed: %d", p, int(res))
	}
	return nil
}

func (c *CUDA) CopyHostToDevice(dst Ptr, src []byte) Status {
	if len(src) == 0 {
		return StatusOK
	}
	return Status(C.cudaMemcpy(unsafe.Pointer(uintptr(dst)), unsafe.Pointer(&src[0]), C.size_t(len(src)), C.cudaMemcpyHostToDevice))
}

func (c *CUDA) CopyDeviceToHost(dst []byte, src Ptr) Status {
	if len(dst) == 0 {
		return StatusOK
	}
	return Status(C.cudaMemcpy(unsafe.Pointer(&dst[0]), unsafe.Pointer(uintptr(src)), C.size_t(len(dst)), C.cudaMemcpyDeviceToHost))
}

func (c *CUDA) Convert(host []byte, blockSize, elemSize, headerBytes int, f quant.Format) Ptr {
	if len(host) == 0 {
		return 0
	}
	p := C.cudaConvertBufferToFloat(unsafe.Pointer(&host[0]), C.size_t(len(host)),
		C.int(blockSize), C.int(elemSize), C.int(headerBytes), C.int(f))
	return Ptr(uintptr(p))
}

func (c *CUDA) InitAttention(_ ComputeHandle, tq, tk, d, heads int) (ExecHandle, error) {
	if tq <= 0 || tk <= 0 || d <= 0 || heads <= 0 {
		return 0, fmt.Errorf("invalid attention shape: tq=%d tk=%d d=%d heads=%d", tq, tk, d, heads)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.next
	c.next++
	c.execs[e] = [4]int{tq, tk, d, heads}
	return e, nil
}

func (c *CUDA) FreeAttention(e ExecHandle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.execs[e]; !ok {
		return fmt.Errorf("unknown attention context %d", e)
	}
	delete(c.execs, e)
	return nil
}

// deviceFloats stages host slices in device memory for one GEMM call.
type deviceFloats struct {
	ptrs []unsafe.Pointer
}

func (s *deviceFloats) upload(c *CUDA, host []float32) (unsafe.Pointer, Status) {
	var p unsafe.Pointer
	size := C.size_t(len(host) * 4)
	if res := C.cudaMalloc(&p, size); res != C.cudaSuccess {
		return nil, Status(res)
	}
	s.ptrs = append(s.ptrs, p)
	if res := C.cudaMemcpy(p, unsafe.Pointer(&host[0]), size, C.cudaMemcpyHostToDevice); res != C.cudaSuccess {
		return nil, Status(res)
	}
	return p, StatusOK
}

func (s *deviceFloats) alloc(n int) (unsafe.Pointer, Status) {
	var p unsafe.Pointer
	if res := C.cudaMalloc(&p, C.size_t(n*4)); res != C.cudaSuccess {
		return nil, Status(res)
	}
	s.ptrs = append(s.ptrs, p)
	return p, StatusOK
}

func (s *deviceFloats) free() {
	for _, p := range s.ptrs {
		C.cudaFree(p)
	}
	s.ptrs = nil
}

func download(host []float32, p unsafe.Pointer) Status {
	return Status(C.cudaMemcpy(unsafe.Pointer(&host[0]), p, C.size_t(len(host)*4), C.cudaMemcpyDeviceToHost))
}

// ScoresQKT runs S_b = Q_b·K_bᵀ. cuBLAS is column-major, so the row-major
// product is computed as S_bᵀ = K_b·Q_bᵀ.
func (c *CUDA) ScoresQKT(h ComputeHandle, rowsA, colsA int, a []float32, rowsB, colsB int, b []float32, out []float32, batch int) Status {
	if colsA != colsB || batch <= 0 {
		return StatusShapeMismatch
	}
	var stage deviceFloats
	defer stage.free()

	dA, st := stage.upload(c, a[:rowsA*batch*colsA])
	if !st.OK() {
		return st
	}
	dB, st := stage.upload(c, b[:rowsB*batch*colsB])
	if !st.OK() {
		return st
	}
	dC, st := stage.alloc(batch * rowsA * rowsB)
	if !st.OK() {
		return st
	}

	alpha, beta := C.float(1), C.float(0)
	ld := C.int(batch * colsA)
	status := C.cublasGemmStridedBatchedEx(
		c.blas(h),
		C.CUBLAS_OP_T, C.CUBLAS_OP_N,
		C.int(rowsB), C.int(rowsA), C.int(colsA),
		unsafe.Pointer(&alpha),
		dB, C.CUDA_R_32F, ld, C.longlong(colsB),
		dA, C.CUDA_R_32F, ld, C.longlong(colsA),
		unsafe.Pointer(&beta),
		dC, C.CUDA_R_32F, C.int(rowsB), C.longlong(rowsA*rowsB),
		C.int(batch),
		C.CUBLAS_COMPUTE_32F, C.CUBLAS_GEMM_DEFAULT)
	if status != C.CUBLAS_STATUS_SUCCESS {
		return Status(status)
	}
	return download(out[:batch*rowsA*rowsB], dC)
}

// WeightedSum runs O_b = P_b·V_b, computed column-major as O_bᵀ = V_bᵀ·P_bᵀ.
func (c *CUDA) WeightedSum(h ComputeHandle, rowsA, colsA int, a []float32, rowsB, colsB int, b []float32, out []float32, batch int) Status {
	if colsA != rowsB || batch <= 0 {
		return StatusShapeMismatch
	}
	var stage deviceFloats
	defer stage.free()

	dA, st := stage.upload(c, a[:batch*rowsA*colsA])
	if !st.OK() {
		return st
	}
	dB, st := stage.upload(c, b[:rowsB*batch*colsB])
	if !st.OK() {
		return st
	}
	dC, st := stage.alloc(rowsA * batch * colsB)
	if !st.OK() {
		return st
	}

	alpha, beta := C.float(1), C.float(0)
	ld := C.int(batch * colsB)
	status := C.cublasGemmStridedBatchedEx(
		c.blas(h),
		C.CUBLAS_OP_N, C.CUBLAS_OP_N,
		C.int(colsB), C.int(rowsA), C.int(colsA),
		unsafe.Pointer(&alpha),
		dB, C.CUDA_R_32F, ld, C.longlong(colsB),
		dA, C.CUDA_R_32F, C.int(colsA), C.longlong(rowsA*colsA),
		unsafe.Pointer(&beta),
		dC, C.CUDA_R_32F, ld, C.longlong(colsB),
		C.int(batch),
		C.CUBLAS_COMPUTE_32F, C.CUBLAS_GEMM_DEFAULT)
	if status != C.CUBLAS_STATUS_SUCCESS {
		return Status(status)
	}
	return download(out[:rowsA*batch*colsB], dC)
}

func (c *CUDA) blas(h ComputeHandle) C.cublasHandle_t {
	if h != 0 {
		return C.cublasHandle_t(unsafe.Pointer(uintptr(h)))
	}
	return c.handle
}

func (c *CUDA) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handle != nil {
		C.cublasDestroy(c.handle)
		c.handle = nil
	}
	if c.stream != nil {
		C.cudaStreamDestroy(c.stream)
		c.stream = nil
	}
	return nil
}

func openCUDA(device int) (Runtime, ComputeHandle, error) {
	c, err := NewCUDA(device)
	if err != nil {
		return nil, 0, err
	}
	return c, c.ComputeHandle(), nil
}
