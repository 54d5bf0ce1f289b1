// Package device defines the boundary between the admission/attention core
// and the native accelerator runtime. Native handles are carried as
// distinct integer types so a device pointer can never be passed where a
// compute handle is expected.
package device

import (
	"fmt"

	"github.com/23skdu/longbow-cublas/internal/quant"
)

// Ptr is an opaque device address. It is not host-dereferenceable.
type Ptr uintptr

// Valid reports whether p names a live allocation.
func (p Ptr) Valid() bool { return p > 0 }

func (p Ptr) String() string { return fmt.Sprintf("0x%x", uintptr(p)) }

// ComputeHandle is a BLAS library handle owned outside this module.
type ComputeHandle uintptr

// ExecHandle is a per-shape native attention context.
type ExecHandle uintptr

// Status is a native return code; zero is success.
type Status int

const StatusOK Status = 0

func (s Status) OK() bool { return s == StatusOK }

// MemInfoQuerier reports the device's current free and total bytes.
type MemInfoQuerier interface {
	MemGetInfo() (free, total int64, err error)
}

// Freer releases a device allocation.
type Freer interface {
	Free(p Ptr) error
}

// MemoryRuntime is the raw device memory surface.
type MemoryRuntime interface {
	MemInfoQuerier
	Freer
	// Alloc returns an invalid Ptr when the device refuses the request.
	Alloc(bytes int64) Ptr
	CopyHostToDevice(dst Ptr, src []byte) Status
	CopyDeviceToHost(dst []byte, src Ptr) Status
}

// Converter expands a host buffer in a quantized format into a freshly
// allocated float32 device buffer. An invalid Ptr signals allocation or
// conversion failure.
type Converter interface {
	Convert(host []byte, blockSize, elemSize, headerBytes int, f quant.Format) Ptr
}

// GEMM is the strided-batched matrix multiply primitive. Every call blocks
// until the device finishes and accumulates in float32.
//
// ScoresQKT computes C_b = A_b · B_bᵀ for b in [0,batch). A and B are
// interleaved: row r of batch element b starts at r*batch*colsA + b*colsA.
// C is stored per batch element, contiguous rowsA×rowsB.
//
// WeightedSum computes C_b = A_b · B_b. A is per batch element contiguous
// rowsA×colsA; B and C are interleaved with row width batch*colsB.
type GEMM interface {
	ScoresQKT(h ComputeHandle, rowsA, colsA int, a []float32, rowsB, colsB int, b []float32, c []float32, batch int) Status
	WeightedSum(h ComputeHandle, rowsA, colsA int, a []float32, rowsB, colsB int, b []float32, c []float32, batch int) Status
}

// AttentionRuntime adds the native attention context lifecycle to GEMM.
type AttentionRuntime interface {
	GEMM
	InitAttention(h ComputeHandle, tq, tk, d, heads int) (ExecHandle, error)
	FreeAttention(e ExecHandle) error
}

// Runtime is everything a backend provides.
type Runtime interface {
	MemoryRuntime
	Converter
	AttentionRuntime
	Name() string
	Close() error
}
