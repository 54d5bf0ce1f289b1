// Package devbuf uploads quantized host buffers to the device as float32,
// gated by the memory ledger.
package devbuf

import (
	"sync"
	"time"

	"github.com/23skdu/longbow-cublas/internal/device"
	"github.com/23skdu/longbow-cublas/internal/ledger"
	"github.com/23skdu/longbow-cublas/internal/logger"
	"github.com/23skdu/longbow-cublas/internal/metrics"
	"github.com/23skdu/longbow-cublas/internal/quant"
	"github.com/23skdu/longbow-cublas/internal/reclaim"
)

// Deps are the process-wide collaborators every Buffer shares.
type Deps struct {
	Ledger    *ledger.Ledger
	Reclaimer *reclaim.Reclaimer
	Converter device.Converter
}

// Buffer is a host buffer with at most one float32 device copy.
type Buffer struct {
	deps Deps
	host []byte
	spec quant.BlockSpec

	mu    sync.Mutex
	token *reclaim.Token
}

func New(deps Deps, host []byte, spec quant.BlockSpec) *Buffer {
	return &Buffer{deps: deps, host: host, spec: spec}
}

// Capacity is the device footprint of the converted buffer, which is what
// the ledger is charged.
func (b *Buffer) Capacity() int64 { return b.spec.DeviceBytes(len(b.host)) }

func (b *Buffer) Format() quant.Format { return b.spec.Format }

func (b *Buffer) Uploaded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.token != nil
}

// Ptr returns the device copy, or an invalid Ptr when not uploaded.
func (b *Buffer) Ptr() device.Ptr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.token == nil {
		return 0
	}
	return b.token.Ptr()
}

// Upload converts the host buffer into device memory. It returns true if the
// buffer is resident afterwards, including when it already was. A false
// return means the ledger denied the reservation or the device refused the
// allocation; in both cases nothing is held.
func (b *Buffer) Upload() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.token != nil {
		return true
	}
	if err := b.spec.Validate(); err != nil {
		logger.Log.Error("device buffer has invalid block geometry", "format", b.spec.Format.String(), "error", err)
		metrics.RecordUpload("invalid")
		return false
	}

	capacity := b.Capacity()
	if !b.deps.Ledger.TryReserve(capacity) {
		metrics.RecordUpload("denied")
		return false
	}

	start := time.Now()
	p := b.deps.Converter.Convert(b.host, b.spec.BlockSize, b.spec.ElemSize, b.spec.HeaderBytes, b.spec.Format)
	metrics.RecordKernelDuration("convert_"+b.spec.Format.String(), time.Since(start))
	if !p.Valid() {
		b.deps.Ledger.Release(capacity)
		b.deps.Ledger.OnAllocationFailure()
		metrics.RecordUpload("failed")
		logger.Log.Warn("device conversion failed", "format", b.spec.Format.String(), "host_bytes", len(b.host), "device_bytes", capacity)
		return false
	}

	b.token = b.deps.Reclaimer.Register(p, capacity)
	metrics.RecordUpload("ok")
	return true
}

// Close frees the device copy and credits the ledger. It is safe to call on
// a buffer that was never uploaded, and more than once.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.token == nil {
		return nil
	}
	err := b.token.Close()
	b.token = nil
	return err
}
