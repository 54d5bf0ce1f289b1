// Package scalar pools single-float device result buffers so reductions do
// not allocate device memory on every call.
package scalar

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/23skdu/longbow-cublas/internal/device"
	"github.com/23skdu/longbow-cublas/internal/ledger"
	"github.com/23skdu/longbow-cublas/internal/logger"
	"github.com/23skdu/longbow-cublas/internal/metrics"
	"github.com/23skdu/longbow-cublas/internal/reclaim"
)

const scalarBytes = 4

var (
	// ErrResourceExhaustion means the ledger denied the reservation even
	// after resynchronizing with the device.
	ErrResourceExhaustion = errors.New("device memory exhausted")
	// ErrNativeAllocation means the device refused an admitted allocation.
	ErrNativeAllocation = errors.New("device allocation failed")
	ErrTransfer         = errors.New("device to host transfer failed")
)

type Pool struct {
	rt        device.MemoryRuntime
	ledger    *ledger.Ledger
	reclaimer *reclaim.Reclaimer

	mu   sync.Mutex
	idle []*Scalar
}

func NewPool(rt device.MemoryRuntime, l *ledger.Ledger, r *reclaim.Reclaimer) *Pool {
	return &Pool{rt: rt, ledger: l, reclaimer: r}
}

// Scalar is a 4-byte device buffer plus its host staging copy.
type Scalar struct {
	rt    device.MemoryRuntime
	token *reclaim.Token
	host  [scalarBytes]byte

	// pooled is set while s sits in the idle list. Guarded by Pool.mu.
	pooled bool
}

// Acquire returns the most recently released scalar, or allocates one.
func (p *Pool) Acquire() (*Scalar, error) {
	p.mu.Lock()
	if n := len(p.idle); n > 0 {
		s := p.idle[n-1]
		p.idle[n-1] = nil
		p.idle = p.idle[:n-1]
		s.pooled = false
		p.mu.Unlock()
		metrics.RecordScalarPool(n-1, false)
		return s, nil
	}
	p.mu.Unlock()
	return p.allocate()
}

func (p *Pool) allocate() (*Scalar, error) {
	if !p.ledger.TryReserve(scalarBytes) {
		if err := p.ledger.Refresh(); err != nil {
			logger.Log.Warn("scalar pool refresh failed", "error", err)
		}
		if !p.ledger.TryReserve(scalarBytes) {
			return nil, fmt.Errorf("%w: %d byte scalar denied after refresh", ErrResourceExhaustion, scalarBytes)
		}
	}

	ptr := p.rt.Alloc(scalarBytes)
	if !ptr.Valid() {
		p.ledger.Release(scalarBytes)
		p.ledger.OnAllocationFailure()
		return nil, fmt.Errorf("%w: %d bytes", ErrNativeAllocation, scalarBytes)
	}

	s := &Scalar{rt: p.rt, token: p.reclaimer.Register(ptr, scalarBytes)}
	metrics.RecordScalarPool(p.Len(), true)
	return s, nil
}

// Release returns s to the pool. Its device memory stays allocated. Releasing
// a scalar that is already idle is a no-op.
func (p *Pool) Release(s *Scalar) {
	if s == nil || !s.Ptr().Valid() {
		return
	}
	p.mu.Lock()
	if s.pooled {
		p.mu.Unlock()
		return
	}
	s.pooled = true
	p.idle = append(p.idle, s)
	n := len(p.idle)
	p.mu.Unlock()
	metrics.RecordScalarPool(n, false)
}

// Len is the number of idle scalars.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Close frees every idle scalar. Scalars still held by callers are not
// affected.
func (p *Pool) Close() error {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	var result *multierror.Error
	for _, s := range idle {
		if err := s.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	metrics.RecordScalarPool(0, false)
	return result.ErrorOrNil()
}

func (s *Scalar) Ptr() device.Ptr { return s.token.Ptr() }

// Download copies the device value into the host staging buffer.
func (s *Scalar) Download() error {
	if st := s.rt.CopyDeviceToHost(s.host[:], s.Ptr()); !st.OK() {
		return fmt.Errorf("%w: status %d", ErrTransfer, int(st))
	}
	return nil
}

// Float32 returns the value fetched by the last Download.
func (s *Scalar) Float32() float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(s.host[:]))
}

// Close frees the device buffer. A closed scalar is not returned to the
// pool by Release.
func (s *Scalar) Close() error {
	return s.token.Close()
}
