// Package reclaim releases device allocations exactly once, either when
// their owner closes them or, as a fallback, after the owning token becomes
// unreachable and a sweep runs.
package reclaim

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/23skdu/longbow-cublas/internal/device"
	"github.com/23skdu/longbow-cublas/internal/ledger"
	"github.com/23skdu/longbow-cublas/internal/logger"
	"github.com/23skdu/longbow-cublas/internal/metrics"
)

const sweepInterval = time.Second

type Reclaimer struct {
	freer  device.Freer
	ledger *ledger.Ledger
	log    *logger.Logger

	mu          sync.Mutex
	queue       []*allocation
	outstanding int
	notify      chan struct{}
}

func New(freer device.Freer, l *ledger.Ledger) *Reclaimer {
	return &Reclaimer{
		freer:  freer,
		ledger: l,
		log:    logger.Log.With("component", "reclaim"),
		notify: make(chan struct{}, 1),
	}
}

// allocation is the release state shared by a Token and its cleanup. It must
// not reference the Token.
type allocation struct {
	id    uuid.UUID
	ptr   atomic.Uintptr
	bytes int64
	once  sync.Once
}

// Token owns one registered device allocation.
type Token struct {
	r       *Reclaimer
	a       *allocation
	cleanup runtime.Cleanup
}

// Register takes ownership of ptr. The allocation is freed and bytes credited
// to the ledger when the token is closed, or by a later Sweep once the token
// has been garbage collected without being closed.
func (r *Reclaimer) Register(ptr device.Ptr, bytes int64) *Token {
	a := &allocation{id: uuid.New(), bytes: bytes}
	a.ptr.Store(uintptr(ptr))

	r.mu.Lock()
	r.outstanding++
	n := r.outstanding
	r.mu.Unlock()
	metrics.RecordOutstanding(n)

	t := &Token{r: r, a: a}
	t.cleanup = runtime.AddCleanup(t, r.enqueue, a)
	r.log.Debug("device allocation registered", "id", a.id.String(), "ptr", ptr.String(), "bytes", bytes)
	return t
}

func (t *Token) ID() uuid.UUID { return t.a.id }

// Ptr returns the owned pointer, or an invalid Ptr once released.
func (t *Token) Ptr() device.Ptr { return device.Ptr(t.a.ptr.Load()) }

func (t *Token) Bytes() int64 { return t.a.bytes }

// Close releases the allocation now. Subsequent calls are no-ops.
func (t *Token) Close() error {
	t.cleanup.Stop()
	_, err := t.r.release(t.a, "explicit")
	return err
}

// enqueue runs on the runtime's cleanup goroutine. Device calls are deferred
// to Sweep.
func (r *Reclaimer) enqueue(a *allocation) {
	r.mu.Lock()
	r.queue = append(r.queue, a)
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

func (r *Reclaimer) release(a *allocation, path string) (ran bool, err error) {
	a.once.Do(func() {
		ran = true
		ptr := device.Ptr(a.ptr.Swap(0))

		r.mu.Lock()
		r.outstanding--
		n := r.outstanding
		r.mu.Unlock()
		if !ptr.Valid() {
			metrics.RecordOutstanding(n)
			return
		}

		err = r.freer.Free(ptr)
		r.ledger.Release(a.bytes)
		metrics.RecordReclaim(path, n)

		if err != nil {
			r.log.Error("device free failed", "id", a.id.String(), "ptr", ptr.String(), "error", err)
			return
		}
		r.log.Debug("device allocation released", "id", a.id.String(), "ptr", ptr.String(), "bytes", a.bytes, "path", path)
	})
	return ran, err
}

// Sweep releases allocations whose tokens were collected without Close and
// returns how many it released.
func (r *Reclaimer) Sweep() int {
	n, _ := r.sweep()
	return n
}

func (r *Reclaimer) sweep() (int, error) {
	r.mu.Lock()
	pending := r.queue
	r.queue = nil
	r.mu.Unlock()

	var result *multierror.Error
	released := 0
	for _, a := range pending {
		ran, err := r.release(a, "swept")
		if ran {
			released++
		}
		if err != nil {
			result = multierror.Append(result, err)
		}
	}
	if released > 0 {
		r.log.Info("swept abandoned device allocations", "count", released)
	}
	return released, result.ErrorOrNil()
}

// Run sweeps whenever a collected token is queued, and at least once a
// second, until ctx is done.
func (r *Reclaimer) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.notify:
			r.Sweep()
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Outstanding is the number of registered allocations not yet released.
func (r *Reclaimer) Outstanding() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outstanding
}

// Close drains the sweep queue. Live tokens are left to their owners.
func (r *Reclaimer) Close() error {
	_, err := r.sweep()
	return err
}
