package reclaim

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-cublas/internal/device"
	"github.com/23skdu/longbow-cublas/internal/ledger"
)

const mib = 1 << 20

func setup(t *testing.T) (*device.Host, *ledger.Ledger, *Reclaimer) {
	t.Helper()
	h := device.NewHost(256 * mib)
	l, err := ledger.New(h)
	require.NoError(t, err)
	return h, l, New(h, l)
}

// reserveAndAlloc mirrors how owners obtain an allocation before handing it
// to the reclaimer.
func reserveAndAlloc(t *testing.T, h *device.Host, l *ledger.Ledger, bytes int64) device.Ptr {
	t.Helper()
	require.True(t, l.TryReserve(bytes))
	p := h.Alloc(bytes)
	require.True(t, p.Valid())
	return p
}

func TestCloseReleasesOnce(t *testing.T) {
	h, l, r := setup(t)

	p := reserveAndAlloc(t, h, l, mib)
	tok := r.Register(p, mib)
	require.Equal(t, p, tok.Ptr())
	require.Equal(t, int64(mib), tok.Bytes())
	require.Equal(t, 1, r.Outstanding())
	require.Equal(t, int64(mib), l.Snapshot().Allocated)

	require.NoError(t, tok.Close())
	require.False(t, tok.Ptr().Valid())
	require.Zero(t, h.Live())
	require.Zero(t, l.Snapshot().Allocated)
	require.Zero(t, r.Outstanding())
	require.Equal(t, 1, l.Snapshot().ReleaseCount)

	// second close must not free or credit again
	require.NoError(t, tok.Close())
	require.Equal(t, 1, l.Snapshot().ReleaseCount)
}

func TestConcurrentCloseReleasesOnce(t *testing.T) {
	h, l, r := setup(t)

	p := reserveAndAlloc(t, h, l, mib)
	tok := r.Register(p, mib)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = tok.Close()
		}()
	}
	wg.Wait()

	require.Zero(t, h.Live())
	require.Equal(t, 1, l.Snapshot().ReleaseCount)
}

func TestTokensHaveDistinctIDs(t *testing.T) {
	h, l, r := setup(t)

	a := r.Register(reserveAndAlloc(t, h, l, mib), mib)
	b := r.Register(reserveAndAlloc(t, h, l, mib), mib)
	defer a.Close()
	defer b.Close()

	require.NotEqual(t, a.ID(), b.ID())
}

func TestSweepReleasesAbandonedToken(t *testing.T) {
	h, l, r := setup(t)

	func() {
		p := reserveAndAlloc(t, h, l, 2*mib)
		r.Register(p, 2*mib)
	}()
	require.Equal(t, 1, h.Live())

	swept := 0
	require.Eventually(t, func() bool {
		runtime.GC()
		swept += r.Sweep()
		return swept == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.Zero(t, h.Live())
	require.Zero(t, r.Outstanding())
	require.Zero(t, l.Snapshot().Allocated)
}

func TestClosedTokenIsNotSwept(t *testing.T) {
	h, l, r := setup(t)

	func() {
		tok := r.Register(reserveAndAlloc(t, h, l, mib), mib)
		require.NoError(t, tok.Close())
	}()

	for i := 0; i < 5; i++ {
		runtime.GC()
		require.Zero(t, r.Sweep())
	}
	require.Equal(t, 1, l.Snapshot().ReleaseCount)
}

func TestRunSweepsInBackground(t *testing.T) {
	h, l, r := setup(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	func() {
		r.Register(reserveAndAlloc(t, h, l, mib), mib)
	}()

	require.Eventually(t, func() bool {
		runtime.GC()
		return r.Outstanding() == 0
	}, 5*time.Second, 10*time.Millisecond)
	require.Zero(t, h.Live())

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

type failingFreer struct{}

func (failingFreer) Free(device.Ptr) error { return errors.New("cudaFree failed") }

func TestFreeErrorStillCreditsLedger(t *testing.T) {
	h := device.NewHost(256 * mib)
	l, err := ledger.New(h)
	require.NoError(t, err)
	r := New(failingFreer{}, l)

	require.True(t, l.TryReserve(mib))
	tok := r.Register(device.Ptr(0x1000), mib)
	require.Error(t, tok.Close())
	require.Zero(t, l.Snapshot().Allocated)
	require.Zero(t, r.Outstanding())
	require.NoError(t, tok.Close())
}

func TestCloseDrainsQueue(t *testing.T) {
	h, l, r := setup(t)

	func() {
		r.Register(reserveAndAlloc(t, h, l, mib), mib)
	}()

	require.Eventually(t, func() bool {
		runtime.GC()
		r.mu.Lock()
		queued := len(r.queue)
		r.mu.Unlock()
		return queued == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, r.Close())
	require.Zero(t, h.Live())
	require.Zero(t, r.Outstanding())
}

func TestInvalidPointerIsNoop(t *testing.T) {
	_, l, r := setup(t)

	tok := r.Register(0, mib)
	require.NoError(t, tok.Close())
	require.Zero(t, l.Snapshot().ReleaseCount)
	require.Zero(t, r.Outstanding())
}
