package scalar

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-cublas/internal/device"
	"github.com/23skdu/longbow-cublas/internal/ledger"
	"github.com/23skdu/longbow-cublas/internal/metrics"
	"github.com/23skdu/longbow-cublas/internal/reclaim"
)

const mib = 1 << 20

type fixture struct {
	host *device.Host
	led  *ledger.Ledger
	pool *Pool
}

func newFixture(t *testing.T, capacity int64, rt func(*device.Host) device.MemoryRuntime) *fixture {
	t.Helper()
	h := device.NewHost(capacity)
	l, err := ledger.New(h)
	require.NoError(t, err)
	var mem device.MemoryRuntime = h
	if rt != nil {
		mem = rt(h)
	}
	return &fixture{host: h, led: l, pool: NewPool(mem, l, reclaim.New(h, l))}
}

// brokenRuntime refuses allocations and transfers.
type brokenRuntime struct {
	*device.Host
	noAlloc bool
	noCopy  bool
}

func (b *brokenRuntime) Alloc(bytes int64) device.Ptr {
	if b.noAlloc {
		return 0
	}
	return b.Host.Alloc(bytes)
}

func (b *brokenRuntime) CopyDeviceToHost(dst []byte, src device.Ptr) device.Status {
	if b.noCopy {
		return device.Status(700)
	}
	return b.Host.CopyDeviceToHost(dst, src)
}

func TestAcquireAllocates(t *testing.T) {
	f := newFixture(t, 64*mib, nil)
	before := testutil.ToFloat64(metrics.ScalarPoolAllocations)

	s, err := f.pool.Acquire()
	require.NoError(t, err)
	require.True(t, s.Ptr().Valid())
	require.Equal(t, 1, f.host.Live())
	require.Equal(t, int64(scalarBytes), f.led.Snapshot().Allocated)
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.ScalarPoolAllocations)-before)
}

func TestReleaseThenAcquireReuses(t *testing.T) {
	f := newFixture(t, 64*mib, nil)

	s, err := f.pool.Acquire()
	require.NoError(t, err)
	f.pool.Release(s)
	require.Equal(t, 1, f.pool.Len())

	again, err := f.pool.Acquire()
	require.NoError(t, err)
	require.Same(t, s, again)
	require.Equal(t, 1, f.host.Live(), "reuse must not allocate")
	require.Zero(t, f.pool.Len())
}

func TestPoolIsLIFO(t *testing.T) {
	f := newFixture(t, 64*mib, nil)

	a, err := f.pool.Acquire()
	require.NoError(t, err)
	b, err := f.pool.Acquire()
	require.NoError(t, err)
	f.pool.Release(a)
	f.pool.Release(b)

	first, _ := f.pool.Acquire()
	second, _ := f.pool.Acquire()
	require.Same(t, b, first)
	require.Same(t, a, second)
}

func TestDownload(t *testing.T) {
	f := newFixture(t, 64*mib, nil)

	s, err := f.pool.Acquire()
	require.NoError(t, err)

	var raw [4]byte
	binary.LittleEndian.PutUint32(raw[:], math.Float32bits(42.5))
	require.True(t, f.host.CopyHostToDevice(s.Ptr(), raw[:]).OK())

	require.NoError(t, s.Download())
	require.Equal(t, float32(42.5), s.Float32())
}

func TestDownloadFailure(t *testing.T) {
	f := newFixture(t, 64*mib, func(h *device.Host) device.MemoryRuntime {
		return &brokenRuntime{Host: h, noCopy: true}
	})

	s, err := f.pool.Acquire()
	require.NoError(t, err)
	err = s.Download()
	require.ErrorIs(t, err, ErrTransfer)
}

func TestResourceExhaustionAfterRefresh(t *testing.T) {
	// any request needs a 4 MiB margin, so a 4 MiB device never admits
	f := newFixture(t, 4*mib, nil)

	s, err := f.pool.Acquire()
	require.Nil(t, s)
	require.ErrorIs(t, err, ErrResourceExhaustion)
	require.Zero(t, f.host.Live())
	require.Equal(t, uint64(2), f.led.Snapshot().Refreshes, "denial forces one refresh")
}

func TestRefreshRecoversStaleEstimate(t *testing.T) {
	f := newFixture(t, 8*mib, nil)

	// a reservation the device never saw leaves the estimate stale
	require.True(t, f.led.TryReserve(4*mib))

	s, err := f.pool.Acquire()
	require.NoError(t, err)
	require.True(t, s.Ptr().Valid())
	require.Equal(t, uint64(2), f.led.Snapshot().Refreshes)
}

func TestNativeAllocationFailure(t *testing.T) {
	f := newFixture(t, 64*mib, func(h *device.Host) device.MemoryRuntime {
		return &brokenRuntime{Host: h, noAlloc: true}
	})
	for i := 0; i < ledger.MinInterval; i++ {
		f.led.Release(0)
	}

	s, err := f.pool.Acquire()
	require.Nil(t, s)
	require.ErrorIs(t, err, ErrNativeAllocation)
	require.False(t, errors.Is(err, ErrResourceExhaustion))

	snap := f.led.Snapshot()
	require.Zero(t, snap.Allocated)
	require.Equal(t, ledger.MinInterval, snap.RefreshInterval)
}

func TestCloseFreesIdleScalars(t *testing.T) {
	f := newFixture(t, 64*mib, nil)

	var held []*Scalar
	for i := 0; i < 3; i++ {
		s, err := f.pool.Acquire()
		require.NoError(t, err)
		held = append(held, s)
	}
	for _, s := range held {
		f.pool.Release(s)
	}
	require.Equal(t, 3, f.host.Live())

	require.NoError(t, f.pool.Close())
	require.Zero(t, f.pool.Len())
	require.Zero(t, f.host.Live())
	require.Zero(t, f.led.Snapshot().Allocated)
}

func TestReleaseClosedScalarIsIgnored(t *testing.T) {
	f := newFixture(t, 64*mib, nil)

	s, err := f.pool.Acquire()
	require.NoError(t, err)
	require.NoError(t, s.Close())
	f.pool.Release(s)
	f.pool.Release(nil)
	require.Zero(t, f.pool.Len())
}

func TestDoubleReleaseIsIgnored(t *testing.T) {
	f := newFixture(t, 64*mib, nil)

	s, err := f.pool.Acquire()
	require.NoError(t, err)
	f.pool.Release(s)
	f.pool.Release(s)
	require.Equal(t, 1, f.pool.Len())

	a, err := f.pool.Acquire()
	require.NoError(t, err)
	b, err := f.pool.Acquire()
	require.NoError(t, err)
	require.Same(t, s, a)
	require.NotSame(t, a, b)
	require.NotEqual(t, a.Ptr(), b.Ptr())

	// back in the pool after a fresh Acquire
	f.pool.Release(a)
	require.Equal(t, 1, f.pool.Len())
}
