// Package ledger tracks device memory reservations locally so admission
// checks do not query the device on every allocation. The local estimate is
// resynchronized with the device after a bounded number of releases or a
// bounded amount of time, whichever comes first.
package ledger

import (
	"fmt"
	"math/bits"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/23skdu/longbow-cublas/internal/device"
	"github.com/23skdu/longbow-cublas/internal/logger"
	"github.com/23skdu/longbow-cublas/internal/metrics"
)

const (
	MinInterval       = 8
	MaxInterval       = 1024
	DefaultRefreshGap = 5 * time.Second

	minMargin = 4 << 20
	maxMargin = 256 << 20
)

// State is a point-in-time copy of the ledger's accounting.
type State struct {
	BaselineFree    int64     `json:"baseline_free"`
	Total           int64     `json:"total"`
	Allocated       int64     `json:"allocated"`
	RefreshInterval int       `json:"refresh_interval"`
	ReleaseCount    int       `json:"release_count"`
	LastRefresh     time.Time `json:"last_refresh"`
	Releases        uint64    `json:"releases"`
	Refreshes       uint64    `json:"refreshes"`
}

type Option func(*Ledger)

// WithRefreshGap sets the maximum time between releases that may pass
// without a device query.
func WithRefreshGap(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.gap = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

type Ledger struct {
	mu  sync.Mutex
	q   device.MemInfoQuerier
	gap time.Duration
	now func() time.Time

	baselineFree int64
	total        int64
	allocated    int64
	interval     int
	releaseCount int
	lastRefresh  time.Time
	releases     uint64
	refreshes    uint64

	log     *logger.Logger
	denyLog *rate.Limiter
}

// New queries the device once for its free and total bytes.
func New(q device.MemInfoQuerier, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		q:        q,
		gap:      DefaultRefreshGap,
		now:      time.Now,
		interval: MinInterval,
		log:      logger.Log.With("component", "ledger"),
		denyLog:  rate.NewLimiter(rate.Every(time.Second), 1),
	}
	for _, opt := range opts {
		opt(l)
	}

	free, total, err := q.MemGetInfo()
	if err != nil {
		return nil, fmt.Errorf("initial device memory query: %w", err)
	}
	l.baselineFree = free
	l.total = total
	l.lastRefresh = l.now()
	l.refreshes = 1
	metrics.RecordRefresh("init")
	l.publish()

	l.log.Info("memory ledger initialized", "free", free, "total", total, "refresh_gap", l.gap.String())
	return l, nil
}

// Margin is the headroom demanded on top of a request: 10% of the request,
// clamped to [4 MiB, 256 MiB].
func Margin(bytes int64) int64 {
	m := bytes / 10
	if m < minMargin {
		return minMargin
	}
	if m > maxMargin {
		return maxMargin
	}
	return m
}

// TryReserve debits bytes if they fit under the last observed free memory
// with margin to spare. It never queries the device.
func (l *Ledger) TryReserve(bytes int64) bool {
	if bytes < 0 {
		metrics.RecordAdmission(false)
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	margin := Margin(bytes)
	if l.allocated+bytes+margin > l.baselineFree {
		metrics.RecordAdmission(false)
		if l.denyLog.Allow() {
			l.log.Warn("device memory reservation denied",
				"bytes", bytes, "margin", margin, "allocated", l.allocated, "baseline_free", l.baselineFree)
		}
		return false
	}
	l.allocated += bytes
	metrics.RecordAdmission(true)
	metrics.LedgerAllocated.Set(float64(l.allocated))
	return true
}

// Release credits bytes back and resynchronizes with the device when the
// release count reaches the refresh interval or the refresh gap has elapsed.
func (l *Ledger) Release(bytes int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.allocated -= bytes
	if l.allocated < 0 {
		l.allocated = 0
	}
	l.releaseCount++
	l.releases++

	now := l.now()
	timeExpired := now.Sub(l.lastRefresh) > l.gap
	countExpired := l.releaseCount >= l.interval
	if !timeExpired && !countExpired {
		metrics.LedgerAllocated.Set(float64(l.allocated))
		return
	}

	reason := "count"
	if timeExpired {
		reason = "time"
	}
	if err := l.refreshLocked(reason); err != nil {
		l.log.Warn("device memory refresh failed, keeping previous estimate", "error", err)
	}
	l.interval = nextInterval(l.releases)
	l.releaseCount = 0
	l.lastRefresh = now
	l.publish()
}

// nextInterval grows logarithmically with cumulative releases.
func nextInterval(releases uint64) int {
	x := releases + 1
	if x == 0 {
		x = releases
	}
	n := MinInterval * bits.Len64(x)
	if n < MinInterval {
		return MinInterval
	}
	if n > MaxInterval {
		return MaxInterval
	}
	return n
}

// Refresh re-queries the device and resets the local allocation estimate.
func (l *Ledger) Refresh() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	err := l.refreshLocked("forced")
	if err == nil {
		l.releaseCount = 0
		l.lastRefresh = l.now()
	}
	l.publish()
	return err
}

func (l *Ledger) refreshLocked(reason string) error {
	free, total, err := l.q.MemGetInfo()
	if err != nil {
		metrics.RecordRefresh("error")
		return fmt.Errorf("device memory query: %w", err)
	}
	l.baselineFree = free
	l.total = total
	l.allocated = 0
	l.refreshes++
	metrics.RecordRefresh(reason)
	l.log.Debug("device memory refreshed", "reason", reason, "free", free, "total", total)
	return nil
}

// OnAllocationFailure is called after the device refused an allocation the
// ledger admitted. It shrinks the refresh interval back to the minimum so
// the estimate is corrected promptly.
func (l *Ledger) OnAllocationFailure() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.interval = MinInterval
	l.releaseCount = 0
	l.lastRefresh = l.now()
	l.publish()
	l.log.Warn("device allocation failed after admission", "allocated", l.allocated, "baseline_free", l.baselineFree)
}

func (l *Ledger) Snapshot() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return State{
		BaselineFree:    l.baselineFree,
		Total:           l.total,
		Allocated:       l.allocated,
		RefreshInterval: l.interval,
		ReleaseCount:    l.releaseCount,
		LastRefresh:     l.lastRefresh,
		Releases:        l.releases,
		Refreshes:       l.refreshes,
	}
}

func (l *Ledger) publish() {
	metrics.RecordLedgerState(l.allocated, l.baselineFree, l.total, l.interval)
}
