package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DeviceMemoryAllocated = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gpu_memory_allocated_bytes",
		Help: "Current bytes allocated on the device backend",
	})

	KernelDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gpu_kernel_duration_seconds",
		Help:    "Histogram of kernel execution times",
		Buckets: prometheus.DefBuckets,
	}, []string{"kernel"})

	// Ledger
	LedgerAllocated = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_allocated_bytes",
		Help: "Bytes reserved through the memory ledger since the last refresh",
	})

	LedgerBaselineFree = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_baseline_free_bytes",
		Help: "Free device bytes reported at the last refresh",
	})

	LedgerTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_total_bytes",
		Help: "Total device bytes reported at the last refresh",
	})

	LedgerAdmissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_admissions_total",
		Help: "Reservation attempts by outcome",
	}, []string{"result"})

	LedgerRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_refreshes_total",
		Help: "Device memory queries by trigger",
	}, []string{"reason"})

	LedgerRefreshInterval = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_refresh_interval",
		Help: "Releases between count-triggered refreshes",
	})

	// Reclaim
	ReclaimReleases = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reclaim_releases_total",
		Help: "Device allocations released, by path (explicit or swept)",
	}, []string{"path"})

	ReclaimOutstanding = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "reclaim_outstanding",
		Help: "Registered allocations not yet released",
	})

	// Device buffers
	DeviceBufferUploads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "device_buffer_uploads_total",
		Help: "Device buffer upload attempts by outcome",
	}, []string{"result"})

	// Scalar pool
	ScalarPoolSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scalar_pool_size",
		Help: "Idle scalar result buffers held by the pool",
	})

	ScalarPoolAllocations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scalar_pool_allocations_total",
		Help: "Fresh device allocations made by the scalar pool",
	})

	// Attention
	AttentionRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attention_runs_total",
		Help: "Attention pipeline runs by outcome",
	}, []string{"result"})
)

func RecordDeviceMemory(bytes int64) {
	DeviceMemoryAllocated.Set(float64(bytes))
}

func RecordKernelDuration(name string, duration time.Duration) {
	KernelDuration.WithLabelValues(name).Observe(duration.Seconds())
}

// RecordLedgerState publishes the ledger's current accounting.
func RecordLedgerState(allocated, baselineFree, total int64, interval int) {
	LedgerAllocated.Set(float64(allocated))
	LedgerBaselineFree.Set(float64(baselineFree))
	LedgerTotal.Set(float64(total))
	LedgerRefreshInterval.Set(float64(interval))
}

func RecordAdmission(granted bool) {
	if granted {
		LedgerAdmissions.WithLabelValues("granted").Inc()
		return
	}
	LedgerAdmissions.WithLabelValues("denied").Inc()
}

func RecordRefresh(reason string) {
	LedgerRefreshes.WithLabelValues(reason).Inc()
}

func RecordReclaim(path string, outstanding int) {
	ReclaimReleases.WithLabelValues(path).Inc()
	ReclaimOutstanding.Set(float64(outstanding))
}

func RecordOutstanding(outstanding int) {
	ReclaimOutstanding.Set(float64(outstanding))
}

func RecordUpload(result string) {
	DeviceBufferUploads.WithLabelValues(result).Inc()
}

func RecordScalarPool(size int, allocated bool) {
	ScalarPoolSize.Set(float64(size))
	if allocated {
		ScalarPoolAllocations.Inc()
	}
}

func RecordAttentionRun(err error) {
	if err != nil {
		AttentionRuns.WithLabelValues("error").Inc()
		return
	}
	AttentionRuns.WithLabelValues("ok").Inc()
}
