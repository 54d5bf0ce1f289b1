package monitoring

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-cublas/internal/ledger"
	"github.com/23skdu/longbow-cublas/internal/logger"
)

const (
	maxAlerts  = 100
	maxHistory = 1000

	// slowRun is the attention latency that raises a warning.
	slowRun = 5 * time.Second
)

// LedgerSource is the read side of the admission ledger.
type LedgerSource interface {
	Snapshot() ledger.State
}

// ReclaimSource reports device allocations still awaiting release.
type ReclaimSource interface {
	Outstanding() int
}

// HealthStatus represents the health status of the process
type HealthStatus struct {
	Status      string          `json:"status"`
	Timestamp   time.Time       `json:"timestamp"`
	Uptime      time.Duration   `json:"uptime"`
	System      SystemInfo      `json:"system"`
	Memory      MemoryInfo      `json:"memory"`
	Performance PerformanceInfo `json:"performance"`
	Alerts      []Alert         `json:"alerts"`
}

type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	NumCPU       int    `json:"num_cpu"`
	HeapMB       int    `json:"heap_mb"`
	NumGoroutine int    `json:"num_goroutine"`
}

// MemoryInfo is the device memory picture as the ledger sees it.
type MemoryInfo struct {
	ledger.State
	Headroom    int64 `json:"headroom"`
	Outstanding int   `json:"outstanding"`
}

type PerformanceInfo struct {
	Runs          int       `json:"runs"`
	Failures      int       `json:"failures"`
	AvgLatencyMs  float64   `json:"avg_latency_ms"`
	P95LatencyMs  float64   `json:"p95_latency_ms"`
	LastRun       time.Time `json:"last_run"`
	LastRunFailed bool      `json:"last_run_failed"`
}

// Alert represents a process alert
type Alert struct {
	Level      string     `json:"level"`     // warning, error, critical
	Component  string     `json:"component"` // attention, memory
	Message    string     `json:"message"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

type runPoint struct {
	at       time.Time
	duration time.Duration
	failed   bool
}

// HealthMonitor serves health, status and Prometheus endpoints.
type HealthMonitor struct {
	ledger  LedgerSource
	reclaim ReclaimSource

	startTime time.Time

	mu      sync.RWMutex
	server  *http.Server
	stopped bool
	alerts  []Alert
	history []runPoint
}

func NewHealthMonitor(l LedgerSource, r ReclaimSource) *HealthMonitor {
	return &HealthMonitor{
		ledger:    l,
		reclaim:   r,
		startTime: time.Now(),
	}
}

// Handler returns the mux with every endpoint registered.
func (hm *HealthMonitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", hm.handleHealth)
	mux.HandleFunc("/healthz", hm.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", hm.handleStatus)
	mux.HandleFunc("/ledger", hm.handleLedger)
	mux.HandleFunc("/admin/alerts", hm.handleAlerts)
	mux.HandleFunc("/admin/clear-alerts", hm.handleClearAlerts)
	return mux
}

// Start serves until Stop is called. It returns nil after a clean shutdown.
func (hm *HealthMonitor) Start(addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      hm.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	hm.mu.Lock()
	if hm.stopped {
		hm.mu.Unlock()
		return nil
	}
	hm.server = srv
	hm.mu.Unlock()

	logger.Log.Info("health monitor starting", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (hm *HealthMonitor) Stop(ctx context.Context) error {
	hm.mu.Lock()
	hm.stopped = true
	srv := hm.server
	hm.mu.Unlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// RecordRun notes one attention run for latency tracking and alerting.
func (hm *HealthMonitor) RecordRun(duration time.Duration, err error) {
	hm.mu.Lock()
	hm.history = append(hm.history, runPoint{at: time.Now(), duration: duration, failed: err != nil})
	if len(hm.history) > maxHistory {
		hm.history = hm.history[1:]
	}
	hm.mu.Unlock()

	if err != nil {
		hm.AddAlert("error", "attention", fmt.Sprintf("attention run failed: %v", err))
		return
	}
	if duration > slowRun {
		hm.AddAlert("warning", "attention", fmt.Sprintf("slow attention run: %s", duration))
	}
}

func (hm *HealthMonitor) AddAlert(level, component, message string) {
	hm.mu.Lock()
	hm.alerts = append(hm.alerts, Alert{
		Level:     level,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	})
	if len(hm.alerts) > maxAlerts {
		hm.alerts = hm.alerts[1:]
	}
	hm.mu.Unlock()

	logger.Log.Warn("alert raised", "level", level, "component", component, "message", message)
}

func (hm *HealthMonitor) ResolveAlert(index int) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	if index >= 0 && index < len(hm.alerts) {
		now := time.Now()
		hm.alerts[index].Resolved = true
		hm.alerts[index].ResolvedAt = &now
	}
}

func (hm *HealthMonitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := hm.Status()
	w.Header().Set("Content-Type", "application/json")
	if status.Status == "healthy" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	writeJSON(w, map[string]string{
		"status":    status.Status,
		"timestamp": status.Timestamp.Format(time.RFC3339),
	})
}

func (hm *HealthMonitor) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, hm.Status())
}

func (hm *HealthMonitor) handleLedger(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, hm.memoryInfo())
}

func (hm *HealthMonitor) handleAlerts(w http.ResponseWriter, r *http.Request) {
	hm.mu.RLock()
	alerts := make([]Alert, len(hm.alerts))
	copy(alerts, hm.alerts)
	hm.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, alerts)
}

func (hm *HealthMonitor) handleClearAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	hm.mu.Lock()
	hm.alerts = hm.alerts[:0]
	hm.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"message": "alerts cleared"})
}

func writeJSON(w http.ResponseWriter, v any) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.Debug("failed to write response", "error", err)
	}
}

// Status computes the current health. Unresolved critical alerts make the
// process critical, unresolved errors make it degraded.
func (hm *HealthMonitor) Status() HealthStatus {
	mem := hm.memoryInfo()

	hm.mu.RLock()
	defer hm.mu.RUnlock()

	status := "healthy"
	for _, a := range hm.alerts {
		if a.Resolved {
			continue
		}
		if a.Level == "critical" {
			status = "critical"
			break
		}
		if a.Level == "error" {
			status = "degraded"
		}
	}

	alerts := make([]Alert, len(hm.alerts))
	copy(alerts, hm.alerts)
	return HealthStatus{
		Status:      status,
		Timestamp:   time.Now(),
		Uptime:      time.Since(hm.startTime),
		System:      systemInfo(),
		Memory:      mem,
		Performance: hm.performanceLocked(),
		Alerts:      alerts,
	}
}

func (hm *HealthMonitor) memoryInfo() MemoryInfo {
	var info MemoryInfo
	if hm.ledger != nil {
		info.State = hm.ledger.Snapshot()
		info.Headroom = info.BaselineFree - info.Allocated
	}
	if hm.reclaim != nil {
		info.Outstanding = hm.reclaim.Outstanding()
	}
	return info
}

func systemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return SystemInfo{
		GoVersion:    runtime.Version(),
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		NumCPU:       runtime.NumCPU(),
		HeapMB:       int(m.HeapAlloc / 1024 / 1024),
		NumGoroutine: runtime.NumGoroutine(),
	}
}

func (hm *HealthMonitor) performanceLocked() PerformanceInfo {
	if len(hm.history) == 0 {
		return PerformanceInfo{}
	}
	latencies := make([]float64, len(hm.history))
	var total time.Duration
	info := PerformanceInfo{Runs: len(hm.history)}
	for i, p := range hm.history {
		latencies[i] = float64(p.duration.Nanoseconds()) / 1e6
		total += p.duration
		if p.failed {
			info.Failures++
		}
	}
	sort.Float64s(latencies)
	p95 := int(float64(len(latencies)) * 0.95)
	if p95 >= len(latencies) {
		p95 = len(latencies) - 1
	}

	last := hm.history[len(hm.history)-1]
	info.AvgLatencyMs = float64(total.Nanoseconds()) / float64(len(hm.history)) / 1e6
	info.P95LatencyMs = latencies[p95]
	info.LastRun = last.at
	info.LastRunFailed = last.failed
	return info
}
