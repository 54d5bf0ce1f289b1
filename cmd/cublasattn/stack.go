package main

import (
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/23skdu/longbow-cublas/internal/config"
	"github.com/23skdu/longbow-cublas/internal/device"
	"github.com/23skdu/longbow-cublas/internal/ledger"
	"github.com/23skdu/longbow-cublas/internal/logger"
	"github.com/23skdu/longbow-cublas/internal/metrics"
	"github.com/23skdu/longbow-cublas/internal/reclaim"
	"github.com/23skdu/longbow-cublas/internal/scalar"
)

// stack is one device with its admission ledger and the components that
// charge against it.
type stack struct {
	rt        device.Runtime
	handle    device.ComputeHandle
	ledger    *ledger.Ledger
	reclaimer *reclaim.Reclaimer
	pool      *scalar.Pool
}

func openStack(cfg config.Config) (*stack, error) {
	rt, handle, err := device.Open(cfg.GetBackend(), cfg.Device.HostCapacity, cfg.Device.Index)
	if err != nil {
		return nil, err
	}
	if host, ok := rt.(*device.Host); ok {
		if cfg.Device.Threads > 0 {
			host.SetNumThreads(cfg.Device.Threads)
		}
		host.HalfInputs = cfg.Device.HalfInputs
	}

	l, err := ledger.New(rt, ledger.WithRefreshGap(cfg.Ledger.RefreshGap))
	if err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("failed to create ledger: %w", err)
	}
	r := reclaim.New(rt, l)

	st := l.Snapshot()
	logger.Log.Info("device opened", "backend", rt.Name(), "index", cfg.Device.Index, "free", st.BaselineFree, "total", st.Total)
	return &stack{
		rt:        rt,
		handle:    handle,
		ledger:    l,
		reclaimer: r,
		pool:      scalar.NewPool(rt, l, r),
	}, nil
}

// recordDeviceMemory publishes what the device itself reports in use.
func (s *stack) recordDeviceMemory() {
	free, total, err := s.rt.MemGetInfo()
	if err != nil {
		logger.Log.Debug("device memory query failed", "error", err)
		return
	}
	metrics.RecordDeviceMemory(total - free)
}

func (s *stack) Close() error {
	var result *multierror.Error
	if err := s.pool.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := s.reclaimer.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := s.rt.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
