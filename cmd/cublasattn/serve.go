package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/23skdu/longbow-cublas/internal/logger"
	"github.com/23skdu/longbow-cublas/internal/monitoring"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		every       time.Duration
		seed        int64
		stageFormat string
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve /metrics, /ledger and /health while reclaiming abandoned buffers",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address (defaults to metrics.addr from config)",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "every",
				Usage:       "run an attention pass at this interval (0 disables)",
				Destination: &every,
			},
			&cli.Int64Flag{
				Name:        "seed",
				Usage:       "random seed for the input tensors",
				Value:       1,
				Destination: &seed,
			},
			&cli.StringFlag{
				Name:        "stage-format",
				Usage:       "device staging format for K and V (f16, bf16, f32)",
				Value:       "f16",
				Destination: &stageFormat,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Metrics.Addr
			}
			if addr == "" {
				addr = ":9090"
			}
			format, err := parseStageFormat(stageFormat)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			st, err := openStack(cfg)
			if err != nil {
				return err
			}
			defer func() {
				if err := st.Close(); err != nil {
					logger.Log.Warn("failed to close device", "error", err)
				}
			}()
			go st.reclaimer.Run(ctx)

			hm := monitoring.NewHealthMonitor(st.ledger, st.reclaimer)
			errc := make(chan error, 1)
			go func() { errc <- hm.Start(addr) }()

			if every > 0 {
				r, err := newRunner(ctx, st, cfg, uint64(seed), format)
				if err != nil {
					return err
				}
				done := make(chan struct{})
				go func() {
					defer close(done)
					runPeriodically(ctx, r, hm, every)
				}()
				defer func() {
					stop()
					<-done
					if err := r.Close(); err != nil {
						logger.Log.Warn("failed to close runner", "error", err)
					}
				}()
			}

			select {
			case err := <-errc:
				return err
			case <-ctx.Done():
			}
			logger.Log.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := hm.Stop(shutdownCtx); err != nil {
				return err
			}
			return <-errc
		},
	}
}

func runPeriodically(ctx context.Context, r *runner, hm *monitoring.HealthMonitor, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		start := time.Now()
		res, err := r.runOnce()
		hm.RecordRun(time.Since(start), err)
		if err != nil {
			logger.Log.Error("attention pass failed", "iteration", res.Iteration, "error", err)
			continue
		}
		logger.Log.Debug("attention pass", "iteration", res.Iteration, "total_ms", res.TotalMs, "staged", res.Staged, "denied", res.Denied)
	}
}
