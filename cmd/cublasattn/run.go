package main

import (
	"context"
	"os"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/23skdu/longbow-cublas/internal/logger"
)

func runCmd() *cli.Command {
	var (
		iterations  int64
		seed        int64
		stageFormat string
	)

	return &cli.Command{
		Name:  "run",
		Usage: "Run attention on random tensors and print per-pass results",
		Flags: []cli.Flag{
			&cli.Int64Flag{
				Name:        "iterations",
				Aliases:     []string{"n"},
				Usage:       "number of attention passes",
				Value:       1,
				Destination: &iterations,
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
			format, err := parseStageFormat(stageFormat)
			if err != nil {
				return err
			}

			st, err := openStack(cfg)
			if err != nil {
				return err
			}
			defer func() {
				if err := st.Close(); err != nil {
					logger.Log.Warn("failed to close device", "error", err)
				}
			}()

			r, err := newRunner(ctx, st, cfg, uint64(seed), format)
			if err != nil {
				return err
			}
			defer func() {
				if err := r.Close(); err != nil {
					logger.Log.Warn("failed to close runner", "error", err)
				}
			}()

			enc := json.NewEncoder(os.Stdout)
			for i := int64(0); i < iterations; i++ {
				res, err := r.runOnce()
				if err != nil {
					return err
				}
				if err := enc.Encode(res); err != nil {
					return err
				}
			}
			if n := st.reclaimer.Sweep(); n > 0 {
				logger.Log.Debug("swept abandoned allocations", "count", n)
			}
			return nil
		},
	}
}
