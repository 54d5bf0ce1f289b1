package main

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/23skdu/longbow-cublas/internal/logger"
)

func ledgerCmd() *cli.Command {
	var refresh bool

	return &cli.Command{
		Name:  "ledger",
		Usage: "Print the memory ledger's view of the device as JSON",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "refresh",
				Usage:       "force a device query before printing",
				Destination: &refresh,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig()
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

			if refresh {
				if err := st.ledger.Refresh(); err != nil {
					return err
				}
			}
			out, err := json.MarshalIndent(st.ledger.Snapshot(), "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}
