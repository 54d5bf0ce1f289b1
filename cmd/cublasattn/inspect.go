package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"text/tabwriter"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/23skdu/longbow-cublas/internal/trace"
)

type frameSummary struct {
	Stage string  `json:"stage"`
	Heads int     `json:"heads"`
	Rows  int     `json:"rows"`
	Cols  int     `json:"cols"`
	Min   float32 `json:"min"`
	Max   float32 `json:"max"`
	Mean  float64 `json:"mean"`
	NaNs  int     `json:"nans"`
}

func summarize(f trace.Frame) frameSummary {
	s := frameSummary{Stage: f.Stage, Heads: f.Heads, Rows: f.Rows, Cols: f.Cols}
	s.Min = float32(math.Inf(1))
	s.Max = float32(math.Inf(-1))
	var sum float64
	var n int
	for _, v := range f.Values {
		if math.IsNaN(float64(v)) {
			s.NaNs++
			continue
		}
		s.Min = min(s.Min, v)
		s.Max = max(s.Max, v)
		sum += float64(v)
		n++
	}
	if n > 0 {
		s.Mean = sum / float64(n)
	}
	return s
}

func inspectCmd() *cli.Command {
	var asJSON bool

	return &cli.Command{
		Name:      "inspect",
		Usage:     "Summarize a trace file written by the file sink",
		ArgsUsage: "<trace file>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "print one JSON object per frame",
				Destination: &asJSON,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			path := cmd.Args().First()
			if path == "" {
				return fmt.Errorf("trace file path is required")
			}
			frames, err := trace.ReadFile(path)
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				for _, f := range frames {
					if err := enc.Encode(summarize(f)); err != nil {
						return err
					}
				}
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "STAGE\tSHAPE\tMIN\tMAX\tMEAN\tNAN")
			for _, f := range frames {
				s := summarize(f)
				_, _ = fmt.Fprintf(w, "%s\t%dx%dx%d\t%.4g\t%.4g\t%.4g\t%d\n", s.Stage, s.Heads, s.Rows, s.Cols, s.Min, s.Max, s.Mean, s.NaNs)
			}
			return w.Flush()
		},
	}
}
