package main

import (
	"github.com/urfave/cli/v3"

	"github.com/23skdu/longbow-cublas/internal/config"
	"github.com/23skdu/longbow-cublas/internal/logger"
)

var (
	configPath string
	backend    string
	logLevel   string
	logFormat  string
)

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Aliases:     []string{"c"},
			Usage:       "path to YAML config file",
			Sources:     cli.EnvVars("CUBLASATTN_CONFIG"),
			Destination: &configPath,
		},
		&cli.StringFlag{
			Name:        "backend",
			Usage:       "override device backend (host, cuda)",
			Destination: &backend,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "override log level (debug, info, warn, error)",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "override log format (json, console)",
			Destination: &logFormat,
		},
	}
}

// loadConfig reads the config file, applies flag overrides and sets up the
// global logger.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}
	if backend != "" {
		cfg.Device.Backend = backend
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	logger.Setup(cfg.Log.Level, cfg.Log.Format)
	return cfg, nil
}
