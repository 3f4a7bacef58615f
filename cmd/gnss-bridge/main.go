package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"

	"gnss-bridge/internal/config"
	"gnss-bridge/internal/shutdown"
	"gnss-bridge/internal/web"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

func run(args []string, stderr io.Writer) int {
	fs := pflag.NewFlagSet("gnss-bridge", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.StringP("config", "c", "", "Path to YAML config (optional)")
	envFile := fs.String("env-file", "", "Path to a dotenv file with legacy variables")
	level := fs.String("log-level", "", "Override logging.level (debug, info, warn, error)")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	cfg, err := config.LoadWithEnv(*configPath, *envFile)
	if err != nil {
		fmt.Fprintf(stderr, "config load failed: %v\n", err)
		return 1
	}
	if *level != "" {
		cfg.Logging.Level = *level
	}

	logs := web.NewLogBuffer(cfg.Logging.BufferLines)
	logger, err := newLogger(cfg.Logging, io.MultiWriter(stderr, logs))
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return 1
	}
	log.SetDefault(logger)

	rt, err := newRuntime(cfg, logger, logs, deps{})
	if err != nil {
		logger.Error("startup failed", "err", err)
		return 1
	}

	co := shutdown.New(context.Background(), logger)
	co.NotifySignals()
	if err := rt.run(co); err != nil {
		logger.Error("shutdown finished with errors", "err", err)
		return 1
	}
	logger.Info("gnss-bridge stopped")
	return 0
}

func newLogger(cfg config.LoggingConfig, w io.Writer) (*log.Logger, error) {
	lvl, err := log.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q", cfg.Level)
	}
	return log.NewWithOptions(w, log.Options{
		Level:           lvl,
		ReportTimestamp: true,
		TimeFormat:      time.DateTime,
	}), nil
}
