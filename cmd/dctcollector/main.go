// Command dctcollector is the DCT telemetry collector binary.
//
// It loads YAML configuration from the path in DCT_COLLECTOR_CONFIG_PATH
// (or the -config flag), binds the UDP socket, and runs until interrupted
// (SIGINT / SIGTERM). Observations are appended to a timestamped CSV log
// under the configured log directory.
//
// Usage:
//
//	dctcollector [flags]
//
// Exit code 0 on clean shutdown, nonzero on socket bind failure or fatal
// configuration error.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/BimaAbf/DCT-Protocol/pkg/dctcollector/app"
	"github.com/BimaAbf/DCT-Protocol/pkg/dctcollector/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "dctcollector: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// ── Flags ────────────────────────────────────────────────────────────
	var (
		logLevel string
		logFmt   string
		cfgPath  string
	)

	flag.StringVar(&logLevel, "log.level", "info", "Log level: debug, info, warn, error")
	flag.StringVar(&logFmt, "log.fmt", "text", "Log format: json, text")
	flag.StringVar(&cfgPath, "config", "", "Configuration file path (default: $DCT_COLLECTOR_CONFIG_PATH)")
	flag.Parse()

	logger, err := buildLogger(logLevel, logFmt)
	if err != nil {
		return err
	}

	// ── Configuration ───────────────────────────────────────────────────
	if cfgPath == "" {
		cfgPath = config.PathFromEnv()
	}
	cfg, err := config.Load(cfgPath, logger)
	if err != nil {
		return err
	}

	// ── Run until signalled ─────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := app.New(app.Config{Collector: cfg}, logger)
	if err := a.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("main: signal received — shutting down")
	a.Stop()
	return nil
}

// buildLogger constructs the process slog.Logger from the flag pair.
func buildLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	switch format {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}
