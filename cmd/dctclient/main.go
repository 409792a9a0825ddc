// Command dctclient is the DCT telemetry device simulator.
//
// It registers with a collector, synchronises a time base, and streams
// sampled values for the configured duration.
//
// Usage:
//
//	dctclient [flags] <host>
//
// Example:
//
//	dctclient --port 5000 --interval 1.0 --duration 60.0 \
//	          --mac AA:BB:CC:DD:EE:FF --seed 42 --batching 5 127.0.0.1
//
// Exit code 0 on clean completion, nonzero on handshake failure or transmit
// error.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BimaAbf/DCT-Protocol/pkg/dctclient"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "dctclient: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// ── Flags ────────────────────────────────────────────────────────────
	var (
		port        uint
		interval    float64
		duration    float64
		deltaThresh int
		mac         string
		seed        int64
		batching    int
		logLevel    string
	)

	flag.UintVar(&port, "port", 5000, "Collector UDP port")
	flag.Float64Var(&interval, "interval", 1.0, "Seconds between samples")
	flag.Float64Var(&duration, "duration", 60.0, "Total run time in seconds")
	flag.IntVar(&deltaThresh, "delta-thresh", 5, "Minimum |change| worth a DATA_DELTA")
	flag.StringVar(&mac, "mac", "", "Device MAC address, e.g. AA:BB:CC:DD:EE:FF (required)")
	flag.Int64Var(&seed, "seed", 100, "Random seed for reproducible samples")
	flag.IntVar(&batching, "batching", 1, "Observations per batch (1 = no batching)")
	flag.StringVar(&logLevel, "log.level", "info", "Log level: debug, info, warn, error")
	flag.Parse()

	if flag.NArg() != 1 {
		return fmt.Errorf("usage: dctclient [flags] <host>")
	}
	host := flag.Arg(0)
	if mac == "" {
		return fmt.Errorf("--mac is required")
	}
	if port > 65535 {
		return fmt.Errorf("--port %d out of range", port)
	}

	logger, err := buildLogger(logLevel)
	if err != nil {
		return err
	}

	cl, err := dctclient.New(dctclient.Config{
		Host:           host,
		Port:           uint16(port),
		MAC:            mac,
		Interval:       time.Duration(interval * float64(time.Second)),
		Duration:       time.Duration(duration * float64(time.Second)),
		Seed:           seed,
		Batching:       batching,
		DeltaThreshold: deltaThresh,
	}, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return cl.Run(ctx)
}

// buildLogger constructs the process slog.Logger.
func buildLogger(level string) (*slog.Logger, error) {
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
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
}
