// Package app wires the DCT Collector pipeline stages together and manages
// their lifecycle.
//
// Receive path:
//
//	Receiver → [datagramCh] → session.Engine → [recordCh] →
//	format/csv → [formattedCh] → transport/file
//
// The engine is the single consumer of the datagram channel, which is what
// serialises per-device processing; the formatter and transport stages run
// on their own goroutines behind bounded channels so the receive path never
// blocks on disk.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/BimaAbf/DCT-Protocol/dct/codec"
	formatcsv "github.com/BimaAbf/DCT-Protocol/format/csv"
	"github.com/BimaAbf/DCT-Protocol/pkg/dctcollector/config"
	"github.com/BimaAbf/DCT-Protocol/pkg/dctcollector/devices"
	"github.com/BimaAbf/DCT-Protocol/pkg/dctcollector/receiver"
	"github.com/BimaAbf/DCT-Protocol/pkg/dctcollector/session"
	filetransport "github.com/BimaAbf/DCT-Protocol/transport/file"
)

// ─────────────────────────────────────────────────────────────────────────────
// Configuration
// ─────────────────────────────────────────────────────────────────────────────

// Config holds the top-level settings for the collector application.
type Config struct {
	// Collector is the loaded YAML configuration. Required.
	Collector *config.Config

	// TransportWriter overrides the observation log destination. nil opens
	// the timestamped CSV file under Collector.LogDirectory.
	TransportWriter io.Writer
}

// ─────────────────────────────────────────────────────────────────────────────
// App
// ─────────────────────────────────────────────────────────────────────────────

// App orchestrates the full collector pipeline. Create one with New, start
// it with Start, and stop it with Stop (or cancel the context).
type App struct {
	cfg    Config
	logger *slog.Logger

	// Pipeline components.
	codec     *codec.Codec
	table     *devices.Table
	recv      *receiver.Receiver
	engine    *session.Engine
	formatter *formatcsv.CSVFormatter
	transport filetransport.Transport

	// Inter-stage channel (recordCh and datagramCh are owned by the engine
	// and receiver respectively).
	formattedCh chan []byte

	// Lifecycle.
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs an App. It does not start anything — call Start for that.
func New(cfg Config, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	return &App{
		cfg:    cfg,
		logger: logger,
	}
}

// Engine returns the running session engine (nil before Start). Stop itself
// logs the engine's counters at shutdown.
func (a *App) Engine() *session.Engine {
	return a.engine
}

// Start constructs all pipeline stages and launches the goroutines that
// connect them. It returns an error if the codec configuration is invalid,
// the log file cannot be opened, or the socket cannot bind.
//
// The caller must eventually call Stop (or cancel the passed-in context's
// parent) to release resources.
func (a *App) Start(ctx context.Context) error {
	cc := a.cfg.Collector
	if cc == nil {
		return fmt.Errorf("app: collector configuration is required")
	}

	// ── 1. Build the codec from the configured code table ───────────────
	codes, err := cc.KindCodes()
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	a.codec, err = codec.New(codec.Config{
		Codes:           codes,
		MaxDatagramSize: cc.MaxPacketSize,
	})
	if err != nil {
		return fmt.Errorf("app: codec: %w", err)
	}

	// ── 2. Build pipeline components (reverse order: transport → receiver) ──
	a.formatter = formatcsv.New(a.logger)

	w := a.cfg.TransportWriter
	if w == nil {
		logFile, err := filetransport.NewLogFile(
			cc.LogDirectory, "server_log", time.Now(),
			cc.LogMaxBytes, cc.LogMaxBackups, a.logger)
		if err != nil {
			return fmt.Errorf("app: open observation log: %w", err)
		}
		a.logger.Info("app: observation log open", "path", logFile.Path())
		w = logFile
	}
	a.transport = filetransport.New(filetransport.Config{
		Writer: w,
		Header: a.formatter.Header(),
	}, a.logger)

	a.formattedCh = make(chan []byte, cc.BufferSize)

	a.table = devices.NewTable(a.logger)
	a.recv = receiver.New(receiver.Config{
		ListenAddr:       cc.ListenAddr(),
		MaxPacketSize:    cc.MaxPacketSize,
		OutputBufferSize: cc.BufferSize,
	}, a.logger)
	a.engine = session.New(session.Config{
		Codec:            a.codec,
		Table:            a.table,
		Send:             a.recv.Send,
		OutputBufferSize: cc.BufferSize,
	}, a.logger)

	// ── 3. Bind the socket before launching anything ────────────────────
	pipeCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.recv.Start(pipeCtx); err != nil {
		cancel()
		return fmt.Errorf("app: %w", err)
	}

	// ── 4. Start pipeline goroutines (transport first, sources last) ────
	a.startTransportStage()
	a.startFormatStage()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.engine.Run(pipeCtx, a.recv.Output())
	}()

	a.logger.Info("app: pipeline running",
		"listen", a.recv.ListenAddr(),
		"buffer_size", cc.BufferSize,
		"max_packet_size", cc.MaxPacketSize,
	)
	return nil
}

// startFormatStage consumes records from the engine and forwards CSV rows.
// It closes formattedCh when the record channel closes.
func (a *App) startFormatStage() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer close(a.formattedCh)
		for rec := range a.engine.Output() {
			row, err := a.formatter.Format(&rec)
			if err != nil {
				a.logger.Error("app: format error", "error", err.Error())
				continue
			}
			a.formattedCh <- row
		}
	}()
}

// startTransportStage drains formattedCh into the transport.
func (a *App) startTransportStage() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for row := range a.formattedCh {
			if err := a.transport.Send(row); err != nil {
				a.logger.Error("app: transport error", "error", err.Error())
			}
		}
	}()
}

// Stop performs a graceful shutdown.
//
// Shutdown order:
//  1. Stop the receiver (closes the socket and the datagram channel).
//  2. The engine drains remaining datagrams and closes the record channel.
//  3. The formatter drains and closes formattedCh; the transport drains.
//  4. Close the transport (flushes and closes the log file).
func (a *App) Stop() {
	a.logger.Info("app: shutting down")

	if a.recv != nil {
		a.recv.Stop()
	}

	a.wg.Wait()

	if a.cancel != nil {
		a.cancel()
	}

	if a.transport != nil {
		if err := a.transport.Close(); err != nil {
			a.logger.Error("app: transport close error", "error", err.Error())
		}
	}

	if a.engine != nil {
		stats := a.engine.Stats()
		a.logger.Info("app: shutdown complete",
			"decode_errors", stats.DecodeErrors,
			"unknown_device", stats.UnknownDevice,
			"spoof_dropped", stats.SpoofDropped,
			"record_overflow", stats.RecordOverflow,
		)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Utilities
// ─────────────────────────────────────────────────────────────────────────────

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }
