// Package file implements a Transport that writes formatted observation rows
// to any io.Writer — typically the timestamped CSV log file created by
// NewLogFile, or os.Stdout during development.
//
// Pipeline position:
//
//	format/csv [Stage 3] → transport/file [Stage 4]
//
// Each call to Send writes one CSV row followed by a newline. Durability of
// the observation log lives entirely in this stage; the session engine never
// blocks on it.
package file

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// ─────────────────────────────────────────────────────────────────────────────
// Transport interface
// ─────────────────────────────────────────────────────────────────────────────

// Transport is the pipeline contract for all transport implementations.
// Send delivers one pre-formatted row (CSV bytes from format/csv).
// Close flushes and releases resources.
type Transport interface {
	Send(data []byte) error
	Close() error
}

// ─────────────────────────────────────────────────────────────────────────────
// Config
// ─────────────────────────────────────────────────────────────────────────────

// Config controls WriterTransport behaviour.
type Config struct {
	// Writer is the destination. nil defaults to os.Stdout.
	Writer io.Writer

	// Header, when non-empty, is written once before the first row. Used
	// for the CSV column header.
	Header []byte

	// Newline appended after each row. Default "\n".
	Newline string
}

// ─────────────────────────────────────────────────────────────────────────────
// WriterTransport
// ─────────────────────────────────────────────────────────────────────────────

// WriterTransport implements Transport by writing each row to an io.Writer
// followed by a configurable newline. It is safe for concurrent use.
type WriterTransport struct {
	mu     sync.Mutex
	w      io.Writer
	nl     []byte
	header []byte // written lazily before the first row
	logger *slog.Logger
}

// New constructs a WriterTransport.
//
//   - cfg.Writer defaults to os.Stdout when nil.
//   - cfg.Newline defaults to "\n" when empty.
//   - logger defaults to a no-op writer when nil.
func New(cfg Config, logger *slog.Logger) *WriterTransport {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	w := cfg.Writer
	if w == nil {
		w = os.Stdout
	}
	nl := cfg.Newline
	if nl == "" {
		nl = "\n"
	}
	return &WriterTransport{
		w:      w,
		nl:     []byte(nl),
		header: cfg.Header,
		logger: logger,
	}
}

// Send writes one row (preceded by the header on first use) followed by the
// configured newline. It holds a mutex so concurrent goroutines produce
// un-interleaved output (important when w == os.Stdout).
func (t *WriterTransport) Send(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.header != nil {
		if _, err := t.w.Write(append(t.header, t.nl...)); err != nil {
			t.logger.Error("transport/file: header write failed", "error", err.Error())
			return fmt.Errorf("transport/file: write header: %w", err)
		}
		t.header = nil
	}

	if _, err := t.w.Write(data); err != nil {
		t.logger.Error("transport/file: write failed", "error", err.Error(), "bytes", len(data))
		return fmt.Errorf("transport/file: write: %w", err)
	}
	if _, err := t.w.Write(t.nl); err != nil {
		t.logger.Error("transport/file: newline write failed", "error", err.Error())
		return fmt.Errorf("transport/file: write newline: %w", err)
	}

	t.logger.Debug("transport/file: sent row", "bytes", len(data))
	return nil
}

// Close closes the underlying writer when it is an io.Closer other than
// os.Stdout / os.Stderr (e.g. the rotating log file).
func (t *WriterTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if c, ok := t.w.(io.Closer); ok && t.w != os.Stdout && t.w != os.Stderr {
		return c.Close()
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// no-op logger writer
// ─────────────────────────────────────────────────────────────────────────────

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }
