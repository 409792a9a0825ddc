// Package file — split.go provides a Transport that writes telemetry
// observation rows and session lifecycle rows to separate destinations.
//
// Pipeline position:
//
//	format/csv [Stage 3] → transport/file/split [Stage 4]
//
// Routing logic:
//   - rows whose msg_type column is a lifecycle kind (STARTUP, STARTUP_ACK,
//     SHUTDOWN, TIME_SYNC, TIMEOUT_SYNTHETIC) → event writer
//   - everything else (keyframes, deltas, heartbeats, batch entries) →
//     observation writer
//
// Both writers can be plain io.Writers (os.Stdout, *os.File) or RotatingFile
// instances for automatic size-based rotation.
package file

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/BimaAbf/DCT-Protocol/models"
)

// ─────────────────────────────────────────────────────────────────────────────
// SplitConfig
// ─────────────────────────────────────────────────────────────────────────────

// SplitConfig controls SplitWriterTransport behaviour.
type SplitConfig struct {
	// ObservationWriter receives telemetry observation rows.
	// nil defaults to os.Stdout.
	ObservationWriter io.Writer

	// EventWriter receives session lifecycle rows.
	// nil defaults to os.Stderr.
	EventWriter io.Writer

	// ObservationHeader / EventHeader, when non-empty, are written once
	// before the first row of each destination.
	ObservationHeader []byte
	EventHeader       []byte

	// Newline appended after each row. Default "\n".
	Newline string
}

// ─────────────────────────────────────────────────────────────────────────────
// SplitWriterTransport
// ─────────────────────────────────────────────────────────────────────────────

// SplitWriterTransport implements Transport by routing each CSV row to one of
// two io.Writers based on its msg_type column. It is safe for concurrent use.
//
// Detection: a prefix comparison against the lifecycle kind names is used
// instead of full CSV parsing to keep the hot path allocation-free.
type SplitWriterTransport struct {
	obsMu   sync.Mutex
	eventMu sync.Mutex
	obsW    io.Writer
	eventW  io.Writer
	obsHdr  []byte
	evtHdr  []byte
	nl      []byte
	closers []io.Closer
	logger  *slog.Logger
}

// eventMarkers are the msg_type prefixes routed to the event writer. Each
// includes the trailing comma so that e.g. a kind named "STARTUP_EXT" would
// not falsely match "STARTUP".
var eventMarkers = [][]byte{
	[]byte(models.KindStartup.String() + ","),
	[]byte(models.KindStartupAck.String() + ","),
	[]byte(models.KindTimeSync.String() + ","),
	[]byte(models.KindShutdown.String() + ","),
	[]byte(models.KindTimeoutSynthetic.String() + ","),
}

// NewSplit constructs a SplitWriterTransport.
//
//   - cfg.ObservationWriter defaults to os.Stdout when nil.
//   - cfg.EventWriter defaults to os.Stderr when nil.
//   - cfg.Newline defaults to "\n" when empty.
//   - logger defaults to a no-op logger when nil.
func NewSplit(cfg SplitConfig, logger *slog.Logger) *SplitWriterTransport {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}

	ow := cfg.ObservationWriter
	if ow == nil {
		ow = os.Stdout
	}
	ew := cfg.EventWriter
	if ew == nil {
		ew = os.Stderr
	}
	nl := cfg.Newline
	if nl == "" {
		nl = "\n"
	}

	st := &SplitWriterTransport{
		obsW:   ow,
		eventW: ew,
		obsHdr: cfg.ObservationHeader,
		evtHdr: cfg.EventHeader,
		nl:     []byte(nl),
		logger: logger,
	}

	// Track io.Closers so Close() can clean up RotatingFile instances.
	if c, ok := ow.(io.Closer); ok && ow != os.Stdout && ow != os.Stderr {
		st.closers = append(st.closers, c)
	}
	if c, ok := ew.(io.Closer); ok && ew != os.Stdout && ew != os.Stderr {
		st.closers = append(st.closers, c)
	}

	return st
}

// Send inspects the row's msg_type column and routes to the appropriate
// writer.
func (st *SplitWriterTransport) Send(data []byte) error {
	for _, marker := range eventMarkers {
		if bytes.HasPrefix(data, marker) {
			return st.writeEvent(data)
		}
	}
	return st.writeObservation(data)
}

// Close flushes and closes any io.Closer writers (e.g. RotatingFile).
// Plain os.Stdout / os.Stderr are never closed.
func (st *SplitWriterTransport) Close() error {
	var firstErr error
	for _, c := range st.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ─────────────────────────────────────────────────────────────────────────────
// Internal helpers
// ─────────────────────────────────────────────────────────────────────────────

func (st *SplitWriterTransport) writeObservation(data []byte) error {
	st.obsMu.Lock()
	defer st.obsMu.Unlock()

	if st.obsHdr != nil {
		if _, err := st.obsW.Write(append(st.obsHdr, st.nl...)); err != nil {
			return fmt.Errorf("transport/file: observation header write: %w", err)
		}
		st.obsHdr = nil
	}

	if _, err := st.obsW.Write(data); err != nil {
		st.logger.Error("transport/file: observation write failed",
			"error", err.Error(), "bytes", len(data),
		)
		return fmt.Errorf("transport/file: observation write: %w", err)
	}
	if _, err := st.obsW.Write(st.nl); err != nil {
		st.logger.Error("transport/file: observation newline write failed",
			"error", err.Error(),
		)
		return fmt.Errorf("transport/file: observation write newline: %w", err)
	}

	st.logger.Debug("transport/file: sent observation row", "bytes", len(data))
	return nil
}

func (st *SplitWriterTransport) writeEvent(data []byte) error {
	st.eventMu.Lock()
	defer st.eventMu.Unlock()

	if st.evtHdr != nil {
		if _, err := st.eventW.Write(append(st.evtHdr, st.nl...)); err != nil {
			return fmt.Errorf("transport/file: event header write: %w", err)
		}
		st.evtHdr = nil
	}

	if _, err := st.eventW.Write(data); err != nil {
		st.logger.Error("transport/file: event write failed",
			"error", err.Error(), "bytes", len(data),
		)
		return fmt.Errorf("transport/file: event write: %w", err)
	}
	if _, err := st.eventW.Write(st.nl); err != nil {
		st.logger.Error("transport/file: event newline write failed",
			"error", err.Error(),
		)
		return fmt.Errorf("transport/file: event write newline: %w", err)
	}

	st.logger.Debug("transport/file: sent event row", "bytes", len(data))
	return nil
}
