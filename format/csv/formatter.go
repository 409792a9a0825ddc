// Package csv implements the CSV output formatter for the DCT Collector
// pipeline. It is the primary (and currently only) serialisation format; the
// downstream analysis tools consume exactly this column set.
//
// Pipeline position:
//
//	session [Stage 2] → format/csv [Stage 3] → transport/file [Stage 4]
//
// One record becomes one row:
//
//	msg_type,device_id,seq,timestamp,arrival_time,value,
//	duplicate_flag,gap_flag,delayed_flag,cpu_time_ms,packet_size
//
// Timestamps are local-time strings, flags are 0/1, value is empty when the
// record carries none. The sink tolerates unsorted arrival; rows are emitted
// in processing order and sorted on read by the analysis side.
package csv

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/BimaAbf/DCT-Protocol/models"
)

// timeLayout is the local-time format of the timestamp and arrival columns.
const timeLayout = "2006-01-02 15:04:05"

// ─────────────────────────────────────────────────────────────────────────────
// Formatter interface
// ─────────────────────────────────────────────────────────────────────────────

// Formatter serialises a models.Record into one output row. Alternative
// formats (JSON lines, protobuf …) can be added by implementing this
// interface without touching any other package.
type Formatter interface {
	Format(rec *models.Record) ([]byte, error)
}

// ─────────────────────────────────────────────────────────────────────────────
// CSVFormatter
// ─────────────────────────────────────────────────────────────────────────────

// CSVFormatter implements Formatter. It is safe for concurrent use; all
// fields are immutable after construction.
type CSVFormatter struct {
	logger *slog.Logger
}

// New constructs a CSVFormatter. If logger is nil, a no-op logger is
// substituted.
func New(logger *slog.Logger) *CSVFormatter {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	return &CSVFormatter{logger: logger}
}

// Header returns the column header row (without trailing newline).
func (f *CSVFormatter) Header() []byte {
	return []byte("msg_type,device_id,seq,timestamp,arrival_time,value," +
		"duplicate_flag,gap_flag,delayed_flag,cpu_time_ms,packet_size")
}

// Format serialises rec to one CSV row (without trailing newline). No field
// can contain a comma or quote, so no escaping is performed.
func (f *CSVFormatter) Format(rec *models.Record) ([]byte, error) {
	if rec == nil {
		return nil, fmt.Errorf("format/csv: record must not be nil")
	}

	value := ""
	if rec.HasValue {
		value = strconv.FormatInt(int64(rec.Value), 10)
	}

	var b strings.Builder
	b.Grow(96)
	b.WriteString(rec.Kind.String())
	b.WriteByte(',')
	b.WriteString(strconv.FormatUint(uint64(rec.DeviceID), 10))
	b.WriteByte(',')
	b.WriteString(strconv.FormatUint(uint64(rec.Sequence), 10))
	b.WriteByte(',')
	b.WriteString(rec.DeviceTime.Local().Format(timeLayout))
	b.WriteByte(',')
	b.WriteString(rec.ArrivalTime.Local().Format(timeLayout))
	b.WriteByte(',')
	b.WriteString(value)
	b.WriteByte(',')
	b.WriteString(flag(rec.Duplicate))
	b.WriteByte(',')
	b.WriteString(flag(rec.Gap))
	b.WriteByte(',')
	b.WriteString(flag(rec.Delayed))
	b.WriteByte(',')
	b.WriteString(strconv.FormatFloat(rec.CPUTimeMs, 'f', 3, 64))
	b.WriteByte(',')
	b.WriteString(strconv.Itoa(rec.PacketSize))

	f.logger.Debug("format/csv: formatted record",
		"device_id", rec.DeviceID, "kind", rec.Kind.String(), "bytes", b.Len())

	return []byte(b.String()), nil
}

func flag(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

// ─────────────────────────────────────────────────────────────────────────────
// no-op logger writer
// ─────────────────────────────────────────────────────────────────────────────

// noopWriter discards all log output when no logger is provided.
type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }
