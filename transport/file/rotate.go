// Package file — rotate.go provides size-based rotation for the observation
// log, plus the NewLogFile helper that opens a per-run timestamped CSV file
// the way the analysis tools expect to find them
// (server_log_2026-08-06_14-02-11.csv under the configured log directory).
//
// When the next write would push the active file past MaxBytes it is renamed with a
// numeric suffix (server_log_….csv → server_log_….csv.1) and a fresh file is
// opened. Up to MaxBackups old files are kept; older ones are removed.
//
// RotatingFile satisfies io.Writer and io.Closer so it can be used directly
// as the Writer field of Config or SplitConfig.
package file

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// logFileTimeLayout names per-run observation logs by collector start time.
const logFileTimeLayout = "2006-01-02_15-04-05"

// ─────────────────────────────────────────────────────────────────────────────
// RotateConfig
// ─────────────────────────────────────────────────────────────────────────────

// RotateConfig controls observation-log rotation behaviour.
type RotateConfig struct {
	// FilePath is the active file name (required).
	FilePath string

	// MaxBytes triggers rotation before a write that would push the active
	// file past this size. Zero disables rotation (the file grows without
	// bound).
	MaxBytes int64

	// MaxBackups is the number of rotated files to keep.
	// Zero means keep all rotated files.
	MaxBackups int
}

// NewLogFile opens the per-run observation log
// <dir>/<prefix>_<start>.csv with the given rotation limits.
func NewLogFile(dir, prefix string, start time.Time, maxBytes int64, maxBackups int, logger *slog.Logger) (*RotatingFile, error) {
	name := fmt.Sprintf("%s_%s.csv", prefix, start.Local().Format(logFileTimeLayout))
	return NewRotatingFile(RotateConfig{
		FilePath:   filepath.Join(dir, name),
		MaxBytes:   maxBytes,
		MaxBackups: maxBackups,
	}, logger)
}

// ─────────────────────────────────────────────────────────────────────────────
// RotatingFile
// ─────────────────────────────────────────────────────────────────────────────

// RotatingFile is an io.WriteCloser that performs size-based rotation.
// It is safe for concurrent use.
type RotatingFile struct {
	mu     sync.Mutex
	cfg    RotateConfig
	file   *os.File
	size   int64
	logger *slog.Logger
}

// NewRotatingFile opens (or creates) the file at cfg.FilePath and returns a
// RotatingFile writer. The caller must call Close when finished.
func NewRotatingFile(cfg RotateConfig, logger *slog.Logger) (*RotatingFile, error) {
	if cfg.FilePath == "" {
		return nil, fmt.Errorf("transport/file: rotate: FilePath is required")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}

	if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
		return nil, fmt.Errorf("transport/file: rotate: mkdir %s: %w", filepath.Dir(cfg.FilePath), err)
	}

	rf := &RotatingFile{cfg: cfg, logger: logger}
	if err := rf.open(); err != nil {
		return nil, err
	}
	return rf, nil
}

// Path returns the active file path.
func (rf *RotatingFile) Path() string {
	return rf.cfg.FilePath
}

// Write implements io.Writer. It rotates the file when the pending row would
// push the active file past MaxBytes.
func (rf *RotatingFile) Write(p []byte) (int, error) {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.cfg.MaxBytes > 0 && rf.size+int64(len(p)) > rf.cfg.MaxBytes {
		if err := rf.rotate(); err != nil {
			// Keep appending to the oversize file rather than losing rows.
			rf.logger.Error("transport/file: rotate failed", "error", err.Error())
		}
	}

	n, err := rf.file.Write(p)
	rf.size += int64(n)
	return n, err
}

// Close closes the underlying file.
func (rf *RotatingFile) Close() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.file != nil {
		return rf.file.Close()
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Internal helpers
// ─────────────────────────────────────────────────────────────────────────────

// open opens (or creates) the active file in append mode and records its
// current size so rotation accounting survives collector restarts into an
// existing log.
func (rf *RotatingFile) open() error {
	f, err := os.OpenFile(rf.cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("transport/file: rotate: open %s: %w", rf.cfg.FilePath, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("transport/file: rotate: stat %s: %w", rf.cfg.FilePath, err)
	}
	rf.file = f
	rf.size = info.Size()
	return nil
}

// rotate retires the active file into the numbered backup chain and opens a
// fresh one:
//
//	server_log_….csv   → server_log_….csv.1
//	server_log_….csv.1 → server_log_….csv.2
//	...                  (removed beyond MaxBackups)
func (rf *RotatingFile) rotate() error {
	if rf.file != nil {
		if err := rf.file.Close(); err != nil {
			rf.logger.Warn("transport/file: rotate: close error", "error", err.Error())
		}
		rf.file = nil
	}

	rf.shiftBackups()

	if err := os.Rename(rf.cfg.FilePath, rf.backupName(1)); err != nil && !os.IsNotExist(err) {
		rf.logger.Warn("transport/file: rotate: rename error", "error", err.Error())
	}

	rf.logger.Info("transport/file: rotated", "file", rf.cfg.FilePath)

	rf.size = 0
	return rf.open()
}

// shiftBackups walks the backup chain from the highest existing suffix down,
// pushing each file up by one and dropping any that would land beyond the
// retention limit. A single descending pass both shifts and prunes, so stale
// backups left by an earlier, larger MaxBackups are cleaned up too.
func (rf *RotatingFile) shiftBackups() {
	highest := 0
	for {
		if _, err := os.Stat(rf.backupName(highest + 1)); err != nil {
			break
		}
		highest++
	}

	for i := highest; i >= 1; i-- {
		src := rf.backupName(i)
		if rf.cfg.MaxBackups > 0 && i+1 > rf.cfg.MaxBackups {
			if err := os.Remove(src); err == nil {
				rf.logger.Debug("transport/file: pruned old backup", "file", src)
			}
			continue
		}
		_ = os.Rename(src, rf.backupName(i+1))
	}
}

// backupName returns the path of the n-th numbered backup.
func (rf *RotatingFile) backupName(n int) string {
	return fmt.Sprintf("%s.%d", rf.cfg.FilePath, n)
}
