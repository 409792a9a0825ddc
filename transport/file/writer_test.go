package file_test

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	transport "github.com/BimaAbf/DCT-Protocol/transport/file"
)

// ─────────────────────────────────────────────────────────────────────────────
// WriterTransport
// ─────────────────────────────────────────────────────────────────────────────

func TestSend_AppendsNewline(t *testing.T) {
	var buf bytes.Buffer
	tr := transport.New(transport.Config{Writer: &buf}, nil)

	if err := tr.Send([]byte("row-1")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := tr.Send([]byte("row-2")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if got := buf.String(); got != "row-1\nrow-2\n" {
		t.Errorf("output: got %q", got)
	}
}

func TestSend_WritesHeaderOnce(t *testing.T) {
	var buf bytes.Buffer
	tr := transport.New(transport.Config{
		Writer: &buf,
		Header: []byte("msg_type,device_id"),
	}, nil)

	_ = tr.Send([]byte("a"))
	_ = tr.Send([]byte("b"))

	want := "msg_type,device_id\na\nb\n"
	if got := buf.String(); got != want {
		t.Errorf("output:\n got %q\nwant %q", got, want)
	}
}

func TestSend_CustomNewline(t *testing.T) {
	var buf bytes.Buffer
	tr := transport.New(transport.Config{Writer: &buf, Newline: "\r\n"}, nil)
	_ = tr.Send([]byte("x"))
	if got := buf.String(); got != "x\r\n" {
		t.Errorf("output: got %q", got)
	}
}

type closableBuffer struct {
	bytes.Buffer
	closed bool
}

func (c *closableBuffer) Close() error {
	c.closed = true
	return nil
}

func TestClose_ClosesOwnedWriter(t *testing.T) {
	cb := &closableBuffer{}
	tr := transport.New(transport.Config{Writer: cb}, nil)
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !cb.closed {
		t.Error("Close must close the underlying writer")
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// RotatingFile
// ─────────────────────────────────────────────────────────────────────────────

func TestRotatingFile_RotatesAtMaxBytes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server_log.csv")

	rf, err := transport.NewRotatingFile(transport.RotateConfig{
		FilePath:   path,
		MaxBytes:   32,
		MaxBackups: 2,
	}, nil)
	if err != nil {
		t.Fatalf("NewRotatingFile: %v", err)
	}
	defer rf.Close()

	row := []byte(strings.Repeat("x", 20) + "\n")
	for i := 0; i < 4; i++ {
		if _, err := rf.Write(row); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	if _, err := os.Stat(path); err != nil {
		t.Errorf("active file missing: %v", err)
	}
	if _, err := os.Stat(path + ".1"); err != nil {
		t.Errorf("rotated file missing: %v", err)
	}
}

func TestRotatingFile_PrunesBeyondMaxBackups(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server_log.csv")

	rf, err := transport.NewRotatingFile(transport.RotateConfig{
		FilePath:   path,
		MaxBytes:   8,
		MaxBackups: 1,
	}, nil)
	if err != nil {
		t.Fatalf("NewRotatingFile: %v", err)
	}
	defer rf.Close()

	for i := 0; i < 6; i++ {
		if _, err := rf.Write([]byte("0123456789")); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	if _, err := os.Stat(path + ".1"); err != nil {
		t.Errorf("backup .1 missing: %v", err)
	}
	if _, err := os.Stat(path + ".2"); !os.IsNotExist(err) {
		t.Errorf("backup .2 should have been pruned, stat err = %v", err)
	}
}

func TestNewLogFile_TimestampedName(t *testing.T) {
	dir := t.TempDir()
	start := time.Date(2026, 8, 6, 14, 2, 11, 0, time.Local)

	rf, err := transport.NewLogFile(dir, "server_log", start, 0, 0, nil)
	if err != nil {
		t.Fatalf("NewLogFile: %v", err)
	}
	defer rf.Close()

	want := filepath.Join(dir, "server_log_2026-08-06_14-02-11.csv")
	if rf.Path() != want {
		t.Errorf("path: got %q, want %q", rf.Path(), want)
	}
	if _, err := os.Stat(want); err != nil {
		t.Errorf("log file not created: %v", err)
	}
}

func TestNewLogFile_CreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "logs")
	rf, err := transport.NewLogFile(dir, "server_log", time.Now(), 0, 0, nil)
	if err != nil {
		t.Fatalf("NewLogFile: %v", err)
	}
	defer rf.Close()
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("log directory not created: %v", err)
	}
}
