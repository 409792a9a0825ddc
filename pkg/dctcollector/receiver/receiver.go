// Package receiver implements the collector's single UDP ingress socket.
//
// Pipeline position:
//
//	UDP port 5000  →  [Receiver]  →  chan Datagram  →  session.Engine
//
// The receiver owns the socket exclusively. It reads one datagram at a time,
// stamps the arrival wall clock, and hands (bytes, source, arrival) to the
// session engine through a bounded channel. A short read deadline keeps the
// loop responsive to shutdown even when no traffic arrives; the liveness
// sweep itself is driven by the engine's own timer.
//
// Outbound traffic (STARTUP_ACK) shares the same socket via Send, which is
// safe to call from the engine goroutine while the read loop runs.
package receiver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// ─────────────────────────────────────────────────────────────────────────────
// Datagram
// ─────────────────────────────────────────────────────────────────────────────

// Datagram is one received UDP payload with its receive metadata.
type Datagram struct {
	// Data is the raw datagram bytes (an independent copy).
	Data []byte

	// Source is the sender's UDP endpoint.
	Source *net.UDPAddr

	// Arrival is the collector wall clock at socket receive.
	Arrival time.Time
}

// ─────────────────────────────────────────────────────────────────────────────
// Configuration
// ─────────────────────────────────────────────────────────────────────────────

// Config controls the Receiver behaviour.
type Config struct {
	// ListenAddr is the UDP address to bind to (default "0.0.0.0:5000").
	ListenAddr string

	// MaxPacketSize is the receive buffer size; larger datagrams are
	// truncated by the kernel and rejected by the codec (default 2048).
	MaxPacketSize int

	// OutputBufferSize is the capacity of the output channel (default 10000).
	OutputBufferSize int

	// ReadTimeout is the socket read deadline per recv call (default 1 s).
	// It bounds how long Stop can block behind an idle socket.
	ReadTimeout time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.ListenAddr == "" {
		out.ListenAddr = "0.0.0.0:5000"
	}
	if out.MaxPacketSize <= 0 {
		out.MaxPacketSize = 2048
	}
	if out.OutputBufferSize <= 0 {
		out.OutputBufferSize = 10_000
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = time.Second
	}
	return out
}

// ─────────────────────────────────────────────────────────────────────────────
// Receiver
// ─────────────────────────────────────────────────────────────────────────────

// Receiver reads datagrams from a single UDP socket and delivers them on its
// output channel. Overflow is dropped and counted, never blocked on: this is
// a best-effort telemetry protocol and the socket must keep draining.
type Receiver struct {
	cfg    Config
	logger *slog.Logger

	output chan Datagram

	conn *net.UDPConn

	dropped atomic.Uint64

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a Receiver with the given configuration.
func New(cfg Config, logger *slog.Logger) *Receiver {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	c := cfg.withDefaults()
	return &Receiver{
		cfg:    c,
		logger: logger,
		output: make(chan Datagram, c.OutputBufferSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Output returns the read-only channel that delivers received datagrams.
// The channel is closed when the Receiver stops.
func (r *Receiver) Output() <-chan Datagram {
	return r.output
}

// ListenAddr returns the address the receiver is (or will be) bound to.
func (r *Receiver) ListenAddr() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		return r.conn.LocalAddr().String()
	}
	return r.cfg.ListenAddr
}

// Dropped returns the count of datagrams discarded because the output
// channel was full.
func (r *Receiver) Dropped() uint64 {
	return r.dropped.Load()
}

// Start binds the socket and launches the read loop. It returns an error if
// the address cannot be resolved or bound. Call Stop (or cancel ctx) to
// terminate.
func (r *Receiver) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("receiver: already running")
	}

	addr, err := net.ResolveUDPAddr("udp", r.cfg.ListenAddr)
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("receiver: resolve %s: %w", r.cfg.ListenAddr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("receiver: bind %s: %w", r.cfg.ListenAddr, err)
	}
	r.conn = conn
	r.running = true
	r.mu.Unlock()

	r.logger.Info("receiver: listening", "addr", conn.LocalAddr().String())

	go r.readLoop()

	// Goroutine: stop when ctx is cancelled.
	go func() {
		select {
		case <-ctx.Done():
			r.Stop()
		case <-r.stopCh:
		}
	}()

	return nil
}

// Stop closes the socket and the output channel once the read loop has
// drained. It is safe to call Stop multiple times.
func (r *Receiver) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	conn := r.conn
	r.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}

	// Wait for the read loop to exit before closing output so that no
	// further sends happen after close.
	<-r.doneCh
	close(r.output)

	if n := r.dropped.Load(); n > 0 {
		r.logger.Warn("receiver: stopped with dropped datagrams", "dropped", n)
	} else {
		r.logger.Info("receiver: stopped")
	}
}

// Send writes a datagram to addr over the shared socket. *net.UDPConn is
// safe for concurrent writers, so the engine may call this while the read
// loop runs.
func (r *Receiver) Send(data []byte, addr *net.UDPAddr) error {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("receiver: not started")
	}
	if _, err := conn.WriteToUDP(data, addr); err != nil {
		return fmt.Errorf("receiver: send to %s: %w", addr, err)
	}
	return nil
}

// readLoop reads until the socket closes, copying each datagram out of the
// shared buffer before handing it downstream.
func (r *Receiver) readLoop() {
	defer close(r.doneCh)

	buf := make([]byte, r.cfg.MaxPacketSize)
	for {
		select {
		case <-r.stopCh:
			return
		default:
		}

		_ = r.conn.SetReadDeadline(time.Now().Add(r.cfg.ReadTimeout))
		n, src, err := r.conn.ReadFromUDP(buf)
		arrival := time.Now()
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			r.logger.Error("receiver: read error", "error", err.Error())
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		select {
		case r.output <- Datagram{Data: data, Source: src, Arrival: arrival}:
		default:
			r.dropped.Add(1)
			r.logger.Warn("receiver: output buffer full — datagram dropped",
				"remote", src.String(), "bytes", n)
		}
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Utilities
// ─────────────────────────────────────────────────────────────────────────────

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }
