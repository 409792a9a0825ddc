// Package dctclient implements the device-side transmit state machine of the
// DCT telemetry protocol: the STARTUP handshake, periodic TIME_SYNC,
// keyframe/delta/heartbeat selection, batch assembly, and SHUTDOWN.
//
// Send path:
//
//	Sampler → selection rule → (batch buffer) → codec → UDP socket
//
// The client is single-goroutine: one ticker drives sampling, selection, and
// transmission until the configured duration elapses or the context is
// cancelled.
package dctclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/BimaAbf/DCT-Protocol/dct/codec"
	"github.com/BimaAbf/DCT-Protocol/models"
)

// ─────────────────────────────────────────────────────────────────────────────
// Configuration
// ─────────────────────────────────────────────────────────────────────────────

// Config controls the Client behaviour.
type Config struct {
	// Host is the collector address (required).
	Host string

	// Port is the collector UDP port (default 5000).
	Port uint16

	// MAC is the device hardware address, formatted AA:BB:CC:DD:EE:FF
	// (required).
	MAC string

	// Interval is the sampling period (default 1 s).
	Interval time.Duration

	// Duration is the total run time before shutdown (default 60 s).
	Duration time.Duration

	// Seed seeds the sampler's random walk.
	Seed int64

	// Batching is the batch threshold: 1 disables batching, 2..255 buffers
	// that many observations per BATCHED_DATA datagram (default 1).
	Batching int

	// DeltaThreshold is the |change| a movement must exceed to be worth a
	// DATA_DELTA; smaller movements send a HEARTBEAT instead. Negative values
	// fall back to 5; zero sends a DATA_DELTA for any nonzero change.
	DeltaThreshold int

	// MaxPacketSize bounds outgoing datagrams (default 2048).
	MaxPacketSize int

	// AckTimeout is the per-attempt STARTUP_ACK wait (default 1 s).
	AckTimeout time.Duration

	// AckAttempts is the number of STARTUP tries before giving up
	// (default 3).
	AckAttempts int

	// Codec overrides the wire code mapping. nil uses the defaults.
	Codec *codec.Codec
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Port == 0 {
		out.Port = 5000
	}
	if out.Interval <= 0 {
		out.Interval = time.Second
	}
	if out.Duration <= 0 {
		out.Duration = 60 * time.Second
	}
	if out.Batching < 1 {
		out.Batching = 1
	}
	if out.Batching > 255 {
		out.Batching = 255
	}
	if out.DeltaThreshold < 0 {
		out.DeltaThreshold = 5
	}
	if out.MaxPacketSize <= 0 {
		out.MaxPacketSize = 2048
	}
	if out.AckTimeout <= 0 {
		out.AckTimeout = time.Second
	}
	if out.AckAttempts <= 0 {
		out.AckAttempts = 3
	}
	if out.Codec == nil {
		out.Codec = codec.MustNew(codec.Config{MaxDatagramSize: out.MaxPacketSize})
	}
	return out
}

// timeSyncEvery is the number of data-carrying packets between TIME_SYNC
// refreshes.
const timeSyncEvery = 100

// keyframeEvery forces an absolute keyframe every N ticks regardless of
// movement, bounding the damage of a lost keyframe.
const keyframeEvery = 10

// ErrHandshakeFailed reports that no STARTUP_ACK arrived within the retry
// budget. The binary maps it to a nonzero exit code.
var ErrHandshakeFailed = errors.New("dctclient: no STARTUP_ACK from collector")

// ─────────────────────────────────────────────────────────────────────────────
// Client
// ─────────────────────────────────────────────────────────────────────────────

// Client is one simulated device. Create with New, drive with Run.
type Client struct {
	cfg     Config
	logger  *slog.Logger
	sampler *Sampler

	mac [6]byte

	conn *net.UDPConn

	deviceID uint16
	seq      uint16
	baseTime uint32

	lastSent int16

	packetCounter uint64 // ticks, drives the periodic keyframe
	dataPackets   uint64 // data-carrying packets, drives TIME_SYNC refresh

	batch []codec.BatchEntry
}

// New constructs a Client. It returns an error for an unparsable MAC.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	c := cfg.withDefaults()

	hw, err := net.ParseMAC(c.MAC)
	if err != nil || len(hw) != 6 {
		return nil, fmt.Errorf("dctclient: invalid MAC %q (want AA:BB:CC:DD:EE:FF)", c.MAC)
	}

	cl := &Client{
		cfg:     c,
		logger:  logger,
		sampler: NewSampler(c.Seed),
		seq:     1,
	}
	copy(cl.mac[:], hw)
	return cl, nil
}

// DeviceID returns the collector-assigned identifier (0 before handshake).
func (c *Client) DeviceID() uint16 {
	return c.deviceID
}

// Run registers with the collector, streams telemetry for the configured
// duration, then flushes and announces shutdown. It returns
// ErrHandshakeFailed (wrapped) when registration fails, or the first fatal
// socket error.
func (c *Client) Run(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port))
	if err != nil {
		return fmt.Errorf("dctclient: resolve %s:%d: %w", c.cfg.Host, c.cfg.Port, err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return fmt.Errorf("dctclient: dial %s: %w", addr, err)
	}
	c.conn = conn
	defer conn.Close()

	if err := c.handshake(ctx); err != nil {
		return err
	}

	if err := c.sendTimeSync(); err != nil {
		return err
	}
	if err := c.sendSample(c.sampler.Value(), true); err != nil {
		return err
	}

	c.logger.Info("dctclient: streaming",
		"device_id", c.deviceID,
		"interval", c.cfg.Interval.String(),
		"duration", c.cfg.Duration.String(),
		"batching", c.cfg.Batching,
	)

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	deadline := time.NewTimer(c.cfg.Duration)
	defer deadline.Stop()

loop:
	for {
		select {
		case <-ticker.C:
			if err := c.tick(); err != nil {
				return err
			}
		case <-deadline.C:
			break loop
		case <-ctx.Done():
			break loop
		}
	}

	return c.shutdown()
}

// ─────────────────────────────────────────────────────────────────────────────
// Handshake
// ─────────────────────────────────────────────────────────────────────────────

// handshake sends STARTUP and waits for STARTUP_ACK, retrying with a bounded
// budget. On a reconnection ack the client resumes its sequence numbering
// from the collector's last known head.
func (c *Client) handshake(ctx context.Context) error {
	startup := codec.Startup{MAC: c.mac}
	if c.cfg.Batching > 1 {
		startup.HasBatchSize = true
		startup.BatchSize = uint8(c.cfg.Batching)
	}

	buf := make([]byte, c.cfg.MaxPacketSize)
	for attempt := 1; attempt <= c.cfg.AckAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.logger.Info("dctclient: sending STARTUP",
			"mac", c.cfg.MAC, "attempt", attempt)
		if err := c.send(models.KindStartup, startup); err != nil {
			return err
		}

		_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.AckTimeout))
		n, err := c.conn.Read(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			return fmt.Errorf("dctclient: read ack: %w", err)
		}

		msg, err := c.cfg.Codec.Decode(buf[:n])
		if err != nil {
			c.logger.Warn("dctclient: undecodable reply", "error", err.Error())
			continue
		}
		ack, ok := msg.Payload.(codec.StartupAck)
		if !ok {
			c.logger.Warn("dctclient: unexpected reply kind", "kind", msg.Header.Kind.String())
			continue
		}

		c.deviceID = ack.DeviceID
		if ack.HasLastSequence {
			// Resume one past the collector's head; the first data
			// datagram lands there, so no gap is inferred.
			c.seq = ack.LastSequence + 1
			c.logger.Info("dctclient: reconnected",
				"device_id", ack.DeviceID, "resume_seq", c.seq)
		} else {
			c.logger.Info("dctclient: registered", "device_id", ack.DeviceID)
		}
		return nil
	}
	return fmt.Errorf("%w after %d attempts", ErrHandshakeFailed, c.cfg.AckAttempts)
}

// ─────────────────────────────────────────────────────────────────────────────
// Per-tick logic
// ─────────────────────────────────────────────────────────────────────────────

// tick runs one sampling cycle: generate the next sample, pick the cheapest
// message that conveys it, and transmit (or buffer) it.
func (c *Client) tick() error {
	c.packetCounter++
	sample := c.sampler.Next()
	delta := int(sample) - int(c.lastSent)

	switch {
	case c.packetCounter%keyframeEvery == 0:
		return c.sendSample(sample, true)
	case delta > 127 || delta < -127:
		// The delta payload cannot express it; resynchronise absolutely.
		return c.sendSample(sample, true)
	case abs(delta) > c.cfg.DeltaThreshold:
		return c.sendSample(sample, false)
	default:
		return c.sendHeartbeat()
	}
}

// sendSample transmits one observation as a keyframe or delta, refreshing
// the time base every timeSyncEvery data-carrying packets. With batching
// enabled the observation is buffered instead and flushed at the threshold.
func (c *Client) sendSample(sample int16, keyframe bool) error {
	c.dataPackets++
	if c.dataPackets%timeSyncEvery == 0 {
		if err := c.sendTimeSync(); err != nil {
			return err
		}
	}

	if c.cfg.Batching > 1 {
		return c.bufferEntry(sample, keyframe)
	}

	if keyframe {
		c.logger.Debug("dctclient: KEYFRAME", "value", sample)
		if err := c.send(models.KindKeyframe, codec.Keyframe{Value: sample}); err != nil {
			return err
		}
	} else {
		d := int8(int(sample) - int(c.lastSent))
		c.logger.Debug("dctclient: DATA_DELTA", "delta", d, "value", sample)
		if err := c.send(models.KindDataDelta, codec.DataDelta{Delta: d}); err != nil {
			return err
		}
	}
	c.lastSent = sample
	return nil
}

// bufferEntry appends one observation to the batch buffer and flushes a full
// batch as BATCHED_DATA.
func (c *Client) bufferEntry(sample int16, keyframe bool) error {
	entry := codec.BatchEntry{SubOffset: c.timeOffset()}
	if keyframe {
		entry.Kind = models.KindKeyframe
		entry.Value = sample
	} else {
		entry.Kind = models.KindDataDelta
		entry.Delta = int8(int(sample) - int(c.lastSent))
	}
	c.batch = append(c.batch, entry)
	c.lastSent = sample

	c.logger.Debug("dctclient: buffered entry",
		"kind", entry.Kind.String(), "buffered", len(c.batch))

	if len(c.batch) >= c.cfg.Batching {
		return c.flushBatch(models.KindBatchedData)
	}
	return nil
}

// flushBatch transmits the buffered entries under one sequence number and
// clears the buffer. kind is BATCHED_DATA for a full batch or
// BATCH_INCOMPLETE for the final partial flush.
func (c *Client) flushBatch(kind models.Kind) error {
	if len(c.batch) == 0 {
		return nil
	}
	entries := c.batch
	c.batch = nil
	c.logger.Debug("dctclient: flushing batch", "kind", kind.String(), "entries", len(entries))
	return c.send(kind, codec.Batch{Entries: entries})
}

func (c *Client) sendHeartbeat() error {
	c.logger.Debug("dctclient: HEARTBEAT")
	return c.send(models.KindHeartbeat, codec.Heartbeat{})
}

// sendTimeSync announces a fresh base time; all later offsets restart from
// it.
func (c *Client) sendTimeSync() error {
	c.baseTime = uint32(time.Now().Unix())
	c.logger.Debug("dctclient: TIME_SYNC", "base_time", c.baseTime)
	return c.send(models.KindTimeSync, codec.TimeSync{BaseTime: c.baseTime})
}

// shutdown flushes any partial batch and announces departure. No ack is
// expected.
func (c *Client) shutdown() error {
	c.logger.Info("dctclient: shutting down", "device_id", c.deviceID)
	if err := c.flushBatch(models.KindBatchIncomplete); err != nil {
		return err
	}
	return c.send(models.KindShutdown, codec.Shutdown{})
}

// ─────────────────────────────────────────────────────────────────────────────
// Wire helpers
// ─────────────────────────────────────────────────────────────────────────────

// send encodes and transmits one datagram, then advances the sequence
// counter.
//
// Sequence policy: STARTUP and TIME_SYNC are never classified by the
// collector, so they carry sequence 0 by convention and do not consume a
// number — otherwise every TIME_SYNC would burn a sequence the tracker never
// sees and the next data packet would register a phantom gap. Heartbeats do
// not consume a number when batching is enabled (a batched stream numbers
// only its data datagrams).
func (c *Client) send(kind models.Kind, payload codec.Payload) error {
	deviceID := c.deviceID
	if kind == models.KindStartup {
		deviceID = 0 // not yet assigned
	}

	unclassified := kind == models.KindStartup || kind == models.KindTimeSync
	seq := c.seq
	if unclassified {
		seq = 0
	}

	out, err := c.cfg.Codec.Encode(codec.Message{
		Header: codec.Header{
			Kind:       kind,
			DeviceID:   deviceID,
			Sequence:   seq,
			TimeOffset: c.timeOffset(),
		},
		Payload: payload,
	})
	if err != nil {
		return fmt.Errorf("dctclient: encode %s: %w", kind, err)
	}
	if _, err := c.conn.Write(out); err != nil {
		return fmt.Errorf("dctclient: send %s: %w", kind, err)
	}

	if !unclassified && (kind != models.KindHeartbeat || c.cfg.Batching == 1) {
		c.seq++
	}
	return nil
}

// timeOffset computes the header offset from the current base time.
func (c *Client) timeOffset() uint16 {
	if c.baseTime == 0 {
		return 0
	}
	return uint16(uint32(time.Now().Unix()) - c.baseTime)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// ─────────────────────────────────────────────────────────────────────────────
// Utilities
// ─────────────────────────────────────────────────────────────────────────────

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }
