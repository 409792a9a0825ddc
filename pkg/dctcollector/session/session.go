// Package session implements the per-device receive state machine of the DCT
// Collector.
//
// Pipeline position:
//
//	receiver [Stage 1] → session.Engine [Stage 2] → [recordCh] →
//	format/csv [Stage 3] → transport/file [Stage 4]
//
// The engine consumes raw datagrams from the receiver channel, decodes them,
// consults the per-device sequence tracker, updates the device table, and
// emits one Record per observation (one per batch entry for batches). It also
// owns the periodic liveness sweep.
//
// All datagram processing runs on the single Run goroutine, which is what
// serialises per-device state access: no two observations for the same
// device are ever reordered relative to the wire.
//
// Record emission is strictly non-blocking. When the output channel is full
// the record is dropped and counted; the receive path never stalls behind
// the log sink.
package session

import (
	"context"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/BimaAbf/DCT-Protocol/dct/codec"
	"github.com/BimaAbf/DCT-Protocol/models"
	"github.com/BimaAbf/DCT-Protocol/pkg/dctcollector/devices"
	"github.com/BimaAbf/DCT-Protocol/pkg/dctcollector/receiver"
	"github.com/BimaAbf/DCT-Protocol/pkg/dctcollector/tracker"
)

// ─────────────────────────────────────────────────────────────────────────────
// Configuration
// ─────────────────────────────────────────────────────────────────────────────

// SendFunc transmits an encoded datagram to a peer endpoint. The engine uses
// it for synchronous STARTUP_ACK replies; the app wires it to the receiver's
// shared socket. A nil SendFunc silently drops replies (used in tests that
// only exercise the receive path).
type SendFunc func(data []byte, addr *net.UDPAddr) error

// Config controls the Engine behaviour.
type Config struct {
	// Codec decodes inbound datagrams and encodes STARTUP_ACK replies.
	// nil defaults to the default wire code mapping.
	Codec *codec.Codec

	// Table is the device registry. nil allocates a fresh one.
	Table *devices.Table

	// Send transmits STARTUP_ACK replies. May be nil.
	Send SendFunc

	// OutputBufferSize is the capacity of the record channel (default 10000).
	OutputBufferSize int

	// SweepInterval is the liveness sweep period (default 1 s). The sweep
	// never runs more often than this.
	SweepInterval time.Duration

	// TimeoutFactor scales the mean inter-arrival interval into the
	// liveness ceiling (default 10).
	TimeoutFactor float64

	// MinIntervalSamples is the number of inter-arrival samples required
	// before a timeout can fire (default 10).
	MinIntervalSamples int

	// Now replaces the wall clock for the liveness sweep. Used in tests.
	Now func() time.Time
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Codec == nil {
		out.Codec = codec.MustNew(codec.Config{})
	}
	if out.OutputBufferSize <= 0 {
		out.OutputBufferSize = 10_000
	}
	if out.SweepInterval <= 0 {
		out.SweepInterval = time.Second
	}
	if out.TimeoutFactor <= 0 {
		out.TimeoutFactor = 10
	}
	if out.MinIntervalSamples <= 0 {
		out.MinIntervalSamples = 10
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	return out
}

// ─────────────────────────────────────────────────────────────────────────────
// Stats
// ─────────────────────────────────────────────────────────────────────────────

// Stats is a snapshot of the engine's drop/error counters.
type Stats struct {
	DecodeErrors   uint64
	UnknownDevice  uint64
	SpoofDropped   uint64
	AckSendErrors  uint64
	RecordOverflow uint64
}

// ─────────────────────────────────────────────────────────────────────────────
// Engine
// ─────────────────────────────────────────────────────────────────────────────

// Engine is the collector's receive state machine. Create one with New,
// drive it with Run (or feed Handle directly in tests), and read records
// from Output.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	table  *devices.Table
	output chan models.Record

	decodeErrors   atomic.Uint64
	unknownDevice  atomic.Uint64
	spoofDropped   atomic.Uint64
	ackSendErrors  atomic.Uint64
	recordOverflow atomic.Uint64
}

// New constructs an Engine.
func New(cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	c := cfg.withDefaults()
	table := c.Table
	if table == nil {
		table = devices.NewTable(logger)
	}
	return &Engine{
		cfg:    c,
		logger: logger,
		table:  table,
		output: make(chan models.Record, c.OutputBufferSize),
	}
}

// Output returns the read-only record channel. It is closed when Run
// returns.
func (e *Engine) Output() <-chan models.Record {
	return e.output
}

// Table returns the engine's device registry.
func (e *Engine) Table() *devices.Table {
	return e.table
}

// Stats returns a snapshot of the drop/error counters.
func (e *Engine) Stats() Stats {
	return Stats{
		DecodeErrors:   e.decodeErrors.Load(),
		UnknownDevice:  e.unknownDevice.Load(),
		SpoofDropped:   e.spoofDropped.Load(),
		AckSendErrors:  e.ackSendErrors.Load(),
		RecordOverflow: e.recordOverflow.Load(),
	}
}

// Run consumes datagrams until in closes (or ctx is cancelled), driving the
// liveness sweep between datagrams. It closes the output channel on return.
func (e *Engine) Run(ctx context.Context, in <-chan receiver.Datagram) {
	defer close(e.output)

	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case dg, ok := <-in:
			if !ok {
				return
			}
			e.Handle(dg)
		case <-ticker.C:
			e.Sweep(e.cfg.Now())
		case <-ctx.Done():
			return
		}
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Datagram dispatch
// ─────────────────────────────────────────────────────────────────────────────

// Handle processes one datagram end to end. Decode errors and unknown
// devices are counted and dropped; nothing here ever fails upward.
func (e *Engine) Handle(dg receiver.Datagram) {
	start := time.Now()

	msg, err := e.cfg.Codec.Decode(dg.Data)
	if err != nil {
		e.decodeErrors.Add(1)
		e.logger.Warn("session: decode error",
			"remote", remoteString(dg.Source), "bytes", len(dg.Data), "error", err.Error())
		return
	}

	switch msg.Header.Kind {
	case models.KindStartup:
		e.handleStartup(msg, dg, start)
	case models.KindStartupAck:
		// Collector-originated kind; a peer sending it is misbehaving.
		e.decodeErrors.Add(1)
		e.logger.Warn("session: unexpected STARTUP_ACK", "remote", remoteString(dg.Source))
	case models.KindTimeSync:
		e.handleTimeSync(msg, dg, start)
	case models.KindShutdown:
		e.handleShutdown(msg, dg, start)
	default:
		e.handleData(msg, dg, start)
	}
}

// handleStartup runs the registration path and replies with STARTUP_ACK.
func (e *Engine) handleStartup(msg codec.Message, dg receiver.Datagram, start time.Time) {
	p, ok := msg.Payload.(codec.Startup)
	if !ok {
		e.decodeErrors.Add(1)
		return
	}
	mac := devices.MAC(p.MAC)

	// A STARTUP for a new MAC from an endpoint already bound to a live
	// device is a duplicate registration attempt.
	if e.table.LookupByMAC(mac) == nil {
		if bound := e.findLiveByEndpoint(dg.Source); bound != nil {
			e.logger.Warn("session: endpoint already bound — rejecting registration",
				"remote", remoteString(dg.Source), "mac", mac.String(), "bound_id", bound.ID)
			return
		}
	}

	batchSize := uint8(1)
	if p.HasBatchSize {
		batchSize = p.BatchSize
	}

	res := e.table.Register(mac, batchSize)
	dev := res.Device
	dev.Endpoint = dg.Source
	dev.ObserveArrival(dg.Arrival)

	ack := codec.StartupAck{DeviceID: dev.ID}
	if res.Reconnection {
		// A known MAC always gets the 4-byte form; with no head yet the
		// last sequence is 0, so the device resumes at its initial 1.
		ack.HasLastSequence = true
		ack.LastSequence = res.LastSequence
	}
	e.sendAck(ack, dev, dg.Source)

	rec := models.Record{
		Kind:        models.KindStartup,
		DeviceID:    dev.ID,
		Sequence:    msg.Header.Sequence,
		DeviceTime:  dg.Arrival,
		ArrivalTime: dg.Arrival,
		PacketSize:  len(dg.Data),
	}
	rec.CPUTimeMs = elapsedMs(start)
	e.tryEmit(rec)
}

// sendAck encodes and transmits a STARTUP_ACK over the shared socket.
// Transient send failures are counted, not fatal.
func (e *Engine) sendAck(ack codec.StartupAck, dev *devices.Device, to *net.UDPAddr) {
	if e.cfg.Send == nil {
		return
	}
	out, err := e.cfg.Codec.Encode(codec.Message{
		Header:  codec.Header{Kind: models.KindStartupAck, DeviceID: dev.ID},
		Payload: ack,
	})
	if err != nil {
		e.ackSendErrors.Add(1)
		e.logger.Error("session: ack encode failed", "device_id", dev.ID, "error", err.Error())
		return
	}
	if err := e.cfg.Send(out, to); err != nil {
		e.ackSendErrors.Add(1)
		e.logger.Warn("session: ack send failed",
			"device_id", dev.ID, "remote", remoteString(to), "error", err.Error())
		return
	}
	e.logger.Info("session: sent STARTUP_ACK",
		"device_id", dev.ID, "remote", remoteString(to), "reconnection", ack.HasLastSequence)
}

// handleTimeSync records the device base time and activates the session.
func (e *Engine) handleTimeSync(msg codec.Message, dg receiver.Datagram, start time.Time) {
	dev := e.resolve(msg.Header.DeviceID, dg.Source)
	if dev == nil {
		return
	}
	p, ok := msg.Payload.(codec.TimeSync)
	if !ok {
		e.decodeErrors.Add(1)
		return
	}

	dev.ObserveArrival(dg.Arrival)
	dev.BaseTime = p.BaseTime
	dev.HasBaseTime = true
	if dev.Status == devices.StatusPending || dev.Status == devices.StatusTimeout {
		dev.Status = devices.StatusActive
		e.logger.Info("session: device active", "device_id", dev.ID, "base_time", p.BaseTime)
	}

	deviceTime, _ := dev.DeviceTimestamp(msg.Header.TimeOffset)
	rec := models.Record{
		Kind:        models.KindTimeSync,
		DeviceID:    dev.ID,
		Sequence:    msg.Header.Sequence,
		DeviceTime:  deviceTime,
		ArrivalTime: dg.Arrival,
		PacketSize:  len(dg.Data),
	}
	rec.CPUTimeMs = elapsedMs(start)
	e.tryEmit(rec)
}

// handleShutdown transitions the device to DOWN.
func (e *Engine) handleShutdown(msg codec.Message, dg receiver.Datagram, start time.Time) {
	dev := e.resolve(msg.Header.DeviceID, dg.Source)
	if dev == nil {
		return
	}

	dev.ObserveArrival(dg.Arrival)
	e.table.MarkDown(dev.ID)

	rec := models.Record{
		Kind:        models.KindShutdown,
		DeviceID:    dev.ID,
		Sequence:    msg.Header.Sequence,
		DeviceTime:  e.deviceTimeOrArrival(dev, msg.Header.TimeOffset, dg.Arrival),
		ArrivalTime: dg.Arrival,
		PacketSize:  len(dg.Data),
	}
	rec.CPUTimeMs = elapsedMs(start)
	e.tryEmit(rec)
}

// handleData processes keyframes, deltas, heartbeats, batches, and the
// reserved quantized kinds: the message types that go through sequence
// classification and value reconstruction.
func (e *Engine) handleData(msg codec.Message, dg receiver.Datagram, start time.Time) {
	dev := e.resolve(msg.Header.DeviceID, dg.Source)
	if dev == nil {
		return
	}

	res := dev.Tracker.Observe(msg.Header.Sequence)
	dev.ObserveArrival(dg.Arrival)

	// A silent device re-enters ACTIVE on any data message.
	if dev.Status == devices.StatusTimeout {
		dev.Status = devices.StatusActive
		e.logger.Info("session: device recovered from timeout", "device_id", dev.ID)
	}

	if res.Gap {
		e.logger.Warn("session: gap detected",
			"device_id", dev.ID, "seq", msg.Header.Sequence, "missing", res.Missed)
	}

	base := models.Record{
		Kind:        msg.Header.Kind,
		DeviceID:    dev.ID,
		Sequence:    msg.Header.Sequence,
		ArrivalTime: dg.Arrival,
		Duplicate:   res.Class == tracker.Duplicate || res.Class == tracker.OutOfWindow,
		Gap:         res.Gap,
		Delayed:     res.Class == tracker.Delayed,
		PreSync:     !dev.HasBaseTime,
		PacketSize:  len(dg.Data),
	}
	updatable := res.Class == tracker.Normal || res.Class == tracker.Delayed

	switch p := msg.Payload.(type) {
	case codec.Keyframe:
		rec := base
		rec.DeviceTime = e.deviceTimeOrArrival(dev, msg.Header.TimeOffset, dg.Arrival)
		if updatable {
			dev.LastValue = p.Value
			dev.HasLastValue = true
			rec.Value = dev.LastValue
			rec.HasValue = true
		}
		rec.CPUTimeMs = elapsedMs(start)
		e.tryEmit(rec)

	case codec.DataDelta:
		rec := base
		rec.DeviceTime = e.deviceTimeOrArrival(dev, msg.Header.TimeOffset, dg.Arrival)
		if updatable {
			if !dev.HasLastValue {
				rec.Violation = true
				e.logger.Warn("session: delta before first keyframe", "device_id", dev.ID)
			} else {
				dev.LastValue += int16(p.Delta)
				rec.Value = dev.LastValue
				rec.HasValue = true
			}
		}
		rec.CPUTimeMs = elapsedMs(start)
		e.tryEmit(rec)

	case codec.Heartbeat:
		rec := base
		rec.DeviceTime = e.deviceTimeOrArrival(dev, msg.Header.TimeOffset, dg.Arrival)
		rec.CPUTimeMs = elapsedMs(start)
		e.tryEmit(rec)

	case codec.Batch:
		// Entries inherit the batch's sequence and flags; deltas chain
		// through the value exactly as standalone datagrams would.
		for _, entry := range p.Entries {
			rec := base
			rec.Kind = entry.Kind
			rec.DeviceTime = e.deviceTimeOrArrival(dev, entry.SubOffset, dg.Arrival)
			if updatable {
				switch entry.Kind {
				case models.KindKeyframe:
					dev.LastValue = entry.Value
					dev.HasLastValue = true
					rec.Value = dev.LastValue
					rec.HasValue = true
				case models.KindDataDelta:
					if !dev.HasLastValue {
						rec.Violation = true
						e.logger.Warn("session: batched delta before first keyframe",
							"device_id", dev.ID)
					} else {
						dev.LastValue += int16(entry.Delta)
						rec.Value = dev.LastValue
						rec.HasValue = true
					}
				}
			}
			rec.CPUTimeMs = elapsedMs(start)
			e.tryEmit(rec)
		}

	case codec.Quantized:
		// Reserved kinds: logged, never interpreted.
		e.logger.Warn("session: quantized kind received",
			"device_id", dev.ID, "kind", msg.Header.Kind.String(), "bytes", len(p.Raw))
		rec := base
		rec.DeviceTime = e.deviceTimeOrArrival(dev, msg.Header.TimeOffset, dg.Arrival)
		rec.CPUTimeMs = elapsedMs(start)
		e.tryEmit(rec)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Liveness sweep
// ─────────────────────────────────────────────────────────────────────────────

// Sweep checks every ACTIVE device against its liveness ceiling and emits a
// synthetic timeout record for each device that went silent. The ceiling is
// TimeoutFactor × the mean of the recent inter-arrival samples, defined only
// once MinIntervalSamples samples exist.
func (e *Engine) Sweep(now time.Time) {
	for _, dev := range e.table.All() {
		if dev.Status != devices.StatusActive || dev.TimeoutReported {
			continue
		}
		if dev.IntervalSamples() < e.cfg.MinIntervalSamples {
			continue
		}
		mean, ok := dev.MeanInterval()
		if !ok || mean <= 0 {
			continue
		}
		ceiling := time.Duration(e.cfg.TimeoutFactor * float64(mean))
		idle := now.Sub(dev.LastArrival)
		if idle <= ceiling {
			continue
		}

		dev.TimeoutReported = true
		e.table.ExpireToTimeout(dev.ID)
		e.logger.Warn("session: device timed out",
			"device_id", dev.ID, "idle", idle.String(), "ceiling", ceiling.String())

		head, _ := dev.Tracker.Head()
		e.tryEmit(models.Record{
			Kind:        models.KindTimeoutSynthetic,
			DeviceID:    dev.ID,
			Sequence:    head,
			DeviceTime:  now,
			ArrivalTime: now,
		})
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Internal helpers
// ─────────────────────────────────────────────────────────────────────────────

// resolve looks up the device for a data/control header and applies the
// spoof/stale guard: a datagram whose source endpoint disagrees with the
// device's bound endpoint is dropped.
func (e *Engine) resolve(id uint16, src *net.UDPAddr) *devices.Device {
	dev := e.table.LookupByID(id)
	if dev == nil {
		e.unknownDevice.Add(1)
		e.logger.Warn("session: datagram from unknown device",
			"device_id", id, "remote", remoteString(src))
		return nil
	}
	if dev.Endpoint != nil && src != nil && !sameEndpoint(dev.Endpoint, src) {
		e.spoofDropped.Add(1)
		e.logger.Warn("session: endpoint mismatch — dropping as spoof/stale",
			"device_id", id, "bound", dev.Endpoint.String(), "remote", src.String())
		return nil
	}
	return dev
}

// findLiveByEndpoint returns a PENDING or ACTIVE device bound to addr.
func (e *Engine) findLiveByEndpoint(addr *net.UDPAddr) *devices.Device {
	if addr == nil {
		return nil
	}
	for _, dev := range e.table.All() {
		if dev.Endpoint == nil {
			continue
		}
		if (dev.Status == devices.StatusPending || dev.Status == devices.StatusActive) &&
			sameEndpoint(dev.Endpoint, addr) {
			return dev
		}
	}
	return nil
}

// deviceTimeOrArrival resolves offset against the device base time, falling
// back to the arrival clock for pre-sync devices.
func (e *Engine) deviceTimeOrArrival(dev *devices.Device, offset uint16, arrival time.Time) time.Time {
	if ts, ok := dev.DeviceTimestamp(offset); ok {
		return ts
	}
	return arrival
}

// tryEmit delivers a record without ever blocking the receive path.
func (e *Engine) tryEmit(rec models.Record) {
	select {
	case e.output <- rec:
	default:
		e.recordOverflow.Add(1)
		e.logger.Warn("session: record channel full — record dropped",
			"device_id", rec.DeviceID, "kind", rec.Kind.String())
	}
}

func elapsedMs(start time.Time) float64 {
	return float64(time.Since(start)) / float64(time.Millisecond)
}

func sameEndpoint(a, b *net.UDPAddr) bool {
	return a.Port == b.Port && a.IP.Equal(b.IP)
}

func remoteString(addr *net.UDPAddr) string {
	if addr == nil {
		return "<nil>"
	}
	return addr.String()
}

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }
