// Package devices — device.go defines the per-device state owned by the
// Table: identity, lifecycle status, value reconstruction state, and the
// bounded ring of inter-arrival samples that feeds the liveness timeout.
package devices

import (
	"fmt"
	"net"
	"time"

	"github.com/BimaAbf/DCT-Protocol/pkg/dctcollector/tracker"
)

// intervalRingSize bounds the inter-arrival sample history per device.
const intervalRingSize = 16

// ─────────────────────────────────────────────────────────────────────────────
// Status
// ─────────────────────────────────────────────────────────────────────────────

// Status is a device's lifecycle state.
type Status uint8

const (
	// StatusPending means registered but not yet time-synced.
	StatusPending Status = iota

	// StatusActive means time-synced and delivering data.
	StatusActive

	// StatusTimeout means silent past the liveness ceiling.
	StatusTimeout

	// StatusDown means the device announced SHUTDOWN.
	StatusDown
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusActive:
		return "ACTIVE"
	case StatusTimeout:
		return "TIMEOUT"
	case StatusDown:
		return "DOWN"
	}
	return "UNKNOWN"
}

// ─────────────────────────────────────────────────────────────────────────────
// MAC
// ─────────────────────────────────────────────────────────────────────────────

// MAC is the 6-byte hardware address devices register with.
type MAC [6]byte

// String formats the address as AA:BB:CC:DD:EE:FF.
func (m MAC) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", m[0], m[1], m[2], m[3], m[4], m[5])
}

// ─────────────────────────────────────────────────────────────────────────────
// Device
// ─────────────────────────────────────────────────────────────────────────────

// Device is the full per-device receive state. The Table owns all Devices
// exclusively; the session borrows one while processing a datagram. Access is
// serialised by the session engine, so Device itself carries no lock.
type Device struct {
	// MAC is the registration key; unique across the table.
	MAC MAC

	// ID is the collector-assigned non-zero identifier.
	ID uint16

	// BatchSize is the device-announced batch threshold (1 = no batching).
	BatchSize uint8

	// Status is the lifecycle state.
	Status Status

	// Endpoint is the device's last known UDP source address.
	Endpoint *net.UDPAddr

	// BaseTime is the epoch-seconds reference from the last TIME_SYNC,
	// valid only when HasBaseTime is true.
	BaseTime    uint32
	HasBaseTime bool

	// LastValue is the reconstructed absolute value, valid only once a
	// keyframe has been received.
	LastValue    int16
	HasLastValue bool

	// Tracker classifies this device's sequence numbers. It survives
	// reconnection; only an operator reset clears it.
	Tracker *tracker.Tracker

	// LastArrival is the wall clock of the most recent datagram.
	LastArrival time.Time

	// PacketCount counts processed datagrams (batches count once).
	PacketCount uint64

	// TimeoutReported latches the timeout record for one silence episode;
	// any subsequent datagram clears it.
	TimeoutReported bool

	intervals [intervalRingSize]time.Duration
	intervalN int // total samples pushed, monotonic
}

// ObserveArrival counts one processed datagram, stamps now as the latest
// arrival and, when a previous arrival exists, pushes the inter-arrival gap
// into the bounded sample ring.
func (d *Device) ObserveArrival(now time.Time) {
	d.PacketCount++
	if !d.LastArrival.IsZero() && now.After(d.LastArrival) {
		d.intervals[d.intervalN%intervalRingSize] = now.Sub(d.LastArrival)
		d.intervalN++
	}
	d.LastArrival = now
	d.TimeoutReported = false
}

// IntervalSamples returns the number of inter-arrival samples currently held
// (at most the ring size).
func (d *Device) IntervalSamples() int {
	if d.intervalN < intervalRingSize {
		return d.intervalN
	}
	return intervalRingSize
}

// MeanInterval returns the mean of the retained inter-arrival samples.
// The second result is false when no samples exist.
func (d *Device) MeanInterval() (time.Duration, bool) {
	n := d.IntervalSamples()
	if n == 0 {
		return 0, false
	}
	var sum time.Duration
	for i := 0; i < n; i++ {
		sum += d.intervals[i]
	}
	return sum / time.Duration(n), true
}

// DeviceTimestamp resolves a header time offset against the device base
// time. The second result is false when no base time is known.
func (d *Device) DeviceTimestamp(offset uint16) (time.Time, bool) {
	if !d.HasBaseTime {
		return time.Time{}, false
	}
	return time.Unix(int64(d.BaseTime)+int64(offset), 0), true
}
