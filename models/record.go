// Package models defines the core data structures shared across all layers of
// the DCT Collector. These types represent the canonical in-memory form of
// every processed observation; every other package depends on this package and
// nothing here depends on any other internal package.
package models

import "time"

// ─────────────────────────────────────────────────────────────────────────────
// Kind
// ─────────────────────────────────────────────────────────────────────────────

// Kind identifies a protocol message type. The wire encoding of each Kind is
// owned by the codec package; Kind itself is a stable internal identifier so
// that the rest of the pipeline never deals in raw nibble codes.
type Kind uint8

const (
	// KindUnknown is the zero value; it never appears in a valid Record.
	KindUnknown Kind = iota

	KindStartup
	KindStartupAck
	KindTimeSync
	KindKeyframe
	KindDataDelta
	KindHeartbeat
	KindBatchedData
	KindDataDeltaQuantized
	KindKeyframeQuantized
	KindBatchedDataQuantized
	KindShutdown
	KindBatchIncomplete

	// KindTimeoutSynthetic marks the synthetic record emitted by the liveness
	// sweep when a device goes silent. It has no wire representation.
	KindTimeoutSynthetic
)

var kindNames = map[Kind]string{
	KindUnknown:              "UNKNOWN",
	KindStartup:              "STARTUP",
	KindStartupAck:           "STARTUP_ACK",
	KindTimeSync:             "TIME_SYNC",
	KindKeyframe:             "KEYFRAME",
	KindDataDelta:            "DATA_DELTA",
	KindHeartbeat:            "HEARTBEAT",
	KindBatchedData:          "BATCHED_DATA",
	KindDataDeltaQuantized:   "DATA_DELTA_QUANTIZED",
	KindKeyframeQuantized:    "KEYFRAME_QUANTIZED",
	KindBatchedDataQuantized: "BATCHED_DATA_QUANTIZED",
	KindShutdown:             "SHUTDOWN",
	KindBatchIncomplete:      "BATCH_INCOMPLETE",
	KindTimeoutSynthetic:     "TIMEOUT_SYNTHETIC",
}

// String returns the canonical upper-case name of the kind, as it appears in
// the msg_type column of the observation log.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "UNKNOWN"
}

// KindByName resolves a canonical name back to its Kind. Used by the
// configuration loader when operators remap wire codes by name.
func KindByName(name string) (Kind, bool) {
	for k, n := range kindNames {
		if n == name {
			return k, true
		}
	}
	return KindUnknown, false
}

// ─────────────────────────────────────────────────────────────────────────────
// Record
// ─────────────────────────────────────────────────────────────────────────────

// Record is the per-observation payload produced by the session engine.
// It contains everything the downstream pipeline (formatter → transport)
// needs: the classification flags, the reconstructed value, and per-packet
// processing metadata.
//
// A batched datagram produces one Record per batch entry; all entries share
// the batch's sequence number and classification flags.
type Record struct {
	// Kind is the message type of the observation. Batch entries carry the
	// entry's own kind (KEYFRAME or DATA_DELTA), not the batch wrapper's.
	Kind Kind

	// DeviceID is the collector-assigned 16-bit device identifier.
	DeviceID uint16

	// Sequence is the wire sequence number of the originating datagram.
	Sequence uint16

	// DeviceTime is the device-declared timestamp: base_time plus the header
	// time offset (or the batch entry's sub offset). When the device has not
	// yet announced a base time, DeviceTime falls back to ArrivalTime and
	// PreSync is set.
	DeviceTime time.Time

	// ArrivalTime is the collector wall clock at socket receive.
	ArrivalTime time.Time

	// Value is the absolute reconstructed value after applying this
	// observation, valid only when HasValue is true. Duplicates and
	// observations that carry no value (heartbeats, time syncs, quantized
	// kinds) leave HasValue false.
	Value    int16
	HasValue bool

	// Duplicate marks a sequence number that was already accepted.
	Duplicate bool

	// Gap marks a forward sequence jump that skipped at least one number.
	Gap bool

	// Delayed marks a sequence number that was previously missing and has
	// now filled its gap.
	Delayed bool

	// PreSync marks a data observation processed before the device announced
	// a base time via TIME_SYNC.
	PreSync bool

	// Violation marks a protocol violation by the peer (e.g. a delta
	// received before any keyframe).
	Violation bool

	// CPUTimeMs is the per-packet processing latency in milliseconds,
	// measured from socket handoff to record emission.
	CPUTimeMs float64

	// PacketSize is the byte length of the originating datagram. Batch
	// entries all report the full batch datagram size.
	PacketSize int
}
