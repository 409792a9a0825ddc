// Package codec — types.go defines the wire-level types of the DCT telemetry
// protocol: the fixed 8-byte header, the tagged payload variants, the decode
// error taxonomy, and the message-type code table.
package codec

import (
	"errors"
	"fmt"

	"github.com/BimaAbf/DCT-Protocol/models"
)

// ─────────────────────────────────────────────────────────────────────────────
// Wire constants
// ─────────────────────────────────────────────────────────────────────────────

const (
	// Version is the protocol version carried in the header high nibble.
	Version uint8 = 1

	// HeaderSize is the fixed header length in bytes.
	HeaderSize = 8

	// MaxPayloadSize is the largest payload expressible by the one-byte
	// payload_length header field.
	MaxPayloadSize = 255

	// DefaultMaxDatagramSize bounds the total encoded datagram unless
	// another limit is configured.
	DefaultMaxDatagramSize = 2048
)

// Default wire codes, one per message type, occupying the header low nibble.
const (
	codeStartup              uint8 = 0x1
	codeStartupAck           uint8 = 0x2
	codeTimeSync             uint8 = 0x3
	codeKeyframe             uint8 = 0x4
	codeDataDelta            uint8 = 0x5
	codeHeartbeat            uint8 = 0x6
	codeBatchedData          uint8 = 0x7
	codeDataDeltaQuantized   uint8 = 0x8
	codeKeyframeQuantized    uint8 = 0x9
	codeBatchedDataQuantized uint8 = 0xA
	codeShutdown             uint8 = 0xB
	codeBatchIncomplete      uint8 = 0xC
)

// defaultCodes is the default Kind → wire code mapping.
var defaultCodes = map[models.Kind]uint8{
	models.KindStartup:              codeStartup,
	models.KindStartupAck:           codeStartupAck,
	models.KindTimeSync:             codeTimeSync,
	models.KindKeyframe:             codeKeyframe,
	models.KindDataDelta:            codeDataDelta,
	models.KindHeartbeat:            codeHeartbeat,
	models.KindBatchedData:          codeBatchedData,
	models.KindDataDeltaQuantized:   codeDataDeltaQuantized,
	models.KindKeyframeQuantized:    codeKeyframeQuantized,
	models.KindBatchedDataQuantized: codeBatchedDataQuantized,
	models.KindShutdown:             codeShutdown,
	models.KindBatchIncomplete:      codeBatchIncomplete,
}

// ─────────────────────────────────────────────────────────────────────────────
// Error taxonomy
// ─────────────────────────────────────────────────────────────────────────────

// Decode errors. Each maps to one entry of the protocol error taxonomy; the
// session counts them by sentinel identity.
var (
	// ErrShort reports a datagram smaller than the fixed header.
	ErrShort = errors.New("codec: datagram shorter than header")

	// ErrVersionMismatch reports a header version nibble other than Version.
	ErrVersionMismatch = errors.New("codec: protocol version mismatch")

	// ErrUnknownType reports a wire code with no configured message type.
	ErrUnknownType = errors.New("codec: unknown message type")

	// ErrPayloadLengthMismatch reports a payload_length header field that
	// disagrees with the actual payload byte count.
	ErrPayloadLengthMismatch = errors.New("codec: payload length mismatch")

	// ErrMalformedPayload reports a payload whose size or content does not
	// fit its message type.
	ErrMalformedPayload = errors.New("codec: malformed payload")

	// ErrBatchEntryMalformed reports a truncated or unrecognised batch entry.
	ErrBatchEntryMalformed = errors.New("codec: malformed batch entry")
)

// ─────────────────────────────────────────────────────────────────────────────
// Header
// ─────────────────────────────────────────────────────────────────────────────

// Header is the decoded form of the fixed 8-byte datagram header.
//
// Wire layout (network byte order):
//
//	offset 0  version_and_type  u8   high nibble = version, low nibble = type
//	offset 1  device_id         u16
//	offset 3  sequence          u16
//	offset 5  time_offset       u16  seconds since the device's base time
//	offset 7  payload_length    u8
type Header struct {
	Version       uint8
	Kind          models.Kind
	DeviceID      uint16
	Sequence      uint16
	TimeOffset    uint16
	PayloadLength uint8
}

// ─────────────────────────────────────────────────────────────────────────────
// Payload variants
// ─────────────────────────────────────────────────────────────────────────────

// Payload is the tagged-variant interface implemented by exactly one type per
// message kind. Decode returns the concrete variant matching the header kind.
type Payload interface {
	payload()
}

// Startup is the registration request: the device's MAC, optionally followed
// by its batch threshold (1 = batching disabled, 2..255 = entries per batch).
type Startup struct {
	MAC          [6]byte
	HasBatchSize bool
	BatchSize    uint8
}

// StartupAck is the registration reply. For a previously known MAC the
// 4-byte form carries the tracker head so the device resumes its sequence
// numbering without a gap false-positive.
type StartupAck struct {
	DeviceID        uint16
	HasLastSequence bool
	LastSequence    uint16
}

// TimeSync announces the device's base time in epoch seconds. All later
// header time offsets are relative to it.
type TimeSync struct {
	BaseTime uint32
}

// Keyframe carries the device's absolute signal value.
type Keyframe struct {
	Value int16
}

// DataDelta carries a signed increment to the last known value.
type DataDelta struct {
	Delta int8
}

// Heartbeat is an empty liveness ping.
type Heartbeat struct{}

// Shutdown is the empty leave announcement.
type Shutdown struct{}

// BatchEntry is one observation inside a batched datagram: a sub offset in
// seconds from the device base time, and either an absolute value or a delta.
type BatchEntry struct {
	SubOffset uint16
	Kind      models.Kind // KindKeyframe or KindDataDelta
	Value     int16       // valid when Kind == KindKeyframe
	Delta     int8        // valid when Kind == KindDataDelta
}

// Batch is the payload of BATCHED_DATA and BATCH_INCOMPLETE datagrams:
// entries concatenated in send order.
type Batch struct {
	Entries []BatchEntry
}

// Quantized preserves the raw payload of the reserved quantized message
// kinds. Their semantics are not specified; the collector accepts and logs
// them without interpreting the bytes.
type Quantized struct {
	Raw []byte
}

func (Startup) payload()    {}
func (StartupAck) payload() {}
func (TimeSync) payload()   {}
func (Keyframe) payload()   {}
func (DataDelta) payload()  {}
func (Heartbeat) payload()  {}
func (Shutdown) payload()   {}
func (Batch) payload()      {}
func (Quantized) payload()  {}

// Message pairs a decoded header with its typed payload.
type Message struct {
	Header  Header
	Payload Payload
}

// ─────────────────────────────────────────────────────────────────────────────
// Code table construction
// ─────────────────────────────────────────────────────────────────────────────

// buildCodes merges operator overrides into the default code table and
// returns both directions of the mapping. Overridden codes must stay within
// the low nibble and must not collide.
func buildCodes(overrides map[models.Kind]uint8) (map[models.Kind]uint8, [16]models.Kind, error) {
	toCode := make(map[models.Kind]uint8, len(defaultCodes))
	for k, c := range defaultCodes {
		toCode[k] = c
	}
	for k, c := range overrides {
		if _, ok := defaultCodes[k]; !ok {
			return nil, [16]models.Kind{}, fmt.Errorf("codec: %s has no wire representation", k)
		}
		if c > 0xF {
			return nil, [16]models.Kind{}, fmt.Errorf("codec: code 0x%X for %s exceeds the type nibble", c, k)
		}
		toCode[k] = c
	}

	var toKind [16]models.Kind
	for k, c := range toCode {
		if toKind[c] != models.KindUnknown {
			return nil, [16]models.Kind{}, fmt.Errorf("codec: code 0x%X assigned to both %s and %s", c, toKind[c], k)
		}
		toKind[c] = k
	}
	return toCode, toKind, nil
}
