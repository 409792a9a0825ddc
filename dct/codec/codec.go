// Package codec implements bijective encode/decode between raw datagrams and
// (header, typed payload) pairs for the DCT telemetry protocol.
//
// Pipeline position:
//
//	receiver [Stage 1] → codec (pure, no I/O) → session [Stage 2]
//
// The codec holds no mutable state and performs no I/O: the receiver hands it
// raw bytes, the session hands it typed messages. A bad wire version or an
// unknown type code is rejected here, before any device state is touched.
//
// All multi-byte fields are network byte order. Signed values are
// two's-complement.
package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/BimaAbf/DCT-Protocol/models"
)

// ─────────────────────────────────────────────────────────────────────────────
// Configuration
// ─────────────────────────────────────────────────────────────────────────────

// Config controls Codec construction. The zero value yields the default wire
// code mapping and datagram bound.
type Config struct {
	// Codes overrides the default Kind → wire code mapping, keyed by Kind.
	// Codes must fit the header low nibble and must not collide.
	Codes map[models.Kind]uint8

	// MaxDatagramSize is the upper bound Encode enforces on the total
	// datagram (header + payload). Default 2048.
	MaxDatagramSize int
}

// ─────────────────────────────────────────────────────────────────────────────
// Codec
// ─────────────────────────────────────────────────────────────────────────────

// Codec is a configured encoder/decoder. It is immutable after construction
// and safe for concurrent use.
type Codec struct {
	toCode      map[models.Kind]uint8
	toKind      [16]models.Kind
	maxDatagram int
}

// New constructs a Codec. It returns an error only when the code overrides in
// cfg are invalid (out of nibble range or colliding).
func New(cfg Config) (*Codec, error) {
	toCode, toKind, err := buildCodes(cfg.Codes)
	if err != nil {
		return nil, err
	}
	maxDatagram := cfg.MaxDatagramSize
	if maxDatagram <= 0 {
		maxDatagram = DefaultMaxDatagramSize
	}
	if maxDatagram < HeaderSize {
		return nil, fmt.Errorf("codec: max datagram size %d smaller than header", maxDatagram)
	}
	return &Codec{toCode: toCode, toKind: toKind, maxDatagram: maxDatagram}, nil
}

// MustNew is New for static configurations known to be valid. It panics on
// error and is intended for package defaults and tests.
func MustNew(cfg Config) *Codec {
	c, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return c
}

// Code returns the wire code for kind. The second result is false for kinds
// with no wire representation (e.g. KindTimeoutSynthetic).
func (c *Codec) Code(kind models.Kind) (uint8, bool) {
	code, ok := c.toCode[kind]
	return code, ok
}

// ─────────────────────────────────────────────────────────────────────────────
// Decode
// ─────────────────────────────────────────────────────────────────────────────

// Decode parses one datagram into a Message. Errors are the sentinel values
// of the taxonomy in types.go, wrapped with positional context.
func (c *Codec) Decode(buf []byte) (Message, error) {
	if len(buf) < HeaderSize {
		return Message{}, fmt.Errorf("%w: %d bytes", ErrShort, len(buf))
	}

	verType := buf[0]
	hdr := Header{
		Version:       verType >> 4,
		DeviceID:      binary.BigEndian.Uint16(buf[1:3]),
		Sequence:      binary.BigEndian.Uint16(buf[3:5]),
		TimeOffset:    binary.BigEndian.Uint16(buf[5:7]),
		PayloadLength: buf[7],
	}

	if hdr.Version != Version {
		return Message{}, fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, hdr.Version, Version)
	}

	kind := c.toKind[verType&0xF]
	if kind == models.KindUnknown {
		return Message{}, fmt.Errorf("%w: code 0x%X", ErrUnknownType, verType&0xF)
	}
	hdr.Kind = kind

	body := buf[HeaderSize:]
	if len(body) != int(hdr.PayloadLength) {
		return Message{}, fmt.Errorf("%w: header says %d, got %d",
			ErrPayloadLengthMismatch, hdr.PayloadLength, len(body))
	}

	payload, err := c.decodePayload(kind, body)
	if err != nil {
		return Message{}, err
	}
	return Message{Header: hdr, Payload: payload}, nil
}

// decodePayload parses body according to kind.
func (c *Codec) decodePayload(kind models.Kind, body []byte) (Payload, error) {
	switch kind {
	case models.KindStartup:
		switch len(body) {
		case 6:
			var p Startup
			copy(p.MAC[:], body)
			return p, nil
		case 7:
			if body[6] == 0 {
				return nil, fmt.Errorf("%w: batch size 0", ErrMalformedPayload)
			}
			var p Startup
			copy(p.MAC[:], body[:6])
			p.HasBatchSize = true
			p.BatchSize = body[6]
			return p, nil
		default:
			return nil, fmt.Errorf("%w: STARTUP payload %d bytes", ErrMalformedPayload, len(body))
		}

	case models.KindStartupAck:
		switch len(body) {
		case 2:
			return StartupAck{DeviceID: binary.BigEndian.Uint16(body)}, nil
		case 4:
			return StartupAck{
				DeviceID:        binary.BigEndian.Uint16(body[0:2]),
				HasLastSequence: true,
				LastSequence:    binary.BigEndian.Uint16(body[2:4]),
			}, nil
		default:
			return nil, fmt.Errorf("%w: STARTUP_ACK payload %d bytes", ErrMalformedPayload, len(body))
		}

	case models.KindTimeSync:
		if len(body) != 4 {
			return nil, fmt.Errorf("%w: TIME_SYNC payload %d bytes", ErrMalformedPayload, len(body))
		}
		return TimeSync{BaseTime: binary.BigEndian.Uint32(body)}, nil

	case models.KindKeyframe:
		if len(body) != 2 {
			return nil, fmt.Errorf("%w: KEYFRAME payload %d bytes", ErrMalformedPayload, len(body))
		}
		return Keyframe{Value: int16(binary.BigEndian.Uint16(body))}, nil

	case models.KindDataDelta:
		if len(body) != 1 {
			return nil, fmt.Errorf("%w: DATA_DELTA payload %d bytes", ErrMalformedPayload, len(body))
		}
		return DataDelta{Delta: int8(body[0])}, nil

	case models.KindHeartbeat:
		if len(body) != 0 {
			return nil, fmt.Errorf("%w: HEARTBEAT payload %d bytes", ErrMalformedPayload, len(body))
		}
		return Heartbeat{}, nil

	case models.KindShutdown:
		if len(body) != 0 {
			return nil, fmt.Errorf("%w: SHUTDOWN payload %d bytes", ErrMalformedPayload, len(body))
		}
		return Shutdown{}, nil

	case models.KindBatchedData, models.KindBatchIncomplete:
		return c.decodeBatch(body)

	case models.KindDataDeltaQuantized, models.KindKeyframeQuantized, models.KindBatchedDataQuantized:
		// Reserved kinds: accept and preserve the raw bytes.
		raw := make([]byte, len(body))
		copy(raw, body)
		return Quantized{Raw: raw}, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, kind)
	}
}

// decodeBatch parses concatenated batch entries. Decoding stops cleanly at
// the payload end; a trailing partial entry is an error.
//
// Entry layout: sub_offset u16, entry type u8 (wire code of KEYFRAME or
// DATA_DELTA), then value i16 (keyframe) or delta i8.
func (c *Codec) decodeBatch(body []byte) (Payload, error) {
	var entries []BatchEntry
	off := 0
	for off < len(body) {
		if len(body)-off < 3 {
			return nil, fmt.Errorf("%w: %d trailing bytes", ErrBatchEntryMalformed, len(body)-off)
		}
		subOffset := binary.BigEndian.Uint16(body[off : off+2])
		entryKind := c.toKind[body[off+2]&0xF]
		if body[off+2] > 0xF {
			entryKind = models.KindUnknown
		}
		off += 3

		switch entryKind {
		case models.KindKeyframe:
			if len(body)-off < 2 {
				return nil, fmt.Errorf("%w: truncated keyframe entry", ErrBatchEntryMalformed)
			}
			entries = append(entries, BatchEntry{
				SubOffset: subOffset,
				Kind:      models.KindKeyframe,
				Value:     int16(binary.BigEndian.Uint16(body[off : off+2])),
			})
			off += 2

		case models.KindDataDelta:
			if len(body)-off < 1 {
				return nil, fmt.Errorf("%w: truncated delta entry", ErrBatchEntryMalformed)
			}
			entries = append(entries, BatchEntry{
				SubOffset: subOffset,
				Kind:      models.KindDataDelta,
				Delta:     int8(body[off]),
			})
			off++

		default:
			return nil, fmt.Errorf("%w: entry type 0x%X", ErrBatchEntryMalformed, body[off-1])
		}
	}
	return Batch{Entries: entries}, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Encode
// ─────────────────────────────────────────────────────────────────────────────

// Encode serialises a Message. The header payload_length field is derived
// from the encoded payload, and the version nibble is always Version; the
// corresponding fields of msg.Header are ignored on input so that
// Encode(Decode(b)) == b holds for every valid datagram.
func (c *Codec) Encode(msg Message) ([]byte, error) {
	code, ok := c.toCode[msg.Header.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, msg.Header.Kind)
	}

	body, err := c.encodePayload(msg.Header.Kind, msg.Payload)
	if err != nil {
		return nil, err
	}
	if len(body) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: payload %d bytes exceeds length field", ErrMalformedPayload, len(body))
	}
	if HeaderSize+len(body) > c.maxDatagram {
		return nil, fmt.Errorf("%w: datagram %d bytes exceeds limit %d",
			ErrMalformedPayload, HeaderSize+len(body), c.maxDatagram)
	}

	buf := make([]byte, HeaderSize, HeaderSize+len(body))
	buf[0] = Version<<4 | code
	binary.BigEndian.PutUint16(buf[1:3], msg.Header.DeviceID)
	binary.BigEndian.PutUint16(buf[3:5], msg.Header.Sequence)
	binary.BigEndian.PutUint16(buf[5:7], msg.Header.TimeOffset)
	buf[7] = uint8(len(body))
	return append(buf, body...), nil
}

func (c *Codec) encodePayload(kind models.Kind, p Payload) ([]byte, error) {
	switch v := p.(type) {
	case Startup:
		if kind != models.KindStartup {
			return nil, fmt.Errorf("%w: %s with STARTUP payload", ErrMalformedPayload, kind)
		}
		if !v.HasBatchSize {
			return v.MAC[:], nil
		}
		if v.BatchSize == 0 {
			return nil, fmt.Errorf("%w: batch size 0", ErrMalformedPayload)
		}
		return append(append([]byte{}, v.MAC[:]...), v.BatchSize), nil

	case StartupAck:
		if kind != models.KindStartupAck {
			return nil, fmt.Errorf("%w: %s with STARTUP_ACK payload", ErrMalformedPayload, kind)
		}
		if !v.HasLastSequence {
			out := make([]byte, 2)
			binary.BigEndian.PutUint16(out, v.DeviceID)
			return out, nil
		}
		out := make([]byte, 4)
		binary.BigEndian.PutUint16(out[0:2], v.DeviceID)
		binary.BigEndian.PutUint16(out[2:4], v.LastSequence)
		return out, nil

	case TimeSync:
		if kind != models.KindTimeSync {
			return nil, fmt.Errorf("%w: %s with TIME_SYNC payload", ErrMalformedPayload, kind)
		}
		out := make([]byte, 4)
		binary.BigEndian.PutUint32(out, v.BaseTime)
		return out, nil

	case Keyframe:
		if kind != models.KindKeyframe {
			return nil, fmt.Errorf("%w: %s with KEYFRAME payload", ErrMalformedPayload, kind)
		}
		out := make([]byte, 2)
		binary.BigEndian.PutUint16(out, uint16(v.Value))
		return out, nil

	case DataDelta:
		if kind != models.KindDataDelta {
			return nil, fmt.Errorf("%w: %s with DATA_DELTA payload", ErrMalformedPayload, kind)
		}
		return []byte{uint8(v.Delta)}, nil

	case Heartbeat:
		if kind != models.KindHeartbeat {
			return nil, fmt.Errorf("%w: %s with HEARTBEAT payload", ErrMalformedPayload, kind)
		}
		return nil, nil

	case Shutdown:
		if kind != models.KindShutdown {
			return nil, fmt.Errorf("%w: %s with SHUTDOWN payload", ErrMalformedPayload, kind)
		}
		return nil, nil

	case Batch:
		if kind != models.KindBatchedData && kind != models.KindBatchIncomplete {
			return nil, fmt.Errorf("%w: %s with batch payload", ErrMalformedPayload, kind)
		}
		return c.encodeBatch(v)

	case Quantized:
		switch kind {
		case models.KindDataDeltaQuantized, models.KindKeyframeQuantized, models.KindBatchedDataQuantized:
			return v.Raw, nil
		}
		return nil, fmt.Errorf("%w: %s with quantized payload", ErrMalformedPayload, kind)

	default:
		return nil, fmt.Errorf("%w: %s with no payload", ErrMalformedPayload, kind)
	}
}

func (c *Codec) encodeBatch(b Batch) ([]byte, error) {
	var out []byte
	for i, e := range b.Entries {
		switch e.Kind {
		case models.KindKeyframe:
			entry := make([]byte, 5)
			binary.BigEndian.PutUint16(entry[0:2], e.SubOffset)
			entry[2] = c.toCode[models.KindKeyframe]
			binary.BigEndian.PutUint16(entry[3:5], uint16(e.Value))
			out = append(out, entry...)
		case models.KindDataDelta:
			entry := make([]byte, 4)
			binary.BigEndian.PutUint16(entry[0:2], e.SubOffset)
			entry[2] = c.toCode[models.KindDataDelta]
			entry[3] = uint8(e.Delta)
			out = append(out, entry...)
		default:
			return nil, fmt.Errorf("%w: entry %d kind %s", ErrBatchEntryMalformed, i, e.Kind)
		}
	}
	return out, nil
}
