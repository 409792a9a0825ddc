package codec_test

import (
	"errors"
	"testing"

	"github.com/BimaAbf/DCT-Protocol/dct/codec"
	"github.com/BimaAbf/DCT-Protocol/models"
)

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

func defaultCodec(t *testing.T) *codec.Codec {
	t.Helper()
	c, err := codec.New(codec.Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func mustEncode(t *testing.T, c *codec.Codec, msg codec.Message) []byte {
	t.Helper()
	b, err := c.Encode(msg)
	if err != nil {
		t.Fatalf("Encode(%s): %v", msg.Header.Kind, err)
	}
	return b
}

func mustDecode(t *testing.T, c *codec.Codec, buf []byte) codec.Message {
	t.Helper()
	msg, err := c.Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return msg
}

var testMAC = [6]byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFE}

// ─────────────────────────────────────────────────────────────────────────────
// Round trips (one per message kind)
// ─────────────────────────────────────────────────────────────────────────────

func TestRoundTrip_AllKinds(t *testing.T) {
	c := defaultCodec(t)

	cases := []struct {
		name    string
		kind    models.Kind
		payload codec.Payload
	}{
		{"startup bare", models.KindStartup, codec.Startup{MAC: testMAC}},
		{"startup batched", models.KindStartup, codec.Startup{MAC: testMAC, HasBatchSize: true, BatchSize: 5}},
		{"startup ack short", models.KindStartupAck, codec.StartupAck{DeviceID: 7}},
		{"startup ack reconnect", models.KindStartupAck, codec.StartupAck{DeviceID: 7, HasLastSequence: true, LastSequence: 42}},
		{"time sync", models.KindTimeSync, codec.TimeSync{BaseTime: 1_700_000_000}},
		{"keyframe", models.KindKeyframe, codec.Keyframe{Value: -12345}},
		{"keyframe max", models.KindKeyframe, codec.Keyframe{Value: 32767}},
		{"keyframe min", models.KindKeyframe, codec.Keyframe{Value: -32768}},
		{"delta", models.KindDataDelta, codec.DataDelta{Delta: -128}},
		{"delta max", models.KindDataDelta, codec.DataDelta{Delta: 127}},
		{"heartbeat", models.KindHeartbeat, codec.Heartbeat{}},
		{"shutdown", models.KindShutdown, codec.Shutdown{}},
		{"batched data", models.KindBatchedData, codec.Batch{Entries: []codec.BatchEntry{
			{SubOffset: 0, Kind: models.KindKeyframe, Value: 100},
			{SubOffset: 1, Kind: models.KindDataDelta, Delta: 1},
			{SubOffset: 3, Kind: models.KindDataDelta, Delta: -2},
		}}},
		{"batch incomplete", models.KindBatchIncomplete, codec.Batch{Entries: []codec.BatchEntry{
			{SubOffset: 9, Kind: models.KindDataDelta, Delta: 3},
		}}},
		{"keyframe quantized", models.KindKeyframeQuantized, codec.Quantized{Raw: []byte{1, 2, 3}}},
		{"delta quantized", models.KindDataDeltaQuantized, codec.Quantized{Raw: []byte{0xFF}}},
		{"batched quantized", models.KindBatchedDataQuantized, codec.Quantized{Raw: []byte{}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := codec.Message{
				Header: codec.Header{
					Kind:       tc.kind,
					DeviceID:   9,
					Sequence:   1234,
					TimeOffset: 17,
				},
				Payload: tc.payload,
			}
			wire := mustEncode(t, c, in)
			out := mustDecode(t, c, wire)

			if out.Header.Kind != tc.kind {
				t.Errorf("kind: got %s, want %s", out.Header.Kind, tc.kind)
			}
			if out.Header.DeviceID != 9 || out.Header.Sequence != 1234 || out.Header.TimeOffset != 17 {
				t.Errorf("header fields changed: %+v", out.Header)
			}
			if out.Header.Version != codec.Version {
				t.Errorf("version: got %d, want %d", out.Header.Version, codec.Version)
			}
			if int(out.Header.PayloadLength) != len(wire)-codec.HeaderSize {
				t.Errorf("payload_length %d disagrees with body %d",
					out.Header.PayloadLength, len(wire)-codec.HeaderSize)
			}

			// Re-encoding the decoded message must reproduce the bytes.
			wire2 := mustEncode(t, c, out)
			if string(wire2) != string(wire) {
				t.Errorf("encode(decode(b)) != b:\n got %x\nwant %x", wire2, wire)
			}
		})
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Decode error taxonomy
// ─────────────────────────────────────────────────────────────────────────────

func TestDecode_Short(t *testing.T) {
	c := defaultCodec(t)
	if _, err := c.Decode([]byte{0x14, 0x00, 0x01}); !errors.Is(err, codec.ErrShort) {
		t.Errorf("got %v, want ErrShort", err)
	}
}

func TestDecode_VersionMismatch(t *testing.T) {
	c := defaultCodec(t)
	wire := mustEncode(t, c, codec.Message{
		Header:  codec.Header{Kind: models.KindHeartbeat},
		Payload: codec.Heartbeat{},
	})
	wire[0] = 2<<4 | wire[0]&0xF // version 2
	if _, err := c.Decode(wire); !errors.Is(err, codec.ErrVersionMismatch) {
		t.Errorf("got %v, want ErrVersionMismatch", err)
	}
}

func TestDecode_UnknownType(t *testing.T) {
	c := defaultCodec(t)
	wire := mustEncode(t, c, codec.Message{
		Header:  codec.Header{Kind: models.KindHeartbeat},
		Payload: codec.Heartbeat{},
	})
	wire[0] = 1<<4 | 0xF // unassigned code
	if _, err := c.Decode(wire); !errors.Is(err, codec.ErrUnknownType) {
		t.Errorf("got %v, want ErrUnknownType", err)
	}
}

func TestDecode_PayloadLengthMismatch(t *testing.T) {
	c := defaultCodec(t)
	wire := mustEncode(t, c, codec.Message{
		Header:  codec.Header{Kind: models.KindKeyframe},
		Payload: codec.Keyframe{Value: 1},
	})
	wire[7] = 5 // header claims 5 payload bytes, body has 2
	if _, err := c.Decode(wire); !errors.Is(err, codec.ErrPayloadLengthMismatch) {
		t.Errorf("got %v, want ErrPayloadLengthMismatch", err)
	}
}

func TestDecode_MalformedPayload(t *testing.T) {
	c := defaultCodec(t)

	cases := []struct {
		name string
		kind models.Kind
		body []byte
	}{
		{"startup 5 bytes", models.KindStartup, []byte{1, 2, 3, 4, 5}},
		{"startup batch size zero", models.KindStartup, []byte{1, 2, 3, 4, 5, 6, 0}},
		{"time sync short", models.KindTimeSync, []byte{1, 2, 3}},
		{"keyframe long", models.KindKeyframe, []byte{1, 2, 3}},
		{"delta long", models.KindDataDelta, []byte{1, 2}},
		{"heartbeat with body", models.KindHeartbeat, []byte{1}},
		{"shutdown with body", models.KindShutdown, []byte{1}},
		{"ack 3 bytes", models.KindStartupAck, []byte{0, 7, 0}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			wire := rawDatagram(t, c, tc.kind, tc.body)
			if _, err := c.Decode(wire); !errors.Is(err, codec.ErrMalformedPayload) {
				t.Errorf("got %v, want ErrMalformedPayload", err)
			}
		})
	}
}

// rawDatagram hand-builds a datagram with an arbitrary body, bypassing
// Encode's payload validation.
func rawDatagram(t *testing.T, c *codec.Codec, kind models.Kind, body []byte) []byte {
	t.Helper()
	code, ok := c.Code(kind)
	if !ok {
		t.Fatalf("kind %s has no wire code", kind)
	}
	wire := make([]byte, codec.HeaderSize, codec.HeaderSize+len(body))
	wire[0] = codec.Version<<4 | code
	wire[7] = uint8(len(body))
	return append(wire, body...)
}

// ─────────────────────────────────────────────────────────────────────────────
// Batch entry boundaries
// ─────────────────────────────────────────────────────────────────────────────

func TestDecode_BatchTrailingPartialEntry(t *testing.T) {
	c := defaultCodec(t)

	full := mustEncode(t, c, codec.Message{
		Header: codec.Header{Kind: models.KindBatchedData},
		Payload: codec.Batch{Entries: []codec.BatchEntry{
			{SubOffset: 0, Kind: models.KindKeyframe, Value: 10},
			{SubOffset: 1, Kind: models.KindDataDelta, Delta: 1},
		}},
	})

	// Chop the final byte off the last entry and fix up the length field.
	trunc := full[:len(full)-1]
	trunc[7] = uint8(len(trunc) - codec.HeaderSize)

	if _, err := c.Decode(trunc); !errors.Is(err, codec.ErrBatchEntryMalformed) {
		t.Errorf("got %v, want ErrBatchEntryMalformed", err)
	}
}

func TestDecode_BatchUnknownEntryType(t *testing.T) {
	c := defaultCodec(t)
	// sub_offset 0, entry type = heartbeat code (not valid inside a batch),
	// one value byte.
	hb, _ := c.Code(models.KindHeartbeat)
	wire := rawDatagram(t, c, models.KindBatchedData, []byte{0, 0, hb, 1})
	if _, err := c.Decode(wire); !errors.Is(err, codec.ErrBatchEntryMalformed) {
		t.Errorf("got %v, want ErrBatchEntryMalformed", err)
	}
}

func TestDecode_BatchFillsPayloadExactly(t *testing.T) {
	c := defaultCodec(t)
	// 51 keyframe entries × 5 bytes = 255 bytes: the largest payload the
	// length field can express, with no slack.
	entries := make([]codec.BatchEntry, 51)
	for i := range entries {
		entries[i] = codec.BatchEntry{SubOffset: uint16(i), Kind: models.KindKeyframe, Value: int16(i)}
	}
	wire := mustEncode(t, c, codec.Message{
		Header:  codec.Header{Kind: models.KindBatchedData},
		Payload: codec.Batch{Entries: entries},
	})
	out := mustDecode(t, c, wire)
	batch, ok := out.Payload.(codec.Batch)
	if !ok {
		t.Fatalf("payload type %T", out.Payload)
	}
	if len(batch.Entries) != 51 {
		t.Errorf("entries: got %d, want 51", len(batch.Entries))
	}
}

func TestEncode_EmptyBatchRoundTrips(t *testing.T) {
	c := defaultCodec(t)
	wire := mustEncode(t, c, codec.Message{
		Header:  codec.Header{Kind: models.KindBatchIncomplete},
		Payload: codec.Batch{},
	})
	out := mustDecode(t, c, wire)
	if batch := out.Payload.(codec.Batch); len(batch.Entries) != 0 {
		t.Errorf("entries: got %d, want 0", len(batch.Entries))
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Encode bounds
// ─────────────────────────────────────────────────────────────────────────────

func TestEncode_PayloadOverflowsLengthField(t *testing.T) {
	c := defaultCodec(t)
	entries := make([]codec.BatchEntry, 52) // 52 × 5 = 260 > 255
	for i := range entries {
		entries[i] = codec.BatchEntry{Kind: models.KindKeyframe, Value: 1}
	}
	_, err := c.Encode(codec.Message{
		Header:  codec.Header{Kind: models.KindBatchedData},
		Payload: codec.Batch{Entries: entries},
	})
	if !errors.Is(err, codec.ErrMalformedPayload) {
		t.Errorf("got %v, want ErrMalformedPayload", err)
	}
}

func TestEncode_RespectsMaxDatagramSize(t *testing.T) {
	c, err := codec.New(codec.Config{MaxDatagramSize: 16})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	entries := make([]codec.BatchEntry, 3) // 3 × 5 + 8 = 23 > 16
	for i := range entries {
		entries[i] = codec.BatchEntry{Kind: models.KindKeyframe, Value: 1}
	}
	if _, err := c.Encode(codec.Message{
		Header:  codec.Header{Kind: models.KindBatchedData},
		Payload: codec.Batch{Entries: entries},
	}); err == nil {
		t.Error("expected oversize datagram to be rejected")
	}
}

func TestEncode_SyntheticKindHasNoWireForm(t *testing.T) {
	c := defaultCodec(t)
	if _, err := c.Encode(codec.Message{
		Header:  codec.Header{Kind: models.KindTimeoutSynthetic},
		Payload: codec.Heartbeat{},
	}); !errors.Is(err, codec.ErrUnknownType) {
		t.Errorf("got %v, want ErrUnknownType", err)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Code table configuration
// ─────────────────────────────────────────────────────────────────────────────

func TestNew_CodeOverrides(t *testing.T) {
	c, err := codec.New(codec.Config{Codes: map[models.Kind]uint8{
		models.KindKeyframe:  0xD,
		models.KindHeartbeat: 0xE,
	}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	wire := mustEncode(t, c, codec.Message{
		Header:  codec.Header{Kind: models.KindKeyframe},
		Payload: codec.Keyframe{Value: 3},
	})
	if wire[0]&0xF != 0xD {
		t.Errorf("wire code: got 0x%X, want 0xD", wire[0]&0xF)
	}
	out := mustDecode(t, c, wire)
	if out.Header.Kind != models.KindKeyframe {
		t.Errorf("kind: got %s", out.Header.Kind)
	}
}

func TestNew_RejectsCollidingCodes(t *testing.T) {
	_, err := codec.New(codec.Config{Codes: map[models.Kind]uint8{
		models.KindKeyframe: 0x5, // collides with DATA_DELTA's default
	}})
	if err == nil {
		t.Error("expected colliding code table to be rejected")
	}
}

func TestNew_RejectsOutOfNibbleCode(t *testing.T) {
	_, err := codec.New(codec.Config{Codes: map[models.Kind]uint8{
		models.KindKeyframe: 0x10,
	}})
	if err == nil {
		t.Error("expected out-of-nibble code to be rejected")
	}
}
