package dctclient_test

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/BimaAbf/DCT-Protocol/dct/codec"
	"github.com/BimaAbf/DCT-Protocol/models"
	"github.com/BimaAbf/DCT-Protocol/pkg/dctclient"
)

// ─────────────────────────────────────────────────────────────────────────────
// Fake collector
// ─────────────────────────────────────────────────────────────────────────────

// fakeCollector is a loopback UDP endpoint that records every datagram and
// answers the first STARTUP with a canned ack payload.
type fakeCollector struct {
	t    *testing.T
	conn *net.UDPConn
	c    *codec.Codec

	ack codec.StartupAck

	mu   sync.Mutex
	msgs []codec.Message

	done chan struct{}
}

func newFakeCollector(t *testing.T, ack codec.StartupAck) *fakeCollector {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	fc := &fakeCollector{
		t:    t,
		conn: conn,
		c:    codec.MustNew(codec.Config{}),
		ack:  ack,
		done: make(chan struct{}),
	}
	go fc.serve()
	t.Cleanup(fc.stop)
	return fc
}

func (fc *fakeCollector) port() uint16 {
	return uint16(fc.conn.LocalAddr().(*net.UDPAddr).Port)
}

func (fc *fakeCollector) serve() {
	defer close(fc.done)
	buf := make([]byte, 2048)
	acked := false
	for {
		n, src, err := fc.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		msg, err := fc.c.Decode(append([]byte{}, buf[:n]...))
		if err != nil {
			fc.t.Errorf("fake collector: undecodable datagram: %v", err)
			continue
		}

		fc.mu.Lock()
		fc.msgs = append(fc.msgs, msg)
		fc.mu.Unlock()

		if msg.Header.Kind == models.KindStartup && !acked {
			acked = true
			out, err := fc.c.Encode(codec.Message{
				Header:  codec.Header{Kind: models.KindStartupAck, DeviceID: fc.ack.DeviceID},
				Payload: fc.ack,
			})
			if err != nil {
				fc.t.Errorf("fake collector: encode ack: %v", err)
				continue
			}
			_, _ = fc.conn.WriteToUDP(out, src)
		}
	}
}

func (fc *fakeCollector) stop() {
	_ = fc.conn.Close()
	<-fc.done
}

func (fc *fakeCollector) received() []codec.Message {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	out := make([]codec.Message, len(fc.msgs))
	copy(out, fc.msgs)
	return out
}

// runClient builds and runs a client against the fake collector.
func runClient(t *testing.T, fc *fakeCollector, cfg dctclient.Config) *dctclient.Client {
	t.Helper()
	cfg.Host = "127.0.0.1"
	cfg.Port = fc.port()
	if cfg.MAC == "" {
		cfg.MAC = "AA:BB:CC:DD:EE:FE"
	}
	cl, err := dctclient.New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := cl.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// The final SHUTDOWN may still be in flight; wait for the fake
	// collector to observe it before asserting on the stream.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		msgs := fc.received()
		if len(msgs) > 0 && msgs[len(msgs)-1].Header.Kind == models.KindShutdown {
			return cl
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("fake collector never observed SHUTDOWN")
	return cl
}

func kinds(msgs []codec.Message) []models.Kind {
	out := make([]models.Kind, len(msgs))
	for i, m := range msgs {
		out[i] = m.Header.Kind
	}
	return out
}

// ─────────────────────────────────────────────────────────────────────────────
// Construction
// ─────────────────────────────────────────────────────────────────────────────

func TestNew_RejectsBadMAC(t *testing.T) {
	_, err := dctclient.New(dctclient.Config{Host: "h", MAC: "not-a-mac"}, nil)
	if err == nil {
		t.Error("invalid MAC must be rejected")
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Handshake
// ─────────────────────────────────────────────────────────────────────────────

func TestRun_AdoptsAssignedDeviceID(t *testing.T) {
	fc := newFakeCollector(t, codec.StartupAck{DeviceID: 9})
	cl := runClient(t, fc, dctclient.Config{
		Interval: 10 * time.Millisecond,
		Duration: 35 * time.Millisecond,
	})
	if cl.DeviceID() != 9 {
		t.Errorf("device id: got %d, want 9", cl.DeviceID())
	}

	msgs := fc.received()
	if len(msgs) < 3 {
		t.Fatalf("too few datagrams: %v", kinds(msgs))
	}
	if msgs[0].Header.Kind != models.KindStartup {
		t.Errorf("first datagram: got %s, want STARTUP", msgs[0].Header.Kind)
	}
	if msgs[0].Header.DeviceID != 0 {
		t.Errorf("STARTUP device id: got %d, want the reserved 0", msgs[0].Header.DeviceID)
	}
	if msgs[1].Header.Kind != models.KindTimeSync {
		t.Errorf("second datagram: got %s, want TIME_SYNC", msgs[1].Header.Kind)
	}
	// Unclassified kinds carry sequence 0 by convention.
	if msgs[0].Header.Sequence != 0 || msgs[1].Header.Sequence != 0 {
		t.Errorf("STARTUP/TIME_SYNC sequences: got %d/%d, want 0/0",
			msgs[0].Header.Sequence, msgs[1].Header.Sequence)
	}
	if msgs[2].Header.Kind != models.KindKeyframe {
		t.Errorf("third datagram: got %s, want the initial KEYFRAME", msgs[2].Header.Kind)
	}
	if msgs[2].Header.Sequence != 1 {
		t.Errorf("initial KEYFRAME sequence: got %d, want 1", msgs[2].Header.Sequence)
	}
	// Every post-handshake datagram carries the assigned id.
	for i, m := range msgs[1:] {
		if m.Header.DeviceID != 9 {
			t.Errorf("datagram %d: device id %d, want 9", i+1, m.Header.DeviceID)
		}
	}
	// The stream ends with SHUTDOWN.
	if last := msgs[len(msgs)-1]; last.Header.Kind != models.KindShutdown {
		t.Errorf("last datagram: got %s, want SHUTDOWN", last.Header.Kind)
	}
}

func TestRun_ReconnectionResumesSequence(t *testing.T) {
	fc := newFakeCollector(t, codec.StartupAck{DeviceID: 7, HasLastSequence: true, LastSequence: 41})
	runClient(t, fc, dctclient.Config{
		Interval: 10 * time.Millisecond,
		Duration: 15 * time.Millisecond,
	})

	msgs := fc.received()
	if len(msgs) < 3 {
		t.Fatalf("too few datagrams: %v", kinds(msgs))
	}
	// The TIME_SYNC after the handshake is unclassified and must not burn
	// the resumed number.
	if msgs[1].Header.Kind != models.KindTimeSync || msgs[1].Header.Sequence != 0 {
		t.Errorf("post-handshake datagram: got %s seq %d, want TIME_SYNC seq 0",
			msgs[1].Header.Kind, msgs[1].Header.Sequence)
	}
	// The first data datagram resumes one past the collector head, so the
	// collector infers no gap.
	if msgs[2].Header.Kind != models.KindKeyframe || msgs[2].Header.Sequence != 42 {
		t.Errorf("first data datagram: got %s seq %d, want KEYFRAME seq 42",
			msgs[2].Header.Kind, msgs[2].Header.Sequence)
	}
}

func TestRun_HandshakeFailureAfterRetries(t *testing.T) {
	// A listener that never acks.
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer conn.Close()

	cl, err := dctclient.New(dctclient.Config{
		Host:        "127.0.0.1",
		Port:        uint16(conn.LocalAddr().(*net.UDPAddr).Port),
		MAC:         "AA:BB:CC:DD:EE:FE",
		AckTimeout:  30 * time.Millisecond,
		AckAttempts: 2,
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	start := time.Now()
	err = cl.Run(context.Background())
	if !errors.Is(err, dctclient.ErrHandshakeFailed) {
		t.Fatalf("got %v, want ErrHandshakeFailed", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("handshake retry took %v, budget is attempts × timeout", elapsed)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Streaming, selection, and sequence numbering
// ─────────────────────────────────────────────────────────────────────────────

func TestRun_HeartbeatsConsumeSequenceWithoutBatching(t *testing.T) {
	fc := newFakeCollector(t, codec.StartupAck{DeviceID: 1})
	// A huge delta threshold forces heartbeats between periodic keyframes.
	runClient(t, fc, dctclient.Config{
		Interval:       5 * time.Millisecond,
		Duration:       60 * time.Millisecond,
		DeltaThreshold: 1000,
		Batching:       1,
	})

	msgs := fc.received()
	sawHeartbeat := false
	for _, m := range msgs {
		if m.Header.Kind == models.KindHeartbeat {
			sawHeartbeat = true
		}
	}
	if !sawHeartbeat {
		t.Fatalf("expected heartbeats in the stream: %v", kinds(msgs))
	}

	// With batching disabled every classified datagram consumes a sequence
	// number, so the on-wire sequence of the data/heartbeat stream is
	// strictly consecutive starting at 1. STARTUP and TIME_SYNC sit outside
	// the sequence space at 0.
	want := uint16(1)
	for i, m := range msgs {
		switch m.Header.Kind {
		case models.KindStartup, models.KindTimeSync:
			if m.Header.Sequence != 0 {
				t.Errorf("datagram %d (%s): sequence %d, want 0",
					i, m.Header.Kind, m.Header.Sequence)
			}
		default:
			if m.Header.Sequence != want {
				t.Errorf("datagram %d (%s): sequence %d, want %d",
					i, m.Header.Kind, m.Header.Sequence, want)
			}
			want++
		}
	}
}

func TestRun_BatchingBuffersDataAndFlushesAtThreshold(t *testing.T) {
	fc := newFakeCollector(t, codec.StartupAck{DeviceID: 1})
	// Threshold 0 turns every movement into a data entry.
	runClient(t, fc, dctclient.Config{
		Interval:       5 * time.Millisecond,
		Duration:       80 * time.Millisecond,
		DeltaThreshold: 0,
		Batching:       3,
	})

	msgs := fc.received()

	if msgs[0].Header.Kind != models.KindStartup {
		t.Fatalf("first datagram: got %s", msgs[0].Header.Kind)
	}
	startup := msgs[0].Payload.(codec.Startup)
	if !startup.HasBatchSize || startup.BatchSize != 3 {
		t.Errorf("STARTUP batch size: got (%d,%v), want (3,true)",
			startup.BatchSize, startup.HasBatchSize)
	}

	var batches, incompletes, bareData int
	for _, m := range msgs {
		switch m.Header.Kind {
		case models.KindBatchedData:
			batches++
			if b := m.Payload.(codec.Batch); len(b.Entries) != 3 {
				t.Errorf("full batch has %d entries, want 3", len(b.Entries))
			}
		case models.KindBatchIncomplete:
			incompletes++
			if b := m.Payload.(codec.Batch); len(b.Entries) == 0 || len(b.Entries) >= 3 {
				t.Errorf("partial flush has %d entries, want 1..2", len(b.Entries))
			}
		case models.KindKeyframe, models.KindDataDelta:
			bareData++
		}
	}
	if batches == 0 {
		t.Errorf("expected at least one full batch: %v", kinds(msgs))
	}
	if bareData != 0 {
		t.Errorf("batching must suppress bare data datagrams, saw %d", bareData)
	}
	if incompletes > 1 {
		t.Errorf("at most one partial flush expected, saw %d", incompletes)
	}

	if last := msgs[len(msgs)-1]; last.Header.Kind != models.KindShutdown {
		t.Errorf("last datagram: got %s, want SHUTDOWN", last.Header.Kind)
	}
}

func TestRun_PeriodicKeyframeEveryTenTicks(t *testing.T) {
	fc := newFakeCollector(t, codec.StartupAck{DeviceID: 1})
	// Heartbeat-dominated stream: the only data datagrams after the initial
	// keyframe are the forced periodic ones.
	runClient(t, fc, dctclient.Config{
		Interval:       5 * time.Millisecond,
		Duration:       120 * time.Millisecond,
		DeltaThreshold: 1000,
		Batching:       1,
	})

	var keyframes int
	for _, m := range fc.received() {
		if m.Header.Kind == models.KindKeyframe {
			keyframes++
		}
	}
	// Initial keyframe plus at least one periodic refresh in ~22 ticks.
	if keyframes < 2 {
		t.Errorf("keyframes: got %d, want the initial one plus periodic refreshes", keyframes)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Sampler
// ─────────────────────────────────────────────────────────────────────────────

func TestSampler_DeterministicForSeed(t *testing.T) {
	a := dctclient.NewSampler(42)
	b := dctclient.NewSampler(42)
	for i := 0; i < 100; i++ {
		if av, bv := a.Next(), b.Next(); av != bv {
			t.Fatalf("step %d: %d != %d", i, av, bv)
		}
	}
}

func TestSampler_SeedsDiffer(t *testing.T) {
	a := dctclient.NewSampler(1)
	b := dctclient.NewSampler(2)
	same := true
	for i := 0; i < 50; i++ {
		if a.Next() != b.Next() {
			same = false
		}
	}
	if same {
		t.Error("different seeds should diverge")
	}
}

func TestSampler_StepsAreBounded(t *testing.T) {
	s := dctclient.NewSampler(7)
	prev := s.Value()
	for i := 0; i < 1000; i++ {
		cur := s.Next()
		diff := int(cur) - int(prev)
		if diff > 10 || diff < -10 {
			t.Fatalf("step %d: walk moved by %d, bound is ±10", i, diff)
		}
		prev = cur
	}
}
