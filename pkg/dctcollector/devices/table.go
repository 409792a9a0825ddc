// Package devices implements the collector's device registry: the MAC →
// identifier binding, the identifier allocator, and the per-device state the
// session engine operates on.
//
// Pipeline position:
//
//	session [Stage 2] → devices (in-memory registry, no I/O)
//
// The table is scoped to one collector instance and destroyed at shutdown;
// nothing here persists across restarts. Identifier allocation follows the
// smallest-unused-positive rule so fixed client start orders yield
// reproducible identifiers in test harnesses.
package devices

import (
	"log/slog"
	"sync"

	"github.com/BimaAbf/DCT-Protocol/pkg/dctcollector/tracker"
)

// ─────────────────────────────────────────────────────────────────────────────
// Table
// ─────────────────────────────────────────────────────────────────────────────

// Table is the device registry. A coarse lock guards allocation and lookup;
// per-device state access is serialised by the session engine, which is the
// table's only mutating consumer.
type Table struct {
	mu     sync.Mutex
	byMAC  map[MAC]*Device
	byID   map[uint16]*Device
	logger *slog.Logger
}

// NewTable creates an empty registry.
func NewTable(logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	return &Table{
		byMAC:  make(map[MAC]*Device),
		byID:   make(map[uint16]*Device),
		logger: logger,
	}
}

// RegisterResult is the outcome of a STARTUP registration.
type RegisterResult struct {
	// Device is the registered (new or recovered) device.
	Device *Device

	// Reconnection is true when the MAC was already known; the existing
	// identifier is reused and LastSequence carries the tracker head.
	Reconnection    bool
	LastSequence    uint16
	HasLastSequence bool
}

// Register binds mac to a device identifier. A known MAC recovers its
// existing device and identifier (the tracker carries forward untouched); an
// unknown MAC allocates the smallest unused positive identifier and creates a
// fresh Device in PENDING.
func (t *Table) Register(mac MAC, batchSize uint8) RegisterResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	if batchSize == 0 {
		batchSize = 1
	}

	if dev, ok := t.byMAC[mac]; ok {
		dev.Status = StatusPending
		dev.BatchSize = batchSize
		dev.TimeoutReported = false
		res := RegisterResult{Device: dev, Reconnection: true}
		res.LastSequence, res.HasLastSequence = dev.Tracker.Head()
		t.logger.Info("devices: reconnection",
			"mac", mac.String(), "device_id", dev.ID, "last_seq", res.LastSequence)
		return res
	}

	id := t.allocateLocked()
	dev := &Device{
		MAC:       mac,
		ID:        id,
		BatchSize: batchSize,
		Status:    StatusPending,
		Tracker:   tracker.New(),
	}
	t.byMAC[mac] = dev
	t.byID[id] = dev
	t.logger.Info("devices: registered",
		"mac", mac.String(), "device_id", id, "batch_size", batchSize)
	return RegisterResult{Device: dev}
}

// allocateLocked returns the smallest unused positive identifier.
// Identifier 0 is reserved: clients use it in the STARTUP header before
// registration.
func (t *Table) allocateLocked() uint16 {
	for id := uint16(1); id != 0; id++ {
		if _, taken := t.byID[id]; !taken {
			return id
		}
	}
	// 65535 concurrent devices would be required to get here.
	panic("devices: identifier space exhausted")
}

// LookupByID returns the device bound to id, or nil.
func (t *Table) LookupByID(id uint16) *Device {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byID[id]
}

// LookupByMAC returns the device registered with mac, or nil.
func (t *Table) LookupByMAC(mac MAC) *Device {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byMAC[mac]
}

// Len returns the number of registered devices.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}

// All returns a snapshot slice of every registered device, for the liveness
// sweep and operator listings.
func (t *Table) All() []*Device {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Device, 0, len(t.byID))
	for _, dev := range t.byID {
		out = append(out, dev)
	}
	return out
}

// ExpireToTimeout transitions the device to TIMEOUT. State transition only;
// the caller emits the synthetic record.
func (t *Table) ExpireToTimeout(id uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if dev, ok := t.byID[id]; ok && dev.Status == StatusActive {
		dev.Status = StatusTimeout
		t.logger.Warn("devices: timeout", "device_id", id, "mac", dev.MAC.String())
	}
}

// MarkDown transitions the device to DOWN after a SHUTDOWN announcement.
func (t *Table) MarkDown(id uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if dev, ok := t.byID[id]; ok {
		dev.Status = StatusDown
		t.logger.Info("devices: down", "device_id", id, "mac", dev.MAC.String())
	}
}

// Prune removes a DOWN device entirely, freeing its identifier. Operator
// discretion only; never called from the datagram path.
func (t *Table) Prune(id uint16) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	dev, ok := t.byID[id]
	if !ok || dev.Status != StatusDown {
		return false
	}
	delete(t.byID, id)
	delete(t.byMAC, dev.MAC)
	t.logger.Info("devices: pruned", "device_id", id, "mac", dev.MAC.String())
	return true
}

// ─────────────────────────────────────────────────────────────────────────────
// Utilities
// ─────────────────────────────────────────────────────────────────────────────

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }
