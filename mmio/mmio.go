// Package mmio implements the virtio-mmio v2 register surface: the window
// of 32-bit registers a guest driver loads and stores to in order to
// negotiate features, program virtqueues, and read device configuration.
package mmio

import (
	"fmt"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/gokvm-virtio/virtiosnd/internal/logx"
	"github.com/gokvm-virtio/virtiosnd/ram"
	"github.com/gokvm-virtio/virtiosnd/virtqueue"
)

// Register byte offsets (virtio-mmio v2).
const (
	RegMagicValue        = 0x000
	RegVersion           = 0x004
	RegDeviceID          = 0x008
	RegVendorID          = 0x00c
	RegDeviceFeatures    = 0x010
	RegDeviceFeaturesSel = 0x014
	RegDriverFeatures    = 0x020
	RegDriverFeaturesSel = 0x024
	RegQueueSel          = 0x030
	RegQueueNumMax       = 0x034
	RegQueueNum          = 0x038
	RegQueueReady        = 0x044
	RegQueueNotify       = 0x050
	RegInterruptStatus   = 0x060
	RegInterruptACK      = 0x064
	RegStatus            = 0x070
	RegQueueDescLow      = 0x080
	RegQueueDescHigh     = 0x084
	RegQueueAvailLow     = 0x090
	RegQueueAvailHigh    = 0x094
	RegQueueUsedLow      = 0x0a0
	RegQueueUsedHigh     = 0x0a4
	RegConfigGeneration  = 0x0fc
	RegConfig            = 0x100
)

const (
	MagicValue = 0x74726976 // "virt"
	Version    = 2
	DeviceID   = 25 // virtio-sound
	VendorID   = 0x1af4
)

// Status register bits.
const (
	StatusAcknowledge      = 1 << 0
	StatusDriver           = 1 << 1
	StatusDriverOK         = 1 << 2
	StatusFeaturesOK       = 1 << 3
	StatusDeviceNeedsReset = 1 << 6
	StatusFailed           = 1 << 7
)

// Interrupt status bits.
const (
	IntVRing  = 1 << 0
	IntConfig = 1 << 1
)

// Queue indices. All four can be programmed and made ready, but this device
// implements only CTRL and TX; notifications on EVT and RX do nothing.
const (
	QueueCtrl = 0
	QueueEvt  = 1
	QueueTx   = 2
	QueueRx   = 3
	numQueues = 4
)

// NotifyFunc is invoked once queue readiness, DRIVER_OK, and descriptor
// pointer validity have all been checked, i.e. it is only ever called when
// notify processing is actually safe to run.
type NotifyFunc func(queueIdx int, q *virtqueue.Queue) error

// Registers is the virtio-mmio v2 register file for one device instance.
// It owns the four virtqueue.Queue structs and the feature-negotiation and
// status state machine; it knows nothing about sound semantics beyond the
// DeviceID it reports and the config-window bytes it's handed.
type Registers struct {
	log *log.Logger
	ram ram.Window

	// mu guards status and interruptStatus, which two goroutines can touch
	// at once (the CTRL path runs inline on whatever goroutine issued the
	// notify; the TX producer thread raises its own interrupt after
	// draining). resetPreservingRAM also holds it while clearing every
	// field. Write changes the queue table, the feature banks, and queueSel
	// without taking mu.
	mu sync.Mutex

	queues [numQueues]virtqueue.Queue

	deviceFeatures   [2]uint32 // device offers nothing; kept for a real handshake
	deviceFeatureSel uint32
	driverFeatures   [2]uint32
	driverFeatureSel uint32

	queueSel uint32
	status   uint32

	interruptStatus uint32

	configGeneration uint32
	config           []byte // device-specific config window; immutable content

	notify NotifyFunc
}

// New constructs a register file over w, reporting configBytes as the
// device-specific config window (already serialized by the caller). notify
// is called for CTRL (inline) and TX (producer signal) queue notifications
// once validated.
func New(w ram.Window, configBytes []byte, notify NotifyFunc, logger *log.Logger) *Registers {
	r := &Registers{
		log:    logx.New(logger, "mmio"),
		ram:    w,
		config: configBytes,
		notify: notify,
	}
	for i := range r.queues {
		r.queues[i].Num = 0
	}
	return r
}

// Queues exposes the queue state for the sound package's producer thread
// (it needs QueueTx's Queue directly to call virtqueue.Drain itself).
func (r *Registers) Queues() *[numQueues]virtqueue.Queue { return &r.queues }

// RaiseInterrupt ORs bit into InterruptStatus. Safe to call concurrently
// with Read/Write: the CTRL path calls this inline from whatever goroutine
// issued the notify, while the TX producer thread calls it from its own
// goroutine after draining, so the field needs its own short critical
// section rather than inheriting one from a caller.
func (r *Registers) RaiseInterrupt(bit uint32) {
	r.mu.Lock()
	r.interruptStatus |= bit
	r.mu.Unlock()
}

// DriverOK reports whether the driver has set StatusDriverOK.
func (r *Registers) DriverOK() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status&StatusDriverOK != 0
}

// AccessKind distinguishes the two ways a guest store/load instruction can
// be invalid against this register file.
type AccessKind int

const (
	// AccessIllegalWidth is reported for any access width other than 4
	// bytes; this register file only ever implements 32-bit registers.
	AccessIllegalWidth AccessKind = iota
	// AccessMisaligned is reported for a 4-byte access whose address is
	// not itself 4-byte aligned.
	AccessMisaligned
)

// AccessError is returned by AccessLoad/AccessStore when the requested
// access does not qualify as an aligned 32-bit register access. Kind tells
// the caller which of the two fault classes applies, since a real
// emulator's trap handler raises a different CPU exception for each
// (illegal-instruction vs. misaligned-access).
type AccessError struct {
	Kind  AccessKind
	Addr  uint64
	Width int
}

func (e *AccessError) Error() string {
	switch e.Kind {
	case AccessIllegalWidth:
		return fmt.Sprintf("mmio: illegal access width %d at %#x (only 4-byte accesses are supported)", e.Width, e.Addr)
	default:
		return fmt.Sprintf("mmio: misaligned access at %#x (width %d)", e.Addr, e.Width)
	}
}

func checkAccess(addr uint64, width int) error {
	if width != 4 {
		return &AccessError{Kind: AccessIllegalWidth, Addr: addr, Width: width}
	}
	if addr%4 != 0 {
		return &AccessError{Kind: AccessMisaligned, Addr: addr, Width: width}
	}
	return nil
}

// AccessLoad is the entry point a guest load instruction drives: it
// validates that width is 4 bytes and addr is 4-byte aligned before
// dispatching to Read, returning an *AccessError for anything else so the
// caller can raise the matching fault on the calling hart.
func (r *Registers) AccessLoad(addr uint64, width int) (uint32, error) {
	if err := checkAccess(addr, width); err != nil {
		return 0, err
	}
	return r.Read(addr)
}

// AccessStore is the entry point a guest store instruction drives: same
// width/alignment validation as AccessLoad before dispatching to Write.
func (r *Registers) AccessStore(addr uint64, width int, value uint32) error {
	if err := checkAccess(addr, width); err != nil {
		return err
	}
	return r.Write(addr, value)
}

// Read services an aligned 32-bit load at byte offset off.
func (r *Registers) Read(off uint64) (uint32, error) {
	switch off {
	case RegMagicValue:
		return MagicValue, nil
	case RegVersion:
		return Version, nil
	case RegDeviceID:
		return DeviceID, nil
	case RegVendorID:
		return VendorID, nil
	case RegDeviceFeatures:
		return r.deviceFeatures[r.deviceFeatureSel&1], nil
	case RegDeviceFeaturesSel:
		return r.deviceFeatureSel, nil
	case RegDriverFeatures:
		return r.driverFeatures[r.driverFeatureSel&1], nil
	case RegDriverFeaturesSel:
		return r.driverFeatureSel, nil
	case RegQueueSel:
		return r.queueSel, nil
	case RegQueueNumMax:
		return virtqueue.MaxQueueNum, nil
	case RegQueueNum:
		return uint32(r.currentQueue().Num), nil
	case RegQueueReady:
		if r.currentQueue().Ready {
			return 1, nil
		}
		return 0, nil
	case RegQueueDescLow:
		return uint32(r.currentQueue().DescAddr), nil
	case RegQueueDescHigh:
		return uint32(r.currentQueue().DescAddr >> 32), nil
	case RegQueueAvailLow:
		return uint32(r.currentQueue().AvailAddr), nil
	case RegQueueAvailHigh:
		return uint32(r.currentQueue().AvailAddr >> 32), nil
	case RegQueueUsedLow:
		return uint32(r.currentQueue().UsedAddr), nil
	case RegQueueUsedHigh:
		return uint32(r.currentQueue().UsedAddr >> 32), nil
	case RegInterruptStatus:
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.interruptStatus, nil
	case RegStatus:
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.status, nil
	case RegConfigGeneration:
		return r.configGeneration, nil
	default:
		if off >= RegConfig {
			return r.readConfig(off - RegConfig), nil
		}
		return 0, fmt.Errorf("mmio: read at unmapped offset %#x", off)
	}
}

// Write services an aligned 32-bit store at byte offset off.
func (r *Registers) Write(off uint64, value uint32) error {
	switch off {
	case RegDeviceFeaturesSel:
		r.deviceFeatureSel = value
	case RegDriverFeaturesSel:
		r.driverFeatureSel = value
	case RegDriverFeatures:
		if r.driverFeatureSel == 0 {
			r.driverFeatures[0] = value
		}
	case RegQueueSel:
		if value >= numQueues {
			r.log.Warn("queue select out of range", "sel", value)
			return nil
		}
		r.queueSel = value
	case RegQueueNum:
		q := r.currentQueue()
		if value > virtqueue.MaxQueueNum {
			r.log.Warn("queue num exceeds max", "num", value)
			return nil
		}
		q.Num = uint16(value)
	case RegQueueReady:
		q := r.currentQueue()
		if value&1 == 0 {
			q.Reset()
			return nil
		}
		if err := r.validateQueue(q); err != nil {
			r.setNeedsReset()
			return nil
		}
		lastAvail, err := virtqueue.AvailIdx(r.ram, q)
		if err != nil {
			r.setNeedsReset()
			return nil
		}
		q.LastAvail = lastAvail
		q.Ready = true
	case RegQueueDescLow:
		r.currentQueue().DescAddr = setLow(r.currentQueue().DescAddr, value)
	case RegQueueDescHigh:
		if value != 0 {
			r.log.Warn("queue desc high half must be zero", "value", value)
			return nil
		}
		r.currentQueue().DescAddr = setHigh(r.currentQueue().DescAddr, value)
	case RegQueueAvailLow:
		r.currentQueue().AvailAddr = setLow(r.currentQueue().AvailAddr, value)
	case RegQueueAvailHigh:
		if value != 0 {
			r.log.Warn("queue avail high half must be zero", "value", value)
			return nil
		}
		r.currentQueue().AvailAddr = setHigh(r.currentQueue().AvailAddr, value)
	case RegQueueUsedLow:
		r.currentQueue().UsedAddr = setLow(r.currentQueue().UsedAddr, value)
	case RegQueueUsedHigh:
		if value != 0 {
			r.log.Warn("queue used high half must be zero", "value", value)
			return nil
		}
		r.currentQueue().UsedAddr = setHigh(r.currentQueue().UsedAddr, value)
	case RegQueueNotify:
		return r.handleNotify(value)
	case RegInterruptACK:
		r.mu.Lock()
		r.interruptStatus &^= value
		r.mu.Unlock()
	case RegStatus:
		if value == 0 {
			r.resetPreservingRAM()
			return nil
		}
		r.mu.Lock()
		r.status = value
		r.mu.Unlock()
	default:
		if off >= RegConfig {
			// Device configuration is immutable after initialization;
			// writes into the config window are accepted but discarded.
			return nil
		}
		return fmt.Errorf("mmio: write at unmapped offset %#x", off)
	}
	return nil
}

func (r *Registers) currentQueue() *virtqueue.Queue {
	if r.queueSel >= numQueues {
		return &r.queues[0]
	}
	return &r.queues[r.queueSel]
}

func (r *Registers) readConfig(relOff uint64) uint32 {
	if relOff+4 > uint64(len(r.config)) {
		return 0
	}
	return uint32(r.config[relOff]) | uint32(r.config[relOff+1])<<8 |
		uint32(r.config[relOff+2])<<16 | uint32(r.config[relOff+3])<<24
}

func setLow(addr uint64, value uint32) uint64 {
	return (addr &^ 0xffffffff) | uint64(value)
}

func setHigh(addr uint64, value uint32) uint64 {
	return (addr &^ (uint64(0xffffffff) << 32)) | (uint64(value) << 32)
}

// validateQueue checks a queue's descriptor/avail/used pointers against RAM
// bounds and word alignment before it is allowed to become ready.
func (r *Registers) validateQueue(q *virtqueue.Queue) error {
	if q.Num == 0 {
		return fmt.Errorf("mmio: queue ready before queue num set")
	}
	for _, addr := range []uint64{q.DescAddr, q.AvailAddr, q.UsedAddr} {
		if err := ram.ValidatePointer(r.ram, addr, 4); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registers) setNeedsReset() {
	r.mu.Lock()
	r.status |= StatusDeviceNeedsReset
	driverOK := r.status&StatusDriverOK != 0
	r.mu.Unlock()

	r.log.Error("invariant violation, setting DEVICE_NEEDS_RESET")
	if driverOK {
		r.RaiseInterrupt(IntConfig)
	}
}

// handleNotify never holds mu while calling r.notify: that callback runs
// CTRL dispatch inline (or signals the TX producer), either of which may
// turn around and call RaiseInterrupt/DriverOK on this same Registers, and
// mu is not reentrant.
func (r *Registers) handleNotify(queueIdx uint32) error {
	if queueIdx >= numQueues {
		return nil
	}
	q := &r.queues[queueIdx]

	r.mu.Lock()
	ready := q.Ready
	driverOK := r.status&StatusDriverOK != 0
	r.mu.Unlock()
	if !ready || !driverOK {
		return nil
	}

	if err := r.validateQueue(q); err != nil {
		r.setNeedsReset()
		return nil
	}

	r.mu.Lock()
	needsReset := r.status&StatusDeviceNeedsReset != 0
	r.mu.Unlock()
	if needsReset {
		return nil
	}

	if r.notify == nil {
		return nil
	}
	if err := r.notify(int(queueIdx), q); err != nil {
		r.log.Error("notify handler failed", "queue", queueIdx, "err", err)
		r.setNeedsReset()
	}
	return nil
}

// resetPreservingRAM implements Status=0 write semantics: everything resets
// to its zero value except the RAM window and the device-config bytes,
// both supplied at construction.
func (r *Registers) resetPreservingRAM() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.queues = [numQueues]virtqueue.Queue{}
	r.deviceFeatures = [2]uint32{}
	r.deviceFeatureSel = 0
	r.driverFeatures = [2]uint32{}
	r.driverFeatureSel = 0
	r.queueSel = 0
	r.status = 0
	r.interruptStatus = 0
	r.configGeneration = 0
}
