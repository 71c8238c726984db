package sound

import (
	"fmt"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/gokvm-virtio/virtiosnd/audiosink"
	"github.com/gokvm-virtio/virtiosnd/internal/logx"
	"github.com/gokvm-virtio/virtiosnd/mmio"
	"github.com/gokvm-virtio/virtiosnd/ram"
	"github.com/gokvm-virtio/virtiosnd/ring"
	"github.com/gokvm-virtio/virtiosnd/virtqueue"
)

// streamState is the single stream instance this device supports. Fields
// are kept per-stream rather than as device-wide scalars even though only
// one instance exists today, so the shape generalizes cleanly if a second
// stream is ever added.
type streamState struct {
	state  StreamState
	params StreamParams

	ring            *ring.Ring
	sink            audiosink.Sink
	framesPerPeriod int
	channels        int
	playing         bool

	// closing is set by RELEASE before it closes the audio sink, so the
	// callback parked in pullCallback's wait loop wakes up and returns
	// instead of blocking forever. Without this, Sink.Close's join of the
	// callback thread deadlocks: RELEASE is only reachable from PREPARED or
	// STOPPED, both of which already have the callback parked on !playing,
	// and nothing else ever broadcasts it awake.
	closing bool
}

// Device is the virtio-sound core: the control state machine, the
// virtqueue engine's CTRL/TX dispatch, and the producer/consumer threads,
// wired over a ram.Window and an mmio.Registers instance. Each instance
// owns all of its own state, with every MMIO and notify entry point
// taking the instance as receiver instead of touching process-wide
// globals.
type Device struct {
	log *log.Logger
	ram ram.Window
	reg *mmio.Registers

	newSink func() audiosink.Sink

	ctrlMu   sync.Mutex
	ctrlCond *sync.Cond
	stream   streamState

	txMu          sync.Mutex
	txCond        *sync.Cond
	txNotifyCount uint64

	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewDevice constructs a device over guest RAM window w. newSink is called
// once per PCM_PREPARE to obtain a fresh audiosink.Sink instance (so tests
// can hand back audiosink.NewNullSink and production code
// audiosink.NewPortAudioSink).
func NewDevice(w ram.Window, newSink func() audiosink.Sink, logger *log.Logger) *Device {
	d := &Device{
		log:      logx.New(logger, "sound"),
		ram:      w,
		newSink:  newSink,
		shutdown: make(chan struct{}),
	}
	d.ctrlCond = sync.NewCond(&d.ctrlMu)
	d.txCond = sync.NewCond(&d.txMu)

	config := DeviceConfig{Jacks: 1, Streams: 1, Chmaps: 1, Controls: 0}
	d.reg = mmio.New(w, config.encode(), d.onNotify, d.log)

	d.wg.Add(1)
	go d.producerLoop()

	return d
}

// Registers exposes the MMIO register file for wiring into a transport;
// it is the only surface a guest uses to touch this device.
func (d *Device) Registers() *mmio.Registers { return d.reg }

// Close signals the producer thread to exit and joins it; the producer
// must not be left unjoined on teardown.
func (d *Device) Close() {
	close(d.shutdown)
	d.txMu.Lock()
	d.txCond.Broadcast()
	d.txMu.Unlock()
	d.wg.Wait()
}

func newRing(bufferBytes uint32, logger *log.Logger) (*ring.Ring, error) {
	return ring.New(int(bufferBytes), logx.New(logger, "ring"))
}

// onNotify is the mmio.NotifyFunc wired into the register file. CTRL
// chains are processed inline on the calling (guest-mapped) thread; TX
// notifications only increment a counter and signal the producer thread.
func (d *Device) onNotify(queueIdx int, q *virtqueue.Queue) error {
	switch queueIdx {
	case mmio.QueueCtrl:
		raise, err := virtqueue.Drain(d.ram, q, d.handleCtrlChain)
		if err != nil {
			return err
		}
		if raise {
			d.reg.RaiseInterrupt(mmio.IntVRing)
		}
		return nil
	case mmio.QueueTx:
		d.txMu.Lock()
		d.txNotifyCount++
		d.txMu.Unlock()
		d.txCond.Signal()
		return nil
	default:
		return nil
	}
}

// producerLoop drains the TX queue whenever signaled, until Close is
// called. It runs as a daemon goroutine, parked on txCond while idle and
// woken either by a TX notify or by device teardown.
func (d *Device) producerLoop() {
	defer d.wg.Done()

	for {
		d.txMu.Lock()
		for d.txNotifyCount == 0 {
			select {
			case <-d.shutdown:
				d.txMu.Unlock()
				return
			default:
			}
			d.txCond.Wait()
		}
		d.txNotifyCount = 0
		d.txMu.Unlock()

		select {
		case <-d.shutdown:
			return
		default:
		}

		txQueue := &d.reg.Queues()[mmio.QueueTx]
		raise, err := virtqueue.Drain(d.ram, txQueue, d.handleTxChain)
		if err != nil {
			d.log.Error("tx drain failed", "err", err)
			continue
		}
		if raise {
			d.reg.RaiseInterrupt(mmio.IntVRing)
		}
	}
}

// handleTxChain implements the TX chain shape: header, payload frames,
// status. Every middle descriptor's bytes are enqueued into the stream's
// ring; ret_len accumulates their total length and is echoed into the
// status descriptor's latency_bytes field.
func (d *Device) handleTxChain(chain virtqueue.Chain) (uint32, error) {
	if len(chain.Descs) < virtqueue.TxChainMinDescs {
		return 0, fmt.Errorf("sound: tx chain has %d descriptors, need at least %d",
			len(chain.Descs), virtqueue.TxChainMinDescs)
	}
	headerDesc := chain.Descs[0]
	statusDesc := chain.Descs[len(chain.Descs)-1]
	middle := chain.Descs[1 : len(chain.Descs)-1]

	var hdrBuf [4]byte
	if err := d.ram.ReadAt(hdrBuf[:], headerDesc.Addr); err != nil {
		return 0, fmt.Errorf("sound: read tx header: %w", err)
	}
	if hdr := decodePCMXferHeader(hdrBuf[:]); hdr.StreamID != 0 {
		d.log.Warn("tx for unknown stream", "stream_id", hdr.StreamID)
	}

	d.ctrlMu.Lock()
	r := d.stream.ring
	d.ctrlMu.Unlock()

	var retLen uint32
	buf := make([]byte, 0, 4096)
	for _, desc := range middle {
		if cap(buf) < int(desc.Len) {
			buf = make([]byte, desc.Len)
		} else {
			buf = buf[:desc.Len]
		}
		if err := d.ram.ReadAt(buf, desc.Addr); err != nil {
			return 0, fmt.Errorf("sound: read tx payload: %w", err)
		}
		if r != nil {
			r.Enqueue(buf)
		}
		retLen += desc.Len
	}

	status := pcmStatus{Status: SOK, LatencyBytes: retLen}
	if err := d.ram.WriteAt(status.encode(), statusDesc.Addr); err != nil {
		return 0, fmt.Errorf("sound: write tx status: %w", err)
	}
	return 8, nil
}

// pullCallback is registered with the audio sink on PCM_PREPARE. It blocks
// the caller (the host audio backend's own thread) while the stream is
// not STARTED, zero-filling output in the meantime, and otherwise copies
// bytes out of the ring.
func (d *Device) pullCallback(out []int16) {
	d.ctrlMu.Lock()
	defer d.ctrlMu.Unlock()

	for !d.stream.playing && !d.stream.closing {
		zeroInt16(out)
		d.ctrlCond.Wait()
	}

	if d.stream.closing {
		zeroInt16(out)
		return
	}

	r := d.stream.ring
	if r == nil {
		zeroInt16(out)
		return
	}

	buf := make([]byte, len(out)*2)
	r.Dequeue(buf)
	bytesToInt16LE(buf, out)
}

func zeroInt16(out []int16) {
	for i := range out {
		out[i] = 0
	}
}

func bytesToInt16LE(buf []byte, out []int16) {
	for i := range out {
		out[i] = int16(uint16(buf[2*i]) | uint16(buf[2*i+1])<<8)
	}
}
