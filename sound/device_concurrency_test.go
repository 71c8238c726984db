package sound

// The actual concurrency surface this device exposes is: one control path
// (CTRL requests, processed inline) mutating ctrlMu-guarded state; one
// producer thread draining TX and enqueuing into the ring; and the host
// audio backend's own thread pulling from the ring through ctrlCond. This
// test drives all three at once and checks nothing deadlocks or races,
// in the errgroup-of-goroutines shape hanwen-go-fuse's parallel-lookup
// test uses to prove several FUSE lookups can be in flight together.

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/gokvm-virtio/virtiosnd/mmio"
)

func TestProducerAndControlPathRunConcurrentlyWithoutDeadlock(t *testing.T) {
	dev, w := newTestDevice(t)
	ctrlLayout := newTestLayout(t, w)
	ctrlLayout.programQueue(t, dev, mmio.QueueCtrl, 16)

	reqAddr := ctrlLayout.allocBuf(24)
	respAddr := ctrlLayout.allocBuf(4)
	writeSetParamsRequest(t, w, reqAddr, 4096, 1024, 1, FormatS16, RateIndex44100)
	ctrlLayout.writeDescriptor(t, 0, reqAddr, 24, virtqueueFlagNext, 1)
	ctrlLayout.writeDescriptor(t, 1, respAddr, 4, 0, 0)
	ctrlLayout.writeAvail(t, 0)
	require.NoError(t, dev.Registers().Write(mmio.RegQueueNotify, mmio.QueueCtrl))

	reqAddr2 := ctrlLayout.allocBuf(8)
	respAddr2 := ctrlLayout.allocBuf(4)
	writeStreamIDRequest(t, w, reqAddr2, RPCMPrepare)
	ctrlLayout.writeDescriptor(t, 2, reqAddr2, 8, virtqueueFlagNext, 3)
	ctrlLayout.writeDescriptor(t, 3, respAddr2, 4, 0, 0)
	ctrlLayout.writeAvail(t, 0, 2)
	require.NoError(t, dev.Registers().Write(mmio.RegQueueNotify, mmio.QueueCtrl))

	// Descriptors 0-3 on ctrlLayout are already spoken for by the two
	// requests above; sendLifecycleRequest's descCursor must start past them.
	ctrlLayout.descCursor = 4

	txLayout := &testLayout{w: w, descBase: 0x20000, availBase: 0x21000, usedBase: 0x22000, bufBase: 0x23000}
	txLayout.programQueue(t, dev, mmio.QueueTx, 64)

	const rounds = 24
	for i := 0; i < rounds; i++ {
		hdrAddr := txLayout.allocBuf(4)
		payloadAddr := txLayout.allocBuf(8)
		statusAddr := txLayout.allocBuf(8)

		require.NoError(t, w.WriteAt([]byte{0, 0, 0, 0}, hdrAddr))
		require.NoError(t, w.WriteAt([]byte{1, 2, 3, 4, 5, 6, 7, 8}, payloadAddr))

		base := uint16(i * 3)
		txLayout.writeDescriptor(t, base, hdrAddr, 4, virtqueueFlagNext, base+1)
		txLayout.writeDescriptor(t, base+1, payloadAddr, 8, virtqueueFlagNext, base+2)
		txLayout.writeDescriptor(t, base+2, statusAddr, 8, 0, 0)
	}
	entries := make([]uint16, rounds)
	for i := range entries {
		entries[i] = uint16(i * 3)
	}
	txLayout.writeAvail(t, entries...)

	var g errgroup.Group

	// goroutine 1: the producer's only entry point from the guest side,
	// a single TX notify covering every chain queued above.
	g.Go(func() error {
		return dev.Registers().Write(mmio.RegQueueNotify, mmio.QueueTx)
	})

	// goroutine 2: the host audio thread repeatedly pulling periods,
	// exactly as PortAudioSink's callback would.
	pulled := make(chan struct{})
	g.Go(func() error {
		defer close(pulled)
		out := make([]int16, 4)
		for i := 0; i < 50; i++ {
			dev.pullCallback(out)
		}
		return nil
	})

	// goroutine 3: the control path toggling START/STOP, contending for
	// ctrlMu/ctrlCond against the audio thread's wait loop. It finishes on
	// a START rather than a STOP so the audio thread's remaining pulls
	// never wait on a broadcast that will never come.
	g.Go(func() error {
		for i := 0; i < 25; i++ {
			startAddr := ctrlLayout.allocBuf(8)
			startResp := ctrlLayout.allocBuf(4)
			writeStreamIDRequest(t, w, startAddr, RPCMStart)
			sendLifecycleRequest(t, dev, ctrlLayout, startAddr, startResp, 8)

			stopAddr := ctrlLayout.allocBuf(8)
			stopResp := ctrlLayout.allocBuf(4)
			writeStreamIDRequest(t, w, stopAddr, RPCMStop)
			sendLifecycleRequest(t, dev, ctrlLayout, stopAddr, stopResp, 8)
		}

		finalStartAddr := ctrlLayout.allocBuf(8)
		finalStartResp := ctrlLayout.allocBuf(4)
		writeStreamIDRequest(t, w, finalStartAddr, RPCMStart)
		sendLifecycleRequest(t, dev, ctrlLayout, finalStartAddr, finalStartResp, 8)
		return nil
	})

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("concurrent control/producer/consumer paths deadlocked")
	}

	<-pulled
}

// sendLifecycleRequest appends a fresh descriptor chain (request + response)
// to ctrlLayout's avail ring and notifies CTRL, growing the ring
// incrementally the way a real driver issues one request after another.
func sendLifecycleRequest(t *testing.T, dev *Device, l *testLayout, reqAddr, respAddr uint64, reqLen uint32) {
	t.Helper()
	l.descCursor += 2
	head := l.descCursor - 2

	l.writeDescriptor(t, head, reqAddr, reqLen, virtqueueFlagNext, head+1)
	l.writeDescriptor(t, head+1, respAddr, 4, 0, 0)

	idx, err := l.currentAvailIdx(t)
	require.NoError(t, err)

	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], head)
	require.NoError(t, l.w.WriteAt(b[:], l.availBase+4+uint64(idx%16)*2))

	idx++
	var idxBuf [2]byte
	binary.LittleEndian.PutUint16(idxBuf[:], idx)
	require.NoError(t, l.w.WriteAt(idxBuf[:], l.availBase+2))

	require.NoError(t, dev.Registers().Write(mmio.RegQueueNotify, mmio.QueueCtrl))
}

func (l *testLayout) currentAvailIdx(t *testing.T) (uint16, error) {
	t.Helper()
	var b [2]byte
	if err := l.w.ReadAt(b[:], l.availBase+2); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}
