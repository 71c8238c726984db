package mmio_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gokvm-virtio/virtiosnd/mmio"
	"github.com/gokvm-virtio/virtiosnd/ram"
	"github.com/gokvm-virtio/virtiosnd/virtqueue"
)

func newTestRegs(t *testing.T, notify mmio.NotifyFunc) (*mmio.Registers, *ram.Mmap) {
	t.Helper()
	w, err := ram.NewMmap(1 << 20)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return mmio.New(w, []byte{1, 0, 0, 0, 2, 0, 0, 0}, notify, nil), w
}

func TestMagicVersionDeviceID(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegs(t, nil)

	v, err := r.Read(mmio.RegMagicValue)
	require.NoError(t, err)
	require.Equal(t, uint32(0x74726976), v)

	v, err = r.Read(mmio.RegDeviceID)
	require.NoError(t, err)
	require.Equal(t, uint32(25), v)

	v, err = r.Read(mmio.RegVersion)
	require.NoError(t, err)
	require.Equal(t, uint32(2), v)
}

func TestConfigWindowReadsBackInitBytes(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegs(t, nil)

	jacks, err := r.Read(mmio.RegConfig + 0)
	require.NoError(t, err)
	require.Equal(t, uint32(1), jacks)

	streams, err := r.Read(mmio.RegConfig + 4)
	require.NoError(t, err)
	require.Equal(t, uint32(2), streams)
}

func TestQueueProgrammingAndReady(t *testing.T) {
	t.Parallel()

	r, w := newTestRegs(t, nil)

	require.NoError(t, r.Write(mmio.RegQueueSel, mmio.QueueCtrl))
	require.NoError(t, r.Write(mmio.RegQueueNum, 8))

	descAddr := uint64(0x1000)
	availAddr := uint64(0x2000)
	usedAddr := uint64(0x3000)
	require.NoError(t, r.Write(mmio.RegQueueDescLow, uint32(descAddr)))
	require.NoError(t, r.Write(mmio.RegQueueAvailLow, uint32(availAddr)))
	require.NoError(t, r.Write(mmio.RegQueueUsedLow, uint32(usedAddr)))
	require.NoError(t, r.Write(mmio.RegQueueReady, 1))

	v, err := r.Read(mmio.RegQueueReady)
	require.NoError(t, err)
	require.Equal(t, uint32(1), v)

	q := &r.Queues()[mmio.QueueCtrl]
	require.True(t, q.Ready)
	require.Equal(t, descAddr, q.DescAddr)
	_ = w
}

func TestQueueReadySnapshotsLastAvailFromAvailIdx(t *testing.T) {
	t.Parallel()

	r, w := newTestRegs(t, nil)

	availAddr := uint64(0x2000)
	var availHdr [4]byte
	binary.LittleEndian.PutUint16(availHdr[2:4], 7) // avail.idx = 7
	require.NoError(t, w.WriteAt(availHdr[:], availAddr))

	require.NoError(t, r.Write(mmio.RegQueueSel, mmio.QueueCtrl))
	require.NoError(t, r.Write(mmio.RegQueueNum, 8))
	require.NoError(t, r.Write(mmio.RegQueueDescLow, 0x1000))
	require.NoError(t, r.Write(mmio.RegQueueAvailLow, uint32(availAddr)))
	require.NoError(t, r.Write(mmio.RegQueueUsedLow, 0x3000))
	require.NoError(t, r.Write(mmio.RegQueueReady, 1))

	q := &r.Queues()[mmio.QueueCtrl]
	require.True(t, q.Ready)
	require.EqualValues(t, 7, q.LastAvail)
}

func TestQueueReadyRejectsMisalignedDescAddr(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegs(t, nil)

	require.NoError(t, r.Write(mmio.RegQueueSel, mmio.QueueCtrl))
	require.NoError(t, r.Write(mmio.RegQueueNum, 8))
	require.NoError(t, r.Write(mmio.RegQueueDescLow, 3)) // not 4-byte aligned
	require.NoError(t, r.Write(mmio.RegQueueAvailLow, 0x2000))
	require.NoError(t, r.Write(mmio.RegQueueUsedLow, 0x3000))
	require.NoError(t, r.Write(mmio.RegQueueReady, 1))

	status, err := r.Read(mmio.RegStatus)
	require.NoError(t, err)
	require.NotZero(t, status&mmio.StatusDeviceNeedsReset)

	ready, err := r.Read(mmio.RegQueueReady)
	require.NoError(t, err)
	require.Zero(t, ready)
}

func TestNotifyDispatchesOnlyWhenDriverOKAndReady(t *testing.T) {
	t.Parallel()

	var notified []int
	r, _ := newTestRegs(t, func(queueIdx int, q *virtqueue.Queue) error {
		notified = append(notified, queueIdx)
		return nil
	})

	// Not ready, not DRIVER_OK yet: notify is a no-op.
	require.NoError(t, r.Write(mmio.RegQueueSel, mmio.QueueCtrl))
	require.NoError(t, r.Write(mmio.RegQueueNotify, mmio.QueueCtrl))
	require.Empty(t, notified)

	require.NoError(t, r.Write(mmio.RegQueueNum, 8))
	require.NoError(t, r.Write(mmio.RegQueueDescLow, 0x1000))
	require.NoError(t, r.Write(mmio.RegQueueAvailLow, 0x2000))
	require.NoError(t, r.Write(mmio.RegQueueUsedLow, 0x3000))
	require.NoError(t, r.Write(mmio.RegQueueReady, 1))
	require.NoError(t, r.Write(mmio.RegStatus, mmio.StatusDriverOK))

	require.NoError(t, r.Write(mmio.RegQueueNotify, mmio.QueueCtrl))
	require.Equal(t, []int{mmio.QueueCtrl}, notified)
}

func TestStatusZeroResetsButPreservesConfigAndRAM(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegs(t, nil)

	require.NoError(t, r.Write(mmio.RegStatus, mmio.StatusAcknowledge|mmio.StatusDriver))
	require.NoError(t, r.Write(mmio.RegQueueSel, mmio.QueueCtrl))
	require.NoError(t, r.Write(mmio.RegQueueNum, 8))

	require.NoError(t, r.Write(mmio.RegStatus, 0))

	status, err := r.Read(mmio.RegStatus)
	require.NoError(t, err)
	require.Zero(t, status)

	numAfter, err := r.Read(mmio.RegQueueNum)
	require.NoError(t, err)
	require.Zero(t, numAfter)

	jacks, err := r.Read(mmio.RegConfig + 0)
	require.NoError(t, err)
	require.Equal(t, uint32(1), jacks)
}

func TestAccessLoadRejectsIllegalWidthAndMisalignment(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegs(t, nil)

	_, err := r.AccessLoad(mmio.RegMagicValue, 2)
	require.Error(t, err)
	var accessErr *mmio.AccessError
	require.ErrorAs(t, err, &accessErr)
	require.Equal(t, mmio.AccessIllegalWidth, accessErr.Kind)

	_, err = r.AccessLoad(mmio.RegMagicValue+1, 4)
	require.Error(t, err)
	require.ErrorAs(t, err, &accessErr)
	require.Equal(t, mmio.AccessMisaligned, accessErr.Kind)

	v, err := r.AccessLoad(mmio.RegMagicValue, 4)
	require.NoError(t, err)
	require.Equal(t, uint32(0x74726976), v)
}

func TestAccessStoreRejectsIllegalWidthAndMisalignment(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegs(t, nil)

	err := r.AccessStore(mmio.RegQueueSel, 1, mmio.QueueCtrl)
	require.Error(t, err)
	var accessErr *mmio.AccessError
	require.ErrorAs(t, err, &accessErr)
	require.Equal(t, mmio.AccessIllegalWidth, accessErr.Kind)

	err = r.AccessStore(mmio.RegQueueSel+2, 4, mmio.QueueCtrl)
	require.Error(t, err)
	require.ErrorAs(t, err, &accessErr)
	require.Equal(t, mmio.AccessMisaligned, accessErr.Kind)

	require.NoError(t, r.AccessStore(mmio.RegQueueSel, 4, mmio.QueueCtrl))
}

func TestDriverFeaturesOnlyWritableAtBankZero(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegs(t, nil)

	require.NoError(t, r.Write(mmio.RegDriverFeaturesSel, 0))
	require.NoError(t, r.Write(mmio.RegDriverFeatures, 0xdeadbeef))
	v, err := r.Read(mmio.RegDriverFeatures)
	require.NoError(t, err)
	require.Equal(t, uint32(0xdeadbeef), v)

	require.NoError(t, r.Write(mmio.RegDriverFeaturesSel, 1))
	require.NoError(t, r.Write(mmio.RegDriverFeatures, 0xcafef00d))
	v, err = r.Read(mmio.RegDriverFeatures)
	require.NoError(t, err)
	require.Zero(t, v)
}

func TestInterruptAckClearsBits(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegs(t, nil)
	r.RaiseInterrupt(mmio.IntVRing | mmio.IntConfig)

	require.NoError(t, r.Write(mmio.RegInterruptACK, mmio.IntVRing))

	status, err := r.Read(mmio.RegInterruptStatus)
	require.NoError(t, err)
	require.Equal(t, uint32(mmio.IntConfig), status)
}
