// Package virtqueue walks virtio descriptor chains over a guest RAM window.
//
// A queue's descriptor table, avail ring, and used ring addresses are
// programmed independently by the driver rather than assumed to live in a
// fixed, page-aligned layout, and are read through the ram.Window
// abstraction rather than an unsafe.Pointer cast into a host-mapped slice.
package virtqueue

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gokvm-virtio/virtiosnd/ram"
)

// Descriptor flag bits (virtio spec, ring format).
const (
	DescFNext  = uint16(1)
	DescFWrite = uint16(2)
)

// MaxQueueNum is the largest queue size this device will program into
// QueueNumMax.
const MaxQueueNum = 1024

// Descriptor-count shapes for the chains this device recognizes.
const (
	// CtrlChainMinDescs is a control chain with no response payload:
	// request header, response header.
	CtrlChainMinDescs = 2
	// CtrlChainWithPayloadDescs is a control chain carrying a response
	// payload: request header, response header, response payload.
	CtrlChainWithPayloadDescs = 3
	// TxChainMinDescs is the smallest valid TX chain: transfer header, one
	// payload descriptor, status descriptor.
	TxChainMinDescs = 3
)

// ErrQueueNotReady is returned when an operation targets a queue that has
// not had QueueReady set.
var ErrQueueNotReady = errors.New("virtqueue: queue not ready")

// ErrChainOverrun is returned when a descriptor chain's NEXT links loop or
// exceed the queue's descriptor count without terminating.
var ErrChainOverrun = errors.New("virtqueue: descriptor chain overrun")

// ErrAvailOverrun is returned when the avail ring producer index has
// advanced by more than Num since last_avail, which would require
// processing more in-flight chains than the queue can hold.
var ErrAvailOverrun = errors.New("virtqueue: avail ring overrun")

// Descriptor is one entry of a descriptor chain, decoded from guest memory.
type Descriptor struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

func (d Descriptor) hasNext() bool { return d.Flags&DescFNext != 0 }

// Queue holds the guest-physical addresses and bookkeeping for one
// virtqueue, mirroring the register-programmed state in the MMIO register
// file.
type Queue struct {
	Num       uint16
	Ready     bool
	DescAddr  uint64
	AvailAddr uint64
	UsedAddr  uint64
	LastAvail uint16
	usedIdx   uint16
}

// Reset clears a queue back to its unprogrammed state (device reset, or
// QueueReady written with bit 0 clear).
func (q *Queue) Reset() {
	*q = Queue{}
}

const descSize = 16 // addr(8) + len(4) + flags(2) + next(2)

func descOffset(q *Queue, idx uint16) uint64 {
	return q.DescAddr + uint64(idx)*descSize
}

func readDescriptor(w ram.Window, q *Queue, idx uint16) (Descriptor, error) {
	var buf [descSize]byte
	if err := w.ReadAt(buf[:], descOffset(q, idx)); err != nil {
		return Descriptor{}, fmt.Errorf("virtqueue: read descriptor %d: %w", idx, err)
	}
	return Descriptor{
		Addr:  binary.LittleEndian.Uint64(buf[0:8]),
		Len:   binary.LittleEndian.Uint32(buf[8:12]),
		Flags: binary.LittleEndian.Uint16(buf[12:14]),
		Next:  binary.LittleEndian.Uint16(buf[14:16]),
	}, nil
}

// AvailIdx returns the avail ring's producer index (avail.idx field, byte
// offset 2 in the avail ring header).
func AvailIdx(w ram.Window, q *Queue) (uint16, error) {
	var buf [2]byte
	if err := w.ReadAt(buf[:], q.AvailAddr+2); err != nil {
		return 0, fmt.Errorf("virtqueue: read avail.idx: %w", err)
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

// AvailNoInterrupt reports whether the avail ring's VIRTQ_AVAIL_F_NO_INTERRUPT
// flag (bit 0 of the avail ring header) is set.
func AvailNoInterrupt(w ram.Window, q *Queue) (bool, error) {
	var buf [2]byte
	if err := w.ReadAt(buf[:], q.AvailAddr); err != nil {
		return false, fmt.Errorf("virtqueue: read avail.flags: %w", err)
	}
	return binary.LittleEndian.Uint16(buf[:])&0x1 != 0, nil
}

func availRingEntry(w ram.Window, q *Queue, ringIdx uint16) (uint16, error) {
	var buf [2]byte
	off := q.AvailAddr + 4 + uint64(ringIdx%q.Num)*2
	if err := w.ReadAt(buf[:], off); err != nil {
		return 0, fmt.Errorf("virtqueue: read avail.ring[%d]: %w", ringIdx, err)
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

// writeUsedEntry records one completed chain (buffer index + total bytes
// written) and advances used.idx.
func (q *Queue) writeUsedEntry(w ram.Window, bufIdx uint16, length uint32) error {
	slot := q.usedIdx % q.Num
	off := q.UsedAddr + 4 + uint64(slot)*8
	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(bufIdx))
	binary.LittleEndian.PutUint32(buf[4:8], length)
	if err := w.WriteAt(buf[:], off); err != nil {
		return fmt.Errorf("virtqueue: write used entry: %w", err)
	}
	q.usedIdx++
	var idxBuf [2]byte
	binary.LittleEndian.PutUint16(idxBuf[:], q.usedIdx)
	if err := w.WriteAt(idxBuf[:], q.UsedAddr+2); err != nil {
		return fmt.Errorf("virtqueue: write used.idx: %w", err)
	}
	return nil
}

// Chain is a fully-walked descriptor chain: the head buffer index (used to
// address the used-ring entry) and the ordered descriptors.
type Chain struct {
	Head  uint16
	Descs []Descriptor
}

// WalkChain follows the NEXT flag starting at descriptor index head until a
// descriptor without NEXT set is reached, or the walk exceeds Num hops
// (treated as a malformed, looping chain). Every descriptor's addr is
// validated against RAM bounds and 4-byte alignment as it's read; a failure
// here is an InvalidGuestAddress per spec §7 and propagates up so the caller
// sets DEVICE_NEEDS_RESET instead of handing a bad pointer to a handler.
func WalkChain(w ram.Window, q *Queue, head uint16) (Chain, error) {
	chain := Chain{Head: head}
	idx := head
	for i := uint16(0); i < q.Num; i++ {
		d, err := readDescriptor(w, q, idx)
		if err != nil {
			return Chain{}, err
		}
		if err := ram.ValidatePointer(w, d.Addr, 4); err != nil {
			return Chain{}, fmt.Errorf("virtqueue: descriptor %d addr: %w", idx, err)
		}
		chain.Descs = append(chain.Descs, d)
		if !d.hasNext() {
			return chain, nil
		}
		idx = d.Next
	}
	return Chain{}, fmt.Errorf("%w: head=%d", ErrChainOverrun, head)
}

// HandlerFunc processes one fully-walked descriptor chain and returns the
// number of bytes to record in the chain's used-ring entry.
type HandlerFunc func(chain Chain) (usedLen uint32, err error)

// Drain processes every chain newly available on q (from LastAvail up to
// the current avail.idx, bounded by Num) and reports whether an interrupt
// should be raised (avail ring's NO_INTERRUPT flag clear and at least one
// chain was processed).
func Drain(w ram.Window, q *Queue, handle HandlerFunc) (raiseInterrupt bool, err error) {
	if !q.Ready {
		return false, ErrQueueNotReady
	}

	idx, err := AvailIdx(w, q)
	if err != nil {
		return false, err
	}

	pending := idx - q.LastAvail
	if pending > q.Num {
		return false, fmt.Errorf("%w: pending=%d num=%d", ErrAvailOverrun, pending, q.Num)
	}

	processed := false
	for q.LastAvail != idx {
		head, err := availRingEntry(w, q, q.LastAvail)
		if err != nil {
			return false, err
		}

		chain, err := WalkChain(w, q, head)
		if err != nil {
			return false, err
		}

		usedLen, err := handle(chain)
		if err != nil {
			return false, err
		}

		if err := q.writeUsedEntry(w, head, usedLen); err != nil {
			return false, err
		}

		q.LastAvail++
		processed = true
	}

	if !processed {
		return false, nil
	}

	noInterrupt, err := AvailNoInterrupt(w, q)
	if err != nil {
		return false, err
	}
	return !noInterrupt, nil
}
