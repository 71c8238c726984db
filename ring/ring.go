// Package ring implements a lock-free single-producer/single-consumer
// byte ring buffer.
//
// Each side keeps a reservation/publication pair: head is where the owning
// side stages its next read or write before touching the backing array,
// tail is the cursor the other side is allowed to observe. With exactly
// one producer and one consumer, head and tail always agree on each side
// by the time a call returns, but keeping the pair makes the fence point
// explicit and leaves room for a future multi-stage pipeline.
package ring

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/charmbracelet/log"

	"github.com/gokvm-virtio/virtiosnd/internal/logx"
)

// ErrNotPowerOfTwo is returned by New when size is not a power of two.
var ErrNotPowerOfTwo = errors.New("ring: size must be a power of two")

// Ring is a fixed-capacity byte ring buffer. The zero value is not usable;
// construct with New.
type Ring struct {
	buf  []byte
	size uint32
	mask uint32

	// prodHead/consHead are touched only by their owning side and are
	// never read from the other goroutine, so they need no atomics.
	prodHead uint32
	consHead uint32

	// prodTail/consTail are the publication points: each is written by its
	// owning side with an atomic Store (a release) and read by the other
	// side with an atomic Load (an acquire). That store/load pair is what
	// establishes happens-before between a payload write and the matching
	// read; a plain compiler barrier would not be enough on a weakly
	// ordered architecture.
	prodTail atomic.Uint32
	consTail atomic.Uint32

	log *log.Logger
}

// New allocates a ring of exactly size bytes. size must be a power of two
// (wraparound reduces to a mask); logger may be nil, in which case
// overrun/underrun warnings are discarded.
func New(size int, logger *log.Logger) (*Ring, error) {
	if size <= 0 || size&(size-1) != 0 {
		return nil, fmt.Errorf("%w: got %d", ErrNotPowerOfTwo, size)
	}
	return &Ring{
		buf:  make([]byte, size),
		size: uint32(size),
		mask: uint32(size - 1),
		log:  logx.New(logger, "ring"),
	}, nil
}

// Size returns the ring's capacity in bytes.
func (r *Ring) Size() int { return int(r.size) }

// Enqueue copies payload into the ring. Only safe to call from the single
// producer goroutine. If payload is larger than the currently free space,
// the overrun is logged and the reservation still advances past the
// unread bytes (last-writer-wins); callers are never blocked or signaled
// about it.
func (r *Ring) Enqueue(payload []byte) {
	n := uint32(len(payload))
	if n == 0 {
		return
	}

	consTail := r.consTail.Load()
	free := r.size - (r.prodHead - consTail)
	if n > free {
		r.log.Warn("ring overrun", "requested", n, "free", free)
	}

	start := r.prodHead & r.mask
	copyWrapped(r.buf, start, payload)

	r.prodHead += n
	r.prodTail.Store(r.prodHead)
}

// Dequeue fills out with bytes from the ring. Only safe to call from the
// single consumer goroutine. If fewer than len(out) bytes are available,
// the underrun is logged, the available bytes are copied first, and the
// remaining suffix of out is zero-filled.
//
// consHead only advances by the bytes actually available, not by len(out):
// advancing past data that was never produced would let cons.head run ahead
// of prod.head, breaking the cons.tail <= cons.head <= prod.head invariant.
//
// If an overrun has put more than Size bytes between consHead and the
// producer's tail, consHead first skips ahead to prodTail-Size, so reading
// resumes at the oldest byte still in the buffer.
func (r *Ring) Dequeue(out []byte) {
	n := uint32(len(out))
	if n == 0 {
		return
	}

	prodTail := r.prodTail.Load()
	entries := prodTail - r.consHead
	if entries > r.size {
		r.log.Warn("ring overrun lapped consumer", "skipped", entries-r.size)
		r.consHead = prodTail - r.size
		entries = r.size
	}

	avail := n
	if n > entries {
		r.log.Warn("ring underrun", "requested", n, "available", entries)
		avail = entries
	}

	start := r.consHead & r.mask
	copyOutWrapped(out[:avail], r.buf, start)
	for i := avail; i < n; i++ {
		out[i] = 0
	}

	r.consHead += avail
	r.consTail.Store(r.consHead)
}

// copyWrapped copies payload into buf starting at start, wrapping around the
// end of buf as many times as needed. A single overrun can exceed one full
// lap of the ring (last-writer-wins is unbounded), so this loops rather than
// assuming at most one wrap.
func copyWrapped(buf []byte, start uint32, payload []byte) {
	size := uint32(len(buf))
	for len(payload) > 0 {
		run := size - start
		if run > uint32(len(payload)) {
			run = uint32(len(payload))
		}
		copy(buf[start:start+run], payload[:run])
		payload = payload[run:]
		start = (start + run) % size
	}
}

func copyOutWrapped(out []byte, buf []byte, start uint32) {
	size := uint32(len(buf))
	for len(out) > 0 {
		run := size - start
		if run > uint32(len(out)) {
			run = uint32(len(out))
		}
		copy(out[:run], buf[start:start+run])
		out = out[run:]
		start = (start + run) % size
	}
}
