// Package ram models the flat guest-physical RAM window that the host
// emulator's CPU/memory subsystem hands to a device. The subsystem itself
// (page tables, vcpu exits, exception delivery) is an external collaborator;
// this package only supplies the byte window and the address validation the
// virtqueue and MMIO register file need when they walk guest-supplied
// pointers.
package ram

import (
	"errors"
	"fmt"
	"syscall"
)

// ErrOutOfRange is returned when a guest-physical address or access length
// falls outside the window.
var ErrOutOfRange = errors.New("ram: address out of range")

// ErrMisaligned is returned when an address fails a required alignment.
var ErrMisaligned = errors.New("ram: misaligned address")

// Window is a flat guest-physical RAM range. Implementations must be safe
// for concurrent ReadAt/WriteAt from one producer goroutine and one MMIO
// caller; the device never calls both on overlapping regions concurrently
// without synchronization.
type Window interface {
	// Size returns the window size in bytes.
	Size() uint64
	// ReadAt copies len(p) bytes starting at guest-physical offset off.
	ReadAt(p []byte, off uint64) error
	// WriteAt copies p into the window starting at guest-physical offset off.
	WriteAt(p []byte, off uint64) error
}

// Poison fills memory that the guest has not yet initialized, seeding RAM
// with a trapping instruction pattern rather than zeros so stray guest
// jumps into uninitialized memory fault loudly instead of silently
// executing zero bytes.
const Poison = "\xB8\xBE\xBA\xFE\xCA\x90\x0F\x0B"

// Mmap is an anonymous-mmap-backed Window, the default standalone
// implementation used by the demo command and by tests that want a real
// byte slice instead of a mock.
type Mmap struct {
	buf []byte
}

// NewMmap allocates a size-byte anonymous mapping and poison-fills it.
func NewMmap(size int) (*Mmap, error) {
	buf, err := syscall.Mmap(-1, 0, size, syscall.PROT_READ|syscall.PROT_WRITE,
		syscall.MAP_SHARED|syscall.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("ram: mmap %d bytes: %w", size, err)
	}

	for i := 0; i < len(buf); i += len(Poison) {
		copy(buf[i:], Poison)
	}

	return &Mmap{buf: buf}, nil
}

func (m *Mmap) Size() uint64 { return uint64(len(m.buf)) }

func (m *Mmap) ReadAt(p []byte, off uint64) error {
	end := off + uint64(len(p))
	if end < off || end > m.Size() {
		return fmt.Errorf("%w: off=%#x len=%d size=%#x", ErrOutOfRange, off, len(p), m.Size())
	}
	copy(p, m.buf[off:end])
	return nil
}

func (m *Mmap) WriteAt(p []byte, off uint64) error {
	end := off + uint64(len(p))
	if end < off || end > m.Size() {
		return fmt.Errorf("%w: off=%#x len=%d size=%#x", ErrOutOfRange, off, len(p), m.Size())
	}
	copy(m.buf[off:end], p)
	return nil
}

// Close releases the mapping.
func (m *Mmap) Close() error {
	if m.buf == nil {
		return nil
	}
	err := syscall.Munmap(m.buf)
	m.buf = nil
	return err
}

// ValidatePointer checks a guest-physical pointer against the window size
// and a required alignment, the check every programmed queue address must
// pass when QueueReady is set and on each notify, and every descriptor addr
// field must pass when its chain is walked.
func ValidatePointer(w Window, addr uint64, align uint64) error {
	if addr%align != 0 {
		return fmt.Errorf("%w: addr=%#x align=%d", ErrMisaligned, addr, align)
	}
	if addr >= w.Size() {
		return fmt.Errorf("%w: addr=%#x size=%#x", ErrOutOfRange, addr, w.Size())
	}
	return nil
}
