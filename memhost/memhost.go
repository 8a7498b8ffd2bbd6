// Package memhost is a standalone reference implementation of the hostif
// collaborator interfaces, backed by a single flat anonymous mmap'd guest
// memory buffer. It exists for local development and integration testing
// outside of a real hypervisor: guest physical addresses and guest-virtual
// linear addresses are both treated as identity-mapped flat offsets into
// one buffer, with no paging or segment enforcement. Guest memory is a flat
// mmap'd, zero-initialized slice, acquired via golang.org/x/sys/unix's Mmap
// wrapper.
package memhost

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/v-architect/nvmx/hostif"
)

// Memory is a flat, anonymously-mmap'd guest address space.
type Memory struct {
	buf []byte
}

// New allocates a size-byte guest memory buffer via an anonymous mmap.
func New(size int) (*Memory, error) {
	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("memhost: mmap %d bytes: %w", size, err)
	}
	return &Memory{buf: buf}, nil
}

// Close unmaps the guest memory buffer.
func (m *Memory) Close() error {
	if m.buf == nil {
		return nil
	}
	err := unix.Munmap(m.buf)
	m.buf = nil
	return err
}

const pageSize = 4096

func (m *Memory) pageAt(gpa hostif.GuestPhysAddr) ([]byte, error) {
	start := int(gpa)
	if start < 0 || start+pageSize > len(m.buf) {
		return nil, fmt.Errorf("memhost: gpa 0x%x out of range (buffer size %d): %w", gpa, len(m.buf), hostif.ErrCopyFailed)
	}
	return m.buf[start : start+pageSize], nil
}

type frame struct{ bytes []byte }

func (f frame) Bytes() []byte { return f.bytes }
func (frame) Release()        {}

// MapReadOnly acquires a read-only view of the guest page at gpa. The
// returned frame shares the backing array; memhost does not enforce
// read-only access, matching its role as a test harness, not a security
// boundary.
func (m *Memory) MapReadOnly(gpa hostif.GuestPhysAddr) (hostif.GuestFrame, error) {
	b, err := m.pageAt(gpa)
	if err != nil {
		return nil, err
	}
	return frame{bytes: b}, nil
}

// MapReadWrite acquires a read/write view of the guest page at gpa.
func (m *Memory) MapReadWrite(gpa hostif.GuestPhysAddr) (hostif.GuestFrame, error) {
	b, err := m.pageAt(gpa)
	if err != nil {
		return nil, err
	}
	return frame{bytes: b}, nil
}

// CopyToGuestVirtual writes data to the flat offset linear, with no paging
// or segment limit enforcement.
func (m *Memory) CopyToGuestVirtual(linear uint64, length int, data []byte) error {
	if int(linear)+length > len(m.buf) || length > len(data) {
		return fmt.Errorf("memhost: write at 0x%x len %d out of range: %w", linear, length, hostif.ErrCopyFailed)
	}
	copy(m.buf[linear:int(linear)+length], data[:length])
	return nil
}

// CopyFromGuestVirtual reads length bytes from the flat offset linear.
func (m *Memory) CopyFromGuestVirtual(linear uint64, length int) ([]byte, error) {
	if int(linear)+length > len(m.buf) {
		return nil, fmt.Errorf("memhost: read at 0x%x len %d out of range: %w", linear, length, hostif.ErrCopyFailed)
	}
	out := make([]byte, length)
	copy(out, m.buf[linear:int(linear)+length])
	return out, nil
}

// InstructionBytes returns up to n bytes from the start of the buffer;
// memhost has no notion of a faulting RIP, so callers relying on
// decode.DisassembleAt for real diagnostics need a GuestMemory that tracks
// one.
func (m *Memory) InstructionBytes(n int) []byte {
	if n > len(m.buf) {
		n = len(m.buf)
	}
	return m.buf[:n]
}
