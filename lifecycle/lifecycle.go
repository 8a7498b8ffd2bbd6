// Package lifecycle owns the mapping of guest pages that back the
// currently-pointed VVMCS and its two I/O bitmap pages, and the VMCLEAR
// state of the shadow hardware VMCS used while L2 runs. It implements the
// four primitive operations of the VVMCS lifecycle plus the "purge"
// sequence invoked on VMXOFF, on vCPU destruction, and on any VMPTRLD
// targeting a different GPA.
package lifecycle

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/v-architect/nvmx/hostif"
	"github.com/v-architect/nvmx/vmcs"
)

// Bitmap names the two I/O bitmap slots.
type Bitmap int

const (
	BitmapA Bitmap = iota
	BitmapB
)

func (b Bitmap) fields() (full, high vmcs.Field) {
	if b == BitmapA {
		return vmcs.IOBitmapA, vmcs.IOBitmapAHigh
	}
	return vmcs.IOBitmapB, vmcs.IOBitmapBHigh
}

// Manager tracks current-VVMCS and I/O-bitmap guest-frame mappings for one
// vCPU. It has exactly one writer: the vCPU thread that owns it.
type Manager struct {
	mem hostif.GuestMemory
	hw  hostif.HardwareVMCS
	log logrus.FieldLogger

	shadow *vmcs.Page // the vCPU's always-owned shadow VMCS backing buffer

	currentGPA hostif.GuestPhysAddr
	currentMap hostif.GuestFrame

	ioBitmap [2]hostif.GuestFrame
}

// New constructs a Manager for one vCPU's nested state. shadow is the
// vCPU's exclusively-owned shadow VMCS buffer, created at vCPU init and
// never reallocated.
func New(mem hostif.GuestMemory, hw hostif.HardwareVMCS, shadow *vmcs.Page, log logrus.FieldLogger) *Manager {
	return &Manager{
		mem:        mem,
		hw:         hw,
		log:        log,
		shadow:     shadow,
		currentGPA: hostif.Invalid,
	}
}

// CurrentGPA reports the GPA of the VVMCS currently pointed to by L1, or
// hostif.Invalid if none.
func (m *Manager) CurrentGPA() hostif.GuestPhysAddr { return m.currentGPA }

// CurrentPage returns the mapped bytes of the current VVMCS, or nil if none
// is loaded.
func (m *Manager) CurrentPage() *vmcs.Page {
	if m.currentMap == nil {
		return nil
	}
	return (*vmcs.Page)(m.currentMap.Bytes())
}

// BitmapMapped reports whether the I/O bitmap bit is currently mapped.
func (m *Manager) BitmapMapped(b Bitmap) bool { return m.ioBitmap[b] != nil }

// BitmapBytes returns the mapped bytes for bitmap b, or nil if unmapped.
func (m *Manager) BitmapBytes(b Bitmap) []byte {
	if m.ioBitmap[b] == nil {
		return nil
	}
	return m.ioBitmap[b].Bytes()
}

// ClearShadow issues VMCLEAR against the shadow VMCS so it is not cached on
// any logical CPU.
func (m *Manager) ClearShadow() error {
	return m.hw.Clear()
}

// LoadCurrentVVMCS records gpa as the current VVMCS, acquires a read/write
// mapping of that guest frame, and remaps both I/O bitmaps from the fields
// stored inside it.
func (m *Manager) LoadCurrentVVMCS(gpa hostif.GuestPhysAddr) error {
	frame, err := m.mem.MapReadWrite(gpa)
	if err != nil {
		return fmt.Errorf("lifecycle: map VVMCS at gpa 0x%x: %w", gpa, err)
	}
	m.currentGPA = gpa
	m.currentMap = frame

	if err := m.RemapIOBitmap(BitmapA); err != nil {
		return err
	}
	return m.RemapIOBitmap(BitmapB)
}

// UnloadCurrentVVMCS releases the current VVMCS mapping (if any), clears
// current GPA to the invalid sentinel, and releases both I/O-bitmap
// mappings.
func (m *Manager) UnloadCurrentVVMCS() {
	if m.currentMap != nil {
		m.currentMap.Release()
		m.currentMap = nil
	}
	m.currentGPA = hostif.Invalid

	m.releaseBitmap(BitmapA)
	m.releaseBitmap(BitmapB)
}

func (m *Manager) releaseBitmap(b Bitmap) {
	if m.ioBitmap[b] != nil {
		m.ioBitmap[b].Release()
		m.ioBitmap[b] = nil
	}
}

// RemapIOBitmap releases the existing mapping for which (if present), reads
// the GPA currently stored at the corresponding IO_BITMAP field in the
// active VVMCS, and acquires a fresh read-only mapping of that guest frame.
func (m *Manager) RemapIOBitmap(which Bitmap) error {
	m.releaseBitmap(which)

	page := m.CurrentPage()
	if page == nil {
		return fmt.Errorf("lifecycle: RemapIOBitmap(%v) with no current VVMCS loaded", which)
	}

	// The full (access_type=0) encoding already yields the complete
	// 64-bit GPA the codec has assembled from both halves of the slot;
	// the high-half encoding exists only so VMWRITE can patch the upper
	// 32 bits independently.
	full, _ := which.fields()
	gpa := hostif.GuestPhysAddr(vmcs.Read(page, full))

	frame, err := m.mem.MapReadOnly(gpa)
	if err != nil {
		return fmt.Errorf("lifecycle: map I/O bitmap %v at gpa 0x%x: %w", which, gpa, err)
	}
	m.ioBitmap[which] = frame
	return nil
}

// Purge clears the shadow VMCS, unloads the current VVMCS, and releases
// both I/O-bitmap mappings. It is invoked on VMXOFF, on a VMPTRLD targeting
// a GPA different from the one currently loaded, and on vCPU teardown.
func (m *Manager) Purge() error {
	if err := m.ClearShadow(); err != nil {
		return fmt.Errorf("lifecycle: purge: clear shadow: %w", err)
	}
	m.UnloadCurrentVVMCS()
	return nil
}

// WarnVMXONOverwrite logs that a VMXON executed while a prior VMXON region
// was already active.
func (m *Manager) WarnVMXONOverwrite(prior, next uint64) {
	m.log.WithFields(logrus.Fields{"prior_region": prior, "next_region": next}).
		Warn("lifecycle: VMXON executed with a VMXON region already active")
}

// WarnVMCLEARMismatch logs that a VMCLEAR targeted a GPA other than the
// current VVMCS; this is a no-op, not a fault.
func (m *Manager) WarnVMCLEARMismatch(gpa, current hostif.GuestPhysAddr) {
	m.log.WithFields(logrus.Fields{"gpa": uint64(gpa), "current": uint64(current)}).
		Warn("lifecycle: VMCLEAR of a non-current VVMCS left the loaded VVMCS unchanged")
}
