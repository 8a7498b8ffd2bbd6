package lifecycle

import (
	"fmt"
	"io"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/v-architect/nvmx/hostif"
	"github.com/v-architect/nvmx/vmcs"
)

type fakeFrame struct {
	buf      []byte
	released bool
}

func (f *fakeFrame) Bytes() []byte { return f.buf }
func (f *fakeFrame) Release()      { f.released = true }

type fakeMem struct {
	pages map[hostif.GuestPhysAddr]*vmcs.Page
	roMaps, rwMaps int
}

func newFakeMem() *fakeMem {
	return &fakeMem{pages: map[hostif.GuestPhysAddr]*vmcs.Page{}}
}

func (m *fakeMem) page(gpa hostif.GuestPhysAddr) *vmcs.Page {
	p, ok := m.pages[gpa]
	if !ok {
		p = &vmcs.Page{}
		m.pages[gpa] = p
	}
	return p
}

func (m *fakeMem) MapReadOnly(gpa hostif.GuestPhysAddr) (hostif.GuestFrame, error) {
	m.roMaps++
	return &fakeFrame{buf: m.page(gpa)[:]}, nil
}

func (m *fakeMem) MapReadWrite(gpa hostif.GuestPhysAddr) (hostif.GuestFrame, error) {
	m.rwMaps++
	return &fakeFrame{buf: m.page(gpa)[:]}, nil
}

func (m *fakeMem) CopyToGuestVirtual(linear uint64, length int, data []byte) error { return nil }
func (m *fakeMem) CopyFromGuestVirtual(linear uint64, length int) ([]byte, error)  { return nil, nil }
func (m *fakeMem) InstructionBytes(n int) []byte                                   { return nil }

type fakeHW struct {
	cleared, loaded int
}

func (h *fakeHW) ReadField(f vmcs.Field) (uint64, error)    { return 0, nil }
func (h *fakeHW) WriteField(f vmcs.Field, v uint64) error   { return nil }
func (h *fakeHW) Clear() error                              { h.cleared++; return nil }
func (h *fakeHW) Load() error                               { h.loaded++; return nil }
func (h *fakeHW) Snapshot(dst *vmcs.Page) error             { return nil }
func (h *fakeHW) SetLaunched(launched bool) error           { return nil }

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestLoadCurrentVVMCSMapsBitmaps(t *testing.T) {
	mem := newFakeMem()
	hw := &fakeHW{}
	mgr := New(mem, hw, &vmcs.Page{}, testLogger())

	const vvmcsGPA hostif.GuestPhysAddr = 0x3000
	page := mem.page(vvmcsGPA)
	vmcs.Write(page, vmcs.IOBitmapA, 0x5000)
	vmcs.Write(page, vmcs.IOBitmapB, 0x6000)

	if err := mgr.LoadCurrentVVMCS(vvmcsGPA); err != nil {
		t.Fatalf("LoadCurrentVVMCS: %v", err)
	}
	if mgr.CurrentGPA() != vvmcsGPA {
		t.Fatalf("CurrentGPA = 0x%x, want 0x%x", mgr.CurrentGPA(), vvmcsGPA)
	}
	if !mgr.BitmapMapped(BitmapA) || !mgr.BitmapMapped(BitmapB) {
		t.Fatalf("expected both bitmaps mapped")
	}
	if mem.roMaps != 2 {
		t.Fatalf("expected 2 read-only maps for bitmaps, got %d", mem.roMaps)
	}
}

func TestVMWriteToIOBitmapARemaps(t *testing.T) {
	mem := newFakeMem()
	hw := &fakeHW{}
	mgr := New(mem, hw, &vmcs.Page{}, testLogger())

	const vvmcsGPA hostif.GuestPhysAddr = 0x3000
	page := mem.page(vvmcsGPA)
	vmcs.Write(page, vmcs.IOBitmapA, 0x5000)
	vmcs.Write(page, vmcs.IOBitmapB, 0x6000)
	if err := mgr.LoadCurrentVVMCS(vvmcsGPA); err != nil {
		t.Fatalf("LoadCurrentVVMCS: %v", err)
	}

	// Simulate VMWRITE(IO_BITMAP_A, G) then the dispatcher's remap call.
	const newGPA = 0x9000
	vmcs.Write(mgr.CurrentPage(), vmcs.IOBitmapA, newGPA)
	if err := mgr.RemapIOBitmap(BitmapA); err != nil {
		t.Fatalf("RemapIOBitmap: %v", err)
	}

	want := mem.page(hostif.GuestPhysAddr(newGPA))
	got := mgr.BitmapBytes(BitmapA)
	if fmt.Sprintf("%p", got) != fmt.Sprintf("%p", (*want)[:]) {
		t.Fatalf("bitmap A does not reference frame at new GPA")
	}
}

func TestPurgeReleasesMappingsAndAssignsNil(t *testing.T) {
	mem := newFakeMem()
	hw := &fakeHW{}
	mgr := New(mem, hw, &vmcs.Page{}, testLogger())

	const vvmcsGPA hostif.GuestPhysAddr = 0x3000
	if err := mgr.LoadCurrentVVMCS(vvmcsGPA); err != nil {
		t.Fatalf("LoadCurrentVVMCS: %v", err)
	}
	frame := mgr.currentMap.(*fakeFrame)

	if err := mgr.Purge(); err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if !frame.released {
		t.Fatalf("expected current VVMCS frame to be released")
	}
	if mgr.currentMap != nil {
		t.Fatalf("expected currentMap to be assigned nil after purge, not merely compared")
	}
	if mgr.CurrentGPA() != hostif.Invalid {
		t.Fatalf("CurrentGPA = 0x%x, want Invalid sentinel", mgr.CurrentGPA())
	}
	if mgr.BitmapMapped(BitmapA) || mgr.BitmapMapped(BitmapB) {
		t.Fatalf("expected both bitmaps unmapped after purge")
	}
	if hw.cleared != 1 {
		t.Fatalf("expected shadow VMCS cleared exactly once, got %d", hw.cleared)
	}
}
