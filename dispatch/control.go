package dispatch

import (
	"errors"

	"github.com/v-architect/nvmx/lifecycle"
	"github.com/v-architect/nvmx/vmcs"
)

// CPU-based execution-control bits, values per the Intel SDM / Linux KVM
// vmx.h encoding table. Only the subset update_exec_control names is
// reproduced here.
const (
	TPRShadow                 uint64 = 0x00200000
	UnconditionalIOExiting    uint64 = 0x01000000
	ActivateIOBitmap          uint64 = 0x02000000
	ActivateMSRBitmap         uint64 = 0x10000000
	ActivateSecondaryControls uint64 = 0x80000000
)

// l1ReservedBits is the set of CPU-based execution-control features L0
// never lets L1 control directly; they are always stripped from l1_ctl
// before composing the hardware control word.
const l1ReservedBits = TPRShadow | ActivateMSRBitmap | ActivateSecondaryControls | ActivateIOBitmap | UnconditionalIOExiting

// errNoCurrentVVMCS is returned by UpdateExecControl when no VVMCS is
// loaded; the outer scheduler should not be attempting an L2 entry in that
// state.
var errNoCurrentVVMCS = errors.New("dispatch: UpdateExecControl: no current VVMCS")

// ShadowBitmapSet holds the four precomputed I/O-bitmap pages
// update_exec_control selects among, keyed on (port80 intercepted, portED
// intercepted). Each entry is a single page; the selected page is used as
// both IO_BITMAP_A and IO_BITMAP_B. The outer hypervisor builds these once
// at host init from its own default interception policy; this core only
// selects among them.
type ShadowBitmapSet struct {
	// Bitmaps[port80Intercepted][portEDIntercepted]
	Bitmaps [2][2]*vmcs.Page
}

// HostControl carries the inputs update_exec_control needs from the
// surrounding hypervisor: its baseline desired control word, its default
// I/O bitmap (used when L1 intercepts no I/O), and the four precomputed
// shadow bitmaps (used when L1 uses its own bitmaps).
type HostControl struct {
	Cntrl            uint64
	ExceptionBitmap  uint64
	SecondaryControl uint64
	DefaultBitmapA   *vmcs.Page
	DefaultBitmapB   *vmcs.Page
	Shadow           ShadowBitmapSet
}

// ExecControlResult is the outcome of update_exec_control: the composed
// hardware CPU-based execution-control word, the shadowed exception bitmap
// and secondary execution control, and the I/O bitmap pages (if any) the
// caller must program into the hardware VMCS's IO_BITMAP_A/B.
type ExecControlResult struct {
	Cntrl            uint64
	ExceptionBitmap  uint64
	SecondaryControl uint64
	BitmapA          *vmcs.Page
	BitmapB          *vmcs.Page
}

const (
	port80ByteOffset = 0x10
	port80BitMask    = 0x01
	portEDByteOffset = 0x1D
	portEDBitMask    = 0x20
)

func portIntercepted(bitmapA []byte, byteOffset int, mask byte) bool {
	if len(bitmapA) <= byteOffset {
		return false
	}
	return bitmapA[byteOffset]&mask != 0
}

// deriveShadowBitmap inspects ports 0x80 and 0xED in l1BitmapA and selects
// the matching precomputed shadow bitmap page, returning that one page as
// both the A and the B bitmap.
func deriveShadowBitmap(l1BitmapA []byte, shadow ShadowBitmapSet) (*vmcs.Page, *vmcs.Page) {
	p80 := 0
	if portIntercepted(l1BitmapA, port80ByteOffset, port80BitMask) {
		p80 = 1
	}
	pED := 0
	if portIntercepted(l1BitmapA, portEDByteOffset, portEDBitMask) {
		pED = 1
	}
	page := shadow.Bitmaps[p80][pED]
	return page, page
}

// updateExecControl computes the composite CPU-based execution-control
// word for an L2 entry. vvmcs is the current VVMCS page; l1BitmapA is L1's
// IO_BITMAP_A page bytes (nil if L1 has not mapped one).
func updateExecControl(vvmcs *vmcs.Page, l1BitmapA []byte, host HostControl) ExecControlResult {
	l1Ctl := vmcs.Read(vvmcs, vmcs.CPUBasedVMExecControl)
	pioCtl := l1Ctl & (ActivateIOBitmap | UnconditionalIOExiting)
	l1Ctl &^= l1ReservedBits

	cntrl := l1Ctl | host.Cntrl

	result := ExecControlResult{
		ExceptionBitmap:  vmcs.Read(vvmcs, vmcs.ExceptionBitmap) | host.ExceptionBitmap,
		SecondaryControl: vmcs.Read(vvmcs, vmcs.SecondaryVMExecControl) | host.SecondaryControl,
	}
	switch {
	case pioCtl == UnconditionalIOExiting:
		cntrl |= UnconditionalIOExiting
		cntrl &^= ActivateIOBitmap
	case pioCtl == 0:
		cntrl |= ActivateIOBitmap
		result.BitmapA = host.DefaultBitmapA
		result.BitmapB = host.DefaultBitmapB
	default:
		cntrl |= ActivateIOBitmap
		result.BitmapA, result.BitmapB = deriveShadowBitmap(l1BitmapA, host.Shadow)
	}
	result.Cntrl = cntrl
	return result
}

// UpdateExecControl is the exported entry point the outer scheduler calls
// before an L2 entry to synthesize the hardware CPU-based execution
// control, exception bitmap, and secondary execution control, and to
// select the I/O bitmap pages (if any) to program into the hardware VMCS.
func (d *Dispatcher) UpdateExecControl(host HostControl) (ExecControlResult, error) {
	page := d.lc.CurrentPage()
	if page == nil {
		return ExecControlResult{}, errNoCurrentVVMCS
	}

	l1BitmapA := d.lc.BitmapBytes(lifecycle.BitmapA)
	return updateExecControl(page, l1BitmapA, host), nil
}
