// Package dispatch implements the nine VMX-instruction opcode handlers
// (VMXON, VMXOFF, VMPTRLD, VMPTRST, VMCLEAR, VMREAD, VMWRITE, VMLAUNCH,
// VMRESUME) and the composite shadow execution-control computation used
// before a nested entry into L2. Every handler runs the privilege gate
// first and ends by reporting one of the three architected VM-instruction
// outcomes; nothing here retries or panics on a malformed guest.
package dispatch

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/v-architect/nvmx/decode"
	"github.com/v-architect/nvmx/hostif"
	"github.com/v-architect/nvmx/lifecycle"
	"github.com/v-architect/nvmx/privilege"
	"github.com/v-architect/nvmx/vmcs"
)

// Opcode is the closed set of VMX instructions this dispatcher handles.
type Opcode int

const (
	On Opcode = iota
	Off
	PtrLd
	PtrSt
	Clear
	Read
	Write
	Launch
	Resume
)

// HandlerResult is a handler's architectural verdict.
type HandlerResult int

const (
	// Success: VMsucceed, EFLAGS status flags cleared.
	Success HandlerResult = iota
	// FailValid: VMfailValid, ZF set.
	FailValid
	// FailInvalid: VMfailInvalid, CF set.
	FailInvalid
	// Exception: a fault was already injected (or a guest-memory copy
	// or guest-frame mapping failed); the outer emulator must not advance
	// RIP.
	Exception
)

// ErrNotImplemented is returned by the explicit not-yet-implemented hooks;
// they must not invent a value in place of the real one.
var ErrNotImplemented = errors.New("dispatch: hook not implemented")

// Dispatcher holds one vCPU's nested-VMX state: the VMXON region, the
// always-owned shadow VMCS, the VVMCS lifecycle manager, and the
// pending-nested-entry flag. It has exactly one writer, the vCPU thread
// that owns it; see the package doc for the concurrency model.
type Dispatcher struct {
	mem  hostif.GuestMemory
	regs hostif.RegisterFile
	inj  hostif.ExceptionInjector
	log  logrus.FieldLogger

	liveHW   hostif.HardwareVMCS // host_vmcs: the real VMCS in effect while L1 runs directly
	shadowHW hostif.HardwareVMCS // the shadow VMCS's hardware handle, loaded only while L2 runs
	shadow   *vmcs.Page          // the shadow VMCS's backing buffer

	lc *lifecycle.Manager

	vmxonRegionPA  uint64
	vmEntryPending bool
}

// New constructs a Dispatcher for one vCPU. shadow is the vCPU's
// exclusively-owned 4 KiB shadow VMCS buffer, allocated once at vCPU init.
func New(mem hostif.GuestMemory, regs hostif.RegisterFile, inj hostif.ExceptionInjector,
	liveHW, shadowHW hostif.HardwareVMCS, shadow *vmcs.Page, log logrus.FieldLogger) *Dispatcher {
	return &Dispatcher{
		mem:      mem,
		regs:     regs,
		inj:      inj,
		log:      log,
		liveHW:   liveHW,
		shadowHW: shadowHW,
		shadow:   shadow,
		lc:       lifecycle.New(mem, shadowHW, shadow, log),
	}
}

// VMXONRegionPA reports the VMXON region GPA, or 0 if VMXON has not
// executed.
func (d *Dispatcher) VMXONRegionPA() uint64 { return d.vmxonRegionPA }

// VMEntryPending reports whether the last successful VMLAUNCH/VMRESUME
// requires the outer scheduler to perform a nested entry into L2 on the
// next resume.
func (d *Dispatcher) VMEntryPending() bool { return d.vmEntryPending }

// ClearVMEntryPending is called by the outer scheduler once it has acted on
// VMEntryPending.
func (d *Dispatcher) ClearVMEntryPending() { d.vmEntryPending = false }

// Lifecycle exposes the VVMCS lifecycle manager, e.g. for vCPU teardown to
// call Purge.
func (d *Dispatcher) Lifecycle() *lifecycle.Manager { return d.lc }

func (d *Dispatcher) gateState(base privilege.GateState, forVMXON bool) privilege.GateState {
	base.VMXONRegionPA = d.vmxonRegionPA
	return base
}

// operandGPA resolves a decoded instruction operand to a GPA, for the
// pointer-taking instructions (VMXON, VMPTRLD, VMCLEAR) whose memory
// operand holds the address of a quadword containing the target physical
// address.
func (d *Dispatcher) operandGPA(op decode.Decoded) (uint64, HandlerResult) {
	if !op.IsMemory {
		return d.regs.ReadGuestRegister(op.Reg1), Success
	}
	raw, err := d.mem.CopyFromGuestVirtual(op.LinearAddr, 8)
	if err != nil || len(raw) != 8 {
		return 0, Exception
	}
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(raw[i])
	}
	return v, Success
}

func le64(v uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return b
}

// decodeOperand runs the privilege gate then the instruction decoder,
// folding both into the handler-result vocabulary. ok is false if the
// caller must return immediately with result.
func (d *Dispatcher) gateAndDecode(gate privilege.GateState, forVMXON bool, info decode.ExitInfo,
	qualification uint64, segs decode.Segments) (decode.Decoded, HandlerResult, bool) {
	if privilege.Check(d.gateState(gate, forVMXON), forVMXON, d.inj) == privilege.EXCEPTION {
		return decode.Decoded{}, Exception, false
	}
	decoded, fault := decode.Decode(info, qualification, d.regs, segs)
	if fault != nil {
		d.inj.InjectException(fault.Vector, fault.ErrorCode)
		return decode.Decoded{}, Exception, false
	}
	return decoded, Success, true
}

// Diagnose best-effort re-decodes op for diagnostic logging on the
// Exception path, where the handler's own decode may never have run (a
// privilege-gate fault) or may itself be what failed. It never returns an
// error: an undecodable operand degrades to a literal message rather than
// blocking the log line.
func (d *Dispatcher) Diagnose(info decode.ExitInfo, qualification uint64, segs decode.Segments) string {
	decoded, fault := decode.Decode(info, qualification, d.regs, segs)
	if fault != nil {
		return fmt.Sprintf("undecodable (fault vector=%d): %s", fault.Vector, decode.DisassembleAt(d.mem))
	}
	return fmt.Sprintf("%s, disassembly %s", decode.Format(decoded), decode.DisassembleAt(d.mem))
}

// VMXON records the VMXON region and snapshots the currently-loaded
// hardware VMCS (the one backing L1's direct execution) into the shadow
// VMCS buffer.
func (d *Dispatcher) VMXON(gate privilege.GateState, info decode.ExitInfo, qualification uint64, segs decode.Segments) HandlerResult {
	decoded, res, ok := d.gateAndDecode(gate, true, info, qualification, segs)
	if !ok {
		return res
	}
	gpa, res := d.operandGPA(decoded)
	if res != Success {
		return res
	}

	if d.vmxonRegionPA != 0 {
		d.lc.WarnVMXONOverwrite(d.vmxonRegionPA, gpa)
	}
	d.vmxonRegionPA = gpa

	// Snapshot sequence: VMCLEAR the live VMCS, copy its contents into the
	// shadow buffer, VMPTRLD the live VMCS back. Bracketed so a failure
	// partway through still restores the hardware pointer to liveHW.
	if err := d.liveHW.Clear(); err != nil {
		d.log.WithError(err).Error("dispatch: VMXON: clear live VMCS")
		return FailInvalid
	}
	snapshotErr := d.liveHW.Snapshot(d.shadow)
	if err := d.liveHW.Load(); err != nil {
		d.log.WithError(err).Error("dispatch: VMXON: reload live VMCS")
	}
	if snapshotErr != nil {
		d.log.WithError(snapshotErr).Error("dispatch: VMXON: snapshot live VMCS")
		return FailInvalid
	}
	if err := d.liveHW.SetLaunched(false); err != nil {
		d.log.WithError(err).Error("dispatch: VMXON: clear live VMCS launched state")
		return FailInvalid
	}

	return Success
}

// VMXOFF purges all VVMCS lifecycle state and clears the VMXON region.
func (d *Dispatcher) VMXOFF(gate privilege.GateState, info decode.ExitInfo, qualification uint64, segs decode.Segments) HandlerResult {
	_, res, ok := d.gateAndDecode(gate, false, info, qualification, segs)
	if !ok {
		return res
	}
	if err := d.lc.Purge(); err != nil {
		d.log.WithError(err).Error("dispatch: VMXOFF: purge")
	}
	d.vmxonRegionPA = 0
	return Success
}

// VMPTRLD loads a new current VVMCS, purging the previous one first if the
// GPA differs.
func (d *Dispatcher) VMPTRLD(gate privilege.GateState, info decode.ExitInfo, qualification uint64, segs decode.Segments) HandlerResult {
	decoded, res, ok := d.gateAndDecode(gate, false, info, qualification, segs)
	if !ok {
		return res
	}
	gpa, res := d.operandGPA(decoded)
	if res != Success {
		return res
	}

	// Fails if gpa aliases the VMXON region OR is not 4 KiB aligned.
	if gpa == d.vmxonRegionPA || gpa&0xFFF != 0 {
		return FailInvalid
	}

	if hostif.GuestPhysAddr(gpa) != d.lc.CurrentGPA() {
		if d.lc.CurrentGPA() != hostif.Invalid {
			if err := d.lc.Purge(); err != nil {
				d.log.WithError(err).Error("dispatch: VMPTRLD: purge previous VVMCS")
			}
		}
		if err := d.lc.LoadCurrentVVMCS(hostif.GuestPhysAddr(gpa)); err != nil {
			d.log.WithError(err).Error("dispatch: VMPTRLD: load VVMCS")
			return Exception
		}
	}
	return Success
}

// VMPTRST writes the current VVMCS GPA (or the invalid sentinel) to the
// decoded operand location.
func (d *Dispatcher) VMPTRST(gate privilege.GateState, info decode.ExitInfo, qualification uint64, segs decode.Segments) HandlerResult {
	decoded, res, ok := d.gateAndDecode(gate, false, info, qualification, segs)
	if !ok {
		return res
	}

	gpa := uint64(d.lc.CurrentGPA())
	if decoded.IsMemory {
		if err := d.mem.CopyToGuestVirtual(decoded.LinearAddr, decoded.Length, le64(gpa)[:decoded.Length]); err != nil {
			return Exception
		}
	} else {
		d.regs.WriteGuestRegister(decoded.Reg1, gpa)
	}
	return Success
}

// VMCLEAR zeroes the VVMCS's LAUNCH_STATE (if it is the current one) and
// purges the lifecycle state. A VMCLEAR of a GPA other than the currently
// loaded VVMCS is a logged no-op.
func (d *Dispatcher) VMCLEAR(gate privilege.GateState, info decode.ExitInfo, qualification uint64, segs decode.Segments) HandlerResult {
	decoded, res, ok := d.gateAndDecode(gate, false, info, qualification, segs)
	if !ok {
		return res
	}
	gpa, res := d.operandGPA(decoded)
	if res != Success {
		return res
	}

	if gpa&0xFFF != 0 {
		return FailInvalid
	}

	if hostif.GuestPhysAddr(gpa) != d.lc.CurrentGPA() {
		if d.lc.CurrentGPA() != hostif.Invalid {
			d.lc.WarnVMCLEARMismatch(hostif.GuestPhysAddr(gpa), d.lc.CurrentGPA())
		}
		return Success
	}

	if page := d.lc.CurrentPage(); page != nil {
		vmcs.Write(page, vmcs.LaunchState, 0)
	}
	if err := d.lc.Purge(); err != nil {
		d.log.WithError(err).Error("dispatch: VMCLEAR: purge")
	}
	return Success
}

// VMREAD reads the VVMCS field whose encoding is held in reg2 and writes
// the value to the decoded destination operand.
func (d *Dispatcher) VMREAD(gate privilege.GateState, info decode.ExitInfo, qualification uint64, segs decode.Segments) HandlerResult {
	decoded, res, ok := d.gateAndDecode(gate, false, info, qualification, segs)
	if !ok {
		return res
	}
	page := d.lc.CurrentPage()
	if page == nil {
		return FailInvalid
	}
	field := vmcs.Field(d.regs.ReadGuestRegister(decoded.Reg2))
	value := vmcs.Read(page, field)

	if decoded.IsMemory {
		if err := d.mem.CopyToGuestVirtual(decoded.LinearAddr, decoded.Length, le64(value)[:decoded.Length]); err != nil {
			return Exception
		}
	} else {
		d.regs.WriteGuestRegister(decoded.Reg1, value)
	}
	return Success
}

// ioBitmapFields reports the lifecycle.Bitmap a field write must remap, and
// whether the field named is one of the four I/O bitmap fields at all.
func ioBitmapFields(f vmcs.Field) (lifecycle.Bitmap, bool) {
	switch f {
	case vmcs.IOBitmapA, vmcs.IOBitmapAHigh:
		return lifecycle.BitmapA, true
	case vmcs.IOBitmapB, vmcs.IOBitmapBHigh:
		return lifecycle.BitmapB, true
	default:
		return 0, false
	}
}

// VMWRITE writes the source operand into the VVMCS at the encoding held in
// reg2, remapping the affected I/O bitmap if that encoding names one.
func (d *Dispatcher) VMWRITE(gate privilege.GateState, info decode.ExitInfo, qualification uint64, segs decode.Segments) HandlerResult {
	decoded, res, ok := d.gateAndDecode(gate, false, info, qualification, segs)
	if !ok {
		return res
	}
	page := d.lc.CurrentPage()
	if page == nil {
		return FailInvalid
	}

	var value uint64
	if decoded.IsMemory {
		raw, err := d.mem.CopyFromGuestVirtual(decoded.LinearAddr, decoded.Length)
		if err != nil {
			return Exception
		}
		for i := len(raw) - 1; i >= 0; i-- {
			value = value<<8 | uint64(raw[i])
		}
	} else {
		value = d.regs.ReadGuestRegister(decoded.Reg1)
	}

	field := vmcs.Field(d.regs.ReadGuestRegister(decoded.Reg2))
	vmcs.Write(page, field, value)

	if which, ok := ioBitmapFields(field); ok {
		if err := d.lc.RemapIOBitmap(which); err != nil {
			d.log.WithError(err).Error("dispatch: VMWRITE: remap I/O bitmap")
			return Exception
		}
	}
	return Success
}

// launchOrResume implements the shared core of VMLAUNCH and VMRESUME.
func (d *Dispatcher) launchOrResume(gate privilege.GateState, info decode.ExitInfo, qualification uint64,
	segs decode.Segments, isLaunch bool) HandlerResult {
	_, res, ok := d.gateAndDecode(gate, false, info, qualification, segs)
	if !ok {
		return res
	}

	page := d.lc.CurrentPage()
	if page == nil {
		return FailInvalid
	}

	execControl := vmcs.Read(page, vmcs.CPUBasedVMExecControl)
	if execControl&ActivateIOBitmap != 0 {
		if !d.lc.BitmapMapped(lifecycle.BitmapA) || !d.lc.BitmapMapped(lifecycle.BitmapB) {
			return FailInvalid
		}
	}

	launched := vmcs.Read(page, vmcs.LaunchState) != 0
	if isLaunch && launched {
		return FailValid
	}
	if !isLaunch && !launched {
		return FailValid
	}

	d.vmEntryPending = true
	if isLaunch {
		vmcs.Write(page, vmcs.LaunchState, 1)
	}
	return Success
}

// VMLAUNCH requires LAUNCH_STATE == 0 (clear) and sets it to 1 on success.
func (d *Dispatcher) VMLAUNCH(gate privilege.GateState, info decode.ExitInfo, qualification uint64, segs decode.Segments) HandlerResult {
	return d.launchOrResume(gate, info, qualification, segs, true)
}

// VMRESUME requires LAUNCH_STATE == 1 (launched).
func (d *Dispatcher) VMRESUME(gate privilege.GateState, info decode.ExitInfo, qualification uint64, segs decode.Segments) HandlerResult {
	return d.launchOrResume(gate, info, qualification, segs, false)
}

// GuestCR3 is an explicit not-yet-implemented hook (nvmx_vcpu_guestcr3).
func (d *Dispatcher) GuestCR3() (uint64, error) {
	return 0, fmt.Errorf("dispatch: GuestCR3: %w", ErrNotImplemented)
}

// HostCR3 is an explicit not-yet-implemented hook (nvmx_vcpu_hostcr3).
func (d *Dispatcher) HostCR3() (uint64, error) {
	return 0, fmt.Errorf("dispatch: HostCR3: %w", ErrNotImplemented)
}

// ASID is an explicit not-yet-implemented hook (nvmx_vcpu_asid).
func (d *Dispatcher) ASID() (uint16, error) {
	return 0, fmt.Errorf("dispatch: ASID: %w", ErrNotImplemented)
}
