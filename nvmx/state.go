// Package nvmx wires the codec, decoder, privilege gate, lifecycle manager,
// and instruction dispatcher into NestedState, the per-vCPU nested-VMX
// object the surrounding hypervisor constructs once per vCPU and drives on
// every VMX-instruction VM-exit.
package nvmx

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/v-architect/nvmx/decode"
	"github.com/v-architect/nvmx/dispatch"
	"github.com/v-architect/nvmx/hostif"
	"github.com/v-architect/nvmx/privilege"
	"github.com/v-architect/nvmx/vmcs"
)

// EFLAGS is the subset of status flags the VM-instruction status
// convention manipulates.
type EFLAGS struct {
	CF, PF, AF, ZF, SF, OF bool
}

// ExecOutcome is what NestedState.Execute reports to the outer emulator:
// the EFLAGS to apply and whether RIP should advance past the trapping
// instruction. AdvanceRIP is false on the Exception path (a fault was
// injected, or a guest-memory copy or guest-frame mapping failed) and for an
// unknown opcode; the outer emulator must re-enter the guest at the same RIP
// in that case.
type ExecOutcome struct {
	Flags      EFLAGS
	AdvanceRIP bool
}

func outcomeFor(res dispatch.HandlerResult) ExecOutcome {
	switch res {
	case dispatch.Success:
		return ExecOutcome{AdvanceRIP: true}
	case dispatch.FailValid:
		return ExecOutcome{Flags: EFLAGS{ZF: true}, AdvanceRIP: true}
	case dispatch.FailInvalid:
		return ExecOutcome{Flags: EFLAGS{CF: true}, AdvanceRIP: true}
	default: // dispatch.Exception
		return ExecOutcome{AdvanceRIP: false}
	}
}

// NestedState is one vCPU's complete nested-VMX state: the VMXON region,
// the shadow VMCS, the VVMCS lifecycle manager, and the instruction
// dispatcher, plus the shared process-wide Config.
type NestedState struct {
	cfg Config
	log logrus.FieldLogger

	d *dispatch.Dispatcher
}

// New constructs a NestedState for one vCPU and allocates the vCPU's
// exclusively-owned 4 KiB shadow VMCS buffer; liveHW is the hardware VMCS
// in effect while L1 runs directly and shadowHW is the shadow VMCS's own
// hardware handle, loaded only while L2 runs. Any failure here (a
// configured page size other than vmcs.PageSize, or a nil collaborator) is
// returned to the caller, who must fail domain creation; New itself never
// retries.
func New(cfg Config, mem hostif.GuestMemory, regs hostif.RegisterFile, inj hostif.ExceptionInjector,
	liveHW, shadowHW hostif.HardwareVMCS, log logrus.FieldLogger) (*NestedState, error) {
	if cfg.PageSize != 0 && cfg.PageSize != vmcs.PageSize {
		return nil, fmt.Errorf("nvmx: New: config page size %d does not match vmcs.PageSize %d", cfg.PageSize, vmcs.PageSize)
	}
	if mem == nil || regs == nil || inj == nil || liveHW == nil || shadowHW == nil {
		return nil, fmt.Errorf("nvmx: New: all collaborators must be non-nil")
	}

	shadow := &vmcs.Page{}
	return &NestedState{
		cfg: cfg,
		log: log,
		d:   dispatch.New(mem, regs, inj, liveHW, shadowHW, shadow, log),
	}, nil
}

// VMXONRegionPA reports the VMXON region GPA, or 0 if VMXON has not
// executed.
func (ns *NestedState) VMXONRegionPA() uint64 { return ns.d.VMXONRegionPA() }

// VMEntryPending reports whether the outer scheduler must perform a nested
// entry into L2 before the next resume.
func (ns *NestedState) VMEntryPending() bool { return ns.d.VMEntryPending() }

// ClearVMEntryPending acknowledges VMEntryPending.
func (ns *NestedState) ClearVMEntryPending() { ns.d.ClearVMEntryPending() }

// Dispatcher exposes the underlying instruction dispatcher, e.g. for the
// outer scheduler's update_exec_control call before an L2 entry.
func (ns *NestedState) Dispatcher() *dispatch.Dispatcher { return ns.d }

// Teardown purges all VVMCS lifecycle state. Called once when the owning
// vCPU is destroyed.
func (ns *NestedState) Teardown() error {
	return ns.d.Lifecycle().Purge()
}

// Execute runs the opcode handler for op, translating its HandlerResult
// into the EFLAGS convention (or reporting that a fault/copy failure
// already occurred and RIP must not advance).
func (ns *NestedState) Execute(op dispatch.Opcode, gate privilege.GateState, info decode.ExitInfo,
	qualification uint64, segs decode.Segments) ExecOutcome {
	var res dispatch.HandlerResult
	switch op {
	case dispatch.On:
		res = ns.d.VMXON(gate, info, qualification, segs)
	case dispatch.Off:
		res = ns.d.VMXOFF(gate, info, qualification, segs)
	case dispatch.PtrLd:
		res = ns.d.VMPTRLD(gate, info, qualification, segs)
	case dispatch.PtrSt:
		res = ns.d.VMPTRST(gate, info, qualification, segs)
	case dispatch.Clear:
		res = ns.d.VMCLEAR(gate, info, qualification, segs)
	case dispatch.Read:
		res = ns.d.VMREAD(gate, info, qualification, segs)
	case dispatch.Write:
		res = ns.d.VMWRITE(gate, info, qualification, segs)
	case dispatch.Launch:
		res = ns.d.VMLAUNCH(gate, info, qualification, segs)
	case dispatch.Resume:
		res = ns.d.VMRESUME(gate, info, qualification, segs)
	default:
		ns.log.WithField("opcode", op).Error("nvmx: Execute: unknown opcode")
		return ExecOutcome{AdvanceRIP: false}
	}
	if res == dispatch.Exception {
		ns.log.WithFields(logrus.Fields{
			"opcode":  op,
			"operand": ns.d.Diagnose(info, qualification, segs),
		}).Warn("nvmx: Execute: instruction faulted, RIP will not advance")
	}
	return outcomeFor(res)
}
