// Package privilege implements the preconditions every VMX instruction must
// satisfy before the dispatcher's architectural logic runs: protected mode
// and CR4.VMXE for VMXON, VMXON-active for everything else, no virtual-8086
// mode, correct long-mode CS, and CPL 0.
package privilege

import "github.com/v-architect/nvmx/hostif"

// GateState is the subset of guest control-register and segment state the
// gate needs to evaluate. The caller (nvmx.NestedState) assembles it from
// the current hardware VMCS / guest sregs on every VMX-instruction exit.
type GateState struct {
	CR0PE   bool // CR0.PE: protected mode enabled
	CR4VMXE bool // CR4.VMXE: VMX enable

	EFLAGSVM bool // EFLAGS.VM: virtual-8086 mode

	LongModeEnabled bool // IA32_EFER.LMA
	CSLongMode      bool // CS.L

	CPL uint8 // current privilege level, 0-3

	VMXONRegionPA uint64 // 0 means VMXON has not been executed
}

// Outcome is the gate's verdict.
type Outcome int

const (
	OK Outcome = iota
	EXCEPTION
)

// Check runs the four-step precondition sequence of the VMX architecture.
// forVMXON must be true only when checking the VMXON instruction itself;
// every other VMX instruction passes false. On failure, Check injects the
// architected fault via inj and returns EXCEPTION; on success it returns OK
// without touching inj.
func Check(state GateState, forVMXON bool, inj hostif.ExceptionInjector) Outcome {
	if forVMXON {
		if !state.CR0PE || !state.CR4VMXE {
			inj.InjectException(hostif.VectorUD, 0)
			return EXCEPTION
		}
	} else {
		if state.VMXONRegionPA == 0 {
			inj.InjectException(hostif.VectorUD, 0)
			return EXCEPTION
		}
	}

	if state.EFLAGSVM || (state.LongModeEnabled && !state.CSLongMode) {
		inj.InjectException(hostif.VectorUD, 0)
		return EXCEPTION
	}

	if state.CPL != 0 {
		inj.InjectException(hostif.VectorGP, 0)
		return EXCEPTION
	}

	return OK
}
